package accounts

import (
	"context"
	"errors"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestIsAPIRequest(t *testing.T) {
	assert.True(t, IsAPIRequest("/api"))
	assert.True(t, IsAPIRequest("/api/session"))
	assert.False(t, IsAPIRequest("/apiary"))
	assert.False(t, IsAPIRequest("/admin/accounts"))
}

func TestRedirectStatus(t *testing.T) {
	assert.Equal(t, http.StatusFound, redirectStatus("GET"))
	assert.Equal(t, http.StatusFound, redirectStatus("get"))
	assert.Equal(t, http.StatusSeeOther, redirectStatus("POST"))
	assert.Equal(t, http.StatusSeeOther, redirectStatus("DELETE"))
}

func TestIsLocalPath(t *testing.T) {
	assert.True(t, isLocalPath("/admin/accounts?page=2"))
	assert.False(t, isLocalPath("//evil.example.com"))
	assert.False(t, isLocalPath("/\\evil.example.com"))
	assert.False(t, isLocalPath("/admin\\..\\x"))
	assert.False(t, isLocalPath("/\t/evil.example.com"))
	assert.False(t, isLocalPath("https://evil.example.com"))
	assert.False(t, isLocalPath(""))
}

func TestSameOriginPath(t *testing.T) {
	const host = "accounts.example.com"

	tests := []struct {
		name   string
		target string
		expect string
	}{
		{"local path", "/admin/accounts", "/admin/accounts"},
		{"same host url", "https://accounts.example.com/admin/accounts?page=2", "/admin/accounts?page=2"},
		{"same host without path", "http://accounts.example.com", "/"},
		{"host compare ignores case", "https://Accounts.Example.com/profile", "/profile"},
		{"other host", "https://evil.example.com/admin", ""},
		{"host suffix", "https://accounts.example.com.evil.io/admin", ""},
		{"protocol relative", "//evil.example.com/admin", ""},
		{"backslash", "/\\evil.example.com", ""},
		{"javascript scheme", "javascript://accounts.example.com/%0aalert(1)", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, sameOriginPath(tt.target, host))
		})
	}

	assert.Empty(t, sameOriginPath("https://accounts.example.com/x", ""), "absolute urls need a known host")
}

func TestBackURLIgnoresForeignReferer(t *testing.T) {
	a := &RouteAuthenticator{}

	foreign := router.NewMockContext()
	foreign.HeadersM["Host"] = "accounts.example.com"
	foreign.On("Referer").Return("https://evil.example.com/phish")
	assert.Equal(t, "/", a.backURL(foreign))

	local := router.NewMockContext()
	local.HeadersM["Host"] = "accounts.example.com"
	local.On("Referer").Return("https://accounts.example.com/admin/accounts")
	assert.Equal(t, "/admin/accounts", a.backURL(local))
}

func TestGetRedirectOrDefault(t *testing.T) {
	f := newFixture(t)
	a := NewHTTPAuthenticator(f.auth, f.cfg).WithLogger(NopLogger())

	newCtx := func(cookie, referer string) *router.MockContext {
		ctx := router.NewMockContext()
		ctx.HeadersM["Host"] = "accounts.example.com"
		if cookie != "" {
			ctx.CookiesM["redirect_to"] = cookie
		}
		ctx.On("Referer").Return(referer)
		ctx.On("Cookie", mock.Anything).Return()
		return ctx
	}

	assert.Equal(t, "/admin/accounts", a.GetRedirectOrDefault(newCtx("/admin/accounts", "")))
	assert.Equal(t, "/profile", a.GetRedirectOrDefault(newCtx("", "https://accounts.example.com/profile")))
	assert.Equal(t, "/", a.GetRedirectOrDefault(newCtx("/\\evil.example.com", "https://evil.example.com/")))
}

func TestCurrentAccount(t *testing.T) {
	ctx := router.NewMockContext()
	assert.Nil(t, CurrentAccount(ctx))

	account := policyAccount(RoleStandard)
	ctx.LocalsMock[CurrentAccountKey] = account
	assert.Same(t, account, CurrentAccount(ctx))

	ctx.LocalsMock[CurrentAccountKey] = "not an account"
	assert.Nil(t, CurrentAccount(ctx))
}

func newAPIContext(path string) (*router.MockContext, *int, *map[string]string) {
	ctx := router.NewMockContext()
	ctx.On("Path").Return(path)
	ctx.On("OriginalURL").Return(path)

	status := 0
	body := map[string]string{}
	ctx.On("JSON", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		status = args.Int(0)
		body = args.Get(1).(map[string]string)
	}).Return(nil)
	return ctx, &status, &body
}

func TestAPIErrorResponses(t *testing.T) {
	f := newFixture(t)
	a := NewHTTPAuthenticator(f.auth, f.cfg).WithLogger(NopLogger())

	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"denied", ErrNotAuthorized, http.StatusForbidden, ErrNotAuthorized.Message},
		{"unauthenticated", ErrUnauthenticated, http.StatusUnauthorized, ErrUnauthenticated.Message},
		{"revoked session", ErrSessionRevoked, http.StatusUnauthorized, ErrUnauthenticated.Message},
		{"delete restricted", withMeta(ErrDeleteRestricted, nil, map[string]any{"dependents": 2}), http.StatusConflict, ErrDeleteRestricted.Message},
		{"not found", ErrAccountNotFound, http.StatusNotFound, ErrAccountNotFound.Message},
		{"throttled", ErrTooManyRequests, http.StatusTooManyRequests, ErrTooManyRequests.Message},
		{"plain error", errors.New("db exploded"), http.StatusInternalServerError, "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, status, body := newAPIContext("/api/accounts")
			require.NoError(t, a.ErrorHandler(ctx, tt.err))
			assert.Equal(t, tt.status, *status)
			assert.Equal(t, tt.message, (*body)["error"])
		})
	}
}

func TestAPIDenialHidesReason(t *testing.T) {
	f := newFixture(t)
	a := NewHTTPAuthenticator(f.auth, f.cfg).WithLogger(NopLogger())

	err := f.svc.Policy.Require(context.Background(), policyAccount(RoleStandard), ActionDeleteAccount, nil)
	require.Error(t, err)

	ctx, status, body := newAPIContext("/api/accounts/jane-doe")
	require.NoError(t, a.ErrorHandler(ctx, err))
	assert.Equal(t, http.StatusForbidden, *status)
	assert.Equal(t, map[string]string{"error": "You are not authorized to perform this action."}, *body)

	var richErr *goerrors.Error
	require.ErrorAs(t, err, &richErr)
	assert.Empty(t, richErr.Metadata, "the denial carries no policy details")
}

func TestGuardUsesAPIResponses(t *testing.T) {
	f := newFixture(t)
	a := NewHTTPAuthenticator(f.auth, f.cfg).WithLogger(NopLogger())
	guard := a.Guard(f.svc.Policy)

	ctx, status, _ := newAPIContext("/api/me")
	require.NoError(t, guard.For(Authenticated())(noopHandler)(ctx))
	assert.False(t, ctx.NextCalled)
	assert.Equal(t, http.StatusUnauthorized, *status)
}
