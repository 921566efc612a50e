package csrf

import (
	"testing"
	"time"

	"github.com/goliatone/go-router"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestSecureKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}

func newMockContextWithBase(method, ip string) *router.MockContext {
	ctx := router.NewMockContext()
	ctx.On("Method").Return(method)
	ctx.On("IP").Return(ip)
	ctx.On("Locals", DefaultContextKey, mock.Anything).Return(nil)
	ctx.On("Locals", DefaultContextKey+"_field", mock.Anything).Return(nil)
	return ctx
}

func passthrough(err *error) router.ErrorHandler {
	return func(ctx router.Context, e error) error {
		*err = e
		return e
	}
}

func issueToken(t *testing.T, handler router.HandlerFunc, ip string) string {
	t.Helper()
	getCtx := newMockContextWithBase("GET", ip)
	require.NoError(t, handler(getCtx))
	require.True(t, getCtx.NextCalled)

	token, ok := getCtx.LocalsMock[DefaultContextKey].(string)
	require.True(t, ok)
	require.NotEmpty(t, token)
	return token
}

func TestTokenRoundTrip(t *testing.T) {
	var captured error
	handler := New(Config{SecureKey: newTestSecureKey(), ErrorHandler: passthrough(&captured)})(nil)

	token := issueToken(t, handler, "127.0.0.1")

	postCtx := newMockContextWithBase("POST", "127.0.0.1")
	postCtx.On("FormValue", DefaultFormFieldName).Return(token)

	require.NoError(t, handler(postCtx))
	require.NoError(t, captured)
	require.True(t, postCtx.NextCalled)
}

func TestTokenFromHeader(t *testing.T) {
	var captured error
	handler := New(Config{SecureKey: newTestSecureKey(), ErrorHandler: passthrough(&captured)})(nil)

	token := issueToken(t, handler, "127.0.0.1")

	postCtx := newMockContextWithBase("POST", "127.0.0.1")
	postCtx.On("FormValue", DefaultFormFieldName).Return("")
	postCtx.HeadersM[DefaultHeaderName] = token

	require.NoError(t, handler(postCtx))
	require.True(t, postCtx.NextCalled)
}

func TestTamperedTokenIsRejected(t *testing.T) {
	var captured error
	handler := New(Config{SecureKey: newTestSecureKey(), ErrorHandler: passthrough(&captured)})(nil)

	issueToken(t, handler, "127.0.0.1")

	postCtx := newMockContextWithBase("POST", "127.0.0.1")
	postCtx.On("FormValue", DefaultFormFieldName).Return("tampered")

	require.Error(t, handler(postCtx))
	require.ErrorIs(t, captured, ErrTokenMismatch)
	require.False(t, postCtx.NextCalled)
}

func TestMissingTokenIsRejected(t *testing.T) {
	var captured error
	handler := New(Config{SecureKey: newTestSecureKey(), ErrorHandler: passthrough(&captured)})(nil)

	postCtx := newMockContextWithBase("POST", "127.0.0.1")
	postCtx.On("FormValue", DefaultFormFieldName).Return("")

	require.Error(t, handler(postCtx))
	require.ErrorIs(t, captured, ErrTokenMissing)
}

func TestTokenIsBoundToSession(t *testing.T) {
	var captured error
	handler := New(Config{SecureKey: newTestSecureKey(), ErrorHandler: passthrough(&captured)})(nil)

	token := issueToken(t, handler, "10.0.0.1")

	postCtx := newMockContextWithBase("POST", "10.0.0.2")
	postCtx.On("FormValue", DefaultFormFieldName).Return(token)

	require.Error(t, handler(postCtx))
	require.ErrorIs(t, captured, ErrTokenMismatch)
}

func TestTokenExpiration(t *testing.T) {
	var captured error
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	handler := New(Config{
		SecureKey:    newTestSecureKey(),
		Expiration:   time.Hour,
		ErrorHandler: passthrough(&captured),
		Now:          func() time.Time { return now },
	})(nil)

	token := issueToken(t, handler, "127.0.0.1")

	now = now.Add(2 * time.Hour)

	postCtx := newMockContextWithBase("POST", "127.0.0.1")
	postCtx.On("FormValue", DefaultFormFieldName).Return(token)

	require.Error(t, handler(postCtx))
	require.ErrorIs(t, captured, ErrTokenExpired)
}

func TestSkip(t *testing.T) {
	handler := New(Config{
		SecureKey: newTestSecureKey(),
		Skip:      func(router.Context) bool { return true },
	})(nil)

	ctx := router.NewMockContext()
	require.NoError(t, handler(ctx))
	require.True(t, ctx.NextCalled)
}

func TestShortSecureKeyPanics(t *testing.T) {
	require.Panics(t, func() {
		New(Config{SecureKey: []byte("short")})
	})
}
