package accounts

import (
	"context"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(router.Context) error { return nil }

func metadataOf(t *testing.T, err error) map[string]any {
	t.Helper()
	var richErr *goerrors.Error
	require.ErrorAs(t, err, &richErr)
	assert.Equal(t, "ROUTE_POLICY_MISSING", richErr.TextCode)
	return richErr.Metadata
}

func TestRouteTableVerify(t *testing.T) {
	engine := NewPolicyEngine(DefaultPolicyTable(), WithPolicyLogger(NopLogger()))

	valid := NewRouteTable(engine).Add(
		Route{Method: "GET", Path: "/", Policy: Public(), Handler: noopHandler},
		Route{Method: "GET", Path: "/profile", Policy: Authenticated(), Handler: noopHandler},
		Route{Method: "DELETE", Path: "/admin/accounts/:slug", Policy: Require(ActionDeleteAccount), Handler: noopHandler},
	)
	require.NoError(t, valid.Verify())

	tests := []struct {
		name  string
		route Route
		issue string
	}{
		{"missing policy", Route{Method: "GET", Path: "/reports", Handler: noopHandler}, "missing policy"},
		{"unknown action", Route{Method: "GET", Path: "/reports", Policy: Require("reports.view"), Handler: noopHandler}, `unknown action "reports.view"`},
		{"unsupported method", Route{Method: "PATCH", Path: "/reports", Policy: Public(), Handler: noopHandler}, "unsupported method"},
		{"missing handler", Route{Method: "GET", Path: "/reports", Policy: Public()}, "missing handler"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := NewRouteTable(engine).Add(valid.Routes()...).Add(tt.route)
			err := table.Verify()
			require.Error(t, err)

			issues := metadataOf(t, err)["issues"].(map[string]any)
			assert.Equal(t, tt.issue, issues[tt.route.key()])
			assert.Len(t, issues, 1)
		})
	}

	t.Run("duplicate route", func(t *testing.T) {
		table := NewRouteTable(engine).Add(valid.Routes()...).
			Add(Route{Method: "get", Path: "/", Policy: Public(), Handler: noopHandler})
		err := table.Verify()
		require.Error(t, err)
		issues := metadataOf(t, err)["issues"].(map[string]any)
		assert.Equal(t, "registered more than once", issues["GET /"])
	})
}

func TestRoutePolicyString(t *testing.T) {
	assert.Equal(t, "public", Public().String())
	assert.Equal(t, "authenticated", Authenticated().String())
	assert.Equal(t, "require(accounts.list)", Require(ActionListAccounts).String())
	assert.Equal(t, "unset", RoutePolicy{}.String())
	assert.False(t, RoutePolicy{}.IsSet())
	assert.Equal(t, ActionListAccounts, Require(ActionListAccounts).Action())
}

type registeredRoute struct {
	method string
	path   string
	mw     int
}

type fakeRegistrar struct {
	routes []registeredRoute
}

func (r *fakeRegistrar) add(method, path string, mw []router.MiddlewareFunc) router.RouteInfo {
	r.routes = append(r.routes, registeredRoute{method: method, path: path, mw: len(mw)})
	return nil
}

func (r *fakeRegistrar) Get(path string, _ router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo {
	return r.add("GET", path, mw)
}

func (r *fakeRegistrar) Post(path string, _ router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo {
	return r.add("POST", path, mw)
}

func (r *fakeRegistrar) Delete(path string, _ router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo {
	return r.add("DELETE", path, mw)
}

func TestRouteTableMount(t *testing.T) {
	engine := NewPolicyEngine(DefaultPolicyTable(), WithPolicyLogger(NopLogger()))
	guard := NewGuard(engine, func(router.Context) *Account { return nil })

	table := NewRouteTable(engine).Add(
		Route{Method: "GET", Path: "/login", Policy: Public(), Handler: noopHandler},
		Route{Method: "POST", Path: "/login", Policy: Public(), Handler: noopHandler},
		Route{Method: "DELETE", Path: "/admin/accounts/:slug", Policy: Require(ActionDeleteAccount), Handler: noopHandler},
	)

	reg := &fakeRegistrar{}
	require.NoError(t, table.Mount(reg, guard))
	assert.Equal(t, []registeredRoute{
		{method: "GET", path: "/login", mw: 1},
		{method: "POST", path: "/login", mw: 1},
		{method: "DELETE", path: "/admin/accounts/:slug", mw: 1},
	}, reg.routes)

	broken := NewRouteTable(engine).Add(Route{Method: "GET", Path: "/x", Handler: noopHandler})
	reg = &fakeRegistrar{}
	assert.True(t, HasTextCode(broken.Mount(reg, guard), "ROUTE_POLICY_MISSING"))
	assert.Empty(t, reg.routes, "nothing is mounted when verification fails")
}

type guardRecorder struct {
	unauthenticated int
	denied          []error
}

func newRecordingGuard(engine *PolicyEngine, caller *Account) (*Guard, *guardRecorder) {
	rec := &guardRecorder{}
	guard := NewGuard(engine, func(router.Context) *Account { return caller })
	guard.Unauthenticated = func(router.Context) error {
		rec.unauthenticated++
		return nil
	}
	guard.Denied = func(_ router.Context, err error) error {
		rec.denied = append(rec.denied, err)
		return nil
	}
	return guard, rec
}

func TestGuardFor(t *testing.T) {
	engine := NewPolicyEngine(DefaultPolicyTable(), WithPolicyLogger(NopLogger()))
	admin := policyAccount(RoleAdmin)
	standard := policyAccount(RoleStandard)

	run := func(guard *Guard, policy RoutePolicy) *router.MockContext {
		ctx := router.NewMockContext()
		ctx.On("Context").Return(context.Background())
		require.NoError(t, guard.For(policy)(noopHandler)(ctx))
		return ctx
	}

	t.Run("public passes without a session", func(t *testing.T) {
		guard, rec := newRecordingGuard(engine, nil)
		ctx := run(guard, Public())
		assert.True(t, ctx.NextCalled)
		assert.Zero(t, rec.unauthenticated)
	})

	t.Run("authenticated needs a caller", func(t *testing.T) {
		guard, rec := newRecordingGuard(engine, nil)
		ctx := run(guard, Authenticated())
		assert.False(t, ctx.NextCalled)
		assert.Equal(t, 1, rec.unauthenticated)

		guard, _ = newRecordingGuard(engine, standard)
		assert.True(t, run(guard, Authenticated()).NextCalled)
	})

	t.Run("action denied for standard", func(t *testing.T) {
		guard, rec := newRecordingGuard(engine, standard)
		ctx := run(guard, Require(ActionListAccounts))
		assert.False(t, ctx.NextCalled)
		require.Len(t, rec.denied, 1)
		assert.ErrorIs(t, rec.denied[0], ErrNotAuthorized)
	})

	t.Run("action granted for admin", func(t *testing.T) {
		guard, rec := newRecordingGuard(engine, admin)
		ctx := run(guard, Require(ActionListAccounts))
		assert.True(t, ctx.NextCalled)
		assert.Empty(t, rec.denied)
	})

	t.Run("unset policy denies", func(t *testing.T) {
		guard, rec := newRecordingGuard(engine, admin)
		ctx := run(guard, RoutePolicy{})
		assert.False(t, ctx.NextCalled)
		assert.Len(t, rec.denied, 1)
	})
}
