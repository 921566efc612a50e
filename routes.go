package accounts

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-router"
)

// RouteRegistrar captures the router methods used to mount routes
type RouteRegistrar interface {
	Get(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
	Post(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
	Delete(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
}

type policyKind int

const (
	policyUnset policyKind = iota
	policyPublic
	policyAuthenticated
	policyAction
)

// RoutePolicy is the authorization decision attached to a route. The zero
// value is not a decision and fails verification.
type RoutePolicy struct {
	kind   policyKind
	action Action
}

// Public routes need no session
func Public() RoutePolicy {
	return RoutePolicy{kind: policyPublic}
}

// Authenticated routes need an active session
func Authenticated() RoutePolicy {
	return RoutePolicy{kind: policyAuthenticated}
}

// Require needs an active session granted the action
func Require(action Action) RoutePolicy {
	return RoutePolicy{kind: policyAction, action: action}
}

// IsSet reports whether a decision was made
func (p RoutePolicy) IsSet() bool {
	return p.kind != policyUnset
}

// Action returns the required action, empty unless built with Require
func (p RoutePolicy) Action() Action {
	return p.action
}

func (p RoutePolicy) String() string {
	switch p.kind {
	case policyPublic:
		return "public"
	case policyAuthenticated:
		return "authenticated"
	case policyAction:
		return "require(" + string(p.action) + ")"
	default:
		return "unset"
	}
}

// Route is a handler with its policy decision
type Route struct {
	Method  string
	Path    string
	Name    string
	Policy  RoutePolicy
	Handler router.HandlerFunc
}

func (r Route) key() string {
	return strings.ToUpper(r.Method) + " " + r.Path
}

// RouteTable is the registry of every mounted route and its policy
type RouteTable struct {
	engine *PolicyEngine
	routes []Route
}

// NewRouteTable returns an empty table checked against the engine actions
func NewRouteTable(engine *PolicyEngine) *RouteTable {
	return &RouteTable{engine: engine}
}

// Add appends routes
func (t *RouteTable) Add(routes ...Route) *RouteTable {
	t.routes = append(t.routes, routes...)
	return t
}

// Routes returns a copy of the registered routes
func (t *RouteTable) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// ErrRoutePolicy is returned by Verify
var ErrRoutePolicy = goerrors.New("route table has routes without a valid policy", goerrors.CategoryInternal).
	WithTextCode("ROUTE_POLICY_MISSING")

// Verify fails when a route has no decision, requires an unknown action,
// uses an unsupported method, has no handler or is registered twice.
func (t *RouteTable) Verify() error {
	problems := map[string]string{}
	seen := map[string]bool{}

	for _, r := range t.routes {
		k := r.key()
		switch {
		case seen[k]:
			problems[k] = "registered more than once"
		case !supportedMethod(r.Method):
			problems[k] = "unsupported method"
		case r.Handler == nil:
			problems[k] = "missing handler"
		case !r.Policy.IsSet():
			problems[k] = "missing policy"
		case r.Policy.kind == policyAction && (t.engine == nil || !t.engine.Knows(r.Policy.action)):
			problems[k] = fmt.Sprintf("unknown action %q", r.Policy.action)
		}
		seen[k] = true
	}

	if len(problems) == 0 {
		return nil
	}

	keys := make([]string, 0, len(problems))
	for k := range problems {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	meta := make(map[string]any, len(problems))
	for _, k := range keys {
		meta[k] = problems[k]
	}

	return withMeta(ErrRoutePolicy, nil, map[string]any{
		"routes": keys,
		"issues": meta,
	})
}

// Mount verifies the table and registers every route behind its guard
func (t *RouteTable) Mount(r RouteRegistrar, guard *Guard) error {
	if err := t.Verify(); err != nil {
		return err
	}

	for _, route := range t.routes {
		mw := guard.For(route.Policy)
		var info router.RouteInfo
		switch strings.ToUpper(route.Method) {
		case http.MethodGet:
			info = r.Get(route.Path, route.Handler, mw)
		case http.MethodPost:
			info = r.Post(route.Path, route.Handler, mw)
		case http.MethodDelete:
			info = r.Delete(route.Path, route.Handler, mw)
		}
		if info != nil && route.Name != "" {
			info.SetName(route.Name)
		}
	}

	return nil
}

func supportedMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodPost, http.MethodDelete:
		return true
	default:
		return false
	}
}

// CallerFunc resolves the current account of a request, nil when anonymous
type CallerFunc func(ctx router.Context) *Account

// Guard enforces route policies
type Guard struct {
	engine          *PolicyEngine
	caller          CallerFunc
	Unauthenticated func(ctx router.Context) error
	Denied          func(ctx router.Context, err error) error
}

// NewGuard creates a guard. The handlers default to plain status responses
// until the HTTP layer installs its own.
func NewGuard(engine *PolicyEngine, caller CallerFunc) *Guard {
	return &Guard{
		engine: engine,
		caller: caller,
		Unauthenticated: func(ctx router.Context) error {
			return ctx.Status(http.StatusUnauthorized).SendString(ErrUnauthenticated.Message)
		},
		Denied: func(ctx router.Context, err error) error {
			return ctx.Status(http.StatusForbidden).SendString(ErrNotAuthorized.Message)
		},
	}
}

// For returns the middleware for a route policy. Unset policies deny.
func (g *Guard) For(policy RoutePolicy) router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			if policy.kind == policyPublic {
				return ctx.Next()
			}

			caller := g.caller(ctx)
			if caller == nil {
				return g.Unauthenticated(ctx)
			}

			switch policy.kind {
			case policyAuthenticated:
				return ctx.Next()
			case policyAction:
				if err := g.engine.Require(ctx.Context(), caller, policy.action, nil); err != nil {
					return g.Denied(ctx, err)
				}
				return ctx.Next()
			default:
				return g.Denied(ctx, ErrNotAuthorized)
			}
		}
	}
}
