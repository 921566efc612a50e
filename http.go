package accounts

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	"github.com/goliatone/go-router/flash"

	"github.com/goliatone/go-accounts/middleware/jwtware"
)

// CurrentAccountKey is the locals key holding the signed in account
const CurrentAccountKey = "current_account"

// APIPrefix marks routes answered with JSON instead of redirects
const APIPrefix = "/api"

// RouteAuthenticator binds the Authenticator to HTTP: the session cookie,
// the current account and the boundary error handling.
type RouteAuthenticator struct {
	auth             *Authenticator
	cfg              Config
	Logger           Logger
	AuthErrorHandler func(c router.Context, err error) error
	ErrorHandler     func(c router.Context, err error) error
}

// NewHTTPAuthenticator returns a new RouteAuthenticator
func NewHTTPAuthenticator(auther *Authenticator, cfg Config) *RouteAuthenticator {
	a := &RouteAuthenticator{
		auth:   auther,
		cfg:    cfg,
		Logger: defLogger{name: "accounts:http"},
	}
	a.ErrorHandler = a.defaultErrHandler
	a.AuthErrorHandler = a.defaultAuthErrHandler
	return a
}

func (a *RouteAuthenticator) WithLogger(logger Logger) *RouteAuthenticator {
	if logger != nil {
		a.Logger = logger
	}
	return a
}

// Authenticate loads the session account into the request locals. Pages
// read the session cookie; API routes only accept a bearer header so a
// browser cookie never authenticates a cross site API call. It never
// rejects a request; route guards decide what an anonymous caller may do.
func (a *RouteAuthenticator) Authenticate() router.MiddlewareFunc {
	pages := a.sessionLoader(a.pageTokenLookup())
	api := a.sessionLoader(a.apiTokenLookup())

	return func(hf router.HandlerFunc) router.HandlerFunc {
		pageNext, apiNext := pages(hf), api(hf)
		return func(ctx router.Context) error {
			ctx.SetContext(WithRequestMeta(ctx.Context(), requestMeta(ctx)))
			if IsAPIRequest(ctx.Path()) {
				return apiNext(ctx)
			}
			return pageNext(ctx)
		}
	}
}

func (a *RouteAuthenticator) sessionLoader(lookup string) router.MiddlewareFunc {
	return jwtware.New(jwtware.Config{
		ContextKey:  CurrentAccountKey,
		TokenLookup: lookup,
		Validator: jwtware.ValidatorFunc(func(ctx context.Context, raw string) (any, error) {
			account, _, err := a.auth.SessionFromToken(ctx, raw)
			if err != nil {
				return nil, err
			}
			return account, nil
		}),
		SuccessHandler: func(ctx router.Context) error {
			if account := CurrentAccount(ctx); account != nil {
				ctx.SetContext(WithAccount(ctx.Context(), account))
			}
			return ctx.Next()
		},
		ErrorHandler: func(ctx router.Context, err error) error {
			if !errors.Is(err, jwtware.ErrJWTMissingOrMalformed) {
				a.Logger.Debug("ignoring session token", "text_code", TextCode(err))
				if !IsAPIRequest(ctx.Path()) {
					a.cookieDel(ctx, a.cfg.GetContextKey())
				}
			}
			return ctx.Next()
		},
	})
}

func (a *RouteAuthenticator) pageTokenLookup() string {
	return "cookie:" + a.cfg.GetContextKey()
}

func (a *RouteAuthenticator) apiTokenLookup() string {
	return "header:" + router.HeaderAuthorization
}

// CurrentAccount returns the account loaded by Authenticate, nil when
// the request is anonymous.
func CurrentAccount(ctx router.Context) *Account {
	account, _ := ctx.Locals(CurrentAccountKey).(*Account)
	return account
}

// Guard returns a route guard wired to this authenticator's responses
func (a *RouteAuthenticator) Guard(engine *PolicyEngine) *Guard {
	g := NewGuard(engine, CurrentAccount)
	g.Unauthenticated = func(ctx router.Context) error {
		return a.AuthErrorHandler(ctx, ErrUnauthenticated)
	}
	g.Denied = a.ErrorHandler
	return g
}

// Login runs a login attempt and sets the session cookie on success
func (a *RouteAuthenticator) Login(ctx router.Context, creds Credentials) (*LoginResult, error) {
	c := WithRequestMeta(ctx.Context(), requestMeta(ctx))

	result, err := a.auth.Login(c, creds)
	if err != nil {
		return nil, err
	}

	if result.Outcome == LoginSuccess {
		a.setCookieToken(ctx, result.Token, result.ExpiresAt)
	}
	return result, nil
}

// Logout revokes the session and clears the cookie
func (a *RouteAuthenticator) Logout(ctx router.Context) error {
	lookup := a.pageTokenLookup()
	if IsAPIRequest(ctx.Path()) {
		lookup = a.apiTokenLookup()
	} else {
		defer a.cookieDel(ctx, a.cfg.GetContextKey())
	}

	token, err := jwtware.ExtractRawTokenFromContext(ctx, jwtware.GetExtractors(lookup))
	if err != nil {
		return nil
	}
	return a.auth.Logout(ctx.Context(), token)
}

// GetRedirect returns and clears the URL remembered by SetRedirect
func (a *RouteAuthenticator) GetRedirect(ctx router.Context, def string) string {
	key := a.cfg.GetRejectedRouteKey()
	r := ctx.Cookies(key)
	if r == "" || !isLocalPath(r) {
		return def
	}
	a.cookieDel(ctx, key)
	return r
}

// GetRedirectOrDefault returns the remembered URL, the referer or the
// configured default.
func (a *RouteAuthenticator) GetRedirectOrDefault(ctx router.Context) string {
	key := a.cfg.GetRejectedRouteKey()
	r := ctx.Cookies(key)
	if !isLocalPath(r) {
		r = sameOriginPath(ctx.Referer(), ctx.Header("Host"))
	}
	if r == "" {
		r = a.cfg.GetRejectedRouteDefault()
	}
	a.cookieDel(ctx, key)
	return r
}

// SetRedirect remembers the requested URL so login can return to it
func (a *RouteAuthenticator) SetRedirect(ctx router.Context) {
	key := a.cfg.GetRejectedRouteKey()
	a.Logger.Debug("setting redirect cookie", "key", key, "path", ctx.OriginalURL())

	ctx.Cookie(&router.Cookie{
		Name:     key,
		Value:    ctx.OriginalURL(),
		Path:     "/",
		Expires:  time.Now().Add(time.Minute * 5),
		HTTPOnly: true,
		Secure:   true,
		SameSite: "Lax",
	})
}

func (a *RouteAuthenticator) setCookieToken(c router.Context, val string, expires time.Time) {
	c.Cookie(&router.Cookie{
		Name:     a.cfg.GetContextKey(),
		Value:    val,
		Path:     "/",
		Expires:  expires,
		HTTPOnly: true,
		Secure:   true,
		SameSite: "Lax",
	})
}

func (a *RouteAuthenticator) cookieDel(c router.Context, name string) {
	c.Cookie(&router.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Expires:  time.Now().Add(-time.Hour * (24 * 365)),
		HTTPOnly: true,
		Secure:   true,
		SameSite: "Lax",
	})
}

// defaultAuthErrHandler answers unauthenticated requests: 401 JSON under
// the API prefix, a redirect to the login page otherwise.
func (a *RouteAuthenticator) defaultAuthErrHandler(c router.Context, err error) error {
	if IsAPIRequest(c.Path()) {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": ErrUnauthenticated.Message,
		})
	}

	a.Logger.Info(
		"authentication required, redirecting to login",
		"text_code", TextCode(err),
		"path", c.OriginalURL(),
	)

	a.SetRedirect(c)

	return flash.WithError(c, router.ViewContext{
		"error_message": ErrUnauthenticated.Message,
	}).Redirect(a.loginRoute(), redirectStatus(c.Method()))
}

// defaultErrHandler maps errors to boundary responses. Denials and
// restricted deletes redirect back with a generic flash; everything else
// unexpected renders the error page.
func (a *RouteAuthenticator) defaultErrHandler(c router.Context, err error) error {
	var richErr *errors.Error
	if !errors.As(err, &richErr) {
		richErr = errors.Wrap(err, errors.CategoryInternal, "An unexpected server error occurred").
			WithCode(errors.CodeInternal)
	}

	api := IsAPIRequest(c.Path())

	switch {
	case richErr.TextCode == TextCodeUnauthenticated || richErr.TextCode == TextCodeSessionInvalid || richErr.TextCode == TextCodeSessionRevoked:
		return a.AuthErrorHandler(c, richErr)

	case richErr.Category == errors.CategoryAuthz:
		if api {
			return c.JSON(http.StatusForbidden, map[string]string{"error": ErrNotAuthorized.Message})
		}
		return flash.WithError(c, router.ViewContext{
			"error_message": ErrNotAuthorized.Message,
		}).Redirect(a.backURL(c), http.StatusSeeOther)

	case richErr.TextCode == TextCodeDeleteRestricted:
		a.Logger.Warn("delete restricted", "details", print.MaybePrettyJSON(richErr.Metadata))
		if api {
			return c.JSON(http.StatusConflict, map[string]string{"error": ErrDeleteRestricted.Message})
		}
		return flash.WithError(c, router.ViewContext{
			"error_message": ErrDeleteRestricted.Message,
		}).Redirect(a.backURL(c), http.StatusSeeOther)

	case richErr.Category == errors.CategoryNotFound:
		if api {
			return c.JSON(http.StatusNotFound, map[string]string{"error": richErr.Message})
		}
		return c.Status(http.StatusNotFound).Render("errors/404", router.ViewContext{
			"error": richErr,
		})

	case richErr.Category == errors.CategoryRateLimit:
		if api {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": richErr.Message})
		}
		return c.Status(http.StatusTooManyRequests).Render("errors/500", router.ViewContext{
			"error": richErr,
		})
	}

	a.Logger.Error(
		"unhandled request error",
		"error", richErr.Message,
		"category", richErr.Category,
		"path", c.OriginalURL(),
		"details", print.MaybePrettyJSON(richErr.Metadata),
	)

	if api {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
	return c.Status(http.StatusInternalServerError).Render("errors/500", router.ViewContext{
		"error": richErr,
	})
}

// backURL is the referer reduced to a local path, or the root when the
// referer points at another host.
func (a *RouteAuthenticator) backURL(c router.Context) string {
	if p := sameOriginPath(c.Referer(), c.Header("Host")); p != "" {
		return p
	}
	return "/"
}

func (a *RouteAuthenticator) loginRoute() string {
	if r := a.cfg.GetLoginRoute(); r != "" {
		return r
	}
	return "/login"
}

// IsAPIRequest reports whether the path is served as JSON
func IsAPIRequest(path string) bool {
	return path == APIPrefix || strings.HasPrefix(path, APIPrefix+"/")
}

// redirectStatus is 302 for GET and 303 for everything else so browsers
// follow with a GET.
func redirectStatus(method string) int {
	if strings.EqualFold(method, http.MethodGet) {
		return http.StatusFound
	}
	return http.StatusSeeOther
}

// isLocalPath accepts absolute paths on this host. Browsers read a
// backslash as a slash, so "/\\evil.com" is protocol relative.
func isLocalPath(p string) bool {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") {
		return false
	}
	return !strings.ContainsAny(p, "\\\r\n\t")
}

// sameOriginPath returns target as a local path when it is one, or when it
// is an absolute http(s) URL for host. Anything else yields "".
func sameOriginPath(target, host string) string {
	if target == "" {
		return ""
	}
	if isLocalPath(target) {
		return target
	}

	u, err := url.Parse(target)
	if err != nil || host == "" || !strings.EqualFold(u.Host, host) {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}

	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	if !isLocalPath(p) {
		return ""
	}
	return p
}

func requestMeta(ctx router.Context) RequestMeta {
	return RequestMeta{
		IP:        ctx.IP(),
		UserAgent: ctx.Header("User-Agent"),
	}
}
