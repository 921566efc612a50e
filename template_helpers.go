package accounts

import (
	"maps"

	"github.com/goliatone/go-accounts/middleware/csrf"
	"github.com/goliatone/go-router"
)

// TemplateHelpers returns the functions and constants views use to adapt to
// the signed in account. Register them with the view engine's AddFuncMap.
//
// In templates:
//
//	{% if is_authenticated(current_account) %}
//	{% if can(current_account, "accounts.list") %}
//	{{ role_name(record.Role) }}
func TemplateHelpers(engine *PolicyEngine) map[string]any {
	roles := make(map[string]string, len(RoleDisplayNames))
	for role, name := range RoleDisplayNames {
		roles[string(role)] = name
	}

	return map[string]any{
		"is_authenticated": isAuthenticated,
		"is_admin":         isAdmin,
		"can": func(account any, action string) bool {
			a := templateAccount(account)
			if a == nil || engine == nil {
				return false
			}
			return engine.Authorize(a, Action(action), nil).Allowed
		},
		"role_name": func(role any) string {
			switch r := role.(type) {
			case Role:
				return r.Display()
			case string:
				return Role(r).Display()
			}
			return ""
		},
		"roles": roles,
	}
}

// MergeTemplateData adds the current account and CSRF values to data. Use it
// when the view engine does not receive the request locals.
func MergeTemplateData(ctx router.Context, data router.ViewContext) router.ViewContext {
	out := router.ViewContext{}
	if account := CurrentAccount(ctx); account != nil {
		out[CurrentAccountKey] = account
	}

	if token, ok := ctx.Locals(csrf.DefaultContextKey).(string); ok {
		out[csrf.DefaultContextKey] = token
		out[csrf.DefaultContextKey+"_field"] = csrf.DefaultFormFieldName
	}

	maps.Copy(out, data)
	return out
}

func templateAccount(user any) *Account {
	switch u := user.(type) {
	case *Account:
		return u
	case Account:
		return &u
	}
	return nil
}

func isAuthenticated(user any) bool {
	return templateAccount(user) != nil
}

func isAdmin(user any) bool {
	a := templateAccount(user)
	return a != nil && a.Role.IsAdmin()
}
