package accounts

import (
	"context"
)

var accountCtxKey = &contextKey{"account"}

type contextKey struct {
	name string
}

// WithAccount stores the signed in account in the context so code below the
// HTTP layer can see the caller
func WithAccount(ctx context.Context, account *Account) context.Context {
	return context.WithValue(ctx, accountCtxKey, account)
}

// AccountFromContext returns the account stored by WithAccount
func AccountFromContext(ctx context.Context) (*Account, bool) {
	if ctx == nil {
		return nil, false
	}
	account, ok := ctx.Value(accountCtxKey).(*Account)
	return account, ok && account != nil
}

// Can reports whether the account in the context may perform action
func Can(ctx context.Context, engine *PolicyEngine, action Action) bool {
	account, ok := AccountFromContext(ctx)
	if !ok || engine == nil {
		return false
	}
	return engine.Authorize(account, action, nil).Allowed
}
