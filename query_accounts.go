package accounts

import (
	"context"
)

// AccountQueries serves the read side of the admin console
type AccountQueries struct {
	svc *Services
}

func NewAccountQueries(svc *Services) *AccountQueries {
	return &AccountQueries{svc: svc}
}

// List always applies the caller's scope before search, sort and paging.
// Callers without the list grant get an empty page, not an error.
func (q *AccountQueries) List(ctx context.Context, caller *Account, lq ListQuery) (*ListResult, error) {
	if err := checkContext(ctx, "account listing"); err != nil {
		return nil, err
	}
	return q.svc.Repo.Accounts().Search(ctx, q.svc.Policy.Scope(caller), lq)
}

// Show loads an account by slug and requires the accounts.show action
func (q *AccountQueries) Show(ctx context.Context, caller *Account, slug string) (*Account, error) {
	if err := checkContext(ctx, "account lookup"); err != nil {
		return nil, err
	}

	if err := q.svc.Policy.Require(ctx, caller, ActionShowAccount, nil); err != nil {
		return nil, err
	}

	return q.svc.Repo.Accounts().GetBySlug(ctx, slug)
}
