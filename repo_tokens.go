package accounts

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// AccountTokens stores hashed single use tokens
type AccountTokens interface {
	repository.Repository[*AccountToken]

	GetByHashTx(ctx context.Context, tx bun.IDB, kind TokenKind, hash string) (*AccountToken, error)
	MarkUsedTx(ctx context.Context, tx bun.IDB, id uuid.UUID, now time.Time) (bool, error)
	RevokeUnusedTx(ctx context.Context, tx bun.IDB, accountID uuid.UUID, kind TokenKind) error
}

type accountTokens struct {
	repository.Repository[*AccountToken]
	db *bun.DB
}

var _ AccountTokens = (*accountTokens)(nil)

// NewAccountTokensRepository creates the bun backed token store
func NewAccountTokensRepository(db *bun.DB) AccountTokens {
	return &accountTokens{
		Repository: repository.NewRepository[*AccountToken](db, repository.ModelHandlers[*AccountToken]{
			NewRecord: func() *AccountToken { return &AccountToken{} },
			GetID: func(t *AccountToken) uuid.UUID {
				if t == nil {
					return uuid.Nil
				}
				return t.ID
			},
			SetID: func(t *AccountToken, id uuid.UUID) {
				if t != nil {
					t.ID = id
				}
			},
			GetIdentifier: func() string {
				return "token_hash"
			},
		}),
		db: db,
	}
}

func (r *accountTokens) CreateTx(ctx context.Context, tx bun.IDB, token *AccountToken) (*AccountToken, error) {
	created, err := r.Repository.CreateTx(ctx, tx, token)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to store account token")
	}
	return created, nil
}

func (r *accountTokens) GetByHashTx(ctx context.Context, tx bun.IDB, kind TokenKind, hash string) (*AccountToken, error) {
	record, err := r.Repository.GetTx(ctx, tx,
		repository.SelectBy("kind", "=", string(kind)),
		repository.SelectBy("token_hash", "=", hash),
	)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, ErrTokenInvalid
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load account token")
	}
	return record, nil
}

// MarkUsedTx flips used_at once. It reports false when another redemption
// already claimed the token.
func (r *accountTokens) MarkUsedTx(ctx context.Context, tx bun.IDB, id uuid.UUID, now time.Time) (bool, error) {
	res, err := tx.NewUpdate().
		Model((*AccountToken)(nil)).
		Set("used_at = ?", now).
		Where("id = ?", id).
		Where("used_at IS NULL").
		Exec(ctx)
	if err != nil {
		return false, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to redeem account token")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *accountTokens) RevokeUnusedTx(ctx context.Context, tx bun.IDB, accountID uuid.UUID, kind TokenKind) error {
	err := r.Repository.DeleteWhereTx(ctx, tx,
		repository.DeleteBy("account_id", "=", accountID.String()),
		repository.DeleteBy("kind", "=", string(kind)),
		func(q *bun.DeleteQuery) *bun.DeleteQuery {
			return q.Where("?TableAlias.used_at IS NULL")
		},
	)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to revoke account tokens")
	}
	return nil
}
