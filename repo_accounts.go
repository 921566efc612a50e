package accounts

import (
	"context"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// DefaultPerPage is the admin listing page size
const DefaultPerPage = 25

// ScopeFunc restricts a select query to the rows a caller may see
type ScopeFunc func(q *bun.SelectQuery) *bun.SelectQuery

// ListQuery holds search, sort and pagination for account listings
type ListQuery struct {
	Email     string
	FullName  string
	Role      Role
	Sort      string
	Direction string
	Page      int
	PerPage   int
}

// ListResult is a page of accounts
type ListResult struct {
	Records []*Account
	Total   int
	Page    int
	PerPage int
}

// Pages returns the number of pages for the result
func (r *ListResult) Pages() int {
	if r.PerPage <= 0 || r.Total == 0 {
		return 1
	}
	return (r.Total + r.PerPage - 1) / r.PerPage
}

// Accounts is the credential store
type Accounts interface {
	repository.Repository[*Account]

	GetByEmail(ctx context.Context, email string) (*Account, error)
	GetByEmailTx(ctx context.Context, tx bun.IDB, email string) (*Account, error)
	GetBySlug(ctx context.Context, slug string) (*Account, error)
	LockForUpdateTx(ctx context.Context, tx bun.IDB, email string) (*Account, error)
	CountDependentsTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (int, error)

	IncrementFailedAttemptsTx(ctx context.Context, tx bun.IDB, id uuid.UUID, now time.Time) (int, error)
	ResetFailedAttemptsTx(ctx context.Context, tx bun.IDB, id uuid.UUID, now time.Time) error
	LockTx(ctx context.Context, tx bun.IDB, id uuid.UUID, now time.Time) (bool, error)
	UnlockTx(ctx context.Context, tx bun.IDB, id uuid.UUID, now time.Time) (bool, error)
	ConfirmTx(ctx context.Context, tx bun.IDB, id uuid.UUID, now time.Time) (bool, error)
	SetPasswordHashTx(ctx context.Context, tx bun.IDB, id uuid.UUID, hash string, now time.Time) error
	TrackSignIn(ctx context.Context, id uuid.UUID, ip string, now time.Time) error

	Search(ctx context.Context, scope ScopeFunc, q ListQuery) (*ListResult, error)
}

type accounts struct {
	repository.Repository[*Account]
	db *bun.DB
}

var (
	_ Accounts                        = (*accounts)(nil)
	_ repository.Repository[*Account] = (*accounts)(nil)
)

// NewAccountsRepository creates the bun backed credential store
func NewAccountsRepository(db *bun.DB) Accounts {
	return &accounts{
		Repository: repository.NewRepository[*Account](db, repository.ModelHandlers[*Account]{
			NewRecord: func() *Account { return &Account{} },
			GetID: func(a *Account) uuid.UUID {
				if a == nil {
					return uuid.Nil
				}
				return a.ID
			},
			SetID: func(a *Account, id uuid.UUID) {
				if a != nil {
					a.ID = id
				}
			},
			GetIdentifier: func() string {
				return "slug"
			},
		}),
		db: db,
	}
}

// UpdateAccountColumns limits an update to columns, plus updated_at
func UpdateAccountColumns(columns ...string) repository.UpdateCriteria {
	return repository.UpdateColumns(append(columns, "updated_at")...)
}

func (r *accounts) GetByID(ctx context.Context, id string, criteria ...repository.SelectCriteria) (*Account, error) {
	return r.GetByIDTx(ctx, r.db, id, criteria...)
}

func (r *accounts) GetByIDTx(ctx context.Context, tx bun.IDB, id string, criteria ...repository.SelectCriteria) (*Account, error) {
	record, err := r.Repository.GetByIDTx(ctx, tx, id, criteria...)
	return record, accountLookupError(err, "id", id)
}

func (r *accounts) GetByEmail(ctx context.Context, email string) (*Account, error) {
	return r.GetByEmailTx(ctx, r.db, email)
}

func (r *accounts) GetByEmailTx(ctx context.Context, tx bun.IDB, email string) (*Account, error) {
	email = NormalizeEmail(email)
	record, err := r.Repository.GetTx(ctx, tx, repository.SelectBy("email", "=", email))
	return record, accountLookupError(err, "email", email)
}

func (r *accounts) GetBySlug(ctx context.Context, slug string) (*Account, error) {
	slug = strings.TrimSpace(slug)
	record, err := r.Repository.GetByIdentifierTx(ctx, r.db, slug)
	return record, accountLookupError(err, "slug", slug)
}

// LockForUpdateTx loads an account by email and, on postgres, takes a row
// lock so concurrent logins for the same account are serialized. SQLite
// serializes writers at the database level.
func (r *accounts) LockForUpdateTx(ctx context.Context, tx bun.IDB, email string) (*Account, error) {
	email = NormalizeEmail(email)

	criteria := []repository.SelectCriteria{repository.SelectBy("email", "=", email)}
	if tx.Dialect().Name() == dialect.PG {
		criteria = append(criteria, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.For("UPDATE")
		}))
	}

	record, err := r.Repository.GetTx(ctx, tx, criteria...)
	return record, accountLookupError(err, "email", email)
}

func accountLookupError(err error, column, value string) error {
	switch {
	case err == nil:
		return nil
	case repository.IsRecordNotFound(err):
		return withMeta(ErrAccountNotFound, nil, map[string]any{column: value})
	default:
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load account")
	}
}

func (r *accounts) Create(ctx context.Context, account *Account) (*Account, error) {
	return r.CreateTx(ctx, r.db, account)
}

// CreateTx normalizes the email, rejects duplicates and assigns a unique
// slug derived from account.Slug before inserting.
func (r *accounts) CreateTx(ctx context.Context, tx bun.IDB, account *Account) (*Account, error) {
	account.Email = NormalizeEmail(account.Email)
	if account.Role == "" {
		account.Role = RoleStandard
	}

	if _, err := r.GetByEmailTx(ctx, tx, account.Email); err == nil {
		return nil, withMeta(ErrDuplicateEmail, nil, map[string]any{"email": account.Email})
	} else if !HasTextCode(err, TextCodeAccountNotFound) {
		return nil, err
	}

	slug, err := r.uniqueSlugTx(ctx, tx, BaseSlug(account.Slug))
	if err != nil {
		return nil, err
	}
	account.Slug = slug

	created, err := r.Repository.CreateTx(ctx, tx, account)
	if err != nil {
		if isUniqueViolation(err) {
			if violatedConstraint(err) == slugConstraint {
				return nil, goerrors.Wrap(err, goerrors.CategoryConflict, "account slug is already taken").
					WithCode(goerrors.CodeConflict)
			}
			return nil, withMeta(ErrDuplicateEmail, err, map[string]any{"email": account.Email})
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create account")
	}

	return created, nil
}

// uniqueSlugTx returns base or base-N with the lowest free N starting at 2
func (r *accounts) uniqueSlugTx(ctx context.Context, tx bun.IDB, base string) (string, error) {
	var taken []string
	err := tx.NewSelect().
		Model((*Account)(nil)).
		Column("slug").
		Where("slug = ? OR slug LIKE ? ESCAPE '!'", base, escapeLike(base)+"-%").
		Scan(ctx, &taken)
	if err != nil && !repository.IsNoRowError(err) {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to resolve slug")
	}

	used := make(map[string]struct{}, len(taken))
	for _, s := range taken {
		used[s] = struct{}{}
	}

	if _, ok := used[base]; !ok {
		return base, nil
	}

	for n := 2; ; n++ {
		candidate := base + "-" + strconv.Itoa(n)
		if _, ok := used[candidate]; !ok {
			return candidate, nil
		}
	}
}

func (r *accounts) Update(ctx context.Context, account *Account, criteria ...repository.UpdateCriteria) (*Account, error) {
	return r.UpdateTx(ctx, r.db, account, criteria...)
}

// UpdateTx writes the account. Without criteria every column except the
// identity and audit columns is written.
func (r *accounts) UpdateTx(ctx context.Context, tx bun.IDB, account *Account, criteria ...repository.UpdateCriteria) (*Account, error) {
	account.Email = NormalizeEmail(account.Email)
	if len(criteria) == 0 {
		criteria = append(criteria, repository.UpdateExcludeColumns("id", "slug", "created_at", "created_by_id"))
	}

	updated, err := r.Repository.UpdateTx(ctx, tx, account, criteria...)
	switch {
	case err == nil:
		return updated, nil
	case isUniqueViolation(err):
		return nil, withMeta(ErrDuplicateEmail, err, map[string]any{"email": account.Email})
	case repository.IsRecordNotFound(err):
		return nil, withMeta(ErrAccountNotFound, nil, map[string]any{"id": account.ID.String()})
	default:
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to update account")
	}
}

func (r *accounts) CountDependentsTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (int, error) {
	count, err := tx.NewSelect().
		Model((*Account)(nil)).
		Where("created_by_id = ?", id).
		Count(ctx)
	if err != nil {
		return 0, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to count dependent accounts")
	}
	return count, nil
}

func (r *accounts) Delete(ctx context.Context, account *Account) error {
	return r.DeleteTx(ctx, r.db, account)
}

// DeleteTx removes the account. Accounts still referenced by the accounts
// they created fail with ErrDeleteRestricted.
func (r *accounts) DeleteTx(ctx context.Context, tx bun.IDB, account *Account) error {
	if err := r.Repository.DeleteTx(ctx, tx, account); err != nil {
		if isForeignKeyViolation(err) {
			return withMeta(ErrDeleteRestricted, err, map[string]any{"id": account.ID.String()})
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to delete account")
	}
	return nil
}

func (r *accounts) IncrementFailedAttemptsTx(ctx context.Context, tx bun.IDB, id uuid.UUID, now time.Time) (int, error) {
	var attempts int
	err := tx.NewRaw(`
		UPDATE accounts
		SET failed_attempts = failed_attempts + 1, updated_at = ?
		WHERE id = ?
		RETURNING failed_attempts`, now, id).
		Scan(ctx, &attempts)
	if err != nil {
		if repository.IsNoRowError(err) {
			return 0, withMeta(ErrAccountNotFound, nil, map[string]any{"id": id.String()})
		}
		return 0, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to track login attempt")
	}
	return attempts, nil
}

func (r *accounts) ResetFailedAttemptsTx(ctx context.Context, tx bun.IDB, id uuid.UUID, now time.Time) error {
	_, err := tx.NewUpdate().
		Model((*Account)(nil)).
		Set("failed_attempts = 0").
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to reset login attempts")
	}
	return nil
}

func (r *accounts) LockTx(ctx context.Context, tx bun.IDB, id uuid.UUID, now time.Time) (bool, error) {
	res, err := tx.NewUpdate().
		Model((*Account)(nil)).
		Set("locked_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("locked_at IS NULL").
		Exec(ctx)
	if err != nil {
		return false, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to lock account")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *accounts) UnlockTx(ctx context.Context, tx bun.IDB, id uuid.UUID, now time.Time) (bool, error) {
	res, err := tx.NewUpdate().
		Model((*Account)(nil)).
		Set("locked_at = NULL").
		Set("failed_attempts = 0").
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("locked_at IS NOT NULL").
		Exec(ctx)
	if err != nil {
		return false, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to unlock account")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *accounts) ConfirmTx(ctx context.Context, tx bun.IDB, id uuid.UUID, now time.Time) (bool, error) {
	res, err := tx.NewUpdate().
		Model((*Account)(nil)).
		Set("confirmed_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("confirmed_at IS NULL").
		Exec(ctx)
	if err != nil {
		return false, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to confirm account")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *accounts) SetPasswordHashTx(ctx context.Context, tx bun.IDB, id uuid.UUID, hash string, now time.Time) error {
	res, err := tx.NewUpdate().
		Model((*Account)(nil)).
		Set("password_hash = ?", hash).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to update password")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return withMeta(ErrAccountNotFound, nil, map[string]any{"id": id.String()})
	}
	return nil
}

func (r *accounts) TrackSignIn(ctx context.Context, id uuid.UUID, ip string, now time.Time) error {
	_, err := r.db.NewRaw(`
		UPDATE accounts
		SET
			sign_in_count = sign_in_count + 1,
			last_sign_in_at = current_sign_in_at,
			last_sign_in_ip = current_sign_in_ip,
			current_sign_in_at = ?,
			current_sign_in_ip = ?,
			updated_at = ?
		WHERE id = ?`, now, ip, now, id).
		Exec(ctx)
	return err
}

var sortColumns = map[string]string{
	"full_name":  "LOWER(acc.first_name || ' ' || acc.last_name)",
	"email":      "acc.email",
	"role":       "acc.role",
	"created_at": "acc.created_at",
}

// Search applies scope first, then search, sort and pagination. A nil scope
// denies every row.
func (r *accounts) Search(ctx context.Context, scope ScopeFunc, lq ListQuery) (*ListResult, error) {
	if scope == nil {
		scope = denyAll
	}

	criteria := []repository.SelectCriteria{repository.SelectRawProcessor(scope)}

	if s := strings.ToLower(strings.TrimSpace(lq.Email)); s != "" {
		criteria = append(criteria, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("LOWER(acc.email) LIKE ? ESCAPE '!'", "%"+escapeLike(s)+"%")
		}))
	}

	if s := strings.ToLower(strings.TrimSpace(lq.FullName)); s != "" {
		criteria = append(criteria, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("LOWER(acc.first_name || ' ' || acc.last_name) LIKE ? ESCAPE '!'", "%"+escapeLike(s)+"%")
		}))
	}

	if lq.Role != "" {
		criteria = append(criteria, repository.SelectBy("role", "=", string(lq.Role)))
	}

	sortExpr, ok := sortColumns[lq.Sort]
	if !ok {
		sortExpr = sortColumns["full_name"]
	}
	direction := "ASC"
	if strings.EqualFold(lq.Direction, "desc") {
		direction = "DESC"
	}

	page := lq.Page
	if page < 1 {
		page = 1
	}
	perPage := lq.PerPage
	if perPage <= 0 {
		perPage = DefaultPerPage
	}

	criteria = append(criteria,
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.OrderExpr(sortExpr + " " + direction).OrderExpr("acc.id ASC")
		}),
		repository.Paginate(perPage, (page-1)*perPage),
	)

	records, total, err := r.Repository.ListTx(ctx, r.db, criteria...)
	if err != nil && !repository.IsNoRowError(err) {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to list accounts")
	}

	return &ListResult{
		Records: records,
		Total:   total,
		Page:    page,
		PerPage: perPage,
	}, nil
}

func denyAll(q *bun.SelectQuery) *bun.SelectQuery {
	return q.Where("1 = 0")
}
