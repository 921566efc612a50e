package accounts

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/uptrace/bun"
)

// AccountState is derived from the confirmation and lock timestamps
type AccountState string

const (
	StateUnconfirmed AccountState = "unconfirmed"
	StateActive      AccountState = "active"
	StateLocked      AccountState = "locked"
)

// Account is the authenticable principal
type Account struct {
	bun.BaseModel   `bun:"table:accounts,alias:acc"`
	ID              uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	Email           string     `bun:"email,notnull" json:"email"`
	PasswordHash    string     `bun:"password_hash,notnull" json:"-"`
	Role            Role       `bun:"role,notnull" json:"role"`
	FirstName       string     `bun:"first_name,notnull" json:"first_name"`
	LastName        string     `bun:"last_name,notnull" json:"last_name"`
	Slug            string     `bun:"slug,notnull" json:"slug"`
	ConfirmedAt     *time.Time `bun:"confirmed_at" json:"confirmed_at,omitempty"`
	LockedAt        *time.Time `bun:"locked_at" json:"locked_at,omitempty"`
	FailedAttempts  int        `bun:"failed_attempts,notnull" json:"-"`
	SignInCount     int        `bun:"sign_in_count,notnull" json:"sign_in_count"`
	CurrentSignInAt *time.Time `bun:"current_sign_in_at" json:"current_sign_in_at,omitempty"`
	LastSignInAt    *time.Time `bun:"last_sign_in_at" json:"last_sign_in_at,omitempty"`
	CurrentSignInIP string     `bun:"current_sign_in_ip" json:"-"`
	LastSignInIP    string     `bun:"last_sign_in_ip" json:"-"`
	CreatedByID     *uuid.UUID `bun:"created_by_id,type:uuid" json:"created_by_id,omitempty"`
	CreatedAt       time.Time  `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt       time.Time  `bun:"updated_at,notnull" json:"updated_at"`
}

// NewAccountParams holds the values used to build an Account
type NewAccountParams struct {
	Email       string
	FirstName   string
	LastName    string
	Role        Role
	Confirmed   bool
	CreatedByID *uuid.UUID
}

// NewAccount builds an account with construction time defaults: a fresh id,
// a normalized email, RoleStandard when no role is given and a base slug
// derived from the full name.
func NewAccount(p NewAccountParams, now time.Time) *Account {
	role := p.Role
	if role == "" {
		role = RoleStandard
	}

	a := &Account{
		ID:          uuid.New(),
		Email:       NormalizeEmail(p.Email),
		Role:        role,
		FirstName:   strings.TrimSpace(p.FirstName),
		LastName:    strings.TrimSpace(p.LastName),
		CreatedByID: p.CreatedByID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	a.Slug = BaseSlug(a.FullName())

	if p.Confirmed {
		confirmed := now
		a.ConfirmedAt = &confirmed
	}

	return a
}

// FullName joins first and last name with a single space
func (a *Account) FullName() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

// State derives the authentication state. A lock wins over confirmation.
func (a *Account) State() AccountState {
	switch {
	case a.LockedAt != nil:
		return StateLocked
	case a.ConfirmedAt == nil:
		return StateUnconfirmed
	default:
		return StateActive
	}
}

// IsConfirmed reports whether the email was confirmed
func (a *Account) IsConfirmed() bool {
	return a.ConfirmedAt != nil
}

// IsLocked reports whether the account is locked
func (a *Account) IsLocked() bool {
	return a.LockedAt != nil
}

// RoleName returns the role display string, used by templates
func (a *Account) RoleName() string {
	return a.Role.Display()
}

// NormalizeEmail lower cases and trims an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// BaseSlug returns the URL safe slug for a name
func BaseSlug(name string) string {
	s := slug.Make(name)
	if s == "" {
		return "account"
	}
	return s
}

// TokenKind identifies what a single use account token is for
type TokenKind string

const (
	TokenConfirmation  TokenKind = "confirmation"
	TokenUnlock        TokenKind = "unlock"
	TokenPasswordReset TokenKind = "password_reset"
)

// AccountToken is a single use token. Only the hash of the raw token is stored.
type AccountToken struct {
	bun.BaseModel `bun:"table:account_tokens,alias:tok"`
	ID            uuid.UUID  `bun:"id,pk,type:uuid"`
	AccountID     uuid.UUID  `bun:"account_id,notnull,type:uuid"`
	Kind          TokenKind  `bun:"kind,notnull"`
	TokenHash     string     `bun:"token_hash,notnull"`
	ExpiresAt     time.Time  `bun:"expires_at,notnull"`
	UsedAt        *time.Time `bun:"used_at"`
	CreatedAt     time.Time  `bun:"created_at,notnull"`
}

// IsExpired reports whether the token is past its expiration
func (t *AccountToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
