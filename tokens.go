package accounts

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const rawTokenBytes = 32

// Default token lifetimes
const (
	DefaultConfirmationTTL  = 72 * time.Hour
	DefaultUnlockTTL        = 24 * time.Hour
	DefaultPasswordResetTTL = 6 * time.Hour
)

// GenerateRawToken returns a random URL safe token and its storage hash
func GenerateRawToken() (raw, hash string, err error) {
	b := make([]byte, rawTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to generate token")
	}
	raw = base64.RawURLEncoding.EncodeToString(b)
	return raw, HashToken(raw), nil
}

// HashToken returns the hex encoded SHA-256 of a raw token
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// TokenManager issues and redeems single use account tokens
type TokenManager struct {
	tokens AccountTokens
	ttl    map[TokenKind]time.Duration
	now    Clock
}

// TokenManagerOption customizes a TokenManager
type TokenManagerOption func(*TokenManager)

// WithTokenTTL overrides the lifetime for a kind of token
func WithTokenTTL(kind TokenKind, ttl time.Duration) TokenManagerOption {
	return func(m *TokenManager) {
		if ttl > 0 {
			m.ttl[kind] = ttl
		}
	}
}

// WithTokenClock injects a clock
func WithTokenClock(clock Clock) TokenManagerOption {
	return func(m *TokenManager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// NewTokenManager creates a token manager with the default lifetimes
func NewTokenManager(tokens AccountTokens, opts ...TokenManagerOption) *TokenManager {
	m := &TokenManager{
		tokens: tokens,
		ttl: map[TokenKind]time.Duration{
			TokenConfirmation:  DefaultConfirmationTTL,
			TokenUnlock:        DefaultUnlockTTL,
			TokenPasswordReset: DefaultPasswordResetTTL,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// TokenManagerFromConfig applies the configured lifetimes
func TokenManagerFromConfig(tokens AccountTokens, cfg Config, opts ...TokenManagerOption) *TokenManager {
	base := []TokenManagerOption{
		WithTokenTTL(TokenConfirmation, cfg.GetConfirmationTTL()),
		WithTokenTTL(TokenUnlock, cfg.GetUnlockTTL()),
		WithTokenTTL(TokenPasswordReset, cfg.GetPasswordResetTTL()),
	}
	return NewTokenManager(tokens, append(base, opts...)...)
}

// TTL returns the lifetime of a kind of token
func (m *TokenManager) TTL(kind TokenKind) time.Duration {
	return m.ttl[kind]
}

// IssueTx revokes earlier unused tokens of the same kind and stores a new
// one. Only the hash is persisted; the raw token is returned for mailing.
func (m *TokenManager) IssueTx(ctx context.Context, tx bun.IDB, accountID uuid.UUID, kind TokenKind) (string, error) {
	if err := m.tokens.RevokeUnusedTx(ctx, tx, accountID, kind); err != nil {
		return "", err
	}

	raw, hash, err := GenerateRawToken()
	if err != nil {
		return "", err
	}

	now := m.now()
	token := &AccountToken{
		ID:        uuid.New(),
		AccountID: accountID,
		Kind:      kind,
		TokenHash: hash,
		ExpiresAt: now.Add(m.TTL(kind)),
		CreatedAt: now,
	}

	if _, err := m.tokens.CreateTx(ctx, tx, token); err != nil {
		return "", err
	}

	return raw, nil
}

// RedeemTx consumes a token exactly once. Later attempts fail with
// ErrTokenAlreadyUsed, stale tokens with ErrTokenExpired and unknown tokens
// with ErrTokenInvalid.
func (m *TokenManager) RedeemTx(ctx context.Context, tx bun.IDB, kind TokenKind, raw string) (*AccountToken, error) {
	if raw == "" {
		return nil, ErrTokenInvalid
	}

	token, err := m.tokens.GetByHashTx(ctx, tx, kind, HashToken(raw))
	if err != nil {
		return nil, err
	}

	now := m.now()
	if token.UsedAt != nil {
		return nil, ErrTokenAlreadyUsed
	}

	if token.IsExpired(now) {
		return nil, ErrTokenExpired
	}

	claimed, err := m.tokens.MarkUsedTx(ctx, tx, token.ID, now)
	if err != nil {
		return nil, err
	}

	if !claimed {
		return nil, ErrTokenAlreadyUsed
	}

	token.UsedAt = &now
	return token, nil
}
