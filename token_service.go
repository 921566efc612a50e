package accounts

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// SessionClaims are the JWT claims of a login session
type SessionClaims struct {
	jwt.RegisteredClaims
	Email    string `json:"email"`
	Role     string `json:"role"`
	Remember bool   `json:"rmb,omitempty"`
}

// AccountID parses the subject
func (c *SessionClaims) AccountID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// Expiry returns the expiration time or the zero time
func (c *SessionClaims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// TokenService signs and validates session tokens
type TokenService interface {
	Generate(account *Account, ttl time.Duration, remember bool) (string, *SessionClaims, error)
	Validate(token string) (*SessionClaims, error)
}

// TokenServiceImpl implements TokenService with HS256
type TokenServiceImpl struct {
	signingKey []byte
	issuer     string
	audience   jwt.ClaimStrings
	now        Clock
	logger     Logger
}

// NewTokenService creates a new TokenService instance
func NewTokenService(signingKey []byte, issuer string, audience jwt.ClaimStrings, logger Logger) *TokenServiceImpl {
	if logger == nil {
		logger = defLogger{name: "tokens"}
	}
	return &TokenServiceImpl{
		signingKey: signingKey,
		issuer:     issuer,
		audience:   audience,
		now:        time.Now,
		logger:     logger,
	}
}

// WithClock overrides the clock used for issued-at, expiry and validation
func (ts *TokenServiceImpl) WithClock(clock Clock) *TokenServiceImpl {
	if clock != nil {
		ts.now = clock
	}
	return ts
}

// Generate creates a session token for the account. Every token has a
// unique id so it can be revoked on logout.
func (ts *TokenServiceImpl) Generate(account *Account, ttl time.Duration, remember bool) (string, *SessionClaims, error) {
	if account == nil {
		return "", nil, errors.New("account must not be nil", errors.CategoryInternal)
	}

	now := ts.now()
	claims := &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    ts.issuer,
			Subject:   account.ID.String(),
			Audience:  ts.audience,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email:    account.Email,
		Role:     string(account.Role),
		Remember: remember,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ts.signingKey)
	if err != nil {
		return "", nil, errors.Wrap(err, errors.CategoryInternal, "failed to sign JWT")
	}

	return signed, claims, nil
}

// Validate parses and validates a token string
func (ts *TokenServiceImpl) Validate(tokenString string) (*SessionClaims, error) {
	parserOptions := []jwt.ParserOption{
		jwt.WithTimeFunc(ts.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if ts.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(ts.issuer))
	}
	if len(ts.audience) > 0 {
		parserOptions = append(parserOptions, jwt.WithAudience(ts.audience...))
	}

	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			ts.logger.Error("unexpected signing method", "alg", t.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ts.signingKey, nil
	}, parserOptions...)

	if err != nil {
		return nil, withMeta(ErrSessionInvalid, err, map[string]any{"expired": errors.Is(err, jwt.ErrTokenExpired)})
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, ErrSessionInvalid
	}

	return claims, nil
}
