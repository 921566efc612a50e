package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-router"
)

// ErrTokenMismatch is returned for forged or tampered tokens
var ErrTokenMismatch = errors.New("CSRF token mismatch", errors.CategoryAuthz).
	WithTextCode("CSRF_TOKEN_MISMATCH").
	WithCode(errors.CodeForbidden)

// ErrTokenMissing is returned when an unsafe request carries no token
var ErrTokenMissing = errors.New("CSRF token missing", errors.CategoryBadInput).
	WithTextCode("CSRF_TOKEN_MISSING").
	WithCode(errors.CodeBadRequest)

// ErrTokenExpired is returned for tokens older than the expiration
var ErrTokenExpired = errors.New("CSRF token expired", errors.CategoryAuthz).
	WithTextCode("CSRF_TOKEN_EXPIRED").
	WithCode(errors.CodeForbidden)

// DefaultTokenLength is the nonce length in bytes
const DefaultTokenLength = 16

// DefaultContextKey is the locals key holding the token for templates
const DefaultContextKey = "csrf_token"

// DefaultFormFieldName is the form field carrying the token
const DefaultFormFieldName = "authenticity_token"

// DefaultHeaderName is the header carrying the token for scripts
const DefaultHeaderName = "X-CSRF-Token"

// Config defines the configuration for the CSRF middleware
type Config struct {
	// Skip defines a function to skip middleware
	Skip func(router.Context) bool

	// SecureKey signs tokens, at least 32 bytes
	SecureKey []byte

	// SessionKey binds a token to the caller. Defaults to the client IP.
	SessionKey func(router.Context) string

	TokenLength   int
	ContextKey    string
	FormFieldName string
	HeaderName    string
	SafeMethods   []string
	Expiration    time.Duration

	ErrorHandler router.ErrorHandler

	// Now is the clock used to stamp and expire tokens
	Now func() time.Time
}

// New creates the CSRF middleware. Every request gets a fresh signed token
// in the locals; unsafe methods must echo a valid one.
func New(config ...Config) router.MiddlewareFunc {
	cfg := configDefault(config...)

	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			if cfg.Skip != nil && cfg.Skip(ctx) {
				return ctx.Next()
			}

			session := cfg.SessionKey(ctx)

			token, err := cfg.generate(session)
			if err != nil {
				return cfg.ErrorHandler(ctx, err)
			}

			ctx.Locals(cfg.ContextKey, token)
			ctx.Locals(cfg.ContextKey+"_field", cfg.FormFieldName)

			if slices.Contains(cfg.SafeMethods, strings.ToUpper(ctx.Method())) {
				return ctx.Next()
			}

			received := ctx.FormValue(cfg.FormFieldName)
			if received == "" {
				received = ctx.Header(cfg.HeaderName)
			}

			if err := cfg.validate(session, received); err != nil {
				return cfg.ErrorHandler(ctx, err)
			}

			return ctx.Next()
		}
	}
}

func (cfg Config) generate(session string) (string, error) {
	nonce := make([]byte, cfg.TokenLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	payload := fmt.Sprintf("%d:%s", cfg.Now().UTC().Unix(), hex.EncodeToString(nonce))
	token := payload + ":" + hex.EncodeToString(cfg.sign(payload, session))
	return base64.RawURLEncoding.EncodeToString([]byte(token)), nil
}

func (cfg Config) validate(session, token string) error {
	if token == "" {
		return ErrTokenMissing
	}

	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return ErrTokenMismatch
	}

	parts := strings.Split(string(decoded), ":")
	if len(parts) != 3 {
		return ErrTokenMismatch
	}

	timestamp, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ErrTokenMismatch
	}

	signature, err := hex.DecodeString(parts[2])
	if err != nil {
		return ErrTokenMismatch
	}

	expected := cfg.sign(parts[0]+":"+parts[1], session)
	if subtle.ConstantTimeCompare(signature, expected) != 1 {
		return ErrTokenMismatch
	}

	if cfg.Expiration > 0 && cfg.Now().UTC().After(time.Unix(timestamp, 0).Add(cfg.Expiration)) {
		return ErrTokenExpired
	}

	return nil
}

// sign covers the session so a token leaked from one caller is useless to
// another.
func (cfg Config) sign(payload, session string) []byte {
	mac := hmac.New(sha256.New, cfg.SecureKey)
	mac.Write([]byte(payload))
	mac.Write([]byte{0})
	mac.Write([]byte(session))
	return mac.Sum(nil)
}

func configDefault(config ...Config) Config {
	var cfg Config
	if len(config) > 0 {
		cfg = config[0]
	}

	if len(cfg.SecureKey) < 32 {
		panic(fmt.Errorf("csrf: secure key must be at least 32 bytes, got %d", len(cfg.SecureKey)))
	}

	if cfg.TokenLength == 0 {
		cfg.TokenLength = DefaultTokenLength
	}

	if cfg.ContextKey == "" {
		cfg.ContextKey = DefaultContextKey
	}

	if cfg.FormFieldName == "" {
		cfg.FormFieldName = DefaultFormFieldName
	}

	if cfg.HeaderName == "" {
		cfg.HeaderName = DefaultHeaderName
	}

	if cfg.SafeMethods == nil {
		cfg.SafeMethods = []string{"GET", "HEAD", "OPTIONS", "TRACE"}
	}

	if cfg.Expiration == 0 {
		cfg.Expiration = 12 * time.Hour
	}

	if cfg.SessionKey == nil {
		cfg.SessionKey = func(ctx router.Context) string {
			return "ip:" + ctx.IP()
		}
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}

	return cfg
}

func defaultErrorHandler(ctx router.Context, err error) error {
	var richErr *errors.Error
	if errors.As(err, &richErr) {
		return ctx.Status(richErr.Code).SendString(richErr.Message)
	}
	return ctx.Status(router.StatusInternalServerError).SendString("CSRF validation error")
}
