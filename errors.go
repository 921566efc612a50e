package accounts

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeWeakPassword       = "WEAK_PASSWORD"
	TextCodeInvalidCredentials = "INVALID_CREDENTIALS"
	TextCodeAccountUnconfirmed = "ACCOUNT_UNCONFIRMED"
	TextCodeAccountLocked      = "ACCOUNT_LOCKED"
	TextCodeTokenInvalid       = "TOKEN_INVALID"
	TextCodeTokenExpired       = "TOKEN_EXPIRED"
	TextCodeTokenAlreadyUsed   = "TOKEN_ALREADY_USED"
	TextCodeNotAuthorized      = "NOT_AUTHORIZED"
	TextCodeUnauthenticated    = "UNAUTHENTICATED"
	TextCodeDeleteRestricted   = "DELETE_RESTRICTED"
	TextCodeDuplicateEmail     = "DUPLICATE_EMAIL"
	TextCodeAccountNotFound    = "ACCOUNT_NOT_FOUND"
	TextCodeTooManyRequests    = "TOO_MANY_REQUESTS"
	TextCodeMailDeferred       = "MAIL_DEFERRED"
	TextCodeMailDelivery       = "MAIL_DELIVERY_FAILED"
	TextCodeSessionRevoked     = "SESSION_REVOKED"
	TextCodeSessionInvalid     = "SESSION_INVALID"
	TextCodeCurrentPassword    = "CURRENT_PASSWORD_INVALID"
	TextCodeInvalidTransition  = "INVALID_ACCOUNT_STATE_TRANSITION"
	TextCodeDisplayNames       = "ROLE_DISPLAY_NAME_MISSING"
	TextCodeContactRecipient   = "CONTACT_RECIPIENT_MISSING"
)

// ErrWeakPassword is returned when a password fails the complexity rules
var ErrWeakPassword = goerrors.New("password must have at least 8 characters including a lowercase letter, an uppercase letter and a digit", goerrors.CategoryValidation).
	WithTextCode(TextCodeWeakPassword).
	WithCode(goerrors.CodeBadRequest)

// ErrPasswordTooLong shares the weak password text code so forms render it
// on the password field
var ErrPasswordTooLong = goerrors.New("password must be at most 72 bytes long", goerrors.CategoryValidation).
	WithTextCode(TextCodeWeakPassword).
	WithCode(goerrors.CodeBadRequest)

// ErrInvalidCredentials is the generic login failure. It never tells whether
// the identifier exists.
var ErrInvalidCredentials = goerrors.New("invalid email or password", goerrors.CategoryAuth).
	WithTextCode(TextCodeInvalidCredentials).
	WithCode(goerrors.CodeUnauthorized)

// ErrAccountUnconfirmed blocks login until the email address is confirmed
var ErrAccountUnconfirmed = goerrors.New("you have to confirm your email address before continuing", goerrors.CategoryAuth).
	WithTextCode(TextCodeAccountUnconfirmed).
	WithCode(goerrors.CodeUnauthorized)

// ErrAccountLocked blocks login until the account is unlocked
var ErrAccountLocked = goerrors.New("your account is locked", goerrors.CategoryAuth).
	WithTextCode(TextCodeAccountLocked).
	WithCode(goerrors.CodeUnauthorized)

// ErrTokenInvalid is returned for unknown tokens
var ErrTokenInvalid = goerrors.New("token is invalid", goerrors.CategoryBadInput).
	WithTextCode(TextCodeTokenInvalid).
	WithCode(goerrors.CodeBadRequest)

// ErrTokenExpired is returned for tokens past their expiration
var ErrTokenExpired = goerrors.New("token has expired, please request a new one", goerrors.CategoryValidation).
	WithTextCode(TextCodeTokenExpired).
	WithCode(goerrors.CodeBadRequest)

// ErrTokenAlreadyUsed is returned when a token was already redeemed
var ErrTokenAlreadyUsed = goerrors.New("token was already used", goerrors.CategoryConflict).
	WithTextCode(TextCodeTokenAlreadyUsed).
	WithCode(goerrors.CodeConflict)

// ErrNotAuthorized is the generic authorization denial
var ErrNotAuthorized = goerrors.New("You are not authorized to perform this action.", goerrors.CategoryAuthz).
	WithTextCode(TextCodeNotAuthorized).
	WithCode(goerrors.CodeForbidden)

// ErrUnauthenticated is returned when a protected route has no session
var ErrUnauthenticated = goerrors.New("You need to sign in or sign up before continuing.", goerrors.CategoryAuth).
	WithTextCode(TextCodeUnauthenticated).
	WithCode(goerrors.CodeUnauthorized)

// ErrDeleteRestricted is returned when dependent records block a delete
var ErrDeleteRestricted = goerrors.New("Cannot delete record because dependent accounts exist", goerrors.CategoryConflict).
	WithTextCode(TextCodeDeleteRestricted).
	WithCode(goerrors.CodeConflict)

// ErrDuplicateEmail is returned when the email is already registered
var ErrDuplicateEmail = goerrors.New("email has already been taken", goerrors.CategoryConflict).
	WithTextCode(TextCodeDuplicateEmail).
	WithCode(goerrors.CodeConflict)

// ErrAccountNotFound is returned for lookups by id or slug
var ErrAccountNotFound = goerrors.New("account not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeAccountNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrTooManyRequests is returned by the login throttle
var ErrTooManyRequests = goerrors.New("too many login attempts, try again later", goerrors.CategoryRateLimit).
	WithTextCode(TextCodeTooManyRequests).
	WithCode(http.StatusTooManyRequests)

// ErrMailDeferred signals the message is still being delivered in background
var ErrMailDeferred = goerrors.New("mail delivery deferred", goerrors.CategoryOperation).
	WithTextCode(TextCodeMailDeferred)

// ErrMailDelivery is returned when a token mail could not be handed to the
// mail transport. The token stays valid.
var ErrMailDelivery = goerrors.New("we could not send the email, please try again later", goerrors.CategoryOperation).
	WithTextCode(TextCodeMailDelivery).
	WithCode(goerrors.CodeInternal)

// ErrSessionRevoked is returned for tokens invalidated by logout
var ErrSessionRevoked = goerrors.New("session has been revoked", goerrors.CategoryAuth).
	WithTextCode(TextCodeSessionRevoked).
	WithCode(goerrors.CodeUnauthorized)

// ErrSessionInvalid is returned for tokens that fail validation
var ErrSessionInvalid = goerrors.New("session is invalid or expired", goerrors.CategoryAuth).
	WithTextCode(TextCodeSessionInvalid).
	WithCode(goerrors.CodeUnauthorized)

// ErrCurrentPasswordInvalid is returned by profile updates
var ErrCurrentPasswordInvalid = goerrors.New("current password is invalid", goerrors.CategoryValidation).
	WithTextCode(TextCodeCurrentPassword).
	WithCode(goerrors.CodeBadRequest)

// ErrInvalidTransition is returned when an account state change is not allowed
var ErrInvalidTransition = goerrors.New("invalid account state transition", goerrors.CategoryValidation).
	WithTextCode(TextCodeInvalidTransition).
	WithCode(goerrors.CodeBadRequest)

// ErrDisplayNamesMissing fails startup when a role has no display string
var ErrDisplayNamesMissing = goerrors.New("missing display name for roles", goerrors.CategoryInternal).
	WithTextCode(TextCodeDisplayNames)

// ErrContactRecipientMissing is returned when no contact recipient is configured
var ErrContactRecipientMissing = goerrors.New("contact recipient is not configured", goerrors.CategoryInternal).
	WithTextCode(TextCodeContactRecipient)

// HasTextCode reports whether err is a rich error with the given text code
func HasTextCode(err error, code string) bool {
	return TextCode(err) == code
}

// TextCode returns the text code of a rich error or an empty string
func TextCode(err error) string {
	var richErr *goerrors.Error
	if err == nil || !goerrors.As(err, &richErr) {
		return ""
	}
	return richErr.TextCode
}

// withMeta returns a copy of base carrying metadata and an optional source
func withMeta(base *goerrors.Error, source error, meta map[string]any) *goerrors.Error {
	clone := base.Clone()
	if clone == nil {
		clone = base
	}
	if source != nil {
		clone.Source = source
	}
	if len(meta) > 0 {
		clone = clone.WithMetadata(meta)
	}
	return clone
}

// asRichError passes rich errors through and wraps anything else
func asRichError(err error, msg string) error {
	if err == nil {
		return nil
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, msg)
}
