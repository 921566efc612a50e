package accounts

// LoginOutcome is the typed result of a login attempt
type LoginOutcome string

const (
	LoginSuccess            LoginOutcome = "success"
	LoginInvalidCredentials LoginOutcome = "invalid_credentials"
	LoginUnconfirmed        LoginOutcome = "unconfirmed"
	LoginLocked             LoginOutcome = "locked"
	LoginLastAttemptWarning LoginOutcome = "last_attempt_warning"
)

var loginMessages = map[LoginOutcome]string{
	LoginSuccess:            "Signed in successfully.",
	LoginInvalidCredentials: "Invalid email or password.",
	LoginUnconfirmed:        "You have to confirm your email address before continuing.",
	LoginLocked:             "Your account is locked.",
	LoginLastAttemptWarning: "You have one more attempt before your account is locked.",
}

// Message returns the user facing message for the outcome
func (o LoginOutcome) Message() string {
	if msg, ok := loginMessages[o]; ok {
		return msg
	}
	return loginMessages[LoginInvalidCredentials]
}

// Succeeded reports whether a session was issued
func (o LoginOutcome) Succeeded() bool {
	return o == LoginSuccess
}

// TokenOutcome is the result of a token request or redemption
type TokenOutcome string

const (
	TokenSent             TokenOutcome = "sent"
	TokenAlreadyConfirmed TokenOutcome = "already_confirmed"
	TokenNotLocked        TokenOutcome = "not_locked"
	TokenExpired          TokenOutcome = "expired"
	TokenAlreadyUsed      TokenOutcome = "already_used"
	TokenInvalid          TokenOutcome = "invalid"
	TokenConfirmed        TokenOutcome = "confirmed"
	TokenUnlocked         TokenOutcome = "unlocked"
	TokenPasswordChanged  TokenOutcome = "password_changed"
)

var tokenMessages = map[TokenOutcome]string{
	TokenSent:             "If your email address exists in our database, you will receive an email with instructions in a few minutes.",
	TokenAlreadyConfirmed: "Email was already confirmed, please try signing in.",
	TokenNotLocked:        "Your account is not locked.",
	TokenExpired:          "The link has expired, please request a new one.",
	TokenAlreadyUsed:      "The link was already used.",
	TokenInvalid:          "The link is invalid.",
	TokenConfirmed:        "Your email address has been successfully confirmed.",
	TokenUnlocked:         "Your account has been unlocked successfully. Please sign in to continue.",
	TokenPasswordChanged:  "Your password has been changed successfully.",
}

// Message returns the user facing message for the outcome
func (o TokenOutcome) Message() string {
	return tokenMessages[o]
}

// Informational reports outcomes that did not change anything and did not
// fail either
func (o TokenOutcome) Informational() bool {
	return o == TokenAlreadyConfirmed || o == TokenNotLocked
}

// TokenOutcomeFromError maps token redemption errors to outcomes
func TokenOutcomeFromError(err error) (TokenOutcome, bool) {
	switch TextCode(err) {
	case TextCodeTokenExpired:
		return TokenExpired, true
	case TextCodeTokenAlreadyUsed:
		return TokenAlreadyUsed, true
	case TextCodeTokenInvalid:
		return TokenInvalid, true
	}
	return "", false
}
