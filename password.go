package accounts

import (
	"errors"
	"strings"
	"unicode"

	validation "github.com/go-ozzo/ozzo-validation"
)

// MinPasswordLength is the minimum number of characters in a password
const MinPasswordLength = 8

// MaxPasswordBytes is the bcrypt input limit
const MaxPasswordBytes = 72

// ValidatePassword checks the complexity rules: at least MinPasswordLength
// characters with one lowercase letter, one uppercase letter and one digit.
// Passwords longer than MaxPasswordBytes bytes are rejected.
func ValidatePassword(password string) error {
	if len(password) > MaxPasswordBytes {
		return ErrPasswordTooLong
	}
	if len([]rune(password)) < MinPasswordLength {
		return ErrWeakPassword
	}

	var lower, upper, digit bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		}
	}

	if !lower || !upper || !digit {
		return ErrWeakPassword
	}

	return nil
}

// ValidatePasswordChange validates an optional password on update.
// A nil or blank value means no change was requested.
func ValidatePasswordChange(password *string) (bool, error) {
	if password == nil || !passwordChangeRequested(*password) {
		return false, nil
	}
	if err := ValidatePassword(*password); err != nil {
		return false, err
	}
	return true, nil
}

func passwordChangeRequested(password string) bool {
	return strings.TrimSpace(password) != ""
}

// PasswordRule is an ozzo-validation rule wrapping ValidatePassword.
// Empty values pass so it composes with validation.Required.
var PasswordRule = validation.By(func(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	return passwordRuleError(s)
})

// PasswordChangeRule is PasswordRule for update forms, where a blank value
// keeps the current password.
var PasswordChangeRule = validation.By(func(value any) error {
	s, _ := value.(string)
	if !passwordChangeRequested(s) {
		return nil
	}
	return passwordRuleError(s)
})

// PasswordConfirmationRule checks the confirmation only when password
// requests a change.
func PasswordConfirmationRule(password string) validation.Rule {
	equals := ValidateStringEquals(password)
	return validation.By(func(value any) error {
		if !passwordChangeRequested(password) {
			return nil
		}
		return equals(value)
	})
}

func passwordRuleError(password string) error {
	err := ValidatePassword(password)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPasswordTooLong):
		return errors.New(ErrPasswordTooLong.Message)
	default:
		return errors.New(ErrWeakPassword.Message)
	}
}
