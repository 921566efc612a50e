package accounts

import (
	"errors"
	"sync"

	goerrors "github.com/goliatone/go-errors"
	"golang.org/x/crypto/bcrypt"
)

var hashCost = passwordHashCost()

var errEmptyPassword = goerrors.New("password must not be empty", goerrors.CategoryValidation).
	WithCode(goerrors.CodeBadRequest)

// HashPassword will generate a password hash
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errEmptyPassword
	}

	h, err := bcrypt.GenerateFromPassword([]byte(password), hashCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", ErrPasswordTooLong
		}
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to hash password")
	}
	return string(h), nil
}

// ComparePasswordAndHash will validate the given cleartext
// password matches the hashed password
func ComparePasswordAndHash(password, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrInvalidCredentials
		}
		return ErrInvalidCredentials.Clone()
	}
	return nil
}

// dummyHash is compared against when the identifier is unknown so the
// response time does not reveal whether an account exists.
var (
	dummyHashOnce sync.Once
	dummyHash     string
)

func compareDummyHash(password string) {
	dummyHashOnce.Do(func() {
		h, _ := bcrypt.GenerateFromPassword([]byte("not-a-real-password-0A"), hashCost)
		dummyHash = string(h)
	})
	_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
}
