package accounts

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/uptrace/bun"
)

// UpdateProfileMessage is a self service profile edit. A blank password
// keeps the current one. The current password is always required.
type UpdateProfileMessage struct {
	Account              *Account `json:"-"`
	FirstName            string   `json:"first_name"`
	LastName             string   `json:"last_name"`
	Email                string   `json:"email"`
	Password             string   `json:"password"`
	PasswordConfirmation string   `json:"password_confirmation"`
	CurrentPassword      string   `json:"current_password"`
	OnResponse           func(account *Account)
}

func (e UpdateProfileMessage) Type() string { return "account.profile.update" }

// Validate will run validation rules
func (e UpdateProfileMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.FirstName, validation.Required, validation.Length(1, 200)),
		validation.Field(&e.LastName, validation.Required, validation.Length(1, 200)),
		validation.Field(&e.Email, validation.Required, validation.Length(3, 255), is.Email),
		validation.Field(&e.Password, PasswordChangeRule),
		validation.Field(&e.PasswordConfirmation, PasswordConfirmationRule(e.Password)),
		validation.Field(&e.CurrentPassword, validation.Required),
	)
}

// UpdateProfileHandler updates the caller's own account. Role and slug are
// not editable here.
type UpdateProfileHandler struct {
	svc *Services
}

func NewUpdateProfileHandler(svc *Services) *UpdateProfileHandler {
	return &UpdateProfileHandler{svc: svc}
}

func (h *UpdateProfileHandler) Execute(ctx context.Context, event UpdateProfileMessage) error {
	if err := checkContext(ctx, "profile update"); err != nil {
		return err
	}
	return h.execute(ctx, event)
}

func (h *UpdateProfileHandler) execute(ctx context.Context, event UpdateProfileMessage) error {
	if event.Account == nil {
		return ErrUnauthenticated
	}

	if err := event.Validate(); err != nil {
		return ValidationError(err)
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	changed, err := ValidatePasswordChange(&event.Password)
	if err != nil {
		return err
	}

	var hash string
	if changed {
		if hash, err = HashPassword(event.Password); err != nil {
			return err
		}
	}

	var account *Account
	err = h.svc.Repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		accounts := h.svc.Repo.Accounts()

		account, err = accounts.GetByIDTx(ctx, tx, event.Account.ID.String())
		if err != nil {
			return err
		}

		if err := ComparePasswordAndHash(event.CurrentPassword, account.PasswordHash); err != nil {
			return ErrCurrentPasswordInvalid
		}

		if email := NormalizeEmail(event.Email); email != account.Email {
			if _, err := accounts.GetByEmailTx(ctx, tx, email); err == nil {
				return withMeta(ErrDuplicateEmail, nil, map[string]any{"email": email})
			} else if !HasTextCode(err, TextCodeAccountNotFound) {
				return err
			}
		}

		account.FirstName = event.FirstName
		account.LastName = event.LastName
		account.Email = event.Email
		account.UpdatedAt = h.svc.Now()
		columns := []string{"first_name", "last_name", "email"}
		if changed {
			account.PasswordHash = hash
			columns = append(columns, "password_hash")
		}

		_, err := accounts.UpdateTx(ctx, tx, account, UpdateAccountColumns(columns...))
		return err
	})
	if err != nil {
		return commandError(err, "profile update")
	}

	h.svc.emit(ctx, ActivityEvent{
		EventType: ActivityEventAccountUpdated,
		Actor:     ActorFromAccount(account),
		AccountID: account.ID.String(),
		Metadata:  map[string]any{"self_service": true, "password_changed": changed},
	})

	if event.OnResponse != nil {
		event.OnResponse(account)
	}
	return nil
}
