package accounts

import (
	"context"
	"errors"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/uptrace/bun"
)

var roleRule = validation.By(func(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, ok := ParseRole(s); !ok {
		return errors.New("must be a valid role")
	}
	return nil
})

// CreateAccountMessage is an admin created account
type CreateAccountMessage struct {
	Actor                *Account `json:"-"`
	FirstName            string   `json:"first_name"`
	LastName             string   `json:"last_name"`
	Email                string   `json:"email"`
	Role                 string   `json:"role"`
	Confirmed            bool     `json:"confirmed"`
	Password             string   `json:"password"`
	PasswordConfirmation string   `json:"password_confirmation"`
	OnResponse           func(account *Account)
}

func (e CreateAccountMessage) Type() string { return "account.create" }

// Validate will run validation rules
func (e CreateAccountMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.FirstName, validation.Required, validation.Length(1, 200)),
		validation.Field(&e.LastName, validation.Required, validation.Length(1, 200)),
		validation.Field(&e.Email, validation.Required, validation.Length(3, 255), is.Email),
		validation.Field(&e.Role, roleRule),
		validation.Field(&e.Password, validation.Required, PasswordRule),
		validation.Field(&e.PasswordConfirmation, validation.Required, validation.By(ValidateStringEquals(e.Password))),
	)
}

// CreateAccountHandler requires the accounts.create action. Accounts that
// are not pre-confirmed get a confirmation mail.
type CreateAccountHandler struct {
	svc *Services
}

func NewCreateAccountHandler(svc *Services) *CreateAccountHandler {
	return &CreateAccountHandler{svc: svc}
}

func (h *CreateAccountHandler) Execute(ctx context.Context, event CreateAccountMessage) error {
	if err := checkContext(ctx, "account creation"); err != nil {
		return err
	}
	return h.execute(ctx, event)
}

func (h *CreateAccountHandler) execute(ctx context.Context, event CreateAccountMessage) error {
	if err := h.svc.Policy.Require(ctx, event.Actor, ActionCreateAccount, nil); err != nil {
		return err
	}

	if err := event.Validate(); err != nil {
		return ValidationError(err)
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	hash, err := HashPassword(event.Password)
	if err != nil {
		return err
	}

	// blank falls back to the constructor default
	role, _ := ParseRole(event.Role)

	actorID := event.Actor.ID
	account := NewAccount(NewAccountParams{
		Email:       event.Email,
		FirstName:   event.FirstName,
		LastName:    event.LastName,
		Role:        role,
		Confirmed:   event.Confirmed,
		CreatedByID: &actorID,
	}, h.svc.Now())
	account.PasswordHash = hash

	var raw string
	err = h.svc.Repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := h.svc.Repo.Accounts().CreateTx(ctx, tx, account); err != nil {
			return err
		}
		if account.IsConfirmed() {
			return nil
		}
		raw, err = h.svc.Tokens.IssueTx(ctx, tx, account.ID, TokenConfirmation)
		return err
	})
	if err != nil {
		return commandError(err, "account creation")
	}

	h.svc.emit(ctx, ActivityEvent{
		EventType: ActivityEventAccountCreated,
		Actor:     ActorFromAccount(event.Actor),
		AccountID: account.ID.String(),
		ToState:   account.State(),
		Metadata:  map[string]any{"role": string(account.Role)},
	})

	if raw != "" {
		h.svc.deliver(ctx, MailConfirmation, func(ctx context.Context) error {
			return h.svc.Notifier.SendConfirmation(ctx, account, raw)
		})
	}

	if event.OnResponse != nil {
		event.OnResponse(account)
	}
	return nil
}

// UpdateAccountMessage is an admin edit. A blank password keeps the
// current one. The slug never changes.
type UpdateAccountMessage struct {
	Actor                *Account `json:"-"`
	Slug                 string   `json:"slug"`
	FirstName            string   `json:"first_name"`
	LastName             string   `json:"last_name"`
	Email                string   `json:"email"`
	Role                 string   `json:"role"`
	Password             string   `json:"password"`
	PasswordConfirmation string   `json:"password_confirmation"`
	OnResponse           func(account *Account)
}

func (e UpdateAccountMessage) Type() string { return "account.update" }

// Validate will run validation rules
func (e UpdateAccountMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.FirstName, validation.Required, validation.Length(1, 200)),
		validation.Field(&e.LastName, validation.Required, validation.Length(1, 200)),
		validation.Field(&e.Email, validation.Required, validation.Length(3, 255), is.Email),
		validation.Field(&e.Role, validation.Required, roleRule),
		validation.Field(&e.Password, PasswordChangeRule),
		validation.Field(&e.PasswordConfirmation, PasswordConfirmationRule(e.Password)),
	)
}

// UpdateAccountHandler requires the accounts.update action
type UpdateAccountHandler struct {
	svc *Services
}

func NewUpdateAccountHandler(svc *Services) *UpdateAccountHandler {
	return &UpdateAccountHandler{svc: svc}
}

func (h *UpdateAccountHandler) Execute(ctx context.Context, event UpdateAccountMessage) error {
	if err := checkContext(ctx, "account update"); err != nil {
		return err
	}
	return h.execute(ctx, event)
}

func (h *UpdateAccountHandler) execute(ctx context.Context, event UpdateAccountMessage) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	// authorize before the lookup so unknown slugs look like any other denial
	if err := h.svc.Policy.Require(ctx, event.Actor, ActionUpdateAccount, nil); err != nil {
		return err
	}

	target, err := h.svc.Repo.Accounts().GetBySlug(ctx, event.Slug)
	if err != nil {
		return err
	}

	if err := event.Validate(); err != nil {
		return ValidationError(err)
	}

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

	role, _ := ParseRole(event.Role)

	err = h.svc.Repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		accounts := h.svc.Repo.Accounts()

		if email := NormalizeEmail(event.Email); email != target.Email {
			if _, err := accounts.GetByEmailTx(ctx, tx, email); err == nil {
				return withMeta(ErrDuplicateEmail, nil, map[string]any{"email": email})
			} else if !HasTextCode(err, TextCodeAccountNotFound) {
				return err
			}
		}

		target.FirstName = event.FirstName
		target.LastName = event.LastName
		target.Email = event.Email
		target.Role = role
		target.UpdatedAt = h.svc.Now()

		columns := []string{"first_name", "last_name", "email", "role"}
		if changed {
			target.PasswordHash = hash
			columns = append(columns, "password_hash")
		}

		_, err := accounts.UpdateTx(ctx, tx, target, UpdateAccountColumns(columns...))
		return err
	})
	if err != nil {
		return commandError(err, "account update")
	}

	h.svc.emit(ctx, ActivityEvent{
		EventType: ActivityEventAccountUpdated,
		Actor:     ActorFromAccount(event.Actor),
		AccountID: target.ID.String(),
		Metadata:  map[string]any{"password_changed": changed, "role": string(target.Role)},
	})

	if event.OnResponse != nil {
		event.OnResponse(target)
	}
	return nil
}

// DeleteAccountMessage is an admin delete
type DeleteAccountMessage struct {
	Actor *Account `json:"-"`
	Slug  string   `json:"slug"`
}

func (e DeleteAccountMessage) Type() string { return "account.delete" }

// DeleteAccountHandler requires the accounts.delete action. Accounts that
// created other accounts cannot be deleted.
type DeleteAccountHandler struct {
	svc *Services
}

func NewDeleteAccountHandler(svc *Services) *DeleteAccountHandler {
	return &DeleteAccountHandler{svc: svc}
}

func (h *DeleteAccountHandler) Execute(ctx context.Context, event DeleteAccountMessage) error {
	if err := checkContext(ctx, "account deletion"); err != nil {
		return err
	}
	return h.execute(ctx, event)
}

func (h *DeleteAccountHandler) execute(ctx context.Context, event DeleteAccountMessage) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	// authorize before the lookup so unknown slugs look like any other denial
	if err := h.svc.Policy.Require(ctx, event.Actor, ActionDeleteAccount, nil); err != nil {
		return err
	}

	target, err := h.svc.Repo.Accounts().GetBySlug(ctx, event.Slug)
	if err != nil {
		return err
	}

	err = h.svc.Repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		accounts := h.svc.Repo.Accounts()

		dependents, err := accounts.CountDependentsTx(ctx, tx, target.ID)
		if err != nil {
			return err
		}
		if dependents > 0 {
			return withMeta(ErrDeleteRestricted, nil, map[string]any{
				"id":         target.ID.String(),
				"dependents": dependents,
			})
		}

		return accounts.DeleteTx(ctx, tx, target)
	})
	if err != nil {
		return commandError(err, "account deletion")
	}

	h.svc.emit(ctx, ActivityEvent{
		EventType: ActivityEventAccountDeleted,
		Actor:     ActorFromAccount(event.Actor),
		AccountID: target.ID.String(),
	})

	return nil
}
