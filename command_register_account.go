package accounts

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/uptrace/bun"
)

// RegisterAccountMessage is a self service sign up
type RegisterAccountMessage struct {
	FirstName            string `json:"first_name"`
	LastName             string `json:"last_name"`
	Email                string `json:"email"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
	OnResponse           func(resp *RegisterAccountResponse)
}

func (e RegisterAccountMessage) Type() string { return "account.register" }

// Validate will run validation rules
func (e RegisterAccountMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.FirstName, validation.Required, validation.Length(1, 200)),
		validation.Field(&e.LastName, validation.Required, validation.Length(1, 200)),
		validation.Field(&e.Email, validation.Required, validation.Length(3, 255), is.Email),
		validation.Field(&e.Password, validation.Required, PasswordRule),
		validation.Field(&e.PasswordConfirmation, validation.Required, validation.By(ValidateStringEquals(e.Password))),
	)
}

// RegisterAccountResponse reports the created account and whether the
// confirmation mail went out
type RegisterAccountResponse struct {
	Account  *Account
	MailSent bool
}

// RegisterAccountHandler creates unconfirmed standard accounts
type RegisterAccountHandler struct {
	svc *Services
}

func NewRegisterAccountHandler(svc *Services) *RegisterAccountHandler {
	return &RegisterAccountHandler{svc: svc}
}

func (h *RegisterAccountHandler) Execute(ctx context.Context, event RegisterAccountMessage) error {
	if err := checkContext(ctx, "account registration"); err != nil {
		return err
	}
	return h.execute(ctx, event)
}

func (h *RegisterAccountHandler) execute(ctx context.Context, event RegisterAccountMessage) error {
	if err := event.Validate(); err != nil {
		return ValidationError(err)
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	hash, err := HashPassword(event.Password)
	if err != nil {
		return err
	}

	account := NewAccount(NewAccountParams{
		Email:     event.Email,
		FirstName: event.FirstName,
		LastName:  event.LastName,
		Role:      RoleStandard,
	}, h.svc.Now())
	account.PasswordHash = hash

	var raw string
	err = h.svc.Repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := h.svc.Repo.Accounts().CreateTx(ctx, tx, account); err != nil {
			return err
		}
		raw, err = h.svc.Tokens.IssueTx(ctx, tx, account.ID, TokenConfirmation)
		return err
	})
	if err != nil {
		return commandError(err, "account registration")
	}

	h.svc.emit(ctx, ActivityEvent{
		EventType: ActivityEventAccountRegistered,
		Actor:     ActorFromAccount(account),
		AccountID: account.ID.String(),
		ToState:   account.State(),
	})

	resp := &RegisterAccountResponse{Account: account}
	resp.MailSent = h.svc.deliver(ctx, MailConfirmation, func(ctx context.Context) error {
		return h.svc.Notifier.SendConfirmation(ctx, account, raw)
	})

	if event.OnResponse != nil {
		event.OnResponse(resp)
	}

	return nil
}
