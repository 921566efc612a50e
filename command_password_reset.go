package accounts

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/uptrace/bun"
)

// RequestPasswordResetMessage asks for a password reset link
type RequestPasswordResetMessage struct {
	Email      string `json:"email"`
	OnResponse func(outcome TokenOutcome)
}

func (e RequestPasswordResetMessage) Type() string { return "account.password_reset.request" }

// RequestPasswordResetHandler mails reset links. The outcome is always sent
// so the response never reveals whether the email is registered.
type RequestPasswordResetHandler struct {
	svc *Services
}

func NewRequestPasswordResetHandler(svc *Services) *RequestPasswordResetHandler {
	return &RequestPasswordResetHandler{svc: svc}
}

func (h *RequestPasswordResetHandler) Execute(ctx context.Context, event RequestPasswordResetMessage) error {
	if err := checkContext(ctx, "password reset request"); err != nil {
		return err
	}
	return h.execute(ctx, event)
}

func (h *RequestPasswordResetHandler) execute(ctx context.Context, event RequestPasswordResetMessage) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	return requestToken(ctx, h.svc, event.Email, TokenPasswordReset,
		func(o TokenOutcome) {
			h.svc.emit(ctx, ActivityEvent{
				EventType: ActivityEventPasswordResetRequest,
				Metadata:  map[string]any{"outcome": string(o)},
			})
			if event.OnResponse != nil {
				event.OnResponse(o)
			}
		},
		func(*Account) (TokenOutcome, bool) { return TokenSent, true },
		h.svc.Notifier.SendPasswordReset,
	)
}

// ResetPasswordMessage sets a new password with a reset token
type ResetPasswordMessage struct {
	Token                string `json:"token"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
	OnResponse           func(outcome TokenOutcome, account *Account)
}

func (e ResetPasswordMessage) Type() string { return "account.password_reset" }

// Validate will run validation rules
func (e ResetPasswordMessage) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Password, validation.Required, PasswordRule),
		validation.Field(&e.PasswordConfirmation, validation.Required, validation.By(ValidateStringEquals(e.Password))),
	)
}

// ResetPasswordHandler redeems the token, stores the new hash, confirms the
// address and lifts any lock
type ResetPasswordHandler struct {
	svc *Services
}

func NewResetPasswordHandler(svc *Services) *ResetPasswordHandler {
	return &ResetPasswordHandler{svc: svc}
}

func (h *ResetPasswordHandler) Execute(ctx context.Context, event ResetPasswordMessage) error {
	if err := checkContext(ctx, "password reset"); err != nil {
		return err
	}
	return h.execute(ctx, event)
}

func (h *ResetPasswordHandler) execute(ctx context.Context, event ResetPasswordMessage) error {
	if err := event.Validate(); err != nil {
		return ValidationError(err)
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	hash, err := HashPassword(event.Password)
	if err != nil {
		return err
	}

	var account *Account
	err = h.svc.Repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		token, err := h.svc.Tokens.RedeemTx(ctx, tx, TokenPasswordReset, event.Token)
		if err != nil {
			return err
		}

		accounts := h.svc.Repo.Accounts()
		if account, err = accounts.GetByIDTx(ctx, tx, token.AccountID.String()); err != nil {
			return err
		}

		if err := accounts.SetPasswordHashTx(ctx, tx, account.ID, hash, h.svc.Now()); err != nil {
			return err
		}

		actor := ActorFromAccount(account)
		if account.State() != StateActive {
			account, err = h.svc.States.Transition(ctx, tx, actor, account, StateActive,
				WithTransitionReason("password reset"),
			)
			if err != nil {
				return err
			}
		}

		return accounts.ResetFailedAttemptsTx(ctx, tx, account.ID, h.svc.Now())
	})

	if err != nil {
		if o, ok := TokenOutcomeFromError(err); ok {
			if event.OnResponse != nil {
				event.OnResponse(o, nil)
			}
			return nil
		}
		return commandError(err, "password reset")
	}

	h.svc.emit(ctx, ActivityEvent{
		EventType: ActivityEventPasswordResetSuccess,
		Actor:     ActorFromAccount(account),
		AccountID: account.ID.String(),
	})

	if event.OnResponse != nil {
		event.OnResponse(TokenPasswordChanged, account)
	}
	return nil
}
