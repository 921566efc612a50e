package accounts

import (
	"context"

	"github.com/uptrace/bun"
)

// ResendConfirmationMessage requests a new confirmation link
type ResendConfirmationMessage struct {
	Email      string `json:"email"`
	OnResponse func(outcome TokenOutcome)
}

func (e ResendConfirmationMessage) Type() string { return "account.confirmation.resend" }

// ResendConfirmationHandler issues confirmation tokens. Unknown emails report
// sent without mailing anything.
type ResendConfirmationHandler struct {
	svc *Services
}

func NewResendConfirmationHandler(svc *Services) *ResendConfirmationHandler {
	return &ResendConfirmationHandler{svc: svc}
}

func (h *ResendConfirmationHandler) Execute(ctx context.Context, event ResendConfirmationMessage) error {
	if err := checkContext(ctx, "confirmation resend"); err != nil {
		return err
	}
	return h.execute(ctx, event)
}

func (h *ResendConfirmationHandler) execute(ctx context.Context, event ResendConfirmationMessage) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	return requestToken(ctx, h.svc, event.Email, TokenConfirmation, event.OnResponse,
		func(a *Account) (TokenOutcome, bool) {
			if a.IsConfirmed() {
				return TokenAlreadyConfirmed, false
			}
			return TokenSent, true
		},
		h.svc.Notifier.SendConfirmation,
	)
}

// ConfirmAccountMessage redeems a confirmation link
type ConfirmAccountMessage struct {
	Token      string `json:"token"`
	OnResponse func(outcome TokenOutcome, account *Account)
}

func (e ConfirmAccountMessage) Type() string { return "account.confirm" }

// ConfirmAccountHandler moves unconfirmed accounts to active
type ConfirmAccountHandler struct {
	svc *Services
}

func NewConfirmAccountHandler(svc *Services) *ConfirmAccountHandler {
	return &ConfirmAccountHandler{svc: svc}
}

func (h *ConfirmAccountHandler) Execute(ctx context.Context, event ConfirmAccountMessage) error {
	if err := checkContext(ctx, "account confirmation"); err != nil {
		return err
	}
	return h.execute(ctx, event)
}

func (h *ConfirmAccountHandler) execute(ctx context.Context, event ConfirmAccountMessage) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var account *Account
	outcome := TokenConfirmed

	err := h.svc.Repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		token, err := h.svc.Tokens.RedeemTx(ctx, tx, TokenConfirmation, event.Token)
		if err != nil {
			return err
		}

		account, err = h.svc.Repo.Accounts().GetByIDTx(ctx, tx, token.AccountID.String())
		if err != nil {
			return err
		}

		if account.IsConfirmed() {
			outcome = TokenAlreadyConfirmed
			return nil
		}

		// a locked account stays locked, only the confirmation is recorded
		if account.IsLocked() {
			_, err = h.svc.Repo.Accounts().ConfirmTx(ctx, tx, account.ID, h.svc.Now())
			if err != nil {
				return err
			}
			account, err = h.svc.Repo.Accounts().GetByIDTx(ctx, tx, account.ID.String())
			return err
		}

		account, err = h.svc.States.Transition(ctx, tx, ActorFromAccount(account), account, StateActive,
			WithTransitionReason("confirmation token redeemed"),
		)
		return err
	})

	if err != nil {
		if o, ok := TokenOutcomeFromError(err); ok {
			h.svc.Logger.Info("confirmation token rejected", "outcome", o)
			if event.OnResponse != nil {
				event.OnResponse(o, nil)
			}
			return nil
		}
		return commandError(err, "account confirmation")
	}

	if event.OnResponse != nil {
		event.OnResponse(outcome, account)
	}
	return nil
}

// requestToken is the shared resend flow: load by email, decide whether the
// condition applies, issue inside a transaction and mail after commit.
func requestToken(
	ctx context.Context,
	svc *Services,
	email string,
	kind TokenKind,
	onResponse func(TokenOutcome),
	applies func(*Account) (TokenOutcome, bool),
	send func(context.Context, *Account, string) error,
) error {
	respond := func(o TokenOutcome) {
		if onResponse != nil {
			onResponse(o)
		}
	}

	var account *Account
	var raw string
	outcome := TokenSent

	err := svc.Repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		account, err = svc.Repo.Accounts().GetByEmailTx(ctx, tx, email)
		if err != nil {
			if HasTextCode(err, TextCodeAccountNotFound) {
				account = nil
				return nil
			}
			return err
		}

		var ok bool
		if outcome, ok = applies(account); !ok {
			return nil
		}

		raw, err = svc.Tokens.IssueTx(ctx, tx, account.ID, kind)
		return err
	})
	if err != nil {
		return commandError(err, "token request")
	}

	if account == nil {
		svc.Logger.Info("token requested for unknown email", "kind", kind)
		respond(TokenSent)
		return nil
	}

	if raw == "" {
		respond(outcome)
		return nil
	}

	if !svc.deliver(ctx, string(kind), func(ctx context.Context) error { return send(ctx, account, raw) }) {
		return ErrMailDelivery
	}

	respond(TokenSent)
	return nil
}
