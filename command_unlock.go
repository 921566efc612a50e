package accounts

import (
	"context"

	"github.com/uptrace/bun"
)

// ResendUnlockMessage requests a new unlock link
type ResendUnlockMessage struct {
	Email      string `json:"email"`
	OnResponse func(outcome TokenOutcome)
}

func (e ResendUnlockMessage) Type() string { return "account.unlock.resend" }

// ResendUnlockHandler issues unlock tokens for locked accounts only
type ResendUnlockHandler struct {
	svc *Services
}

func NewResendUnlockHandler(svc *Services) *ResendUnlockHandler {
	return &ResendUnlockHandler{svc: svc}
}

func (h *ResendUnlockHandler) Execute(ctx context.Context, event ResendUnlockMessage) error {
	if err := checkContext(ctx, "unlock resend"); err != nil {
		return err
	}
	return h.execute(ctx, event)
}

func (h *ResendUnlockHandler) execute(ctx context.Context, event ResendUnlockMessage) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	return requestToken(ctx, h.svc, event.Email, TokenUnlock, event.OnResponse,
		func(a *Account) (TokenOutcome, bool) {
			if !a.IsLocked() {
				return TokenNotLocked, false
			}
			return TokenSent, true
		},
		h.svc.Notifier.SendUnlock,
	)
}

// UnlockAccountMessage redeems an unlock link
type UnlockAccountMessage struct {
	Token      string `json:"token"`
	OnResponse func(outcome TokenOutcome, account *Account)
}

func (e UnlockAccountMessage) Type() string { return "account.unlock" }

// UnlockAccountHandler lifts a lock with a token
type UnlockAccountHandler struct {
	svc *Services
}

func NewUnlockAccountHandler(svc *Services) *UnlockAccountHandler {
	return &UnlockAccountHandler{svc: svc}
}

func (h *UnlockAccountHandler) Execute(ctx context.Context, event UnlockAccountMessage) error {
	if err := checkContext(ctx, "account unlock"); err != nil {
		return err
	}
	return h.execute(ctx, event)
}

func (h *UnlockAccountHandler) execute(ctx context.Context, event UnlockAccountMessage) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var account *Account
	outcome := TokenUnlocked

	err := h.svc.Repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		token, err := h.svc.Tokens.RedeemTx(ctx, tx, TokenUnlock, event.Token)
		if err != nil {
			return err
		}

		account, err = h.svc.Repo.Accounts().GetByIDTx(ctx, tx, token.AccountID.String())
		if err != nil {
			return err
		}

		if !account.IsLocked() {
			outcome = TokenNotLocked
			return nil
		}

		account, err = h.svc.States.Transition(ctx, tx, ActorFromAccount(account), account, unlockTarget(account),
			WithTransitionReason("unlock token redeemed"),
		)
		return err
	})

	if err != nil {
		if o, ok := TokenOutcomeFromError(err); ok {
			h.svc.Logger.Info("unlock token rejected", "outcome", o)
			if event.OnResponse != nil {
				event.OnResponse(o, nil)
			}
			return nil
		}
		return commandError(err, "account unlock")
	}

	if event.OnResponse != nil {
		event.OnResponse(outcome, account)
	}
	return nil
}

// AdminUnlockMessage lifts a lock from the admin console
type AdminUnlockMessage struct {
	Actor      *Account `json:"-"`
	Slug       string   `json:"slug"`
	OnResponse func(outcome TokenOutcome, account *Account)
}

func (e AdminUnlockMessage) Type() string { return "account.admin_unlock" }

// AdminUnlockHandler requires the accounts.unlock action
type AdminUnlockHandler struct {
	svc *Services
}

func NewAdminUnlockHandler(svc *Services) *AdminUnlockHandler {
	return &AdminUnlockHandler{svc: svc}
}

func (h *AdminUnlockHandler) Execute(ctx context.Context, event AdminUnlockMessage) error {
	if err := checkContext(ctx, "admin unlock"); err != nil {
		return err
	}
	return h.execute(ctx, event)
}

func (h *AdminUnlockHandler) execute(ctx context.Context, event AdminUnlockMessage) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	// authorize before the lookup so unknown slugs look like any other denial
	if err := h.svc.Policy.Require(ctx, event.Actor, ActionUnlockAccount, nil); err != nil {
		return err
	}

	target, err := h.svc.Repo.Accounts().GetBySlug(ctx, event.Slug)
	if err != nil {
		return err
	}

	outcome := TokenUnlocked
	err = h.svc.Repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		target, err = h.svc.Repo.Accounts().GetByIDTx(ctx, tx, target.ID.String())
		if err != nil {
			return err
		}
		if !target.IsLocked() {
			outcome = TokenNotLocked
			return nil
		}
		target, err = h.svc.States.Transition(ctx, tx, ActorFromAccount(event.Actor), target, unlockTarget(target),
			WithTransitionReason("administrative unlock"),
		)
		return err
	})
	if err != nil {
		return commandError(err, "admin unlock")
	}

	if event.OnResponse != nil {
		event.OnResponse(outcome, target)
	}
	return nil
}

// unlockTarget keeps unconfirmed accounts unconfirmed after an unlock
func unlockTarget(a *Account) AccountState {
	if a.IsConfirmed() {
		return StateActive
	}
	return StateUnconfirmed
}
