package accounts

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

// TransitionMetadata captures extra context for a transition.
type TransitionMetadata struct {
	Reason   string
	Metadata map[string]any
}

// TransitionContext is passed into hooks for additional processing.
type TransitionContext struct {
	Actor   ActorRef
	Account *Account
	From    AccountState
	To      AccountState
	Meta    TransitionMetadata
}

// TransitionHook is executed before or after a transition.
type TransitionHook func(ctx context.Context, tc TransitionContext) error

// TransitionOption customizes a single transition.
type TransitionOption func(*transitionOptions)

// AccountStateMachine moves accounts between unconfirmed, active and locked.
// Transitions run inside the caller's transaction.
type AccountStateMachine interface {
	Transition(ctx context.Context, tx bun.IDB, actor ActorRef, account *Account, target AccountState, opts ...TransitionOption) (*Account, error)
	CanTransition(from, to AccountState) bool
}

// StateMachineOption customizes state machine construction.
type StateMachineOption func(*accountStateMachine)

// WithStateMachineClock injects a custom clock
func WithStateMachineClock(clock Clock) StateMachineOption {
	return func(sm *accountStateMachine) {
		if clock != nil {
			sm.now = clock
		}
	}
}

// WithStateMachineActivitySink sets the ActivitySink used to publish lifecycle events.
func WithStateMachineActivitySink(sink ActivitySink) StateMachineOption {
	return func(sm *accountStateMachine) {
		sm.activitySink = normalizeActivitySink(sink)
	}
}

// WithStateMachineLogger overrides the logger used for sink failures.
func WithStateMachineLogger(logger Logger) StateMachineOption {
	return func(sm *accountStateMachine) {
		if logger != nil {
			sm.logger = logger
		}
	}
}

// WithTransitionReason sets the human-readable reason for the transition.
func WithTransitionReason(reason string) TransitionOption {
	return func(opts *transitionOptions) {
		opts.metadata.Reason = reason
	}
}

// WithTransitionMetadata merges metadata into the transition context.
func WithTransitionMetadata(metadata map[string]any) TransitionOption {
	return func(opts *transitionOptions) {
		if len(metadata) == 0 {
			return
		}
		if opts.metadata.Metadata == nil {
			opts.metadata.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			opts.metadata.Metadata[k] = v
		}
	}
}

// WithBeforeTransitionHook adds a hook executed before the state update.
func WithBeforeTransitionHook(h TransitionHook) TransitionOption {
	return func(opts *transitionOptions) {
		if h != nil {
			opts.beforeHooks = append(opts.beforeHooks, h)
		}
	}
}

// WithAfterTransitionHook adds a hook executed after the state update succeeds.
func WithAfterTransitionHook(h TransitionHook) TransitionOption {
	return func(opts *transitionOptions) {
		if h != nil {
			opts.afterHooks = append(opts.afterHooks, h)
		}
	}
}

// NewAccountStateMachine returns the default implementation backed by the
// accounts repository.
//
//	unconfirmed -> active       confirmation token redeemed
//	unconfirmed -> locked       lockout before confirmation
//	active      -> locked       lockout
//	locked      -> active       unlock token, admin unlock or password reset
//	locked      -> unconfirmed  unlock of an account that never confirmed
func NewAccountStateMachine(accounts Accounts, opts ...StateMachineOption) AccountStateMachine {
	sm := &accountStateMachine{
		accounts: accounts,
		transitions: map[AccountState]map[AccountState]struct{}{
			StateUnconfirmed: {
				StateActive: {},
				StateLocked: {},
			},
			StateActive: {
				StateLocked: {},
			},
			StateLocked: {
				StateActive:      {},
				StateUnconfirmed: {},
			},
		},
		now:          time.Now,
		activitySink: noopActivitySink{},
		logger:       defLogger{name: "state"},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sm)
		}
	}

	return sm
}

type accountStateMachine struct {
	accounts     Accounts
	transitions  map[AccountState]map[AccountState]struct{}
	now          Clock
	activitySink ActivitySink
	logger       Logger
}

type transitionOptions struct {
	metadata    TransitionMetadata
	beforeHooks []TransitionHook
	afterHooks  []TransitionHook
}

func (sm *accountStateMachine) Transition(ctx context.Context, tx bun.IDB, actor ActorRef, account *Account, target AccountState, opts ...TransitionOption) (*Account, error) {
	if account == nil {
		return nil, ErrInvalidTransition.Clone().WithMetadata(map[string]any{
			"target": target,
			"reason": "account is nil",
		})
	}

	from := account.State()
	if from == target {
		return account, nil
	}

	if !sm.CanTransition(from, target) {
		return nil, ErrInvalidTransition.Clone().WithMetadata(map[string]any{
			"from": from,
			"to":   target,
		})
	}

	options := &transitionOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}

	tc := TransitionContext{
		Actor:   actor,
		Account: account,
		From:    from,
		To:      target,
		Meta:    options.metadata,
	}

	if err := runHooks(ctx, options.beforeHooks, tc); err != nil {
		return nil, err
	}

	changed, err := sm.apply(ctx, tx, account, from, target)
	if err != nil {
		return nil, err
	}

	updated, err := sm.accounts.GetByIDTx(ctx, tx, account.ID.String())
	if err != nil {
		return nil, err
	}
	*account = *updated

	// a concurrent transition got there first
	if !changed {
		return account, nil
	}

	if err := runHooks(ctx, options.afterHooks, tc); err != nil {
		return nil, err
	}

	emitActivity(ctx, sm.activitySink, sm.logger, sm.now, ActivityEvent{
		EventType: eventForTransition(from, target),
		Actor:     actor,
		AccountID: account.ID.String(),
		FromState: from,
		ToState:   account.State(),
		Metadata:  transitionMetadata(options.metadata),
	})

	return account, nil
}

func (sm *accountStateMachine) CanTransition(from, to AccountState) bool {
	if allowed, ok := sm.transitions[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}

func (sm *accountStateMachine) apply(ctx context.Context, tx bun.IDB, account *Account, from, to AccountState) (bool, error) {
	now := sm.now()

	switch {
	case to == StateLocked:
		return sm.accounts.LockTx(ctx, tx, account.ID, now)
	case from == StateLocked:
		changed, err := sm.accounts.UnlockTx(ctx, tx, account.ID, now)
		if err != nil || !changed {
			return changed, err
		}
		if to == StateActive && !account.IsConfirmed() {
			if _, err := sm.accounts.ConfirmTx(ctx, tx, account.ID, now); err != nil {
				return false, err
			}
		}
		return true, nil
	default:
		return sm.accounts.ConfirmTx(ctx, tx, account.ID, now)
	}
}

func runHooks(ctx context.Context, hooks []TransitionHook, tc TransitionContext) error {
	for _, hook := range hooks {
		if err := hook(ctx, tc); err != nil {
			return err
		}
	}
	return nil
}

func eventForTransition(from, to AccountState) ActivityEventType {
	switch {
	case to == StateLocked:
		return ActivityEventAccountLocked
	case from == StateLocked:
		return ActivityEventAccountUnlocked
	default:
		return ActivityEventAccountConfirmed
	}
}

func transitionMetadata(meta TransitionMetadata) map[string]any {
	if meta.Reason == "" && len(meta.Metadata) == 0 {
		return nil
	}

	result := map[string]any{}
	if meta.Reason != "" {
		result["reason"] = meta.Reason
	}
	for k, v := range meta.Metadata {
		result[k] = v
	}
	return result
}
