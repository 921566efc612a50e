package accounts

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// Services bundles the collaborators shared by the command handlers
type Services struct {
	Repo     RepositoryManager
	States   AccountStateMachine
	Tokens   *TokenManager
	Notifier *Notifier
	Mail     *Dispatcher
	Policy   *PolicyEngine
	Activity ActivitySink
	Logger   Logger
	Now      Clock
}

// ServicesOption customizes Services
type ServicesOption func(*Services)

// WithServicesLogger sets the logger
func WithServicesLogger(logger Logger) ServicesOption {
	return func(s *Services) {
		if logger != nil {
			s.Logger = logger
		}
	}
}

// WithServicesActivitySink sets the activity sink used by every component
func WithServicesActivitySink(sink ActivitySink) ServicesOption {
	return func(s *Services) {
		s.Activity = normalizeActivitySink(sink)
	}
}

// WithServicesClock sets the clock used by every component
func WithServicesClock(clock Clock) ServicesOption {
	return func(s *Services) {
		if clock != nil {
			s.Now = clock
		}
	}
}

// WithServicesPolicy replaces the default policy engine
func WithServicesPolicy(policy *PolicyEngine) ServicesOption {
	return func(s *Services) {
		if policy != nil {
			s.Policy = policy
		}
	}
}

// NewServices wires the state machine, token manager, notifier and policy
// engine around the repository.
func NewServices(repo RepositoryManager, cfg Config, mailer Mailer, opts ...ServicesOption) (*Services, error) {
	s := &Services{
		Repo:     repo,
		Activity: noopActivitySink{},
		Logger:   defLogger{name: "accounts"},
		Now:      time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.Tokens = TokenManagerFromConfig(repo.Tokens(), cfg, WithTokenClock(s.Now))
	s.States = NewAccountStateMachine(repo.Accounts(),
		WithStateMachineClock(s.Now),
		WithStateMachineActivitySink(s.Activity),
		WithStateMachineLogger(s.Logger),
	)

	if s.Policy == nil {
		s.Policy = NewPolicyEngine(DefaultPolicyTable(),
			WithPolicyLogger(s.Logger),
			WithPolicyActivitySink(s.Activity),
		)
	}

	s.Mail = NewDispatcher(mailer, cfg.GetMailWait(), s.Logger)

	notifier, err := NewNotifier(s.Mail, cfg, s.Tokens)
	if err != nil {
		return nil, err
	}
	s.Notifier = notifier

	return s, nil
}

// Close waits for deferred mail deliveries. It gives up when ctx is done.
func (s *Services) Close(ctx context.Context) error {
	if s.Mail == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.Mail.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return goerrors.Wrap(ctx.Err(), goerrors.CategoryOperation, "pending mail deliveries were not flushed")
	}
}

func (s *Services) emit(ctx context.Context, event ActivityEvent) {
	emitActivity(ctx, s.Activity, s.Logger, s.Now, event)
}

// deliver sends a mail after the transaction committed. It reports whether
// the message counts as sent.
func (s *Services) deliver(ctx context.Context, kind string, send func(context.Context) error) bool {
	err := send(ctx)
	if IsMailSent(err) {
		return true
	}
	s.Logger.Error("failed to send account mail", "mail", kind, "error", err)
	return false
}
