package accounts

import (
	"context"
	"time"
)

// ActivityEventType enumerates supported activity categories.
type ActivityEventType string

const (
	ActivityEventAccountRegistered    ActivityEventType = "account.registered"
	ActivityEventAccountCreated       ActivityEventType = "account.created"
	ActivityEventAccountUpdated       ActivityEventType = "account.updated"
	ActivityEventAccountDeleted       ActivityEventType = "account.deleted"
	ActivityEventAccountConfirmed     ActivityEventType = "account.confirmed"
	ActivityEventAccountLocked        ActivityEventType = "account.locked"
	ActivityEventAccountUnlocked      ActivityEventType = "account.unlocked"
	ActivityEventLoginSuccess         ActivityEventType = "auth.login.success"
	ActivityEventLoginFailure         ActivityEventType = "auth.login.failure"
	ActivityEventLogout               ActivityEventType = "auth.logout"
	ActivityEventPasswordResetRequest ActivityEventType = "auth.password.reset_requested"
	ActivityEventPasswordResetSuccess ActivityEventType = "auth.password.reset"
	ActivityEventAuthorizationDenied  ActivityEventType = "authz.denied"
)

// ActorRef identifies who or what triggered an event.
type ActorRef struct {
	ID   string
	Type string
}

// SystemActor is used for transitions triggered by the application itself
var SystemActor = ActorRef{Type: "system"}

// ActorFromAccount returns an actor reference for an account
func ActorFromAccount(a *Account) ActorRef {
	if a == nil {
		return ActorRef{Type: "anonymous"}
	}
	return ActorRef{ID: a.ID.String(), Type: string(a.Role)}
}

// ActivityEvent captures audit-friendly information about an action.
type ActivityEvent struct {
	EventType  ActivityEventType
	Actor      ActorRef
	AccountID  string
	FromState  AccountState
	ToState    AccountState
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink consumes activity events for auditing purposes.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}

// emitActivity records an event and logs sink failures. Auditing never
// fails the operation that produced the event.
func emitActivity(ctx context.Context, sink ActivitySink, logger Logger, now Clock, event ActivityEvent) {
	if event.Actor == (ActorRef{}) {
		event.Actor = SystemActor
	}
	if event.OccurredAt.IsZero() {
		if now == nil {
			now = time.Now
		}
		event.OccurredAt = now()
	}
	if err := normalizeActivitySink(sink).Record(ctx, event); err != nil && logger != nil {
		logger.Warn("activity sink error", "event", event.EventType, "error", err)
	}
}
