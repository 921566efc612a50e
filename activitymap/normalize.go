// Package activitymap flattens account activity events into a transport
// agnostic record for audit logs and downstream consumers.
package activitymap

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-accounts"
)

const (
	// MetadataKeyActorType stores the actor type, the role for accounts
	MetadataKeyActorType = "actor_type"
	// MetadataKeyFromState stores the source account state of a transition
	MetadataKeyFromState = "from_state"
	// MetadataKeyToState stores the target account state of a transition
	MetadataKeyToState = "to_state"
)

const (
	defaultChannel    = "accounts"
	defaultObjectType = "account"
	defaultActorID    = "system"
)

// Normalized is the flat activity shape
type Normalized struct {
	ActorID    string         `json:"actor_id"`
	Verb       string         `json:"verb"`
	ObjectType string         `json:"object_type,omitempty"`
	ObjectID   string         `json:"object_id,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Option customizes normalization
type Option func(*normalizeOptions)

type normalizeOptions struct {
	channel       string
	objectType    string
	actorFallback string
	now           func() time.Time
}

// Normalize converts an event. The actor falls back to the affected
// account and then to the system actor.
func Normalize(event accounts.ActivityEvent, opts ...Option) Normalized {
	options := defaultNormalizeOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	actorID := firstNonEmpty(
		strings.TrimSpace(event.Actor.ID),
		strings.TrimSpace(event.AccountID),
		options.actorFallback,
	)

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = options.now()
	}

	return Normalized{
		ActorID:    actorID,
		Verb:       string(event.EventType),
		ObjectType: options.objectType,
		ObjectID:   strings.TrimSpace(event.AccountID),
		Channel:    options.channel,
		Metadata:   normalizeMetadata(event),
		OccurredAt: occurredAt.UTC(),
	}
}

// WithChannel sets the channel of normalized records
func WithChannel(channel string) Option {
	return func(opts *normalizeOptions) {
		opts.channel = strings.TrimSpace(channel)
	}
}

// WithObjectType sets the object type of normalized records
func WithObjectType(objectType string) Option {
	return func(opts *normalizeOptions) {
		opts.objectType = strings.TrimSpace(objectType)
	}
}

// WithActorFallback sets the actor id used when the event has none
func WithActorFallback(actorID string) Option {
	return func(opts *normalizeOptions) {
		if id := strings.TrimSpace(actorID); id != "" {
			opts.actorFallback = id
		}
	}
}

// WithClock sets the clock used for events without a timestamp
func WithClock(now func() time.Time) Option {
	return func(opts *normalizeOptions) {
		if now != nil {
			opts.now = now
		}
	}
}

// WriterFunc receives normalized records
type WriterFunc func(ctx context.Context, record Normalized) error

// NewSink returns an activity sink that normalizes every event before
// handing it to write.
func NewSink(write WriterFunc, opts ...Option) accounts.ActivitySink {
	return accounts.ActivitySinkFunc(func(ctx context.Context, event accounts.ActivityEvent) error {
		if write == nil {
			return nil
		}
		return write(ctx, Normalize(event, opts...))
	})
}

// LogWriter writes records to the logger at info level
func LogWriter(logger accounts.Logger) WriterFunc {
	if logger == nil {
		logger = accounts.NopLogger()
	}
	return func(_ context.Context, r Normalized) error {
		args := []any{
			"verb", r.Verb,
			"actor_id", r.ActorID,
			"object_id", r.ObjectID,
			"occurred_at", r.OccurredAt.Format(time.RFC3339),
		}
		for k, v := range r.Metadata {
			args = append(args, k, v)
		}
		logger.Info("activity", args...)
		return nil
	}
}

func defaultNormalizeOptions() normalizeOptions {
	return normalizeOptions{
		channel:       defaultChannel,
		objectType:    defaultObjectType,
		actorFallback: defaultActorID,
		now:           time.Now,
	}
}

func normalizeMetadata(event accounts.ActivityEvent) map[string]any {
	metadata := cloneMap(event.Metadata)

	set := func(key string, value string) {
		if value == "" {
			return
		}
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata[key] = value
	}

	if actorType := strings.TrimSpace(event.Actor.Type); actorType != "" {
		if _, exists := metadata[MetadataKeyActorType]; !exists {
			set(MetadataKeyActorType, actorType)
		}
	}
	set(MetadataKeyFromState, string(event.FromState))
	set(MetadataKeyToState, string(event.ToState))

	return metadata
}

func cloneMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
