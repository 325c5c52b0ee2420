package activitymap

import (
	"fmt"
	"strings"
	"time"

	auth "github.com/goliatone/go-auth-lifecycle"
)

const (
	// MetadataKeyOutcome stores whether the event records a success or a
	// rejection.
	MetadataKeyOutcome = "outcome"
	// MetadataKeyDomain stores the first segment of the event type.
	MetadataKeyDomain = "domain"
)

const (
	defaultChannel    = "auth"
	defaultObjectType = "user"
	defaultActorID    = "system"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Normalized is a transport-agnostic audit record.
type Normalized struct {
	ActorID    string         `json:"actor_id"`
	Verb       string         `json:"verb"`
	ObjectType string         `json:"object_type,omitempty"`
	ObjectID   string         `json:"object_id,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Option customizes normalization behavior.
type Option func(*normalizeOptions)

type normalizeOptions struct {
	channel       string
	objectType    string
	actorFallback string
	redact        map[string]struct{}
	now           func() time.Time
}

// Normalize converts an auth.ActivityEvent into an audit record. Events
// without an actor are attributed to the user they concern, then to the
// configured fallback.
func Normalize(event auth.ActivityEvent, opts ...Option) Normalized {
	options := defaultNormalizeOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	actorID := firstNonEmpty(
		strings.TrimSpace(event.ActorID),
		strings.TrimSpace(event.UserID),
		options.actorFallback,
	)

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = options.now()
	}

	objectType := options.objectType
	if event.EventType == auth.ActivityEventPruneSweep {
		objectType = "session"
	}

	return Normalized{
		ActorID:    actorID,
		Verb:       string(event.EventType),
		ObjectType: objectType,
		ObjectID:   strings.TrimSpace(event.UserID),
		Channel:    options.channel,
		Metadata:   normalizeMetadata(event, options.redact),
		OccurredAt: occurredAt.UTC(),
	}
}

// Outcome classifies an event type as success or failure.
func Outcome(t auth.ActivityEventType) string {
	switch t {
	case auth.ActivityEventLoginFailure,
		auth.ActivityEventTokenRefreshFailure,
		auth.ActivityEventEmailDeliveryFailure:
		return OutcomeFailure
	}
	return OutcomeSuccess
}

// WithDefaultChannel sets the channel of normalized records.
func WithDefaultChannel(channel string) Option {
	return func(opts *normalizeOptions) {
		opts.channel = strings.TrimSpace(channel)
	}
}

// WithDefaultObjectType sets the object type of normalized records.
func WithDefaultObjectType(objectType string) Option {
	return func(opts *normalizeOptions) {
		opts.objectType = strings.TrimSpace(objectType)
	}
}

// WithActorFallback sets the actor id used when the event names neither
// an actor nor a user.
func WithActorFallback(actorID string) Option {
	return func(opts *normalizeOptions) {
		opts.actorFallback = strings.TrimSpace(actorID)
	}
}

// WithRedactedKeys replaces the listed metadata values with "[redacted]".
func WithRedactedKeys(keys ...string) Option {
	return func(opts *normalizeOptions) {
		for _, k := range keys {
			opts.redact[k] = struct{}{}
		}
	}
}

// WithClock sets the clock used for events without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(opts *normalizeOptions) {
		if now != nil {
			opts.now = now
		}
	}
}

func defaultNormalizeOptions() normalizeOptions {
	return normalizeOptions{
		channel:       defaultChannel,
		objectType:    defaultObjectType,
		actorFallback: defaultActorID,
		redact:        map[string]struct{}{"ip_address": {}, "previous_email": {}},
		now:           time.Now,
	}
}

func normalizeMetadata(event auth.ActivityEvent, redact map[string]struct{}) map[string]any {
	metadata := make(map[string]any, len(event.Metadata)+2)
	for key, value := range event.Metadata {
		if _, hide := redact[key]; hide {
			metadata[key] = "[redacted]"
			continue
		}
		if err, ok := value.(error); ok {
			value = err.Error()
		}
		metadata[key] = value
	}

	metadata[MetadataKeyOutcome] = Outcome(event.EventType)
	if domain, _, ok := strings.Cut(string(event.EventType), "."); ok {
		metadata[MetadataKeyDomain] = domain
	}
	return metadata
}

// String renders a one-line summary of the record.
func (n Normalized) String() string {
	return fmt.Sprintf("%s %s %s/%s", n.ActorID, n.Verb, n.ObjectType, n.ObjectID)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
