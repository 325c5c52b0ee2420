package auth

import (
	"context"
	"time"
)

// ActivityEventType enumerates supported activity categories.
type ActivityEventType string

const (
	ActivityEventUserRegistered        ActivityEventType = "user.registered"
	ActivityEventUserCreated           ActivityEventType = "user.created"
	ActivityEventUserUpdated           ActivityEventType = "user.updated"
	ActivityEventUserStatusChanged     ActivityEventType = "user.status.changed"
	ActivityEventAccountVerified       ActivityEventType = "user.account.verified"
	ActivityEventLoginSuccess          ActivityEventType = "auth.login.success"
	ActivityEventLoginFailure          ActivityEventType = "auth.login.failure"
	ActivityEventTokenRefreshed        ActivityEventType = "auth.token.refreshed"
	ActivityEventTokenRefreshFailure   ActivityEventType = "auth.token.refresh_failure"
	ActivityEventLogout                ActivityEventType = "auth.logout"
	ActivityEventLogoutAll             ActivityEventType = "auth.logout.all"
	ActivityEventSessionRevoked        ActivityEventType = "auth.session.revoked"
	ActivityEventPasswordResetRequest  ActivityEventType = "auth.password.reset_requested"
	ActivityEventPasswordResetSuccess  ActivityEventType = "auth.password.reset"
	ActivityEventPasswordChanged       ActivityEventType = "auth.password.changed"
	ActivityEventPasswordChangeRequest ActivityEventType = "auth.password.change_requested"
	ActivityEventEmailChangeRequest    ActivityEventType = "auth.email.change_requested"
	ActivityEventEmailChanged          ActivityEventType = "auth.email.changed"
	ActivityEventEmailDeliveryFailure  ActivityEventType = "mail.delivery.failure"
	ActivityEventPruneSweep            ActivityEventType = "maintenance.prune"
)

// ActivityEvent captures audit-friendly information about an action.
type ActivityEvent struct {
	EventType  ActivityEventType
	ActorID    string
	UserID     string
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink consumes activity events for auditing/telemetry purposes.
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

// MultiActivitySink fans an event out to every sink, returning the
// first error.
type MultiActivitySink []ActivitySink

// Record implements ActivitySink.
func (m MultiActivitySink) Record(ctx context.Context, event ActivityEvent) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
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
