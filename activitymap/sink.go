package activitymap

import (
	"context"

	auth "github.com/goliatone/go-auth-lifecycle"
)

// LogSink writes every activity event as a normalized audit line.
type LogSink struct {
	logger auth.Logger
	opts   []Option
}

// NewLogSink returns a sink logging to logger.
func NewLogSink(logger auth.Logger, opts ...Option) *LogSink {
	return &LogSink{
		logger: auth.ResolveLogger("auth:audit", nil, logger),
		opts:   opts,
	}
}

// Record implements auth.ActivitySink.
func (s *LogSink) Record(_ context.Context, event auth.ActivityEvent) error {
	rec := Normalize(event, s.opts...)

	args := []any{
		"actor_id", rec.ActorID,
		"verb", rec.Verb,
		"object_type", rec.ObjectType,
		"object_id", rec.ObjectID,
		"channel", rec.Channel,
		"occurred_at", rec.OccurredAt,
	}
	for k, v := range rec.Metadata {
		args = append(args, k, v)
	}

	if rec.Metadata[MetadataKeyOutcome] == OutcomeFailure {
		s.logger.Warn("audit", args...)
		return nil
	}
	s.logger.Info("audit", args...)
	return nil
}
