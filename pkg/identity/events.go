package identity

import (
	"context"
	"log/slog"

	"github.com/StricklySoft/stricklysoft-identity/pkg/models"
)

// EventSink receives domain events after the change that produced them has
// been persisted. Publish errors are logged by the service and never undo
// the change.
type EventSink interface {
	Publish(ctx context.Context, events ...models.Event) error
}

// EventSinkFunc adapts a function to [EventSink].
type EventSinkFunc func(ctx context.Context, events ...models.Event) error

func (f EventSinkFunc) Publish(ctx context.Context, events ...models.Event) error {
	return f(ctx, events...)
}

// LogEventSink writes each event as a structured log record.
type LogEventSink struct {
	Logger *slog.Logger
}

func (s LogEventSink) Publish(ctx context.Context, events ...models.Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, e := range events {
		logger.InfoContext(ctx, "identity event",
			"kind", e.Kind.String(),
			"user_id", e.UserID.String(),
			"subject", e.Subject,
			"occurred_at", e.OccurredAt,
		)
	}
	return nil
}
