package notify

import (
	"context"
	"errors"
	"log/slog"
)

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("system", "notify")}
}

func (n *LogNotifier) Emit(ctx context.Context, e Event) error {
	attrs := []any{
		"event_id", e.ID,
		"kind", e.Kind,
		"occurred_at", e.OccurredAt,
	}
	if e.SubjectID != "" {
		attrs = append(attrs, "subject_id", e.SubjectID)
	}
	if e.Source != "" {
		attrs = append(attrs, "source", e.Source)
	}
	for k, v := range e.Attributes {
		attrs = append(attrs, k, v)
	}

	n.logger.InfoContext(ctx, "notification", attrs...)
	return nil
}

type multi []Notifier

// Multi fans an event out to every notifier. All sinks are attempted and
// their errors joined.
func Multi(notifiers ...Notifier) Notifier {
	return multi(notifiers)
}

func (m multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
