// Package notify delivers alert events to downstream collaborators.
// Delivery is at-least-once and decoupled from the state change that raised
// the event: a failed delivery is logged and never rolled back into callers.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind names an event type.
type Kind string

const (
	KindStrikeEscalated Kind = "strike.escalated"
	KindStrikeReset     Kind = "strike.reset"
	KindSyncFailed      Kind = "sync.failed"
	KindSyncPartial     Kind = "sync.partial"
	KindLeakSuspected   Kind = "identity.leak_suspected"
)

// Event is a single notification. Leak events carry the token session id
// in Attributes and never a subject id.
type Event struct {
	ID         uuid.UUID         `json:"id"`
	Kind       Kind              `json:"kind"`
	SubjectID  string            `json:"subject_id,omitempty"`
	Source     string            `json:"source,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// NewEvent creates an event stamped with a fresh id and the current time.
func NewEvent(kind Kind, attrs map[string]string) Event {
	return Event{
		ID:         uuid.New(),
		Kind:       kind,
		Attributes: attrs,
		OccurredAt: time.Now().UTC(),
	}
}

// Key returns the partition key used by ordered sinks.
func (e Event) Key() string {
	if e.SubjectID != "" {
		return e.SubjectID
	}
	if e.Source != "" {
		return e.Source
	}
	return string(e.Kind)
}

// Notifier accepts events for delivery.
type Notifier interface {
	Emit(ctx context.Context, e Event) error
}
