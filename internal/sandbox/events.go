package sandbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType classifies a lifecycle event.
type EventType string

const (
	EventCreated           EventType = "created"
	EventAllocationFailed  EventType = "allocation_failed"
	EventDestroyed         EventType = "destroyed"
	EventStatementRejected EventType = "statement_rejected"
)

// Destroy reasons recorded on EventDestroyed.
const (
	ReasonExplicit = "explicit"
	ReasonExpired  = "expired"
	ReasonSwept    = "swept"
	ReasonShutdown = "shutdown"
)

// Event is one entry in the lifecycle trail.
type Event struct {
	ID        string    `json:"id"`
	SandboxID string    `json:"sandbox_id"`
	OwnerID   string    `json:"owner_id"`
	Namespace string    `json:"namespace"`
	Type      EventType `json:"type"`
	Reason    string    `json:"reason,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EventFilter narrows EventStore.List. Zero fields match everything.
type EventFilter struct {
	SandboxID string
	OwnerID   string
	Type      EventType
	Since     time.Time
	Limit     int
}

// EventStore is an append-only lifecycle trail.
// Implementations must be safe for concurrent use.
type EventStore interface {
	Append(ctx context.Context, event *Event) error
	List(ctx context.Context, filter EventFilter) ([]Event, error)
}

// recordEvent appends an event for rec. Failures are logged and never
// propagate to the lifecycle operation.
func (m *Manager) recordEvent(ctx context.Context, rec *Record, typ EventType, reason, detail string) {
	if m.events == nil {
		return
	}
	ev := &Event{
		ID:        uuid.NewString(),
		SandboxID: rec.ID,
		OwnerID:   rec.OwnerID,
		Namespace: rec.Namespace,
		Type:      typ,
		Reason:    reason,
		Detail:    detail,
		CreatedAt: m.now().UTC(),
	}
	if err := m.events.Append(context.WithoutCancel(ctx), ev); err != nil {
		m.logger.WarnContext(ctx, "failed to record sandbox event",
			slog.String("sandbox_id", rec.ID),
			slog.String("event", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}
