package postgres

import (
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/nsbox/internal/sandbox"
)

// SandboxEventModel maps to the "sandbox_events" table.
type SandboxEventModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	SandboxID string    `gorm:"not null;index"`
	OwnerID   string    `gorm:"not null;index"`
	Namespace string    `gorm:"not null"`
	Type      string    `gorm:"not null;index"`
	Reason    string
	Detail    string
	CreatedAt time.Time `gorm:"not null;index"`
}

func (SandboxEventModel) TableName() string { return "sandbox_events" }

func toEventModel(ev *sandbox.Event) SandboxEventModel {
	id, err := uuid.Parse(ev.ID)
	if err != nil {
		id = uuid.New()
	}
	created := ev.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return SandboxEventModel{
		ID:        id,
		SandboxID: ev.SandboxID,
		OwnerID:   ev.OwnerID,
		Namespace: ev.Namespace,
		Type:      string(ev.Type),
		Reason:    ev.Reason,
		Detail:    ev.Detail,
		CreatedAt: created.UTC(),
	}
}

func toEventDomain(m *SandboxEventModel) sandbox.Event {
	return sandbox.Event{
		ID:        m.ID.String(),
		SandboxID: m.SandboxID,
		OwnerID:   m.OwnerID,
		Namespace: m.Namespace,
		Type:      sandbox.EventType(m.Type),
		Reason:    m.Reason,
		Detail:    m.Detail,
		CreatedAt: m.CreatedAt.UTC(),
	}
}
