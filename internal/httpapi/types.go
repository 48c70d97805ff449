package httpapi

import (
	"time"

	"github.com/jkaninda/nsbox/internal/sandbox"
)

// SandboxResponse is the JSON view of a sandbox record.
type SandboxResponse struct {
	ID             string             `json:"id"`
	OwnerID        string             `json:"owner_id"`
	ProjectID      string             `json:"project_id,omitempty"`
	Namespace      string             `json:"namespace"`
	Status         string             `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
	ExpiresAt      time.Time          `json:"expires_at"`
	TTLSeconds     int64              `json:"ttl_seconds"`
	TrackedObjects []string           `json:"tracked_objects"`
	Connection     sandbox.Connection `json:"connection"`
	LastError      string             `json:"last_error,omitempty"`
}

func toSandboxResponse(r *sandbox.Record) SandboxResponse {
	ttl := int64(time.Until(r.ExpiresAt).Seconds())
	if ttl < 0 {
		ttl = 0
	}
	tracked := r.TrackedObjects
	if tracked == nil {
		tracked = []string{}
	}
	return SandboxResponse{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		ProjectID:      r.ProjectID,
		Namespace:      r.Namespace,
		Status:         string(r.Status),
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      r.ExpiresAt,
		TTLSeconds:     ttl,
		TrackedObjects: tracked,
		Connection:     r.Connection,
		LastError:      r.LastError,
	}
}

// EventResponse is the JSON view of a lifecycle event.
type EventResponse struct {
	ID        string    `json:"id"`
	SandboxID string    `json:"sandbox_id"`
	OwnerID   string    `json:"owner_id"`
	Namespace string    `json:"namespace"`
	Type      string    `json:"type"`
	Reason    string    `json:"reason,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func toEventResponse(e *sandbox.Event) EventResponse {
	return EventResponse{
		ID:        e.ID,
		SandboxID: e.SandboxID,
		OwnerID:   e.OwnerID,
		Namespace: e.Namespace,
		Type:      string(e.Type),
		Reason:    e.Reason,
		Detail:    e.Detail,
		CreatedAt: e.CreatedAt,
	}
}
