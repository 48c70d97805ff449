package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/nsbox/internal/sandbox"
)

// EventRepository implements storage.EventStore with GORM.
// Append-only apart from retention pruning.
type EventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates an EventRepository.
func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append inserts a single lifecycle event. A missing or malformed ID is replaced.
func (r *EventRepository) Append(ctx context.Context, event *sandbox.Event) error {
	model := toEventModel(event)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending sandbox event: %w", err)
	}
	event.ID = model.ID.String()
	event.CreatedAt = model.CreatedAt
	return nil
}

// List returns events matching the filter, newest first. Limit defaults to 100.
func (r *EventRepository) List(ctx context.Context, filter sandbox.EventFilter) ([]sandbox.Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	q := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit)

	if filter.SandboxID != "" {
		q = q.Where("sandbox_id = ?", filter.SandboxID)
	}
	if filter.OwnerID != "" {
		q = q.Where("owner_id = ?", filter.OwnerID)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", string(filter.Type))
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since.UTC())
	}

	var models []SandboxEventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying sandbox events: %w", err)
	}

	events := make([]sandbox.Event, len(models))
	for i := range models {
		events[i] = toEventDomain(&models[i])
	}
	return events, nil
}

// Prune deletes events created before the cutoff.
func (r *EventRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", before.UTC()).
		Delete(&SandboxEventModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning sandbox events: %w", res.Error)
	}
	return res.RowsAffected, nil
}
