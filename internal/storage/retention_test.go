package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jkaninda/nsbox/internal/sandbox"
)

type pruneRecorder struct {
	before time.Time
	n      int64
	err    error
	calls  int
}

func (p *pruneRecorder) Append(context.Context, *sandbox.Event) error { return nil }

func (p *pruneRecorder) List(context.Context, sandbox.EventFilter) ([]sandbox.Event, error) {
	return nil, nil
}

func (p *pruneRecorder) Prune(_ context.Context, before time.Time) (int64, error) {
	p.calls++
	p.before = before
	return p.n, p.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRetention_Prune(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &pruneRecorder{n: 4}
	r := NewRetention(store, 7*24*time.Hour, discardLogger())
	r.now = func() time.Time { return now }

	n, err := r.Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 4 {
		t.Errorf("deleted = %d, want 4", n)
	}
	if want := now.Add(-7 * 24 * time.Hour); !store.before.Equal(want) {
		t.Errorf("cutoff = %v, want %v", store.before, want)
	}
}

func TestRetention_PruneError(t *testing.T) {
	boom := errors.New("disk full")
	r := NewRetention(&pruneRecorder{err: boom}, time.Hour, discardLogger())

	if _, err := r.Prune(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
}

func TestRetention_StartStop(t *testing.T) {
	ctx := context.Background()

	if err := NewRetention(&pruneRecorder{}, 0, discardLogger()).Start(ctx, "@every 1h"); err == nil {
		t.Error("expected error for zero retention")
	}

	r := NewRetention(&pruneRecorder{}, time.Hour, discardLogger())
	if err := r.Start(ctx, "not a schedule"); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if err := r.Start(ctx, "@every 1h"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(ctx, "@every 1h"); err == nil {
		t.Error("expected error when already running")
	}
	r.Stop()
	r.Stop()
	if err := r.Start(ctx, "@every 1h"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	r.Stop()
}
