package sandbox

import (
	"sync"
	"time"
)

// registry is the in-memory record store. Records are never handed out by
// pointer: reads return clones and writes replace the stored record whole.
type registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func newRegistry() *registry {
	return &registry{records: make(map[string]*Record)}
}

// reserve inserts rec if fewer than capacity active records exist.
func (r *registry) reserve(rec *Record, capacity int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := 0
	for _, existing := range r.records {
		if existing.active() {
			active++
		}
	}
	if active >= capacity {
		return false
	}
	r.records[rec.ID] = rec.Clone()
	return true
}

func (r *registry) get(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// update applies fn to a copy of the record and stores the copy. A missing
// id is a no-op so that a concurrent teardown is never undone.
func (r *registry) update(id string, fn func(*Record)) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, false
	}
	next := rec.Clone()
	fn(next)
	r.records[id] = next
	return next.Clone(), true
}

// take removes and returns the record. Exactly one caller wins per id.
func (r *registry) take(id string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, false
	}
	delete(r.records, id)
	return rec, true
}

func (r *registry) snapshot() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Clone())
	}
	return out
}

func (r *registry) expiredIDs(now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, rec := range r.records {
		if rec.Expired(now) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	return ids
}

func (r *registry) activeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.records {
		if rec.active() {
			n++
		}
	}
	return n
}
