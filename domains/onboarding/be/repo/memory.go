package repo

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	snapshot  Snapshot
	expiresAt time.Time
}

type memoryRepository struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

// NewMemoryRepository keeps snapshots in process. Entries expire ttl after
// their last save; a zero ttl keeps them forever.
func NewMemoryRepository(ttl time.Duration, now func() time.Time) Repository {
	if now == nil {
		now = time.Now
	}
	return &memoryRepository{ttl: ttl, now: now, entries: make(map[string]memoryEntry)}
}

func (r *memoryRepository) Load(_ context.Context, sessionID string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[sessionID]
	if !ok {
		return Snapshot{}, ErrSnapshotNotFound
	}
	if r.ttl > 0 && !r.now().Before(entry.expiresAt) {
		delete(r.entries, sessionID)
		return Snapshot{}, ErrSnapshotNotFound
	}
	return cloneSnapshot(entry.snapshot), nil
}

func (r *memoryRepository) Save(_ context.Context, snapshot Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	snapshot.UpdatedAt = now
	r.entries[snapshot.SessionID] = memoryEntry{snapshot: cloneSnapshot(snapshot), expiresAt: now.Add(r.ttl)}
	return nil
}

func (r *memoryRepository) Delete(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, sessionID)
	return nil
}

func cloneSnapshot(s Snapshot) Snapshot {
	if s.PendingPlan != nil {
		p := *s.PendingPlan
		s.PendingPlan = &p
	}
	if s.Target != nil {
		t := *s.Target
		s.Target = &t
	}
	return s
}
