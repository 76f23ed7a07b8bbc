package repo

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zenGate-Global/palmyra-farmops/platform/go/persistence"
)

type memoryRepository struct {
	mu       sync.Mutex
	attempts map[uuid.UUID]persistence.VerificationAttempt
}

// NewMemoryRepository returns an in-process repository with the same
// single-live-attempt and single-use semantics as the Postgres store.
func NewMemoryRepository() Repository {
	return &memoryRepository{attempts: make(map[uuid.UUID]persistence.VerificationAttempt)}
}

func (r *memoryRepository) Replace(_ context.Context, attempt persistence.VerificationAttempt) (persistence.VerificationAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, existing := range r.attempts {
		if existing.Channel == attempt.Channel && existing.Address == attempt.Address && isLive(existing) {
			at := attempt.IssuedAt
			existing.SupersededAt = &at
			r.attempts[id] = existing
		}
	}

	attempt.ConsumedAt = nil
	attempt.SupersededAt = nil
	r.attempts[attempt.AttemptID] = attempt
	return attempt, nil
}

func (r *memoryRepository) Get(_ context.Context, id uuid.UUID) (persistence.VerificationAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	attempt, ok := r.attempts[id]
	if !ok {
		return persistence.VerificationAttempt{}, persistence.ErrAttemptNotFound
	}
	return attempt, nil
}

func (r *memoryRepository) Live(_ context.Context, channel, address string) (persistence.VerificationAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, attempt := range r.attempts {
		if attempt.Channel == channel && attempt.Address == address && isLive(attempt) {
			return attempt, nil
		}
	}
	return persistence.VerificationAttempt{}, persistence.ErrAttemptNotFound
}

func (r *memoryRepository) Decrement(_ context.Context, id uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	attempt, ok := r.attempts[id]
	if !ok || !isLive(attempt) {
		return 0, persistence.ErrAttemptClosed
	}
	if attempt.AttemptsRemaining > 0 {
		attempt.AttemptsRemaining--
	}
	r.attempts[id] = attempt
	return attempt.AttemptsRemaining, nil
}

func (r *memoryRepository) Consume(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	attempt, ok := r.attempts[id]
	if !ok || !isLive(attempt) || attempt.AttemptsRemaining <= 0 {
		return persistence.ErrAttemptClosed
	}
	attempt.ConsumedAt = &at
	r.attempts[id] = attempt
	return nil
}

func (r *memoryRepository) Supersede(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	attempt, ok := r.attempts[id]
	if !ok || !isLive(attempt) {
		return persistence.ErrAttemptClosed
	}
	attempt.SupersededAt = &at
	r.attempts[id] = attempt
	return nil
}

func isLive(a persistence.VerificationAttempt) bool {
	return a.ConsumedAt == nil && a.SupersededAt == nil
}
