package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/zenGate-Global/palmyra-farmops/platform/go/persistence"
)

// Repository defines the persistence operations required by the verification gateway.
type Repository interface {
	Replace(ctx context.Context, attempt persistence.VerificationAttempt) (persistence.VerificationAttempt, error)
	Get(ctx context.Context, id uuid.UUID) (persistence.VerificationAttempt, error)
	Live(ctx context.Context, channel, address string) (persistence.VerificationAttempt, error)
	Decrement(ctx context.Context, id uuid.UUID) (int, error)
	Consume(ctx context.Context, id uuid.UUID, at time.Time) error
	Supersede(ctx context.Context, id uuid.UUID, at time.Time) error
}

type postgresRepository struct {
	store *persistence.VerificationStore
}

// NewPostgresRepository constructs a repository backed by the shared persistence layer.
func NewPostgresRepository(store *persistence.VerificationStore) Repository {
	if store == nil {
		panic("verification store is required")
	}
	return &postgresRepository{store: store}
}

func (r *postgresRepository) Replace(ctx context.Context, attempt persistence.VerificationAttempt) (persistence.VerificationAttempt, error) {
	return r.store.Replace(ctx, attempt)
}

func (r *postgresRepository) Get(ctx context.Context, id uuid.UUID) (persistence.VerificationAttempt, error) {
	return r.store.GetAttempt(ctx, id)
}

func (r *postgresRepository) Live(ctx context.Context, channel, address string) (persistence.VerificationAttempt, error) {
	return r.store.LiveAttempt(ctx, channel, address)
}

func (r *postgresRepository) Decrement(ctx context.Context, id uuid.UUID) (int, error) {
	return r.store.DecrementAttempts(ctx, id)
}

func (r *postgresRepository) Consume(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.store.Consume(ctx, id, at)
}

func (r *postgresRepository) Supersede(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.store.Supersede(ctx, id, at)
}
