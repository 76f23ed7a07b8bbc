package repo

import (
	"context"

	"github.com/zenGate-Global/palmyra-farmops/platform/go/persistence"
)

// Repository defines the persistence operations required by the plans service.
type Repository interface {
	List(ctx context.Context, activeOnly bool) ([]persistence.PlanRecord, error)
	Get(ctx context.Context, planID string) (persistence.PlanRecord, error)
	Upsert(ctx context.Context, plan persistence.PlanRecord) (persistence.PlanRecord, error)
	Confirm(ctx context.Context, confirmation persistence.PlanConfirmation) (persistence.PlanConfirmation, error)
	Confirmation(ctx context.Context, tenantID string) (persistence.PlanConfirmation, error)
}

type postgresRepository struct {
	store *persistence.PlanStore
}

// NewPostgresRepository constructs a repository backed by the shared persistence layer.
func NewPostgresRepository(store *persistence.PlanStore) Repository {
	if store == nil {
		panic("plan store is required")
	}
	return &postgresRepository{store: store}
}

func (r *postgresRepository) List(ctx context.Context, activeOnly bool) ([]persistence.PlanRecord, error) {
	return r.store.ListPlans(ctx, activeOnly)
}

func (r *postgresRepository) Get(ctx context.Context, planID string) (persistence.PlanRecord, error) {
	return r.store.GetPlan(ctx, planID)
}

func (r *postgresRepository) Upsert(ctx context.Context, plan persistence.PlanRecord) (persistence.PlanRecord, error) {
	return r.store.UpsertPlan(ctx, plan)
}

func (r *postgresRepository) Confirm(ctx context.Context, confirmation persistence.PlanConfirmation) (persistence.PlanConfirmation, error) {
	return r.store.ConfirmPlan(ctx, confirmation)
}

func (r *postgresRepository) Confirmation(ctx context.Context, tenantID string) (persistence.PlanConfirmation, error) {
	return r.store.GetConfirmation(ctx, tenantID)
}
