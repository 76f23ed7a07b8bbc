package repo

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zenGate-Global/palmyra-farmops/platform/go/persistence"
)

type memoryRepository struct {
	mu            sync.Mutex
	plans         map[string]persistence.PlanRecord
	confirmations map[string]persistence.PlanConfirmation
}

// NewMemoryRepository returns an in-process catalog, used by tests and the
// dev stack when DATABASE_URL is unset.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		plans:         make(map[string]persistence.PlanRecord),
		confirmations: make(map[string]persistence.PlanConfirmation),
	}
}

func (r *memoryRepository) List(_ context.Context, activeOnly bool) ([]persistence.PlanRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]persistence.PlanRecord, 0, len(r.plans))
	for _, plan := range r.plans {
		if activeOnly && !plan.IsActive {
			continue
		}
		out = append(out, clonePlan(plan))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].PlanID < out[j].PlanID
	})
	return out, nil
}

func (r *memoryRepository) Get(_ context.Context, planID string) (persistence.PlanRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	plan, ok := r.plans[strings.ToLower(strings.TrimSpace(planID))]
	if !ok {
		return persistence.PlanRecord{}, persistence.ErrPlanNotFound
	}
	return clonePlan(plan), nil
}

func (r *memoryRepository) Upsert(_ context.Context, plan persistence.PlanRecord) (persistence.PlanRecord, error) {
	id, err := persistence.NormalizePlanID(plan.PlanID)
	if err != nil {
		return persistence.PlanRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	plan.PlanID = id
	plan.UpdatedAt = now
	if existing, ok := r.plans[id]; ok {
		plan.CreatedAt = existing.CreatedAt
	} else {
		plan.CreatedAt = now
	}
	r.plans[id] = clonePlan(plan)
	return clonePlan(plan), nil
}

func (r *memoryRepository) Confirm(_ context.Context, c persistence.PlanConfirmation) (persistence.PlanConfirmation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.plans[c.PlanID]; !ok {
		return persistence.PlanConfirmation{}, persistence.ErrPlanNotFound
	}
	c.ConfirmedAt = time.Now().UTC()
	r.confirmations[c.TenantID] = c
	return c, nil
}

func (r *memoryRepository) Confirmation(_ context.Context, tenantID string) (persistence.PlanConfirmation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.confirmations[tenantID]
	if !ok {
		return persistence.PlanConfirmation{}, persistence.ErrConfirmationNotFound
	}
	return c, nil
}

func clonePlan(plan persistence.PlanRecord) persistence.PlanRecord {
	plan.Prices = append([]persistence.PlanPrice(nil), plan.Prices...)
	return plan
}
