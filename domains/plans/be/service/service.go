package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zenGate-Global/palmyra-farmops/domains/plans/be/repo"
	"github.com/zenGate-Global/palmyra-farmops/platform/go/persistence"
)

// FieldErrors maps request fields to validation issues.
type FieldErrors map[string][]string

// ValidationError is returned when a selection or seed file is invalid.
type ValidationError struct {
	Fields FieldErrors
}

func (v *ValidationError) Error() string {
	return "validation error"
}

// Domain sentinel errors.
var (
	ErrPlanNotFound = errors.New("plan not found")
	ErrTransient    = errors.New("plan catalog unavailable")
)

// BillingPeriod is how often a plan price is charged.
type BillingPeriod string

const (
	BillingMonthly BillingPeriod = "monthly"
	BillingYearly  BillingPeriod = "yearly"
)

// Price is one billing-period price in minor currency units.
type Price struct {
	BillingPeriod BillingPeriod
	AmountCents   int64
}

// Plan is a catalog entry.
type Plan struct {
	ID          string
	Type        string
	Name        string
	Description string
	Currency    string
	Prices      []Price
	SortOrder   int
	Active      bool
}

// PriceFor returns the plan price for period.
func (p Plan) PriceFor(period BillingPeriod) (Price, bool) {
	for _, price := range p.Prices {
		if price.BillingPeriod == period {
			return price, true
		}
	}
	return Price{}, false
}

// Selection is a plan choice priced from the catalog, held until verification succeeds.
type Selection struct {
	PlanID        string
	Type          string
	BillingPeriod BillingPeriod
	PriceCents    int64
	Currency      string
}

// Confirmation is the plan recorded for a tenant.
type Confirmation struct {
	TenantID    string
	AccountID   uuid.UUID
	Selection   Selection
	ConfirmedAt time.Time
}

// Service defines the plan catalog operations.
type Service interface {
	// ListPlans returns the active catalog in display order.
	ListPlans(ctx context.Context) ([]Plan, error)
	GetPlan(ctx context.Context, planID string) (Plan, error)
	// Select prices a choice from the catalog without persisting anything.
	Select(ctx context.Context, planID string, period BillingPeriod) (Selection, error)
	ConfirmPlan(ctx context.Context, tenantID string, accountID uuid.UUID, selection Selection) (Confirmation, error)
	// Confirmation returns the plan recorded for tenantID, or nil when none.
	Confirmation(ctx context.Context, tenantID string) (*Confirmation, error)
	Seed(ctx context.Context, r io.Reader) ([]Plan, error)
}

type service struct {
	repo repo.Repository
}

// New constructs a plan catalog Service.
func New(r repo.Repository) Service {
	if r == nil {
		panic("plans repository is required")
	}
	return &service{repo: r}
}

func (s *service) ListPlans(ctx context.Context) ([]Plan, error) {
	records, err := s.repo.List(ctx, true)
	if err != nil {
		return nil, translateError(err)
	}

	plans := make([]Plan, 0, len(records))
	for _, record := range records {
		plans = append(plans, mapPlan(record))
	}
	return plans, nil
}

func (s *service) GetPlan(ctx context.Context, planID string) (Plan, error) {
	id := strings.ToLower(strings.TrimSpace(planID))
	if id == "" {
		return Plan{}, &ValidationError{Fields: FieldErrors{"planId": {"planId is required"}}}
	}

	record, err := s.repo.Get(ctx, id)
	if err != nil {
		return Plan{}, translateError(err)
	}
	if !record.IsActive {
		return Plan{}, ErrPlanNotFound
	}
	return mapPlan(record), nil
}

func (s *service) Select(ctx context.Context, planID string, period BillingPeriod) (Selection, error) {
	plan, err := s.GetPlan(ctx, planID)
	if err != nil {
		return Selection{}, err
	}

	price, ok := plan.PriceFor(period)
	if !ok {
		return Selection{}, &ValidationError{Fields: FieldErrors{
			"billingPeriod": {fmt.Sprintf("plan %s is not offered %s", plan.ID, period)},
		}}
	}

	return Selection{
		PlanID:        plan.ID,
		Type:          plan.Type,
		BillingPeriod: price.BillingPeriod,
		PriceCents:    price.AmountCents,
		Currency:      plan.Currency,
	}, nil
}

func (s *service) ConfirmPlan(ctx context.Context, tenantID string, accountID uuid.UUID, selection Selection) (Confirmation, error) {
	fieldErrors := FieldErrors{}
	if strings.TrimSpace(tenantID) == "" {
		fieldErrors.add("tenantId", "tenantId is required")
	}
	if accountID == uuid.Nil {
		fieldErrors.add("accountId", "accountId is required")
	}
	if len(fieldErrors) > 0 {
		return Confirmation{}, &ValidationError{Fields: fieldErrors}
	}

	current, err := s.Select(ctx, selection.PlanID, selection.BillingPeriod)
	if err != nil {
		return Confirmation{}, err
	}
	if current.PriceCents != selection.PriceCents || current.Currency != selection.Currency {
		return Confirmation{}, &ValidationError{Fields: FieldErrors{
			"price": {"the plan price changed; select the plan again"},
		}}
	}

	record, err := s.repo.Confirm(ctx, persistence.PlanConfirmation{
		TenantID:      tenantID,
		AccountID:     accountID,
		PlanID:        current.PlanID,
		BillingPeriod: string(current.BillingPeriod),
		PriceCents:    current.PriceCents,
		Currency:      current.Currency,
	})
	if err != nil {
		return Confirmation{}, translateError(err)
	}
	return mapConfirmation(record, current.Type), nil
}

func (s *service) Confirmation(ctx context.Context, tenantID string) (*Confirmation, error) {
	record, err := s.repo.Confirmation(ctx, tenantID)
	if err != nil {
		if errors.Is(err, persistence.ErrConfirmationNotFound) {
			return nil, nil
		}
		return nil, translateError(err)
	}

	planType := ""
	if plan, err := s.repo.Get(ctx, record.PlanID); err == nil {
		planType = plan.PlanType
	}
	confirmation := mapConfirmation(record, planType)
	return &confirmation, nil
}

func (s *service) Seed(ctx context.Context, r io.Reader) ([]Plan, error) {
	plans, err := ParseCatalog(r)
	if err != nil {
		return nil, err
	}

	out := make([]Plan, 0, len(plans))
	for _, plan := range plans {
		record, err := s.repo.Upsert(ctx, toRecord(plan))
		if err != nil {
			return out, fmt.Errorf("seed plan %s: %w", plan.ID, translateError(err))
		}
		out = append(out, mapPlan(record))
	}
	return out, nil
}

func toRecord(plan Plan) persistence.PlanRecord {
	prices := make([]persistence.PlanPrice, 0, len(plan.Prices))
	for _, p := range plan.Prices {
		prices = append(prices, persistence.PlanPrice{BillingPeriod: string(p.BillingPeriod), AmountCents: p.AmountCents})
	}
	return persistence.PlanRecord{
		PlanID:      plan.ID,
		PlanType:    plan.Type,
		Name:        plan.Name,
		Description: plan.Description,
		Currency:    plan.Currency,
		Prices:      prices,
		SortOrder:   plan.SortOrder,
		IsActive:    plan.Active,
	}
}

func mapPlan(record persistence.PlanRecord) Plan {
	prices := make([]Price, 0, len(record.Prices))
	for _, p := range record.Prices {
		prices = append(prices, Price{BillingPeriod: BillingPeriod(p.BillingPeriod), AmountCents: p.AmountCents})
	}
	return Plan{
		ID:          record.PlanID,
		Type:        record.PlanType,
		Name:        record.Name,
		Description: record.Description,
		Currency:    record.Currency,
		Prices:      prices,
		SortOrder:   record.SortOrder,
		Active:      record.IsActive,
	}
}

func mapConfirmation(record persistence.PlanConfirmation, planType string) Confirmation {
	return Confirmation{
		TenantID:  record.TenantID,
		AccountID: record.AccountID,
		Selection: Selection{
			PlanID:        record.PlanID,
			Type:          planType,
			BillingPeriod: BillingPeriod(record.BillingPeriod),
			PriceCents:    record.PriceCents,
			Currency:      record.Currency,
		},
		ConfirmedAt: record.ConfirmedAt,
	}
}

func translateError(err error) error {
	switch {
	case errors.Is(err, persistence.ErrPlanNotFound):
		return ErrPlanNotFound
	default:
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
}

func (f FieldErrors) add(field, message string) {
	if f == nil {
		return
	}
	f[field] = append(f[field], message)
}
