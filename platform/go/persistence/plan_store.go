package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	PlansTable             = "plans"
	PlanConfirmationsTable = "plan_confirmations"
)

var (
	// ErrPlanNotFound indicates a missing or inactive plan.
	ErrPlanNotFound = errors.New("plan not found")
	// ErrConfirmationNotFound indicates the tenant has not confirmed a plan yet.
	ErrConfirmationNotFound = errors.New("plan confirmation not found")
)

// PlanPrice is one billing-period price of a plan, stored inside the prices JSONB column.
type PlanPrice struct {
	BillingPeriod string `json:"billingPeriod"`
	AmountCents   int64  `json:"amountCents"`
}

// PlanRecord represents a row in the plans table.
type PlanRecord struct {
	PlanID      string      `db:"plan_id"`
	PlanType    string      `db:"plan_type"`
	Name        string      `db:"name"`
	Description string      `db:"description"`
	Currency    string      `db:"currency"`
	Prices      []PlanPrice `db:"prices"`
	SortOrder   int         `db:"sort_order"`
	IsActive    bool        `db:"is_active"`
	CreatedAt   time.Time   `db:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at"`
}

// PlanConfirmation represents the plan recorded for a tenant.
type PlanConfirmation struct {
	TenantID      string    `db:"tenant_id"`
	AccountID     uuid.UUID `db:"account_id"`
	PlanID        string    `db:"plan_id"`
	BillingPeriod string    `db:"billing_period"`
	PriceCents    int64     `db:"price_cents"`
	Currency      string    `db:"currency"`
	ConfirmedAt   time.Time `db:"confirmed_at"`
}

// PlanStore provides access to the plan catalog and plan confirmations.
type PlanStore struct {
	pool *pgxpool.Pool
}

// NewPlanStore creates a store; assumes ApplyOnboardingSchema already ran.
func NewPlanStore(ctx context.Context, pool *pgxpool.Pool) (*PlanStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &PlanStore{pool: pool}, nil
}

// ListPlans returns the catalog ordered for display.
func (s *PlanStore) ListPlans(ctx context.Context, activeOnly bool) ([]PlanRecord, error) {
	where := ""
	if activeOnly {
		where = "WHERE is_active = TRUE"
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
        SELECT plan_id, plan_type, name, description, currency, prices, sort_order, is_active, created_at, updated_at
        FROM %s %s
        ORDER BY sort_order ASC, plan_id ASC
    `, PlansTable, where))
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	plans := make([]PlanRecord, 0)
	for rows.Next() {
		plan, scanErr := scanPlan(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan plan: %w", scanErr)
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}
	return plans, nil
}

// GetPlan returns a plan by id regardless of its active flag.
func (s *PlanStore) GetPlan(ctx context.Context, planID string) (PlanRecord, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        SELECT plan_id, plan_type, name, description, currency, prices, sort_order, is_active, created_at, updated_at
        FROM %s WHERE plan_id = $1
    `, PlansTable), strings.ToLower(strings.TrimSpace(planID)))

	plan, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PlanRecord{}, ErrPlanNotFound
		}
		return PlanRecord{}, err
	}
	return plan, nil
}

// UpsertPlan inserts or replaces a catalog entry; used by the seeding CLI.
func (s *PlanStore) UpsertPlan(ctx context.Context, plan PlanRecord) (PlanRecord, error) {
	id, err := NormalizePlanID(plan.PlanID)
	if err != nil {
		return PlanRecord{}, err
	}
	plan.PlanID = id

	prices, err := json.Marshal(plan.Prices)
	if err != nil {
		return PlanRecord{}, fmt.Errorf("encode prices: %w", err)
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        INSERT INTO %s (plan_id, plan_type, name, description, currency, prices, sort_order, is_active)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (plan_id) DO UPDATE SET
            plan_type = EXCLUDED.plan_type,
            name = EXCLUDED.name,
            description = EXCLUDED.description,
            currency = EXCLUDED.currency,
            prices = EXCLUDED.prices,
            sort_order = EXCLUDED.sort_order,
            is_active = EXCLUDED.is_active,
            updated_at = NOW()
        RETURNING plan_id, plan_type, name, description, currency, prices, sort_order, is_active, created_at, updated_at
    `, PlansTable),
		plan.PlanID, plan.PlanType, plan.Name, plan.Description, plan.Currency, prices, plan.SortOrder, plan.IsActive,
	)
	out, err := scanPlan(row)
	if err != nil {
		return PlanRecord{}, fmt.Errorf("upsert plan: %w", err)
	}
	return out, nil
}

// ConfirmPlan records the plan chosen for a tenant, replacing any earlier choice.
func (s *PlanStore) ConfirmPlan(ctx context.Context, c PlanConfirmation) (PlanConfirmation, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        INSERT INTO %s (tenant_id, account_id, plan_id, billing_period, price_cents, currency)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (tenant_id) DO UPDATE SET
            account_id = EXCLUDED.account_id,
            plan_id = EXCLUDED.plan_id,
            billing_period = EXCLUDED.billing_period,
            price_cents = EXCLUDED.price_cents,
            currency = EXCLUDED.currency,
            confirmed_at = NOW()
        RETURNING tenant_id, account_id, plan_id, billing_period, price_cents, currency, confirmed_at
    `, PlanConfirmationsTable),
		c.TenantID, c.AccountID, c.PlanID, c.BillingPeriod, c.PriceCents, c.Currency,
	)

	var out PlanConfirmation
	if err := row.Scan(&out.TenantID, &out.AccountID, &out.PlanID, &out.BillingPeriod, &out.PriceCents, &out.Currency, &out.ConfirmedAt); err != nil {
		return PlanConfirmation{}, fmt.Errorf("confirm plan: %w", err)
	}
	return out, nil
}

// GetConfirmation returns the plan recorded for the tenant.
func (s *PlanStore) GetConfirmation(ctx context.Context, tenantID string) (PlanConfirmation, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        SELECT tenant_id, account_id, plan_id, billing_period, price_cents, currency, confirmed_at
        FROM %s WHERE tenant_id = $1
    `, PlanConfirmationsTable), tenantID)

	var out PlanConfirmation
	if err := row.Scan(&out.TenantID, &out.AccountID, &out.PlanID, &out.BillingPeriod, &out.PriceCents, &out.Currency, &out.ConfirmedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PlanConfirmation{}, ErrConfirmationNotFound
		}
		return PlanConfirmation{}, err
	}
	return out, nil
}

func scanPlan(row pgx.Row) (PlanRecord, error) {
	var (
		plan   PlanRecord
		prices []byte
	)
	if err := row.Scan(
		&plan.PlanID,
		&plan.PlanType,
		&plan.Name,
		&plan.Description,
		&plan.Currency,
		&prices,
		&plan.SortOrder,
		&plan.IsActive,
		&plan.CreatedAt,
		&plan.UpdatedAt,
	); err != nil {
		return PlanRecord{}, err
	}
	if err := json.Unmarshal(prices, &plan.Prices); err != nil {
		return PlanRecord{}, fmt.Errorf("decode prices for %s: %w", plan.PlanID, err)
	}
	return plan, nil
}
