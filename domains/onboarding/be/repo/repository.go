package repo

import (
	"context"
	"errors"
	"time"
)

// ErrSnapshotNotFound is returned when no snapshot is stored for a session.
var ErrSnapshotNotFound = errors.New("session snapshot not found")

// PlanSelection mirrors the pending plan held by a session.
type PlanSelection struct {
	PlanID        string `json:"planId"`
	Type          string `json:"type"`
	BillingPeriod string `json:"billingPeriod"`
	PriceCents    int64  `json:"priceCents"`
	Currency      string `json:"currency"`
}

// Target mirrors the verification target held by a session.
type Target struct {
	Channel string `json:"channel"`
	Address string `json:"address"`
}

// Snapshot is the resumable part of a bootstrap session. Authoritative facts
// are never stored here; they are re-read on every check.
type Snapshot struct {
	SessionID        string         `json:"sessionId"`
	IntroductionSeen bool           `json:"introductionSeen"`
	PendingPlan      *PlanSelection `json:"pendingPlan,omitempty"`
	Target           *Target        `json:"target,omitempty"`
	AttemptID        string         `json:"attemptId,omitempty"`
	// ActingAccountID is the super admin this session created, if any.
	ActingAccountID string    `json:"actingAccountId,omitempty"`
	AccountID       string    `json:"accountId,omitempty"`
	TenantID        string    `json:"tenantId,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Repository stores session snapshots with an idle TTL.
type Repository interface {
	Load(ctx context.Context, sessionID string) (Snapshot, error)
	Save(ctx context.Context, snapshot Snapshot) error
	Delete(ctx context.Context, sessionID string) error
}
