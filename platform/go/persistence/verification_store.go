package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const VerificationAttemptsTable = "verification_attempts"

var (
	// ErrAttemptNotFound indicates a missing verification attempt.
	ErrAttemptNotFound = errors.New("verification attempt not found")
	// ErrAttemptClosed indicates the attempt was already consumed or superseded.
	ErrAttemptClosed = errors.New("verification attempt closed")
)

// VerificationAttempt represents a row in the verification_attempts table.
type VerificationAttempt struct {
	AttemptID         uuid.UUID  `db:"attempt_id"`
	Channel           string     `db:"channel"`
	Address           string     `db:"address"`
	CodeHash          string     `db:"code_hash"`
	IssuedAt          time.Time  `db:"issued_at"`
	ExpiresAt         time.Time  `db:"expires_at"`
	AttemptsRemaining int        `db:"attempts_remaining"`
	ConsumedAt        *time.Time `db:"consumed_at"`
	SupersededAt      *time.Time `db:"superseded_at"`
}

// VerificationStore persists one-time-code attempts.
type VerificationStore struct {
	pool *pgxpool.Pool
}

// NewVerificationStore creates a store; assumes ApplyOnboardingSchema already ran.
func NewVerificationStore(ctx context.Context, pool *pgxpool.Pool) (*VerificationStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &VerificationStore{pool: pool}, nil
}

// Replace supersedes every live attempt for the same recipient and inserts the new one.
func (s *VerificationStore) Replace(ctx context.Context, attempt VerificationAttempt) (VerificationAttempt, error) {
	if attempt.AttemptID == uuid.Nil {
		return VerificationAttempt{}, errors.New("attempt id is required")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return VerificationAttempt{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf(`
        UPDATE %s SET superseded_at = $3
        WHERE channel = $1 AND address = $2 AND consumed_at IS NULL AND superseded_at IS NULL
    `, VerificationAttemptsTable), attempt.Channel, attempt.Address, attempt.IssuedAt); err != nil {
		return VerificationAttempt{}, fmt.Errorf("supersede attempts: %w", err)
	}

	row := tx.QueryRow(ctx, fmt.Sprintf(`
        INSERT INTO %s (attempt_id, channel, address, code_hash, issued_at, expires_at, attempts_remaining)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING attempt_id, channel, address, code_hash, issued_at, expires_at, attempts_remaining, consumed_at, superseded_at
    `, VerificationAttemptsTable),
		attempt.AttemptID, attempt.Channel, attempt.Address, attempt.CodeHash,
		attempt.IssuedAt, attempt.ExpiresAt, attempt.AttemptsRemaining,
	)

	out, err := scanAttempt(row)
	if err != nil {
		return VerificationAttempt{}, fmt.Errorf("insert attempt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return VerificationAttempt{}, fmt.Errorf("commit attempt: %w", err)
	}
	return out, nil
}

// GetAttempt returns an attempt by id, including closed ones.
func (s *VerificationStore) GetAttempt(ctx context.Context, id uuid.UUID) (VerificationAttempt, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        SELECT attempt_id, channel, address, code_hash, issued_at, expires_at, attempts_remaining, consumed_at, superseded_at
        FROM %s WHERE attempt_id = $1
    `, VerificationAttemptsTable), id)

	out, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return VerificationAttempt{}, ErrAttemptNotFound
		}
		return VerificationAttempt{}, err
	}
	return out, nil
}

// LiveAttempt returns the unconsumed, unsuperseded attempt for the recipient.
func (s *VerificationStore) LiveAttempt(ctx context.Context, channel, address string) (VerificationAttempt, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        SELECT attempt_id, channel, address, code_hash, issued_at, expires_at, attempts_remaining, consumed_at, superseded_at
        FROM %s
        WHERE channel = $1 AND address = $2 AND consumed_at IS NULL AND superseded_at IS NULL
    `, VerificationAttemptsTable), channel, address)

	out, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return VerificationAttempt{}, ErrAttemptNotFound
		}
		return VerificationAttempt{}, err
	}
	return out, nil
}

// DecrementAttempts burns one try on a live attempt and returns the remaining count.
func (s *VerificationStore) DecrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	var remaining int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
        UPDATE %s SET attempts_remaining = GREATEST(attempts_remaining - 1, 0)
        WHERE attempt_id = $1 AND consumed_at IS NULL AND superseded_at IS NULL
        RETURNING attempts_remaining
    `, VerificationAttemptsTable), id).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAttemptClosed
		}
		return 0, fmt.Errorf("decrement attempts: %w", err)
	}
	return remaining, nil
}

// Consume marks the attempt used. Only one caller can win; the rest get ErrAttemptClosed.
func (s *VerificationStore) Consume(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
        UPDATE %s SET consumed_at = $2
        WHERE attempt_id = $1 AND consumed_at IS NULL AND superseded_at IS NULL AND attempts_remaining > 0
    `, VerificationAttemptsTable), id, at)
	if err != nil {
		return fmt.Errorf("consume attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAttemptClosed
	}
	return nil
}

// Supersede closes a live attempt without consuming it, e.g. when its code could not be delivered.
func (s *VerificationStore) Supersede(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
        UPDATE %s SET superseded_at = $2
        WHERE attempt_id = $1 AND consumed_at IS NULL AND superseded_at IS NULL
    `, VerificationAttemptsTable), id, at)
	if err != nil {
		return fmt.Errorf("supersede attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAttemptClosed
	}
	return nil
}

func scanAttempt(row pgx.Row) (VerificationAttempt, error) {
	var a VerificationAttempt
	if err := row.Scan(
		&a.AttemptID,
		&a.Channel,
		&a.Address,
		&a.CodeHash,
		&a.IssuedAt,
		&a.ExpiresAt,
		&a.AttemptsRemaining,
		&a.ConsumedAt,
		&a.SupersededAt,
	); err != nil {
		return VerificationAttempt{}, err
	}
	return a, nil
}
