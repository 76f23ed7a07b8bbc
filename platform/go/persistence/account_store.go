package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	AccountsTable     = "accounts"
	AccountRolesTable = "account_roles"

	// RoleSuperAdmin is the platform-wide role guarded by the single-row index.
	RoleSuperAdmin = "super_admin"

	superAdminIndex = "account_roles_single_super_admin"
	// superAdminLockKey serialises super-admin creation across API replicas.
	superAdminLockKey int64 = 0x6661726d6f7073
)

// Account represents a row in the accounts table.
type Account struct {
	AccountID  uuid.UUID `db:"account_id"`
	ExternalID string    `db:"external_id"`
	TenantID   *string   `db:"tenant_id"`
	Email      string    `db:"email"`
	Phone      *string   `db:"phone"`
	FullName   string    `db:"full_name"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

var (
	// ErrAccountNotFound indicates a missing account record.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountConflict indicates a uniqueness violation on email or external id.
	ErrAccountConflict = errors.New("account conflict")
	// ErrSuperAdminExists is returned when a second super administrator would be created.
	ErrSuperAdminExists = errors.New("super admin already exists")
)

// AccountStore exposes persistence helpers for accounts and their roles.
// Queries run through the trusted admin pool; callers never filter rows client-side.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore returns a store; assumes ApplyOnboardingSchema already ran.
func NewAccountStore(ctx context.Context, pool *pgxpool.Pool) (*AccountStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &AccountStore{pool: pool}, nil
}

// CreateAccountParams captures the fields required to insert an account with its initial role.
type CreateAccountParams struct {
	AccountID  uuid.UUID
	ExternalID string
	TenantID   *string
	Email      string
	Phone      *string
	FullName   string
	Role       string
	GrantedBy  *string
}

// CreateAccount inserts the account and its initial role in one transaction.
// Creating a super admin takes a transaction-scoped advisory lock and re-checks
// existence under it; the partial unique index is the last line of enforcement.
func (s *AccountStore) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	if params.AccountID == uuid.Nil {
		return Account{}, errors.New("account id is required")
	}
	if strings.TrimSpace(params.ExternalID) == "" {
		return Account{}, errors.New("external id is required")
	}
	if strings.TrimSpace(params.Role) == "" {
		return Account{}, errors.New("role is required")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Account{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if params.Role == RoleSuperAdmin {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, superAdminLockKey); err != nil {
			return Account{}, fmt.Errorf("lock super admin creation: %w", err)
		}

		var exists bool
		if err := tx.QueryRow(ctx, fmt.Sprintf(
			`SELECT EXISTS (SELECT 1 FROM %s WHERE role = $1)`, AccountRolesTable,
		), RoleSuperAdmin).Scan(&exists); err != nil {
			return Account{}, fmt.Errorf("check super admin: %w", err)
		}
		if exists {
			return Account{}, ErrSuperAdminExists
		}
	}

	row := tx.QueryRow(ctx, fmt.Sprintf(`
        INSERT INTO %s (account_id, external_id, tenant_id, email, phone, full_name)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING account_id, external_id, tenant_id, email, phone, full_name, created_at, updated_at
    `, AccountsTable),
		params.AccountID,
		strings.TrimSpace(params.ExternalID),
		params.TenantID,
		strings.ToLower(strings.TrimSpace(params.Email)),
		params.Phone,
		strings.TrimSpace(params.FullName),
	)

	account, err := scanAccount(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Account{}, ErrAccountConflict
		}
		return Account{}, fmt.Errorf("insert account: %w", err)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`
        INSERT INTO %s (account_id, role, tenant_id, granted_by)
        VALUES ($1, $2, $3, $4)
    `, AccountRolesTable), account.AccountID, params.Role, params.TenantID, params.GrantedBy); err != nil {
		if isUniqueViolation(err) && violatedConstraint(err) == superAdminIndex {
			return Account{}, ErrSuperAdminExists
		}
		return Account{}, fmt.Errorf("insert role: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Account{}, fmt.Errorf("commit account: %w", err)
	}

	return account, nil
}

// HasRole reports whether any account holds the role. A nil tenant matches every tenant.
func (s *AccountStore) HasRole(ctx context.Context, role string, tenantID *string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE role = $1)`, AccountRolesTable)
	args := []any{role}
	if tenantID != nil {
		query = fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE role = $1 AND tenant_id = $2)`, AccountRolesTable)
		args = append(args, *tenantID)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("check role %s: %w", role, err)
	}
	return exists, nil
}

// FirstAccountWithRole returns the earliest account granted the role inside the tenant.
func (s *AccountStore) FirstAccountWithRole(ctx context.Context, role string, tenantID string) (Account, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        SELECT a.account_id, a.external_id, a.tenant_id, a.email, a.phone, a.full_name, a.created_at, a.updated_at
        FROM %s a
        JOIN %s r ON r.account_id = a.account_id
        WHERE r.role = $1 AND r.tenant_id = $2
        ORDER BY r.granted_at ASC
        LIMIT 1
    `, AccountsTable, AccountRolesTable), role, tenantID)

	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	return account, nil
}

// AssignRole grants a role; granting an already-held role is a no-op.
func (s *AccountStore) AssignRole(ctx context.Context, accountID uuid.UUID, role string, tenantID *string, grantedBy *string) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
        INSERT INTO %s (account_id, role, tenant_id, granted_by)
        SELECT account_id, $2, $3, $4 FROM %s WHERE account_id = $1
        ON CONFLICT (account_id, role) DO NOTHING
    `, AccountRolesTable, AccountsTable), accountID, role, tenantID, grantedBy)
	if err != nil {
		if isUniqueViolation(err) && violatedConstraint(err) == superAdminIndex {
			return ErrSuperAdminExists
		}
		return fmt.Errorf("assign role: %w", err)
	}

	if tag.RowsAffected() == 0 {
		if _, err := s.GetAccount(ctx, accountID); err != nil {
			return err
		}
	}
	return nil
}

// ListRoles returns the roles held by the account, sorted by name.
func (s *AccountStore) ListRoles(ctx context.Context, accountID uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT role FROM %s WHERE account_id = $1 ORDER BY role`, AccountRolesTable,
	), accountID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	roles := make([]string, 0)
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return roles, nil
}

// GetAccount returns a single account by identifier.
func (s *AccountStore) GetAccount(ctx context.Context, id uuid.UUID) (Account, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        SELECT account_id, external_id, tenant_id, email, phone, full_name, created_at, updated_at
        FROM %s WHERE account_id = $1
    `, AccountsTable), id)

	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	return account, nil
}

// GetAccountByExternalID resolves the account linked to an identity-provider uid.
func (s *AccountStore) GetAccountByExternalID(ctx context.Context, externalID string) (Account, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
        SELECT account_id, external_id, tenant_id, email, phone, full_name, created_at, updated_at
        FROM %s WHERE external_id = $1
    `, AccountsTable), strings.TrimSpace(externalID))

	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	return account, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var account Account
	if err := row.Scan(
		&account.AccountID,
		&account.ExternalID,
		&account.TenantID,
		&account.Email,
		&account.Phone,
		&account.FullName,
		&account.CreatedAt,
		&account.UpdatedAt,
	); err != nil {
		return Account{}, err
	}
	return account, nil
}
