package repo

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zenGate-Global/palmyra-farmops/platform/go/persistence"
)

type roleGrant struct {
	role     string
	tenantID *string
	order    int
}

type memoryRepository struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]persistence.Account
	roles    map[uuid.UUID][]roleGrant
	seq      int
}

// NewMemoryRepository returns an in-process repository enforcing the same
// uniqueness rules as Postgres (unique email/external id, single super admin).
func NewMemoryRepository() Repository {
	return &memoryRepository{
		accounts: make(map[uuid.UUID]persistence.Account),
		roles:    make(map[uuid.UUID][]roleGrant),
	}
}

func (r *memoryRepository) Create(_ context.Context, params persistence.CreateAccountParams) (persistence.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if params.Role == persistence.RoleSuperAdmin && r.hasRoleLocked(persistence.RoleSuperAdmin, nil) {
		return persistence.Account{}, persistence.ErrSuperAdminExists
	}

	email := strings.ToLower(strings.TrimSpace(params.Email))
	for _, existing := range r.accounts {
		if existing.Email == email || existing.ExternalID == params.ExternalID {
			return persistence.Account{}, persistence.ErrAccountConflict
		}
	}

	now := time.Now().UTC()
	account := persistence.Account{
		AccountID:  params.AccountID,
		ExternalID: params.ExternalID,
		TenantID:   params.TenantID,
		Email:      email,
		Phone:      params.Phone,
		FullName:   strings.TrimSpace(params.FullName),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.accounts[account.AccountID] = account
	r.roles[account.AccountID] = []roleGrant{{role: params.Role, tenantID: params.TenantID, order: r.next()}}
	return account, nil
}

func (r *memoryRepository) HasRole(_ context.Context, role string, tenantID *string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasRoleLocked(role, tenantID), nil
}

func (r *memoryRepository) FirstWithRole(_ context.Context, role string, tenantID string) (persistence.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		found      persistence.Account
		foundOrder int
		ok         bool
	)
	for id, grants := range r.roles {
		for _, g := range grants {
			if g.role != role || g.tenantID == nil || *g.tenantID != tenantID {
				continue
			}
			if !ok || g.order < foundOrder {
				found, foundOrder, ok = r.accounts[id], g.order, true
			}
		}
	}
	if !ok {
		return persistence.Account{}, persistence.ErrAccountNotFound
	}
	return found, nil
}

func (r *memoryRepository) AssignRole(_ context.Context, accountID uuid.UUID, role string, tenantID *string, _ *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[accountID]; !ok {
		return persistence.ErrAccountNotFound
	}
	for _, g := range r.roles[accountID] {
		if g.role == role {
			return nil
		}
	}
	if role == persistence.RoleSuperAdmin && r.hasRoleLocked(role, nil) {
		return persistence.ErrSuperAdminExists
	}
	r.roles[accountID] = append(r.roles[accountID], roleGrant{role: role, tenantID: tenantID, order: r.next()})
	return nil
}

func (r *memoryRepository) Roles(_ context.Context, accountID uuid.UUID) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.roles[accountID]))
	for _, g := range r.roles[accountID] {
		out = append(out, g.role)
	}
	sort.Strings(out)
	return out, nil
}

func (r *memoryRepository) Get(_ context.Context, id uuid.UUID) (persistence.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.accounts[id]
	if !ok {
		return persistence.Account{}, persistence.ErrAccountNotFound
	}
	return account, nil
}

func (r *memoryRepository) GetByExternalID(_ context.Context, externalID string) (persistence.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, account := range r.accounts {
		if account.ExternalID == externalID {
			return account, nil
		}
	}
	return persistence.Account{}, persistence.ErrAccountNotFound
}

func (r *memoryRepository) hasRoleLocked(role string, tenantID *string) bool {
	for _, grants := range r.roles {
		for _, g := range grants {
			if g.role != role {
				continue
			}
			if tenantID == nil || (g.tenantID != nil && *g.tenantID == *tenantID) {
				return true
			}
		}
	}
	return false
}

// next orders grants the way granted_at does in Postgres.
func (r *memoryRepository) next() int {
	r.seq++
	return r.seq
}
