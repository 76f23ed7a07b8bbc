package repo

import (
	"context"

	"github.com/google/uuid"

	"github.com/zenGate-Global/palmyra-farmops/platform/go/persistence"
)

// Repository defines the persistence operations required by the identity service.
// Every query runs through the trusted pool: existence checks never depend on the caller.
type Repository interface {
	Create(ctx context.Context, params persistence.CreateAccountParams) (persistence.Account, error)
	HasRole(ctx context.Context, role string, tenantID *string) (bool, error)
	FirstWithRole(ctx context.Context, role string, tenantID string) (persistence.Account, error)
	AssignRole(ctx context.Context, accountID uuid.UUID, role string, tenantID *string, grantedBy *string) error
	Roles(ctx context.Context, accountID uuid.UUID) ([]string, error)
	Get(ctx context.Context, id uuid.UUID) (persistence.Account, error)
	GetByExternalID(ctx context.Context, externalID string) (persistence.Account, error)
}

type postgresRepository struct {
	store *persistence.AccountStore
}

// NewPostgresRepository constructs a repository backed by the shared persistence layer.
func NewPostgresRepository(store *persistence.AccountStore) Repository {
	if store == nil {
		panic("account store is required")
	}
	return &postgresRepository{store: store}
}

func (r *postgresRepository) Create(ctx context.Context, params persistence.CreateAccountParams) (persistence.Account, error) {
	return r.store.CreateAccount(ctx, params)
}

func (r *postgresRepository) HasRole(ctx context.Context, role string, tenantID *string) (bool, error) {
	return r.store.HasRole(ctx, role, tenantID)
}

func (r *postgresRepository) FirstWithRole(ctx context.Context, role string, tenantID string) (persistence.Account, error) {
	return r.store.FirstAccountWithRole(ctx, role, tenantID)
}

func (r *postgresRepository) AssignRole(ctx context.Context, accountID uuid.UUID, role string, tenantID *string, grantedBy *string) error {
	return r.store.AssignRole(ctx, accountID, role, tenantID, grantedBy)
}

func (r *postgresRepository) Roles(ctx context.Context, accountID uuid.UUID) ([]string, error) {
	return r.store.ListRoles(ctx, accountID)
}

func (r *postgresRepository) Get(ctx context.Context, id uuid.UUID) (persistence.Account, error) {
	return r.store.GetAccount(ctx, id)
}

func (r *postgresRepository) GetByExternalID(ctx context.Context, externalID string) (persistence.Account, error) {
	return r.store.GetAccountByExternalID(ctx, externalID)
}
