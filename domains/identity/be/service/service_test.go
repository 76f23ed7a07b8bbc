package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zenGate-Global/palmyra-farmops/domains/identity/be/credentials"
	"github.com/zenGate-Global/palmyra-farmops/domains/identity/be/repo"
	platformauth "github.com/zenGate-Global/palmyra-farmops/platform/go/auth"
	"github.com/zenGate-Global/palmyra-farmops/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-farmops/platform/go/requesttrace"
	"github.com/zenGate-Global/palmyra-farmops/platform/go/tenant"
)

func newTestService(t *testing.T) (Service, repo.Repository, *credentials.DevProvider) {
	t.Helper()
	r := repo.NewMemoryRepository()
	p := credentials.NewDevProvider()
	return New(r, p, zaptest.NewLogger(t)), r, p
}

func validProfile(email string) (ProfileDraft, Credentials) {
	return ProfileDraft{FullName: "Ada Okafor", Email: email}, Credentials{Password: "correct-horse"}
}

func tenantCtx(ctx context.Context, id string) context.Context {
	return tenant.WithSpace(ctx, tenant.Space{TenantID: id})
}

func TestCreateSuperAdmin(t *testing.T) {
	ctx := requesttrace.IntoContext(context.Background(), requesttrace.AuditInfo{
		ActorKind: requesttrace.ActorKindAnonymous,
		SessionID: "sess-1",
	})
	svc, _, provider := newTestService(t)

	has, err := svc.HasSuperAdmin(ctx)
	require.NoError(t, err)
	require.False(t, has)

	profile, creds := validProfile(" Ada@Example.COM ")
	account, err := svc.CreateSuperAdmin(ctx, profile, creds)
	require.NoError(t, err)
	require.Equal(t, "ada@example.com", account.Email)
	require.Equal(t, []Role{RoleSuperAdmin}, account.Roles)
	require.Nil(t, account.TenantID)

	claims, ok := provider.ClaimsFor(account.ExternalID)
	require.True(t, ok)
	require.Equal(t, []string{"super_admin"}, claims.Roles)

	has, err = svc.HasSuperAdmin(ctx)
	require.NoError(t, err)
	require.True(t, has)

	second, secondCreds := validProfile("other@example.com")
	_, err = svc.CreateSuperAdmin(ctx, second, secondCreds)
	require.ErrorIs(t, err, ErrAlreadyExists)
	require.False(t, provider.Registered("other@example.com"))
}

func TestCreateSuperAdminValidation(t *testing.T) {
	svc, _, provider := newTestService(t)
	phone := "12"

	_, err := svc.CreateSuperAdmin(context.Background(), ProfileDraft{Email: "not-an-email", Phone: &phone}, Credentials{Password: "short"})

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	require.Contains(t, vErr.Fields, "fullName")
	require.Contains(t, vErr.Fields, "email")
	require.Contains(t, vErr.Fields, "phone")
	require.Contains(t, vErr.Fields, "password")
	require.False(t, provider.Registered("not-an-email"))
}

func TestCreateSuperAdminConcurrentCallsCreateOne(t *testing.T) {
	svc, _, _ := newTestService(t)

	const racers = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		exists  int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			profile, creds := validProfile(uuid.NewString() + "@example.com")
			_, err := svc.CreateSuperAdmin(context.Background(), profile, creds)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrAlreadyExists):
				exists++
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, created)
	require.Equal(t, racers-1, exists)
}

func TestCreateSuperAdminCompensatesCredentialOnRace(t *testing.T) {
	provider := credentials.NewDevProvider()
	mock := &mockRepository{
		hasRoleFn: func(context.Context, string, *string) (bool, error) { return false, nil },
		createFn: func(context.Context, persistence.CreateAccountParams) (persistence.Account, error) {
			return persistence.Account{}, persistence.ErrSuperAdminExists
		},
	}
	svc := New(mock, provider, zaptest.NewLogger(t))

	profile, creds := validProfile("late@example.com")
	_, err := svc.CreateSuperAdmin(context.Background(), profile, creds)
	require.ErrorIs(t, err, ErrAlreadyExists)
	require.False(t, provider.Registered("late@example.com"))
}

func TestCreateSuperAdminEmailTaken(t *testing.T) {
	svc, _, provider := newTestService(t)
	_, err := provider.Create(context.Background(), credentials.Input{Email: "taken@example.com", Password: "whatever1"})
	require.NoError(t, err)

	profile, creds := validProfile("taken@example.com")
	_, err = svc.CreateSuperAdmin(context.Background(), profile, creds)
	require.ErrorIs(t, err, ErrConflict)
}

func TestCreateTenantAdminWithActingSuperAdmin(t *testing.T) {
	svc, _, provider := newTestService(t)
	ctx := context.Background()

	profile, creds := validProfile("root@example.com")
	root, err := svc.CreateSuperAdmin(ctx, profile, creds)
	require.NoError(t, err)

	actingCtx := tenantCtx(WithActingAccount(ctx, root.ID), "green-acres")
	adminProfile, adminCreds := validProfile("farm@example.com")
	admin, err := svc.CreateTenantAdmin(actingCtx, adminProfile, adminCreds, RoleAdmin)
	require.NoError(t, err)
	require.NotNil(t, admin.TenantID)
	require.Equal(t, "green-acres", *admin.TenantID)

	claims, ok := provider.ClaimsFor(admin.ExternalID)
	require.True(t, ok)
	require.Equal(t, []string{"admin"}, claims.Roles)
	require.Equal(t, "green-acres", *claims.TenantID)

	has, err := svc.HasTenantAdmin(ctx, "green-acres")
	require.NoError(t, err)
	require.True(t, has)

	first, err := svc.TenantAdmin(ctx, "green-acres")
	require.NoError(t, err)
	require.Equal(t, admin.ID, first.ID)

	has, err = svc.HasTenantAdmin(ctx, "other-farm")
	require.NoError(t, err)
	require.False(t, has)
}

func TestCreateTenantAdminScope(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	profile, creds := validProfile("root@example.com")
	root, err := svc.CreateSuperAdmin(ctx, profile, creds)
	require.NoError(t, err)

	adminCtx := tenantCtx(WithActingAccount(ctx, root.ID), "green-acres")
	adminProfile, adminCreds := validProfile("farm@example.com")
	admin, err := svc.CreateTenantAdmin(adminCtx, adminProfile, adminCreds, RoleAdmin)
	require.NoError(t, err)

	t.Run("anonymous caller", func(t *testing.T) {
		p, c := validProfile("anon@example.com")
		_, err := svc.CreateTenantAdmin(tenantCtx(ctx, "green-acres"), p, c, RoleAdmin)
		require.ErrorIs(t, err, ErrInsufficientScope)
	})

	t.Run("admin cannot create admin", func(t *testing.T) {
		p, c := validProfile("second-admin@example.com")
		_, err := svc.CreateTenantAdmin(tenantCtx(WithActingAccount(ctx, admin.ID), "green-acres"), p, c, RoleAdmin)
		require.ErrorIs(t, err, ErrInsufficientScope)
	})

	t.Run("admin creates staff", func(t *testing.T) {
		p, c := validProfile("hand@example.com")
		staff, err := svc.CreateTenantAdmin(tenantCtx(WithActingAccount(ctx, admin.ID), "green-acres"), p, c, RoleStaff)
		require.NoError(t, err)
		require.Equal(t, []Role{RoleStaff}, staff.Roles)
	})

	t.Run("signed-in super admin", func(t *testing.T) {
		signed := platformauth.WithUser(ctx, &platformauth.UserCredentials{Id: root.ExternalID, Email: root.Email})
		p, c := validProfile("north@example.com")
		_, err := svc.CreateTenantAdmin(tenantCtx(signed, "north-field"), p, c, RoleAdmin)
		require.NoError(t, err)
	})

	t.Run("tenant required", func(t *testing.T) {
		p, c := validProfile("nowhere@example.com")
		_, err := svc.CreateTenantAdmin(WithActingAccount(ctx, root.ID), p, c, RoleAdmin)
		require.ErrorIs(t, err, ErrTenantRequired)
	})

	t.Run("super admin role is not grantable", func(t *testing.T) {
		p, c := validProfile("nope@example.com")
		_, err := svc.CreateTenantAdmin(adminCtx, p, c, RoleSuperAdmin)
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
		require.Contains(t, vErr.Fields, "role")
	})
}

func TestAssignRole(t *testing.T) {
	svc, r, provider := newTestService(t)
	ctx := context.Background()

	profile, creds := validProfile("root@example.com")
	root, err := svc.CreateSuperAdmin(ctx, profile, creds)
	require.NoError(t, err)

	acting := tenantCtx(WithActingAccount(ctx, root.ID), "green-acres")
	staffProfile, staffCreds := validProfile("hand@example.com")
	staff, err := svc.CreateTenantAdmin(acting, staffProfile, staffCreds, RoleStaff)
	require.NoError(t, err)

	require.NoError(t, svc.AssignRole(acting, staff.ID, RoleAdmin))
	require.NoError(t, svc.AssignRole(acting, staff.ID, RoleAdmin))

	roles, err := r.Roles(ctx, staff.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"admin", "staff"}, roles)

	claims, ok := provider.ClaimsFor(staff.ExternalID)
	require.True(t, ok)
	require.ElementsMatch(t, []string{"admin", "staff"}, claims.Roles)

	require.ErrorIs(t, svc.AssignRole(acting, staff.ID, RoleSuperAdmin), ErrInsufficientScope)
	require.ErrorIs(t, svc.AssignRole(acting, uuid.New(), RoleStaff), ErrNotFound)
	require.ErrorIs(t, svc.AssignRole(ctx, staff.ID, RoleStaff), ErrInsufficientScope)
}

func TestCurrentSession(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.CurrentSession(ctx)
	require.NoError(t, err)
	require.Nil(t, session)

	stranger := platformauth.WithUser(ctx, &platformauth.UserCredentials{Id: "ext-unknown", Email: "x@example.com"})
	session, err = svc.CurrentSession(stranger)
	require.NoError(t, err)
	require.NotNil(t, session)
	require.Equal(t, uuid.Nil, session.AccountID)
	require.Empty(t, session.Roles)

	profile, creds := validProfile("root@example.com")
	root, err := svc.CreateSuperAdmin(ctx, profile, creds)
	require.NoError(t, err)

	// Claims asserting extra roles are ignored; roles come from storage.
	signed := platformauth.WithUser(ctx, &platformauth.UserCredentials{Id: root.ExternalID, Email: root.Email, Roles: []string{"admin"}})
	session, err = svc.CurrentSession(signed)
	require.NoError(t, err)
	require.Equal(t, root.ID, session.AccountID)
	require.Equal(t, []Role{RoleSuperAdmin}, session.Roles)
}

func TestBackendFailureIsTransient(t *testing.T) {
	boom := errors.New("connection refused")
	mock := &mockRepository{
		hasRoleFn: func(context.Context, string, *string) (bool, error) { return false, boom },
	}
	svc := New(mock, credentials.NewDevProvider(), zaptest.NewLogger(t))

	_, err := svc.HasSuperAdmin(context.Background())
	require.ErrorIs(t, err, ErrTransient)
	require.ErrorIs(t, err, boom)
}

type mockRepository struct {
	createFn          func(ctx context.Context, params persistence.CreateAccountParams) (persistence.Account, error)
	hasRoleFn         func(ctx context.Context, role string, tenantID *string) (bool, error)
	firstWithRoleFn   func(ctx context.Context, role string, tenantID string) (persistence.Account, error)
	assignRoleFn      func(ctx context.Context, accountID uuid.UUID, role string, tenantID *string, grantedBy *string) error
	rolesFn           func(ctx context.Context, accountID uuid.UUID) ([]string, error)
	getFn             func(ctx context.Context, id uuid.UUID) (persistence.Account, error)
	getByExternalIDFn func(ctx context.Context, externalID string) (persistence.Account, error)
}

func (m *mockRepository) Create(ctx context.Context, params persistence.CreateAccountParams) (persistence.Account, error) {
	if m.createFn == nil {
		panic("createFn not configured")
	}
	return m.createFn(ctx, params)
}

func (m *mockRepository) HasRole(ctx context.Context, role string, tenantID *string) (bool, error) {
	if m.hasRoleFn == nil {
		panic("hasRoleFn not configured")
	}
	return m.hasRoleFn(ctx, role, tenantID)
}

func (m *mockRepository) FirstWithRole(ctx context.Context, role string, tenantID string) (persistence.Account, error) {
	if m.firstWithRoleFn == nil {
		panic("firstWithRoleFn not configured")
	}
	return m.firstWithRoleFn(ctx, role, tenantID)
}

func (m *mockRepository) AssignRole(ctx context.Context, accountID uuid.UUID, role string, tenantID *string, grantedBy *string) error {
	if m.assignRoleFn == nil {
		panic("assignRoleFn not configured")
	}
	return m.assignRoleFn(ctx, accountID, role, tenantID, grantedBy)
}

func (m *mockRepository) Roles(ctx context.Context, accountID uuid.UUID) ([]string, error) {
	if m.rolesFn == nil {
		panic("rolesFn not configured")
	}
	return m.rolesFn(ctx, accountID)
}

func (m *mockRepository) Get(ctx context.Context, id uuid.UUID) (persistence.Account, error) {
	if m.getFn == nil {
		panic("getFn not configured")
	}
	return m.getFn(ctx, id)
}

func (m *mockRepository) GetByExternalID(ctx context.Context, externalID string) (persistence.Account, error) {
	if m.getByExternalIDFn == nil {
		panic("getByExternalIDFn not configured")
	}
	return m.getByExternalIDFn(ctx, externalID)
}
