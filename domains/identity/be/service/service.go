package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-farmops/domains/identity/be/credentials"
	"github.com/zenGate-Global/palmyra-farmops/domains/identity/be/repo"
	platformauth "github.com/zenGate-Global/palmyra-farmops/platform/go/auth"
	"github.com/zenGate-Global/palmyra-farmops/platform/go/contact"
	platformlogging "github.com/zenGate-Global/palmyra-farmops/platform/go/logging"
	"github.com/zenGate-Global/palmyra-farmops/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-farmops/platform/go/requesttrace"
	"github.com/zenGate-Global/palmyra-farmops/platform/go/tenant"
)

// FieldErrors maps request fields to validation issues.
type FieldErrors map[string][]string

// ValidationError is returned when the input payload is invalid.
type ValidationError struct {
	Fields FieldErrors
}

func (v *ValidationError) Error() string {
	return "validation error"
}

// Domain sentinel errors.
var (
	ErrAlreadyExists     = errors.New("super admin already exists")
	ErrInsufficientScope = errors.New("caller may not grant the requested role")
	ErrConflict          = errors.New("account conflict")
	ErrNotFound          = errors.New("account not found")
	ErrTenantRequired    = errors.New("tenant required")
	ErrTransient         = errors.New("identity backend unavailable")
)

// Role is a platform role persisted in account_roles.
type Role string

const (
	RoleSuperAdmin Role = persistence.RoleSuperAdmin
	RoleAdmin      Role = "admin"
	RoleStaff      Role = "staff"
)

const minPasswordLength = 8

// grantable lists, per caller role, the roles it may hand out.
var grantable = map[Role][]Role{
	RoleSuperAdmin: {RoleAdmin, RoleStaff},
	RoleAdmin:      {RoleStaff},
}

// ProfileDraft holds the contact fields captured by the creation forms.
type ProfileDraft struct {
	FullName string
	Email    string
	Phone    *string
}

// Credentials carry the secret used to sign in later.
type Credentials struct {
	Password string
}

// Account represents the domain view of an account record.
type Account struct {
	ID         uuid.UUID
	ExternalID string
	TenantID   *string
	Email      string
	Phone      *string
	FullName   string
	Roles      []Role
	CreatedAt  time.Time
}

// Session describes the signed-in caller. AccountID is uuid.Nil when the
// token belongs to nobody known to this platform yet.
type Session struct {
	ExternalID string
	Email      string
	AccountID  uuid.UUID
	TenantID   *string
	Roles      []Role
}

// Service defines the business operations for the identity domain.
type Service interface {
	HasSuperAdmin(ctx context.Context) (bool, error)
	HasTenantAdmin(ctx context.Context, tenantID string) (bool, error)
	// TenantAdmin returns the first admin of the tenant.
	TenantAdmin(ctx context.Context, tenantID string) (Account, error)
	CreateSuperAdmin(ctx context.Context, profile ProfileDraft, creds Credentials) (Account, error)
	// CreateTenantAdmin creates an account in the tenant on the context and grants role.
	CreateTenantAdmin(ctx context.Context, profile ProfileDraft, creds Credentials, role Role) (Account, error)
	AssignRole(ctx context.Context, accountID uuid.UUID, role Role) error
	CurrentSession(ctx context.Context) (*Session, error)
}

type actingKey struct{}

// WithActingAccount marks ctx as acting on behalf of accountID. The onboarding
// session that created the super admin uses it to create the first tenant admin
// before anyone has signed in.
func WithActingAccount(ctx context.Context, accountID uuid.UUID) context.Context {
	return context.WithValue(ctx, actingKey{}, accountID)
}

func actingAccount(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(actingKey{}).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

type service struct {
	repo     repo.Repository
	provider credentials.Provider
	logger   *zap.Logger
}

// New constructs an identity Service backed by the repository and credential provider.
func New(r repo.Repository, provider credentials.Provider, logger *zap.Logger) Service {
	if r == nil {
		panic("identity repository is required")
	}
	if provider == nil {
		panic("credential provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &service{repo: r, provider: provider, logger: logger}
}

func (s *service) HasSuperAdmin(ctx context.Context) (bool, error) {
	ok, err := s.repo.HasRole(ctx, string(RoleSuperAdmin), nil)
	if err != nil {
		return false, mapPersistenceError(err)
	}
	return ok, nil
}

func (s *service) HasTenantAdmin(ctx context.Context, tenantID string) (bool, error) {
	id, err := tenant.NormalizeID(tenantID)
	if err != nil {
		return false, ErrTenantRequired
	}

	ok, err := s.repo.HasRole(ctx, string(RoleAdmin), &id)
	if err != nil {
		return false, mapPersistenceError(err)
	}
	return ok, nil
}

func (s *service) TenantAdmin(ctx context.Context, tenantID string) (Account, error) {
	id, err := tenant.NormalizeID(tenantID)
	if err != nil {
		return Account{}, ErrTenantRequired
	}

	record, err := s.repo.FirstWithRole(ctx, string(RoleAdmin), id)
	if err != nil {
		return Account{}, mapPersistenceError(err)
	}
	return s.loadAccount(ctx, record)
}

func (s *service) CreateSuperAdmin(ctx context.Context, profile ProfileDraft, creds Credentials) (Account, error) {
	normalized, err := validateProfile(profile, creds)
	if err != nil {
		return Account{}, err
	}

	exists, err := s.HasSuperAdmin(ctx)
	if err != nil {
		return Account{}, err
	}
	if exists {
		return Account{}, ErrAlreadyExists
	}

	audit := requesttrace.FromContextOrAnonymous(ctx)
	grantedBy := audit.Actor()

	account, err := s.provision(ctx, normalized, creds, RoleSuperAdmin, nil, &grantedBy)
	if err != nil {
		return Account{}, err
	}

	s.loggerFrom(ctx).Info("super admin created",
		zap.String("account_id", account.ID.String()),
		zap.String("granted_by", grantedBy),
	)
	return account, nil
}

func (s *service) CreateTenantAdmin(ctx context.Context, profile ProfileDraft, creds Credentials, role Role) (Account, error) {
	if role != RoleAdmin && role != RoleStaff {
		return Account{}, newValidationError(map[string]string{"role": "role must be admin or staff"})
	}

	actor, callerRoles, err := s.caller(ctx)
	if err != nil {
		return Account{}, err
	}
	if !mayGrant(callerRoles, role) {
		return Account{}, ErrInsufficientScope
	}

	space, ok := tenant.FromContext(ctx)
	if !ok || space.TenantID == "" {
		return Account{}, ErrTenantRequired
	}

	normalized, err := validateProfile(profile, creds)
	if err != nil {
		return Account{}, err
	}

	tenantID := space.TenantID
	account, err := s.provision(ctx, normalized, creds, role, &tenantID, &actor)
	if err != nil {
		return Account{}, err
	}

	s.loggerFrom(ctx).Info("tenant account created",
		zap.String("account_id", account.ID.String()),
		zap.String("tenant_id", tenantID),
		zap.String("role", string(role)),
		zap.String("granted_by", actor),
	)
	return account, nil
}

func (s *service) AssignRole(ctx context.Context, accountID uuid.UUID, role Role) error {
	if accountID == uuid.Nil {
		return ErrNotFound
	}

	actor, callerRoles, err := s.caller(ctx)
	if err != nil {
		return err
	}
	if !mayGrant(callerRoles, role) {
		return ErrInsufficientScope
	}

	target, err := s.repo.Get(ctx, accountID)
	if err != nil {
		return mapPersistenceError(err)
	}

	if err := s.repo.AssignRole(ctx, accountID, string(role), target.TenantID, &actor); err != nil {
		return mapPersistenceError(err)
	}

	roles, err := s.repo.Roles(ctx, accountID)
	if err != nil {
		return mapPersistenceError(err)
	}
	if err := s.provider.SetClaims(ctx, target.ExternalID, credentials.Claims{Roles: roles, TenantID: target.TenantID}); err != nil {
		// Claims only mirror account_roles; authority stays in Postgres.
		s.loggerFrom(ctx).Warn("mirror role claims", zap.String("account_id", accountID.String()), zap.Error(err))
	}
	return nil
}

func (s *service) CurrentSession(ctx context.Context) (*Session, error) {
	creds, ok := platformauth.UserFromContext(ctx)
	if !ok {
		return nil, nil
	}

	session := &Session{ExternalID: creds.Id, Email: creds.Email, TenantID: creds.TenantID}

	record, err := s.repo.GetByExternalID(ctx, creds.Id)
	switch {
	case errors.Is(err, persistence.ErrAccountNotFound):
		return session, nil
	case err != nil:
		return nil, mapPersistenceError(err)
	}

	account, err := s.loadAccount(ctx, record)
	if err != nil {
		return nil, err
	}
	session.AccountID = account.ID
	session.Roles = account.Roles
	if account.TenantID != nil {
		session.TenantID = account.TenantID
	}
	return session, nil
}

// caller resolves the roles the request may exercise, from the acting account
// and the signed-in account. Roles always come from Postgres, never from claims.
func (s *service) caller(ctx context.Context) (string, []Role, error) {
	var (
		actor string
		roles []Role
	)

	if id, ok := actingAccount(ctx); ok {
		held, err := s.repo.Roles(ctx, id)
		if err != nil {
			return "", nil, mapPersistenceError(err)
		}
		actor = "account:" + id.String()
		roles = append(roles, toRoles(held)...)
	}

	session, err := s.CurrentSession(ctx)
	if err != nil {
		return "", nil, err
	}
	if session != nil && session.AccountID != uuid.Nil {
		actor = "account:" + session.AccountID.String()
		roles = append(roles, session.Roles...)
	}

	if actor == "" {
		actor = requesttrace.FromContextOrAnonymous(ctx).Actor()
	}
	return actor, roles, nil
}

// provision creates the credential first, then the account row. If the row
// cannot be written the credential is deleted so a retry starts clean.
func (s *service) provision(ctx context.Context, profile ProfileDraft, creds Credentials, role Role, tenantID *string, grantedBy *string) (Account, error) {
	externalID, err := s.provider.Create(ctx, credentials.Input{
		Email:       profile.Email,
		Password:    creds.Password,
		DisplayName: profile.FullName,
		Phone:       profile.Phone,
	})
	if err != nil {
		if errors.Is(err, credentials.ErrEmailExists) {
			return Account{}, ErrConflict
		}
		return Account{}, fmt.Errorf("%w: %w", ErrTransient, err)
	}

	record, err := s.repo.Create(ctx, persistence.CreateAccountParams{
		AccountID:  uuid.New(),
		ExternalID: externalID,
		TenantID:   tenantID,
		Email:      profile.Email,
		Phone:      profile.Phone,
		FullName:   profile.FullName,
		Role:       string(role),
		GrantedBy:  grantedBy,
	})
	if err != nil {
		if delErr := s.provider.Delete(context.WithoutCancel(ctx), externalID); delErr != nil {
			s.loggerFrom(ctx).Error("orphaned credential", zap.String("external_id", externalID), zap.Error(delErr))
		}
		return Account{}, mapPersistenceError(err)
	}

	if err := s.provider.SetClaims(ctx, externalID, credentials.Claims{Roles: []string{string(role)}, TenantID: tenantID}); err != nil {
		s.loggerFrom(ctx).Warn("mirror role claims", zap.String("account_id", record.AccountID.String()), zap.Error(err))
	}

	account := mapAccount(record)
	account.Roles = []Role{role}
	return account, nil
}

func (s *service) loadAccount(ctx context.Context, record persistence.Account) (Account, error) {
	roles, err := s.repo.Roles(ctx, record.AccountID)
	if err != nil {
		return Account{}, mapPersistenceError(err)
	}
	account := mapAccount(record)
	account.Roles = toRoles(roles)
	return account, nil
}

func (s *service) loggerFrom(ctx context.Context) *zap.Logger {
	if logger, ok := platformlogging.FromContext(ctx); ok {
		return logger
	}
	return s.logger
}

func validateProfile(profile ProfileDraft, creds Credentials) (ProfileDraft, error) {
	fieldErrors := FieldErrors{}
	out := ProfileDraft{}

	out.FullName = strings.TrimSpace(profile.FullName)
	if out.FullName == "" {
		fieldErrors.add("fullName", "fullName is required")
	}

	email, err := contact.NormalizeEmail(profile.Email)
	if err != nil {
		fieldErrors.add("email", err.Error())
	}
	out.Email = email

	if profile.Phone != nil && strings.TrimSpace(*profile.Phone) != "" {
		phone, err := contact.NormalizePhone(*profile.Phone)
		if err != nil {
			fieldErrors.add("phone", err.Error())
		} else {
			out.Phone = &phone
		}
	}

	if utf8.RuneCountInString(creds.Password) < minPasswordLength {
		fieldErrors.add("password", fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}

	if len(fieldErrors) > 0 {
		return ProfileDraft{}, &ValidationError{Fields: fieldErrors}
	}
	return out, nil
}

func mayGrant(callerRoles []Role, role Role) bool {
	for _, held := range callerRoles {
		for _, allowed := range grantable[held] {
			if allowed == role {
				return true
			}
		}
	}
	return false
}

func toRoles(values []string) []Role {
	out := make([]Role, 0, len(values))
	for _, v := range values {
		out = append(out, Role(v))
	}
	return out
}

func mapAccount(record persistence.Account) Account {
	return Account{
		ID:         record.AccountID,
		ExternalID: record.ExternalID,
		TenantID:   record.TenantID,
		Email:      record.Email,
		Phone:      record.Phone,
		FullName:   record.FullName,
		CreatedAt:  record.CreatedAt,
	}
}

func mapPersistenceError(err error) error {
	switch {
	case errors.Is(err, persistence.ErrSuperAdminExists):
		return ErrAlreadyExists
	case errors.Is(err, persistence.ErrAccountConflict):
		return ErrConflict
	case errors.Is(err, persistence.ErrAccountNotFound):
		return ErrNotFound
	default:
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
}

func newValidationError(fields map[string]string) error {
	fe := FieldErrors{}
	for key, message := range fields {
		fe.add(key, message)
	}
	return &ValidationError{Fields: fe}
}

func (f FieldErrors) add(field, message string) {
	if f == nil {
		return
	}
	f[field] = append(f[field], message)
}
