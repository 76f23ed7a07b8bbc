package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	identityservice "github.com/zenGate-Global/palmyra-farmops/domains/identity/be/service"
	"github.com/zenGate-Global/palmyra-farmops/domains/onboarding/be/machine"
	"github.com/zenGate-Global/palmyra-farmops/domains/onboarding/be/repo"
	plansservice "github.com/zenGate-Global/palmyra-farmops/domains/plans/be/service"
	verificationservice "github.com/zenGate-Global/palmyra-farmops/domains/verification/be/service"
	platformlogging "github.com/zenGate-Global/palmyra-farmops/platform/go/logging"
	"github.com/zenGate-Global/palmyra-farmops/platform/go/tenant"
)

// FieldErrors maps request fields to validation issues.
type FieldErrors map[string][]string

// ValidationError is returned when a form fails local validation.
type ValidationError struct {
	Fields FieldErrors
}

func (v *ValidationError) Error() string {
	return "validation error"
}

// Domain sentinel errors. Collaborator errors (identity, plans, verification)
// are returned unchanged so callers can match them with errors.Is.
var (
	ErrSessionRequired = errors.New("session id required")
	ErrStepMismatch    = errors.New("action not available in the current step")
	ErrNoAttempt       = errors.New("no verification attempt for this session")
	ErrClosed          = errors.New("onboarding service closed")
)

// SuperAdminForm is submitted from the super admin step.
type SuperAdminForm struct {
	FullName string
	Email    string
	Phone    *string
	Password string
}

// TenantAdminForm is submitted from the tenant admin step. An empty TenantID
// falls back to the tenant resolved for the request.
type TenantAdminForm struct {
	TenantID string
	FullName string
	Email    string
	Phone    *string
	Password string
}

// PlanForm is submitted from the plan picker.
type PlanForm struct {
	PlanID        string
	BillingPeriod string
	Channel       string
	Address       string
}

// Service drives bootstrap sessions. Every call returns the session status as
// it stands after the call, also when the call fails.
type Service interface {
	Status(ctx context.Context, sessionID string) (machine.Status, error)
	Check(ctx context.Context, sessionID string) (machine.Status, error)
	AcknowledgeIntroduction(ctx context.Context, sessionID string) (machine.Status, error)
	CreateSuperAdmin(ctx context.Context, sessionID string, form SuperAdminForm) (machine.Status, error)
	CreateTenantAdmin(ctx context.Context, sessionID string, form TenantAdminForm) (machine.Status, error)
	ListPlans(ctx context.Context) ([]plansservice.Plan, error)
	SelectPlan(ctx context.Context, sessionID string, form PlanForm) (machine.Status, error)
	ConfirmCode(ctx context.Context, sessionID string, code string) (machine.Status, error)
	ResendCode(ctx context.Context, sessionID string) (machine.Status, error)
	EndSession(ctx context.Context, sessionID string) error
	// Run evicts idle sessions until ctx is done.
	Run(ctx context.Context) error
	Close()
}

// Config tunes session handling.
type Config struct {
	// IdleTTL evicts sessions with no request for this long.
	IdleTTL    time.Duration
	SweepEvery time.Duration
	// PlanConfirmTimeout bounds plan persistence once a code has been consumed.
	PlanConfirmTimeout time.Duration
	Machine            machine.Options
	Clock              func() time.Time
}

const (
	defaultIdleTTL            = 30 * time.Minute
	defaultSweepEvery         = time.Minute
	defaultPlanConfirmTimeout = 10 * time.Second
)

type service struct {
	identity     identityservice.Service
	plans        plansservice.Service
	verification verificationservice.Gateway
	snapshots    repo.Repository
	logger       *zap.Logger
	cfg          Config

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// New constructs the onboarding Service.
func New(
	identity identityservice.Service,
	plans plansservice.Service,
	verification verificationservice.Gateway,
	snapshots repo.Repository,
	logger *zap.Logger,
	cfg Config,
) Service {
	if identity == nil {
		panic("identity service is required")
	}
	if plans == nil {
		panic("plans service is required")
	}
	if verification == nil {
		panic("verification gateway is required")
	}
	if snapshots == nil {
		panic("snapshot repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = defaultSweepEvery
	}
	if cfg.PlanConfirmTimeout <= 0 {
		cfg.PlanConfirmTimeout = defaultPlanConfirmTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Machine.Clock == nil {
		cfg.Machine.Clock = cfg.Clock
	}

	return &service{
		identity:     identity,
		plans:        plans,
		verification: verification,
		snapshots:    snapshots,
		logger:       logger,
		cfg:          cfg,
		sessions:     make(map[string]*session),
	}
}

func (s *service) Status(ctx context.Context, sessionID string) (machine.Status, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return machine.Status{}, err
	}
	return sess.machine.Status(), nil
}

func (s *service) Check(ctx context.Context, sessionID string) (machine.Status, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return machine.Status{}, err
	}
	return s.check(ctx, sess)
}

// check runs a machine check. A verification left pending after the tenant's
// plan was confirmed elsewhere is dropped; landing on verification without an
// attempt in hand activates the step.
func (s *service) check(ctx context.Context, sess *session) (machine.Status, error) {
	status, err := sess.machine.Check(ctx)
	if err != nil {
		return status, err
	}
	if !stalePlan(status) && (status.Step != machine.StepNeedsVerification || status.Attempt != nil) {
		return status, nil
	}

	if err := sess.acquire(ctx); err != nil {
		return sess.machine.Status(), err
	}
	defer sess.release()
	if stalePlan(sess.machine.Status()) {
		return s.dropStalePlan(ctx, sess), nil
	}
	return s.activateVerification(ctx, sess)
}

// stalePlan reports a pending selection or attempt for a tenant whose plan is
// already confirmed.
func stalePlan(status machine.Status) bool {
	return status.PlanConfirmed && (status.PendingPlan != nil || status.VerificationTarget != nil || status.Attempt != nil)
}

func (s *service) dropStalePlan(ctx context.Context, sess *session) machine.Status {
	sess.setAttempt(uuid.Nil)
	status := sess.machine.Update(machine.Patch{
		PendingPlan:        machine.Set[*machine.PlanSelection](nil),
		VerificationTarget: machine.Set[*machine.Target](nil),
		Attempt:            machine.Set[*machine.Attempt](nil),
		Notice: machine.Set(&machine.Notice{
			Code:    machine.NoticePlanAlreadyConfirmed,
			Message: "A plan for this organization was already confirmed in another session.",
		}),
	})
	s.persist(ctx, sess)
	s.loggerFrom(ctx).Info("pending plan dropped, tenant plan already confirmed",
		zap.String("session_id", sess.id),
		zap.String("tenant_id", status.TenantID),
	)
	return status
}

func (s *service) AcknowledgeIntroduction(ctx context.Context, sessionID string) (machine.Status, error) {
	return s.flow(ctx, sessionID, machine.StepIntroduction, func(ctx context.Context, sess *session) (machine.Status, error) {
		status := sess.machine.Update(machine.Patch{IntroductionSeen: machine.Set(true)})
		s.persist(ctx, sess)
		return status, nil
	})
}

func (s *service) CreateSuperAdmin(ctx context.Context, sessionID string, form SuperAdminForm) (machine.Status, error) {
	return s.flow(ctx, sessionID, machine.StepNeedsSuperAdmin, func(ctx context.Context, sess *session) (machine.Status, error) {
		account, err := s.identity.CreateSuperAdmin(ctx,
			identityservice.ProfileDraft{FullName: form.FullName, Email: form.Email, Phone: form.Phone},
			identityservice.Credentials{Password: form.Password},
		)
		if ctx.Err() != nil {
			return sess.machine.Status(), ctx.Err()
		}
		if errors.Is(err, identityservice.ErrAlreadyExists) {
			return s.forceCheck(ctx, sess, &machine.Notice{
				Code:    machine.NoticeAlreadyInitialized,
				Message: "This platform was already initialized by another administrator.",
			}, err)
		}
		if err != nil {
			return sess.machine.Status(), err
		}

		sess.setActingAccount(account.ID)
		status := sess.machine.Update(machine.Patch{
			HasSuperAdmin:    machine.Set(true),
			IntroductionSeen: machine.Set(true),
			Notice:           machine.Set[*machine.Notice](nil),
		})
		s.persist(ctx, sess)
		return status, nil
	})
}

func (s *service) CreateTenantAdmin(ctx context.Context, sessionID string, form TenantAdminForm) (machine.Status, error) {
	return s.flow(ctx, sessionID, machine.StepNeedsTenantAdmin, func(ctx context.Context, sess *session) (machine.Status, error) {
		tenantID, err := s.resolveTenant(ctx, form.TenantID)
		if err != nil {
			return sess.machine.Status(), err
		}

		ctx = tenant.WithSpace(ctx, tenant.Space{TenantID: tenantID})
		if acting := sess.actingAccount(); acting != uuid.Nil {
			ctx = identityservice.WithActingAccount(ctx, acting)
		}

		account, err := s.identity.CreateTenantAdmin(ctx,
			identityservice.ProfileDraft{FullName: form.FullName, Email: form.Email, Phone: form.Phone},
			identityservice.Credentials{Password: form.Password},
			identityservice.RoleAdmin,
		)
		if ctx.Err() != nil {
			return sess.machine.Status(), ctx.Err()
		}
		if err != nil {
			return sess.machine.Status(), err
		}

		status := sess.machine.Update(machine.Patch{
			HasAdmin:  machine.Set(true),
			TenantID:  machine.Set(tenantID),
			AccountID: machine.Set(account.ID.String()),
			Notice:    machine.Set[*machine.Notice](nil),
		})
		s.persist(ctx, sess)
		return status, nil
	})
}

func (s *service) ListPlans(ctx context.Context) ([]plansservice.Plan, error) {
	return s.plans.ListPlans(ctx)
}

func (s *service) SelectPlan(ctx context.Context, sessionID string, form PlanForm) (machine.Status, error) {
	return s.flow(ctx, sessionID, machine.StepNeedsPlanSelection, func(ctx context.Context, sess *session) (machine.Status, error) {
		selection, err := s.plans.Select(ctx, form.PlanID, plansservice.BillingPeriod(form.BillingPeriod))
		if err != nil {
			return sess.machine.Status(), err
		}
		target, err := verificationservice.NormalizeTarget(verificationservice.Target{
			Channel: verificationservice.Channel(form.Channel),
			Address: form.Address,
		})
		if err != nil {
			return sess.machine.Status(), err
		}

		sess.setAttempt(uuid.Nil)
		sess.machine.Update(machine.Patch{
			PendingPlan: machine.Set(&machine.PlanSelection{
				PlanID:        selection.PlanID,
				Type:          selection.Type,
				BillingPeriod: string(selection.BillingPeriod),
				PriceCents:    selection.PriceCents,
				Currency:      selection.Currency,
			}),
			VerificationTarget:    machine.Set(&machine.Target{Channel: string(target.Channel), Address: target.Address}),
			VerificationConfirmed: machine.Set(false),
			Attempt:               machine.Set[*machine.Attempt](nil),
			Notice:                machine.Set[*machine.Notice](nil),
		})
		s.persist(ctx, sess)

		return s.activateVerification(ctx, sess)
	})
}

// activateVerification hands the verification step exactly one attempt. An
// attempt the session already holds, or the live one for the target, is
// reused so a code the user already received stays valid. Expired or
// exhausted attempts are kept as well; the user asks for a resend.
func (s *service) activateVerification(ctx context.Context, sess *session) (machine.Status, error) {
	status := sess.machine.Status()
	if status.Step != machine.StepNeedsVerification || status.Attempt != nil {
		return status, nil
	}
	target := verificationservice.Target{
		Channel: verificationservice.Channel(status.VerificationTarget.Channel),
		Address: status.VerificationTarget.Address,
	}

	if id := sess.attempt(); id != uuid.Nil {
		attempt, err := s.verification.Get(ctx, id)
		switch {
		case err == nil && !attempt.Closed && attempt.Target == target:
			return s.holdAttempt(ctx, sess, attempt), nil
		case err != nil && !errors.Is(err, verificationservice.ErrAttemptNotFound):
			return status, err
		}
	}

	attempt, err := s.verification.Active(ctx, target)
	switch {
	case err == nil:
		return s.holdAttempt(ctx, sess, attempt), nil
	case !errors.Is(err, verificationservice.ErrAttemptNotFound):
		return status, err
	}

	attempt, err = s.verification.Issue(ctx, target)
	if err != nil {
		return sess.machine.Status(), err
	}
	s.loggerFrom(ctx).Info("verification code issued",
		zap.String("session_id", sess.id),
		zap.String("attempt_id", attempt.ID.String()),
		zap.String("channel", string(target.Channel)),
	)
	return s.holdAttempt(ctx, sess, attempt), nil
}

func (s *service) holdAttempt(ctx context.Context, sess *session, attempt verificationservice.Attempt) machine.Status {
	sess.setAttempt(attempt.ID)
	status := sess.machine.Update(machine.Patch{Attempt: machine.Set(toMachineAttempt(attempt))})
	s.persist(ctx, sess)
	return status
}

func (s *service) ConfirmCode(ctx context.Context, sessionID string, code string) (machine.Status, error) {
	return s.flow(ctx, sessionID, machine.StepNeedsVerification, func(ctx context.Context, sess *session) (machine.Status, error) {
		attemptID := sess.attempt()
		if attemptID == uuid.Nil {
			return sess.machine.Status(), ErrNoAttempt
		}

		result, err := s.verification.Confirm(ctx, attemptID, code)
		switch {
		case errors.Is(err, verificationservice.ErrAttemptClosed):
			return s.replaceClosedAttempt(ctx, sess, err)
		case errors.Is(err, verificationservice.ErrCodeInvalid),
			errors.Is(err, verificationservice.ErrCodeExpired),
			errors.Is(err, verificationservice.ErrAttemptsExhausted):
			return s.refreshAttempt(ctx, sess, result.AttemptsRemaining, err), err
		case err != nil:
			return sess.machine.Status(), err
		}

		// The code is consumed; finish recording the plan even if the caller goes away.
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PlanConfirmTimeout)
		defer cancel()
		return s.recordPlan(persistCtx, sess)
	})
}

// replaceClosedAttempt handles a held attempt that was consumed or superseded
// outside this session, typically by another session verifying the same
// contact. The session lets go of it and re-reads the stores: if the tenant's
// plan got confirmed the session moves on, otherwise it picks up the live
// attempt for the target or a fresh one.
func (s *service) replaceClosedAttempt(ctx context.Context, sess *session, cause error) (machine.Status, error) {
	sess.setAttempt(uuid.Nil)
	sess.machine.Update(machine.Patch{Attempt: machine.Set[*machine.Attempt](nil)})
	s.persist(ctx, sess)

	status, err := sess.machine.Check(ctx)
	if err != nil {
		return status, errors.Join(cause, err)
	}
	if stalePlan(status) {
		return s.dropStalePlan(ctx, sess), nil
	}

	status, err = s.activateVerification(ctx, sess)
	if err != nil {
		return status, errors.Join(cause, err)
	}
	return status, cause
}

// refreshAttempt mirrors what the gateway reported for the held attempt. The
// count only moves when the gateway burned a try or ran out of them.
func (s *service) refreshAttempt(ctx context.Context, sess *session, remaining int, cause error) machine.Status {
	status := sess.machine.Status()
	if status.Attempt == nil {
		return status
	}
	attempt := *status.Attempt
	if errors.Is(cause, verificationservice.ErrAttemptsExhausted) {
		remaining = 0
	}
	if errors.Is(cause, verificationservice.ErrCodeInvalid) || errors.Is(cause, verificationservice.ErrAttemptsExhausted) {
		attempt.AttemptsRemaining = remaining
	}
	status = sess.machine.Update(machine.Patch{Attempt: machine.Set(&attempt)})
	s.persist(ctx, sess)
	return status
}

func (s *service) recordPlan(ctx context.Context, sess *session) (machine.Status, error) {
	status := sess.machine.Status()
	pending := status.PendingPlan
	if pending == nil {
		return status, ErrStepMismatch
	}

	accountID, err := s.planAccount(ctx, status)
	if err == nil {
		_, err = s.plans.ConfirmPlan(ctx, status.TenantID, accountID, plansservice.Selection{
			PlanID:        pending.PlanID,
			Type:          pending.Type,
			BillingPeriod: plansservice.BillingPeriod(pending.BillingPeriod),
			PriceCents:    pending.PriceCents,
			Currency:      pending.Currency,
		})
	}

	sess.setAttempt(uuid.Nil)
	if err != nil {
		s.loggerFrom(ctx).Error("plan not recorded after verification",
			zap.String("session_id", sess.id),
			zap.String("plan_id", pending.PlanID),
			zap.Error(err),
		)
		status = sess.machine.Update(machine.Patch{
			PendingPlan:           machine.Set[*machine.PlanSelection](nil),
			VerificationTarget:    machine.Set[*machine.Target](nil),
			VerificationConfirmed: machine.Set(false),
			Attempt:               machine.Set[*machine.Attempt](nil),
			Notice: machine.Set(&machine.Notice{
				Code:    machine.NoticePlanNotRecorded,
				Message: "Your code was accepted but the plan could not be saved. Select the plan again to get a new code.",
			}),
		})
		s.persist(ctx, sess)
		return status, err
	}

	status = sess.machine.Update(machine.Patch{
		PlanConfirmed:         machine.Set(true),
		VerificationConfirmed: machine.Set(true),
		PendingPlan:           machine.Set[*machine.PlanSelection](nil),
		VerificationTarget:    machine.Set[*machine.Target](nil),
		Attempt:               machine.Set[*machine.Attempt](nil),
		AccountID:             machine.Set(accountID.String()),
		Notice:                machine.Set[*machine.Notice](nil),
	})
	s.persist(ctx, sess)
	s.loggerFrom(ctx).Info("plan confirmed",
		zap.String("session_id", sess.id),
		zap.String("tenant_id", status.TenantID),
		zap.String("plan_id", pending.PlanID),
	)
	return status, nil
}

// planAccount is the account the plan is recorded for: the tenant admin this
// session created, else the first admin of the tenant.
func (s *service) planAccount(ctx context.Context, status machine.Status) (uuid.UUID, error) {
	if id, err := uuid.Parse(status.AccountID); err == nil {
		return id, nil
	}
	if status.TenantID == "" {
		return uuid.Nil, identityservice.ErrTenantRequired
	}
	admin, err := s.identity.TenantAdmin(ctx, status.TenantID)
	if err != nil {
		return uuid.Nil, err
	}
	return admin.ID, nil
}

func (s *service) ResendCode(ctx context.Context, sessionID string) (machine.Status, error) {
	return s.flow(ctx, sessionID, machine.StepNeedsVerification, func(ctx context.Context, sess *session) (machine.Status, error) {
		var (
			attempt verificationservice.Attempt
			err     error
		)
		if id := sess.attempt(); id != uuid.Nil {
			attempt, err = s.verification.Resend(ctx, id)
		} else {
			err = verificationservice.ErrAttemptNotFound
		}
		if errors.Is(err, verificationservice.ErrAttemptNotFound) {
			target := sess.machine.Status().VerificationTarget
			attempt, err = s.verification.Issue(ctx, verificationservice.Target{
				Channel: verificationservice.Channel(target.Channel),
				Address: target.Address,
			})
		}
		if ctx.Err() != nil {
			return sess.machine.Status(), ctx.Err()
		}
		if err != nil {
			return sess.machine.Status(), err
		}
		return s.holdAttempt(ctx, sess, attempt), nil
	})
}

func (s *service) EndSession(ctx context.Context, sessionID string) error {
	id, err := normalizeSessionID(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if ok {
		sess.machine.Close()
	}
	if err := s.snapshots.Delete(ctx, id); err != nil {
		return fmt.Errorf("discard session: %w", err)
	}
	return nil
}

// flow runs fn for the session when it is in step want. Flows of one session
// run one at a time.
func (s *service) flow(ctx context.Context, sessionID string, want machine.Step, fn func(context.Context, *session) (machine.Status, error)) (machine.Status, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return machine.Status{}, err
	}
	if err := sess.acquire(ctx); err != nil {
		return sess.machine.Status(), err
	}
	defer sess.release()

	status := sess.machine.Status()
	if err := ctx.Err(); err != nil {
		return status, err
	}
	if status.Step != want {
		return status, ErrStepMismatch
	}
	return fn(ctx, sess)
}

// forceCheck moves the session to whatever the stores say now and tells the
// user why.
func (s *service) forceCheck(ctx context.Context, sess *session, notice *machine.Notice, cause error) (machine.Status, error) {
	sess.machine.Update(machine.Patch{Notice: machine.Set(notice)})
	status, err := sess.machine.Check(ctx)
	if err != nil {
		return status, errors.Join(cause, err)
	}
	s.persist(ctx, sess)
	return status, cause
}

func (s *service) resolveTenant(ctx context.Context, requested string) (string, error) {
	if requested != "" {
		id, err := tenant.NormalizeID(requested)
		if err != nil {
			return "", &ValidationError{Fields: FieldErrors{"tenantId": {err.Error()}}}
		}
		return id, nil
	}
	if space, ok := tenant.FromContext(ctx); ok && space.TenantID != "" {
		return space.TenantID, nil
	}
	return "", &ValidationError{Fields: FieldErrors{"tenantId": {"tenantId is required"}}}
}

func (s *service) loggerFrom(ctx context.Context) *zap.Logger {
	if logger, ok := platformlogging.FromContext(ctx); ok {
		return logger
	}
	return s.logger
}

func toMachineAttempt(a verificationservice.Attempt) *machine.Attempt {
	return &machine.Attempt{
		ID:                a.ID.String(),
		Target:            machine.Target{Channel: string(a.Target.Channel), Address: a.Target.Address},
		IssuedAt:          a.IssuedAt,
		ExpiresAt:         a.ExpiresAt,
		AttemptsRemaining: a.AttemptsRemaining,
	}
}
