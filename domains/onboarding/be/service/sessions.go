package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-farmops/domains/onboarding/be/machine"
	"github.com/zenGate-Global/palmyra-farmops/domains/onboarding/be/repo"
	platformauth "github.com/zenGate-Global/palmyra-farmops/platform/go/auth"
	"github.com/zenGate-Global/palmyra-farmops/platform/go/tenant"
)

const maxSessionIDLength = 128

// session is one bootstrap container plus the flow state that is not part of
// the visible status.
type session struct {
	id      string
	machine *machine.Machine

	// flow admits one step flow at a time.
	flow chan struct{}

	mu        sync.Mutex
	lastSeen  time.Time
	user      *platformauth.UserCredentials
	space     *tenant.Space
	acting    uuid.UUID
	attemptID uuid.UUID
}

func (sess *session) acquire(ctx context.Context) error {
	select {
	case sess.flow <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sess *session) release() {
	<-sess.flow
}

// observe records the principal of the latest request on this session.
func (sess *session) observe(ctx context.Context, now time.Time) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.lastSeen = now
	sess.user = nil
	if creds, ok := platformauth.UserFromContext(ctx); ok {
		c := *creds
		sess.user = &c
	}
	sess.space = nil
	if space, ok := tenant.FromContext(ctx); ok {
		sess.space = &space
	}
}

func (sess *session) principalContext(ctx context.Context) context.Context {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if _, ok := platformauth.UserFromContext(ctx); !ok && sess.user != nil {
		c := *sess.user
		ctx = platformauth.WithUser(ctx, &c)
	}
	if _, ok := tenant.FromContext(ctx); !ok && sess.space != nil {
		ctx = tenant.WithSpace(ctx, *sess.space)
	}
	return ctx
}

func (sess *session) defaultTenant() string {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.space == nil {
		return ""
	}
	return sess.space.TenantID
}

func (sess *session) idleSince(cutoff time.Time) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.lastSeen.Before(cutoff)
}

func (sess *session) actingAccount() uuid.UUID {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.acting
}

func (sess *session) setActingAccount(id uuid.UUID) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.acting = id
}

func (sess *session) attempt() uuid.UUID {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.attemptID
}

func (sess *session) setAttempt(id uuid.UUID) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.attemptID = id
}

func normalizeSessionID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxSessionIDLength {
		return "", ErrSessionRequired
	}
	return id, nil
}

// session returns the live container for id, restoring it from its snapshot
// or creating a fresh one.
func (s *service) session(ctx context.Context, id string) (*session, error) {
	id, err := normalizeSessionID(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if ok {
		sess.observe(ctx, s.cfg.Clock())
		return sess, nil
	}

	created := s.restore(ctx, id)

	s.mu.Lock()
	if existing, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		created.machine.Close()
		existing.observe(ctx, s.cfg.Clock())
		return existing, nil
	}
	if s.closed {
		s.mu.Unlock()
		created.machine.Close()
		return nil, ErrClosed
	}
	s.sessions[id] = created
	s.mu.Unlock()

	created.observe(ctx, s.cfg.Clock())
	return created, nil
}

func (s *service) restore(ctx context.Context, id string) *session {
	sess := &session{id: id, flow: make(chan struct{}, 1)}

	var initial machine.Patch
	snapshot, err := s.snapshots.Load(ctx, id)
	switch {
	case errors.Is(err, repo.ErrSnapshotNotFound):
	case err != nil:
		s.loggerFrom(ctx).Warn("load session snapshot", zap.String("session_id", id), zap.Error(err))
	default:
		initial = patchFromSnapshot(snapshot)
		if acting, err := uuid.Parse(snapshot.ActingAccountID); err == nil {
			sess.acting = acting
		}
		if attempt, err := uuid.Parse(snapshot.AttemptID); err == nil {
			sess.attemptID = attempt
		}
	}

	opts := s.cfg.Machine
	opts.Logger = s.logger.With(zap.String("session_id", id))
	opts.Initial = initial
	sess.machine = machine.New(s.fetchFacts(sess), opts)
	return sess
}

// persist stores the resumable part of the session. Failures are logged; the
// in-memory container stays authoritative for this replica.
func (s *service) persist(ctx context.Context, sess *session) {
	status := sess.machine.Status()
	snapshot := repo.Snapshot{
		SessionID:        sess.id,
		IntroductionSeen: status.IntroductionSeen,
		AccountID:        status.AccountID,
		TenantID:         status.TenantID,
	}
	if status.PendingPlan != nil {
		p := status.PendingPlan
		snapshot.PendingPlan = &repo.PlanSelection{
			PlanID:        p.PlanID,
			Type:          p.Type,
			BillingPeriod: p.BillingPeriod,
			PriceCents:    p.PriceCents,
			Currency:      p.Currency,
		}
	}
	if status.VerificationTarget != nil {
		snapshot.Target = &repo.Target{Channel: status.VerificationTarget.Channel, Address: status.VerificationTarget.Address}
	}
	if id := sess.attempt(); id != uuid.Nil {
		snapshot.AttemptID = id.String()
	}
	if id := sess.actingAccount(); id != uuid.Nil {
		snapshot.ActingAccountID = id.String()
	}

	if err := s.snapshots.Save(context.WithoutCancel(ctx), snapshot); err != nil {
		s.loggerFrom(ctx).Warn("save session snapshot", zap.String("session_id", sess.id), zap.Error(err))
	}
}

func patchFromSnapshot(snapshot repo.Snapshot) machine.Patch {
	p := machine.Patch{IntroductionSeen: machine.Set(snapshot.IntroductionSeen)}
	if snapshot.PendingPlan != nil {
		p.PendingPlan = machine.Set(&machine.PlanSelection{
			PlanID:        snapshot.PendingPlan.PlanID,
			Type:          snapshot.PendingPlan.Type,
			BillingPeriod: snapshot.PendingPlan.BillingPeriod,
			PriceCents:    snapshot.PendingPlan.PriceCents,
			Currency:      snapshot.PendingPlan.Currency,
		})
	}
	if snapshot.Target != nil {
		p.VerificationTarget = machine.Set(&machine.Target{Channel: snapshot.Target.Channel, Address: snapshot.Target.Address})
	}
	if snapshot.AccountID != "" {
		p.AccountID = machine.Set(snapshot.AccountID)
	}
	if snapshot.TenantID != "" {
		p.TenantID = machine.Set(snapshot.TenantID)
	}
	return p
}

// Run evicts idle sessions until ctx is done. Their snapshots stay in the
// repository so a later request resumes them.
func (s *service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *service) sweep() int {
	cutoff := s.cfg.Clock().Add(-s.cfg.IdleTTL)

	var idle []*session
	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.idleSince(cutoff) {
			idle = append(idle, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range idle {
		sess.machine.Close()
	}
	if len(idle) > 0 {
		s.logger.Debug("evicted idle bootstrap sessions", zap.Int("count", len(idle)))
	}
	return len(idle)
}

// Close discards every live session.
func (s *service) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.machine.Close()
	}
}
