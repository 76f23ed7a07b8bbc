package machine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrClosed is returned by Check once the session has been discarded.
var ErrClosed = errors.New("bootstrap session closed")

// Observed is what a check reads from the authoritative stores.
type Observed struct {
	HasSuperAdmin bool
	HasAdmin      bool
	SignedIn      bool
	PlanConfirmed bool
	// AccountID and TenantID are applied only when non-empty.
	AccountID string
	TenantID  string
}

// FactSource answers the existence questions behind a check. current is the
// status as it was when the check started.
type FactSource interface {
	Fetch(ctx context.Context, current Status) (Observed, error)
}

// FactSourceFunc adapts a function to FactSource.
type FactSourceFunc func(ctx context.Context, current Status) (Observed, error)

func (f FactSourceFunc) Fetch(ctx context.Context, current Status) (Observed, error) {
	return f(ctx, current)
}

// Options tune a Machine. Zero values select the defaults.
type Options struct {
	Logger *zap.Logger
	Clock  func() time.Time

	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMaxAttempts     uint64

	// Initial is merged before the first check, e.g. from a stored snapshot.
	Initial Patch
}

const (
	defaultRetryInitialInterval = 500 * time.Millisecond
	defaultRetryMaxInterval     = 10 * time.Second
	defaultRetryMaxAttempts     = 5
)

// Machine owns one BootstrapStatus. The mutex is held only while merging and
// recomputing, never across a fetch.
type Machine struct {
	source FactSource
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	status   Status
	stamps   [fieldCount]uint64
	clock    uint64
	inflight int
	retrying bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a machine in the checking step.
func New(source FactSource, opts Options) *Machine {
	if source == nil {
		panic("fact source is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.RetryInitialInterval <= 0 {
		opts.RetryInitialInterval = defaultRetryInitialInterval
	}
	if opts.RetryMaxInterval <= 0 {
		opts.RetryMaxInterval = defaultRetryMaxInterval
	}
	if opts.RetryMaxAttempts == 0 {
		opts.RetryMaxAttempts = defaultRetryMaxAttempts
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		source: source,
		opts:   opts,
		logger: opts.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
	opts.Initial.merge(&m.status, &m.stamps, 0)
	m.recompute()
	return m
}

// Status returns a copy of the current status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.clone()
}

// Update merges caller-asserted facts and recomputes the step. It performs no
// I/O. Fields it sets win over any check that started before the call.
func (m *Machine) Update(p Patch) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clock++
	p.merge(&m.status, &m.stamps, m.clock)
	m.recompute()
	return m.status.clone()
}

// Check re-reads the authoritative facts and recomputes the step. On failure
// the step is left as is, the error is returned and a background retry is
// scheduled. A cancelled ctx returns without merging anything.
func (m *Machine) Check(ctx context.Context) (Status, error) {
	seq, current, err := m.begin()
	if err != nil {
		return current, err
	}

	observed, err := m.source.Fetch(ctx, current)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return m.abandon(), ctxErr
	}
	if err != nil {
		status := m.abandon()
		m.logger.Warn("bootstrap check failed", zap.Uint64("seq", seq), zap.Error(err))
		m.scheduleRetry(seq)
		return status, err
	}

	return m.apply(seq, observed), nil
}

// Close stops background retries and waits for them to exit.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func (m *Machine) begin() (uint64, Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, m.status.clone(), ErrClosed
	}
	m.clock++
	m.inflight++
	m.recompute()
	return m.clock, m.status.clone(), nil
}

func (m *Machine) abandon() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inflight--
	m.recompute()
	return m.status.clone()
}

func (m *Machine) apply(seq uint64, o Observed) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inflight--
	if seq <= m.status.Seq {
		m.recompute()
		return m.status.clone()
	}

	m.applyFetched(fieldHasSuperAdmin, seq, &m.status.HasSuperAdmin, o.HasSuperAdmin)
	m.applyFetched(fieldHasAdmin, seq, &m.status.HasAdmin, o.HasAdmin)
	m.applyFetched(fieldSignedIn, seq, &m.status.SignedIn, o.SignedIn)
	m.applyFetched(fieldPlanConfirmed, seq, &m.status.PlanConfirmed, o.PlanConfirmed)
	if o.AccountID != "" && m.stamps[fieldAccountID] < seq {
		m.status.AccountID = o.AccountID
	}
	if o.TenantID != "" && m.stamps[fieldTenantID] < seq {
		m.status.TenantID = o.TenantID
	}
	if m.status.Notice != nil && m.status.Notice.Code == NoticeBackendUnavailable && m.stamps[fieldNotice] < seq {
		m.status.Notice = nil
	}

	m.status.Resolved = true
	m.status.Seq = seq
	m.status.CheckedAt = m.opts.Clock()
	m.recompute()
	return m.status.clone()
}

func (m *Machine) applyFetched(f field, seq uint64, dst *bool, v bool) {
	if m.stamps[f] > seq {
		return
	}
	*dst = v
}

func (m *Machine) recompute() {
	m.status.Refreshing = m.inflight > 0
	m.status.Step = Derive(m.status.Facts())
}

func (m *Machine) scheduleRetry(failedSeq uint64) {
	m.mu.Lock()
	if m.retrying || m.closed {
		m.mu.Unlock()
		return
	}
	m.retrying = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.retry(failedSeq)
}

func (m *Machine) retry(since uint64) {
	defer m.wg.Done()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.opts.RetryInitialInterval
	policy.MaxInterval = m.opts.RetryMaxInterval
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, m.opts.RetryMaxAttempts), m.ctx)

	op := func() error {
		if m.appliedSince(since) {
			return nil
		}
		seq, current, err := m.begin()
		if err != nil {
			return backoff.Permanent(err)
		}
		observed, err := m.source.Fetch(m.ctx, current)
		if ctxErr := m.ctx.Err(); ctxErr != nil {
			m.abandon()
			return backoff.Permanent(ctxErr)
		}
		if err != nil {
			m.abandon()
			return err
		}
		m.apply(seq, observed)
		return nil
	}

	notify := func(err error, wait time.Duration) {
		m.logger.Debug("bootstrap check retry", zap.Duration("wait", wait), zap.Error(err))
	}

	err := backoff.RetryNotify(op, b, notify)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.retrying = false
	if err == nil || m.closed {
		return
	}

	m.logger.Warn("bootstrap check retries exhausted", zap.Error(err))
	m.clock++
	m.status.Notice = &Notice{
		Code:    NoticeBackendUnavailable,
		Message: "We could not reach the server. Check again to retry.",
	}
	m.stamps[fieldNotice] = m.clock
	m.recompute()
}

func (m *Machine) appliedSince(seq uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Seq > seq
}
