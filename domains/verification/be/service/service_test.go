package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/zenGate-Global/palmyra-farmops/domains/verification/be/delivery"
	"github.com/zenGate-Global/palmyra-farmops/domains/verification/be/repo"
)

type captureSender struct {
	mu       sync.Mutex
	messages []delivery.Message
	sendFn   func(ctx context.Context, msg delivery.Message) error
}

func (c *captureSender) Send(ctx context.Context, msg delivery.Message) error {
	if c.sendFn != nil {
		if err := c.sendFn(ctx, msg); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

func (c *captureSender) last(t *testing.T) delivery.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.messages)
	return c.messages[len(c.messages)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestGateway(t *testing.T, cfg Config) (Gateway, *captureSender, *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	sender := &captureSender{}
	cfg.Clock = clock.Now
	cfg.BcryptCost = bcrypt.MinCost
	if cfg.ResendBurst == 0 {
		cfg.ResendBurst = 10
	}

	gw, err := New(repo.NewMemoryRepository(), sender, zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	return gw, sender, clock
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

var smsTarget = Target{Channel: ChannelSMS, Address: "+2348012345678"}

func TestIssueValidatesTarget(t *testing.T) {
	t.Parallel()

	gw, _, _ := newTestGateway(t, Config{})

	_, err := gw.Issue(context.Background(), Target{Channel: "pager", Address: "x"})
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	require.Contains(t, validationErr.Fields, "channel")

	_, err = gw.Issue(context.Background(), Target{Channel: ChannelEmail, Address: "not-an-email"})
	require.True(t, errors.As(err, &validationErr))
	require.Contains(t, validationErr.Fields, "address")

	_, err = gw.Issue(context.Background(), Target{Channel: ChannelSMS, Address: "+234 801 234"})
	require.True(t, errors.As(err, &validationErr))
	require.Contains(t, validationErr.Fields, "address")
}

func TestLocalPhoneIsIssuedInE164(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw, sender, _ := newTestGateway(t, Config{})

	attempt, err := gw.Issue(ctx, Target{Channel: ChannelWhatsApp, Address: "0801 234 5678"})
	require.NoError(t, err)
	require.Equal(t, "+2348012345678", attempt.Target.Address)
	require.Equal(t, "+2348012345678", sender.last(t).Address)

	active, err := gw.Active(ctx, Target{Channel: ChannelWhatsApp, Address: "+234 801 234 5678"})
	require.NoError(t, err)
	require.Equal(t, attempt.ID, active.ID)
}

func TestConfirmIsSingleUse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw, sender, _ := newTestGateway(t, Config{MaxAttempts: 3})

	attempt, err := gw.Issue(ctx, smsTarget)
	require.NoError(t, err)
	require.Equal(t, 3, attempt.AttemptsRemaining)
	code := sender.last(t).Code

	result, err := gw.Confirm(ctx, attempt.ID, code)
	require.NoError(t, err)
	require.True(t, result.Valid)

	result, err = gw.Confirm(ctx, attempt.ID, code)
	require.ErrorIs(t, err, ErrCodeInvalid)
	require.ErrorIs(t, err, ErrAttemptClosed)
	require.Zero(t, result.AttemptsRemaining)
}

func TestResendAfterConsumeIssuesFreshCode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw, sender, _ := newTestGateway(t, Config{})

	attempt, err := gw.Issue(ctx, smsTarget)
	require.NoError(t, err)
	_, err = gw.Confirm(ctx, attempt.ID, sender.last(t).Code)
	require.NoError(t, err)

	fresh, err := gw.Resend(ctx, attempt.ID)
	require.NoError(t, err)
	require.NotEqual(t, attempt.ID, fresh.ID)
	require.Equal(t, smsTarget, fresh.Target)
	require.False(t, fresh.Closed)

	result, err := gw.Confirm(ctx, fresh.ID, sender.last(t).Code)
	require.NoError(t, err)
	require.True(t, result.Valid)
}

func TestWrongCodeDecrementsUntilExhausted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw, sender, _ := newTestGateway(t, Config{MaxAttempts: 2})

	attempt, err := gw.Issue(ctx, smsTarget)
	require.NoError(t, err)
	code := sender.last(t).Code

	result, err := gw.Confirm(ctx, attempt.ID, wrongCode(code))
	require.ErrorIs(t, err, ErrCodeInvalid)
	require.False(t, result.Valid)
	require.Equal(t, 1, result.AttemptsRemaining)

	result, err = gw.Confirm(ctx, attempt.ID, wrongCode(code))
	require.ErrorIs(t, err, ErrCodeInvalid)
	require.Equal(t, 0, result.AttemptsRemaining)

	_, err = gw.Confirm(ctx, attempt.ID, code)
	require.ErrorIs(t, err, ErrAttemptsExhausted)
}

func TestMalformedCodeDoesNotBurnAttempt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw, _, _ := newTestGateway(t, Config{MaxAttempts: 2})

	attempt, err := gw.Issue(ctx, smsTarget)
	require.NoError(t, err)

	_, err = gw.Confirm(ctx, attempt.ID, "12ab")
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))

	current, err := gw.Get(ctx, attempt.ID)
	require.NoError(t, err)
	require.Equal(t, 2, current.AttemptsRemaining)
}

func TestExpiredCodeIsRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw, sender, clock := newTestGateway(t, Config{TTL: time.Minute})

	attempt, err := gw.Issue(ctx, smsTarget)
	require.NoError(t, err)
	clock.Advance(time.Minute)

	_, err = gw.Confirm(ctx, attempt.ID, sender.last(t).Code)
	require.ErrorIs(t, err, ErrCodeExpired)
	require.False(t, attempt.Usable(clock.Now()))
}

func TestResendSupersedesPreviousCode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw, sender, clock := newTestGateway(t, Config{})

	first, err := gw.Issue(ctx, smsTarget)
	require.NoError(t, err)
	firstCode := sender.last(t).Code

	clock.Advance(time.Second)
	second, err := gw.Resend(ctx, first.ID)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.True(t, second.ExpiresAt.After(first.ExpiresAt))
	secondCode := sender.last(t).Code

	_, err = gw.Confirm(ctx, first.ID, firstCode)
	require.ErrorIs(t, err, ErrCodeInvalid)

	active, err := gw.Active(ctx, smsTarget)
	require.NoError(t, err)
	require.Equal(t, second.ID, active.ID)

	result, err := gw.Confirm(ctx, second.ID, secondCode)
	require.NoError(t, err)
	require.True(t, result.Valid)
}

func TestResendIsThrottledPerTarget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw, _, clock := newTestGateway(t, Config{ResendBurst: 2, ResendEvery: time.Minute})

	attempt, err := gw.Issue(ctx, smsTarget)
	require.NoError(t, err)

	attempt, err = gw.Resend(ctx, attempt.ID)
	require.NoError(t, err)

	_, err = gw.Resend(ctx, attempt.ID)
	require.ErrorIs(t, err, ErrRateLimited)

	// Another recipient has its own budget.
	_, err = gw.Issue(ctx, Target{Channel: ChannelEmail, Address: "owner@farm.test"})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = gw.Resend(ctx, attempt.ID)
	require.NoError(t, err)
}

func TestIdleLimitersAreEvicted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	gw, _, clock := newTestGateway(t, Config{ResendBurst: 2, ResendEvery: time.Minute})
	svc := gw.(*service)

	_, err := gw.Issue(ctx, smsTarget)
	require.NoError(t, err)
	_, err = gw.Issue(ctx, Target{Channel: ChannelEmail, Address: "owner@farm.test"})
	require.NoError(t, err)
	require.Len(t, svc.limiters, 2)

	clock.Advance(2 * time.Minute)
	_, err = gw.Issue(ctx, Target{Channel: ChannelEmail, Address: "manager@farm.test"})
	require.NoError(t, err)

	require.Len(t, svc.limiters, 1)
	require.Contains(t, svc.limiters, "email:manager@farm.test")

	// A recipient coming back after eviction starts with a full burst.
	_, err = gw.Issue(ctx, smsTarget)
	require.NoError(t, err)
	_, err = gw.Issue(ctx, smsTarget)
	require.NoError(t, err)
	_, err = gw.Issue(ctx, smsTarget)
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestUndeliveredAttemptIsClosed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Now()}
	sender := &captureSender{sendFn: func(context.Context, delivery.Message) error {
		return errors.New("provider down")
	}}

	gw, err := New(repo.NewMemoryRepository(), sender, zaptest.NewLogger(t), Config{Clock: clock.Now, BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)

	_, err = gw.Issue(ctx, smsTarget)
	require.ErrorIs(t, err, ErrTransient)

	_, err = gw.Active(ctx, smsTarget)
	require.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestUnknownAttempt(t *testing.T) {
	t.Parallel()

	gw, _, _ := newTestGateway(t, Config{})

	_, err := gw.Confirm(context.Background(), uuid.New(), "123456")
	require.ErrorIs(t, err, ErrAttemptNotFound)

	_, err = gw.Resend(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestFixedCodeRequiresDevBuild(t *testing.T) {
	t.Parallel()

	_, err := New(repo.NewMemoryRepository(), &captureSender{}, zaptest.NewLogger(t), Config{FixedCode: "123456"})
	if devCodesEnabled {
		require.NoError(t, err)
		return
	}
	require.Error(t, err)
}
