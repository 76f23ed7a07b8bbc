package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/zenGate-Global/palmyra-farmops/domains/verification/be/delivery"
	"github.com/zenGate-Global/palmyra-farmops/domains/verification/be/repo"
	"github.com/zenGate-Global/palmyra-farmops/platform/go/contact"
	platformlogging "github.com/zenGate-Global/palmyra-farmops/platform/go/logging"
	"github.com/zenGate-Global/palmyra-farmops/platform/go/persistence"
)

// FieldErrors maps request fields to validation issues.
type FieldErrors map[string][]string

// ValidationError is returned when a target or code is malformed.
type ValidationError struct {
	Fields FieldErrors
}

func (v *ValidationError) Error() string {
	return "validation error"
}

// Domain sentinel errors.
var (
	ErrAttemptNotFound   = errors.New("verification attempt not found")
	ErrCodeInvalid       = errors.New("verification code invalid")
	ErrCodeExpired       = errors.New("verification code expired")
	ErrAttemptsExhausted = errors.New("verification attempts exhausted")
	ErrRateLimited       = errors.New("verification rate limited")
	ErrTransient         = errors.New("verification backend unavailable")

	// ErrAttemptClosed is an ErrCodeInvalid raised before any code was compared:
	// the attempt was consumed or superseded. No try was burned.
	ErrAttemptClosed = fmt.Errorf("%w: attempt closed", ErrCodeInvalid)
)

// Channel is the medium a code is delivered through.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
	ChannelEmail    Channel = "email"
)

// Target is the recipient of a one-time code.
type Target struct {
	Channel Channel
	Address string
}

func (t Target) key() string {
	return string(t.Channel) + ":" + t.Address
}

// Attempt is the handle of an outstanding code. Codes themselves never leave the gateway.
type Attempt struct {
	ID                uuid.UUID
	Target            Target
	IssuedAt          time.Time
	ExpiresAt         time.Time
	AttemptsRemaining int
	Closed            bool
}

// Usable reports whether the attempt can still accept a code at now.
func (a Attempt) Usable(now time.Time) bool {
	return !a.Closed && now.Before(a.ExpiresAt) && a.AttemptsRemaining > 0
}

// Result is the outcome of a confirmation.
type Result struct {
	Valid             bool
	AttemptsRemaining int
}

// Gateway issues, resends and confirms one-time codes.
type Gateway interface {
	// Issue supersedes any live attempt for the target and delivers a fresh code.
	Issue(ctx context.Context, target Target) (Attempt, error)
	// Confirm checks code against the attempt. A wrong code burns one try and
	// returns ErrCodeInvalid with the remaining count in Result. A consumed or
	// superseded attempt returns ErrAttemptClosed and an empty Result.
	Confirm(ctx context.Context, attemptID uuid.UUID, code string) (Result, error)
	// Resend delivers a fresh code to the attempt's target, superseding whatever
	// is live there. The attempt itself may already be closed.
	Resend(ctx context.Context, attemptID uuid.UUID) (Attempt, error)
	Get(ctx context.Context, attemptID uuid.UUID) (Attempt, error)
	// Active returns the live attempt for the target, if any.
	Active(ctx context.Context, target Target) (Attempt, error)
}

// Config tunes code lifetime, hashing and throttling.
type Config struct {
	TTL         time.Duration
	MaxAttempts int
	BcryptCost  int
	// ResendEvery and ResendBurst bound how often codes go to one target.
	ResendEvery time.Duration
	ResendBurst int
	// FixedCode replaces random codes. Only honoured in builds tagged devcodes.
	FixedCode string
	Clock     func() time.Time
}

type service struct {
	repo   repo.Repository
	sender delivery.Sender
	logger *zap.Logger
	cfg    Config
	codes  func() (string, error)

	limitersMu sync.Mutex
	limiters   map[string]*limiterEntry
	prunedAt   time.Time
}

type limiterEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

var codePattern = regexp.MustCompile(`^\d{6}$`)

// New constructs a verification Gateway.
func New(r repo.Repository, sender delivery.Sender, logger *zap.Logger, cfg Config) (Gateway, error) {
	if r == nil {
		panic("verification repository is required")
	}
	if sender == nil {
		panic("verification sender is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.ResendEvery <= 0 {
		cfg.ResendEvery = 30 * time.Second
	}
	if cfg.ResendBurst <= 0 {
		cfg.ResendBurst = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	codes := randomCode
	if fixed := strings.TrimSpace(cfg.FixedCode); fixed != "" {
		if !devCodesEnabled {
			return nil, errors.New("fixed verification codes require a build with the devcodes tag")
		}
		if !codePattern.MatchString(fixed) {
			return nil, fmt.Errorf("fixed verification code must be 6 digits")
		}
		logger.Warn("verification codes are fixed; never run this build in production")
		codes = func() (string, error) { return fixed, nil }
	}

	return &service{
		repo:     r,
		sender:   sender,
		logger:   logger,
		cfg:      cfg,
		codes:    codes,
		limiters: make(map[string]*limiterEntry),
	}, nil
}

func (s *service) Issue(ctx context.Context, target Target) (Attempt, error) {
	target, err := NormalizeTarget(target)
	if err != nil {
		return Attempt{}, err
	}
	if !s.allow(target) {
		return Attempt{}, ErrRateLimited
	}
	return s.issue(ctx, target)
}

func (s *service) Resend(ctx context.Context, attemptID uuid.UUID) (Attempt, error) {
	record, err := s.repo.Get(ctx, attemptID)
	if err != nil {
		return Attempt{}, mapPersistenceError(err)
	}

	// Another session may have consumed the attempt for a shared recipient.
	// The recipient still gets a code; the throttle bounds how often.
	target := Target{Channel: Channel(record.Channel), Address: record.Address}
	if !s.allow(target) {
		return Attempt{}, ErrRateLimited
	}
	return s.issue(ctx, target)
}

func (s *service) Confirm(ctx context.Context, attemptID uuid.UUID, code string) (Result, error) {
	code = strings.TrimSpace(code)
	if !codePattern.MatchString(code) {
		return Result{}, &ValidationError{Fields: FieldErrors{"code": {"code must be 6 digits"}}}
	}

	record, err := s.repo.Get(ctx, attemptID)
	if err != nil {
		return Result{}, mapPersistenceError(err)
	}

	now := s.cfg.Clock()
	switch {
	case record.ConsumedAt != nil || record.SupersededAt != nil:
		return Result{}, ErrAttemptClosed
	case !now.Before(record.ExpiresAt):
		return Result{AttemptsRemaining: record.AttemptsRemaining}, ErrCodeExpired
	case record.AttemptsRemaining <= 0:
		return Result{}, ErrAttemptsExhausted
	}

	if bcrypt.CompareHashAndPassword([]byte(record.CodeHash), []byte(code)) != nil {
		remaining, decErr := s.repo.Decrement(ctx, attemptID)
		if decErr != nil {
			return Result{}, mapPersistenceError(decErr)
		}
		return Result{AttemptsRemaining: remaining}, ErrCodeInvalid
	}

	if err := s.repo.Consume(ctx, attemptID, now); err != nil {
		// Lost a race against another confirmation or a resend.
		return Result{}, mapPersistenceError(err)
	}

	return Result{Valid: true, AttemptsRemaining: record.AttemptsRemaining}, nil
}

func (s *service) Get(ctx context.Context, attemptID uuid.UUID) (Attempt, error) {
	record, err := s.repo.Get(ctx, attemptID)
	if err != nil {
		return Attempt{}, mapPersistenceError(err)
	}
	return mapAttempt(record), nil
}

func (s *service) Active(ctx context.Context, target Target) (Attempt, error) {
	target, err := NormalizeTarget(target)
	if err != nil {
		return Attempt{}, err
	}

	record, err := s.repo.Live(ctx, string(target.Channel), target.Address)
	if err != nil {
		return Attempt{}, mapPersistenceError(err)
	}
	return mapAttempt(record), nil
}

func (s *service) issue(ctx context.Context, target Target) (Attempt, error) {
	code, err := s.codes()
	if err != nil {
		return Attempt{}, fmt.Errorf("generate code: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.cfg.BcryptCost)
	if err != nil {
		return Attempt{}, fmt.Errorf("hash code: %w", err)
	}

	now := s.cfg.Clock()
	record, err := s.repo.Replace(ctx, persistence.VerificationAttempt{
		AttemptID:         uuid.New(),
		Channel:           string(target.Channel),
		Address:           target.Address,
		CodeHash:          string(hash),
		IssuedAt:          now,
		ExpiresAt:         now.Add(s.cfg.TTL),
		AttemptsRemaining: s.cfg.MaxAttempts,
	})
	if err != nil {
		return Attempt{}, mapPersistenceError(err)
	}

	if err := s.sender.Send(ctx, delivery.Message{
		AttemptID: record.AttemptID,
		Channel:   record.Channel,
		Address:   record.Address,
		Code:      code,
		ExpiresAt: record.ExpiresAt,
	}); err != nil {
		// An undelivered code must not be reused on re-entry.
		if supErr := s.repo.Supersede(context.WithoutCancel(ctx), record.AttemptID, s.cfg.Clock()); supErr != nil {
			s.logger.Warn("close undelivered attempt", zap.String("attempt_id", record.AttemptID.String()), zap.Error(supErr))
		}
		return Attempt{}, fmt.Errorf("%w: deliver code: %w", ErrTransient, err)
	}

	platformlogging.Or(ctx, s.logger).Info("verification attempt issued",
		zap.String("attempt_id", record.AttemptID.String()),
		zap.String("channel", record.Channel),
		platformlogging.Contact("recipient", record.Address),
		zap.Time("expires_at", record.ExpiresAt),
	)

	return mapAttempt(record), nil
}

func (s *service) allow(target Target) bool {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()

	now := s.cfg.Clock()
	s.pruneLimiters(now)

	entry, ok := s.limiters[target.key()]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Every(s.cfg.ResendEvery), s.cfg.ResendBurst)}
		s.limiters[target.key()] = entry
	}
	entry.seen = now
	return entry.limiter.AllowN(now, 1)
}

// pruneLimiters drops limiters idle long enough to have refilled their whole
// burst; a new limiter for that target behaves the same. Runs at most once per
// refill window. Callers hold limitersMu.
func (s *service) pruneLimiters(now time.Time) {
	idle := s.cfg.ResendEvery * time.Duration(s.cfg.ResendBurst)
	if now.Sub(s.prunedAt) < idle {
		return
	}
	for key, entry := range s.limiters {
		if now.Sub(entry.seen) >= idle {
			delete(s.limiters, key)
		}
	}
	s.prunedAt = now
}

// NormalizeTarget validates and canonicalises a recipient.
func NormalizeTarget(target Target) (Target, error) {
	fieldErrors := FieldErrors{}

	switch target.Channel {
	case ChannelEmail:
		email, err := contact.NormalizeEmail(target.Address)
		if err != nil {
			fieldErrors.add("address", err.Error())
		}
		target.Address = email
	case ChannelSMS, ChannelWhatsApp:
		phone, err := contact.NormalizePhone(target.Address)
		if err != nil {
			fieldErrors.add("address", err.Error())
		}
		target.Address = phone
	default:
		fieldErrors.add("channel", "channel must be one of whatsapp, sms, email")
	}

	if len(fieldErrors) > 0 {
		return Target{}, &ValidationError{Fields: fieldErrors}
	}
	return target, nil
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func mapAttempt(record persistence.VerificationAttempt) Attempt {
	return Attempt{
		ID:                record.AttemptID,
		Target:            Target{Channel: Channel(record.Channel), Address: record.Address},
		IssuedAt:          record.IssuedAt,
		ExpiresAt:         record.ExpiresAt,
		AttemptsRemaining: record.AttemptsRemaining,
		Closed:            record.ConsumedAt != nil || record.SupersededAt != nil,
	}
}

func mapPersistenceError(err error) error {
	switch {
	case errors.Is(err, persistence.ErrAttemptNotFound):
		return ErrAttemptNotFound
	case errors.Is(err, persistence.ErrAttemptClosed):
		return ErrAttemptClosed
	default:
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
}

func (f FieldErrors) add(field, message string) {
	if f == nil {
		return
	}
	f[field] = append(f[field], message)
}
