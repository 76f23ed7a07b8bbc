package machine

import (
	"time"
)

// Notice codes explain why the step moved without the user asking.
const (
	NoticeAlreadyInitialized = "already-initialized"
	NoticeBackendUnavailable = "backend-unavailable"
	NoticePlanNotRecorded    = "plan-not-recorded"
	// NoticePlanAlreadyConfirmed: another session confirmed the tenant's plan
	// while this one was waiting on a code.
	NoticePlanAlreadyConfirmed = "plan-already-confirmed"
)

// Notice is shown once alongside the step it moved the user to.
type Notice struct {
	Code    string
	Message string
}

// Target is the contact a verification code is sent to.
type Target struct {
	Channel string
	Address string
}

// PlanSelection is a priced plan choice, held until the code is confirmed.
type PlanSelection struct {
	PlanID        string
	Type          string
	BillingPeriod string
	PriceCents    int64
	Currency      string
}

// Attempt is the single live verification attempt for the target.
type Attempt struct {
	ID                string
	Target            Target
	IssuedAt          time.Time
	ExpiresAt         time.Time
	AttemptsRemaining int
}

// Status is the externally visible state of one bootstrap session.
type Status struct {
	Step Step

	HasSuperAdmin bool
	HasAdmin      bool
	SignedIn      bool
	PlanConfirmed bool

	PendingPlan           *PlanSelection
	VerificationTarget    *Target
	VerificationConfirmed bool
	IntroductionSeen      bool
	Attempt               *Attempt

	AccountID string
	TenantID  string

	Notice *Notice

	// Resolved reports whether any existence check has been applied.
	Resolved bool
	// Refreshing is true while a check is in flight.
	Refreshing bool
	// Seq is the sequence number of the last applied check.
	Seq       uint64
	CheckedAt time.Time
}

// Facts projects the status onto the inputs of Derive.
func (s Status) Facts() Facts {
	return Facts{
		Resolved:              s.Resolved,
		HasSuperAdmin:         s.HasSuperAdmin,
		IntroductionSeen:      s.IntroductionSeen,
		HasAdmin:              s.HasAdmin,
		PlanConfirmed:         s.PlanConfirmed,
		HasPendingPlan:        s.PendingPlan != nil,
		HasTarget:             s.VerificationTarget != nil,
		VerificationConfirmed: s.VerificationConfirmed,
		SignedIn:              s.SignedIn,
	}
}

func (s Status) clone() Status {
	out := s
	if s.PendingPlan != nil {
		p := *s.PendingPlan
		out.PendingPlan = &p
	}
	if s.VerificationTarget != nil {
		t := *s.VerificationTarget
		out.VerificationTarget = &t
	}
	if s.Attempt != nil {
		a := *s.Attempt
		out.Attempt = &a
	}
	if s.Notice != nil {
		n := *s.Notice
		out.Notice = &n
	}
	return out
}

// Opt marks a Patch field as asserted.
type Opt[T any] struct {
	value T
	set   bool
}

// Set asserts v.
func Set[T any](v T) Opt[T] {
	return Opt[T]{value: v, set: true}
}

// Get returns the asserted value and whether it was set.
func (o Opt[T]) Get() (T, bool) {
	return o.value, o.set
}

// Patch is a partial status. Only set fields are merged.
type Patch struct {
	HasSuperAdmin         Opt[bool]
	HasAdmin              Opt[bool]
	SignedIn              Opt[bool]
	PlanConfirmed         Opt[bool]
	PendingPlan           Opt[*PlanSelection]
	VerificationTarget    Opt[*Target]
	VerificationConfirmed Opt[bool]
	IntroductionSeen      Opt[bool]
	Attempt               Opt[*Attempt]
	AccountID             Opt[string]
	TenantID              Opt[string]
	Notice                Opt[*Notice]
}

type field int

const (
	fieldHasSuperAdmin field = iota
	fieldHasAdmin
	fieldSignedIn
	fieldPlanConfirmed
	fieldPendingPlan
	fieldVerificationTarget
	fieldVerificationConfirmed
	fieldIntroductionSeen
	fieldAttempt
	fieldAccountID
	fieldTenantID
	fieldNotice
	fieldCount
)

// merge applies p to s and stamps every asserted field with stamp.
func (p Patch) merge(s *Status, stamps *[fieldCount]uint64, stamp uint64) {
	mergeField(p.HasSuperAdmin, &s.HasSuperAdmin, fieldHasSuperAdmin, stamps, stamp)
	mergeField(p.HasAdmin, &s.HasAdmin, fieldHasAdmin, stamps, stamp)
	mergeField(p.SignedIn, &s.SignedIn, fieldSignedIn, stamps, stamp)
	mergeField(p.PlanConfirmed, &s.PlanConfirmed, fieldPlanConfirmed, stamps, stamp)
	mergeField(p.VerificationConfirmed, &s.VerificationConfirmed, fieldVerificationConfirmed, stamps, stamp)
	mergeField(p.IntroductionSeen, &s.IntroductionSeen, fieldIntroductionSeen, stamps, stamp)
	mergeField(p.AccountID, &s.AccountID, fieldAccountID, stamps, stamp)
	mergeField(p.TenantID, &s.TenantID, fieldTenantID, stamps, stamp)

	if v, ok := p.PendingPlan.Get(); ok {
		s.PendingPlan = nil
		if v != nil {
			c := *v
			s.PendingPlan = &c
		}
		stamps[fieldPendingPlan] = stamp
	}
	if v, ok := p.VerificationTarget.Get(); ok {
		s.VerificationTarget = nil
		if v != nil {
			c := *v
			s.VerificationTarget = &c
		}
		stamps[fieldVerificationTarget] = stamp
	}
	if v, ok := p.Attempt.Get(); ok {
		s.Attempt = nil
		if v != nil {
			c := *v
			s.Attempt = &c
		}
		stamps[fieldAttempt] = stamp
	}
	if v, ok := p.Notice.Get(); ok {
		s.Notice = nil
		if v != nil {
			c := *v
			s.Notice = &c
		}
		stamps[fieldNotice] = stamp
	}
}

func mergeField[T any](o Opt[T], dst *T, f field, stamps *[fieldCount]uint64, stamp uint64) {
	if v, ok := o.Get(); ok {
		*dst = v
		stamps[f] = stamp
	}
}
