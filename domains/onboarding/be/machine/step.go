package machine

// Step is the one setup step the platform is currently in.
type Step string

const (
	StepChecking           Step = "checking"
	StepIntroduction       Step = "introduction"
	StepNeedsSuperAdmin    Step = "needs-super-admin"
	StepNeedsTenantAdmin   Step = "needs-tenant-admin"
	StepNeedsPlanSelection Step = "needs-plan-selection"
	StepNeedsVerification  Step = "needs-verification"
	StepNeedsSignIn        Step = "needs-sign-in"
	StepReady              Step = "ready"
)

// Steps lists every step in bootstrap order.
var Steps = []Step{
	StepChecking,
	StepIntroduction,
	StepNeedsSuperAdmin,
	StepNeedsTenantAdmin,
	StepNeedsPlanSelection,
	StepNeedsVerification,
	StepNeedsSignIn,
	StepReady,
}

// Facts is everything Derive looks at.
type Facts struct {
	// Resolved is false until an existence check has been applied. A check in
	// flight or a failed first check leaves it false.
	Resolved              bool
	HasSuperAdmin         bool
	IntroductionSeen      bool
	HasAdmin              bool
	PlanConfirmed         bool
	HasPendingPlan        bool
	HasTarget             bool
	VerificationConfirmed bool
	SignedIn              bool
}

// Derive computes the step from facts. Rules are evaluated in order and the
// first match wins.
func Derive(f Facts) Step {
	switch {
	case !f.Resolved:
		return StepChecking
	case !f.HasSuperAdmin && !f.IntroductionSeen:
		return StepIntroduction
	case !f.HasSuperAdmin:
		return StepNeedsSuperAdmin
	case !f.HasAdmin:
		return StepNeedsTenantAdmin
	case !f.PlanConfirmed && (!f.HasPendingPlan || !f.HasTarget):
		return StepNeedsPlanSelection
	case f.HasPendingPlan && f.HasTarget && !f.VerificationConfirmed:
		return StepNeedsVerification
	case !f.SignedIn:
		return StepNeedsSignIn
	default:
		return StepReady
	}
}
