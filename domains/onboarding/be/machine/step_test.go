package machine

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestDeriveTruthTable(t *testing.T) {
	resolved := Facts{Resolved: true}
	withSuper := Facts{Resolved: true, HasSuperAdmin: true}
	withAdmin := Facts{Resolved: true, HasSuperAdmin: true, HasAdmin: true}
	selected := Facts{Resolved: true, HasSuperAdmin: true, HasAdmin: true, HasPendingPlan: true, HasTarget: true}
	confirmed := Facts{Resolved: true, HasSuperAdmin: true, HasAdmin: true, PlanConfirmed: true}

	tests := []struct {
		name  string
		facts Facts
		want  Step
	}{
		{name: "nothing resolved", facts: Facts{}, want: StepChecking},
		{name: "unresolved ignores other facts", facts: Facts{HasSuperAdmin: true, HasAdmin: true, PlanConfirmed: true, SignedIn: true}, want: StepChecking},
		{name: "fresh platform", facts: resolved, want: StepIntroduction},
		{name: "introduction acknowledged", facts: Facts{Resolved: true, IntroductionSeen: true}, want: StepNeedsSuperAdmin},
		{name: "signed in but no super admin", facts: Facts{Resolved: true, IntroductionSeen: true, SignedIn: true}, want: StepNeedsSuperAdmin},
		{name: "super admin without tenant admin", facts: withSuper, want: StepNeedsTenantAdmin},
		{name: "introduction skipped once super admin exists", facts: Facts{Resolved: true, HasSuperAdmin: true, HasAdmin: true, PlanConfirmed: true, SignedIn: true}, want: StepReady},
		{name: "no plan", facts: withAdmin, want: StepNeedsPlanSelection},
		{name: "pending plan without target", facts: Facts{Resolved: true, HasSuperAdmin: true, HasAdmin: true, HasPendingPlan: true}, want: StepNeedsPlanSelection},
		{name: "target without pending plan", facts: Facts{Resolved: true, HasSuperAdmin: true, HasAdmin: true, HasTarget: true}, want: StepNeedsPlanSelection},
		{name: "plan selected", facts: selected, want: StepNeedsVerification},
		{name: "plan selected and verified, signed out", facts: func() Facts { f := selected; f.VerificationConfirmed = true; return f }(), want: StepNeedsSignIn},
		{name: "plan confirmed, signed out", facts: confirmed, want: StepNeedsSignIn},
		{name: "plan confirmed, signed in", facts: func() Facts { f := confirmed; f.SignedIn = true; return f }(), want: StepReady},
		{name: "re-selection after confirmation verifies again", facts: func() Facts { f := confirmed; f.HasPendingPlan, f.HasTarget = true, true; return f }(), want: StepNeedsVerification},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Derive(tt.facts))
		})
	}
}

// TestDeriveInvariantsExhaustive walks every combination of facts.
func TestDeriveInvariantsExhaustive(t *testing.T) {
	const n = 9
	for mask := 0; mask < 1<<n; mask++ {
		bit := func(i int) bool { return mask&(1<<i) != 0 }
		f := Facts{
			Resolved:              bit(0),
			HasSuperAdmin:         bit(1),
			IntroductionSeen:      bit(2),
			HasAdmin:              bit(3),
			PlanConfirmed:         bit(4),
			HasPendingPlan:        bit(5),
			HasTarget:             bit(6),
			VerificationConfirmed: bit(7),
			SignedIn:              bit(8),
		}
		require.Truef(t, stepInvariantsHold(f, Derive(f)), "facts %+v derived %s", f, Derive(f))
	}
}

func TestDeriveProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("derived step respects bootstrap ordering", prop.ForAll(
		func(f Facts) bool {
			return stepInvariantsHold(f, Derive(f))
		},
		genFacts(),
	))

	properties.Property("derive is deterministic", prop.ForAll(
		func(f Facts) bool {
			return Derive(f) == Derive(f)
		},
		genFacts(),
	))

	properties.Property("signing in never moves the step backwards", prop.ForAll(
		func(f Facts) bool {
			signedOut, signedIn := f, f
			signedOut.SignedIn, signedIn.SignedIn = false, true
			return stepIndex(Derive(signedIn)) >= stepIndex(Derive(signedOut))
		},
		genFacts(),
	))

	properties.TestingRun(t)
}

func genFacts() gopter.Gen {
	return gen.SliceOfN(9, gen.Bool()).Map(func(b []bool) Facts {
		return Facts{
			Resolved:              b[0],
			HasSuperAdmin:         b[1],
			IntroductionSeen:      b[2],
			HasAdmin:              b[3],
			PlanConfirmed:         b[4],
			HasPendingPlan:        b[5],
			HasTarget:             b[6],
			VerificationConfirmed: b[7],
			SignedIn:              b[8],
		}
	})
}

func stepInvariantsHold(f Facts, step Step) bool {
	switch step {
	case StepChecking:
		return !f.Resolved
	case StepIntroduction:
		return f.Resolved && !f.HasSuperAdmin && !f.IntroductionSeen
	case StepNeedsSuperAdmin:
		return f.Resolved && !f.HasSuperAdmin
	case StepNeedsTenantAdmin:
		return f.HasSuperAdmin && !f.HasAdmin
	case StepNeedsPlanSelection:
		return f.HasSuperAdmin && f.HasAdmin && !f.PlanConfirmed
	case StepNeedsVerification:
		return f.HasSuperAdmin && f.HasAdmin && f.HasPendingPlan && f.HasTarget && !f.VerificationConfirmed
	case StepNeedsSignIn:
		return f.HasSuperAdmin && f.HasAdmin && !f.SignedIn
	case StepReady:
		return f.Resolved && f.HasSuperAdmin && f.HasAdmin && f.SignedIn
	default:
		return false
	}
}

func stepIndex(s Step) int {
	for i, step := range Steps {
		if step == s {
			return i
		}
	}
	return -1
}
