package bootstrap

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-farmops/apps/cli/internal/clidb"
	"github.com/zenGate-Global/palmyra-farmops/domains/identity/be/credentials"
	identityrepo "github.com/zenGate-Global/palmyra-farmops/domains/identity/be/repo"
	identityservice "github.com/zenGate-Global/palmyra-farmops/domains/identity/be/service"
	"github.com/zenGate-Global/palmyra-farmops/domains/onboarding/be/machine"
	plansrepo "github.com/zenGate-Global/palmyra-farmops/domains/plans/be/repo"
	plansservice "github.com/zenGate-Global/palmyra-farmops/domains/plans/be/service"
	platformlogging "github.com/zenGate-Global/palmyra-farmops/platform/go/logging"
	"github.com/zenGate-Global/palmyra-farmops/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-farmops/platform/go/tenant"
)

// Command groups schema migration and bootstrap inspection.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Prepare and inspect platform bootstrap",
	}

	cmd.AddCommand(migrateCommand())
	cmd.AddCommand(statusCommand())
	return cmd
}

func migrateCommand() *cobra.Command {
	var db clidb.Flags

	c := &cobra.Command{
		Use:   "migrate",
		Short: "Create the onboarding schema and tables (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			pool, err := db.Open(ctx)
			if err != nil {
				return err
			}
			defer persistence.ClosePool(pool)

			logger := platformlogging.Or(ctx, zap.NewNop())
			logger.Debug("applying onboarding schema", zap.String("schema", db.Schema()))
			if err := persistence.ApplyOnboardingSchema(ctx, pool, db.Schema()); err != nil {
				logger.Error("apply onboarding schema", zap.String("schema", db.Schema()), zap.Error(err))
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Onboarding schema %s is up to date.\n", db.Schema())
			return nil
		},
	}

	db.Bind(c)
	return c
}

func statusCommand() *cobra.Command {
	var (
		db       clidb.Flags
		tenantID string
	)

	c := &cobra.Command{
		Use:   "status",
		Short: "Report which bootstrap step the platform is in",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			pool, err := db.OpenReady(ctx)
			if err != nil {
				return err
			}
			defer persistence.ClosePool(pool)

			accounts, err := persistence.NewAccountStore(ctx, pool)
			if err != nil {
				return fmt.Errorf("init account store: %w", err)
			}
			planStore, err := persistence.NewPlanStore(ctx, pool)
			if err != nil {
				return fmt.Errorf("init plan store: %w", err)
			}

			// Status only reads, so the in-memory provider never provisions anything.
			identity := identityservice.New(identityrepo.NewPostgresRepository(accounts), credentials.NewDevProvider(), nil)
			plans := plansservice.New(plansrepo.NewPostgresRepository(planStore))

			r, err := Inspect(ctx, identity, plans, tenantID)
			if err != nil {
				return err
			}
			r.Print(cmd.OutOrStdout())
			return nil
		},
	}

	db.Bind(c)
	c.Flags().StringVar(&tenantID, "tenant", "", "Tenant id (kebab-case) to inspect")
	_ = c.MarkFlagRequired("tenant")
	return c
}

// Report is the platform-wide view of bootstrap progress for one tenant.
type Report struct {
	TenantID      string
	HasSuperAdmin bool
	HasAdmin      bool
	AdminEmail    string
	Plan          *plansservice.Confirmation
	// Step is what a fresh, signed-out session would be shown.
	Step machine.Step
}

// Inspect gathers the bootstrap facts for tenantID.
func Inspect(ctx context.Context, identity identityservice.Service, plans plansservice.Service, tenantID string) (Report, error) {
	id, err := tenant.NormalizeID(tenantID)
	if err != nil {
		return Report{}, err
	}
	r := Report{TenantID: id}

	if r.HasSuperAdmin, err = identity.HasSuperAdmin(ctx); err != nil {
		return Report{}, fmt.Errorf("check super admin: %w", err)
	}
	if r.HasAdmin, err = identity.HasTenantAdmin(ctx, id); err != nil {
		return Report{}, fmt.Errorf("check tenant admin: %w", err)
	}
	if r.HasAdmin {
		admin, err := identity.TenantAdmin(ctx, id)
		if err != nil {
			return Report{}, fmt.Errorf("load tenant admin: %w", err)
		}
		r.AdminEmail = admin.Email
	}
	if r.Plan, err = plans.Confirmation(ctx, id); err != nil {
		return Report{}, fmt.Errorf("load plan confirmation: %w", err)
	}

	r.Step = machine.Derive(machine.Facts{
		Resolved:         true,
		HasSuperAdmin:    r.HasSuperAdmin,
		IntroductionSeen: true,
		HasAdmin:         r.HasAdmin,
		PlanConfirmed:    r.Plan != nil,
	})
	return r, nil
}

// Print writes the report as aligned key/value lines.
func (r Report) Print(w io.Writer) {
	fmt.Fprintf(w, "tenant:       %s\n", r.TenantID)
	fmt.Fprintf(w, "super admin:  %t\n", r.HasSuperAdmin)
	if r.AdminEmail != "" {
		fmt.Fprintf(w, "tenant admin: %s\n", r.AdminEmail)
	} else {
		fmt.Fprintf(w, "tenant admin: %t\n", r.HasAdmin)
	}
	if r.Plan != nil {
		fmt.Fprintf(w, "plan:         %s (%s, %d %s) confirmed %s\n",
			r.Plan.Selection.PlanID,
			r.Plan.Selection.BillingPeriod,
			r.Plan.Selection.PriceCents,
			r.Plan.Selection.Currency,
			r.Plan.ConfirmedAt.UTC().Format("2006-01-02 15:04:05Z"),
		)
	} else {
		fmt.Fprintln(w, "plan:         none")
	}
	fmt.Fprintf(w, "next step:    %s\n", r.Step)
}
