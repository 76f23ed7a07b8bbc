package plans

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zenGate-Global/palmyra-farmops/apps/cli/internal/clidb"
	plansrepo "github.com/zenGate-Global/palmyra-farmops/domains/plans/be/repo"
	plansservice "github.com/zenGate-Global/palmyra-farmops/domains/plans/be/service"
	"github.com/zenGate-Global/palmyra-farmops/platform/go/persistence"
)

// Command groups plan catalog maintenance.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Manage the subscription plan catalog",
	}

	cmd.AddCommand(seedCommand())
	cmd.AddCommand(listCommand())
	return cmd
}

func seedCommand() *cobra.Command {
	var (
		db     clidb.Flags
		file   string
		dryRun bool
	)

	c := &cobra.Command{
		Use:   "seed",
		Short: "Validate a catalog file and upsert its plans",
		Long:  "Validates the YAML catalog against the plan schema and upserts every plan. Without --file the built-in catalog is used.",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := readCatalog(file)
			if err != nil {
				return err
			}

			if dryRun {
				parsed, err := plansservice.ParseCatalog(bytes.NewReader(catalog))
				if err != nil {
					return err
				}
				printPlans(cmd.OutOrStdout(), parsed)
				return nil
			}

			ctx := cmd.Context()
			pool, err := db.OpenReady(ctx)
			if err != nil {
				return err
			}
			defer persistence.ClosePool(pool)

			store, err := persistence.NewPlanStore(ctx, pool)
			if err != nil {
				return fmt.Errorf("init plan store: %w", err)
			}

			seeded, err := plansservice.New(plansrepo.NewPostgresRepository(store)).Seed(ctx, bytes.NewReader(catalog))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d plans into %s.\n", len(seeded), db.Schema())
			return nil
		},
	}

	db.Bind(c)
	c.Flags().StringVar(&file, "file", "", "Catalog YAML file; '-' reads stdin")
	c.Flags().BoolVar(&dryRun, "dry-run", false, "Validate and print the catalog without touching the database")
	return c
}

func listCommand() *cobra.Command {
	var db clidb.Flags

	c := &cobra.Command{
		Use:   "list",
		Short: "List active catalog plans in display order",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := db.OpenReady(ctx)
			if err != nil {
				return err
			}
			defer persistence.ClosePool(pool)

			store, err := persistence.NewPlanStore(ctx, pool)
			if err != nil {
				return fmt.Errorf("init plan store: %w", err)
			}

			result, err := plansservice.New(plansrepo.NewPostgresRepository(store)).ListPlans(ctx)
			if err != nil {
				return err
			}
			printPlans(cmd.OutOrStdout(), result)
			return nil
		},
	}

	db.Bind(c)
	return c
}

func readCatalog(file string) ([]byte, error) {
	switch file {
	case "":
		return plansservice.DefaultCatalog, nil
	case "-":
		return io.ReadAll(os.Stdin)
	default:
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read catalog: %w", err)
		}
		return data, nil
	}
}

func printPlans(w io.Writer, plans []plansservice.Plan) {
	if len(plans) == 0 {
		fmt.Fprintln(w, "No plans.")
		return
	}
	for _, p := range plans {
		prices := make([]string, 0, len(p.Prices))
		for _, price := range p.Prices {
			prices = append(prices, fmt.Sprintf("%s=%d", price.BillingPeriod, price.AmountCents))
		}
		state := "active"
		if !p.Active {
			state = "inactive"
		}
		fmt.Fprintf(w, "%-12s %-20s %s %-8s %s\n", p.ID, p.Name, p.Currency, state, strings.Join(prices, " "))
	}
}
