// Package clidb holds the database flags shared by CLI commands.
package clidb

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/zenGate-Global/palmyra-farmops/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-farmops/platform/go/tenant"
)

// Flags are bound to a command with Bind. Defaults come from DATABASE_URL and ENV_KEY
// so the CLI picks up the same environment as the API server.
type Flags struct {
	DatabaseURL string
	EnvKey      string
}

// Bind registers --database-url and --env-key on cmd.
func (f *Flags) Bind(cmd *cobra.Command) {
	envKey := os.Getenv("ENV_KEY")
	if envKey == "" {
		envKey = "dev"
	}
	cmd.Flags().StringVar(&f.DatabaseURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string (default $DATABASE_URL)")
	cmd.Flags().StringVar(&f.EnvKey, "env-key", envKey, "Environment key prefix (e.g. dev, stg, prod)")
}

// Schema is the onboarding schema for the configured environment.
func (f *Flags) Schema() string {
	return tenant.BuildSchemaName(f.EnvKey, "onboarding")
}

// Open connects with search_path pinned to the onboarding schema.
func (f *Flags) Open(ctx context.Context) (*pgxpool.Pool, error) {
	if f.DatabaseURL == "" {
		return nil, fmt.Errorf("--database-url or DATABASE_URL is required")
	}
	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{
		ConnString:      f.DatabaseURL,
		SearchPath:      f.Schema(),
		ApplicationName: "farmops-cli",
	})
	if err != nil {
		return nil, fmt.Errorf("init pool: %w", err)
	}
	return pool, nil
}

// OpenReady is Open plus a check that migrations have run.
func (f *Flags) OpenReady(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := f.Open(ctx)
	if err != nil {
		return nil, err
	}
	ready, err := persistence.SchemaReady(ctx, pool, f.Schema())
	if err != nil {
		persistence.ClosePool(pool)
		return nil, err
	}
	if !ready {
		persistence.ClosePool(pool)
		return nil, fmt.Errorf("onboarding schema %q not found (run `farmops bootstrap migrate` first)", f.Schema())
	}
	return pool, nil
}
