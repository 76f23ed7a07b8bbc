package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testSchema = "onboarding"

// startTestPool boots a disposable Postgres, applies the onboarding DDL and
// returns a pool pinned to the onboarding schema.
func startTestPool(t *testing.T) (context.Context, *pgxpool.Pool) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("farmops"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp").WithStartupTimeout(2*time.Minute)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pgContainer.Terminate(context.Background())
	})

	connString, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	bootstrapPool, err := NewPool(ctx, PoolConfig{ConnString: connString})
	require.NoError(t, err)
	require.NoError(t, ApplyOnboardingSchema(ctx, bootstrapPool, testSchema))
	ClosePool(bootstrapPool)

	pool, err := NewPool(ctx, PoolConfig{ConnString: connString, SearchPath: testSchema})
	require.NoError(t, err, fmt.Sprintf("connect with search_path=%s", testSchema))
	t.Cleanup(func() { ClosePool(pool) })

	return ctx, pool
}
