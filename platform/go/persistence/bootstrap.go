package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	sqlassets "github.com/zenGate-Global/palmyra-farmops/database"
)

// ApplyOnboardingSchema creates the onboarding schema (if missing) and applies
// the embedded DDL in a single transaction with search_path pinned to it:
//  1. onboarding/accounts.sql
//  2. onboarding/plans.sql
//  3. onboarding/verification.sql
//
// Every statement is idempotent, so the helper is safe to run on each deploy,
// from the CLI and from integration tests.
func ApplyOnboardingSchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return fmt.Errorf("apply onboarding schema: pool is required")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		return fmt.Errorf("apply onboarding schema: schema is required")
	}

	var statements []string
	statements = append(statements, splitStatements(sqlassets.AccountsSQL)...)
	statements = append(statements, splitStatements(sqlassets.PlansSQL)...)
	statements = append(statements, splitStatements(sqlassets.VerificationSQL)...)

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT set_config('search_path', $1, true)`, schema); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}

	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply ddl: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// SchemaReady reports whether the onboarding tables exist in the given schema.
func SchemaReady(ctx context.Context, pool *pgxpool.Pool, schema string) (bool, error) {
	var count int
	err := pool.QueryRow(ctx, `
        SELECT COUNT(*)
        FROM pg_class c
        JOIN pg_namespace n ON n.oid = c.relnamespace
        WHERE n.nspname = $1
          AND c.relkind = 'r'
          AND c.relname IN ('accounts', 'account_roles', 'plans', 'plan_confirmations', 'verification_attempts')
    `, schema).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check onboarding tables: %w", err)
	}
	return count == 5, nil
}

// splitStatements breaks a DDL file into executable statements, dropping
// comment-only fragments.
func splitStatements(sql string) []string {
	raw := strings.Split(sql, ";")
	out := make([]string, 0, len(raw))
	for _, part := range raw {
		var kept []string
		for _, line := range strings.Split(part, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			kept = append(kept, line)
		}
		stmt := strings.TrimSpace(strings.Join(kept, "\n"))
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}
