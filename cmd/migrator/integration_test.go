//go:build integration

package main

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestRunMigrationsWithRealPostgres applies the real schema twice and
// checks the second run is a no-op.
// Run with: go test -tags=integration -timeout 120s ./cmd/migrator/...
func TestRunMigrationsWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("vams"),
		postgres.WithUsername("vams"),
		postgres.WithPassword("vams"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer conn.Release()

	if err := runMigrations(ctx, conn, "../../migrations", nil, nil, t.Logf); err != nil {
		t.Fatalf("runMigrations: %v", err)
	}

	for _, table := range []string{"roles", "constraints", "constraint_groups", "constraint_users", "user_roles", "decision_audit"} {
		var exists bool
		err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)`, table).Scan(&exists)
		if err != nil || !exists {
			t.Fatalf("table %s missing: exists=%v err=%v", table, exists, err)
		}
	}

	var recorded bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename='001_init.sql')`).Scan(&recorded); err != nil || !recorded {
		t.Fatalf("migration not recorded: recorded=%v err=%v", recorded, err)
	}

	if err := runMigrations(ctx, conn, "../../migrations", nil, nil, t.Logf); err != nil {
		t.Fatalf("second runMigrations: %v", err)
	}
}
