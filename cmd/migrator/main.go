// Command migrator applies the SQL files under the migrations
// directory in filename order, once each. It takes a session advisory
// lock so concurrently starting services do not race on the schema.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/VesselTechnologies/visual-asset-management-system-sub001/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// schemaLockKey identifies the authz schema in pg_advisory_lock.
const schemaLockKey = 7420011

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Seams for tests.
var (
	logFatalf = log.Fatalf
	openDBFn  = store.NewPostgresPool
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	// The advisory lock is session-scoped, so all statements must run
	// on one pinned connection rather than round-robin over the pool.
	conn, err := pool.Acquire(ctx)
	if err != nil {
		logFatalf("db acquire: %v", err)
		return
	}
	defer conn.Release()

	dir := strings.TrimSpace(os.Getenv("MIGRATIONS_DIR"))
	if dir == "" {
		dir = "migrations"
	}
	if err := runMigrations(ctx, conn, dir, nil, nil, log.Printf); err != nil {
		logFatalf("migration: %v", err)
	}
}

func runMigrations(
	ctx context.Context,
	db migrationDB,
	migrationsDir string,
	readFile func(name string) ([]byte, error),
	glob func(pattern string) ([]string, error),
	logf func(format string, args ...any),
) error {
	if db == nil {
		return fmt.Errorf("db required")
	}
	if readFile == nil {
		// #nosec G304 -- paths are confined to the migrations dir below.
		readFile = os.ReadFile
	}
	if glob == nil {
		glob = filepath.Glob
	}
	if logf == nil {
		logf = log.Printf
	}

	if _, err := db.Exec(ctx, `SELECT pg_advisory_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	defer func() {
		_, _ = db.Exec(ctx, `SELECT pg_advisory_unlock($1)`, schemaLockKey)
	}()

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	migrationsDir = filepath.Clean(migrationsDir)
	files, err := glob(filepath.Join(migrationsDir, "*.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	applied := 0
	for _, file := range files {
		name, err := confineToDir(migrationsDir, file)
		if err != nil {
			return fmt.Errorf("invalid migration path: %s", file)
		}
		ok, err := applyMigration(ctx, db, name, readFile)
		if err != nil {
			return err
		}
		if ok {
			applied++
			logf("applied %s", filepath.Base(name))
		}
	}
	logf("schema up to date: %d applied, %d total", applied, len(files))
	return nil
}

// applyMigration runs one file inside a transaction and records it.
// Returns false when the file was already applied.
func applyMigration(ctx context.Context, db migrationDB, file string, readFile func(string) ([]byte, error)) (bool, error) {
	base := filepath.Base(file)
	var exists bool
	if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, base).Scan(&exists); err != nil {
		return false, fmt.Errorf("migration lookup: %w", err)
	}
	if exists {
		return false, nil
	}
	sqlBytes, err := readFile(file)
	if err != nil {
		return false, fmt.Errorf("read migration %s: %w", file, err)
	}
	tx, err := db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin migration tx: %w", err)
	}
	if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
		_ = tx.Rollback(ctx)
		return false, fmt.Errorf("apply migration %s: %w", base, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, base); err != nil {
		_ = tx.Rollback(ctx)
		return false, fmt.Errorf("mark migration %s: %w", base, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", base, err)
	}
	return true, nil
}

func confineToDir(dir, file string) (string, error) {
	cleanDir := filepath.Clean(dir)
	cleanFile := filepath.Clean(file)
	if !strings.HasPrefix(cleanFile, cleanDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes %q", file, dir)
	}
	return cleanFile, nil
}
