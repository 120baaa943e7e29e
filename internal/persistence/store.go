// Package persistence owns the SQLite store backing goloom: the run ledger
// written after every finished task and the cron schedule table. The store
// never holds prompts or outputs, only orchestration metadata.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "lm-v1-2026-08-runs-schedules"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

type Store struct {
	db *sql.DB
}

// DefaultDBPath returns ~/.goloom/loom.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".goloom", "loom.db")
}

// Open opens (creating if needed) the store at path and applies migrations.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY between goloom's own writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &Store{db: db}
	if err := st.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := st.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f on SQLITE_BUSY/LOCKED with capped exponential backoff
// and jitter. The driver's busy_timeout has already absorbed 5s of contention
// by the time an attempt fails.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	delay := 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt >= maxRetries {
			return err
		}

		wait := delay + time.Duration(rand.IntN(int(delay/2)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		if delay *= 2; delay > maxDelay {
			delay = maxDelay
		}
	}
}

// isSQLiteBusy matches the driver's BUSY (5) and LOCKED (6) errors by message
// text, keeping callers free of a direct sqlite3 error-type dependency.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"database is locked",
		"database table is locked",
		"(5)",
		"(6)",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("apply %q: %w", q, err)
		}
	}
	return nil
}

// initSchema brings the database to the latest schema version inside one
// transaction. A database stamped with a version this binary does not know,
// or with a checksum that does not match the known DDL, is refused rather
// than migrated blind.
func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ledgerDDL := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`
	if _, err := tx.ExecContext(ctx, ledgerDDL); err != nil {
		return fmt.Errorf("ensure migration ledger: %w", err)
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	switch {
	case current > schemaVersionLatest:
		return fmt.Errorf("db schema version %d is newer than supported %d", current, schemaVersionLatest)
	case current == schemaVersionLatest:
		var recorded string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&recorded); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if recorded != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, recorded, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'chat',
			engine_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT 'normal',
			status TEXT NOT NULL CHECK(status IN ('success', 'error', 'canceled')),
			error TEXT NOT NULL DEFAULT '',
			submitted_at DATETIME NOT NULL,
			started_at DATETIME,
			ended_at DATETIME,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			name TEXT PRIMARY KEY,
			cron_expr TEXT NOT NULL,
			prompt TEXT NOT NULL,
			engine_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT 'chat',
			priority TEXT NOT NULL DEFAULT 'normal',
			enabled INTEGER NOT NULL DEFAULT 1,
			next_run_at DATETIME,
			last_run_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, next_run_at);`,
	}
	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
