// Package journal provides an optional SQLite-backed record of run outcomes.
//
// The journal exists for one purpose: making a partially failed load cheap to
// resume. Re-running the whole batch is always safe (puts are idempotent),
// but with a journal the loader can skip steps that a previous run over the
// exact same batch already landed. Runs are keyed by the plan fingerprint;
// any change to batch content or order produces a new fingerprint and a full
// run.
//
// Database configuration follows the usual SQLite one-shot-tool setup:
// WAL mode, NORMAL synchronous, busy timeout, foreign keys on, and a single
// connection since SQLite only supports one writer.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/fhirload/internal/fhir"
)

//go:embed schema.sql
var schemaSQL string

// Journal records per-step outcomes across runs.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database at path. Idempotent.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect journal: %w", err)
	}

	// Single writer avoids SQLITE_BUSY on concurrent statements.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// BeginRun registers a run before its first step executes.
func (j *Journal) BeginRun(ctx context.Context, runID, fingerprint string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (id, batch_fingerprint, started_at) VALUES (?, ?, ?)`,
		runID, fingerprint, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("begin run %s: %w", runID, err)
	}
	return nil
}

// FinishRun stamps the run's end time.
func (j *Journal) FinishRun(ctx context.Context, runID string) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return nil
}

// RecordStep journals the terminal status of one step within a run.
func (j *Journal) RecordStep(ctx context.Context, runID string, target fhir.Identity, mode, status string, attempts int) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO steps (run_id, target, mode, status, attempts, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, target, mode) DO UPDATE SET
		   status = excluded.status,
		   attempts = excluded.attempts,
		   recorded_at = excluded.recorded_at`,
		runID, target.String(), mode, status, attempts,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record step %s for run %s: %w", target, runID, err)
	}
	return nil
}

// Done reports whether any previous run with the same batch fingerprint
// recorded the step as created or updated.
func (j *Journal) Done(ctx context.Context, fingerprint string, target fhir.Identity, mode string) (bool, error) {
	var count int
	err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*)
		 FROM steps s
		 JOIN runs r ON r.id = s.run_id
		 WHERE r.batch_fingerprint = ?
		   AND s.target = ?
		   AND s.mode = ?
		   AND s.status IN ('created', 'updated')`,
		fingerprint, target.String(), mode,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query step %s: %w", target, err)
	}
	return count > 0, nil
}
