// Package history keeps a SQLite ledger of conversion runs and their
// per-file failures.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/imgpipe/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes.
const schemaVersion = 1

// ErrSchemaMismatch indicates a ledger written by another schema version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// Run is one ledger row.
type Run struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time
	Source      string
	Destination string
	Workers     int
	Submitted   int
	Succeeded   int
	Failed      int
	Faults      int64
	Error       string
	ReportPath  string
	Failures    []types.FailureRecord
}

// Store is the ledger database.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the ledger at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin schema tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return tx.Commit()
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

// Record stores a finished run with its failures in one transaction.
func (s *Store) Record(ctx context.Context, run Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO runs
        (id, started_at, finished_at, source, destination, workers, submitted, succeeded, failed, faults, error, report_path)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.FinishedAt.UTC().Format(time.RFC3339Nano),
		run.Source,
		run.Destination,
		run.Workers,
		run.Submitted,
		run.Succeeded,
		run.Failed,
		run.Faults,
		nullableString(run.Error),
		nullableString(run.ReportPath),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, f := range run.Failures {
		_, err := tx.ExecContext(ctx, `INSERT INTO failures
            (run_id, stage, source_file, command, diagnostic, quarantine_path, removed_output)
            VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.ID, string(f.Stage), f.SourceFile, f.Command, f.Diagnostic,
			nullableString(f.QuarantinePath), nullableString(f.RemovedOutput),
		)
		if err != nil {
			return fmt.Errorf("insert failure: %w", err)
		}
	}
	return tx.Commit()
}

// List returns the most recent runs, newest first, without failures.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT
        id, started_at, finished_at, source, destination, workers, submitted, succeeded, failed, faults, error, report_path
        FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Get returns one run with its failures, or nil when unknown.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
        id, started_at, finished_at, source, destination, workers, submitted, succeeded, failed, faults, error, report_path
        FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT stage, source_file, command, diagnostic, quarantine_path, removed_output
        FROM failures WHERE run_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			f          types.FailureRecord
			stage      string
			quarantine sql.NullString
			removed    sql.NullString
		)
		if err := rows.Scan(&stage, &f.SourceFile, &f.Command, &f.Diagnostic, &quarantine, &removed); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.Stage = types.StageName(stage)
		f.QuarantinePath = quarantine.String
		f.RemovedOutput = removed.String
		run.Failures = append(run.Failures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &run, nil
}

func scanRun(scanner interface{ Scan(dest ...any) error }) (Run, error) {
	var (
		run               Run
		started, finished string
		runErr, report    sql.NullString
	)
	err := scanner.Scan(&run.ID, &started, &finished, &run.Source, &run.Destination, &run.Workers,
		&run.Submitted, &run.Succeeded, &run.Failed, &run.Faults, &runErr, &report)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return run, err
		}
		return run, fmt.Errorf("scan run: %w", err)
	}
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return run, fmt.Errorf("parse started_at: %w", err)
	}
	if run.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
		return run, fmt.Errorf("parse finished_at: %w", err)
	}
	run.Error = runErr.String
	run.ReportPath = report.String
	return run, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
