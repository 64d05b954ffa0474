// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package history persists terminal conversion jobs in a SQLite database.
// The record survives restarts, backing duplicate detection, the hosted
// status/result endpoints, and the history CLI command.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pdiddy/mdrelay/pkg/types"
)

// ErrNotFound is returned when no record matches a lookup.
var ErrNotFound = errors.New("conversion record not found")

// Store manages the conversion-history SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the history database at path, creating the schema
// if it does not exist.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversions (
			task_id TEXT PRIMARY KEY,
			source_path TEXT NOT NULL,
			base_name TEXT NOT NULL,
			state TEXT NOT NULL,
			failure TEXT,
			error TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			markdown_path TEXT,
			pdf_path TEXT,
			created_at TEXT NOT NULL,
			finished_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversions_base_name ON conversions(base_name)`,
		`CREATE INDEX IF NOT EXISTS idx_conversions_state ON conversions(state)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// Record inserts or replaces the terminal snapshot of a job. A re-run of the
// same task id (restore policy plus resubmission) overwrites the old row.
func (s *Store) Record(ctx context.Context, rec types.JobRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO conversions
		 (task_id, source_path, base_name, state, failure, error, attempts,
		  markdown_path, pdf_path, created_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskID, rec.SourcePath, rec.BaseName, string(rec.State),
		string(rec.Failure), rec.Error, rec.Attempts,
		rec.MarkdownPath, rec.PDFPath,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("recording conversion %s: %w", rec.TaskID, err)
	}
	return nil
}

// FindByTask returns the record for a task id, or ErrNotFound.
func (s *Store) FindByTask(ctx context.Context, taskID string) (*types.JobRecord, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE task_id = ?`, taskID)
	return scanRecord(row)
}

// FindDoneByBase returns the most recent successful record for a base name,
// or ErrNotFound. Duplicate detection uses this to avoid re-queuing files
// that already converted in an earlier run.
func (s *Store) FindDoneByBase(ctx context.Context, baseName string) (*types.JobRecord, error) {
	row := s.db.QueryRowContext(ctx,
		selectColumns+` WHERE base_name = ? AND state = ? ORDER BY finished_at DESC LIMIT 1`,
		baseName, string(types.StateDone))
	return scanRecord(row)
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]types.JobRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var records []types.JobRecord
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

const selectColumns = `SELECT task_id, source_path, base_name, state, failure, error,
	attempts, markdown_path, pdf_path, created_at, finished_at FROM conversions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row *sql.Row) (*types.JobRecord, error) {
	rec, err := scanInto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func scanRecordRows(rows *sql.Rows) (*types.JobRecord, error) {
	return scanInto(rows)
}

func scanInto(scanner rowScanner) (*types.JobRecord, error) {
	var rec types.JobRecord
	var state, failure, createdAt, finishedAt string
	err := scanner.Scan(&rec.TaskID, &rec.SourcePath, &rec.BaseName, &state,
		&failure, &rec.Error, &rec.Attempts, &rec.MarkdownPath, &rec.PDFPath,
		&createdAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	rec.State = types.JobState(state)
	rec.Failure = types.FailureKind(failure)
	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		rec.CreatedAt = t
	}
	if t, perr := time.Parse(time.RFC3339Nano, finishedAt); perr == nil {
		rec.FinishedAt = t
	}
	return &rec, nil
}
