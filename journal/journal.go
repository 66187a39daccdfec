// Package journal provides the SQLite-backed activation journal: one row
// per engine walk, recording which logical volume was activated or
// deactivated, under which run id, and how the walk ended.
//
// The journal is an audit trail, not a source of truth: the kernel's
// device-mapper namespace is always re-scanned at planning time.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Journal wraps the SQL database with helper methods for walk records.
type Journal struct {
	db   *sql.DB
	path string
}

// Config holds journal configuration.
type Config struct {
	// Path to the SQLite database file.
	Path string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns a default journal configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:            path,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 1 * time.Hour,
	}
}

// Record is one journaled engine walk.
type Record struct {
	ID         int64
	RunID      string
	VG         string
	LV         string
	Op         string // "activate" or "deactivate"
	Status     string // "ok" or "failed"
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS walks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL UNIQUE,
    vg TEXT NOT NULL,
    lv TEXT NOT NULL,
    op TEXT NOT NULL,
    status TEXT NOT NULL,
    error TEXT,
    started_at DATETIME NOT NULL,
    finished_at DATETIME NOT NULL,

    CHECK (op IN ('activate', 'deactivate')),
    CHECK (status IN ('ok', 'failed'))
);

CREATE INDEX IF NOT EXISTS idx_walks_vg_lv ON walks(vg, lv);
CREATE INDEX IF NOT EXISTS idx_walks_finished_at ON walks(finished_at);
`

// Open creates a journal connection and initializes the schema. SQLite is
// configured with WAL journaling, NORMAL synchronous mode, a busy timeout
// and in-memory temp storage.
func Open(cfg Config) (*Journal, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	return &Journal{db: db, path: cfg.Path}, nil
}

// Close closes the journal connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Append stores one walk record.
func (j *Journal) Append(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO walks (run_id, vg, lv, op, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := j.db.ExecContext(ctx, query,
		rec.RunID, rec.VG, rec.LV, rec.Op, rec.Status, rec.Error,
		rec.StartedAt, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to append walk record: %w", err)
	}
	return nil
}

// Recent returns the most recent walk records for a VG, newest first.
func (j *Journal) Recent(ctx context.Context, vg string, limit int) ([]Record, error) {
	query := `
		SELECT id, run_id, vg, lv, op, status, COALESCE(error, ''), started_at, finished_at
		FROM walks
		WHERE vg = ?
		ORDER BY finished_at DESC, id DESC
		LIMIT ?
	`

	rows, err := j.db.QueryContext(ctx, query, vg, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query walk records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.VG, &rec.LV, &rec.Op,
			&rec.Status, &rec.Error, &rec.StartedAt, &rec.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan walk record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
