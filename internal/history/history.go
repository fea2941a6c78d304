// Package history persists finalized run outcomes to a local SQLite
// database so past results stay queryable after the artifact trees are
// cleaned up.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Run is one finalized suite execution.
type Run struct {
	ID         int64     `json:"id"`
	Suite      string    `json:"suite"`
	Timestamp  string    `json:"timestamp"`
	Total      int       `json:"total"`
	Pass       int       `json:"pass"`
	Fail       int       `json:"fail"`
	Skip       int       `json:"skip"`
	ExitCode   int       `json:"exit_code"`
	BundlePath string    `json:"bundle_path"`
	Validated  bool      `json:"validated"`
	CreatedAt  time.Time `json:"created_at"`
}

// ErrRunNotFound is returned when a run is not in the store.
var ErrRunNotFound = errors.New("run not found")

// DB wraps the history database handle.
type DB struct {
	*sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	suite       TEXT NOT NULL,
	timestamp   TEXT NOT NULL,
	total       INTEGER NOT NULL DEFAULT 0,
	pass        INTEGER NOT NULL DEFAULT 0,
	fail        INTEGER NOT NULL DEFAULT 0,
	skip        INTEGER NOT NULL DEFAULT 0,
	exit_code   INTEGER NOT NULL DEFAULT 0,
	bundle_path TEXT NOT NULL DEFAULT '',
	validated   INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_suite ON runs(suite);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

// DefaultPath returns the per-user history database location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "amharness-history.db")
	}
	return filepath.Join(home, ".amharness", "history.db")
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := sqldb.Exec(pragma); err != nil {
			sqldb.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := sqldb.Exec(schema); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}
	return &DB{sqldb}, nil
}

// RecordRun inserts one finalized run.
func (db *DB) RecordRun(run *Run) error {
	if run.Suite == "" {
		return fmt.Errorf("suite is required")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	res, err := db.Exec(`
		INSERT INTO runs (suite, timestamp, total, pass, fail, skip, exit_code, bundle_path, validated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Suite, run.Timestamp, run.Total, run.Pass, run.Fail, run.Skip,
		run.ExitCode, run.BundlePath, run.Validated, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	run.ID, _ = res.LastInsertId()
	return nil
}

// RecentRuns returns the most recent runs, newest first.
func (db *DB) RecentRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`
		SELECT id, suite, timestamp, total, pass, fail, skip, exit_code, bundle_path, validated, created_at
		FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// RunsForSuite returns the named suite's runs, newest first.
func (db *DB) RunsForSuite(suite string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`
		SELECT id, suite, timestamp, total, pass, fail, skip, exit_code, bundle_path, validated, created_at
		FROM runs WHERE suite = ? ORDER BY created_at DESC, id DESC LIMIT ?`, suite, limit)
	if err != nil {
		return nil, fmt.Errorf("query suite runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// GetRun fetches one run by ID.
func (db *DB) GetRun(id int64) (*Run, error) {
	row := db.QueryRow(`
		SELECT id, suite, timestamp, total, pass, fail, skip, exit_code, bundle_path, validated, created_at
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	err := row.Scan(&run.ID, &run.Suite, &run.Timestamp, &run.Total, &run.Pass,
		&run.Fail, &run.Skip, &run.ExitCode, &run.BundlePath, &run.Validated, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
