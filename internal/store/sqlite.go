package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS task_results (
	session_id TEXT NOT NULL,
	task_id    TEXT NOT NULL,
	result     TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, task_id)
)`

// SQLite stores task results in a SQLite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// one writer keeps SQLite from returning SQLITE_BUSY under load
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating task_results table: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Record upserts the result of a task.
func (s *SQLite) Record(ctx context.Context, sessionID, taskID, result string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_results (session_id, task_id, result, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id, task_id) DO UPDATE SET result = excluded.result, updated_at = excluded.updated_at`,
		sessionID, taskID, result, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording result of %s: %w", taskID, err)
	}
	return nil
}

// Lookup returns the recorded result of a task.
func (s *SQLite) Lookup(ctx context.Context, sessionID, taskID string) (string, bool, error) {
	var result string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM task_results WHERE session_id = ? AND task_id = ?`,
		sessionID, taskID).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("looking up result of %s: %w", taskID, err)
	}
	return result, true, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
