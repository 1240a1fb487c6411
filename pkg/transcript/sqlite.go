package transcript

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite appends records to a local database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the transcript database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS transcripts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent TEXT NOT NULL,
			session_id TEXT NOT NULL,
			persistent INTEGER NOT NULL,
			message_id TEXT,
			run_id TEXT,
			input TEXT NOT NULL,
			output TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transcripts_agent ON transcripts(agent, finished_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Record(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcripts (agent, session_id, persistent, message_id, run_id, input, output, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Agent, rec.SessionID, rec.Persistent, rec.MessageID, rec.RunID, rec.Input, rec.Output,
		rec.StartedAt.UnixMilli(), rec.FinishedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert transcript: %w", err)
	}
	return nil
}

// Recent returns up to limit records for agent, newest first.
func (s *SQLite) Recent(ctx context.Context, agent string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent, session_id, persistent, message_id, run_id, input, output, started_at, finished_at
		FROM transcripts
		WHERE agent = ?
		ORDER BY finished_at DESC, id DESC
		LIMIT ?
	`, agent, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcripts: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var messageID, runID sql.NullString
		var started, finished int64
		if err := rows.Scan(&rec.Agent, &rec.SessionID, &rec.Persistent, &messageID, &runID,
			&rec.Input, &rec.Output, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan transcript: %w", err)
		}
		rec.MessageID = messageID.String
		rec.RunID = runID.String
		rec.StartedAt = time.UnixMilli(started)
		rec.FinishedAt = time.UnixMilli(finished)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
