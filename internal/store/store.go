// Package store provides SQLite persistence for open sessions. Profile and
// quota state live in the JSON profile store and are written synchronously;
// session rows are written by a periodic sweep, so a crash loses at most one
// sweep interval of buffered output.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides SQLite storage for session state.
type Store struct {
	db *sql.DB
}

// SessionRow is the persisted form of one open session.
type SessionRow struct {
	ID         string
	ProfileID  string
	Cwd        string
	Title      string
	AgentMode  bool
	ExternalID string
	Output     string
	UpdatedAt  time.Time
}

// New creates a new Store with the given database path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer: SQLite serializes writes anyway, and each connection
	// allocates its own page cache. busy_timeout handles any contention.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-500;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			profile_id TEXT NOT NULL,
			cwd TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			agent_mode INTEGER NOT NULL DEFAULT 0,
			external_id TEXT NOT NULL DEFAULT '',
			output TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession inserts or replaces one session row.
func (s *Store) SaveSession(row *SessionRow) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, profile_id, cwd, title, agent_mode, external_id, output, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			profile_id = excluded.profile_id,
			cwd = excluded.cwd,
			title = excluded.title,
			agent_mode = excluded.agent_mode,
			external_id = excluded.external_id,
			output = excluded.output,
			updated_at = excluded.updated_at`,
		row.ID, row.ProfileID, row.Cwd, row.Title, boolToInt(row.AgentMode),
		row.ExternalID, row.Output, row.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// SaveAll persists a batch of session rows in one transaction.
func (s *Store) SaveAll(rows []*SessionRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		_, err := tx.Exec(
			`INSERT INTO sessions (id, profile_id, cwd, title, agent_mode, external_id, output, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				profile_id = excluded.profile_id,
				cwd = excluded.cwd,
				title = excluded.title,
				agent_mode = excluded.agent_mode,
				external_id = excluded.external_id,
				output = excluded.output,
				updated_at = excluded.updated_at`,
			row.ID, row.ProfileID, row.Cwd, row.Title, boolToInt(row.AgentMode),
			row.ExternalID, row.Output, row.UpdatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("failed to save session %s: %w", row.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sessions: %w", err)
	}
	return nil
}

// DeleteSession removes one session row. Deleting an absent id is not an
// error.
func (s *Store) DeleteSession(id string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// LoadSessions returns every persisted session, oldest update first.
func (s *Store) LoadSessions() ([]*SessionRow, error) {
	rows, err := s.db.Query(
		`SELECT id, profile_id, cwd, title, agent_mode, external_id, output, updated_at
		 FROM sessions ORDER BY updated_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionRow
	for rows.Next() {
		var (
			row       SessionRow
			agentMode int
			updatedAt string
		)
		if err := rows.Scan(&row.ID, &row.ProfileID, &row.Cwd, &row.Title,
			&agentMode, &row.ExternalID, &row.Output, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		row.AgentMode = agentMode != 0
		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			row.UpdatedAt = t
		}
		out = append(out, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
