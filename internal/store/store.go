package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrBindingExists   = errors.New("thread already bound to a different session")
	ErrSessionBound    = errors.New("session already bound to a different thread")
)

// Store handles session, history, binding, and usage persistence.
// Ephemeral sessions live only in memory until promoted; everything else
// goes to SQLite.
type Store struct {
	db *sql.DB

	mu        sync.Mutex
	ephemeral map[string]*ephemeralSession

	// pending guards concurrent FindOrCreateSession calls for the same
	// thread so only one creates
	pending map[threadKey]chan struct{}
}

type threadKey struct {
	team    string
	channel string
	thread  string
}

type ephemeralSession struct {
	session Session
	history []MessageItem
	models  map[string]*ModelUsage
	nextSeq int64
}

// NewStore creates a session store with SQLite backend
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "sessions.db")
	// WAL and busy timeout for concurrent access. foreign_keys must be a
	// DSN pragma so every pooled connection gets it, or CASCADE silently
	// stops firing on connections that never ran the PRAGMA.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{
		db:        db,
		ephemeral: make(map[string]*ephemeralSession),
		pending:   make(map[threadKey]chan struct{}),
	}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		working_dir TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'idle',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		upstream_session_id TEXT,
		model TEXT,
		permission_mode TEXT NOT NULL DEFAULT 'default',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_name TEXT,
		tool_use_id TEXT,
		is_error INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS bindings (
		team TEXT NOT NULL,
		channel TEXT NOT NULL,
		thread TEXT NOT NULL,
		session_id TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (team, channel, thread),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS session_model_usage (
		session_id TEXT NOT NULL,
		model TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (session_id, model),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS usage_daily (
		day TEXT PRIMARY KEY,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// RecoverStaleSessions resets sessions left in a transient status by an
// unclean shutdown back to idle. Returns the IDs that were reset.
func (s *Store) RecoverStaleSessions() ([]string, error) {
	rows, err := s.db.Query(
		"SELECT id FROM sessions WHERE status != ?", StatusIdle,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		if _, err := s.db.Exec("UPDATE sessions SET status = ? WHERE status != ?", StatusIdle, StatusIdle); err != nil {
			return nil, fmt.Errorf("failed to reset stale sessions: %w", err)
		}
	}

	return ids, nil
}
