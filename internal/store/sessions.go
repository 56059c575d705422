package store

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/seneschal/internal/permission"
)

// CreateOptions configures a new session
type CreateOptions struct {
	Name           string
	WorkingDir     string
	PermissionMode permission.Mode
	// Ephemeral sessions are held in memory and not written to the
	// database until Promote is called
	Ephemeral bool
}

// CreateSession creates a session and returns it
func (s *Store) CreateSession(opts CreateOptions) (*Session, error) {
	mode := opts.PermissionMode
	if mode == "" {
		mode = permission.ModeDefault
	}
	if !mode.IsValid() {
		return nil, fmt.Errorf("invalid permission mode %q", mode)
	}

	now := time.Now()
	session := Session{
		ID:             "sess_" + uuid.New().String()[:8],
		Name:           opts.Name,
		WorkingDir:     opts.WorkingDir,
		Status:         StatusIdle,
		CreatedAt:      now,
		UpdatedAt:      now,
		PermissionMode: mode,
		Ephemeral:      opts.Ephemeral,
	}

	if opts.Ephemeral {
		s.mu.Lock()
		s.ephemeral[session.ID] = &ephemeralSession{
			session: session,
			models:  make(map[string]*ModelUsage),
			nextSeq: 1,
		}
		s.mu.Unlock()
		return &session, nil
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, name, working_dir, status, created_at, updated_at, permission_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Name, session.WorkingDir, session.Status,
		session.CreatedAt, session.UpdatedAt, string(session.PermissionMode),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	return &session, nil
}

// GetSession retrieves a session by ID, checking the ephemeral tier first
func (s *Store) GetSession(id string) (*Session, error) {
	s.mu.Lock()
	if e, ok := s.ephemeral[id]; ok {
		session := e.session
		s.mu.Unlock()
		return &session, nil
	}
	s.mu.Unlock()

	return s.getDurable(id)
}

func (s *Store) getDurable(id string) (*Session, error) {
	var session Session
	var upstream, model sql.NullString
	var mode string

	err := s.db.QueryRow(`
		SELECT id, name, working_dir, status, created_at, updated_at,
		       upstream_session_id, model, permission_mode,
		       input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens, cost_usd
		FROM sessions WHERE id = ?`, id,
	).Scan(
		&session.ID, &session.Name, &session.WorkingDir, &session.Status,
		&session.CreatedAt, &session.UpdatedAt,
		&upstream, &model, &mode,
		&session.Usage.InputTokens, &session.Usage.OutputTokens,
		&session.Usage.CacheCreationTokens, &session.Usage.CacheReadTokens,
		&session.CostUSD,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	if upstream.Valid {
		session.UpstreamSessionID = upstream.String
	}
	if model.Valid {
		session.Model = model.String
	}
	session.PermissionMode = permission.Mode(mode)

	return &session, nil
}

// ListSessions returns all sessions, ephemeral first, then durable by
// most recent activity
func (s *Store) ListSessions() ([]*Session, error) {
	s.mu.Lock()
	var eph []*Session
	for _, e := range s.ephemeral {
		session := e.session
		eph = append(eph, &session)
	}
	s.mu.Unlock()

	sort.Slice(eph, func(i, j int) bool {
		return eph[i].UpdatedAt.After(eph[j].UpdatedAt)
	})

	rows, err := s.db.Query(`
		SELECT id, name, working_dir, status, created_at, updated_at,
		       upstream_session_id, model, permission_mode,
		       input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens, cost_usd
		FROM sessions ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := eph
	for rows.Next() {
		var session Session
		var upstream, model sql.NullString
		var mode string

		if err := rows.Scan(
			&session.ID, &session.Name, &session.WorkingDir, &session.Status,
			&session.CreatedAt, &session.UpdatedAt,
			&upstream, &model, &mode,
			&session.Usage.InputTokens, &session.Usage.OutputTokens,
			&session.Usage.CacheCreationTokens, &session.Usage.CacheReadTokens,
			&session.CostUSD,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}

		if upstream.Valid {
			session.UpstreamSessionID = upstream.String
		}
		if model.Valid {
			session.Model = model.String
		}
		session.PermissionMode = permission.Mode(mode)

		sessions = append(sessions, &session)
	}

	return sessions, rows.Err()
}

// DeleteSession removes a session with its history, usage, and binding
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	if _, ok := s.ephemeral[id]; ok {
		delete(s.ephemeral, id)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	result, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrSessionNotFound
	}

	return nil
}

// RenameSession sets the display name. Naming a session makes it worth
// keeping, so an ephemeral session is promoted to durable first.
func (s *Store) RenameSession(id, name string) error {
	if name != "" && s.IsEphemeral(id) {
		if err := s.Promote(id); err != nil {
			return err
		}
	}
	return s.updateField(id, func(e *ephemeralSession) {
		e.session.Name = name
	}, "UPDATE sessions SET name = ?, updated_at = ? WHERE id = ?", name)
}

// SetWorkingDir records the session's working directory
func (s *Store) SetWorkingDir(id, dir string) error {
	return s.updateField(id, func(e *ephemeralSession) {
		e.session.WorkingDir = dir
	}, "UPDATE sessions SET working_dir = ?, updated_at = ? WHERE id = ?", dir)
}

// UpdateStatus transitions the session's lifecycle status
func (s *Store) UpdateStatus(id string, status SessionStatus) error {
	return s.updateField(id, func(e *ephemeralSession) {
		e.session.Status = status
	}, "UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?", string(status))
}

// SetUpstreamSessionID records the child's own session identifier
func (s *Store) SetUpstreamSessionID(id, upstream string) error {
	return s.updateField(id, func(e *ephemeralSession) {
		e.session.UpstreamSessionID = upstream
	}, "UPDATE sessions SET upstream_session_id = ?, updated_at = ? WHERE id = ?", upstream)
}

// SetModel records the model reported by the child
func (s *Store) SetModel(id, model string) error {
	return s.updateField(id, func(e *ephemeralSession) {
		e.session.Model = model
	}, "UPDATE sessions SET model = ?, updated_at = ? WHERE id = ?", model)
}

// SetPermissionMode records the child-confirmed permission mode
func (s *Store) SetPermissionMode(id string, mode permission.Mode) error {
	if !mode.IsValid() {
		return fmt.Errorf("invalid permission mode %q", mode)
	}
	return s.updateField(id, func(e *ephemeralSession) {
		e.session.PermissionMode = mode
	}, "UPDATE sessions SET permission_mode = ?, updated_at = ? WHERE id = ?", string(mode))
}

// updateField applies a single-column update to either tier
func (s *Store) updateField(id string, applyEph func(*ephemeralSession), query string, value interface{}) error {
	now := time.Now()

	s.mu.Lock()
	if e, ok := s.ephemeral[id]; ok {
		applyEph(e)
		e.session.UpdatedAt = now
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	result, err := s.db.Exec(query, value, now, id)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrSessionNotFound
	}

	return nil
}

// IsEphemeral reports whether the session lives only in memory
func (s *Store) IsEphemeral(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ephemeral[id]
	return ok
}

// Promote moves an ephemeral session into the database, flushing its
// accumulated history and usage in a single transaction. A session that
// is already durable promotes as a no-op.
func (s *Store) Promote(id string) error {
	s.mu.Lock()
	e, ok := s.ephemeral[id]
	if !ok {
		s.mu.Unlock()
		if _, err := s.getDurable(id); err != nil {
			return err
		}
		return nil
	}
	// Keep the entry until the transaction commits so a failure leaves
	// the session readable
	session := e.session
	history := append([]MessageItem(nil), e.history...)
	models := make([]*ModelUsage, 0, len(e.models))
	for _, m := range e.models {
		mu := *m
		models = append(models, &mu)
	}
	s.mu.Unlock()

	sort.Slice(models, func(i, j int) bool { return models[i].Model < models[j].Model })

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO sessions (id, name, working_dir, status, created_at, updated_at,
		                      upstream_session_id, model, permission_mode,
		                      input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Name, session.WorkingDir, session.Status,
		session.CreatedAt, session.UpdatedAt,
		session.UpstreamSessionID, session.Model, string(session.PermissionMode),
		session.Usage.InputTokens, session.Usage.OutputTokens,
		session.Usage.CacheCreationTokens, session.Usage.CacheReadTokens,
		session.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	for _, item := range history {
		_, err = tx.Exec(`
			INSERT INTO messages (session_id, seq, role, content, tool_name, tool_use_id, is_error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			item.SessionID, item.Seq, string(item.Role), item.Content,
			item.ToolName, item.ToolUseID, item.IsError, item.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	for _, m := range models {
		_, err = tx.Exec(`
			INSERT INTO session_model_usage (session_id, model, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens)
			VALUES (?, ?, ?, ?, ?, ?)`,
			session.ID, m.Model, m.Usage.InputTokens, m.Usage.OutputTokens,
			m.Usage.CacheCreationTokens, m.Usage.CacheReadTokens,
		)
		if err != nil {
			return fmt.Errorf("failed to insert model usage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit promotion: %w", err)
	}

	s.mu.Lock()
	delete(s.ephemeral, id)
	s.mu.Unlock()

	return nil
}
