package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SaveBinding records that a thread owns a session. Saving the identical
// tuple again is a no-op; binding a thread to a different session, or a
// session to a different thread, fails.
func (s *Store) SaveBinding(b ThreadBinding) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}

	existing, err := s.getBinding(b.Team, b.Channel, b.Thread)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == nil {
		if existing.SessionID == b.SessionID {
			return nil
		}
		return ErrBindingExists
	}

	_, err = s.db.Exec(`
		INSERT INTO bindings (team, channel, thread, session_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		b.Team, b.Channel, b.Thread, b.SessionID, b.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrSessionBound
		}
		return fmt.Errorf("failed to insert binding: %w", err)
	}

	return nil
}

func (s *Store) getBinding(team, channel, thread string) (*ThreadBinding, error) {
	var b ThreadBinding
	err := s.db.QueryRow(`
		SELECT team, channel, thread, session_id, created_at
		FROM bindings WHERE team = ? AND channel = ? AND thread = ?`,
		team, channel, thread,
	).Scan(&b.Team, &b.Channel, &b.Thread, &b.SessionID, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBinding returns the binding for a thread, or ErrSessionNotFound
func (s *Store) GetBinding(team, channel, thread string) (*ThreadBinding, error) {
	b, err := s.getBinding(team, channel, thread)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query binding: %w", err)
	}
	return b, nil
}

// ListBindings returns all thread bindings
func (s *Store) ListBindings() ([]ThreadBinding, error) {
	rows, err := s.db.Query(`
		SELECT team, channel, thread, session_id, created_at
		FROM bindings ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bindings []ThreadBinding
	for rows.Next() {
		var b ThreadBinding
		if err := rows.Scan(&b.Team, &b.Channel, &b.Thread, &b.SessionID, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		bindings = append(bindings, b)
	}

	return bindings, rows.Err()
}

// HasThread reports whether a thread already owns a session.
// includePending also counts threads whose session creation is still in
// flight in another FindOrCreateSession call.
func (s *Store) HasThread(team, channel, thread string, includePending bool) (bool, error) {
	if includePending {
		key := threadKey{team, channel, thread}
		s.mu.Lock()
		_, inFlight := s.pending[key]
		s.mu.Unlock()
		if inFlight {
			return true, nil
		}
	}

	_, err := s.getBinding(team, channel, thread)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query binding: %w", err)
	}
	return true, nil
}

// FindOrCreateSession returns the session bound to a thread, creating
// and binding one when none exists. Concurrent calls for the same thread
// are single-flighted: exactly one creates, the rest wait and receive
// the same session.
func (s *Store) FindOrCreateSession(team, channel, thread string, opts CreateOptions) (*Session, bool, error) {
	key := threadKey{team, channel, thread}

	for {
		s.mu.Lock()
		done, inFlight := s.pending[key]
		if !inFlight {
			done = make(chan struct{})
			s.pending[key] = done
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()
		<-done
	}

	defer func() {
		s.mu.Lock()
		close(s.pending[key])
		delete(s.pending, key)
		s.mu.Unlock()
	}()

	if b, err := s.getBinding(team, channel, thread); err == nil {
		session, err := s.GetSession(b.SessionID)
		if err != nil {
			return nil, false, err
		}
		return session, false, nil
	} else if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("failed to query binding: %w", err)
	}

	// Bindings reference durable rows, so thread-owned sessions are
	// never ephemeral
	opts.Ephemeral = false
	session, err := s.CreateSession(opts)
	if err != nil {
		return nil, false, err
	}

	if err := s.SaveBinding(ThreadBinding{
		Team: team, Channel: channel, Thread: thread,
		SessionID: session.ID,
	}); err != nil {
		// Leave no orphan behind
		_ = s.DeleteSession(session.ID)
		return nil, false, err
	}

	return session, true, nil
}
