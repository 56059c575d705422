package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AddToHistory appends one entry to a session's history. Seq is assigned
// monotonically per session.
func (s *Store) AddToHistory(sessionID string, item MessageItem) error {
	item.SessionID = sessionID
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	s.mu.Lock()
	if e, ok := s.ephemeral[sessionID]; ok {
		item.Seq = e.nextSeq
		e.nextSeq++
		e.history = append(e.history, item)
		e.session.UpdatedAt = item.CreatedAt
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRow("SELECT COUNT(*) FROM sessions WHERE id = ?", sessionID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return ErrSessionNotFound
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRow("SELECT MAX(seq) FROM messages WHERE session_id = ?", sessionID).Scan(&maxSeq); err != nil {
		return fmt.Errorf("failed to query max seq: %w", err)
	}
	item.Seq = maxSeq.Int64 + 1

	_, err = tx.Exec(`
		INSERT INTO messages (session_id, seq, role, content, tool_name, tool_use_id, is_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.SessionID, item.Seq, string(item.Role), item.Content,
		item.ToolName, item.ToolUseID, item.IsError, item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	_, err = tx.Exec("UPDATE sessions SET updated_at = ? WHERE id = ?", item.CreatedAt, sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}

	return tx.Commit()
}

// GetHistory returns a session's history in seq order. limit <= 0 means
// all entries; otherwise the most recent limit entries, still in order.
func (s *Store) GetHistory(sessionID string, limit int) ([]MessageItem, error) {
	s.mu.Lock()
	if e, ok := s.ephemeral[sessionID]; ok {
		items := append([]MessageItem(nil), e.history...)
		s.mu.Unlock()
		if limit > 0 && len(items) > limit {
			items = items[len(items)-limit:]
		}
		return items, nil
	}
	s.mu.Unlock()

	if _, err := s.getDurable(sessionID); err != nil {
		return nil, err
	}

	query := `
		SELECT session_id, seq, role, content, tool_name, tool_use_id, is_error, created_at
		FROM messages WHERE session_id = ? ORDER BY seq ASC`
	args := []interface{}{sessionID}
	if limit > 0 {
		// Most recent limit entries, returned oldest first
		query = `
			SELECT session_id, seq, role, content, tool_name, tool_use_id, is_error, created_at
			FROM (
				SELECT session_id, seq, role, content, tool_name, tool_use_id, is_error, created_at
				FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
			) ORDER BY seq ASC`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []MessageItem
	for rows.Next() {
		var item MessageItem
		var toolName, toolUseID sql.NullString

		if err := rows.Scan(
			&item.SessionID, &item.Seq, &item.Role, &item.Content,
			&toolName, &toolUseID, &item.IsError, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if toolName.Valid {
			item.ToolName = toolName.String
		}
		if toolUseID.Valid {
			item.ToolUseID = toolUseID.String
		}
		items = append(items, item)
	}

	return items, rows.Err()
}
