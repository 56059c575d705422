package store

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/HyphaGroup/seneschal/internal/stream"
)

// AddUsage accumulates token counters onto a session's totals and onto
// its per-model breakdown, and folds the sample into the daily rollup.
// Counters only ever grow.
func (s *Store) AddUsage(sessionID, model string, usage stream.Usage) error {
	if usage.IsZero() {
		return nil
	}
	now := time.Now()

	s.mu.Lock()
	if e, ok := s.ephemeral[sessionID]; ok {
		e.session.Usage.Add(usage)
		e.session.UpdatedAt = now
		if model != "" {
			m, ok := e.models[model]
			if !ok {
				m = &ModelUsage{Model: model}
				e.models[model] = m
			}
			m.Usage.Add(usage)
		}
		s.mu.Unlock()
		// Daily rollup counts ephemeral activity too
		return s.addDaily(now, usage, 0)
	}
	s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.Exec(`
		UPDATE sessions SET
			input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			cache_creation_tokens = cache_creation_tokens + ?,
			cache_read_tokens = cache_read_tokens + ?,
			updated_at = ?
		WHERE id = ?`,
		usage.InputTokens, usage.OutputTokens,
		usage.CacheCreationTokens, usage.CacheReadTokens,
		now, sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session usage: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrSessionNotFound
	}

	if model != "" {
		_, err = tx.Exec(`
			INSERT INTO session_model_usage (session_id, model, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (session_id, model) DO UPDATE SET
				input_tokens = input_tokens + excluded.input_tokens,
				output_tokens = output_tokens + excluded.output_tokens,
				cache_creation_tokens = cache_creation_tokens + excluded.cache_creation_tokens,
				cache_read_tokens = cache_read_tokens + excluded.cache_read_tokens`,
			sessionID, model, usage.InputTokens, usage.OutputTokens,
			usage.CacheCreationTokens, usage.CacheReadTokens,
		)
		if err != nil {
			return fmt.Errorf("failed to update model usage: %w", err)
		}
	}

	if err := addDailyTx(tx, now, usage, 0); err != nil {
		return err
	}

	return tx.Commit()
}

// AddCost accumulates spend onto a session and the daily rollup
func (s *Store) AddCost(sessionID string, costUSD float64) error {
	if costUSD == 0 {
		return nil
	}
	now := time.Now()

	s.mu.Lock()
	if e, ok := s.ephemeral[sessionID]; ok {
		e.session.CostUSD += costUSD
		e.session.UpdatedAt = now
		s.mu.Unlock()
		return s.addDaily(now, stream.Usage{}, costUSD)
	}
	s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.Exec(
		"UPDATE sessions SET cost_usd = cost_usd + ?, updated_at = ? WHERE id = ?",
		costUSD, now, sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session cost: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrSessionNotFound
	}

	if err := addDailyTx(tx, now, stream.Usage{}, costUSD); err != nil {
		return err
	}

	return tx.Commit()
}

func addDailyTx(tx *sql.Tx, now time.Time, usage stream.Usage, costUSD float64) error {
	_, err := tx.Exec(dailyUpsert,
		now.Format("2006-01-02"),
		usage.InputTokens, usage.OutputTokens,
		usage.CacheCreationTokens, usage.CacheReadTokens, costUSD,
	)
	if err != nil {
		return fmt.Errorf("failed to update daily usage: %w", err)
	}
	return nil
}

func (s *Store) addDaily(now time.Time, usage stream.Usage, costUSD float64) error {
	_, err := s.db.Exec(dailyUpsert,
		now.Format("2006-01-02"),
		usage.InputTokens, usage.OutputTokens,
		usage.CacheCreationTokens, usage.CacheReadTokens, costUSD,
	)
	if err != nil {
		return fmt.Errorf("failed to update daily usage: %w", err)
	}
	return nil
}

const dailyUpsert = `
	INSERT INTO usage_daily (day, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens, cost_usd)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (day) DO UPDATE SET
		input_tokens = input_tokens + excluded.input_tokens,
		output_tokens = output_tokens + excluded.output_tokens,
		cache_creation_tokens = cache_creation_tokens + excluded.cache_creation_tokens,
		cache_read_tokens = cache_read_tokens + excluded.cache_read_tokens,
		cost_usd = cost_usd + excluded.cost_usd`

// GetModelUsage returns a session's per-model token breakdown sorted by
// model name
func (s *Store) GetModelUsage(sessionID string) ([]ModelUsage, error) {
	s.mu.Lock()
	if e, ok := s.ephemeral[sessionID]; ok {
		var models []ModelUsage
		for _, m := range e.models {
			models = append(models, *m)
		}
		s.mu.Unlock()
		sort.Slice(models, func(i, j int) bool { return models[i].Model < models[j].Model })
		return models, nil
	}
	s.mu.Unlock()

	if _, err := s.getDurable(sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT model, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens
		FROM session_model_usage WHERE session_id = ? ORDER BY model`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query model usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var models []ModelUsage
	for rows.Next() {
		var m ModelUsage
		if err := rows.Scan(
			&m.Model, &m.Usage.InputTokens, &m.Usage.OutputTokens,
			&m.Usage.CacheCreationTokens, &m.Usage.CacheReadTokens,
		); err != nil {
			return nil, fmt.Errorf("failed to scan model usage: %w", err)
		}
		models = append(models, m)
	}

	return models, rows.Err()
}

// GetGlobalUsage aggregates token counters and cost across all days,
// plus today's slice
func (s *Store) GetGlobalUsage() (*GlobalUsage, error) {
	var g GlobalUsage

	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cache_creation_tokens), 0), COALESCE(SUM(cache_read_tokens), 0),
		       COALESCE(SUM(cost_usd), 0)
		FROM usage_daily`,
	).Scan(
		&g.Total.InputTokens, &g.Total.OutputTokens,
		&g.Total.CacheCreationTokens, &g.Total.CacheReadTokens,
		&g.CostUSD,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query total usage: %w", err)
	}

	today := time.Now().Format("2006-01-02")
	err = s.db.QueryRow(`
		SELECT COALESCE(input_tokens, 0), COALESCE(output_tokens, 0),
		       COALESCE(cache_creation_tokens, 0), COALESCE(cache_read_tokens, 0)
		FROM usage_daily WHERE day = ?`, today,
	).Scan(
		&g.Today.InputTokens, &g.Today.OutputTokens,
		&g.Today.CacheCreationTokens, &g.Today.CacheReadTokens,
	)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to query today's usage: %w", err)
	}

	return &g, nil
}
