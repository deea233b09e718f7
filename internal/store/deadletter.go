package store

import (
	"context"
	"fmt"
)

// AppendDeadLetter pushes a permanently-failed action to the per-agent
// dead-letter list, evicting the oldest entry once the cap is exceeded
// (§4.5: capped at 100).
func (s *Store) AppendDeadLetter(ctx context.Context, entry DeadLetterEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dead-letter append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letter (agent_id, action_type, action_data, last_error, attempts)
		VALUES (?, ?, ?, ?, ?)
	`, entry.AgentID, entry.ActionType, entry.ActionData, entry.LastError, entry.Attempts)
	if err != nil {
		return fmt.Errorf("append dead letter: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter WHERE agent_id = ?`, entry.AgentID).Scan(&count); err != nil {
		return fmt.Errorf("count dead letters: %w", err)
	}
	if count > DeadLetterCap {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM dead_letter WHERE id IN (
				SELECT id FROM dead_letter WHERE agent_id = ? ORDER BY created_at ASC LIMIT ?
			)
		`, entry.AgentID, count-DeadLetterCap)
		if err != nil {
			return fmt.Errorf("evict dead letters: %w", err)
		}
	}
	return tx.Commit()
}

// DeadLetterCount returns the current per-agent dead-letter cardinality.
func (s *Store) DeadLetterCount(ctx context.Context, agentID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter WHERE agent_id = ?`, agentID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return count, nil
}

// ListDeadLetters returns dead-letter entries for an agent, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, agentID string, limit int) ([]DeadLetterEntry, error) {
	if limit <= 0 {
		limit = DeadLetterCap
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, action_type, action_data, last_error, attempts, created_at
		FROM dead_letter WHERE agent_id = ? ORDER BY id DESC LIMIT ?
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetterEntry
	for rows.Next() {
		var e DeadLetterEntry
		if err := rows.Scan(&e.ID, &e.AgentID, &e.ActionType, &e.ActionData, &e.LastError, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
