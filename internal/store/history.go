package store

import (
	"context"
	"fmt"
)

// AppendHistory records one archived loop outcome for an agent.
func (s *Store) AppendHistory(ctx context.Context, agentID, actionType, summary, details string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history (agent_id, action_type, summary, details) VALUES (?, ?, ?, ?)
	`, agentID, actionType, summary, details)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// ListHistory returns the most recent history items for an agent, oldest first.
func (s *Store) ListHistory(ctx context.Context, agentID string, limit int) ([]HistoryItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, action_type, summary, details, created_at
		FROM history WHERE agent_id = ? ORDER BY id DESC LIMIT ?
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []HistoryItem
	for rows.Next() {
		var h HistoryItem
		if err := rows.Scan(&h.ID, &h.AgentID, &h.ActionType, &h.Summary, &h.Details, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, h)
	}
	// reverse into chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

// RecordEvent appends a fleet-wide lifecycle event (agent_stopped, initiative_blocked, ...).
func (s *Store) RecordEvent(ctx context.Context, eventType, sourceAgent, payload string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_type, source_agent, payload) VALUES (?, ?, ?)
	`, eventType, sourceAgent, payload)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}
