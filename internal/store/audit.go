package store

import (
	"context"
	"fmt"
)

// WriteAudit appends an immutable audit record. Called for every sensitive
// action (vote, spawn_worker, merge_pr) regardless of outcome (§4.5, §7).
func (s *Store) WriteAudit(ctx context.Context, rec AuditRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (agent_id, agent_type, action_type, action_data, success, error_message)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.AgentID, rec.AgentType, rec.ActionType, rec.ActionData, boolToInt(rec.Success), rec.ErrorMessage)
	if err != nil {
		return fmt.Errorf("write audit: %w", err)
	}
	return nil
}

// ListAudit returns the most recent audit records for an agent, newest first.
func (s *Store) ListAudit(ctx context.Context, agentID string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, agent_type, action_type, action_data, success, error_message, created_at
		FROM audit WHERE agent_id = ? ORDER BY id DESC LIMIT ?
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		var success int
		if err := rows.Scan(&r.ID, &r.AgentID, &r.AgentType, &r.ActionType, &r.ActionData, &success, &r.ErrorMessage, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		r.Success = success != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
