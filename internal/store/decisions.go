package store

import (
	"context"
	"fmt"
)

// CreateDecision inserts a proposal awaiting vote by head-tier agents.
func (s *Store) CreateDecision(ctx context.Context, id, title, description, tier, proposedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, title, description, type, proposed_by, status)
		VALUES (?, ?, ?, ?, ?, 'pending')
	`, id, title, description, tier, proposedBy)
	if err != nil {
		return fmt.Errorf("create decision: %w", err)
	}
	return nil
}

// PendingDecisions returns decisions still awaiting resolution, used by
// head-tier agents when assembling loop context (§4.4 step 3).
func (s *Store) PendingDecisions(ctx context.Context) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, type, proposed_by, status, created_at
		FROM decisions WHERE status = 'pending' ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ID, &d.Title, &d.Description, &d.Tier, &d.ProposedBy, &d.Status, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecordVote records one agent's vote on a decision. A decision resolves
// (outside this package, in the action dispatcher) once enough head-tier
// votes are in; the store only records facts.
func (s *Store) RecordVote(ctx context.Context, decisionID, agentID, vote string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO votes (decision_id, agent_id, vote) VALUES (?, ?, ?)
		ON CONFLICT(decision_id, agent_id) DO UPDATE SET vote = excluded.vote, created_at = CURRENT_TIMESTAMP
	`, decisionID, agentID, vote)
	if err != nil {
		return fmt.Errorf("record vote: %w", err)
	}
	return nil
}

// ResolveDecision marks a decision resolved with the given outcome status.
func (s *Store) ResolveDecision(ctx context.Context, decisionID, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE decisions SET status = ? WHERE id = ?`, status, decisionID)
	if err != nil {
		return fmt.Errorf("resolve decision: %w", err)
	}
	return nil
}
