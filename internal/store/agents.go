package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrAgentNotFound is returned when a type lookup for a persistent agent id
// fails — the daemon lifecycle treats this as a fatal startup error.
var ErrAgentNotFound = errors.New("agent not found")

// ResolveAgentID looks up the persistent id for an agent type, creating the
// row (with a freshly generated id) the first time that type starts.
func (s *Store) ResolveAgentID(ctx context.Context, agentType string, tier Tier, newID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM agents WHERE type = ?`, agentType).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("resolve agent id: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, type, tier, status) VALUES (?, ?, ?, 'active')
	`, newID, agentType, string(tier))
	if err != nil {
		return "", fmt.Errorf("create agent record: %w", err)
	}
	return newID, nil
}

// GetAgent returns the agent row for agentID, or ErrAgentNotFound.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var a Agent
	var tier string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, tier, status, created_at, updated_at FROM agents WHERE id = ?
	`, agentID).Scan(&a.ID, &a.Type, &tier, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	a.Tier = Tier(tier)
	return &a, nil
}

// SetAgentStatus is a pure write: the caller computes daemonRunning ∧ lastError
// and passes the resulting status string ("active", "stopped", "error").
func (s *Store) SetAgentStatus(ctx context.Context, agentID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, agentID)
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	return nil
}

// ListAgents returns every agent row, newest first.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, tier, status, created_at, updated_at FROM agents ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		var tier string
		if err := rows.Scan(&a.ID, &a.Type, &tier, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Tier = Tier(tier)
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- agent_state ---

const essentialStateKeys = `'loop_count','last_loop_at','success_count','error_count','current_focus','status'`

// EssentialState reads only the six well-known keys (§4.4 step 2), never
// the full state bag which may hold arbitrary business facts.
func (s *Store) EssentialState(ctx context.Context, agentID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM agent_state WHERE agent_id = ? AND key IN (`+essentialStateKeys+`)
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("read essential state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan state row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SetState writes a single key/value fact scoped to agentID. The daemon must
// only write keys within its own agent partition (§5 shared-resource policy).
func (s *Store) SetState(ctx context.Context, agentID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_state (agent_id, key, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(agent_id, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, agentID, key, value)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// GetState reads a single arbitrary business key.
func (s *Store) GetState(ctx context.Context, agentID, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM agent_state WHERE agent_id = ? AND key = ?
	`, agentID, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get state %s: %w", key, err)
	}
	return v, true, nil
}

// IncrCounter atomically bumps loop_count/success_count/error_count and
// returns the new value.
func (s *Store) IncrCounter(ctx context.Context, agentID, key string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin incr: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var cur int64
	err = tx.QueryRowContext(ctx, `SELECT value FROM agent_state WHERE agent_id = ? AND key = ?`, agentID, key).Scan(&cur)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read counter %s: %w", key, err)
	}
	cur++
	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_state (agent_id, key, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(agent_id, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, agentID, key, fmt.Sprintf("%d", cur))
	if err != nil {
		return 0, fmt.Errorf("write counter %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit incr: %w", err)
	}
	return cur, nil
}

// TouchLastLoopAt writes last_loop_at to the current time.
func (s *Store) TouchLastLoopAt(ctx context.Context, agentID string) error {
	return s.SetState(ctx, agentID, "last_loop_at", time.Now().UTC().Format(time.RFC3339))
}
