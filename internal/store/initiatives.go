package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// HasInitiativeHash reports whether an initiative with titleHash already
// exists for agentType — the local half of the duplicate guard (§4.7).
func (s *Store) HasInitiativeHash(ctx context.Context, agentType, titleHash string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM initiatives WHERE agent_type = ? AND title_hash = ?
	`, agentType, titleHash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup initiative hash: %w", err)
	}
	return true, nil
}

// RecordInitiative persists a newly-created initiative after its external
// issue has been opened.
func (s *Store) RecordInitiative(ctx context.Context, id, title, titleHash, agentType, externalIssueID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO initiatives (id, title, title_hash, agent_type, external_issue_id)
		VALUES (?, ?, ?, ?, ?)
	`, id, title, titleHash, agentType, externalIssueID)
	if err != nil {
		return fmt.Errorf("record initiative: %w", err)
	}
	return nil
}

// ListInitiativeTitles returns existing initiative titles for an agent type,
// used both for the fuzzy (Jaccard) duplicate guard and for AI-driven
// initiative-generation prompts that list "existing initiative titles".
func (s *Store) ListInitiativeTitles(ctx context.Context, agentType string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT title FROM initiatives WHERE agent_type = ? ORDER BY created_at DESC
	`, agentType)
	if err != nil {
		return nil, fmt.Errorf("list initiative titles: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan initiative title: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- settings (runtime-overridable: priority-delay table, maxConcurrentTasks, cooldown) ---

// GetSetting reads a single settings row.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return v, true, nil
}

// SetSetting writes (or overwrites) a settings row.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}
