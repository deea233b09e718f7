// Package store is the relational-store adapter: a narrow, agent-runtime
// scoped SQLite database holding the tables the daemon fleet actually reads
// and writes (agents, per-agent state, history, events, decisions, settings,
// audit, initiatives, dead letters). It is not a general-purpose database;
// callers outside this package see only the typed methods below.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Tier classifies an agent's role in decision-making.
type Tier string

const (
	TierHead   Tier = "head"
	TierCLevel Tier = "clevel"
)

// Agent is a row in the agents table.
type Agent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Tier      Tier      `json:"tier"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Decision is a proposal awaiting vote by head-tier agents.
type Decision struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Tier        string    `json:"type"` // operational|minor|major|critical
	ProposedBy  string    `json:"proposed_by"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// HistoryItem is one archived loop record for an agent.
type HistoryItem struct {
	ID         int64     `json:"id"`
	AgentID    string    `json:"agent_id"`
	ActionType string    `json:"action_type"`
	Summary    string    `json:"summary"`
	Details    string    `json:"details"`
	CreatedAt  time.Time `json:"created_at"`
}

// Event is a fleet-wide lifecycle event (agent_stopped, initiative_blocked, ...).
type Event struct {
	ID          int64     `json:"id"`
	EventType   string    `json:"event_type"`
	SourceAgent string    `json:"source_agent"`
	Payload     string    `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

// AuditRecord is an immutable record of a sensitive action.
type AuditRecord struct {
	ID           int64     `json:"id"`
	AgentID      string    `json:"agent_id"`
	AgentType    string    `json:"agent_type"`
	ActionType   string    `json:"action_type"`
	ActionData   string    `json:"action_data"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// DeadLetterEntry is a permanently-failed action retained for inspection.
type DeadLetterEntry struct {
	ID         int64     `json:"id"`
	AgentID    string    `json:"agent_id"`
	ActionType string    `json:"action_type"`
	ActionData string    `json:"action_data"`
	LastError  string    `json:"last_error"`
	Attempts   int       `json:"attempts"`
	CreatedAt  time.Time `json:"created_at"`
}

// Initiative is a self-proposed work item, kept for the duplicate guard and
// for the per-agent-type cooldown.
type Initiative struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	TitleHash       string    `json:"title_hash"`
	AgentType       string    `json:"agent_type"`
	ExternalIssueID string    `json:"external_issue_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// DeadLetterCap bounds the per-agent dead-letter list (§4.5).
const DeadLetterCap = 100

// Store wraps a single-writer SQLite connection.
type Store struct {
	db *sql.DB
}

// DefaultDBPath resolves ~/.agentfleet/agentfleet.db unless AGENTFLEET_HOME overrides it.
func DefaultDBPath() string {
	home := os.Getenv("AGENTFLEET_HOME")
	if home == "" {
		uh, err := os.UserHomeDir()
		if err != nil || uh == "" {
			uh = "."
		}
		home = filepath.Join(uh, ".agentfleet")
	}
	return filepath.Join(home, "agentfleet.db")
}

// Open creates (if needed) and opens the SQLite-backed store at path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			tier TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_type ON agents(type);`,
		`CREATE TABLE IF NOT EXISTS agent_state (
			agent_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (agent_id, key)
		);`,
		`CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			summary TEXT NOT NULL,
			details TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_history_agent ON history(agent_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			source_agent TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			proposed_by TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS votes (
			decision_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			vote TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (decision_id, agent_id)
		);`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			agent_type TEXT NOT NULL,
			action_type TEXT NOT NULL,
			action_data TEXT NOT NULL DEFAULT '',
			success INTEGER NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS initiatives (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			title_hash TEXT NOT NULL,
			agent_type TEXT NOT NULL,
			external_issue_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_initiatives_hash ON initiatives(agent_type, title_hash);`,
		`CREATE TABLE IF NOT EXISTS dead_letter (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			action_data TEXT NOT NULL,
			last_error TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letter_agent ON dead_letter(agent_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema stmt: %w", err)
		}
	}
	return tx.Commit()
}

// retryOnBusy mirrors the busy-retry loop used throughout the persistence
// layer: SQLite's single-writer model means a concurrent transaction can
// transiently fail with SQLITE_BUSY, and that is worth a few retries before
// surfacing to the caller.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}
