package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orrinfleet/agentfleet/internal/shared"
)

type entry struct {
	Timestamp     string `json:"timestamp"`
	Decision      string `json:"decision"`
	Capability    string `json:"capability"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version"`
	Subject       string `json:"subject,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

func Record(decision, capability, reason, policyVersion, subject string) {
	if decision == "deny" {
		denyCount.Add(1)
	}

	// Redact secrets before persistence; audit entries outlive the process
	// that wrote them.
	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	mu.Lock()
	defer mu.Unlock()

	// Write to JSONL file.
	if file != nil {
		ev := entry{
			Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
			Decision:      decision,
			Capability:    capability,
			Reason:        reason,
			PolicyVersion: policyVersion,
			Subject:       subject,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}
}

// ActionRecord is one sensitive action-dispatcher audit entry (§4.5: vote,
// spawn_worker, merge_pr). actionData is redacted before it touches disk or
// the database.
type ActionRecord struct {
	AgentID      string
	AgentType    string
	ActionType   string
	ActionData   string
	Success      bool
	ErrorMessage string
}

// RecordAction persists a sensitive action's outcome to both the audit
// JSONL file and, when SetDB has been called, the relational audit table.
// Both writes use redacted payloads; an immutable record survives even if
// the action is later retried or dead-lettered.
func RecordAction(rec ActionRecord) {
	redactedData := shared.Redact(rec.ActionData)
	redactedErr := shared.Redact(rec.ErrorMessage)

	decision := "allow"
	if !rec.Success {
		decision = "deny"
		denyCount.Add(1)
	}

	mu.Lock()
	if file != nil {
		ev := entry{
			Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
			Decision:      decision,
			Capability:    rec.ActionType,
			Reason:        redactedErr,
			PolicyVersion: rec.AgentType,
			Subject:       rec.AgentID,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}
	d := db
	mu.Unlock()

	if d != nil {
		_, _ = d.ExecContext(context.Background(), `
			INSERT INTO audit (agent_id, agent_type, action_type, action_data, success, error_message)
			VALUES (?, ?, ?, ?, ?, ?);
		`, rec.AgentID, rec.AgentType, rec.ActionType, redactedData, boolToInt(rec.Success), redactedErr)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
