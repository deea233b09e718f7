// Package action implements the Action Dispatcher (§4.5): a switch over the
// LLM's declared action types, wrapped in a bounded retry, with dead-letter
// and audit side effects for the actions that warrant them.
package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/orrinfleet/agentfleet/internal/audit"
	"github.com/orrinfleet/agentfleet/internal/fabric"
	"github.com/orrinfleet/agentfleet/internal/llmout"
	"github.com/orrinfleet/agentfleet/internal/store"
)

// sensitiveActionTypes get an immutable audit record regardless of outcome
// (§4.5).
var sensitiveActionTypes = map[string]bool{
	"vote":         true,
	"spawn_worker": true,
	"merge_pr":     true,
}

// WorkerSpawner is the narrow interface the dispatcher needs to hand off a
// spawn_worker action; the concrete implementation lives in internal/worker.
type WorkerSpawner interface {
	Spawn(ctx context.Context, parentAgentID string, data json.RawMessage) error
}

// RateLimiter throttles the dispatcher's direct tracker/codeHost writes. The
// worker spawner's RateLimiter satisfies this without the two packages
// depending on each other; a nil RateLimiter disables throttling.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// Dispatcher fans parsed actions out to their concrete effects.
type Dispatcher struct {
	broker      *fabric.Broker
	store       *store.Store
	tracker     IssueTracker
	codeHost    CodeHost
	workers     WorkerSpawner
	rateLimiter RateLimiter
	logger      *slog.Logger
}

// New builds a Dispatcher. tracker/codeHost/workers may be the Noop
// implementations when those integrations are not configured. rateLimiter
// may be nil, in which case tracker/codeHost writes are not throttled.
func New(broker *fabric.Broker, st *store.Store, tracker IssueTracker, codeHost CodeHost, workers WorkerSpawner, rateLimiter RateLimiter, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{broker: broker, store: st, tracker: tracker, codeHost: codeHost, workers: workers, rateLimiter: rateLimiter, logger: logger}
}

// waitRateLimit throttles a direct external write (tracker/codeHost) to the
// shared per-process rate, a no-op when no limiter was configured.
func (d *Dispatcher) waitRateLimit(ctx context.Context) error {
	if d.rateLimiter == nil {
		return nil
	}
	return d.rateLimiter.Wait(ctx)
}

// retryBackoffs are the exact per-attempt delays the dispatcher waits
// between retries (§4.5: "up to 3 attempts with exponential backoff
// 1s, 2s, 4s").
var retryBackoffs = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Dispatch executes one action with the retry wrapper. On exhaustion the
// action is pushed to the agent's dead-letter list. Sensitive action types
// always get an audit record, win or lose.
func (d *Dispatcher) Dispatch(ctx context.Context, agentID, agentType string, a llmout.Action) error {
	var lastErr error
	for attempt := 0; attempt < len(retryBackoffs); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoffs[attempt-1]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = d.execute(ctx, agentID, agentType, a)
		if lastErr == nil {
			if sensitiveActionTypes[a.Type] {
				audit.RecordAction(audit.ActionRecord{
					AgentID:    agentID,
					AgentType:  agentType,
					ActionType: a.Type,
					ActionData: string(a.Data),
					Success:    true,
				})
			}
			return nil
		}

		if isPermanent(lastErr) {
			break
		}
		d.logger.Warn("action: attempt failed, retrying", "agent_id", agentID, "type", a.Type, "attempt", attempt+1, "error", lastErr)
	}

	if sensitiveActionTypes[a.Type] {
		audit.RecordAction(audit.ActionRecord{
			AgentID:      agentID,
			AgentType:    agentType,
			ActionType:   a.Type,
			ActionData:   string(a.Data),
			Success:      false,
			ErrorMessage: lastErr.Error(),
		})
	}

	if d.store != nil {
		deadLetterErr := d.store.AppendDeadLetter(ctx, store.DeadLetterEntry{
			AgentID:    agentID,
			ActionType: a.Type,
			ActionData: string(a.Data),
			LastError:  lastErr.Error(),
			Attempts:   len(retryBackoffs),
		})
		if deadLetterErr != nil {
			d.logger.Error("action: failed to write dead letter", "agent_id", agentID, "type", a.Type, "error", deadLetterErr)
		}
	}

	return fmt.Errorf("action %q exhausted retries: %w", a.Type, lastErr)
}

// isPermanent reports whether err (or anything it wraps) is a
// backoff.PermanentError, meaning retrying it would not help (a malformed
// payload, an unknown action type).
func isPermanent(err error) bool {
	var p *backoff.PermanentError
	return err != nil && errors.As(err, &p)
}
