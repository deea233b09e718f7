// Package shared carries cross-cutting context values (trace ids, agent
// identity) and small utilities (secret redaction) used by every other
// package in the runtime.
package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type agentIDKey struct{}
type agentTypeKey struct{}
type correlationKey struct{}
type runIDKey struct{}
type taskIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithAgentID attaches the owning agent's persistent id to the context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey{}, agentID)
}

// AgentID extracts the agent id from context. Returns "default" if absent.
func AgentID(ctx context.Context) string {
	if v, ok := ctx.Value(agentIDKey{}).(string); ok && v != "" {
		return v
	}
	return "default"
}

// WithAgentType attaches the agent's role (ceo, cto, cmo, ...) to the context.
func WithAgentType(ctx context.Context, agentType string) context.Context {
	return context.WithValue(ctx, agentTypeKey{}, agentType)
}

// AgentType extracts the agent type from context. Returns "" if absent.
func AgentType(ctx context.Context) string {
	if v, ok := ctx.Value(agentTypeKey{}).(string); ok {
		return v
	}
	return ""
}

// WithCorrelationID attaches a message correlationId to the context. Actions
// emitted while this context is live carry the same correlationId, chaining
// the causal trace across daemons.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationKey{}, correlationID)
}

// CorrelationID extracts the correlationId from context, generating a fresh
// one if none was propagated (the message that started this chain had none).
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey{}).(string); ok && v != "" {
		return v
	}
	return NewTraceID()
}

// WithRunID attaches a loop-run id to the context, distinguishing one loop
// execution from the next within the same agent.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts the run id from context. Returns "-" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NormalizeTitle lowercases and collapses punctuation/whitespace runs to a
// single space, so two titles differing only in case or punctuation hash
// identically for the initiative duplicate guard (§8: "case- and
// punctuation-insensitive").
func NormalizeTitle(title string) string {
	var b []byte
	lastWasSpace := false
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b = append(b, byte(r))
			lastWasSpace = false
		case r >= 'A' && r <= 'Z':
			b = append(b, byte(r-'A'+'a'))
			lastWasSpace = false
		default:
			if !lastWasSpace && len(b) > 0 {
				b = append(b, ' ')
				lastWasSpace = true
			}
		}
	}
	for len(b) > 0 && b[len(b)-1] == ' ' {
		b = b[:len(b)-1]
	}
	return string(b)
}

// WithTaskID attaches the task id currently being processed to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts the task id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}
