// Package queue implements the per-agent Task Queue with atomic claim/ack/
// recover semantics (§4.3), backed by Redis lists and Lua scripts so that
// the claim-then-push and recover-then-push sequences are broker-side
// atomic — no interleaved claim can observe the same entry twice.
package queue

import (
	"encoding/json"
	"time"
)

// Task is a work item addressed to one agent type (§3).
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Priority    string    `json:"priority"`
	From        string    `json:"from"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// PriorityDelay is the scheduling delay applied after a successful loop
// when pending work remains, keyed by the highest priority present (§4.3).
var PriorityDelay = map[string]time.Duration{
	"critical":    0,
	"urgent":      5 * time.Second,
	"high":        30 * time.Second,
	"normal":      2 * time.Minute,
	"low":         5 * time.Minute,
	"operational": 10 * time.Minute,
}

// DefaultPriorityDelay is used when a priority is missing from the table
// (§8 boundary behaviour: falls back to normal, 120s).
const DefaultPriorityDelay = 2 * time.Minute

// DelayFor returns the scheduling delay for the given priority, falling
// back to DefaultPriorityDelay (normal) when the priority is unrecognised.
func DelayFor(priority string) time.Duration {
	if d, ok := PriorityDelay[priority]; ok {
		return d
	}
	return DefaultPriorityDelay
}

// HighestPriority returns whichever of the given tasks' priorities sorts
// first in urgency (critical > urgent > high > normal > low > operational).
func HighestPriority(tasks []Task) string {
	order := []string{"critical", "urgent", "high", "normal", "low", "operational"}
	rank := make(map[string]int, len(order))
	for i, p := range order {
		rank[p] = i
	}
	best := "normal"
	bestRank := rank["normal"]
	for _, t := range tasks {
		r, ok := rank[t.Priority]
		if !ok {
			continue
		}
		if r < bestRank {
			bestRank = r
			best = t.Priority
		}
	}
	return best
}

// SortByPriority orders tasks most-urgent-first, stable on ties.
func SortByPriority(tasks []Task) []Task {
	order := []string{"critical", "urgent", "high", "normal", "low", "operational"}
	rank := make(map[string]int, len(order))
	for i, p := range order {
		rank[p] = i
	}
	rankOf := func(p string) int {
		if r, ok := rank[p]; ok {
			return r
		}
		return rank["normal"]
	}
	out := make([]Task, len(tasks))
	copy(out, tasks)
	// simple stable insertion sort: task counts per loop are small (<=10)
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && rankOf(out[j-1].Priority) > rankOf(out[j].Priority) {
			out[j-1], out[j] = out[j], out[j-1]
			j--
		}
	}
	return out
}

func marshalTask(t Task) (string, error) {
	b, err := json.Marshal(t)
	return string(b), err
}

func unmarshalTask(raw string) (Task, error) {
	var t Task
	err := json.Unmarshal([]byte(raw), &t)
	return t, err
}
