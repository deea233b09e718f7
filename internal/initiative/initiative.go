// Package initiative implements the Initiative Engine (§4.7): proactive
// work generation when an agent's task queue is empty, scored against the
// agent's focus area, guarded against duplicates, and throttled by a
// per-agent cooldown that survives restarts.
package initiative

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orrinfleet/agentfleet/internal/shared"
)

// DefaultCooldown is the per-agent-type cooldown applied after a successful
// proposal (§4.7, §8 scenario 1: "cooldown set to 3600 s").
const DefaultCooldown = time.Hour

// duplicateJaccardThreshold is the fuzzy-match bar for the duplicate guard
// (§4.7: "Jaccard-over-words ≥ 0.8").
const duplicateJaccardThreshold = 0.8

// BootstrapInitiative is a candidate work item known up front, scored
// against the agent's focus area before any LLM call is made.
type BootstrapInitiative struct {
	Title             string
	Description       string
	RevenueImpact     int // 1-10
	Effort            int // 1-10
	Tags              []string
	SuggestedAssignee string
}

// FocusProfile is the agent's weighting of initiative dimensions, derived
// from its profile's keyQuestions/revenueAngles/scanTopics (§4.7).
type FocusProfile struct {
	RevenueFocus    float64
	MarketingVsDev  float64 // >0 favours marketing-tagged work, <0 favours dev-tagged
	CommunityGrowth float64
	RiskTolerance   float64 // multiplier applied only to risk-tagged candidates
	TimeHorizon     float64 // low value = short-horizon preference; boosts short_term-tagged work
}

// Store is the narrow persistence surface the engine needs.
type Store interface {
	HasInitiativeHash(ctx context.Context, agentType, titleHash string) (bool, error)
	RecordInitiative(ctx context.Context, id, title, titleHash, agentType, externalIssueID string) error
	ListInitiativeTitles(ctx context.Context, agentType string) ([]string, error)
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	RecordEvent(ctx context.Context, eventType, sourceAgent, payload string) error
}

// Tracker opens the external issue that materialises a chosen initiative.
type Tracker interface {
	OpenIssue(ctx context.Context, title, body, category, assignee string) (issueID string, err error)
}

// Queue enqueues the initiative as a priority-tagged task for its suggested
// assignee once materialised.
type Queue interface {
	Submit(ctx context.Context, agentType string, t QueueTask) error
}

// QueueTask is the minimal task shape the engine submits; it mirrors
// queue.Task's exported fields without importing the queue package, keeping
// the engine decoupled from the broker's task-queue wire format.
type QueueTask struct {
	ID          string
	Title       string
	Description string
	Priority    string
	From        string
	EnqueuedAt  time.Time
}

// Engine runs the scoring, duplicate-guard, and cooldown logic described in
// §4.7. It holds no mutable state itself beyond an in-process hash set used
// to short-circuit duplicate checks within a single process lifetime; the
// store remains the source of truth across restarts.
type Engine struct {
	store   Store
	tracker Tracker
	queue   Queue
	cooldown time.Duration
	seen    map[string]struct{}
}

// NewEngine builds an Engine. cooldown <= 0 uses DefaultCooldown.
func NewEngine(store Store, tracker Tracker, queue Queue, cooldown time.Duration) *Engine {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Engine{store: store, tracker: tracker, queue: queue, cooldown: cooldown, seen: map[string]struct{}{}}
}

// Result describes the outcome of one Propose call.
type Result struct {
	Proposed        bool
	NeedsAIFallback bool
	CooldownActive  bool
	IssueID         string
	Title           string
}

func cooldownKey(agentType string) string { return "initiative_cooldown:" + agentType }

// CooldownRemaining reports how long is left before agentType may propose
// again, and whether a cooldown is currently active at all.
func (e *Engine) CooldownRemaining(ctx context.Context, agentType string) (time.Duration, bool, error) {
	raw, ok, err := e.store.GetSetting(ctx, cooldownKey(agentType))
	if err != nil {
		return 0, false, fmt.Errorf("read cooldown: %w", err)
	}
	if !ok {
		return 0, false, nil
	}
	until, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, false, nil
	}
	remaining := time.Until(until)
	if remaining <= 0 {
		return 0, false, nil
	}
	return remaining, true, nil
}

// Propose scores bootstrap against focus, picks the highest-scoring
// not-yet-created candidate, and materialises it. If every candidate is
// already created (or none were supplied), NeedsAIFallback is set so the
// caller can run the AI-driven generation path (§4.7).
func (e *Engine) Propose(ctx context.Context, agentType string, focus FocusProfile, bootstrap []BootstrapInitiative) (Result, error) {
	if _, active, err := e.CooldownRemaining(ctx, agentType); err != nil {
		return Result{}, err
	} else if active {
		return Result{CooldownActive: true}, nil
	}

	existingTitles, err := e.store.ListInitiativeTitles(ctx, agentType)
	if err != nil {
		return Result{}, fmt.Errorf("list existing titles: %w", err)
	}

	type scored struct {
		candidate BootstrapInitiative
		score     float64
	}
	var ranked []scored
	for _, c := range bootstrap {
		dup, err := e.isDuplicate(ctx, agentType, c.Title, existingTitles)
		if err != nil {
			return Result{}, err
		}
		if dup {
			continue
		}
		ranked = append(ranked, scored{candidate: c, score: Score(c, focus)})
	}

	if len(ranked) == 0 {
		return Result{NeedsAIFallback: true}, nil
	}

	best := ranked[0]
	for _, r := range ranked[1:] {
		if r.score > best.score {
			best = r
		}
	}

	return e.materialize(ctx, agentType, best.candidate)
}

// ProposeFromAI processes a single AI-declared propose_initiative candidate
// (the tail end of §4.7's fallback path, after a rich prompt and one LLM
// call have already run elsewhere).
func (e *Engine) ProposeFromAI(ctx context.Context, agentType string, candidate BootstrapInitiative) (Result, error) {
	existingTitles, err := e.store.ListInitiativeTitles(ctx, agentType)
	if err != nil {
		return Result{}, fmt.Errorf("list existing titles: %w", err)
	}
	dup, err := e.isDuplicate(ctx, agentType, candidate.Title, existingTitles)
	if err != nil {
		return Result{}, err
	}
	if dup {
		payload := fmt.Sprintf(`{"title":%q,"reason":"duplicate of existing initiative"}`, candidate.Title)
		_ = e.store.RecordEvent(ctx, "initiative_blocked", agentType, payload)
		return Result{Proposed: false, Title: candidate.Title}, nil
	}
	return e.materialize(ctx, agentType, candidate)
}

func (e *Engine) materialize(ctx context.Context, agentType string, c BootstrapInitiative) (Result, error) {
	issueID, err := e.tracker.OpenIssue(ctx, c.Title, c.Description, "initiative", c.SuggestedAssignee)
	if err != nil {
		return Result{}, fmt.Errorf("open initiative issue: %w", err)
	}
	if issueID == "" {
		payload := fmt.Sprintf(`{"title":%q,"reason":"tracker returned no issue id"}`, c.Title)
		_ = e.store.RecordEvent(ctx, "initiative_blocked", agentType, payload)
		return Result{Proposed: false, Title: c.Title}, nil
	}

	hash := shared.NormalizeTitle(c.Title)
	if err := e.store.RecordInitiative(ctx, uuid.NewString(), c.Title, hash, agentType, issueID); err != nil {
		return Result{}, fmt.Errorf("record initiative: %w", err)
	}
	e.seen[hash] = struct{}{}

	if err := e.setCooldown(ctx, agentType); err != nil {
		return Result{}, err
	}

	if e.queue != nil && c.SuggestedAssignee != "" {
		task := QueueTask{
			ID:          uuid.NewString(),
			Title:       c.Title,
			Description: c.Description,
			Priority:    "normal",
			From:        agentType,
			EnqueuedAt:  time.Now().UTC(),
		}
		if err := e.queue.Submit(ctx, c.SuggestedAssignee, task); err != nil {
			return Result{}, fmt.Errorf("enqueue initiative task: %w", err)
		}
	}

	return Result{Proposed: true, IssueID: issueID, Title: c.Title}, nil
}

func (e *Engine) setCooldown(ctx context.Context, agentType string) error {
	until := time.Now().UTC().Add(e.cooldown).Format(time.RFC3339)
	if err := e.store.SetSetting(ctx, cooldownKey(agentType), until); err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	return nil
}

// isDuplicate checks the in-process hash set, then the store's exact
// title-hash index, then a fuzzy Jaccard-over-words comparison against
// every existing title for this agent type (§4.7, §8: case- and
// punctuation-insensitive).
func (e *Engine) isDuplicate(ctx context.Context, agentType, title string, existingTitles []string) (bool, error) {
	hash := shared.NormalizeTitle(title)
	if _, ok := e.seen[hash]; ok {
		return true, nil
	}
	exists, err := e.store.HasInitiativeHash(ctx, agentType, hash)
	if err != nil {
		return false, fmt.Errorf("check duplicate hash: %w", err)
	}
	if exists {
		return true, nil
	}
	for _, existing := range existingTitles {
		if JaccardWords(title, existing) >= duplicateJaccardThreshold {
			return true, nil
		}
	}
	return false, nil
}

// Score implements the focus-weighted formula from §4.7.
func Score(c BootstrapInitiative, focus FocusProfile) float64 {
	hasTag := func(tag string) bool {
		for _, t := range c.Tags {
			if strings.EqualFold(t, tag) {
				return true
			}
		}
		return false
	}

	score := float64(c.RevenueImpact) * focus.RevenueFocus

	switch {
	case hasTag("marketing"):
		score += focus.MarketingVsDev
	case hasTag("dev"), hasTag("engineering"):
		score -= focus.MarketingVsDev
	}

	if hasTag("community") {
		score += focus.CommunityGrowth
	}

	if hasTag("risk") {
		riskFactor := focus.RiskTolerance
		if riskFactor == 0 {
			riskFactor = 1
		}
		score *= riskFactor
	}

	if hasTag("short_term") {
		horizonFactor := 1.0
		if focus.TimeHorizon > 0 && focus.TimeHorizon < 1 {
			horizonFactor = 1 + (1 - focus.TimeHorizon)
		}
		score *= horizonFactor
	}

	score -= 0.5 * float64(c.Effort)
	return score
}

// JaccardWords computes the Jaccard similarity of two strings' normalized
// word sets: |A∩B| / |A∪B|.
func JaccardWords(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	intersection := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	normalized := shared.NormalizeTitle(s)
	out := map[string]struct{}{}
	for _, w := range strings.Fields(normalized) {
		out[w] = struct{}{}
	}
	return out
}
