package initiative_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/orrinfleet/agentfleet/internal/initiative"
)

type fakeStore struct {
	hashes    map[string]bool
	titles    []string
	settings  map[string]string
	recorded  []string
	events    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{hashes: map[string]bool{}, settings: map[string]string{}}
}

func (s *fakeStore) HasInitiativeHash(ctx context.Context, agentType, titleHash string) (bool, error) {
	return s.hashes[agentType+":"+titleHash], nil
}

func (s *fakeStore) RecordInitiative(ctx context.Context, id, title, titleHash, agentType, externalIssueID string) error {
	s.hashes[agentType+":"+titleHash] = true
	s.titles = append(s.titles, title)
	s.recorded = append(s.recorded, title)
	return nil
}

func (s *fakeStore) ListInitiativeTitles(ctx context.Context, agentType string) ([]string, error) {
	return append([]string(nil), s.titles...), nil
}

func (s *fakeStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *fakeStore) SetSetting(ctx context.Context, key, value string) error {
	s.settings[key] = value
	return nil
}

func (s *fakeStore) RecordEvent(ctx context.Context, eventType, sourceAgent, payload string) error {
	s.events = append(s.events, eventType)
	return nil
}

type fakeTracker struct {
	nextID string
	calls  int
}

func (t *fakeTracker) OpenIssue(ctx context.Context, title, body, category, assignee string) (string, error) {
	t.calls++
	if t.nextID == "" {
		return fmt.Sprintf("issue-%d", t.calls), nil
	}
	return t.nextID, nil
}

type fakeQueue struct {
	submitted []initiative.QueueTask
}

func (q *fakeQueue) Submit(ctx context.Context, agentType string, t initiative.QueueTask) error {
	q.submitted = append(q.submitted, t)
	return nil
}

func TestPropose_PicksHighestScoringCandidate(t *testing.T) {
	st := newFakeStore()
	tracker := &fakeTracker{}
	q := &fakeQueue{}
	eng := initiative.NewEngine(st, tracker, q, time.Hour)

	focus := initiative.FocusProfile{RevenueFocus: 1, MarketingVsDev: 0.5}
	candidates := []initiative.BootstrapInitiative{
		{Title: "Low impact cleanup", RevenueImpact: 1, Effort: 1},
		{Title: "High impact marketing push", RevenueImpact: 9, Effort: 2, Tags: []string{"marketing"}, SuggestedAssignee: "cmo"},
	}

	result, err := eng.Propose(context.Background(), "cmo", focus, candidates)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if !result.Proposed {
		t.Fatalf("expected a candidate to be proposed, got %+v", result)
	}
	if result.Title != "High impact marketing push" {
		t.Fatalf("expected the higher-scoring candidate to win, got %q", result.Title)
	}
	if len(q.submitted) != 1 {
		t.Fatalf("expected the materialized initiative to be enqueued for its suggested assignee")
	}
}

func TestPropose_NoCandidatesNeedsAIFallback(t *testing.T) {
	st := newFakeStore()
	eng := initiative.NewEngine(st, &fakeTracker{}, &fakeQueue{}, time.Hour)

	result, err := eng.Propose(context.Background(), "coo", initiative.FocusProfile{}, nil)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if !result.NeedsAIFallback {
		t.Fatalf("expected an empty bootstrap list to require the AI fallback path")
	}
}

func TestPropose_CooldownActiveBlocksAllProposals(t *testing.T) {
	st := newFakeStore()
	eng := initiative.NewEngine(st, &fakeTracker{}, &fakeQueue{}, time.Hour)
	st.settings["initiative_cooldown:cto"] = time.Now().UTC().Add(30 * time.Minute).Format(time.RFC3339)

	result, err := eng.Propose(context.Background(), "cto", initiative.FocusProfile{}, []initiative.BootstrapInitiative{
		{Title: "Ship something", RevenueImpact: 5},
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if !result.CooldownActive {
		t.Fatalf("expected an active cooldown to block the proposal")
	}
}

func TestPropose_DuplicateTitleIsSkippedViaFuzzyMatch(t *testing.T) {
	st := newFakeStore()
	st.titles = []string{"Audit the churn report"}
	eng := initiative.NewEngine(st, &fakeTracker{}, &fakeQueue{}, time.Hour)

	result, err := eng.Propose(context.Background(), "cfo", initiative.FocusProfile{RevenueFocus: 1}, []initiative.BootstrapInitiative{
		{Title: "Audit the churn report!", RevenueImpact: 5},
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if !result.NeedsAIFallback {
		t.Fatalf("expected the near-duplicate candidate to be filtered out, leaving no candidates, got %+v", result)
	}
}

func TestProposeFromAI_DuplicateIsRecordedAsBlocked(t *testing.T) {
	st := newFakeStore()
	st.titles = []string{"Refresh the onboarding emails"}
	eng := initiative.NewEngine(st, &fakeTracker{}, &fakeQueue{}, time.Hour)

	result, err := eng.ProposeFromAI(context.Background(), "cmo", initiative.BootstrapInitiative{
		Title: "refresh the onboarding emails",
	})
	if err != nil {
		t.Fatalf("proposeFromAI: %v", err)
	}
	if result.Proposed {
		t.Fatalf("expected the case-insensitive duplicate to be rejected")
	}
	found := false
	for _, e := range st.events {
		if e == "initiative_blocked" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an initiative_blocked event to be recorded")
	}
}

func TestScore_RiskTagAppliesToleranceMultiplier(t *testing.T) {
	low := initiative.Score(initiative.BootstrapInitiative{RevenueImpact: 10, Effort: 0, Tags: []string{"risk"}}, initiative.FocusProfile{RevenueFocus: 1, RiskTolerance: 0.2})
	high := initiative.Score(initiative.BootstrapInitiative{RevenueImpact: 10, Effort: 0, Tags: []string{"risk"}}, initiative.FocusProfile{RevenueFocus: 1, RiskTolerance: 2})
	if !(high > low) {
		t.Fatalf("expected higher risk tolerance to score a risk-tagged candidate higher: low=%v high=%v", low, high)
	}
}

func TestJaccardWords_IdenticalTitlesScoreOne(t *testing.T) {
	if got := initiative.JaccardWords("Ship the new pricing page", "ship the new pricing page"); got != 1 {
		t.Fatalf("expected identical (case-insensitive) titles to score 1.0, got %v", got)
	}
}

func TestJaccardWords_DisjointTitlesScoreZero(t *testing.T) {
	if got := initiative.JaccardWords("Ship pricing page", "Audit vendor contracts"); got != 0 {
		t.Fatalf("expected disjoint titles to score 0.0, got %v", got)
	}
}
