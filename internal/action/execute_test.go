package action_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/orrinfleet/agentfleet/internal/action"
	"github.com/orrinfleet/agentfleet/internal/fabric"
	"github.com/orrinfleet/agentfleet/internal/llmout"
)

type fakeTracker struct {
	openedTitle    string
	openedIssueID  string
	updatedStatus  string
	claimedBy      string
	completedSum   string
	humanActionFor string
}

func (f *fakeTracker) OpenIssue(ctx context.Context, title, body, category, assignee string) (string, error) {
	f.openedTitle = title
	if f.openedIssueID == "" {
		f.openedIssueID = "issue-1"
	}
	return f.openedIssueID, nil
}
func (f *fakeTracker) UpdateIssue(ctx context.Context, issueID, status, comment string) error {
	f.updatedStatus = status
	return nil
}
func (f *fakeTracker) ClaimIssue(ctx context.Context, issueID, claimant string) error {
	f.claimedBy = claimant
	return nil
}
func (f *fakeTracker) CompleteIssue(ctx context.Context, issueID, summary string) error {
	f.completedSum = summary
	return nil
}
func (f *fakeTracker) RequestHumanAction(ctx context.Context, title, body string) (string, error) {
	f.humanActionFor = title
	return "issue-human", nil
}

type fakeCodeHost struct {
	committedMsg string
	createdTitle string
	mergedPR     string
	claimedPR    string
	closedPR     string
}

func (f *fakeCodeHost) CommitToMain(ctx context.Context, workspace, message string) error {
	f.committedMsg = message
	return nil
}
func (f *fakeCodeHost) CreatePR(ctx context.Context, workspace, title, body, category string) (string, error) {
	f.createdTitle = title
	return "pr-1", nil
}
func (f *fakeCodeHost) MergePR(ctx context.Context, prID string) error {
	f.mergedPR = prID
	return nil
}
func (f *fakeCodeHost) ClaimPR(ctx context.Context, prID, claimant string) error {
	f.claimedPR = prID
	return nil
}
func (f *fakeCodeHost) ClosePR(ctx context.Context, prID, reason string) error {
	f.closedPR = prID
	return nil
}

func newBrokerT(t *testing.T) *fabric.Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	broker := fabric.NewBroker(mr.Addr(), "", 0, nil)
	t.Cleanup(func() { _ = broker.Close() })
	return broker
}

func TestDispatch_VoteRejectsUnknownVoteValue(t *testing.T) {
	st := newTestStore(t)
	d := action.New(newBrokerT(t), st, action.NoopIssueTracker{}, action.NoopCodeHost{}, nil, nil, nil)

	err := d.Dispatch(context.Background(), "agent-1", "cmo", llmout.Action{
		Type: "vote",
		Data: []byte(`{"decisionId":"d-1","vote":"maybe"}`),
	})
	if err == nil {
		t.Fatalf("expected an invalid vote value to fail")
	}
}

func TestDispatch_VoteSucceedsAndPublishes(t *testing.T) {
	st := newTestStore(t)
	d := action.New(newBrokerT(t), st, action.NoopIssueTracker{}, action.NoopCodeHost{}, nil, nil, nil)

	err := d.Dispatch(context.Background(), "agent-1", "cmo", llmout.Action{
		Type: "vote",
		Data: []byte(`{"decisionId":"d-1","vote":"approve"}`),
	})
	if err != nil {
		t.Fatalf("expected a well-formed vote to succeed: %v", err)
	}
}

func TestDispatch_AlertEscalatesCriticalSeverityAndPublishes(t *testing.T) {
	st := newTestStore(t)
	d := action.New(newBrokerT(t), st, action.NoopIssueTracker{}, action.NoopCodeHost{}, nil, nil, nil)

	err := d.Dispatch(context.Background(), "agent-1", "cmo", llmout.Action{
		Type: "alert",
		Data: []byte(`{"message":"burn rate spiking","severity":"critical"}`),
	})
	if err != nil {
		t.Fatalf("expected alert dispatch to succeed: %v", err)
	}
}

func TestDispatch_SpawnWorkerWithNoSpawnerConfiguredFailsFast(t *testing.T) {
	st := newTestStore(t)
	d := action.New(newBrokerT(t), st, action.NoopIssueTracker{}, action.NoopCodeHost{}, nil, nil, nil)

	err := d.Dispatch(context.Background(), "agent-1", "cmo", llmout.Action{
		Type: "spawn_worker",
		Data: []byte(`{"task":"investigate outage"}`),
	})
	if err == nil {
		t.Fatalf("expected spawn_worker with no spawner to fail")
	}
}

func TestDispatch_CommitToMainRequiresWorkspace(t *testing.T) {
	st := newTestStore(t)
	ch := &fakeCodeHost{}
	d := action.New(newBrokerT(t), st, action.NoopIssueTracker{}, ch, nil, nil, nil)

	err := d.Dispatch(context.Background(), "agent-1", "cmo", llmout.Action{
		Type: "commit_to_main",
		Data: []byte(`{"message":"fix bug"}`),
	})
	if err == nil {
		t.Fatalf("expected commit_to_main with no workspace to fail")
	}
	if ch.committedMsg != "" {
		t.Fatalf("expected CommitToMain to never be called, got message %q", ch.committedMsg)
	}
}

func TestDispatch_CommitToMainSucceeds(t *testing.T) {
	st := newTestStore(t)
	ch := &fakeCodeHost{}
	d := action.New(newBrokerT(t), st, action.NoopIssueTracker{}, ch, nil, nil, nil)

	err := d.Dispatch(context.Background(), "agent-1", "cmo", llmout.Action{
		Type: "commit_to_main",
		Data: []byte(`{"workspace":"/work/repo","message":"fix bug"}`),
	})
	if err != nil {
		t.Fatalf("expected commit_to_main to succeed: %v", err)
	}
	if ch.committedMsg != "fix bug" {
		t.Fatalf("expected CommitToMain to be called with the commit message, got %q", ch.committedMsg)
	}
}

func TestDispatch_CreatePRSucceeds(t *testing.T) {
	st := newTestStore(t)
	ch := &fakeCodeHost{}
	d := action.New(newBrokerT(t), st, action.NoopIssueTracker{}, ch, nil, nil, nil)

	err := d.Dispatch(context.Background(), "agent-1", "cmo", llmout.Action{
		Type: "create_pr",
		Data: []byte(`{"workspace":"/work/repo","title":"Add retry logic","body":"details"}`),
	})
	if err != nil {
		t.Fatalf("expected create_pr to succeed: %v", err)
	}
	if ch.createdTitle != "Add retry logic" {
		t.Fatalf("expected CreatePR to be called with the title, got %q", ch.createdTitle)
	}
}

func TestDispatch_MergePRRequiresPRID(t *testing.T) {
	st := newTestStore(t)
	ch := &fakeCodeHost{}
	d := action.New(newBrokerT(t), st, action.NoopIssueTracker{}, ch, nil, nil, nil)

	err := d.Dispatch(context.Background(), "agent-1", "cmo", llmout.Action{Type: "merge_pr", Data: []byte(`{}`)})
	if err == nil {
		t.Fatalf("expected merge_pr with no prId to fail")
	}
}

func TestDispatch_MergePRSucceeds(t *testing.T) {
	st := newTestStore(t)
	ch := &fakeCodeHost{}
	d := action.New(newBrokerT(t), st, action.NoopIssueTracker{}, ch, nil, nil, nil)

	err := d.Dispatch(context.Background(), "agent-1", "cmo", llmout.Action{
		Type: "merge_pr",
		Data: []byte(`{"prId":"pr-42"}`),
	})
	if err != nil {
		t.Fatalf("expected merge_pr to succeed: %v", err)
	}
	if ch.mergedPR != "pr-42" {
		t.Fatalf("expected MergePR to be called with pr-42, got %q", ch.mergedPR)
	}
}

func TestDispatch_RequestHumanActionRequiresTitle(t *testing.T) {
	st := newTestStore(t)
	tr := &fakeTracker{}
	d := action.New(newBrokerT(t), st, tr, action.NoopCodeHost{}, nil, nil, nil)

	err := d.Dispatch(context.Background(), "agent-1", "cmo", llmout.Action{Type: "request_human_action", Data: []byte(`{}`)})
	if err == nil {
		t.Fatalf("expected request_human_action with no title to fail")
	}
}

func TestDispatch_RequestHumanActionPrefixesBody(t *testing.T) {
	st := newTestStore(t)
	tr := &fakeTracker{}
	d := action.New(newBrokerT(t), st, tr, action.NoopCodeHost{}, nil, nil, nil)

	err := d.Dispatch(context.Background(), "agent-1", "cmo", llmout.Action{
		Type: "request_human_action",
		Data: []byte(`{"title":"Needs legal review","body":"contract terms"}`),
	})
	if err != nil {
		t.Fatalf("expected request_human_action to succeed: %v", err)
	}
	if tr.humanActionFor != "Needs legal review" {
		t.Fatalf("expected RequestHumanAction to receive the title, got %q", tr.humanActionFor)
	}
}

func TestDispatch_ClaimIssueAndCompleteIssue(t *testing.T) {
	st := newTestStore(t)
	tr := &fakeTracker{}
	d := action.New(newBrokerT(t), st, tr, action.NoopCodeHost{}, nil, nil, nil)

	if err := d.Dispatch(context.Background(), "agent-1", "cmo", llmout.Action{
		Type: "claim_issue",
		Data: []byte(`{"issueId":"issue-9","claimant":"cmo"}`),
	}); err != nil {
		t.Fatalf("expected claim_issue to succeed: %v", err)
	}
	if tr.claimedBy != "cmo" {
		t.Fatalf("expected ClaimIssue to receive the claimant, got %q", tr.claimedBy)
	}

	if err := d.Dispatch(context.Background(), "agent-1", "cmo", llmout.Action{
		Type: "complete_issue",
		Data: []byte(`{"issueId":"issue-9","summary":"shipped the fix"}`),
	}); err != nil {
		t.Fatalf("expected complete_issue to succeed: %v", err)
	}
	if tr.completedSum != "shipped the fix" {
		t.Fatalf("expected CompleteIssue to receive the summary, got %q", tr.completedSum)
	}
}

func TestDispatch_ProposeInitiativeRequiresTitle(t *testing.T) {
	st := newTestStore(t)
	tr := &fakeTracker{}
	d := action.New(newBrokerT(t), st, tr, action.NoopCodeHost{}, nil, nil, nil)

	err := d.Dispatch(context.Background(), "agent-1", "cmo", llmout.Action{Type: "propose_initiative", Data: []byte(`{}`)})
	if err == nil {
		t.Fatalf("expected propose_initiative with no title to fail")
	}
}

func TestDispatch_ProposeInitiativeOpensIssueAndPersists(t *testing.T) {
	st := newTestStore(t)
	tr := &fakeTracker{}
	d := action.New(newBrokerT(t), st, tr, action.NoopCodeHost{}, nil, nil, nil)

	err := d.Dispatch(context.Background(), "agent-1", "cmo", llmout.Action{
		Type: "propose_initiative",
		Data: []byte(`{"title":"Explore new channel","description":"worth testing","suggestedAssignee":"cmo"}`),
	})
	if err != nil {
		t.Fatalf("expected propose_initiative to succeed: %v", err)
	}
	if tr.openedTitle != "Explore new channel" {
		t.Fatalf("expected OpenIssue to receive the title, got %q", tr.openedTitle)
	}
}

func TestDispatch_ProposeDecisionRequiresTitle(t *testing.T) {
	st := newTestStore(t)
	d := action.New(newBrokerT(t), st, action.NoopIssueTracker{}, action.NoopCodeHost{}, nil, nil, nil)

	err := d.Dispatch(context.Background(), "agent-1", "cmo", llmout.Action{Type: "propose_decision", Data: []byte(`{}`)})
	if err == nil {
		t.Fatalf("expected propose_decision with no title to fail")
	}
}

func TestDispatch_ProposeDecisionDefaultsTierToMinor(t *testing.T) {
	st := newTestStore(t)
	d := action.New(newBrokerT(t), st, action.NoopIssueTracker{}, action.NoopCodeHost{}, nil, nil, nil)

	err := d.Dispatch(context.Background(), "agent-1", "cmo", llmout.Action{
		Type: "propose_decision",
		Data: []byte(`{"title":"Adopt new vendor"}`),
	})
	if err != nil {
		t.Fatalf("expected propose_decision to succeed: %v", err)
	}
}

func TestDispatch_ScheduleEventRecordsEventWithoutCollaborators(t *testing.T) {
	st := newTestStore(t)
	d := action.New(newBrokerT(t), st, action.NoopIssueTracker{}, action.NoopCodeHost{}, nil, nil, nil)

	err := d.Dispatch(context.Background(), "agent-1", "cmo", llmout.Action{
		Type: "schedule_event",
		Data: []byte(`{"title":"quarterly planning","projectId":"proj-1"}`),
	})
	if err != nil {
		t.Fatalf("expected schedule_event to succeed: %v", err)
	}
}
