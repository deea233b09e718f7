package action

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/orrinfleet/agentfleet/internal/fabric"
	"github.com/orrinfleet/agentfleet/internal/llmout"
	"github.com/orrinfleet/agentfleet/internal/shared"
)

// tierPriority derives a message priority from a decision's tier (§4.5:
// "priority is derived from tier").
var tierPriority = map[string]fabric.Priority{
	"critical":    fabric.PriorityCritical,
	"major":       fabric.PriorityHigh,
	"minor":       fabric.PriorityNormal,
	"operational": fabric.PriorityLow,
}

// permanent marks err as non-retryable using the backoff library's own
// sentinel wrapper, so Dispatch's isPermanent check and any library-level
// backoff.Retry caller agree on what "permanent" means.
func permanent(err error) error { return backoff.Permanent(err) }

// execute is the switch over action.Type (§4.5). A permanent return
// short-circuits the retry wrapper; any other error is retried.
func (d *Dispatcher) execute(ctx context.Context, agentID, agentType string, a llmout.Action) error {
	switch a.Type {
	case "create_task":
		return d.execCreateTask(ctx, agentType, a.Data)
	case "propose_decision":
		return d.execProposeDecision(ctx, agentID, agentType, a.Data, "")
	case "operational":
		return d.execProposeDecision(ctx, agentID, agentType, a.Data, "operational")
	case "vote":
		return d.execVote(ctx, agentID, agentType, a.Data)
	case "alert":
		return d.execAlert(ctx, agentType, a.Data)
	case "spawn_worker":
		return d.execSpawnWorker(ctx, agentID, a.Data)
	case "create_pr", "commit_to_main":
		return d.execCommit(ctx, a.Type, a.Data)
	case "merge_pr":
		return d.execMergePR(ctx, a.Data)
	case "claim_pr":
		return d.execClaimPR(ctx, a.Data)
	case "close_pr":
		return d.execClosePR(ctx, a.Data)
	case "request_human_action":
		return d.execRequestHumanAction(ctx, a.Data)
	case "update_issue":
		return d.execUpdateIssue(ctx, a.Data)
	case "claim_issue":
		return d.execClaimIssue(ctx, a.Data)
	case "complete_issue":
		return d.execCompleteIssue(ctx, a.Data)
	case "propose_initiative":
		return d.execProposeInitiative(ctx, agentID, agentType, a.Data)
	case "schedule_event", "create_project", "create_project_task", "update_project_task", "spawn_subagent":
		return d.execProjectEvent(ctx, agentType, a.Type, a.Data)
	default:
		d.logger.Debug("action: ignoring unknown action type", "agent_id", agentID, "type", a.Type)
		return nil
	}
}

type createTaskData struct {
	To          string  `json:"to"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Priority    string  `json:"priority"`
	Deadline    *string `json:"deadline,omitempty"`
}

func (d *Dispatcher) execCreateTask(ctx context.Context, fromType string, raw json.RawMessage) error {
	var in createTaskData
	if err := json.Unmarshal(raw, &in); err != nil {
		return permanent(fmt.Errorf("create_task: decode: %w", err))
	}
	if in.To == "" {
		return permanent(fmt.Errorf("create_task: missing to"))
	}
	if in.Priority == "" {
		in.Priority = "normal"
	}

	payload, err := json.Marshal(map[string]string{
		"title":       in.Title,
		"description": in.Description,
		"priority":    in.Priority,
	})
	if err != nil {
		return permanent(fmt.Errorf("create_task: marshal payload: %w", err))
	}

	m := fabric.Message{
		ID:            uuid.NewString(),
		Type:          "task",
		From:          fromType,
		To:            in.To,
		Payload:       payload,
		Priority:      fabric.Priority(in.Priority),
		Timestamp:     time.Now().UTC(),
		CorrelationID: shared.CorrelationID(ctx),
	}
	if err := d.broker.Publish(ctx, fabric.ChannelOrchestrator, m); err != nil {
		return fmt.Errorf("create_task: publish: %w", err)
	}
	return nil
}

type decisionData struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Tier        string `json:"tier"`
}

func (d *Dispatcher) execProposeDecision(ctx context.Context, agentID, agentType string, raw json.RawMessage, forcedTier string) error {
	var in decisionData
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &in); err != nil {
			return permanent(fmt.Errorf("propose_decision: decode: %w", err))
		}
	}
	if forcedTier != "" {
		in.Tier = forcedTier
	}
	if in.Tier == "" {
		in.Tier = "minor"
	}
	if in.Title == "" {
		return permanent(fmt.Errorf("propose_decision: missing title"))
	}

	id := uuid.NewString()
	if d.store != nil {
		if err := d.store.CreateDecision(ctx, id, in.Title, in.Description, in.Tier, agentID); err != nil {
			return fmt.Errorf("propose_decision: persist: %w", err)
		}
	}

	priority, ok := tierPriority[in.Tier]
	if !ok {
		priority = fabric.PriorityNormal
	}
	payload, _ := json.Marshal(map[string]string{
		"decisionId":  id,
		"title":       in.Title,
		"description": in.Description,
		"tier":        in.Tier,
	})
	m := fabric.Message{
		ID:               uuid.NewString(),
		Type:             "decision",
		From:             agentType,
		To:               "head",
		Payload:          payload,
		Priority:         priority,
		Timestamp:        time.Now().UTC(),
		RequiresResponse: forcedTier == "",
		CorrelationID:    shared.CorrelationID(ctx),
	}
	if err := d.broker.Publish(ctx, fabric.TierChannel("head"), m); err != nil {
		return fmt.Errorf("propose_decision: publish: %w", err)
	}
	return nil
}

type voteData struct {
	DecisionID string `json:"decisionId"`
	Vote       string `json:"vote"`
}

func (d *Dispatcher) execVote(ctx context.Context, agentID, agentType string, raw json.RawMessage) error {
	var in voteData
	if err := json.Unmarshal(raw, &in); err != nil {
		return permanent(fmt.Errorf("vote: decode: %w", err))
	}
	if in.DecisionID == "" || in.Vote == "" {
		return permanent(fmt.Errorf("vote: missing decisionId or vote"))
	}
	if in.Vote != "approve" && in.Vote != "veto" && in.Vote != "abstain" {
		return permanent(fmt.Errorf("vote: invalid vote %q", in.Vote))
	}

	if d.store != nil {
		if err := d.store.RecordVote(ctx, in.DecisionID, agentID, in.Vote); err != nil {
			return fmt.Errorf("vote: persist: %w", err)
		}
	}

	payload, _ := json.Marshal(in)
	m := fabric.Message{
		ID:            uuid.NewString(),
		Type:          "vote",
		From:          agentType,
		To:            "head",
		Payload:       payload,
		Priority:      fabric.PriorityHigh,
		Timestamp:     time.Now().UTC(),
		CorrelationID: shared.CorrelationID(ctx),
	}
	if err := d.broker.Publish(ctx, fabric.TierChannel("head"), m); err != nil {
		return fmt.Errorf("vote: publish: %w", err)
	}
	return nil
}

type alertData struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (d *Dispatcher) execAlert(ctx context.Context, agentType string, raw json.RawMessage) error {
	var in alertData
	if err := json.Unmarshal(raw, &in); err != nil {
		return permanent(fmt.Errorf("alert: decode: %w", err))
	}
	priority := fabric.PriorityHigh
	if in.Severity == "critical" {
		priority = fabric.PriorityUrgent
	}
	payload, _ := json.Marshal(in)
	m := fabric.Message{
		ID:            uuid.NewString(),
		Type:          "alert",
		From:          agentType,
		To:            fabric.ChannelBroadcast,
		Payload:       payload,
		Priority:      priority,
		Timestamp:     time.Now().UTC(),
		CorrelationID: shared.CorrelationID(ctx),
	}
	if err := d.broker.Publish(ctx, fabric.ChannelBroadcast, m); err != nil {
		return fmt.Errorf("alert: publish: %w", err)
	}
	return nil
}

func (d *Dispatcher) execSpawnWorker(ctx context.Context, agentID string, raw json.RawMessage) error {
	if d.workers == nil {
		return permanent(fmt.Errorf("spawn_worker: no worker spawner configured"))
	}
	if err := d.workers.Spawn(ctx, agentID, raw); err != nil {
		return fmt.Errorf("spawn_worker: %w", err)
	}
	return nil
}

type commitData struct {
	Workspace string `json:"workspace"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Category  string `json:"category"`
	Message   string `json:"message"`
}

func (d *Dispatcher) execCommit(ctx context.Context, actionType string, raw json.RawMessage) error {
	var in commitData
	if err := json.Unmarshal(raw, &in); err != nil {
		return permanent(fmt.Errorf("%s: decode: %w", actionType, err))
	}
	if in.Workspace == "" {
		return permanent(fmt.Errorf("%s: missing workspace", actionType))
	}

	if err := d.waitRateLimit(ctx); err != nil {
		return fmt.Errorf("%s: rate limit: %w", actionType, err)
	}

	if actionType == "commit_to_main" {
		msg := in.Message
		if msg == "" {
			msg = in.Title
		}
		if err := d.codeHost.CommitToMain(ctx, in.Workspace, msg); err != nil {
			return fmt.Errorf("commit_to_main: %w", err)
		}
		return d.recordHistory(ctx, "commit_to_main", in.Workspace)
	}

	prID, err := d.codeHost.CreatePR(ctx, in.Workspace, in.Title, in.Body, in.Category)
	if err != nil {
		return fmt.Errorf("create_pr: %w", err)
	}
	return d.recordHistory(ctx, "create_pr", prID)
}

type prIDData struct {
	PRID     string `json:"prId"`
	Claimant string `json:"claimant"`
	Reason   string `json:"reason"`
}

func (d *Dispatcher) execMergePR(ctx context.Context, raw json.RawMessage) error {
	var in prIDData
	if err := json.Unmarshal(raw, &in); err != nil {
		return permanent(fmt.Errorf("merge_pr: decode: %w", err))
	}
	if in.PRID == "" {
		return permanent(fmt.Errorf("merge_pr: missing prId"))
	}
	if err := d.waitRateLimit(ctx); err != nil {
		return fmt.Errorf("merge_pr: rate limit: %w", err)
	}
	if err := d.codeHost.MergePR(ctx, in.PRID); err != nil {
		return fmt.Errorf("merge_pr: %w", err)
	}
	return d.recordHistory(ctx, "pr_merged", in.PRID)
}

func (d *Dispatcher) execClaimPR(ctx context.Context, raw json.RawMessage) error {
	var in prIDData
	if err := json.Unmarshal(raw, &in); err != nil {
		return permanent(fmt.Errorf("claim_pr: decode: %w", err))
	}
	if in.PRID == "" {
		return permanent(fmt.Errorf("claim_pr: missing prId"))
	}
	if err := d.waitRateLimit(ctx); err != nil {
		return fmt.Errorf("claim_pr: rate limit: %w", err)
	}
	if err := d.codeHost.ClaimPR(ctx, in.PRID, in.Claimant); err != nil {
		return fmt.Errorf("claim_pr: %w", err)
	}
	return nil
}

func (d *Dispatcher) execClosePR(ctx context.Context, raw json.RawMessage) error {
	var in prIDData
	if err := json.Unmarshal(raw, &in); err != nil {
		return permanent(fmt.Errorf("close_pr: decode: %w", err))
	}
	if in.PRID == "" {
		return permanent(fmt.Errorf("close_pr: missing prId"))
	}
	if err := d.waitRateLimit(ctx); err != nil {
		return fmt.Errorf("close_pr: rate limit: %w", err)
	}
	if err := d.codeHost.ClosePR(ctx, in.PRID, in.Reason); err != nil {
		return fmt.Errorf("close_pr: %w", err)
	}
	return d.recordHistory(ctx, "pr_rejected", in.PRID)
}

type humanActionData struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (d *Dispatcher) execRequestHumanAction(ctx context.Context, raw json.RawMessage) error {
	var in humanActionData
	if err := json.Unmarshal(raw, &in); err != nil {
		return permanent(fmt.Errorf("request_human_action: decode: %w", err))
	}
	if in.Title == "" {
		return permanent(fmt.Errorf("request_human_action: missing title"))
	}
	urgentBody := "[needs human] " + in.Body
	if err := d.waitRateLimit(ctx); err != nil {
		return fmt.Errorf("request_human_action: rate limit: %w", err)
	}
	if _, err := d.tracker.RequestHumanAction(ctx, in.Title, urgentBody); err != nil {
		return fmt.Errorf("request_human_action: %w", err)
	}
	return nil
}

type issueData struct {
	IssueID string `json:"issueId"`
	Status  string `json:"status"`
	Comment string `json:"comment"`
	Summary string `json:"summary"`
	Claimant string `json:"claimant"`
}

func (d *Dispatcher) execUpdateIssue(ctx context.Context, raw json.RawMessage) error {
	var in issueData
	if err := json.Unmarshal(raw, &in); err != nil {
		return permanent(fmt.Errorf("update_issue: decode: %w", err))
	}
	if in.IssueID == "" {
		return permanent(fmt.Errorf("update_issue: missing issueId"))
	}
	if err := d.waitRateLimit(ctx); err != nil {
		return fmt.Errorf("update_issue: rate limit: %w", err)
	}
	if err := d.tracker.UpdateIssue(ctx, in.IssueID, in.Status, in.Comment); err != nil {
		return fmt.Errorf("update_issue: %w", err)
	}
	return nil
}

func (d *Dispatcher) execClaimIssue(ctx context.Context, raw json.RawMessage) error {
	var in issueData
	if err := json.Unmarshal(raw, &in); err != nil {
		return permanent(fmt.Errorf("claim_issue: decode: %w", err))
	}
	if in.IssueID == "" {
		return permanent(fmt.Errorf("claim_issue: missing issueId"))
	}
	if err := d.waitRateLimit(ctx); err != nil {
		return fmt.Errorf("claim_issue: rate limit: %w", err)
	}
	if err := d.tracker.ClaimIssue(ctx, in.IssueID, in.Claimant); err != nil {
		return fmt.Errorf("claim_issue: %w", err)
	}
	return nil
}

func (d *Dispatcher) execCompleteIssue(ctx context.Context, raw json.RawMessage) error {
	var in issueData
	if err := json.Unmarshal(raw, &in); err != nil {
		return permanent(fmt.Errorf("complete_issue: decode: %w", err))
	}
	if in.IssueID == "" {
		return permanent(fmt.Errorf("complete_issue: missing issueId"))
	}
	if err := d.waitRateLimit(ctx); err != nil {
		return fmt.Errorf("complete_issue: rate limit: %w", err)
	}
	if err := d.tracker.CompleteIssue(ctx, in.IssueID, in.Summary); err != nil {
		return fmt.Errorf("complete_issue: %w", err)
	}
	return nil
}

type initiativeData struct {
	Title           string `json:"title"`
	Description     string `json:"description"`
	SuggestedAssignee string `json:"suggestedAssignee"`
}

// execProposeInitiative is reached only for LLM-declared propose_initiative
// actions (the dedicated Initiative Engine in internal/initiative calls the
// tracker/store directly for its own bootstrap-scored proposals). The rule
// is identical either way: never propose when a "ready" issue already
// exists for the agent to pick up instead.
func (d *Dispatcher) execProposeInitiative(ctx context.Context, agentID, agentType string, raw json.RawMessage) error {
	var in initiativeData
	if err := json.Unmarshal(raw, &in); err != nil {
		return permanent(fmt.Errorf("propose_initiative: decode: %w", err))
	}
	if in.Title == "" {
		return permanent(fmt.Errorf("propose_initiative: missing title"))
	}

	if err := d.waitRateLimit(ctx); err != nil {
		return fmt.Errorf("propose_initiative: rate limit: %w", err)
	}
	issueID, err := d.tracker.OpenIssue(ctx, in.Title, in.Description, "initiative", in.SuggestedAssignee)
	if err != nil {
		return fmt.Errorf("propose_initiative: open issue: %w", err)
	}
	if issueID == "" {
		if d.store != nil {
			payload, _ := json.Marshal(map[string]string{"title": in.Title, "reason": "tracker returned no issue id"})
			_ = d.store.RecordEvent(ctx, "initiative_blocked", agentType, string(payload))
		}
		return nil
	}
	if d.store != nil {
		if err := d.store.RecordInitiative(ctx, uuid.NewString(), in.Title, titleHash(in.Title), agentType, issueID); err != nil {
			return fmt.Errorf("propose_initiative: persist: %w", err)
		}
	}
	return nil
}

type projectEventData struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	ProjectID   string `json:"projectId"`
	TaskID      string `json:"taskId"`
	Status      string `json:"status"`
}

func (d *Dispatcher) execProjectEvent(ctx context.Context, agentType, actionType string, raw json.RawMessage) error {
	var in projectEventData
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &in); err != nil {
			return permanent(fmt.Errorf("%s: decode: %w", actionType, err))
		}
	}
	if d.store == nil {
		return nil
	}
	if err := d.store.RecordEvent(ctx, actionType, agentType, string(raw)); err != nil {
		return fmt.Errorf("%s: record event: %w", actionType, err)
	}
	return nil
}

func (d *Dispatcher) recordHistory(ctx context.Context, actionType, summary string) error {
	if d.store == nil {
		return nil
	}
	if err := d.store.RecordEvent(ctx, actionType, "", summary); err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return nil
}

// titleHash normalizes a title for duplicate comparison (case- and
// punctuation-insensitive, per §8).
func titleHash(title string) string {
	return shared.NormalizeTitle(title)
}
