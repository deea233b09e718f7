package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/orrinfleet/agentfleet/internal/fabric"
	"github.com/orrinfleet/agentfleet/internal/initiative"
	"github.com/orrinfleet/agentfleet/internal/llmout"
	"github.com/orrinfleet/agentfleet/internal/queue"
	"github.com/orrinfleet/agentfleet/internal/store"
)

// promptInputs bundles everything the loop prompt is assembled from
// (§4.4 step 9).
type promptInputs struct {
	Trigger          string
	Message          *fabric.Message
	EssentialState   map[string]string
	PendingDecisions []store.Decision
	Tasks            []queue.Task
	RAGContext       string
	Kanban           KanbanSummary
	BrandConfig      string
	Idle             bool
}

// buildPrompt assembles the structured loop prompt from profile-derived
// system text, a trigger descriptor, essential state, pending decisions
// (head tier only), claimed tasks, RAG context, kanban summary, brand
// config and, when idle, an appended initiative-generation hint.
func (d *Daemon) buildPrompt(in promptInputs) string {
	var b strings.Builder

	b.WriteString(d.profile.SystemPrompt)
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "## Trigger\n%s", in.Trigger)
	if in.Message != nil {
		fmt.Fprintf(&b, " (from %s, type %s)", in.Message.From, in.Message.Type)
		if len(in.Message.Payload) > 0 {
			fmt.Fprintf(&b, "\nPayload: %s", string(in.Message.Payload))
		}
	}
	b.WriteString("\n\n")

	if len(in.EssentialState) > 0 {
		b.WriteString("## State\n")
		for _, k := range []string{"loop_count", "last_loop_at", "success_count", "error_count", "current_focus", "status"} {
			if v, ok := in.EssentialState[k]; ok {
				fmt.Fprintf(&b, "- %s: %s\n", k, v)
			}
		}
		b.WriteString("\n")
	}

	if len(in.PendingDecisions) > 0 {
		b.WriteString("## Pending Decisions\n")
		for _, dec := range in.PendingDecisions {
			fmt.Fprintf(&b, "- [%s] %s (tier=%s, proposed by %s): %s\n", dec.ID, dec.Title, dec.Tier, dec.ProposedBy, dec.Description)
		}
		b.WriteString("\n")
	}

	if len(in.Tasks) > 0 {
		b.WriteString("## Claimed Tasks\n")
		for _, t := range in.Tasks {
			fmt.Fprintf(&b, "- [%s] (%s) %s: %s\n", t.ID, t.Priority, t.Title, t.Description)
		}
		b.WriteString("\n")
	}

	if in.RAGContext != "" {
		fmt.Fprintf(&b, "## Retrieved Context\n%s\n\n", in.RAGContext)
	}

	if len(in.Kanban.InProgress)+len(in.Kanban.Ready)+len(in.Kanban.InReview) > 0 {
		b.WriteString("## Kanban\n")
		fmt.Fprintf(&b, "- In progress: %s\n", strings.Join(in.Kanban.InProgress, ", "))
		fmt.Fprintf(&b, "- Ready: %s\n", strings.Join(in.Kanban.Ready, ", "))
		fmt.Fprintf(&b, "- In review: %s\n\n", strings.Join(in.Kanban.InReview, ", "))
	}

	if in.BrandConfig != "" {
		fmt.Fprintf(&b, "## Brand\n%s\n\n", in.BrandConfig)
	}

	if in.Idle {
		b.WriteString("## Idle\nNo task is in flight. If no ready work exists, you may declare a propose_initiative action ")
		b.WriteString("using your focus area below.\n\n")
		if len(d.profile.KeyQuestions) > 0 {
			fmt.Fprintf(&b, "Key questions: %s\n", strings.Join(d.profile.KeyQuestions, "; "))
		}
		if len(d.profile.RevenueAngles) > 0 {
			fmt.Fprintf(&b, "Revenue angles: %s\n", strings.Join(d.profile.RevenueAngles, "; "))
		}
		if len(d.profile.ScanTopics) > 0 {
			fmt.Fprintf(&b, "Scan topics: %s\n", strings.Join(d.profile.ScanTopics, "; "))
		}
		b.WriteString("\n")
	}

	b.WriteString("Respond with a JSON object containing any of actions[], messages[], stateUpdates{}, summary.")
	return b.String()
}

// initiativeGenerationTimeout bounds the fallback AI-driven generation call
// (§5: "60s for initiative generation").
const initiativeGenerationTimeout = 60 * time.Second

// runInitiativePhase implements §4.4 step 14's "else" branch and §4.7 in
// full: try the focus-weighted bootstrap scoring first; if every
// candidate is exhausted or already created, fall back to one AI-driven
// generation call that may propose a single new initiative.
func (d *Daemon) runInitiativePhase(ctx context.Context, logger *slog.Logger) {
	if d.initiative == nil {
		return
	}

	result, err := d.initiative.Propose(ctx, d.cfg.AgentType, d.profileFocus(), d.profile.EngineBootstraps())
	if err != nil {
		logger.Warn("daemon: initiative proposal failed", "error", err)
		return
	}
	if result.CooldownActive {
		return
	}
	if result.Proposed {
		logger.Info("daemon: initiative proposed", "title", result.Title, "issue_id", result.IssueID)
		return
	}
	if !result.NeedsAIFallback {
		return
	}
	d.runAIInitiativeGeneration(ctx, logger)
}

// runAIInitiativeGeneration builds the rich fallback prompt described in
// §4.7 (live market data, team status snapshot, existing initiative
// titles), runs one LLM call, and processes only propose_initiative
// actions from the result.
func (d *Daemon) runAIInitiativeGeneration(ctx context.Context, logger *slog.Logger) {
	if d.brainImpl == nil {
		return
	}

	var existingTitles []string
	var teamStatus string
	if d.store != nil {
		if titles, err := d.store.ListInitiativeTitles(ctx, d.cfg.AgentType); err == nil {
			existingTitles = titles
		}
		if agents, err := d.store.ListAgents(ctx); err == nil {
			parts := make([]string, 0, len(agents))
			for _, a := range agents {
				parts = append(parts, fmt.Sprintf("%s: %s", a.Type, a.Status))
			}
			teamStatus = strings.Join(parts, "; ")
		}
	}
	var marketContext string
	if d.rag != nil {
		if hits, err := d.rag.Query(ctx, "market data "+d.cfg.AgentType, 5); err == nil {
			marketContext = truncate(strings.Join(hits, "\n"), 1500)
		}
	}

	var b strings.Builder
	b.WriteString(d.profile.SystemPrompt)
	b.WriteString("\n\nNo bootstrap initiative candidate remains unclaimed. Propose exactly one new initiative ")
	b.WriteString("as a propose_initiative action, or emit no actions if nothing is worth proposing.\n\n")
	fmt.Fprintf(&b, "## Existing initiatives\n%s\n\n", strings.Join(existingTitles, "; "))
	fmt.Fprintf(&b, "## Team status\n%s\n\n", teamStatus)
	if marketContext != "" {
		fmt.Fprintf(&b, "## Market context\n%s\n\n", marketContext)
	}
	b.WriteString("Respond with a JSON object containing actions[].")

	genCtx, cancel := context.WithTimeout(ctx, initiativeGenerationTimeout)
	response, err := d.brainImpl.Respond(genCtx, d.cfg.AgentType, b.String())
	cancel()
	if err != nil {
		logger.Warn("daemon: ai initiative generation failed", "error", err)
		return
	}

	output := llmout.Parse(response)
	for _, a := range output.Actions {
		if a.Type != "propose_initiative" {
			continue
		}
		var candidate struct {
			Title             string   `json:"title"`
			Description       string   `json:"description"`
			RevenueImpact     int      `json:"revenueImpact"`
			Effort            int      `json:"effort"`
			Tags              []string `json:"tags"`
			SuggestedAssignee string   `json:"suggestedAssignee"`
		}
		if err := json.Unmarshal(a.Data, &candidate); err != nil {
			logger.Warn("daemon: malformed propose_initiative candidate", "error", err)
			continue
		}
		result, err := d.initiative.ProposeFromAI(ctx, d.cfg.AgentType, initiative.BootstrapInitiative{
			Title:             candidate.Title,
			Description:       candidate.Description,
			RevenueImpact:     candidate.RevenueImpact,
			Effort:            candidate.Effort,
			Tags:              candidate.Tags,
			SuggestedAssignee: candidate.SuggestedAssignee,
		})
		if err != nil {
			logger.Warn("daemon: ai-driven initiative proposal failed", "error", err)
			continue
		}
		if result.Proposed {
			logger.Info("daemon: ai-driven initiative proposed", "title", result.Title, "issue_id", result.IssueID)
		}
	}
}

func (d *Daemon) profileFocus() initiative.FocusProfile { return d.profile.FocusProfile() }
