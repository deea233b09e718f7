package daemon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orrinfleet/agentfleet/internal/fabric"
	"github.com/orrinfleet/agentfleet/internal/llmout"
	"github.com/orrinfleet/agentfleet/internal/queue"
	"github.com/orrinfleet/agentfleet/internal/shared"
	"github.com/orrinfleet/agentfleet/internal/store"
)

// maxClaimedTasks bounds one loop's claim (§4.4 step 4).
const maxClaimedTasks = 10

// archivalSummaryThreshold is the length above which a loop summary is
// enqueued for archival rather than only appended to recent history
// (§4.4 step 11).
const archivalSummaryThreshold = 50

// llmTimeout is the per-call LLM invocation timeout (§5).
const llmTimeout = 5 * time.Minute

// RunLoop performs one guarded execution of the loop body. If another loop
// is already in flight, a message-triggered call is queued to the pending
// FIFO instead of running (§4.4, §5: "at most one loop runs at a time").
func (d *Daemon) RunLoop(ctx context.Context, trigger string, msg *fabric.Message) {
	if !d.inLoop.CompareAndSwap(false, true) {
		if msg != nil {
			d.pending.Enqueue(*msg)
		}
		return
	}
	defer func() {
		d.inLoop.Store(false)
		d.drainPending(ctx)
	}()

	runID := uuid.NewString()
	ctx = shared.WithRunID(ctx, runID)
	ctx = shared.WithAgentID(ctx, d.agentID)
	ctx = shared.WithAgentType(ctx, d.cfg.AgentType)
	logger := d.logger.With("run_id", runID, "trigger", trigger, "agent_id", d.agentID)

	// Step 1: increment loop_count, publish "working".
	d.loopCount.Add(1)
	if d.store != nil {
		if _, err := d.store.IncrCounter(ctx, d.agentID, "loop_count"); err != nil {
			logger.Warn("daemon: failed to persist loop_count", "error", err)
		}
	}
	d.setStatus("working")
	d.publishStatus(ctx, "working")

	// Step 2: essential state only.
	essentialState := map[string]string{}
	if d.store != nil {
		var err error
		essentialState, err = d.store.EssentialState(ctx, d.agentID)
		if err != nil {
			logger.Warn("daemon: failed to read essential state", "error", err)
			essentialState = map[string]string{}
		}
	}

	// Step 3: pending decisions, head-tier only.
	var pendingDecisions []store.Decision
	if d.profile.IsHeadTier() && d.store != nil {
		var err error
		pendingDecisions, err = d.store.PendingDecisions(ctx)
		if err != nil {
			logger.Warn("daemon: failed to load pending decisions", "error", err)
		}
	}

	// Step 4: claim pending tasks.
	var tasks []queue.Task
	if d.queue != nil {
		var err error
		tasks, err = d.queue.Claim(ctx, d.cfg.AgentType, maxClaimedTasks)
		if err != nil {
			logger.Warn("daemon: failed to claim tasks", "error", err)
		}
	}

	// Step 5: RAG context.
	ragQuery := trigger
	if msg != nil && len(msg.Payload) > 0 {
		ragQuery = trigger + " " + string(msg.Payload)
	}
	var ragContext string
	if d.rag != nil {
		hits, err := d.rag.Query(ctx, ragQuery, 5)
		if err != nil {
			logger.Warn("daemon: rag query failed", "error", err)
		}
		ragContext = truncate(strings.Join(hits, "\n"), 1500)
	}

	// Step 6: kanban snapshot.
	var kanban KanbanSummary
	if d.kanban != nil {
		var err error
		kanban, err = d.kanban.Snapshot(ctx, d.cfg.AgentType)
		if err != nil {
			logger.Warn("daemon: tracker snapshot failed", "error", err)
		}
	}

	// Step 7: brand config.
	var brandConfig string
	if d.brand != nil {
		var err error
		brandConfig, err = d.brand.BrandConfig(ctx)
		if err != nil {
			logger.Warn("daemon: brand config load failed", "error", err)
		}
	}

	// Step 8: concurrency cap + sort by priority.
	inProgress := len(kanban.InProgress)
	if inProgress >= d.maxConcurrentTasks && len(tasks) > 0 {
		logger.Info("daemon: concurrency cap reached, deferring claimed tasks", "in_progress", inProgress, "cap", d.maxConcurrentTasks)
		tasks = nil
	}
	tasks = queue.SortByPriority(tasks)

	// Step 9: build the loop prompt.
	idle := len(tasks) == 0 && msg == nil
	prompt := d.buildPrompt(promptInputs{
		Trigger:          trigger,
		Message:          msg,
		EssentialState:   essentialState,
		PendingDecisions: pendingDecisions,
		Tasks:            tasks,
		RAGContext:       ragContext,
		Kanban:           kanban,
		BrandConfig:      brandConfig,
		Idle:             idle,
	})

	// Step 10: invoke the LLM.
	var response string
	var llmErr error
	if d.brainImpl != nil {
		llmCtx, cancel := context.WithTimeout(ctx, llmTimeout)
		response, llmErr = d.brainImpl.Respond(llmCtx, d.cfg.AgentType, prompt)
		cancel()
	} else {
		llmErr = fmt.Errorf("daemon: no brain configured")
	}

	if llmErr != nil {
		// Step 12: on LLM failure, leave claimed tasks in processing;
		// they are recovered on next startup or retried as-is.
		d.errorCount.Add(1)
		if d.store != nil {
			_, _ = d.store.IncrCounter(ctx, d.agentID, "error_count")
		}
		logger.Error("daemon: llm invocation failed", "error", llmErr)
		d.finishLoop(ctx, "blocked")
		return
	}

	// Step 11: parse and act on the output. A response with no JSON at all
	// is "no effect", not an error (§4.4.1).
	output := llmout.Parse(response)
	if !output.FoundJSON {
		logger.Debug("daemon: llm response carried no actionable JSON")
	}

	if d.store != nil {
		for k, v := range output.StateUpdates {
			if err := d.store.SetState(ctx, d.agentID, k, v); err != nil {
				logger.Warn("daemon: failed to write state update", "key", k, "error", err)
			}
		}
	}

	for _, out := range output.Messages {
		d.emitMessage(ctx, out)
	}

	for _, a := range output.Actions {
		if err := d.dispatcher.Dispatch(ctx, d.agentID, d.cfg.AgentType, a); err != nil {
			logger.Warn("daemon: action dispatch failed", "type", a.Type, "error", err)
		}
	}

	if d.store != nil {
		summary := output.Summary
		if summary == "" {
			summary = trigger
		}
		if err := d.store.AppendHistory(ctx, d.agentID, trigger, summary, response); err != nil {
			logger.Warn("daemon: failed to append history", "error", err)
		}
		if len(summary) >= archivalSummaryThreshold {
			_ = d.store.RecordEvent(ctx, "history_archived", d.cfg.AgentType, summary)
		}
	}

	if len(tasks) > 0 && d.queue != nil {
		if err := d.queue.Ack(ctx, d.cfg.AgentType, tasks); err != nil {
			logger.Warn("daemon: failed to ack claimed tasks", "error", err)
		}
	}

	d.successCount.Add(1)
	if d.store != nil {
		_, _ = d.store.IncrCounter(ctx, d.agentID, "success_count")
	}

	d.finishLoop(ctx, "idle")

	// Step 14: schedule next loop or run the initiative phase.
	if d.queue != nil {
		if count, err := d.queue.Count(ctx, d.cfg.AgentType); err == nil && count > 0 {
			tasksPeek, _ := d.queue.Peek(ctx, d.cfg.AgentType, 5)
			highest := queue.HighestPriority(tasksPeek)
			d.scheduleLoop(ctx, d.delayFor(highest), "scheduled", nil)
		} else if trigger == "scheduled" || trigger == "message" {
			d.runInitiativePhase(ctx, logger)
		}
	}
}

// finishLoop persists last_loop_at and publishes the coarse terminal
// status for this run (§4.4 step 13).
func (d *Daemon) finishLoop(ctx context.Context, status string) {
	now := time.Now().UTC()
	d.statusMu.Lock()
	d.lastLoopAt = now
	d.statusMu.Unlock()
	if d.store != nil {
		if err := d.store.TouchLastLoopAt(ctx, d.agentID); err != nil {
			d.logger.Warn("daemon: failed to touch last_loop_at", "error", err)
		}
	}
	d.setStatus(status)
	d.publishStatus(ctx, status)
}

// emitMessage publishes one LLM-declared outbound message onto the
// appropriate fabric channel, carrying the run's correlation id forward.
func (d *Daemon) emitMessage(ctx context.Context, out llmout.OutboundMessage) {
	if d.broker == nil {
		return
	}
	priority := fabric.Priority(out.Priority)
	if priority == "" {
		priority = fabric.PriorityNormal
	}
	m := fabric.Message{
		ID:            uuid.NewString(),
		Type:          out.Type,
		From:          d.agentID,
		To:            out.To,
		Priority:      priority,
		Timestamp:     time.Now().UTC(),
		CorrelationID: shared.CorrelationID(ctx),
	}
	if out.Text != "" {
		m.Payload = []byte(fmt.Sprintf("%q", out.Text))
	}
	channel := out.To
	if channel == "" {
		channel = fabric.ChannelBroadcast
	}
	if err := d.broker.Publish(ctx, channel, m); err != nil {
		d.logger.Warn("daemon: failed to emit outbound message", "to", out.To, "error", err)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
