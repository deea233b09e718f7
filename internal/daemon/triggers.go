package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/orrinfleet/agentfleet/internal/config"
	"github.com/orrinfleet/agentfleet/internal/fabric"
)

// startPubSub subscribes to the three channels every daemon listens on
// (§4.2) and runs the dispatch decision on each arrival.
func (d *Daemon) startPubSub(ctx context.Context) {
	tier := "clevel"
	if d.profile.IsHeadTier() {
		tier = "head"
	}
	channels := []string{fabric.AgentChannel(d.agentID), fabric.TierChannel(tier), fabric.ChannelBroadcast}
	msgs := d.broker.Subscribe(ctx, channels...)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				d.handleIncoming(ctx, m)
			}
		}
	}()
}

// handleIncoming applies the dispatch decision (§4.2): AI-requiring
// messages either run immediately (no loop in flight) or are queued to the
// pending FIFO; everything else is handled inline with no LLM involvement.
func (d *Daemon) handleIncoming(ctx context.Context, m fabric.Message) {
	traceCtx := newTraceContext(ctx, m.CorrelationID)

	if !fabric.ShouldTriggerAI(m) {
		d.handlePassive(traceCtx, m)
		return
	}

	d.extractPassiveFacts(traceCtx, m)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.RunLoop(traceCtx, "message", &m)
	}()
}

// handlePassive processes a message that never triggers an LLM loop:
// status_response bookkeeping, broadcast logging, and the task_queued
// wakeup that nudges a poller into claiming new work sooner.
func (d *Daemon) handlePassive(ctx context.Context, m fabric.Message) {
	d.extractPassiveFacts(ctx, m)
	if d.store != nil {
		_ = d.store.RecordEvent(ctx, "message_"+m.Type, m.From, string(m.Payload))
	}
}

// extractPassiveFacts implements §4.2's passive state extraction: a
// worker_result payload is scanned for well-known volatile facts regardless
// of whether it also triggers a loop.
func (d *Daemon) extractPassiveFacts(ctx context.Context, m fabric.Message) {
	if m.Type != "worker_result" || d.store == nil {
		return
	}
	facts := fabric.ExtractPassiveFacts("", string(m.Payload))
	for _, f := range facts {
		if err := d.store.SetState(ctx, d.agentID, f.StateKey, f.Value); err != nil {
			d.logger.Warn("daemon: failed to persist extracted fact", "key", f.StateKey, "error", err)
		}
	}
}

// startStreamConsumer runs the durable at-least-once read loop (§4.2):
// blocks up to 5s reading up to 10 entries, dispatches each, acks on
// success. Failed dispatch leaves the entry pending for redelivery.
func (d *Daemon) startStreamConsumer(ctx context.Context) {
	streamKey := fabric.StreamKey(d.agentID)
	group := fabric.GroupName(d.cfg.AgentType)
	consumer := fabric.ConsumerName(d.cfg.AgentType)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			entries, err := d.broker.ReadGroup(ctx, streamKey, group, consumer)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				d.logger.Warn("daemon: stream read failed", "error", err)
				time.Sleep(time.Second)
				continue
			}
			for _, entry := range entries {
				d.handleIncoming(ctx, entry.Message)
				if err := d.broker.Ack(ctx, streamKey, group, entry.ID); err != nil {
					d.logger.Warn("daemon: stream ack failed", "id", entry.ID, "error", err)
				}
			}
		}
	}()
}

// reclaimIdleStreamEntries runs once at startup: entries idle beyond the
// threshold are claimed and reprocessed (crash recovery, §4.2).
func (d *Daemon) reclaimIdleStreamEntries(ctx context.Context) {
	streamKey := fabric.StreamKey(d.agentID)
	group := fabric.GroupName(d.cfg.AgentType)
	consumer := fabric.ConsumerName(d.cfg.AgentType)

	entries, err := d.broker.ReclaimIdle(ctx, streamKey, group, consumer)
	if err != nil {
		d.logger.Warn("daemon: idle stream reclaim failed", "error", err)
		return
	}
	for _, entry := range entries {
		d.handleIncoming(ctx, entry.Message)
		if err := d.broker.Ack(ctx, streamKey, group, entry.ID); err != nil {
			d.logger.Warn("daemon: stream ack failed after reclaim", "id", entry.ID, "error", err)
		}
	}
}

// startCronTrigger schedules the recurring loop trigger derived from
// LOOP_INTERVAL (§4.1 step 9, §6).
func (d *Daemon) startCronTrigger(ctx context.Context) error {
	expr := config.CronExpressionFor(d.cfg.LoopIntervalSec)
	d.cron = cron.New()
	id, err := d.cron.AddFunc(expr, func() {
		d.RunLoop(ctx, "scheduled", nil)
	})
	if err != nil {
		return fmt.Errorf("schedule cron trigger %q: %w", expr, err)
	}
	d.cronID = id
	d.cron.Start()
	return nil
}

// publishStatus broadcasts this agent's coarse status on its private
// channel (§4.1 step 10, §4.4 steps 1/13).
func (d *Daemon) publishStatus(ctx context.Context, status string) {
	if d.broker == nil {
		return
	}
	m := fabric.Message{
		ID:            uuid.NewString(),
		Type:          "status_response",
		From:          d.agentID,
		To:            "broadcast",
		Priority:      fabric.PriorityLow,
		Timestamp:     time.Now().UTC(),
		CorrelationID: uuid.NewString(),
	}
	payload := fmt.Sprintf(`{"status":%q}`, status)
	m.Payload = []byte(payload)
	if err := d.broker.Publish(ctx, fabric.ChannelBroadcast, m); err != nil {
		d.logger.Warn("daemon: failed to publish status", "status", status, "error", err)
	}
}

// drainPending is handed off after the single-flight lock releases (§4.4
// step 15): it processes messages that arrived mid-loop, in arrival order,
// on a dedicated goroutine so the releasing loop never blocks on it.
func (d *Daemon) drainPending(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case m, ok := <-d.pending.Drain():
				if !ok {
					return
				}
				d.RunLoop(newTraceContext(ctx, m.CorrelationID), "message", &m)
			default:
				return
			}
		}
	}()
}
