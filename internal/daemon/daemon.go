// Package daemon wires the Message Fabric, Task Queue, Action Dispatcher,
// Initiative Engine and Worker Spawner into one agent's event loop: a
// single-flight executor driven by cron ticks, pub/sub callbacks and stream
// reads (§4.1-§4.4).
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/orrinfleet/agentfleet/internal/action"
	"github.com/orrinfleet/agentfleet/internal/brain"
	"github.com/orrinfleet/agentfleet/internal/config"
	"github.com/orrinfleet/agentfleet/internal/fabric"
	"github.com/orrinfleet/agentfleet/internal/health"
	"github.com/orrinfleet/agentfleet/internal/initiative"
	"github.com/orrinfleet/agentfleet/internal/profile"
	"github.com/orrinfleet/agentfleet/internal/queue"
	"github.com/orrinfleet/agentfleet/internal/shared"
	"github.com/orrinfleet/agentfleet/internal/store"
	"github.com/orrinfleet/agentfleet/internal/worker"
)

// llmProbeTimeout bounds the startup availability probe (§5: "default 1
// attempt, 5 s each").
const llmProbeTimeout = 5 * time.Second

// Deps bundles every collaborator the daemon needs. Concrete
// integrations outside this module's scope (RAG, tracker, brand, code
// host, workspace) may be left nil; the daemon substitutes a Noop.
type Deps struct {
	Cfg     config.DaemonConfig
	Profile profile.Profile

	Store   *store.Store
	Broker  *fabric.Broker
	Queue   *queue.Queue
	Brain   brain.Brain
	Workers *worker.Spawner

	Tracker    action.IssueTracker
	CodeHost   action.CodeHost
	RateLimit  action.RateLimiter
	RAG        RAGClient
	Kanban     TrackerSnapshot
	Brand      BrandProvider
	Workspace  WorkspaceInitializer

	Logger *slog.Logger
}

// Daemon is one agent's runtime: lifecycle, loop executor and trigger
// sources bound together.
type Daemon struct {
	cfg     config.DaemonConfig
	profile profile.Profile
	agentID string

	store      *store.Store
	broker     *fabric.Broker
	queue      *queue.Queue
	brainImpl  brain.Brain
	dispatcher *action.Dispatcher
	workers    *worker.Spawner
	initiative *initiative.Engine

	rag       RAGClient
	kanban    TrackerSnapshot
	brand     BrandProvider
	workspace WorkspaceInitializer

	pending *fabric.PendingQueue
	logger  *slog.Logger

	maxConcurrentTasks int
	priorityDelay      map[string]time.Duration

	running       atomic.Bool
	inLoop        atomic.Bool
	loopCount     atomic.Int64
	successCount  atomic.Int64
	errorCount    atomic.Int64
	llmAvailable  atomic.Bool

	statusMu   sync.Mutex
	status     string
	lastLoopAt time.Time

	cron       *cron.Cron
	cronID     cron.EntryID
	httpServer *http.Server

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New constructs a Daemon bound to agentID. Call Start to begin serving.
func New(agentID string, deps Deps) *Daemon {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.RAG == nil {
		deps.RAG = NoopRAGClient{}
	}
	if deps.Kanban == nil {
		deps.Kanban = NoopTrackerSnapshot{}
	}
	if deps.Brand == nil {
		deps.Brand = NoopBrandProvider{}
	}
	if deps.Tracker == nil {
		deps.Tracker = action.NoopIssueTracker{}
	}
	if deps.CodeHost == nil {
		deps.CodeHost = action.NoopCodeHost{}
	}

	dispatcher := action.New(deps.Broker, deps.Store, deps.Tracker, deps.CodeHost, deps.Workers, deps.RateLimit, logger)

	d := &Daemon{
		cfg:                deps.Cfg,
		profile:            deps.Profile,
		agentID:            agentID,
		store:              deps.Store,
		broker:             deps.Broker,
		queue:              deps.Queue,
		brainImpl:          deps.Brain,
		dispatcher:         dispatcher,
		workers:            deps.Workers,
		rag:                deps.RAG,
		kanban:             deps.Kanban,
		brand:              deps.Brand,
		workspace:          deps.Workspace,
		pending:            fabric.NewPendingQueue(logger),
		logger:             logger,
		maxConcurrentTasks: 2,
		priorityDelay:      map[string]time.Duration{},
		status:             "inactive",
	}
	d.initiative = initiative.NewEngine(deps.Store, deps.Tracker, queueAdapter{d.queue}, initiative.DefaultCooldown)
	return d
}

// queueAdapter satisfies initiative.Queue against the real task queue,
// translating the engine's decoupled QueueTask into queue.Task.
type queueAdapter struct{ q *queue.Queue }

func (a queueAdapter) Submit(ctx context.Context, agentType string, t initiative.QueueTask) error {
	return a.q.Submit(ctx, agentType, queue.Task{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Priority:    t.Priority,
		From:        t.From,
		EnqueuedAt:  t.EnqueuedAt,
	})
}

// Start sequences the twelve startup steps of §4.1. It is not idempotent;
// call it once.
func (d *Daemon) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	// (1) profile already loaded by the caller; (2) agentId already
	// resolved by the caller via store.ResolveAgentID and handed to New.
	// (3) the state manager is the store itself, scoped to d.agentID.

	// (4) load runtime settings: priority-delay overrides and the
	// concurrency cap, falling back to §4.3's defaults when unset.
	if err := d.loadRuntimeSettings(runCtx); err != nil {
		d.logger.Warn("daemon: failed to load runtime settings, using defaults", "error", err)
	}

	// (5) recover orphaned tasks left in-flight by a prior crash.
	if d.queue != nil {
		recovered, err := d.queue.Recover(runCtx, d.cfg.AgentType)
		if err != nil {
			return fmt.Errorf("recover orphaned tasks: %w", err)
		}
		if recovered > 0 {
			d.logger.Info("daemon: recovered orphaned tasks", "count", recovered)
		}
	}

	// (6) initialise optional workspace clone.
	if d.workspace != nil {
		if err := d.workspace.Init(runCtx, d.cfg.AgentType); err != nil {
			d.logger.Warn("daemon: workspace init failed", "error", err)
		}
	}

	// (7) probe LLM availability; bounded to one attempt, 5s (§5).
	d.probeLLM(runCtx)

	// (8) subscribe to pub/sub channels and create the stream consumer
	// group.
	if d.broker != nil {
		if err := d.broker.EnsureStreamGroup(runCtx, fabric.StreamKey(d.agentID), fabric.GroupName(d.cfg.AgentType)); err != nil {
			return fmt.Errorf("ensure stream group: %w", err)
		}
		d.startPubSub(runCtx)
		d.startStreamConsumer(runCtx)
		d.reclaimIdleStreamEntries(runCtx)
	}

	// (9) schedule the recurring trigger.
	if d.cfg.LoopEnabled {
		if err := d.startCronTrigger(runCtx); err != nil {
			return fmt.Errorf("start cron trigger: %w", err)
		}
	}

	// (10) publish status active.
	d.setStatus("active")
	d.running.Store(true)
	if d.store != nil {
		_ = d.store.SetAgentStatus(runCtx, d.agentID, "active")
	}
	d.publishStatus(runCtx, "active")

	// (11) if the profile declares a startup prompt, run one loop now.
	if d.profile.StartupPrompt != "" {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.RunLoop(runCtx, "startup", nil)
		}()
	}

	// (12) if pending work exists, schedule one loop shortly after
	// startup so it isn't held hostage to the full loop interval.
	if d.queue != nil {
		if count, err := d.queue.Count(runCtx, d.cfg.AgentType); err == nil && count > 0 {
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				select {
				case <-time.After(2 * time.Second):
				case <-runCtx.Done():
					return
				}
				d.RunLoop(runCtx, "startup_queue", nil)
			}()
		}
	}

	d.startHealthServer()

	d.logger.Info("daemon: started", "agent_type", d.cfg.AgentType, "agent_id", d.agentID)
	return nil
}

// Stop is idempotent: cancel the scheduler, unsubscribe, log
// agent_stopped. Status is left as "active" — that field means "should be
// running", letting a supervisor distinguish a clean shutdown from a crash.
func (d *Daemon) Stop(ctx context.Context) error {
	var stopErr error
	d.stopOnce.Do(func() {
		d.running.Store(false)
		if d.cron != nil {
			cronCtx := d.cron.Stop()
			<-cronCtx.Done()
		}
		if d.cancel != nil {
			d.cancel()
		}
		if d.httpServer != nil {
			_ = d.httpServer.Shutdown(ctx)
		}
		d.wg.Wait()
		if d.store != nil {
			_ = d.store.RecordEvent(ctx, "agent_stopped", d.cfg.AgentType, "")
		}
		d.logger.Info("daemon: stopped", "agent_type", d.cfg.AgentType, "agent_id", d.agentID)
	})
	return stopErr
}

// Health implements health.Source.
func (d *Daemon) Health() health.Status {
	d.statusMu.Lock()
	status := d.status
	lastLoop := d.lastLoopAt
	d.statusMu.Unlock()

	var lastLoopStr string
	if !lastLoop.IsZero() {
		lastLoopStr = lastLoop.UTC().Format(time.RFC3339)
	}

	return health.Status{
		Running:      d.running.Load(),
		AgentType:    d.cfg.AgentType,
		AgentStatus:  status,
		LoopCount:    d.loopCount.Load(),
		LastLoopAt:   lastLoopStr,
		LLMAvailable: d.llmAvailable.Load(),
	}
}

func (d *Daemon) setStatus(status string) {
	d.statusMu.Lock()
	d.status = status
	d.statusMu.Unlock()
}

func (d *Daemon) probeLLM(ctx context.Context) {
	if d.brainImpl == nil {
		d.llmAvailable.Store(false)
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, llmProbeTimeout)
	defer cancel()
	_, err := d.brainImpl.Respond(probeCtx, d.agentID, "ping")
	d.llmAvailable.Store(err == nil)
	if err != nil {
		d.logger.Warn("daemon: llm availability probe failed", "error", err)
	}
}

func (d *Daemon) loadRuntimeSettings(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	if raw, ok, err := d.store.GetSetting(ctx, "max_concurrent_tasks"); err == nil && ok {
		if n, convErr := strconv.Atoi(raw); convErr == nil && n > 0 {
			d.maxConcurrentTasks = n
		}
	}
	for _, p := range []string{"critical", "urgent", "high", "normal", "low", "operational"} {
		raw, ok, err := d.store.GetSetting(ctx, "priority_delay:"+p)
		if err != nil || !ok {
			continue
		}
		if secs, convErr := strconv.Atoi(raw); convErr == nil {
			d.priorityDelay[p] = time.Duration(secs) * time.Second
		}
	}
	return nil
}

func (d *Daemon) delayFor(priority string) time.Duration {
	if delay, ok := d.priorityDelay[priority]; ok {
		return delay
	}
	return queue.DelayFor(priority)
}

func (d *Daemon) startHealthServer() {
	if d.cfg.HealthPort <= 0 {
		return
	}
	handler := health.NewHandler(d)
	d.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", d.cfg.HealthPort),
		Handler: handler.Mux(),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error("daemon: health server failed", "error", err)
		}
	}()
}

// scheduleLoop runs one loop after delay in its own goroutine, tracked by
// the daemon's WaitGroup so Stop can wait for in-flight loops to settle.
func (d *Daemon) scheduleLoop(ctx context.Context, delay time.Duration, trigger string, payload *fabric.Message) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		d.RunLoop(ctx, trigger, payload)
	}()
}

func newTraceContext(parent context.Context, correlationID string) context.Context {
	ctx := parent
	if correlationID == "" {
		correlationID = shared.NewTraceID()
	}
	ctx = shared.WithCorrelationID(ctx, correlationID)
	ctx = shared.WithTraceID(ctx, correlationID)
	return ctx
}
