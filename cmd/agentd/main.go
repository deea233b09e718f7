// Command agentd runs a single agent daemon: one process, one agent type,
// one Redis-backed fabric connection. A fleet is a set of these processes,
// each launched with a different AGENT_TYPE.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/orrinfleet/agentfleet/internal/action"
	"github.com/orrinfleet/agentfleet/internal/audit"
	"github.com/orrinfleet/agentfleet/internal/brain"
	"github.com/orrinfleet/agentfleet/internal/config"
	"github.com/orrinfleet/agentfleet/internal/daemon"
	"github.com/orrinfleet/agentfleet/internal/fabric"
	"github.com/orrinfleet/agentfleet/internal/policy"
	"github.com/orrinfleet/agentfleet/internal/profile"
	"github.com/orrinfleet/agentfleet/internal/queue"
	"github.com/orrinfleet/agentfleet/internal/store"
	"github.com/orrinfleet/agentfleet/internal/telemetry"
	"github.com/orrinfleet/agentfleet/internal/worker"
	"github.com/redis/go-redis/v9"
)

func main() {
	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadDaemonConfig()

	// Audit is initialised before the structured logger so a logger-init
	// failure is itself auditable — the same ordering the fleet's other
	// entrypoint uses.
	if err := audit.Init(cfg.AgentHome); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.AgentHome, "info", false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "agent_type", cfg.AgentType)

	dbPath := filepath.Join(cfg.AgentHome, "agentfleet.db")
	st, err := store.Open(dbPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	audit.SetDB(st.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	prof, err := profile.Load(cfg.ProfilePath, cfg.AgentType)
	if err != nil {
		fatalStartup(logger, "E_PROFILE_LOAD", err)
	}

	tier := store.TierCLevel
	if prof.IsHeadTier() {
		tier = store.TierHead
	}
	agentID, err := st.ResolveAgentID(ctx, cfg.AgentType, tier, cfg.AgentID)
	if err != nil {
		fatalStartup(logger, "E_AGENT_RESOLVE", err)
	}

	policyPath := filepath.Join(cfg.AgentHome, "policy.yaml")
	pol, err := policy.Load(policyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", pol.PolicyVersion())

	broker := fabric.NewBroker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
	defer broker.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	q := queue.New(rdb)

	llmBrain := buildBrain(ctx, cfg, logger)

	// One rate limiter instance shared by the worker spawner and the
	// action dispatcher, matching §9's "single token-bucket shared per
	// process" against the external tracker.
	rateLimiter := worker.NewRateLimiter(1, time.Second)

	var runner worker.Runner
	if strings.EqualFold(cfg.WorkerSandbox, "docker") {
		dockerRunner, dockerErr := worker.NewDockerRunner("", 0, filepath.Join(cfg.AgentHome, "workspace"), cfg.DryRun)
		if dockerErr != nil {
			logger.Warn("daemon: docker sandbox unavailable, falling back to bare subprocess", "error", dockerErr)
		} else {
			runner = dockerRunner
		}
	}

	spawner := worker.New(worker.Config{
		Policy:        pol,
		Broker:        broker,
		Tracker:       action.NoopIssueTracker{},
		Runner:        runner,
		MaxConcurrent: cfg.WorkerMaxConcurrent,
		ConfigDir:     filepath.Join(cfg.AgentHome, "worker-configs"),
		DryRun:        cfg.DryRun,
		Logger:        logger,
		RateLimiter:   rateLimiter,
	})

	d := daemon.New(agentID, daemon.Deps{
		Cfg:       cfg,
		Profile:   prof,
		Store:     st,
		Broker:    broker,
		Queue:     q,
		Brain:     llmBrain,
		Workers:   spawner,
		RateLimit: rateLimiter,
		Logger:    logger,
	})

	if err := d.Start(ctx); err != nil {
		fatalStartup(logger, "E_DAEMON_START", err)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received", "agent_type", cfg.AgentType)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Stop(stopCtx); err != nil {
		logger.Error("daemon stop failed", "error", err)
	}
}

// buildBrain wires the single-shot router (with a session pool in front of
// it when enabled); a provider with no API key still constructs, so the
// daemon starts and surfaces a deterministic "LLM disabled" error from
// Respond rather than refusing to boot.
func buildBrain(ctx context.Context, cfg config.DaemonConfig, logger *slog.Logger) brain.Brain {
	primary := brain.New(ctx, brain.Config{Provider: "anthropic"})
	fallbacks := map[string]brain.Brain{
		"openai": brain.New(ctx, brain.Config{Provider: "openai"}),
		"google": brain.New(ctx, brain.Config{Provider: "google"}),
	}
	router := brain.NewRouter(primary, primary.Name(), fallbacks, 5, 2*time.Minute)

	if !cfg.SessionPoolEnabled {
		return router
	}
	return brain.NewSessionPool(router, brain.SessionConfig{
		MaxLoops:    cfg.SessionMaxLoops,
		IdleTimeout: cfg.SessionIdleTimeout,
	}, newSessionID)
}

func newSessionID() string { return fmt.Sprintf("session-%d", time.Now().UnixNano()) }

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
