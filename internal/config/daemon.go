package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DaemonConfig is the runtime parameter set for one agent daemon (§3, §6).
// It is built once at startup from the environment and handed to the daemon
// constructor as an explicit value — no package-level mutable state.
type DaemonConfig struct {
	AgentType          string
	AgentID            string
	ProfilePath        string
	LoopIntervalSec    int
	LoopEnabled        bool
	OrchestratorURL    string
	HealthPort         int
	StatusServiceURL   string
	WorkerMaxConcurrent int
	SessionPoolEnabled bool
	SessionMaxLoops    int
	SessionIdleTimeout time.Duration
	DryRun             bool
	MCPConfigPath      string
	WorkerSandbox      string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AgentHome string
}

// LoadDaemonConfig resolves a DaemonConfig from the environment (§6).
func LoadDaemonConfig() DaemonConfig {
	cfg := DaemonConfig{
		AgentType:           "ceo",
		AgentID:             uuid.NewString(),
		LoopIntervalSec:     3600,
		LoopEnabled:         true,
		HealthPort:          3001,
		WorkerMaxConcurrent: 3,
		SessionMaxLoops:     50,
		SessionIdleTimeout:  30 * time.Minute,
		RedisAddr:           "localhost:6379",
	}

	if v := os.Getenv("AGENT_TYPE"); v != "" {
		cfg.AgentType = v
	}
	if v := os.Getenv("AGENT_ID"); v != "" {
		cfg.AgentID = v
	}
	if v := os.Getenv("PROFILE_PATH"); v != "" {
		cfg.ProfilePath = v
	}
	if v := os.Getenv("LOOP_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LoopIntervalSec = n
		}
	}
	if v := os.Getenv("LOOP_ENABLED"); strings.EqualFold(v, "false") {
		cfg.LoopEnabled = false
	}
	if v := os.Getenv("ORCHESTRATOR_URL"); v != "" {
		cfg.OrchestratorURL = v
	}
	if v := os.Getenv("HEALTH_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HealthPort = n
		}
	}
	if v := os.Getenv("STATUS_SERVICE_URL"); v != "" {
		cfg.StatusServiceURL = v
	}
	if v := os.Getenv("WORKER_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WorkerMaxConcurrent = n
		}
	}
	if v := os.Getenv("SESSION_POOL_ENABLED"); strings.EqualFold(v, "true") {
		cfg.SessionPoolEnabled = true
	}
	if v := os.Getenv("SESSION_MAX_LOOPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SessionMaxLoops = n
		}
	}
	if v := os.Getenv("SESSION_IDLE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SessionIdleTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("DRY_RUN"); strings.EqualFold(v, "true") {
		cfg.DryRun = true
	}
	if v := os.Getenv("MCP_CONFIG_PATH"); v != "" {
		cfg.MCPConfigPath = v
	}
	if v := os.Getenv("WORKER_SANDBOX"); v != "" {
		cfg.WorkerSandbox = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RedisDB = n
		}
	}

	home := os.Getenv("AGENTFLEET_HOME")
	if home == "" {
		uh, err := os.UserHomeDir()
		if err != nil || uh == "" {
			uh = "."
		}
		home = uh + "/.agentfleet"
	}
	cfg.AgentHome = home

	return cfg
}

// CronExpressionFor derives a standard 5-field cron expression from
// LOOP_INTERVAL seconds (§6): ≤60s → every minute; ≤3600s → every n/60
// minutes; ≤86400s → every n/3600 hours; otherwise daily at midnight.
func CronExpressionFor(loopIntervalSec int) string {
	switch {
	case loopIntervalSec <= 60:
		return "* * * * *"
	case loopIntervalSec <= 3600:
		minutes := loopIntervalSec / 60
		return fmt.Sprintf("*/%d * * * *", minutes)
	case loopIntervalSec <= 86400:
		hours := loopIntervalSec / 3600
		return fmt.Sprintf("0 */%d * * *", hours)
	default:
		return "0 0 * * *"
	}
}
