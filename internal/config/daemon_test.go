package config_test

import (
	"testing"

	"github.com/orrinfleet/agentfleet/internal/config"
)

func TestCronExpressionFor_BoundaryCases(t *testing.T) {
	cases := []struct {
		seconds int
		want    string
	}{
		{30, "* * * * *"},
		{60, "* * * * *"},
		{61, "*/1 * * * *"},
		{300, "*/5 * * * *"},
		{3600, "*/60 * * * *"},
	}
	for _, tc := range cases {
		if got := config.CronExpressionFor(tc.seconds); got != tc.want {
			t.Errorf("CronExpressionFor(%d) = %q, want %q", tc.seconds, got, tc.want)
		}
	}

	if got, want := config.CronExpressionFor(3601), "0 */1 * * *"; got != want {
		t.Errorf("CronExpressionFor(3601) = %q, want %q", got, want)
	}
	if got, want := config.CronExpressionFor(7200), "0 */2 * * *"; got != want {
		t.Errorf("CronExpressionFor(7200) = %q, want %q", got, want)
	}
	if got, want := config.CronExpressionFor(86400), "0 */24 * * *"; got != want {
		t.Errorf("CronExpressionFor(86400) = %q, want %q", got, want)
	}
	if got, want := config.CronExpressionFor(86401), "0 0 * * *"; got != want {
		t.Errorf("CronExpressionFor(86401) = %q, want %q", got, want)
	}
}

func TestLoadDaemonConfig_AppliesEnvOverrides(t *testing.T) {
	t.Setenv("AGENT_TYPE", "cfo")
	t.Setenv("LOOP_INTERVAL", "120")
	t.Setenv("LOOP_ENABLED", "false")
	t.Setenv("WORKER_MAX_CONCURRENT", "7")
	t.Setenv("DRY_RUN", "true")

	cfg := config.LoadDaemonConfig()
	if cfg.AgentType != "cfo" {
		t.Errorf("expected AGENT_TYPE override to apply, got %q", cfg.AgentType)
	}
	if cfg.LoopIntervalSec != 120 {
		t.Errorf("expected LOOP_INTERVAL override to apply, got %d", cfg.LoopIntervalSec)
	}
	if cfg.LoopEnabled {
		t.Errorf("expected LOOP_ENABLED=false to disable the loop")
	}
	if cfg.WorkerMaxConcurrent != 7 {
		t.Errorf("expected WORKER_MAX_CONCURRENT override to apply, got %d", cfg.WorkerMaxConcurrent)
	}
	if !cfg.DryRun {
		t.Errorf("expected DRY_RUN=true to apply")
	}
}

func TestLoadDaemonConfig_DefaultsWhenUnset(t *testing.T) {
	cfg := config.LoadDaemonConfig()
	if cfg.LoopIntervalSec != 3600 && cfg.LoopIntervalSec <= 0 {
		t.Errorf("expected a sane default loop interval, got %d", cfg.LoopIntervalSec)
	}
	if cfg.RedisAddr == "" {
		t.Errorf("expected a default redis address")
	}
}
