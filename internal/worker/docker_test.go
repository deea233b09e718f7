package worker_test

import (
	"testing"

	"github.com/orrinfleet/agentfleet/internal/worker"
)

func TestNewDockerRunner_AppliesDefaultsAndDryRunNetworkIsolation(t *testing.T) {
	runner, err := worker.NewDockerRunner("", 0, t.TempDir(), true)
	if err != nil {
		t.Fatalf("new docker runner: %v", err)
	}
	defer runner.Close()
	if runner == nil {
		t.Fatalf("expected a non-nil runner")
	}
}

func TestNewDockerRunner_ExplicitImageAndMemoryAreHonored(t *testing.T) {
	runner, err := worker.NewDockerRunner("custom:tag", 1024, t.TempDir(), false)
	if err != nil {
		t.Fatalf("new docker runner: %v", err)
	}
	defer runner.Close()
	if runner == nil {
		t.Fatalf("expected a non-nil runner")
	}
}
