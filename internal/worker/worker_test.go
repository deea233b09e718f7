package worker_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/orrinfleet/agentfleet/internal/worker"
)

type fakePolicy struct {
	allowed map[string]bool
}

func (p fakePolicy) AllowCapability(capability string) bool { return p.allowed[capability] }
func (p fakePolicy) AllowHTTPURL(raw string) bool            { return true }

type fakeRunner struct {
	out string
	err error
}

func (r fakeRunner) Run(ctx context.Context, configPath, taskText string) (string, error) {
	return r.out, r.err
}

func newSpawner(t *testing.T, runner worker.Runner, maxConcurrent int) *worker.Spawner {
	t.Helper()
	return worker.New(worker.Config{
		Policy:        fakePolicy{allowed: map[string]bool{"tools.search": true}},
		Runner:        runner,
		MaxConcurrent: maxConcurrent,
		ConfigDir:     t.TempDir(),
	})
}

func validSpawnPayload(t *testing.T, id string, tools []string) json.RawMessage {
	t.Helper()
	req := worker.SpawnRequest{
		ParentAgentType: "cmo",
		Task: worker.Task{
			ID:    id,
			Type:  "research",
			Text:  "look something up",
			Tools: tools,
		},
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal spawn request: %v", err)
	}
	return data
}

func TestSpawn_RejectsToolOutsideAllowList(t *testing.T) {
	s := newSpawner(t, fakeRunner{out: "ok"}, worker.DefaultMaxConcurrent)
	err := s.Spawn(context.Background(), "parent-1", validSpawnPayload(t, "t1", []string{"tools.unapproved"}))
	if err == nil {
		t.Fatalf("expected error for disallowed tool")
	}
}

func TestSpawn_RejectsMissingRequiredFields(t *testing.T) {
	s := newSpawner(t, fakeRunner{out: "ok"}, worker.DefaultMaxConcurrent)
	data, _ := json.Marshal(worker.SpawnRequest{Task: worker.Task{ID: "t1"}})
	if err := s.Spawn(context.Background(), "parent-1", data); err == nil {
		t.Fatalf("expected validation error for incomplete task")
	}
}

func TestSpawn_RejectsNamedAgentRouting(t *testing.T) {
	s := newSpawner(t, fakeRunner{out: "ok"}, worker.DefaultMaxConcurrent)
	data, _ := json.Marshal(worker.SpawnRequest{
		Agent: "cfo",
		Task:  worker.Task{ID: "t1", Type: "x", Text: "y", Tools: []string{"tools.search"}},
	})
	if err := s.Spawn(context.Background(), "parent-1", data); err == nil {
		t.Fatalf("expected named-agent routing to be rejected by the subprocess spawner")
	}
}

func TestSpawn_EnforcesPerParentConcurrencyCap(t *testing.T) {
	block := make(chan struct{})
	runner := blockingRunner{release: block}
	s := newSpawner(t, runner, 1)

	if err := s.Spawn(context.Background(), "parent-1", validSpawnPayload(t, "t1", []string{"tools.search"})); err != nil {
		t.Fatalf("first spawn should succeed: %v", err)
	}

	// Give the async worker goroutine a moment to acquire its slot.
	time.Sleep(20 * time.Millisecond)

	err := s.Spawn(context.Background(), "parent-1", validSpawnPayload(t, "t2", []string{"tools.search"}))
	if err == nil {
		t.Fatalf("expected concurrency cap to reject the second spawn")
	}
	close(block)
}

type blockingRunner struct {
	release <-chan struct{}
}

func (r blockingRunner) Run(ctx context.Context, configPath, taskText string) (string, error) {
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return "", nil
}

func TestSpawn_DistinctParentsGetIndependentCaps(t *testing.T) {
	s := newSpawner(t, fakeRunner{out: "ok"}, 1)
	if err := s.Spawn(context.Background(), "parent-a", validSpawnPayload(t, "t1", []string{"tools.search"})); err != nil {
		t.Fatalf("parent-a spawn: %v", err)
	}
	if err := s.Spawn(context.Background(), "parent-b", validSpawnPayload(t, "t2", []string{"tools.search"})); err != nil {
		t.Fatalf("parent-b spawn should not be capped by parent-a's usage: %v", err)
	}
}

func TestConfig_ExternalRateLimiterIsUsedWhenProvided(t *testing.T) {
	shared := worker.NewRateLimiter(1, time.Second)
	s1 := worker.New(worker.Config{
		Policy:      fakePolicy{allowed: map[string]bool{}},
		RateLimiter: shared,
		ConfigDir:   t.TempDir(),
	})
	s2 := worker.New(worker.Config{
		Policy:      fakePolicy{allowed: map[string]bool{}},
		RateLimiter: shared,
		ConfigDir:   t.TempDir(),
	})
	if s1 == nil || s2 == nil {
		t.Fatalf("expected both spawners to construct successfully with a shared rate limiter")
	}
}

func TestRateLimiter_WaitRespectsContextCancellation(t *testing.T) {
	rl := worker.NewRateLimiter(1, time.Minute)
	ctx := context.Background()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first token should be immediately available: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := rl.Wait(cancelCtx); err == nil {
		t.Fatalf("expected context deadline to abort the second wait")
	}
}

func ExampleSpawnRequest() {
	req := worker.SpawnRequest{Task: worker.Task{ID: "t1", Type: "research", Text: "x", Tools: []string{"tools.search"}}}
	fmt.Println(req.Task.ID)
	// Output: t1
}
