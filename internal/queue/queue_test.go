package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/orrinfleet/agentfleet/internal/queue"
)

func newTestQueue(t *testing.T) (*queue.Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return queue.New(rdb), mr
}

func TestSubmitAndClaim_PreservesOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i, id := range []string{"t1", "t2", "t3"} {
		_ = i
		if err := q.Submit(ctx, "cto", queue.Task{ID: id, Priority: "normal"}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	claimed, err := q.Claim(ctx, "cto", 2)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 || claimed[0].ID != "t1" || claimed[1].ID != "t2" {
		t.Fatalf("expected [t1 t2], got %+v", claimed)
	}

	remaining, err := q.Count(ctx, "cto")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("expected 1 remaining pending, got %d", remaining)
	}

	inFlight, err := q.ProcessingCount(ctx, "cto")
	if err != nil {
		t.Fatalf("processing count: %v", err)
	}
	if inFlight != 2 {
		t.Fatalf("expected 2 in processing, got %d", inFlight)
	}
}

func TestClaim_FewerThanRequestedWhenQueueShort(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if err := q.Submit(ctx, "cmo", queue.Task{ID: "only"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimed, err := q.Claim(ctx, "cmo", 5)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed, got %d", len(claimed))
	}
}

func TestAck_RemovesOnlyClaimedFromProcessing(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := q.Submit(ctx, "ceo", queue.Task{ID: id}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	claimed, err := q.Claim(ctx, "ceo", 2)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.Ack(ctx, "ceo", claimed[:1]); err != nil {
		t.Fatalf("ack: %v", err)
	}

	inFlight, err := q.ProcessingCount(ctx, "ceo")
	if err != nil {
		t.Fatalf("processing count: %v", err)
	}
	if inFlight != 1 {
		t.Fatalf("expected 1 still in processing after partial ack, got %d", inFlight)
	}
}

func TestRecover_DrainsProcessingBackToPendingHeadPreservingOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"x", "y", "z"} {
		if err := q.Submit(ctx, "cfo", queue.Task{ID: id}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if _, err := q.Claim(ctx, "cfo", 3); err != nil {
		t.Fatalf("claim: %v", err)
	}

	moved, err := q.Recover(ctx, "cfo")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if moved != 3 {
		t.Fatalf("expected 3 moved back, got %d", moved)
	}

	remaining, err := q.Peek(ctx, "cfo", 3)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(remaining) != 3 || remaining[0].ID != "x" || remaining[1].ID != "y" || remaining[2].ID != "z" {
		t.Fatalf("expected recovered order [x y z], got %+v", remaining)
	}

	inFlight, err := q.ProcessingCount(ctx, "cfo")
	if err != nil {
		t.Fatalf("processing count: %v", err)
	}
	if inFlight != 0 {
		t.Fatalf("expected processing list empty after recover, got %d", inFlight)
	}
}

func TestDelayFor_FallsBackToNormalForUnknownPriority(t *testing.T) {
	if got := queue.DelayFor("unknown-priority"); got != queue.DefaultPriorityDelay {
		t.Fatalf("expected fallback to DefaultPriorityDelay, got %v", got)
	}
	if got := queue.DelayFor("urgent"); got != 5*time.Second {
		t.Fatalf("expected urgent = 5s, got %v", got)
	}
}

func TestHighestPriority_PicksMostUrgent(t *testing.T) {
	tasks := []queue.Task{{Priority: "low"}, {Priority: "critical"}, {Priority: "normal"}}
	if got := queue.HighestPriority(tasks); got != "critical" {
		t.Fatalf("expected critical, got %s", got)
	}
}

func TestSortByPriority_StableOnTies(t *testing.T) {
	tasks := []queue.Task{
		{ID: "a", Priority: "normal"},
		{ID: "b", Priority: "urgent"},
		{ID: "c", Priority: "normal"},
		{ID: "d", Priority: "critical"},
	}
	sorted := queue.SortByPriority(tasks)
	order := make([]string, len(sorted))
	for i, t := range sorted {
		order[i] = t.ID
	}
	want := []string{"d", "b", "a", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}
