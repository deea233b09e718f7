package action_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/orrinfleet/agentfleet/internal/action"
	"github.com/orrinfleet/agentfleet/internal/fabric"
	"github.com/orrinfleet/agentfleet/internal/llmout"
	"github.com/orrinfleet/agentfleet/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "agentfleet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestDispatch_UnknownActionTypeIsANoOp(t *testing.T) {
	st := newTestStore(t)
	d := action.New(nil, st, action.NoopIssueTracker{}, action.NoopCodeHost{}, nil, nil, nil)

	err := d.Dispatch(context.Background(), "agent-1", "cmo", llmout.Action{Type: "unrecognized_future_action"})
	if err != nil {
		t.Fatalf("expected unknown action types to be ignored, got %v", err)
	}
}

func TestDispatch_PermanentFailureSkipsRetryAndWritesDeadLetter(t *testing.T) {
	st := newTestStore(t)
	d := action.New(nil, st, action.NoopIssueTracker{}, action.NoopCodeHost{}, nil, nil, nil)

	start := time.Now()
	err := d.Dispatch(context.Background(), "agent-1", "cmo", llmout.Action{Type: "create_task", Data: []byte(`{}`)})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatalf("expected missing-recipient create_task to fail")
	}
	if elapsed > 200*time.Millisecond {
		t.Fatalf("expected a permanent failure to skip the 1s/2s/4s retry backoff, took %v", elapsed)
	}

	entries, listErr := st.ListDeadLetters(context.Background(), "agent-1", 10)
	if listErr != nil {
		t.Fatalf("list dead letters: %v", listErr)
	}
	if len(entries) != 1 || entries[0].ActionType != "create_task" {
		t.Fatalf("expected one create_task dead-letter entry, got %+v", entries)
	}
}

func TestDispatch_SuccessfulCreateTaskEnqueuesNoDeadLetter(t *testing.T) {
	mr := miniredis.RunT(t)
	broker := fabric.NewBroker(mr.Addr(), "", 0, nil)
	t.Cleanup(func() { _ = broker.Close() })

	st := newTestStore(t)
	d := action.New(broker, st, action.NoopIssueTracker{}, action.NoopCodeHost{}, nil, nil, nil)

	err := d.Dispatch(context.Background(), "agent-1", "cmo", llmout.Action{
		Type: "create_task",
		Data: []byte(`{"to":"cfo","title":"Check burn rate","description":"Quick pass over last month's spend.","priority":"normal"}`),
	})
	if err != nil {
		t.Fatalf("expected well-formed create_task to succeed: %v", err)
	}

	count, countErr := st.DeadLetterCount(context.Background(), "agent-1")
	if countErr != nil {
		t.Fatalf("dead letter count: %v", countErr)
	}
	if count != 0 {
		t.Fatalf("expected no dead letters on success, got %d", count)
	}
}
