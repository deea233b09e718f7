package brain_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/orrinfleet/agentfleet/internal/brain"
)

type fakeBrain struct {
	calls int
	err   error
	resp  string
}

func (f *fakeBrain) Respond(ctx context.Context, sessionID, prompt string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.resp, nil
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		msg  string
		want brain.ErrorClass
	}{
		{"401 unauthorized", brain.ErrorClassAuth},
		{"429 too many requests", brain.ErrorClassRateLimit},
		{"context deadline exceeded", brain.ErrorClassTimeout},
		{"insufficient funds on account", brain.ErrorClassBilling},
		{"maximum context window exceeded", brain.ErrorClassContextOverflow},
		{"something else entirely", brain.ErrorClassUnknown},
	}
	for _, tc := range cases {
		if got := brain.ClassifyError(errors.New(tc.msg)); got != tc.want {
			t.Errorf("ClassifyError(%q) = %s, want %s", tc.msg, got, tc.want)
		}
	}
}

func TestRouter_FallsBackOnPrimaryFailure(t *testing.T) {
	primary := &fakeBrain{err: errors.New("500 internal error")}
	fallback := &fakeBrain{resp: "ok from fallback"}

	r := brain.NewRouter(primary, "primary", map[string]brain.Brain{"fallback": fallback}, 5, time.Minute)
	resp, err := r.Respond(context.Background(), "s1", "hi")
	if err != nil {
		t.Fatalf("expected fallback success, got err %v", err)
	}
	if resp != "ok from fallback" {
		t.Fatalf("expected fallback response, got %q", resp)
	}
	if primary.calls != 1 || fallback.calls != 1 {
		t.Fatalf("expected one call each, got primary=%d fallback=%d", primary.calls, fallback.calls)
	}
}

func TestRouter_ContextOverflowSkipsFallbacks(t *testing.T) {
	primary := &fakeBrain{err: errors.New("maximum context window exceeded")}
	fallback := &fakeBrain{resp: "should not be reached"}

	r := brain.NewRouter(primary, "primary", map[string]brain.Brain{"fallback": fallback}, 5, time.Minute)
	if _, err := r.Respond(context.Background(), "s1", "hi"); err == nil {
		t.Fatalf("expected context overflow error")
	}
	if fallback.calls != 0 {
		t.Fatalf("expected fallback not called on context overflow, got %d calls", fallback.calls)
	}
}

func TestRouter_TripsBreakerAfterThreshold(t *testing.T) {
	primary := &fakeBrain{err: errors.New("500 internal error")}
	fallback := &fakeBrain{resp: "ok"}

	r := brain.NewRouter(primary, "primary", map[string]brain.Brain{"fallback": fallback}, 2, time.Hour)
	for i := 0; i < 2; i++ {
		if _, err := r.Respond(context.Background(), "s1", "hi"); err != nil {
			t.Fatalf("unexpected top-level error: %v", err)
		}
	}
	callsBefore := primary.calls
	if _, err := r.Respond(context.Background(), "s1", "hi"); err != nil {
		t.Fatalf("unexpected top-level error: %v", err)
	}
	if primary.calls != callsBefore {
		t.Fatalf("expected tripped primary to be skipped, but it was called again")
	}
}

func TestSessionPool_ReusesSessionUntilExhausted(t *testing.T) {
	inner := &fakeBrain{resp: "ok"}
	ids := []string{"id-1", "id-2"}
	next := 0
	pool := brain.NewSessionPool(inner, brain.SessionConfig{MaxLoops: 2, IdleTimeout: time.Hour}, func() string {
		id := ids[next]
		next++
		return id
	})

	for i := 0; i < 2; i++ {
		if _, err := pool.Respond(context.Background(), "cto", "prompt"); err != nil {
			t.Fatalf("respond: %v", err)
		}
	}
	if pool.SessionCount() != 1 {
		t.Fatalf("expected 1 session before exhaustion, got %d", pool.SessionCount())
	}

	if _, err := pool.Respond(context.Background(), "cto", "prompt"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if next != 2 {
		t.Fatalf("expected a second session id to have been minted after exhaustion, next=%d", next)
	}
}
