package fabric_test

import (
	"testing"

	"github.com/orrinfleet/agentfleet/internal/fabric"
)

func TestShouldTriggerAI(t *testing.T) {
	cases := []struct {
		name string
		msg  fabric.Message
		want bool
	}{
		{"task type always triggers", fabric.Message{Type: "task", Priority: fabric.PriorityNormal}, true},
		{"status_response never triggers", fabric.Message{Type: "status_response", Priority: fabric.PriorityNormal}, false},
		{"status_request from ceo triggers", fabric.Message{Type: "status_request", From: "ceo", Priority: fabric.PriorityNormal}, true},
		{"status_request from other does not trigger", fabric.Message{Type: "status_request", From: "cfo", Priority: fabric.PriorityNormal}, false},
		{"broadcast log at normal priority does not trigger", fabric.Message{Type: "broadcast", Priority: fabric.PriorityNormal}, false},
		{"any type at urgent priority triggers", fabric.Message{Type: "status_response", Priority: fabric.PriorityUrgent}, true},
		{"any type at high priority triggers", fabric.Message{Type: "broadcast", Priority: fabric.PriorityHigh}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := fabric.ShouldTriggerAI(tc.msg); got != tc.want {
				t.Fatalf("ShouldTriggerAI(%+v) = %v, want %v", tc.msg, got, tc.want)
			}
		})
	}
}

func TestExtractPassiveFacts(t *testing.T) {
	facts := fabric.ExtractPassiveFacts("check current price and holders", "price is $1.23 and there are 4,521 holders")
	if len(facts) != 2 {
		t.Fatalf("expected 2 facts, got %d: %+v", len(facts), facts)
	}
	byKey := map[string]string{}
	for _, f := range facts {
		byKey[f.StateKey] = f.Value
	}
	if byKey["market_price_usd"] != "1.23" {
		t.Fatalf("expected price 1.23, got %+v", byKey)
	}
	if byKey["holder_count"] != "4521" {
		t.Fatalf("expected holder count 4521, got %+v", byKey)
	}
}

func TestExtractPassiveFacts_SkipsUnrelatedKeyword(t *testing.T) {
	facts := fabric.ExtractPassiveFacts("post a tweet about the roadmap", "price is $1.23")
	if len(facts) != 0 {
		t.Fatalf("expected no facts extracted for unrelated task text, got %+v", facts)
	}
}

func TestPendingQueue_PreservesOrderAndDropsOnFull(t *testing.T) {
	q := fabric.NewPendingQueue(nil)
	q.Enqueue(fabric.Message{ID: "1"})
	q.Enqueue(fabric.Message{ID: "2"})

	first := <-q.Drain()
	second := <-q.Drain()
	if first.ID != "1" || second.ID != "2" {
		t.Fatalf("expected FIFO order 1,2 got %s,%s", first.ID, second.ID)
	}
}
