package health_test

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/orrinfleet/agentfleet/internal/health"
)

type fakeSource struct {
	status health.Status
}

func (f fakeSource) Health() health.Status { return f.status }

func TestServeHealth_RunningReturns200AndBody(t *testing.T) {
	h := health.NewHandler(fakeSource{status: health.Status{Running: true, AgentType: "cmo", AgentStatus: "working", LoopCount: 4}})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	h.Mux().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var decoded health.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.AgentType != "cmo" || decoded.LoopCount != 4 {
		t.Fatalf("unexpected decoded status: %+v", decoded)
	}
}

func TestServeHealth_NotRunningReturns503(t *testing.T) {
	h := health.NewHandler(fakeSource{status: health.Status{Running: false}})
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 503 {
		t.Fatalf("expected 503 when not running, got %d", rec.Code)
	}
}

func TestServeReady_TracksRunningState(t *testing.T) {
	h := health.NewHandler(fakeSource{status: health.Status{Running: true}})
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200 when running, got %d", rec.Code)
	}

	h2 := health.NewHandler(fakeSource{status: health.Status{Running: false}})
	rec2 := httptest.NewRecorder()
	h2.Mux().ServeHTTP(rec2, httptest.NewRequest("GET", "/ready", nil))
	if rec2.Code != 503 {
		t.Fatalf("expected 503 when not running, got %d", rec2.Code)
	}
}
