package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type stubController struct {
	health  HealthStatus
	status  StatusSnapshot
	result  CommandResult
	lastCmd string
	lastCID string
}

func (s *stubController) Health() HealthStatus { return s.health }
func (s *stubController) Status() StatusSnapshot {
	return s.status
}
func (s *stubController) Command(name, correlationID string) CommandResult {
	s.lastCmd = name
	s.lastCID = correlationID
	return s.result
}

func newTestHandlers(ctrl Controller) *Handlers {
	return NewHandlers(ctrl, NewHub(zerolog.Nop()), zerolog.Nop())
}

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		reqHost string
		want    bool
	}{
		{
			name:    "empty origin is allowed",
			origin:  "",
			reqHost: "localhost:9091",
			want:    true,
		},
		{
			name:    "same host allowed",
			origin:  "http://bot.internal:9091",
			reqHost: "bot.internal:9091",
			want:    true,
		},
		{
			name:    "localhost allowed against any host",
			origin:  "http://localhost:3000",
			reqHost: "0.0.0.0:9091",
			want:    true,
		},
		{
			name:    "loopback ip allowed",
			origin:  "http://127.0.0.1:9091",
			reqHost: "0.0.0.0:9091",
			want:    true,
		},
		{
			name:    "foreign origin denied",
			origin:  "https://evil.example",
			reqHost: "localhost:9091",
			want:    false,
		},
		{
			name:    "unparseable origin denied",
			origin:  "://bad",
			reqHost: "localhost:9091",
			want:    false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.reqHost); got != tt.want {
				t.Fatalf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	ctrl := &stubController{health: HealthStatus{
		State:         "SCANNING",
		SessionID:     "abc-123",
		OpenPositions: 2,
		UptimeS:       42,
	}}
	h := newTestHandlers(ctrl)

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q", ct)
	}

	var got HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.State != "SCANNING" || got.SessionID != "abc-123" || got.OpenPositions != 2 {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()

	ctrl := &stubController{status: StatusSnapshot{
		State:     "MANAGING",
		SessionID: "abc-123",
		Mode:      "paper",
		Preset:    "breakout-default",
	}}
	h := newTestHandlers(ctrl)

	rec := httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got StatusSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.State != "MANAGING" || got.Preset != "breakout-default" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestHandleCommandRejectsBadRequests(t *testing.T) {
	t.Parallel()

	h := newTestHandlers(&stubController{})

	rec := httptest.NewRecorder()
	h.HandleCommand(rec, httptest.NewRequest(http.MethodGet, "/api/command", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d, want 405", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.HandleCommand(rec, httptest.NewRequest(http.MethodPost, "/api/command", strings.NewReader("{not json")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.HandleCommand(rec, httptest.NewRequest(http.MethodPost, "/api/command", strings.NewReader(`{"correlation_id":"x"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing name status = %d, want 400", rec.Code)
	}
}

func TestHandleCommandDispatches(t *testing.T) {
	t.Parallel()

	ctrl := &stubController{result: CommandResult{
		Success:   true,
		Message:   "paused",
		Timestamp: time.Now(),
	}}
	h := newTestHandlers(ctrl)

	body := strings.NewReader(`{"name":"pause","correlation_id":"cid-7"}`)
	rec := httptest.NewRecorder()
	h.HandleCommand(rec, httptest.NewRequest(http.MethodPost, "/api/command", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ctrl.lastCmd != "pause" || ctrl.lastCID != "cid-7" {
		t.Fatalf("controller got (%q, %q)", ctrl.lastCmd, ctrl.lastCID)
	}
	var got CommandResult
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !got.Success || got.Message != "paused" {
		t.Fatalf("unexpected result: %+v", got)
	}
}
