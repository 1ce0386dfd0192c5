package diag

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestSink(t *testing.T) *FileSink {
	t.Helper()
	s, err := NewFileSink(t.TempDir(), "session-test", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFileSinkWritesJSONL(t *testing.T) {
	t.Parallel()

	s := newTestSink(t)

	s.Record(Event{
		Component: "scanner",
		Stage:     "filter:liquidity",
		Symbol:    "BTCUSDT",
		Payload:   map[string]any{"value": 12.5, "threshold": 10.0},
		Reason:    "filter:min_trades_per_minute",
		Passed:    Bool(false),
	})
	s.Record(Event{
		Component: "engine",
		Stage:     "state_transition",
		Payload:   map[string]any{"from": "SCANNING", "to": "LEVEL_BUILDING"},
	})

	if got := s.Written(); got != 2 {
		t.Fatalf("Written() = %d, want 2", got)
	}

	f, err := os.Open(s.Path())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("line not valid JSON: %v", err)
		}
		events = append(events, ev)
	}

	if len(events) != 2 {
		t.Fatalf("got %d lines, want 2", len(events))
	}
	if events[0].Reason != "filter:min_trades_per_minute" {
		t.Errorf("reason = %q, want filter:min_trades_per_minute", events[0].Reason)
	}
	if events[0].Passed == nil || *events[0].Passed {
		t.Error("passed should be false")
	}
	if events[1].Passed != nil {
		t.Error("state transition should carry no passed flag")
	}
	if events[0].Ts.IsZero() {
		t.Error("sink should stamp a timestamp when none is set")
	}
}

func TestFileSinkConcurrentRecords(t *testing.T) {
	t.Parallel()

	s := newTestSink(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Record(Event{Component: "test", Stage: "burst", Ts: time.Now()})
			}
		}()
	}
	wg.Wait()

	if got := s.Written(); got != 400 {
		t.Fatalf("Written() = %d, want 400", got)
	}

	// Every line must still be intact JSON.
	f, err := os.Open(s.Path())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	lines := 0
	for sc.Scan() {
		if !json.Valid(sc.Bytes()) {
			t.Fatalf("corrupt line %d: %s", lines, sc.Text())
		}
		lines++
	}
	if lines != 400 {
		t.Fatalf("file has %d lines, want 400", lines)
	}
}

func TestFileSinkAfterCloseDrops(t *testing.T) {
	t.Parallel()

	s := newTestSink(t)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s.Record(Event{Component: "late", Stage: "x"})
	if got := s.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}
