// Package diag records structured diagnostics events.
//
// Every filter verdict, predicate evaluation, and state transition in the
// engine is appended as one JSON line to diagnostics/<session_id>.jsonl.
// Consumers aggregate offline by reason and by (stage, passed); nothing in
// the trading path ever reads the file back.
package diag

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is a single diagnostics record. Payload carries stage-specific
// key/values; Reason is the aggregation bucket; Passed is set only for
// pass/fail stages (filters, predicates, gates).
type Event struct {
	Ts        time.Time      `json:"ts"`
	Component string         `json:"component"`
	Stage     string         `json:"stage"`
	Symbol    string         `json:"symbol,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Passed    *bool          `json:"passed,omitempty"`
}

// Bool returns a pointer for Event.Passed.
func Bool(v bool) *bool { return &v }

// Recorder is what components hold. The engine injects a FileSink; tests
// inject a NopSink or a capture sink.
type Recorder interface {
	Record(ev Event)
}

// FileSink appends events to a per-session JSONL file. Writes are
// serialised by a mutex and are one line each, so a crash loses at most
// the line in flight.
type FileSink struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	written int64
	dropped int64
	logger  zerolog.Logger
}

// NewFileSink creates (or re-opens for append) diagnostics/<sessionID>.jsonl.
func NewFileSink(dir, sessionID string, logger zerolog.Logger) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create diagnostics dir: %w", err)
	}
	path := filepath.Join(dir, sessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open diagnostics file: %w", err)
	}
	return &FileSink{f: f, path: path, logger: logger}, nil
}

// Path returns the sink's file path.
func (s *FileSink) Path() string { return s.path }

// Record appends one event. Failures are counted and never propagate; the
// trading path must not stall on diagnostics.
func (s *FileSink) Record(ev Event) {
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.logger.Debug().Err(err).Str("stage", ev.Stage).Msg("diagnostics marshal failed")
		return
	}
	raw = append(raw, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		s.dropped++
		return
	}
	if _, err := s.f.Write(raw); err != nil {
		s.dropped++
		s.logger.Debug().Err(err).Msg("diagnostics write failed")
		return
	}
	s.written++
}

// Written returns how many events reached the file.
func (s *FileSink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Dropped returns how many events were lost to marshal or write errors.
func (s *FileSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close flushes and closes the file. Record calls after Close are dropped.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Record(Event) {}
