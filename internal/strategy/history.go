package strategy

import (
	"math"
	"sync"

	"perp-breakout/pkg/types"
)

const (
	historyTTLMs     = 7 * 24 * 3600 * 1000
	recentWindowMs   = 24 * 3600 * 1000
	maxRecordsPerSym = 256
)

// BreakoutRecord is one confirmed breakout, recorded when a position
// opens. The retest strategy only trades levels that broke before.
type BreakoutRecord struct {
	TsMs       int64              `json:"ts_ms"`
	LevelPrice float64            `json:"level_price"`
	Side       types.PositionSide `json:"side"`
}

// BreakoutHistory keeps a per-symbol deque of breakout records with a
// seven-day TTL.
type BreakoutHistory struct {
	mu      sync.RWMutex
	records map[string][]BreakoutRecord
}

func NewBreakoutHistory() *BreakoutHistory {
	return &BreakoutHistory{records: make(map[string][]BreakoutRecord)}
}

// Record appends a breakout and evicts expired entries.
func (h *BreakoutHistory) Record(symbol string, rec BreakoutRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	recs := append(h.records[symbol], rec)
	recs = evictExpired(recs, rec.TsMs)
	if len(recs) > maxRecordsPerSym {
		recs = recs[len(recs)-maxRecordsPerSym:]
	}
	h.records[symbol] = recs
}

// Match returns the most recent record within the recent window whose
// level price is within tolerance (fraction) of levelPrice and whose side
// matches.
func (h *BreakoutHistory) Match(symbol string, levelPrice float64, side types.PositionSide, tolerance float64, nowMs int64) (BreakoutRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	recs := h.records[symbol]
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if nowMs-rec.TsMs > recentWindowMs {
			break
		}
		if rec.Side != side || levelPrice <= 0 {
			continue
		}
		if math.Abs(rec.LevelPrice-levelPrice)/levelPrice <= tolerance {
			return rec, true
		}
	}
	return BreakoutRecord{}, false
}

// Records returns a copy of the symbol's unexpired history.
func (h *BreakoutHistory) Records(symbol string, nowMs int64) []BreakoutRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	recs := evictExpired(h.records[symbol], nowMs)
	out := make([]BreakoutRecord, len(recs))
	copy(out, recs)
	return out
}

// Drop forgets a symbol.
func (h *BreakoutHistory) Drop(symbol string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.records, symbol)
}

func evictExpired(recs []BreakoutRecord, nowMs int64) []BreakoutRecord {
	cutoff := nowMs - historyTTLMs
	validIdx := 0
	for validIdx < len(recs) && recs[validIdx].TsMs < cutoff {
		validIdx++
	}
	return recs[validIdx:]
}
