package market

import (
	"math"
	"sync"

	"github.com/rs/zerolog"

	"perp-breakout/internal/config"
	"perp-breakout/pkg/types"
)

// activityPoint is one observation of the three activity inputs.
type activityPoint struct {
	tpm60    float64
	tps10    float64
	absDelta float64
}

// ActivitySnapshot is the published per-symbol activity state. Index is the
// sum of the z-scores of tpm_60s, tps_10s, and |vol_delta_60s| against the
// rolling window; it is 0 until the window holds at least two points.
type ActivitySnapshot struct {
	Symbol       string  `json:"symbol"`
	Index        float64 `json:"index"`
	DropFraction float64 `json:"drop_fraction"`
	IsDropping   bool    `json:"is_dropping"`
	Points       int     `json:"points"`
	UpdatedMs    int64   `json:"updated_ms"`
}

// ActivityTracker turns trade metrics into a single activity index per
// symbol and flags sharp declines against the symbol's own recent history.
type ActivityTracker struct {
	mu      sync.Mutex
	cfg     config.ActivityConfig
	history map[string][]activityPoint
	indices map[string][]float64
	last    map[string]ActivitySnapshot

	logger zerolog.Logger
}

func NewActivityTracker(cfg config.ActivityConfig, logger zerolog.Logger) *ActivityTracker {
	return &ActivityTracker{
		cfg:     cfg,
		history: make(map[string][]activityPoint),
		indices: make(map[string][]float64),
		last:    make(map[string]ActivitySnapshot),
		logger:  logger.With().Str("component", "activity").Logger(),
	}
}

// Update ingests the latest trade metrics for a symbol and returns the
// refreshed snapshot.
func (t *ActivityTracker) Update(m types.TradeMetrics) ActivitySnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	hist := append(t.history[m.Symbol], activityPoint{
		tpm60:    m.TPM60s,
		tps10:    m.TPS10s,
		absDelta: math.Abs(m.VolDelta60s),
	})
	if len(hist) > t.cfg.LookbackPeriods {
		hist = hist[len(hist)-t.cfg.LookbackPeriods:]
	}
	t.history[m.Symbol] = hist

	index := activityIndex(hist)

	prev := t.indices[m.Symbol]
	window := prev
	if n := t.cfg.LookbackPeriods - 1; n > 0 && len(window) > n {
		window = window[len(window)-n:]
	}
	dropFrac, dropping := t.dropLocked(window, index)

	prev = append(prev, index)
	if len(prev) > t.cfg.LookbackPeriods {
		prev = prev[len(prev)-t.cfg.LookbackPeriods:]
	}
	t.indices[m.Symbol] = prev

	snap := ActivitySnapshot{
		Symbol:       m.Symbol,
		Index:        index,
		DropFraction: dropFrac,
		IsDropping:   dropping,
		Points:       len(hist),
		UpdatedMs:    m.LastUpdate,
	}
	t.last[m.Symbol] = snap
	return snap
}

// activityIndex sums the z-scores of the three inputs over the window.
// Components with zero variance contribute 0, and the whole index is 0
// until two points exist.
func activityIndex(hist []activityPoint) float64 {
	if len(hist) < 2 {
		return 0
	}
	tpm := make([]float64, len(hist))
	tps := make([]float64, len(hist))
	delta := make([]float64, len(hist))
	for i, p := range hist {
		tpm[i] = p.tpm60
		tps[i] = p.tps10
		delta[i] = p.absDelta
	}
	cur := hist[len(hist)-1]
	return zScore(cur.tpm60, tpm) + zScore(cur.tps10, tps) + zScore(cur.absDelta, delta)
}

func zScore(v float64, window []float64) float64 {
	sd := StdDev(window)
	if sd == 0 {
		return 0
	}
	return (v - Mean(window)) / sd
}

// dropLocked compares the current index to the mean of the previous
// lookback_periods−1 index values.
func (t *ActivityTracker) dropLocked(prev []float64, current float64) (float64, bool) {
	if len(prev) == 0 {
		return 0, false
	}
	prevMean := Mean(prev)
	if prevMean == 0 {
		return 0, false
	}
	frac := (prevMean - current) / math.Abs(prevMean)
	return frac, frac >= t.cfg.DropThreshold
}

// Snapshot returns the last computed state for a symbol.
func (t *ActivityTracker) Snapshot(symbol string) (ActivitySnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap, ok := t.last[symbol]
	return snap, ok
}

// Drop forgets all state for a symbol.
func (t *ActivityTracker) Drop(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.history, symbol)
	delete(t.indices, symbol)
	delete(t.last, symbol)
}
