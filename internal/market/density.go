package market

import (
	"math"
	"sync"

	"github.com/rs/zerolog"

	"perp-breakout/internal/config"
	"perp-breakout/pkg/types"
)

const (
	densityEventBuffer = 256
	// matching tolerance between a tracked wall and a current bucket
	densityMatchPct = 0.001
	// hard cap on median history so a fast book cannot grow it unbounded
	maxMedianSamples = 4096
)

// trackedDensity wraps a published density with bookkeeping the consumers
// never see.
type trackedDensity struct {
	d          types.Density
	eatenFired bool
}

type medianSample struct {
	tsMs int64
	size float64
}

// DensityDetector buckets order-book levels into price bands and tracks the
// outsized ones as liquidity walls. A bucket qualifies when its aggregated
// size reaches k × the rolling median of all bucket sizes seen inside the
// lookback window. Detected walls are matched across updates by side and
// price so consumption can be measured against the size they first appeared
// with.
type DensityDetector struct {
	mu      sync.Mutex
	cfg     config.DensityConfig
	samples map[string][]medianSample
	walls   map[string][]*trackedDensity

	events  chan types.DensityEvent
	dropped int64

	logger zerolog.Logger
}

func NewDensityDetector(cfg config.DensityConfig, logger zerolog.Logger) *DensityDetector {
	return &DensityDetector{
		cfg:     cfg,
		samples: make(map[string][]medianSample),
		walls:   make(map[string][]*trackedDensity),
		events:  make(chan types.DensityEvent, densityEventBuffer),
		logger:  logger.With().Str("component", "density").Logger(),
	}
}

// Events exposes the bounded event stream. Sends never block; overflow is
// counted and dropped.
func (d *DensityDetector) Events() <-chan types.DensityEvent {
	return d.events
}

// Update ingests one book snapshot. tickSize is the venue price increment
// for the symbol; bucket width is bucket_ticks × tickSize.
func (d *DensityDetector) Update(snap types.OrderBookSnapshot, tickSize float64) {
	if tickSize <= 0 {
		return
	}
	width := float64(d.cfg.BucketTicks) * tickSize
	if width <= 0 {
		return
	}

	bidBuckets := bucketLevels(snap.Bids, width)
	askBuckets := bucketLevels(snap.Asks, width)

	d.mu.Lock()
	defer d.mu.Unlock()

	threshold := d.refreshThresholdLocked(snap.Symbol, snap.TsMs, bidBuckets, askBuckets)
	if threshold <= 0 {
		return
	}

	d.trackSideLocked(snap.Symbol, types.BidSide, bidBuckets, threshold, snap.TsMs)
	d.trackSideLocked(snap.Symbol, types.AskSide, askBuckets, threshold, snap.TsMs)
	d.sweepRemovedLocked(snap.Symbol, bidBuckets, askBuckets, snap.TsMs)
}

// bucketLevels sums level sizes into fixed-width price bands anchored at
// floor(price/width)*width.
func bucketLevels(levels []types.BookLevel, width float64) map[float64]float64 {
	buckets := make(map[float64]float64, len(levels))
	for _, lvl := range levels {
		anchor := math.Floor(lvl.Price/width) * width
		buckets[anchor] += lvl.Size
	}
	return buckets
}

// refreshThresholdLocked records this update's bucket sizes and returns
// k_density × median over the lookback window.
func (d *DensityDetector) refreshThresholdLocked(symbol string, tsMs int64, sides ...map[float64]float64) float64 {
	hist := d.samples[symbol]
	for _, buckets := range sides {
		for _, size := range buckets {
			hist = append(hist, medianSample{tsMs: tsMs, size: size})
		}
	}

	cutoff := tsMs - int64(d.cfg.LookbackWindowS)*1000
	validIdx := 0
	for validIdx < len(hist) && hist[validIdx].tsMs < cutoff {
		validIdx++
	}
	hist = append(hist[:0], hist[validIdx:]...)
	if len(hist) > maxMedianSamples {
		hist = append(hist[:0], hist[len(hist)-maxMedianSamples:]...)
	}
	d.samples[symbol] = hist

	if len(hist) == 0 {
		return 0
	}
	sizes := make([]float64, len(hist))
	for i, s := range hist {
		sizes[i] = s.size
	}
	return d.cfg.KDensity * Median(sizes)
}

// trackSideLocked refreshes existing walls on one side and opens new ones
// for buckets that cleared the threshold.
func (d *DensityDetector) trackSideLocked(symbol string, side types.BookSide, buckets map[float64]float64, threshold float64, tsMs int64) {
	walls := d.walls[symbol]

	matched := make(map[float64]bool, len(walls))
	for _, w := range walls {
		if w.d.Side != side {
			continue
		}
		anchor, size, ok := nearestBucket(buckets, w.d.Price)
		if !ok {
			continue
		}
		matched[anchor] = true
		w.d.Size = size
		w.d.Strength = size / threshold
		w.d.EatenRatio = clamp01(1 - size/w.d.InitialSize)
		w.d.UpdatedMs = tsMs
		if !w.eatenFired && w.d.EatenRatio >= d.cfg.EnterOnEatRatio {
			w.eatenFired = true
			d.emitLocked(types.DensityEvent{Type: types.DensityEaten, Density: w.d, TsMs: tsMs})
		}
	}

	for anchor, size := range buckets {
		if size < threshold || matched[anchor] {
			continue
		}
		w := &trackedDensity{d: types.Density{
			Symbol:      symbol,
			Side:        side,
			Price:       anchor,
			Size:        size,
			InitialSize: size,
			Strength:    size / threshold,
			FirstSeenMs: tsMs,
			UpdatedMs:   tsMs,
		}}
		walls = append(walls, w)
		d.emitLocked(types.DensityEvent{Type: types.DensityDetected, Density: w.d, TsMs: tsMs})
	}

	d.walls[symbol] = walls
}

// sweepRemovedLocked drops walls whose bucket vanished from this update.
func (d *DensityDetector) sweepRemovedLocked(symbol string, bidBuckets, askBuckets map[float64]float64, tsMs int64) {
	walls := d.walls[symbol]
	kept := walls[:0]
	for _, w := range walls {
		buckets := bidBuckets
		if w.d.Side == types.AskSide {
			buckets = askBuckets
		}
		if _, _, ok := nearestBucket(buckets, w.d.Price); ok {
			kept = append(kept, w)
			continue
		}
		w.d.UpdatedMs = tsMs
		d.emitLocked(types.DensityEvent{Type: types.DensityRemoved, Density: w.d, TsMs: tsMs})
	}
	d.walls[symbol] = kept
}

// nearestBucket finds the bucket closest to price within the match
// tolerance.
func nearestBucket(buckets map[float64]float64, price float64) (anchor, size float64, ok bool) {
	bestDist := math.MaxFloat64
	for a, s := range buckets {
		dist := math.Abs(a - price)
		if dist <= price*densityMatchPct && dist < bestDist {
			bestDist = dist
			anchor, size, ok = a, s, true
		}
	}
	return anchor, size, ok
}

func (d *DensityDetector) emitLocked(evt types.DensityEvent) {
	select {
	case d.events <- evt:
	default:
		d.dropped++
		if d.dropped%100 == 1 {
			d.logger.Warn().Int64("dropped", d.dropped).Msg("density event buffer full")
		}
	}
}

// Densities returns a copy of the currently tracked walls for a symbol.
func (d *DensityDetector) Densities(symbol string) []types.Density {
	d.mu.Lock()
	defer d.mu.Unlock()
	walls := d.walls[symbol]
	out := make([]types.Density, len(walls))
	for i, w := range walls {
		out[i] = w.d
	}
	return out
}

// Dropped reports how many events were discarded on a full buffer.
func (d *DensityDetector) Dropped() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Drop forgets all state for a symbol.
func (d *DensityDetector) Drop(symbol string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.samples, symbol)
	delete(d.walls, symbol)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
