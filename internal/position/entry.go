package position

import (
	"fmt"
	"math"

	"perp-breakout/internal/config"
	"perp-breakout/internal/diag"
	"perp-breakout/pkg/types"
)

// CheckPriority grades entry checks. A critical failure invalidates the
// signal; anything lower warns and shaves confidence.
type CheckPriority int

const (
	PriorityLow CheckPriority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p CheckPriority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// penalty is the confidence deduction for a failed non-critical check.
func (p CheckPriority) penalty() float64 {
	switch p {
	case PriorityHigh:
		return 0.15
	case PriorityMedium:
		return 0.10
	default:
		return 0.05
	}
}

// EntryCheck is one validator verdict.
type EntryCheck struct {
	Name     string        `json:"name"`
	Priority CheckPriority `json:"priority"`
	Passed   bool          `json:"passed"`
	Reason   string        `json:"reason,omitempty"`
}

// EntryVerdict aggregates all checks for one signal.
type EntryVerdict struct {
	Valid      bool         `json:"valid"`
	Confidence float64      `json:"confidence"` // signal confidence after penalties
	Checks     []EntryCheck `json:"checks"`
	Warnings   []string     `json:"warnings,omitempty"`
}

// EntryValidator gates signals into the position pipeline.
type EntryValidator struct {
	rules   config.EntryRulesConfig
	quality config.MarketQualityConfig
	rec     diag.Recorder
}

func NewEntryValidator(rules config.EntryRulesConfig, quality config.MarketQualityConfig, rec diag.Recorder) *EntryValidator {
	if rec == nil {
		rec = diag.NopSink{}
	}
	return &EntryValidator{rules: rules, quality: quality, rec: rec}
}

// Validate runs every entry check against the signal and the fresh market
// state. Densities are the currently tracked book clusters for the symbol.
func (v *EntryValidator) Validate(sig *types.Signal, md types.MarketData, densities []types.Density) EntryVerdict {
	checks := []EntryCheck{
		v.volumeConfirmation(md),
		v.momentumSlope(sig, md),
		v.densityAvoidance(sig, densities),
		v.cleanBreakout(sig, md),
	}
	checks = append(checks, v.marketQuality(md)...)

	verdict := EntryVerdict{Valid: true, Confidence: sig.Confidence}
	for _, c := range checks {
		v.rec.Record(diag.Event{
			Component: "position",
			Stage:     "entry:" + c.Name,
			Symbol:    sig.Symbol,
			Payload:   map[string]any{"priority": c.Priority.String()},
			Reason:    c.Reason,
			Passed:    diag.Bool(c.Passed),
		})
		if c.Passed {
			continue
		}
		if c.Priority == PriorityCritical {
			verdict.Valid = false
		} else {
			verdict.Warnings = append(verdict.Warnings, c.Name+": "+c.Reason)
			verdict.Confidence -= c.Priority.penalty()
		}
	}
	if verdict.Confidence < 0 {
		verdict.Confidence = 0
	}
	verdict.Checks = checks
	return verdict
}

// volumeConfirmation wants the last bar's volume to clear the recent
// average by the configured multiple.
func (v *EntryValidator) volumeConfirmation(md types.MarketData) EntryCheck {
	c := EntryCheck{Name: "volume_confirmation", Priority: PriorityHigh}
	if v.rules.VolumeConfirmMultiplier <= 0 {
		c.Passed = true
		return c
	}
	n := len(md.Candles5m)
	if n < 2 {
		c.Reason = "not enough candles"
		return c
	}
	var sum float64
	lo := n - 1 - 20
	if lo < 0 {
		lo = 0
	}
	for _, cd := range md.Candles5m[lo : n-1] {
		sum += cd.Volume
	}
	mean := sum / float64(n-1-lo)
	if mean <= 0 {
		c.Reason = "no baseline volume"
		return c
	}
	ratio := md.Candles5m[n-1].Volume / mean
	c.Passed = ratio >= v.rules.VolumeConfirmMultiplier
	if !c.Passed {
		c.Reason = fmt.Sprintf("volume %.2fx below %.2fx", ratio, v.rules.VolumeConfirmMultiplier)
	}
	return c
}

// momentumSlope wants closes drifting in the trade direction.
func (v *EntryValidator) momentumSlope(sig *types.Signal, md types.MarketData) EntryCheck {
	c := EntryCheck{Name: "momentum_slope", Priority: PriorityMedium}
	if v.rules.MomentumSlopeMinPct <= 0 {
		c.Passed = true
		return c
	}
	n := len(md.Candles5m)
	const window = 6
	if n < window {
		c.Reason = "not enough candles"
		return c
	}
	first := md.Candles5m[n-window].Close
	last := md.Candles5m[n-1].Close
	if first <= 0 {
		c.Reason = "bad candle data"
		return c
	}
	slope := (last - first) / first / float64(window-1) * 100 * sig.Side.Sign()
	c.Passed = slope >= v.rules.MomentumSlopeMinPct
	if !c.Passed {
		c.Reason = fmt.Sprintf("slope %.4f%%/bar under %.4f%%", slope, v.rules.MomentumSlopeMinPct)
	}
	return c
}

// densityAvoidance refuses entries straight into an opposing wall within
// the buffer of the entry price. Walls already mostly eaten don't count.
func (v *EntryValidator) densityAvoidance(sig *types.Signal, densities []types.Density) EntryCheck {
	c := EntryCheck{Name: "density_avoidance", Priority: PriorityCritical, Passed: true}
	if v.rules.DensityBufferBps <= 0 || sig.Entry <= 0 {
		return c
	}
	buffer := sig.Entry * v.rules.DensityBufferBps / 10_000
	opposing := types.AskSide
	if sig.Side == types.SideShort {
		opposing = types.BidSide
	}
	for _, d := range densities {
		if d.Side != opposing || d.EatenRatio > 0.75 {
			continue
		}
		ahead := (sig.Side == types.SideLong && d.Price >= sig.Entry) ||
			(sig.Side == types.SideShort && d.Price <= sig.Entry)
		if ahead && math.Abs(d.Price-sig.Entry) <= buffer {
			c.Passed = false
			c.Reason = fmt.Sprintf("%s wall %.6g within %.0f bps of entry", d.Side, d.Price, v.rules.DensityBufferBps)
			return c
		}
	}
	return c
}

// cleanBreakout refuses chases: entry too far past the level, or a
// breakout that happened too many bars ago.
func (v *EntryValidator) cleanBreakout(sig *types.Signal, md types.MarketData) EntryCheck {
	c := EntryCheck{Name: "clean_breakout", Priority: PriorityHigh, Passed: true}
	if sig.Level <= 0 {
		return c
	}
	if v.rules.CleanBreakMaxDistPct > 0 {
		dist := math.Abs(sig.Entry-sig.Level) / sig.Level * 100
		if dist > v.rules.CleanBreakMaxDistPct {
			c.Passed = false
			c.Reason = fmt.Sprintf("entry %.3f%% past level, max %.3f%%", dist, v.rules.CleanBreakMaxDistPct)
			return c
		}
	}
	if v.rules.CleanBreakMaxBars > 0 {
		if bars := barsBeyondLevel(md.Candles5m, sig.Level, sig.Side); bars > v.rules.CleanBreakMaxBars {
			c.Passed = false
			c.Reason = fmt.Sprintf("broke out %d bars ago, max %d", bars, v.rules.CleanBreakMaxBars)
		}
	}
	return c
}

// barsBeyondLevel counts how many consecutive closes, newest first, sit on
// the breakout side of the level.
func barsBeyondLevel(candles []types.Candle, level float64, side types.PositionSide) int {
	count := 0
	for i := len(candles) - 1; i >= 0; i-- {
		beyond := (side == types.SideLong && candles[i].Close > level) ||
			(side == types.SideShort && candles[i].Close < level)
		if !beyond {
			break
		}
		count++
	}
	return count
}

// marketQuality screens flat, under-consolidated, and noisy tapes.
func (v *EntryValidator) marketQuality(md types.MarketData) []EntryCheck {
	flat := EntryCheck{Name: "quality_flat", Priority: PriorityHigh, Passed: true}
	consol := EntryCheck{Name: "quality_consolidation", Priority: PriorityMedium, Passed: true}
	noise := EntryCheck{Name: "quality_noise", Priority: PriorityMedium, Passed: true}
	candles := md.Candles5m

	if v.quality.FlatMaxRangePct > 0 && v.quality.FlatWindowBars > 0 && len(candles) >= v.quality.FlatWindowBars {
		win := candles[len(candles)-v.quality.FlatWindowBars:]
		hi, lo := win[0].High, win[0].Low
		for _, cd := range win[1:] {
			hi = math.Max(hi, cd.High)
			lo = math.Min(lo, cd.Low)
		}
		if lo > 0 {
			rangePct := (hi - lo) / lo * 100
			if rangePct < v.quality.FlatMaxRangePct {
				flat.Passed = false
				flat.Reason = fmt.Sprintf("range %.3f%% over %d bars, market flat", rangePct, v.quality.FlatWindowBars)
			}
		}
	}

	if v.quality.ConsolidationMinBars > 0 {
		if got := consolidationBars(candles); got < v.quality.ConsolidationMinBars {
			consol.Passed = false
			consol.Reason = fmt.Sprintf("%d consolidation bars before the move, need %d", got, v.quality.ConsolidationMinBars)
		}
	}

	if v.quality.NoiseThreshold > 0 {
		if got := noiseRatio(candles); got > v.quality.NoiseThreshold {
			noise.Passed = false
			noise.Reason = fmt.Sprintf("noise %.2f over %.2f", got, v.quality.NoiseThreshold)
		}
	}

	return []EntryCheck{flat, consol, noise}
}

// consolidationBars counts the tight bars immediately before the last one:
// bodies under half the mean range of the window.
func consolidationBars(candles []types.Candle) int {
	n := len(candles)
	if n < 3 {
		return 0
	}
	var meanRange float64
	lo := n - 1 - 20
	if lo < 0 {
		lo = 0
	}
	win := candles[lo : n-1]
	for _, cd := range win {
		meanRange += cd.High - cd.Low
	}
	meanRange /= float64(len(win))
	if meanRange <= 0 {
		return 0
	}

	count := 0
	for i := n - 2; i >= lo; i-- {
		if candles[i].Body() > meanRange/2 {
			break
		}
		count++
	}
	return count
}

// noiseRatio is the fraction of direction flips in the close-to-close
// series, in [0,1]. A coin-flip tape scores near 1.
func noiseRatio(candles []types.Candle) float64 {
	n := len(candles)
	if n < 3 {
		return 0
	}
	lo := n - 21
	if lo < 0 {
		lo = 0
	}
	flips, moves := 0, 0
	prevDir := 0.0
	for i := lo + 1; i < n; i++ {
		d := candles[i].Close - candles[i-1].Close
		if d == 0 {
			continue
		}
		dir := math.Copysign(1, d)
		if prevDir != 0 {
			moves++
			if dir != prevDir {
				flips++
			}
		}
		prevDir = dir
	}
	if moves == 0 {
		return 0
	}
	return float64(flips) / float64(moves)
}
