package market

import (
	"fmt"
	"math"
	"sort"

	"perp-breakout/internal/config"
	"perp-breakout/pkg/types"
)

const (
	// bars on each side a swing extreme must dominate
	swingWindow    = 2
	levelATRPeriod = 14
	// fallback tolerance when the candle set is too short for ATR
	fallbackTolerancePct = 0.002
)

type swingPoint struct {
	price float64
	tsMs  int64
}

type levelCluster struct {
	sum     float64
	touches int
	firstMs int64
	lastMs  int64
}

func (c levelCluster) price() float64 {
	return c.sum / float64(c.touches)
}

// DetectLevels clusters swing highs and lows from a candle sequence into
// horizontal support/resistance levels. The cluster tolerance is an ATR
// band; levels need at least min_touches swing hits to be reported. The
// result is sorted by strength descending.
func DetectLevels(candles []types.Candle, cfg config.LevelsRules, nowMs int64) []types.TradingLevel {
	if len(candles) < 2*swingWindow+1 {
		return nil
	}

	lastClose := candles[len(candles)-1].Close
	tolerance := cfg.ToleranceATRFactor * ATR(candles, levelATRPeriod)
	if tolerance <= 0 {
		tolerance = lastClose * fallbackTolerancePct
	}
	if tolerance <= 0 {
		return nil
	}

	minTouches := cfg.MinTouches
	if minTouches < 2 {
		minTouches = 2
	}
	spanMs := nowMs - candles[0].TsMs

	var levels []types.TradingLevel
	for _, side := range []struct {
		points []swingPoint
		typ    types.LevelType
	}{
		{swingHighs(candles), types.LevelResistance},
		{swingLows(candles), types.LevelSupport},
	} {
		for _, c := range clusterSwings(side.points, tolerance) {
			if c.touches < minTouches {
				continue
			}
			price := c.price()
			isRound, bonus := roundNumberBonus(price, cfg)
			lvl := types.TradingLevel{
				Price:         price,
				Type:          side.typ,
				TouchCount:    c.touches,
				FirstTouchMs:  c.firstMs,
				LastTouchMs:   c.lastMs,
				IsRoundNumber: isRound,
				RoundBonus:    bonus,
			}
			lvl.Strength = levelStrength(c, nowMs, spanMs) + bonus
			if lvl.Strength > 1 {
				lvl.Strength = 1
			}
			levels = append(levels, lvl)
		}
	}

	markCascades(levels, cfg)

	sort.Slice(levels, func(i, j int) bool { return levels[i].Strength > levels[j].Strength })
	return levels
}

// swingHighs returns bars whose high dominates swingWindow bars on each
// side.
func swingHighs(candles []types.Candle) []swingPoint {
	var out []swingPoint
	for i := swingWindow; i < len(candles)-swingWindow; i++ {
		h := candles[i].High
		isSwing := true
		for j := i - swingWindow; j <= i+swingWindow; j++ {
			if j != i && candles[j].High > h {
				isSwing = false
				break
			}
		}
		if isSwing {
			out = append(out, swingPoint{price: h, tsMs: candles[i].TsMs})
		}
	}
	return out
}

func swingLows(candles []types.Candle) []swingPoint {
	var out []swingPoint
	for i := swingWindow; i < len(candles)-swingWindow; i++ {
		l := candles[i].Low
		isSwing := true
		for j := i - swingWindow; j <= i+swingWindow; j++ {
			if j != i && candles[j].Low < l {
				isSwing = false
				break
			}
		}
		if isSwing {
			out = append(out, swingPoint{price: l, tsMs: candles[i].TsMs})
		}
	}
	return out
}

// clusterSwings greedily groups price-sorted swing points whose prices sit
// within tolerance of the running cluster mean.
func clusterSwings(points []swingPoint, tolerance float64) []levelCluster {
	if len(points) == 0 {
		return nil
	}
	sorted := make([]swingPoint, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].price < sorted[j].price })

	var clusters []levelCluster
	cur := levelCluster{sum: sorted[0].price, touches: 1, firstMs: sorted[0].tsMs, lastMs: sorted[0].tsMs}
	for _, p := range sorted[1:] {
		if math.Abs(p.price-cur.price()) <= tolerance {
			cur.sum += p.price
			cur.touches++
			if p.tsMs < cur.firstMs {
				cur.firstMs = p.tsMs
			}
			if p.tsMs > cur.lastMs {
				cur.lastMs = p.tsMs
			}
			continue
		}
		clusters = append(clusters, cur)
		cur = levelCluster{sum: p.price, touches: 1, firstMs: p.tsMs, lastMs: p.tsMs}
	}
	return append(clusters, cur)
}

// levelStrength scores a cluster from touch count and recency of the last
// touch. Both components are in [0,1]; the round bonus is added by the
// caller.
func levelStrength(c levelCluster, nowMs, spanMs int64) float64 {
	touchScore := float64(c.touches-1) / 4
	if touchScore > 1 {
		touchScore = 1
	}
	recency := 1.0
	if spanMs > 0 {
		recency = 1 - float64(nowMs-c.lastMs)/float64(spanMs)
		recency = clamp01(recency)
	}
	return 0.6*touchScore + 0.4*recency
}

// roundNumberBonus reports whether price sits within the configured
// distance of any round-step multiple.
func roundNumberBonus(price float64, cfg config.LevelsRules) (bool, float64) {
	if !cfg.PreferRoundNumbers || price <= 0 {
		return false, 0
	}
	dist := price * cfg.RoundDistancePct
	for _, step := range cfg.RoundStepCandidates {
		// a grid finer than twice the allowed distance matches any price
		if step <= 2*dist {
			continue
		}
		nearest := math.Round(price/step) * step
		if nearest > 0 && math.Abs(price-nearest) <= dist {
			return true, cfg.RoundBonus
		}
	}
	return false, 0
}

// markCascades flags levels sitting inside a band that holds at least
// cascade_min_levels within cascade_radius_bps. The count includes the
// level itself.
func markCascades(levels []types.TradingLevel, cfg config.LevelsRules) {
	if cfg.CascadeMinLevels <= 0 {
		return
	}
	for i := range levels {
		band := levels[i].Price * cfg.CascadeRadiusBps / 10_000
		count := 0
		for j := range levels {
			if math.Abs(levels[j].Price-levels[i].Price) <= band {
				count++
			}
		}
		if count >= cfg.CascadeMinLevels {
			levels[i].InCascade = true
			levels[i].CascadeSize = count
		}
	}
}

// AssessApproach scores the bars leading into a level touch. A valid
// approach drifts no faster than approach_max_slope_pct per bar and shows
// at least approach_min_consolidation_bars of narrow-range bars at the end.
func AssessApproach(candles []types.Candle, cfg config.LevelsRules) types.ApproachQuality {
	if len(candles) < 2 {
		return types.ApproachQuality{Reason: "insufficient bars"}
	}

	first := candles[0].Close
	last := candles[len(candles)-1].Close
	slope := 0.0
	if first > 0 {
		slope = math.Abs((last-first)/first) * 100 / float64(len(candles)-1)
	}

	band := ATR(candles, intMin(levelATRPeriod, len(candles)-1))
	if band == 0 {
		ranges := make([]float64, len(candles))
		for i, c := range candles {
			ranges[i] = c.Range()
		}
		band = Mean(ranges)
	}
	consolidation := 0
	for i := len(candles) - 1; i >= 0; i-- {
		if candles[i].Range() > band {
			break
		}
		consolidation++
	}

	q := types.ApproachQuality{
		SlopePctPerBar:    slope,
		ConsolidationBars: consolidation,
	}
	switch {
	case slope > cfg.ApproachMaxSlopePct:
		q.Reason = fmt.Sprintf("slope %.3f%% per bar above %.3f%%", slope, cfg.ApproachMaxSlopePct)
	case consolidation < cfg.ApproachMinConsolidationBar:
		q.Reason = fmt.Sprintf("%d consolidation bars, need %d", consolidation, cfg.ApproachMinConsolidationBar)
	default:
		q.Valid = true
	}
	return q
}

func intMin(a, b int) int {
	if a < b {
		return a
	}
	return b
}
