package position

import (
	"fmt"
	"math"
	"sort"

	"perp-breakout/internal/config"
	"perp-breakout/pkg/types"
)

const (
	// Adjacent density buckets closer than this fraction of price merge
	// into one avoidance zone.
	zoneMergeFrac = 0.0015
	// Adaptive placement never stretches a target beyond 1.5× its fixed
	// distance, however far volatility expanded.
	adaptiveScaleCap = 1.5
)

// LadderContext supplies the obstacle map and volatility state for smart
// and adaptive placement.
type LadderContext struct {
	Densities  []types.Density
	Levels     []types.TradingLevel
	EntryATR   float64
	CurrentATR float64
	RoundSteps []float64
}

// BuildLadder resolves the configured rungs into priced TP levels for a
// position entered at entry with initial stop sl.
func BuildLadder(rungs []config.TPLevelConfig, sp config.SmartPlacementConfig, entry, sl float64, side types.PositionSide, lctx LadderContext) []types.TPLevel {
	r := math.Abs(entry - sl)
	out := make([]types.TPLevel, 0, len(rungs))
	for i, rung := range rungs {
		name := rung.LevelName
		if name == "" {
			name = fmt.Sprintf("tp%d", i+1)
		}
		out = append(out, types.TPLevel{
			Name:           name,
			RewardMultiple: rung.RewardMultiple,
			SizePct:        rung.SizePct,
			PlacementMode:  rung.PlacementMode,
			Price:          placeTP(rung, sp, entry, r, side, lctx),
		})
	}
	return out
}

// RefreshUntriggered re-resolves adaptive rungs against the current
// volatility and obstacle map. Fixed and smart rungs keep their price;
// triggered rungs are never touched. r is the entry-time 1R distance, not
// the distance to the live stop.
func RefreshUntriggered(tps []types.TPLevel, sp config.SmartPlacementConfig, entry, r float64, side types.PositionSide, lctx LadderContext) {
	for i := range tps {
		if tps[i].Triggered || tps[i].PlacementMode != types.PlacementAdaptive {
			continue
		}
		rung := config.TPLevelConfig{
			LevelName:      tps[i].Name,
			RewardMultiple: tps[i].RewardMultiple,
			SizePct:        tps[i].SizePct,
			PlacementMode:  tps[i].PlacementMode,
		}
		tps[i].Price = placeTP(rung, sp, entry, r, side, lctx)
	}
}

func placeTP(rung config.TPLevelConfig, sp config.SmartPlacementConfig, entry, r float64, side types.PositionSide, lctx LadderContext) float64 {
	fixed := entry + r*rung.RewardMultiple*side.Sign()
	switch rung.PlacementMode {
	case types.PlacementSmart:
		return smartAdjust(fixed, entry, side, sp, lctx)
	case types.PlacementAdaptive:
		scale := 1.0
		if sp.AdaptiveVolFactor > 0 && lctx.EntryATR > 0 && lctx.CurrentATR > lctx.EntryATR {
			scale = 1 + sp.AdaptiveVolFactor*(lctx.CurrentATR/lctx.EntryATR-1)
			if scale > adaptiveScaleCap {
				scale = adaptiveScaleCap
			}
		}
		widened := entry + (fixed-entry)*scale
		return smartAdjust(widened, entry, side, sp, lctx)
	default:
		return fixed
	}
}

// zone is a contiguous obstacle band on the exit path.
type zone struct{ lo, hi float64 }

// smartAdjust pulls the target to the near side of any density zone or
// S/R level it would collide with, spending at most max_adjustment_bps,
// then optionally snaps toward a round-number step.
func smartAdjust(target, entry float64, side types.PositionSide, sp config.SmartPlacementConfig, lctx LadderContext) float64 {
	if target <= 0 {
		return target
	}
	maxAdj := target * sp.MaxAdjustmentBps / 10_000
	if maxAdj <= 0 {
		return target
	}

	adjusted := target
	for _, z := range obstacleZones(entry, side, sp, lctx) {
		adjusted = avoidZone(adjusted, z, side)
	}
	adjusted = clampAdjustment(adjusted, target, entry, maxAdj, side)

	if sp.SnapToRound {
		adjusted = snapRound(adjusted, target, entry, maxAdj, side, lctx.RoundSteps)
	}
	return adjusted
}

// obstacleZones collects the density clusters and S/R levels standing on
// the profit path, each widened by its configured buffer, with adjacent
// density buckets merged into one zone.
func obstacleZones(entry float64, side types.PositionSide, sp config.SmartPlacementConfig, lctx LadderContext) []zone {
	densBuf := sp.DensityZoneBufferBps / 10_000
	srBuf := sp.SRLevelBufferBps / 10_000

	var points []float64
	for _, d := range lctx.Densities {
		// A long exits into asks; a short exits into bids.
		if side == types.SideLong && (d.Side != types.AskSide || d.Price <= entry) {
			continue
		}
		if side == types.SideShort && (d.Side != types.BidSide || d.Price >= entry) {
			continue
		}
		points = append(points, d.Price)
	}
	sort.Float64s(points)

	zones := make([]zone, 0, len(points))
	for _, p := range points {
		buf := p * densBuf
		if n := len(zones); n > 0 && p-zones[n-1].hi <= p*zoneMergeFrac+buf {
			zones[n-1].hi = p + buf
			continue
		}
		zones = append(zones, zone{lo: p - buf, hi: p + buf})
	}

	for _, lvl := range lctx.Levels {
		onPath := (side == types.SideLong && lvl.Type == types.LevelResistance && lvl.Price > entry) ||
			(side == types.SideShort && lvl.Type == types.LevelSupport && lvl.Price < entry)
		if !onPath {
			continue
		}
		buf := lvl.Price * srBuf
		zones = append(zones, zone{lo: lvl.Price - buf, hi: lvl.Price + buf})
	}
	return zones
}

// avoidZone moves the target to the near edge of a zone it falls inside.
func avoidZone(target float64, z zone, side types.PositionSide) float64 {
	if target < z.lo || target > z.hi {
		return target
	}
	if side == types.SideLong {
		return z.lo
	}
	return z.hi
}

// clampAdjustment bounds the move to the adjustment budget and keeps the
// target on the profit side of entry. An obstacle that cannot be cleared
// within budget leaves the target at the budget edge.
func clampAdjustment(adjusted, target, entry, maxAdj float64, side types.PositionSide) float64 {
	if side == types.SideLong {
		if lo := target - maxAdj; adjusted < lo {
			adjusted = lo
		}
		if adjusted <= entry {
			return target
		}
		return adjusted
	}
	if hi := target + maxAdj; adjusted > hi {
		adjusted = hi
	}
	if adjusted >= entry {
		return target
	}
	return adjusted
}

// snapRound nudges the target to the nearest round-number multiple on the
// conservative side (toward entry), staying within the remaining budget.
func snapRound(adjusted, target, entry, maxAdj float64, side types.PositionSide, steps []float64) float64 {
	best := adjusted
	for _, step := range steps {
		if step <= 0 {
			continue
		}
		var cand float64
		if side == types.SideLong {
			cand = math.Floor(adjusted/step) * step
			if cand <= entry || cand < target-maxAdj {
				continue
			}
			if best == adjusted || cand > best {
				best = cand
			}
		} else {
			cand = math.Ceil(adjusted/step) * step
			if cand >= entry || cand > target+maxAdj {
				continue
			}
			if best == adjusted || cand < best {
				best = cand
			}
		}
	}
	return best
}
