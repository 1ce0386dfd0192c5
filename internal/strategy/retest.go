package strategy

import (
	"fmt"
	"math"
	"time"

	"perp-breakout/internal/config"
	"perp-breakout/internal/market"
	"perp-breakout/pkg/types"
)

const pierceLookback = 6

// retest trades the pullback to a level that already broke: price returns
// to within a tight band of the level, pierces it only shallowly, and the
// breakout itself is on record from the last 24h.
type retest struct {
	cfg     config.SignalConfig
	history *BreakoutHistory
	val     *validator
}

func (r *retest) signalFor(res types.ScanResult, activity float64, now time.Time) *types.Signal {
	candles := res.Market.Candles5m
	if len(candles) == 0 {
		return nil
	}
	atr := res.Market.ATR5m
	if atr <= 0 {
		atr = market.ATR(candles, atrPeriod)
	}

	for _, lvl := range res.Levels {
		if sig := r.tryLevel(res, lvl, atr, activity, now); sig != nil {
			return sig
		}
	}
	return nil
}

func (r *retest) tryLevel(res types.ScanResult, lvl types.TradingLevel, atr, activity float64, now time.Time) *types.Signal {
	md := res.Market
	side := lvl.Type.BreakoutSide()
	candles := md.Candles5m
	price := md.Price
	if price <= 0 {
		price = candles[len(candles)-1].Close
	}

	preds := make([]predicate, 0, 5)

	dist := 1.0
	if price > 0 {
		dist = math.Abs(price-lvl.Price) / price
	}
	preds = append(preds, leq("level_retest", dist, r.cfg.RetestTolerancePct, "price not at the level"))

	pierce := maxPierce(candles, lvl.Price, side)
	preds = append(preds, piercePredicate(pierce, lvl.Price, atr, r.cfg))

	preds = append(preds, r.previousBreakoutPredicate(md.Symbol, lvl.Price, side, now))

	preds = append(preds, imbalancePredicate(md.L2, side, r.cfg.L2ImbalanceThreshold))

	preds = append(preds, geq("trading_activity", activity, r.cfg.MinActivityIndex, "market gone quiet"))

	ok, margin := r.val.evaluate(md.Symbol, "retest", preds)
	if !ok {
		return nil
	}

	sl, ok := stopBeyondSwing(candles, side, atr, r.cfg.SLBufferATR, price)
	if !ok {
		return nil
	}

	return &types.Signal{
		Symbol:     md.Symbol,
		Side:       side,
		Strategy:   types.StrategyRetest,
		Reason:     fmt.Sprintf("retest of broken %s %.6g", lvl.Type, lvl.Price),
		Entry:      price,
		Level:      lvl.Price,
		SL:         sl,
		Confidence: confidence(margin, res.Score),
		Ts:         now,
		Meta:       signalMeta(res, activity, atr),
	}
}

// previousBreakoutPredicate requires a recorded breakout of this level on
// this side within the last 24h. Margin favours fresher records.
func (r *retest) previousBreakoutPredicate(symbol string, levelPrice float64, side types.PositionSide, now time.Time) predicate {
	nowMs := now.UnixMilli()
	rec, ok := r.history.Match(symbol, levelPrice, side, r.cfg.RetestTolerancePct, nowMs)
	if !ok {
		return failed("previous_breakout", "no recorded breakout of this level")
	}
	age := float64(nowMs-rec.TsMs) / float64(recentWindowMs)
	return predicate{
		name:      "previous_breakout",
		value:     rec.LevelPrice,
		threshold: levelPrice,
		passed:    true,
		margin:    clamp01(1 - age),
	}
}

// maxPierce is the deepest adverse excursion through the level over the
// recent bars: lows under a long level, highs over a short one.
func maxPierce(candles []types.Candle, level float64, side types.PositionSide) float64 {
	n := len(candles)
	lo := n - pierceLookback
	if lo < 0 {
		lo = 0
	}
	worst := 0.0
	for _, c := range candles[lo:] {
		var d float64
		if side == types.SideLong {
			d = level - c.Low
		} else {
			d = c.High - level
		}
		if d > worst {
			worst = d
		}
	}
	return worst
}

// piercePredicate caps the excursion both in ATR terms and as a fraction
// of the level price; the tighter bound decides.
func piercePredicate(pierce, level, atr float64, cfg config.SignalConfig) predicate {
	if atr <= 0 || level <= 0 {
		return failed("pierce_tolerance", "no ATR")
	}
	limit := cfg.RetestMaxPierceATR * atr
	if frac := cfg.RetestPierceTolerance * level; frac < limit {
		limit = frac
	}
	return leq("pierce_tolerance", pierce, limit, "level pierced too deep")
}
