package strategy

import (
	"fmt"
	"math"
	"time"

	"perp-breakout/internal/config"
	"perp-breakout/internal/market"
	"perp-breakout/pkg/types"
)

const (
	volSurgeLookback = 20
	slSwingLookback  = 12
	atrPeriod        = 14
)

// momentum trades the breakout bar itself: the last close crosses a level
// with expanding volume, a full-bodied candle, book pressure on the
// breakout side, and price not already stretched from VWAP.
type momentum struct {
	cfg config.SignalConfig
	val *validator
}

// signalFor tries every detected level, strongest first, and returns the
// first signal whose predicates all pass.
func (m *momentum) signalFor(res types.ScanResult, activity float64, now time.Time) *types.Signal {
	candles := res.Market.Candles5m
	if len(candles) == 0 {
		return nil
	}
	last := candles[len(candles)-1]
	atr := res.Market.ATR5m
	if atr <= 0 {
		atr = market.ATR(candles, atrPeriod)
	}

	for _, lvl := range res.Levels {
		if sig := m.tryLevel(res, lvl, last, atr, activity, now); sig != nil {
			return sig
		}
	}
	return nil
}

func (m *momentum) tryLevel(res types.ScanResult, lvl types.TradingLevel, last types.Candle, atr, activity float64, now time.Time) *types.Signal {
	md := res.Market
	side := lvl.Type.BreakoutSide()
	candles := md.Candles5m

	preds := make([]predicate, 0, 5)

	cross := 0.0
	if lvl.Price > 0 {
		cross = (last.Close - lvl.Price) / lvl.Price * side.Sign()
	}
	preds = append(preds, geq("price_breakout", cross, m.cfg.MomentumEpsilon, "no breakout cross"))

	surge := lastVolumeSurge(candles)
	preds = append(preds, geq("volume_surge", surge, m.cfg.MomentumVolumeMultiplier, "volume surge below multiplier"))

	preds = append(preds, geq("body_ratio", bodyRatio(last), m.cfg.MomentumBodyRatioMin, "weak candle body"))

	preds = append(preds, imbalancePredicate(md.L2, side, m.cfg.L2ImbalanceThreshold))

	if atr <= 0 {
		preds = append(preds, failed("vwap_gap", "no ATR"))
	} else {
		gap := math.Abs(last.Close-market.VWAP(candles)) / atr
		preds = append(preds, leq("vwap_gap", gap, m.cfg.VWAPGapMaxATR, "price stretched from VWAP"))
	}

	ok, margin := m.val.evaluate(md.Symbol, "momentum", preds)
	if !ok {
		return nil
	}

	entry := lvl.Price * (1 + m.cfg.MomentumEpsilon*side.Sign())
	sl, ok := stopBeyondSwing(candles, side, atr, m.cfg.SLBufferATR, entry)
	if !ok {
		return nil
	}

	return &types.Signal{
		Symbol:     md.Symbol,
		Side:       side,
		Strategy:   types.StrategyMomentum,
		Reason:     fmt.Sprintf("%s breakout of %.6g", lvl.Type, lvl.Price),
		Entry:      entry,
		Level:      lvl.Price,
		SL:         sl,
		Confidence: confidence(margin, res.Score),
		Ts:         now,
		Meta:       signalMeta(res, activity, atr),
	}
}

// lastVolumeSurge is the last bar's volume over the mean of up to 20 bars
// before it.
func lastVolumeSurge(candles []types.Candle) float64 {
	mean := priorVolumeMean(candles)
	if mean <= 0 {
		return 0
	}
	return candles[len(candles)-1].Volume / mean
}

// priorVolumeMean averages the volumes of up to 20 bars before the last.
func priorVolumeMean(candles []types.Candle) float64 {
	n := len(candles)
	if n < 2 {
		return 0
	}
	lo := n - 1 - volSurgeLookback
	if lo < 0 {
		lo = 0
	}
	sum := 0.0
	for _, c := range candles[lo : n-1] {
		sum += c.Volume
	}
	return sum / float64(n-1-lo)
}

// priorMomentumMean is the mean absolute close-to-close return over the
// bars before the last. Exit rules use it as the pre-entry baseline.
func priorMomentumMean(candles []types.Candle) float64 {
	rets := market.Returns(market.Closes(candles))
	if len(rets) < 2 {
		return 0
	}
	rets = rets[:len(rets)-1]
	lo := len(rets) - volSurgeLookback
	if lo < 0 {
		lo = 0
	}
	sum := 0.0
	for _, r := range rets[lo:] {
		sum += math.Abs(r)
	}
	return sum / float64(len(rets)-lo)
}

func bodyRatio(c types.Candle) float64 {
	r := c.High - c.Low
	if r <= 0 {
		return 0
	}
	return math.Abs(c.Close-c.Open) / r
}

func imbalancePredicate(l2 *types.L2Depth, side types.PositionSide, threshold float64) predicate {
	if l2 == nil {
		return failed("l2_imbalance", "no L2 depth")
	}
	return geq("l2_imbalance", l2.Imbalance*side.Sign(), threshold, "book leaning against the trade")
}

// stopBeyondSwing anchors the stop beyond the recent swing extreme with an
// ATR buffer. Returns false when the stop would not sit on the protective
// side of the entry.
func stopBeyondSwing(candles []types.Candle, side types.PositionSide, atr, bufferATR, entry float64) (float64, bool) {
	n := len(candles)
	lo := n - slSwingLookback
	if lo < 0 {
		lo = 0
	}
	window := candles[lo:]
	if len(window) == 0 {
		return 0, false
	}

	if side == types.SideLong {
		swing := window[0].Low
		for _, c := range window[1:] {
			if c.Low < swing {
				swing = c.Low
			}
		}
		sl := swing - bufferATR*atr
		if sl >= entry || sl <= 0 {
			return 0, false
		}
		return sl, true
	}

	swing := window[0].High
	for _, c := range window[1:] {
		if c.High > swing {
			swing = c.High
		}
	}
	sl := swing + bufferATR*atr
	if sl <= entry {
		return 0, false
	}
	return sl, true
}

// confidence blends the mean predicate margin with the scan score, both
// normalised to [0,1], on a 0.5 base.
func confidence(margin, scanScore float64) float64 {
	return clamp01(0.5 + 0.25*margin + 0.25*clamp01(scanScore/3))
}

func signalMeta(res types.ScanResult, activity, atr float64) types.SignalMeta {
	imb := 0.0
	if res.Market.L2 != nil {
		imb = res.Market.L2.Imbalance
	}
	return types.SignalMeta{
		ScanScore:     res.Score,
		ActivityIndex: activity,
		Imbalance:     imb,
		ATR:           atr,
		AvgVolume:     priorVolumeMean(res.Market.Candles5m),
		AvgMomentum:   priorMomentumMean(res.Market.Candles5m),
	}
}
