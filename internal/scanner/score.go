package scanner

import (
	"math"

	"perp-breakout/internal/config"
	"perp-breakout/pkg/types"
)

// Normaliser shape constants. Each component is mapped into [-3, 3] before
// weighting.
const (
	zClip           = 3.0
	atrQualityLoPct = 1.5
	atrQualityHiPct = 3.5
	atrQualitySigma = 1.0
	volSurgeScale   = 2.0
)

// scoreOutcome is the cached composite score with its decomposition.
type scoreOutcome struct {
	score      float64
	components map[string]float64
}

type scorer struct {
	weights config.ScoreWeights
}

// score combines the normalised components with the preset weights.
func (s *scorer) score(md types.MarketData) scoreOutcome {
	comps := map[string]float64{
		"vol_surge":         normVolSurge(volSurge1h(md.Candles5m), volSurge5m(md.Candles5m)),
		"atr_quality":       normATRQuality(md.ATR15m, md.Price),
		"correlation":       normCorrelation(md.BTCCorrelation),
		"trades_per_minute": normTradesPerMinute(md.TradesPerMinute),
	}
	total := s.weights.VolSurge*comps["vol_surge"] +
		s.weights.ATRQuality*comps["atr_quality"] +
		s.weights.Correlation*comps["correlation"] +
		s.weights.TradesPerMinute*comps["trades_per_minute"]
	return scoreOutcome{score: total, components: comps}
}

// normVolSurge centres the combined surge ratio at 1.0 (no surge); a 2.5x
// surge saturates the clip.
func normVolSurge(surge1h, surge5m float64) float64 {
	combined := (surge1h + surge5m) / 2
	return clipZ((combined - 1) * volSurgeScale)
}

// normATRQuality is a plateau over [1.5%, 3.5%] ATR/price with gaussian
// tails on both sides.
func normATRQuality(atr, price float64) float64 {
	if price <= 0 {
		return 0
	}
	pct := atr / price * 100
	var d float64
	switch {
	case pct < atrQualityLoPct:
		d = (atrQualityLoPct - pct) / atrQualitySigma
	case pct > atrQualityHiPct:
		d = (pct - atrQualityHiPct) / atrQualitySigma
	default:
		return zClip
	}
	return zClip * math.Exp(-d*d)
}

// normCorrelation scores independence from BTC: zero correlation maps to
// the top of the scale, |corr| = 1 to the bottom.
func normCorrelation(corr float64) float64 {
	a := math.Abs(corr)
	if a > 1 {
		a = 1
	}
	return zClip * (1 - a)
}

// normTradesPerMinute compresses raw trade counts logarithmically.
func normTradesPerMinute(tpm float64) float64 {
	if tpm <= 0 {
		return 0
	}
	return clipZ(math.Log10(1 + tpm))
}

func clipZ(v float64) float64 {
	switch {
	case v > zClip:
		return zClip
	case v < -zClip:
		return -zClip
	}
	return v
}
