package scanner

import (
	"fmt"
	"math"

	"perp-breakout/internal/config"
	"perp-breakout/internal/market"
	"perp-breakout/pkg/types"
)

// filterOutcome holds one market's verdicts across all filter groups.
// passed is the conjunction of results.
type filterOutcome struct {
	results map[string]bool
	details map[string]types.FilterDetail
	passed  bool
}

func newFilterOutcome() filterOutcome {
	return filterOutcome{
		results: make(map[string]bool, 12),
		details: make(map[string]types.FilterDetail, 12),
		passed:  true,
	}
}

func (o *filterOutcome) add(name string, value, threshold float64, passed bool, failReason string) {
	reason := ""
	if !passed {
		reason = failReason
		o.passed = false
	}
	o.results[name] = passed
	o.details[name] = types.FilterDetail{Value: value, Threshold: threshold, Passed: passed, Reason: reason}
}

// skip records a filter whose inputs are unavailable as passed, keeping the
// reason so diagnostics show it was never actually checked.
func (o *filterOutcome) skip(name string, threshold float64, reason string) {
	o.results[name] = true
	o.details[name] = types.FilterDetail{Threshold: threshold, Passed: true, Reason: reason}
}

// filters evaluates the liquidity, volatility, and correlation groups.
// Every filter runs on every market; nothing short-circuits, so the
// diagnostics always carry the full verdict set.
type filters struct {
	liq     config.LiquidityFilters
	vol     config.VolatilityFilters
	corrMax float64
}

func newFilters(p *config.Preset) *filters {
	return &filters{
		liq:     p.LiquidityFilters,
		vol:     p.VolatilityFilters,
		corrMax: p.Risk.CorrelationLimit,
	}
}

func (f *filters) evaluate(md types.MarketData) filterOutcome {
	out := newFilterOutcome()

	// Liquidity.
	out.add("min_24h_volume_usd", md.Volume24hUSD, f.liq.Min24hVolumeUSD,
		md.Volume24hUSD >= f.liq.Min24hVolumeUSD, "24h volume below minimum")
	if f.liq.MinOIUSD > 0 {
		if md.OIUSD != nil {
			out.add("min_oi_usd", *md.OIUSD, f.liq.MinOIUSD,
				*md.OIUSD >= f.liq.MinOIUSD, "open interest below minimum")
		} else {
			out.skip("min_oi_usd", f.liq.MinOIUSD, "no OI data")
		}
	}
	if md.L2 != nil {
		out.add("max_spread_bps", md.L2.SpreadBps, f.liq.MaxSpreadBps,
			md.L2.SpreadBps <= f.liq.MaxSpreadBps, "spread above maximum")
		d05 := math.Min(md.L2.BidUSD05, md.L2.AskUSD05)
		out.add("min_depth_usd_0_5pct", d05, f.liq.MinDepthUSD05,
			d05 >= f.liq.MinDepthUSD05, "0.5% depth below minimum")
		d03 := math.Min(md.L2.BidUSD03, md.L2.AskUSD03)
		out.add("min_depth_usd_0_3pct", d03, f.liq.MinDepthUSD03,
			d03 >= f.liq.MinDepthUSD03, "0.3% depth below minimum")
	} else {
		out.skip("max_spread_bps", f.liq.MaxSpreadBps, "no L2 depth")
		out.skip("min_depth_usd_0_5pct", f.liq.MinDepthUSD05, "no L2 depth")
		out.skip("min_depth_usd_0_3pct", f.liq.MinDepthUSD03, "no L2 depth")
	}
	out.add("min_trades_per_minute", md.TradesPerMinute, f.liq.MinTradesPerMinute,
		md.TradesPerMinute >= f.liq.MinTradesPerMinute, "too few trades per minute")

	// Volatility.
	atrFrac := 0.0
	if md.Price > 0 {
		atrFrac = md.ATR15m / md.Price
	}
	out.add("atr_range", atrFrac, f.vol.ATRRangeMax,
		atrFrac >= f.vol.ATRRangeMin && atrFrac <= f.vol.ATRRangeMax,
		fmt.Sprintf("atr/price outside [%.4f, %.4f]", f.vol.ATRRangeMin, f.vol.ATRRangeMax))
	out.add("bb_width_percentile_max", md.BBWidthPct, f.vol.BBWidthPercentileMax,
		md.BBWidthPct <= f.vol.BBWidthPercentileMax, "bollinger width above maximum")
	s1h := volSurge1h(md.Candles5m)
	out.add("volume_surge_1h_min", s1h, f.vol.VolumeSurge1hMin,
		s1h >= f.vol.VolumeSurge1hMin, "1h volume surge below minimum")
	s5m := volSurge5m(md.Candles5m)
	out.add("volume_surge_5m_min", s5m, f.vol.VolumeSurge5mMin,
		s5m >= f.vol.VolumeSurge5mMin, "5m volume surge below minimum")
	if f.vol.OIDeltaThreshold > 0 {
		if md.OIChange24h != nil {
			d := math.Abs(*md.OIChange24h)
			out.add("oi_delta_threshold", d, f.vol.OIDeltaThreshold,
				d >= f.vol.OIDeltaThreshold, "24h OI change below threshold")
		} else {
			out.skip("oi_delta_threshold", f.vol.OIDeltaThreshold, "no OI data")
		}
	}

	// Correlation.
	out.add("correlation_limit", md.BTCCorrelation, f.corrMax,
		math.Abs(md.BTCCorrelation) <= f.corrMax, "BTC correlation above limit")

	return out
}

// volSurge1h is the mean volume of the latest 12 five-minute bars over the
// mean of the 12 before them. Zero when fewer than 24 bars are available or
// the prior window is flat.
func volSurge1h(candles []types.Candle) float64 {
	n := len(candles)
	if n < 24 {
		return 0
	}
	prior := market.Mean(volumes(candles[n-24 : n-12]))
	if prior <= 0 {
		return 0
	}
	return market.Mean(volumes(candles[n-12:])) / prior
}

// volSurge5m is the last bar's volume over the median of up to 20 bars
// before it. Zero when fewer than 2 bars are available or the median is
// zero.
func volSurge5m(candles []types.Candle) float64 {
	n := len(candles)
	if n < 2 {
		return 0
	}
	lo := n - 21
	if lo < 0 {
		lo = 0
	}
	med := market.Median(volumes(candles[lo : n-1]))
	if med <= 0 {
		return 0
	}
	return candles[n-1].Volume / med
}

func volumes(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}
