package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"perp-breakout/pkg/types"
)

// PositionSize is the sizing result. RiskR is the fraction of the risk
// budget actually deployed after clamps, so it never exceeds 1.
type PositionSize struct {
	Quantity          float64 `json:"quantity"`
	NotionalUSD       float64 `json:"notional_usd"`
	RiskUSD           float64 `json:"risk_usd"`
	RiskR             float64 `json:"risk_r"`
	StopDistance      float64 `json:"stop_distance"`
	IsValid           bool    `json:"is_valid"`
	Reason            string  `json:"reason,omitempty"`
	PrecisionAdjusted bool    `json:"precision_adjusted"`
}

// sizePosition turns a signal into a quantity: budget = E·r, qty =
// budget/|entry−sl|, clamped by the notional cap and by a fraction of the
// aggregated depth, then floored to the lot step. Caller holds the lock.
func (m *Manager) sizePosition(sig *types.Signal, equity, depthUSD float64, inst types.Instrument) PositionSize {
	stop := math.Abs(sig.Entry - sig.SL)
	out := PositionSize{StopDistance: stop}

	if sig.Entry <= 0 || stop <= 0 {
		out.Reason = "zero stop distance"
		return out
	}
	budget := equity * m.cfg.RiskPerTrade
	if budget <= 0 {
		out.Reason = "no risk budget"
		return out
	}

	qty := budget / stop

	if m.cfg.MaxPositionSizeUSD > 0 && qty*sig.Entry > m.cfg.MaxPositionSizeUSD {
		qty = m.cfg.MaxPositionSizeUSD / sig.Entry
		out.Reason = "clamped to notional cap"
	}
	if m.cfg.MaxDepthFraction > 0 && depthUSD > 0 {
		if maxNotional := depthUSD * m.cfg.MaxDepthFraction; qty*sig.Entry > maxNotional {
			qty = maxNotional / sig.Entry
			out.Reason = "clamped to book depth"
		}
	}

	snapped := floorToLot(qty, inst.LotStep)
	if snapped != qty {
		out.PrecisionAdjusted = true
		qty = snapped
	}

	if qty <= 0 || (inst.MinQty > 0 && qty < inst.MinQty) {
		out.Quantity = 0
		out.Reason = "below venue min qty"
		return out
	}

	out.Quantity = qty
	out.NotionalUSD = qty * sig.Entry
	out.RiskUSD = qty * stop
	out.RiskR = out.RiskUSD / budget
	out.IsValid = true
	return out
}

// floorToLot floors qty to a multiple of step. Decimal arithmetic avoids
// the float drift that makes 0.29999999 out of 0.3.
func floorToLot(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	d := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	f, _ := d.Div(s).Floor().Mul(s).Float64()
	return f
}
