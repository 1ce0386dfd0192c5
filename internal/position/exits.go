package position

import (
	"fmt"
	"math"
	"time"

	"perp-breakout/internal/config"
	"perp-breakout/pkg/types"
)

// ExitUrgency orders exit signals; higher values pre-empt lower ones.
type ExitUrgency int

const (
	UrgencyLow ExitUrgency = iota
	UrgencyNormal
	UrgencyImmediate
)

func (u ExitUrgency) String() string {
	switch u {
	case UrgencyImmediate:
		return "immediate"
	case UrgencyNormal:
		return "normal"
	default:
		return "low"
	}
}

// ExitSignal is one rule's verdict that the position should close early.
type ExitSignal struct {
	Rule       string      `json:"rule"`
	Urgency    ExitUrgency `json:"urgency"`
	Confidence float64     `json:"confidence"`
	Reason     string      `json:"reason"`
}

// ExitContext is the fresh market state the rules read. Candles are the
// symbol's working-TF bars including the current one. InitialR is the 1R
// distance frozen at entry; the live stop moves and must not redefine R.
type ExitContext struct {
	Price    float64
	Candles  []types.Candle
	InitialR float64
	Now      time.Time
}

// exitRules evaluates the togglable early-exit rules against an open
// position and picks the strongest verdict.
type exitRules struct {
	cfg          config.ExitRulesConfig
	maxHoldHours float64
}

// Check runs every enabled rule and returns the highest-urgency signal,
// confidence breaking ties. Nil means hold.
func (e *exitRules) Check(pos *types.Position, meta types.SignalMeta, ctx ExitContext) *ExitSignal {
	bars := int(ctx.Now.Sub(pos.OpenedAt) / barInterval)

	var best *ExitSignal
	consider := func(sig *ExitSignal) {
		if sig == nil {
			return
		}
		if best == nil || sig.Urgency > best.Urgency ||
			(sig.Urgency == best.Urgency && sig.Confidence > best.Confidence) {
			best = sig
		}
	}

	consider(e.failedBreakout(pos, ctx, bars))
	consider(e.activityDrop(meta, ctx, bars))
	consider(e.weakImpulse(pos, bars))
	consider(e.maxHoldTime(pos, ctx.Now))
	consider(e.timeStop(pos, ctx))
	return best
}

// failedBreakout fires when, after the grace bars, price closes back
// across the level the position broke out of.
func (e *exitRules) failedBreakout(pos *types.Position, ctx ExitContext, bars int) *ExitSignal {
	if !e.cfg.FailedBreakoutEnabled || pos.BreakoutLevel <= 0 || len(ctx.Candles) == 0 {
		return nil
	}
	if bars < e.cfg.FailedBreakoutBars {
		return nil
	}
	lastClose := ctx.Candles[len(ctx.Candles)-1].Close
	recrossed := (pos.Side == types.SideLong && lastClose <= pos.BreakoutLevel) ||
		(pos.Side == types.SideShort && lastClose >= pos.BreakoutLevel)
	if !recrossed {
		return nil
	}
	return &ExitSignal{
		Rule:       "failed_breakout",
		Urgency:    UrgencyImmediate,
		Confidence: 1,
		Reason:     fmt.Sprintf("close %.6g back across level %.6g after %d bars", lastClose, pos.BreakoutLevel, bars),
	}
}

// activityDrop fires when volume or momentum has decayed against the
// pre-entry baseline. A zero baseline produces no signal rather than a
// division.
func (e *exitRules) activityDrop(meta types.SignalMeta, ctx ExitContext, bars int) *ExitSignal {
	if !e.cfg.ActivityDropEnabled || bars < e.cfg.ActivityDropWindowBars {
		return nil
	}
	if meta.AvgVolume <= 0 || meta.AvgMomentum <= 0 {
		return nil
	}
	threshold := e.cfg.ActivityDropThreshold
	if threshold <= 0 {
		return nil
	}

	volRatio := lastBarVolume(ctx.Candles) / meta.AvgVolume
	momRatio := lastBarMomentum(ctx.Candles) / meta.AvgMomentum
	worst := math.Min(volRatio, momRatio)
	if worst >= threshold {
		return nil
	}
	return &ExitSignal{
		Rule:       "activity_drop",
		Urgency:    UrgencyNormal,
		Confidence: clamp01((threshold - worst) / threshold),
		Reason:     fmt.Sprintf("volume ratio %.2f, momentum ratio %.2f below %.2f", volRatio, momRatio, threshold),
	}
}

// weakImpulse fires when the move never went anywhere: max favourable
// excursion as a percentage of entry under the minimum after the check
// window.
func (e *exitRules) weakImpulse(pos *types.Position, bars int) *ExitSignal {
	if !e.cfg.WeakImpulseEnabled || bars < e.cfg.WeakImpulseCheckBars || pos.Entry <= 0 {
		return nil
	}
	mfePct := pos.FavorableExcursion() / pos.Entry * 100
	minPct := e.cfg.WeakImpulseMinMovePct
	if minPct <= 0 || mfePct >= minPct {
		return nil
	}
	return &ExitSignal{
		Rule:       "weak_impulse",
		Urgency:    UrgencyNormal,
		Confidence: clamp01((minPct - mfePct) / minPct),
		Reason:     fmt.Sprintf("MFE %.3f%% under %.3f%% after %d bars", mfePct, minPct, bars),
	}
}

func (e *exitRules) maxHoldTime(pos *types.Position, now time.Time) *ExitSignal {
	if !e.cfg.MaxHoldTimeEnabled || e.maxHoldHours <= 0 {
		return nil
	}
	elapsed := now.Sub(pos.OpenedAt)
	if elapsed < time.Duration(e.maxHoldHours*float64(time.Hour)) {
		return nil
	}
	return &ExitSignal{
		Rule:       "max_hold_time",
		Urgency:    UrgencyNormal,
		Confidence: 1,
		Reason:     fmt.Sprintf("held %s, limit %.1fh", elapsed.Round(time.Minute), e.maxHoldHours),
	}
}

// timeStop fires on positions still under water after the grace period.
func (e *exitRules) timeStop(pos *types.Position, ctx ExitContext) *ExitSignal {
	if !e.cfg.TimeStopEnabled || e.cfg.TimeStopMinutes <= 0 {
		return nil
	}
	elapsed := ctx.Now.Sub(pos.OpenedAt)
	if elapsed < time.Duration(e.cfg.TimeStopMinutes*float64(time.Minute)) {
		return nil
	}
	if ctx.InitialR <= 0 {
		return nil
	}
	r := (ctx.Price - pos.Entry) * pos.Side.Sign() / ctx.InitialR
	if r > 0 {
		return nil
	}
	return &ExitSignal{
		Rule:       "time_stop",
		Urgency:    UrgencyLow,
		Confidence: clamp01(0.5 - r),
		Reason:     fmt.Sprintf("flat to negative (%.2fR) after %s", r, elapsed.Round(time.Minute)),
	}
}

func lastBarVolume(candles []types.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	return candles[len(candles)-1].Volume
}

// lastBarMomentum is the absolute close-to-close return of the last bar.
func lastBarMomentum(candles []types.Candle) float64 {
	n := len(candles)
	if n < 2 || candles[n-2].Close == 0 {
		return 0
	}
	return math.Abs(candles[n-1].Close-candles[n-2].Close) / candles[n-2].Close
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
