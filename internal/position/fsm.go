// Package position owns the life of a trade after risk approves it: the
// per-position state machine, the take-profit ladder, the rule-driven
// early exits, and the pre-entry validator.
//
// Each open position has a Tracker whose transitions run under its own
// mutex, so state changes are serialised per position id. The tracker
// never talks to the venue; it returns actions (partial close, full close)
// and the manager executes them.
package position

import (
	"fmt"
	"sync"
	"time"

	"perp-breakout/internal/config"
	"perp-breakout/pkg/types"
)

// barInterval is the working timeframe bar; bar counts since entry derive
// from wall-clock elapsed over this interval.
const barInterval = 5 * time.Minute

// State is the fine-grained FSM state stored in Position.FSMState.
type State string

const (
	StatePending       State = "pending"
	StateEntryConfirm  State = "entry_confirm"
	StateRunning       State = "running"
	StateBreakeven     State = "breakeven"
	StatePartialClosed State = "partial_closed"
	StateTrailing      State = "trailing"
	StateExiting       State = "exiting"
	StateClosed        State = "closed"
)

// ActionKind tells the manager what the venue must do after a tick.
type ActionKind int

const (
	ActionPartialClose ActionKind = iota + 1
	ActionFullClose
)

// Action is an order intent produced by a tracker transition.
type Action struct {
	Kind   ActionKind
	Qty    float64
	TPName string
	Reason string
}

// Transition records one FSM edge for diagnostics.
type Transition struct {
	From   State
	To     State
	Reason string
}

// AdvanceResult is everything one price tick produced.
type AdvanceResult struct {
	Transitions []Transition
	Actions     []Action
}

// Tracker drives a single position's state machine.
type Tracker struct {
	mu  sync.Mutex
	pos types.Position

	cfg  config.PositionConfig
	fsm  config.FSMConfig
	meta types.SignalMeta

	// initialR freezes the 1R distance at entry. Breakeven and trailing
	// move pos.SL, so R math must not re-derive from the live stop.
	initialR     float64
	entrySlipBps float64
	exitReason   string
}

func newTracker(pos types.Position, cfg config.PositionConfig, fsm config.FSMConfig, meta types.SignalMeta, entrySlipBps float64) *Tracker {
	return &Tracker{pos: pos, cfg: cfg, fsm: fsm, meta: meta, initialR: pos.R(), entrySlipBps: entrySlipBps}
}

// Meta returns the signal context frozen at entry.
func (t *Tracker) Meta() types.SignalMeta {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.meta
}

// InitialR returns the entry-time 1R price distance.
func (t *Tracker) InitialR() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialR
}

// RefreshLadder re-places untriggered adaptive rungs against fresh market
// state, under the tracker lock.
func (t *Tracker) RefreshLadder(sp config.SmartPlacementConfig, lctx LadderContext) {
	t.mu.Lock()
	defer t.mu.Unlock()
	RefreshUntriggered(t.pos.TPLevels, sp, t.pos.Entry, t.initialR, t.pos.Side, lctx)
}

// priceR converts price into multiples of the entry-time R.
func (t *Tracker) priceR(price float64) float64 {
	if t.initialR <= 0 {
		return 0
	}
	return (price - t.pos.Entry) * t.pos.Side.Sign() / t.initialR
}

// Position returns a copy of the tracked position.
func (t *Tracker) Position() types.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos
}

func (t *Tracker) state() State { return State(t.pos.FSMState) }

func (t *Tracker) to(s State, reason string, res *AdvanceResult) {
	res.Transitions = append(res.Transitions, Transition{From: t.state(), To: s, Reason: reason})
	t.pos.FSMState = string(s)
}

// barsSinceEntry converts elapsed wall time into completed working-TF bars.
func (t *Tracker) barsSinceEntry(now time.Time) int {
	if now.Before(t.pos.OpenedAt) {
		return 0
	}
	return int(now.Sub(t.pos.OpenedAt) / barInterval)
}

// Advance applies one price observation: extremes, stop checks, breakeven
// and trailing moves, TP triggers. Returned actions still need execution;
// the tracker marks TPs and the exit reason but quantities only change in
// BookClose once fills come back.
func (t *Tracker) Advance(price float64, now time.Time) AdvanceResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res AdvanceResult
	st := t.state()
	if price <= 0 || st == StateExiting || st == StateClosed || st == StatePending {
		return res
	}

	if price > t.pos.HighestSeen {
		t.pos.HighestSeen = price
	}
	if t.pos.LowestSeen == 0 || price < t.pos.LowestSeen {
		t.pos.LowestSeen = price
	}
	t.pos.UnrealizedR = t.priceR(price)

	if t.state() == StateEntryConfirm {
		if t.fsm.EntryMaxSlippageBps > 0 && t.entrySlipBps > t.fsm.EntryMaxSlippageBps {
			t.beginExitLocked(fmt.Sprintf("entry slippage %.1f bps over limit", t.entrySlipBps), &res)
			return res
		}
		if t.barsSinceEntry(now) >= t.fsm.EntryConfirmBars {
			t.to(StateRunning, "entry confirmed", &res)
		}
	}

	// The stop is honoured in every live state, entry confirmation included.
	if t.stopTouched(price) {
		t.beginExitLocked("sl_hit", &res)
		return res
	}

	if t.state() == StateEntryConfirm {
		return res
	}

	priceR := t.priceR(price)

	if t.state() == StateRunning && t.cfg.BreakevenTriggerR > 0 && priceR >= t.cfg.BreakevenTriggerR {
		t.pos.SL = t.breakevenStop()
		t.to(StateBreakeven, fmt.Sprintf("%.2fR reached", priceR), &res)
	}

	if t.checkTPs(price, &res) {
		return res
	}

	if t.state() == StatePartialClosed && t.cfg.TrailingActivationR > 0 && priceR >= t.cfg.TrailingActivationR {
		t.to(StateTrailing, fmt.Sprintf("%.2fR reached", priceR), &res)
	}

	if t.state() == StateTrailing {
		t.ratchetTrailingStop()
	}

	return res
}

// RequestExit moves the position to exiting on an external decision (exit
// rule, operator command, emergency) and returns the close action. A
// second request while already exiting returns false.
func (t *Tracker) RequestExit(reason string) (Action, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state()
	if st == StateExiting || st == StateClosed {
		return Action{}, false
	}
	var res AdvanceResult
	t.beginExitLocked(reason, &res)
	if len(res.Actions) == 0 {
		return Action{}, false
	}
	return res.Actions[0], true
}

// BookClose books an executed (partial or full) close fill: realised PnL,
// remaining quantity, and the closed transition when nothing remains.
func (t *Tracker) BookClose(qty, fillPrice, feesUSD float64, now time.Time) (closed bool, res AdvanceResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if qty <= 0 {
		return false, res
	}
	if qty > t.pos.Qty {
		qty = t.pos.Qty
	}
	t.pos.RealizedPnL += (fillPrice-t.pos.Entry)*qty*t.pos.Side.Sign() - feesUSD
	t.pos.Qty -= qty

	if t.pos.Qty <= 1e-12 {
		t.pos.Qty = 0
		t.pos.Status = types.PositionClosed
		t.pos.UnrealizedR = 0
		closedAt := now
		t.pos.ClosedAt = &closedAt
		t.to(StateClosed, t.exitReason, &res)
		return true, res
	}
	t.pos.Status = types.PositionPartial
	return false, res
}

// ExitReason returns what sent the position into exiting.
func (t *Tracker) ExitReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitReason
}

// beginExitLocked transitions into exiting and emits the close-remaining
// action. Caller holds the lock.
func (t *Tracker) beginExitLocked(reason string, res *AdvanceResult) {
	t.exitReason = reason
	t.to(StateExiting, reason, res)
	if t.pos.Qty > 0 {
		res.Actions = append(res.Actions, Action{Kind: ActionFullClose, Qty: t.pos.Qty, Reason: reason})
	}
}

func (t *Tracker) stopTouched(price float64) bool {
	if t.pos.SL <= 0 {
		return false
	}
	if t.pos.Side == types.SideLong {
		return price <= t.pos.SL
	}
	return price >= t.pos.SL
}

// breakevenStop is entry shifted a buffer into profit, so a round trip
// back to entry still closes flat-positive.
func (t *Tracker) breakevenStop() float64 {
	buf := t.cfg.BreakevenBufferBps / 10_000
	if t.pos.Side == types.SideLong {
		return t.pos.Entry * (1 + buf)
	}
	return t.pos.Entry * (1 - buf)
}

// checkTPs triggers every untriggered rung the price has reached, in
// ladder order. The final rung closes the whole remainder and reports
// true so the caller stops managing. When a gap trips several rungs in
// one tick, quantity already claimed by earlier rungs is excluded from
// the final close.
func (t *Tracker) checkTPs(price float64, res *AdvanceResult) bool {
	claimed := 0.0
	for i := range t.pos.TPLevels {
		tp := &t.pos.TPLevels[i]
		if tp.Triggered || tp.Price <= 0 {
			continue
		}
		hit := (t.pos.Side == types.SideLong && price >= tp.Price) ||
			(t.pos.Side == types.SideShort && price <= tp.Price)
		if !hit {
			return false
		}
		tp.Triggered = true

		if i == len(t.pos.TPLevels)-1 {
			t.exitReason = "tp_ladder_complete"
			t.to(StateExiting, t.exitReason, res)
			if rem := t.pos.Qty - claimed; rem > 0 {
				res.Actions = append(res.Actions, Action{Kind: ActionFullClose, Qty: rem, Reason: t.exitReason})
			}
			return true
		}

		qty := tp.SizePct * t.pos.InitialQty
		if qty > t.pos.Qty-claimed {
			qty = t.pos.Qty - claimed
		}
		if qty > 0 {
			claimed += qty
			res.Actions = append(res.Actions, Action{Kind: ActionPartialClose, Qty: qty, TPName: tp.Name, Reason: "tp_hit"})
		}
		if st := t.state(); st == StateRunning || st == StateBreakeven {
			t.to(StatePartialClosed, tp.Name+" filled", res)
		}
	}
	return false
}

// ratchetTrailingStop moves the stop toward price, never away from it.
func (t *Tracker) ratchetTrailingStop() {
	step := t.cfg.TrailingStepBps / 10_000
	if t.pos.Side == types.SideLong {
		if cand := t.pos.HighestSeen * (1 - step); cand > t.pos.SL {
			t.pos.SL = cand
		}
		return
	}
	if cand := t.pos.LowestSeen * (1 + step); t.pos.SL == 0 || cand < t.pos.SL {
		t.pos.SL = cand
	}
}
