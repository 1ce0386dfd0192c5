package position

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-breakout/internal/config"
	"perp-breakout/pkg/types"
)

var trackerT0 = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

func posCfg() config.PositionConfig {
	return config.PositionConfig{
		TPLevels: []config.TPLevelConfig{
			{LevelName: "tp1", RewardMultiple: 1.5, SizePct: 0.5, PlacementMode: types.PlacementFixed},
			{LevelName: "tp2", RewardMultiple: 3.0, SizePct: 0.5, PlacementMode: types.PlacementFixed},
		},
		BreakevenTriggerR:   1.0,
		BreakevenBufferBps:  5,
		TrailingActivationR: 2.0,
		TrailingStepBps:     50,
		MaxHoldTimeHours:    24,
	}
}

func fsmCfg() config.FSMConfig {
	return config.FSMConfig{Enabled: true, EntryConfirmBars: 2, EntryMaxSlippageBps: 30}
}

// openPos builds a tracked position with its fixed ladder already resolved.
func openPos(side types.PositionSide, entry, sl float64, state State, cfg config.PositionConfig) types.Position {
	return types.Position{
		ID:            "pos-1",
		Symbol:        "SOL-PERP",
		Side:          side,
		Strategy:      types.StrategyMomentum,
		Qty:           10,
		InitialQty:    10,
		Entry:         entry,
		SL:            sl,
		BreakoutLevel: entry - (entry-sl)*side.Sign()*0.2,
		TPLevels:      BuildLadder(cfg.TPLevels, config.SmartPlacementConfig{}, entry, sl, side, LadderContext{}),
		Status:        types.PositionOpen,
		HighestSeen:   entry,
		LowestSeen:    entry,
		OpenedAt:      trackerT0,
		FSMState:      string(state),
	}
}

func runningTracker(side types.PositionSide, entry, sl float64) *Tracker {
	cfg := posCfg()
	return newTracker(openPos(side, entry, sl, StateRunning, cfg), cfg, fsmCfg(), types.SignalMeta{ATR: 0.1}, 0)
}

func hasTransition(res AdvanceResult, from, to State) bool {
	for _, tr := range res.Transitions {
		if tr.From == from && tr.To == to {
			return true
		}
	}
	return false
}

func TestEntryConfirmPromotesToRunning(t *testing.T) {
	t.Parallel()

	cfg := posCfg()
	tr := newTracker(openPos(types.SideLong, 100, 99, StateEntryConfirm, cfg), cfg, fsmCfg(), types.SignalMeta{}, 10)

	res := tr.Advance(100.2, trackerT0.Add(1*time.Minute))
	assert.Empty(t, res.Transitions)
	assert.Equal(t, string(StateEntryConfirm), tr.Position().FSMState)

	res = tr.Advance(100.2, trackerT0.Add(10*time.Minute))
	require.True(t, hasTransition(res, StateEntryConfirm, StateRunning))
	assert.Equal(t, string(StateRunning), tr.Position().FSMState)
}

func TestEntryConfirmAbortsOnSlippage(t *testing.T) {
	t.Parallel()

	cfg := posCfg()
	tr := newTracker(openPos(types.SideLong, 100, 99, StateEntryConfirm, cfg), cfg, fsmCfg(), types.SignalMeta{}, 45)

	res := tr.Advance(100.2, trackerT0.Add(1*time.Minute))
	require.True(t, hasTransition(res, StateEntryConfirm, StateExiting))
	require.Len(t, res.Actions, 1)
	assert.Equal(t, ActionFullClose, res.Actions[0].Kind)
	assert.InDelta(t, 10.0, res.Actions[0].Qty, 1e-12)
	assert.True(t, strings.Contains(tr.ExitReason(), "slippage"))
}

func TestStopHonoredDuringEntryConfirm(t *testing.T) {
	t.Parallel()

	cfg := posCfg()
	tr := newTracker(openPos(types.SideLong, 100, 99, StateEntryConfirm, cfg), cfg, fsmCfg(), types.SignalMeta{}, 5)

	res := tr.Advance(98.9, trackerT0.Add(1*time.Minute))
	require.True(t, hasTransition(res, StateEntryConfirm, StateExiting))
	require.Len(t, res.Actions, 1)
	assert.Equal(t, "sl_hit", tr.ExitReason())
}

func TestBreakevenMoveLong(t *testing.T) {
	t.Parallel()

	tr := runningTracker(types.SideLong, 100, 99)
	res := tr.Advance(101.0, trackerT0.Add(5*time.Minute))

	require.True(t, hasTransition(res, StateRunning, StateBreakeven))
	// Entry shifted up by the 5 bps buffer.
	assert.InDelta(t, 100.05, tr.Position().SL, 1e-9)
	assert.Empty(t, res.Actions)
}

func TestBreakevenMoveShort(t *testing.T) {
	t.Parallel()

	tr := runningTracker(types.SideShort, 100, 101)
	res := tr.Advance(99.0, trackerT0.Add(5*time.Minute))

	require.True(t, hasTransition(res, StateRunning, StateBreakeven))
	assert.InDelta(t, 99.95, tr.Position().SL, 1e-9)
}

// The full profitable walk: breakeven, TP1 partial, trailing activation,
// ratchet, and the trailing stop finally taking the remainder out.
func TestLadderTrailingWalk(t *testing.T) {
	t.Parallel()

	tr := runningTracker(types.SideLong, 100, 99)

	res := tr.Advance(100.5, trackerT0.Add(5*time.Minute))
	assert.Empty(t, res.Transitions)
	assert.Empty(t, res.Actions)

	// 1R: breakeven move, no TP yet.
	res = tr.Advance(101.0, trackerT0.Add(10*time.Minute))
	require.True(t, hasTransition(res, StateRunning, StateBreakeven))

	// TP1 at 1.5R triggers half the book.
	res = tr.Advance(101.5, trackerT0.Add(15*time.Minute))
	require.True(t, hasTransition(res, StateBreakeven, StatePartialClosed))
	require.Len(t, res.Actions, 1)
	act := res.Actions[0]
	assert.Equal(t, ActionPartialClose, act.Kind)
	assert.Equal(t, "tp1", act.TPName)
	assert.InDelta(t, 5.0, act.Qty, 1e-12)

	closed, _ := tr.BookClose(act.Qty, 101.5, 0.5, trackerT0.Add(15*time.Minute))
	require.False(t, closed)
	pos := tr.Position()
	assert.InDelta(t, 5.0, pos.Qty, 1e-12)
	assert.Equal(t, types.PositionPartial, pos.Status)
	assert.InDelta(t, 7.0, pos.RealizedPnL, 1e-9) // (101.5−100)·5 − 0.5

	// 2R activates trailing; the stop ratchets under the high.
	res = tr.Advance(102.0, trackerT0.Add(20*time.Minute))
	require.True(t, hasTransition(res, StatePartialClosed, StateTrailing))
	assert.InDelta(t, 102.0*(1-0.005), tr.Position().SL, 1e-9)

	res = tr.Advance(102.8, trackerT0.Add(25*time.Minute))
	assert.Empty(t, res.Actions)
	assert.InDelta(t, 102.8*(1-0.005), tr.Position().SL, 1e-9)

	// Pullback through the trailed stop closes the remainder.
	res = tr.Advance(102.2, trackerT0.Add(30*time.Minute))
	require.True(t, hasTransition(res, StateTrailing, StateExiting))
	require.Len(t, res.Actions, 1)
	assert.Equal(t, ActionFullClose, res.Actions[0].Kind)
	assert.InDelta(t, 5.0, res.Actions[0].Qty, 1e-12)
	assert.Equal(t, "sl_hit", tr.ExitReason())

	closed, res2 := tr.BookClose(5.0, 102.2, 0.5, trackerT0.Add(30*time.Minute))
	require.True(t, closed)
	require.True(t, hasTransition(res2, StateExiting, StateClosed))
	pos = tr.Position()
	assert.Equal(t, types.PositionClosed, pos.Status)
	assert.Zero(t, pos.Qty)
	require.NotNil(t, pos.ClosedAt)
	// 7.0 + (102.2−100)·5 − 0.5
	assert.InDelta(t, 17.5, pos.RealizedPnL, 1e-9)
}

// The trailing stop never moves away from price.
func TestTrailingStopOnlyRatchets(t *testing.T) {
	t.Parallel()

	cfg := posCfg()
	pos := openPos(types.SideLong, 100, 99, StateTrailing, cfg)
	pos.HighestSeen = 103
	pos.SL = 102.485
	tr := newTracker(pos, cfg, fsmCfg(), types.SignalMeta{}, 0)

	tr.Advance(102.6, trackerT0.Add(40*time.Minute))
	assert.InDelta(t, 102.485, tr.Position().SL, 1e-9, "stop must not loosen on a pullback")
}

// A gap through every rung in one tick closes exactly the position, not
// more: the final full close excludes quantity already claimed by partials.
func TestFinalTPGapClosesWholeLadderOnce(t *testing.T) {
	t.Parallel()

	tr := runningTracker(types.SideLong, 100, 99)

	res := tr.Advance(103.5, trackerT0.Add(5*time.Minute))
	require.True(t, hasTransition(res, StateRunning, StateBreakeven))
	require.True(t, hasTransition(res, StateBreakeven, StatePartialClosed))
	require.True(t, hasTransition(res, StatePartialClosed, StateExiting))
	require.Len(t, res.Actions, 2)

	assert.Equal(t, ActionPartialClose, res.Actions[0].Kind)
	assert.InDelta(t, 5.0, res.Actions[0].Qty, 1e-12)
	assert.Equal(t, ActionFullClose, res.Actions[1].Kind)
	assert.InDelta(t, 5.0, res.Actions[1].Qty, 1e-12)
	assert.Equal(t, "tp_ladder_complete", tr.ExitReason())

	closed, _ := tr.BookClose(res.Actions[0].Qty, 103.5, 0.4, trackerT0.Add(5*time.Minute))
	require.False(t, closed)
	closed, _ = tr.BookClose(res.Actions[1].Qty, 103.5, 0.4, trackerT0.Add(5*time.Minute))
	require.True(t, closed)
	assert.InDelta(t, 35.0-0.8, tr.Position().RealizedPnL, 1e-9)
}

func TestShortStopAndUnrealized(t *testing.T) {
	t.Parallel()

	tr := runningTracker(types.SideShort, 100, 101)

	res := tr.Advance(99.5, trackerT0.Add(5*time.Minute))
	assert.Empty(t, res.Actions)
	assert.InDelta(t, 0.5, tr.Position().UnrealizedR, 1e-9)

	res = tr.Advance(101.1, trackerT0.Add(10*time.Minute))
	require.True(t, hasTransition(res, StateRunning, StateExiting))
	assert.Equal(t, "sl_hit", tr.ExitReason())
}

// Breakeven must not redefine the R unit: after the stop moves to entry,
// R multiples still measure against the entry-time stop distance.
func TestRUnitFrozenAfterBreakeven(t *testing.T) {
	t.Parallel()

	tr := runningTracker(types.SideLong, 100, 99)

	tr.Advance(101.0, trackerT0.Add(5*time.Minute)) // breakeven, SL→100.05
	res := tr.Advance(101.5, trackerT0.Add(10*time.Minute))
	require.Len(t, res.Actions, 1)
	tr.BookClose(res.Actions[0].Qty, 101.5, 0, trackerT0.Add(10*time.Minute))

	// 1.8R on the frozen unit, under the 2.0R trailing trigger. With R
	// re-derived from the moved stop this would read 36R and activate
	// trailing far too early.
	res = tr.Advance(101.8, trackerT0.Add(15*time.Minute))
	assert.False(t, hasTransition(res, StatePartialClosed, StateTrailing))
	assert.Equal(t, string(StatePartialClosed), tr.Position().FSMState)
	assert.InDelta(t, 1.8, tr.Position().UnrealizedR, 1e-9)

	res = tr.Advance(102.0, trackerT0.Add(20*time.Minute))
	require.True(t, hasTransition(res, StatePartialClosed, StateTrailing))
}

func TestAdvanceInertStates(t *testing.T) {
	t.Parallel()

	cfg := posCfg()
	for _, st := range []State{StatePending, StateExiting, StateClosed} {
		tr := newTracker(openPos(types.SideLong, 100, 99, st, cfg), cfg, fsmCfg(), types.SignalMeta{}, 0)
		res := tr.Advance(101, trackerT0.Add(5*time.Minute))
		assert.Empty(t, res.Transitions, "state %s", st)
		assert.Empty(t, res.Actions, "state %s", st)
	}
}

func TestRequestExitIdempotent(t *testing.T) {
	t.Parallel()

	tr := runningTracker(types.SideLong, 100, 99)

	act, ok := tr.RequestExit("max_hold_time")
	require.True(t, ok)
	assert.Equal(t, ActionFullClose, act.Kind)
	assert.InDelta(t, 10.0, act.Qty, 1e-12)

	_, ok = tr.RequestExit("max_hold_time")
	assert.False(t, ok, "second exit request must be refused")
}

func TestBookCloseClampsOverfill(t *testing.T) {
	t.Parallel()

	tr := runningTracker(types.SideLong, 100, 99)
	closed, _ := tr.BookClose(25, 101, 0, trackerT0.Add(5*time.Minute))

	require.True(t, closed)
	pos := tr.Position()
	assert.Zero(t, pos.Qty)
	// Fill booked for the 10 actually held, not the requested 25.
	assert.InDelta(t, 10.0, pos.RealizedPnL, 1e-9)
}
