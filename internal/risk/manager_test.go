package risk

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-breakout/internal/config"
	"perp-breakout/pkg/types"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		RiskPerTrade:           0.01,
		MaxConcurrentPositions: 3,
		DailyRiskLimit:         0.02,
		KillSwitchLossLimit:    0.05,
		CorrelationLimit:       0.8,
		MaxPositionSizeUSD:     50_000,
		MaxDepthFraction:       0.25,
		DepthRangeBps:          20,
	}
}

func testSignal() *types.Signal {
	return &types.Signal{
		Symbol:     "SOL-PERP",
		Side:       types.SideLong,
		Strategy:   types.StrategyMomentum,
		Entry:      100,
		Level:      99.8,
		SL:         99,
		Confidence: 0.8,
	}
}

func testInstrument() types.Instrument {
	return types.Instrument{Symbol: "SOL-PERP", TickSize: 0.01, LotStep: 0.01, MinQty: 0.01}
}

func newTestManager() *Manager {
	return NewManager(testRiskConfig(), 20_000, nil, zerolog.Nop())
}

func TestSizePositionRiskBudget(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	size := m.SizePosition(testSignal(), 20_000, 200_000, testInstrument())

	require.True(t, size.IsValid, size.Reason)
	// budget = 20000 · 0.01 = 200; stop = 1 → qty 200.
	assert.InDelta(t, 200.0, size.Quantity, 1e-9)
	assert.InDelta(t, 20_000.0, size.NotionalUSD, 1e-9)
	assert.InDelta(t, 200.0, size.RiskUSD, 1e-9)
	assert.InDelta(t, 1.0, size.RiskR, 1e-9)
	assert.InDelta(t, 1.0, size.StopDistance, 1e-9)
	assert.False(t, size.PrecisionAdjusted)
}

func TestSizePositionNotionalClamp(t *testing.T) {
	t.Parallel()

	m := NewManager(config.RiskConfig{RiskPerTrade: 0.01, MaxPositionSizeUSD: 5_000}, 20_000, nil, zerolog.Nop())
	size := m.SizePosition(testSignal(), 20_000, 0, testInstrument())

	require.True(t, size.IsValid)
	assert.InDelta(t, 50.0, size.Quantity, 1e-9)
	assert.InDelta(t, 5_000.0, size.NotionalUSD, 1e-9)
	assert.Equal(t, "clamped to notional cap", size.Reason)
	assert.Less(t, size.RiskR, 1.0)
}

func TestSizePositionDepthClamp(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	// 25% of 10k depth = 2.5k notional → qty 25.
	size := m.SizePosition(testSignal(), 20_000, 10_000, testInstrument())

	require.True(t, size.IsValid)
	assert.InDelta(t, 25.0, size.Quantity, 1e-9)
	assert.Equal(t, "clamped to book depth", size.Reason)
}

func TestSizePositionLotRounding(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	sig := testSignal()
	sig.SL = 99.4 // stop 0.6 → raw qty 333.333…

	size := m.SizePosition(sig, 20_000, 0, testInstrument())
	require.True(t, size.IsValid)
	assert.True(t, size.PrecisionAdjusted)
	assert.InDelta(t, 333.33, size.Quantity, 1e-9)

	// Floored to the lot step, never up.
	steps := size.Quantity / 0.01
	assert.InDelta(t, math.Round(steps), steps, 1e-6)
}

func TestSizePositionInvalid(t *testing.T) {
	t.Parallel()

	m := newTestManager()

	sig := testSignal()
	sig.SL = sig.Entry
	size := m.SizePosition(sig, 20_000, 0, testInstrument())
	assert.False(t, size.IsValid)
	assert.Equal(t, "zero stop distance", size.Reason)

	// Budget too small for the venue min qty.
	sig = testSignal()
	inst := testInstrument()
	inst.MinQty = 500
	size = m.SizePosition(sig, 20_000, 0, inst)
	assert.False(t, size.IsValid)
	assert.Equal(t, "below venue min qty", size.Reason)
	assert.Zero(t, size.Quantity)
}

func TestSizingNeverExceedsRiskBudget(t *testing.T) {
	t.Parallel()

	const equity = 20_000.0
	m := newTestManager()
	budget := equity * testRiskConfig().RiskPerTrade

	cases := []struct {
		entry, sl, lot float64
	}{
		{100, 99, 0.01},
		{0.5, 0.47, 1},
		{27_350, 27_000, 0.001},
		{3.33, 3.21, 0.1},
		{1.0007, 0.9871, 0.001},
		{42_000, 41_987.5, 0.0001},
	}
	for _, tc := range cases {
		sig := testSignal()
		sig.Entry, sig.SL = tc.entry, tc.sl
		size := m.SizePosition(sig, equity, 0, types.Instrument{LotStep: tc.lot})
		if !size.IsValid {
			continue
		}
		got := math.Abs(size.Quantity * (sig.Entry - sig.SL))
		assert.LessOrEqual(t, got, budget*(1+1e-9), "entry=%v sl=%v lot=%v", tc.entry, tc.sl, tc.lot)
	}
}

func TestEvaluateApprovesAndTracksBasket(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	v := m.EvaluateSignalRisk(testSignal(), 0.3, 0, 200_000, testInstrument(), now)
	require.True(t, v.Approved, v.Reason)
	assert.True(t, v.PositionSize.IsValid)
	assert.InDelta(t, 200.0, v.PositionSize.Quantity, 1e-9)

	snap := m.GetSnapshot()
	assert.Equal(t, []string{"SOL-PERP"}, snap.OpenSymbols)
}

func TestEvaluateConcurrentCap(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	v := m.EvaluateSignalRisk(testSignal(), 0.3, 3, 200_000, testInstrument(), now)
	assert.False(t, v.Approved)
	assert.Contains(t, v.Reason, "concurrent position cap")
}

func TestEvaluateCorrelationCap(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// Candidate alone over the limit.
	v := m.EvaluateSignalRisk(testSignal(), 0.9, 0, 200_000, testInstrument(), now)
	assert.False(t, v.Approved)
	assert.Contains(t, v.Reason, "correlation")

	// 0.7 alone passes; a 0.95 candidate pushes the basket mean to 0.825.
	v = m.EvaluateSignalRisk(testSignal(), 0.7, 0, 200_000, testInstrument(), now)
	require.True(t, v.Approved, v.Reason)

	second := testSignal()
	second.Symbol = "AVAX-PERP"
	v = m.EvaluateSignalRisk(second, 0.95, 1, 200_000, testInstrument(), now)
	assert.False(t, v.Approved)

	// Closing the first frees nothing for a 0.95 candidate on its own.
	m.PositionClosed("SOL-PERP")
	v = m.EvaluateSignalRisk(second, 0.95, 0, 200_000, testInstrument(), now)
	assert.False(t, v.Approved)

	v = m.EvaluateSignalRisk(second, 0.75, 0, 200_000, testInstrument(), now)
	assert.True(t, v.Approved, v.Reason)
}

func TestEvaluateDailyCap(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// Daily limit 0.02 · 20000 = 400.
	m.RecordRealized("SOL-PERP", -400, -2, now)

	v := m.EvaluateSignalRisk(testSignal(), 0.3, 0, 200_000, testInstrument(), now)
	assert.False(t, v.Approved)
	assert.Contains(t, v.Reason, "daily")

	// The daily cap alone never latches the kill switch.
	st := m.CheckRiskLimits(now)
	assert.False(t, st.KillSwitchTriggered)
	assert.Equal(t, "daily_limit", st.OverallStatus)

	// Next UTC day the counters reset and signals flow again.
	v = m.EvaluateSignalRisk(testSignal(), 0.3, 0, 200_000, testInstrument(), now.Add(24*time.Hour))
	assert.True(t, v.Approved, v.Reason)
}

func TestKillSwitchLatches(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// Loss of 6% of session-start equity against a 5% limit.
	m.RecordRealized("SOL-PERP", -0.06*20_000, -6, now)

	st := m.CheckRiskLimits(now)
	assert.True(t, st.KillSwitchTriggered)
	assert.Equal(t, "kill_switch", st.OverallStatus)
	assert.True(t, m.KillSwitchActive())

	// Latching: every subsequent signal is refused, and the latch survives
	// both repeated checks and the UTC day roll.
	for i := 0; i < 3; i++ {
		v := m.EvaluateSignalRisk(testSignal(), 0.3, 0, 200_000, testInstrument(), now)
		assert.False(t, v.Approved)
		assert.Contains(t, v.Reason, "kill switch")
	}
	st = m.CheckRiskLimits(now.Add(24 * time.Hour))
	assert.True(t, st.KillSwitchTriggered)

	v := m.EvaluateSignalRisk(testSignal(), 0.3, 0, 200_000, testInstrument(), now.Add(24*time.Hour))
	assert.False(t, v.Approved)
}

func TestKillSwitchClearsOnlyByRetry(t *testing.T) {
	t.Parallel()

	m := newTestManager()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	m.RecordRealized("SOL-PERP", -1_200, -6, now)
	m.CheckRiskLimits(now)
	require.True(t, m.KillSwitchActive())

	assert.True(t, m.Retry())
	assert.False(t, m.KillSwitchActive())
	assert.False(t, m.Retry(), "second retry is a no-op")

	// After retry (and a fresh day), trading resumes.
	next := now.Add(24 * time.Hour)
	v := m.EvaluateSignalRisk(testSignal(), 0.3, 0, 200_000, testInstrument(), next)
	assert.True(t, v.Approved, v.Reason)
}
