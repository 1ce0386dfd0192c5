package position

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-breakout/internal/config"
	"perp-breakout/pkg/types"
)

func smartCfg() config.SmartPlacementConfig {
	return config.SmartPlacementConfig{
		MaxAdjustmentBps:     20,
		DensityZoneBufferBps: 1,
		SRLevelBufferBps:     10,
		AdaptiveVolFactor:    0.5,
	}
}

func askWall(price float64) types.Density {
	return types.Density{Symbol: "SOL-PERP", Side: types.AskSide, Price: price, Size: 5000}
}

func TestBuildLadderFixed(t *testing.T) {
	t.Parallel()

	rungs := []config.TPLevelConfig{
		{LevelName: "tp1", RewardMultiple: 1.0, SizePct: 0.4, PlacementMode: types.PlacementFixed},
		{LevelName: "tp2", RewardMultiple: 2.0, SizePct: 0.3, PlacementMode: types.PlacementFixed},
		{LevelName: "tp3", RewardMultiple: 3.5, SizePct: 0.3, PlacementMode: types.PlacementFixed},
	}

	long := BuildLadder(rungs, smartCfg(), 100, 99, types.SideLong, LadderContext{})
	require.Len(t, long, 3)
	assert.InDelta(t, 101.0, long[0].Price, 1e-9)
	assert.InDelta(t, 102.0, long[1].Price, 1e-9)
	assert.InDelta(t, 103.5, long[2].Price, 1e-9)

	short := BuildLadder(rungs, smartCfg(), 100, 101, types.SideShort, LadderContext{})
	assert.InDelta(t, 99.0, short[0].Price, 1e-9)
	assert.InDelta(t, 98.0, short[1].Price, 1e-9)
	assert.InDelta(t, 96.5, short[2].Price, 1e-9)
}

// A cluster of ask walls at 100.90–101.00 merges into one obstacle zone;
// the first target lands just under it, within the adjustment budget. The
// rungs beyond the zone stay put.
func TestSmartPlacementAvoidsDensityZone(t *testing.T) {
	t.Parallel()

	rungs := []config.TPLevelConfig{
		{LevelName: "tp1", RewardMultiple: 1.0, SizePct: 0.4, PlacementMode: types.PlacementSmart},
		{LevelName: "tp2", RewardMultiple: 2.0, SizePct: 0.3, PlacementMode: types.PlacementSmart},
		{LevelName: "tp3", RewardMultiple: 3.5, SizePct: 0.3, PlacementMode: types.PlacementSmart},
	}
	lctx := LadderContext{
		Densities: []types.Density{askWall(100.90), askWall(100.95), askWall(101.00)},
	}

	tps := BuildLadder(rungs, smartCfg(), 100, 99, types.SideLong, lctx)
	require.Len(t, tps, 3)

	// Just under the wall at 100.90 minus its buffer.
	assert.InDelta(t, 100.8899, tps[0].Price, 1e-3)
	assert.Less(t, tps[0].Price, 100.90)
	assert.Greater(t, tps[0].Price, 100.0)
	assert.LessOrEqual(t, math.Abs(101.0-tps[0].Price), 101.0*20/10_000+1e-9,
		"adjustment must stay within max_adjustment_bps")

	assert.InDelta(t, 102.0, tps[1].Price, 1e-9)
	assert.InDelta(t, 103.5, tps[2].Price, 1e-9)
}

func TestSmartPlacementAvoidsSRLevel(t *testing.T) {
	t.Parallel()

	rungs := []config.TPLevelConfig{
		{LevelName: "tp", RewardMultiple: 2.0, SizePct: 1, PlacementMode: types.PlacementSmart},
	}
	lctx := LadderContext{
		Levels: []types.TradingLevel{{Price: 102.0, Type: types.LevelResistance, TouchCount: 3}},
	}

	tps := BuildLadder(rungs, smartCfg(), 100, 99, types.SideLong, lctx)
	// Resistance at 102 with a 10 bps buffer pushes the target under it.
	assert.InDelta(t, 102.0*(1-0.001), tps[0].Price, 1e-6)
}

func TestSmartPlacementShortUsesBidWalls(t *testing.T) {
	t.Parallel()

	rungs := []config.TPLevelConfig{
		{LevelName: "tp", RewardMultiple: 1.5, SizePct: 1, PlacementMode: types.PlacementSmart},
	}
	lctx := LadderContext{
		Densities: []types.Density{
			{Symbol: "SOL-PERP", Side: types.BidSide, Price: 98.5, Size: 5000},
			// An ask wall is irrelevant to a short's exit path.
			askWall(98.5),
		},
	}

	tps := BuildLadder(rungs, smartCfg(), 100, 101, types.SideShort, lctx)
	// Short exits sit above the obstacle: 98.5 plus its buffer.
	assert.InDelta(t, 98.5*(1+1.0/10_000), tps[0].Price, 1e-6)
	assert.Greater(t, tps[0].Price, 98.5)
	assert.Less(t, tps[0].Price, 100.0)
}

// An obstacle that cannot be cleared within budget leaves the target at
// the budget edge rather than surrendering the profit side of entry.
func TestSmartPlacementBudgetEdge(t *testing.T) {
	t.Parallel()

	rungs := []config.TPLevelConfig{
		{LevelName: "tp", RewardMultiple: 1.0, SizePct: 1, PlacementMode: types.PlacementSmart},
	}
	sp := smartCfg()
	sp.DensityZoneBufferBps = 100 // zone [100.0, 102.02] swallows the target
	lctx := LadderContext{Densities: []types.Density{askWall(101.0)}}

	tps := BuildLadder(rungs, sp, 100, 99, types.SideLong, lctx)
	// Budget edge: 101 − 101·20bps.
	assert.InDelta(t, 101.0-101.0*0.002, tps[0].Price, 1e-9)
}

func TestAdaptivePlacementWidensWithVolatility(t *testing.T) {
	t.Parallel()

	rungs := []config.TPLevelConfig{
		{LevelName: "tp", RewardMultiple: 2.0, SizePct: 1, PlacementMode: types.PlacementAdaptive},
	}

	// ATR grew 1.5x since entry: scale = 1 + 0.5·0.5 = 1.25.
	tps := BuildLadder(rungs, smartCfg(), 100, 99, types.SideLong,
		LadderContext{EntryATR: 0.10, CurrentATR: 0.15})
	assert.InDelta(t, 102.5, tps[0].Price, 1e-9)

	// Scale is capped regardless of how far volatility ran.
	tps = BuildLadder(rungs, smartCfg(), 100, 99, types.SideLong,
		LadderContext{EntryATR: 0.10, CurrentATR: 0.50})
	assert.InDelta(t, 103.0, tps[0].Price, 1e-9)

	// Contracting volatility never tightens the ladder.
	tps = BuildLadder(rungs, smartCfg(), 100, 99, types.SideLong,
		LadderContext{EntryATR: 0.10, CurrentATR: 0.05})
	assert.InDelta(t, 102.0, tps[0].Price, 1e-9)
}

func TestSnapToRoundStaysConservative(t *testing.T) {
	t.Parallel()

	rungs := []config.TPLevelConfig{
		{LevelName: "tp", RewardMultiple: 1.0, SizePct: 1, PlacementMode: types.PlacementSmart},
	}
	sp := smartCfg()
	sp.SnapToRound = true
	sp.MaxAdjustmentBps = 30
	lctx := LadderContext{RoundSteps: []float64{0.25}}

	// 101.13 floors to 101.00 for a long: fills before the crowd's order.
	tps := BuildLadder(rungs, sp, 100, 98.87, types.SideLong, lctx)
	assert.InDelta(t, 101.0, tps[0].Price, 1e-9)

	// Snapping that would cross entry or blow the budget is skipped.
	tpsTight := BuildLadder(rungs, sp, 100, 99.9, types.SideLong, lctx)
	assert.InDelta(t, 100.1, tpsTight[0].Price, 1e-9)
}

func TestRefreshUntriggeredOnlyMovesAdaptive(t *testing.T) {
	t.Parallel()

	rungs := []config.TPLevelConfig{
		{LevelName: "tp1", RewardMultiple: 1.0, SizePct: 0.4, PlacementMode: types.PlacementFixed},
		{LevelName: "tp2", RewardMultiple: 2.0, SizePct: 0.3, PlacementMode: types.PlacementAdaptive},
		{LevelName: "tp3", RewardMultiple: 3.5, SizePct: 0.3, PlacementMode: types.PlacementAdaptive},
	}
	tps := BuildLadder(rungs, smartCfg(), 100, 99, types.SideLong,
		LadderContext{EntryATR: 0.10, CurrentATR: 0.10})
	require.InDelta(t, 102.0, tps[1].Price, 1e-9)
	tps[2].Triggered = true
	frozen := tps[2].Price

	RefreshUntriggered(tps, smartCfg(), 100, 1.0, types.SideLong,
		LadderContext{EntryATR: 0.10, CurrentATR: 0.15})

	assert.InDelta(t, 101.0, tps[0].Price, 1e-9, "fixed rung must not move")
	assert.InDelta(t, 102.5, tps[1].Price, 1e-9, "adaptive rung follows volatility")
	assert.InDelta(t, frozen, tps[2].Price, 1e-9, "triggered rung is immutable")
}
