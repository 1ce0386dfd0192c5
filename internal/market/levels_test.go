package market

import (
	"math"
	"strings"
	"testing"

	"perp-breakout/internal/config"
	"perp-breakout/pkg/types"
)

const barMs = int64(300_000)

func testLevelsConfig() config.LevelsRules {
	return config.LevelsRules{
		MinTouches:                  2,
		PreferRoundNumbers:          true,
		RoundStepCandidates:         []float64{1000, 500, 100, 50, 10, 5, 1, 0.5, 0.1, 0.05, 0.01},
		RoundDistancePct:            0.001,
		RoundBonus:                  0.15,
		CascadeMinLevels:            3,
		CascadeRadiusBps:            30,
		ToleranceATRFactor:          0.25,
		ApproachMaxSlopePct:         0.2,
		ApproachMinConsolidationBar: 3,
	}
}

// levelCandles builds 5m bars from a high series with a constant 0.6 range
// and mid-range closes.
func levelCandles(highs []float64) []types.Candle {
	out := make([]types.Candle, len(highs))
	for i, h := range highs {
		out[i] = types.Candle{
			TsMs:   tradeBase + int64(i)*barMs,
			Open:   h - 0.3,
			High:   h,
			Low:    h - 0.6,
			Close:  h - 0.3,
			Volume: 100,
		}
	}
	return out
}

func TestDetectLevelsClustersSwingHighs(t *testing.T) {
	t.Parallel()

	// Swing highs at bars 5 (100.00) and 12 (100.05); everything else is
	// dominated by a neighbour within two bars.
	highs := []float64{
		99, 99.2, 99.4, 99.6, 99.8, 100, 99.7, 99.4, 99.2, 99.0,
		99.3, 99.6, 100.05, 99.6, 99.3, 99.0, 98.8, 98.6, 98.5, 98.4,
	}
	candles := levelCandles(highs)
	nowMs := tradeBase + int64(len(highs))*barMs

	levels := DetectLevels(candles, testLevelsConfig(), nowMs)
	if len(levels) != 1 {
		t.Fatalf("levels = %+v, want exactly one cluster", levels)
	}

	lvl := levels[0]
	if lvl.Type != types.LevelResistance {
		t.Errorf("type = %s, want resistance", lvl.Type)
	}
	if lvl.TouchCount != 2 {
		t.Errorf("touch_count = %d, want 2", lvl.TouchCount)
	}
	if math.Abs(lvl.Price-100.025) > 1e-9 {
		t.Errorf("price = %v, want 100.025", lvl.Price)
	}
	if !lvl.IsRoundNumber || lvl.RoundBonus != 0.15 {
		t.Errorf("round = %v bonus %v, want round with bonus 0.15", lvl.IsRoundNumber, lvl.RoundBonus)
	}
	if lvl.FirstTouchMs != tradeBase+5*barMs || lvl.LastTouchMs != tradeBase+12*barMs {
		t.Errorf("touch span = [%d,%d], want bars 5 and 12", lvl.FirstTouchMs, lvl.LastTouchMs)
	}

	recency := 1 - float64(nowMs-lvl.LastTouchMs)/float64(nowMs-candles[0].TsMs)
	want := 0.6*0.25 + 0.4*recency + 0.15
	if math.Abs(lvl.Strength-want) > 1e-9 {
		t.Errorf("strength = %v, want %v", lvl.Strength, want)
	}
	if lvl.InCascade {
		t.Error("lone level flagged as cascade")
	}
}

func TestDetectLevelsShortInput(t *testing.T) {
	t.Parallel()
	if got := DetectLevels(levelCandles([]float64{100, 101}), testLevelsConfig(), tradeBase); got != nil {
		t.Errorf("levels = %+v, want nil for short input", got)
	}
}

func TestLevelStrengthMonotonic(t *testing.T) {
	t.Parallel()
	now, span := tradeBase+10*barMs, 10*barMs

	twoTouches := levelStrength(levelCluster{touches: 2, lastMs: tradeBase + 5*barMs}, now, span)
	fourTouches := levelStrength(levelCluster{touches: 4, lastMs: tradeBase + 5*barMs}, now, span)
	if fourTouches <= twoTouches {
		t.Errorf("strength not monotonic in touches: 4=%v, 2=%v", fourTouches, twoTouches)
	}

	recent := levelStrength(levelCluster{touches: 2, lastMs: tradeBase + 9*barMs}, now, span)
	stale := levelStrength(levelCluster{touches: 2, lastMs: tradeBase + 1*barMs}, now, span)
	if recent <= stale {
		t.Errorf("strength not monotonic in recency: recent=%v, stale=%v", recent, stale)
	}
}

func TestClusterSwings(t *testing.T) {
	t.Parallel()
	points := []swingPoint{
		{price: 100, tsMs: 1}, {price: 105, tsMs: 2}, {price: 100.1, tsMs: 3},
	}

	clusters := clusterSwings(points, 0.2)
	if len(clusters) != 2 {
		t.Fatalf("clusters = %+v, want 2", clusters)
	}
	if clusters[0].touches != 2 || math.Abs(clusters[0].price()-100.05) > 1e-9 {
		t.Errorf("first cluster = %+v, want 2 touches at 100.05", clusters[0])
	}
	if clusters[0].firstMs != 1 || clusters[0].lastMs != 3 {
		t.Errorf("cluster span = [%d,%d], want [1,3]", clusters[0].firstMs, clusters[0].lastMs)
	}
}

func TestRoundNumberBonus(t *testing.T) {
	t.Parallel()
	cfg := testLevelsConfig()

	tests := []struct {
		price float64
		round bool
	}{
		{50_000, true},  // exact thousand step
		{50_020, true},  // within 0.1% of 50000
		{100.025, true}, // near 100.0
		{97.33, false},
		{0, false},
	}
	for _, tt := range tests {
		got, _ := roundNumberBonus(tt.price, cfg)
		if got != tt.round {
			t.Errorf("roundNumberBonus(%v) = %v, want %v", tt.price, got, tt.round)
		}
	}

	cfg.PreferRoundNumbers = false
	if got, _ := roundNumberBonus(50_000, cfg); got {
		t.Error("bonus applied with prefer_round_numbers disabled")
	}
}

func TestMarkCascades(t *testing.T) {
	t.Parallel()
	levels := []types.TradingLevel{
		{Price: 100.00}, {Price: 100.10}, {Price: 100.25}, {Price: 105},
	}

	markCascades(levels, testLevelsConfig())

	for i := 0; i < 3; i++ {
		if !levels[i].InCascade || levels[i].CascadeSize != 3 {
			t.Errorf("level %v: cascade = %v size %d, want true size 3",
				levels[i].Price, levels[i].InCascade, levels[i].CascadeSize)
		}
	}
	if levels[3].InCascade {
		t.Error("isolated level flagged as cascade")
	}
}

func TestAssessApproachValid(t *testing.T) {
	t.Parallel()

	flat := make([]types.Candle, 6)
	for i := range flat {
		flat[i] = types.Candle{
			TsMs: tradeBase + int64(i)*barMs,
			Open: 100, High: 100.05, Low: 99.95, Close: 100, Volume: 10,
		}
	}

	q := AssessApproach(flat, testLevelsConfig())
	if !q.Valid {
		t.Fatalf("flat approach invalid: %+v", q)
	}
	if q.SlopePctPerBar != 0 {
		t.Errorf("slope = %v, want 0", q.SlopePctPerBar)
	}
	if q.ConsolidationBars != 6 {
		t.Errorf("consolidation_bars = %d, want 6", q.ConsolidationBars)
	}
}

func TestAssessApproachSteepSlope(t *testing.T) {
	t.Parallel()

	ramp := make([]types.Candle, 6)
	for i := range ramp {
		c := 100 + 1.2*float64(i)
		ramp[i] = types.Candle{
			TsMs: tradeBase + int64(i)*barMs,
			Open: c - 0.5, High: c + 0.2, Low: c - 0.7, Close: c, Volume: 10,
		}
	}

	q := AssessApproach(ramp, testLevelsConfig())
	if q.Valid {
		t.Fatal("steep ramp validated")
	}
	if !strings.Contains(q.Reason, "slope") {
		t.Errorf("reason = %q, want slope complaint", q.Reason)
	}
}

func TestAssessApproachNeedsConsolidation(t *testing.T) {
	t.Parallel()

	bars := make([]types.Candle, 6)
	for i := range bars {
		bars[i] = types.Candle{
			TsMs: tradeBase + int64(i)*barMs,
			Open: 100, High: 100.05, Low: 99.95, Close: 100, Volume: 10,
		}
	}
	// Wide final bar breaks the trailing consolidation run.
	bars[5].High, bars[5].Low = 102.5, 97.5

	q := AssessApproach(bars, testLevelsConfig())
	if q.Valid {
		t.Fatal("approach with a wide last bar validated")
	}
	if q.ConsolidationBars != 0 {
		t.Errorf("consolidation_bars = %d, want 0", q.ConsolidationBars)
	}
	if !strings.Contains(q.Reason, "consolidation") {
		t.Errorf("reason = %q, want consolidation complaint", q.Reason)
	}
}

func TestAssessApproachShortInput(t *testing.T) {
	t.Parallel()
	q := AssessApproach([]types.Candle{{Close: 100}}, testLevelsConfig())
	if q.Valid || q.Reason != "insufficient bars" {
		t.Errorf("short input = %+v, want invalid with reason", q)
	}
}
