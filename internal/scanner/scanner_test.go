package scanner

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-breakout/internal/diag"
	"perp-breakout/pkg/types"
)

type captureSink struct {
	mu     sync.Mutex
	events []diag.Event
}

func (c *captureSink) Record(ev diag.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSink) Events() []diag.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]diag.Event, len(c.events))
	copy(out, c.events)
	return out
}

type memStub struct {
	pressured bool
	calls     int
}

func (m *memStub) UnderPressure() bool {
	m.calls++
	return m.pressured
}

func assertConjunction(t *testing.T, res types.ScanResult) {
	t.Helper()
	all := true
	for _, ok := range res.FilterResults {
		all = all && ok
	}
	assert.Equal(t, all, res.PassedAllFilters, res.Symbol)
}

func TestScanRanksAndTruncates(t *testing.T) {
	t.Parallel()

	p := testPreset()
	p.Scanner.MaxCandidates = 2
	s := New(p, nil, nil, zerolog.Nop())

	a := passingMarket()
	a.Symbol = "AAA-PERP"
	a.TradesPerMinute = 999
	b := passingMarket()
	b.Symbol = "BBB-PERP"
	b.TradesPerMinute = 9
	c := passingMarket()
	c.Symbol = "CCC-PERP"
	c.TradesPerMinute = 1
	d := passingMarket()
	d.Symbol = "DDD-PERP"
	d.Candles5m = nil

	res, err := s.Scan(context.Background(), []types.MarketData{d, c, b, a}, nil)
	require.NoError(t, err)
	require.Len(t, res, 2)

	assert.Equal(t, "AAA-PERP", res[0].Symbol)
	assert.Equal(t, 1, res[0].Rank)
	assert.Equal(t, "BBB-PERP", res[1].Symbol)
	assert.Equal(t, 2, res[1].Rank)
	assert.Greater(t, res[0].Score, res[1].Score)

	for _, r := range res {
		assert.True(t, r.PassedAllFilters, r.Symbol)
		assertConjunction(t, r)
	}
}

func TestScanEmptyCandlesRowStillEmitted(t *testing.T) {
	t.Parallel()

	p := testPreset()
	p.Scanner.MaxCandidates = 0
	sink := &captureSink{}
	s := New(p, nil, sink, zerolog.Nop())

	md := passingMarket()
	md.Candles5m = nil

	res, err := s.Scan(context.Background(), []types.MarketData{md}, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)

	r := res[0]
	assert.Zero(t, r.Score)
	assert.False(t, r.PassedAllFilters)
	assert.Equal(t, 1, r.Rank)
	assert.False(t, r.FilterResults["candles"])
	require.NotNil(t, r.Levels)
	assert.Empty(t, r.Levels)
	assertConjunction(t, r)

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "scanner", events[0].Component)
	assert.Equal(t, "filter:candles", events[0].Stage)
	assert.Equal(t, "no candles", events[0].Reason)
	require.NotNil(t, events[0].Passed)
	assert.False(t, *events[0].Passed)
}

func TestScanWhitelistBlacklist(t *testing.T) {
	t.Parallel()

	p := testPreset()
	p.Scanner.MaxCandidates = 0
	p.Scanner.SymbolWhitelist = []string{"AAA-PERP", "BBB-PERP"}
	p.Scanner.SymbolBlacklist = []string{"BBB-PERP"}
	s := New(p, nil, nil, zerolog.Nop())

	rows := make([]types.MarketData, 0, 3)
	for _, sym := range []string{"AAA-PERP", "BBB-PERP", "CCC-PERP"} {
		md := passingMarket()
		md.Symbol = sym
		rows = append(rows, md)
	}

	res, err := s.Scan(context.Background(), rows, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "AAA-PERP", res[0].Symbol)
}

func TestScanTopNByVolume(t *testing.T) {
	t.Parallel()

	p := testPreset()
	p.Scanner.MaxCandidates = 0
	p.Scanner.TopNByVolume = 2
	s := New(p, nil, nil, zerolog.Nop())

	vols := map[string]float64{"AAA-PERP": 30_000_000, "BBB-PERP": 10_000_000, "CCC-PERP": 20_000_000}
	rows := make([]types.MarketData, 0, len(vols))
	for sym, vol := range vols {
		md := passingMarket()
		md.Symbol = sym
		md.Volume24hUSD = vol
		rows = append(rows, md)
	}

	res, err := s.Scan(context.Background(), rows, nil)
	require.NoError(t, err)
	require.Len(t, res, 2)

	got := []string{res[0].Symbol, res[1].Symbol}
	assert.ElementsMatch(t, []string{"AAA-PERP", "CCC-PERP"}, got)
}

func TestScanCachesFilterAndScoreWork(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	s := New(testPreset(), nil, sink, zerolog.Nop())
	rows := []types.MarketData{passingMarket()}

	_, err := s.Scan(context.Background(), rows, nil)
	require.NoError(t, err)
	require.Len(t, sink.Events(), 10)
	for _, ev := range sink.Events() {
		assert.Equal(t, "scanner", ev.Component)
		assert.True(t, strings.HasPrefix(ev.Stage, "filter:"), ev.Stage)
		assert.Equal(t, "ETH-PERP", ev.Symbol)
		require.NotNil(t, ev.Passed)
		assert.True(t, *ev.Passed)
	}

	// Identical facts hit the caches: no new diagnostics.
	_, err = s.Scan(context.Background(), rows, nil)
	require.NoError(t, err)
	assert.Len(t, sink.Events(), 10)
	hits, _ := s.CacheStats()
	assert.GreaterOrEqual(t, hits, int64(2))

	// Expired filter entries are re-evaluated and re-recorded.
	s.filterCache.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = s.Scan(context.Background(), rows, nil)
	require.NoError(t, err)
	assert.Len(t, sink.Events(), 20)

	s.ClearCaches()
	_, err = s.Scan(context.Background(), rows, nil)
	require.NoError(t, err)
	assert.Len(t, sink.Events(), 30)
}

func TestScanMemoryPressureStillCoversUniverse(t *testing.T) {
	t.Parallel()

	p := testPreset()
	p.Scanner.MaxCandidates = 0
	p.Scanner.BatchSize = 4
	p.Scanner.BatchConcurrency = 1
	mem := &memStub{pressured: true}
	s := New(p, mem, nil, zerolog.Nop())

	rows := make([]types.MarketData, 0, 4)
	for _, sym := range []string{"AAA-PERP", "BBB-PERP", "CCC-PERP", "DDD-PERP"} {
		md := passingMarket()
		md.Symbol = sym
		rows = append(rows, md)
	}

	res, err := s.Scan(context.Background(), rows, nil)
	require.NoError(t, err)
	assert.Len(t, res, 4)
	assert.Equal(t, 1, mem.calls)
}

func TestScanCancelledContext(t *testing.T) {
	t.Parallel()

	s := New(testPreset(), nil, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := s.Scan(ctx, []types.MarketData{passingMarket()}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
}

func TestScanComputesBTCCorrelation(t *testing.T) {
	t.Parallel()

	p := testPreset()
	p.Scanner.MaxCandidates = 0
	s := New(p, nil, nil, zerolog.Nop())

	alternate := func(md *types.MarketData) {
		for i := range md.Candles5m {
			if i%2 == 1 {
				md.Candles5m[i].Close = 101
			}
		}
	}

	md := passingMarket()
	alternate(&md)
	btc := passingMarket()
	btc.Symbol = "BTC-PERP"
	alternate(&btc)

	res, err := s.Scan(context.Background(), []types.MarketData{md}, &btc)
	require.NoError(t, err)
	require.Len(t, res, 1)

	// Perfectly co-moving closes: correlation 1 overrides the stale field
	// and fails the filter.
	assert.InDelta(t, 1.0, res[0].Market.BTCCorrelation, 1e-9)
	assert.InDelta(t, 1.0, res[0].FilterDetails["correlation_limit"].Value, 1e-9)
	assert.False(t, res[0].FilterResults["correlation_limit"])
	assert.False(t, res[0].PassedAllFilters)

	// BTC itself keeps its collector-supplied correlation.
	res, err = s.Scan(context.Background(), []types.MarketData{btc}, &btc)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.InDelta(t, 0.3, res[0].FilterDetails["correlation_limit"].Value, 1e-9)
	assert.True(t, res[0].FilterResults["correlation_limit"])
}

func TestScanDetectsLevelsOnlyForPassedRows(t *testing.T) {
	t.Parallel()

	p := testPreset()
	p.Scanner.MaxCandidates = 0
	s := New(p, nil, nil, zerolog.Nop())

	md := passingMarket()
	md.Candles5m[10].High = 103
	md.Candles5m[20].High = 103.04

	res, err := s.Scan(context.Background(), []types.MarketData{md}, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.True(t, res[0].PassedAllFilters)
	require.Len(t, res[0].Levels, 1)

	lvl := res[0].Levels[0]
	assert.Equal(t, types.LevelResistance, lvl.Type)
	assert.Equal(t, 2, lvl.TouchCount)
	assert.InDelta(t, 103.02, lvl.Price, 1e-9)

	// The same structure on a failed row yields no levels.
	failed := passingMarket()
	failed.Symbol = "FLM-PERP"
	failed.Candles5m[10].High = 103
	failed.Candles5m[20].High = 103.04
	failed.Volume24hUSD = 1_000_000

	res, err = s.Scan(context.Background(), []types.MarketData{failed}, nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.False(t, res[0].PassedAllFilters)
	require.NotNil(t, res[0].Levels)
	assert.Empty(t, res[0].Levels)
}
