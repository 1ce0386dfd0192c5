// Package scanner screens and ranks the tradeable universe. Each cycle the
// engine hands it the collected MarketData rows; the scanner trims the
// universe, runs the liquidity / volatility / correlation filter groups,
// scores every row, detects levels for the rows that passed, and returns
// the ranked candidates.
package scanner

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"perp-breakout/internal/config"
	"perp-breakout/internal/diag"
	"perp-breakout/internal/market"
	"perp-breakout/pkg/types"
)

const (
	defaultBatchSize   = 20
	defaultConcurrency = 2

	filterCacheTTL = 60 * time.Second
	scoreCacheTTL  = 5 * time.Minute
	cacheSize      = 4096
)

// MemoryPressure reports whether the process is above its soft memory
// budget. The engine's resource monitor implements it; the scanner halves
// its batch size while pressure holds.
type MemoryPressure interface {
	UnderPressure() bool
}

// Scanner ranks markets for the strategy layer. Scan is synchronous; the
// engine owns the cadence.
type Scanner struct {
	cfg    config.ScannerConfig
	levels config.LevelsRules

	filters *filters
	scoring *scorer
	mem     MemoryPressure
	rec     diag.Recorder
	logger  zerolog.Logger

	whitelist map[string]struct{}
	blacklist map[string]struct{}

	filterCache *ttlCache[filterOutcome]
	scoreCache  *ttlCache[scoreOutcome]

	now func() time.Time
}

// New builds a Scanner from the preset. mem may be nil; rec may be nil, in
// which case diagnostics are discarded.
func New(p *config.Preset, mem MemoryPressure, rec diag.Recorder, logger zerolog.Logger) *Scanner {
	if rec == nil {
		rec = diag.NopSink{}
	}
	return &Scanner{
		cfg:         p.Scanner,
		levels:      p.LevelsRules,
		filters:     newFilters(p),
		scoring:     &scorer{weights: p.Scanner.Weights},
		mem:         mem,
		rec:         rec,
		logger:      logger.With().Str("component", "scanner").Logger(),
		whitelist:   toSet(p.Scanner.SymbolWhitelist),
		blacklist:   toSet(p.Scanner.SymbolBlacklist),
		filterCache: newTTLCache[filterOutcome](cacheSize, filterCacheTTL),
		scoreCache:  newTTLCache[scoreOutcome](cacheSize, scoreCacheTTL),
		now:         time.Now,
	}
}

// Scan runs one full cycle over rows. btc, when non-nil, supplies the
// reference candles for correlation. Results come back sorted by score
// descending, truncated to max_candidates, with Rank assigned 1..N after
// truncation.
func (s *Scanner) Scan(ctx context.Context, rows []types.MarketData, btc *types.MarketData) ([]types.ScanResult, error) {
	start := s.now()
	universe := s.universe(rows)
	if len(universe) == 0 {
		return nil, nil
	}

	batch := s.cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	if s.mem != nil && s.mem.UnderPressure() {
		batch = batch / 2
		if batch < 1 {
			batch = 1
		}
		s.logger.Warn().Int("batch_size", batch).Msg("memory pressure, halving scan batches")
	}
	conc := s.cfg.BatchConcurrency
	if conc <= 0 {
		conc = defaultConcurrency
	}

	results := make([]types.ScanResult, len(universe))
	sem := semaphore.NewWeighted(int64(conc))
	var wg sync.WaitGroup
	var acquireErr error
	for lo := 0; lo < len(universe); lo += batch {
		hi := lo + batch
		if hi > len(universe) {
			hi = len(universe)
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			acquireErr = err
			break
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			defer sem.Release(1)
			for i := lo; i < hi; i++ {
				results[i] = s.evaluate(universe[i], btc)
			}
		}(lo, hi)
	}
	wg.Wait()
	if acquireErr != nil {
		return nil, acquireErr
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if s.cfg.MaxCandidates > 0 && len(results) > s.cfg.MaxCandidates {
		results = results[:s.cfg.MaxCandidates]
	}
	passed := 0
	for i := range results {
		results[i].Rank = i + 1
		if results[i].PassedAllFilters {
			passed++
		}
	}

	s.logger.Info().
		Int("scanned", len(universe)).
		Int("kept", len(results)).
		Int("passed", passed).
		Dur("took", s.now().Sub(start)).
		Msg("scan cycle complete")
	return results, nil
}

// universe applies the whitelist, blacklist, and top-N-by-volume trim.
func (s *Scanner) universe(rows []types.MarketData) []types.MarketData {
	out := make([]types.MarketData, 0, len(rows))
	for _, md := range rows {
		if len(s.whitelist) > 0 {
			if _, ok := s.whitelist[md.Symbol]; !ok {
				continue
			}
		}
		if _, ok := s.blacklist[md.Symbol]; ok {
			continue
		}
		out = append(out, md)
	}
	if n := s.cfg.TopNByVolume; n > 0 && len(out) > n {
		sort.Slice(out, func(i, j int) bool { return out[i].Volume24hUSD > out[j].Volume24hUSD })
		out = out[:n]
	}
	return out
}

// evaluate produces one ScanResult. A row with no candles is still emitted
// (score 0, failed) so the symbol shows up in diagnostics.
func (s *Scanner) evaluate(md types.MarketData, btc *types.MarketData) types.ScanResult {
	if btc != nil && btc.Symbol != md.Symbol {
		if corr, ok := btcCorrelation(md, btc); ok {
			md.BTCCorrelation = corr
		}
	}

	res := types.ScanResult{
		Symbol:          md.Symbol,
		Market:          md,
		ScoreComponents: map[string]float64{},
		Levels:          []types.TradingLevel{},
		Ts:              s.now(),
	}

	if len(md.Candles5m) == 0 {
		res.FilterResults = map[string]bool{"candles": false}
		res.FilterDetails = map[string]types.FilterDetail{
			"candles": {Reason: "no candles"},
		}
		s.rec.Record(diag.Event{
			Component: "scanner",
			Stage:     "filter:candles",
			Symbol:    md.Symbol,
			Reason:    "no candles",
			Passed:    diag.Bool(false),
		})
		return res
	}

	key := factKey(md)

	fo, ok := s.filterCache.Get(key)
	if !ok {
		fo = s.filters.evaluate(md)
		s.filterCache.Put(key, fo)
		s.recordFilters(md.Symbol, fo)
	}
	res.FilterResults = fo.results
	res.FilterDetails = fo.details
	res.PassedAllFilters = fo.passed

	so, ok := s.scoreCache.Get(key)
	if !ok {
		so = s.scoring.score(md)
		s.scoreCache.Put(key, so)
	}
	res.Score = so.score
	res.ScoreComponents = so.components

	if fo.passed {
		if levels := market.DetectLevels(md.Candles5m, s.levels, md.TsMs); levels != nil {
			res.Levels = levels
		}
	}
	return res
}

func (s *Scanner) recordFilters(symbol string, fo filterOutcome) {
	for name, det := range fo.details {
		s.rec.Record(diag.Event{
			Component: "scanner",
			Stage:     "filter:" + name,
			Symbol:    symbol,
			Payload:   map[string]any{"value": det.Value, "threshold": det.Threshold},
			Reason:    det.Reason,
			Passed:    diag.Bool(det.Passed),
		})
	}
}

// btcCorrelation correlates the symbol's 5m close returns with BTC's over
// the overlapping tail of both series.
func btcCorrelation(md types.MarketData, btc *types.MarketData) (float64, bool) {
	n := len(md.Candles5m)
	if m := len(btc.Candles5m); m < n {
		n = m
	}
	if n < 3 {
		return 0, false
	}
	a := market.Returns(market.Closes(md.Candles5m[len(md.Candles5m)-n:]))
	b := market.Returns(market.Closes(btc.Candles5m[len(btc.Candles5m)-n:]))
	return market.Correlation(a, b), true
}

// factKey coarsely fingerprints the fields the filters and scorer read.
// Values are bucketed so tick jitter between cycles still hits the caches,
// and the last candle timestamp rolls the key on every closed bar.
func factKey(md types.MarketData) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%d|%d|%d|%d|%d",
		md.Symbol,
		int64(md.Price*100),
		int64(md.Volume24hUSD/100_000),
		int64(md.TradesPerMinute),
		int64(md.ATR15m*10_000),
		int64(md.BBWidthPct*100),
		int64(md.BTCCorrelation*100),
	)
	if n := len(md.Candles5m); n > 0 {
		fmt.Fprintf(h, "|%d|%d", n, md.Candles5m[n-1].TsMs)
	}
	if md.L2 != nil {
		fmt.Fprintf(h, "|%d", int64(md.L2.SpreadBps*10))
	}
	if md.OIUSD != nil {
		fmt.Fprintf(h, "|%d", int64(*md.OIUSD/100_000))
	}
	return h.Sum64()
}

// ClearCaches drops both caches. The engine calls this when trimming
// memory under pressure.
func (s *Scanner) ClearCaches() {
	s.filterCache.Purge()
	s.scoreCache.Purge()
}

// CacheStats reports combined hit and miss counts across both caches.
func (s *Scanner) CacheStats() (hits, misses int64) {
	fh, fm := s.filterCache.Stats()
	sh, sm := s.scoreCache.Stats()
	return fh + sh, fm + sm
}

func toSet(symbols []string) map[string]struct{} {
	if len(symbols) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		out[sym] = struct{}{}
	}
	return out
}
