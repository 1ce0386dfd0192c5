// Package strategy turns scanned markets into trade signals. Two
// strategies run side by side: momentum enters on the breakout bar itself,
// retest enters on the pullback to a level that already broke. A shared
// validator records every predicate verdict to the diagnostics sink, so a
// rejected signal is as visible as an emitted one.
package strategy

import (
	"time"

	"github.com/rs/zerolog"

	"perp-breakout/internal/config"
	"perp-breakout/internal/diag"
	"perp-breakout/pkg/types"
)

// Generator evaluates both strategies against a scan result and emits at
// most one signal per symbol per cycle.
type Generator struct {
	preferred types.StrategyName
	momentum  *momentum
	retest    *retest
	history   *BreakoutHistory
	logger    zerolog.Logger
}

func NewGenerator(preset *config.Preset, history *BreakoutHistory, rec diag.Recorder, logger zerolog.Logger) *Generator {
	val := &validator{rec: rec}
	return &Generator{
		preferred: preset.StrategyPriority,
		momentum:  &momentum{cfg: preset.Signal, val: val},
		retest:    &retest{cfg: preset.Signal, history: history, val: val},
		history:   history,
		logger:    logger.With().Str("component", "strategy").Logger(),
	}
}

// History exposes the breakout deque so the position layer can record
// confirmed breakouts on fill.
func (g *Generator) History() *BreakoutHistory { return g.history }

// Generate runs the preferred strategy first and falls back to the other.
// If both fire, the higher confidence wins.
func (g *Generator) Generate(res types.ScanResult, activity float64, now time.Time) *types.Signal {
	if !res.PassedAllFilters {
		return nil
	}

	first, second := g.ordered()
	sig := first(res, activity, now)
	if alt := second(res, activity, now); alt != nil {
		if sig == nil || alt.Confidence > sig.Confidence {
			sig = alt
		}
	}
	if sig == nil {
		return nil
	}

	g.logger.Info().
		Str("symbol", sig.Symbol).
		Str("strategy", string(sig.Strategy)).
		Str("side", string(sig.Side)).
		Float64("entry", sig.Entry).
		Float64("sl", sig.SL).
		Float64("confidence", sig.Confidence).
		Msg("signal generated")
	return sig
}

type strategyFn func(types.ScanResult, float64, time.Time) *types.Signal

func (g *Generator) ordered() (strategyFn, strategyFn) {
	if g.preferred == types.StrategyRetest {
		return g.retest.signalFor, g.momentum.signalFor
	}
	return g.momentum.signalFor, g.retest.signalFor
}
