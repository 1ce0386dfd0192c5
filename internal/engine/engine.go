// Package engine is the orchestra: the top-level state machine that drives
// the trading cycle and routes operator commands.
//
// It wires together all subsystems:
//
//  1. The venue client (REST) and the public WebSocket feed.
//  2. Market state: order-book mirrors, trade windows, density tracking,
//     and the per-symbol activity index, all fed from the stream pumps.
//  3. The scanner filters and ranks the candidate universe each cycle.
//  4. The signal generator turns passing scan rows into entry signals,
//     the risk manager gates and sizes them, and the position manager
//     executes and babysits the resulting positions.
//  5. A resource monitor samples the process and can demote the orchestra
//     to PAUSED under sustained memory pressure.
//
// Lifecycle: New() → Start() → [runs until command or signal] → Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"perp-breakout/internal/api"
	"perp-breakout/internal/config"
	"perp-breakout/internal/diag"
	"perp-breakout/internal/exchange"
	"perp-breakout/internal/market"
	"perp-breakout/internal/position"
	"perp-breakout/internal/risk"
	"perp-breakout/internal/scanner"
	"perp-breakout/internal/store"
	"perp-breakout/internal/strategy"
	"perp-breakout/pkg/types"
)

// Engine orchestrates all components of the trading system. It owns the
// lifecycle of every goroutine and is the single writer of the top-level
// state.
type Engine struct {
	cfg    *config.Config
	preset *config.Preset

	client *exchange.Client
	feed   *exchange.WSFeed
	trader exchange.Trader
	paper  *exchange.Paper // nil in live mode

	books    *market.BookManager
	trades   *market.TradeTracker
	density  *market.DensityDetector
	activity *market.ActivityTracker

	scanner   *scanner.Scanner
	generator *strategy.Generator
	risk      *risk.Manager
	positions *position.Manager
	store     *store.Store
	sink      *diag.FileSink
	monitor   *ResourceMonitor
	metrics   *Metrics

	sessionID string
	logger    zerolog.Logger

	cmdCh    chan Command
	events   chan api.StreamEvent
	stopCh   chan struct{}
	loopDone chan struct{}
	bgDone   chan struct{}
	stopOnce sync.Once
	cancelBg context.CancelFunc

	// Loop-owned fields. Nothing outside runLoop touches them.
	resumeTo   State
	delay      time.Duration
	errRetries int

	// Shared with the control plane, guarded by mu.
	mu        sync.RWMutex
	state     State
	lastError string
	lastScan  api.ScanSummary
	startedAt time.Time
}

// New creates and wires all engine components. It performs one REST
// round-trip to learn the starting balance, so the venue must be
// reachable (paper mode answers from the simulated wallet).
func New(cfg *config.Config, preset *config.Preset, logger zerolog.Logger) (*Engine, error) {
	sessionID := uuid.NewString()
	logger = logger.With().Str("session_id", sessionID).Logger()

	sink, err := diag.NewFileSink(cfg.Diagnostics.Dir, sessionID, logger)
	if err != nil {
		return nil, fmt.Errorf("open diagnostics sink: %w", err)
	}

	client := exchange.NewClient(cfg.Venue, logger)
	feed := exchange.NewWSFeed(cfg.Venue.WSPublicURL, logger)

	books := market.NewBookManager()
	trades := market.NewTradeTracker()
	density := market.NewDensityDetector(preset.Density, logger)
	activity := market.NewActivityTracker(preset.Activity, logger)

	trader, paper := exchange.NewTrader(cfg, client, books.Mid, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	bal, err := trader.Balance(ctx)
	if err != nil {
		sink.Close()
		return nil, fmt.Errorf("fetch starting balance: %w", err)
	}
	logger.Info().Str("currency", bal.Currency).Float64("total", bal.Total).Msg("starting equity")

	riskMgr := risk.NewManager(preset.Risk, bal.Total, sink, logger)
	history := strategy.NewBreakoutHistory()
	generator := strategy.NewGenerator(preset, history, sink, logger)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		sink.Close()
		return nil, err
	}

	positions := position.NewManager(preset, trader, riskMgr, history, st, sink, logger)

	// The monitor's shed hook targets the scanner caches, but the scanner
	// wants the monitor as its pressure source. Close over the variable to
	// break the cycle.
	var scn *scanner.Scanner
	monitor := NewResourceMonitor(cfg.Engine, cfg.Diagnostics.Dir, func() {
		if scn != nil {
			scn.ClearCaches()
		}
	}, logger)
	scn = scanner.New(preset, monitor, sink, logger)

	metrics := newMetrics()
	metrics.registerRuntime(monitor, scn.CacheStats, feed.Dropped)

	e := &Engine{
		cfg:       cfg,
		preset:    preset,
		client:    client,
		feed:      feed,
		trader:    trader,
		paper:     paper,
		books:     books,
		trades:    trades,
		density:   density,
		activity:  activity,
		scanner:   scn,
		generator: generator,
		risk:      riskMgr,
		positions: positions,
		store:     st,
		sink:      sink,
		monitor:   monitor,
		metrics:   metrics,
		sessionID: sessionID,
		logger:    logger.With().Str("component", "engine").Logger(),
		cmdCh:     make(chan Command, 16),
		events:    make(chan api.StreamEvent, 256),
		stopCh:    make(chan struct{}),
		loopDone:  make(chan struct{}),
		bgDone:    make(chan struct{}),
		state:     StateInitializing,
		delay:     cfg.Engine.CycleDelayMin,
	}
	metrics.setState("", StateInitializing)
	return e, nil
}

// Start launches the stream pumps, the resource monitor, and the orchestra
// loop. It does not block.
func (e *Engine) Start() error {
	bgCtx, cancel := context.WithCancel(context.Background())
	e.cancelBg = cancel

	e.mu.Lock()
	e.startedAt = time.Now().UTC()
	e.mu.Unlock()

	g, ctx := errgroup.WithContext(bgCtx)
	g.Go(func() error { return e.feed.Run(ctx) })
	g.Go(func() error { e.client.Run(ctx); return nil })
	g.Go(func() error { return e.monitor.Run(ctx) })
	g.Go(func() error { return e.pumpTrades(ctx) })
	g.Go(func() error { return e.pumpBooks(ctx) })
	g.Go(func() error { return e.pumpOrders(ctx) })
	g.Go(func() error { return e.pumpDensityEvents(ctx) })

	go func() {
		defer close(e.bgDone)
		if err := g.Wait(); err != nil && bgCtx.Err() == nil {
			e.logger.Error().Err(err).Msg("background task failed")
		}
	}()

	go e.runLoop(ctx)

	e.logger.Info().
		Str("mode", string(e.cfg.Mode)).
		Str("preset", e.preset.Name).
		Str("diagnostics", e.sink.Path()).
		Msg("engine started")
	return nil
}

// Stop gracefully shuts the engine down: the orchestra loop first (10s
// grace so an in-flight cycle can finish), then the background tasks (5s
// join), then the file handles. Idempotent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.logger.Info().Msg("shutting down...")
		close(e.stopCh)

		select {
		case <-e.loopDone:
		case <-time.After(10 * time.Second):
			e.logger.Warn().Msg("orchestra loop did not stop within 10s, cancelling")
		}

		if e.cancelBg != nil {
			e.cancelBg()
			select {
			case <-e.bgDone:
			case <-time.After(5 * time.Second):
				e.logger.Warn().Msg("background tasks did not stop within 5s")
			}
		}

		e.feed.Close()
		e.sink.Close()
		e.store.Close()
		e.logger.Info().Msg("shutdown complete")
	})
}

// Done is closed when the orchestra loop has exited, whether through Stop,
// a stop command, or a fatal error.
func (e *Engine) Done() <-chan struct{} {
	return e.loopDone
}

// Events is the stream the control plane's websocket hub broadcasts from.
func (e *Engine) Events() <-chan api.StreamEvent {
	return e.events
}

// MetricsHandler serves this engine's metric registry.
func (e *Engine) MetricsHandler() http.Handler {
	return e.metrics.Handler()
}

// pumpTrades feeds the rolling trade windows and the activity index from
// the public trade stream.
func (e *Engine) pumpTrades(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-e.feed.TradeEvents():
			e.trades.Append(evt.Symbol, evt.Trades)
			if m, ok := e.trades.Metrics(evt.Symbol); ok {
				e.activity.Update(m)
			}
		}
	}
}

// pumpBooks applies depth events to the book mirrors, forces a resync on
// sequence gaps, and fans fresh snapshots out to the density detector and
// the paper simulator.
func (e *Engine) pumpBooks(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-e.feed.BookEvents():
			if err := e.books.Apply(evt); err != nil {
				if errors.Is(err, market.ErrSequenceGap) {
					e.logger.Warn().Str("symbol", evt.Symbol).Msg("book sequence gap, resyncing")
					if rerr := e.feed.Resync(evt.Symbol); rerr != nil {
						e.logger.Error().Err(rerr).Str("symbol", evt.Symbol).Msg("resync failed")
					}
				} else {
					e.logger.Error().Err(err).Str("symbol", evt.Symbol).Msg("book apply failed")
				}
				continue
			}

			snap, ok := e.books.Snapshot(evt.Symbol)
			if !ok {
				continue
			}
			var tick float64
			if inst, ok := e.client.Instrument(evt.Symbol); ok {
				tick = inst.TickSize
			}
			e.density.Update(snap, tick)

			if e.paper != nil {
				if mid, ok := e.books.Mid(evt.Symbol); ok {
					e.paper.MarkPrice(evt.Symbol, mid)
				}
			}
		}
	}
}

// pumpOrders routes venue order updates into the position manager so
// asynchronous fills get booked against the right position.
func (e *Engine) pumpOrders(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ord := <-e.trader.OrderUpdates():
			e.positions.HandleOrderUpdate(ord, time.Now().UTC())
		}
	}
}

// pumpDensityEvents drains density appear/eaten events into diagnostics.
func (e *Engine) pumpDensityEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-e.density.Events():
			e.sink.Record(diag.Event{
				Component: "density",
				Stage:     string(evt.Type),
				Symbol:    evt.Density.Symbol,
				Payload: map[string]any{
					"price":       evt.Density.Price,
					"side":        string(evt.Density.Side),
					"size":        evt.Density.Size,
					"eaten_ratio": evt.Density.EatenRatio,
				},
			})
		}
	}
}

// State returns the orchestra's current state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// setState moves the orchestra to a new state and records the transition
// everywhere it is observable: log, diagnostics, metrics, event stream.
// Only the run loop calls it.
func (e *Engine) setState(to State, reason string) {
	e.mu.Lock()
	from := e.state
	if from == to {
		e.mu.Unlock()
		return
	}
	e.state = to
	e.mu.Unlock()

	e.metrics.setState(from, to)
	e.logger.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("state transition")
	e.sink.Record(diag.Event{
		Component: "engine",
		Stage:     "transition",
		Reason:    reason,
		Payload:   map[string]any{"from": string(from), "to": string(to)},
	})
	e.emit(api.NewTransitionEvent(string(from), string(to), reason))
}

// setLastError records the most recent cycle failure for /health.
func (e *Engine) setLastError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.lastError = err.Error()
	} else {
		e.lastError = ""
	}
}

// emit pushes an event onto the stream feed, dropping when nobody keeps up.
func (e *Engine) emit(evt api.StreamEvent) {
	select {
	case e.events <- evt:
	default:
	}
}

// Health implements api.Controller.
func (e *Engine) Health() api.HealthStatus {
	e.mu.RLock()
	state := e.state
	lastErr := e.lastError
	started := e.startedAt
	e.mu.RUnlock()

	var uptime float64
	if !started.IsZero() {
		uptime = time.Since(started).Seconds()
	}
	return api.HealthStatus{
		State:            string(state),
		SessionID:        e.sessionID,
		KillSwitchActive: e.risk.KillSwitchActive(),
		LastError:        lastErr,
		OpenPositions:    e.positions.Count(),
		UptimeS:          uptime,
	}
}

// Status implements api.Controller.
func (e *Engine) Status() api.StatusSnapshot {
	e.mu.RLock()
	state := e.state
	lastScan := e.lastScan
	started := e.startedAt
	e.mu.RUnlock()

	var uptime float64
	if !started.IsZero() {
		uptime = time.Since(started).Seconds()
	}
	sample := e.monitor.Last()
	return api.StatusSnapshot{
		State:     string(state),
		SessionID: e.sessionID,
		Mode:      string(e.cfg.Mode),
		Preset:    e.preset.Name,
		StartedAt: started,
		UptimeS:   uptime,
		Positions: e.positions.OpenPositions(),
		Risk:      e.risk.GetSnapshot(),
		LastScan:  lastScan,
		Resources: api.ResourceStatus{
			RSSMB:       sample.RSSMB,
			CPUPercent:  sample.CPUPercent,
			Goroutines:  sample.Goroutines,
			DiskUsedPct: sample.DiskUsedPct,
		},
		Subscriptions: e.feed.Subscribed(),
		Diagnostics:   e.sink.Path(),
	}
}

var _ api.Controller = (*Engine)(nil)

// logOrphans reports positions persisted by a previous session. They are
// not resumed; the operator decides what to do with them.
func (e *Engine) logOrphans() {
	saved, err := e.store.LoadAll()
	if err != nil {
		e.logger.Error().Err(err).Msg("load persisted positions")
		return
	}
	for _, pos := range saved {
		if pos.Status == types.PositionClosed {
			continue
		}
		e.logger.Warn().
			Str("position_id", pos.ID).
			Str("symbol", pos.Symbol).
			Float64("qty", pos.Qty).
			Msg("orphaned position from previous session, manual review required")
	}
}
