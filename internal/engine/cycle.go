package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"perp-breakout/internal/api"
	"perp-breakout/internal/diag"
	"perp-breakout/internal/market"
	"perp-breakout/internal/position"
	"perp-breakout/pkg/types"
)

const (
	// btcSymbol supplies the reference candles for correlation.
	btcSymbol = "BTCUSDT"

	candleLimit5m  = 60
	candleLimit15m = 40
	atrPeriod      = 14
	bbPeriod       = 20
	bbMult         = 2.0

	// commandKick reschedules the next cycle right after a command so state
	// changes take effect without waiting out the full delay.
	commandKick = 50 * time.Millisecond

	maxErrorBackoff = 5 * time.Minute
)

// runLoop is the orchestra: a single goroutine that owns the state machine,
// runs trading cycles on an adaptive timer, and serializes commands.
func (e *Engine) runLoop(ctx context.Context) {
	defer close(e.loopDone)
	e.logger.Info().Msg("orchestra loop running")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case cmd := <-e.cmdCh:
			if e.handleCommand(ctx, cmd) {
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(commandKick)
		case <-timer.C:
			start := time.Now()
			err := e.runCycle(ctx)
			dur := time.Since(start)
			e.metrics.CyclesTotal.Inc()
			e.metrics.CycleSeconds.Observe(dur.Seconds())

			if err != nil {
				e.errRetries++
				e.metrics.ErrorsTotal.Inc()
				e.setLastError(err)
				e.logger.Error().Err(err).Int("attempt", e.errRetries).Msg("cycle failed")
				e.sink.Record(diag.Event{
					Component: "engine",
					Stage:     "cycle_error",
					Reason:    err.Error(),
				})
				e.setState(StateError, err.Error())
			} else if e.errRetries > 0 && e.State() != StateError {
				e.errRetries = 0
				e.setLastError(nil)
			}
			timer.Reset(e.nextDelay(dur, err))
		}
	}
}

// runCycle executes one pass of the state machine. The resting states each
// get a reduced cycle; everything else runs the full walk.
func (e *Engine) runCycle(ctx context.Context) error {
	now := time.Now().UTC()

	if e.monitor.SustainedHard() {
		if st := e.State(); st != StatePaused && st != StateEmergency {
			if st.Running() {
				e.resumeTo = st
			} else {
				e.resumeTo = StateScanning
			}
			e.setState(StatePaused, "sustained memory pressure")
		}
	}

	switch e.State() {
	case StateInitializing:
		return e.bootstrap(ctx)

	case StatePaused:
		// Paused halts new entries only. Open positions keep their
		// protection: stops, trails, and exits still run.
		e.managePositions(ctx, now)
		e.checkLimits(ctx, now)
		return nil

	case StateEmergency:
		// Keep flattening until nothing is left; fills may lag the first
		// sweep.
		if e.positions.Count() > 0 {
			e.positions.EmergencyFlatten(ctx, "emergency close", now)
		}
		return nil

	case StateError:
		if e.errRetries > e.cfg.Engine.ErrorMaxRetries {
			// Out of automatic retries; an operator retry command resets.
			return nil
		}
		e.setState(StateScanning, fmt.Sprintf("auto-retry %d/%d", e.errRetries, e.cfg.Engine.ErrorMaxRetries))
	}

	return e.walk(ctx, now)
}

// bootstrap loads the instrument universe and reports any positions a
// previous session left behind, then hands over to scanning.
func (e *Engine) bootstrap(ctx context.Context) error {
	insts, err := e.client.FetchMarkets(ctx)
	if err != nil {
		return fmt.Errorf("load instrument universe: %w", err)
	}
	e.logger.Info().Int("instruments", len(insts)).Msg("instrument universe loaded")
	e.logOrphans()
	e.setState(StateScanning, "bootstrap complete")
	return nil
}

// walk is the full trading cycle: collect → scan → hunt → manage → limits.
func (e *Engine) walk(ctx context.Context, now time.Time) error {
	maxPositions := e.preset.Risk.MaxConcurrentPositions
	if e.positions.Count() >= maxPositions {
		// Slots full: no point scanning for entries we cannot take.
		e.setState(StateManaging, "all position slots in use")
		e.managePositions(ctx, now)
		e.checkLimits(ctx, now)
		return nil
	}

	e.setState(StateScanning, "cycle start")

	rows, btc, err := e.collect(ctx)
	if err != nil {
		return err
	}
	results, err := e.scanner.Scan(ctx, rows, btc)
	if err != nil {
		return err
	}
	e.recordScan(len(rows), results)
	e.reconcileSubscriptions(results)

	candidates := results[:0:0]
	for _, res := range results {
		if res.PassedAllFilters {
			candidates = append(candidates, res)
		}
	}

	if len(candidates) > 0 {
		e.setState(StateLevelBuilding, fmt.Sprintf("%d candidate(s)", len(candidates)))
		e.setState(StateSignalWait, "watching for triggers")
		if !e.risk.KillSwitchActive() {
			if err := e.hunt(ctx, candidates, now); err != nil {
				return err
			}
		}
	}

	e.managePositions(ctx, now)
	e.checkLimits(ctx, now)

	// Settle into the resting state, unless the limits check just pulled
	// the plug.
	switch e.State() {
	case StateEmergency, StateError, StatePaused:
		return nil
	}
	if e.positions.Count() >= maxPositions {
		e.setState(StateManaging, "all position slots in use")
	} else {
		e.setState(StateScanning, "cycle complete")
	}
	return nil
}

// collect builds the MarketData rows the scanner consumes. Per-symbol
// failures are logged and skipped; only a universe-level failure aborts
// the cycle.
func (e *Engine) collect(ctx context.Context) ([]types.MarketData, *types.MarketData, error) {
	insts, err := e.client.FetchMarkets(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch markets: %w", err)
	}

	tradeable := make([]types.Instrument, 0, len(insts))
	for _, inst := range insts {
		if inst.Status == "Trading" {
			tradeable = append(tradeable, inst)
		}
	}
	sort.Slice(tradeable, func(i, j int) bool {
		return tradeable[i].Volume24hUSD > tradeable[j].Volume24hUSD
	})
	if n := e.preset.Scanner.TopNByVolume; n > 0 && len(tradeable) > n {
		tradeable = tradeable[:n]
	}

	rows := make([]types.MarketData, 0, len(tradeable))
	btcIdx := -1
	for _, inst := range tradeable {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		md, err := e.collectRow(ctx, inst)
		if err != nil {
			e.logger.Warn().Err(err).Str("symbol", inst.Symbol).Msg("market data collection failed")
			continue
		}
		if inst.Symbol == btcSymbol {
			btcIdx = len(rows)
		}
		rows = append(rows, md)
	}

	var btc *types.MarketData
	if btcIdx >= 0 {
		btc = &rows[btcIdx]
	} else if inst, ok := e.client.Instrument(btcSymbol); ok {
		// The reference market fell outside the volume cut (thin venues,
		// tight whitelists). Fetch it anyway so correlation still works.
		if md, err := e.collectRow(ctx, inst); err == nil {
			btc = &md
		} else {
			e.logger.Warn().Err(err).Msg("reference market collection failed, correlation disabled")
		}
	}
	return rows, btc, nil
}

// collectRow assembles one symbol's MarketData from REST candles plus
// whatever stream state is already warm for it.
func (e *Engine) collectRow(ctx context.Context, inst types.Instrument) (types.MarketData, error) {
	c5, err := e.client.FetchOHLCV(ctx, inst.Symbol, "5m", candleLimit5m)
	if err != nil {
		return types.MarketData{}, err
	}

	md := types.MarketData{
		Symbol:       inst.Symbol,
		Price:        inst.LastPrice,
		Volume24hUSD: inst.Volume24hUSD,
		Candles5m:    c5,
		ATR5m:        market.ATR(c5, atrPeriod),
		BBWidthPct:   market.BBWidthPct(c5, bbPeriod, bbMult),
		TsMs:         time.Now().UnixMilli(),
	}
	if md.Price <= 0 && len(c5) > 0 {
		md.Price = c5[len(c5)-1].Close
	}

	if c15, err := e.client.FetchOHLCV(ctx, inst.Symbol, "15m", candleLimit15m); err == nil {
		md.ATR15m = market.ATR(c15, atrPeriod)
	} else {
		e.logger.Debug().Err(err).Str("symbol", inst.Symbol).Msg("15m candles unavailable")
	}

	if inst.OIUSD > 0 {
		oi := inst.OIUSD
		md.OIUSD = &oi
	} else if oi, err := e.client.FetchOpenInterest(ctx, inst.Symbol); err == nil && oi > 0 {
		md.OIUSD = &oi
	}

	if m, ok := e.trades.Metrics(inst.Symbol); ok {
		md.TradesPerMinute = m.TPM60s
	}
	if d, ok := e.books.Depth(inst.Symbol); ok {
		md.L2 = &d
	}
	return md, nil
}

// recordScan publishes the cycle's scan outcome to the control plane.
func (e *Engine) recordScan(universe int, results []types.ScanResult) {
	passed := 0
	top := make([]string, 0, len(results))
	for _, res := range results {
		if res.PassedAllFilters {
			passed++
		}
		if len(top) < 10 {
			top = append(top, res.Symbol)
		}
	}
	e.metrics.Candidates.Set(float64(passed))

	e.mu.Lock()
	e.lastScan = api.ScanSummary{
		Ts:         time.Now().UTC(),
		Universe:   universe,
		Candidates: passed,
		Top:        top,
	}
	e.mu.Unlock()
}

// reconcileSubscriptions aligns the stream subscriptions with the symbols
// we care about: every returned scan row plus every open position. Dropped
// symbols get their per-symbol state released.
func (e *Engine) reconcileSubscriptions(results []types.ScanResult) {
	want := make(map[string]struct{}, len(results)+4)
	for _, res := range results {
		want[res.Symbol] = struct{}{}
	}
	for _, pos := range e.positions.OpenPositions() {
		want[pos.Symbol] = struct{}{}
	}

	current := e.feed.Subscribed()
	have := make(map[string]struct{}, len(current))
	var drop []string
	for _, sym := range current {
		have[sym] = struct{}{}
		if _, ok := want[sym]; !ok {
			drop = append(drop, sym)
		}
	}
	var add []string
	for sym := range want {
		if _, ok := have[sym]; !ok {
			add = append(add, sym)
		}
	}

	if len(add) > 0 {
		if err := e.feed.Subscribe(add); err != nil {
			e.logger.Warn().Err(err).Int("count", len(add)).Msg("subscribe failed")
		}
	}
	if len(drop) > 0 {
		if err := e.feed.Unsubscribe(drop); err != nil {
			e.logger.Warn().Err(err).Int("count", len(drop)).Msg("unsubscribe failed")
		}
		for _, sym := range drop {
			e.books.Drop(sym)
			e.trades.Drop(sym)
			e.density.Drop(sym)
			e.activity.Drop(sym)
		}
	}
}

// hunt walks the ranked candidates looking for one entry. Risk and entry
// rejections move on to the next candidate; a venue failure aborts the
// cycle. At most one position is opened per cycle so each entry's market
// impact and risk debit are visible before the next.
func (e *Engine) hunt(ctx context.Context, candidates []types.ScanResult, now time.Time) error {
	maxPositions := e.preset.Risk.MaxConcurrentPositions
	for _, res := range candidates {
		if e.positions.Count() >= maxPositions {
			return nil
		}
		if e.positions.HasOpen(res.Symbol) {
			continue
		}

		var activityIdx float64
		if snap, ok := e.activity.Snapshot(res.Symbol); ok {
			activityIdx = snap.Index
		}
		sig := e.generator.Generate(res, activityIdx, now)
		if sig == nil {
			continue
		}
		e.metrics.SignalsTotal.Inc()
		e.emit(api.StreamEvent{
			Type:      "signal",
			Timestamp: now,
			Symbol:    sig.Symbol,
			Data: api.SignalEvent{
				Symbol:     sig.Symbol,
				Side:       string(sig.Side),
				Strategy:   string(sig.Strategy),
				Entry:      sig.Entry,
				SL:         sig.SL,
				Confidence: sig.Confidence,
			},
		})

		inst, ok := e.client.Instrument(sig.Symbol)
		if !ok {
			e.logger.Warn().Str("symbol", sig.Symbol).Msg("no instrument metadata, skipping signal")
			continue
		}

		e.setState(StateSizing, "signal on "+sig.Symbol)
		depthSide := types.AskSide
		if sig.Side == types.SideShort {
			depthSide = types.BidSide
		}
		rangeBps := e.preset.Risk.DepthRangeBps
		if rangeBps <= 0 {
			rangeBps = 50
		}
		depthUSD, _ := e.books.AggregatedDepth(sig.Symbol, depthSide, rangeBps)
		verdict := e.risk.EvaluateSignalRisk(sig, res.Market.BTCCorrelation, e.positions.Count(), depthUSD, inst, now)
		if !verdict.Approved {
			e.metrics.RejectsTotal.WithLabelValues(RejectRisk).Inc()
			e.setState(StateScanning, "risk rejected: "+verdict.Reason)
			continue
		}

		e.setState(StateExecution, "entering "+sig.Symbol)
		pos, err := e.positions.Open(ctx, sig, verdict.PositionSize, position.OpenContext{
			Market:    res.Market,
			Densities: e.density.Densities(sig.Symbol),
			Levels:    res.Levels,
			Now:       now,
		})
		if err != nil {
			if errors.Is(err, position.ErrEntryRejected) {
				e.metrics.RejectsTotal.WithLabelValues(RejectEntry).Inc()
				e.setState(StateScanning, "entry rejected: "+err.Error())
				continue
			}
			return fmt.Errorf("open %s: %w", sig.Symbol, err)
		}

		e.metrics.EntriesTotal.Inc()
		e.emit(api.StreamEvent{
			Type:      "entry",
			Timestamp: now,
			Symbol:    pos.Symbol,
			Data: api.EntryEvent{
				PositionID: pos.ID,
				Symbol:     pos.Symbol,
				Side:       string(pos.Side),
				Qty:        pos.Qty,
				Entry:      pos.Entry,
				SL:         pos.SL,
			},
		})
		e.setState(StateManaging, "position opened on "+pos.Symbol)
		return nil
	}
	return nil
}

// managePositions ticks every open position against fresh market views and
// refreshes the account gauges.
func (e *Engine) managePositions(ctx context.Context, now time.Time) {
	open := e.positions.OpenPositions()
	if len(open) > 0 {
		views := e.buildViews(ctx, open, now)
		e.positions.Manage(ctx, views, now)
	}
	e.refreshAccount(ctx)
}

// buildViews assembles the per-symbol view Manage reads: live mid, recent
// candles, levels, densities, ATR.
func (e *Engine) buildViews(ctx context.Context, open []types.Position, now time.Time) map[string]position.MarketView {
	views := make(map[string]position.MarketView, len(open))
	for _, pos := range open {
		if _, ok := views[pos.Symbol]; ok {
			continue
		}
		var view position.MarketView
		if mid, ok := e.books.Mid(pos.Symbol); ok {
			view.Price = mid
		}
		candles, err := e.client.FetchOHLCV(ctx, pos.Symbol, "5m", candleLimit5m)
		if err != nil {
			e.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("candles unavailable for management")
		} else {
			view.Candles = candles
			view.ATR = market.ATR(candles, atrPeriod)
			view.Levels = market.DetectLevels(candles, e.preset.LevelsRules, now.UnixMilli())
			if view.Price <= 0 && len(candles) > 0 {
				view.Price = candles[len(candles)-1].Close
			}
		}
		view.Densities = e.density.Densities(pos.Symbol)
		views[pos.Symbol] = view
	}
	return views
}

// refreshAccount re-reads the wallet, hands equity to the risk layer, and
// updates the account gauges.
func (e *Engine) refreshAccount(ctx context.Context) {
	if bal, err := e.trader.Balance(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("balance refresh failed")
	} else {
		e.risk.SetEquity(bal.Total)
	}
	snap := e.risk.GetSnapshot()
	e.metrics.EquityUSD.Set(snap.Equity)
	e.metrics.RealizedUSD.Set(snap.DailyRealizedUSD)
	e.metrics.RealizedR.Set(snap.DailyRealizedR)
	e.metrics.OpenPositions.Set(float64(e.positions.Count()))
}

// checkLimits runs the account-level risk check and pulls the plug when it
// trips.
func (e *Engine) checkLimits(ctx context.Context, now time.Time) {
	status := e.risk.CheckRiskLimits(now)
	if status.KillSwitchTriggered && e.State() != StateEmergency {
		e.enterEmergency(ctx, "risk limits breached: "+status.OverallStatus, now)
	}
}

// enterEmergency latches the EMERGENCY state and flattens everything. New
// entries are refused until an operator retry.
func (e *Engine) enterEmergency(ctx context.Context, reason string, now time.Time) {
	if e.State() == StateEmergency {
		return
	}
	e.setState(StateEmergency, reason)
	e.emit(api.NewKillEvent(reason))
	closed := e.positions.EmergencyFlatten(ctx, reason, now)
	e.logger.Error().Str("reason", reason).Int("positions", closed).Msg("EMERGENCY: flattening all positions")
}

// handleCommand executes one control-plane command on the loop goroutine.
// Returns true when the loop should exit.
func (e *Engine) handleCommand(ctx context.Context, cmd Command) bool {
	now := time.Now().UTC()
	e.logger.Info().
		Str("command", cmd.Name).
		Str("correlation_id", cmd.CorrelationID).
		Msg("command received")

	switch cmd.Name {
	case CmdStart:
		// The engine starts trading as soon as Start() is called; start is
		// accepted for symmetry.
		e.answer(cmd, true, "engine already running")

	case CmdStop:
		e.answer(cmd, true, "stopping")
		return true

	case CmdPause:
		switch st := e.State(); {
		case st == StatePaused:
			e.answer(cmd, true, "already paused")
		case st == StateEmergency:
			e.answer(cmd, false, "cannot pause from EMERGENCY")
		default:
			if st.Running() {
				e.resumeTo = st
			} else {
				e.resumeTo = StateScanning
			}
			e.setState(StatePaused, "operator pause")
			e.answer(cmd, true, "paused")
		}

	case CmdResume:
		if e.State() != StatePaused {
			e.answer(cmd, true, "not paused")
			break
		}
		target := e.resumeTo
		if target == "" || !target.Running() {
			target = StateScanning
		}
		e.setState(target, "operator resume")
		e.answer(cmd, true, "resumed to "+string(target))

	case CmdTimeStop:
		views := e.buildViews(ctx, e.positions.OpenPositions(), now)
		n := e.positions.TimeStopAll(ctx, views, now)
		e.answer(cmd, true, fmt.Sprintf("time stop closed %d position(s)", n))

	case CmdPanicExit:
		e.enterEmergency(ctx, "operator panic exit", now)
		e.answer(cmd, true, "panic exit: closing all positions")

	case CmdKillSwitch:
		latched := e.risk.Trip("operator kill switch", now)
		e.enterEmergency(ctx, "operator kill switch", now)
		if latched {
			e.answer(cmd, true, "kill switch latched, closing all positions")
		} else {
			e.answer(cmd, true, "kill switch already active")
		}

	case CmdRetry:
		switch e.State() {
		case StateError:
			e.errRetries = 0
			e.setLastError(nil)
			e.setState(StateScanning, "operator retry")
			e.answer(cmd, true, "error cleared, scanning")
		case StateEmergency:
			if e.risk.KillSwitchActive() {
				e.risk.Retry()
			}
			e.errRetries = 0
			e.setLastError(nil)
			e.setState(StateScanning, "operator retry")
			e.answer(cmd, true, "emergency cleared, scanning")
		default:
			e.answer(cmd, true, "nothing to retry")
		}

	default:
		e.answer(cmd, false, "unknown command: "+cmd.Name)
	}
	return false
}

// answer replies to a command and mirrors the outcome to diagnostics and
// the event stream.
func (e *Engine) answer(cmd Command, ok bool, msg string) {
	res := api.CommandResult{Success: ok, Message: msg, Timestamp: time.Now().UTC()}
	select {
	case cmd.reply <- res:
	default:
	}
	e.sink.Record(diag.Event{
		Component: "engine",
		Stage:     "command",
		Reason:    cmd.Name,
		Payload: map[string]any{
			"correlation_id": cmd.CorrelationID,
			"success":        ok,
			"message":        msg,
		},
	})
	e.emit(api.StreamEvent{
		Type:      "command",
		Timestamp: res.Timestamp,
		Data: map[string]any{
			"name":           cmd.Name,
			"correlation_id": cmd.CorrelationID,
			"success":        ok,
			"message":        msg,
		},
	})
}

// nextDelay adapts the cycle cadence: shrink after fast healthy cycles,
// grow while the process is strained, exponential backoff while erroring.
func (e *Engine) nextDelay(dur time.Duration, err error) time.Duration {
	cfg := e.cfg.Engine
	minDelay := cfg.CycleDelayMin
	if minDelay <= 0 {
		minDelay = time.Second
	}
	maxDelay := cfg.CycleDelayMax
	if maxDelay < minDelay {
		maxDelay = minDelay
	}

	if err != nil {
		backoff := cfg.ErrorBackoff
		if backoff <= 0 {
			backoff = 5 * time.Second
		}
		shift := e.errRetries - 1
		if shift < 0 {
			shift = 0
		}
		if shift > 5 {
			shift = 5
		}
		d := backoff << shift
		if d > maxErrorBackoff {
			d = maxErrorBackoff
		}
		return d
	}

	switch {
	case e.monitor.Strained():
		e.delay *= 2
	case dur < minDelay:
		e.delay = e.delay * 3 / 4
	}
	if e.delay < minDelay {
		e.delay = minDelay
	}
	if e.delay > maxDelay {
		e.delay = maxDelay
	}
	return e.delay
}
