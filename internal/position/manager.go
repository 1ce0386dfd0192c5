package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perp-breakout/internal/config"
	"perp-breakout/internal/diag"
	"perp-breakout/internal/exchange"
	"perp-breakout/internal/risk"
	"perp-breakout/internal/store"
	"perp-breakout/internal/strategy"
	"perp-breakout/pkg/types"
)

// ErrEntryRejected marks signals the pre-entry validator refused. The
// orchestra treats it as a skip, not a failure.
var ErrEntryRejected = errors.New("entry rejected")

// OpenContext is the market state Open validates against.
type OpenContext struct {
	Market    types.MarketData
	Densities []types.Density
	Levels    []types.TradingLevel
	Now       time.Time
}

// MarketView is the per-symbol state Manage reads on each tick.
type MarketView struct {
	Price     float64
	Candles   []types.Candle
	Densities []types.Density
	Levels    []types.TradingLevel
	ATR       float64
}

// closeIntent is a reduce-only order we have sent and not yet booked.
type closeIntent struct {
	positionID string
	qty        float64
	tpName     string
	reason     string
}

// Manager opens positions from approved signals and drives every open
// tracker: FSM advances, exit rules, order execution, close booking, and
// the hand-off of realised results to the risk layer.
type Manager struct {
	cfg     *config.Preset
	trader  exchange.Trader
	risk    *risk.Manager
	history *strategy.BreakoutHistory
	store   *store.Store
	entry   *EntryValidator
	exits   exitRules
	rec     diag.Recorder
	logger  zerolog.Logger

	mu       sync.Mutex
	trackers map[string]*Tracker    // by position ID
	pending  map[string]closeIntent // by order ID
	inFlight map[string]string      // position ID -> order ID
}

func NewManager(preset *config.Preset, trader exchange.Trader, riskMgr *risk.Manager, history *strategy.BreakoutHistory, st *store.Store, rec diag.Recorder, logger zerolog.Logger) *Manager {
	if rec == nil {
		rec = diag.NopSink{}
	}
	return &Manager{
		cfg:      preset,
		trader:   trader,
		risk:     riskMgr,
		history:  history,
		store:    st,
		entry:    NewEntryValidator(preset.Signal.EntryRules, preset.MarketQuality, rec),
		exits:    exitRules{cfg: preset.ExitRules, maxHoldHours: preset.Position.MaxHoldTimeHours},
		rec:      rec,
		logger:   logger.With().Str("component", "position").Logger(),
		trackers: make(map[string]*Tracker),
		pending:  make(map[string]closeIntent),
		inFlight: make(map[string]string),
	}
}

// Open validates the signal, places the entry order, and starts tracking
// the resulting position. The returned position is a snapshot taken right
// after entry.
func (m *Manager) Open(ctx context.Context, sig *types.Signal, size risk.PositionSize, octx OpenContext) (*types.Position, error) {
	if !size.IsValid || size.Quantity <= 0 {
		return nil, fmt.Errorf("unusable position size: %s", size.Reason)
	}
	if m.HasOpen(sig.Symbol) {
		return nil, fmt.Errorf("%w: %s already has an open position", ErrEntryRejected, sig.Symbol)
	}

	verdict := m.entry.Validate(sig, octx.Market, octx.Densities)
	if !verdict.Valid {
		return nil, fmt.Errorf("%w: %s", ErrEntryRejected, failedChecks(verdict))
	}
	for _, w := range verdict.Warnings {
		m.logger.Warn().Str("symbol", sig.Symbol).Str("check", w).Msg("entry check warning")
	}

	id := uuid.NewString()
	ord, err := m.trader.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:     sig.Symbol,
		Side:       entrySide(sig.Side),
		Type:       types.OrderMarket,
		Qty:        size.Quantity,
		PositionID: id,
	})
	if err != nil {
		return nil, fmt.Errorf("place entry order: %w", err)
	}

	fill := sig.Entry
	if ord.AvgFillPrice != nil && *ord.AvgFillPrice > 0 {
		fill = *ord.AvgFillPrice
	}
	slipBps := 0.0
	if sig.Entry > 0 {
		slipBps = math.Abs(fill-sig.Entry) / sig.Entry * 10_000
	}

	state := StateRunning
	if m.cfg.FSM.Enabled {
		state = StateEntryConfirm
	}

	pos := types.Position{
		ID:            id,
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Strategy:      sig.Strategy,
		Qty:           size.Quantity,
		InitialQty:    size.Quantity,
		Entry:         fill,
		SL:            sig.SL,
		BreakoutLevel: sig.Level,
		Status:        types.PositionOpen,
		RealizedPnL:   -ord.FeesUSD,
		HighestSeen:   fill,
		LowestSeen:    fill,
		OpenedAt:      octx.Now,
		FSMState:      string(state),
	}
	pos.TPLevels = BuildLadder(m.cfg.Position.TPLevels, m.cfg.Position.TPSmartPlacement, fill, sig.SL, sig.Side, LadderContext{
		Densities:  octx.Densities,
		Levels:     octx.Levels,
		EntryATR:   sig.Meta.ATR,
		CurrentATR: sig.Meta.ATR,
		RoundSteps: m.cfg.LevelsRules.RoundStepCandidates,
	})

	m.history.Record(sig.Symbol, strategy.BreakoutRecord{
		TsMs:       octx.Now.UnixMilli(),
		LevelPrice: sig.Level,
		Side:       sig.Side,
	})
	if err := m.store.Save(pos); err != nil {
		m.logger.Error().Err(err).Str("position_id", id).Msg("persist position")
	}

	tr := newTracker(pos, m.cfg.Position, m.cfg.FSM, sig.Meta, slipBps)
	m.mu.Lock()
	m.trackers[id] = tr
	m.mu.Unlock()

	m.rec.Record(diag.Event{
		Component: "position",
		Stage:     "open",
		Symbol:    sig.Symbol,
		Payload: map[string]any{
			"position_id": id,
			"side":        sig.Side,
			"qty":         size.Quantity,
			"entry":       fill,
			"sl":          sig.SL,
			"slip_bps":    slipBps,
			"strategy":    sig.Strategy,
		},
	})
	m.logger.Info().
		Str("symbol", sig.Symbol).
		Str("position_id", id).
		Str("side", string(sig.Side)).
		Float64("qty", size.Quantity).
		Float64("entry", fill).
		Float64("sl", sig.SL).
		Float64("slip_bps", slipBps).
		Msg("position opened")

	return &pos, nil
}

// Manage runs one management tick over every open position: evaluate exit
// rules on the fresh bar, advance the FSM on the price, execute whatever
// actions fall out, and retry unfilled closes. Exit rules run before the
// FSM stop check so a bar that fails the breakout outright is attributed
// to the rule, not to the stop it gapped through.
func (m *Manager) Manage(ctx context.Context, views map[string]MarketView, now time.Time) {
	for _, tr := range m.snapshotTrackers() {
		pos := tr.Position()
		view, ok := views[pos.Symbol]
		if !ok || view.Price <= 0 {
			continue
		}

		if view.ATR > 0 {
			tr.RefreshLadder(m.cfg.Position.TPSmartPlacement, LadderContext{
				Densities:  view.Densities,
				Levels:     view.Levels,
				EntryATR:   tr.Meta().ATR,
				CurrentATR: view.ATR,
				RoundSteps: m.cfg.LevelsRules.RoundStepCandidates,
			})
		}

		switch State(pos.FSMState) {
		case StateRunning, StateBreakeven, StatePartialClosed, StateTrailing:
			m.checkExitRules(ctx, tr, pos, view, now)
		case StateExiting:
			// A close order failed or was rejected earlier; try again.
			m.retryClose(ctx, tr, now)
		}

		res := tr.Advance(view.Price, now)
		m.recordTransitions(pos.Symbol, pos.ID, res.Transitions)
		m.executeActions(ctx, tr, res.Actions, now)

		m.persist(tr)
	}
}

func (m *Manager) checkExitRules(ctx context.Context, tr *Tracker, pos types.Position, view MarketView, now time.Time) {
	es := m.exits.Check(&pos, tr.Meta(), ExitContext{
		Price:    view.Price,
		Candles:  view.Candles,
		InitialR: tr.InitialR(),
		Now:      now,
	})
	if es == nil {
		return
	}
	m.rec.Record(diag.Event{
		Component: "position",
		Stage:     "exit_rule:" + es.Rule,
		Symbol:    pos.Symbol,
		Payload:   map[string]any{"urgency": es.Urgency.String(), "confidence": es.Confidence},
		Reason:    es.Reason,
	})
	m.logger.Info().
		Str("symbol", pos.Symbol).
		Str("rule", es.Rule).
		Str("urgency", es.Urgency.String()).
		Float64("confidence", es.Confidence).
		Msg("exit rule fired")
	if act, ok := tr.RequestExit(es.Rule); ok {
		m.recordTransitions(pos.Symbol, pos.ID, []Transition{{From: State(pos.FSMState), To: StateExiting, Reason: es.Rule}})
		m.executeActions(ctx, tr, []Action{act}, now)
	}
}

// HandleOrderUpdate books fills for closes that did not fill synchronously
// at placement. Unknown orders are ignored.
func (m *Manager) HandleOrderUpdate(ord types.Order, now time.Time) {
	m.mu.Lock()
	intent, ok := m.pending[ord.ID]
	if ok && ord.Status.Terminal() {
		delete(m.pending, ord.ID)
		delete(m.inFlight, intent.positionID)
	}
	tr := m.trackers[intent.positionID]
	m.mu.Unlock()
	if !ok || tr == nil {
		return
	}

	if ord.Status != types.OrderFilled {
		m.logger.Warn().
			Str("order_id", ord.ID).
			Str("position_id", intent.positionID).
			Str("status", string(ord.Status)).
			Msg("close order did not fill")
		return
	}

	fill := 0.0
	if ord.AvgFillPrice != nil {
		fill = *ord.AvgFillPrice
	}
	m.bookFill(tr, intent, ord.FilledQty, fill, ord.FeesUSD, now)
}

// EmergencyFlatten market-closes every open position. Used by the kill
// switch and the panic_exit command.
func (m *Manager) EmergencyFlatten(ctx context.Context, reason string, now time.Time) int {
	closed := 0
	for _, tr := range m.snapshotTrackers() {
		if act, ok := tr.RequestExit(reason); ok {
			m.executeActions(ctx, tr, []Action{act}, now)
			closed++
		} else if tr.Position().FSMState == string(StateExiting) {
			m.retryClose(ctx, tr, now)
			closed++
		}
		m.persist(tr)
	}
	if closed > 0 {
		m.logger.Warn().Int("positions", closed).Str("reason", reason).Msg("emergency flatten")
	}
	return closed
}

// TimeStopAll force-closes every position that is not currently in profit.
// This is the operator's time_stop command, which waives the elapsed-time
// clause of the automatic rule.
func (m *Manager) TimeStopAll(ctx context.Context, views map[string]MarketView, now time.Time) int {
	closed := 0
	for _, tr := range m.snapshotTrackers() {
		pos := tr.Position()
		view, ok := views[pos.Symbol]
		if !ok || view.Price <= 0 {
			continue
		}
		if (view.Price-pos.Entry)*pos.Side.Sign() > 0 {
			continue
		}
		if act, ok := tr.RequestExit("time_stop"); ok {
			m.executeActions(ctx, tr, []Action{act}, now)
			m.persist(tr)
			closed++
		}
	}
	return closed
}

// OpenPositions returns snapshots of every tracked position, oldest first.
func (m *Manager) OpenPositions() []types.Position {
	trs := m.snapshotTrackers()
	out := make([]types.Position, 0, len(trs))
	for _, tr := range trs {
		out = append(out, tr.Position())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Count returns how many positions are currently tracked.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trackers)
}

// HasOpen reports whether a symbol already has a tracked position.
func (m *Manager) HasOpen(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tr := range m.trackers {
		if tr.Position().Symbol == symbol {
			return true
		}
	}
	return false
}

func (m *Manager) snapshotTrackers() []*Tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Tracker, 0, len(m.trackers))
	for _, tr := range m.trackers {
		out = append(out, tr)
	}
	return out
}

// executeActions sends reduce-only market orders for the tracker's
// actions. Synchronous fills (paper mode) are booked immediately; anything
// else is parked as a close intent for HandleOrderUpdate.
func (m *Manager) executeActions(ctx context.Context, tr *Tracker, actions []Action, now time.Time) {
	for _, act := range actions {
		if act.Qty <= 0 {
			continue
		}
		pos := tr.Position()

		m.mu.Lock()
		_, busy := m.inFlight[pos.ID]
		m.mu.Unlock()
		if busy && act.Kind == ActionFullClose {
			continue
		}

		ord, err := m.trader.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:     pos.Symbol,
			Side:       exitSide(pos.Side),
			Type:       types.OrderMarket,
			Qty:        act.Qty,
			ReduceOnly: true,
			PositionID: pos.ID,
		})
		if err != nil {
			m.logger.Error().Err(err).
				Str("symbol", pos.Symbol).
				Str("position_id", pos.ID).
				Float64("qty", act.Qty).
				Str("reason", act.Reason).
				Msg("close order failed")
			continue
		}

		intent := closeIntent{positionID: pos.ID, qty: act.Qty, tpName: act.TPName, reason: act.Reason}
		if ord.Status == types.OrderFilled {
			fill := 0.0
			if ord.AvgFillPrice != nil {
				fill = *ord.AvgFillPrice
			}
			m.bookFill(tr, intent, ord.FilledQty, fill, ord.FeesUSD, now)
			continue
		}

		m.mu.Lock()
		m.pending[ord.ID] = intent
		m.inFlight[pos.ID] = ord.ID
		m.mu.Unlock()
	}
}

// retryClose re-sends the remaining-quantity close for a position stuck in
// exiting with no order in flight.
func (m *Manager) retryClose(ctx context.Context, tr *Tracker, now time.Time) {
	pos := tr.Position()
	if pos.Qty <= 0 {
		return
	}
	m.mu.Lock()
	_, busy := m.inFlight[pos.ID]
	m.mu.Unlock()
	if busy {
		return
	}
	reason := tr.ExitReason()
	if reason == "" {
		reason = "close retry"
	}
	m.executeActions(ctx, tr, []Action{{Kind: ActionFullClose, Qty: pos.Qty, Reason: reason}}, now)
}

// bookFill applies a close fill to the tracker and, when the position is
// done, settles it with the risk layer and the store.
func (m *Manager) bookFill(tr *Tracker, intent closeIntent, qty, fillPrice, feesUSD float64, now time.Time) {
	closed, res := tr.BookClose(qty, fillPrice, feesUSD, now)
	pos := tr.Position()
	m.recordTransitions(pos.Symbol, pos.ID, res.Transitions)

	m.rec.Record(diag.Event{
		Component: "position",
		Stage:     "close_fill",
		Symbol:    pos.Symbol,
		Payload: map[string]any{
			"position_id": pos.ID,
			"qty":         qty,
			"fill":        fillPrice,
			"fees_usd":    feesUSD,
			"tp":          intent.tpName,
			"remaining":   pos.Qty,
		},
		Reason: intent.reason,
	})

	if !closed {
		m.persist(tr)
		return
	}

	riskUSD := pos.InitialQty * tr.InitialR()
	realizedR := 0.0
	if riskUSD > 0 {
		realizedR = pos.RealizedPnL / riskUSD
	}
	m.risk.RecordRealized(pos.Symbol, pos.RealizedPnL, realizedR, now)
	m.risk.PositionClosed(pos.Symbol)
	if err := m.store.Delete(pos.ID); err != nil {
		m.logger.Error().Err(err).Str("position_id", pos.ID).Msg("drop persisted position")
	}

	m.mu.Lock()
	delete(m.trackers, pos.ID)
	m.mu.Unlock()

	m.logger.Info().
		Str("symbol", pos.Symbol).
		Str("position_id", pos.ID).
		Float64("realized_usd", pos.RealizedPnL).
		Float64("realized_r", realizedR).
		Str("reason", tr.ExitReason()).
		Msg("position closed")
}

func (m *Manager) persist(tr *Tracker) {
	pos := tr.Position()
	if pos.Status == types.PositionClosed {
		return
	}
	if err := m.store.Save(pos); err != nil {
		m.logger.Error().Err(err).Str("position_id", pos.ID).Msg("persist position")
	}
}

func (m *Manager) recordTransitions(symbol, id string, trs []Transition) {
	for _, t := range trs {
		m.rec.Record(diag.Event{
			Component: "position",
			Stage:     "fsm",
			Symbol:    symbol,
			Payload:   map[string]any{"position_id": id, "from": string(t.From), "to": string(t.To)},
			Reason:    t.Reason,
		})
		m.logger.Debug().
			Str("symbol", symbol).
			Str("position_id", id).
			Str("from", string(t.From)).
			Str("to", string(t.To)).
			Str("reason", t.Reason).
			Msg("state transition")
	}
}

func failedChecks(v EntryVerdict) string {
	var parts []string
	for _, c := range v.Checks {
		if !c.Passed && c.Priority == PriorityCritical {
			parts = append(parts, c.Name+": "+c.Reason)
		}
	}
	return strings.Join(parts, "; ")
}

func entrySide(side types.PositionSide) types.OrderSide {
	if side == types.SideLong {
		return types.OrderBuy
	}
	return types.OrderSell
}

func exitSide(side types.PositionSide) types.OrderSide {
	if side == types.SideLong {
		return types.OrderSell
	}
	return types.OrderBuy
}
