// Package risk sizes positions and gates every signal against account-level
// limits.
//
// Sizing is R-based: with equity E and risk-per-trade r, the USD risk budget
// is E·r and the quantity is budget / |entry − sl|, clamped by the notional
// cap and by a fraction of the aggregated book depth, then floored to the
// venue lot step.
//
// Four gates run in a fixed order inside EvaluateSignalRisk:
//
//   - Kill switch:     realised session loss beyond the limit latches the
//     switch; it refuses every signal until an operator retry.
//   - Concurrent cap:  open positions below max_concurrent_positions.
//   - Correlation cap: the basket's mean |BTC correlation|, candidate
//     included, must stay under correlation_limit.
//   - Daily risk cap:  cumulative realised loss today under daily_risk_limit·E.
//
// CheckRiskLimits runs every cycle and is the only place the kill switch
// latches. A refused signal is not an error: it produces a diagnostics row
// and the orchestra goes back to scanning.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perp-breakout/internal/config"
	"perp-breakout/internal/diag"
	"perp-breakout/pkg/types"
)

// Verdict is the outcome of EvaluateSignalRisk.
type Verdict struct {
	Approved     bool         `json:"approved"`
	PositionSize PositionSize `json:"position_size"`
	Reason       string       `json:"reason,omitempty"`
}

// LimitsStatus is the per-cycle account health check.
type LimitsStatus struct {
	KillSwitchTriggered bool   `json:"kill_switch_triggered"`
	OverallStatus       string `json:"overall_status"` // "ok", "daily_limit", "kill_switch"
}

// Snapshot is the aggregate risk state served by the control plane.
type Snapshot struct {
	SessionStartEquity float64   `json:"session_start_equity"`
	Equity             float64   `json:"equity"`
	DailyRealizedUSD   float64   `json:"daily_realized_usd"`
	DailyRealizedR     float64   `json:"daily_realized_r"`
	OpenSymbols        []string  `json:"open_symbols"`
	KillSwitchActive   bool      `json:"kill_switch_active"`
	KillSwitchReason   string    `json:"kill_switch_reason,omitempty"`
	KillSwitchAt       time.Time `json:"kill_switch_at"`
}

// Manager owns the daily counters and the kill-switch latch. Counters are
// only mutated from the orchestra's main loop; the mutex exists for the
// control-plane readers.
type Manager struct {
	cfg    config.RiskConfig
	rec    diag.Recorder
	logger zerolog.Logger

	mu                 sync.RWMutex
	sessionStartEquity float64
	equity             float64
	day                string // UTC date the daily counters belong to
	dailyRealizedUSD   float64
	dailyRealizedR     float64
	basketCorr         map[string]float64 // |BTC correlation| per open symbol
	killSwitchActive   bool
	killSwitchReason   string
	killSwitchAt       time.Time
}

func NewManager(cfg config.RiskConfig, startEquity float64, rec diag.Recorder, logger zerolog.Logger) *Manager {
	if rec == nil {
		rec = diag.NopSink{}
	}
	return &Manager{
		cfg:                cfg,
		rec:                rec,
		logger:             logger.With().Str("component", "risk").Logger(),
		sessionStartEquity: startEquity,
		equity:             startEquity,
		basketCorr:         make(map[string]float64),
	}
}

// SetEquity updates the marked equity used for sizing and the daily cap.
// The session-start figure used by the kill switch never moves.
func (m *Manager) SetEquity(e float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e > 0 {
		m.equity = e
	}
}

func (m *Manager) Equity() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.equity
}

// EvaluateSignalRisk runs every gate and, if all pass, sizes the position.
// btcCorr is the candidate's BTC correlation from the scan row; openCount
// is the number of currently open positions.
func (m *Manager) EvaluateSignalRisk(sig *types.Signal, btcCorr float64, openCount int, depthUSD float64, inst types.Instrument, now time.Time) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay(now)

	if m.killSwitchActive {
		return m.refuse(sig, "kill_switch", "kill switch active: "+m.killSwitchReason)
	}

	if m.cfg.MaxConcurrentPositions > 0 && openCount >= m.cfg.MaxConcurrentPositions {
		return m.refuse(sig, "concurrent_cap", fmt.Sprintf("concurrent position cap %d reached", m.cfg.MaxConcurrentPositions))
	}

	if m.cfg.CorrelationLimit > 0 {
		if basket := m.basketCorrWith(btcCorr); basket > m.cfg.CorrelationLimit {
			return m.refuse(sig, "correlation_cap", fmt.Sprintf("basket correlation %.2f exceeds %.2f", basket, m.cfg.CorrelationLimit))
		}
	}

	if m.cfg.DailyRiskLimit > 0 && m.dailyRealizedUSD <= -m.cfg.DailyRiskLimit*m.equity {
		return m.refuse(sig, "daily_cap", fmt.Sprintf("daily realised loss %.2f at limit", m.dailyRealizedUSD))
	}

	size := m.sizePosition(sig, m.equity, depthUSD, inst)
	if !size.IsValid {
		return m.refuse(sig, "sizing", size.Reason)
	}

	m.basketCorr[sig.Symbol] = math.Abs(btcCorr)
	m.rec.Record(diag.Event{
		Component: "risk",
		Stage:     "approved",
		Symbol:    sig.Symbol,
		Payload: map[string]any{
			"qty":          size.Quantity,
			"notional_usd": size.NotionalUSD,
			"risk_usd":     size.RiskUSD,
			"risk_r":       size.RiskR,
		},
		Passed: diag.Bool(true),
	})
	return Verdict{Approved: true, PositionSize: size}
}

// SizePosition computes the quantity for a signal without running the
// gates. Exposed for the control plane's what-if view and for tests.
func (m *Manager) SizePosition(sig *types.Signal, equity, depthUSD float64, inst types.Instrument) PositionSize {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizePosition(sig, equity, depthUSD, inst)
}

// CheckRiskLimits runs once per cycle. It is the only place the kill
// switch latches; once latched it stays on until an operator retry.
func (m *Manager) CheckRiskLimits(now time.Time) LimitsStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay(now)

	limit := m.cfg.KillSwitchLossLimit * m.sessionStartEquity
	if !m.killSwitchActive && limit > 0 && m.dailyRealizedUSD <= -limit {
		m.killSwitchActive = true
		m.killSwitchReason = fmt.Sprintf("realised loss %.2f beyond %.2f", m.dailyRealizedUSD, -limit)
		m.killSwitchAt = now
		m.logger.Error().
			Float64("daily_realized_usd", m.dailyRealizedUSD).
			Float64("limit_usd", limit).
			Msg("KILL SWITCH latched")
		m.rec.Record(diag.Event{
			Component: "risk",
			Stage:     "kill_switch",
			Payload:   map[string]any{"daily_realized_usd": m.dailyRealizedUSD, "limit_usd": limit},
			Reason:    m.killSwitchReason,
			Passed:    diag.Bool(false),
		})
	}

	status := "ok"
	switch {
	case m.killSwitchActive:
		status = "kill_switch"
	case m.cfg.DailyRiskLimit > 0 && m.dailyRealizedUSD <= -m.cfg.DailyRiskLimit*m.equity:
		status = "daily_limit"
	}
	return LimitsStatus{KillSwitchTriggered: m.killSwitchActive, OverallStatus: status}
}

// RecordRealized books the realised PnL of a close (full or partial) into
// the daily counters.
func (m *Manager) RecordRealized(symbol string, usd, r float64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDay(now)

	m.dailyRealizedUSD += usd
	m.dailyRealizedR += r
	m.logger.Info().
		Str("symbol", symbol).
		Float64("pnl_usd", usd).
		Float64("pnl_r", r).
		Float64("daily_usd", m.dailyRealizedUSD).
		Float64("daily_r", m.dailyRealizedR).
		Msg("realised pnl booked")
}

// PositionClosed drops the symbol from the correlation basket.
func (m *Manager) PositionClosed(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.basketCorr, symbol)
}

// KillSwitchActive reports the latch state.
func (m *Manager) KillSwitchActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.killSwitchActive
}

// Trip latches the kill switch on operator command. Returns false if the
// latch was already set.
func (m *Manager) Trip(reason string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.killSwitchActive {
		return false
	}
	m.killSwitchActive = true
	m.killSwitchReason = reason
	m.killSwitchAt = now
	m.logger.Error().Str("reason", reason).Msg("KILL SWITCH latched by operator")
	m.rec.Record(diag.Event{
		Component: "risk",
		Stage:     "kill_switch",
		Reason:    reason,
		Passed:    diag.Bool(false),
	})
	return true
}

// Retry clears the kill-switch latch. Only the operator command path calls
// this; nothing clears the latch on its own.
func (m *Manager) Retry() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.killSwitchActive {
		return false
	}
	m.killSwitchActive = false
	m.killSwitchReason = ""
	m.logger.Warn().Msg("kill switch cleared by operator retry")
	return true
}

// GetSnapshot returns the aggregate risk state for the control plane.
func (m *Manager) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	symbols := make([]string, 0, len(m.basketCorr))
	for s := range m.basketCorr {
		symbols = append(symbols, s)
	}
	return Snapshot{
		SessionStartEquity: m.sessionStartEquity,
		Equity:             m.equity,
		DailyRealizedUSD:   m.dailyRealizedUSD,
		DailyRealizedR:     m.dailyRealizedR,
		OpenSymbols:        symbols,
		KillSwitchActive:   m.killSwitchActive,
		KillSwitchReason:   m.killSwitchReason,
		KillSwitchAt:       m.killSwitchAt,
	}
}

// basketCorrWith is the mean |BTC correlation| of the open basket plus the
// candidate. Caller holds the lock.
func (m *Manager) basketCorrWith(candidate float64) float64 {
	sum := math.Abs(candidate)
	n := 1
	for _, c := range m.basketCorr {
		sum += c
		n++
	}
	return sum / float64(n)
}

// rollDay resets the daily counters at the UTC date boundary. The kill
// switch does not reset; only an operator retry clears it. Caller holds
// the lock.
func (m *Manager) rollDay(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if m.day == "" {
		m.day = day
		return
	}
	if day != m.day {
		m.logger.Info().
			Str("day", day).
			Float64("prev_realized_usd", m.dailyRealizedUSD).
			Msg("daily risk counters reset")
		m.day = day
		m.dailyRealizedUSD = 0
		m.dailyRealizedR = 0
	}
}

// refuse records the gate verdict and returns a rejection. Caller holds
// the lock.
func (m *Manager) refuse(sig *types.Signal, gate, reason string) Verdict {
	m.rec.Record(diag.Event{
		Component: "risk",
		Stage:     "gate:" + gate,
		Symbol:    sig.Symbol,
		Reason:    reason,
		Passed:    diag.Bool(false),
	})
	m.logger.Info().Str("symbol", sig.Symbol).Str("gate", gate).Str("reason", reason).Msg("signal refused")
	return Verdict{Reason: reason}
}
