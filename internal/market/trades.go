package market

import (
	"sync"

	"perp-breakout/pkg/types"
)

// Rolling window spans in milliseconds. The longest bounds retention.
const (
	windowShortMs = 10_000
	windowMidMs   = 60_000
	windowLongMs  = 300_000
)

// TradeFlow keeps one symbol's rolling trade window and the metrics derived
// from it. Updates come from a single writer (the stream consumer); readers
// take a copy of the cached metrics.
type TradeFlow struct {
	mu      sync.RWMutex
	symbol  string
	trades  []types.Trade // ascending by TsMs
	metrics types.TradeMetrics
}

func NewTradeFlow(symbol string) *TradeFlow {
	return &TradeFlow{
		symbol:  symbol,
		trades:  make([]types.Trade, 0, 512),
		metrics: types.TradeMetrics{Symbol: symbol},
	}
}

// Append ingests a batch of trades in venue order, evicts entries older
// than the longest window, and recomputes the cached metrics. LastUpdate
// advances strictly even when the venue stamps trades with equal
// timestamps.
func (f *TradeFlow) Append(trades []types.Trade) {
	if len(trades) == 0 {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.trades = append(f.trades, trades...)
	nowMs := f.trades[len(f.trades)-1].TsMs
	f.evictStaleLocked(nowMs)
	f.recomputeLocked(nowMs)
}

// evictStaleLocked drops trades older than the longest window.
func (f *TradeFlow) evictStaleLocked(nowMs int64) {
	cutoff := nowMs - windowLongMs
	validIdx := -1
	for i, tr := range f.trades {
		if tr.TsMs >= cutoff {
			validIdx = i
			break
		}
	}
	if validIdx == -1 {
		f.trades = f.trades[:0]
		return
	}
	if validIdx > 0 {
		f.trades = append(f.trades[:0], f.trades[validIdx:]...)
	}
}

func (f *TradeFlow) recomputeLocked(nowMs int64) {
	var (
		countShort, countMid int
		buysMid, sellsMid    int
		deltaShort, deltaMid float64
		deltaLong            float64
	)

	for i := len(f.trades) - 1; i >= 0; i-- {
		tr := f.trades[i]
		age := nowMs - tr.TsMs
		if age >= windowLongMs {
			break
		}

		signed := tr.Amount
		if tr.Side == types.TradeSell {
			signed = -tr.Amount
		}
		deltaLong += signed

		if age < windowMidMs {
			countMid++
			deltaMid += signed
			if tr.Side == types.TradeBuy {
				buysMid++
			} else {
				sellsMid++
			}
		}
		if age < windowShortMs {
			countShort++
			deltaShort += signed
		}
	}

	sells := sellsMid
	if sells < 1 {
		sells = 1
	}

	last := f.metrics.LastUpdate + 1
	if nowMs > f.metrics.LastUpdate {
		last = nowMs
	}

	f.metrics = types.TradeMetrics{
		Symbol:          f.symbol,
		TPM10s:          float64(countShort) * 6, // count / (10s/60s)
		TPM60s:          float64(countMid),
		TPS10s:          float64(countShort) / 10,
		BuySellRatio60s: float64(buysMid) / float64(sells),
		VolDelta10s:     deltaShort,
		VolDelta60s:     deltaMid,
		VolDelta300s:    deltaLong,
		LastUpdate:      last,
	}
}

// Metrics returns a copy of the cached window metrics.
func (f *TradeFlow) Metrics() types.TradeMetrics {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.metrics
}

// Count returns the number of trades currently retained.
func (f *TradeFlow) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.trades)
}

// TradeTracker owns the per-symbol flows.
type TradeTracker struct {
	mu    sync.RWMutex
	flows map[string]*TradeFlow
}

func NewTradeTracker() *TradeTracker {
	return &TradeTracker{flows: make(map[string]*TradeFlow)}
}

func (t *TradeTracker) flow(symbol string) *TradeFlow {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.flows[symbol]
	if !ok {
		f = NewTradeFlow(symbol)
		t.flows[symbol] = f
	}
	return f
}

// Append routes a trade batch to the symbol's flow.
func (t *TradeTracker) Append(symbol string, trades []types.Trade) {
	t.flow(symbol).Append(trades)
}

// Metrics returns the symbol's cached metrics. ok is false before the first
// trade arrives.
func (t *TradeTracker) Metrics(symbol string) (types.TradeMetrics, bool) {
	t.mu.RLock()
	f, ok := t.flows[symbol]
	t.mu.RUnlock()
	if !ok {
		return types.TradeMetrics{}, false
	}
	m := f.Metrics()
	return m, m.LastUpdate > 0
}

// Drop forgets a symbol's window.
func (t *TradeTracker) Drop(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.flows, symbol)
}
