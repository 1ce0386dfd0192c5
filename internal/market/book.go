// Package market maintains per-symbol market state derived from the venue
// streams: local order books, rolling trade windows, liquidity densities,
// the activity index, and horizontal levels.
//
// Book mirrors the venue order book for a single symbol. It is updated from
// two sources:
//   - WebSocket snapshot frames which replace the book wholesale
//   - WebSocket delta frames applied in sequence by update id
//
// A sequence gap invalidates the book until the next snapshot; the manager
// reports the gap so the feed can cycle the subscription. Books are
// concurrency-safe and every reader gets a consistent copy.
package market

import (
	"errors"
	"sort"
	"sync"

	"perp-breakout/internal/exchange"
	"perp-breakout/pkg/types"
)

// ErrSequenceGap is returned by Apply when a delta does not follow the last
// applied update id. The caller resubscribes to force a fresh snapshot.
var ErrSequenceGap = errors.New("orderbook sequence gap")

// Book maintains the local mirror of one symbol's order book.
type Book struct {
	mu           sync.RWMutex
	symbol       string
	bids         map[float64]float64
	asks         map[float64]float64
	lastUpdateID int64
	tsMs         int64
	synced       bool
}

// NewBook creates an empty, unsynced book for a symbol.
func NewBook(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   make(map[float64]float64),
		asks:   make(map[float64]float64),
	}
}

// Apply ingests one book event. Snapshot frames reset the book and mark it
// synced. Delta frames must arrive with strictly increasing update ids;
// stale deltas are dropped silently, a forward gap unsyncs the book and
// returns ErrSequenceGap.
func (b *Book) Apply(evt exchange.BookEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if evt.Type == "snapshot" {
		b.bids = make(map[float64]float64, len(evt.Bids))
		b.asks = make(map[float64]float64, len(evt.Asks))
		applyLevels(b.bids, evt.Bids)
		applyLevels(b.asks, evt.Asks)
		b.lastUpdateID = evt.UpdateID
		b.tsMs = evt.TsMs
		b.synced = true
		return nil
	}

	if !b.synced {
		return ErrSequenceGap
	}
	if evt.UpdateID <= b.lastUpdateID {
		return nil // stale or duplicate delta
	}
	if evt.UpdateID != b.lastUpdateID+1 {
		b.synced = false
		return ErrSequenceGap
	}

	applyLevels(b.bids, evt.Bids)
	applyLevels(b.asks, evt.Asks)
	b.lastUpdateID = evt.UpdateID
	b.tsMs = evt.TsMs
	return nil
}

// applyLevels patches a side map. Zero size removes the level.
func applyLevels(side map[float64]float64, levels []types.BookLevel) {
	for _, lv := range levels {
		if lv.Size == 0 {
			delete(side, lv.Price)
			continue
		}
		side[lv.Price] = lv.Size
	}
}

// Synced reports whether the book currently reflects a gap-free stream.
func (b *Book) Synced() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.synced
}

// Snapshot returns a consistent copy with bids descending and asks
// ascending. ok is false until the first snapshot frame lands.
func (b *Book) Snapshot() (types.OrderBookSnapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.synced || (len(b.bids) == 0 && len(b.asks) == 0) {
		return types.OrderBookSnapshot{}, false
	}

	snap := types.OrderBookSnapshot{
		Symbol:   b.symbol,
		TsMs:     b.tsMs,
		UpdateID: b.lastUpdateID,
		Bids:     sortedLevels(b.bids, true),
		Asks:     sortedLevels(b.asks, false),
	}
	return snap, true
}

func sortedLevels(side map[float64]float64, desc bool) []types.BookLevel {
	levels := make([]types.BookLevel, 0, len(side))
	for price, size := range side {
		levels = append(levels, types.BookLevel{Price: price, Size: size})
	}
	sort.Slice(levels, func(i, j int) bool {
		if desc {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
	return levels
}

// BookManager owns one Book per subscribed symbol and serves aggregated
// depth queries for the scanner and risk sizing.
type BookManager struct {
	mu    sync.RWMutex
	books map[string]*Book
}

func NewBookManager() *BookManager {
	return &BookManager{books: make(map[string]*Book)}
}

func (m *BookManager) book(symbol string) *Book {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[symbol]
	if !ok {
		b = NewBook(symbol)
		m.books[symbol] = b
	}
	return b
}

// Apply routes one feed event to the symbol's book.
func (m *BookManager) Apply(evt exchange.BookEvent) error {
	return m.book(evt.Symbol).Apply(evt)
}

// Snapshot returns a copy of the symbol's current book.
func (m *BookManager) Snapshot(symbol string) (types.OrderBookSnapshot, bool) {
	m.mu.RLock()
	b, ok := m.books[symbol]
	m.mu.RUnlock()
	if !ok {
		return types.OrderBookSnapshot{}, false
	}
	return b.Snapshot()
}

// Mid returns the symbol's current mid price.
func (m *BookManager) Mid(symbol string) (float64, bool) {
	snap, ok := m.Snapshot(symbol)
	if !ok {
		return 0, false
	}
	return snap.Mid()
}

// AggregatedDepth sums quote-currency liquidity within rangeBps of the best
// price on one side.
func (m *BookManager) AggregatedDepth(symbol string, side types.BookSide, rangeBps float64) (float64, bool) {
	snap, ok := m.Snapshot(symbol)
	if !ok {
		return 0, false
	}
	return aggregateDepth(&snap, side, rangeBps)
}

func aggregateDepth(snap *types.OrderBookSnapshot, side types.BookSide, rangeBps float64) (float64, bool) {
	var levels []types.BookLevel
	var best float64
	switch side {
	case types.BidSide:
		if len(snap.Bids) == 0 {
			return 0, false
		}
		levels, best = snap.Bids, snap.Bids[0].Price
	default:
		if len(snap.Asks) == 0 {
			return 0, false
		}
		levels, best = snap.Asks, snap.Asks[0].Price
	}

	band := best * rangeBps / 10000
	var usd float64
	for _, lv := range levels {
		dist := lv.Price - best
		if side == types.BidSide {
			dist = best - lv.Price
		}
		if dist > band {
			break // levels are sorted away from best
		}
		usd += lv.Price * lv.Size
	}
	return usd, true
}

// Imbalance returns (bid−ask)/(bid+ask) over quote liquidity within
// rangeBps of each side's best, in [-1, 1]. Positive means bid-heavy.
func (m *BookManager) Imbalance(symbol string, rangeBps float64) (float64, bool) {
	snap, ok := m.Snapshot(symbol)
	if !ok {
		return 0, false
	}
	bid, okB := aggregateDepth(&snap, types.BidSide, rangeBps)
	ask, okA := aggregateDepth(&snap, types.AskSide, rangeBps)
	if !okB || !okA || bid+ask == 0 {
		return 0, false
	}
	return (bid - ask) / (bid + ask), true
}

// Depth computes the standard liquidity summary used by the scanner's
// filter groups.
func (m *BookManager) Depth(symbol string) (types.L2Depth, bool) {
	snap, ok := m.Snapshot(symbol)
	if !ok {
		return types.L2Depth{}, false
	}

	spread, okS := snap.SpreadBps()
	if !okS {
		return types.L2Depth{}, false
	}
	bid05, _ := aggregateDepth(&snap, types.BidSide, 50)
	ask05, _ := aggregateDepth(&snap, types.AskSide, 50)
	bid03, _ := aggregateDepth(&snap, types.BidSide, 30)
	ask03, _ := aggregateDepth(&snap, types.AskSide, 30)

	depth := types.L2Depth{
		BidUSD05:  bid05,
		AskUSD05:  ask05,
		BidUSD03:  bid03,
		AskUSD03:  ask03,
		SpreadBps: spread,
	}
	if bid05+ask05 > 0 {
		depth.Imbalance = (bid05 - ask05) / (bid05 + ask05)
	}
	return depth, true
}

// Symbols returns the symbols with a tracked book.
func (m *BookManager) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.books))
	for s := range m.books {
		out = append(out, s)
	}
	return out
}

// Drop forgets a symbol's book, freeing its state when the watchlist
// rotates.
func (m *BookManager) Drop(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.books, symbol)
}
