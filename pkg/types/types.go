// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: candles, trades,
// order book snapshots, scan results, signals, positions, orders, and the
// WebSocket wire payloads of the venue. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"math"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// TradeSide is the aggressor side of a public trade.
type TradeSide string

const (
	TradeBuy  TradeSide = "buy"
	TradeSell TradeSide = "sell"
)

// PositionSide is the direction of a position or signal.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// Sign returns +1 for long and -1 for short. Used wherever price math is
// mirrored between directions (stops, targets, excursion tracking).
func (s PositionSide) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Opposite returns the other direction.
func (s PositionSide) Opposite() PositionSide {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// StrategyName identifies which entry strategy produced a signal.
type StrategyName string

const (
	StrategyMomentum StrategyName = "momentum"
	StrategyRetest   StrategyName = "retest"
)

// LevelType classifies a horizontal level.
type LevelType string

const (
	LevelSupport    LevelType = "support"
	LevelResistance LevelType = "resistance"
)

// BreakoutSide returns the position direction a clean break of this level
// implies: resistance breaks long, support breaks short.
func (t LevelType) BreakoutSide() PositionSide {
	if t == LevelSupport {
		return SideShort
	}
	return SideLong
}

// OrderSide is the venue-facing direction of an order.
type OrderSide string

const (
	OrderBuy  OrderSide = "buy"
	OrderSell OrderSide = "sell"
)

// OrderType enumerates supported order kinds.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

// Terminal reports whether the order can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// PositionStatus is the coarse lifecycle state of a position. The fine-grained
// management state lives in the position FSM.
type PositionStatus string

const (
	PositionPending PositionStatus = "pending"
	PositionOpen    PositionStatus = "open"
	PositionPartial PositionStatus = "partial"
	PositionClosed  PositionStatus = "closed"
)

// PlacementMode selects how a take-profit price is chosen.
type PlacementMode string

const (
	PlacementFixed    PlacementMode = "fixed"
	PlacementSmart    PlacementMode = "smart"
	PlacementAdaptive PlacementMode = "adaptive"
)

// Valid reports whether the mode is one of the recognised values.
func (m PlacementMode) Valid() bool {
	switch m {
	case PlacementFixed, PlacementSmart, PlacementAdaptive:
		return true
	}
	return false
}

// TradingMode selects the execution backend.
type TradingMode string

const (
	ModePaper TradingMode = "paper"
	ModeLive  TradingMode = "live"
)

// ————————————————————————————————————————————————————————————————————————
// Market data plane
// ————————————————————————————————————————————————————————————————————————
// Everything on the data plane is timestamped in venue milliseconds so that
// window eviction and monotonicity checks compare like with like.

// Candle is a single OHLCV bar. Immutable once built.
type Candle struct {
	TsMs   int64   `json:"ts_ms"` // bar open time
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"` // base-asset volume
}

// Body returns the absolute open-to-close distance.
func (c Candle) Body() float64 {
	return math.Abs(c.Close - c.Open)
}

// Range returns high minus low.
func (c Candle) Range() float64 {
	return c.High - c.Low
}

// Bullish reports whether the bar closed above its open.
func (c Candle) Bullish() bool {
	return c.Close > c.Open
}

// Trade is a normalised public trade.
type Trade struct {
	TsMs   int64     `json:"ts_ms"`
	Price  float64   `json:"price"`
	Amount float64   `json:"amount"` // base-asset quantity
	Side   TradeSide `json:"side"`   // aggressor side
}

// BookLevel is a single bid or ask level.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"` // base-asset quantity resting at Price
}

// OrderBookSnapshot is a consistent point-in-time view of one symbol's book.
// Bids are sorted descending by price, asks ascending. Mutated only by the
// book manager's delta applier; every reader gets a copy.
type OrderBookSnapshot struct {
	Symbol   string      `json:"symbol"`
	TsMs     int64       `json:"ts_ms"`
	UpdateID int64       `json:"update_id"` // venue sequence number, monotonic per symbol
	Bids     []BookLevel `json:"bids"`
	Asks     []BookLevel `json:"asks"`
}

// BestBid returns the top bid price, if any.
func (s *OrderBookSnapshot) BestBid() (float64, bool) {
	if len(s.Bids) == 0 {
		return 0, false
	}
	return s.Bids[0].Price, true
}

// BestAsk returns the top ask price, if any.
func (s *OrderBookSnapshot) BestAsk() (float64, bool) {
	if len(s.Asks) == 0 {
		return 0, false
	}
	return s.Asks[0].Price, true
}

// Mid returns the midpoint of best bid and ask.
func (s *OrderBookSnapshot) Mid() (float64, bool) {
	bid, okB := s.BestBid()
	ask, okA := s.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// SpreadBps returns the bid/ask spread in basis points of the mid.
func (s *OrderBookSnapshot) SpreadBps() (float64, bool) {
	bid, okB := s.BestBid()
	ask, okA := s.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	mid := (bid + ask) / 2
	if mid <= 0 {
		return 0, false
	}
	return (ask - bid) / mid * 10000, true
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *OrderBookSnapshot) Clone() OrderBookSnapshot {
	out := *s
	out.Bids = append([]BookLevel(nil), s.Bids...)
	out.Asks = append([]BookLevel(nil), s.Asks...)
	return out
}

// L2Depth is the aggregated-depth summary attached to MarketData. Absent
// (nil) when the venue gave us no book for the symbol.
type L2Depth struct {
	BidUSD05  float64 `json:"bid_usd_0_5pct"` // cumulative bid USD within 0.5% of best
	AskUSD05  float64 `json:"ask_usd_0_5pct"`
	BidUSD03  float64 `json:"bid_usd_0_3pct"`
	AskUSD03  float64 `json:"ask_usd_0_3pct"`
	SpreadBps float64 `json:"spread_bps"`
	Imbalance float64 `json:"imbalance"` // (bid-ask)/(bid+ask) in [-1,1]
}

// TradeMetrics is the rolling-window summary published by the trades
// aggregator. LastUpdate advances strictly monotonically per symbol.
type TradeMetrics struct {
	Symbol          string  `json:"symbol"`
	TPM10s          float64 `json:"tpm_10s"` // trades per minute, 10s window
	TPM60s          float64 `json:"tpm_60s"`
	TPS10s          float64 `json:"tps_10s"`
	BuySellRatio60s float64 `json:"buy_sell_ratio_60s"` // buys / max(sells,1)
	VolDelta10s     float64 `json:"vol_delta_10s"`      // Σ buy amount − Σ sell amount
	VolDelta60s     float64 `json:"vol_delta_60s"`
	VolDelta300s    float64 `json:"vol_delta_300s"`
	LastUpdate      int64   `json:"last_update"` // ms
}

// ————————————————————————————————————————————————————————————————————————
// Densities
// ————————————————————————————————————————————————————————————————————————

// BookSide distinguishes the two halves of the book for density tracking.
type BookSide string

const (
	BidSide BookSide = "bid"
	AskSide BookSide = "ask"
)

// Density is a bucketed order-book cluster whose size exceeds the detector
// threshold. InitialSize is frozen at detection; EatenRatio tracks how much
// of it has since been consumed.
type Density struct {
	Symbol      string   `json:"symbol"`
	Side        BookSide `json:"side"`
	Price       float64  `json:"price"` // bucket anchor price
	Size        float64  `json:"size"`  // current aggregated size
	InitialSize float64  `json:"initial_size"`
	Strength    float64  `json:"strength"`    // size / current threshold
	EatenRatio  float64  `json:"eaten_ratio"` // 1 − size/initial, clamped to [0,1]
	FirstSeenMs int64    `json:"first_seen_ms"`
	UpdatedMs   int64    `json:"updated_ms"`
}

// DensityEventType tags the lifecycle events a tracked density emits.
type DensityEventType string

const (
	DensityDetected DensityEventType = "detected"
	DensityEaten    DensityEventType = "eaten"
	DensityRemoved  DensityEventType = "removed"
)

// DensityEvent is published on the detector's bounded event channel.
type DensityEvent struct {
	Type    DensityEventType `json:"type"`
	Density Density          `json:"density"`
	TsMs    int64            `json:"ts_ms"`
}

// ————————————————————————————————————————————————————————————————————————
// Levels
// ————————————————————————————————————————————————————————————————————————

// TradingLevel is a horizontal support/resistance level clustered from
// candle extremes. Strength grows with touch count and recency and with the
// round-number bonus when enabled.
type TradingLevel struct {
	Price         float64   `json:"price"`
	Type          LevelType `json:"type"`
	TouchCount    int       `json:"touch_count"` // at least 2 for a reportable level
	Strength      float64   `json:"strength"`    // [0,1]
	FirstTouchMs  int64     `json:"first_touch_ms"`
	LastTouchMs   int64     `json:"last_touch_ms"`
	IsRoundNumber bool      `json:"is_round_number"`
	RoundBonus    float64   `json:"round_bonus"`
	InCascade     bool      `json:"in_cascade"`
	CascadeSize   int       `json:"cascade_size"`
}

// ApproachQuality describes how price travelled into a level before a
// breakout attempt. A valid approach is shallow and consolidated.
type ApproachQuality struct {
	Valid             bool    `json:"valid"`
	SlopePctPerBar    float64 `json:"slope_pct_per_bar"`
	ConsolidationBars int     `json:"consolidation_bars"`
	Reason            string  `json:"reason"`
}

// ————————————————————————————————————————————————————————————————————————
// Scanner
// ————————————————————————————————————————————————————————————————————————

// MarketData is the per-symbol fact table handed to the scanner. Optional
// fields are pointers so "venue did not provide it" is distinguishable
// from zero.
type MarketData struct {
	Symbol          string   `json:"symbol"`
	Price           float64  `json:"price"`
	Volume24hUSD    float64  `json:"volume_24h_usd"`
	OIUSD           *float64 `json:"oi_usd,omitempty"`
	OIChange24h     *float64 `json:"oi_change_24h,omitempty"` // fraction, e.g. 0.15 = +15%
	TradesPerMinute float64  `json:"trades_per_minute"`
	ATR5m           float64  `json:"atr_5m"`
	ATR15m          float64  `json:"atr_15m"`
	BBWidthPct      float64  `json:"bb_width_pct"`
	BTCCorrelation  float64  `json:"btc_correlation"` // [-1,1]
	L2              *L2Depth `json:"l2,omitempty"`
	Candles5m       []Candle `json:"candles_5m"` // 60+ preferred
	TsMs            int64    `json:"ts_ms"`
}

// FilterDetail records one filter evaluation for diagnostics.
type FilterDetail struct {
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Passed    bool    `json:"passed"`
	Reason    string  `json:"reason,omitempty"`
}

// ScanResult is one scanned market with its filter verdicts, score
// decomposition, and detected levels. PassedAllFilters is always the
// conjunction of FilterResults.
type ScanResult struct {
	Symbol           string                  `json:"symbol"`
	Score            float64                 `json:"score"`
	Rank             int                     `json:"rank"` // 1-based after truncation
	Market           MarketData              `json:"market"`
	FilterResults    map[string]bool         `json:"filter_results"`
	FilterDetails    map[string]FilterDetail `json:"filter_details"`
	ScoreComponents  map[string]float64      `json:"score_components"`
	Levels           []TradingLevel          `json:"levels"`
	Ts               time.Time               `json:"ts"`
	PassedAllFilters bool                    `json:"passed_all_filters"`
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// SignalMeta carries sizing and context the risk and position layers need
// alongside the signal itself.
type SignalMeta struct {
	PositionSize  float64 `json:"position_size,omitempty"` // filled in by risk manager
	ScanScore     float64 `json:"scan_score"`
	ActivityIndex float64 `json:"activity_index"`
	Imbalance     float64 `json:"imbalance"`
	ATR           float64 `json:"atr"`
	AvgVolume     float64 `json:"avg_volume"`   // pre-entry volume baseline
	AvgMomentum   float64 `json:"avg_momentum"` // pre-entry momentum baseline
}

// Signal is an approved-for-evaluation trade idea. sign(Entry−SL) always
// matches Side.
type Signal struct {
	Symbol     string       `json:"symbol"`
	Side       PositionSide `json:"side"`
	Strategy   StrategyName `json:"strategy"`
	Reason     string       `json:"reason"`
	Entry      float64      `json:"entry"`
	Level      float64      `json:"level"` // the broken / retested level
	SL         float64      `json:"sl"`
	TP1        *float64     `json:"tp1,omitempty"`
	TP2        *float64     `json:"tp2,omitempty"`
	Confidence float64      `json:"confidence"` // [0,1]
	Ts         time.Time    `json:"ts"`
	Meta       SignalMeta   `json:"meta"`
}

// RiskUnit returns the 1R distance |entry − sl|.
func (s *Signal) RiskUnit() float64 {
	return math.Abs(s.Entry - s.SL)
}

// ————————————————————————————————————————————————————————————————————————
// Positions and orders
// ————————————————————————————————————————————————————————————————————————

// TPLevel is one rung of the take-profit ladder.
type TPLevel struct {
	Name           string        `json:"name"` // e.g. "tp1"
	RewardMultiple float64       `json:"reward_multiple"`
	SizePct        float64       `json:"size_pct"` // fraction of original qty, (0,1]
	PlacementMode  PlacementMode `json:"placement_mode"`
	Price          float64       `json:"price"` // resolved placement price
	Triggered      bool          `json:"triggered"`
}

// Position is a live or historical position. Qty is the remaining open
// quantity; partial TP fills reduce it. HighestSeen/LowestSeen track the
// extremes since entry for trailing and excursion math.
type Position struct {
	ID            string         `json:"id"`
	Symbol        string         `json:"symbol"`
	Side          PositionSide   `json:"side"`
	Strategy      StrategyName   `json:"strategy"`
	Qty           float64        `json:"qty"`
	InitialQty    float64        `json:"initial_qty"`
	Entry         float64        `json:"entry"`
	SL            float64        `json:"sl"`
	BreakoutLevel float64        `json:"breakout_level"`
	TPLevels      []TPLevel      `json:"tp_levels"`
	Status        PositionStatus `json:"status"`
	RealizedPnL   float64        `json:"realized_pnl_usd"`
	UnrealizedR   float64        `json:"unrealized_pnl_r"`
	HighestSeen   float64        `json:"highest_seen"`
	LowestSeen    float64        `json:"lowest_seen"`
	OpenedAt      time.Time      `json:"opened_at"`
	ClosedAt      *time.Time     `json:"closed_at,omitempty"`
	FSMState      string         `json:"fsm_state"`
}

// R returns the 1R price distance defined by entry and initial stop.
func (p *Position) R() float64 {
	return math.Abs(p.Entry - p.SL)
}

// FavorableExcursion returns how far price has moved in the position's
// favour since entry, in price units.
func (p *Position) FavorableExcursion() float64 {
	if p.Side == SideLong {
		return p.HighestSeen - p.Entry
	}
	return p.Entry - p.LowestSeen
}

// PriceR converts a price into multiples of R from entry, signed by
// direction so positive is always profit.
func (p *Position) PriceR(price float64) float64 {
	r := p.R()
	if r <= 0 {
		return 0
	}
	return (price - p.Entry) / r * p.Side.Sign()
}

// Order is the engine-side view of a venue order.
type Order struct {
	ID           string      `json:"id"`
	PositionID   string      `json:"position_id,omitempty"`
	Symbol       string      `json:"symbol"`
	Side         OrderSide   `json:"side"`
	Type         OrderType   `json:"type"`
	Qty          float64     `json:"qty"`
	Price        *float64    `json:"price,omitempty"` // nil for market orders
	Status       OrderStatus `json:"status"`
	FilledQty    float64     `json:"filled_qty"`
	AvgFillPrice *float64    `json:"avg_fill_price,omitempty"`
	FeesUSD      float64     `json:"fees_usd"`
	ReduceOnly   bool        `json:"reduce_only"`
	CreatedAt    time.Time   `json:"created_at"`
	FilledAt     *time.Time  `json:"filled_at,omitempty"`
	ExchangeID   string      `json:"exchange_id,omitempty"`
}

// Balance is the quote-currency account state.
type Balance struct {
	Currency  string  `json:"currency"`
	Total     float64 `json:"total"`
	Available float64 `json:"available"`
}

// Instrument is venue metadata for one perpetual contract.
type Instrument struct {
	Symbol       string  `json:"symbol"`
	Base         string  `json:"base"`
	Quote        string  `json:"quote"`
	TickSize     float64 `json:"tick_size"` // minimum price increment
	LotStep      float64 `json:"lot_step"`  // minimum qty increment
	MinQty       float64 `json:"min_qty"`
	Volume24hUSD float64 `json:"volume_24h_usd"`
	LastPrice    float64 `json:"last_price"`
	OIUSD        float64 `json:"oi_usd"`
	Status       string  `json:"status"` // "Trading" when live
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket wire payloads
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the venue's public-stream JSON. Topics follow
// "publicTrade.SYMBOL" and "orderbook.DEPTH.SYMBOL"; every frame carries its
// topic plus a type field for book frames (snapshot vs delta).

// WSEnvelope is the outer frame used to route incoming messages by topic.
type WSEnvelope struct {
	Topic string `json:"topic"`
	Type  string `json:"type,omitempty"` // "snapshot" or "delta" for book topics
	TsMs  int64  `json:"ts"`
}

// WSTradeEntry is a single trade inside a publicTrade frame.
type WSTradeEntry struct {
	ID     string  `json:"i"`
	TsMs   int64   `json:"T"`
	Price  float64 `json:"p,string"`
	Volume float64 `json:"v,string"`
	Side   string  `json:"S"` // "Buy" or "Sell"
}

// WSTradeMsg is a publicTrade frame: one or more trades for a symbol.
type WSTradeMsg struct {
	Topic string         `json:"topic"`
	TsMs  int64          `json:"ts"`
	Data  []WSTradeEntry `json:"data"`
}

// WSBookData is the payload of an orderbook frame. Levels are [price, size]
// string pairs; a size of "0" in a delta removes the level.
type WSBookData struct {
	Symbol   string      `json:"s"`
	Bids     [][2]string `json:"b"`
	Asks     [][2]string `json:"a"`
	UpdateID int64       `json:"u"`
	Seq      int64       `json:"seq"`
}

// WSBookMsg is an orderbook frame, either a full snapshot or a delta.
type WSBookMsg struct {
	Topic string     `json:"topic"`
	Type  string     `json:"type"` // "snapshot" or "delta"
	TsMs  int64      `json:"ts"`
	Data  WSBookData `json:"data"`
}

// WSCommand is the subscribe/unsubscribe request frame. Args carries at most
// ten topics per request; the feed batches larger subscriptions.
type WSCommand struct {
	ReqID string   `json:"req_id,omitempty"`
	Op    string   `json:"op"` // "subscribe", "unsubscribe", "ping"
	Args  []string `json:"args,omitempty"`
}

// WSAck is the venue's response to a WSCommand.
type WSAck struct {
	ReqID   string `json:"req_id,omitempty"`
	Op      string `json:"op"`
	Success bool   `json:"success"`
	RetMsg  string `json:"ret_msg,omitempty"`
}
