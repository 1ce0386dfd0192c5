// ws.go implements the public WebSocket feed for real-time market data.
//
// One connection carries every subscribed symbol. Two topic families are
// consumed:
//
//   - publicTrade.SYMBOL:    executed trades, batched per frame
//   - orderbook.50.SYMBOL:   book snapshots and incremental deltas
//
// The feed auto-reconnects with exponential backoff (1s doubling to 60s max)
// and re-subscribes to all tracked symbols on reconnection, batching at most
// ten topics per subscribe frame. A read deadline detects silent server
// failures within ~2 missed pings. Frames that fail to decode feed a
// per-symbol circuit breaker so one bad stream cannot poison the rest.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"perp-breakout/pkg/types"
)

const (
	pingInterval     = 20 * time.Second // venue expects a ping at least every 30s
	readTimeout      = 45 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 60 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing frames
	bookBufferSize   = 256
	tradeBufferSize  = 256
	topicBatchSize   = 10                     // venue rejects subscribe frames with more args
	topicBatchPause  = 250 * time.Millisecond // spacing between subscribe frames
	bookDepth        = 50
)

// TradeEvent is a decoded publicTrade frame: one or more trades for a symbol
// in venue order.
type TradeEvent struct {
	Symbol string
	Trades []types.Trade
}

// BookEvent is a decoded orderbook frame. Snapshot frames replace the book;
// delta frames patch it. A zero size in a delta removes the level.
type BookEvent struct {
	Symbol   string
	Type     string // "snapshot" or "delta"
	TsMs     int64
	UpdateID int64
	Bids     []types.BookLevel
	Asks     []types.BookLevel
}

// WSFeed manages the public market-data connection: lifecycle, subscription
// tracking, message routing, and automatic reconnection.
type WSFeed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscribed symbols for automatic re-subscribe on reconnect.
	// Symbols added while disconnected are flushed at the next connect.
	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	tradeCh chan TradeEvent
	bookCh  chan BookEvent

	guard *ParseGuard

	droppedMu sync.Mutex
	dropped   map[string]int64 // per-channel drop counters

	logger zerolog.Logger
}

// NewWSFeed creates a feed for the venue's public stream endpoint.
func NewWSFeed(wsURL string, logger zerolog.Logger) *WSFeed {
	return &WSFeed{
		url:        wsURL,
		subscribed: make(map[string]bool),
		tradeCh:    make(chan TradeEvent, tradeBufferSize),
		bookCh:     make(chan BookEvent, bookBufferSize),
		guard:      NewParseGuard(logger),
		dropped:    make(map[string]int64),
		logger:     logger,
	}
}

// TradeEvents returns a read-only channel of decoded trade frames.
func (f *WSFeed) TradeEvents() <-chan TradeEvent { return f.tradeCh }

// BookEvents returns a read-only channel of decoded book frames.
func (f *WSFeed) BookEvents() <-chan BookEvent { return f.bookCh }

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that held for a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}

		f.logger.Warn().
			Err(err).
			Dur("backoff", backoff).
			Msg("websocket disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds symbols to the feed. Each symbol subscribes both its trade
// and book topics. Safe to call while disconnected; the topics are sent at
// the next successful connect.
func (f *WSFeed) Subscribe(symbols []string) error {
	f.subscribedMu.Lock()
	added := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if !f.subscribed[s] {
			f.subscribed[s] = true
			added = append(added, s)
		}
	}
	f.subscribedMu.Unlock()

	if len(added) == 0 || !f.connected() {
		return nil
	}
	return f.sendTopicBatches("subscribe", topicsFor(added))
}

// Unsubscribe removes symbols from the feed.
func (f *WSFeed) Unsubscribe(symbols []string) error {
	f.subscribedMu.Lock()
	removed := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if f.subscribed[s] {
			delete(f.subscribed, s)
			removed = append(removed, s)
		}
	}
	f.subscribedMu.Unlock()

	if len(removed) == 0 || !f.connected() {
		return nil
	}
	return f.sendTopicBatches("unsubscribe", topicsFor(removed))
}

// Resync forces a fresh book snapshot for one symbol by cycling its
// orderbook topic. Called by the book manager on sequence gaps.
func (f *WSFeed) Resync(symbol string) error {
	if !f.connected() {
		return nil // reconnect will deliver a snapshot anyway
	}
	topic := bookTopic(symbol)
	if err := f.writeCommand("unsubscribe", []string{topic}); err != nil {
		return err
	}
	return f.writeCommand("subscribe", []string{topic})
}

// Subscribed returns the currently tracked symbols.
func (f *WSFeed) Subscribed() []string {
	f.subscribedMu.RLock()
	defer f.subscribedMu.RUnlock()
	out := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		out = append(out, s)
	}
	return out
}

// Dropped returns per-channel counts of events discarded because a consumer
// fell behind.
func (f *WSFeed) Dropped() map[string]int64 {
	f.droppedMu.Lock()
	defer f.droppedMu.Unlock()
	out := make(map[string]int64, len(f.dropped))
	for k, v := range f.dropped {
		out[k] = v
	}
	return out
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) connected() bool {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	return f.conn != nil
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.resubscribeAll(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	f.logger.Info().Int("symbols", len(f.Subscribed())).Msg("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

// resubscribeAll replays the tracked symbol set on a fresh connection.
func (f *WSFeed) resubscribeAll() error {
	symbols := f.Subscribed()
	if len(symbols) == 0 {
		return nil
	}
	return f.sendTopicBatches("subscribe", topicsFor(symbols))
}

// sendTopicBatches splits topics into frames the venue accepts and paces
// them so a large watchlist doesn't trip the connection-level command limit.
func (f *WSFeed) sendTopicBatches(op string, topics []string) error {
	for i := 0; i < len(topics); i += topicBatchSize {
		end := i + topicBatchSize
		if end > len(topics) {
			end = len(topics)
		}
		if err := f.writeCommand(op, topics[i:end]); err != nil {
			return err
		}
		if end < len(topics) {
			time.Sleep(topicBatchPause)
		}
	}
	return nil
}

func topicsFor(symbols []string) []string {
	topics := make([]string, 0, 2*len(symbols))
	for _, s := range symbols {
		topics = append(topics, tradeTopic(s), bookTopic(s))
	}
	return topics
}

func tradeTopic(symbol string) string { return "publicTrade." + symbol }

func bookTopic(symbol string) string {
	return fmt.Sprintf("orderbook.%d.%s", bookDepth, symbol)
}

func (f *WSFeed) dispatchMessage(data []byte) {
	var envelope types.WSEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug().Str("data", string(data)).Msg("ignoring non-json ws frame")
		return
	}
	if envelope.Topic == "" {
		f.handleAck(data)
		return
	}

	symbol := topicSymbol(envelope.Topic)
	if symbol == "" {
		f.logger.Debug().Str("topic", envelope.Topic).Msg("unknown ws topic")
		return
	}
	if f.guard.Open(symbol) {
		return
	}

	switch {
	case strings.HasPrefix(envelope.Topic, "publicTrade."):
		f.handleTrades(symbol, data)
	case strings.HasPrefix(envelope.Topic, "orderbook."):
		f.handleBook(symbol, data)
	default:
		f.logger.Debug().Str("topic", envelope.Topic).Msg("unhandled ws topic")
	}
}

func (f *WSFeed) handleAck(data []byte) {
	var ack types.WSAck
	if err := json.Unmarshal(data, &ack); err != nil || ack.Op == "" {
		return
	}
	if ack.Op == "pong" || ack.Op == "ping" {
		return
	}
	if !ack.Success {
		f.logger.Warn().Str("op", ack.Op).Str("ret_msg", ack.RetMsg).Msg("ws command rejected")
	}
}

func (f *WSFeed) handleTrades(symbol string, data []byte) {
	var msg types.WSTradeMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		f.guard.Record(symbol, err)
		f.logger.Error().Err(err).Str("symbol", symbol).Msg("unmarshal trade frame")
		return
	}
	f.guard.Record(symbol, nil)

	trades := make([]types.Trade, 0, len(msg.Data))
	for _, entry := range msg.Data {
		trades = append(trades, types.Trade{
			TsMs:   entry.TsMs,
			Price:  entry.Price,
			Amount: entry.Volume,
			Side:   normalizeSide(entry.Side),
		})
	}

	select {
	case f.tradeCh <- TradeEvent{Symbol: symbol, Trades: trades}:
	default:
		f.countDrop("trade")
	}
}

func (f *WSFeed) handleBook(symbol string, data []byte) {
	var msg types.WSBookMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		f.guard.Record(symbol, err)
		f.logger.Error().Err(err).Str("symbol", symbol).Msg("unmarshal book frame")
		return
	}
	f.guard.Record(symbol, nil)

	evt := BookEvent{
		Symbol:   msg.Data.Symbol,
		Type:     msg.Type,
		TsMs:     msg.TsMs,
		UpdateID: msg.Data.UpdateID,
		Bids:     parseLevels(msg.Data.Bids),
		Asks:     parseLevels(msg.Data.Asks),
	}
	if evt.Symbol == "" {
		evt.Symbol = symbol
	}

	select {
	case f.bookCh <- evt:
	default:
		f.countDrop("book")
	}
}

func (f *WSFeed) countDrop(channel string) {
	f.droppedMu.Lock()
	f.dropped[channel]++
	n := f.dropped[channel]
	f.droppedMu.Unlock()
	if n%1000 == 1 {
		f.logger.Warn().Str("channel", channel).Int64("total_dropped", n).Msg("ws consumer falling behind")
	}
}

// topicSymbol extracts the symbol from a dotted topic name.
func topicSymbol(topic string) string {
	idx := strings.LastIndexByte(topic, '.')
	if idx < 0 || idx == len(topic)-1 {
		return ""
	}
	return topic[idx+1:]
}

func normalizeSide(s string) types.TradeSide {
	if strings.EqualFold(s, "sell") {
		return types.TradeSell
	}
	return types.TradeBuy
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeCommand("ping", nil); err != nil {
				f.logger.Warn().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (f *WSFeed) writeCommand(op string, args []string) error {
	cmd := types.WSCommand{Op: op, Args: args}
	if op != "ping" {
		cmd.ReqID = uuid.NewString()
	}
	return f.writeJSON(cmd)
}

func (f *WSFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}
