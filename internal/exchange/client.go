// Package exchange implements the venue REST and WebSocket clients plus the
// paper-trading backend.
//
// The REST client (Client) covers everything the engine needs from the venue:
//   - FetchMarkets:      GET /v5/market/instruments-info + /tickers — tradable perps
//   - FetchOHLCV:        GET /v5/market/kline        — historical candles
//   - FetchOrderBook:    GET /v5/market/orderbook    — REST book snapshot
//   - FetchOpenInterest: GET /v5/market/tickers      — open interest value
//   - Balance:           GET /v5/account/wallet-balance (signed)
//   - PlaceOrder:        POST /v5/order/create          (signed)
//   - CancelOrder:       POST /v5/order/cancel          (signed)
//
// Every request passes the per-family rate limiter first, is retried on
// transport errors and 5xx/429 responses, and surfaces classified
// VenueErrors. Quantities and prices are snapped to the instrument's lot
// step and tick size before they leave the process.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perp-breakout/internal/config"
	"perp-breakout/pkg/types"
)

const (
	categoryLinear  = "linear"
	quoteCoin       = "USDT"
	orderPollPeriod = 2 * time.Second
)

// Client is the venue REST API client.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	logger zerolog.Logger

	instMu      sync.RWMutex
	instruments map[string]types.Instrument

	trackMu sync.Mutex
	tracked map[string]types.Order // open orders we poll for fills

	updates chan types.Order
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.VenueConfig, logger zerolog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:        httpClient,
		auth:        NewAuth(Credentials{APIKey: cfg.APIKey, APISecret: cfg.APISecret}, int64(cfg.RecvWindow)),
		rl:          NewRateLimiter(cfg.RateMarketData, cfg.RateOrders, cfg.RateAccount),
		logger:      logger,
		instruments: make(map[string]types.Instrument),
		tracked:     make(map[string]types.Order),
		updates:     make(chan types.Order, 64),
	}
}

// restEnvelope is the venue's outer response shape. Application errors come
// back as retCode != 0 with HTTP 200.
type restEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// get issues an unsigned GET and unwraps the envelope into out.
func (c *Client) get(ctx context.Context, family LimitFamily, path string, params map[string]string, out any) error {
	return c.do(ctx, family, http.MethodGet, path, params, nil, out, false)
}

// do issues one request. Signed requests carry auth headers computed over
// the query string (GET) or JSON body (POST).
func (c *Client) do(ctx context.Context, family LimitFamily, method, path string, params map[string]string, body any, out any, signed bool) error {
	if err := c.rl.Wait(ctx, family); err != nil {
		return err
	}

	req := c.http.R().SetContext(ctx)
	var env restEnvelope
	req.SetResult(&env)

	payload := ""
	if len(params) > 0 {
		req.SetQueryParams(params)
		payload = encodeQuery(params)
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", path, err)
		}
		req.SetBody(json.RawMessage(raw))
		payload = string(raw)
	}
	if signed {
		headers, err := c.auth.Headers(payload)
		if err != nil {
			return err
		}
		req.SetHeaders(headers)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return classifyTransport(err, fmt.Sprintf("%s %s", method, path))
	}
	if resp.StatusCode() != http.StatusOK || env.RetCode != retCodeOK {
		return &VenueError{
			Kind:   classifyStatus(resp.StatusCode(), env.RetCode),
			Status: resp.StatusCode(),
			Code:   env.RetCode,
			Msg:    fmt.Sprintf("%s %s: %s", method, path, venueMsg(env.RetMsg, resp)),
		}
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", path, err)
		}
	}
	return nil
}

func venueMsg(retMsg string, resp *resty.Response) string {
	if retMsg != "" {
		return retMsg
	}
	return resp.Status()
}

// encodeQuery renders params in sorted key order, matching what the venue
// signs against.
func encodeQuery(params map[string]string) string {
	v := url.Values{}
	for k, val := range params {
		v.Set(k, val)
	}
	return v.Encode()
}

// —————————————————————————————————————————————————————————————————————
// Market data
// —————————————————————————————————————————————————————————————————————

type instrumentInfo struct {
	Symbol      string `json:"symbol"`
	BaseCoin    string `json:"baseCoin"`
	QuoteCoin   string `json:"quoteCoin"`
	Status      string `json:"status"`
	PriceFilter struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
	LotSizeFilter struct {
		QtyStep     string `json:"qtyStep"`
		MinOrderQty string `json:"minOrderQty"`
	} `json:"lotSizeFilter"`
}

type tickerInfo struct {
	Symbol            string `json:"symbol"`
	LastPrice         string `json:"lastPrice"`
	Turnover24h       string `json:"turnover24h"`
	OpenInterestValue string `json:"openInterestValue"`
}

// FetchMarkets returns all tradable linear perpetuals with 24h volume, last
// price and open interest joined in from the tickers endpoint. Results are
// cached for lot/tick rounding on later orders.
func (c *Client) FetchMarkets(ctx context.Context) ([]types.Instrument, error) {
	var info struct {
		List []instrumentInfo `json:"list"`
	}
	if err := c.get(ctx, FamilyMarketData, "/v5/market/instruments-info", map[string]string{"category": categoryLinear}, &info); err != nil {
		return nil, err
	}

	var tickers struct {
		List []tickerInfo `json:"list"`
	}
	if err := c.get(ctx, FamilyMarketData, "/v5/market/tickers", map[string]string{"category": categoryLinear}, &tickers); err != nil {
		return nil, err
	}
	bySymbol := make(map[string]tickerInfo, len(tickers.List))
	for _, t := range tickers.List {
		bySymbol[t.Symbol] = t
	}

	out := make([]types.Instrument, 0, len(info.List))
	for _, in := range info.List {
		inst := types.Instrument{
			Symbol:   in.Symbol,
			Base:     in.BaseCoin,
			Quote:    in.QuoteCoin,
			TickSize: parseFloat(in.PriceFilter.TickSize),
			LotStep:  parseFloat(in.LotSizeFilter.QtyStep),
			MinQty:   parseFloat(in.LotSizeFilter.MinOrderQty),
			Status:   in.Status,
		}
		if t, ok := bySymbol[in.Symbol]; ok {
			inst.LastPrice = parseFloat(t.LastPrice)
			inst.Volume24hUSD = parseFloat(t.Turnover24h)
			inst.OIUSD = parseFloat(t.OpenInterestValue)
		}
		out = append(out, inst)
	}

	c.instMu.Lock()
	for _, inst := range out {
		c.instruments[inst.Symbol] = inst
	}
	c.instMu.Unlock()

	return out, nil
}

// Instrument returns cached venue metadata for a symbol.
func (c *Client) Instrument(symbol string) (types.Instrument, bool) {
	c.instMu.RLock()
	defer c.instMu.RUnlock()
	inst, ok := c.instruments[symbol]
	return inst, ok
}

// intervalParam maps a timeframe string to the venue's kline interval code.
func intervalParam(tf string) (string, error) {
	switch tf {
	case "1m":
		return "1", nil
	case "5m":
		return "5", nil
	case "15m":
		return "15", nil
	case "1h":
		return "60", nil
	case "4h":
		return "240", nil
	case "1d":
		return "D", nil
	}
	return "", fmt.Errorf("unsupported timeframe %q", tf)
}

// FetchOHLCV returns up to limit candles for symbol at the given timeframe,
// oldest first. The venue answers newest-first so the list is reversed.
func (c *Client) FetchOHLCV(ctx context.Context, symbol, tf string, limit int) ([]types.Candle, error) {
	interval, err := intervalParam(tf)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}

	var result struct {
		List [][]string `json:"list"` // [startMs, open, high, low, close, volume, turnover]
	}
	params := map[string]string{
		"category": categoryLinear,
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	if err := c.get(ctx, FamilyMarketData, "/v5/market/kline", params, &result); err != nil {
		return nil, err
	}

	candles := make([]types.Candle, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			continue
		}
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		candles = append(candles, types.Candle{
			TsMs:   ts,
			Open:   parseFloat(row[1]),
			High:   parseFloat(row[2]),
			Low:    parseFloat(row[3]),
			Close:  parseFloat(row[4]),
			Volume: parseFloat(row[5]),
		})
	}
	return candles, nil
}

// FetchOrderBook returns a REST book snapshot with up to depth levels a side.
func (c *Client) FetchOrderBook(ctx context.Context, symbol string, depth int) (*types.OrderBookSnapshot, error) {
	if depth <= 0 {
		depth = 50
	}
	var result struct {
		Symbol   string      `json:"s"`
		Bids     [][2]string `json:"b"`
		Asks     [][2]string `json:"a"`
		TsMs     int64       `json:"ts"`
		UpdateID int64       `json:"u"`
	}
	params := map[string]string{
		"category": categoryLinear,
		"symbol":   symbol,
		"limit":    strconv.Itoa(depth),
	}
	if err := c.get(ctx, FamilyMarketData, "/v5/market/orderbook", params, &result); err != nil {
		return nil, err
	}

	snap := &types.OrderBookSnapshot{
		Symbol:   result.Symbol,
		TsMs:     result.TsMs,
		UpdateID: result.UpdateID,
		Bids:     parseLevels(result.Bids),
		Asks:     parseLevels(result.Asks),
	}
	return snap, nil
}

// FetchOpenInterest returns the symbol's open interest in quote currency.
func (c *Client) FetchOpenInterest(ctx context.Context, symbol string) (float64, error) {
	var tickers struct {
		List []tickerInfo `json:"list"`
	}
	params := map[string]string{"category": categoryLinear, "symbol": symbol}
	if err := c.get(ctx, FamilyMarketData, "/v5/market/tickers", params, &tickers); err != nil {
		return 0, err
	}
	if len(tickers.List) == 0 {
		return 0, &VenueError{Kind: KindBadRequest, Msg: fmt.Sprintf("no ticker for %s", symbol)}
	}
	return parseFloat(tickers.List[0].OpenInterestValue), nil
}

func parseLevels(raw [][2]string) []types.BookLevel {
	levels := make([]types.BookLevel, 0, len(raw))
	for _, lv := range raw {
		levels = append(levels, types.BookLevel{Price: parseFloat(lv[0]), Size: parseFloat(lv[1])})
	}
	return levels
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// —————————————————————————————————————————————————————————————————————
// Account and orders
// —————————————————————————————————————————————————————————————————————

// Balance returns the USDT wallet balance.
func (c *Client) Balance(ctx context.Context) (types.Balance, error) {
	var result struct {
		List []struct {
			Coin []struct {
				Coin                string `json:"coin"`
				WalletBalance       string `json:"walletBalance"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	params := map[string]string{"accountType": "UNIFIED"}
	if err := c.do(ctx, FamilyAccount, http.MethodGet, "/v5/account/wallet-balance", params, nil, &result, true); err != nil {
		return types.Balance{}, err
	}
	for _, acct := range result.List {
		for _, coin := range acct.Coin {
			if coin.Coin == quoteCoin {
				return types.Balance{
					Currency:  quoteCoin,
					Total:     parseFloat(coin.WalletBalance),
					Available: parseFloat(coin.AvailableToWithdraw),
				}, nil
			}
		}
	}
	return types.Balance{Currency: quoteCoin}, nil
}

type orderCreateRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	ReduceOnly  bool   `json:"reduceOnly,omitempty"`
	OrderLinkID string `json:"orderLinkId"`
}

// PlaceOrder submits one order. Quantity is floored to the instrument's lot
// step and price snapped to its tick size; a quantity below the venue
// minimum is rejected before any request is made.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*types.Order, error) {
	inst, _ := c.Instrument(req.Symbol)
	qty := req.Qty
	if inst.LotStep > 0 {
		qty = floorToStep(qty, inst.LotStep)
	}
	if qty <= 0 || (inst.MinQty > 0 && qty < inst.MinQty) {
		return nil, &VenueError{Kind: KindBadRequest, Msg: fmt.Sprintf("qty %.10f below minimum for %s", req.Qty, req.Symbol)}
	}

	linkID := uuid.NewString()
	body := orderCreateRequest{
		Category:    categoryLinear,
		Symbol:      req.Symbol,
		Side:        venueSide(req.Side),
		OrderType:   venueOrderType(req.Type),
		Qty:         formatStep(qty, inst.LotStep),
		ReduceOnly:  req.ReduceOnly,
		OrderLinkID: linkID,
	}
	if req.Type == types.OrderLimit {
		if req.Price == nil {
			return nil, &VenueError{Kind: KindBadRequest, Msg: "limit order without price"}
		}
		price := *req.Price
		if inst.TickSize > 0 {
			price = snapToTick(price, inst.TickSize)
		}
		body.Price = formatStep(price, inst.TickSize)
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := c.do(ctx, FamilyOrders, http.MethodPost, "/v5/order/create", nil, body, &result, true); err != nil {
		return nil, err
	}

	order := types.Order{
		ID:         linkID,
		PositionID: req.PositionID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Qty:        qty,
		Price:      req.Price,
		Status:     types.OrderOpen,
		ReduceOnly: req.ReduceOnly,
		CreatedAt:  time.Now().UTC(),
		ExchangeID: result.OrderID,
	}
	c.track(order)
	c.logger.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("type", string(req.Type)).
		Float64("qty", qty).
		Str("order_id", result.OrderID).
		Msg("order placed")
	return &order, nil
}

// CancelOrder cancels one order by venue ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeID string) error {
	body := map[string]string{
		"category": categoryLinear,
		"symbol":   symbol,
		"orderId":  exchangeID,
	}
	if err := c.do(ctx, FamilyOrders, http.MethodPost, "/v5/order/cancel", nil, body, nil, true); err != nil {
		return err
	}
	c.untrack(exchangeID)
	c.logger.Info().Str("symbol", symbol).Str("order_id", exchangeID).Msg("order cancelled")
	return nil
}

// OrderUpdates emits order state transitions observed by the poll loop.
func (c *Client) OrderUpdates() <-chan types.Order { return c.updates }

func (c *Client) track(o types.Order) {
	c.trackMu.Lock()
	c.tracked[o.ExchangeID] = o
	c.trackMu.Unlock()
}

func (c *Client) untrack(exchangeID string) {
	c.trackMu.Lock()
	delete(c.tracked, exchangeID)
	c.trackMu.Unlock()
}

// Run polls tracked orders for fills until ctx is cancelled. Live mode only;
// paper mode emits synthetic fills instead.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(orderPollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollTracked(ctx)
		}
	}
}

type orderStatusInfo struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	CumExecFee  string `json:"cumExecFee"`
}

func (c *Client) pollTracked(ctx context.Context) {
	c.trackMu.Lock()
	ids := make([]types.Order, 0, len(c.tracked))
	for _, o := range c.tracked {
		ids = append(ids, o)
	}
	c.trackMu.Unlock()

	for _, order := range ids {
		var result struct {
			List []orderStatusInfo `json:"list"`
		}
		params := map[string]string{
			"category": categoryLinear,
			"symbol":   order.Symbol,
			"orderId":  order.ExchangeID,
		}
		if err := c.do(ctx, FamilyOrders, http.MethodGet, "/v5/order/realtime", params, nil, &result, true); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Str("order_id", order.ExchangeID).Msg("order poll failed")
			continue
		}
		if len(result.List) == 0 {
			continue
		}
		c.applyOrderStatus(order, result.List[0])
	}
}

func (c *Client) applyOrderStatus(order types.Order, info orderStatusInfo) {
	status := mapOrderStatus(info.OrderStatus)
	if status == order.Status && parseFloat(info.CumExecQty) == order.FilledQty {
		return
	}

	order.Status = status
	order.FilledQty = parseFloat(info.CumExecQty)
	order.FeesUSD = parseFloat(info.CumExecFee)
	if avg := parseFloat(info.AvgPrice); avg > 0 {
		order.AvgFillPrice = &avg
	}
	if status == types.OrderFilled {
		now := time.Now().UTC()
		order.FilledAt = &now
	}
	if status.Terminal() {
		c.untrack(order.ExchangeID)
	} else {
		c.track(order)
	}

	select {
	case c.updates <- order:
	default:
		c.logger.Warn().Str("order_id", order.ExchangeID).Msg("order update dropped, channel full")
	}
}

func mapOrderStatus(s string) types.OrderStatus {
	switch s {
	case "New", "PartiallyFilled", "Untriggered":
		return types.OrderOpen
	case "Filled":
		return types.OrderFilled
	case "Cancelled", "Deactivated":
		return types.OrderCancelled
	case "Rejected":
		return types.OrderRejected
	}
	return types.OrderPending
}

func venueSide(s types.OrderSide) string {
	if s == types.OrderSell {
		return "Sell"
	}
	return "Buy"
}

func venueOrderType(t types.OrderType) string {
	if t == types.OrderLimit {
		return "Limit"
	}
	return "Market"
}

// —————————————————————————————————————————————————————————————————————
// Precision helpers
// —————————————————————————————————————————————————————————————————————

// floorToStep floors qty to a multiple of step. Decimal arithmetic avoids
// the float drift that makes 0.29999999 out of 0.3.
func floorToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	d := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	f, _ := d.Div(s).Floor().Mul(s).Float64()
	return f
}

// snapToTick rounds price to the nearest tick.
func snapToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	d := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	f, _ := d.Div(t).Round(0).Mul(t).Float64()
	return f
}

// formatStep renders a value with the precision implied by step so the venue
// never sees scientific notation or trailing noise.
func formatStep(v, step float64) string {
	if step <= 0 {
		return decimal.NewFromFloat(v).String()
	}
	exp := decimal.NewFromFloat(step).Exponent()
	places := int32(0)
	if exp < 0 {
		places = -exp
	}
	return decimal.NewFromFloat(v).StringFixed(places)
}
