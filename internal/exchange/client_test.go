package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"perp-breakout/internal/config"
	"perp-breakout/pkg/types"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.VenueConfig{
		RESTBaseURL:    srv.URL,
		APIKey:         "test-key",
		APISecret:      "test-secret",
		RecvWindow:     5000,
		RateMarketData: 100,
		RateOrders:     100,
		RateAccount:    100,
	}
	return NewClient(cfg, zerolog.Nop())
}

func writeEnvelope(w http.ResponseWriter, result string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"retCode":0,"retMsg":"OK","result":%s}`, result)
}

func TestFetchOHLCVReturnsAscending(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/kline", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("interval"); got != "5" {
			t.Errorf("interval = %q, want %q", got, "5")
		}
		// Venue order: newest first.
		writeEnvelope(w, `{"list":[
			["2000","101","103","100","102","7","700"],
			["1000","100","102","99","101","5","500"]
		]}`)
	})

	c := newTestClient(t, mux)
	candles, err := c.FetchOHLCV(context.Background(), "BTCUSDT", "5m", 2)
	if err != nil {
		t.Fatalf("FetchOHLCV: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("got %d candles, want 2", len(candles))
	}
	if candles[0].TsMs != 1000 || candles[1].TsMs != 2000 {
		t.Errorf("candles not ascending: %d, %d", candles[0].TsMs, candles[1].TsMs)
	}
	first := candles[0]
	if first.Open != 100 || first.High != 102 || first.Low != 99 || first.Close != 101 || first.Volume != 5 {
		t.Errorf("candle fields wrong: %+v", first)
	}
}

func TestFetchOHLCVRejectsUnknownTimeframe(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.NewServeMux())
	if _, err := c.FetchOHLCV(context.Background(), "BTCUSDT", "7m", 10); err == nil {
		t.Error("expected error for unsupported timeframe")
	}
}

func TestFetchMarketsJoinsTickerData(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/instruments-info", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, `{"list":[{
			"symbol":"BTCUSDT","baseCoin":"BTC","quoteCoin":"USDT","status":"Trading",
			"priceFilter":{"tickSize":"0.5"},
			"lotSizeFilter":{"qtyStep":"0.001","minOrderQty":"0.001"}
		}]}`)
	})
	mux.HandleFunc("/v5/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, `{"list":[{
			"symbol":"BTCUSDT","lastPrice":"50000","turnover24h":"123456789","openInterestValue":"987654"
		}]}`)
	})

	c := newTestClient(t, mux)
	markets, err := c.FetchMarkets(context.Background())
	if err != nil {
		t.Fatalf("FetchMarkets: %v", err)
	}
	if len(markets) != 1 {
		t.Fatalf("got %d markets, want 1", len(markets))
	}
	m := markets[0]
	if m.TickSize != 0.5 || m.LotStep != 0.001 || m.MinQty != 0.001 {
		t.Errorf("precision fields wrong: %+v", m)
	}
	if m.LastPrice != 50000 || m.Volume24hUSD != 123456789 || m.OIUSD != 987654 {
		t.Errorf("ticker join wrong: %+v", m)
	}

	cached, ok := c.Instrument("BTCUSDT")
	if !ok || cached.LotStep != 0.001 {
		t.Errorf("instrument cache miss: %+v ok=%v", cached, ok)
	}
}

func TestFetchOrderBookParsesLevels(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/orderbook", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, `{"s":"ETHUSDT","b":[["3000","1.5"],["2999","2"]],"a":[["3001","1"]],"ts":1700000000000,"u":42}`)
	})

	c := newTestClient(t, mux)
	snap, err := c.FetchOrderBook(context.Background(), "ETHUSDT", 50)
	if err != nil {
		t.Fatalf("FetchOrderBook: %v", err)
	}
	if snap.Symbol != "ETHUSDT" || snap.UpdateID != 42 {
		t.Errorf("snapshot meta wrong: %+v", snap)
	}
	if len(snap.Bids) != 2 || snap.Bids[0].Price != 3000 || snap.Bids[0].Size != 1.5 {
		t.Errorf("bids wrong: %+v", snap.Bids)
	}
	if len(snap.Asks) != 1 || snap.Asks[0].Price != 3001 {
		t.Errorf("asks wrong: %+v", snap.Asks)
	}
}

func TestPlaceOrderSnapsQtyAndPrice(t *testing.T) {
	t.Parallel()
	var gotBody orderCreateRequest
	var sawSign atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("/v5/order/create", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-SIGN") != "" {
			sawSign.Store(true)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		writeEnvelope(w, `{"orderId":"ex-123"}`)
	})

	c := newTestClient(t, mux)
	c.instruments["BTCUSDT"] = types.Instrument{
		Symbol: "BTCUSDT", TickSize: 0.5, LotStep: 0.001, MinQty: 0.001,
	}

	price := 100.26
	order, err := c.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT",
		Side:   types.OrderBuy,
		Type:   types.OrderLimit,
		Qty:    0.0039,
		Price:  &price,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if gotBody.Qty != "0.003" {
		t.Errorf("wire qty = %q, want %q", gotBody.Qty, "0.003")
	}
	if gotBody.Price != "100.5" {
		t.Errorf("wire price = %q, want %q", gotBody.Price, "100.5")
	}
	if gotBody.Side != "Buy" || gotBody.OrderType != "Limit" {
		t.Errorf("side/type = %q/%q", gotBody.Side, gotBody.OrderType)
	}
	if !sawSign.Load() {
		t.Error("request was not signed")
	}
	if order.ExchangeID != "ex-123" || order.Qty != 0.003 || order.Status != types.OrderOpen {
		t.Errorf("returned order wrong: %+v", order)
	}
}

func TestPlaceOrderRejectsBelowMinimum(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	c := newTestClient(t, mux)
	c.instruments["BTCUSDT"] = types.Instrument{Symbol: "BTCUSDT", LotStep: 0.001, MinQty: 0.001}

	_, err := c.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: types.OrderBuy, Type: types.OrderMarket, Qty: 0.0004,
	})
	if !IsKind(err, KindBadRequest) {
		t.Errorf("expected bad_request kind, got %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("rejected order still reached the venue (%d calls)", calls.Load())
	}
}

func TestVenueErrorKindFromRetCode(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"retCode":10006,"retMsg":"too many visits","result":{}}`)
	})

	c := newTestClient(t, mux)
	_, err := c.FetchOpenInterest(context.Background(), "BTCUSDT")
	if !IsKind(err, KindRateLimit) {
		t.Errorf("expected rate_limit kind, got %v", err)
	}
}

func TestRetryOn5xxThenSuccess(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/market/orderbook", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeEnvelope(w, `{"s":"BTCUSDT","b":[],"a":[],"ts":1,"u":1}`)
	})

	c := newTestClient(t, mux)
	if _, err := c.FetchOrderBook(context.Background(), "BTCUSDT", 1); err != nil {
		t.Fatalf("FetchOrderBook after retries: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("got %d calls, want 3", calls.Load())
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status int
		code   int
		want   ErrorKind
	}{
		{429, 0, KindRateLimit},
		{200, retCodeRateLimit, KindRateLimit},
		{200, retCodeInvalidKey, KindAuth},
		{200, retCodeInvalidSign, KindAuth},
		{401, 0, KindAuth},
		{403, 0, KindAuth},
		{500, 0, KindNetwork},
		{503, 0, KindNetwork},
		{400, 0, KindBadRequest},
		{200, 10001, KindBadRequest},
		{200, 99999, KindUnknown},
	}
	for _, tt := range tests {
		if got := classifyStatus(tt.status, tt.code); got != tt.want {
			t.Errorf("classifyStatus(%d, %d) = %v, want %v", tt.status, tt.code, got, tt.want)
		}
	}
}

func TestApplyOrderStatusEmitsTransition(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.NewServeMux())

	order := types.Order{
		ID: "link-1", Symbol: "BTCUSDT", Side: types.OrderBuy, Type: types.OrderLimit,
		Qty: 1, Status: types.OrderOpen, ExchangeID: "ex-1",
	}
	c.track(order)

	c.applyOrderStatus(order, orderStatusInfo{
		OrderID: "ex-1", OrderStatus: "Filled", CumExecQty: "1", AvgPrice: "50000", CumExecFee: "2.5",
	})

	select {
	case got := <-c.OrderUpdates():
		if got.Status != types.OrderFilled {
			t.Errorf("status = %v, want filled", got.Status)
		}
		if got.AvgFillPrice == nil || *got.AvgFillPrice != 50000 {
			t.Errorf("avg fill price = %v, want 50000", got.AvgFillPrice)
		}
		if got.FeesUSD != 2.5 {
			t.Errorf("fees = %v, want 2.5", got.FeesUSD)
		}
	default:
		t.Fatal("no update emitted")
	}

	c.trackMu.Lock()
	_, still := c.tracked["ex-1"]
	c.trackMu.Unlock()
	if still {
		t.Error("terminal order should be untracked")
	}
}

func TestPrecisionHelpers(t *testing.T) {
	t.Parallel()

	if got := floorToStep(0.0039, 0.001); got != 0.003 {
		t.Errorf("floorToStep = %v, want 0.003", got)
	}
	if got := floorToStep(7, 0); got != 7 {
		t.Errorf("floorToStep zero step = %v, want 7", got)
	}
	if got := snapToTick(100.26, 0.5); got != 100.5 {
		t.Errorf("snapToTick = %v, want 100.5", got)
	}
	if got := formatStep(0.003, 0.001); got != "0.003" {
		t.Errorf("formatStep = %q, want %q", got, "0.003")
	}
	if got := formatStep(100.5, 0.5); got != "100.5" {
		t.Errorf("formatStep = %q, want %q", got, "100.5")
	}
	if got := formatStep(3, 1); got != "3" {
		t.Errorf("formatStep = %q, want %q", got, "3")
	}
}

func TestMapOrderStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		venue string
		want  types.OrderStatus
	}{
		{"New", types.OrderOpen},
		{"PartiallyFilled", types.OrderOpen},
		{"Filled", types.OrderFilled},
		{"Cancelled", types.OrderCancelled},
		{"Rejected", types.OrderRejected},
		{"SomethingElse", types.OrderPending},
	}
	for _, tt := range tests {
		if got := mapOrderStatus(tt.venue); got != tt.want {
			t.Errorf("mapOrderStatus(%q) = %v, want %v", tt.venue, got, tt.want)
		}
	}
}
