// paper.go implements the simulated venue used in paper mode.
//
// Orders never leave the process. Market orders fill immediately at the
// symbol's current mid shifted by configured slippage plus a size-dependent
// impact term; limit orders rest until a mark-price update crosses them and
// then fill at their limit price with the maker fee. Fills stream out the
// same OrderUpdates channel the live client uses, so nothing upstream knows
// which backend is running.
package exchange

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perp-breakout/internal/config"
	"perp-breakout/pkg/types"
)

// MidSource returns the current mid price for a symbol. The engine wires
// this to the live order book manager so simulated fills track real prices.
type MidSource func(symbol string) (float64, bool)

// paperPosition is the simulator's own net position per symbol, kept so it
// can realize PnL on reducing fills without asking the trading layer.
type paperPosition struct {
	qty      float64 // signed, positive long
	avgEntry float64
}

// Paper is the simulated exchange backend.
type Paper struct {
	mu        sync.Mutex
	balance   float64 // realized equity, fees already deducted
	positions map[string]*paperPosition
	open      map[string]types.Order // resting limit orders by ID

	slippage     float64 // fractional, applied to market fills
	marketImpact float64 // extra slippage per million USD of notional
	maxSlippage  float64
	takerFee     float64 // fractional
	makerFee     float64

	mid     MidSource
	updates chan types.Order
	logger  zerolog.Logger
}

// NewPaper creates a simulator seeded with the configured starting equity.
func NewPaper(cfg config.PaperConfig, mid MidSource, logger zerolog.Logger) *Paper {
	slip := cfg.SlippageBps / 10000
	p := &Paper{
		balance:      cfg.StartEquityUSD,
		positions:    make(map[string]*paperPosition),
		open:         make(map[string]types.Order),
		slippage:     slip,
		marketImpact: slip / 10,
		maxSlippage:  slip * 5,
		takerFee:     cfg.TakerFeeBps / 10000,
		makerFee:     cfg.MakerFeeBps / 10000,
		mid:          mid,
		updates:      make(chan types.Order, 64),
		logger:       logger,
	}
	logger.Info().
		Float64("start_equity", cfg.StartEquityUSD).
		Float64("slippage_bps", cfg.SlippageBps).
		Float64("taker_fee_bps", cfg.TakerFeeBps).
		Msg("paper exchange initialized")
	return p
}

// PlaceOrder accepts an order and, for market orders, fills it immediately
// against the current mid.
func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (*types.Order, error) {
	if req.Qty <= 0 {
		return nil, &VenueError{Kind: KindBadRequest, Msg: "quantity must be positive"}
	}
	if req.Type == types.OrderLimit && (req.Price == nil || *req.Price <= 0) {
		return nil, &VenueError{Kind: KindBadRequest, Msg: "limit order without positive price"}
	}

	now := time.Now().UTC()
	order := types.Order{
		ID:         uuid.NewString(),
		PositionID: req.PositionID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Qty:        req.Qty,
		Price:      req.Price,
		Status:     types.OrderOpen,
		ReduceOnly: req.ReduceOnly,
		CreatedAt:  now,
		ExchangeID: "paper-" + uuid.NewString()[:8],
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Type == types.OrderMarket {
		mid, ok := p.mid(req.Symbol)
		if !ok || mid <= 0 {
			return nil, &VenueError{Kind: KindBadRequest, Msg: fmt.Sprintf("no mid price for %s", req.Symbol)}
		}
		filled := p.fillLocked(order, p.marketFillPrice(req, mid), p.takerFee, now)
		return &filled, nil
	}

	p.open[order.ID] = order
	p.logger.Debug().
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Float64("price", *order.Price).
		Float64("qty", order.Qty).
		Msg("paper limit order resting")
	return &order, nil
}

// marketFillPrice shifts the mid against the taker. The impact term grows
// with notional so oversized paper orders stop looking free.
func (p *Paper) marketFillPrice(req OrderRequest, mid float64) float64 {
	notionalM := req.Qty * mid / 1e6
	slip := p.slippage + p.marketImpact*notionalM
	if slip > p.maxSlippage {
		slip = p.maxSlippage
	}
	if req.Side == types.OrderBuy {
		return mid * (1 + slip)
	}
	return mid * (1 - slip)
}

// CancelOrder removes a resting limit order.
func (p *Paper) CancelOrder(ctx context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Callers hold either the internal ID or the synthetic exchange ID.
	for id, order := range p.open {
		if id == orderID || order.ExchangeID == orderID {
			delete(p.open, id)
			order.Status = types.OrderCancelled
			p.emitLocked(order)
			return nil
		}
	}
	return &VenueError{Kind: KindBadRequest, Msg: fmt.Sprintf("order %s not open", orderID)}
}

// Balance reports realized equity. Unrealized PnL lives with the position
// manager, which marks against live prices.
func (p *Paper) Balance(ctx context.Context) (types.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return types.Balance{Currency: quoteCoin, Total: p.balance, Available: p.balance}, nil
}

// OrderUpdates emits simulated fills and cancellations.
func (p *Paper) OrderUpdates() <-chan types.Order { return p.updates }

// MarkPrice notifies the simulator of a fresh mid for symbol. Resting limit
// orders that the price has crossed fill at their limit with the maker fee.
func (p *Paper) MarkPrice(symbol string, mid float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, order := range p.open {
		if order.Symbol != symbol || order.Price == nil {
			continue
		}
		crossed := (order.Side == types.OrderBuy && mid <= *order.Price) ||
			(order.Side == types.OrderSell && mid >= *order.Price)
		if !crossed {
			continue
		}
		delete(p.open, id)
		p.fillLocked(order, *order.Price, p.makerFee, time.Now().UTC())
	}
}

// OpenOrders returns a copy of the resting limit orders.
func (p *Paper) OpenOrders() []types.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Order, 0, len(p.open))
	for _, o := range p.open {
		out = append(out, o)
	}
	return out
}

// fillLocked executes the fill bookkeeping: average entry tracking, realized
// PnL on reducing fills, fee deduction, and the update emit. Caller holds mu.
func (p *Paper) fillLocked(order types.Order, price, feeRate float64, now time.Time) types.Order {
	pos := p.positions[order.Symbol]
	if pos == nil {
		pos = &paperPosition{}
		p.positions[order.Symbol] = pos
	}

	signed := order.Qty
	if order.Side == types.OrderSell {
		signed = -order.Qty
	}

	if sameSign(pos.qty, signed) || pos.qty == 0 {
		// Increasing exposure: blend the average entry.
		totalCost := pos.avgEntry*math.Abs(pos.qty) + price*math.Abs(signed)
		pos.qty += signed
		if pos.qty != 0 {
			pos.avgEntry = totalCost / math.Abs(pos.qty)
		}
	} else {
		// Reducing (or flipping): realize PnL on the closed quantity.
		closed := math.Min(math.Abs(signed), math.Abs(pos.qty))
		direction := 1.0
		if pos.qty < 0 {
			direction = -1
		}
		p.balance += (price - pos.avgEntry) * closed * direction
		pos.qty += signed
		if pos.qty == 0 {
			pos.avgEntry = 0
		} else if !sameSign(pos.qty, -signed) {
			// Flipped through zero; remainder opens at the fill price.
			pos.avgEntry = price
		}
	}

	fee := math.Abs(order.Qty) * price * feeRate
	p.balance -= fee

	order.Status = types.OrderFilled
	order.FilledQty = order.Qty
	order.AvgFillPrice = &price
	order.FeesUSD = fee
	order.FilledAt = &now

	p.logger.Info().
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Float64("qty", order.Qty).
		Float64("price", price).
		Float64("fee", fee).
		Float64("balance", p.balance).
		Msg("paper fill")

	p.emitLocked(order)
	return order
}

func (p *Paper) emitLocked(order types.Order) {
	select {
	case p.updates <- order:
	default:
		p.logger.Warn().Str("order_id", order.ID).Msg("paper update dropped, channel full")
	}
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

// NetPosition returns the simulator's signed net quantity for a symbol.
func (p *Paper) NetPosition(symbol string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos := p.positions[symbol]; pos != nil {
		return pos.qty
	}
	return 0
}
