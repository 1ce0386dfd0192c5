package exchange

import (
	"context"

	"github.com/rs/zerolog"

	"perp-breakout/internal/config"
	"perp-breakout/pkg/types"
)

// OrderRequest is what the trading layer asks the venue for. Price is nil
// for market orders.
type OrderRequest struct {
	Symbol     string
	Side       types.OrderSide
	Type       types.OrderType
	Qty        float64
	Price      *float64
	ReduceOnly bool
	PositionID string
}

// Trader is the order and balance surface. The live REST client and the
// paper simulator both satisfy it, so everything above this package is
// mode-agnostic.
type Trader interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*types.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	Balance(ctx context.Context) (types.Balance, error)
	OrderUpdates() <-chan types.Order
}

// NewTrader selects the execution backend for the configured mode. The
// returned *Paper is nil in live mode; the engine uses it to route mark
// prices into the simulator.
func NewTrader(cfg *config.Config, client *Client, mid MidSource, logger zerolog.Logger) (Trader, *Paper) {
	if cfg.Mode == types.ModeLive {
		return client, nil
	}
	paper := NewPaper(cfg.Paper, mid, logger)
	return paper, paper
}
