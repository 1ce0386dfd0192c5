// ratelimit.go throttles REST calls to the venue's published per-category
// limits.
//
// The venue enforces separate budgets for market-data reads, order
// placement/cancel, and account reads. Each category gets its own
// rate.Limiter with burst equal to one second of allowance so short spikes
// queue smoothly instead of tripping the venue's hard limit.
package exchange

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// LimitFamily names a venue rate-limit category.
type LimitFamily string

const (
	FamilyMarketData LimitFamily = "market_data"
	FamilyOrders     LimitFamily = "orders"
	FamilyAccount    LimitFamily = "account"
)

// RateLimiter groups per-category limiters. Every REST call acquires from
// the matching family before issuing the request.
type RateLimiter struct {
	marketData *rate.Limiter
	orders     *rate.Limiter
	account    *rate.Limiter
}

// NewRateLimiter builds limiters from requests-per-second budgets. Zero or
// negative budgets fall back to conservative defaults.
func NewRateLimiter(marketDataRPS, ordersRPS, accountRPS float64) *RateLimiter {
	return &RateLimiter{
		marketData: newLimiter(marketDataRPS, 10),
		orders:     newLimiter(ordersRPS, 5),
		account:    newLimiter(accountRPS, 5),
	}
}

func newLimiter(rps, fallback float64) *rate.Limiter {
	if rps <= 0 {
		rps = fallback
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func (rl *RateLimiter) family(f LimitFamily) *rate.Limiter {
	switch f {
	case FamilyOrders:
		return rl.orders
	case FamilyAccount:
		return rl.account
	default:
		return rl.marketData
	}
}

// Wait blocks until the family grants a token or ctx is cancelled. This is
// the default path: callers queue rather than fail under pressure.
func (rl *RateLimiter) Wait(ctx context.Context, f LimitFamily) error {
	if err := rl.family(f).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait %s: %w", f, err)
	}
	return nil
}

// Acquire takes a token without blocking when wait is false. Callers that
// cannot tolerate queueing (latency-sensitive cancels during exits) pass
// wait=false and receive a RateLimit error when the budget is exhausted.
func (rl *RateLimiter) Acquire(ctx context.Context, f LimitFamily, wait bool) error {
	if wait {
		return rl.Wait(ctx, f)
	}
	if !rl.family(f).Allow() {
		return &VenueError{Kind: KindRateLimit, Msg: fmt.Sprintf("%s budget exhausted", f)}
	}
	return nil
}

// Tokens reports the currently available tokens for a family. Diagnostic
// use only.
func (rl *RateLimiter) Tokens(f LimitFamily) float64 {
	return rl.family(f).Tokens()
}
