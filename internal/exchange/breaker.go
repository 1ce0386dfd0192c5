package exchange

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const (
	parseTripThreshold = 5                // consecutive parse failures before opening
	parseRecoveryAfter = 30 * time.Second // how long an open symbol stays muted
)

// ParseGuard circuit-breaks symbols whose stream frames repeatedly fail to
// decode. A malformed feed for one symbol must not burn CPU or poison state
// for the rest; after enough consecutive failures the symbol's frames are
// dropped until the breaker half-opens and a clean frame closes it again.
type ParseGuard struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   zerolog.Logger
}

func NewParseGuard(logger zerolog.Logger) *ParseGuard {
	return &ParseGuard{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
}

func (g *ParseGuard) breaker(symbol string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[symbol]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "parse:" + symbol,
		MaxRequests: 1,
		Timeout:     parseRecoveryAfter,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= parseTripThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("parse breaker state change")
		},
	})
	g.breakers[symbol] = cb
	return cb
}

// Open reports whether the symbol's frames are currently muted.
func (g *ParseGuard) Open(symbol string) bool {
	return g.breaker(symbol).State() == gobreaker.StateOpen
}

// Record feeds one parse outcome into the symbol's breaker. err == nil
// counts as a success and resets the consecutive-failure streak.
func (g *ParseGuard) Record(symbol string, err error) {
	_, _ = g.breaker(symbol).Execute(func() (any, error) { return nil, err })
}
