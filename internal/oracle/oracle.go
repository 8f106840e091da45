package oracle

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tradecore/exchange/internal/apperr"
)

// PriceOracle supplies the last-trade price for a symbol. The engine
// treats the returned price as authoritative; when no positive price is
// known the oracle fails with market_unavailable and callers must not
// substitute a stale or synthetic one.
type PriceOracle interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Static is a push-based oracle: an external collaborator feeds it
// prices and the engine reads them on demand.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStatic creates an empty static oracle.
func NewStatic() *Static {
	return &Static{prices: make(map[string]decimal.Decimal)}
}

// SetPrice records the last-trade price for symbol. Non-positive prices
// are ignored.
func (s *Static) SetPrice(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// Price returns the last pushed price for symbol.
func (s *Static) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[symbol]
	if !ok || !p.IsPositive() {
		return decimal.Zero, apperr.New(apperr.KindMarketUnavailable, "no price for %s", symbol)
	}
	return p, nil
}
