package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Cache decorates a PriceOracle with a per-symbol TTL. It is owned and
// injected by the caller; the engine itself never caches a price across
// an order-creation or settlement boundary, so any Cache sits outside
// those components.
type Cache struct {
	source PriceOracle
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// NewCache wraps source with a TTL cache.
func NewCache(source PriceOracle, ttl time.Duration) *Cache {
	return &Cache{
		source:  source,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Price returns the cached price when fresh, otherwise consults the
// source. Source errors are not cached: an unavailable market is
// retried on the next call.
func (c *Cache) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	c.mu.Lock()
	e, ok := c.entries[symbol]
	if ok && c.now().Sub(e.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return e.price, nil
	}
	c.mu.Unlock()

	p, err := c.source.Price(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	c.mu.Lock()
	c.entries[symbol] = cacheEntry{price: p, fetchedAt: c.now()}
	c.mu.Unlock()
	return p, nil
}
