// Package oracle caches collateral prices delivered by the price feed.
//
// Prices are never read inside the deterministic core. The runner resolves a
// price before submission and the command carries it, so replay sees the same
// value that was used live.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"CDPLedger/internal/cdperr"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/observability"
)

var (
	ErrNoPrice    = errors.New("no price for asset")
	ErrStalePrice = errors.New("price is stale")
)

// PriceOracle supplies the current collateral price in debt units (fpmath.Scale).
type PriceOracle interface {
	GetCurrentPrice(ctx context.Context, asset string) (int64, error)
}

// PriceUpdate is one observation from the feed.
type PriceUpdate struct {
	Asset     string
	Price     int64 // fpmath.Scale
	Sequence  int64 // Monotonic per asset
	Timestamp int64 // Unix seconds at the source
}

// PriceState is the latest accepted observation for an asset.
type PriceState struct {
	Price      int64
	Sequence   int64
	Timestamp  int64
	ReceivedAt time.Time
}

// Cache is a thread-safe PriceOracle fed by Update.
// Updates whose sequence is not newer than the cached one are ignored; gaps are accepted.
type Cache struct {
	mu      sync.RWMutex
	prices  map[string]*PriceState
	maxAge  time.Duration // 0 disables the staleness check
	now     func() time.Time
	metrics *observability.Metrics
}

func NewCache(maxAge time.Duration, metrics *observability.Metrics) *Cache {
	return &Cache{
		prices:  make(map[string]*PriceState),
		maxAge:  maxAge,
		now:     time.Now,
		metrics: metrics,
	}
}

// Update stores u if it is newer than the cached price. It reports whether u was accepted.
func (c *Cache) Update(u PriceUpdate) (bool, error) {
	if u.Asset == "" {
		return false, cdperr.New(cdperr.CodeInvalidAmount, "price update without asset")
	}
	if u.Price <= 0 {
		return false, cdperr.New(cdperr.CodeInvalidAmount, "price must be positive, got %d", u.Price)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if current := c.prices[u.Asset]; current != nil && u.Sequence <= current.Sequence {
		if c.metrics != nil {
			c.metrics.OracleOutOfOrder.WithLabelValues(u.Asset).Inc()
		}
		return false, nil
	}

	c.prices[u.Asset] = &PriceState{
		Price:      u.Price,
		Sequence:   u.Sequence,
		Timestamp:  u.Timestamp,
		ReceivedAt: c.now(),
	}
	if c.metrics != nil {
		c.metrics.OraclePrice.WithLabelValues(u.Asset).Set(float64(u.Price))
	}
	return true, nil
}

// GetCurrentPrice returns the cached price, or ErrNoPrice / ErrStalePrice.
func (c *Cache) GetCurrentPrice(ctx context.Context, asset string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.RLock()
	st := c.prices[asset]
	c.mu.RUnlock()

	if st == nil {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, asset)
	}
	if c.maxAge > 0 {
		if age := c.now().Sub(st.ReceivedAt); age > c.maxAge {
			if c.metrics != nil {
				c.metrics.OracleStale.WithLabelValues(asset).Inc()
			}
			return 0, fmt.Errorf("%w: %s is %s old", ErrStalePrice, asset, age.Truncate(time.Millisecond))
		}
	}
	return st.Price, nil
}

// Get returns a copy of the cached state for asset.
func (c *Cache) Get(asset string) (PriceState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := c.prices[asset]
	if st == nil {
		return PriceState{}, false
	}
	return *st, true
}

type priceUpdateJSON struct {
	Asset     string `json:"asset"`
	Price     string `json:"price"` // Decimal, e.g. "550.25"
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

// ParsePriceUpdate decodes a feed message. Price is a decimal string with at
// most 9 fractional digits.
func ParsePriceUpdate(data []byte) (PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return PriceUpdate{}, fmt.Errorf("unmarshal price update: %w", err)
	}
	price, err := fpmath.ParseFixed(j.Price)
	if err != nil {
		return PriceUpdate{}, fmt.Errorf("price %q: %w", j.Price, err)
	}
	return PriceUpdate{
		Asset:     j.Asset,
		Price:     price,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}

// EncodePriceUpdate is the inverse of ParsePriceUpdate.
func EncodePriceUpdate(u PriceUpdate) ([]byte, error) {
	return json.Marshal(priceUpdateJSON{
		Asset:     u.Asset,
		Price:     fpmath.FormatFixed(u.Price),
		Sequence:  u.Sequence,
		Timestamp: u.Timestamp,
	})
}
