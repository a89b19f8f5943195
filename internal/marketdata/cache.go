package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"perp-trading-agent/internal/interfaces"
	"perp-trading-agent/internal/logger"
	"perp-trading-agent/internal/metrics"
	"perp-trading-agent/internal/ta"
	"perp-trading-agent/internal/trace"
	"perp-trading-agent/internal/types"
)

const atrPeriod = 14

// TTLPolicy maps a timeframe to its cache TTL. Zero means always refetch.
type TTLPolicy func(tf types.Timeframe) time.Duration

type cacheKey struct {
	symbol string
	tf     types.Timeframe
}

type cacheEntry struct {
	snapshot  *types.MarketSnapshot
	fetchedAt time.Time
	epoch     uint64
}

type priceCheck struct {
	price float64
	at    time.Time
}

// Cache is the market data cache: TTL-gated per (symbol, timeframe), with a
// volatility safety valve that evicts every entry for a symbol when the
// price moves more than the threshold inside the check window. All state is
// internally synchronized; snapshots handed out are never mutated.
type Cache struct {
	exchange     interfaces.Exchange
	ttl          TTLPolicy
	thresholdPct float64
	window       time.Duration
	now          func() time.Time

	mu        sync.Mutex
	entries   map[cacheKey]*cacheEntry
	lastCheck map[string]priceCheck
	epochs    map[string]uint64 // bumped on volatility eviction
}

func NewCache(exchange interfaces.Exchange, ttl TTLPolicy, thresholdPct float64, window time.Duration) *Cache {
	return &Cache{
		exchange:     exchange,
		ttl:          ttl,
		thresholdPct: thresholdPct,
		window:       window,
		now:          time.Now,
		entries:      make(map[cacheKey]*cacheEntry),
		lastCheck:    make(map[string]priceCheck),
		epochs:       make(map[string]uint64),
	}
}

// Get returns a live snapshot for (symbol, timeframe), fetching from the
// exchange when no live entry exists. Fails with ErrDataUnavailable when the
// source is down and nothing cached is usable.
func (c *Cache) Get(ctx context.Context, symbol string, tf types.Timeframe) (*types.MarketSnapshot, error) {
	ctx, span := trace.StartSpan(ctx, "marketdata.Get")
	defer span.End()

	key := cacheKey{symbol: symbol, tf: tf}
	now := c.now()

	c.mu.Lock()
	entry, ok := c.entries[key]
	epoch := c.epochs[symbol]
	c.mu.Unlock()

	ttl := c.ttl(tf)
	if ok && ttl > 0 && now.Sub(entry.fetchedAt) < ttl && entry.epoch == epoch {
		metrics.CacheHit(symbol, string(tf))
		logger.Debug(ctx, "Market data cache hit",
			"symbol", symbol, "timeframe", string(tf),
			"age_ms", now.Sub(entry.fetchedAt).Milliseconds())
		return entry.snapshot, nil
	}

	metrics.CacheMiss(symbol, string(tf))
	snap, err := c.fetch(ctx, symbol, tf)
	if err != nil {
		logger.Warn(ctx, "Market data fetch failed",
			"symbol", symbol, "timeframe", string(tf), "error", err)
		metrics.Error("data_unavailable")
		return nil, fmt.Errorf("%w: %s %s: %v", types.ErrDataUnavailable, symbol, tf, err)
	}

	c.observe(ctx, symbol, snap.LastPrice, c.now())

	c.mu.Lock()
	// Store only if no valve event happened during the fetch; the fresh
	// snapshot itself is still fine to return.
	if c.epochs[symbol] == epoch {
		c.entries[key] = &cacheEntry{snapshot: snap, fetchedAt: c.now(), epoch: epoch}
	}
	c.mu.Unlock()

	logger.Debug(ctx, "Market data cache miss, fetched fresh",
		"symbol", symbol, "timeframe", string(tf), "candles", len(snap.Candles))
	return snap, nil
}

func (c *Cache) fetch(ctx context.Context, symbol string, tf types.Timeframe) (*types.MarketSnapshot, error) {
	candles, err := c.exchange.Candles(ctx, symbol, tf, tf.Window())
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles returned")
	}

	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, cd := range candles {
		closes[i] = cd.Close
		highs[i] = cd.High
		lows[i] = cd.Low
	}

	last := candles[len(candles)-1]
	snap := &types.MarketSnapshot{
		Symbol:        symbol,
		Timeframe:     tf,
		Timestamp:     c.now(),
		LastPrice:     last.Close,
		Candles:       candles,
		VolatilityPct: ta.ReturnsVolatilityPct(closes),
		ATR:           ta.ATR(highs, lows, closes, atrPeriod),
	}
	metrics.LastPrice(symbol, last.Close)
	return snap, nil
}

// ObservePrice feeds an out-of-band price (e.g. from the exchange stream)
// into the volatility safety valve.
func (c *Cache) ObservePrice(ctx context.Context, symbol string, price float64) {
	c.observe(ctx, symbol, price, c.now())
}

func (c *Cache) observe(ctx context.Context, symbol string, price float64, now time.Time) {
	if price <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.lastCheck[symbol]
	if !ok || last.price == 0 {
		c.lastCheck[symbol] = priceCheck{price: price, at: now}
		return
	}

	elapsed := now.Sub(last.at)
	pctChange := abs((price-last.price)/last.price) * 100

	if elapsed <= c.window && pctChange > c.thresholdPct {
		c.evictSymbolLocked(symbol)
		c.lastCheck[symbol] = priceCheck{price: price, at: now}
		metrics.CacheEvicted(symbol, "volatility")
		logger.Warn(ctx, "Volatility safety valve triggered, cache invalidated",
			"symbol", symbol,
			"move_pct", pctChange,
			"threshold_pct", c.thresholdPct,
			"window_ms", c.window.Milliseconds())
		return
	}

	if elapsed > c.window {
		c.lastCheck[symbol] = priceCheck{price: price, at: now}
	}
}

// Invalidate drops every entry for a symbol regardless of TTL.
func (c *Cache) Invalidate(symbol string) {
	c.mu.Lock()
	c.evictSymbolLocked(symbol)
	c.mu.Unlock()
	metrics.CacheEvicted(symbol, "manual")
}

func (c *Cache) evictSymbolLocked(symbol string) {
	c.epochs[symbol]++
	for key := range c.entries {
		if key.symbol == symbol {
			delete(c.entries, key)
		}
	}
}

// LastObservedPrice returns the valve's most recent price for a symbol.
func (c *Cache) LastObservedPrice(symbol string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.lastCheck[symbol]
	return pc.price, ok && pc.price > 0
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
