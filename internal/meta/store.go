package meta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"perp-trading-agent/internal/interfaces"
	"perp-trading-agent/internal/logger"
	"perp-trading-agent/internal/types"
)

// Store holds per-symbol precision and limits, refreshed periodically from
// the exchange. Reads return value copies; entries are immutable between
// refreshes.
type Store struct {
	exchange   interfaces.Exchange
	refresh    time.Duration
	staleAfter time.Duration

	mu      sync.RWMutex
	entries map[string]types.InstrumentMeta
}

func NewStore(exchange interfaces.Exchange, refresh, staleAfter time.Duration) *Store {
	return &Store{
		exchange:   exchange,
		refresh:    refresh,
		staleAfter: staleAfter,
		entries:    make(map[string]types.InstrumentMeta),
	}
}

// Refresh fetches the full instrument universe from the exchange and swaps
// the entry map in one step.
func (s *Store) Refresh(ctx context.Context) error {
	metas, err := s.exchange.InstrumentMeta(ctx)
	if err != nil {
		return fmt.Errorf("refresh instrument metadata: %w", err)
	}

	now := time.Now()
	next := make(map[string]types.InstrumentMeta, len(metas))
	for _, m := range metas {
		m.FetchedAt = now
		next[m.Symbol] = m
	}

	s.mu.Lock()
	s.entries = next
	s.mu.Unlock()

	logger.Debug(ctx, "Instrument metadata refreshed", "instruments", len(next))
	return nil
}

// Get returns the metadata for a symbol, or ErrMetadataUnavailable if the
// symbol is unknown or the entry is older than the staleness policy allows.
func (s *Store) Get(symbol string) (types.InstrumentMeta, error) {
	s.mu.RLock()
	m, ok := s.entries[symbol]
	s.mu.RUnlock()

	if !ok {
		return types.InstrumentMeta{}, fmt.Errorf("%w: %s", types.ErrMetadataUnavailable, symbol)
	}
	if s.staleAfter > 0 && time.Since(m.FetchedAt) > s.staleAfter {
		return types.InstrumentMeta{}, fmt.Errorf("%w: %s stale since %s",
			types.ErrMetadataUnavailable, symbol, m.FetchedAt.Format(time.RFC3339))
	}
	return m, nil
}

// Run refreshes on the configured interval until the context is cancelled.
// The initial refresh failure is tolerated; sizing will reject until the
// first successful load.
func (s *Store) Run(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil {
		logger.Warn(ctx, "Initial instrument metadata refresh failed", "error", err)
	}

	tick := time.NewTicker(s.refresh)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if err := s.Refresh(ctx); err != nil {
				logger.Warn(ctx, "Instrument metadata refresh failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
