// Package paper is the DRY_RUN exchange: an in-memory venue with a
// random-walk price process, instant fills and a position ledger. It
// implements the same interface as the live adapter so the rest of the
// engine cannot tell them apart.
package paper

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perp-trading-agent/internal/types"
)

type restingOrder struct {
	spec types.OrderSpec
	id   string
}

// Exchange is a simulated venue. Safe for concurrent use.
type Exchange struct {
	mu        sync.Mutex
	rng       *rand.Rand
	equity    float64
	prices    map[string]float64
	positions map[string]types.Position
	resting   map[string][]restingOrder // trigger orders by symbol
}

// New seeds the venue with a universe and starting prices.
func New(universe []string, startEquity float64, seed int64) *Exchange {
	e := &Exchange{
		rng:       rand.New(rand.NewSource(seed)),
		equity:    startEquity,
		prices:    make(map[string]float64),
		positions: make(map[string]types.Position),
		resting:   make(map[string][]restingOrder),
	}
	for i, s := range universe {
		e.prices[s] = 100 * float64(i+1)
	}
	return e
}

// SetPrice pins a symbol's price, for tests and replay.
func (e *Exchange) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	e.prices[symbol] = price
	e.mu.Unlock()
}

func (e *Exchange) LastPrice(ctx context.Context, symbol string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("unknown symbol %s", symbol)
	}
	return p, nil
}

// Candles synthesizes a random walk ending at the current price.
func (e *Exchange) Candles(ctx context.Context, symbol string, tf types.Timeframe, n int) ([]types.Candle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	last, ok := e.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("unknown symbol %s", symbol)
	}

	step := tf.Duration()
	now := time.Now().Truncate(step)
	candles := make([]types.Candle, n)
	price := last
	for i := n - 1; i >= 0; i-- {
		drift := price * 0.002 * e.rng.NormFloat64()
		open := price - drift
		high := maxf(open, price) * (1 + 0.001*e.rng.Float64())
		low := minf(open, price) * (1 - 0.001*e.rng.Float64())
		candles[i] = types.Candle{
			Ts:    now.Add(-time.Duration(n-1-i) * step).UnixMilli(),
			Open:  open,
			High:  high,
			Low:   low,
			Close: price,
			Vol:   1000 + 500*e.rng.Float64(),
		}
		price = open
	}
	return candles, nil
}

func (e *Exchange) InstrumentMeta(ctx context.Context) ([]types.InstrumentMeta, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	out := make([]types.InstrumentMeta, 0, len(e.prices))
	for symbol := range e.prices {
		out = append(out, types.InstrumentMeta{
			Symbol:      symbol,
			TickSize:    decimal.NewFromFloat(0.01),
			SizeStep:    decimal.NewFromFloat(0.001),
			MinSize:     decimal.NewFromFloat(0.001),
			MaxLeverage: 20,
			FetchedAt:   now,
		})
	}
	return out, nil
}

func (e *Exchange) AccountState(ctx context.Context) (types.AccountState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	acct := types.AccountState{
		Equity:       e.equity + e.unrealizedLocked(),
		Withdrawable: e.equity,
		Positions:    make(map[string]types.Position, len(e.positions)),
		Timestamp:    time.Now(),
		RiskLevel:    types.RiskLow,
	}
	var marginUsed float64
	for s, p := range e.positions {
		price := e.prices[s]
		p.UnrealizedPnl = p.Size * (price - p.EntryPrice)
		lev := p.Leverage
		if lev < 1 {
			lev = 1
		}
		marginUsed += absf(p.Size) * price / float64(lev)
		acct.Positions[s] = p
	}
	acct.MarginUsed = marginUsed
	if acct.Equity > 0 {
		acct.MarginUsagePct = marginUsed / acct.Equity * 100
	}
	switch {
	case acct.MarginUsagePct >= 70:
		acct.RiskLevel = types.RiskHigh
	case acct.MarginUsagePct >= 40:
		acct.RiskLevel = types.RiskMedium
	}
	return acct, nil
}

// SubmitOrder fills market orders instantly at the current price; trigger
// orders rest until cancelled (the exit monitor does the actual closing in
// DRY_RUN, so resting stops are bookkeeping only).
func (e *Exchange) SubmitOrder(ctx context.Context, spec types.OrderSpec) (types.OrderAck, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	price, ok := e.prices[spec.Symbol]
	if !ok {
		return types.OrderAck{}, fmt.Errorf("unknown symbol %s", spec.Symbol)
	}

	id := uuid.NewString()
	if !spec.TriggerPrice.IsZero() {
		e.resting[spec.Symbol] = append(e.resting[spec.Symbol], restingOrder{spec: spec, id: id})
		return types.OrderAck{OrderID: id, ClientOrderID: spec.ClientOrderID, Status: "resting"}, nil
	}

	qty, _ := spec.Quantity.Float64()
	signed := qty
	if spec.Side == types.SideSell {
		signed = -qty
	}
	e.applyFillLocked(spec.Symbol, signed, price, spec.ReduceOnly)

	return types.OrderAck{
		OrderID:       id,
		ClientOrderID: spec.ClientOrderID,
		Status:        "filled",
		FilledQty:     qty,
		AvgPrice:      price,
	}, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	orders := e.resting[symbol]
	for i, o := range orders {
		if o.id == orderID {
			e.resting[symbol] = append(orders[:i], orders[i+1:]...)
			return nil
		}
	}
	// Idempotent: cancelling a gone order is fine.
	return nil
}

func (e *Exchange) CancelAllOrders(ctx context.Context, symbol string) error {
	e.mu.Lock()
	delete(e.resting, symbol)
	e.mu.Unlock()
	return nil
}

func (e *Exchange) ClosePosition(ctx context.Context, symbol string, fraction float64) (types.OrderAck, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[symbol]
	if !ok || pos.Size == 0 {
		return types.OrderAck{OrderID: uuid.NewString(), Status: "noop"}, nil
	}
	price := e.prices[symbol]
	closeQty := pos.Size * fraction
	e.applyFillLocked(symbol, -closeQty, price, true)

	return types.OrderAck{
		OrderID:   uuid.NewString(),
		Status:    "filled",
		FilledQty: absf(closeQty),
		AvgPrice:  price,
	}, nil
}

func (e *Exchange) OpenOrderSymbols(ctx context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.resting))
	for s, orders := range e.resting {
		if len(orders) > 0 {
			out = append(out, s)
		}
	}
	return out, nil
}

// applyFillLocked nets a signed fill into the ledger, realizing PnL on the
// reduced portion.
func (e *Exchange) applyFillLocked(symbol string, signedQty, price float64, reduceOnly bool) {
	pos := e.positions[symbol]
	if reduceOnly && pos.Size*signedQty > 0 {
		// A reduce-only fill must oppose the position.
		return
	}

	newSize := pos.Size + signedQty
	switch {
	case pos.Size == 0:
		pos = types.Position{Symbol: symbol, Size: signedQty, EntryPrice: price, Leverage: 1}
	case pos.Size*signedQty > 0:
		// Adding: volume-weighted entry.
		pos.EntryPrice = (pos.EntryPrice*absf(pos.Size) + price*absf(signedQty)) / absf(newSize)
		pos.Size = newSize
	default:
		// Reducing or flipping: realize PnL on the closed portion.
		closed := minf(absf(signedQty), absf(pos.Size))
		direction := 1.0
		if pos.Size < 0 {
			direction = -1.0
		}
		e.equity += direction * closed * (price - pos.EntryPrice)
		pos.Size = newSize
		if pos.Size == 0 {
			delete(e.positions, symbol)
			return
		}
		if newSize*signedQty > 0 {
			// Flipped through zero: remainder opens at this price.
			pos.EntryPrice = price
		}
	}
	e.positions[symbol] = pos
}

func (e *Exchange) unrealizedLocked() float64 {
	var total float64
	for s, p := range e.positions {
		total += p.Size * (e.prices[s] - p.EntryPrice)
	}
	return total
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
