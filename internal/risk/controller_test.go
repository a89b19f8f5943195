package risk

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"perp-trading-agent/internal/logger"
	"perp-trading-agent/internal/types"
)

func TestMain(m *testing.M) {
	_ = logger.InitWithConfig(logger.LogConfig{Level: "ERROR", Format: "text"})
	os.Exit(m.Run())
}

type fakeExchange struct {
	positions    map[string]types.Position
	openOrders   []string
	cancelFails  map[string]int // fail this many times before succeeding
	closeFails   map[string]int
	cancelCalls  map[string]int
	closeCalls   map[string]int
	acctErr      error
	openOrderErr error
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		positions:   map[string]types.Position{},
		cancelFails: map[string]int{},
		closeFails:  map[string]int{},
		cancelCalls: map[string]int{},
		closeCalls:  map[string]int{},
	}
}

func (f *fakeExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	f.cancelCalls[symbol]++
	if f.cancelFails[symbol] > 0 {
		f.cancelFails[symbol]--
		return errors.New("cancel failed")
	}
	return nil
}

func (f *fakeExchange) ClosePosition(ctx context.Context, symbol string, fraction float64) (types.OrderAck, error) {
	f.closeCalls[symbol]++
	if f.closeFails[symbol] > 0 {
		f.closeFails[symbol]--
		return types.OrderAck{}, errors.New("close failed")
	}
	delete(f.positions, symbol)
	return types.OrderAck{OrderID: "ok", Status: "filled"}, nil
}

func (f *fakeExchange) AccountState(ctx context.Context) (types.AccountState, error) {
	if f.acctErr != nil {
		return types.AccountState{}, f.acctErr
	}
	return types.AccountState{Equity: 10000, Positions: f.positions, Timestamp: time.Now()}, nil
}

func (f *fakeExchange) OpenOrderSymbols(ctx context.Context) ([]string, error) {
	return f.openOrders, f.openOrderErr
}

func (f *fakeExchange) LastPrice(ctx context.Context, symbol string) (float64, error) {
	return 100, nil
}

func (f *fakeExchange) SubmitOrder(ctx context.Context, spec types.OrderSpec) (types.OrderAck, error) {
	return types.OrderAck{}, nil
}
func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }
func (f *fakeExchange) InstrumentMeta(ctx context.Context) ([]types.InstrumentMeta, error) {
	return nil, nil
}
func (f *fakeExchange) Candles(ctx context.Context, symbol string, tf types.Timeframe, n int) ([]types.Candle, error) {
	return nil, nil
}

func testConfig() Config {
	return Config{
		MaxPositionPct: 0.75,
		MaxDrawdownPct: 0.50,
		Retries:        2,
		RetryBackoff:   time.Millisecond,
	}
}

func TestMaxTradeSizePositionCapWins(t *testing.T) {
	c := NewController(testConfig(), newFakeExchange())
	acct := types.AccountState{Equity: 10000}
	m := types.InstrumentMeta{MaxLeverage: 20}

	// Leverage allows 100k but the position cap holds it to 7.5k.
	if got := c.MaxTradeSizeUSD(acct, 10, m); got != 7500 {
		t.Errorf("expected 7500, got %f", got)
	}
}

func TestMaxTradeSizeLeverageClampedToInstrument(t *testing.T) {
	c := NewController(testConfig(), newFakeExchange())
	acct := types.AccountState{Equity: 1000}
	m := types.InstrumentMeta{MaxLeverage: 3}

	// Requested 50x clamps to the instrument's 3x: min(3000, 750) = 750.
	if got := c.MaxTradeSizeUSD(acct, 50, m); got != 750 {
		t.Errorf("expected 750, got %f", got)
	}
}

func TestCapDecisionSize(t *testing.T) {
	c := NewController(testConfig(), newFakeExchange())
	acct := types.AccountState{Equity: 10000}
	m := types.InstrumentMeta{MaxLeverage: 20}

	capped, reduced := c.CapDecisionSize(acct, 9000, 10, m)
	if !reduced || capped != 7500 {
		t.Errorf("expected 9000 capped to 7500, got %f (reduced=%v)", capped, reduced)
	}

	capped, reduced = c.CapDecisionSize(acct, 5000, 10, m)
	if reduced || capped != 5000 {
		t.Errorf("expected 5000 untouched, got %f (reduced=%v)", capped, reduced)
	}
}

func TestDrawdownHaltsSizing(t *testing.T) {
	ctx := context.Background()
	c := NewController(testConfig(), newFakeExchange())
	acct := types.AccountState{Equity: 4900}
	m := types.InstrumentMeta{MaxLeverage: 20}

	c.ObserveEquity(ctx, 10000)
	c.ObserveEquity(ctx, 4900) // 51% drawdown from peak

	if !c.DrawdownHalted() {
		t.Fatal("expected drawdown halt")
	}
	if got := c.MaxTradeSizeUSD(acct, 10, m); got != 0 {
		t.Errorf("halted controller must size to zero, got %f", got)
	}

	c.ClearDrawdownHalt(ctx)
	if c.DrawdownHalted() {
		t.Fatal("expected halt cleared")
	}
	if got := c.MaxTradeSizeUSD(acct, 10, m); got == 0 {
		t.Error("cleared controller must size again")
	}
}

func TestDrawdownWithinLimitDoesNotHalt(t *testing.T) {
	ctx := context.Background()
	c := NewController(testConfig(), newFakeExchange())

	c.ObserveEquity(ctx, 10000)
	c.ObserveEquity(ctx, 5100) // 49%

	if c.DrawdownHalted() {
		t.Fatal("49% drawdown must not halt at a 50% limit")
	}
}

func TestCancelAllOrdersRetriesTransientFailure(t *testing.T) {
	ex := newFakeExchange()
	ex.openOrders = []string{"BTC"}
	ex.cancelFails["BTC"] = 1 // first attempt fails, retry succeeds
	c := NewController(testConfig(), ex)

	if err := c.CancelAllOrders(context.Background()); err != nil {
		t.Fatalf("expected retry to resolve, got %v", err)
	}
	if ex.cancelCalls["BTC"] != 2 {
		t.Errorf("expected 2 attempts, got %d", ex.cancelCalls["BTC"])
	}
}

func TestCancelAllOrdersPartialFailure(t *testing.T) {
	ex := newFakeExchange()
	ex.openOrders = []string{"BTC", "ETH"}
	ex.cancelFails["ETH"] = 10 // beyond the retry budget
	c := NewController(testConfig(), ex)

	err := c.CancelAllOrders(context.Background())
	var pf *types.SafetyOperationPartialFailure
	if !errors.As(err, &pf) {
		t.Fatalf("expected SafetyOperationPartialFailure, got %v", err)
	}
	if len(pf.Unresolved) != 1 || pf.Unresolved[0] != "ETH" {
		t.Errorf("expected ETH unresolved, got %v", pf.Unresolved)
	}
	if ex.cancelCalls["BTC"] != 1 {
		t.Errorf("BTC must still be cancelled, got %d calls", ex.cancelCalls["BTC"])
	}
}

func TestCloseAllPositions(t *testing.T) {
	ex := newFakeExchange()
	ex.positions["BTC"] = types.Position{Symbol: "BTC", Size: 1}
	ex.positions["ETH"] = types.Position{Symbol: "ETH", Size: -2}
	c := NewController(testConfig(), ex)

	if err := c.CloseAllPositions(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ex.positions) != 0 {
		t.Errorf("expected all positions closed, %d remain", len(ex.positions))
	}
}

func TestPanicRunsBothLegs(t *testing.T) {
	ex := newFakeExchange()
	ex.openOrders = []string{"BTC"}
	ex.cancelFails["BTC"] = 10
	ex.positions["ETH"] = types.Position{Symbol: "ETH", Size: 1}
	c := NewController(testConfig(), ex)

	err := c.Panic(context.Background())
	if err == nil {
		t.Fatal("expected partial failure from cancel leg")
	}
	if len(ex.positions) != 0 {
		t.Error("close leg must run even when the cancel leg fails")
	}
}
