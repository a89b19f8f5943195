package exitplan

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

type archiveSink struct {
	plans []types.ExitPlan
}

func (a *archiveSink) Decision(types.Decision) error           { return nil }
func (a *archiveSink) Execution(types.ExecutionResult) error   { return nil }
func (a *archiveSink) PlanTransition(p types.ExitPlan) error   { a.plans = append(a.plans, p); return nil }
func (a *archiveSink) Approval(types.ApprovalRequest, types.ApprovalResult) error {
	return nil
}

type fakeExchange struct {
	prices     map[string]float64
	priceErr   map[string]error
	positions  map[string]types.Position
	closeErr   error
	closeCalls []string
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		prices:    map[string]float64{},
		priceErr:  map[string]error{},
		positions: map[string]types.Position{},
	}
}

func (f *fakeExchange) LastPrice(ctx context.Context, symbol string) (float64, error) {
	if err := f.priceErr[symbol]; err != nil {
		return 0, err
	}
	return f.prices[symbol], nil
}

func (f *fakeExchange) AccountState(ctx context.Context) (types.AccountState, error) {
	return types.AccountState{Equity: 10000, Positions: f.positions, Timestamp: time.Now()}, nil
}

func (f *fakeExchange) ClosePosition(ctx context.Context, symbol string, fraction float64) (types.OrderAck, error) {
	if f.closeErr != nil {
		return types.OrderAck{}, f.closeErr
	}
	f.closeCalls = append(f.closeCalls, symbol)
	delete(f.positions, symbol)
	return types.OrderAck{OrderID: "closed", Status: "filled"}, nil
}

func (f *fakeExchange) SubmitOrder(ctx context.Context, spec types.OrderSpec) (types.OrderAck, error) {
	return types.OrderAck{}, nil
}
func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }
func (f *fakeExchange) CancelAllOrders(ctx context.Context, symbol string) error      { return nil }
func (f *fakeExchange) InstrumentMeta(ctx context.Context) ([]types.InstrumentMeta, error) {
	return nil, nil
}
func (f *fakeExchange) Candles(ctx context.Context, symbol string, tf types.Timeframe, n int) ([]types.Candle, error) {
	return nil, nil
}
func (f *fakeExchange) OpenOrderSymbols(ctx context.Context) ([]string, error) { return nil, nil }

func longPlan(symbol string) types.ExitPlan {
	return types.ExitPlan{
		Symbol:     symbol,
		Side:       types.SideBuy,
		EntryPrice: 100,
		Quantity:   1,
		Stop:       types.Predicate{PriceBelow: 95},
		Target:     types.Predicate{PriceAbove: 110},
	}
}

func TestRegisterReplacesActivePlan(t *testing.T) {
	sink := &archiveSink{}
	r := NewRegistry(sink)

	first := r.Register(longPlan("BTC"))
	second := r.Register(longPlan("BTC"))

	active := r.Active()
	if len(active) != 1 {
		t.Fatalf("expected exactly one ACTIVE plan, got %d", len(active))
	}
	if active[0].ID != second.ID {
		t.Error("the newer plan must be the active one")
	}

	// The displaced plan was archived as CANCELLED/REPLACED.
	var replaced bool
	for _, p := range sink.plans {
		if p.ID == first.ID && p.State == types.PlanCancelled && p.Trigger == TriggerReplaced {
			replaced = true
		}
	}
	if !replaced {
		t.Error("expected the first plan archived as CANCELLED with trigger REPLACED")
	}
}

func TestCancelAllOnPanic(t *testing.T) {
	r := NewRegistry(&archiveSink{})
	r.Register(longPlan("BTC"))
	r.Register(longPlan("ETH"))

	if n := r.CancelAll(TriggerPanic); n != 2 {
		t.Fatalf("expected 2 cancelled, got %d", n)
	}
	if len(r.Active()) != 0 {
		t.Error("no plan may stay ACTIVE after panic")
	}
}

func TestMonitorTriggersStop(t *testing.T) {
	sink := &archiveSink{}
	r := NewRegistry(sink)
	ex := newFakeExchange()
	ex.positions["BTC"] = types.Position{Symbol: "BTC", Size: 1, EntryPrice: 100}
	ex.prices["BTC"] = 94 // below the 95 stop

	plan := r.Register(longPlan("BTC"))
	m := NewMonitor(r, ex, time.Second, nil)
	m.Sweep(context.Background())

	if len(ex.closeCalls) != 1 || ex.closeCalls[0] != "BTC" {
		t.Fatalf("expected one reduce-only close for BTC, got %v", ex.closeCalls)
	}
	if _, ok := r.Get("BTC"); ok {
		t.Error("triggered plan must leave the active set")
	}

	last := sink.plans[len(sink.plans)-1]
	if last.ID != plan.ID || last.State != types.PlanTriggered || last.Trigger != TriggerStop {
		t.Errorf("expected TRIGGERED/STOP archived, got %s/%s", last.State, last.Trigger)
	}
}

func TestMonitorTriggersTarget(t *testing.T) {
	sink := &archiveSink{}
	r := NewRegistry(sink)
	ex := newFakeExchange()
	ex.positions["BTC"] = types.Position{Symbol: "BTC", Size: 1, EntryPrice: 100}
	ex.prices["BTC"] = 111

	r.Register(longPlan("BTC"))
	NewMonitor(r, ex, time.Second, nil).Sweep(context.Background())

	last := sink.plans[len(sink.plans)-1]
	if last.Trigger != TriggerTarget {
		t.Errorf("expected TARGET trigger, got %s", last.Trigger)
	}
}

func TestMonitorInvalidationBeatsTarget(t *testing.T) {
	sink := &archiveSink{}
	r := NewRegistry(sink)
	ex := newFakeExchange()
	ex.positions["BTC"] = types.Position{Symbol: "BTC", Size: 1, EntryPrice: 100}
	ex.prices["BTC"] = 111

	plan := longPlan("BTC")
	plan.Invalidation = []types.Predicate{{PriceAbove: 110}}
	r.Register(plan)
	NewMonitor(r, ex, time.Second, nil).Sweep(context.Background())

	last := sink.plans[len(sink.plans)-1]
	if last.Trigger != TriggerInvalidation {
		t.Errorf("expected INVALIDATION to take precedence, got %s", last.Trigger)
	}
}

func TestMonitorSkipsSymbolWithoutPrice(t *testing.T) {
	r := NewRegistry(&archiveSink{})
	ex := newFakeExchange()
	ex.positions["BTC"] = types.Position{Symbol: "BTC", Size: 1, EntryPrice: 100}
	ex.priceErr["BTC"] = errors.New("venue down")

	r.Register(longPlan("BTC"))
	NewMonitor(r, ex, time.Second, nil).Sweep(context.Background())

	if len(ex.closeCalls) != 0 {
		t.Error("no close may happen without a price")
	}
	if _, ok := r.Get("BTC"); !ok {
		t.Error("plan must stay ACTIVE when the symbol is skipped")
	}
}

func TestMonitorKeepsPlanWhenCloseFails(t *testing.T) {
	r := NewRegistry(&archiveSink{})
	ex := newFakeExchange()
	ex.positions["BTC"] = types.Position{Symbol: "BTC", Size: 1, EntryPrice: 100}
	ex.prices["BTC"] = 94
	ex.closeErr = errors.New("reject")

	r.Register(longPlan("BTC"))
	NewMonitor(r, ex, time.Second, nil).Sweep(context.Background())

	if _, ok := r.Get("BTC"); !ok {
		t.Error("plan must stay ACTIVE for retry when the close fails")
	}
}

func TestMonitorExpiresPlanWhenPositionGone(t *testing.T) {
	sink := &archiveSink{}
	r := NewRegistry(sink)
	ex := newFakeExchange() // no position for BTC
	ex.prices["BTC"] = 100

	r.Register(longPlan("BTC"))
	NewMonitor(r, ex, time.Second, nil).Sweep(context.Background())

	if _, ok := r.Get("BTC"); ok {
		t.Error("plan for a flat symbol must expire")
	}
	last := sink.plans[len(sink.plans)-1]
	if last.State != types.PlanExpired {
		t.Errorf("expected EXPIRED, got %s", last.State)
	}
}

func TestMonitorFeedsPriceObserver(t *testing.T) {
	r := NewRegistry(&archiveSink{})
	ex := newFakeExchange()
	ex.positions["BTC"] = types.Position{Symbol: "BTC", Size: 1, EntryPrice: 100}
	ex.prices["BTC"] = 100

	var seen []float64
	observer := func(ctx context.Context, symbol string, price float64) {
		seen = append(seen, price)
	}
	r.Register(longPlan("BTC"))
	NewMonitor(r, ex, time.Second, observer).Sweep(context.Background())

	if len(seen) != 1 || seen[0] != 100 {
		t.Errorf("expected observer fed with 100, got %v", seen)
	}
}
