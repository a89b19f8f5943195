package engine

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perp-trading-agent/internal/approval"
	"perp-trading-agent/internal/exec"
	"perp-trading-agent/internal/exitplan"
	"perp-trading-agent/internal/logger"
	"perp-trading-agent/internal/marketdata"
	"perp-trading-agent/internal/meta"
	"perp-trading-agent/internal/risk"
	"perp-trading-agent/internal/sizing"
	"perp-trading-agent/internal/store"
	"perp-trading-agent/internal/types"
)

func TestMain(m *testing.M) {
	_ = logger.InitWithConfig(logger.LogConfig{Level: "ERROR", Format: "text"})
	os.Exit(m.Run())
}

type fakeExchange struct {
	price  float64
	equity float64

	mu        sync.Mutex
	positions map[string]types.Position
	submitted []types.OrderSpec
	closed    []string
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		price:     100,
		equity:    10000,
		positions: map[string]types.Position{},
	}
}

func (f *fakeExchange) Candles(ctx context.Context, symbol string, tf types.Timeframe, n int) ([]types.Candle, error) {
	candles := make([]types.Candle, n)
	for i := range candles {
		candles[i] = types.Candle{
			Ts:    int64(i),
			Open:  f.price,
			High:  f.price * 1.001,
			Low:   f.price * 0.999,
			Close: f.price,
			Vol:   10,
		}
	}
	return candles, nil
}

func (f *fakeExchange) AccountState(ctx context.Context) (types.AccountState, error) {
	return types.AccountState{Equity: f.equity, Positions: f.positions, Timestamp: time.Now()}, nil
}

func (f *fakeExchange) InstrumentMeta(ctx context.Context) ([]types.InstrumentMeta, error) {
	return []types.InstrumentMeta{{
		Symbol:      "BTC",
		TickSize:    decimal.NewFromFloat(0.1),
		SizeStep:    decimal.NewFromFloat(0.01),
		MinSize:     decimal.NewFromFloat(0.01),
		MaxLeverage: 20,
	}}, nil
}

func (f *fakeExchange) SubmitOrder(ctx context.Context, spec types.OrderSpec) (types.OrderAck, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, spec)
	f.mu.Unlock()
	qty, _ := spec.Quantity.Float64()
	return types.OrderAck{OrderID: "oid", Status: "filled", FilledQty: qty, AvgPrice: f.price}, nil
}

func (f *fakeExchange) submittedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeExchange) ClosePosition(ctx context.Context, symbol string, fraction float64) (types.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, symbol)
	delete(f.positions, symbol)
	return types.OrderAck{OrderID: "closed", Status: "filled"}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }
func (f *fakeExchange) CancelAllOrders(ctx context.Context, symbol string) error      { return nil }
func (f *fakeExchange) LastPrice(ctx context.Context, symbol string) (float64, error) {
	return f.price, nil
}
func (f *fakeExchange) OpenOrderSymbols(ctx context.Context) ([]string, error) { return nil, nil }

type nullArchive struct{}

func (nullArchive) Decision(types.Decision) error                              { return nil }
func (nullArchive) Execution(types.ExecutionResult) error                      { return nil }
func (nullArchive) PlanTransition(types.ExitPlan) error                        { return nil }
func (nullArchive) Approval(types.ApprovalRequest, types.ApprovalResult) error { return nil }

type nullChannel struct{}

func (nullChannel) Deliver(ctx context.Context, req types.ApprovalRequest) error { return nil }
func (nullChannel) NotifyResolved(ctx context.Context, result types.ApprovalResult) {
}

// stubProducer returns a fixed opinion, an error, or blocks until the
// context is cancelled.
type stubProducer struct {
	role    types.Producer
	opinion types.Opinion
	err     error
	block   bool
}

func (p *stubProducer) Name() types.Producer { return p.role }

func (p *stubProducer) Produce(ctx context.Context, snap *types.MarketSnapshot, acct types.AccountState) (types.Opinion, error) {
	if p.block {
		<-ctx.Done()
		return types.Opinion{}, ctx.Err()
	}
	if p.err != nil {
		return types.Opinion{}, p.err
	}
	op := p.opinion
	op.Producer = p.role
	op.Symbol = snap.Symbol
	return op, nil
}

func longOpinion() types.Opinion {
	return types.Opinion{
		Action:     types.ActionLong,
		SizeUSD:    2000,
		Leverage:   5,
		Confidence: 0.8,
		Stop:       types.Predicate{PriceBelow: 95},
		Target:     types.Predicate{PriceAbove: 110},
		Reason:     "trend up",
	}
}

func testConfig() *store.Config {
	cfg := &store.Config{}
	cfg.Mode = "DRY_RUN"
	cfg.Universe = []string{"BTC"}
	cfg.Cycle.IntervalSeconds = 180
	cfg.Cycle.EvaluatorTimeoutSeconds = 1
	cfg.Risk.MaxPositionPct = 0.75
	cfg.Risk.MaxDrawdownPct = 0.50
	cfg.Risk.SafetyRetries = 1
	cfg.Risk.SafetyRetryBackoff = 1
	cfg.Approval.AutoApproveUSD = 100000 // everything auto-approves in tests
	cfg.Approval.DeadlineSeconds = 1
	return cfg
}

func newEngine(t *testing.T, cfg *store.Config, ex *fakeExchange, analyst, riskProd *stubProducer) (*Engine, *exitplan.Registry) {
	t.Helper()

	cache := marketdata.NewCache(ex, func(types.Timeframe) time.Duration { return time.Minute }, 1.0, time.Minute)
	metaStore := meta.NewStore(ex, time.Hour, 2*time.Hour)
	if err := metaStore.Refresh(context.Background()); err != nil {
		t.Fatalf("meta refresh failed: %v", err)
	}

	riskCtl := risk.NewController(risk.Config{
		MaxPositionPct: cfg.Risk.MaxPositionPct,
		MaxDrawdownPct: cfg.Risk.MaxDrawdownPct,
		Retries:        cfg.Risk.SafetyRetries,
		RetryBackoff:   time.Millisecond,
	}, ex)
	gate := approval.NewGate(cfg.Approval.AutoApproveUSD, cfg.ApprovalDeadline(), nullChannel{}, nullArchive{})
	registry := exitplan.NewRegistry(nullArchive{})
	pipeline := exec.NewPipeline(ex, sizing.New(metaStore), registry, nullArchive{})

	return New(cfg, ex, cache, metaStore, analyst, riskProd, riskCtl, gate, pipeline, nullArchive{}), registry
}

func TestCycleAgreedEntryExecutes(t *testing.T) {
	ex := newFakeExchange()
	analyst := &stubProducer{role: types.ProducerAnalyst, opinion: longOpinion()}
	riskProd := &stubProducer{role: types.ProducerRisk, opinion: longOpinion()}
	eng, registry := newEngine(t, testConfig(), ex, analyst, riskProd)

	results, err := eng.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(results))
	}
	if results[0].Status != types.ExecFilled {
		t.Fatalf("expected FILLED, got %s (%s)", results[0].Status, results[0].Error)
	}
	if len(ex.submitted) != 2 {
		t.Errorf("expected entry + stop submitted, got %d", len(ex.submitted))
	}
	if _, ok := registry.Get("BTC"); !ok {
		t.Error("filled entry must register an exit plan")
	}
	if eng.LastCycle().IsZero() {
		t.Error("cycle completion must be recorded")
	}
}

func TestCycleEvaluatorErrorFallsBackToHold(t *testing.T) {
	ex := newFakeExchange()
	analyst := &stubProducer{role: types.ProducerAnalyst, err: errors.New("model unavailable")}
	riskProd := &stubProducer{role: types.ProducerRisk, opinion: longOpinion()}
	eng, _ := newEngine(t, testConfig(), ex, analyst, riskProd)

	results, err := eng.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("a failed evaluator must yield no trade, got %d results", len(results))
	}
	if len(ex.submitted) != 0 {
		t.Error("no order may be submitted on evaluator failure")
	}
}

func TestCycleEvaluatorTimeoutFallsBackToHold(t *testing.T) {
	ex := newFakeExchange()
	analyst := &stubProducer{role: types.ProducerAnalyst, block: true}
	riskProd := &stubProducer{role: types.ProducerRisk, opinion: longOpinion()}
	eng, _ := newEngine(t, testConfig(), ex, analyst, riskProd)

	start := time.Now()
	results, err := eng.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("a timed-out evaluator must yield no trade, got %d results", len(results))
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cycle must respect the evaluator deadline, took %s", elapsed)
	}
}

func TestCycleFlatWithoutPositionIsNoop(t *testing.T) {
	ex := newFakeExchange()
	flat := types.Opinion{Action: types.ActionFlat, Confidence: 0.9, Reason: "de-risk"}
	analyst := &stubProducer{role: types.ProducerAnalyst, opinion: flat}
	riskProd := &stubProducer{role: types.ProducerRisk, opinion: flat}
	eng, _ := newEngine(t, testConfig(), ex, analyst, riskProd)

	results, err := eng.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("FLAT without a position must not execute, got %d results", len(results))
	}
	if len(ex.closed) != 0 {
		t.Error("nothing to close, nothing may be closed")
	}
}

func TestCycleFlatClosesOpenPosition(t *testing.T) {
	ex := newFakeExchange()
	ex.positions["BTC"] = types.Position{Symbol: "BTC", Size: 1, EntryPrice: 100}
	flat := types.Opinion{Action: types.ActionFlat, Confidence: 0.9, Reason: "de-risk"}
	analyst := &stubProducer{role: types.ProducerAnalyst, opinion: flat}
	riskProd := &stubProducer{role: types.ProducerRisk, opinion: flat}
	eng, _ := newEngine(t, testConfig(), ex, analyst, riskProd)

	results, err := eng.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if len(results) != 1 || results[0].Status != types.ExecFilled {
		t.Fatalf("expected one filled close, got %v", results)
	}
	if len(ex.closed) != 1 || ex.closed[0] != "BTC" {
		t.Errorf("expected BTC closed, got %v", ex.closed)
	}
}

func TestCycleDrawdownHaltBlocksEntry(t *testing.T) {
	ex := newFakeExchange()
	analyst := &stubProducer{role: types.ProducerAnalyst, opinion: longOpinion()}
	riskProd := &stubProducer{role: types.ProducerRisk, opinion: longOpinion()}
	cfg := testConfig()
	eng, _ := newEngine(t, cfg, ex, analyst, riskProd)

	// Trip the drawdown halt before the cycle runs.
	ex.equity = 10000
	if _, err := eng.Cycle(context.Background()); err != nil {
		t.Fatalf("priming cycle failed: %v", err)
	}
	ex.submitted = nil
	ex.equity = 4000 // 60% below the observed peak

	results, err := eng.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("halted controller must block entries, got %d results", len(results))
	}
	if len(ex.submitted) != 0 {
		t.Error("no order may be submitted under drawdown halt")
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCycleDoesNotBlockOnManualApproval(t *testing.T) {
	ex := newFakeExchange()
	analyst := &stubProducer{role: types.ProducerAnalyst, opinion: longOpinion()}
	riskProd := &stubProducer{role: types.ProducerRisk, opinion: longOpinion()}
	cfg := testConfig()
	cfg.Approval.AutoApproveUSD = 100 // the 2000 USD decision needs a human
	cfg.Approval.DeadlineSeconds = 30
	eng, _ := newEngine(t, cfg, ex, analyst, riskProd)

	start := time.Now()
	results, err := eng.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cycle must return without waiting on approval, took %s", elapsed)
	}
	if len(results) != 0 {
		t.Fatalf("a pending approval must not report an execution, got %d", len(results))
	}
	if ex.submittedCount() != 0 {
		t.Fatal("no order may be submitted before the request is approved")
	}

	waitFor(t, func() bool { return len(eng.gate.Pending()) == 1 }, "pending approval request")
	pending := eng.gate.Pending()

	// The symbol's claim is held while the request waits, so the next cycle
	// defers it instead of stacking a second request.
	if _, err := eng.Cycle(context.Background()); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}
	if got := len(eng.gate.Pending()); got != 1 {
		t.Fatalf("deferred symbol must keep a single pending request, got %d", got)
	}

	if err := eng.gate.Resolve(pending[0].ID, true, "operator"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	waitFor(t, func() bool { return ex.submittedCount() == 2 }, "entry and stop after approval")
	waitFor(t, func() bool { return eng.claim("BTC") }, "claim release after execution")
	eng.release("BTC")
}

func TestCycleManualApprovalRejectionPlacesNoOrder(t *testing.T) {
	ex := newFakeExchange()
	analyst := &stubProducer{role: types.ProducerAnalyst, opinion: longOpinion()}
	riskProd := &stubProducer{role: types.ProducerRisk, opinion: longOpinion()}
	cfg := testConfig()
	cfg.Approval.AutoApproveUSD = 100
	cfg.Approval.DeadlineSeconds = 30
	eng, registry := newEngine(t, cfg, ex, analyst, riskProd)

	if _, err := eng.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	waitFor(t, func() bool { return len(eng.gate.Pending()) == 1 }, "pending approval request")
	pending := eng.gate.Pending()

	if err := eng.gate.Resolve(pending[0].ID, false, "operator"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	waitFor(t, func() bool { return eng.claim("BTC") }, "claim release after rejection")
	eng.release("BTC")

	if ex.submittedCount() != 0 {
		t.Error("a rejected decision must not reach the exchange")
	}
	if _, ok := registry.Get("BTC"); ok {
		t.Error("no plan may exist for a rejected decision")
	}
}

func TestCycleSizeCappedByRiskPolicy(t *testing.T) {
	ex := newFakeExchange()
	op := longOpinion()
	op.SizeUSD = 9000 // over the 7500 position cap at 10k equity
	analyst := &stubProducer{role: types.ProducerAnalyst, opinion: op}
	riskProd := &stubProducer{role: types.ProducerRisk, opinion: op}
	eng, _ := newEngine(t, testConfig(), ex, analyst, riskProd)

	results, err := eng.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(results))
	}
	if got := results[0].Decision.SizeUSD; got != 7500 {
		t.Errorf("expected size capped to 7500, got %f", got)
	}
}
