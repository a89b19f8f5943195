package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"perp-trading-agent/internal/approval"
	"perp-trading-agent/internal/exec"
	"perp-trading-agent/internal/interfaces"
	"perp-trading-agent/internal/logger"
	"perp-trading-agent/internal/marketdata"
	"perp-trading-agent/internal/merge"
	"perp-trading-agent/internal/meta"
	"perp-trading-agent/internal/metrics"
	"perp-trading-agent/internal/risk"
	"perp-trading-agent/internal/store"
	"perp-trading-agent/internal/trace"
	"perp-trading-agent/internal/types"
)

// decisionTimeframe is the snapshot the evaluators reason over. Slower
// windows are available through the cache but the cycle trades off the 5m
// view.
const decisionTimeframe = types.TF5m

// Engine drives the decision cycle: account snapshot, parallel opinions,
// merge, risk cap, approval, execution. One cycle may act on every symbol in
// the universe; a symbol still executing or awaiting manual approval from a
// previous cycle is skipped so the cadence never stalls on one symbol.
type Engine struct {
	cfg      *store.Config
	exchange interfaces.Exchange
	cache    *marketdata.Cache
	meta     *meta.Store
	analyst  interfaces.OpinionProducer
	risk     interfaces.OpinionProducer
	riskCtl  *risk.Controller
	gate     *approval.Gate
	pipeline *exec.Pipeline
	archive  interfaces.Archiver

	mu       sync.Mutex
	inFlight map[string]bool

	lastCycle time.Time
}

func New(
	cfg *store.Config,
	exchange interfaces.Exchange,
	cache *marketdata.Cache,
	metaStore *meta.Store,
	analyst, riskProducer interfaces.OpinionProducer,
	riskCtl *risk.Controller,
	gate *approval.Gate,
	pipeline *exec.Pipeline,
	archive interfaces.Archiver,
) *Engine {
	return &Engine{
		cfg:      cfg,
		exchange: exchange,
		cache:    cache,
		meta:     metaStore,
		analyst:  analyst,
		risk:     riskProducer,
		riskCtl:  riskCtl,
		gate:     gate,
		pipeline: pipeline,
		archive:  archive,
		inFlight: make(map[string]bool),
	}
}

// Cycle evaluates the whole universe once and returns the execution results.
func (e *Engine) Cycle(ctx context.Context) ([]types.ExecutionResult, error) {
	ctx, span := trace.StartSpan(ctx, "engine.Cycle")
	defer span.End()

	timer := logger.StartOperation(ctx, "cycle", "universe", len(e.cfg.Universe))
	cycleTime := time.Now()

	// Account state is snapshotted fresh every cycle, never reused.
	acct, err := e.exchange.AccountState(ctx)
	if err != nil {
		timer.EndWithError(err)
		return nil, fmt.Errorf("account state: %w", err)
	}
	e.riskCtl.ObserveEquity(ctx, acct.Equity)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []types.ExecutionResult
	)
	for _, symbol := range e.cfg.Universe {
		if !e.claim(symbol) {
			logger.Warn(ctx, "Symbol still executing or awaiting approval, deferred", "symbol", symbol)
			continue
		}
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			result, outcome := e.evaluateSymbol(ctx, symbol, acct, cycleTime)
			if outcome != symbolDetached {
				e.release(symbol)
			}
			if outcome == symbolExecuted {
				mu.Lock()
				results = append(results, result)
				mu.Unlock()
			}
		}(symbol)
	}
	wg.Wait()

	e.mu.Lock()
	e.lastCycle = cycleTime
	e.mu.Unlock()

	timer.End("results", len(results))
	return results, nil
}

// symbolOutcome reports how a symbol's evaluation concluded within the cycle.
type symbolOutcome int

const (
	symbolNoTrade  symbolOutcome = iota // nothing executed this cycle
	symbolExecuted                      // the result carries the execution
	symbolDetached                      // approval wait continues off-cycle, claim still held
)

// evaluateSymbol runs the pipeline for one symbol up to the point where the
// cycle either has a result or hands the rest off to an approval wait.
func (e *Engine) evaluateSymbol(ctx context.Context, symbol string, acct types.AccountState, cycleTime time.Time) (types.ExecutionResult, symbolOutcome) {
	snap, err := e.cache.Get(ctx, symbol, decisionTimeframe)
	if err != nil {
		// No data, no trade; monitoring elsewhere continues.
		logger.Warn(ctx, "Skipping symbol, market data unavailable", "symbol", symbol, "error", err)
		return types.ExecutionResult{}, symbolNoTrade
	}

	analystOp, riskOp := e.collectOpinions(ctx, snap, acct)

	d := merge.Merge(analystOp, riskOp, acct.Equity, snap.LastPrice, cycleTime)
	logger.Decision(ctx, d.Symbol, string(d.Action), d.Confidence, d.Reason,
		"rule", d.Provenance.Rule, "size_usd", d.SizeUSD)
	if err := e.archive.Decision(d); err != nil {
		logger.ErrorWithErr(ctx, "Failed to archive decision", err, "symbol", symbol)
	}

	switch d.Action {
	case types.ActionHold:
		return types.ExecutionResult{}, symbolNoTrade
	case types.ActionFlat:
		if pos, ok := acct.Positions[symbol]; !ok || pos.Size == 0 {
			return types.ExecutionResult{}, symbolNoTrade
		}
	}

	if d.Action.IsEntry() {
		m, err := e.meta.Get(symbol)
		if err != nil {
			logger.Warn(ctx, "Skipping entry, instrument metadata unavailable", "symbol", symbol, "error", err)
			return types.ExecutionResult{}, symbolNoTrade
		}
		capped, reduced := e.riskCtl.CapDecisionSize(acct, d.SizeUSD, d.Leverage, m)
		if reduced {
			logger.Info(ctx, "Decision size capped by risk policy",
				"symbol", symbol, "requested_usd", d.SizeUSD, "capped_usd", capped)
			d.SizeUSD = capped
		}
		if d.SizeUSD <= 0 {
			logger.Warn(ctx, "Entry blocked, zero size allowed", "symbol", symbol,
				"drawdown_halted", e.riskCtl.DrawdownHalted())
			return types.ExecutionResult{}, symbolNoTrade
		}

		if e.gate.RequiresManual(d) {
			// The approval wait suspends this symbol only. The claim rides
			// with the goroutine so later cycles defer the symbol instead of
			// stacking a second request, and the scheduler ticks on time.
			go e.approveAndExecute(ctx, d, acct.Equity, snap.LastPrice)
			return types.ExecutionResult{}, symbolDetached
		}

		result, err := e.gate.Request(ctx, d)
		if err != nil {
			logger.ErrorWithErr(ctx, "Approval gate failed", err, "symbol", symbol)
			return types.ExecutionResult{}, symbolNoTrade
		}
		if !result.Approved() {
			logger.Info(ctx, "Decision not approved, no trade",
				"symbol", symbol, "status", string(result.Status))
			return types.ExecutionResult{}, symbolNoTrade
		}
	}

	return e.execute(ctx, d, acct.Equity, snap.LastPrice), symbolExecuted
}

// approveAndExecute carries a manual-approval entry through the gate and the
// pipeline off the cycle path. The symbol's claim is released only once the
// request resolves and any resulting execution finishes.
func (e *Engine) approveAndExecute(ctx context.Context, d types.Decision, equity, refPrice float64) {
	defer e.release(d.Symbol)

	result, err := e.gate.Request(ctx, d)
	if err != nil {
		logger.ErrorWithErr(ctx, "Approval gate failed", err, "symbol", d.Symbol)
		return
	}
	if !result.Approved() {
		logger.Info(ctx, "Decision not approved, no trade",
			"symbol", d.Symbol, "status", string(result.Status))
		return
	}
	e.execute(ctx, d, equity, refPrice)
}

func (e *Engine) execute(ctx context.Context, d types.Decision, equity, refPrice float64) types.ExecutionResult {
	execResult, err := e.pipeline.Execute(ctx, d, equity, refPrice)
	if err != nil && errors.Is(err, types.ErrCriticalExposureUnmanaged) {
		logger.Safety(ctx, "CYCLE_CRITICAL", "symbol", d.Symbol, "error", err.Error())
	}
	return execResult
}

// collectOpinions runs both evaluators in parallel under the per-evaluator
// deadline. A producer that errors or misses the deadline contributes HOLD;
// it never blocks the cycle or fabricates a trade.
func (e *Engine) collectOpinions(ctx context.Context, snap *types.MarketSnapshot, acct types.AccountState) (types.Opinion, types.Opinion) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.EvaluatorTimeout())
	defer cancel()

	run := func(p interfaces.OpinionProducer, ch chan<- opinionOutcome) {
		op, err := p.Produce(ctx, snap, acct)
		ch <- opinionOutcome{op: op, err: err}
	}

	analystCh := make(chan opinionOutcome, 1)
	riskCh := make(chan opinionOutcome, 1)
	go run(e.analyst, analystCh)
	go run(e.risk, riskCh)

	return e.await(ctx, snap.Symbol, e.analyst.Name(), analystCh),
		e.await(ctx, snap.Symbol, e.risk.Name(), riskCh)
}

type opinionOutcome struct {
	op  types.Opinion
	err error
}

func (e *Engine) await(ctx context.Context, symbol string, role types.Producer, ch <-chan opinionOutcome) types.Opinion {
	hold := func(reason string) types.Opinion {
		return types.Opinion{
			Producer: role,
			Symbol:   symbol,
			Action:   types.ActionHold,
			Reason:   reason,
		}
	}

	select {
	case out := <-ch:
		if out.err != nil {
			metrics.Error("evaluator_failed")
			logger.Warn(ctx, "Evaluator failed, falling back to hold",
				"producer", string(role), "symbol", symbol, "error", out.err)
			return hold("evaluator error: " + out.err.Error())
		}
		return out.op
	case <-ctx.Done():
		metrics.Error("evaluator_timeout")
		logger.Warn(ctx, "Evaluator deadline missed, falling back to hold",
			"producer", string(role), "symbol", symbol,
			"timeout", e.cfg.EvaluatorTimeout().String(),
			"cause", types.ErrEvaluatorTimeout.Error())
		return hold("evaluator timeout")
	}
}

func (e *Engine) claim(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[symbol] {
		return false
	}
	e.inFlight[symbol] = true
	return true
}

func (e *Engine) release(symbol string) {
	e.mu.Lock()
	delete(e.inFlight, symbol)
	e.mu.Unlock()
}

// LastCycle reports when the most recent cycle completed, for the status
// surface.
func (e *Engine) LastCycle() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCycle
}
