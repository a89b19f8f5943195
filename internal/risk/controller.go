package risk

import (
	"context"
	"math"
	"sync"
	"time"

	"perp-trading-agent/internal/interfaces"
	"perp-trading-agent/internal/logger"
	"perp-trading-agent/internal/metrics"
	"perp-trading-agent/internal/types"
)

// PositionRisk is the read-only risk view of one open position.
type PositionRisk struct {
	Symbol           string  `json:"symbol"`
	Size             float64 `json:"size"`
	EntryPrice       float64 `json:"entry_price"`
	CurrentPrice     float64 `json:"current_price"`
	LiquidationPrice float64 `json:"liquidation_price"`
	DistanceToLiqPct float64 `json:"distance_to_liq_pct"`
	UnrealizedPnl    float64 `json:"unrealized_pnl"`
}

// Config carries the controller's policy knobs.
type Config struct {
	MaxPositionPct float64 // ceiling on notional as a fraction of equity
	MaxDrawdownPct float64 // trailing drawdown that halts new sizing
	Retries        int     // bounded retries for safety operations
	RetryBackoff   time.Duration
}

// Controller computes position risk, enforces account-level limits and owns
// the panic operations plus the dead-man's switch.
type Controller struct {
	cfg      Config
	exchange interfaces.Exchange
	deadman  *DeadMan

	mu         sync.Mutex
	peakEquity float64
	halted     bool
}

func NewController(cfg Config, exchange interfaces.Exchange) *Controller {
	c := &Controller{cfg: cfg, exchange: exchange}
	c.deadman = newDeadMan(func() {
		// Timer context: the scheduler's context is not available here,
		// so the trigger runs with its own deadline.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		metrics.SafetyEvent("dead_man_triggered")
		logger.Safety(ctx, "DEAD_MAN_TRIGGERED")
		if err := c.CancelAllOrders(ctx); err != nil {
			logger.ErrorWithErr(ctx, "Dead-man cancel-all failed", err)
		}
	})
	return c
}

// PositionRisk returns liquidation distance and unrealized PnL for a symbol.
// A flat symbol returns a zero value with no error.
func (c *Controller) PositionRisk(ctx context.Context, symbol string) (PositionRisk, error) {
	acct, err := c.exchange.AccountState(ctx)
	if err != nil {
		return PositionRisk{}, err
	}
	pos, ok := acct.Positions[symbol]
	if !ok || pos.Size == 0 {
		return PositionRisk{Symbol: symbol}, nil
	}

	price, err := c.exchange.LastPrice(ctx, symbol)
	if err != nil || price <= 0 {
		price = pos.EntryPrice
	}

	distPct := 0.0
	if pos.LiquidationPrice > 0 && price > 0 {
		distPct = math.Abs(price-pos.LiquidationPrice) / price * 100
	}

	return PositionRisk{
		Symbol:           symbol,
		Size:             pos.Size,
		EntryPrice:       pos.EntryPrice,
		CurrentPrice:     price,
		LiquidationPrice: pos.LiquidationPrice,
		DistanceToLiqPct: distPct,
		UnrealizedPnl:    pos.UnrealizedPnl,
	}, nil
}

// MaxTradeSizeUSD returns the largest notional a new trade may take, given
// account equity, the requested leverage and the instrument's maximum. The
// max-position fraction and the drawdown breaker are authoritative: leverage
// is bounded by whichever constraint is tightest, and a breached drawdown
// forces zero until cleared.
func (c *Controller) MaxTradeSizeUSD(acct types.AccountState, requestedLeverage int, m types.InstrumentMeta) float64 {
	c.mu.Lock()
	halted := c.halted
	c.mu.Unlock()
	if halted {
		return 0
	}

	lev := requestedLeverage
	if lev <= 0 || (m.MaxLeverage > 0 && lev > m.MaxLeverage) {
		lev = m.MaxLeverage
	}
	if lev <= 0 {
		lev = 1
	}

	leverageCap := acct.Equity * float64(lev)
	positionCap := acct.Equity * c.cfg.MaxPositionPct
	return math.Min(leverageCap, positionCap)
}

// CapDecisionSize clamps a decision's notional to the allowed maximum and
// reports whether it was reduced.
func (c *Controller) CapDecisionSize(acct types.AccountState, sizeUSD float64, leverage int, m types.InstrumentMeta) (float64, bool) {
	max := c.MaxTradeSizeUSD(acct, leverage, m)
	if sizeUSD > max {
		return max, true
	}
	return sizeUSD, false
}

// ObserveEquity feeds the trailing drawdown breaker. Once the drawdown from
// the peak exceeds the policy, every subsequent sizing request resolves to
// zero until ClearDrawdownHalt.
func (c *Controller) ObserveEquity(ctx context.Context, equity float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if equity > c.peakEquity {
		c.peakEquity = equity
	}
	if c.halted || c.peakEquity <= 0 {
		return
	}

	drawdown := (c.peakEquity - equity) / c.peakEquity
	if drawdown >= c.cfg.MaxDrawdownPct {
		c.halted = true
		metrics.SafetyEvent("drawdown_halt")
		logger.Safety(ctx, "DRAWDOWN_HALT",
			"equity", equity,
			"peak_equity", c.peakEquity,
			"drawdown_pct", drawdown*100,
			"limit_pct", c.cfg.MaxDrawdownPct*100,
		)
	}
}

// DrawdownHalted reports whether the breaker is tripped.
func (c *Controller) DrawdownHalted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// ClearDrawdownHalt re-enables sizing after manual review. The equity peak
// resets so the breaker measures from the current level.
func (c *Controller) ClearDrawdownHalt(ctx context.Context) {
	c.mu.Lock()
	c.halted = false
	c.peakEquity = 0
	c.mu.Unlock()
	logger.Safety(ctx, "DRAWDOWN_HALT_CLEARED")
}

// CancelAllOrders cancels every resting order. Idempotent; transient
// failures are retried a bounded number of times, and anything still
// unresolved surfaces as SafetyOperationPartialFailure rather than aborting
// the rest.
func (c *Controller) CancelAllOrders(ctx context.Context) error {
	symbols, err := c.exchange.OpenOrderSymbols(ctx)
	if err != nil {
		return &types.SafetyOperationPartialFailure{Operation: "cancel_all_orders", Unresolved: []string{"*"}}
	}
	if len(symbols) == 0 {
		return nil
	}

	unresolved := c.forEachWithRetry(ctx, symbols, func(ctx context.Context, symbol string) error {
		return c.exchange.CancelAllOrders(ctx, symbol)
	})

	logger.Safety(ctx, "CANCEL_ALL_ORDERS", "symbols", len(symbols), "unresolved", len(unresolved))
	metrics.SafetyEvent("cancel_all_orders")
	if len(unresolved) > 0 {
		return &types.SafetyOperationPartialFailure{Operation: "cancel_all_orders", Unresolved: unresolved}
	}
	return nil
}

// CloseAllPositions market-closes every open position with the same bounded
// retry and partial-failure semantics as CancelAllOrders.
func (c *Controller) CloseAllPositions(ctx context.Context) error {
	acct, err := c.exchange.AccountState(ctx)
	if err != nil {
		return &types.SafetyOperationPartialFailure{Operation: "close_all_positions", Unresolved: []string{"*"}}
	}

	symbols := make([]string, 0, len(acct.Positions))
	for sym, pos := range acct.Positions {
		if pos.Size != 0 {
			symbols = append(symbols, sym)
		}
	}
	if len(symbols) == 0 {
		return nil
	}

	unresolved := c.forEachWithRetry(ctx, symbols, func(ctx context.Context, symbol string) error {
		_, err := c.exchange.ClosePosition(ctx, symbol, 1.0)
		return err
	})

	logger.Safety(ctx, "CLOSE_ALL_POSITIONS", "symbols", len(symbols), "unresolved", len(unresolved))
	metrics.SafetyEvent("close_all_positions")
	if len(unresolved) > 0 {
		return &types.SafetyOperationPartialFailure{Operation: "close_all_positions", Unresolved: unresolved}
	}
	return nil
}

// Panic cancels all orders then closes all positions. Both legs run even if
// the first reports a partial failure; the worse outcome is returned.
func (c *Controller) Panic(ctx context.Context) error {
	metrics.SafetyEvent("panic")
	logger.Safety(ctx, "PANIC")

	cancelErr := c.CancelAllOrders(ctx)
	closeErr := c.CloseAllPositions(ctx)
	if closeErr != nil {
		return closeErr
	}
	return cancelErr
}

func (c *Controller) forEachWithRetry(ctx context.Context, symbols []string, op func(context.Context, string) error) []string {
	var unresolved []string
	for _, symbol := range symbols {
		var lastErr error
		for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(c.cfg.RetryBackoff):
				case <-ctx.Done():
					unresolved = append(unresolved, symbol)
					return unresolved
				}
			}
			if lastErr = op(ctx, symbol); lastErr == nil {
				break
			}
		}
		if lastErr != nil {
			logger.ErrorWithErr(ctx, "Safety operation failed for symbol after retries", lastErr,
				"symbol", symbol, "retries", c.cfg.Retries)
			unresolved = append(unresolved, symbol)
		}
	}
	return unresolved
}

// DeadMan exposes the controller-owned dead-man's switch.
func (c *Controller) DeadMan() *DeadMan { return c.deadman }
