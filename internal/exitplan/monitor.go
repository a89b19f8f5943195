package exitplan

import (
	"context"
	"time"

	"perp-trading-agent/internal/interfaces"
	"perp-trading-agent/internal/logger"
	"perp-trading-agent/internal/metrics"
	"perp-trading-agent/internal/trace"
	"perp-trading-agent/internal/types"
)

// PriceObserver receives every price the monitor sees, so the market data
// cache's volatility valve stays fed between cycles.
type PriceObserver func(ctx context.Context, symbol string, price float64)

// Monitor sweeps ACTIVE exit plans against live prices and closes positions
// whose stop, target or invalidation condition has triggered. It runs on its
// own ticker so exits fire even when the decision cycle is wedged.
type Monitor struct {
	registry *Registry
	exchange interfaces.Exchange
	interval time.Duration
	observer PriceObserver
}

func NewMonitor(registry *Registry, exchange interfaces.Exchange, interval time.Duration, observer PriceObserver) *Monitor {
	return &Monitor{
		registry: registry,
		exchange: exchange,
		interval: interval,
		observer: observer,
	}
}

// Run sweeps until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep evaluates every ACTIVE plan once. A symbol whose price cannot be
// read is skipped this round rather than guessed at; the plan stays ACTIVE.
func (m *Monitor) Sweep(ctx context.Context) {
	ctx, span := trace.StartSpan(ctx, "exitplan.Sweep")
	defer span.End()

	plans := m.registry.Active()
	if len(plans) == 0 {
		return
	}

	acct, acctErr := m.exchange.AccountState(ctx)

	for i := range plans {
		plan := plans[i]

		if acctErr == nil {
			if pos, ok := acct.Positions[plan.Symbol]; !ok || pos.Size == 0 {
				// Position closed outside the plan (liquidation, manual
				// close); the plan has nothing left to protect.
				m.expire(ctx, plan)
				continue
			}
		}

		price, err := m.exchange.LastPrice(ctx, plan.Symbol)
		if err != nil || price <= 0 {
			logger.Warn(ctx, "Exit monitor skipping symbol, no price",
				"symbol", plan.Symbol, "plan_id", plan.ID, "error", err)
			continue
		}
		if m.observer != nil {
			m.observer(ctx, plan.Symbol, price)
		}

		if trigger := evaluate(plan, price); trigger != "" {
			m.close(ctx, plan, trigger, price)
		}
	}
}

// evaluate returns the first matching trigger, checked in order of urgency.
func evaluate(plan types.ExitPlan, price float64) string {
	if plan.Stop.Match(price) {
		return TriggerStop
	}
	for _, p := range plan.Invalidation {
		if p.Match(price) {
			return TriggerInvalidation
		}
	}
	if plan.Target.Match(price) {
		return TriggerTarget
	}
	return ""
}

func (m *Monitor) close(ctx context.Context, plan types.ExitPlan, trigger string, price float64) {
	logger.Safety(ctx, "EXIT_PLAN_TRIGGERED",
		"symbol", plan.Symbol,
		"plan_id", plan.ID,
		"trigger", trigger,
		"price", price,
		"entry_price", plan.EntryPrice)

	ack, err := m.exchange.ClosePosition(ctx, plan.Symbol, 1.0)
	if err != nil {
		// Plan stays ACTIVE; the next sweep retries the close.
		metrics.Error("exit_close_failed")
		logger.ErrorWithErr(ctx, "Exit close failed, will retry next sweep", err,
			"symbol", plan.Symbol, "plan_id", plan.ID, "trigger", trigger)
		return
	}

	m.registry.ResolveIfCurrent(plan.Symbol, plan.ID, types.PlanTriggered, trigger)
	metrics.SafetyEvent("exit_plan_triggered")
	logger.Trade(ctx, plan.Symbol, closeSide(plan.Side), plan.Quantity, price, ack.OrderID,
		"plan_id", plan.ID, "trigger", trigger, "reduce_only", true)
}

func (m *Monitor) expire(ctx context.Context, plan types.ExitPlan) {
	if m.registry.ResolveIfCurrent(plan.Symbol, plan.ID, types.PlanExpired, "") {
		logger.Info(ctx, "Exit plan expired, position already flat",
			"symbol", plan.Symbol, "plan_id", plan.ID)
	}
}

func closeSide(entry types.Side) string {
	if entry == types.SideBuy {
		return string(types.SideSell)
	}
	return string(types.SideBuy)
}
