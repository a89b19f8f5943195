package engine

import (
	"context"
	"time"

	"perp-trading-agent/internal/exitplan"
	"perp-trading-agent/internal/interfaces"
	"perp-trading-agent/internal/logger"
	"perp-trading-agent/internal/metrics"
	"perp-trading-agent/internal/risk"
	"perp-trading-agent/internal/store"
)

// Scheduler owns the cycle cadence and the liveness plumbing around it: the
// exit monitor is swept after every cycle no matter how the cycle went, and
// the dead-man's switch is refreshed only after a healthy one.
type Scheduler struct {
	cfg     *store.Config
	cycler  interfaces.Engine
	riskCtl *risk.Controller
	monitor *exitplan.Monitor
}

func NewScheduler(cfg *store.Config, cycler interfaces.Engine, riskCtl *risk.Controller, monitor *exitplan.Monitor) *Scheduler {
	return &Scheduler{cfg: cfg, cycler: cycler, riskCtl: riskCtl, monitor: monitor}
}

// Run arms the dead-man's switch, runs an immediate first cycle and then one
// per interval until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	s.riskCtl.DeadMan().Arm(s.cfg.DeadManDeadline())
	defer s.riskCtl.DeadMan().Disarm()

	ticker := time.NewTicker(s.cfg.CycleInterval())
	defer ticker.Stop()

	for {
		s.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	defer s.monitor.Sweep(ctx)

	start := time.Now()
	if _, err := s.cycler.Cycle(ctx); err != nil {
		metrics.Error("cycle_failed")
		logger.ErrorWithErr(ctx, "Cycle failed", err)
		return
	}
	metrics.CycleDuration(time.Since(start).Seconds())
	s.riskCtl.DeadMan().Refresh()
}
