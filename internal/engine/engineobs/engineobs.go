package engineobs

import (
	"context"

	"perp-trading-agent/internal/interfaces"
	"perp-trading-agent/internal/logger"
	"perp-trading-agent/internal/trace"
	"perp-trading-agent/internal/types"
)

// observableEngine wraps an Engine with logging and tracing.
type observableEngine struct {
	engine interfaces.Engine
}

var _ interfaces.Engine = (*observableEngine)(nil)

// Wrap adds observability middleware around an engine.
func Wrap(engine interfaces.Engine) interfaces.Engine {
	return &observableEngine{engine: engine}
}

func (oe *observableEngine) Cycle(ctx context.Context) ([]types.ExecutionResult, error) {
	ctx, span := trace.StartSpan(ctx, "engine.Cycle")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Cycle starting")

	results, err := oe.engine.Cycle(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Cycle failed", err)
		return nil, err
	}

	filled, rejected := 0, 0
	for _, r := range results {
		switch r.Status {
		case types.ExecFilled:
			filled++
		case types.ExecRejected:
			rejected++
		}
	}
	logger.InfoSkip(ctx, 1, "Cycle complete",
		"executions", len(results), "filled", filled, "rejected", rejected)
	return results, nil
}
