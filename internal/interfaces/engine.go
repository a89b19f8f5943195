package interfaces

import (
	"context"

	"perp-trading-agent/internal/types"
)

// Engine runs one full decision cycle across the configured universe.
type Engine interface {
	Cycle(ctx context.Context) ([]types.ExecutionResult, error)
}
