package interfaces

import (
	"context"

	"perp-trading-agent/internal/types"
)

// OpinionProducer turns one immutable market snapshot plus account context
// into a structured trade proposal. Implementations are swappable; the engine
// only cares about this capability.
type OpinionProducer interface {
	Name() types.Producer
	Produce(ctx context.Context, snap *types.MarketSnapshot, acct types.AccountState) (types.Opinion, error)
}
