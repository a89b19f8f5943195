package noop

import (
	"context"

	"perp-trading-agent/internal/logger"
	"perp-trading-agent/internal/types"
)

// Producer is the fallback when no LLM provider is configured. Always HOLD.
type Producer struct {
	role types.Producer
}

func New(role types.Producer) *Producer {
	return &Producer{role: role}
}

func (p *Producer) Name() types.Producer { return p.role }

func (p *Producer) Produce(ctx context.Context, snap *types.MarketSnapshot, acct types.AccountState) (types.Opinion, error) {
	logger.Debug(ctx, "Noop producer called - always returns HOLD",
		"symbol", snap.Symbol, "role", string(p.role))
	return types.Opinion{
		Producer:   p.role,
		Symbol:     snap.Symbol,
		Action:     types.ActionHold,
		Reason:     "noop producer fallback",
		Confidence: 0,
	}, nil
}
