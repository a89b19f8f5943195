package opinionobs

import (
	"context"

	"perp-trading-agent/internal/interfaces"
	"perp-trading-agent/internal/logger"
	"perp-trading-agent/internal/trace"
	"perp-trading-agent/internal/types"
)

// observableProducer wraps an OpinionProducer with logging and tracing.
type observableProducer struct {
	producer interfaces.OpinionProducer
}

var _ interfaces.OpinionProducer = (*observableProducer)(nil)

// Wrap adds observability middleware around a producer.
func Wrap(producer interfaces.OpinionProducer) interfaces.OpinionProducer {
	return &observableProducer{producer: producer}
}

func (op *observableProducer) Name() types.Producer { return op.producer.Name() }

func (op *observableProducer) Produce(ctx context.Context, snap *types.MarketSnapshot, acct types.AccountState) (types.Opinion, error) {
	ctx, span := trace.StartSpan(ctx, "opinion.Produce")
	defer span.End()

	// Skip(1) so the log reports the actual caller, not this wrapper.
	logger.InfoSkip(ctx, 1, "Requesting opinion",
		"producer", string(op.producer.Name()),
		"symbol", snap.Symbol,
		"price", snap.LastPrice,
		"volatility_pct", snap.VolatilityPct,
	)

	o, err := op.producer.Produce(ctx, snap, acct)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to get opinion", err,
			"producer", string(op.producer.Name()),
			"symbol", snap.Symbol,
		)
		return types.Opinion{}, err
	}

	logger.InfoSkip(ctx, 1, "Opinion received",
		"producer", string(o.Producer),
		"symbol", o.Symbol,
		"action", string(o.Action),
		"confidence", o.Confidence,
		"reason", o.Reason,
	)
	return o, nil
}
