package interfaces

import (
	"context"

	"perp-trading-agent/internal/types"
)

// Exchange is the order/account collaborator. Cancel operations are
// idempotent; SubmitOrder has at-least-once semantics, so callers must track
// their own client order IDs.
type Exchange interface {
	SubmitOrder(ctx context.Context, spec types.OrderSpec) (types.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	ClosePosition(ctx context.Context, symbol string, fraction float64) (types.OrderAck, error)
	AccountState(ctx context.Context) (types.AccountState, error)
	InstrumentMeta(ctx context.Context) ([]types.InstrumentMeta, error)
	Candles(ctx context.Context, symbol string, tf types.Timeframe, n int) ([]types.Candle, error)
	LastPrice(ctx context.Context, symbol string) (float64, error)
	OpenOrderSymbols(ctx context.Context) ([]string, error)
}
