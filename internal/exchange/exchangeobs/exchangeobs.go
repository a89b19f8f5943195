package exchangeobs

import (
	"context"

	"perp-trading-agent/internal/interfaces"
	"perp-trading-agent/internal/logger"
	"perp-trading-agent/internal/trace"
	"perp-trading-agent/internal/types"
)

// observableExchange wraps an Exchange with logging and tracing.
type observableExchange struct {
	exchange interfaces.Exchange
}

var _ interfaces.Exchange = (*observableExchange)(nil)

// Wrap adds observability middleware around an exchange adapter.
func Wrap(exchange interfaces.Exchange) interfaces.Exchange {
	return &observableExchange{exchange: exchange}
}

func (oe *observableExchange) SubmitOrder(ctx context.Context, spec types.OrderSpec) (types.OrderAck, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.SubmitOrder")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Submitting order",
		"symbol", spec.Symbol,
		"side", string(spec.Side),
		"quantity", spec.Quantity.String(),
		"reduce_only", spec.ReduceOnly,
		"client_order_id", spec.ClientOrderID,
	)

	ack, err := oe.exchange.SubmitOrder(ctx, spec)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Order submission failed", err,
			"symbol", spec.Symbol, "client_order_id", spec.ClientOrderID)
		return types.OrderAck{}, err
	}

	logger.InfoSkip(ctx, 1, "Order acknowledged",
		"symbol", spec.Symbol,
		"order_id", ack.OrderID,
		"status", ack.Status,
		"filled_qty", ack.FilledQty,
		"avg_price", ack.AvgPrice,
	)
	return ack, nil
}

func (oe *observableExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	ctx, span := trace.StartSpan(ctx, "exchange.CancelOrder")
	defer span.End()

	if err := oe.exchange.CancelOrder(ctx, symbol, orderID); err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Cancel failed", err, "symbol", symbol, "order_id", orderID)
		return err
	}
	logger.InfoSkip(ctx, 1, "Order cancelled", "symbol", symbol, "order_id", orderID)
	return nil
}

func (oe *observableExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	ctx, span := trace.StartSpan(ctx, "exchange.CancelAllOrders")
	defer span.End()

	if err := oe.exchange.CancelAllOrders(ctx, symbol); err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Cancel-all failed", err, "symbol", symbol)
		return err
	}
	logger.InfoSkip(ctx, 1, "All orders cancelled", "symbol", symbol)
	return nil
}

func (oe *observableExchange) ClosePosition(ctx context.Context, symbol string, fraction float64) (types.OrderAck, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.ClosePosition")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Closing position", "symbol", symbol, "fraction", fraction)

	ack, err := oe.exchange.ClosePosition(ctx, symbol, fraction)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Close failed", err, "symbol", symbol)
		return types.OrderAck{}, err
	}
	logger.InfoSkip(ctx, 1, "Position closed",
		"symbol", symbol, "order_id", ack.OrderID, "filled_qty", ack.FilledQty)
	return ack, nil
}

func (oe *observableExchange) AccountState(ctx context.Context) (types.AccountState, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.AccountState")
	defer span.End()

	acct, err := oe.exchange.AccountState(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch account state", err)
		return types.AccountState{}, err
	}
	logger.Debug(ctx, "Account state fetched",
		"equity", acct.Equity,
		"margin_usage_pct", acct.MarginUsagePct,
		"risk_level", string(acct.RiskLevel),
		"positions", len(acct.Positions),
	)
	return acct, nil
}

func (oe *observableExchange) InstrumentMeta(ctx context.Context) ([]types.InstrumentMeta, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.InstrumentMeta")
	defer span.End()

	meta, err := oe.exchange.InstrumentMeta(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch instrument metadata", err)
		return nil, err
	}
	logger.Debug(ctx, "Instrument metadata fetched", "instruments", len(meta))
	return meta, nil
}

func (oe *observableExchange) Candles(ctx context.Context, symbol string, tf types.Timeframe, n int) ([]types.Candle, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.Candles")
	defer span.End()

	candles, err := oe.exchange.Candles(ctx, symbol, tf, n)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch candles", err,
			"symbol", symbol, "timeframe", string(tf))
		return nil, err
	}
	logger.Debug(ctx, "Candles fetched",
		"symbol", symbol, "timeframe", string(tf), "count", len(candles))
	return candles, nil
}

func (oe *observableExchange) LastPrice(ctx context.Context, symbol string) (float64, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.LastPrice")
	defer span.End()

	price, err := oe.exchange.LastPrice(ctx, symbol)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch price", err, "symbol", symbol)
		return 0, err
	}
	return price, nil
}

func (oe *observableExchange) OpenOrderSymbols(ctx context.Context) ([]string, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.OpenOrderSymbols")
	defer span.End()

	symbols, err := oe.exchange.OpenOrderSymbols(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to list open orders", err)
		return nil, err
	}
	return symbols, nil
}
