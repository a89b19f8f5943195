package hyperliquid

import (
	"context"
	"fmt"

	"perp-trading-agent/internal/logger"
	"perp-trading-agent/internal/trace"
	"perp-trading-agent/internal/types"
)

// Order actions go through the signing proxy as plain JSON; the proxy owns
// the wallet key and translates to signed exchange actions.

type orderRequest struct {
	Action        string `json:"action"` // order, cancel, cancel_all, close
	Symbol        string `json:"symbol"`
	Side          string `json:"side,omitempty"`
	Quantity      string `json:"quantity,omitempty"`
	Price         string `json:"price,omitempty"` // empty means market
	ReduceOnly    bool   `json:"reduce_only,omitempty"`
	TriggerPrice  string `json:"trigger_price,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	OrderID       string `json:"order_id,omitempty"`
	Fraction      string `json:"fraction,omitempty"`
}

type orderResponse struct {
	Status        string  `json:"status"`
	OrderID       string  `json:"order_id"`
	ClientOrderID string  `json:"client_order_id"`
	FilledQty     float64 `json:"filled_qty"`
	AvgPrice      float64 `json:"avg_price"`
	Error         string  `json:"error,omitempty"`
}

func (c *Client) action(ctx context.Context, req orderRequest) (types.OrderAck, error) {
	var resp orderResponse
	if err := c.post(ctx, c.exchangeEndpoint, req, &resp); err != nil {
		return types.OrderAck{}, err
	}
	if resp.Error != "" {
		return types.OrderAck{}, fmt.Errorf("exchange rejected %s %s: %s", req.Action, req.Symbol, resp.Error)
	}
	return types.OrderAck{
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Status:        resp.Status,
		FilledQty:     resp.FilledQty,
		AvgPrice:      resp.AvgPrice,
	}, nil
}

func (c *Client) SubmitOrder(ctx context.Context, spec types.OrderSpec) (types.OrderAck, error) {
	ctx, span := trace.StartSpan(ctx, "hyperliquid.SubmitOrder")
	defer span.End()

	req := orderRequest{
		Action:        "order",
		Symbol:        spec.Symbol,
		Side:          string(spec.Side),
		Quantity:      spec.Quantity.String(),
		ReduceOnly:    spec.ReduceOnly,
		ClientOrderID: spec.ClientOrderID,
	}
	if !spec.Price.IsZero() {
		req.Price = spec.Price.String()
	}
	if !spec.TriggerPrice.IsZero() {
		req.TriggerPrice = spec.TriggerPrice.String()
	}
	return c.action(ctx, req)
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := c.action(ctx, orderRequest{Action: "cancel", Symbol: symbol, OrderID: orderID})
	return err
}

func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	_, err := c.action(ctx, orderRequest{Action: "cancel_all", Symbol: symbol})
	if err != nil {
		logger.Warn(ctx, "Cancel-all failed", "symbol", symbol, "error", err)
	}
	return err
}

func (c *Client) ClosePosition(ctx context.Context, symbol string, fraction float64) (types.OrderAck, error) {
	ctx, span := trace.StartSpan(ctx, "hyperliquid.ClosePosition")
	defer span.End()

	return c.action(ctx, orderRequest{
		Action:   "close",
		Symbol:   symbol,
		Fraction: fmt.Sprintf("%.4f", fraction),
	})
}
