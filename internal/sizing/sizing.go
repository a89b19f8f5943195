package sizing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"perp-trading-agent/internal/types"
)

// MetaSource provides instrument metadata under the store's staleness
// policy.
type MetaSource interface {
	Get(symbol string) (types.InstrumentMeta, error)
}

// Engine converts a desired exposure into an exchange-valid OrderSpec.
// Stateless given its inputs; quantization always rounds so the resulting
// exposure never exceeds the request.
type Engine struct {
	meta MetaSource
}

func New(meta MetaSource) *Engine {
	return &Engine{meta: meta}
}

// Size resolves a SizeRequest against current equity and a reference price.
// The request's Price field (if set) is used as the limit price; otherwise
// the spec is a market order and quantity is derived from refPrice.
func (e *Engine) Size(symbol string, req types.SizeRequest, equity, refPrice float64) (types.OrderSpec, error) {
	m, err := e.meta.Get(symbol)
	if err != nil {
		return types.OrderSpec{}, err
	}
	if refPrice <= 0 {
		return types.OrderSpec{}, fmt.Errorf("%w: %s: no reference price", types.ErrDataUnavailable, symbol)
	}

	px := refPrice
	if req.Price > 0 {
		px = req.Price
	}

	var qty decimal.Decimal
	switch req.Mode {
	case types.SizeUSD:
		qty = decimal.NewFromFloat(req.Value).Div(decimal.NewFromFloat(px))
	case types.SizeFraction:
		if req.Value < 0 || req.Value > 1 {
			return types.OrderSpec{}, fmt.Errorf("size fraction %.4f out of [0,1]", req.Value)
		}
		notional := decimal.NewFromFloat(equity).Mul(decimal.NewFromFloat(req.Value))
		qty = notional.Div(decimal.NewFromFloat(px))
	case types.SizeUnits:
		qty = decimal.NewFromFloat(req.Value)
	default:
		return types.OrderSpec{}, fmt.Errorf("unknown size mode %q", req.Mode)
	}

	qty = quantizeDown(qty, m.SizeStep)
	if qty.LessThan(m.MinSize) || qty.IsZero() {
		return types.OrderSpec{}, fmt.Errorf("%w: %s qty %s < min %s",
			types.ErrBelowMinimumSize, symbol, qty.String(), m.MinSize.String())
	}

	spec := types.OrderSpec{
		Symbol:   symbol,
		Side:     req.Side,
		Quantity: qty,
	}
	if req.Price > 0 {
		spec.Price = quantizePrice(decimal.NewFromFloat(req.Price), m.TickSize, req.Side)
	}
	return spec, nil
}

// QuantizeQty floors a raw quantity to the instrument's size step.
func (e *Engine) QuantizeQty(symbol string, qty float64) (decimal.Decimal, error) {
	m, err := e.meta.Get(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return quantizeDown(decimal.NewFromFloat(qty), m.SizeStep), nil
}

// QuantizePrice snaps a price to the instrument's tick size on the
// conservative side for the given order side.
func (e *Engine) QuantizePrice(symbol string, price float64, side types.Side) (decimal.Decimal, error) {
	m, err := e.meta.Get(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return quantizePrice(decimal.NewFromFloat(price), m.TickSize, side), nil
}

// quantizeDown floors toward zero to a multiple of step.
func quantizeDown(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// quantizePrice rounds a buy price down and a sell price up, so the snapped
// price never crosses the requested one in the direction of more exposure.
func quantizePrice(px, tick decimal.Decimal, side types.Side) decimal.Decimal {
	if tick.IsZero() {
		return px
	}
	ticks := px.Div(tick)
	if side == types.SideBuy {
		return ticks.Floor().Mul(tick)
	}
	return ticks.Ceil().Mul(tick)
}
