package exec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"perp-trading-agent/internal/exitplan"
	"perp-trading-agent/internal/interfaces"
	"perp-trading-agent/internal/logger"
	"perp-trading-agent/internal/metrics"
	"perp-trading-agent/internal/sizing"
	"perp-trading-agent/internal/trace"
	"perp-trading-agent/internal/types"
)

// Pipeline turns an approved decision into orders: size, entry, protective
// stop, exit plan. The ordering is fixed; a position is never left without
// its protective stop unless the emergency close itself failed, which is the
// one fatal outcome.
type Pipeline struct {
	exchange interfaces.Exchange
	sizer    *sizing.Engine
	registry *exitplan.Registry
	archive  interfaces.Archiver
}

func NewPipeline(exchange interfaces.Exchange, sizer *sizing.Engine, registry *exitplan.Registry, archive interfaces.Archiver) *Pipeline {
	return &Pipeline{
		exchange: exchange,
		sizer:    sizer,
		registry: registry,
		archive:  archive,
	}
}

// Execute carries out one approved decision. The returned error is non-nil
// only for the unmanaged-exposure case; ordinary rejections come back in the
// result with status REJECTED.
func (p *Pipeline) Execute(ctx context.Context, d types.Decision, equity, refPrice float64) (types.ExecutionResult, error) {
	ctx, span := trace.StartSpan(ctx, "exec.Execute")
	defer span.End()

	result := types.ExecutionResult{
		Symbol:   d.Symbol,
		Decision: d,
		Time:     time.Now(),
	}

	switch d.Action {
	case types.ActionFlat:
		return p.closeOut(ctx, d, result)
	case types.ActionLong, types.ActionShort:
	default:
		result.Status = types.ExecRejected
		result.Error = fmt.Sprintf("action %s is not executable", d.Action)
		return p.finish(ctx, result), nil
	}

	side := types.SideBuy
	if d.Action == types.ActionShort {
		side = types.SideSell
	}

	// The stop must sit on the losing side of the entry. An entry whose stop
	// could never protect it is refused before any order goes out.
	if protectiveStop(d.Stop, side) <= 0 {
		result.Status = types.ExecRejected
		result.Error = "stop does not protect the entry side"
		logger.Warn(ctx, "Entry refused, stop does not protect the position",
			"symbol", d.Symbol, "action", string(d.Action),
			"stop_above", d.Stop.PriceAbove, "stop_below", d.Stop.PriceBelow)
		return p.finish(ctx, result), nil
	}

	spec, err := p.sizer.Size(d.Symbol, types.SizeRequest{
		Mode:  types.SizeUSD,
		Value: d.SizeUSD,
		Side:  side,
	}, equity, refPrice)
	if err != nil {
		result.Status = types.ExecRejected
		result.Error = err.Error()
		if errors.Is(err, types.ErrBelowMinimumSize) {
			logger.Info(ctx, "Decision below instrument minimum, dropped",
				"symbol", d.Symbol, "size_usd", d.SizeUSD)
		} else {
			logger.ErrorWithErr(ctx, "Sizing failed", err, "symbol", d.Symbol)
		}
		return p.finish(ctx, result), nil
	}
	spec.ClientOrderID = uuid.NewString()

	ack, err := p.exchange.SubmitOrder(ctx, spec)
	if err != nil {
		result.Status = types.ExecRejected
		result.Error = err.Error()
		metrics.Error("entry_rejected")
		logger.ErrorWithErr(ctx, "Entry order rejected", err,
			"symbol", d.Symbol, "client_order_id", spec.ClientOrderID)
		return p.finish(ctx, result), nil
	}
	result.EntryOrder = ack
	metrics.OrderSubmitted(d.Symbol, string(side), false)

	fillPrice := ack.AvgPrice
	if fillPrice <= 0 {
		fillPrice = refPrice
	}
	qty, _ := spec.Quantity.Float64()
	logger.Trade(ctx, d.Symbol, string(side), qty, fillPrice, ack.OrderID,
		"client_order_id", spec.ClientOrderID, "leverage", d.Leverage)

	// Protective stop before anything else touches the position.
	stopAck, stopErr := p.placeStop(ctx, d, spec, side)
	if stopErr != nil {
		return p.recoverUnprotected(ctx, d, result, stopErr)
	}
	result.StopOrder = stopAck

	plan := p.registry.Register(types.ExitPlan{
		Symbol:       d.Symbol,
		Side:         side,
		EntryPrice:   fillPrice,
		Quantity:     qty,
		Stop:         d.Stop,
		Target:       d.Target,
		Invalidation: d.Invalidation,
	})
	result.PlanID = plan.ID
	result.Status = types.ExecFilled
	return p.finish(ctx, result), nil
}

// protectiveStop returns the stop level that closes the position at a loss
// for the given entry side, zero when the decision carries none.
func protectiveStop(stop types.Predicate, side types.Side) float64 {
	if side == types.SideSell {
		return stop.PriceAbove
	}
	return stop.PriceBelow
}

// placeStop submits the reduce-only stop derived from the decision.
func (p *Pipeline) placeStop(ctx context.Context, d types.Decision, entry types.OrderSpec, side types.Side) (types.OrderAck, error) {
	level := protectiveStop(d.Stop, side)

	closeSide := types.SideSell
	if side == types.SideSell {
		closeSide = types.SideBuy
	}

	trigger, err := p.sizer.QuantizePrice(d.Symbol, level, closeSide)
	if err != nil {
		return types.OrderAck{}, err
	}

	stopSpec := types.OrderSpec{
		Symbol:        d.Symbol,
		Side:          closeSide,
		Quantity:      entry.Quantity,
		ReduceOnly:    true,
		TriggerPrice:  trigger,
		ClientOrderID: uuid.NewString(),
	}
	ack, err := p.exchange.SubmitOrder(ctx, stopSpec)
	if err != nil {
		return types.OrderAck{}, err
	}
	metrics.OrderSubmitted(d.Symbol, string(closeSide), true)
	return ack, nil
}

// recoverUnprotected handles the filled-entry-but-no-stop case: close the
// position immediately. If even the close fails, the exposure is live and
// unmanaged, which is the pipeline's only fatal error.
func (p *Pipeline) recoverUnprotected(ctx context.Context, d types.Decision, result types.ExecutionResult, stopErr error) (types.ExecutionResult, error) {
	metrics.SafetyEvent("unprotected_exposure")
	logger.Safety(ctx, "UNPROTECTED_EXPOSURE",
		"symbol", d.Symbol, "error", stopErr.Error())

	if _, closeErr := p.exchange.ClosePosition(ctx, d.Symbol, 1.0); closeErr != nil {
		result.Status = types.ExecCriticalUnmanaged
		result.Error = fmt.Sprintf("stop failed: %v; emergency close failed: %v", stopErr, closeErr)
		metrics.SafetyEvent("critical_exposure_unmanaged")
		logger.Safety(ctx, "CRITICAL_EXPOSURE_UNMANAGED",
			"symbol", d.Symbol, "stop_error", stopErr.Error(), "close_error", closeErr.Error())
		return p.finish(ctx, result), fmt.Errorf("%w: %s", types.ErrCriticalExposureUnmanaged, d.Symbol)
	}

	result.Status = types.ExecUnprotectedRecovered
	result.Error = stopErr.Error()
	logger.Safety(ctx, "UNPROTECTED_EXPOSURE_RECOVERED", "symbol", d.Symbol)
	return p.finish(ctx, result), nil
}

// closeOut executes a FLAT decision: close the position and retire its plan.
func (p *Pipeline) closeOut(ctx context.Context, d types.Decision, result types.ExecutionResult) (types.ExecutionResult, error) {
	ack, err := p.exchange.ClosePosition(ctx, d.Symbol, 1.0)
	if err != nil {
		result.Status = types.ExecRejected
		result.Error = err.Error()
		logger.ErrorWithErr(ctx, "Close failed", err, "symbol", d.Symbol)
		return p.finish(ctx, result), nil
	}
	result.EntryOrder = ack
	result.Status = types.ExecFilled
	p.registry.Cancel(d.Symbol, exitplan.TriggerFlat)
	logger.Trade(ctx, d.Symbol, "CLOSE", 0, 0, ack.OrderID, "reduce_only", true)
	return p.finish(ctx, result), nil
}

// finish archives the result; archive failures never change the outcome.
func (p *Pipeline) finish(ctx context.Context, result types.ExecutionResult) types.ExecutionResult {
	if err := p.archive.Execution(result); err != nil {
		logger.ErrorWithErr(ctx, "Failed to archive execution", err, "symbol", result.Symbol)
	}
	return result
}
