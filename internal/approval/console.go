package approval

import (
	"context"

	"perp-trading-agent/internal/logger"
	"perp-trading-agent/internal/types"
)

// ConsoleChannel surfaces approval requests through the structured log. The
// operator responds via the HTTP API. Used in DRY_RUN and as the fallback
// when no external channel is configured.
type ConsoleChannel struct{}

func NewConsoleChannel() *ConsoleChannel { return &ConsoleChannel{} }

func (c *ConsoleChannel) Deliver(ctx context.Context, req types.ApprovalRequest) error {
	d := req.Decision
	logger.Info(ctx, "APPROVAL REQUIRED",
		"request_id", req.ID,
		"symbol", d.Symbol,
		"action", string(d.Action),
		"size_usd", d.SizeUSD,
		"leverage", d.Leverage,
		"confidence", d.Confidence,
		"reason", d.Reason,
		"deadline", req.Deadline.Format("15:04:05"),
		"resolve_hint", "POST /approvals/"+req.ID+"/resolve")
	return nil
}

func (c *ConsoleChannel) NotifyResolved(ctx context.Context, result types.ApprovalResult) {
	logger.Info(ctx, "Approval outcome",
		"request_id", result.RequestID,
		"status", string(result.Status),
		"responder", result.Responder)
}
