package interfaces

import (
	"context"

	"perp-trading-agent/internal/types"
)

// ApprovalChannel delivers approval requests to an external surface
// (Telegram bot, dashboard, console). Responses come back asynchronously
// through the gate's Resolve method.
type ApprovalChannel interface {
	Deliver(ctx context.Context, req types.ApprovalRequest) error
	NotifyResolved(ctx context.Context, result types.ApprovalResult)
}
