package interfaces

import (
	"perp-trading-agent/internal/types"
)

// Archiver is the append-only audit sink. Failures are logged by callers but
// never block the trading path.
type Archiver interface {
	Decision(d types.Decision) error
	Execution(r types.ExecutionResult) error
	PlanTransition(plan types.ExitPlan) error
	Approval(req types.ApprovalRequest, result types.ApprovalResult) error
}
