package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"perp-trading-agent/internal/interfaces"
	"perp-trading-agent/internal/logger"
	"perp-trading-agent/internal/metrics"
	"perp-trading-agent/internal/types"
)

// Gate sits between a sized decision and execution. Decisions under the
// auto-approve notional pass straight through; everything else is delivered
// to the approval channel and blocks until resolved, timed out, or
// superseded by a newer decision for the same symbol.
type Gate struct {
	autoApproveUSD float64
	deadline       time.Duration
	channel        interfaces.ApprovalChannel
	archive        interfaces.Archiver
	now            func() time.Time

	mu       sync.Mutex
	bySymbol map[string]*pending
	byID     map[string]*pending
}

type pending struct {
	req  types.ApprovalRequest
	done chan types.ApprovalResult // buffered; first resolution wins
}

func NewGate(autoApproveUSD float64, deadline time.Duration, channel interfaces.ApprovalChannel, archive interfaces.Archiver) *Gate {
	return &Gate{
		autoApproveUSD: autoApproveUSD,
		deadline:       deadline,
		channel:        channel,
		archive:        archive,
		now:            time.Now,
		bySymbol:       make(map[string]*pending),
		byID:           make(map[string]*pending),
	}
}

// RequiresManual reports whether the decision's notional exceeds the
// auto-approve threshold and Request would block on a human response.
func (g *Gate) RequiresManual(d types.Decision) bool {
	return d.SizeUSD > g.autoApproveUSD
}

// Request submits a decision for approval and blocks until a terminal
// status. TIMEOUT and SUPERSEDED are returned as results, not errors; the
// caller treats anything but APPROVED as a no-trade.
func (g *Gate) Request(ctx context.Context, d types.Decision) (types.ApprovalResult, error) {
	now := g.now()

	if d.SizeUSD <= g.autoApproveUSD {
		req := types.ApprovalRequest{ID: uuid.NewString(), Decision: d, CreatedAt: now, Deadline: now}
		result := types.ApprovalResult{
			RequestID:   req.ID,
			Status:      types.ApprovalApproved,
			Responder:   "auto",
			RespondedAt: now,
		}
		g.finalize(ctx, req, result)
		logger.Info(ctx, "Decision auto-approved",
			"symbol", d.Symbol, "size_usd", d.SizeUSD, "threshold_usd", g.autoApproveUSD)
		return result, nil
	}

	p := &pending{
		req: types.ApprovalRequest{
			ID:        uuid.NewString(),
			Decision:  d,
			CreatedAt: now,
			Deadline:  now.Add(g.deadline),
		},
		done: make(chan types.ApprovalResult, 1),
	}

	g.mu.Lock()
	if old, ok := g.bySymbol[d.Symbol]; ok {
		old.resolve(types.ApprovalResult{
			RequestID:   old.req.ID,
			Status:      types.ApprovalSuperseded,
			Responder:   "gate",
			RespondedAt: now,
		})
	}
	g.bySymbol[d.Symbol] = p
	g.byID[p.req.ID] = p
	g.mu.Unlock()

	if err := g.channel.Deliver(ctx, p.req); err != nil {
		// The operator can still resolve through the API; keep waiting.
		logger.Warn(ctx, "Approval request delivery failed",
			"request_id", p.req.ID, "symbol", d.Symbol, "error", err)
	}

	timer := time.NewTimer(g.deadline)
	defer timer.Stop()

	var result types.ApprovalResult
	select {
	case result = <-p.done:
	case <-timer.C:
		result = types.ApprovalResult{
			RequestID:   p.req.ID,
			Status:      types.ApprovalTimeout,
			RespondedAt: g.now(),
		}
		// A racing Resolve may have landed between the timer firing and
		// this point; its result wins.
		select {
		case r := <-p.done:
			result = r
		default:
		}
	case <-ctx.Done():
		result = types.ApprovalResult{
			RequestID:   p.req.ID,
			Status:      types.ApprovalRejected,
			Responder:   "shutdown",
			RespondedAt: g.now(),
		}
	}

	g.mu.Lock()
	delete(g.byID, p.req.ID)
	if g.bySymbol[d.Symbol] == p {
		delete(g.bySymbol, d.Symbol)
	}
	g.mu.Unlock()

	g.finalize(ctx, p.req, result)
	return result, nil
}

// Resolve records an operator response for a pending request. Resolving an
// unknown or already-settled request returns an error.
func (g *Gate) Resolve(requestID string, approved bool, responder string) error {
	g.mu.Lock()
	p, ok := g.byID[requestID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("approval request %s not pending", requestID)
	}

	status := types.ApprovalRejected
	if approved {
		status = types.ApprovalApproved
	}
	if !p.resolve(types.ApprovalResult{
		RequestID:   requestID,
		Status:      status,
		Responder:   responder,
		RespondedAt: g.now(),
	}) {
		return fmt.Errorf("approval request %s already resolved", requestID)
	}
	return nil
}

// Pending lists requests still awaiting resolution, for the status surface.
func (g *Gate) Pending() []types.ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]types.ApprovalRequest, 0, len(g.byID))
	for _, p := range g.byID {
		out = append(out, p.req)
	}
	return out
}

func (g *Gate) finalize(ctx context.Context, req types.ApprovalRequest, result types.ApprovalResult) {
	metrics.ApprovalOutcome(string(result.Status))
	if err := g.archive.Approval(req, result); err != nil {
		logger.ErrorWithErr(ctx, "Failed to archive approval", err, "request_id", req.ID)
	}
	if result.Status != types.ApprovalApproved || result.Responder != "auto" {
		g.channel.NotifyResolved(ctx, result)
	}
	logger.Info(ctx, "Approval resolved",
		"request_id", req.ID,
		"symbol", req.Decision.Symbol,
		"status", string(result.Status),
		"responder", result.Responder)
}

// resolve delivers a result exactly once; later calls report false.
func (p *pending) resolve(result types.ApprovalResult) bool {
	select {
	case p.done <- result:
		return true
	default:
		return false
	}
}
