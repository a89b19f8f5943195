package exitplan

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"perp-trading-agent/internal/interfaces"
	"perp-trading-agent/internal/types"
)

// Trigger names recorded on resolved plans.
const (
	TriggerStop         = "STOP"
	TriggerTarget       = "TARGET"
	TriggerInvalidation = "INVALIDATION"
	TriggerPanic        = "PANIC"
	TriggerReplaced     = "REPLACED"
	TriggerFlat         = "FLAT"
)

// Registry holds exit plans, at most one ACTIVE per symbol. Registering a
// new plan for a symbol cancels the previous ACTIVE one; the new position's
// conditions are authoritative.
type Registry struct {
	archive interfaces.Archiver
	now     func() time.Time

	mu     sync.Mutex
	active map[string]*types.ExitPlan
}

func NewRegistry(archive interfaces.Archiver) *Registry {
	return &Registry{
		archive: archive,
		now:     time.Now,
		active:  make(map[string]*types.ExitPlan),
	}
}

// Register activates a plan for the symbol, displacing any existing one.
func (r *Registry) Register(plan types.ExitPlan) types.ExitPlan {
	now := r.now()
	plan.ID = uuid.NewString()
	plan.State = types.PlanActive
	plan.CreatedAt = now

	r.mu.Lock()
	old := r.active[plan.Symbol]
	r.active[plan.Symbol] = &plan
	r.mu.Unlock()

	if old != nil {
		r.transition(old, types.PlanCancelled, TriggerReplaced, now)
	}
	r.archivePlan(plan)
	return plan
}

// Cancel resolves the symbol's ACTIVE plan with the given trigger. Reports
// whether a plan was cancelled.
func (r *Registry) Cancel(symbol, trigger string) bool {
	r.mu.Lock()
	plan, ok := r.active[symbol]
	if ok {
		delete(r.active, symbol)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.transition(plan, types.PlanCancelled, trigger, r.now())
	return true
}

// CancelAll resolves every ACTIVE plan, used by the panic path.
func (r *Registry) CancelAll(trigger string) int {
	r.mu.Lock()
	plans := make([]*types.ExitPlan, 0, len(r.active))
	for _, p := range r.active {
		plans = append(plans, p)
	}
	r.active = make(map[string]*types.ExitPlan)
	r.mu.Unlock()

	now := r.now()
	for _, p := range plans {
		r.transition(p, types.PlanCancelled, trigger, now)
	}
	return len(plans)
}

// ResolveIfCurrent moves the symbol's ACTIVE plan to a terminal state, but
// only if it is still the plan with the given ID. Reports whether the
// transition happened.
func (r *Registry) ResolveIfCurrent(symbol, planID string, state types.ExitPlanState, trigger string) bool {
	r.mu.Lock()
	plan, ok := r.active[symbol]
	if !ok || plan.ID != planID {
		r.mu.Unlock()
		return false
	}
	delete(r.active, symbol)
	r.mu.Unlock()
	r.transition(plan, state, trigger, r.now())
	return true
}

// Active returns a snapshot of the ACTIVE plans.
func (r *Registry) Active() []types.ExitPlan {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ExitPlan, 0, len(r.active))
	for _, p := range r.active {
		out = append(out, *p)
	}
	return out
}

// Get returns the symbol's ACTIVE plan, if any.
func (r *Registry) Get(symbol string) (types.ExitPlan, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.active[symbol]
	if !ok {
		return types.ExitPlan{}, false
	}
	return *p, true
}

func (r *Registry) transition(plan *types.ExitPlan, state types.ExitPlanState, trigger string, at time.Time) {
	plan.State = state
	plan.Trigger = trigger
	plan.ResolvedAt = at
	r.archivePlan(*plan)
}

func (r *Registry) archivePlan(plan types.ExitPlan) {
	if r.archive == nil {
		return
	}
	// Archive failures never block plan bookkeeping.
	_ = r.archive.PlanTransition(plan)
}
