package merge

import (
	"fmt"
	"math"
	"time"

	"perp-trading-agent/internal/types"
)

// Tie-break rules recorded in decision provenance.
const (
	RuleConservativeOverride = "conservative_override" // one side declined entry
	RuleMinSize              = "min_size"              // same direction, smaller size wins
	RuleDirectionConflict    = "direction_conflict"    // opposing directions, hold
	RuleAgreedNoEntry        = "agreed_no_entry"       // both flat/hold
)

// Merge reconciles the analyst and risk opinions into one decision. The
// policy is a conservative intersection: the result can only narrow risk
// relative to either input, never amplify it.
//
// Rules, evaluated in order:
//  1. if either side proposes FLAT/HOLD while the other proposes entry, no
//     new position is opened (the conservative action wins);
//  2. same direction: final size is the minimum of the two proposals;
//  3. conflicting directions: HOLD, with the conflict recorded;
//  4. invalidation conditions from both sides are kept (either one
//     triggering invalidates the plan) and the stricter stop is kept.
//
// refPrice is the snapshot price used to compare stop distances; equity
// resolves fraction-based sizes to USD.
func Merge(analyst, risk types.Opinion, equity, refPrice float64, now time.Time) types.Decision {
	d := types.Decision{
		Symbol:     analyst.Symbol,
		CycleTime:  now,
		Provenance: types.Provenance{Analyst: analyst, Risk: risk},
	}

	analystEntry := analyst.Action.IsEntry()
	riskEntry := risk.Action.IsEntry()

	switch {
	case !analystEntry && !riskEntry:
		d.Action = conservativeNoEntry(analyst.Action, risk.Action)
		d.Provenance.Rule = RuleAgreedNoEntry
		d.Reason = fmt.Sprintf("analyst=%s risk=%s", analyst.Action, risk.Action)
		return d

	case analystEntry != riskEntry:
		// Conservative side wins: no new position.
		d.Action = noEntryAction(analyst, risk)
		d.Provenance.Rule = RuleConservativeOverride
		d.Reason = fmt.Sprintf("entry vetoed: analyst=%s risk=%s", analyst.Action, risk.Action)
		return d

	case analyst.Action != risk.Action:
		d.Action = types.ActionHold
		d.Provenance.Rule = RuleDirectionConflict
		d.Reason = fmt.Sprintf("direction conflict: analyst=%s risk=%s", analyst.Action, risk.Action)
		return d
	}

	// Both sides agree on the entry direction.
	d.Action = analyst.Action
	d.Provenance.Rule = RuleMinSize
	d.SizeUSD = math.Min(analyst.NotionalUSD(equity), risk.NotionalUSD(equity))
	d.Leverage = minLeverage(analyst.Leverage, risk.Leverage)
	d.Confidence = math.Min(analyst.Confidence, risk.Confidence)
	d.Stop = stricterStop(d.Action, analyst.Stop, risk.Stop, refPrice)
	d.Target = nearerTarget(analyst.Target, risk.Target, refPrice)
	d.Invalidation = collectPredicates(analyst.Invalidation, risk.Invalidation)
	d.Reason = fmt.Sprintf("analyst: %s | risk: %s", analyst.Reason, risk.Reason)
	return d
}

// conservativeNoEntry picks between FLAT and HOLD: closing existing exposure
// is the risk-reducing choice, so FLAT wins when either side asks for it.
func conservativeNoEntry(actions ...types.Action) types.Action {
	for _, a := range actions {
		if a == types.ActionFlat {
			return types.ActionFlat
		}
	}
	return types.ActionHold
}

// noEntryAction returns the action of whichever side declined to enter.
func noEntryAction(a, b types.Opinion) types.Action {
	if !a.Action.IsEntry() {
		return a.Action
	}
	return b.Action
}

func minLeverage(a, b int) int {
	if a <= 0 {
		return b
	}
	if b <= 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

// stricterStop keeps whichever stop sits closer to the reference price, i.e.
// the one that exits first. Unset stops defer to the other side.
func stricterStop(action types.Action, a, b types.Predicate, refPrice float64) types.Predicate {
	if a.Zero() {
		return b
	}
	if b.Zero() {
		return a
	}
	if action == types.ActionLong {
		// Long stops are price-below levels; the higher one is stricter.
		if a.PriceBelow >= b.PriceBelow {
			return a
		}
		return b
	}
	// Short stops are price-above levels; the lower one is stricter.
	if a.PriceAbove > 0 && (b.PriceAbove == 0 || a.PriceAbove <= b.PriceAbove) {
		return a
	}
	return b
}

// nearerTarget keeps the target closest to the reference price, taking
// profit earlier rather than later.
func nearerTarget(a, b types.Predicate, refPrice float64) types.Predicate {
	if a.Zero() {
		return b
	}
	if b.Zero() {
		return a
	}
	if distance(a, refPrice) <= distance(b, refPrice) {
		return a
	}
	return b
}

func distance(p types.Predicate, refPrice float64) float64 {
	level := p.PriceAbove
	if level == 0 {
		level = p.PriceBelow
	}
	return math.Abs(level - refPrice)
}

func collectPredicates(preds ...types.Predicate) []types.Predicate {
	out := make([]types.Predicate, 0, len(preds))
	for _, p := range preds {
		if !p.Zero() {
			out = append(out, p)
		}
	}
	return out
}
