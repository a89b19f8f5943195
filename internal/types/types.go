package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type Candle struct {
	Ts                          int64
	Open, High, Low, Close, Vol float64
}

// Timeframe identifies a candle interval supported by the exchange.
type Timeframe string

const (
	TF1m Timeframe = "1m"
	TF5m Timeframe = "5m"
	TF1h Timeframe = "1h"
	TF4h Timeframe = "4h"
	TF1d Timeframe = "1d"
)

// Duration returns the candle interval length.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF1m:
		return time.Minute
	case TF5m:
		return 5 * time.Minute
	case TF1h:
		return time.Hour
	case TF4h:
		return 4 * time.Hour
	case TF1d:
		return 24 * time.Hour
	}
	return time.Hour
}

// Window returns how many candles a snapshot carries for the timeframe.
func (tf Timeframe) Window() int {
	switch tf {
	case TF1m:
		return 120
	case TF5m:
		return 50
	case TF1h:
		return 48
	case TF4h:
		return 50
	case TF1d:
		return 30
	}
	return 50
}

// AllTimeframes lists supported timeframes from fastest to slowest.
func AllTimeframes() []Timeframe {
	return []Timeframe{TF1m, TF5m, TF1h, TF4h, TF1d}
}

// MarketSnapshot is an immutable view of one symbol/timeframe at a point in
// time. Once handed to a cycle it is never mutated; a refresh produces a new
// snapshot.
type MarketSnapshot struct {
	Symbol        string
	Timeframe     Timeframe
	Timestamp     time.Time
	LastPrice     float64
	Candles       []Candle
	VolatilityPct float64 // stdev of close-to-close returns, in percent
	ATR           float64
}

// Age reports how long ago the snapshot was taken.
func (s *MarketSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// InstrumentMeta holds per-symbol precision and limits, refreshed
// periodically from the exchange. Immutable per refresh epoch.
type InstrumentMeta struct {
	Symbol      string
	TickSize    decimal.Decimal
	SizeStep    decimal.Decimal
	MinSize     decimal.Decimal
	MaxLeverage int
	FetchedAt   time.Time
}

// Position is one open position as reported by the exchange. Size is signed:
// positive long, negative short.
type Position struct {
	Symbol           string
	Size             float64
	EntryPrice       float64
	Leverage         int
	LiquidationPrice float64
	UnrealizedPnl    float64
}

// RiskLevel buckets margin usage for operator display.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// AccountState is snapshotted fresh at the start of each cycle and never
// cached beyond it.
type AccountState struct {
	Equity         float64
	MarginUsed     float64
	Withdrawable   float64
	Positions      map[string]Position
	Timestamp      time.Time
	MarginUsagePct float64
	RiskLevel      RiskLevel
}

// Action is a proposed or decided trade direction.
type Action string

const (
	ActionLong  Action = "LONG"
	ActionShort Action = "SHORT"
	ActionFlat  Action = "FLAT" // close existing exposure
	ActionHold  Action = "HOLD"
)

// IsEntry reports whether the action opens new exposure.
func (a Action) IsEntry() bool { return a == ActionLong || a == ActionShort }

// Producer identifies which evaluator issued an opinion.
type Producer string

const (
	ProducerAnalyst Producer = "analyst"
	ProducerRisk    Producer = "risk"
)

// Predicate is a simple price condition evaluated against future snapshots.
// A zero field is unset. Both set means either bound matches.
type Predicate struct {
	PriceAbove float64 `json:"price_above,omitempty"`
	PriceBelow float64 `json:"price_below,omitempty"`
}

// Zero reports whether the predicate has no conditions.
func (p Predicate) Zero() bool { return p.PriceAbove == 0 && p.PriceBelow == 0 }

// Match evaluates the predicate against a price.
func (p Predicate) Match(price float64) bool {
	if p.PriceAbove > 0 && price >= p.PriceAbove {
		return true
	}
	if p.PriceBelow > 0 && price <= p.PriceBelow {
		return true
	}
	return false
}

// Opinion is a single-cycle trade proposal from one evaluator. Exactly one of
// SizeUSD / SizeFraction should be set for entry actions.
type Opinion struct {
	Producer     Producer  `json:"producer"`
	Symbol       string    `json:"symbol"`
	Action       Action    `json:"action"`
	SizeUSD      float64   `json:"size_usd,omitempty"`
	SizeFraction float64   `json:"size_fraction,omitempty"`
	Leverage     int       `json:"leverage,omitempty"`
	Confidence   float64   `json:"confidence"`
	Stop         Predicate `json:"stop"`
	Target       Predicate `json:"target"`
	Invalidation Predicate `json:"invalidation"`
	Reason       string    `json:"reason"`
}

// NotionalUSD resolves the proposed size to USD given current equity.
func (o Opinion) NotionalUSD(equity float64) float64 {
	if o.SizeUSD > 0 {
		return o.SizeUSD
	}
	if o.SizeFraction > 0 {
		return equity * o.SizeFraction
	}
	return 0
}

// Provenance records how a decision was derived from its source opinions.
type Provenance struct {
	Analyst Opinion `json:"analyst"`
	Risk    Opinion `json:"risk"`
	Rule    string  `json:"rule,omitempty"` // tie-break rule applied, if any
}

// Decision is the merge node's single output for one symbol and cycle.
type Decision struct {
	Symbol       string      `json:"symbol"`
	Action       Action      `json:"action"`
	SizeUSD      float64     `json:"size_usd"`
	Leverage     int         `json:"leverage"`
	Confidence   float64     `json:"confidence"`
	Stop         Predicate   `json:"stop"`
	Target       Predicate   `json:"target"`
	Invalidation []Predicate `json:"invalidation"`
	Provenance   Provenance  `json:"provenance"`
	Reason       string      `json:"reason"`
	CycleTime    time.Time   `json:"cycle_time"`
}

// Side is the order side on the wire.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// SizeMode selects how a SizeRequest expresses the desired exposure.
type SizeMode string

const (
	SizeUSD      SizeMode = "USD"
	SizeFraction SizeMode = "FRACTION"
	SizeUnits    SizeMode = "UNITS"
)

// SizeRequest is the input to the precision and sizing engine.
type SizeRequest struct {
	Mode   SizeMode
	Value  float64
	Side   Side
	Price  float64 // limit price; 0 for market at reference price
}

// OrderSpec is an exchange-valid order: price and quantity are already
// quantized to the instrument's tick size and size step.
type OrderSpec struct {
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"` // zero means market
	ReduceOnly    bool            `json:"reduce_only"`
	TriggerPrice  decimal.Decimal `json:"trigger_price"` // zero unless stop order
	ClientOrderID string          `json:"client_order_id"`
}

// NotionalUSD returns the order's USD value at its price (or the given
// reference price for market orders).
func (o OrderSpec) NotionalUSD(refPrice float64) float64 {
	px := o.Price
	if px.IsZero() {
		px = decimal.NewFromFloat(refPrice)
	}
	v, _ := o.Quantity.Mul(px).Float64()
	return v
}

// OrderAck is the exchange's acknowledgement of a submitted order.
type OrderAck struct {
	OrderID       string  `json:"order_id"`
	ClientOrderID string  `json:"client_order_id"`
	Status        string  `json:"status"`
	FilledQty     float64 `json:"filled_qty"`
	AvgPrice      float64 `json:"avg_price"`
}

// ApprovalStatus is the resolution of an approval request.
type ApprovalStatus string

const (
	ApprovalPending    ApprovalStatus = "PENDING"
	ApprovalApproved   ApprovalStatus = "APPROVED"
	ApprovalRejected   ApprovalStatus = "REJECTED"
	ApprovalTimeout    ApprovalStatus = "TIMEOUT"
	ApprovalSuperseded ApprovalStatus = "SUPERSEDED"
)

// ApprovalRequest is a pending decision awaiting external confirmation.
type ApprovalRequest struct {
	ID        string    `json:"id"`
	Decision  Decision  `json:"decision"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`
}

// ApprovalResult resolves an ApprovalRequest.
type ApprovalResult struct {
	RequestID   string         `json:"request_id"`
	Status      ApprovalStatus `json:"status"`
	Responder   string         `json:"responder,omitempty"`
	RespondedAt time.Time      `json:"responded_at"`
}

// Approved reports whether execution may proceed.
func (r ApprovalResult) Approved() bool { return r.Status == ApprovalApproved }

// ExitPlanState tracks the lifecycle of an exit plan.
type ExitPlanState string

const (
	PlanActive    ExitPlanState = "ACTIVE"
	PlanTriggered ExitPlanState = "TRIGGERED"
	PlanCancelled ExitPlanState = "CANCELLED"
	PlanExpired   ExitPlanState = "EXPIRED"
)

// ExitPlan is the set of stop/target/invalidation conditions attached to an
// open position. At most one plan per symbol is ACTIVE at a time.
type ExitPlan struct {
	ID           string        `json:"id"`
	Symbol       string        `json:"symbol"`
	Side         Side          `json:"side"` // side of the entry order
	EntryPrice   float64       `json:"entry_price"`
	Quantity     float64       `json:"quantity"`
	Stop         Predicate     `json:"stop"`
	Target       Predicate     `json:"target"`
	Invalidation []Predicate   `json:"invalidation"`
	State        ExitPlanState `json:"state"`
	CreatedAt    time.Time     `json:"created_at"`
	ResolvedAt   time.Time     `json:"resolved_at,omitempty"`
	Trigger      string        `json:"trigger,omitempty"` // STOP, TARGET, INVALIDATION, PANIC
}

// ExecutionStatus summarizes the outcome of one execution attempt.
type ExecutionStatus string

const (
	ExecFilled               ExecutionStatus = "FILLED"
	ExecRejected             ExecutionStatus = "REJECTED"
	ExecUnprotectedRecovered ExecutionStatus = "UNPROTECTED_EXPOSURE_RECOVERED"
	ExecCriticalUnmanaged    ExecutionStatus = "CRITICAL_EXPOSURE_UNMANAGED"
)

// ExecutionResult is the execution pipeline's report for one decision.
type ExecutionResult struct {
	Symbol     string          `json:"symbol"`
	Decision   Decision        `json:"decision"`
	Status     ExecutionStatus `json:"status"`
	EntryOrder OrderAck        `json:"entry_order"`
	StopOrder  OrderAck        `json:"stop_order"`
	PlanID     string          `json:"plan_id,omitempty"`
	Error      string          `json:"error,omitempty"`
	Time       time.Time       `json:"time"`
}
