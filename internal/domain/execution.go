package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PlanStatus is the lifecycle state of an execution plan.
// Valid sequence: pending -> executing -> terminal. No backward transitions.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanExecuting PlanStatus = "executing"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
	PlanExpired   PlanStatus = "expired"
)

// Terminal reports whether the status is final.
func (s PlanStatus) Terminal() bool {
	switch s {
	case PlanCompleted, PlanFailed, PlanCancelled, PlanExpired:
		return true
	}
	return false
}

// SubmitStrategy controls how a plan's orders are dispatched.
type SubmitStrategy string

const (
	SubmitSequential SubmitStrategy = "sequential"
	SubmitParallel   SubmitStrategy = "parallel"
	SubmitStaggered  SubmitStrategy = "staggered"
)

// ExecutionPlan materializes a risk action into an ordered set of orders.
// Plans own their orders; a plan is never deleted, only cancelled.
type ExecutionPlan struct {
	ID         string
	ActionID   string
	PlanType   ActionKind
	StrategyID string
	PositionID string
	Strategy   SubmitStrategy
	Delay      time.Duration // spacing for staggered submission
	Status     PlanStatus
	Version    int64 // row version guarding status transitions
	Result     string
	Orders     []ExecutionOrder
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// OrderType is the atomic instruction the executor submits.
type OrderType string

const (
	OrderMarketSell OrderType = "market_sell"
	OrderMarketBuy  OrderType = "market_buy"
	OrderCancel     OrderType = "cancel"
	OrderUpdate     OrderType = "update"
)

// TimeInForce is the order's lifetime policy.
type TimeInForce string

const (
	TIFGoodTilCancel TimeInForce = "GTC"
	TIFImmediate     TimeInForce = "IOC"
	TIFFillOrKill    TimeInForce = "FOK"
)

// OrderStatus is the execution state of one order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderSubmitted       OrderStatus = "submitted"
	OrderFilled          OrderStatus = "filled"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderFailed          OrderStatus = "failed"
)

// Terminal reports whether the order reached a final state.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderFailed:
		return true
	}
	return false
}

// orderIDSpace namespaces deterministic order ids.
var orderIDSpace = uuid.MustParse("8f3c1d2a-6a54-4b81-9c7e-1f0a2b3c4d5e")

// DeterministicOrderID derives the order id from (plan id, order index) so
// that re-submission after a restart maps to the same id.
func DeterministicOrderID(planID string, index int) string {
	return uuid.NewSHA1(orderIDSpace, []byte(planID+"#"+itoa(index))).String()
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

// ExecutionOrder is one atomic order within a plan.
type ExecutionOrder struct {
	ID         string
	PlanID     string
	Index      int
	Type       OrderType
	Symbol     string
	Side       Side
	Amount     decimal.Decimal
	LimitPrice *decimal.Decimal
	StopPrice  *decimal.Decimal
	TIF        TimeInForce
	ReduceOnly bool
	StrategyID string
	PositionID string
	Wallet     string
	// TargetOrderID names the resting order a cancel/update addresses.
	TargetOrderID string
	Status        OrderStatus
	TxRef         string
	FilledAmount  decimal.Decimal
	AvgPrice      decimal.Decimal
	Fees          decimal.Decimal
	Error         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
