package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActionKind is the type of mitigation recorded in response to an alert.
type ActionKind string

const (
	ActionNone           ActionKind = ""
	ActionNotifyOnly     ActionKind = "notify_only"
	ActionPositionReduce ActionKind = "position_reduce"
	ActionPositionClose  ActionKind = "position_close"
	ActionStrategyPause  ActionKind = "strategy_pause"
	ActionEmergencyStop  ActionKind = "emergency_stop"
)

// ActionStatus is the lifecycle state of a risk action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionExecuting ActionStatus = "executing"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
	ActionCancelled ActionStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ActionStatus) Terminal() bool {
	return s == ActionCompleted || s == ActionFailed || s == ActionCancelled
}

// ActionParams carries the kind-specific parameters of an action.
// Stored as a msgpack blob.
type ActionParams struct {
	PositionID        string          `msgpack:"position_id,omitempty"`
	StrategyID        string          `msgpack:"strategy_id,omitempty"`
	ReductionFraction decimal.Decimal `msgpack:"reduction_fraction,omitempty"`
	Reason            string          `msgpack:"reason,omitempty"`
}

// RiskAction is an intent to mitigate a breach. Together with its
// triggering alert it forms the idempotency key for plan construction.
type RiskAction struct {
	ID         string
	Kind       ActionKind
	AlertID    string
	Params     ActionParams
	Status     ActionStatus
	Result     string
	CreatedAt  time.Time
	ExecutedAt *time.Time
}
