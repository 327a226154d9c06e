package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertKind identifies which limit an alert relates to.
type AlertKind string

const (
	AlertPositionSize    AlertKind = "position_size"
	AlertConcentration   AlertKind = "concentration"
	AlertUnrealizedLoss  AlertKind = "unrealized_loss"
	AlertDailyLoss       AlertKind = "daily_loss"
	AlertDrawdown        AlertKind = "drawdown"
	AlertCorrelation     AlertKind = "correlation"
	AlertLiquidity       AlertKind = "liquidity"
	AlertLeverage        AlertKind = "leverage"
	AlertHoldTime        AlertKind = "hold_time"
	AlertSystem          AlertKind = "system"
	AlertGasLow          AlertKind = "gas_low"
	AlertSweepPending    AlertKind = "sweep_pending"
	AlertAllocationDrift AlertKind = "allocation_drift"
)

// Severity grades an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank orders severities for threshold comparisons.
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// AtLeast reports whether s is at or above the given severity.
func (s Severity) AtLeast(min Severity) bool { return s.rank() >= min.rank() }

// EntityType identifies what an alert is about.
type EntityType string

const (
	EntityPosition  EntityType = "position"
	EntityPortfolio EntityType = "portfolio"
	EntityStrategy  EntityType = "strategy"
	EntityWallet    EntityType = "wallet"
	EntityAsset     EntityType = "asset"
	EntitySystem    EntityType = "system"
)

// RiskAlert is a persisted threshold-crossing event. Alerts are never
// deleted; resolution is a monotonic update.
type RiskAlert struct {
	ID           string
	Kind         AlertKind
	Severity     Severity
	EntityType   EntityType
	EntityID     string
	CurrentValue decimal.Decimal
	LimitValue   decimal.Decimal
	Message      string
	Recommended  ActionKind
	TriggerCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ResolvedAt   *time.Time
	ResolvedBy   string
}

// Resolved reports whether the alert has been resolved.
func (a RiskAlert) Resolved() bool { return a.ResolvedAt != nil }

// DedupKey is the alert identity within a cooldown window:
// re-triggering the same key refreshes instead of duplicating.
func (a RiskAlert) DedupKey() string {
	return string(a.Kind) + "|" + string(a.EntityType) + "|" + a.EntityID
}
