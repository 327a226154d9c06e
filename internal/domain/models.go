// Package domain contains the core entities of the risk and funds control
// plane. The domain layer is pure: no infrastructure dependencies, no I/O.
// All money, size and percentage fields are fixed-point decimals.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionActive  PositionStatus = "active"
	PositionClosing PositionStatus = "closing"
	PositionClosed  PositionStatus = "closed"
)

// Position is an open exposure to one symbol.
// Invariant: sign(Quantity) matches Side.
type Position struct {
	ID         string
	StrategyID string
	Symbol     string
	Side       Side
	Quantity   decimal.Decimal // signed: negative for shorts
	AvgEntry   decimal.Decimal
	Mark       decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	Status     PositionStatus
	OpenedAt   time.Time
	UpdatedAt  time.Time
}

// Value returns the absolute quote-currency value of the position at the
// current mark.
func (p Position) Value() decimal.Decimal {
	return p.Quantity.Abs().Mul(p.Mark)
}

// UnrealizedPnL returns the signed mark-to-market PnL in quote currency.
func (p Position) UnrealizedPnL() decimal.Decimal {
	return p.Mark.Sub(p.AvgEntry).Mul(p.Quantity)
}

// UnrealizedPnLPct returns the PnL as a percentage of entry value.
// Shorts profit when mark < entry.
func (p Position) UnrealizedPnLPct() decimal.Decimal {
	if p.AvgEntry.IsZero() {
		return decimal.Zero
	}
	pct := p.Mark.Sub(p.AvgEntry).Div(p.AvgEntry).Mul(decimal.NewFromInt(100))
	if p.Side == SideShort {
		return pct.Neg()
	}
	return pct
}

// LimitScope identifies which entity a RiskLimits row applies to.
// Lookup is most-specific-wins: strategy > portfolio > global.
type LimitScope string

const ScopeGlobal LimitScope = "global"

// ScopePortfolio builds a portfolio-scoped limit key.
func ScopePortfolio(id string) LimitScope { return LimitScope("portfolio:" + id) }

// ScopeStrategy builds a strategy-scoped limit key.
func ScopeStrategy(id string) LimitScope { return LimitScope("strategy:" + id) }

// RiskLimits is a scope-keyed limit configuration.
type RiskLimits struct {
	Scope                   LimitScope
	MaxPositionSize         decimal.Decimal // quote currency
	MaxPortfolioExposurePct decimal.Decimal
	MaxDailyLoss            decimal.Decimal // quote currency
	MaxDrawdownPct          decimal.Decimal
	MaxLeverage             decimal.Decimal
	StopLossPct             decimal.Decimal
	TakeProfitPct           decimal.Decimal
	ConcentrationLimitPct   decimal.Decimal
	CorrelationLimit        decimal.Decimal
	UpdatedAt               time.Time
}

// PositionRisk is the derived per-position risk row, rewritten each
// assessment tick.
type PositionRisk struct {
	PositionID    string
	Symbol        string
	Size          decimal.Decimal // quote value
	VaR1d         decimal.Decimal
	ExposurePct   decimal.Decimal
	MaxDrawdown   decimal.Decimal // percent
	MAE           decimal.Decimal // percent, positive
	MFE           decimal.Decimal // percent, positive
	Efficiency    decimal.Decimal // unrealized PnL pct over MFE, [-1, 1]
	RiskScore     decimal.Decimal // 0..100
	Liquidity     decimal.Decimal
	Beta          decimal.Decimal
	UnrealizedPnL decimal.Decimal
	AssessedAt    time.Time
}

// PortfolioRisk is the derived portfolio-level risk row.
type PortfolioRisk struct {
	PortfolioID   string
	TotalValue    decimal.Decimal
	TotalVaR1d    decimal.Decimal
	ExposurePct   decimal.Decimal
	DrawdownPct   decimal.Decimal
	Concentration decimal.Decimal // Herfindahl, 0..10000
	Correlation   decimal.Decimal // max pairwise |rho|
	Beta          decimal.Decimal
	Sharpe        decimal.Decimal
	Sortino       decimal.Decimal
	RiskScore     decimal.Decimal
	DailyPnL      decimal.Decimal
	AssessedAt    time.Time
}
