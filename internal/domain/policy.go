package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryExitPolicy carries the trade-management knobs shared by the
// planner and the assessor. Zero values disable the corresponding rule.
type EntryExitPolicy struct {
	MaxPyramidLevels  int
	PyramidScale      decimal.Decimal   // size multiplier per added pyramid level
	EntrySpacingPct   decimal.Decimal   // minimum move between pyramid entries, percent
	PartialExitLevels []decimal.Decimal // ascending profit thresholds, percent
	StopLossPct       decimal.Decimal
	TakeProfitPct     decimal.Decimal
	TrailingStopPct   decimal.Decimal
	TimeExit          time.Duration // exit flat positions after this hold
	MaxHoldTime       time.Duration // hard cap on position age
}
