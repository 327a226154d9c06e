package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// WalletGroup classifies a managed wallet.
type WalletGroup string

const (
	GroupHot      WalletGroup = "hot"
	GroupWarm     WalletGroup = "warm"
	GroupCold     WalletGroup = "cold"
	GroupTreasury WalletGroup = "treasury"
	GroupStrategy WalletGroup = "strategy"
)

// ManagedWallet is a wallet enrolled in the funds-management loops.
type ManagedWallet struct {
	Address      string
	Group        WalletGroup
	GasMin       decimal.Decimal // native-coin floor before a top-up triggers
	GasMax       decimal.Decimal // native-coin target after a top-up
	SweepMin     decimal.Decimal // per-asset balance above which sweeping triggers
	SweepEnabled bool
	AssetAllow   []string // empty = all supported assets
	AssetDeny    []string
	CreatedAt    time.Time
}

// SweepAllowed reports whether the wallet's allow/deny lists permit
// sweeping the given asset.
func (w ManagedWallet) SweepAllowed(asset string) bool {
	for _, a := range w.AssetDeny {
		if a == asset {
			return false
		}
	}
	if len(w.AssetAllow) == 0 {
		return true
	}
	for _, a := range w.AssetAllow {
		if a == asset {
			return true
		}
	}
	return false
}

// BalanceSnapshot is one per-wallet, per-asset observation. Snapshots are
// append-only; jobs refer to them by (wallet, asset, observed-at).
type BalanceSnapshot struct {
	Wallet         string
	Group          WalletGroup
	Asset          string
	Balance        decimal.Decimal
	QuoteValue     decimal.Decimal
	BelowGasMin    bool
	AboveSweepMin  bool
	ObservedAt     time.Time
}

// FundJobKind is the variant of a funds-management job.
type FundJobKind string

const (
	JobGasTopUp  FundJobKind = "gas_topup"
	JobSweep     FundJobKind = "sweep"
	JobRebalance FundJobKind = "rebalance"
)

// FundJobStatus is the lifecycle state of a fund job.
type FundJobStatus string

const (
	FundJobPending   FundJobStatus = "pending"
	FundJobExecuting FundJobStatus = "executing"
	FundJobCompleted FundJobStatus = "completed"
	FundJobFailed    FundJobStatus = "failed"
	FundJobCancelled FundJobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s FundJobStatus) Terminal() bool {
	return s == FundJobCompleted || s == FundJobFailed || s == FundJobCancelled
}

// TradeSide is the direction of a rebalance trade.
type TradeSide string

const (
	TradeBuy  TradeSide = "buy"
	TradeSell TradeSide = "sell"
)

// RebalanceTrade is one proposed trade inside a rebalance job.
type RebalanceTrade struct {
	Asset    string          `msgpack:"asset"`
	Side     TradeSide       `msgpack:"side"`
	ValueUSD decimal.Decimal `msgpack:"value_usd"`
	DriftPct decimal.Decimal `msgpack:"drift_pct"`
}

// FundJob is one gas top-up, sweep or rebalance job. Variant-specific
// fields are populated per Kind.
type FundJob struct {
	ID        string
	Kind      FundJobKind
	Status    FundJobStatus
	DryRun    bool
	// Gas top-up: target wallet receives Amount of native coin.
	// Sweep: Amount of Asset moves Source -> Target.
	Source string
	Target string
	Asset  string
	Amount decimal.Decimal
	// Rebalance.
	GroupScope []WalletGroup
	Trades     []RebalanceTrade
	TxRef      string
	Error      string
	CreatedAt  time.Time
	ExecutedAt *time.Time
}
