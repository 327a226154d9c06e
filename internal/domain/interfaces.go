package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar from the market-data collaborator.
type Candle struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// MarketDataProvider supplies marks and historical candles. The control
// plane never discovers prices itself; backtests replay this interface
// against a synthetic provider.
type MarketDataProvider interface {
	// GetMark returns the current mark price for a symbol.
	GetMark(ctx context.Context, symbol string) (decimal.Decimal, error)

	// GetCandles returns OHLCV bars for [from, to) at the given interval.
	GetCandles(ctx context.Context, symbol, interval string, from, to time.Time) ([]Candle, error)
}

// TxHandle identifies an in-flight on-chain transaction.
type TxHandle struct {
	TxRef  string
	Status string
}

// TxReceipt is the confirmation result of a transaction.
type TxReceipt struct {
	TxRef     string
	Success   bool
	GasUsed   decimal.Decimal
	Timestamp time.Time
}

// Transfer describes a native-coin or token transfer for the signer.
type Transfer struct {
	From   string
	To     string
	Asset  string // empty = native coin
	Amount decimal.Decimal
}

// WalletSigner signs and sends transactions. It presents a FIFO queue per
// address and is the single mutator of on-chain nonces.
type WalletSigner interface {
	SignAndSend(ctx context.Context, tx Transfer) (TxHandle, error)
	WaitForConfirmation(ctx context.Context, handle TxHandle, timeout time.Duration) (TxReceipt, error)
}

// DexExecutor submits and cancels orders on the swap router.
type DexExecutor interface {
	// Submit sends one order and returns its transaction handle.
	// Re-submission of an already-submitted order id must be a no-op
	// at the executor side; implementations may rely on the id.
	Submit(ctx context.Context, order ExecutionOrder) (TxHandle, error)

	// Cancel cancels a previously submitted order.
	Cancel(ctx context.Context, order ExecutionOrder) error
}

// BalanceReader reads on-chain balances for the snapshot loop.
type BalanceReader interface {
	// NativeBalance returns the native-coin balance of a wallet.
	NativeBalance(ctx context.Context, wallet string) (decimal.Decimal, error)

	// AssetBalance returns the balance of one tracked asset.
	AssetBalance(ctx context.Context, wallet, asset string) (decimal.Decimal, error)
}

// OpenOrder is a resting order belonging to a strategy, used when a pause
// or emergency stop must cancel outstanding orders.
type OpenOrder struct {
	OrderID    string
	StrategyID string
	Symbol     string
	Wallet     string
}

// OpenOrderProvider lists resting orders per strategy. Owned by the
// strategy subsystem; the control plane holds a read relation.
type OpenOrderProvider interface {
	OpenOrders(ctx context.Context, strategyID string) ([]OpenOrder, error)
	AllOpenOrders(ctx context.Context) ([]OpenOrder, error)
}
