// Package venue provides in-process stand-ins for the on-chain
// collaborators. The binary runs against them when no live RPC endpoint
// is configured, which keeps dry-run operation self-contained.
package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfall/warden/internal/clock"
	"github.com/quantfall/warden/internal/domain"
)

// PaperMarket serves marks from an in-memory table and synthesizes a
// daily candle history around each mark.
type PaperMarket struct {
	mu    sync.RWMutex
	marks map[string]decimal.Decimal
	log   zerolog.Logger
}

// NewPaperMarket creates a market seeded with the given marks.
func NewPaperMarket(marks map[string]decimal.Decimal, log zerolog.Logger) *PaperMarket {
	m := &PaperMarket{
		marks: make(map[string]decimal.Decimal, len(marks)),
		log:   log.With().Str("component", "paper_market").Logger(),
	}
	for symbol, mark := range marks {
		m.marks[symbol] = mark
	}
	return m
}

// SetMark updates one symbol's mark.
func (m *PaperMarket) SetMark(symbol string, mark decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[symbol] = mark
}

// GetMark returns the current mark price for a symbol.
func (m *PaperMarket) GetMark(_ context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mark, ok := m.marks[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no mark for symbol %s: %w", symbol, domain.ErrNotFound)
	}
	return mark, nil
}

var (
	drift    = decimal.NewFromFloat(0.005)
	driftTwo = decimal.NewFromInt(2)
)

// GetCandles synthesizes one daily bar per day in [from, to), oscillating
// around the current mark so volatility is small but non-zero.
func (m *PaperMarket) GetCandles(_ context.Context, symbol, _ string, from, to time.Time) ([]domain.Candle, error) {
	m.mu.RLock()
	mark, ok := m.marks[symbol]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no mark for symbol %s: %w", symbol, domain.ErrNotFound)
	}

	var candles []domain.Candle
	step := mark.Mul(drift)
	for day := 0; ; day++ {
		openTime := from.AddDate(0, 0, day)
		if !openTime.Before(to) {
			break
		}
		offset := step
		if day%2 == 1 {
			offset = step.Neg()
		}
		close := mark.Add(offset)
		candles = append(candles, domain.Candle{
			OpenTime: openTime,
			Open:     mark,
			High:     mark.Add(step.Mul(driftTwo)),
			Low:      mark.Sub(step.Mul(driftTwo)),
			Close:    close,
			Volume:   decimal.NewFromInt(1000),
		})
	}
	return candles, nil
}

// PaperDex accepts orders and fabricates transaction references.
// Re-submission of a known order id returns the original handle.
type PaperDex struct {
	mu     sync.Mutex
	seen   map[string]domain.TxHandle
	serial int
	clk    clock.Clock
	log    zerolog.Logger
}

// NewPaperDex creates an order sink.
func NewPaperDex(clk clock.Clock, log zerolog.Logger) *PaperDex {
	return &PaperDex{
		seen: make(map[string]domain.TxHandle),
		clk:  clk,
		log:  log.With().Str("component", "paper_dex").Logger(),
	}
}

// Submit records one order and returns its transaction handle.
func (x *PaperDex) Submit(_ context.Context, order domain.ExecutionOrder) (domain.TxHandle, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if handle, ok := x.seen[order.ID]; ok {
		return handle, nil
	}
	x.serial++
	handle := domain.TxHandle{TxRef: fmt.Sprintf("0xsim%08d", x.serial), Status: "confirmed"}
	x.seen[order.ID] = handle
	x.log.Info().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("type", string(order.Type)).
		Str("amount", order.Amount.String()).
		Str("tx_ref", handle.TxRef).
		Msg("Simulated order fill")
	return handle, nil
}

// Cancel drops a previously submitted order.
func (x *PaperDex) Cancel(_ context.Context, order domain.ExecutionOrder) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.seen, order.ID)
	return nil
}

// PaperSigner confirms every transfer immediately.
type PaperSigner struct {
	mu     sync.Mutex
	serial int
	clk    clock.Clock
	log    zerolog.Logger
}

// NewPaperSigner creates a signer that never touches a chain.
func NewPaperSigner(clk clock.Clock, log zerolog.Logger) *PaperSigner {
	return &PaperSigner{
		clk: clk,
		log: log.With().Str("component", "paper_signer").Logger(),
	}
}

// SignAndSend fabricates a transaction handle for the transfer.
func (s *PaperSigner) SignAndSend(_ context.Context, tx domain.Transfer) (domain.TxHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serial++
	handle := domain.TxHandle{TxRef: fmt.Sprintf("0xsimtx%08d", s.serial), Status: "pending"}
	s.log.Info().
		Str("from", tx.From).
		Str("to", tx.To).
		Str("asset", tx.Asset).
		Str("amount", tx.Amount.String()).
		Str("tx_ref", handle.TxRef).
		Msg("Simulated transfer")
	return handle, nil
}

// WaitForConfirmation succeeds immediately.
func (s *PaperSigner) WaitForConfirmation(_ context.Context, handle domain.TxHandle, _ time.Duration) (domain.TxReceipt, error) {
	return domain.TxReceipt{
		TxRef:     handle.TxRef,
		Success:   true,
		GasUsed:   decimal.NewFromInt(21000),
		Timestamp: s.clk.Now(),
	}, nil
}

// PaperBalances serves balances from an in-memory table.
type PaperBalances struct {
	mu     sync.RWMutex
	native map[string]decimal.Decimal
	assets map[string]map[string]decimal.Decimal
}

// NewPaperBalances creates an empty balance table.
func NewPaperBalances() *PaperBalances {
	return &PaperBalances{
		native: make(map[string]decimal.Decimal),
		assets: make(map[string]map[string]decimal.Decimal),
	}
}

// SetNative sets a wallet's native-coin balance.
func (b *PaperBalances) SetNative(wallet string, amount decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.native[wallet] = amount
}

// SetAsset sets a wallet's balance of one asset.
func (b *PaperBalances) SetAsset(wallet, asset string, amount decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.assets[wallet] == nil {
		b.assets[wallet] = make(map[string]decimal.Decimal)
	}
	b.assets[wallet][asset] = amount
}

// NativeBalance returns the native-coin balance of a wallet.
func (b *PaperBalances) NativeBalance(_ context.Context, wallet string) (decimal.Decimal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.native[wallet], nil
}

// AssetBalance returns the balance of one tracked asset.
func (b *PaperBalances) AssetBalance(_ context.Context, wallet, asset string) (decimal.Decimal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.assets[wallet][asset], nil
}

// PaperOpenOrders reports no resting orders.
type PaperOpenOrders struct{}

// OpenOrders returns the empty set.
func (PaperOpenOrders) OpenOrders(_ context.Context, _ string) ([]domain.OpenOrder, error) {
	return nil, nil
}

// AllOpenOrders returns the empty set.
func (PaperOpenOrders) AllOpenOrders(_ context.Context) ([]domain.OpenOrder, error) {
	return nil, nil
}
