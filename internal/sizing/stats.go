package sizing

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfall/warden/internal/clock"
	"github.com/quantfall/warden/internal/domain"
	"github.com/quantfall/warden/internal/metrics"
)

// PositionSource lists the active positions the stats are derived from.
type PositionSource interface {
	GetActive() ([]domain.Position, error)
}

// MarketStats derives sizing statistics from the live position book and
// daily candles. Trade statistics are unavailable without a fill ledger,
// so Kelly sizing falls back to the configured base size.
type MarketStats struct {
	positions PositionSource
	market    domain.MarketDataProvider
	clk       clock.Clock
	log       zerolog.Logger
}

// NewMarketStats creates a live stats source.
func NewMarketStats(positions PositionSource, market domain.MarketDataProvider, clk clock.Clock, log zerolog.Logger) *MarketStats {
	return &MarketStats{
		positions: positions,
		market:    market,
		clk:       clk,
		log:       log.With().Str("component", "market_stats").Logger(),
	}
}

// PortfolioValue sums the absolute quote value of all active positions.
func (s *MarketStats) PortfolioValue() (decimal.Decimal, error) {
	positions, err := s.positions.GetActive()
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.Quantity.Abs().Mul(p.Mark))
	}
	return total, nil
}

// Volatility computes per-day realized volatility from daily closes.
func (s *MarketStats) Volatility(symbol string, lookbackDays int) (float64, error) {
	closes, err := s.dailyCloses(symbol, lookbackDays)
	if err != nil {
		return 0, err
	}
	return metrics.Volatility(closes), nil
}

// TradeStats is zero-valued: the control plane holds no fill ledger.
func (s *MarketStats) TradeStats(string, int) (decimal.Decimal, decimal.Decimal, decimal.Decimal, error) {
	return decimal.Zero, decimal.Zero, decimal.Zero, nil
}

// PortfolioVolatilities returns per-day volatility for every held symbol.
func (s *MarketStats) PortfolioVolatilities(lookbackDays int) (map[string]float64, error) {
	positions, err := s.positions.GetActive()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(positions))
	for _, p := range positions {
		if _, seen := out[p.Symbol]; seen {
			continue
		}
		vol, err := s.Volatility(p.Symbol, lookbackDays)
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", p.Symbol).Msg("Failed to compute volatility")
			continue
		}
		out[p.Symbol] = vol
	}
	return out, nil
}

func (s *MarketStats) dailyCloses(symbol string, lookbackDays int) ([]decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := s.clk.Now()
	candles, err := s.market.GetCandles(ctx, symbol, "1d", now.AddDate(0, 0, -lookbackDays), now)
	if err != nil {
		return nil, err
	}
	closes := make([]decimal.Decimal, 0, len(candles))
	for _, c := range candles {
		closes = append(closes, c.Close)
	}
	return closes, nil
}
