// Package sizing computes quote-denominated position sizes. The sizer
// never talks to storage directly; realized statistics come in through
// the Stats interface so strategies and tests can supply their own.
package sizing

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfall/warden/internal/domain"
	"github.com/quantfall/warden/internal/metrics"
)

// Method selects the base-size formula.
type Method string

const (
	MethodFixed      Method = "fixed"
	MethodPercentage Method = "percentage"
	MethodVolatility Method = "volatility"
	MethodKelly      Method = "kelly"
	MethodRiskParity Method = "risk_parity"
)

// Valid reports whether the method is one of the five known formulas.
func (m Method) Valid() bool {
	switch m {
	case MethodFixed, MethodPercentage, MethodVolatility, MethodKelly, MethodRiskParity:
		return true
	}
	return false
}

// Stats supplies the realized statistics the formulas need.
type Stats interface {
	// PortfolioValue is the current total portfolio value in quote.
	PortfolioValue() (decimal.Decimal, error)
	// Volatility is the per-day realized volatility of the symbol over
	// the lookback, or zero when there is not enough history.
	Volatility(symbol string, lookbackDays int) (float64, error)
	// TradeStats returns the realized win rate and average win/loss
	// magnitudes for the symbol over the lookback.
	TradeStats(symbol string, lookbackDays int) (winRate, avgWin, avgLoss decimal.Decimal, err error)
	// PortfolioVolatilities returns per-day volatility for every symbol
	// currently held plus the candidate, keyed by symbol.
	PortfolioVolatilities(lookbackDays int) (map[string]float64, error)
}

// Config carries the sizing knobs.
type Config struct {
	Method             Method
	BaseSize           decimal.Decimal // quote, used by fixed and as floor for fallbacks
	MinSize            decimal.Decimal
	MaxSize            decimal.Decimal
	PortfolioPct       decimal.Decimal // percentage of portfolio, method=percentage
	TargetRiskPct      decimal.Decimal // daily risk budget percentage, method=volatility
	PerTradeRiskPct    decimal.Decimal // stop-distance risk cap percentage
	KellySafetyFactor  decimal.Decimal // scale on the raw Kelly fraction
	VolatilityLookback int
	KellyLookback      int
	SizeMultiplier     decimal.Decimal // global scale, 1 = neutral
}

// Request is one sizing query.
type Request struct {
	Symbol     string
	EntryPrice decimal.Decimal
	StopLoss   *decimal.Decimal
	Confidence *decimal.Decimal // 0-100
	Method     Method           // empty = config default
}

// Sizer turns sizing requests into quote sizes.
type Sizer struct {
	cfg   Config
	stats Stats
	log   zerolog.Logger
}

// New creates a sizer.
func New(cfg Config, stats Stats, log zerolog.Logger) *Sizer {
	if cfg.Method == "" {
		cfg.Method = MethodFixed
	}
	if cfg.KellySafetyFactor.IsZero() {
		cfg.KellySafetyFactor = decimal.NewFromFloat(0.25)
	}
	if cfg.SizeMultiplier.IsZero() {
		cfg.SizeMultiplier = decimal.NewFromInt(1)
	}
	return &Sizer{
		cfg:   cfg,
		stats: stats,
		log:   log.With().Str("component", "sizer").Logger(),
	}
}

// maxPortfolioFraction caps any single size at 20% of portfolio value.
var maxPortfolioFraction = decimal.NewFromFloat(0.20)

// Size computes the quote size for one entry. The result is never
// negative and never exceeds 20% of portfolio value.
func (s *Sizer) Size(req Request) (decimal.Decimal, error) {
	if req.EntryPrice.Sign() <= 0 {
		return decimal.Zero, domain.Invalid("entry price must be positive, got %s", req.EntryPrice)
	}
	method := req.Method
	if method == "" {
		method = s.cfg.Method
	}
	if !method.Valid() {
		return decimal.Zero, domain.Invalid("unknown sizing method %q", method)
	}

	portfolioValue, err := s.stats.PortfolioValue()
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read portfolio value: %w", err)
	}

	size, usedMethod, err := s.baseSize(method, req.Symbol, portfolioValue)
	if err != nil {
		return decimal.Zero, err
	}
	size = size.Mul(s.cfg.SizeMultiplier)

	// Stop-distance risk cap: risk at the stop never exceeds the
	// per-trade budget.
	if req.StopLoss != nil && s.cfg.PerTradeRiskPct.Sign() > 0 {
		stopDist := req.EntryPrice.Sub(*req.StopLoss).Abs().Div(req.EntryPrice)
		if stopDist.Sign() > 0 {
			riskBudget := portfolioValue.Mul(s.cfg.PerTradeRiskPct).Div(decimal.NewFromInt(100))
			if capped := riskBudget.Div(stopDist); capped.LessThan(size) {
				size = capped
			}
		}
	}

	if req.Confidence != nil {
		mult := req.Confidence.Div(decimal.NewFromInt(100))
		if mult.GreaterThan(decimal.NewFromInt(1)) {
			mult = decimal.NewFromInt(1)
		}
		if mult.Sign() < 0 {
			mult = decimal.Zero
		}
		size = size.Mul(mult)
	}

	// Absolute caps, then the global portfolio ceiling.
	if s.cfg.MinSize.Sign() > 0 && size.LessThan(s.cfg.MinSize) {
		size = s.cfg.MinSize
	}
	if s.cfg.MaxSize.Sign() > 0 && size.GreaterThan(s.cfg.MaxSize) {
		size = s.cfg.MaxSize
	}
	if ceiling := portfolioValue.Mul(maxPortfolioFraction); size.GreaterThan(ceiling) {
		size = ceiling
	}
	if size.Sign() < 0 {
		size = decimal.Zero
	}

	s.log.Debug().
		Str("symbol", req.Symbol).
		Str("method", string(usedMethod)).
		Str("size", size.String()).
		Msg("Position size computed")
	return size, nil
}

// baseSize applies the selected formula, falling back per the documented
// edge cases: undefined Kelly degrades to percentage, missing
// volatility degrades to fixed.
func (s *Sizer) baseSize(method Method, symbol string, portfolioValue decimal.Decimal) (decimal.Decimal, Method, error) {
	switch method {
	case MethodFixed:
		return s.cfg.BaseSize, MethodFixed, nil

	case MethodPercentage:
		return portfolioValue.Mul(s.cfg.PortfolioPct).Div(decimal.NewFromInt(100)), MethodPercentage, nil

	case MethodVolatility:
		vol, err := s.stats.Volatility(symbol, s.cfg.VolatilityLookback)
		if err != nil {
			return decimal.Zero, method, fmt.Errorf("failed to read volatility for %s: %w", symbol, err)
		}
		if vol <= 0 {
			s.log.Debug().Str("symbol", symbol).Msg("No volatility history, falling back to fixed sizing")
			return s.cfg.BaseSize, MethodFixed, nil
		}
		target := portfolioValue.Mul(s.cfg.TargetRiskPct).Div(decimal.NewFromInt(100))
		return target.Div(decimal.NewFromFloat(vol)), MethodVolatility, nil

	case MethodKelly:
		winRate, avgWin, avgLoss, err := s.stats.TradeStats(symbol, s.cfg.KellyLookback)
		if err != nil {
			return decimal.Zero, method, fmt.Errorf("failed to read trade stats for %s: %w", symbol, err)
		}
		frac, ok := metrics.KellyFraction(winRate, avgWin, avgLoss, s.cfg.KellySafetyFactor)
		if !ok {
			s.log.Debug().Str("symbol", symbol).Msg("Kelly undefined, falling back to percentage sizing")
			return s.baseSize(MethodPercentage, symbol, portfolioValue)
		}
		return portfolioValue.Mul(frac), MethodKelly, nil

	case MethodRiskParity:
		vols, err := s.stats.PortfolioVolatilities(s.cfg.VolatilityLookback)
		if err != nil {
			return decimal.Zero, method, fmt.Errorf("failed to read portfolio volatilities: %w", err)
		}
		size, ok := riskParityShare(symbol, vols, portfolioValue)
		if !ok {
			s.log.Debug().Str("symbol", symbol).Msg("No volatility history, falling back to fixed sizing")
			return s.cfg.BaseSize, MethodFixed, nil
		}
		return size, MethodRiskParity, nil
	}
	return decimal.Zero, method, domain.Invalid("unknown sizing method %q", method)
}

// riskParityShare allocates portfolio value across assets in inverse
// proportion to realized volatility, so every asset contributes the
// same variance to the budget. ok is false when the candidate has no
// usable volatility.
func riskParityShare(symbol string, vols map[string]float64, portfolioValue decimal.Decimal) (decimal.Decimal, bool) {
	if vols[symbol] <= 0 {
		return decimal.Zero, false
	}
	var totalInv float64
	for _, v := range vols {
		if v > 0 {
			totalInv += 1 / v
		}
	}
	if totalInv == 0 {
		return decimal.Zero, false
	}
	weight := (1 / vols[symbol]) / totalInv
	return portfolioValue.Mul(decimal.NewFromFloat(weight)), true
}
