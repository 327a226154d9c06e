// Package metrics holds the pure risk and performance math. Nothing in
// here touches storage or loops; everything downstream (assessor, sizer)
// composes these functions. This is the only package that converts
// decimals to floats.
package metrics

import (
	"math"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// TradingDaysPerYear is the annualization base for Sharpe and Sortino.
const TradingDaysPerYear = 252

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// LogReturns converts a price series into log returns. Non-positive
// prices terminate the series early.
func LogReturns(prices []decimal.Decimal) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	prev, _ := prices[0].Float64()
	for _, p := range prices[1:] {
		cur, _ := p.Float64()
		if prev <= 0 || cur <= 0 {
			break
		}
		out = append(out, math.Log(cur/prev))
		prev = cur
	}
	return out
}

// Volatility is the standard deviation of log returns, as a per-day
// rate. Returns zero for series too short to differentiate.
func Volatility(prices []decimal.Decimal) float64 {
	returns := LogReturns(prices)
	if len(returns) < 2 {
		return 0
	}
	return stat.StdDev(returns, nil)
}

// ValueAtRisk computes 1-day parametric VaR at the given confidence:
// normal-inverse(c) * dailyVol * positionValue. Clamped to zero from
// below, so zero volatility always yields zero.
func ValueAtRisk(confidence, dailyVol float64, positionValue decimal.Decimal) decimal.Decimal {
	if dailyVol <= 0 || confidence <= 0 || confidence >= 1 {
		return decimal.Zero
	}
	value, _ := positionValue.Abs().Float64()
	v := stdNormal.Quantile(confidence) * dailyVol * value
	if v <= 0 || math.IsNaN(v) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v)
}

// Excursions returns the maximum adverse and favorable excursion of a
// price series since entry, both as positive percentages of entry.
// Side determines which direction is adverse.
func Excursions(entry decimal.Decimal, long bool, prices []decimal.Decimal) (mae, mfe decimal.Decimal) {
	if entry.IsZero() || len(prices) == 0 {
		return decimal.Zero, decimal.Zero
	}
	hundred := decimal.NewFromInt(100)
	for _, p := range prices {
		movePct := p.Sub(entry).Div(entry).Mul(hundred)
		if !long {
			movePct = movePct.Neg()
		}
		if movePct.IsNegative() {
			if adverse := movePct.Neg(); adverse.GreaterThan(mae) {
				mae = adverse
			}
		} else if movePct.GreaterThan(mfe) {
			mfe = movePct
		}
	}
	return mae, mfe
}

// EfficiencyRatio is unrealized PnL percentage over MFE, in [-1, 1].
// Zero MFE means no favorable excursion ever happened and the ratio is
// defined as zero.
func EfficiencyRatio(pnlPct, mfe decimal.Decimal) decimal.Decimal {
	if mfe.IsZero() {
		return decimal.Zero
	}
	r := pnlPct.Div(mfe)
	one := decimal.NewFromInt(1)
	if r.GreaterThan(one) {
		return one
	}
	if r.LessThan(one.Neg()) {
		return one.Neg()
	}
	return r
}

// SharpeRatio is the annualized mean excess daily return over its total
// deviation. riskFreeRate is annual.
func SharpeRatio(dailyReturns []float64, riskFreeRate float64) float64 {
	if len(dailyReturns) < 2 {
		return 0
	}
	dailyRF := riskFreeRate / TradingDaysPerYear
	excess := make([]float64, len(dailyReturns))
	for i, r := range dailyReturns {
		excess[i] = r - dailyRF
	}
	sd := stat.StdDev(excess, nil)
	if sd == 0 {
		return 0
	}
	return stat.Mean(excess, nil) / sd * math.Sqrt(TradingDaysPerYear)
}

// SortinoRatio is SharpeRatio with only downside deviation in the
// denominator. Zero downside deviation yields zero.
func SortinoRatio(dailyReturns []float64, riskFreeRate float64) float64 {
	if len(dailyReturns) < 2 {
		return 0
	}
	dailyRF := riskFreeRate / TradingDaysPerYear
	var sumExcess, sumSqDown float64
	for _, r := range dailyReturns {
		e := r - dailyRF
		sumExcess += e
		if e < 0 {
			sumSqDown += e * e
		}
	}
	downside := math.Sqrt(sumSqDown / float64(len(dailyReturns)))
	if downside == 0 {
		return 0
	}
	mean := sumExcess / float64(len(dailyReturns))
	return mean / downside * math.Sqrt(TradingDaysPerYear)
}

// MaxDrawdown is the largest peak-to-trough fractional decline of a
// cumulative equity series. Output is a positive fraction (0.25 means a
// 25% decline). Non-positive peaks are skipped.
func MaxDrawdown(equity []float64) float64 {
	var peak, maxDD float64
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - v) / peak; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// Herfindahl is the concentration index of position values: sum of
// squared weights scaled to [0, 10000]. A single position scores 10000.
func Herfindahl(values []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v.Abs())
	}
	if total.IsZero() {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values {
		w := v.Abs().Div(total)
		sum = sum.Add(w.Mul(w))
	}
	return sum.Mul(decimal.NewFromInt(10000))
}

// KellyFraction computes (b*p - (1-p)) / b with b = avgWin/avgLoss,
// clamped to [0, 1] and scaled by safetyFactor. ok is false when
// avgLoss is zero, which leaves the fraction undefined.
func KellyFraction(winRate, avgWin, avgLoss decimal.Decimal, safetyFactor decimal.Decimal) (frac decimal.Decimal, ok bool) {
	if avgLoss.IsZero() {
		return decimal.Zero, false
	}
	b := avgWin.Div(avgLoss.Abs())
	if b.IsZero() {
		return decimal.Zero, true
	}
	one := decimal.NewFromInt(1)
	raw := b.Mul(winRate).Sub(one.Sub(winRate)).Div(b)
	if raw.IsNegative() {
		return decimal.Zero, true
	}
	if raw.GreaterThan(one) {
		raw = one
	}
	return raw.Mul(safetyFactor), true
}

// MaxPairwiseCorrelation is the largest absolute Pearson correlation
// among the return series. Series shorter than two points, or of
// unequal length, contribute nothing.
func MaxPairwiseCorrelation(series [][]float64) float64 {
	var maxAbs float64
	for i := 0; i < len(series); i++ {
		for j := i + 1; j < len(series); j++ {
			a, b := series[i], series[j]
			if len(a) != len(b) || len(a) < 2 {
				continue
			}
			rho := stat.Correlation(a, b, nil)
			if math.IsNaN(rho) {
				continue
			}
			if abs := math.Abs(rho); abs > maxAbs {
				maxAbs = abs
			}
		}
	}
	return maxAbs
}

// Beta is the covariance of asset and market returns over the market
// variance. Zero market variance yields zero.
func Beta(asset, market []float64) float64 {
	if len(asset) != len(market) || len(asset) < 2 {
		return 0
	}
	mv := stat.Variance(market, nil)
	if mv == 0 {
		return 0
	}
	return stat.Covariance(asset, market, nil) / mv
}

// PartialExitLadder maps the current unrealized PnL percentage onto an
// exit percentage: 25 points per crossed threshold, capped at 75.
// Thresholds must be sorted ascending.
func PartialExitLadder(thresholds []decimal.Decimal, pnlPct decimal.Decimal) decimal.Decimal {
	crossed := 0
	for _, t := range thresholds {
		if pnlPct.GreaterThanOrEqual(t) {
			crossed++
		} else {
			break
		}
	}
	exit := 25 * crossed
	if exit > 75 {
		exit = 75
	}
	return decimal.NewFromInt(int64(exit))
}
