package metrics

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func prices(vals ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = d(v)
	}
	return out
}

func TestLogReturns(t *testing.T) {
	r := LogReturns(prices("100", "110", "99"))
	require.Len(t, r, 2)
	assert.InDelta(t, math.Log(1.1), r[0], 1e-12)
	assert.InDelta(t, math.Log(0.9), r[1], 1e-12)

	assert.Nil(t, LogReturns(prices("100")))
	assert.Empty(t, LogReturns(prices("0", "100", "110")))
}

func TestVolatility(t *testing.T) {
	// Constant prices have zero volatility.
	assert.Zero(t, Volatility(prices("50", "50", "50", "50")))

	// Alternating +/-10% has positive, symmetric volatility.
	v := Volatility(prices("100", "110", "100", "110", "100"))
	assert.Greater(t, v, 0.0)

	assert.Zero(t, Volatility(prices("100", "110")))
}

func TestValueAtRisk(t *testing.T) {
	// 95% one-day VaR of a 10k position at 2% daily vol:
	// 1.6449 * 0.02 * 10000 ~= 328.97
	v := ValueAtRisk(0.95, 0.02, d("10000"))
	f, _ := v.Float64()
	assert.InDelta(t, 328.97, f, 0.5)

	assert.True(t, ValueAtRisk(0.95, 0, d("10000")).IsZero())
	assert.True(t, ValueAtRisk(0, 0.02, d("10000")).IsZero())

	// Short positions carry the same VaR as longs of equal size.
	assert.True(t, ValueAtRisk(0.95, 0.02, d("-10000")).Equal(v))
}

func TestExcursions(t *testing.T) {
	// Long from 100: dipped to 90 (MAE 10%), peaked at 120 (MFE 20%).
	mae, mfe := Excursions(d("100"), true, prices("95", "90", "105", "120", "110"))
	assert.True(t, mae.Equal(d("10")), "mae = %s", mae)
	assert.True(t, mfe.Equal(d("20")), "mfe = %s", mfe)

	// Short from 100 sees the mirror image.
	mae, mfe = Excursions(d("100"), false, prices("95", "90", "105", "120", "110"))
	assert.True(t, mae.Equal(d("20")), "mae = %s", mae)
	assert.True(t, mfe.Equal(d("10")), "mfe = %s", mfe)

	mae, mfe = Excursions(decimal.Zero, true, prices("95"))
	assert.True(t, mae.IsZero())
	assert.True(t, mfe.IsZero())
}

func TestEfficiencyRatio(t *testing.T) {
	assert.True(t, EfficiencyRatio(d("10"), d("20")).Equal(d("0.5")))
	assert.True(t, EfficiencyRatio(d("5"), decimal.Zero).IsZero())

	// Clamped to [-1, 1].
	assert.True(t, EfficiencyRatio(d("30"), d("20")).Equal(d("1")))
	assert.True(t, EfficiencyRatio(d("-30"), d("20")).Equal(d("-1")))
}

func TestSharpeAndSortino(t *testing.T) {
	flat := []float64{0.01, 0.01, 0.01, 0.01}
	assert.Zero(t, SharpeRatio(flat, 0))

	up := []float64{0.01, 0.02, 0.015, 0.005, 0.01, 0.02}
	assert.Greater(t, SharpeRatio(up, 0), 0.0)

	// All-positive excess returns have no downside deviation.
	assert.Zero(t, SortinoRatio(up, 0))

	mixed := []float64{0.02, -0.01, 0.03, -0.02, 0.01, 0.02}
	sortino := SortinoRatio(mixed, 0)
	sharpe := SharpeRatio(mixed, 0)
	assert.Greater(t, sortino, 0.0)
	// Sortino penalizes only losses, so here it exceeds Sharpe.
	assert.Greater(t, sortino, sharpe)
}

func TestMaxDrawdown(t *testing.T) {
	assert.Zero(t, MaxDrawdown([]float64{100, 110, 120}))
	assert.InDelta(t, 0.25, MaxDrawdown([]float64{100, 120, 90, 110}), 1e-12)
	assert.Zero(t, MaxDrawdown(nil))
	// Drawdown is measured against the running peak, not the start.
	assert.InDelta(t, 0.5, MaxDrawdown([]float64{100, 200, 100, 150}), 1e-12)
}

func TestHerfindahl(t *testing.T) {
	// Single position is maximally concentrated.
	assert.True(t, Herfindahl(prices("5000")).Equal(d("10000")))

	// Four equal positions: 4 * 0.25^2 * 10000 = 2500.
	h := Herfindahl(prices("100", "100", "100", "100"))
	assert.True(t, h.Equal(d("2500")), "h = %s", h)

	assert.True(t, Herfindahl(nil).IsZero())

	// Short legs weigh by absolute value.
	h = Herfindahl(prices("100", "-100"))
	assert.True(t, h.Equal(d("5000")), "h = %s", h)
}

func TestKellyFraction(t *testing.T) {
	quarter := d("0.25")

	// 60% win rate, 2:1 win/loss: raw kelly = (2*0.6 - 0.4)/2 = 0.4
	frac, ok := KellyFraction(d("0.6"), d("2"), d("1"), quarter)
	require.True(t, ok)
	assert.True(t, frac.Equal(d("0.1")), "frac = %s", frac)

	// Negative edge clamps to zero.
	frac, ok = KellyFraction(d("0.3"), d("1"), d("1"), quarter)
	require.True(t, ok)
	assert.True(t, frac.IsZero())

	// avgLoss = 0 leaves the fraction undefined.
	_, ok = KellyFraction(d("0.6"), d("2"), decimal.Zero, quarter)
	assert.False(t, ok)
}

func TestMaxPairwiseCorrelation(t *testing.T) {
	a := []float64{0.01, -0.02, 0.03, -0.01}
	inverse := []float64{-0.01, 0.02, -0.03, 0.01}
	noise := []float64{0.001, 0.002, -0.001, 0.0}

	// Perfectly anti-correlated pair dominates on absolute value.
	rho := MaxPairwiseCorrelation([][]float64{a, inverse, noise})
	assert.InDelta(t, 1.0, rho, 1e-9)

	assert.Zero(t, MaxPairwiseCorrelation([][]float64{a}))
	assert.Zero(t, MaxPairwiseCorrelation([][]float64{a, {0.01}}))
}

func TestBeta(t *testing.T) {
	market := []float64{0.01, -0.02, 0.03, -0.01, 0.02}
	double := make([]float64, len(market))
	for i, r := range market {
		double[i] = 2 * r
	}
	assert.InDelta(t, 2.0, Beta(double, market), 1e-9)
	assert.InDelta(t, 1.0, Beta(market, market), 1e-9)
	assert.Zero(t, Beta(market, []float64{0, 0, 0, 0, 0}))
	assert.Zero(t, Beta(market, market[:2]))
}

func TestPartialExitLadder(t *testing.T) {
	ladder := prices("5", "10", "20", "40")

	assert.True(t, PartialExitLadder(ladder, d("3")).IsZero())
	assert.True(t, PartialExitLadder(ladder, d("5")).Equal(d("25")))
	assert.True(t, PartialExitLadder(ladder, d("12")).Equal(d("50")))
	assert.True(t, PartialExitLadder(ladder, d("25")).Equal(d("75")))
	// Crossing every threshold still caps at 75.
	assert.True(t, PartialExitLadder(ladder, d("100")).Equal(d("75")))
	assert.True(t, PartialExitLadder(nil, d("100")).IsZero())
}
