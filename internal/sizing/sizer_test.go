package sizing

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStats struct {
	portfolio decimal.Decimal
	vol       float64
	winRate   decimal.Decimal
	avgWin    decimal.Decimal
	avgLoss   decimal.Decimal
	vols      map[string]float64
}

func (s *stubStats) PortfolioValue() (decimal.Decimal, error) { return s.portfolio, nil }

func (s *stubStats) Volatility(string, int) (float64, error) { return s.vol, nil }

func (s *stubStats) TradeStats(string, int) (decimal.Decimal, decimal.Decimal, decimal.Decimal, error) {
	return s.winRate, s.avgWin, s.avgLoss, nil
}

func (s *stubStats) PortfolioVolatilities(int) (map[string]float64, error) { return s.vols, nil }

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newTestSizer(cfg Config, stats Stats) *Sizer {
	return New(cfg, stats, zerolog.Nop())
}

func TestFixedSizing(t *testing.T) {
	s := newTestSizer(Config{Method: MethodFixed, BaseSize: d("500")},
		&stubStats{portfolio: d("100000")})

	size, err := s.Size(Request{Symbol: "ETH-USDC", EntryPrice: d("2000")})
	require.NoError(t, err)
	assert.True(t, size.Equal(d("500")), "size = %s", size)
}

func TestPercentageSizing(t *testing.T) {
	s := newTestSizer(Config{Method: MethodPercentage, PortfolioPct: d("5")},
		&stubStats{portfolio: d("100000")})

	size, err := s.Size(Request{Symbol: "ETH-USDC", EntryPrice: d("2000")})
	require.NoError(t, err)
	assert.True(t, size.Equal(d("5000")), "size = %s", size)
}

func TestVolatilitySizing(t *testing.T) {
	stats := &stubStats{portfolio: d("100000"), vol: 0.02}
	s := newTestSizer(Config{Method: MethodVolatility, TargetRiskPct: d("1"), BaseSize: d("500")}, stats)

	// (100000 * 1%) / 0.02 = 50000, then capped at 20% of portfolio.
	size, err := s.Size(Request{Symbol: "ETH-USDC", EntryPrice: d("2000")})
	require.NoError(t, err)
	assert.True(t, size.Equal(d("20000")), "size = %s", size)

	// No volatility history degrades to fixed.
	stats.vol = 0
	size, err = s.Size(Request{Symbol: "ETH-USDC", EntryPrice: d("2000")})
	require.NoError(t, err)
	assert.True(t, size.Equal(d("500")), "size = %s", size)
}

func TestKellySizing(t *testing.T) {
	stats := &stubStats{
		portfolio: d("100000"),
		winRate:   d("0.6"), avgWin: d("2"), avgLoss: d("1"),
	}
	s := newTestSizer(Config{Method: MethodKelly, PortfolioPct: d("5")}, stats)

	// Raw kelly (2*0.6-0.4)/2 = 0.4, quarter-kelly 0.1 -> 10000.
	size, err := s.Size(Request{Symbol: "ETH-USDC", EntryPrice: d("2000")})
	require.NoError(t, err)
	assert.True(t, size.Equal(d("10000")), "size = %s", size)

	// avgLoss = 0 degrades to percentage.
	stats.avgLoss = decimal.Zero
	size, err = s.Size(Request{Symbol: "ETH-USDC", EntryPrice: d("2000")})
	require.NoError(t, err)
	assert.True(t, size.Equal(d("5000")), "size = %s", size)
}

func TestRiskParitySizing(t *testing.T) {
	stats := &stubStats{
		portfolio: d("100000"),
		vols:      map[string]float64{"ETH-USDC": 0.02, "BTC-USDC": 0.01},
	}
	s := newTestSizer(Config{Method: MethodRiskParity, BaseSize: d("500")}, stats)

	// Inverse-vol weights: ETH 50/(50+100) = 1/3 of portfolio, then the
	// 20% ceiling applies.
	size, err := s.Size(Request{Symbol: "ETH-USDC", EntryPrice: d("2000")})
	require.NoError(t, err)
	assert.True(t, size.Equal(d("20000")), "size = %s", size)

	// Candidate with no history degrades to fixed.
	size, err = s.Size(Request{Symbol: "SOL-USDC", EntryPrice: d("150")})
	require.NoError(t, err)
	assert.True(t, size.Equal(d("500")), "size = %s", size)
}

func TestStopDistanceRiskCap(t *testing.T) {
	s := newTestSizer(
		Config{Method: MethodFixed, BaseSize: d("50000"), PerTradeRiskPct: d("1")},
		&stubStats{portfolio: d("100000")})

	// 5% stop distance: risk budget 1000 / 0.05 = 20000 cap.
	stop := d("1900")
	size, err := s.Size(Request{Symbol: "ETH-USDC", EntryPrice: d("2000"), StopLoss: &stop})
	require.NoError(t, err)
	assert.True(t, size.Equal(d("20000")), "size = %s", size)
}

func TestConfidenceMultiplier(t *testing.T) {
	s := newTestSizer(Config{Method: MethodFixed, BaseSize: d("1000")},
		&stubStats{portfolio: d("100000")})

	conf := d("50")
	size, err := s.Size(Request{Symbol: "ETH-USDC", EntryPrice: d("2000"), Confidence: &conf})
	require.NoError(t, err)
	assert.True(t, size.Equal(d("500")), "size = %s", size)

	// Confidence above 100 never scales up.
	conf = d("150")
	size, err = s.Size(Request{Symbol: "ETH-USDC", EntryPrice: d("2000"), Confidence: &conf})
	require.NoError(t, err)
	assert.True(t, size.Equal(d("1000")), "size = %s", size)
}

func TestAbsoluteCaps(t *testing.T) {
	s := newTestSizer(
		Config{Method: MethodFixed, BaseSize: d("50"), MinSize: d("100"), MaxSize: d("5000")},
		&stubStats{portfolio: d("100000")})

	size, err := s.Size(Request{Symbol: "ETH-USDC", EntryPrice: d("2000")})
	require.NoError(t, err)
	assert.True(t, size.Equal(d("100")), "size = %s", size)

	s = newTestSizer(
		Config{Method: MethodFixed, BaseSize: d("50000"), MaxSize: d("5000")},
		&stubStats{portfolio: d("100000")})
	size, err = s.Size(Request{Symbol: "ETH-USDC", EntryPrice: d("2000")})
	require.NoError(t, err)
	assert.True(t, size.Equal(d("5000")), "size = %s", size)
}

func TestInvalidInputs(t *testing.T) {
	s := newTestSizer(Config{Method: MethodFixed, BaseSize: d("500")},
		&stubStats{portfolio: d("100000")})

	_, err := s.Size(Request{Symbol: "ETH-USDC", EntryPrice: decimal.Zero})
	assert.Error(t, err)

	_, err = s.Size(Request{Symbol: "ETH-USDC", EntryPrice: d("2000"), Method: Method("martingale")})
	assert.Error(t, err)
}

func TestSizeMultiplier(t *testing.T) {
	s := newTestSizer(
		Config{Method: MethodFixed, BaseSize: d("1000"), SizeMultiplier: d("1.5")},
		&stubStats{portfolio: d("100000")})

	size, err := s.Size(Request{Symbol: "ETH-USDC", EntryPrice: d("2000")})
	require.NoError(t, err)
	assert.True(t, size.Equal(d("1500")), "size = %s", size)
}
