// Package assessor runs the periodic risk-assessment loop: it derives
// per-position and portfolio risk rows from store state and market data,
// and opens, refreshes or resolves risk alerts against the configured
// limits.
package assessor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfall/warden/internal/clock"
	"github.com/quantfall/warden/internal/domain"
	"github.com/quantfall/warden/internal/events"
	"github.com/quantfall/warden/internal/metrics"
	"github.com/quantfall/warden/internal/store"
)

// Config carries the assessment knobs.
type Config struct {
	Interval           time.Duration
	Jitter             time.Duration
	PortfolioID        string
	BenchmarkSymbol    string
	VarConfidence      float64
	LookbackDays       int
	RiskFreeRate       float64
	LiquidityThreshold decimal.Decimal
	// CorrelationThreshold backstops the correlation limit when no scope
	// configures one. Zero disables the backstop.
	CorrelationThreshold float64
	// MaxHoldTime caps position age. Zero disables the check.
	MaxHoldTime time.Duration
	// Hysteresis: an open alert auto-resolves once the observed value sits
	// inside the limit by ResolveHysteresisPct for ResolveConsecutiveTicks
	// consecutive ticks.
	ResolveHysteresisPct    decimal.Decimal
	ResolveConsecutiveTicks int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.PortfolioID == "" {
		c.PortfolioID = "main"
	}
	if c.VarConfidence <= 0 || c.VarConfidence >= 1 {
		c.VarConfidence = 0.95
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = 30
	}
	if c.ResolveHysteresisPct.IsZero() {
		c.ResolveHysteresisPct = decimal.NewFromInt(5)
	}
	if c.ResolveConsecutiveTicks <= 0 {
		c.ResolveConsecutiveTicks = 3
	}
}

// Assessor owns the assessment loop.
type Assessor struct {
	cfg       Config
	positions *store.PositionRepository
	limits    *store.LimitsRepository
	risks     *store.RiskRepository
	alerts    *store.AlertRepository
	market    domain.MarketDataProvider
	eventMgr  *events.Manager
	clk       clock.Clock
	log       zerolog.Logger

	mu sync.Mutex
	// insideTicks counts consecutive ticks each open alert key has spent
	// inside its limit plus hysteresis margin.
	insideTicks map[string]int
	// equity is the portfolio value series observed so far, one point per
	// tick, used for drawdown and Sharpe.
	equity []float64
	// dailyBaseline holds per-strategy unrealized PnL at the start of the
	// current daily-loss window; portfolioBaseline is the portfolio value.
	dailyBaseline     map[string]decimal.Decimal
	portfolioBaseline decimal.Decimal
	baselineSet       bool
	paused            bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates an assessor.
func New(
	cfg Config,
	positions *store.PositionRepository,
	limits *store.LimitsRepository,
	risks *store.RiskRepository,
	alerts *store.AlertRepository,
	market domain.MarketDataProvider,
	eventMgr *events.Manager,
	clk clock.Clock,
	log zerolog.Logger,
) *Assessor {
	cfg.applyDefaults()
	return &Assessor{
		cfg:           cfg,
		positions:     positions,
		limits:        limits,
		risks:         risks,
		alerts:        alerts,
		market:        market,
		eventMgr:      eventMgr,
		clk:           clk,
		log:           log.With().Str("component", "assessor").Logger(),
		insideTicks:   make(map[string]int),
		dailyBaseline: make(map[string]decimal.Decimal),
		stop:          make(chan struct{}),
	}
}

// Start launches the assessment loop.
func (a *Assessor) Start(ctx context.Context) {
	a.wg.Add(1)
	go a.run(ctx)
	a.log.Info().Dur("interval", a.cfg.Interval).Msg("Risk assessor started")
}

// Stop terminates the loop and waits for the in-flight tick.
func (a *Assessor) Stop() {
	close(a.stop)
	a.wg.Wait()
	a.log.Info().Msg("Risk assessor stopped")
}

func (a *Assessor) run(ctx context.Context) {
	defer a.wg.Done()
	ticker := a.clk.NewTicker(a.cfg.Interval, a.cfg.Jitter)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			if a.isPaused() {
				continue
			}
			if err := a.AssessNow(ctx); err != nil {
				a.handleTickError(err)
			}
		}
	}
}

func (a *Assessor) isPaused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

// Resume clears a fatal-error pause.
func (a *Assessor) Resume() {
	a.mu.Lock()
	a.paused = false
	a.mu.Unlock()
}

// handleTickError distinguishes fatal errors, which pause the loop and
// raise a system alert, from transient ones, which the next tick retries.
func (a *Assessor) handleTickError(err error) {
	if !domain.IsFatal(err) {
		a.log.Warn().Err(err).Msg("Assessment tick failed, retrying next tick")
		return
	}
	a.mu.Lock()
	a.paused = true
	a.mu.Unlock()
	a.log.Error().Err(err).Msg("Fatal assessment error, pausing loop")
	a.raiseSystemAlert(err)
}

func (a *Assessor) raiseSystemAlert(cause error) {
	now := a.clk.Now()
	if open, err := a.alerts.GetOpen(domain.AlertSystem, domain.EntitySystem, "assessor"); err == nil && open != nil {
		_ = a.alerts.Refresh(open.ID, "0", domain.SeverityCritical, now)
		return
	}
	alert := domain.RiskAlert{
		ID:           newAlertID(),
		Kind:         domain.AlertSystem,
		Severity:     domain.SeverityCritical,
		EntityType:   domain.EntitySystem,
		EntityID:     "assessor",
		Message:      fmt.Sprintf("risk assessment paused: %v", cause),
		Recommended:  domain.ActionNotifyOnly,
		TriggerCount: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.alerts.Create(alert); err != nil {
		a.log.Error().Err(err).Msg("Failed to persist system alert")
		return
	}
	a.emitAlertCreated(alert)
}

// ResetDailyWindow resets the daily-loss baselines. Called by the daily
// maintenance job at the start of each trading day.
func (a *Assessor) ResetDailyWindow() {
	a.mu.Lock()
	a.dailyBaseline = make(map[string]decimal.Decimal)
	a.baselineSet = false
	a.mu.Unlock()
	a.log.Info().Msg("Daily loss window reset")
}

// AssessNow performs one assessment tick. Safe to call from the operator
// surface; the tick is idempotent over unchanged inputs.
func (a *Assessor) AssessNow(ctx context.Context) error {
	now := a.clk.Now()

	positions, err := a.positions.GetActive()
	if err != nil {
		return domain.Fatalf("failed to load active positions: %v", err)
	}

	closes, err := a.loadCloses(ctx, positions)
	if err != nil {
		a.log.Warn().Err(err).Msg("Market data incomplete, assessing with partial history")
	}

	snap := a.computeSnapshot(positions, closes, now)

	for _, pr := range snap.positionRisks {
		if err := a.risks.UpsertPositionRisk(pr); err != nil {
			return domain.Fatalf("failed to upsert position risk: %v", err)
		}
	}
	if err := a.risks.UpsertPortfolioRisk(snap.portfolio); err != nil {
		return domain.Fatalf("failed to upsert portfolio risk: %v", err)
	}

	if err := a.evaluateAlerts(snap, now); err != nil {
		return err
	}

	a.log.Debug().
		Int("positions", len(positions)).
		Str("portfolio_value", snap.portfolio.TotalValue.String()).
		Str("risk_score", snap.portfolio.RiskScore.String()).
		Msg("Assessment tick complete")
	return nil
}

// loadCloses fetches daily close series for every held symbol plus the
// benchmark. Missing series are tolerated; the affected metrics fall back
// to zero.
func (a *Assessor) loadCloses(ctx context.Context, positions []domain.Position) (map[string][]decimal.Decimal, error) {
	now := a.clk.Now()
	from := now.AddDate(0, 0, -a.cfg.LookbackDays)

	symbols := map[string]struct{}{}
	for _, p := range positions {
		symbols[p.Symbol] = struct{}{}
	}
	if a.cfg.BenchmarkSymbol != "" {
		symbols[a.cfg.BenchmarkSymbol] = struct{}{}
	}

	closes := make(map[string][]decimal.Decimal, len(symbols))
	var firstErr error
	for sym := range symbols {
		candles, err := a.market.GetCandles(ctx, sym, "1d", from, now)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to load candles for %s: %w", sym, err)
			}
			continue
		}
		series := make([]decimal.Decimal, len(candles))
		for i, c := range candles {
			series[i] = c.Close
		}
		closes[sym] = series
	}
	return closes, firstErr
}

// tickSnapshot is everything one tick derives before alert evaluation.
type tickSnapshot struct {
	positions     []domain.Position
	positionRisks []domain.PositionRisk
	portfolio     domain.PortfolioRisk
	// liquidity and weight per position id, used by alert evaluation.
	weights map[string]decimal.Decimal
	// strategyDailyPnL is signed PnL since the daily baseline, per strategy.
	strategyDailyPnL map[string]decimal.Decimal
}

func (a *Assessor) computeSnapshot(positions []domain.Position, closes map[string][]decimal.Decimal, now time.Time) tickSnapshot {
	hundred := decimal.NewFromInt(100)

	totalValue := decimal.Zero
	totalPnL := decimal.Zero
	strategyPnL := map[string]decimal.Decimal{}
	for _, p := range positions {
		totalValue = totalValue.Add(p.Value())
		pnl := p.UnrealizedPnL()
		totalPnL = totalPnL.Add(pnl)
		strategyPnL[p.StrategyID] = strategyPnL[p.StrategyID].Add(pnl)
	}

	benchReturns := metrics.LogReturns(closes[a.cfg.BenchmarkSymbol])

	snap := tickSnapshot{
		positions:        positions,
		weights:          map[string]decimal.Decimal{},
		strategyDailyPnL: map[string]decimal.Decimal{},
	}

	var (
		values       []decimal.Decimal
		returnSeries [][]float64
		totalVaR     = decimal.Zero
		weightedBeta = decimal.Zero
	)
	for _, p := range positions {
		value := p.Value()
		values = append(values, value)

		weight := decimal.Zero
		if totalValue.Sign() > 0 {
			weight = value.Div(totalValue)
		}
		snap.weights[p.ID] = weight

		series := closes[p.Symbol]
		vol := metrics.Volatility(series)
		varOneDay := metrics.ValueAtRisk(a.cfg.VarConfidence, vol, value)
		totalVaR = totalVaR.Add(varOneDay)

		returns := metrics.LogReturns(series)
		if len(returns) >= 2 {
			returnSeries = append(returnSeries, returns)
		}
		beta := decimal.NewFromFloat(metrics.Beta(returns, benchReturns))
		weightedBeta = weightedBeta.Add(beta.Mul(weight))

		mae, mfe := metrics.Excursions(p.AvgEntry, p.Side == domain.SideLong, series)
		liquidity := liquidityRatio(series, value)

		limits := a.resolveLimits(p.StrategyID)
		exposurePct := weight.Mul(hundred)
		score := a.riskScore(scoreInputs{
			exposurePct:   exposurePct,
			drawdownPct:   mae,
			varValue:      varOneDay,
			positionValue: value,
			weightPct:     exposurePct,
			liquidity:     liquidity,
			limits:        limits,
		})

		snap.positionRisks = append(snap.positionRisks, domain.PositionRisk{
			PositionID:    p.ID,
			Symbol:        p.Symbol,
			Size:          value,
			VaR1d:         varOneDay,
			ExposurePct:   exposurePct,
			MaxDrawdown:   mae,
			MAE:           mae,
			MFE:           mfe,
			Efficiency:    metrics.EfficiencyRatio(p.UnrealizedPnLPct(), mfe),
			RiskScore:     score,
			Liquidity:     liquidity,
			Beta:          beta,
			UnrealizedPnL: p.UnrealizedPnL(),
			AssessedAt:    now,
		})
	}

	a.mu.Lock()
	if !a.baselineSet {
		a.portfolioBaseline = totalValue
		for sid, pnl := range strategyPnL {
			a.dailyBaseline[sid] = pnl
		}
		a.baselineSet = true
	}
	for sid, pnl := range strategyPnL {
		base, ok := a.dailyBaseline[sid]
		if !ok {
			a.dailyBaseline[sid] = pnl
			base = pnl
		}
		snap.strategyDailyPnL[sid] = pnl.Sub(base)
	}
	dailyPnL := totalValue.Sub(a.portfolioBaseline)

	equityPoint, _ := totalValue.Float64()
	a.equity = append(a.equity, equityPoint)
	equity := make([]float64, len(a.equity))
	copy(equity, a.equity)
	a.mu.Unlock()

	drawdownPct := decimal.NewFromFloat(metrics.MaxDrawdown(equity)).Mul(hundred)
	dailyReturns := equityReturns(equity)
	sharpe := decimal.NewFromFloat(metrics.SharpeRatio(dailyReturns, a.cfg.RiskFreeRate))
	sortino := decimal.NewFromFloat(metrics.SortinoRatio(dailyReturns, a.cfg.RiskFreeRate))
	correlation := decimal.NewFromFloat(metrics.MaxPairwiseCorrelation(returnSeries))

	plimits := a.resolveLimits("")
	exposurePct := decimal.Zero
	if a.portfolioBaselineValue().Sign() > 0 {
		exposurePct = totalValue.Div(a.portfolioBaselineValue()).Mul(hundred)
	}

	snap.portfolio = domain.PortfolioRisk{
		PortfolioID:   a.cfg.PortfolioID,
		TotalValue:    totalValue,
		TotalVaR1d:    totalVaR,
		ExposurePct:   exposurePct,
		DrawdownPct:   drawdownPct,
		Concentration: metrics.Herfindahl(values),
		Correlation:   correlation,
		Beta:          weightedBeta,
		Sharpe:        sharpe,
		Sortino:       sortino,
		RiskScore: a.riskScore(scoreInputs{
			exposurePct:   exposurePct,
			drawdownPct:   drawdownPct,
			varValue:      totalVaR,
			positionValue: totalValue,
			weightPct:     metrics.Herfindahl(values).Div(hundred),
			liquidity:     a.cfg.LiquidityThreshold,
			limits:        plimits,
		}),
		DailyPnL:   dailyPnL,
		AssessedAt: now,
	}
	return snap
}

func (a *Assessor) portfolioBaselineValue() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.portfolioBaseline
}

// liquidityRatio estimates how many times over the average daily quote
// turnover covers the position value. Below-threshold values mean an
// exit would move the market.
func liquidityRatio(series []decimal.Decimal, positionValue decimal.Decimal) decimal.Decimal {
	if len(series) == 0 || positionValue.Sign() <= 0 {
		return decimal.Zero
	}
	// Without order-book depth the close series is the best available
	// proxy: notional turnover of one unit per bar.
	total := decimal.Zero
	for _, c := range series {
		total = total.Add(c)
	}
	avg := total.Div(decimal.NewFromInt(int64(len(series))))
	return avg.Div(positionValue)
}

// equityReturns converts an equity series to simple daily returns.
func equityReturns(equity []float64) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] <= 0 {
			continue
		}
		out = append(out, equity[i]/equity[i-1]-1)
	}
	return out
}

// resolveLimits reads the most specific limits row for a strategy, or
// the portfolio/global row when strategyID is empty. A missing row
// disables limit checks for the entity.
func (a *Assessor) resolveLimits(strategyID string) *domain.RiskLimits {
	limits, err := a.limits.Resolve(strategyID, a.cfg.PortfolioID)
	if err != nil {
		a.log.Warn().Err(err).Str("strategy_id", strategyID).Msg("Failed to resolve risk limits")
		return nil
	}
	return limits
}

type scoreInputs struct {
	exposurePct   decimal.Decimal
	drawdownPct   decimal.Decimal
	varValue      decimal.Decimal
	positionValue decimal.Decimal
	weightPct     decimal.Decimal
	liquidity     decimal.Decimal
	limits        *domain.RiskLimits
}

// riskScore is the weighted composition of normalized components. Each
// component saturates at 100 when its limit is exceeded.
func (a *Assessor) riskScore(in scoreInputs) decimal.Decimal {
	if in.limits == nil {
		return decimal.Zero
	}
	hundred := decimal.NewFromInt(100)

	exposure := ratioScore(in.exposurePct, in.limits.MaxPortfolioExposurePct)
	drawdown := ratioScore(in.drawdownPct, in.limits.MaxDrawdownPct)

	varScore := decimal.Zero
	if in.positionValue.Sign() > 0 && in.limits.MaxDrawdownPct.Sign() > 0 {
		// VaR as a fraction of value, against the drawdown budget.
		varPct := in.varValue.Div(in.positionValue).Mul(hundred)
		varScore = ratioScore(varPct, in.limits.MaxDrawdownPct)
	}
	concentration := ratioScore(in.weightPct, in.limits.ConcentrationLimitPct)

	liquidityScore := decimal.Zero
	if a.cfg.LiquidityThreshold.Sign() > 0 && in.liquidity.Sign() > 0 {
		liquidityScore = ratioScore(a.cfg.LiquidityThreshold, in.liquidity)
	}

	score := exposure.Mul(decimal.NewFromFloat(0.35)).
		Add(drawdown.Mul(decimal.NewFromFloat(0.25))).
		Add(varScore.Mul(decimal.NewFromFloat(0.20))).
		Add(concentration.Mul(decimal.NewFromFloat(0.10))).
		Add(liquidityScore.Mul(decimal.NewFromFloat(0.10)))
	if score.GreaterThan(hundred) {
		return hundred
	}
	return score
}

// ratioScore maps value/limit onto [0, 100], saturating at the limit.
func ratioScore(value, limit decimal.Decimal) decimal.Decimal {
	if limit.Sign() <= 0 {
		return decimal.Zero
	}
	hundred := decimal.NewFromInt(100)
	score := value.Div(limit).Mul(hundred)
	if score.GreaterThan(hundred) {
		return hundred
	}
	if score.Sign() < 0 {
		return decimal.Zero
	}
	return score
}
