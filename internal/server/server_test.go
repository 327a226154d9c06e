package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfall/warden/internal/actionplan"
	"github.com/quantfall/warden/internal/assessor"
	"github.com/quantfall/warden/internal/clock"
	"github.com/quantfall/warden/internal/coordinator"
	"github.com/quantfall/warden/internal/database"
	"github.com/quantfall/warden/internal/domain"
	"github.com/quantfall/warden/internal/events"
	"github.com/quantfall/warden/internal/execution"
	"github.com/quantfall/warden/internal/funds"
	"github.com/quantfall/warden/internal/sizing"
	"github.com/quantfall/warden/internal/store"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type stubMarket struct{}

func (stubMarket) GetMark(_ context.Context, _ string) (decimal.Decimal, error) {
	return d("1"), nil
}

func (stubMarket) GetCandles(_ context.Context, _, _ string, _, _ time.Time) ([]domain.Candle, error) {
	return nil, nil
}

type stubDex struct{}

func (stubDex) Submit(_ context.Context, _ domain.ExecutionOrder) (domain.TxHandle, error) {
	return domain.TxHandle{TxRef: "0xtx"}, nil
}

func (stubDex) Cancel(_ context.Context, _ domain.ExecutionOrder) error { return nil }

type stubOpenOrders struct{}

func (stubOpenOrders) OpenOrders(_ context.Context, _ string) ([]domain.OpenOrder, error) {
	return nil, nil
}

func (stubOpenOrders) AllOpenOrders(_ context.Context) ([]domain.OpenOrder, error) {
	return nil, nil
}

type stubBalances struct{}

func (stubBalances) NativeBalance(_ context.Context, _ string) (decimal.Decimal, error) {
	return d("1"), nil
}

func (stubBalances) AssetBalance(_ context.Context, _, _ string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type stubSigner struct{}

func (stubSigner) SignAndSend(_ context.Context, _ domain.Transfer) (domain.TxHandle, error) {
	return domain.TxHandle{TxRef: "0xtransfer"}, nil
}

func (stubSigner) WaitForConfirmation(_ context.Context, h domain.TxHandle, _ time.Duration) (domain.TxReceipt, error) {
	return domain.TxReceipt{TxRef: h.TxRef, Success: true}, nil
}

type stubStats struct{}

func (stubStats) PortfolioValue() (decimal.Decimal, error) { return d("10000"), nil }

func (stubStats) Volatility(string, int) (float64, error) { return 0.02, nil }

func (stubStats) TradeStats(string, int) (decimal.Decimal, decimal.Decimal, decimal.Decimal, error) {
	return d("0.5"), d("1"), d("1"), nil
}

func (stubStats) PortfolioVolatilities(int) (map[string]float64, error) {
	return map[string]float64{}, nil
}

type fixture struct {
	srv   *Server
	coord *coordinator.Coordinator
	repos coordinator.Repositories
	clk   *clock.Virtual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "warden.db"),
		Name: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := zerolog.Nop()
	conn := db.Conn()
	repos := coordinator.Repositories{
		Positions: store.NewPositionRepository(conn, log),
		Limits:    store.NewLimitsRepository(conn, log),
		Risks:     store.NewRiskRepository(conn, log),
		Alerts:    store.NewAlertRepository(conn, log),
		Actions:   store.NewActionRepository(conn, log),
		Plans:     store.NewPlanRepository(conn, log),
		Wallets:   store.NewWalletRepository(conn, log),
		Snapshots: store.NewSnapshotRepository(conn, log),
		Jobs:      store.NewFundJobRepository(conn, log),
	}

	clk := clock.NewVirtual(time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC))
	bus := events.NewBus()
	mgr := events.NewManager(bus, log)

	asr := assessor.New(assessor.Config{PortfolioID: "main"},
		repos.Positions, repos.Limits, repos.Risks, repos.Alerts,
		stubMarket{}, mgr, clk, log)
	planner := actionplan.New(actionplan.Config{AutoActionEnabled: true, EmergencyStopEnabled: true},
		repos.Actions, repos.Alerts, repos.Positions, mgr, clk, log)
	builder := execution.NewBuilder(execution.BuilderConfig{ExecutionWallet: "0xexec"},
		repos.Positions, stubOpenOrders{}, clk, log)
	executor := execution.New(execution.Config{}, builder, repos.Plans, repos.Actions,
		repos.Alerts, repos.Positions, stubDex{}, mgr, clk, log)
	fundsCtrl := funds.New(funds.Config{NativeAsset: "BNB"},
		repos.Wallets, repos.Snapshots, repos.Jobs, repos.Alerts,
		stubBalances{}, stubSigner{}, stubDex{}, stubMarket{}, mgr, clk, log)
	sizer := sizing.New(sizing.Config{Method: sizing.MethodFixed, BaseSize: d("100")},
		stubStats{}, log)

	coord := coordinator.New(db, repos, asr, planner, executor, fundsCtrl, sizer, mgr, clk, log)
	policy := domain.EntryExitPolicy{
		MaxPyramidLevels:  3,
		PyramidScale:      d("0.5"),
		EntrySpacingPct:   d("1"),
		PartialExitLevels: []decimal.Decimal{d("5"), d("10"), d("15")},
		StopLossPct:       d("5"),
		TakeProfitPct:     d("10"),
		MaxHoldTime:       48 * time.Hour,
	}
	srv := New(Config{Port: 0, DevMode: true, Policy: policy}, coord, bus, log)

	return &fixture{srv: srv, coord: coord, repos: repos, clk: clk}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
}

func TestHealthReportsHealthy(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "warden", body["service"])
}

func TestLimitsRoundTrip(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/api/limits", map[string]interface{}{
		"Scope":          "global",
		"MaxDrawdownPct": "20",
		"MaxLeverage":    "3",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/limits", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	limits, err := f.repos.Limits.All()
	require.NoError(t, err)
	require.Len(t, limits, 1)
	assert.Equal(t, domain.ScopeGlobal, limits[0].Scope)
	assert.True(t, limits[0].MaxDrawdownPct.Equal(d("20")))
}

func TestMalformedLimitsPayloadRejected(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPut, "/api/limits", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	f.srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWalletLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/wallets/", map[string]interface{}{
		"address":       "0xabc",
		"group":         "hot",
		"gas_min":       "0.05",
		"gas_max":       "0.2",
		"sweep_min":     "100",
		"sweep_enabled": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/wallets/?groups=hot", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var wallets []map[string]interface{}
	decodeBody(t, rec, &wallets)
	require.Len(t, wallets, 1)

	rec = f.do(t, http.MethodDelete, "/api/wallets/0xabc", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/wallets/0xabc", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddWalletWithoutAddressRejected(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/wallets/", map[string]interface{}{
		"group": "hot",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSizeCalcReturnsQuoteSize(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/sizing/calc", map[string]interface{}{
		"symbol":      "BNB-USD",
		"entry_price": "10",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decodeBody(t, rec, &body)
	assert.Equal(t, "BNB-USD", body["symbol"])
	size, err := decimal.NewFromString(body["size_quote"].(string))
	require.NoError(t, err)
	assert.True(t, size.Equal(d("100")))
}

func TestAlertResolutionOverHTTP(t *testing.T) {
	f := newFixture(t)

	id := uuid.NewString()
	require.NoError(t, f.repos.Alerts.Create(domain.RiskAlert{
		ID:           id,
		Kind:         domain.AlertDrawdown,
		Severity:     domain.SeverityHigh,
		EntityType:   domain.EntityPortfolio,
		EntityID:     "main",
		CurrentValue: d("25"),
		LimitValue:   d("20"),
		Message:      "portfolio drawdown 25% breaches limit 20%",
		Recommended:  domain.ActionPositionReduce,
		TriggerCount: 1,
		CreatedAt:    f.clk.Now(),
		UpdatedAt:    f.clk.Now(),
	}))

	rec := f.do(t, http.MethodGet, "/api/alerts?active_only=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var alerts []map[string]interface{}
	decodeBody(t, rec, &alerts)
	require.Len(t, alerts, 1)

	rec = f.do(t, http.MethodPost, "/api/alerts/"+id+"/resolve", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	alert, err := f.repos.Alerts.GetByID(id)
	require.NoError(t, err)
	assert.True(t, alert.Resolved())
	assert.Equal(t, "operator", alert.ResolvedBy)

	rec = f.do(t, http.MethodPost, "/api/alerts/"+uuid.NewString()+"/resolve", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEmergencyStopAndResumeOverHTTP(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/emergency/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state coordinator.EmergencyState
	decodeBody(t, rec, &state)
	assert.False(t, state.Halted)

	rec = f.do(t, http.MethodPost, "/api/emergency/stop", map[string]string{
		"reason": "exchange incident",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &state)
	assert.True(t, state.Halted)
	assert.Equal(t, "exchange incident", state.Reason)

	rec = f.do(t, http.MethodPost, "/api/emergency/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &state)
	assert.False(t, state.Halted)
}

func TestFundsPassesRunOnDemand(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.repos.Wallets.Upsert(domain.ManagedWallet{
		Address:   "0xtreasury",
		Group:     domain.GroupTreasury,
		GasMin:    d("0.5"),
		GasMax:    d("1"),
		CreatedAt: f.clk.Now(),
	}))

	for _, path := range []string{
		"/api/funds/snapshot",
		"/api/funds/topup",
		"/api/funds/sweep",
		"/api/funds/rebalance",
	} {
		rec := f.do(t, http.MethodPost, path, nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := f.do(t, http.MethodGet, "/api/funds/jobs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAssessmentTriggerAndRiskReads(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.repos.Positions.Upsert(domain.Position{
		ID:         "pos-1",
		StrategyID: "momentum",
		Symbol:     "BNB-USD",
		Side:       domain.SideLong,
		Quantity:   d("100"),
		AvgEntry:   d("10"),
		Mark:       d("10"),
		Status:     domain.PositionActive,
		OpenedAt:   f.clk.Now(),
		UpdatedAt:  f.clk.Now(),
	}))

	rec := f.do(t, http.MethodPost, "/api/assessment/trigger", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/positions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var positions []map[string]interface{}
	decodeBody(t, rec, &positions)
	assert.Len(t, positions, 1)

	rec = f.do(t, http.MethodGet, "/api/risks/positions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/risks/portfolio", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPortfolioRiskUnknownIDReturnsNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/risks/portfolio?portfolio_id=ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfigReportsEntryExitPolicy(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		EntryExit struct {
			MaxPyramidLevels  int      `json:"max_pyramid_levels"`
			PartialExitLevels []string `json:"partial_exit_levels"`
			StopLossPct       string   `json:"stop_loss_pct"`
			MaxHoldTimeHours  float64  `json:"max_hold_time_hours"`
		} `json:"entry_exit"`
	}
	decodeBody(t, rec, &body)

	assert.Equal(t, 3, body.EntryExit.MaxPyramidLevels)
	assert.Equal(t, []string{"5", "10", "15"}, body.EntryExit.PartialExitLevels)
	assert.Equal(t, "5", body.EntryExit.StopLossPct)
	assert.Equal(t, float64(48), body.EntryExit.MaxHoldTimeHours)
}
