package actionplan

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfall/warden/internal/clock"
	"github.com/quantfall/warden/internal/database"
	"github.com/quantfall/warden/internal/domain"
	"github.com/quantfall/warden/internal/events"
	"github.com/quantfall/warden/internal/store"
)

type fixture struct {
	planner   *Planner
	actions   *store.ActionRepository
	alerts    *store.AlertRepository
	positions *store.PositionRepository
	clk       *clock.Virtual
	bus       *events.Bus
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "warden.db"),
		Name: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := zerolog.Nop()
	conn := db.Conn()
	f := &fixture{
		actions:   store.NewActionRepository(conn, log),
		alerts:    store.NewAlertRepository(conn, log),
		positions: store.NewPositionRepository(conn, log),
		clk:       clock.NewVirtual(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)),
		bus:       events.NewBus(),
	}
	f.planner = New(cfg, f.actions, f.alerts, f.positions, events.NewManager(f.bus, log), f.clk, log)
	return f
}

func (f *fixture) createAlert(t *testing.T, kind domain.AlertKind, severity domain.Severity, entityType domain.EntityType, entityID string) domain.RiskAlert {
	t.Helper()
	alert := domain.RiskAlert{
		ID:           uuid.NewString(),
		Kind:         kind,
		Severity:     severity,
		EntityType:   entityType,
		EntityID:     entityID,
		CurrentValue: decimal.NewFromInt(110),
		LimitValue:   decimal.NewFromInt(100),
		Message:      "limit exceeded",
		TriggerCount: 1,
		CreatedAt:    f.clk.Now(),
		UpdatedAt:    f.clk.Now(),
	}
	require.NoError(t, f.alerts.Create(alert))
	return alert
}

func TestHighSeverityPositionSizeCreatesReduceAction(t *testing.T) {
	f := newFixture(t, Config{AutoActionEnabled: true, EmergencyStopEnabled: true})
	alert := f.createAlert(t, domain.AlertPositionSize, domain.SeverityHigh, domain.EntityPosition, "pos-1")

	require.NoError(t, f.planner.HandleAlert(alert.ID))

	pending, err := f.actions.Pending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.ActionPositionReduce, pending[0].Kind)
	assert.Equal(t, alert.ID, pending[0].AlertID)
	assert.Equal(t, "pos-1", pending[0].Params.PositionID)
	assert.True(t, pending[0].Params.ReductionFraction.Equal(decimal.NewFromFloat(0.3)))
}

func TestBelowThresholdSeverityIsIgnored(t *testing.T) {
	f := newFixture(t, Config{AutoActionEnabled: true, EmergencyStopEnabled: true})
	alert := f.createAlert(t, domain.AlertPositionSize, domain.SeverityMedium, domain.EntityPosition, "pos-1")

	require.NoError(t, f.planner.HandleAlert(alert.ID))

	pending, err := f.actions.Pending(10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCriticalDrawdownCreatesEmergencyStop(t *testing.T) {
	f := newFixture(t, Config{AutoActionEnabled: true, EmergencyStopEnabled: true})
	alert := f.createAlert(t, domain.AlertDrawdown, domain.SeverityCritical, domain.EntityPortfolio, "main")

	require.NoError(t, f.planner.HandleAlert(alert.ID))

	pending, err := f.actions.Pending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.ActionEmergencyStop, pending[0].Kind)
}

func TestEmergencyStopDisabledDegradesToPause(t *testing.T) {
	f := newFixture(t, Config{AutoActionEnabled: true, EmergencyStopEnabled: false})
	alert := f.createAlert(t, domain.AlertDrawdown, domain.SeverityCritical, domain.EntityPortfolio, "main")

	require.NoError(t, f.planner.HandleAlert(alert.ID))

	pending, err := f.actions.Pending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.ActionStrategyPause, pending[0].Kind)
}

func TestAutoActionDisabledDegradesToNotify(t *testing.T) {
	f := newFixture(t, Config{AutoActionEnabled: false, EmergencyStopEnabled: true})
	alert := f.createAlert(t, domain.AlertPositionSize, domain.SeverityHigh, domain.EntityPosition, "pos-1")

	require.NoError(t, f.planner.HandleAlert(alert.ID))

	pending, err := f.actions.Pending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.ActionNotifyOnly, pending[0].Kind)
}

func TestCooldownSuppressesDuplicateActions(t *testing.T) {
	f := newFixture(t, Config{
		AutoActionEnabled:    true,
		EmergencyStopEnabled: true,
		CooldownWindow:       5 * time.Minute,
	})
	first := f.createAlert(t, domain.AlertPositionSize, domain.SeverityHigh, domain.EntityPosition, "pos-1")
	require.NoError(t, f.planner.HandleAlert(first.ID))

	// A fresh alert on the same entity within the window is suppressed.
	f.clk.Advance(time.Minute)
	second := f.createAlert(t, domain.AlertPositionSize, domain.SeverityHigh, domain.EntityPosition, "pos-1")
	require.NoError(t, f.planner.HandleAlert(second.ID))

	pending, err := f.actions.Pending(10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// Past the window the same entity may act again.
	f.clk.Advance(5 * time.Minute)
	third := f.createAlert(t, domain.AlertPositionSize, domain.SeverityHigh, domain.EntityPosition, "pos-1")
	require.NoError(t, f.planner.HandleAlert(third.ID))

	pending, err = f.actions.Pending(10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestCooldownIsolatesEntities(t *testing.T) {
	f := newFixture(t, Config{AutoActionEnabled: true, EmergencyStopEnabled: true})
	a := f.createAlert(t, domain.AlertPositionSize, domain.SeverityHigh, domain.EntityPosition, "pos-1")
	b := f.createAlert(t, domain.AlertPositionSize, domain.SeverityHigh, domain.EntityPosition, "pos-2")

	require.NoError(t, f.planner.HandleAlert(a.ID))
	require.NoError(t, f.planner.HandleAlert(b.ID))

	pending, err := f.actions.Pending(10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestResolvedAlertProducesNoAction(t *testing.T) {
	f := newFixture(t, Config{AutoActionEnabled: true, EmergencyStopEnabled: true})
	alert := f.createAlert(t, domain.AlertPositionSize, domain.SeverityHigh, domain.EntityPosition, "pos-1")
	require.NoError(t, f.alerts.Resolve(alert.ID, "operator", f.clk.Now()))

	require.NoError(t, f.planner.HandleAlert(alert.ID))

	pending, err := f.actions.Pending(10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPlannerSubscribesToAlertStream(t *testing.T) {
	f := newFixture(t, Config{AutoActionEnabled: true, EmergencyStopEnabled: true})
	f.planner.Subscribe(f.bus)

	alert := f.createAlert(t, domain.AlertUnrealizedLoss, domain.SeverityHigh, domain.EntityPosition, "pos-1")
	f.bus.Emit(events.RiskAlertCreated, "assessor", map[string]interface{}{
		"alert_id": alert.ID,
	})

	pending, err := f.actions.Pending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.ActionPositionClose, pending[0].Kind)
	assert.True(t, pending[0].Params.ReductionFraction.Equal(decimal.NewFromInt(1)))
}

func (f *fixture) addPosition(t *testing.T, id, entry, mark string) {
	t.Helper()
	require.NoError(t, f.positions.Upsert(domain.Position{
		ID:         id,
		StrategyID: "strat-a",
		Symbol:     "ETH-USDC",
		Side:       domain.SideLong,
		Quantity:   decimal.NewFromInt(10),
		AvgEntry:   decimal.RequireFromString(entry),
		Mark:       decimal.RequireFromString(mark),
		Status:     domain.PositionActive,
		OpenedAt:   f.clk.Now(),
		UpdatedAt:  f.clk.Now(),
	}))
}

func ladderLevels() []decimal.Decimal {
	return []decimal.Decimal{
		decimal.NewFromInt(5), decimal.NewFromInt(10), decimal.NewFromInt(15),
	}
}

func TestPartialExitLadderScalesReduction(t *testing.T) {
	f := newFixture(t, Config{
		AutoActionEnabled:    true,
		EmergencyStopEnabled: true,
		PartialExitLevels:    ladderLevels(),
	})
	// 12% unrealized profit crosses two thresholds: reduce by half.
	f.addPosition(t, "pos-1", "100", "112")
	alert := f.createAlert(t, domain.AlertPositionSize, domain.SeverityHigh, domain.EntityPosition, "pos-1")

	require.NoError(t, f.planner.HandleAlert(alert.ID))

	pending, err := f.actions.Pending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Params.ReductionFraction.Equal(decimal.NewFromFloat(0.5)),
		"fraction = %s", pending[0].Params.ReductionFraction)
}

func TestLadderBelowFirstThresholdUsesDefaultFraction(t *testing.T) {
	f := newFixture(t, Config{
		AutoActionEnabled:    true,
		EmergencyStopEnabled: true,
		PartialExitLevels:    ladderLevels(),
	})
	f.addPosition(t, "pos-1", "100", "102")
	alert := f.createAlert(t, domain.AlertPositionSize, domain.SeverityHigh, domain.EntityPosition, "pos-1")

	require.NoError(t, f.planner.HandleAlert(alert.ID))

	pending, err := f.actions.Pending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Params.ReductionFraction.Equal(decimal.NewFromFloat(0.3)))
}

func TestConcurrencyCapSuppressesNewActions(t *testing.T) {
	f := newFixture(t, Config{
		AutoActionEnabled:    true,
		EmergencyStopEnabled: true,
		MaxConcurrentActions: 1,
	})
	first := f.createAlert(t, domain.AlertPositionSize, domain.SeverityHigh, domain.EntityPosition, "pos-1")
	require.NoError(t, f.planner.HandleAlert(first.ID))

	second := f.createAlert(t, domain.AlertPositionSize, domain.SeverityHigh, domain.EntityPosition, "pos-2")
	require.NoError(t, f.planner.HandleAlert(second.ID))

	pending, err := f.actions.Pending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "pos-1", pending[0].Params.PositionID)
}

func TestEmergencyStopBypassesConcurrencyCap(t *testing.T) {
	f := newFixture(t, Config{
		AutoActionEnabled:    true,
		EmergencyStopEnabled: true,
		MaxConcurrentActions: 1,
	})
	first := f.createAlert(t, domain.AlertPositionSize, domain.SeverityHigh, domain.EntityPosition, "pos-1")
	require.NoError(t, f.planner.HandleAlert(first.ID))

	critical := f.createAlert(t, domain.AlertDrawdown, domain.SeverityCritical, domain.EntityPortfolio, "main")
	require.NoError(t, f.planner.HandleAlert(critical.ID))

	pending, err := f.actions.Pending(10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	kinds := []domain.ActionKind{pending[0].Kind, pending[1].Kind}
	assert.Contains(t, kinds, domain.ActionEmergencyStop)
}

func TestHoldTimeAlertMapsToClose(t *testing.T) {
	f := newFixture(t, Config{AutoActionEnabled: true, EmergencyStopEnabled: true})
	alert := f.createAlert(t, domain.AlertHoldTime, domain.SeverityHigh, domain.EntityPosition, "pos-1")

	require.NoError(t, f.planner.HandleAlert(alert.ID))

	pending, err := f.actions.Pending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.ActionPositionClose, pending[0].Kind)
	assert.True(t, pending[0].Params.ReductionFraction.Equal(decimal.NewFromInt(1)))
}
