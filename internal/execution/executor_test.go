package execution

import (
	"context"
	"path/filepath"
	"sync"
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

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type stubDex struct {
	mu        sync.Mutex
	submitted []domain.ExecutionOrder
	cancelled []domain.ExecutionOrder
	submitFn  func(domain.ExecutionOrder) (domain.TxHandle, error)
	cancelFn  func(domain.ExecutionOrder) error
}

func (s *stubDex) Submit(_ context.Context, o domain.ExecutionOrder) (domain.TxHandle, error) {
	s.mu.Lock()
	s.submitted = append(s.submitted, o)
	s.mu.Unlock()
	if s.submitFn != nil {
		return s.submitFn(o)
	}
	return domain.TxHandle{TxRef: "tx-" + o.ID, Status: "confirmed"}, nil
}

func (s *stubDex) Cancel(_ context.Context, o domain.ExecutionOrder) error {
	s.mu.Lock()
	s.cancelled = append(s.cancelled, o)
	s.mu.Unlock()
	if s.cancelFn != nil {
		return s.cancelFn(o)
	}
	return nil
}

func (s *stubDex) submitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submitted)
}

type stubOpenOrders struct {
	orders []domain.OpenOrder
}

func (s *stubOpenOrders) OpenOrders(_ context.Context, strategyID string) ([]domain.OpenOrder, error) {
	var out []domain.OpenOrder
	for _, o := range s.orders {
		if o.StrategyID == strategyID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *stubOpenOrders) AllOpenOrders(_ context.Context) ([]domain.OpenOrder, error) {
	return s.orders, nil
}

type stubGate struct {
	mu     sync.Mutex
	halted bool
}

func (g *stubGate) set(halted bool) {
	g.mu.Lock()
	g.halted = halted
	g.mu.Unlock()
}

func (g *stubGate) Check(domain.ActionKind) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.halted {
		return domain.ErrEmergencyHalted
	}
	return nil
}

type fixture struct {
	executor  *Executor
	builder   *Builder
	plans     *store.PlanRepository
	actions   *store.ActionRepository
	alerts    *store.AlertRepository
	positions *store.PositionRepository
	dex       *stubDex
	open      *stubOpenOrders
	clk       clock.Clock
	vclk      *clock.Virtual
	bus       *events.Bus
}

type fixtureOpts struct {
	execCfg    Config
	builderCfg BuilderConfig
	realClock  bool
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
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
		plans:     store.NewPlanRepository(conn, log),
		actions:   store.NewActionRepository(conn, log),
		alerts:    store.NewAlertRepository(conn, log),
		positions: store.NewPositionRepository(conn, log),
		dex:       &stubDex{},
		open:      &stubOpenOrders{},
		bus:       events.NewBus(),
	}
	if opts.realClock {
		f.clk = clock.NewReal()
	} else {
		f.vclk = clock.NewVirtual(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
		f.clk = f.vclk
	}
	if opts.builderCfg.ExecutionWallet == "" {
		opts.builderCfg.ExecutionWallet = "0xexec"
	}
	f.builder = NewBuilder(opts.builderCfg, f.positions, f.open, f.clk, log)
	f.executor = New(opts.execCfg, f.builder, f.plans, f.actions, f.alerts,
		f.positions, f.dex, events.NewManager(f.bus, log), f.clk, log)
	return f
}

func (f *fixture) addPosition(t *testing.T, id, strategy, symbol string, qty, entry string) {
	t.Helper()
	quantity := d(qty)
	side := domain.SideLong
	if quantity.Sign() < 0 {
		side = domain.SideShort
	}
	require.NoError(t, f.positions.Upsert(domain.Position{
		ID:         id,
		StrategyID: strategy,
		Symbol:     symbol,
		Side:       side,
		Quantity:   quantity,
		AvgEntry:   d(entry),
		Mark:       d(entry),
		Status:     domain.PositionActive,
		OpenedAt:   f.clk.Now(),
		UpdatedAt:  f.clk.Now(),
	}))
}

func (f *fixture) createAction(t *testing.T, kind domain.ActionKind, params domain.ActionParams) domain.RiskAction {
	t.Helper()
	alert := domain.RiskAlert{
		ID:           uuid.NewString(),
		Kind:         domain.AlertPositionSize,
		Severity:     domain.SeverityHigh,
		EntityType:   domain.EntityPosition,
		EntityID:     params.PositionID,
		CurrentValue: d("1"),
		LimitValue:   d("1"),
		TriggerCount: 1,
		CreatedAt:    f.clk.Now(),
		UpdatedAt:    f.clk.Now(),
	}
	require.NoError(t, f.alerts.Create(alert))
	action := domain.RiskAction{
		ID:        uuid.NewString(),
		Kind:      kind,
		AlertID:   alert.ID,
		Params:    params,
		Status:    domain.ActionPending,
		CreatedAt: f.clk.Now(),
	}
	require.NoError(t, f.actions.Create(action))
	return action
}

func TestReduceActionBuildsAndExecutesPlan(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.addPosition(t, "pos-1", "strat-a", "ETH-USDC", "10", "2000")
	action := f.createAction(t, domain.ActionPositionReduce, domain.ActionParams{
		PositionID:        "pos-1",
		ReductionFraction: d("0.3"),
	})

	require.NoError(t, f.executor.HandleAction(context.Background(), action.ID))

	plans, err := f.plans.List(10)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, domain.PlanCompleted, plans[0].Status)

	plan, err := f.plans.GetByID(plans[0].ID)
	require.NoError(t, err)
	require.Len(t, plan.Orders, 1)
	o := plan.Orders[0]
	assert.Equal(t, domain.OrderMarketSell, o.Type)
	assert.Equal(t, domain.SideShort, o.Side)
	assert.True(t, o.Amount.Equal(d("3")), "amount = %s", o.Amount)
	assert.Equal(t, domain.TIFImmediate, o.TIF)
	assert.True(t, o.ReduceOnly)
	assert.Equal(t, domain.OrderFilled, o.Status)
	assert.Equal(t, domain.DeterministicOrderID(plan.ID, 0), o.ID)
	assert.NotEmpty(t, o.TxRef)

	got, err := f.actions.GetByID(action.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCompleted, got.Status)
}

func TestCloseActionOnShortBuysBack(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.addPosition(t, "pos-1", "strat-a", "ETH-USDC", "-4", "2000")
	action := f.createAction(t, domain.ActionPositionClose, domain.ActionParams{PositionID: "pos-1"})

	require.NoError(t, f.executor.HandleAction(context.Background(), action.ID))

	require.Equal(t, 1, f.dex.submitCount())
	o := f.dex.submitted[0]
	assert.Equal(t, domain.OrderMarketBuy, o.Type)
	assert.Equal(t, domain.SideLong, o.Side)
	assert.True(t, o.Amount.Equal(d("4")))
}

func TestNotifyOnlyActionCompletesWithoutPlan(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	action := f.createAction(t, domain.ActionNotifyOnly, domain.ActionParams{})

	require.NoError(t, f.executor.HandleAction(context.Background(), action.ID))

	plans, err := f.plans.List(10)
	require.NoError(t, err)
	assert.Empty(t, plans)

	got, err := f.actions.GetByID(action.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCompleted, got.Status)
	assert.Equal(t, "notified", got.Result)
}

func TestTransientErrorIsRetried(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		execCfg:   Config{MaxRetries: 3, BackoffBase: time.Millisecond},
		realClock: true,
	})
	f.addPosition(t, "pos-1", "strat-a", "ETH-USDC", "10", "2000")

	calls := 0
	f.dex.submitFn = func(o domain.ExecutionOrder) (domain.TxHandle, error) {
		calls++
		if calls < 3 {
			return domain.TxHandle{}, domain.Transient(assert.AnError)
		}
		return domain.TxHandle{TxRef: "tx-ok"}, nil
	}

	action := f.createAction(t, domain.ActionPositionClose, domain.ActionParams{PositionID: "pos-1"})
	require.NoError(t, f.executor.HandleAction(context.Background(), action.ID))

	assert.Equal(t, 3, calls)
	got, err := f.actions.GetByID(action.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCompleted, got.Status)
}

func TestNonRetryableErrorFailsOrderImmediately(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.addPosition(t, "pos-1", "strat-a", "ETH-USDC", "10", "2000")

	f.dex.submitFn = func(o domain.ExecutionOrder) (domain.TxHandle, error) {
		return domain.TxHandle{}, domain.NonRetryable(assert.AnError)
	}

	action := f.createAction(t, domain.ActionPositionClose, domain.ActionParams{PositionID: "pos-1"})
	require.NoError(t, f.executor.HandleAction(context.Background(), action.ID))

	assert.Equal(t, 1, f.dex.submitCount())
	plans, err := f.plans.List(10)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, domain.PlanFailed, plans[0].Status)

	got, err := f.actions.GetByID(action.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionFailed, got.Status)
}

func TestFailedOrderDoesNotAbortPlan(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.open.orders = []domain.OpenOrder{
		{OrderID: "oo-1", StrategyID: "strat-a", Symbol: "ETH-USDC", Wallet: "0xa"},
		{OrderID: "oo-2", StrategyID: "strat-a", Symbol: "BTC-USDC", Wallet: "0xa"},
	}
	f.dex.cancelFn = func(o domain.ExecutionOrder) error {
		if o.TargetOrderID == "oo-1" {
			return domain.NonRetryable(assert.AnError)
		}
		return nil
	}

	action := f.createAction(t, domain.ActionStrategyPause, domain.ActionParams{StrategyID: "strat-a"})
	require.NoError(t, f.executor.HandleAction(context.Background(), action.ID))

	plans, err := f.plans.List(10)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	// Both cancels ran; one failure leaves a completed plan with a mixed
	// result.
	assert.Len(t, f.dex.cancelled, 2)
	assert.Equal(t, domain.PlanCompleted, plans[0].Status)
	assert.Contains(t, plans[0].Result, "1/2 orders failed")
}

func TestRestartReplaySubmitsOnlyRemainingOrders(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.addPosition(t, "pos-1", "strat-a", "ETH-USDC", "10", "2000")
	action := f.createAction(t, domain.ActionStrategyPause, domain.ActionParams{StrategyID: "strat-a"})

	// A plan interrupted with 1 of 3 orders already terminal.
	now := f.clk.Now()
	plan := domain.ExecutionPlan{
		ID:        uuid.NewString(),
		ActionID:  action.ID,
		PlanType:  domain.ActionStrategyPause,
		Strategy:  domain.SubmitSequential,
		Status:    domain.PlanExecuting,
		CreatedAt: now,
		ExpiresAt: now.Add(30 * time.Minute),
	}
	for i := 0; i < 3; i++ {
		o := domain.ExecutionOrder{
			ID:            domain.DeterministicOrderID(plan.ID, i),
			PlanID:        plan.ID,
			Index:         i,
			Type:          domain.OrderCancel,
			Symbol:        "ETH-USDC",
			TIF:           domain.TIFGoodTilCancel,
			Wallet:        "0xa",
			TargetOrderID: "oo-" + uuid.NewString(),
			Status:        domain.OrderPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if i == 0 {
			o.Status = domain.OrderCancelled
		}
		plan.Orders = append(plan.Orders, o)
	}
	require.NoError(t, f.plans.Create(plan))

	require.NoError(t, f.executor.Recover(context.Background()))

	// Exactly the two unfinished orders were dispatched.
	assert.Len(t, f.dex.cancelled, 2)
	got, err := f.plans.GetByID(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanCompleted, got.Status)
	for _, o := range got.Orders {
		assert.Equal(t, domain.OrderCancelled, o.Status)
	}
}

func TestExpiredPlanIsCancelledWithAlert(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.addPosition(t, "pos-1", "strat-a", "ETH-USDC", "10", "2000")
	action := f.createAction(t, domain.ActionPositionClose, domain.ActionParams{PositionID: "pos-1"})

	now := f.clk.Now()
	plan := domain.ExecutionPlan{
		ID:         uuid.NewString(),
		ActionID:   action.ID,
		PlanType:   domain.ActionPositionClose,
		PositionID: "pos-1",
		Strategy:   domain.SubmitSequential,
		Status:     domain.PlanPending,
		CreatedAt:  now.Add(-time.Hour),
		ExpiresAt:  now.Add(-30 * time.Minute),
		Orders: []domain.ExecutionOrder{{
			ID:        domain.DeterministicOrderID("expired-plan", 0),
			Index:     0,
			Type:      domain.OrderMarketSell,
			Symbol:    "ETH-USDC",
			Side:      domain.SideShort,
			Amount:    d("10"),
			TIF:       domain.TIFImmediate,
			Status:    domain.OrderPending,
			CreatedAt: now.Add(-time.Hour),
			UpdatedAt: now.Add(-time.Hour),
		}},
	}
	plan.Orders[0].PlanID = plan.ID
	require.NoError(t, f.plans.Create(plan))

	require.NoError(t, f.executor.Drive(context.Background(), plan.ID))

	assert.Zero(t, f.dex.submitCount())
	got, err := f.plans.GetByID(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanExpired, got.Status)
	assert.Equal(t, domain.OrderCancelled, got.Orders[0].Status)

	gotAction, err := f.actions.GetByID(action.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionFailed, gotAction.Status)

	open, err := f.alerts.GetOpen(domain.AlertSystem, domain.EntitySystem, "executor")
	require.NoError(t, err)
	assert.NotNil(t, open)
}

func TestHaltedPlanIsSweptAfterResume(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	gate := &stubGate{halted: true}
	f.executor.SetGate(gate)
	f.addPosition(t, "pos-1", "strat-a", "ETH-USDC", "10", "2000")
	action := f.createAction(t, domain.ActionPositionClose, domain.ActionParams{PositionID: "pos-1"})

	now := f.clk.Now()
	plan := domain.ExecutionPlan{
		ID:         uuid.NewString(),
		ActionID:   action.ID,
		PlanType:   domain.ActionPositionClose,
		PositionID: "pos-1",
		Strategy:   domain.SubmitSequential,
		Status:     domain.PlanPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(30 * time.Minute),
		Orders: []domain.ExecutionOrder{{
			Index:     0,
			Type:      domain.OrderMarketSell,
			Symbol:    "ETH-USDC",
			Side:      domain.SideShort,
			Amount:    d("10"),
			TIF:       domain.TIFImmediate,
			Wallet:    "0xexec",
			Status:    domain.OrderPending,
			CreatedAt: now,
			UpdatedAt: now,
		}},
	}
	plan.Orders[0].ID = domain.DeterministicOrderID(plan.ID, 0)
	plan.Orders[0].PlanID = plan.ID
	require.NoError(t, f.plans.Create(plan))

	// The halt gate turns the sweep away; nothing reaches the venue.
	f.executor.sweepPlans(context.Background())
	assert.Zero(t, f.dex.submitCount())
	got, err := f.plans.GetByID(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanPending, got.Status)

	// The action is past pending, so the action poll cannot revisit it.
	gotAction, err := f.actions.GetByID(action.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionExecuting, gotAction.Status)

	gate.set(false)
	f.executor.sweepPlans(context.Background())

	require.Equal(t, 1, f.dex.submitCount())
	got, err = f.plans.GetByID(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanCompleted, got.Status)
	gotAction, err = f.actions.GetByID(action.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCompleted, gotAction.Status)
}

func TestHaltedPlanStillExpiresAtTTL(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	gate := &stubGate{halted: true}
	f.executor.SetGate(gate)
	f.addPosition(t, "pos-1", "strat-a", "ETH-USDC", "10", "2000")
	action := f.createAction(t, domain.ActionPositionReduce, domain.ActionParams{
		PositionID:        "pos-1",
		ReductionFraction: d("0.5"),
	})

	now := f.clk.Now()
	plan := domain.ExecutionPlan{
		ID:         uuid.NewString(),
		ActionID:   action.ID,
		PlanType:   domain.ActionPositionReduce,
		PositionID: "pos-1",
		Strategy:   domain.SubmitSequential,
		Status:     domain.PlanPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(30 * time.Minute),
		Orders: []domain.ExecutionOrder{{
			Index:     0,
			Type:      domain.OrderMarketSell,
			Symbol:    "ETH-USDC",
			Side:      domain.SideShort,
			Amount:    d("5"),
			TIF:       domain.TIFImmediate,
			Wallet:    "0xexec",
			Status:    domain.OrderPending,
			CreatedAt: now,
			UpdatedAt: now,
		}},
	}
	plan.Orders[0].ID = domain.DeterministicOrderID(plan.ID, 0)
	plan.Orders[0].PlanID = plan.ID
	require.NoError(t, f.plans.Create(plan))

	f.vclk.Advance(31 * time.Minute)
	f.executor.sweepPlans(context.Background())

	assert.Zero(t, f.dex.submitCount())
	got, err := f.plans.GetByID(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanExpired, got.Status)
	gotAction, err := f.actions.GetByID(action.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionFailed, gotAction.Status)
}

func TestOperatorCancelTerminatesPlanAndAction(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.addPosition(t, "pos-1", "strat-a", "ETH-USDC", "10", "2000")
	action := f.createAction(t, domain.ActionPositionClose, domain.ActionParams{PositionID: "pos-1"})

	var cancelled []string
	f.bus.Subscribe(events.PlanCancelled, func(e *events.Event) {
		cancelled = append(cancelled, e.Data["plan_id"].(string))
	})

	now := f.clk.Now()
	plan := domain.ExecutionPlan{
		ID:         uuid.NewString(),
		ActionID:   action.ID,
		PlanType:   domain.ActionPositionClose,
		PositionID: "pos-1",
		Strategy:   domain.SubmitSequential,
		Status:     domain.PlanPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(30 * time.Minute),
		Orders: []domain.ExecutionOrder{{
			Index:     0,
			Type:      domain.OrderMarketSell,
			Symbol:    "ETH-USDC",
			Side:      domain.SideShort,
			Amount:    d("10"),
			TIF:       domain.TIFImmediate,
			Wallet:    "0xexec",
			Status:    domain.OrderPending,
			CreatedAt: now,
			UpdatedAt: now,
		}},
	}
	plan.Orders[0].ID = domain.DeterministicOrderID(plan.ID, 0)
	plan.Orders[0].PlanID = plan.ID
	require.NoError(t, f.plans.Create(plan))

	require.NoError(t, f.executor.CancelPlan(plan.ID, "operator request"))

	assert.Zero(t, f.dex.submitCount())
	got, err := f.plans.GetByID(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanCancelled, got.Status)
	assert.Equal(t, domain.OrderCancelled, got.Orders[0].Status)

	gotAction, err := f.actions.GetByID(action.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCancelled, gotAction.Status)

	assert.Equal(t, []string{plan.ID}, cancelled)

	// Terminal status is terminal; a second cancel is rejected.
	assert.Error(t, f.executor.CancelPlan(plan.ID, "again"))

	// The sweep must not resurrect a cancelled plan.
	f.executor.sweepPlans(context.Background())
	got, err = f.plans.GetByID(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanCancelled, got.Status)
}

func TestEmergencyStopCancelsBeforeClosing(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.addPosition(t, "pos-1", "strat-a", "ETH-USDC", "10", "2000")
	f.addPosition(t, "pos-2", "strat-b", "BTC-USDC", "-2", "60000")
	f.open.orders = []domain.OpenOrder{
		{OrderID: "oo-1", StrategyID: "strat-a", Symbol: "ETH-USDC", Wallet: "0xa"},
	}

	var sequence []string
	var mu sync.Mutex
	f.dex.cancelFn = func(o domain.ExecutionOrder) error {
		mu.Lock()
		sequence = append(sequence, "cancel")
		mu.Unlock()
		return nil
	}
	f.dex.submitFn = func(o domain.ExecutionOrder) (domain.TxHandle, error) {
		mu.Lock()
		sequence = append(sequence, "close")
		mu.Unlock()
		// Simulate the fill collapsing the position.
		require.NoError(t, f.positions.Upsert(domain.Position{
			ID: o.PositionID, StrategyID: "s", Symbol: o.Symbol,
			Side: domain.SideLong, Quantity: decimal.Zero, AvgEntry: d("1"),
			Mark: d("1"), Status: domain.PositionClosing,
			OpenedAt: f.clk.Now(), UpdatedAt: f.clk.Now(),
		}))
		return domain.TxHandle{TxRef: "tx-" + o.ID}, nil
	}

	action := f.createAction(t, domain.ActionEmergencyStop, domain.ActionParams{})
	require.NoError(t, f.executor.HandleAction(context.Background(), action.ID))

	require.Len(t, sequence, 3)
	assert.Equal(t, "cancel", sequence[0])
	assert.Equal(t, "close", sequence[1])
	assert.Equal(t, "close", sequence[2])

	plans, err := f.plans.List(10)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, domain.PlanCompleted, plans[0].Status)
}

func TestOneLivePlanPerPositionAndKind(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.addPosition(t, "pos-1", "strat-a", "ETH-USDC", "10", "2000")

	// An in-flight plan occupies the (position, kind) slot.
	action := f.createAction(t, domain.ActionPositionReduce, domain.ActionParams{
		PositionID:        "pos-1",
		ReductionFraction: d("0.3"),
	})
	now := f.clk.Now()
	blocking := domain.ExecutionPlan{
		ID:         uuid.NewString(),
		ActionID:   action.ID,
		PlanType:   domain.ActionPositionReduce,
		PositionID: "pos-1",
		Strategy:   domain.SubmitSequential,
		Status:     domain.PlanExecuting,
		CreatedAt:  now,
		ExpiresAt:  now.Add(30 * time.Minute),
	}
	require.NoError(t, f.plans.Create(blocking))

	second := f.createAction(t, domain.ActionPositionReduce, domain.ActionParams{
		PositionID:        "pos-1",
		ReductionFraction: d("0.3"),
	})
	require.NoError(t, f.executor.HandleAction(context.Background(), second.ID))

	got, err := f.actions.GetByID(second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCancelled, got.Status)

	plans, err := f.plans.List(10)
	require.NoError(t, err)
	assert.Len(t, plans, 1)
}

func TestDustPositionNeedsNoPlan(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		builderCfg: BuilderConfig{DustThreshold: d("0.01")},
	})
	f.addPosition(t, "pos-1", "strat-a", "ETH-USDC", "0.005", "2000")

	action := f.createAction(t, domain.ActionPositionClose, domain.ActionParams{PositionID: "pos-1"})
	require.NoError(t, f.executor.HandleAction(context.Background(), action.ID))

	assert.Zero(t, f.dex.submitCount())
	got, err := f.actions.GetByID(action.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCompleted, got.Status)
}

func TestDeterministicOrderIDsAreStableAndDistinct(t *testing.T) {
	a := domain.DeterministicOrderID("plan-1", 0)
	b := domain.DeterministicOrderID("plan-1", 1)
	c := domain.DeterministicOrderID("plan-2", 0)

	assert.Equal(t, a, domain.DeterministicOrderID("plan-1", 0))
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}
