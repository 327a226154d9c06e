// Package execution converts risk actions into execution plans and
// drives those plans against the DEX. The builder decides WHAT orders a
// plan contains; the executor decides WHEN and HOW they are submitted.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfall/warden/internal/clock"
	"github.com/quantfall/warden/internal/domain"
	"github.com/quantfall/warden/internal/store"
)

// BuilderConfig carries plan-construction knobs.
type BuilderConfig struct {
	PlanTTL       time.Duration
	DustThreshold decimal.Decimal
	// ExecutionWallet signs close and reduce orders. Cancel orders use
	// the wallet that placed the resting order.
	ExecutionWallet string
	StaggerDelay    time.Duration
}

func (c *BuilderConfig) applyDefaults() {
	if c.PlanTTL <= 0 {
		c.PlanTTL = 30 * time.Minute
	}
	if c.DustThreshold.IsZero() {
		c.DustThreshold = decimal.NewFromFloat(0.000001)
	}
}

// Builder constructs execution plans from risk actions.
type Builder struct {
	cfg        BuilderConfig
	positions  *store.PositionRepository
	openOrders domain.OpenOrderProvider
	clk        clock.Clock
	log        zerolog.Logger
}

// NewBuilder creates a plan builder.
func NewBuilder(
	cfg BuilderConfig,
	positions *store.PositionRepository,
	openOrders domain.OpenOrderProvider,
	clk clock.Clock,
	log zerolog.Logger,
) *Builder {
	cfg.applyDefaults()
	return &Builder{
		cfg:        cfg,
		positions:  positions,
		openOrders: openOrders,
		clk:        clk,
		log:        log.With().Str("component", "plan_builder").Logger(),
	}
}

// Build converts an action into a plan. A nil plan with nil error means
// the action needs no execution (notify-only, or nothing to do).
func (b *Builder) Build(ctx context.Context, action domain.RiskAction) (*domain.ExecutionPlan, error) {
	switch action.Kind {
	case domain.ActionNotifyOnly:
		return nil, nil
	case domain.ActionPositionReduce:
		return b.buildReduce(action, action.Params.ReductionFraction)
	case domain.ActionPositionClose:
		return b.buildReduce(action, decimal.NewFromInt(1))
	case domain.ActionStrategyPause:
		return b.buildStrategyPause(ctx, action)
	case domain.ActionEmergencyStop:
		return b.buildEmergencyStop(ctx, action)
	}
	return nil, domain.Invalid("unknown action kind %q", action.Kind)
}

func (b *Builder) newPlan(action domain.RiskAction, strategy domain.SubmitStrategy) domain.ExecutionPlan {
	now := b.clk.Now()
	return domain.ExecutionPlan{
		ID:         uuid.NewString(),
		ActionID:   action.ID,
		PlanType:   action.Kind,
		StrategyID: action.Params.StrategyID,
		PositionID: action.Params.PositionID,
		Strategy:   strategy,
		Delay:      b.cfg.StaggerDelay,
		Status:     domain.PlanPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(b.cfg.PlanTTL),
	}
}

// buildReduce emits one reduce-only IOC market order on the opposite
// side of the position.
func (b *Builder) buildReduce(action domain.RiskAction, fraction decimal.Decimal) (*domain.ExecutionPlan, error) {
	if action.Params.PositionID == "" {
		return nil, domain.Invalid("%s action requires a position id", action.Kind)
	}
	if fraction.Sign() <= 0 || fraction.GreaterThan(decimal.NewFromInt(1)) {
		return nil, domain.Invalid("reduction fraction %s outside (0, 1]", fraction)
	}

	position, err := b.positions.GetByID(action.Params.PositionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load position %s: %w", action.Params.PositionID, err)
	}
	if position.Status == domain.PositionClosed {
		return nil, nil
	}

	amount := position.Quantity.Abs().Mul(fraction)
	if amount.LessThanOrEqual(b.cfg.DustThreshold) {
		return nil, nil
	}

	plan := b.newPlan(action, domain.SubmitSequential)
	plan.Orders = []domain.ExecutionOrder{
		b.reduceOrder(plan.ID, 0, *position, amount),
	}
	return &plan, nil
}

func (b *Builder) reduceOrder(planID string, index int, p domain.Position, amount decimal.Decimal) domain.ExecutionOrder {
	orderType := domain.OrderMarketSell
	side := domain.SideShort
	if p.Side == domain.SideShort {
		orderType = domain.OrderMarketBuy
		side = domain.SideLong
	}
	now := b.clk.Now()
	return domain.ExecutionOrder{
		ID:         domain.DeterministicOrderID(planID, index),
		PlanID:     planID,
		Index:      index,
		Type:       orderType,
		Symbol:     p.Symbol,
		Side:       side,
		Amount:     amount,
		TIF:        domain.TIFImmediate,
		ReduceOnly: true,
		StrategyID: p.StrategyID,
		PositionID: p.ID,
		Wallet:     b.cfg.ExecutionWallet,
		Status:     domain.OrderPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// buildStrategyPause emits a cancel order for each resting order of the
// strategy.
func (b *Builder) buildStrategyPause(ctx context.Context, action domain.RiskAction) (*domain.ExecutionPlan, error) {
	if action.Params.StrategyID == "" {
		return nil, domain.Invalid("strategy_pause action requires a strategy id")
	}
	open, err := b.openOrders.OpenOrders(ctx, action.Params.StrategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open orders for %s: %w", action.Params.StrategyID, err)
	}
	if len(open) == 0 {
		return nil, nil
	}

	plan := b.newPlan(action, domain.SubmitSequential)
	for i, oo := range open {
		plan.Orders = append(plan.Orders, b.cancelOrder(plan.ID, i, oo))
	}
	return &plan, nil
}

func (b *Builder) cancelOrder(planID string, index int, oo domain.OpenOrder) domain.ExecutionOrder {
	now := b.clk.Now()
	return domain.ExecutionOrder{
		ID:            domain.DeterministicOrderID(planID, index),
		PlanID:        planID,
		Index:         index,
		Type:          domain.OrderCancel,
		Symbol:        oo.Symbol,
		TIF:           domain.TIFGoodTilCancel,
		StrategyID:    oo.StrategyID,
		Wallet:        oo.Wallet,
		TargetOrderID: oo.OrderID,
		Status:        domain.OrderPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// buildEmergencyStop cancels every resting order across all strategies,
// then closes every active position above dust. Cancels occupy the lower
// indexes so the executor's cancel phase always precedes the close phase.
func (b *Builder) buildEmergencyStop(ctx context.Context, action domain.RiskAction) (*domain.ExecutionPlan, error) {
	open, err := b.openOrders.AllOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list open orders: %w", err)
	}
	positions, err := b.positions.GetActive()
	if err != nil {
		return nil, fmt.Errorf("failed to load active positions: %w", err)
	}

	plan := b.newPlan(action, domain.SubmitParallel)
	index := 0
	for _, oo := range open {
		plan.Orders = append(plan.Orders, b.cancelOrder(plan.ID, index, oo))
		index++
	}
	for _, p := range positions {
		if p.Quantity.Abs().LessThanOrEqual(b.cfg.DustThreshold) {
			continue
		}
		plan.Orders = append(plan.Orders, b.reduceOrder(plan.ID, index, p, p.Quantity.Abs()))
		index++
	}
	if len(plan.Orders) == 0 {
		return nil, nil
	}
	return &plan, nil
}
