package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantfall/warden/internal/clock"
	"github.com/quantfall/warden/internal/domain"
	"github.com/quantfall/warden/internal/events"
	"github.com/quantfall/warden/internal/store"
)

// Gate is consulted before any write-side work. The coordinator's
// emergency flag sits behind it; emergency-stop plans bypass the gate.
type Gate interface {
	Check(kind domain.ActionKind) error
}

// openGate admits everything. Used until the coordinator wires its own.
type openGate struct{}

func (openGate) Check(domain.ActionKind) error { return nil }

// Config carries the executor knobs.
type Config struct {
	MaxRetries   int
	BackoffBase  time.Duration
	OrderTimeout time.Duration
	MaxParallel  int
	PollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = 60 * time.Second
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
}

// Executor drives execution plans: builds them from pending actions,
// submits their orders per the plan's strategy, and terminalizes plan
// and action.
type Executor struct {
	cfg       Config
	builder   *Builder
	plans     *store.PlanRepository
	actions   *store.ActionRepository
	alerts    *store.AlertRepository
	positions *store.PositionRepository
	dex       domain.DexExecutor
	gate      Gate
	eventMgr  *events.Manager
	clk       clock.Clock
	log       zerolog.Logger

	mu        sync.Mutex
	walletMus map[string]*sync.Mutex
	sem       chan struct{}

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates an executor.
func New(
	cfg Config,
	builder *Builder,
	plans *store.PlanRepository,
	actions *store.ActionRepository,
	alerts *store.AlertRepository,
	positions *store.PositionRepository,
	dex domain.DexExecutor,
	eventMgr *events.Manager,
	clk clock.Clock,
	log zerolog.Logger,
) *Executor {
	cfg.applyDefaults()
	return &Executor{
		cfg:       cfg,
		builder:   builder,
		plans:     plans,
		actions:   actions,
		alerts:    alerts,
		positions: positions,
		dex:       dex,
		gate:      openGate{},
		eventMgr:  eventMgr,
		clk:       clk,
		log:       log.With().Str("component", "executor").Logger(),
		walletMus: make(map[string]*sync.Mutex),
		sem:       make(chan struct{}, cfg.MaxParallel),
		stop:      make(chan struct{}),
	}
}

// SetGate installs the coordinator's emergency gate. Must be called
// before Start.
func (e *Executor) SetGate(g Gate) { e.gate = g }

// Subscribe attaches the executor to the action stream.
func (e *Executor) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.RiskActionCreated, func(ev *events.Event) {
		actionID, _ := ev.Data["action_id"].(string)
		if actionID == "" {
			return
		}
		if err := e.HandleAction(context.Background(), actionID); err != nil {
			e.log.Error().Err(err).Str("action_id", actionID).Msg("Failed to execute action")
		}
	})
}

// Start recovers interrupted plans, then polls for pending actions the
// event stream may have missed.
func (e *Executor) Start(ctx context.Context) {
	if err := e.Recover(ctx); err != nil {
		e.log.Error().Err(err).Msg("Plan recovery failed")
	}
	e.wg.Add(1)
	go e.pollLoop(ctx)
	e.log.Info().Msg("Executor started")
}

// Stop terminates the poll loop and waits for in-flight work.
func (e *Executor) Stop() {
	close(e.stop)
	e.wg.Wait()
	e.log.Info().Msg("Executor stopped")
}

func (e *Executor) pollLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := e.clk.NewTicker(e.cfg.PollInterval, 0)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			pending, err := e.actions.Pending(50)
			if err != nil {
				e.log.Error().Err(err).Msg("Failed to poll pending actions")
				continue
			}
			for _, a := range pending {
				if err := e.HandleAction(ctx, a.ID); err != nil {
					e.log.Error().Err(err).Str("action_id", a.ID).Msg("Failed to execute action")
				}
			}
			e.sweepPlans(ctx)
		}
	}
}

// sweepPlans re-drives non-terminal plans. A plan whose driver bounced
// off the emergency gate leaves its action in executing, so the
// pending-action poll never sees it again; this pass picks it back up
// once the halt lifts, and lets Drive expire it when its TTL passes
// first.
func (e *Executor) sweepPlans(ctx context.Context) {
	plans, err := e.plans.NonTerminal()
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to poll non-terminal plans")
		return
	}
	for _, p := range plans {
		if err := e.Drive(ctx, p.ID); err != nil && !errors.Is(err, domain.ErrEmergencyHalted) {
			e.log.Error().Err(err).Str("plan_id", p.ID).Msg("Failed to re-drive plan")
		}
	}
}

// Recover reloads non-terminal plans and drives each to completion from
// its persisted order statuses.
func (e *Executor) Recover(ctx context.Context) error {
	plans, err := e.plans.NonTerminal()
	if err != nil {
		return fmt.Errorf("failed to load non-terminal plans: %w", err)
	}
	for _, p := range plans {
		e.log.Info().Str("plan_id", p.ID).Str("status", string(p.Status)).Msg("Resuming interrupted plan")
		if err := e.Drive(ctx, p.ID); err != nil {
			e.log.Error().Err(err).Str("plan_id", p.ID).Msg("Failed to resume plan")
		}
	}
	return nil
}

// HandleAction builds and persists a plan for a pending action, then
// drives it. Notify-only and empty plans complete the action directly.
func (e *Executor) HandleAction(ctx context.Context, actionID string) error {
	action, err := e.actions.GetByID(actionID)
	if err != nil {
		return err
	}
	if action.Status != domain.ActionPending {
		return nil
	}
	if err := e.gate.Check(action.Kind); err != nil {
		return err
	}

	// One live plan per (position, kind).
	if action.Params.PositionID != "" {
		live, err := e.plans.NonTerminalForPosition(action.Params.PositionID, action.Kind)
		if err != nil {
			return err
		}
		if live > 0 {
			e.log.Debug().
				Str("action_id", action.ID).
				Str("position_id", action.Params.PositionID).
				Msg("Plan already in flight for position, cancelling action")
			return e.finishAction(action.ID, domain.ActionCancelled, "superseded by in-flight plan")
		}
	}

	plan, err := e.builder.Build(ctx, *action)
	if err != nil {
		e.log.Error().Err(err).Str("action_id", action.ID).Msg("Plan construction failed")
		return e.finishAction(action.ID, domain.ActionFailed, err.Error())
	}
	if plan == nil {
		result := "notified"
		if action.Kind != domain.ActionNotifyOnly {
			result = "nothing to execute"
		}
		return e.finishAction(action.ID, domain.ActionCompleted, result)
	}

	if err := e.plans.Create(*plan); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// A concurrent driver attached a plan to this action first.
			e.log.Debug().Str("action_id", action.ID).Msg("Action already claimed by another driver")
			return nil
		}
		return fmt.Errorf("failed to persist plan for action %s: %w", action.ID, err)
	}
	e.eventMgr.Emit(events.PlanCreated, "executor", map[string]interface{}{
		"plan_id":   plan.ID,
		"action_id": action.ID,
		"plan_type": string(plan.PlanType),
		"orders":    len(plan.Orders),
	})
	return e.Drive(ctx, plan.ID)
}

// Drive takes a persisted plan from its current state to a terminal
// status. Safe to call repeatedly; stale drivers lose the version CAS
// and back off.
func (e *Executor) Drive(ctx context.Context, planID string) error {
	plan, err := e.plans.GetByID(planID)
	if err != nil {
		return err
	}
	if plan.Status.Terminal() {
		return nil
	}
	if e.expired(*plan) {
		return e.expire(*plan)
	}
	if plan.PlanType != domain.ActionEmergencyStop {
		if err := e.gate.Check(plan.PlanType); err != nil {
			return err
		}
	}

	if plan.Status == domain.PlanPending {
		if err := e.plans.TransitionStatus(plan.ID, plan.Version, domain.PlanExecuting, "", e.clk.Now()); err != nil {
			if err == domain.ErrNotFound {
				// Another driver won the CAS.
				return nil
			}
			return err
		}
		plan.Version++
		plan.Status = domain.PlanExecuting
	}

	// Cancels always run before trades; an emergency stop must pull
	// resting orders before it starts closing positions.
	cancels, trades := splitOrders(plan.Orders)
	e.dispatch(ctx, *plan, cancels)
	if !e.expired(*plan) {
		e.dispatch(ctx, *plan, trades)
	}

	return e.terminalize(plan.ID, plan.Version)
}

func splitOrders(orders []domain.ExecutionOrder) (cancels, trades []domain.ExecutionOrder) {
	for _, o := range orders {
		if o.Type == domain.OrderCancel {
			cancels = append(cancels, o)
		} else {
			trades = append(trades, o)
		}
	}
	return cancels, trades
}

// dispatch submits one phase of orders per the plan's strategy.
func (e *Executor) dispatch(ctx context.Context, plan domain.ExecutionPlan, orders []domain.ExecutionOrder) {
	switch plan.Strategy {
	case domain.SubmitParallel:
		var wg sync.WaitGroup
		for _, o := range orders {
			if e.expired(plan) {
				break
			}
			wg.Add(1)
			e.sem <- struct{}{}
			go func(o domain.ExecutionOrder) {
				defer wg.Done()
				defer func() { <-e.sem }()
				e.driveOrder(ctx, plan, o)
			}(o)
		}
		wg.Wait()
	case domain.SubmitStaggered:
		for i, o := range orders {
			if e.expired(plan) {
				return
			}
			if i > 0 && plan.Delay > 0 {
				e.sleep(ctx, plan.Delay)
			}
			e.driveOrder(ctx, plan, o)
		}
	default: // sequential
		for _, o := range orders {
			if e.expired(plan) {
				return
			}
			e.driveOrder(ctx, plan, o)
		}
	}
}

// driveOrder takes one order to a terminal status. Orders already
// submitted or terminal are left untouched; re-dispatch is a no-op.
func (e *Executor) driveOrder(ctx context.Context, plan domain.ExecutionPlan, o domain.ExecutionOrder) {
	if o.Status != domain.OrderPending {
		return
	}

	mu := e.walletMu(o.Wallet)
	mu.Lock()
	defer mu.Unlock()

	err := e.submitWithRetry(ctx, plan, &o)
	now := e.clk.Now()
	o.UpdatedAt = now
	if err != nil {
		o.Status = domain.OrderFailed
		o.Error = err.Error()
		e.log.Warn().Err(err).Str("order_id", o.ID).Str("plan_id", plan.ID).Msg("Order failed")
	} else {
		if o.Type == domain.OrderCancel {
			o.Status = domain.OrderCancelled
		} else {
			o.Status = domain.OrderFilled
			o.FilledAmount = o.Amount
		}
		e.eventMgr.Emit(events.PlanOrderSubmitted, "executor", map[string]interface{}{
			"plan_id":  plan.ID,
			"order_id": o.ID,
			"index":    o.Index,
			"tx_ref":   o.TxRef,
		})
	}
	if err := e.plans.UpdateOrder(o); err != nil {
		e.log.Error().Err(err).Str("order_id", o.ID).Msg("Failed to persist order state")
	}
}

// submitWithRetry submits one order, retrying transient failures with
// exponential backoff. For emergency-stop closes it re-reads the
// position and keeps going until it is within dust or the plan expires.
func (e *Executor) submitWithRetry(ctx context.Context, plan domain.ExecutionPlan, o *domain.ExecutionOrder) error {
	backoff := e.cfg.BackoffBase
	attempts := 0
	for {
		if e.expired(plan) {
			return domain.NonRetryable(fmt.Errorf("plan %s expired before order %d", plan.ID, o.Index))
		}

		opCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
		var err error
		if o.Type == domain.OrderCancel {
			err = e.dex.Cancel(opCtx, *o)
		} else {
			var handle domain.TxHandle
			handle, err = e.dex.Submit(opCtx, *o)
			if err == nil {
				o.TxRef = handle.TxRef
			}
		}
		cancel()

		if err == nil {
			if plan.PlanType == domain.ActionEmergencyStop && o.ReduceOnly && !e.closedToDust(o.PositionID) {
				// Position still carries size; go around again with the
				// same deterministic order id.
				attempts++
				if attempts > e.cfg.MaxRetries {
					return nil
				}
				e.sleep(ctx, backoff)
				backoff *= 2
				continue
			}
			return nil
		}

		attempts++
		if !domain.IsRetryable(err) || attempts > e.cfg.MaxRetries {
			return err
		}
		e.log.Debug().Err(err).Str("order_id", o.ID).Int("attempt", attempts).Msg("Retrying order after transient error")
		e.sleep(ctx, backoff)
		backoff *= 2
	}
}

// closedToDust reports whether the position's remaining quantity is
// within the dust threshold. Missing rows count as closed.
func (e *Executor) closedToDust(positionID string) bool {
	if positionID == "" {
		return true
	}
	p, err := e.positions.GetByID(positionID)
	if err != nil {
		return true
	}
	return p.Quantity.Abs().LessThanOrEqual(e.builder.cfg.DustThreshold)
}

// terminalize reloads the plan's orders and settles the plan and its
// action. A plan with every order failed is failed; any success keeps it
// completed, with a mixed result noted.
func (e *Executor) terminalize(planID string, version int64) error {
	plan, err := e.plans.GetByID(planID)
	if err != nil {
		return err
	}
	if plan.Status.Terminal() {
		return nil
	}
	if e.expired(*plan) && anyPending(plan.Orders) {
		return e.expire(*plan)
	}

	failed, total := 0, len(plan.Orders)
	for _, o := range plan.Orders {
		if o.Status == domain.OrderFailed {
			failed++
		}
	}

	status := domain.PlanCompleted
	result := "ok"
	eventType := events.PlanCompleted
	actionStatus := domain.ActionCompleted
	switch {
	case total > 0 && failed == total:
		status = domain.PlanFailed
		result = "all orders failed"
		eventType = events.PlanFailed
		actionStatus = domain.ActionFailed
	case failed > 0:
		result = fmt.Sprintf("partial: %d/%d orders failed", failed, total)
	}

	now := e.clk.Now()
	if err := e.plans.TransitionStatus(plan.ID, version, status, result, now); err != nil {
		if err == domain.ErrNotFound {
			return nil
		}
		return err
	}
	if err := e.actions.SetStatus(nil, plan.ActionID, actionStatus, result, now); err != nil {
		return err
	}

	e.log.Info().
		Str("plan_id", plan.ID).
		Str("status", string(status)).
		Str("result", result).
		Msg("Plan terminalized")
	e.eventMgr.Emit(eventType, "executor", map[string]interface{}{
		"plan_id":   plan.ID,
		"action_id": plan.ActionID,
		"result":    result,
	})
	e.emitActionEvent(actionStatus, plan.ActionID, result)
	return nil
}

// expire cancels the plan's remaining orders, marks it expired, fails
// the action and raises a system alert.
func (e *Executor) expire(plan domain.ExecutionPlan) error {
	now := e.clk.Now()
	for _, o := range plan.Orders {
		if o.Status != domain.OrderPending {
			continue
		}
		o.Status = domain.OrderCancelled
		o.Error = "plan expired"
		o.UpdatedAt = now
		if err := e.plans.UpdateOrder(o); err != nil {
			e.log.Error().Err(err).Str("order_id", o.ID).Msg("Failed to cancel expired order")
		}
	}

	if err := e.plans.TransitionStatus(plan.ID, plan.Version, domain.PlanExpired, "expired", now); err != nil {
		if err == domain.ErrNotFound {
			return nil
		}
		return err
	}
	if err := e.actions.SetStatus(nil, plan.ActionID, domain.ActionFailed, "plan expired", now); err != nil {
		return err
	}

	e.log.Warn().Str("plan_id", plan.ID).Msg("Plan expired")
	e.eventMgr.Emit(events.PlanExpired, "executor", map[string]interface{}{
		"plan_id":   plan.ID,
		"action_id": plan.ActionID,
	})
	e.emitActionEvent(domain.ActionFailed, plan.ActionID, "plan expired")

	alert := domain.RiskAlert{
		ID:           uuid.NewString(),
		Kind:         domain.AlertSystem,
		Severity:     domain.SeverityMedium,
		EntityType:   domain.EntitySystem,
		EntityID:     "executor",
		Message:      fmt.Sprintf("plan %s (%s) expired before completion", plan.ID, plan.PlanType),
		Recommended:  domain.ActionNotifyOnly,
		TriggerCount: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.alerts.Create(alert); err != nil {
		e.log.Error().Err(err).Msg("Failed to raise expiry alert")
	}
	return nil
}

// CancelPlan terminates a non-terminal plan on operator request. Pending
// orders are marked cancelled without touching the venue; orders already
// submitted are left to settle on their own.
func (e *Executor) CancelPlan(planID, reason string) error {
	plan, err := e.plans.GetByID(planID)
	if err != nil {
		return err
	}
	if plan.Status.Terminal() {
		return domain.Invalid("plan %s is already %s", plan.ID, plan.Status)
	}
	if reason == "" {
		reason = "cancelled by operator"
	}

	now := e.clk.Now()
	for _, o := range plan.Orders {
		if o.Status != domain.OrderPending {
			continue
		}
		o.Status = domain.OrderCancelled
		o.Error = reason
		o.UpdatedAt = now
		if err := e.plans.UpdateOrder(o); err != nil {
			e.log.Error().Err(err).Str("order_id", o.ID).Msg("Failed to cancel order")
		}
	}

	if err := e.plans.TransitionStatus(plan.ID, plan.Version, domain.PlanCancelled, reason, now); err != nil {
		if err == domain.ErrNotFound {
			return nil
		}
		return err
	}
	if err := e.actions.SetStatus(nil, plan.ActionID, domain.ActionCancelled, reason, now); err != nil {
		return err
	}

	e.log.Warn().Str("plan_id", plan.ID).Str("reason", reason).Msg("Plan cancelled")
	e.eventMgr.Emit(events.PlanCancelled, "executor", map[string]interface{}{
		"plan_id":   plan.ID,
		"action_id": plan.ActionID,
		"reason":    reason,
	})
	return nil
}

func anyPending(orders []domain.ExecutionOrder) bool {
	for _, o := range orders {
		if o.Status == domain.OrderPending {
			return true
		}
	}
	return false
}

func (e *Executor) finishAction(actionID string, status domain.ActionStatus, result string) error {
	if err := e.actions.SetStatus(nil, actionID, status, result, e.clk.Now()); err != nil {
		return err
	}
	e.emitActionEvent(status, actionID, result)
	return nil
}

func (e *Executor) emitActionEvent(status domain.ActionStatus, actionID, result string) {
	eventType := events.RiskActionCompleted
	if status == domain.ActionFailed {
		eventType = events.RiskActionFailed
	}
	if status == domain.ActionCancelled {
		return
	}
	e.eventMgr.Emit(eventType, "executor", map[string]interface{}{
		"action_id": actionID,
		"result":    result,
	})
}

func (e *Executor) expired(plan domain.ExecutionPlan) bool {
	return e.clk.Now().After(plan.ExpiresAt)
}

func (e *Executor) walletMu(wallet string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	mu, ok := e.walletMus[wallet]
	if !ok {
		mu = &sync.Mutex{}
		e.walletMus[wallet] = mu
	}
	return mu
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) {
	timer := e.clk.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C():
	case <-ctx.Done():
	}
}
