package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/quantfall/warden/internal/database"
	"github.com/quantfall/warden/internal/domain"
	"github.com/rs/zerolog"
)

// PlanRepository handles execution plans and their orders. Plans own
// their orders; deletion is forbidden, cancellation is the terminal path.
// The unique (plan_id, order_index) constraint is the global dispatch
// guard.
type PlanRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPlanRepository creates a new plan repository
func NewPlanRepository(db *sql.DB, log zerolog.Logger) *PlanRepository {
	return &PlanRepository{
		db:  db,
		log: log.With().Str("repo", "plans").Logger(),
	}
}

// Create persists a plan together with its orders, and advances the
// owning action to executing, in a single transaction. The advance is a
// compare-and-swap on the action's pending status, so two racing
// builders cannot both attach a plan to the same action; the loser gets
// domain.ErrNotFound and the whole insert rolls back.
func (r *PlanRepository) Create(plan domain.ExecutionPlan) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		now := encodeTime(plan.CreatedAt)
		res, err := tx.Exec(`UPDATE risk_actions SET status = 'executing', updated_at = ?
			WHERE id = ? AND status = 'pending'`,
			now, plan.ActionID)
		if err != nil {
			return fmt.Errorf("failed to advance action %s: %w", plan.ActionID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound
		}

		_, err = tx.Exec(`INSERT INTO execution_plans
			(id, action_id, plan_type, strategy_id, position_id, submit_strategy,
			 delay_ms, status, version, result, created_at, updated_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?, ?)`,
			plan.ID, plan.ActionID, string(plan.PlanType), plan.StrategyID,
			plan.PositionID, string(plan.Strategy), plan.Delay.Milliseconds(),
			string(plan.Status), now, now, encodeTime(plan.ExpiresAt))
		if err != nil {
			return fmt.Errorf("failed to insert plan %s: %w", plan.ID, err)
		}

		for _, o := range plan.Orders {
			if err := insertOrder(tx, o); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertOrder(tx *sql.Tx, o domain.ExecutionOrder) error {
	now := encodeTime(o.CreatedAt)
	_, err := tx.Exec(`INSERT INTO execution_orders
		(id, plan_id, order_index, order_type, symbol, side, amount, limit_price,
		 stop_price, tif, reduce_only, strategy_id, position_id, wallet,
		 target_order_id, status, tx_ref, filled_amount, avg_price, fees, error,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.PlanID, o.Index, string(o.Type), o.Symbol, string(o.Side),
		o.Amount.String(), encodeDecimalPtr(o.LimitPrice), encodeDecimalPtr(o.StopPrice),
		string(o.TIF), boolToInt(o.ReduceOnly), o.StrategyID, o.PositionID,
		o.Wallet, o.TargetOrderID, string(o.Status), o.TxRef, o.FilledAmount.String(),
		o.AvgPrice.String(), o.Fees.String(), o.Error, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert order %s (plan %s index %d): %w", o.ID, o.PlanID, o.Index, err)
	}
	return nil
}

// TransitionStatus performs a compare-and-swap status transition guarded
// by the plan's row version, prohibiting double drives and backward
// transitions. Returns domain.ErrNotFound when the version is stale or
// the plan is already terminal.
func (r *PlanRepository) TransitionStatus(id string, fromVersion int64, to domain.PlanStatus, result string, at time.Time) error {
	res, err := r.db.Exec(`UPDATE execution_plans
		SET status = ?, result = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
		  AND status NOT IN ('completed', 'failed', 'cancelled', 'expired')`,
		string(to), result, encodeTime(at), id, fromVersion)
	if err != nil {
		return fmt.Errorf("failed to transition plan %s to %s: %w", id, to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateOrder rewrites the mutable execution fields of one order.
func (r *PlanRepository) UpdateOrder(o domain.ExecutionOrder) error {
	_, err := r.db.Exec(`UPDATE execution_orders
		SET status = ?, tx_ref = ?, filled_amount = ?, avg_price = ?, fees = ?,
		    error = ?, updated_at = ?
		WHERE id = ?`,
		string(o.Status), o.TxRef, o.FilledAmount.String(), o.AvgPrice.String(),
		o.Fees.String(), o.Error, encodeTime(o.UpdatedAt), o.ID)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", o.ID, err)
	}
	return nil
}

// GetByID returns one plan with its orders loaded.
func (r *PlanRepository) GetByID(id string) (*domain.ExecutionPlan, error) {
	row := r.db.QueryRow(`SELECT id, action_id, plan_type, strategy_id, position_id,
		submit_strategy, delay_ms, status, version, result, created_at, expires_at
		FROM execution_plans WHERE id = ?`, id)
	plan, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan %s: %w", id, err)
	}
	if plan.Orders, err = r.ordersForPlan(plan.ID); err != nil {
		return nil, err
	}
	return &plan, nil
}

// NonTerminal returns all plans still in flight, orders loaded, oldest
// first. Called on startup so the executor can resume interrupted plans.
func (r *PlanRepository) NonTerminal() ([]domain.ExecutionPlan, error) {
	rows, err := r.db.Query(`SELECT id, action_id, plan_type, strategy_id, position_id,
		submit_strategy, delay_ms, status, version, result, created_at, expires_at
		FROM execution_plans
		WHERE status IN ('pending', 'executing') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query non-terminal plans: %w", err)
	}
	defer rows.Close()

	var plans []domain.ExecutionPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}

	for i := range plans {
		if plans[i].Orders, err = r.ordersForPlan(plans[i].ID); err != nil {
			return nil, err
		}
	}
	return plans, nil
}

// NonTerminalForPosition counts in-flight plans of one kind touching a
// position. Enforces the one-live-plan-per-(position, kind) invariant.
func (r *PlanRepository) NonTerminalForPosition(positionID string, kind domain.ActionKind) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM execution_plans
		WHERE position_id = ? AND plan_type = ? AND status IN ('pending', 'executing')`,
		positionID, string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count plans for position %s: %w", positionID, err)
	}
	return n, nil
}

// List returns plans newest first.
func (r *PlanRepository) List(limit int) ([]domain.ExecutionPlan, error) {
	rows, err := r.db.Query(`SELECT id, action_id, plan_type, strategy_id, position_id,
		submit_strategy, delay_ms, status, version, result, created_at, expires_at
		FROM execution_plans ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query plans: %w", err)
	}
	defer rows.Close()

	var plans []domain.ExecutionPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}
	return plans, nil
}

func (r *PlanRepository) ordersForPlan(planID string) ([]domain.ExecutionOrder, error) {
	rows, err := r.db.Query(`SELECT id, plan_id, order_index, order_type, symbol, side,
		amount, limit_price, stop_price, tif, reduce_only, strategy_id, position_id,
		wallet, target_order_id, status, tx_ref, filled_amount, avg_price, fees, error,
		created_at, updated_at
		FROM execution_orders WHERE plan_id = ? ORDER BY order_index`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders for plan %s: %w", planID, err)
	}
	defer rows.Close()

	var orders []domain.ExecutionOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}

func scanPlan(row rowScanner) (domain.ExecutionPlan, error) {
	var (
		p                    domain.ExecutionPlan
		planType, strategy   string
		status               string
		delayMs              int64
		createdAt, expiresAt string
	)
	if err := row.Scan(&p.ID, &p.ActionID, &planType, &p.StrategyID, &p.PositionID,
		&strategy, &delayMs, &status, &p.Version, &p.Result, &createdAt, &expiresAt); err != nil {
		return domain.ExecutionPlan{}, err
	}

	p.PlanType = domain.ActionKind(planType)
	p.Strategy = domain.SubmitStrategy(strategy)
	p.Status = domain.PlanStatus(status)
	p.Delay = time.Duration(delayMs) * time.Millisecond

	var err error
	if p.CreatedAt, err = decodeTime(createdAt); err != nil {
		return domain.ExecutionPlan{}, err
	}
	if p.ExpiresAt, err = decodeTime(expiresAt); err != nil {
		return domain.ExecutionPlan{}, err
	}
	return p, nil
}

func scanOrder(row rowScanner) (domain.ExecutionOrder, error) {
	var (
		o                      domain.ExecutionOrder
		otype, side, tif       string
		amount                 string
		limitPrice, stopPrice  sql.NullString
		reduceOnly             int
		status                 string
		filled, avgPrice, fees string
		createdAt, updatedAt   string
	)
	if err := row.Scan(&o.ID, &o.PlanID, &o.Index, &otype, &o.Symbol, &side,
		&amount, &limitPrice, &stopPrice, &tif, &reduceOnly, &o.StrategyID,
		&o.PositionID, &o.Wallet, &o.TargetOrderID, &status, &o.TxRef, &filled,
		&avgPrice, &fees, &o.Error, &createdAt, &updatedAt); err != nil {
		return domain.ExecutionOrder{}, err
	}

	o.Type = domain.OrderType(otype)
	o.Side = domain.Side(side)
	o.TIF = domain.TimeInForce(tif)
	o.ReduceOnly = reduceOnly != 0
	o.Status = domain.OrderStatus(status)

	var err error
	if o.Amount, err = decodeDecimal(amount); err != nil {
		return domain.ExecutionOrder{}, err
	}
	if o.LimitPrice, err = decodeDecimalPtr(limitPrice); err != nil {
		return domain.ExecutionOrder{}, err
	}
	if o.StopPrice, err = decodeDecimalPtr(stopPrice); err != nil {
		return domain.ExecutionOrder{}, err
	}
	if o.FilledAmount, err = decodeDecimal(filled); err != nil {
		return domain.ExecutionOrder{}, err
	}
	if o.AvgPrice, err = decodeDecimal(avgPrice); err != nil {
		return domain.ExecutionOrder{}, err
	}
	if o.Fees, err = decodeDecimal(fees); err != nil {
		return domain.ExecutionOrder{}, err
	}
	if o.CreatedAt, err = decodeTime(createdAt); err != nil {
		return domain.ExecutionOrder{}, err
	}
	if o.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return domain.ExecutionOrder{}, err
	}
	return o, nil
}
