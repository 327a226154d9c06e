package assessor

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantfall/warden/internal/domain"
	"github.com/quantfall/warden/internal/events"
)

func newAlertID() string { return uuid.NewString() }

// observation is one limit comparison produced by a tick. value and
// limit share units; breach means value crossed limit in the adverse
// direction.
type observation struct {
	kind       domain.AlertKind
	severity   domain.Severity
	entityType domain.EntityType
	entityID   string
	value      decimal.Decimal
	limit      decimal.Decimal
	message    string
	action     domain.ActionKind
	breach     bool
}

// evaluateAlerts compares the tick's metrics against the applicable
// limits, opens or refreshes alerts on breaches, and advances the
// hysteresis counters that auto-resolve recovered alerts.
func (a *Assessor) evaluateAlerts(snap tickSnapshot, now time.Time) error {
	observations := a.observe(snap)

	seen := map[string]bool{}
	for _, ob := range observations {
		key := dedupKey(ob.kind, ob.entityType, ob.entityID)
		seen[key] = true
		if ob.breach {
			a.resetHysteresis(key)
			if err := a.openOrRefresh(ob, now); err != nil {
				return domain.Fatalf("failed to record alert: %v", err)
			}
			continue
		}
		if err := a.maybeResolve(ob, key, now); err != nil {
			return domain.Fatalf("failed to resolve alert: %v", err)
		}
	}

	// Hysteresis counters for entities that vanished this tick (closed
	// positions) must not keep stale state.
	a.mu.Lock()
	for key := range a.insideTicks {
		if !seen[key] {
			delete(a.insideTicks, key)
		}
	}
	a.mu.Unlock()
	return nil
}

// observe builds the full set of limit comparisons for one tick.
func (a *Assessor) observe(snap tickSnapshot) []observation {
	hundred := decimal.NewFromInt(100)
	var out []observation

	for i, p := range snap.positions {
		pr := snap.positionRisks[i]

		// Hold-time applies regardless of configured limits.
		if a.cfg.MaxHoldTime > 0 {
			held := a.clk.Now().Sub(p.OpenedAt)
			heldHours := decimal.NewFromFloat(held.Hours())
			limitHours := decimal.NewFromFloat(a.cfg.MaxHoldTime.Hours())
			out = append(out, observation{
				kind:       domain.AlertHoldTime,
				severity:   domain.SeverityHigh,
				entityType: domain.EntityPosition,
				entityID:   p.ID,
				value:      heldHours,
				limit:      limitHours,
				message:    fmt.Sprintf("position %s held %sh exceeds max hold time %sh", p.Symbol, heldHours.Round(1), limitHours.Round(1)),
				action:     domain.ActionPositionClose,
				breach:     held > a.cfg.MaxHoldTime,
			})
		}

		limits := a.resolveLimits(p.StrategyID)
		if limits == nil {
			continue
		}

		if limits.MaxPositionSize.Sign() > 0 {
			out = append(out, observation{
				kind:       domain.AlertPositionSize,
				severity:   domain.SeverityHigh,
				entityType: domain.EntityPosition,
				entityID:   p.ID,
				value:      pr.Size,
				limit:      limits.MaxPositionSize,
				message:    fmt.Sprintf("position %s size %s exceeds limit %s", p.Symbol, pr.Size, limits.MaxPositionSize),
				action:     domain.ActionPositionReduce,
				breach:     pr.Size.GreaterThan(limits.MaxPositionSize),
			})
		}

		if limits.ConcentrationLimitPct.Sign() > 0 {
			weightPct := snap.weights[p.ID].Mul(hundred)
			out = append(out, observation{
				kind:       domain.AlertConcentration,
				severity:   domain.SeverityHigh,
				entityType: domain.EntityPosition,
				entityID:   p.ID,
				value:      weightPct,
				limit:      limits.ConcentrationLimitPct,
				message:    fmt.Sprintf("position %s is %s%% of portfolio, limit %s%%", p.Symbol, weightPct.Round(2), limits.ConcentrationLimitPct),
				action:     domain.ActionPositionReduce,
				breach:     weightPct.GreaterThan(limits.ConcentrationLimitPct),
			})
		}

		stopPct := limits.StopLossPct
		if p.StopLoss != nil && p.AvgEntry.Sign() > 0 {
			stopPct = p.AvgEntry.Sub(*p.StopLoss).Abs().Div(p.AvgEntry).Mul(hundred)
		}
		if stopPct.Sign() > 0 {
			loss := p.UnrealizedPnLPct().Neg() // positive when losing
			out = append(out, observation{
				kind:       domain.AlertUnrealizedLoss,
				severity:   domain.SeverityHigh,
				entityType: domain.EntityPosition,
				entityID:   p.ID,
				value:      loss,
				limit:      stopPct,
				message:    fmt.Sprintf("position %s unrealized loss %s%% hit stop distance %s%%", p.Symbol, loss.Round(2), stopPct.Round(2)),
				action:     domain.ActionPositionClose,
				breach:     loss.GreaterThanOrEqual(stopPct),
			})
		}

		if a.cfg.LiquidityThreshold.Sign() > 0 && pr.Liquidity.Sign() > 0 {
			out = append(out, observation{
				kind:       domain.AlertLiquidity,
				severity:   domain.SeverityMedium,
				entityType: domain.EntityPosition,
				entityID:   p.ID,
				value:      pr.Liquidity,
				limit:      a.cfg.LiquidityThreshold,
				message:    fmt.Sprintf("position %s liquidity ratio %s below threshold %s", p.Symbol, pr.Liquidity.Round(4), a.cfg.LiquidityThreshold),
				action:     domain.ActionNotifyOnly,
				breach:     pr.Liquidity.LessThan(a.cfg.LiquidityThreshold),
			})
		}
	}

	for strategyID, dailyPnL := range snap.strategyDailyPnL {
		limits := a.resolveLimits(strategyID)
		if limits == nil || limits.MaxDailyLoss.Sign() <= 0 {
			continue
		}
		loss := dailyPnL.Neg()
		out = append(out, observation{
			kind:       domain.AlertDailyLoss,
			severity:   domain.SeverityHigh,
			entityType: domain.EntityStrategy,
			entityID:   strategyID,
			value:      loss,
			limit:      limits.MaxDailyLoss,
			message:    fmt.Sprintf("strategy %s daily loss %s exceeds limit %s", strategyID, loss.Round(2), limits.MaxDailyLoss),
			action:     domain.ActionStrategyPause,
			breach:     loss.GreaterThan(limits.MaxDailyLoss),
		})
	}

	plimits := a.resolveLimits("")
	if plimits != nil {
		if plimits.MaxDrawdownPct.Sign() > 0 {
			out = append(out, observation{
				kind:       domain.AlertDrawdown,
				severity:   domain.SeverityCritical,
				entityType: domain.EntityPortfolio,
				entityID:   a.cfg.PortfolioID,
				value:      snap.portfolio.DrawdownPct,
				limit:      plimits.MaxDrawdownPct,
				message:    fmt.Sprintf("portfolio drawdown %s%% exceeds limit %s%%", snap.portfolio.DrawdownPct.Round(2), plimits.MaxDrawdownPct),
				action:     domain.ActionEmergencyStop,
				breach:     snap.portfolio.DrawdownPct.GreaterThan(plimits.MaxDrawdownPct),
			})
		}
		corrLimit := plimits.CorrelationLimit
		if corrLimit.Sign() <= 0 && a.cfg.CorrelationThreshold > 0 {
			corrLimit = decimal.NewFromFloat(a.cfg.CorrelationThreshold)
		}
		if corrLimit.Sign() > 0 {
			out = append(out, observation{
				kind:       domain.AlertCorrelation,
				severity:   domain.SeverityMedium,
				entityType: domain.EntityPortfolio,
				entityID:   a.cfg.PortfolioID,
				value:      snap.portfolio.Correlation,
				limit:      corrLimit,
				message:    fmt.Sprintf("max pairwise correlation %s exceeds limit %s", snap.portfolio.Correlation.Round(4), corrLimit),
				action:     domain.ActionNotifyOnly,
				breach:     snap.portfolio.Correlation.GreaterThan(corrLimit),
			})
		}
	}

	return out
}

// openOrRefresh records a breach: within the dedup key an open alert is
// refreshed, otherwise a new one is created.
func (a *Assessor) openOrRefresh(ob observation, now time.Time) error {
	open, err := a.alerts.GetOpen(ob.kind, ob.entityType, ob.entityID)
	if err != nil {
		return err
	}
	if open != nil {
		return a.alerts.Refresh(open.ID, ob.value.String(), ob.severity, now)
	}

	alert := domain.RiskAlert{
		ID:           newAlertID(),
		Kind:         ob.kind,
		Severity:     ob.severity,
		EntityType:   ob.entityType,
		EntityID:     ob.entityID,
		CurrentValue: ob.value,
		LimitValue:   ob.limit,
		Message:      ob.message,
		Recommended:  ob.action,
		TriggerCount: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.alerts.Create(alert); err != nil {
		return err
	}
	a.log.Warn().
		Str("kind", string(alert.Kind)).
		Str("entity", alert.EntityID).
		Str("severity", string(alert.Severity)).
		Str("value", alert.CurrentValue.String()).
		Str("limit", alert.LimitValue.String()).
		Msg("Risk alert created")
	a.emitAlertCreated(alert)
	return nil
}

// maybeResolve advances the hysteresis counter for a non-breaching
// observation and resolves the open alert once the value has stayed
// inside the limit by the hysteresis margin for enough consecutive
// ticks.
func (a *Assessor) maybeResolve(ob observation, key string, now time.Time) error {
	open, err := a.alerts.GetOpen(ob.kind, ob.entityType, ob.entityID)
	if err != nil {
		return err
	}
	if open == nil {
		a.resetHysteresis(key)
		return nil
	}

	if !insideWithMargin(ob, a.cfg.ResolveHysteresisPct) {
		a.resetHysteresis(key)
		return nil
	}

	a.mu.Lock()
	a.insideTicks[key]++
	ticks := a.insideTicks[key]
	a.mu.Unlock()
	if ticks < a.cfg.ResolveConsecutiveTicks {
		return nil
	}

	if err := a.alerts.Resolve(open.ID, "assessor", now); err != nil {
		return err
	}
	a.resetHysteresis(key)
	a.log.Info().
		Str("kind", string(open.Kind)).
		Str("entity", open.EntityID).
		Msg("Risk alert auto-resolved")
	a.eventMgr.Emit(events.RiskAlertResolved, "assessor", map[string]interface{}{
		"alert_id":    open.ID,
		"kind":        string(open.Kind),
		"entity_type": string(open.EntityType),
		"entity_id":   open.EntityID,
		"resolved_by": "assessor",
	})
	return nil
}

// insideWithMargin reports whether the observed value sits inside the
// limit by at least marginPct percent. Liquidity limits are lower
// bounds; everything else is an upper bound.
func insideWithMargin(ob observation, marginPct decimal.Decimal) bool {
	margin := ob.limit.Mul(marginPct).Div(decimal.NewFromInt(100))
	if ob.kind == domain.AlertLiquidity {
		return ob.value.GreaterThanOrEqual(ob.limit.Add(margin))
	}
	return ob.value.LessThanOrEqual(ob.limit.Sub(margin))
}

func (a *Assessor) resetHysteresis(key string) {
	a.mu.Lock()
	delete(a.insideTicks, key)
	a.mu.Unlock()
}

func dedupKey(kind domain.AlertKind, entityType domain.EntityType, entityID string) string {
	return string(kind) + "|" + string(entityType) + "|" + entityID
}

func (a *Assessor) emitAlertCreated(alert domain.RiskAlert) {
	a.eventMgr.Emit(events.RiskAlertCreated, "assessor", map[string]interface{}{
		"alert_id":    alert.ID,
		"kind":        string(alert.Kind),
		"severity":    string(alert.Severity),
		"entity_type": string(alert.EntityType),
		"entity_id":   alert.EntityID,
		"value":       alert.CurrentValue.String(),
		"limit":       alert.LimitValue.String(),
		"recommended": string(alert.Recommended),
	})
}
