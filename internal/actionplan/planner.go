// Package actionplan turns risk alerts into persisted risk actions. The
// planner consumes the alert stream and applies the severity policy: a
// breach only becomes an action when its severity reaches the policy
// threshold, auto actions are enabled, and the cooldown window for the
// (kind, entity) pair is clear.
package actionplan

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfall/warden/internal/clock"
	"github.com/quantfall/warden/internal/domain"
	"github.com/quantfall/warden/internal/events"
	"github.com/quantfall/warden/internal/metrics"
	"github.com/quantfall/warden/internal/store"
)

// policyRule gates one alert kind.
type policyRule struct {
	minSeverity domain.Severity
	action      domain.ActionKind
}

// defaultPolicy maps alert kinds to mitigations. The recommended action
// carried on the alert is advisory; the policy decides.
var defaultPolicy = map[domain.AlertKind]policyRule{
	domain.AlertPositionSize:   {domain.SeverityHigh, domain.ActionPositionReduce},
	domain.AlertConcentration:  {domain.SeverityHigh, domain.ActionPositionReduce},
	domain.AlertUnrealizedLoss: {domain.SeverityHigh, domain.ActionPositionClose},
	domain.AlertHoldTime:       {domain.SeverityHigh, domain.ActionPositionClose},
	domain.AlertDailyLoss:      {domain.SeverityHigh, domain.ActionStrategyPause},
	domain.AlertDrawdown:       {domain.SeverityCritical, domain.ActionEmergencyStop},
	domain.AlertCorrelation:    {domain.SeverityMedium, domain.ActionNotifyOnly},
	domain.AlertLiquidity:      {domain.SeverityMedium, domain.ActionNotifyOnly},
}

// defaultReductionFraction is how much of a position a reduce action
// takes off.
var defaultReductionFraction = decimal.NewFromFloat(0.3)

// Config carries the planner knobs.
type Config struct {
	AutoActionEnabled    bool
	EmergencyStopEnabled bool
	CooldownWindow       time.Duration
	// MaxConcurrentActions caps in-flight mitigations; emergency stops
	// bypass the cap.
	MaxConcurrentActions int
	// PartialExitLevels sizes reduce actions from the profit ladder.
	// Empty falls back to the fixed default fraction.
	PartialExitLevels []decimal.Decimal
}

func (c *Config) applyDefaults() {
	if c.CooldownWindow <= 0 {
		c.CooldownWindow = 5 * time.Minute
	}
	if c.MaxConcurrentActions <= 0 {
		c.MaxConcurrentActions = 3
	}
}

// Planner converts alerts into actions.
type Planner struct {
	cfg       Config
	actions   *store.ActionRepository
	alerts    *store.AlertRepository
	positions *store.PositionRepository
	eventMgr  *events.Manager
	clk       clock.Clock
	log       zerolog.Logger
}

// New creates an action planner.
func New(
	cfg Config,
	actions *store.ActionRepository,
	alerts *store.AlertRepository,
	positions *store.PositionRepository,
	eventMgr *events.Manager,
	clk clock.Clock,
	log zerolog.Logger,
) *Planner {
	cfg.applyDefaults()
	return &Planner{
		cfg:       cfg,
		actions:   actions,
		alerts:    alerts,
		positions: positions,
		eventMgr:  eventMgr,
		clk:       clk,
		log:       log.With().Str("component", "action_planner").Logger(),
	}
}

// Subscribe attaches the planner to the alert stream.
func (p *Planner) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.RiskAlertCreated, func(e *events.Event) {
		alertID, _ := e.Data["alert_id"].(string)
		if alertID == "" {
			return
		}
		if err := p.HandleAlert(alertID); err != nil {
			p.log.Error().Err(err).Str("alert_id", alertID).Msg("Failed to plan action for alert")
		}
	})
}

// HandleAlert evaluates the policy for one alert and, when it applies,
// persists a pending action and announces it.
func (p *Planner) HandleAlert(alertID string) error {
	alert, err := p.alerts.GetByID(alertID)
	if err != nil {
		return err
	}
	if alert.Resolved() {
		return nil
	}

	rule, ok := defaultPolicy[alert.Kind]
	if !ok || !alert.Severity.AtLeast(rule.minSeverity) {
		return nil
	}

	kind := rule.action
	if kind == domain.ActionEmergencyStop && !p.cfg.EmergencyStopEnabled {
		kind = domain.ActionStrategyPause
	}
	if !p.cfg.AutoActionEnabled && kind != domain.ActionEmergencyStop {
		kind = domain.ActionNotifyOnly
	}

	now := p.clk.Now()
	recent, err := p.actions.CountRecentNonCancelled(kind, alert.EntityType, alert.EntityID, now.Add(-p.cfg.CooldownWindow))
	if err != nil {
		return err
	}
	if recent > 0 {
		p.log.Debug().
			Str("kind", string(kind)).
			Str("entity", alert.EntityID).
			Msg("Action suppressed by cooldown window")
		return nil
	}

	if kind != domain.ActionNotifyOnly && kind != domain.ActionEmergencyStop {
		active, err := p.actions.CountActive()
		if err != nil {
			return err
		}
		if active >= p.cfg.MaxConcurrentActions {
			p.log.Warn().
				Int("active", active).
				Str("kind", string(kind)).
				Msg("Action suppressed by concurrency cap")
			return nil
		}
	}

	action := domain.RiskAction{
		ID:        uuid.NewString(),
		Kind:      kind,
		AlertID:   alert.ID,
		Params:    p.paramsFor(kind, alert),
		Status:    domain.ActionPending,
		CreatedAt: now,
	}
	if err := p.actions.Create(action); err != nil {
		return err
	}

	p.log.Info().
		Str("action_id", action.ID).
		Str("kind", string(action.Kind)).
		Str("alert_id", alert.ID).
		Msg("Risk action created")
	p.eventMgr.Emit(events.RiskActionCreated, "action_planner", map[string]interface{}{
		"action_id": action.ID,
		"kind":      string(action.Kind),
		"alert_id":  alert.ID,
	})
	return nil
}

func (p *Planner) paramsFor(kind domain.ActionKind, alert *domain.RiskAlert) domain.ActionParams {
	params := domain.ActionParams{Reason: alert.Message}
	switch kind {
	case domain.ActionPositionReduce:
		params.PositionID = alert.EntityID
		params.ReductionFraction = p.reductionFraction(alert.EntityID)
	case domain.ActionPositionClose:
		params.PositionID = alert.EntityID
		params.ReductionFraction = decimal.NewFromInt(1)
	case domain.ActionStrategyPause:
		params.StrategyID = alert.EntityID
	}
	return params
}

// reductionFraction sizes a reduce from the partial-exit ladder over the
// position's unrealized profit. Positions outside the ladder, and
// planners without one, take the default fraction.
func (p *Planner) reductionFraction(positionID string) decimal.Decimal {
	if len(p.cfg.PartialExitLevels) == 0 || p.positions == nil {
		return defaultReductionFraction
	}
	pos, err := p.positions.GetByID(positionID)
	if err != nil {
		return defaultReductionFraction
	}
	exitPct := metrics.PartialExitLadder(p.cfg.PartialExitLevels, pos.UnrealizedPnLPct())
	if exitPct.Sign() <= 0 {
		return defaultReductionFraction
	}
	return exitPct.Div(decimal.NewFromInt(100))
}
