// Package coordinator owns component lifecycle and the emergency flag.
// It starts the control loops in dependency order, watches the alert
// stream for critical emergency-stop conditions, and exposes the
// operator command handles that transport adapters map onto.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfall/warden/internal/actionplan"
	"github.com/quantfall/warden/internal/assessor"
	"github.com/quantfall/warden/internal/clock"
	"github.com/quantfall/warden/internal/database"
	"github.com/quantfall/warden/internal/domain"
	"github.com/quantfall/warden/internal/events"
	"github.com/quantfall/warden/internal/execution"
	"github.com/quantfall/warden/internal/funds"
	"github.com/quantfall/warden/internal/sizing"
	"github.com/quantfall/warden/internal/store"
)

// Repositories groups the store handles the operator surface reads.
type Repositories struct {
	Positions *store.PositionRepository
	Limits    *store.LimitsRepository
	Risks     *store.RiskRepository
	Alerts    *store.AlertRepository
	Actions   *store.ActionRepository
	Plans     *store.PlanRepository
	Wallets   *store.WalletRepository
	Snapshots *store.SnapshotRepository
	Jobs      *store.FundJobRepository
}

// EmergencyState is the operator-visible halt status.
type EmergencyState struct {
	Halted bool       `json:"halted"`
	Reason string     `json:"reason,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
}

// Coordinator wires the control loops together and gates all write-side
// work behind the emergency flag.
type Coordinator struct {
	db       *database.DB
	repos    Repositories
	assessor *assessor.Assessor
	planner  *actionplan.Planner
	executor *execution.Executor
	funds    *funds.Controller
	sizer    *sizing.Sizer
	eventMgr *events.Manager
	clk      clock.Clock
	log      zerolog.Logger

	mu     sync.RWMutex
	halted bool
	reason string
	since  time.Time

	started bool
}

// New creates the coordinator. Components are constructed by the caller
// and handed over; the coordinator owns their lifecycle from Start on.
func New(
	db *database.DB,
	repos Repositories,
	asr *assessor.Assessor,
	planner *actionplan.Planner,
	executor *execution.Executor,
	fundsCtrl *funds.Controller,
	sizer *sizing.Sizer,
	eventMgr *events.Manager,
	clk clock.Clock,
	log zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		db:       db,
		repos:    repos,
		assessor: asr,
		planner:  planner,
		executor: executor,
		funds:    fundsCtrl,
		sizer:    sizer,
		eventMgr: eventMgr,
		clk:      clk,
		log:      log.With().Str("component", "coordinator").Logger(),
	}
}

// Start brings the system up: event subscriptions first so nothing is
// missed, the coordinator's own emergency watcher ahead of the planner
// and executor, then the loops. The executor recovers in-flight plans
// before the assessor produces new work.
func (c *Coordinator) Start(ctx context.Context) error {
	bus := c.eventMgr.Bus()

	// The watcher must flip the flag before the planner and executor see
	// the same event; subscription order is dispatch order.
	bus.Subscribe(events.RiskAlertCreated, c.onAlertCreated)
	c.planner.Subscribe(bus)
	c.executor.Subscribe(bus)

	c.executor.SetGate(actionGate{c})
	c.funds.SetGate(fundsGate{c})

	c.executor.Start(ctx)
	c.assessor.Start(ctx)
	c.funds.Start(ctx)

	c.started = true
	c.log.Info().Msg("Coordinator started")
	return nil
}

// Stop shuts the loops down in reverse start order.
func (c *Coordinator) Stop() {
	if !c.started {
		return
	}
	c.funds.Stop()
	c.assessor.Stop()
	c.executor.Stop()
	c.started = false
	c.log.Info().Msg("Coordinator stopped")
}

// onAlertCreated raises the emergency flag when a critical alert
// recommends an emergency stop. The flag is up before the planner
// handler runs, so every other in-flight write is already gated when
// the stop plan executes.
func (c *Coordinator) onAlertCreated(event *events.Event) {
	severity, _ := event.Data["severity"].(string)
	if domain.Severity(severity) != domain.SeverityCritical {
		return
	}
	alertID, _ := event.Data["alert_id"].(string)
	alert, err := c.repos.Alerts.GetByID(alertID)
	if err != nil {
		c.log.Error().Err(err).Str("alert", alertID).Msg("Failed to load critical alert")
		return
	}
	if alert.Recommended != domain.ActionEmergencyStop {
		return
	}
	c.activate("critical alert " + alertID + ": " + alert.Message)
}

// EmergencyStop halts all write-side work on operator request.
func (c *Coordinator) EmergencyStop(reason string) EmergencyState {
	if reason == "" {
		reason = "operator request"
	}
	c.activate(reason)
	return c.EmergencyStatus()
}

// EmergencyResume lowers the flag and unpauses the assessor.
func (c *Coordinator) EmergencyResume() EmergencyState {
	c.mu.Lock()
	wasHalted := c.halted
	c.halted = false
	c.reason = ""
	c.mu.Unlock()

	if wasHalted {
		c.assessor.Resume()
		c.eventMgr.Emit(events.EmergencyResumed, "coordinator", map[string]interface{}{
			"at": c.clk.Now().Format(time.RFC3339),
		})
		c.log.Warn().Msg("Emergency halt lifted")
	}
	return c.EmergencyStatus()
}

// EmergencyStatus returns the current halt state.
func (c *Coordinator) EmergencyStatus() EmergencyState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state := EmergencyState{Halted: c.halted, Reason: c.reason}
	if c.halted {
		since := c.since
		state.Since = &since
	}
	return state
}

func (c *Coordinator) activate(reason string) {
	c.mu.Lock()
	if c.halted {
		c.mu.Unlock()
		return
	}
	c.halted = true
	c.reason = reason
	c.since = c.clk.Now()
	c.mu.Unlock()

	c.eventMgr.Emit(events.EmergencyActivated, "coordinator", map[string]interface{}{
		"reason": reason,
		"at":     c.clk.Now().Format(time.RFC3339),
	})
	c.log.Error().Str("reason", reason).Msg("EMERGENCY HALT ACTIVATED")
}

func (c *Coordinator) haltedErr() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.halted {
		return domain.ErrEmergencyHalted
	}
	return nil
}

// actionGate blocks plan execution while halted. Emergency-stop plans
// are the one exception: they are the halt's own remediation.
type actionGate struct{ c *Coordinator }

func (g actionGate) Check(kind domain.ActionKind) error {
	if kind == domain.ActionEmergencyStop {
		return nil
	}
	return g.c.haltedErr()
}

// fundsGate blocks all funds passes while halted.
type fundsGate struct{ c *Coordinator }

func (g fundsGate) Halted() error { return g.c.haltedErr() }

// Health reports storage health for the liveness endpoint.
func (c *Coordinator) Health(ctx context.Context) error {
	return c.db.HealthCheck(ctx)
}
