package coordinator

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/quantfall/warden/internal/domain"
	"github.com/quantfall/warden/internal/events"
	"github.com/quantfall/warden/internal/sizing"
	"github.com/quantfall/warden/internal/store"
)

// Operator command handles. Transport adapters (HTTP, CLI) map onto
// these one to one and hold no business logic of their own.

// Positions lists active positions.
func (c *Coordinator) Positions() ([]domain.Position, error) {
	return c.repos.Positions.GetActive()
}

// PositionRisks lists the latest per-position risk rows.
func (c *Coordinator) PositionRisks() ([]domain.PositionRisk, error) {
	return c.repos.Risks.AllPositionRisk()
}

// PortfolioRisk returns the latest portfolio-level risk row.
func (c *Coordinator) PortfolioRisk(portfolioID string) (*domain.PortfolioRisk, error) {
	return c.repos.Risks.GetPortfolioRisk(portfolioID)
}

// Alerts lists alerts, newest first.
func (c *Coordinator) Alerts(filter store.ListFilter) ([]domain.RiskAlert, error) {
	return c.repos.Alerts.List(filter)
}

// ResolveAlert closes an open alert on operator request.
func (c *Coordinator) ResolveAlert(id string) error {
	if err := c.repos.Alerts.Resolve(id, "operator", c.clk.Now()); err != nil {
		return err
	}
	c.eventMgr.Emit(events.RiskAlertResolved, "coordinator", map[string]interface{}{
		"alert_id":    id,
		"resolved_by": "operator",
	})
	return nil
}

// Actions lists risk actions, newest first.
func (c *Coordinator) Actions(limit int) ([]domain.RiskAction, error) {
	return c.repos.Actions.List(limit)
}

// Plans lists execution plans with their orders, newest first.
func (c *Coordinator) Plans(limit int) ([]domain.ExecutionPlan, error) {
	return c.repos.Plans.List(limit)
}

// CancelPlan terminates a non-terminal plan on operator request.
func (c *Coordinator) CancelPlan(id, reason string) error {
	return c.executor.CancelPlan(id, reason)
}

// Limits returns every configured limit scope.
func (c *Coordinator) Limits() ([]domain.RiskLimits, error) {
	return c.repos.Limits.All()
}

// SetLimits upserts one limit scope. Takes effect on the next
// assessment tick.
func (c *Coordinator) SetLimits(l domain.RiskLimits) error {
	if l.Scope == "" {
		l.Scope = domain.ScopeGlobal
	}
	l.UpdatedAt = c.clk.Now()
	return c.repos.Limits.Upsert(l)
}

// SizePosition runs the position sizer for an operator what-if.
func (c *Coordinator) SizePosition(req sizing.Request) (decimal.Decimal, error) {
	return c.sizer.Size(req)
}

// TriggerAssessment runs one assessment tick immediately.
func (c *Coordinator) TriggerAssessment(ctx context.Context) error {
	return c.assessor.AssessNow(ctx)
}

// AddWallet enrolls or updates a managed wallet.
func (c *Coordinator) AddWallet(w domain.ManagedWallet) error {
	if w.Address == "" {
		return domain.Invalid("wallet address is required")
	}
	if w.Group == "" {
		return domain.Invalid("wallet group is required")
	}
	w.CreatedAt = c.clk.Now()
	return c.repos.Wallets.Upsert(w)
}

// RemoveWallet drops a wallet from the managed registry.
func (c *Coordinator) RemoveWallet(address string) error {
	return c.repos.Wallets.Remove(address)
}

// Wallets lists the managed registry, optionally filtered by group.
func (c *Coordinator) Wallets(groups []domain.WalletGroup) ([]domain.ManagedWallet, error) {
	return c.repos.Wallets.ByGroups(groups)
}

// ForceSnapshot runs one balance-snapshot pass immediately.
func (c *Coordinator) ForceSnapshot(ctx context.Context) error {
	return c.funds.SnapshotNow(ctx)
}

// TopUpNow runs one gas-drip pass immediately.
func (c *Coordinator) TopUpNow(ctx context.Context) error {
	return c.funds.RunGasDrip(ctx)
}

// SweepNow runs one sweeper pass immediately.
func (c *Coordinator) SweepNow(ctx context.Context) error {
	return c.funds.RunSweeper(ctx)
}

// RebalanceNow runs one rebalancer pass immediately.
func (c *Coordinator) RebalanceNow(ctx context.Context) error {
	return c.funds.RunRebalancer(ctx)
}

// FundJobs lists fund jobs, newest first, optionally filtered by kind.
func (c *Coordinator) FundJobs(kind domain.FundJobKind, limit int) ([]domain.FundJob, error) {
	return c.repos.Jobs.List(kind, limit)
}
