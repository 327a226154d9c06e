package funds

import (
	"context"
	"fmt"

	"github.com/quantfall/warden/internal/domain"
	"github.com/quantfall/warden/internal/events"
)

// RunSweeper moves excess token balances from sweep-enabled wallets into
// the treasury. Native coin is never swept; it stays behind as gas.
func (c *Controller) RunSweeper(ctx context.Context) error {
	if err := c.gate.Halted(); err != nil {
		c.log.Warn().Msg("Sweeper pass skipped, emergency halt active")
		return nil
	}

	treasury, err := c.wallets.Treasury()
	if err == domain.ErrNotFound {
		c.log.Warn().Msg("No treasury wallet enrolled, sweeper idle")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to resolve treasury: %w", err)
	}

	latest, err := c.snapshots.Latest()
	if err != nil {
		return fmt.Errorf("failed to load latest snapshots: %w", err)
	}

	var jobs []domain.FundJob
	for _, s := range latest {
		if !s.AboveSweepMin || s.Asset == c.cfg.NativeAsset || s.Wallet == treasury.Address {
			continue
		}
		w, err := c.wallets.Get(s.Wallet)
		if err != nil {
			continue
		}
		if !w.SweepEnabled || !w.SweepAllowed(s.Asset) {
			continue
		}
		pending, err := c.jobs.HasPendingForSource(domain.JobSweep, w.Address, s.Asset)
		if err != nil {
			return fmt.Errorf("failed to check pending sweep for %s/%s: %w", w.Address, s.Asset, err)
		}
		if pending {
			continue
		}
		amount := s.Balance.Sub(c.cfg.LeavingAmount)
		if !amount.IsPositive() {
			continue
		}
		job := domain.FundJob{
			ID:        newJobID(),
			Kind:      domain.JobSweep,
			Status:    domain.FundJobPending,
			DryRun:    c.cfg.Sweeper.DryRun,
			Source:    w.Address,
			Target:    treasury.Address,
			Asset:     s.Asset,
			Amount:    amount,
			CreatedAt: c.clk.Now(),
		}
		if err := c.jobs.Create(job); err != nil {
			return fmt.Errorf("failed to create sweep job: %w", err)
		}
		c.emitJobEvent(events.FundsJobCreated, job)
		if job.DryRun {
			msg := fmt.Sprintf("Sweep of %s %s from %s proposed in dry-run mode", amount, s.Asset, w.Address)
			c.openOrRefreshAlert(domain.AlertSweepPending, domain.SeverityLow,
				domain.EntityWallet, w.Address, msg, s.Balance, w.SweepMin)
		}
		jobs = append(jobs, job)
	}

	c.executeTransferJobs(ctx, jobs, c.cfg.Sweeper.MaxConcurrent)
	return nil
}
