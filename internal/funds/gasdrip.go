package funds

import (
	"context"
	"fmt"
	"sync"

	"github.com/quantfall/warden/internal/domain"
	"github.com/quantfall/warden/internal/events"
)

// RunGasDrip tops up wallets whose native balance sits under their gas
// floor. Funding always comes from the treasury; one wallet gets at most
// one in-flight top-up at a time.
func (c *Controller) RunGasDrip(ctx context.Context) error {
	if err := c.gate.Halted(); err != nil {
		c.log.Warn().Msg("Gas drip pass skipped, emergency halt active")
		return nil
	}

	treasury, err := c.wallets.Treasury()
	if err == domain.ErrNotFound {
		c.log.Warn().Msg("No treasury wallet enrolled, gas drip idle")
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
		if s.Asset != c.cfg.NativeAsset || !s.BelowGasMin || s.Wallet == treasury.Address {
			continue
		}
		w, err := c.wallets.Get(s.Wallet)
		if err != nil {
			continue // unenrolled since the snapshot was taken
		}
		pending, err := c.jobs.HasPendingForTarget(domain.JobGasTopUp, w.Address, "")
		if err != nil {
			return fmt.Errorf("failed to check pending top-up for %s: %w", w.Address, err)
		}
		if pending {
			continue
		}
		amount := w.GasMax.Sub(s.Balance)
		if !amount.IsPositive() {
			continue
		}
		job := domain.FundJob{
			ID:        newJobID(),
			Kind:      domain.JobGasTopUp,
			Status:    domain.FundJobPending,
			DryRun:    c.cfg.GasDrip.DryRun,
			Source:    treasury.Address,
			Target:    w.Address,
			Asset:     c.cfg.NativeAsset,
			Amount:    amount,
			CreatedAt: c.clk.Now(),
		}
		if err := c.jobs.Create(job); err != nil {
			return fmt.Errorf("failed to create top-up job: %w", err)
		}
		c.emitJobEvent(events.FundsJobCreated, job)
		jobs = append(jobs, job)
	}

	c.executeTransferJobs(ctx, jobs, c.cfg.GasDrip.MaxConcurrent)
	return nil
}

// executeTransferJobs drives value-moving jobs through the signer with
// bounded concurrency. Dry-run jobs complete without a transaction.
func (c *Controller) executeTransferJobs(ctx context.Context, jobs []domain.FundJob, maxConcurrent int) {
	if len(jobs) == 0 {
		return
	}
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(j domain.FundJob) {
			defer wg.Done()
			defer func() { <-sem }()
			c.executeTransferJob(ctx, j)
		}(job)
	}
	wg.Wait()
}

func (c *Controller) executeTransferJob(ctx context.Context, job domain.FundJob) {
	log := c.log.With().Str("job", job.ID).Str("kind", string(job.Kind)).Logger()

	if job.DryRun {
		// Dry-run jobs terminalize without a transaction reference.
		if err := c.jobs.SetStatus(job.ID, domain.FundJobCompleted, "", "", c.clk.Now()); err != nil {
			log.Error().Err(err).Msg("Failed to complete dry-run job")
			return
		}
		c.emitJobEvent(events.FundsJobCompleted, job)
		log.Info().Str("target", job.Target).Str("amount", job.Amount.String()).Msg("Dry-run transfer recorded")
		return
	}

	if err := c.jobs.SetStatus(job.ID, domain.FundJobExecuting, "", "", c.clk.Now()); err != nil {
		log.Error().Err(err).Msg("Failed to mark job executing")
		return
	}

	asset := job.Asset
	if asset == c.cfg.NativeAsset {
		asset = "" // native-coin transfer for the signer
	}
	handle, err := c.signer.SignAndSend(ctx, domain.Transfer{
		From:   job.Source,
		To:     job.Target,
		Asset:  asset,
		Amount: job.Amount,
	})
	if err != nil {
		c.failJob(job, fmt.Sprintf("sign and send failed: %v", err))
		return
	}

	receipt, err := c.signer.WaitForConfirmation(ctx, handle, c.cfg.ConfirmTimeout)
	if err != nil {
		c.failJob(job, fmt.Sprintf("confirmation failed for %s: %v", handle.TxRef, err))
		return
	}
	if !receipt.Success {
		c.failJob(job, fmt.Sprintf("transaction %s reverted", receipt.TxRef))
		return
	}

	if err := c.jobs.SetStatus(job.ID, domain.FundJobCompleted, receipt.TxRef, "", c.clk.Now()); err != nil {
		log.Error().Err(err).Msg("Failed to complete job")
		return
	}
	job.TxRef = receipt.TxRef
	c.emitJobEvent(events.FundsJobCompleted, job)
	log.Info().Str("tx", receipt.TxRef).Str("target", job.Target).Msg("Transfer confirmed")
}

func (c *Controller) failJob(job domain.FundJob, reason string) {
	if err := c.jobs.SetStatus(job.ID, domain.FundJobFailed, job.TxRef, reason, c.clk.Now()); err != nil {
		c.log.Error().Err(err).Str("job", job.ID).Msg("Failed to mark job failed")
		return
	}
	job.Error = reason
	c.emitJobEvent(events.FundsJobFailed, job)
	c.log.Warn().Str("job", job.ID).Str("reason", reason).Msg("Fund job failed")
}
