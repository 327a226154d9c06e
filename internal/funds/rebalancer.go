package funds

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/quantfall/warden/internal/domain"
	"github.com/quantfall/warden/internal/events"
)

var hundred = decimal.NewFromInt(100)

// RunRebalancer compares the current allocation over the configured
// wallet-group universe with the target weights and, when the largest
// drift leaves the tolerance band, emits one rebalance job whose trades
// close the largest drifts first.
func (c *Controller) RunRebalancer(ctx context.Context) error {
	if err := c.gate.Halted(); err != nil {
		c.log.Warn().Msg("Rebalancer pass skipped, emergency halt active")
		return nil
	}
	if len(c.cfg.Rebalancer.Targets) == 0 {
		return nil
	}

	allocation, total, err := c.currentAllocation()
	if err != nil {
		return err
	}
	if total.IsZero() {
		return nil
	}

	trades, maxDrift := c.driftTrades(allocation, total)
	if maxDrift.LessThanOrEqual(c.cfg.Rebalancer.ToleranceBandPct) {
		c.resolveFundsAlert(domain.AlertAllocationDrift, domain.EntityPortfolio, "funds")
		return nil
	}

	msg := fmt.Sprintf("Allocation drift %s%% exceeds tolerance band %s%%",
		maxDrift.StringFixed(2), c.cfg.Rebalancer.ToleranceBandPct)
	c.openOrRefreshAlert(domain.AlertAllocationDrift, domain.SeverityMedium,
		domain.EntityPortfolio, "funds", msg, maxDrift, c.cfg.Rebalancer.ToleranceBandPct)

	if len(trades) == 0 {
		// Drift is real but every closing trade fell under the minimum
		// trade value. Alert only.
		return nil
	}

	inflight, err := c.jobs.NonTerminal(domain.JobRebalance)
	if err != nil {
		return fmt.Errorf("failed to check in-flight rebalance jobs: %w", err)
	}
	if len(inflight) > 0 {
		c.log.Debug().Int("jobs", len(inflight)).Msg("Rebalance already in flight, skipping pass")
		return nil
	}

	job := domain.FundJob{
		ID:         newJobID(),
		Kind:       domain.JobRebalance,
		Status:     domain.FundJobPending,
		DryRun:     c.cfg.Rebalancer.DryRun,
		GroupScope: c.cfg.Rebalancer.Groups,
		Trades:     trades,
		CreatedAt:  c.clk.Now(),
	}
	if err := c.jobs.Create(job); err != nil {
		return fmt.Errorf("failed to create rebalance job: %w", err)
	}
	c.emitJobEvent(events.FundsJobCreated, job)
	c.executeRebalanceJob(ctx, job)
	return nil
}

// currentAllocation sums the latest quoted values of the target assets
// across the rebalance wallet-group universe.
func (c *Controller) currentAllocation() (map[string]decimal.Decimal, decimal.Decimal, error) {
	latest, err := c.snapshots.Latest()
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("failed to load latest snapshots: %w", err)
	}

	inScope := make(map[domain.WalletGroup]bool, len(c.cfg.Rebalancer.Groups))
	for _, g := range c.cfg.Rebalancer.Groups {
		inScope[g] = true
	}

	allocation := make(map[string]decimal.Decimal, len(c.cfg.Rebalancer.Targets))
	total := decimal.Zero
	for _, s := range latest {
		if !inScope[s.Group] {
			continue
		}
		if _, tracked := c.cfg.Rebalancer.Targets[s.Asset]; !tracked {
			continue
		}
		allocation[s.Asset] = allocation[s.Asset].Add(s.QuoteValue)
		total = total.Add(s.QuoteValue)
	}
	return allocation, total, nil
}

// driftTrades turns allocation drift into proposed trades, largest drift
// first, each capped at the single-trade maximum and dropped when under
// the minimum trade value. Returns the largest absolute drift seen.
func (c *Controller) driftTrades(allocation map[string]decimal.Decimal, total decimal.Decimal) ([]domain.RebalanceTrade, decimal.Decimal) {
	var trades []domain.RebalanceTrade
	maxDrift := decimal.Zero
	for asset, targetPct := range c.cfg.Rebalancer.Targets {
		currentPct := allocation[asset].Div(total).Mul(hundred)
		drift := currentPct.Sub(targetPct)
		if drift.Abs().GreaterThan(maxDrift) {
			maxDrift = drift.Abs()
		}

		value := drift.Abs().Div(hundred).Mul(total)
		if c.cfg.Rebalancer.MaxSingleTradeUSD.IsPositive() && value.GreaterThan(c.cfg.Rebalancer.MaxSingleTradeUSD) {
			value = c.cfg.Rebalancer.MaxSingleTradeUSD
		}
		if value.LessThan(c.cfg.Rebalancer.MinTradeValueUSD) || value.IsZero() {
			continue
		}

		side := domain.TradeBuy
		if drift.IsPositive() {
			side = domain.TradeSell
		}
		trades = append(trades, domain.RebalanceTrade{
			Asset:    asset,
			Side:     side,
			ValueUSD: value,
			DriftPct: drift,
		})
	}

	sort.Slice(trades, func(i, j int) bool {
		return trades[i].DriftPct.Abs().GreaterThan(trades[j].DriftPct.Abs())
	})
	return trades, maxDrift
}

// executeRebalanceJob routes each proposed trade through the swap
// executor as a market order against the reference currency. Dry-run
// jobs terminalize as completed proposals.
func (c *Controller) executeRebalanceJob(ctx context.Context, job domain.FundJob) {
	log := c.log.With().Str("job", job.ID).Logger()

	if job.DryRun {
		if err := c.jobs.SetStatus(job.ID, domain.FundJobCompleted, "", "", c.clk.Now()); err != nil {
			log.Error().Err(err).Msg("Failed to complete dry-run rebalance")
			return
		}
		c.emitJobEvent(events.FundsJobCompleted, job)
		log.Info().Int("trades", len(job.Trades)).Msg("Dry-run rebalance recorded")
		return
	}

	if err := c.jobs.SetStatus(job.ID, domain.FundJobExecuting, "", "", c.clk.Now()); err != nil {
		log.Error().Err(err).Msg("Failed to mark rebalance executing")
		return
	}

	lastRef := ""
	for i, t := range job.Trades {
		mark, err := c.market.GetMark(ctx, t.Asset+"-USD")
		if err != nil || !mark.IsPositive() {
			c.failJob(job, fmt.Sprintf("no mark for %s: %v", t.Asset, err))
			return
		}
		order := domain.ExecutionOrder{
			ID:     domain.DeterministicOrderID(job.ID, i),
			Symbol: t.Asset + "-USD",
			Type:   domain.OrderMarketSell,
			Side:   domain.SideLong,
			Amount: t.ValueUSD.Div(mark),
			TIF:    domain.TIFImmediate,
		}
		if t.Side == domain.TradeBuy {
			order.Type = domain.OrderMarketBuy
		}
		handle, err := c.dex.Submit(ctx, order)
		if err != nil {
			job.TxRef = lastRef
			c.failJob(job, fmt.Sprintf("trade %d (%s %s) failed: %v", i, t.Side, t.Asset, err))
			return
		}
		lastRef = handle.TxRef
	}

	if err := c.jobs.SetStatus(job.ID, domain.FundJobCompleted, lastRef, "", c.clk.Now()); err != nil {
		log.Error().Err(err).Msg("Failed to complete rebalance")
		return
	}
	job.TxRef = lastRef
	c.emitJobEvent(events.FundsJobCompleted, job)
	log.Info().Int("trades", len(job.Trades)).Str("tx", lastRef).Msg("Rebalance executed")
}
