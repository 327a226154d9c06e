package funds

import (
	"context"
	"fmt"

	"github.com/quantfall/warden/internal/domain"
)

// SnapshotNow enumerates the managed wallets and appends one balance
// observation per (wallet, asset). Wallets that fail to read are skipped
// so one flaky RPC endpoint does not starve the feed.
func (c *Controller) SnapshotNow(ctx context.Context) error {
	wallets, err := c.wallets.ByGroups(c.cfg.ManagedGroups)
	if err != nil {
		return fmt.Errorf("failed to list managed wallets: %w", err)
	}
	if len(wallets) == 0 {
		return nil
	}

	now := c.clk.Now()
	var snaps []domain.BalanceSnapshot
	for _, w := range wallets {
		rows, err := c.observeWallet(ctx, w)
		if err != nil {
			c.log.Warn().Err(err).Str("wallet", w.Address).Msg("Skipping wallet in snapshot pass")
			continue
		}
		for i := range rows {
			rows[i].ObservedAt = now
		}
		snaps = append(snaps, rows...)
		c.syncGasAlert(w, rows[0])
	}

	if err := c.snapshots.Append(snaps); err != nil {
		return fmt.Errorf("failed to persist snapshots: %w", err)
	}
	c.log.Debug().Int("wallets", len(wallets)).Int("rows", len(snaps)).Msg("Balance snapshot complete")
	return nil
}

func (c *Controller) observeWallet(ctx context.Context, w domain.ManagedWallet) ([]domain.BalanceSnapshot, error) {
	native, err := c.balances.NativeBalance(ctx, w.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to read native balance: %w", err)
	}

	rows := []domain.BalanceSnapshot{{
		Wallet:      w.Address,
		Group:       w.Group,
		Asset:       c.cfg.NativeAsset,
		Balance:     native,
		QuoteValue:  c.quote(ctx, c.cfg.NativeAsset, native),
		BelowGasMin: w.GasMin.IsPositive() && native.LessThan(w.GasMin),
	}}

	for _, asset := range c.cfg.SupportedAssets {
		if asset == c.cfg.NativeAsset {
			continue
		}
		bal, err := c.balances.AssetBalance(ctx, w.Address, asset)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s balance: %w", asset, err)
		}
		rows = append(rows, domain.BalanceSnapshot{
			Wallet:        w.Address,
			Group:         w.Group,
			Asset:         asset,
			Balance:       bal,
			QuoteValue:    c.quote(ctx, asset, bal),
			AboveSweepMin: w.SweepMin.IsPositive() && bal.GreaterThan(w.SweepMin),
		})
	}
	return rows, nil
}

// syncGasAlert keeps the gas_low alert per wallet in sync with the
// latest native-coin observation.
func (c *Controller) syncGasAlert(w domain.ManagedWallet, native domain.BalanceSnapshot) {
	if native.BelowGasMin {
		msg := fmt.Sprintf("Wallet %s native balance %s is below its gas floor %s",
			w.Address, native.Balance, w.GasMin)
		c.openOrRefreshAlert(domain.AlertGasLow, domain.SeverityMedium,
			domain.EntityWallet, w.Address, msg, native.Balance, w.GasMin)
		return
	}
	c.resolveFundsAlert(domain.AlertGasLow, domain.EntityWallet, w.Address)
}
