// Package funds runs the treasury-side loops: balance snapshots, gas
// top-ups, sweeps and allocation rebalancing. Each loop reads the shared
// snapshot feed from the store and produces fund jobs; dry-run mode
// persists the jobs without touching the chain.
package funds

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfall/warden/internal/clock"
	"github.com/quantfall/warden/internal/domain"
	"github.com/quantfall/warden/internal/events"
	"github.com/quantfall/warden/internal/store"
)

// Gate is consulted before any job executes on-chain. The coordinator's
// emergency flag sits behind it.
type Gate interface {
	Halted() error
}

type openGate struct{}

func (openGate) Halted() error { return nil }

// LoopConfig is the shared shape of the per-loop knobs.
type LoopConfig struct {
	CheckInterval time.Duration
	MaxConcurrent int
	DryRun        bool
}

// RebalanceConfig carries the rebalancer policy.
type RebalanceConfig struct {
	LoopConfig
	// Targets maps asset to desired percentage of total quoted value.
	Targets           map[string]decimal.Decimal
	ToleranceBandPct  decimal.Decimal
	MinTradeValueUSD  decimal.Decimal
	MaxSingleTradeUSD decimal.Decimal
	Groups            []domain.WalletGroup
}

// Config carries the funds-management knobs.
type Config struct {
	SnapshotInterval time.Duration
	NativeAsset      string
	SupportedAssets  []string
	ManagedGroups    []domain.WalletGroup
	LeavingAmount    decimal.Decimal // balance left behind by a sweep
	ConfirmTimeout   time.Duration
	GasDrip          LoopConfig
	Sweeper          LoopConfig
	Rebalancer       RebalanceConfig
}

func (c *Config) applyDefaults() {
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = time.Minute
	}
	if c.NativeAsset == "" {
		c.NativeAsset = "ETH"
	}
	if len(c.ManagedGroups) == 0 {
		c.ManagedGroups = []domain.WalletGroup{
			domain.GroupHot, domain.GroupStrategy, domain.GroupTreasury,
		}
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 2 * time.Minute
	}
	if c.GasDrip.CheckInterval <= 0 {
		c.GasDrip.CheckInterval = 2 * time.Minute
	}
	if c.GasDrip.MaxConcurrent <= 0 {
		c.GasDrip.MaxConcurrent = 5
	}
	if c.Sweeper.CheckInterval <= 0 {
		c.Sweeper.CheckInterval = 5 * time.Minute
	}
	if c.Sweeper.MaxConcurrent <= 0 {
		c.Sweeper.MaxConcurrent = 2
	}
	if c.Rebalancer.CheckInterval <= 0 {
		c.Rebalancer.CheckInterval = time.Hour
	}
	if c.Rebalancer.MaxConcurrent <= 0 {
		c.Rebalancer.MaxConcurrent = 1
	}
	if len(c.Rebalancer.Groups) == 0 {
		c.Rebalancer.Groups = c.ManagedGroups
	}
}

// Controller owns the four funds loops.
type Controller struct {
	cfg       Config
	wallets   *store.WalletRepository
	snapshots *store.SnapshotRepository
	jobs      *store.FundJobRepository
	alerts    *store.AlertRepository
	balances  domain.BalanceReader
	signer    domain.WalletSigner
	dex       domain.DexExecutor
	market    domain.MarketDataProvider
	gate      Gate
	eventMgr  *events.Manager
	clk       clock.Clock
	log       zerolog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a funds controller.
func New(
	cfg Config,
	wallets *store.WalletRepository,
	snapshots *store.SnapshotRepository,
	jobs *store.FundJobRepository,
	alerts *store.AlertRepository,
	balances domain.BalanceReader,
	signer domain.WalletSigner,
	dex domain.DexExecutor,
	market domain.MarketDataProvider,
	eventMgr *events.Manager,
	clk clock.Clock,
	log zerolog.Logger,
) *Controller {
	cfg.applyDefaults()
	return &Controller{
		cfg:       cfg,
		wallets:   wallets,
		snapshots: snapshots,
		jobs:      jobs,
		alerts:    alerts,
		balances:  balances,
		signer:    signer,
		dex:       dex,
		market:    market,
		gate:      openGate{},
		eventMgr:  eventMgr,
		clk:       clk,
		log:       log.With().Str("component", "funds").Logger(),
		stop:      make(chan struct{}),
	}
}

// SetGate installs the coordinator's emergency gate. Must be called
// before Start.
func (c *Controller) SetGate(g Gate) { c.gate = g }

// Start launches the snapshot, gas-drip, sweeper and rebalancer loops.
func (c *Controller) Start(ctx context.Context) {
	c.runLoop(ctx, "snapshot", c.cfg.SnapshotInterval, func() {
		if err := c.SnapshotNow(ctx); err != nil {
			c.log.Error().Err(err).Msg("Balance snapshot failed")
		}
	})
	c.runLoop(ctx, "gas_drip", c.cfg.GasDrip.CheckInterval, func() {
		if err := c.RunGasDrip(ctx); err != nil {
			c.log.Error().Err(err).Msg("Gas drip pass failed")
		}
	})
	c.runLoop(ctx, "sweeper", c.cfg.Sweeper.CheckInterval, func() {
		if err := c.RunSweeper(ctx); err != nil {
			c.log.Error().Err(err).Msg("Sweeper pass failed")
		}
	})
	c.runLoop(ctx, "rebalancer", c.cfg.Rebalancer.CheckInterval, func() {
		if err := c.RunRebalancer(ctx); err != nil {
			c.log.Error().Err(err).Msg("Rebalancer pass failed")
		}
	})
	c.log.Info().Msg("Funds controller started")
}

// Stop terminates all loops and waits for in-flight passes.
func (c *Controller) Stop() {
	close(c.stop)
	c.wg.Wait()
	c.log.Info().Msg("Funds controller stopped")
}

func (c *Controller) runLoop(ctx context.Context, name string, interval time.Duration, pass func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := c.clk.NewTicker(interval, 0)
		defer ticker.Stop()
		c.log.Debug().Str("loop", name).Dur("interval", interval).Msg("Funds loop started")
		for {
			select {
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C():
				pass()
			}
		}
	}()
}

// quote converts an asset amount to the reference currency through the
// market-data collaborator.
func (c *Controller) quote(ctx context.Context, asset string, amount decimal.Decimal) decimal.Decimal {
	if amount.IsZero() {
		return decimal.Zero
	}
	mark, err := c.market.GetMark(ctx, asset+"-USD")
	if err != nil {
		c.log.Warn().Err(err).Str("asset", asset).Msg("Failed to quote asset, using zero")
		return decimal.Zero
	}
	return amount.Mul(mark)
}

func (c *Controller) emitJobEvent(eventType events.EventType, job domain.FundJob) {
	c.eventMgr.Emit(eventType, "funds", map[string]interface{}{
		"job_id":  job.ID,
		"kind":    string(job.Kind),
		"dry_run": job.DryRun,
		"source":  job.Source,
		"target":  job.Target,
		"asset":   job.Asset,
		"amount":  job.Amount.String(),
	})
}

// openOrRefreshAlert records a funds condition with alert dedup
// semantics matching the risk assessor's.
func (c *Controller) openOrRefreshAlert(kind domain.AlertKind, severity domain.Severity, entityType domain.EntityType, entityID, message string, value, limit decimal.Decimal) {
	now := c.clk.Now()
	open, err := c.alerts.GetOpen(kind, entityType, entityID)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to look up funds alert")
		return
	}
	if open != nil {
		if err := c.alerts.Refresh(open.ID, value.String(), severity, now); err != nil {
			c.log.Error().Err(err).Msg("Failed to refresh funds alert")
		}
		return
	}
	alert := domain.RiskAlert{
		ID:           newJobID(),
		Kind:         kind,
		Severity:     severity,
		EntityType:   entityType,
		EntityID:     entityID,
		CurrentValue: value,
		LimitValue:   limit,
		Message:      message,
		Recommended:  domain.ActionNotifyOnly,
		TriggerCount: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.alerts.Create(alert); err != nil {
		c.log.Error().Err(err).Msg("Failed to create funds alert")
		return
	}
	c.eventMgr.Emit(events.RiskAlertCreated, "funds", map[string]interface{}{
		"alert_id":    alert.ID,
		"kind":        string(alert.Kind),
		"severity":    string(alert.Severity),
		"entity_type": string(alert.EntityType),
		"entity_id":   alert.EntityID,
	})
}

func newJobID() string { return uuid.NewString() }

// resolveFundsAlert closes a funds alert once its condition clears.
func (c *Controller) resolveFundsAlert(kind domain.AlertKind, entityType domain.EntityType, entityID string) {
	open, err := c.alerts.GetOpen(kind, entityType, entityID)
	if err != nil || open == nil {
		return
	}
	if err := c.alerts.Resolve(open.ID, "funds", c.clk.Now()); err != nil {
		c.log.Error().Err(err).Msg("Failed to resolve funds alert")
	}
}
