// Package main is the entry point for the Warden risk and position
// control plane. It assesses portfolio risk on an interval, grades
// alerts, drives mitigation plans to a terminal state and keeps managed
// wallets funded, with an HTTP surface for the operator.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfall/warden/internal/actionplan"
	"github.com/quantfall/warden/internal/assessor"
	"github.com/quantfall/warden/internal/clock"
	"github.com/quantfall/warden/internal/config"
	"github.com/quantfall/warden/internal/coordinator"
	"github.com/quantfall/warden/internal/database"
	"github.com/quantfall/warden/internal/domain"
	"github.com/quantfall/warden/internal/events"
	"github.com/quantfall/warden/internal/execution"
	"github.com/quantfall/warden/internal/funds"
	"github.com/quantfall/warden/internal/scheduler"
	"github.com/quantfall/warden/internal/server"
	"github.com/quantfall/warden/internal/sizing"
	"github.com/quantfall/warden/internal/store"
	"github.com/quantfall/warden/internal/venue"
	"github.com/quantfall/warden/pkg/logger"
)

// getEnv retrieves an environment variable value, returning a fallback
// if the variable is not set or is empty.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting Warden")

	db, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "warden.db"),
		Name: "control",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open control database")
	}
	defer db.Close()

	conn := db.Conn()
	repos := coordinator.Repositories{
		Positions: store.NewPositionRepository(conn, log),
		Limits:    store.NewLimitsRepository(conn, log),
		Risks:     store.NewRiskRepository(conn, log),
		Alerts:    store.NewAlertRepository(conn, log),
		Actions:   store.NewActionRepository(conn, log),
		Plans:     store.NewPlanRepository(conn, log),
		Wallets:   store.NewWalletRepository(conn, log),
		Snapshots: store.NewSnapshotRepository(conn, log),
		Jobs:      store.NewFundJobRepository(conn, log),
	}

	clk := clock.NewReal()

	// Seed the global limit scope on first boot so assessment has a
	// baseline before the operator tunes anything.
	if _, err := repos.Limits.Get(domain.ScopeGlobal); err == domain.ErrNotFound {
		limits := cfg.DefaultLimits
		limits.Scope = domain.ScopeGlobal
		limits.UpdatedAt = clk.Now()
		if err := repos.Limits.Upsert(limits); err != nil {
			log.Fatal().Err(err).Msg("Failed to seed default risk limits")
		}
		log.Info().Msg("Seeded default global risk limits")
	}

	bus := events.NewBus()
	eventMgr := events.NewManager(bus, log)

	// Until a live RPC endpoint is wired in, the on-chain collaborators
	// are simulated in process. All funds loops default to dry-run.
	marks := make(map[string]decimal.Decimal, len(cfg.Funds.SupportedAssets))
	for _, asset := range cfg.Funds.SupportedAssets {
		marks[asset+"-USD"] = decimal.NewFromInt(1)
	}
	market := venue.NewPaperMarket(marks, log)
	dex := venue.NewPaperDex(clk, log)
	signer := venue.NewPaperSigner(clk, log)
	balances := venue.NewPaperBalances()
	openOrders := venue.PaperOpenOrders{}
	log.Warn().Msg("Running against simulated venue adapters")

	asr := assessor.New(cfg.Assessor, repos.Positions, repos.Limits, repos.Risks,
		repos.Alerts, market, eventMgr, clk, log)
	planner := actionplan.New(cfg.Planner, repos.Actions, repos.Alerts, repos.Positions, eventMgr, clk, log)
	builder := execution.NewBuilder(cfg.Builder, repos.Positions, openOrders, clk, log)
	executor := execution.New(cfg.Executor, builder, repos.Plans, repos.Actions,
		repos.Alerts, repos.Positions, dex, eventMgr, clk, log)
	fundsCtrl := funds.New(cfg.Funds, repos.Wallets, repos.Snapshots, repos.Jobs,
		repos.Alerts, balances, signer, dex, market, eventMgr, clk, log)
	stats := sizing.NewMarketStats(repos.Positions, market, clk, log)
	sizer := sizing.New(cfg.Sizing, stats, log)

	coord := coordinator.New(db, repos, asr, planner, executor, fundsCtrl, sizer,
		eventMgr, clk, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := coord.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start control loops")
	}

	retention, err := time.ParseDuration(getEnv("SNAPSHOT_RETENTION", "168h"))
	if err != nil {
		log.Fatal().Err(err).Str("value", os.Getenv("SNAPSHOT_RETENTION")).
			Msg("Invalid snapshot retention")
	}

	sched := scheduler.New(log)
	if err := sched.AddJob("0 0 * * *", scheduler.NewDailyResetJob(asr, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register daily reset job")
	}
	if err := sched.AddJob("30 0 * * *", scheduler.NewSnapshotPruneJob(repos.Snapshots, retention, clk, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register snapshot prune job")
	}
	sched.Start()

	srv := server.New(server.Config{Port: cfg.Port, DevMode: cfg.DevMode, Policy: cfg.EntryExit}, coord, bus, log)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	sched.Stop()
	coord.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Warden stopped")
}
