// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/quantfall/warden/internal/actionplan"
	"github.com/quantfall/warden/internal/assessor"
	"github.com/quantfall/warden/internal/domain"
	"github.com/quantfall/warden/internal/execution"
	"github.com/quantfall/warden/internal/funds"
	"github.com/quantfall/warden/internal/sizing"
)

// Config holds application configuration
type Config struct {
	DataDir  string // base directory for the database (always absolute)
	LogLevel string
	Port     int
	DevMode  bool

	DefaultLimits domain.RiskLimits
	EntryExit     domain.EntryExitPolicy

	Assessor assessor.Config
	Planner  actionplan.Config
	Executor execution.Config
	Builder  execution.BuilderConfig
	Funds    funds.Config
	Sizing   sizing.Config
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("WARDEN_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	exitLevels := parseLevels(getEnv("PARTIAL_EXIT_LEVELS", "5,10,15"))
	maxHoldTime := hoursToDuration(getEnvAsFloat("MAX_HOLD_TIME_HOURS", 0))

	cfg := &Config{
		DataDir:  absDataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Port:     getEnvAsInt("WARDEN_PORT", 8090),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		DefaultLimits: domain.RiskLimits{
			Scope:                   domain.ScopeGlobal,
			MaxPositionSize:         getEnvAsDecimal("RISK_MAX_POSITION_SIZE", "10000"),
			MaxPortfolioExposurePct: getEnvAsDecimal("RISK_MAX_PORTFOLIO_EXPOSURE_PCT", "80"),
			MaxDailyLoss:            getEnvAsDecimal("RISK_MAX_DAILY_LOSS", "500"),
			MaxDrawdownPct:          getEnvAsDecimal("RISK_MAX_DRAWDOWN_PCT", "20"),
			MaxLeverage:             getEnvAsDecimal("RISK_MAX_LEVERAGE", "3"),
			StopLossPct:             getEnvAsDecimal("RISK_STOP_LOSS_PCT", "5"),
			TakeProfitPct:           getEnvAsDecimal("RISK_TAKE_PROFIT_PCT", "10"),
			ConcentrationLimitPct:   getEnvAsDecimal("RISK_CONCENTRATION_LIMIT_PCT", "25"),
			CorrelationLimit:        getEnvAsDecimal("RISK_CORRELATION_LIMIT", "0.8"),
		},

		EntryExit: domain.EntryExitPolicy{
			MaxPyramidLevels:  getEnvAsInt("MAX_PYRAMID_LEVELS", 3),
			PyramidScale:      getEnvAsDecimal("PYRAMID_SCALE_FACTOR", "0.5"),
			EntrySpacingPct:   getEnvAsDecimal("ENTRY_SPACING_PCT", "1"),
			PartialExitLevels: exitLevels,
			StopLossPct:       getEnvAsDecimal("STOP_LOSS_PCT", "5"),
			TakeProfitPct:     getEnvAsDecimal("TAKE_PROFIT_PCT", "10"),
			TrailingStopPct:   getEnvAsDecimal("TRAILING_STOP_PCT", "0"),
			TimeExit:          hoursToDuration(getEnvAsFloat("TIME_EXIT_HOURS", 0)),
			MaxHoldTime:       maxHoldTime,
		},

		Assessor: assessor.Config{
			Interval:                getEnvAsDuration("ASSESSMENT_INTERVAL", 30*time.Second),
			Jitter:                  getEnvAsDuration("ASSESSMENT_JITTER", 0),
			PortfolioID:             getEnv("PORTFOLIO_ID", "main"),
			BenchmarkSymbol:         getEnv("BENCHMARK_SYMBOL", "BNB-USD"),
			VarConfidence:           getEnvAsFloat("VAR_CONFIDENCE_LEVEL", 0.95),
			LookbackDays:            getEnvAsInt("LOOKBACK_DAYS", 30),
			RiskFreeRate:            getEnvAsFloat("RISK_FREE_RATE", 0),
			LiquidityThreshold:      getEnvAsDecimal("LIQUIDITY_THRESHOLD", "10"),
			CorrelationThreshold:    getEnvAsFloat("CORRELATION_THRESHOLD", 0.7),
			MaxHoldTime:             maxHoldTime,
			ResolveHysteresisPct:    getEnvAsDecimal("RESOLVE_HYSTERESIS_PCT", "5"),
			ResolveConsecutiveTicks: getEnvAsInt("RESOLVE_CONSECUTIVE_TICKS", 3),
		},

		Planner: actionplan.Config{
			AutoActionEnabled:    getEnvAsBool("AUTO_ACTION_ENABLED", true),
			EmergencyStopEnabled: getEnvAsBool("EMERGENCY_STOP_ENABLED", true),
			CooldownWindow:       getEnvAsDuration("ACTION_COOLDOWN_WINDOW", 5*time.Minute),
			MaxConcurrentActions: getEnvAsInt("MAX_CONCURRENT_ACTIONS", 3),
			PartialExitLevels:    exitLevels,
		},

		Executor: execution.Config{
			MaxRetries:   getEnvAsInt("EXECUTOR_MAX_RETRIES", 3),
			BackoffBase:  getEnvAsDuration("EXECUTOR_BACKOFF_BASE", 500*time.Millisecond),
			OrderTimeout: getEnvAsDuration("EXECUTOR_ORDER_TIMEOUT", time.Minute),
			MaxParallel:  getEnvAsInt("EXECUTOR_MAX_PARALLEL", 4),
			PollInterval: getEnvAsDuration("EXECUTOR_POLL_INTERVAL", 5*time.Second),
		},

		Builder: execution.BuilderConfig{
			PlanTTL:         getEnvAsDuration("PLAN_TTL", 30*time.Minute),
			DustThreshold:   getEnvAsDecimal("DUST_THRESHOLD", "0.000001"),
			ExecutionWallet: getEnv("EXECUTION_WALLET", ""),
			StaggerDelay:    getEnvAsDuration("STAGGER_DELAY", 2*time.Second),
		},

		Funds: funds.Config{
			SnapshotInterval: getEnvAsDuration("BALANCE_CHECK_INTERVAL", time.Minute),
			NativeAsset:      getEnv("NATIVE_ASSET", "BNB"),
			SupportedAssets:  getEnvAsList("SUPPORTED_ASSETS", []string{"BNB", "USDT", "WBNB"}),
			ManagedGroups:    parseGroups(getEnvAsList("MANAGED_WALLET_GROUPS", []string{"hot", "strategy", "treasury"})),
			LeavingAmount:    getEnvAsDecimal("SWEEP_LEAVING_AMOUNT", "0"),
			ConfirmTimeout:   getEnvAsDuration("TX_CONFIRM_TIMEOUT", 2*time.Minute),
			GasDrip: funds.LoopConfig{
				CheckInterval: getEnvAsDuration("GAS_DRIP_CHECK_INTERVAL", 2*time.Minute),
				MaxConcurrent: getEnvAsInt("GAS_DRIP_MAX_CONCURRENT", 5),
				DryRun:        getEnvAsBool("GAS_DRIP_DRY_RUN", true),
			},
			Sweeper: funds.LoopConfig{
				CheckInterval: getEnvAsDuration("SWEEPER_CHECK_INTERVAL", 5*time.Minute),
				MaxConcurrent: getEnvAsInt("SWEEPER_MAX_CONCURRENT", 2),
				DryRun:        getEnvAsBool("SWEEPER_DRY_RUN", true),
			},
			Rebalancer: funds.RebalanceConfig{
				LoopConfig: funds.LoopConfig{
					CheckInterval: getEnvAsDuration("REBALANCER_CHECK_INTERVAL", time.Hour),
					MaxConcurrent: getEnvAsInt("REBALANCER_MAX_CONCURRENT", 1),
					DryRun:        getEnvAsBool("REBALANCER_DRY_RUN", true),
				},
				Targets:           parseTargets(getEnv("REBALANCE_TARGETS", "")),
				ToleranceBandPct:  getEnvAsDecimal("REBALANCE_TOLERANCE_BAND", "5"),
				MinTradeValueUSD:  getEnvAsDecimal("MIN_REBALANCE_VALUE_USD", "50"),
				MaxSingleTradeUSD: getEnvAsDecimal("MAX_SINGLE_TRADE_USD", "1000"),
			},
		},

		Sizing: sizing.Config{
			Method:             sizing.Method(getEnv("SIZING_METHOD", "fixed")),
			BaseSize:           getEnvAsDecimal("SIZING_BASE_SIZE", "100"),
			MinSize:            getEnvAsDecimal("SIZING_MIN_SIZE", "10"),
			MaxSize:            getEnvAsDecimal("SIZING_MAX_SIZE", "0"),
			PortfolioPct:       getEnvAsDecimal("SIZING_PORTFOLIO_PCT", "2"),
			TargetRiskPct:      getEnvAsDecimal("SIZING_TARGET_RISK_PCT", "1"),
			PerTradeRiskPct:    getEnvAsDecimal("SIZING_PER_TRADE_RISK_PCT", "1"),
			KellySafetyFactor:  getEnvAsDecimal("SIZING_KELLY_SAFETY_FACTOR", "0.25"),
			VolatilityLookback: getEnvAsInt("SIZING_VOLATILITY_LOOKBACK", 30),
			KellyLookback:      getEnvAsInt("SIZING_KELLY_LOOKBACK", 60),
			SizeMultiplier:     getEnvAsDecimal("SIZING_SIZE_MULTIPLIER", "1"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Assessor.VarConfidence <= 0 || c.Assessor.VarConfidence >= 1 {
		return fmt.Errorf("var confidence level must be in (0, 1), got %v", c.Assessor.VarConfidence)
	}
	if !c.Sizing.Method.Valid() {
		return fmt.Errorf("unknown sizing method %q", c.Sizing.Method)
	}
	for asset, pct := range c.Funds.Rebalancer.Targets {
		if pct.IsNegative() {
			return fmt.Errorf("rebalance target for %s is negative", asset)
		}
	}
	levels := c.EntryExit.PartialExitLevels
	for i := 1; i < len(levels); i++ {
		if !levels[i].GreaterThan(levels[i-1]) {
			return fmt.Errorf("partial exit levels must be strictly ascending, got %s after %s", levels[i], levels[i-1])
		}
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if dur, err := time.ParseDuration(value); err == nil {
			return dur
		}
	}
	return defaultValue
}

func getEnvAsDecimal(key, defaultValue string) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if dec, err := decimal.NewFromString(value); err == nil {
			return dec
		}
	}
	return decimal.RequireFromString(defaultValue)
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hoursToDuration(hours float64) time.Duration {
	return time.Duration(hours * float64(time.Hour))
}

// parseLevels reads "5,10,15" into profit thresholds. Malformed entries
// are dropped.
func parseLevels(raw string) []decimal.Decimal {
	var out []decimal.Decimal
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := decimal.NewFromString(part)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

func parseGroups(names []string) []domain.WalletGroup {
	out := make([]domain.WalletGroup, 0, len(names))
	for _, n := range names {
		out = append(out, domain.WalletGroup(n))
	}
	return out
}

// parseTargets reads "BNB:30,USDT:50,WBNB:20" into asset percentages.
// Malformed entries are dropped.
func parseTargets(raw string) map[string]decimal.Decimal {
	if raw == "" {
		return nil
	}
	out := make(map[string]decimal.Decimal)
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
		if len(parts) != 2 {
			continue
		}
		pct, err := decimal.NewFromString(strings.TrimSpace(parts[1]))
		if err != nil {
			continue
		}
		out[strings.TrimSpace(parts[0])] = pct
	}
	return out
}
