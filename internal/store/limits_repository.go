package store

import (
	"database/sql"
	"fmt"

	"github.com/quantfall/warden/internal/domain"
	"github.com/rs/zerolog"
)

// LimitsRepository handles risk-limit configuration rows. Limits are read
// on every assessment tick; writes are serialized through transactions.
type LimitsRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewLimitsRepository creates a new limits repository
func NewLimitsRepository(db *sql.DB, log zerolog.Logger) *LimitsRepository {
	return &LimitsRepository{
		db:  db,
		log: log.With().Str("repo", "limits").Logger(),
	}
}

// Upsert inserts or replaces the limits for a scope.
func (r *LimitsRepository) Upsert(l domain.RiskLimits) error {
	now := encodeTime(l.UpdatedAt)
	_, err := r.db.Exec(`INSERT INTO risk_limits
		(scope, max_position_size, max_portfolio_exposure_pct, max_daily_loss,
		 max_drawdown_pct, max_leverage, stop_loss_pct, take_profit_pct,
		 concentration_limit_pct, correlation_limit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope) DO UPDATE SET
			max_position_size = excluded.max_position_size,
			max_portfolio_exposure_pct = excluded.max_portfolio_exposure_pct,
			max_daily_loss = excluded.max_daily_loss,
			max_drawdown_pct = excluded.max_drawdown_pct,
			max_leverage = excluded.max_leverage,
			stop_loss_pct = excluded.stop_loss_pct,
			take_profit_pct = excluded.take_profit_pct,
			concentration_limit_pct = excluded.concentration_limit_pct,
			correlation_limit = excluded.correlation_limit,
			updated_at = excluded.updated_at`,
		string(l.Scope), l.MaxPositionSize.String(), l.MaxPortfolioExposurePct.String(),
		l.MaxDailyLoss.String(), l.MaxDrawdownPct.String(), l.MaxLeverage.String(),
		l.StopLossPct.String(), l.TakeProfitPct.String(),
		l.ConcentrationLimitPct.String(), l.CorrelationLimit.String(), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert limits for scope %s: %w", l.Scope, err)
	}
	return nil
}

// Get returns the limits for an exact scope, or domain.ErrNotFound.
func (r *LimitsRepository) Get(scope domain.LimitScope) (*domain.RiskLimits, error) {
	row := r.db.QueryRow(`SELECT scope, max_position_size, max_portfolio_exposure_pct,
		max_daily_loss, max_drawdown_pct, max_leverage, stop_loss_pct, take_profit_pct,
		concentration_limit_pct, correlation_limit, updated_at
		FROM risk_limits WHERE scope = ?`, string(scope))

	l, err := scanLimits(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get limits for scope %s: %w", scope, err)
	}
	return &l, nil
}

// Resolve returns the most specific limits applicable to a strategy:
// strategy scope wins over portfolio scope wins over global. Missing
// scopes fall through; a completely unconfigured store returns
// domain.ErrNotFound.
func (r *LimitsRepository) Resolve(strategyID, portfolioID string) (*domain.RiskLimits, error) {
	scopes := []domain.LimitScope{}
	if strategyID != "" {
		scopes = append(scopes, domain.ScopeStrategy(strategyID))
	}
	if portfolioID != "" {
		scopes = append(scopes, domain.ScopePortfolio(portfolioID))
	}
	scopes = append(scopes, domain.ScopeGlobal)

	for _, scope := range scopes {
		l, err := r.Get(scope)
		if err == domain.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		return l, nil
	}
	return nil, domain.ErrNotFound
}

// All returns every configured limits row.
func (r *LimitsRepository) All() ([]domain.RiskLimits, error) {
	rows, err := r.db.Query(`SELECT scope, max_position_size, max_portfolio_exposure_pct,
		max_daily_loss, max_drawdown_pct, max_leverage, stop_loss_pct, take_profit_pct,
		concentration_limit_pct, correlation_limit, updated_at
		FROM risk_limits ORDER BY scope`)
	if err != nil {
		return nil, fmt.Errorf("failed to query limits: %w", err)
	}
	defer rows.Close()

	var out []domain.RiskLimits
	for rows.Next() {
		l, err := scanLimits(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan limits: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating limits: %w", err)
	}
	return out, nil
}

func scanLimits(row rowScanner) (domain.RiskLimits, error) {
	var (
		l                                            domain.RiskLimits
		scope                                        string
		maxPos, maxExp, maxLoss, maxDD, maxLev       string
		slPct, tpPct, concPct, corrLimit, updatedAt  string
	)
	if err := row.Scan(&scope, &maxPos, &maxExp, &maxLoss, &maxDD, &maxLev,
		&slPct, &tpPct, &concPct, &corrLimit, &updatedAt); err != nil {
		return domain.RiskLimits{}, err
	}

	l.Scope = domain.LimitScope(scope)

	var err error
	if l.MaxPositionSize, err = decodeDecimal(maxPos); err != nil {
		return domain.RiskLimits{}, err
	}
	if l.MaxPortfolioExposurePct, err = decodeDecimal(maxExp); err != nil {
		return domain.RiskLimits{}, err
	}
	if l.MaxDailyLoss, err = decodeDecimal(maxLoss); err != nil {
		return domain.RiskLimits{}, err
	}
	if l.MaxDrawdownPct, err = decodeDecimal(maxDD); err != nil {
		return domain.RiskLimits{}, err
	}
	if l.MaxLeverage, err = decodeDecimal(maxLev); err != nil {
		return domain.RiskLimits{}, err
	}
	if l.StopLossPct, err = decodeDecimal(slPct); err != nil {
		return domain.RiskLimits{}, err
	}
	if l.TakeProfitPct, err = decodeDecimal(tpPct); err != nil {
		return domain.RiskLimits{}, err
	}
	if l.ConcentrationLimitPct, err = decodeDecimal(concPct); err != nil {
		return domain.RiskLimits{}, err
	}
	if l.CorrelationLimit, err = decodeDecimal(corrLimit); err != nil {
		return domain.RiskLimits{}, err
	}
	if l.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return domain.RiskLimits{}, err
	}
	return l, nil
}
