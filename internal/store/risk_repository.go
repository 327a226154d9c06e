package store

import (
	"database/sql"
	"fmt"

	"github.com/quantfall/warden/internal/domain"
	"github.com/rs/zerolog"
)

// RiskRepository stores the derived risk rows rewritten on each
// assessment tick.
type RiskRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRiskRepository creates a new risk repository
func NewRiskRepository(db *sql.DB, log zerolog.Logger) *RiskRepository {
	return &RiskRepository{
		db:  db,
		log: log.With().Str("repo", "risk").Logger(),
	}
}

// UpsertPositionRisk rewrites the risk row for one position.
func (r *RiskRepository) UpsertPositionRisk(pr domain.PositionRisk) error {
	now := encodeTime(pr.AssessedAt)
	_, err := r.db.Exec(`INSERT INTO position_risk
		(position_id, symbol, size, var_1d, exposure_pct, max_drawdown, mae, mfe,
		 efficiency, risk_score, liquidity, beta, unrealized_pnl, assessed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (position_id) DO UPDATE SET
			symbol = excluded.symbol,
			size = excluded.size,
			var_1d = excluded.var_1d,
			exposure_pct = excluded.exposure_pct,
			max_drawdown = excluded.max_drawdown,
			mae = excluded.mae,
			mfe = excluded.mfe,
			efficiency = excluded.efficiency,
			risk_score = excluded.risk_score,
			liquidity = excluded.liquidity,
			beta = excluded.beta,
			unrealized_pnl = excluded.unrealized_pnl,
			assessed_at = excluded.assessed_at,
			updated_at = excluded.updated_at`,
		pr.PositionID, pr.Symbol, pr.Size.String(), pr.VaR1d.String(),
		pr.ExposurePct.String(), pr.MaxDrawdown.String(), pr.MAE.String(),
		pr.MFE.String(), pr.Efficiency.String(), pr.RiskScore.String(),
		pr.Liquidity.String(), pr.Beta.String(), pr.UnrealizedPnL.String(), now, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert position risk %s: %w", pr.PositionID, err)
	}
	return nil
}

// GetPositionRisk returns the risk row for one position.
func (r *RiskRepository) GetPositionRisk(positionID string) (*domain.PositionRisk, error) {
	row := r.db.QueryRow(`SELECT position_id, symbol, size, var_1d, exposure_pct,
		max_drawdown, mae, mfe, efficiency, risk_score, liquidity, beta, unrealized_pnl, assessed_at
		FROM position_risk WHERE position_id = ?`, positionID)
	pr, err := scanPositionRisk(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position risk %s: %w", positionID, err)
	}
	return &pr, nil
}

// AllPositionRisk returns every position risk row.
func (r *RiskRepository) AllPositionRisk() ([]domain.PositionRisk, error) {
	rows, err := r.db.Query(`SELECT position_id, symbol, size, var_1d, exposure_pct,
		max_drawdown, mae, mfe, efficiency, risk_score, liquidity, beta, unrealized_pnl, assessed_at
		FROM position_risk ORDER BY position_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query position risk: %w", err)
	}
	defer rows.Close()

	var out []domain.PositionRisk
	for rows.Next() {
		pr, err := scanPositionRisk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position risk: %w", err)
		}
		out = append(out, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position risk: %w", err)
	}
	return out, nil
}

// UpsertPortfolioRisk rewrites the portfolio-level risk row.
func (r *RiskRepository) UpsertPortfolioRisk(pr domain.PortfolioRisk) error {
	now := encodeTime(pr.AssessedAt)
	_, err := r.db.Exec(`INSERT INTO portfolio_risk
		(portfolio_id, total_value, total_var_1d, exposure_pct, drawdown_pct,
		 concentration, correlation, beta, sharpe, sortino, risk_score, daily_pnl,
		 assessed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (portfolio_id) DO UPDATE SET
			total_value = excluded.total_value,
			total_var_1d = excluded.total_var_1d,
			exposure_pct = excluded.exposure_pct,
			drawdown_pct = excluded.drawdown_pct,
			concentration = excluded.concentration,
			correlation = excluded.correlation,
			beta = excluded.beta,
			sharpe = excluded.sharpe,
			sortino = excluded.sortino,
			risk_score = excluded.risk_score,
			daily_pnl = excluded.daily_pnl,
			assessed_at = excluded.assessed_at,
			updated_at = excluded.updated_at`,
		pr.PortfolioID, pr.TotalValue.String(), pr.TotalVaR1d.String(),
		pr.ExposurePct.String(), pr.DrawdownPct.String(), pr.Concentration.String(),
		pr.Correlation.String(), pr.Beta.String(), pr.Sharpe.String(),
		pr.Sortino.String(), pr.RiskScore.String(), pr.DailyPnL.String(), now, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert portfolio risk %s: %w", pr.PortfolioID, err)
	}
	return nil
}

// GetPortfolioRisk returns the portfolio risk row.
func (r *RiskRepository) GetPortfolioRisk(portfolioID string) (*domain.PortfolioRisk, error) {
	row := r.db.QueryRow(`SELECT portfolio_id, total_value, total_var_1d, exposure_pct,
		drawdown_pct, concentration, correlation, beta, sharpe, sortino, risk_score, daily_pnl, assessed_at
		FROM portfolio_risk WHERE portfolio_id = ?`, portfolioID)

	var (
		pr         domain.PortfolioRisk
		fields     [11]string
		assessedAt string
	)
	err := row.Scan(&pr.PortfolioID, &fields[0], &fields[1], &fields[2], &fields[3],
		&fields[4], &fields[5], &fields[6], &fields[7], &fields[8], &fields[9],
		&fields[10], &assessedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get portfolio risk %s: %w", portfolioID, err)
	}

	dsts := []*decimalDst{
		{&pr.TotalValue}, {&pr.TotalVaR1d}, {&pr.ExposurePct}, {&pr.DrawdownPct},
		{&pr.Concentration}, {&pr.Correlation}, {&pr.Beta}, {&pr.Sharpe},
		{&pr.Sortino}, {&pr.RiskScore}, {&pr.DailyPnL},
	}
	for i, dst := range dsts {
		if *dst.d, err = decodeDecimal(fields[i]); err != nil {
			return nil, err
		}
	}
	if pr.AssessedAt, err = decodeTime(assessedAt); err != nil {
		return nil, err
	}
	return &pr, nil
}

func scanPositionRisk(row rowScanner) (domain.PositionRisk, error) {
	var (
		pr         domain.PositionRisk
		fields     [11]string
		assessedAt string
	)
	if err := row.Scan(&pr.PositionID, &pr.Symbol, &fields[0], &fields[1], &fields[2],
		&fields[3], &fields[4], &fields[5], &fields[6], &fields[7], &fields[8],
		&fields[9], &fields[10], &assessedAt); err != nil {
		return domain.PositionRisk{}, err
	}

	var err error
	dsts := []*decimalDst{
		{&pr.Size}, {&pr.VaR1d}, {&pr.ExposurePct}, {&pr.MaxDrawdown},
		{&pr.MAE}, {&pr.MFE}, {&pr.Efficiency}, {&pr.RiskScore}, {&pr.Liquidity},
		{&pr.Beta}, {&pr.UnrealizedPnL},
	}
	for i, dst := range dsts {
		if *dst.d, err = decodeDecimal(fields[i]); err != nil {
			return domain.PositionRisk{}, err
		}
	}
	if pr.AssessedAt, err = decodeTime(assessedAt); err != nil {
		return domain.PositionRisk{}, err
	}
	return pr, nil
}
