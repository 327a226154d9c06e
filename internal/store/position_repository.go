package store

import (
	"database/sql"
	"fmt"

	"github.com/quantfall/warden/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PositionRepository handles position database operations. Positions are
// owned by the strategy subsystem; the control plane reads and adjusts
// them by id.
type PositionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPositionRepository creates a new position repository
func NewPositionRepository(db *sql.DB, log zerolog.Logger) *PositionRepository {
	return &PositionRepository{
		db:  db,
		log: log.With().Str("repo", "positions").Logger(),
	}
}

const positionColumns = `id, strategy_id, symbol, side, quantity, avg_entry, mark,
	stop_loss, take_profit, status, opened_at, updated_at`

// GetActive returns all positions in active or closing state.
func (r *PositionRepository) GetActive() ([]domain.Position, error) {
	rows, err := r.db.Query(`SELECT `+positionColumns+` FROM positions
		WHERE status IN ('active', 'closing') ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active positions: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

// GetByStrategy returns all non-closed positions for one strategy.
func (r *PositionRepository) GetByStrategy(strategyID string) ([]domain.Position, error) {
	rows, err := r.db.Query(`SELECT `+positionColumns+` FROM positions
		WHERE strategy_id = ? AND status != 'closed' ORDER BY opened_at`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions for strategy %s: %w", strategyID, err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

// GetByID returns one position or domain.ErrNotFound.
func (r *PositionRepository) GetByID(id string) (*domain.Position, error) {
	row := r.db.QueryRow(`SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	pos, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position %s: %w", id, err)
	}
	return &pos, nil
}

// Upsert inserts or replaces a position row.
func (r *PositionRepository) Upsert(p domain.Position) error {
	now := encodeTime(p.UpdatedAt)
	_, err := r.db.Exec(`INSERT INTO positions
		(id, strategy_id, symbol, side, quantity, avg_entry, mark, stop_loss,
		 take_profit, status, opened_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			quantity = excluded.quantity,
			avg_entry = excluded.avg_entry,
			mark = excluded.mark,
			stop_loss = excluded.stop_loss,
			take_profit = excluded.take_profit,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		p.ID, p.StrategyID, p.Symbol, string(p.Side), p.Quantity.String(),
		p.AvgEntry.String(), p.Mark.String(), encodeDecimalPtr(p.StopLoss),
		encodeDecimalPtr(p.TakeProfit), string(p.Status),
		encodeTime(p.OpenedAt), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert position %s: %w", p.ID, err)
	}
	return nil
}

// UpdateMark sets the current mark price of a position.
func (r *PositionRepository) UpdateMark(id string, mark decimal.Decimal, at string) error {
	_, err := r.db.Exec(`UPDATE positions SET mark = ?, updated_at = ? WHERE id = ?`,
		mark.String(), at, id)
	if err != nil {
		return fmt.Errorf("failed to update mark for position %s: %w", id, err)
	}
	return nil
}

// SetStatus updates the position lifecycle status.
func (r *PositionRepository) SetStatus(id string, status domain.PositionStatus, at string) error {
	_, err := r.db.Exec(`UPDATE positions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), at, id)
	if err != nil {
		return fmt.Errorf("failed to set status for position %s: %w", id, err)
	}
	return nil
}

func scanPositions(rows *sql.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return positions, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (domain.Position, error) {
	var (
		p                    domain.Position
		side, status         string
		qty, entry, mark     string
		stopLoss, takeProfit sql.NullString
		openedAt, updatedAt  string
	)
	if err := row.Scan(&p.ID, &p.StrategyID, &p.Symbol, &side, &qty, &entry,
		&mark, &stopLoss, &takeProfit, &status, &openedAt, &updatedAt); err != nil {
		return domain.Position{}, err
	}

	var err error
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	if p.Quantity, err = decodeDecimal(qty); err != nil {
		return domain.Position{}, err
	}
	if p.AvgEntry, err = decodeDecimal(entry); err != nil {
		return domain.Position{}, err
	}
	if p.Mark, err = decodeDecimal(mark); err != nil {
		return domain.Position{}, err
	}
	if p.StopLoss, err = decodeDecimalPtr(stopLoss); err != nil {
		return domain.Position{}, err
	}
	if p.TakeProfit, err = decodeDecimalPtr(takeProfit); err != nil {
		return domain.Position{}, err
	}
	if p.OpenedAt, err = decodeTime(openedAt); err != nil {
		return domain.Position{}, err
	}
	if p.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}
