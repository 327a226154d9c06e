package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/quantfall/warden/internal/domain"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// ActionRepository handles risk action records. An action is persisted
// before any downstream execution; (action id, alert id) is the
// idempotency key for plan construction.
type ActionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewActionRepository creates a new action repository
func NewActionRepository(db *sql.DB, log zerolog.Logger) *ActionRepository {
	return &ActionRepository{
		db:  db,
		log: log.With().Str("repo", "actions").Logger(),
	}
}

const actionColumns = `id, kind, alert_id, params, status, result, created_at, executed_at`

// Create inserts a new pending action.
func (r *ActionRepository) Create(a domain.RiskAction) error {
	params, err := msgpack.Marshal(a.Params)
	if err != nil {
		return fmt.Errorf("failed to encode action params: %w", err)
	}
	_, err = r.db.Exec(`INSERT INTO risk_actions
		(id, kind, alert_id, params, status, result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Kind), a.AlertID, params, string(a.Status), a.Result,
		encodeTime(a.CreatedAt), encodeTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create action %s: %w", a.ID, err)
	}
	return nil
}

// GetByID returns one action.
func (r *ActionRepository) GetByID(id string) (*domain.RiskAction, error) {
	row := r.db.QueryRow(`SELECT `+actionColumns+` FROM risk_actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action %s: %w", id, err)
	}
	return &a, nil
}

// Pending returns actions awaiting execution, oldest first.
func (r *ActionRepository) Pending(limit int) ([]domain.RiskAction, error) {
	rows, err := r.db.Query(`SELECT `+actionColumns+` FROM risk_actions
		WHERE status = 'pending' ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending actions: %w", err)
	}
	defer rows.Close()
	return scanActions(rows)
}

// List returns actions newest first.
func (r *ActionRepository) List(limit int) ([]domain.RiskAction, error) {
	rows, err := r.db.Query(`SELECT `+actionColumns+` FROM risk_actions
		ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()
	return scanActions(rows)
}

// CountRecentNonCancelled counts non-cancelled actions of a kind for an
// entity created after the cutoff. Used for the per-kind cooldown rule:
// at most one action per (kind, entity) per cooldown window.
func (r *ActionRepository) CountRecentNonCancelled(kind domain.ActionKind, entityType domain.EntityType, entityID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM risk_actions a
		JOIN risk_alerts al ON al.id = a.alert_id
		WHERE a.kind = ? AND al.entity_type = ? AND al.entity_id = ?
		  AND a.status != 'cancelled' AND a.created_at >= ?`,
		string(kind), string(entityType), entityID, encodeTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent actions: %w", err)
	}
	return n, nil
}

// CountActive counts actions not yet in a terminal status.
func (r *ActionRepository) CountActive() (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM risk_actions
		WHERE status IN ('pending', 'executing')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active actions: %w", err)
	}
	return n, nil
}

// SetStatus transitions the action status. Terminal statuses record the
// execution instant and result.
func (r *ActionRepository) SetStatus(tx *sql.Tx, id string, status domain.ActionStatus, result string, at time.Time) error {
	var executedAt interface{}
	if status.Terminal() {
		executedAt = encodeTime(at)
	}
	exec := r.db.Exec
	if tx != nil {
		exec = tx.Exec
	}
	_, err := exec(`UPDATE risk_actions
		SET status = ?, result = ?, executed_at = COALESCE(?, executed_at), updated_at = ?
		WHERE id = ?`,
		string(status), result, executedAt, encodeTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to set action %s status: %w", id, err)
	}
	return nil
}

func scanActions(rows *sql.Rows) ([]domain.RiskAction, error) {
	var out []domain.RiskAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}
	return out, nil
}

func scanAction(row rowScanner) (domain.RiskAction, error) {
	var (
		a          domain.RiskAction
		kind       string
		params     []byte
		status     string
		createdAt  string
		executedAt sql.NullString
	)
	if err := row.Scan(&a.ID, &kind, &a.AlertID, &params, &status, &a.Result,
		&createdAt, &executedAt); err != nil {
		return domain.RiskAction{}, err
	}

	a.Kind = domain.ActionKind(kind)
	a.Status = domain.ActionStatus(status)
	if len(params) > 0 {
		if err := msgpack.Unmarshal(params, &a.Params); err != nil {
			return domain.RiskAction{}, fmt.Errorf("failed to decode action params: %w", err)
		}
	}

	var err error
	if a.CreatedAt, err = decodeTime(createdAt); err != nil {
		return domain.RiskAction{}, err
	}
	if a.ExecutedAt, err = decodeTimePtr(executedAt); err != nil {
		return domain.RiskAction{}, err
	}
	return a, nil
}
