package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/quantfall/warden/internal/domain"
	"github.com/rs/zerolog"
)

// AlertRepository handles risk and funds alerts. Alerts are never
// deleted; resolution is a monotonic update and a resolved alert stays
// resolved.
type AlertRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewAlertRepository creates a new alert repository
func NewAlertRepository(db *sql.DB, log zerolog.Logger) *AlertRepository {
	return &AlertRepository{
		db:  db,
		log: log.With().Str("repo", "alerts").Logger(),
	}
}

const alertColumns = `id, kind, severity, entity_type, entity_id, current_value,
	limit_value, message, recommended_action, trigger_count, created_at, updated_at,
	resolved_at, resolved_by`

// Create inserts a new alert.
func (r *AlertRepository) Create(a domain.RiskAlert) error {
	_, err := r.db.Exec(`INSERT INTO risk_alerts
		(id, kind, severity, entity_type, entity_id, current_value, limit_value,
		 message, recommended_action, trigger_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Kind), string(a.Severity), string(a.EntityType), a.EntityID,
		a.CurrentValue.String(), a.LimitValue.String(), a.Message,
		string(a.Recommended), a.TriggerCount, encodeTime(a.CreatedAt),
		encodeTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create alert %s: %w", a.ID, err)
	}
	return nil
}

// GetOpen returns the unresolved alert for a dedup key, or (nil, nil)
// when no open alert exists. Absence is the common case on every healthy
// tick, so it is not an error.
func (r *AlertRepository) GetOpen(kind domain.AlertKind, entityType domain.EntityType, entityID string) (*domain.RiskAlert, error) {
	row := r.db.QueryRow(`SELECT `+alertColumns+` FROM risk_alerts
		WHERE kind = ? AND entity_type = ? AND entity_id = ? AND resolved_at IS NULL
		ORDER BY created_at DESC LIMIT 1`,
		string(kind), string(entityType), entityID)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open alert: %w", err)
	}
	return &a, nil
}

// GetByID returns one alert.
func (r *AlertRepository) GetByID(id string) (*domain.RiskAlert, error) {
	row := r.db.QueryRow(`SELECT `+alertColumns+` FROM risk_alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert %s: %w", id, err)
	}
	return &a, nil
}

// Refresh updates the observed value of an open alert and increments its
// trigger count. Used inside the cooldown window instead of duplicating.
func (r *AlertRepository) Refresh(id string, current string, severity domain.Severity, at time.Time) error {
	res, err := r.db.Exec(`UPDATE risk_alerts
		SET current_value = ?, severity = ?, trigger_count = trigger_count + 1, updated_at = ?
		WHERE id = ? AND resolved_at IS NULL`,
		current, string(severity), encodeTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to refresh alert %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Resolve marks an alert resolved. Resolving an already-resolved alert is
// a no-op so resolution stays monotonic.
func (r *AlertRepository) Resolve(id, resolvedBy string, at time.Time) error {
	_, err := r.db.Exec(`UPDATE risk_alerts
		SET resolved_at = ?, resolved_by = ?, updated_at = ?
		WHERE id = ? AND resolved_at IS NULL`,
		encodeTime(at), resolvedBy, encodeTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to resolve alert %s: %w", id, err)
	}
	return nil
}

// ListFilter narrows List results.
type ListFilter struct {
	ActiveOnly bool
	Severity   domain.Severity
	EntityType domain.EntityType
	Limit      int
}

// List returns alerts newest first, optionally filtered.
func (r *AlertRepository) List(f ListFilter) ([]domain.RiskAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM risk_alerts WHERE 1=1`
	args := []interface{}{}
	if f.ActiveOnly {
		query += ` AND resolved_at IS NULL`
	}
	if f.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(f.Severity))
	}
	if f.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, string(f.EntityType))
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var out []domain.RiskAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	return out, nil
}

func scanAlert(row rowScanner) (domain.RiskAlert, error) {
	var (
		a                              domain.RiskAlert
		kind, severity, etype          string
		current, limit, recommended    string
		createdAt, updatedAt           string
		resolvedAt                     sql.NullString
	)
	if err := row.Scan(&a.ID, &kind, &severity, &etype, &a.EntityID, &current,
		&limit, &a.Message, &recommended, &a.TriggerCount, &createdAt, &updatedAt,
		&resolvedAt, &a.ResolvedBy); err != nil {
		return domain.RiskAlert{}, err
	}

	a.Kind = domain.AlertKind(kind)
	a.Severity = domain.Severity(severity)
	a.EntityType = domain.EntityType(etype)
	a.Recommended = domain.ActionKind(recommended)

	var err error
	if a.CurrentValue, err = decodeDecimal(current); err != nil {
		return domain.RiskAlert{}, err
	}
	if a.LimitValue, err = decodeDecimal(limit); err != nil {
		return domain.RiskAlert{}, err
	}
	if a.CreatedAt, err = decodeTime(createdAt); err != nil {
		return domain.RiskAlert{}, err
	}
	if a.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return domain.RiskAlert{}, err
	}
	if a.ResolvedAt, err = decodeTimePtr(resolvedAt); err != nil {
		return domain.RiskAlert{}, err
	}
	return a, nil
}
