package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/quantfall/warden/internal/domain"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// FundJobRepository handles gas top-up, sweep and rebalance job records.
type FundJobRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewFundJobRepository creates a new fund job repository
func NewFundJobRepository(db *sql.DB, log zerolog.Logger) *FundJobRepository {
	return &FundJobRepository{
		db:  db,
		log: log.With().Str("repo", "fund_jobs").Logger(),
	}
}

const fundJobColumns = `id, kind, status, dry_run, source, target, asset, amount,
	group_scope, trades, tx_ref, error, created_at, executed_at`

// Create inserts a new pending job.
func (r *FundJobRepository) Create(j domain.FundJob) error {
	var trades []byte
	if len(j.Trades) > 0 {
		var err error
		if trades, err = msgpack.Marshal(j.Trades); err != nil {
			return fmt.Errorf("failed to encode rebalance trades: %w", err)
		}
	}

	groups := make([]string, len(j.GroupScope))
	for i, g := range j.GroupScope {
		groups[i] = string(g)
	}

	_, err := r.db.Exec(`INSERT INTO fund_jobs
		(id, kind, status, dry_run, source, target, asset, amount, group_scope,
		 trades, tx_ref, error, created_at, updated_at, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, string(j.Kind), string(j.Status), boolToInt(j.DryRun), j.Source,
		j.Target, j.Asset, j.Amount.String(), encodeStringList(groups), trades,
		j.TxRef, j.Error, encodeTime(j.CreatedAt), encodeTime(j.CreatedAt),
		encodeTimePtr(j.ExecutedAt))
	if err != nil {
		return fmt.Errorf("failed to create fund job %s: %w", j.ID, err)
	}
	return nil
}

// GetByID returns one job.
func (r *FundJobRepository) GetByID(id string) (*domain.FundJob, error) {
	row := r.db.QueryRow(`SELECT `+fundJobColumns+` FROM fund_jobs WHERE id = ?`, id)
	j, err := scanFundJob(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fund job %s: %w", id, err)
	}
	return &j, nil
}

// NonTerminal returns in-flight jobs of one kind, oldest first. Used both
// by the drivers on startup and as the pending-job guard.
func (r *FundJobRepository) NonTerminal(kind domain.FundJobKind) ([]domain.FundJob, error) {
	rows, err := r.db.Query(`SELECT `+fundJobColumns+` FROM fund_jobs
		WHERE kind = ? AND status IN ('pending', 'executing') ORDER BY created_at`,
		string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to query non-terminal %s jobs: %w", kind, err)
	}
	defer rows.Close()
	return scanFundJobs(rows)
}

// HasPendingForTarget reports whether an in-flight job of the kind
// already targets the wallet (and asset, when given).
func (r *FundJobRepository) HasPendingForTarget(kind domain.FundJobKind, target, asset string) (bool, error) {
	query := `SELECT COUNT(*) FROM fund_jobs
		WHERE kind = ? AND status IN ('pending', 'executing') AND target = ?`
	args := []interface{}{string(kind), target}
	if asset != "" {
		query += ` AND asset = ?`
		args = append(args, asset)
	}
	var n int
	if err := r.db.QueryRow(query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check pending %s job: %w", kind, err)
	}
	return n > 0, nil
}

// HasPendingForSource reports whether an in-flight job of the kind
// already drains the wallet/asset pair.
func (r *FundJobRepository) HasPendingForSource(kind domain.FundJobKind, source, asset string) (bool, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM fund_jobs
		WHERE kind = ? AND status IN ('pending', 'executing') AND source = ? AND asset = ?`,
		string(kind), source, asset).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check pending %s job: %w", kind, err)
	}
	return n > 0, nil
}

// SetStatus transitions a job. Terminal transitions record the execution
// instant, transaction reference and error.
func (r *FundJobRepository) SetStatus(id string, status domain.FundJobStatus, txRef, jobErr string, at time.Time) error {
	var executedAt interface{}
	if status.Terminal() {
		executedAt = encodeTime(at)
	}
	res, err := r.db.Exec(`UPDATE fund_jobs
		SET status = ?, tx_ref = ?, error = ?, executed_at = COALESCE(?, executed_at), updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		string(status), txRef, jobErr, executedAt, encodeTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to set fund job %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// List returns jobs newest first, optionally filtered by kind.
func (r *FundJobRepository) List(kind domain.FundJobKind, limit int) ([]domain.FundJob, error) {
	query := `SELECT ` + fundJobColumns + ` FROM fund_jobs`
	args := []interface{}{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query fund jobs: %w", err)
	}
	defer rows.Close()
	return scanFundJobs(rows)
}

func scanFundJobs(rows *sql.Rows) ([]domain.FundJob, error) {
	var out []domain.FundJob
	for rows.Next() {
		j, err := scanFundJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fund job: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fund jobs: %w", err)
	}
	return out, nil
}

func scanFundJob(row rowScanner) (domain.FundJob, error) {
	var (
		j            domain.FundJob
		kind, status string
		dryRun       int
		amount       string
		groups       string
		trades       []byte
		createdAt    string
		executedAt   sql.NullString
	)
	if err := row.Scan(&j.ID, &kind, &status, &dryRun, &j.Source, &j.Target,
		&j.Asset, &amount, &groups, &trades, &j.TxRef, &j.Error, &createdAt,
		&executedAt); err != nil {
		return domain.FundJob{}, err
	}

	j.Kind = domain.FundJobKind(kind)
	j.Status = domain.FundJobStatus(status)
	j.DryRun = dryRun != 0
	for _, g := range decodeStringList(groups) {
		j.GroupScope = append(j.GroupScope, domain.WalletGroup(g))
	}
	if len(trades) > 0 {
		if err := msgpack.Unmarshal(trades, &j.Trades); err != nil {
			return domain.FundJob{}, fmt.Errorf("failed to decode rebalance trades: %w", err)
		}
	}

	var err error
	if j.Amount, err = decodeDecimal(amount); err != nil {
		return domain.FundJob{}, err
	}
	if j.CreatedAt, err = decodeTime(createdAt); err != nil {
		return domain.FundJob{}, err
	}
	if j.ExecutedAt, err = decodeTimePtr(executedAt); err != nil {
		return domain.FundJob{}, err
	}
	return j, nil
}
