package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/quantfall/warden/internal/domain"
	"github.com/rs/zerolog"
)

// SnapshotRepository handles the append-only balance-snapshot feed shared
// by the funds loops.
type SnapshotRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *sql.DB, log zerolog.Logger) *SnapshotRepository {
	return &SnapshotRepository{
		db:  db,
		log: log.With().Str("repo", "snapshots").Logger(),
	}
}

// Append inserts one batch of observations in a single transaction.
func (r *SnapshotRepository) Append(snaps []domain.BalanceSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	for _, s := range snaps {
		_, err := tx.Exec(`INSERT OR IGNORE INTO balance_snapshots
			(wallet, wallet_group, asset, balance, quote_value, below_gas_min,
			 above_sweep_min, observed_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.Wallet, string(s.Group), s.Asset, s.Balance.String(),
			s.QuoteValue.String(), boolToInt(s.BelowGasMin),
			boolToInt(s.AboveSweepMin), encodeTime(s.ObservedAt),
			encodeTime(s.ObservedAt))
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to append snapshot for %s/%s: %w", s.Wallet, s.Asset, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshots: %w", err)
	}
	return nil
}

// Latest returns the newest observation per (wallet, asset).
func (r *SnapshotRepository) Latest() ([]domain.BalanceSnapshot, error) {
	rows, err := r.db.Query(`SELECT wallet, wallet_group, asset, balance, quote_value,
		below_gas_min, above_sweep_min, observed_at
		FROM balance_snapshots s
		WHERE observed_at = (
			SELECT MAX(observed_at) FROM balance_snapshots
			WHERE wallet = s.wallet AND asset = s.asset)
		ORDER BY wallet, asset`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest snapshots: %w", err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// LatestForWallet returns the newest observation per asset for one
// wallet.
func (r *SnapshotRepository) LatestForWallet(wallet string) ([]domain.BalanceSnapshot, error) {
	rows, err := r.db.Query(`SELECT wallet, wallet_group, asset, balance, quote_value,
		below_gas_min, above_sweep_min, observed_at
		FROM balance_snapshots s
		WHERE wallet = ? AND observed_at = (
			SELECT MAX(observed_at) FROM balance_snapshots
			WHERE wallet = s.wallet AND asset = s.asset)
		ORDER BY asset`, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots for wallet %s: %w", wallet, err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// Prune removes observations older than the cutoff. Called from the daily
// maintenance job.
func (r *SnapshotRepository) Prune(before time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM balance_snapshots WHERE observed_at < ?`,
		encodeTime(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanSnapshots(rows *sql.Rows) ([]domain.BalanceSnapshot, error) {
	var out []domain.BalanceSnapshot
	for rows.Next() {
		var (
			s                   domain.BalanceSnapshot
			group               string
			balance, quote      string
			belowGas, aboveMin  int
			observedAt          string
		)
		if err := rows.Scan(&s.Wallet, &group, &s.Asset, &balance, &quote,
			&belowGas, &aboveMin, &observedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}

		s.Group = domain.WalletGroup(group)
		s.BelowGasMin = belowGas != 0
		s.AboveSweepMin = aboveMin != 0

		var err error
		if s.Balance, err = decodeDecimal(balance); err != nil {
			return nil, err
		}
		if s.QuoteValue, err = decodeDecimal(quote); err != nil {
			return nil, err
		}
		if s.ObservedAt, err = decodeTime(observedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return out, nil
}
