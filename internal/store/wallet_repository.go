package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/quantfall/warden/internal/domain"
	"github.com/rs/zerolog"
)

// WalletRepository handles the managed-wallet registry used by the funds
// loops.
type WalletRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewWalletRepository creates a new wallet repository
func NewWalletRepository(db *sql.DB, log zerolog.Logger) *WalletRepository {
	return &WalletRepository{
		db:  db,
		log: log.With().Str("repo", "wallets").Logger(),
	}
}

// Upsert enrolls or updates a managed wallet.
func (r *WalletRepository) Upsert(w domain.ManagedWallet) error {
	now := encodeTime(time.Now().UTC())
	_, err := r.db.Exec(`INSERT INTO managed_wallets
		(address, wallet_group, gas_min, gas_max, sweep_min, sweep_enabled,
		 asset_allow, asset_deny, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (address) DO UPDATE SET
			wallet_group = excluded.wallet_group,
			gas_min = excluded.gas_min,
			gas_max = excluded.gas_max,
			sweep_min = excluded.sweep_min,
			sweep_enabled = excluded.sweep_enabled,
			asset_allow = excluded.asset_allow,
			asset_deny = excluded.asset_deny,
			updated_at = excluded.updated_at`,
		w.Address, string(w.Group), w.GasMin.String(), w.GasMax.String(),
		w.SweepMin.String(), boolToInt(w.SweepEnabled),
		encodeStringList(w.AssetAllow), encodeStringList(w.AssetDeny), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert wallet %s: %w", w.Address, err)
	}
	return nil
}

// Remove deletes a wallet from the registry. Historical snapshots and
// jobs referencing it remain.
func (r *WalletRepository) Remove(address string) error {
	res, err := r.db.Exec(`DELETE FROM managed_wallets WHERE address = ?`, address)
	if err != nil {
		return fmt.Errorf("failed to remove wallet %s: %w", address, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Get returns one managed wallet.
func (r *WalletRepository) Get(address string) (*domain.ManagedWallet, error) {
	row := r.db.QueryRow(`SELECT address, wallet_group, gas_min, gas_max, sweep_min,
		sweep_enabled, asset_allow, asset_deny, created_at
		FROM managed_wallets WHERE address = ?`, address)
	w, err := scanWallet(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet %s: %w", address, err)
	}
	return &w, nil
}

// ByGroups returns wallets belonging to any of the given groups; with no
// groups given, all wallets.
func (r *WalletRepository) ByGroups(groups []domain.WalletGroup) ([]domain.ManagedWallet, error) {
	query := `SELECT address, wallet_group, gas_min, gas_max, sweep_min,
		sweep_enabled, asset_allow, asset_deny, created_at FROM managed_wallets`
	args := []interface{}{}
	if len(groups) > 0 {
		query += ` WHERE wallet_group IN (?` + repeat(",?", len(groups)-1) + `)`
		for _, g := range groups {
			args = append(args, string(g))
		}
	}
	query += ` ORDER BY address`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallets: %w", err)
	}
	defer rows.Close()

	var out []domain.ManagedWallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating wallets: %w", err)
	}
	return out, nil
}

// Treasury returns the first treasury-group wallet, or
// domain.ErrNotFound.
func (r *WalletRepository) Treasury() (*domain.ManagedWallet, error) {
	wallets, err := r.ByGroups([]domain.WalletGroup{domain.GroupTreasury})
	if err != nil {
		return nil, err
	}
	if len(wallets) == 0 {
		return nil, domain.ErrNotFound
	}
	return &wallets[0], nil
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

func scanWallet(row rowScanner) (domain.ManagedWallet, error) {
	var (
		w                      domain.ManagedWallet
		group                  string
		gasMin, gasMax, sweep  string
		sweepEnabled           int
		allow, deny, createdAt string
	)
	if err := row.Scan(&w.Address, &group, &gasMin, &gasMax, &sweep,
		&sweepEnabled, &allow, &deny, &createdAt); err != nil {
		return domain.ManagedWallet{}, err
	}

	w.Group = domain.WalletGroup(group)
	w.SweepEnabled = sweepEnabled != 0
	w.AssetAllow = decodeStringList(allow)
	w.AssetDeny = decodeStringList(deny)

	var err error
	if w.GasMin, err = decodeDecimal(gasMin); err != nil {
		return domain.ManagedWallet{}, err
	}
	if w.GasMax, err = decodeDecimal(gasMax); err != nil {
		return domain.ManagedWallet{}, err
	}
	if w.SweepMin, err = decodeDecimal(sweep); err != nil {
		return domain.ManagedWallet{}, err
	}
	if w.CreatedAt, err = decodeTime(createdAt); err != nil {
		return domain.ManagedWallet{}, err
	}
	return w, nil
}
