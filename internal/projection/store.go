package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// WatermarkName identifies the main projection in projections.watermark.
const WatermarkName = "main"

// PostgresStore writes projection rows. Every upsert is guarded by
// last_sequence so re-applying an older output is a no-op.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Apply writes one output and advances the watermark in a single transaction.
func (s *PostgresStore) Apply(ctx context.Context, out ProjectionOutput) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if out.Config != nil {
		if err := upsertConfig(ctx, tx, out); err != nil {
			return fmt.Errorf("config projection: %w", err)
		}
	}
	for _, v := range out.Vaults {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.vaults
				(owner, address, collateral_amount, debt_amount, last_interest_update, state, created_at, version, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (owner) DO UPDATE SET
				collateral_amount = EXCLUDED.collateral_amount,
				debt_amount = EXCLUDED.debt_amount,
				last_interest_update = EXCLUDED.last_interest_update,
				state = EXCLUDED.state,
				version = EXCLUDED.version,
				last_sequence = EXCLUDED.last_sequence
			WHERE projections.vaults.last_sequence < EXCLUDED.last_sequence
		`, v.Owner, v.Address.String(), v.CollateralAmount, v.DebtAmount, v.LastInterestUpdate,
			v.State.String(), v.CreatedAt, v.Version, out.Sequence); err != nil {
			return fmt.Errorf("vault projection: %w", err)
		}
	}
	for _, b := range out.Balances {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account_path, asset) DO UPDATE
				SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
			WHERE projections.balances.last_sequence < EXCLUDED.last_sequence
		`, b.AccountPath, b.Asset, b.Balance, out.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}
	if l := out.Liquidation; l != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.liquidations
				(sequence, owner, liquidator, debt_repaid, collateral_seized, surplus, bad_debt, price, command_ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (sequence) DO NOTHING
		`, l.Sequence, l.Owner, l.Liquidator, l.DebtRepaid, l.CollateralSeized, l.Surplus,
			l.BadDebt, l.Price, l.Timestamp); err != nil {
			return fmt.Errorf("liquidation projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE SET last_sequence = $2, updated_at = NOW()
		WHERE projections.watermark.last_sequence < $2
	`, WatermarkName, out.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func upsertConfig(ctx context.Context, tx *sql.Tx, out ProjectionOutput) error {
	c := out.Config
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.protocol_config
			(address, owner, collateral_asset, debt_asset, max_collateral_ratio, interest_rate,
			 liquidation_threshold, liquidation_penalty, min_collateral_amount, max_debt_per_vault,
			 debt_ceiling, minting_paused, total_debt, total_collateral, bad_debt, version, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (address) DO UPDATE SET
			owner = EXCLUDED.owner,
			max_collateral_ratio = EXCLUDED.max_collateral_ratio,
			interest_rate = EXCLUDED.interest_rate,
			liquidation_threshold = EXCLUDED.liquidation_threshold,
			liquidation_penalty = EXCLUDED.liquidation_penalty,
			min_collateral_amount = EXCLUDED.min_collateral_amount,
			max_debt_per_vault = EXCLUDED.max_debt_per_vault,
			debt_ceiling = EXCLUDED.debt_ceiling,
			minting_paused = EXCLUDED.minting_paused,
			total_debt = EXCLUDED.total_debt,
			total_collateral = EXCLUDED.total_collateral,
			bad_debt = EXCLUDED.bad_debt,
			version = EXCLUDED.version,
			last_sequence = EXCLUDED.last_sequence
		WHERE projections.protocol_config.last_sequence < EXCLUDED.last_sequence
	`, c.Address.String(), c.Owner, c.CollateralAssetID, c.DebtAssetID, c.MaxCollateralRatio,
		c.InterestRate, c.LiquidationThreshold, c.LiquidationPenalty, c.MinCollateralAmount,
		c.MaxDebtPerVault, c.DebtCeiling, c.MintingPaused, c.TotalDebt, c.TotalCollateral,
		c.BadDebt, c.Version, out.Sequence)
	return err
}

// Watermark returns the last sequence applied to the projections.
func (s *PostgresStore) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = $1
	`, WatermarkName).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// Reset empties every projection table.
func (s *PostgresStore) Reset(ctx context.Context) error {
	statements := []string{
		`TRUNCATE projections.protocol_config`,
		`TRUNCATE projections.vaults`,
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.liquidations`,
		`DELETE FROM projections.watermark WHERE projection_name = 'main'`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset projections: %w", err)
		}
	}
	return nil
}
