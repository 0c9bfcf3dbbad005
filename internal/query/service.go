package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"CDPLedger/internal/address"
	"CDPLedger/internal/cdperr"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
)

// MaxPageSize caps list queries.
const MaxPageSize = 500

// ErrInvalidFilter is returned for malformed list filters.
var ErrInvalidFilter = errors.New("invalid filter")

// QueryService provides read-only access to projection tables.
// Queries are served via gRPC and HTTP/JSON (gRPC-Gateway), reading from
// PostgreSQL projection tables. All responses include as_of_sequence for
// freshness semantics.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetConfig returns the projected protocol configuration.
func (qs *QueryService) GetConfig(ctx context.Context) (*ConfigResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var (
		cfg  state.ProtocolConfig
		addr string
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT address, owner, collateral_asset, debt_asset, max_collateral_ratio, interest_rate,
		       liquidation_threshold, liquidation_penalty, min_collateral_amount, max_debt_per_vault,
		       debt_ceiling, minting_paused, total_debt, total_collateral, bad_debt, version
		FROM projections.protocol_config
		LIMIT 1
	`).Scan(
		&addr, &cfg.Owner, &cfg.CollateralAssetID, &cfg.DebtAssetID, &cfg.MaxCollateralRatio,
		&cfg.InterestRate, &cfg.LiquidationThreshold, &cfg.LiquidationPenalty,
		&cfg.MinCollateralAmount, &cfg.MaxDebtPerVault, &cfg.DebtCeiling, &cfg.MintingPaused,
		&cfg.TotalDebt, &cfg.TotalCollateral, &cfg.BadDebt, &cfg.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cdperr.ErrProtocolNotInitialized
	}
	if err != nil {
		return nil, err
	}
	if cfg.Address, err = address.Parse(addr); err != nil {
		return nil, fmt.Errorf("config address: %w", err)
	}
	return NewConfigResponse(&cfg, asOfSeq), nil
}

// GetVault returns the projected vault of owner.
func (qs *QueryService) GetVault(ctx context.Context, owner uuid.UUID) (*VaultResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	v := &VaultResponse{Owner: owner, AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT address, collateral_amount, debt_amount, last_interest_update, state, created_at, version
		FROM projections.vaults
		WHERE owner = $1
	`, owner).Scan(
		&v.Address, &v.CollateralAmount, &v.DebtAmount, &v.LastInterestUpdate,
		&v.State, &v.CreatedAt, &v.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cdperr.New(cdperr.CodeVaultNotFound, "owner %s", owner)
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// VaultFilter selects a page of vaults ordered by owner.
type VaultFilter struct {
	State      string     // Empty for every state
	AfterOwner *uuid.UUID // Cursor: owners strictly after this one
	Limit      int
}

// ListVaults returns a page of projected vaults.
func (qs *QueryService) ListVaults(ctx context.Context, f VaultFilter) ([]VaultResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT owner, address, collateral_amount, debt_amount, last_interest_update, state, created_at, version
		FROM projections.vaults
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if f.State != "" {
		if _, ok := state.ParseVaultState(f.State); !ok {
			return nil, fmt.Errorf("%w: unknown vault state %q", ErrInvalidFilter, f.State)
		}
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, f.State)
		argIdx++
	}

	if f.AfterOwner != nil {
		query += fmt.Sprintf(" AND owner > $%d", argIdx)
		args = append(args, *f.AfterOwner)
		argIdx++
	}

	query += " ORDER BY owner"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize(f.Limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vaults []VaultResponse
	for rows.Next() {
		v := VaultResponse{AsOfSequence: asOfSeq}
		if err := rows.Scan(
			&v.Owner, &v.Address, &v.CollateralAmount, &v.DebtAmount,
			&v.LastInterestUpdate, &v.State, &v.CreatedAt, &v.Version,
		); err != nil {
			return nil, err
		}
		vaults = append(vaults, v)
	}

	return vaults, rows.Err()
}

// GetLiquidationHistory returns liquidations newest first. A nil owner lists
// every vault; beforeSequence is the pagination cursor.
func (qs *QueryService) GetLiquidationHistory(
	ctx context.Context,
	owner *uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]LiquidationResponse, error) {
	query := `
		SELECT sequence, owner, liquidator, debt_repaid, collateral_seized, surplus, bad_debt, price, command_ts
		FROM projections.liquidations
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if owner != nil {
		query += fmt.Sprintf(" AND owner = $%d", argIdx)
		args = append(args, *owner)
		argIdx++
	}

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LiquidationResponse
	for rows.Next() {
		var (
			r     LiquidationResponse
			price int64
		)
		if err := rows.Scan(
			&r.Sequence, &r.Owner, &r.Liquidator, &r.DebtRepaid, &r.CollateralSeized,
			&r.Surplus, &r.BadDebt, &price, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		r.Price = fpmath.FormatFixed(price)
		results = append(results, r)
	}

	return results, rows.Err()
}

// GetJournalHistory returns journal entries touching any account of userID,
// newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", userID)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount, journal_type, command_ts
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, pageSize(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the event log and that the
// projected balances of every asset sum to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) <> 0
		ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.Asset, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func pageSize(limit int) int {
	if limit <= 0 || limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
