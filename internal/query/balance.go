package query

import (
	"context"
	"database/sql"
	"errors"

	"CDPLedger/internal/ledger"

	"github.com/google/uuid"
)

// BalanceResponse is one projected account balance.
type BalanceResponse struct {
	AccountPath  string `json:"account_path"`
	Asset        string `json:"asset"`
	Balance      int64  `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// GetUserBalances returns every asset balance held by userID.
func (qs *QueryService) GetUserBalances(ctx context.Context, userID uuid.UUID) ([]BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, asset, balance FROM projections.balances
		WHERE account_path LIKE $1
		ORDER BY asset
	`, "user:"+userID.String()+":%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BalanceResponse
	for rows.Next() {
		b := BalanceResponse{AsOfSequence: asOfSeq}
		if err := rows.Scan(&b.AccountPath, &b.Asset, &b.Balance); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetAccountBalance returns the balance of any account; unknown accounts are zero.
func (qs *QueryService) GetAccountBalance(ctx context.Context, key ledger.AccountKey) (*BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	b := &BalanceResponse{AccountPath: key.AccountPath(), Asset: key.Asset, AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT balance FROM projections.balances
		WHERE account_path = $1 AND asset = $2
	`, b.AccountPath, b.Asset).Scan(&b.Balance)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	return b, err
}
