package query

import (
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
)

// ConfigResponse is the protocol configuration as served to API callers.
// Ratios are decimal strings; amounts are base units.
type ConfigResponse struct {
	Address              string `json:"address"`
	Owner                string `json:"owner"`
	CollateralAsset      string `json:"collateral_asset"`
	DebtAsset            string `json:"debt_asset"`
	MaxCollateralRatio   string `json:"max_collateral_ratio"`
	InterestRate         string `json:"interest_rate"`
	LiquidationThreshold string `json:"liquidation_threshold"`
	LiquidationPenalty   string `json:"liquidation_penalty"`
	MinCollateralAmount  int64  `json:"min_collateral_amount"`
	MaxDebtPerVault      int64  `json:"max_debt_per_vault"`
	DebtCeiling          int64  `json:"debt_ceiling"`
	MintingPaused        bool   `json:"minting_paused"`
	TotalDebt            int64  `json:"total_debt"`
	TotalCollateral      int64  `json:"total_collateral"`
	BadDebt              int64  `json:"bad_debt"`
	Version              int64  `json:"version"`
	AsOfSequence         int64  `json:"as_of_sequence"`
}

// NewConfigResponse formats cfg.
func NewConfigResponse(cfg *state.ProtocolConfig, asOf int64) *ConfigResponse {
	return &ConfigResponse{
		Address:              cfg.Address.String(),
		Owner:                cfg.Owner.String(),
		CollateralAsset:      cfg.CollateralAssetID,
		DebtAsset:            cfg.DebtAssetID,
		MaxCollateralRatio:   fpmath.FormatFixed(cfg.MaxCollateralRatio),
		InterestRate:         fpmath.FormatFixed(cfg.InterestRate),
		LiquidationThreshold: fpmath.FormatFixed(cfg.LiquidationThreshold),
		LiquidationPenalty:   fpmath.FormatFixed(cfg.LiquidationPenalty),
		MinCollateralAmount:  cfg.MinCollateralAmount,
		MaxDebtPerVault:      cfg.MaxDebtPerVault,
		DebtCeiling:          cfg.DebtCeiling,
		MintingPaused:        cfg.MintingPaused,
		TotalDebt:            cfg.TotalDebt,
		TotalCollateral:      cfg.TotalCollateral,
		BadDebt:              cfg.BadDebt,
		Version:              cfg.Version,
		AsOfSequence:         asOf,
	}
}

// VaultResponse represents a vault for API queries.
type VaultResponse struct {
	Owner              uuid.UUID `json:"owner"`
	Address            string    `json:"address"`
	CollateralAmount   int64     `json:"collateral_amount"`
	DebtAmount         int64     `json:"debt_amount"`
	LastInterestUpdate int64     `json:"last_interest_update"`
	State              string    `json:"state"`
	CreatedAt          int64     `json:"created_at"`
	Version            int64     `json:"version"`
	AsOfSequence       int64     `json:"as_of_sequence"`
}

// NewVaultResponse formats v.
func NewVaultResponse(v *state.UserVault, asOf int64) *VaultResponse {
	return &VaultResponse{
		Owner:              v.Owner,
		Address:            v.Address.String(),
		CollateralAmount:   v.CollateralAmount,
		DebtAmount:         v.DebtAmount,
		LastInterestUpdate: v.LastInterestUpdate,
		State:              v.State.String(),
		CreatedAt:          v.CreatedAt,
		Version:            v.Version,
		AsOfSequence:       asOf,
	}
}

// VaultHealth holds values derived at query time from a live vault and the
// current oracle price. None of it is ledger state.
type VaultHealth struct {
	Owner           uuid.UUID `json:"owner"`
	Price           string    `json:"price"`
	CollateralValue int64     `json:"collateral_value"`
	CollateralRatio string    `json:"collateral_ratio,omitempty"` // Empty when the vault has no debt
	PendingInterest int64     `json:"pending_interest"`           // Accrued by the next command
	Liquidatable    bool      `json:"liquidatable"`
	MaxMintable     int64     `json:"max_mintable"` // Additional debt allowed at this price
	AsOfSequence    int64     `json:"as_of_sequence"`
}

// LiquidationResponse is one liquidation history entry.
type LiquidationResponse struct {
	Sequence         int64     `json:"sequence"`
	Owner            uuid.UUID `json:"owner"`
	Liquidator       uuid.UUID `json:"liquidator"`
	DebtRepaid       int64     `json:"debt_repaid"`
	CollateralSeized int64     `json:"collateral_seized"`
	Surplus          int64     `json:"surplus"`
	BadDebt          int64     `json:"bad_debt"`
	Price            string    `json:"price"`
	Timestamp        int64     `json:"timestamp"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset whose projected balances do not sum to zero.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance int64  `json:"imbalance"`
}
