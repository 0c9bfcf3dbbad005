package event

import (
	"encoding/json"
	"fmt"

	"CDPLedger/internal/state"

	"github.com/google/uuid"
)

// --- JSON wire formats ---
// One canonical encoding is used on NATS, in the event log and for replay.
// Field names use snake_case to match upstream producers. Prices, ratios and
// rates are integers at fpmath.Scale.

type metaJSON struct {
	CommandID string `json:"command_id"`
	Source    string `json:"source,omitempty"`
	Sequence  int64  `json:"sequence,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type initializeJSON struct {
	metaJSON
	Admin                string `json:"admin"`
	CollateralAssetID    string `json:"collateral_asset_id"`
	DebtAssetID          string `json:"debt_asset_id"`
	MaxCollateralRatio   int64  `json:"max_collateral_ratio"`
	InterestRate         int64  `json:"interest_rate"`
	LiquidationThreshold int64  `json:"liquidation_threshold"`
	LiquidationPenalty   int64  `json:"liquidation_penalty"`
	MinCollateralAmount  int64  `json:"min_collateral_amount"`
	MaxDebtPerVault      int64  `json:"max_debt_per_vault"`
	DebtCeiling          int64  `json:"debt_ceiling"`
}

type patchJSON struct {
	NewOwner             *string `json:"new_owner,omitempty"`
	MaxCollateralRatio   *int64  `json:"max_collateral_ratio,omitempty"`
	InterestRate         *int64  `json:"interest_rate,omitempty"`
	LiquidationThreshold *int64  `json:"liquidation_threshold,omitempty"`
	LiquidationPenalty   *int64  `json:"liquidation_penalty,omitempty"`
	MinCollateralAmount  *int64  `json:"min_collateral_amount,omitempty"`
	MaxDebtPerVault      *int64  `json:"max_debt_per_vault,omitempty"`
	DebtCeiling          *int64  `json:"debt_ceiling,omitempty"`
	MintingPaused        *bool   `json:"minting_paused,omitempty"`
}

type updateConfigJSON struct {
	metaJSON
	Caller string    `json:"caller"`
	Patch  patchJSON `json:"patch"`
}

type assetDepositedJSON struct {
	metaJSON
	Holder string `json:"holder"`
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

type vaultCommandJSON struct {
	metaJSON
	Caller            string `json:"caller,omitempty"`
	Owner             string `json:"owner"`
	CollateralDeposit int64  `json:"collateral_deposit,omitempty"`
	Amount            int64  `json:"amount,omitempty"`
	Price             int64  `json:"price,omitempty"`
}

type liquidateJSON struct {
	metaJSON
	Liquidator  string `json:"liquidator"`
	Owner       string `json:"owner"`
	DebtToCover int64  `json:"debt_to_cover,omitempty"`
	Price       int64  `json:"price,omitempty"`
}

func toMetaJSON(m *Meta) metaJSON {
	return metaJSON{
		CommandID: m.CommandID.String(),
		Source:    m.Source,
		Sequence:  m.Sequence,
		Timestamp: m.Timestamp,
	}
}

func (j metaJSON) toMeta() (Meta, error) {
	id, err := uuid.Parse(j.CommandID)
	if err != nil {
		return Meta{}, fmt.Errorf("parse command_id: %w", err)
	}
	if j.Sequence < 0 {
		return Meta{}, fmt.Errorf("negative sequence %d", j.Sequence)
	}
	return Meta{CommandID: id, Source: j.Source, Sequence: j.Sequence, Timestamp: j.Timestamp}, nil
}

// Encode serializes a command to its wire JSON.
func Encode(evt Event) ([]byte, error) {
	switch e := evt.(type) {
	case *InitializeProtocol:
		return json.Marshal(initializeJSON{
			metaJSON:             toMetaJSON(&e.Meta),
			Admin:                e.Admin.String(),
			CollateralAssetID:    e.CollateralAssetID,
			DebtAssetID:          e.DebtAssetID,
			MaxCollateralRatio:   e.MaxCollateralRatio,
			InterestRate:         e.InterestRate,
			LiquidationThreshold: e.LiquidationThreshold,
			LiquidationPenalty:   e.LiquidationPenalty,
			MinCollateralAmount:  e.MinCollateralAmount,
			MaxDebtPerVault:      e.MaxDebtPerVault,
			DebtCeiling:          e.DebtCeiling,
		})
	case *UpdateConfig:
		p := patchJSON{
			MaxCollateralRatio:   e.Patch.MaxCollateralRatio,
			InterestRate:         e.Patch.InterestRate,
			LiquidationThreshold: e.Patch.LiquidationThreshold,
			LiquidationPenalty:   e.Patch.LiquidationPenalty,
			MinCollateralAmount:  e.Patch.MinCollateralAmount,
			MaxDebtPerVault:      e.Patch.MaxDebtPerVault,
			DebtCeiling:          e.Patch.DebtCeiling,
			MintingPaused:        e.Patch.MintingPaused,
		}
		if e.Patch.NewOwner != nil {
			s := e.Patch.NewOwner.String()
			p.NewOwner = &s
		}
		return json.Marshal(updateConfigJSON{metaJSON: toMetaJSON(&e.Meta), Caller: e.Caller.String(), Patch: p})
	case *AssetDeposited:
		return json.Marshal(assetDepositedJSON{
			metaJSON: toMetaJSON(&e.Meta),
			Holder:   e.Holder.String(),
			Asset:    e.Asset,
			Amount:   e.Amount,
		})
	case *DepositCollateral:
		return json.Marshal(vaultCommandJSON{metaJSON: toMetaJSON(&e.Meta), Caller: e.Caller.String(), Owner: e.Owner.String(), Amount: e.Amount})
	case *MintDebt:
		return json.Marshal(vaultCommandJSON{
			metaJSON:          toMetaJSON(&e.Meta),
			Caller:            e.Caller.String(),
			Owner:             e.Owner.String(),
			CollateralDeposit: e.CollateralDeposit,
			Amount:            e.Amount,
			Price:             e.Price,
		})
	case *RedeemDebt:
		return json.Marshal(vaultCommandJSON{metaJSON: toMetaJSON(&e.Meta), Caller: e.Caller.String(), Owner: e.Owner.String(), Amount: e.Amount, Price: e.Price})
	case *WithdrawCollateral:
		return json.Marshal(vaultCommandJSON{metaJSON: toMetaJSON(&e.Meta), Caller: e.Caller.String(), Owner: e.Owner.String(), Amount: e.Amount, Price: e.Price})
	case *AccrueInterest:
		return json.Marshal(vaultCommandJSON{metaJSON: toMetaJSON(&e.Meta), Owner: e.Owner.String()})
	case *LiquidateVault:
		return json.Marshal(liquidateJSON{
			metaJSON:    toMetaJSON(&e.Meta),
			Liquidator:  e.Liquidator.String(),
			Owner:       e.Owner.String(),
			DebtToCover: e.DebtToCover,
			Price:       e.Price,
		})
	default:
		return nil, fmt.Errorf("encode: unhandled event type %T", evt)
	}
}

// Decode parses wire JSON for the named event type.
func Decode(eventType string, data []byte) (Event, error) {
	et, err := ParseEventType(eventType)
	if err != nil {
		return nil, err
	}

	switch et {
	case EventTypeInitializeProtocol:
		return decodeInitialize(data)
	case EventTypeUpdateConfig:
		return decodeUpdateConfig(data)
	case EventTypeAssetDeposited:
		return decodeAssetDeposited(data)
	case EventTypeLiquidateVault:
		return decodeLiquidate(data)
	default:
		return decodeVaultCommand(et, data)
	}
}

func decodeInitialize(data []byte) (*InitializeProtocol, error) {
	var j initializeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse InitializeProtocol: %w", err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return nil, err
	}
	admin, err := uuid.Parse(j.Admin)
	if err != nil {
		return nil, fmt.Errorf("parse admin: %w", err)
	}
	return &InitializeProtocol{
		Meta:                 meta,
		Admin:                admin,
		CollateralAssetID:    j.CollateralAssetID,
		DebtAssetID:          j.DebtAssetID,
		MaxCollateralRatio:   j.MaxCollateralRatio,
		InterestRate:         j.InterestRate,
		LiquidationThreshold: j.LiquidationThreshold,
		LiquidationPenalty:   j.LiquidationPenalty,
		MinCollateralAmount:  j.MinCollateralAmount,
		MaxDebtPerVault:      j.MaxDebtPerVault,
		DebtCeiling:          j.DebtCeiling,
	}, nil
}

func decodeUpdateConfig(data []byte) (*UpdateConfig, error) {
	var j updateConfigJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse UpdateConfig: %w", err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return nil, err
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	patch := state.ConfigPatch{
		MaxCollateralRatio:   j.Patch.MaxCollateralRatio,
		InterestRate:         j.Patch.InterestRate,
		LiquidationThreshold: j.Patch.LiquidationThreshold,
		LiquidationPenalty:   j.Patch.LiquidationPenalty,
		MinCollateralAmount:  j.Patch.MinCollateralAmount,
		MaxDebtPerVault:      j.Patch.MaxDebtPerVault,
		DebtCeiling:          j.Patch.DebtCeiling,
		MintingPaused:        j.Patch.MintingPaused,
	}
	if j.Patch.NewOwner != nil {
		owner, err := uuid.Parse(*j.Patch.NewOwner)
		if err != nil {
			return nil, fmt.Errorf("parse new_owner: %w", err)
		}
		patch.NewOwner = &owner
	}
	return &UpdateConfig{Meta: meta, Caller: caller, Patch: patch}, nil
}

func decodeAssetDeposited(data []byte) (*AssetDeposited, error) {
	var j assetDepositedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AssetDeposited: %w", err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return nil, err
	}
	holder, err := uuid.Parse(j.Holder)
	if err != nil {
		return nil, fmt.Errorf("parse holder: %w", err)
	}
	return &AssetDeposited{Meta: meta, Holder: holder, Asset: j.Asset, Amount: j.Amount}, nil
}

func decodeLiquidate(data []byte) (*LiquidateVault, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidateVault: %w", err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return nil, err
	}
	liquidator, err := uuid.Parse(j.Liquidator)
	if err != nil {
		return nil, fmt.Errorf("parse liquidator: %w", err)
	}
	owner, err := uuid.Parse(j.Owner)
	if err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}
	return &LiquidateVault{Meta: meta, Liquidator: liquidator, Owner: owner, DebtToCover: j.DebtToCover, Price: j.Price}, nil
}

func decodeVaultCommand(et EventType, data []byte) (Event, error) {
	var j vaultCommandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", et, err)
	}
	meta, err := j.toMeta()
	if err != nil {
		return nil, err
	}
	owner, err := uuid.Parse(j.Owner)
	if err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}

	if et == EventTypeAccrueInterest {
		return &AccrueInterest{Meta: meta, Owner: owner}, nil
	}

	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}

	switch et {
	case EventTypeDepositCollateral:
		return &DepositCollateral{Meta: meta, Caller: caller, Owner: owner, Amount: j.Amount}, nil
	case EventTypeMintDebt:
		return &MintDebt{Meta: meta, Caller: caller, Owner: owner, CollateralDeposit: j.CollateralDeposit, Amount: j.Amount, Price: j.Price}, nil
	case EventTypeRedeemDebt:
		return &RedeemDebt{Meta: meta, Caller: caller, Owner: owner, Amount: j.Amount, Price: j.Price}, nil
	case EventTypeWithdrawCollateral:
		return &WithdrawCollateral{Meta: meta, Caller: caller, Owner: owner, Amount: j.Amount, Price: j.Price}, nil
	}
	return nil, fmt.Errorf("parse: unhandled event type %s", et)
}
