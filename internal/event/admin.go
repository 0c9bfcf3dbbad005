package event

import (
	"CDPLedger/internal/state"

	"github.com/google/uuid"
)

// InitializeProtocol creates the ProtocolConfig singleton. Ratios, rate and
// penalty are fixed-point at fpmath.Scale.
type InitializeProtocol struct {
	Meta
	Admin                uuid.UUID
	CollateralAssetID    string
	DebtAssetID          string
	MaxCollateralRatio   int64
	InterestRate         int64
	LiquidationThreshold int64
	LiquidationPenalty   int64
	MinCollateralAmount  int64
	MaxDebtPerVault      int64
	DebtCeiling          int64
}

func (e *InitializeProtocol) EventType() EventType {
	return EventTypeInitializeProtocol
}

// UpdateConfig applies an admin patch to ProtocolConfig.
type UpdateConfig struct {
	Meta
	Caller uuid.UUID
	Patch  state.ConfigPatch
}

func (e *UpdateConfig) EventType() EventType {
	return EventTypeUpdateConfig
}

// AssetDeposited credits an externally bridged asset to a holder's wallet.
type AssetDeposited struct {
	Meta
	Holder uuid.UUID
	Asset  string
	Amount int64
}

func (e *AssetDeposited) EventType() EventType {
	return EventTypeAssetDeposited
}
