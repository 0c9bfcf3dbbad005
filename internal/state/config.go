package state

import (
	"fmt"
	"strings"

	"CDPLedger/internal/address"
	"CDPLedger/internal/cdperr"
	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
)

// ProtocolConfig is the deployment-wide singleton.
// Ratios, rate and penalty use fpmath.Scale (1.50 = 1_500_000_000).
type ProtocolConfig struct {
	Address              address.Address
	Owner                uuid.UUID
	CollateralAssetID    string
	DebtAssetID          string
	MaxCollateralRatio   int64
	InterestRate         int64 // Annual, simple
	LiquidationThreshold int64
	LiquidationPenalty   int64 // Bonus paid to the liquidator on seized collateral
	MinCollateralAmount  int64
	MaxDebtPerVault      int64 // 0 = unlimited
	DebtCeiling          int64 // 0 = unlimited
	MintingPaused        bool

	// Aggregates maintained by the engines
	TotalDebt       int64
	TotalCollateral int64
	BadDebt         int64

	LastGlobalInterestUpdate int64 // Unix seconds
	InitializedAt            int64
	Version                  int64
}

var (
	DefaultMaxCollateralRatio   = fpmath.MustParseFixed("1.50")
	DefaultLiquidationThreshold = fpmath.MustParseFixed("1.20")
	DefaultInterestRate         = fpmath.MustParseFixed("0.05")
	DefaultLiquidationPenalty   = fpmath.MustParseFixed("0.10")
)

const DefaultMinCollateralAmount int64 = 1

func (c *ProtocolConfig) Clone() *ProtocolConfig {
	cp := *c
	return &cp
}

// Validate checks 1.0 < liquidation_threshold < max_collateral_ratio and the
// ranges of the remaining tunables.
func (c *ProtocolConfig) Validate() error {
	if c.CollateralAssetID == "" || c.DebtAssetID == "" {
		return cdperr.New(cdperr.CodeInvalidConfig, "asset ids must be set")
	}
	if strings.ContainsAny(c.CollateralAssetID, ": ") || strings.ContainsAny(c.DebtAssetID, ": ") {
		return cdperr.New(cdperr.CodeInvalidConfig, "asset ids may not contain ':' or spaces")
	}
	if c.CollateralAssetID == c.DebtAssetID {
		return cdperr.New(cdperr.CodeInvalidConfig, "collateral and debt asset are both %s", c.DebtAssetID)
	}
	if c.LiquidationThreshold <= fpmath.Scale {
		return cdperr.New(cdperr.CodeInvalidConfig, "liquidation_threshold %s must be > 1.0",
			fpmath.FormatFixed(c.LiquidationThreshold))
	}
	if c.MaxCollateralRatio <= c.LiquidationThreshold {
		return cdperr.New(cdperr.CodeInvalidConfig, "max_collateral_ratio %s must be > liquidation_threshold %s",
			fpmath.FormatFixed(c.MaxCollateralRatio), fpmath.FormatFixed(c.LiquidationThreshold))
	}
	if c.InterestRate < 0 {
		return cdperr.New(cdperr.CodeInvalidConfig, "interest_rate must be >= 0")
	}
	if c.LiquidationPenalty < 0 || c.LiquidationPenalty >= fpmath.Scale {
		return cdperr.New(cdperr.CodeInvalidConfig, "liquidation_penalty %s must be in [0, 1)",
			fpmath.FormatFixed(c.LiquidationPenalty))
	}
	if c.MinCollateralAmount < 0 || c.MaxDebtPerVault < 0 || c.DebtCeiling < 0 {
		return cdperr.New(cdperr.CodeInvalidConfig, "limits must be >= 0")
	}
	return nil
}

// ConfigPatch carries optional updates; nil fields keep the current value.
type ConfigPatch struct {
	NewOwner             *uuid.UUID
	MaxCollateralRatio   *int64
	InterestRate         *int64
	LiquidationThreshold *int64
	LiquidationPenalty   *int64
	MinCollateralAmount  *int64
	MaxDebtPerVault      *int64
	DebtCeiling          *int64
	MintingPaused        *bool
}

func (p ConfigPatch) IsEmpty() bool {
	return p.NewOwner == nil && p.MaxCollateralRatio == nil && p.InterestRate == nil &&
		p.LiquidationThreshold == nil && p.LiquidationPenalty == nil && p.MinCollateralAmount == nil &&
		p.MaxDebtPerVault == nil && p.DebtCeiling == nil && p.MintingPaused == nil
}

// Apply returns a validated copy of c with the patch applied. c is never modified.
func (c *ProtocolConfig) Apply(p ConfigPatch) (*ProtocolConfig, error) {
	next := c.Clone()
	if p.NewOwner != nil {
		if *p.NewOwner == uuid.Nil {
			return nil, cdperr.New(cdperr.CodeInvalidConfig, "owner must not be nil")
		}
		next.Owner = *p.NewOwner
	}
	if p.MaxCollateralRatio != nil {
		next.MaxCollateralRatio = *p.MaxCollateralRatio
	}
	if p.InterestRate != nil {
		next.InterestRate = *p.InterestRate
	}
	if p.LiquidationThreshold != nil {
		next.LiquidationThreshold = *p.LiquidationThreshold
	}
	if p.LiquidationPenalty != nil {
		next.LiquidationPenalty = *p.LiquidationPenalty
	}
	if p.MinCollateralAmount != nil {
		next.MinCollateralAmount = *p.MinCollateralAmount
	}
	if p.MaxDebtPerVault != nil {
		next.MaxDebtPerVault = *p.MaxDebtPerVault
	}
	if p.DebtCeiling != nil {
		next.DebtCeiling = *p.DebtCeiling
	}
	if p.MintingPaused != nil {
		next.MintingPaused = *p.MintingPaused
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.Version++
	return next, nil
}

// ConfigStore holds the singleton.
// Not thread-safe — only accessed from the single-threaded deterministic core.
type ConfigStore struct {
	config *ProtocolConfig
}

func NewConfigStore() *ConfigStore {
	return &ConfigStore{}
}

// Get returns the live config or ProtocolNotInitialized.
func (s *ConfigStore) Get() (*ProtocolConfig, error) {
	if s.config == nil {
		return nil, cdperr.ErrProtocolNotInitialized
	}
	return s.config, nil
}

func (s *ConfigStore) IsInitialized() bool {
	return s.config != nil
}

// Put replaces the stored config. Used by commit and snapshot restore.
func (s *ConfigStore) Put(cfg *ProtocolConfig) {
	s.config = cfg
}

func (c *ProtocolConfig) String() string {
	return fmt.Sprintf("ProtocolConfig{collateral=%s debt=%s mcr=%s lt=%s rate=%s penalty=%s}",
		c.CollateralAssetID, c.DebtAssetID,
		fpmath.FormatFixed(c.MaxCollateralRatio), fpmath.FormatFixed(c.LiquidationThreshold),
		fpmath.FormatFixed(c.InterestRate), fpmath.FormatFixed(c.LiquidationPenalty))
}
