package event

import "github.com/google/uuid"

// DepositCollateral moves collateral from the owner's wallet into the vault.
type DepositCollateral struct {
	Meta
	Caller uuid.UUID
	Owner  uuid.UUID
	Amount int64
}

func (e *DepositCollateral) EventType() EventType {
	return EventTypeDepositCollateral
}

// MintDebt optionally deposits collateral and mints Amount of the debt asset.
type MintDebt struct {
	Meta
	Caller            uuid.UUID
	Owner             uuid.UUID
	CollateralDeposit int64
	Amount            int64
	Price             int64 // Collateral price in debt units, fpmath.Scale
}

func (e *MintDebt) EventType() EventType {
	return EventTypeMintDebt
}

func (e *MintDebt) GetPrice() int64 { return e.Price }

func (e *MintDebt) SetPrice(p int64) { e.Price = p }

// RedeemDebt burns Amount of the debt asset and releases collateral.
type RedeemDebt struct {
	Meta
	Caller uuid.UUID
	Owner  uuid.UUID
	Amount int64
	Price  int64
}

func (e *RedeemDebt) EventType() EventType {
	return EventTypeRedeemDebt
}

func (e *RedeemDebt) GetPrice() int64 { return e.Price }

func (e *RedeemDebt) SetPrice(p int64) { e.Price = p }

// WithdrawCollateral releases collateral without repaying debt.
type WithdrawCollateral struct {
	Meta
	Caller uuid.UUID
	Owner  uuid.UUID
	Amount int64
	Price  int64
}

func (e *WithdrawCollateral) EventType() EventType {
	return EventTypeWithdrawCollateral
}

func (e *WithdrawCollateral) GetPrice() int64 { return e.Price }

func (e *WithdrawCollateral) SetPrice(p int64) { e.Price = p }

// AccrueInterest brings a vault's debt up to the command timestamp. Anyone may send it.
type AccrueInterest struct {
	Meta
	Owner uuid.UUID
}

func (e *AccrueInterest) EventType() EventType {
	return EventTypeAccrueInterest
}

// LiquidateVault repays DebtToCover (0 = all) of an undercollateralized vault
// in exchange for collateral plus the liquidation penalty.
type LiquidateVault struct {
	Meta
	Liquidator  uuid.UUID
	Owner       uuid.UUID
	DebtToCover int64
	Price       int64
}

func (e *LiquidateVault) EventType() EventType {
	return EventTypeLiquidateVault
}

func (e *LiquidateVault) GetPrice() int64 { return e.Price }

func (e *LiquidateVault) SetPrice(p int64) { e.Price = p }

// VaultOwner returns the vault a command operates on, if any.
func VaultOwner(evt Event) (uuid.UUID, bool) {
	switch e := evt.(type) {
	case *DepositCollateral:
		return e.Owner, true
	case *MintDebt:
		return e.Owner, true
	case *RedeemDebt:
		return e.Owner, true
	case *WithdrawCollateral:
		return e.Owner, true
	case *AccrueInterest:
		return e.Owner, true
	case *LiquidateVault:
		return e.Owner, true
	}
	return uuid.Nil, false
}
