package state

import (
	"fmt"

	"CDPLedger/internal/address"

	"github.com/google/uuid"
)

// VaultState tracks a vault's lifecycle
type VaultState int32

const (
	VaultStateUninitialized VaultState = iota
	VaultStateActive
	VaultStateRepaid
	VaultStateLiquidated
)

func (vs VaultState) String() string {
	switch vs {
	case VaultStateUninitialized:
		return "Uninitialized"
	case VaultStateActive:
		return "Active"
	case VaultStateRepaid:
		return "Repaid"
	case VaultStateLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

func ParseVaultState(s string) (VaultState, bool) {
	for _, vs := range []VaultState{VaultStateUninitialized, VaultStateActive, VaultStateRepaid, VaultStateLiquidated} {
		if vs.String() == s {
			return vs, true
		}
	}
	return VaultStateUninitialized, false
}

var vaultTransitions = map[VaultState][]VaultState{
	VaultStateUninitialized: {
		VaultStateActive,
	},
	VaultStateActive: {
		VaultStateActive, // Partial mint / redeem / liquidation
		VaultStateRepaid,
		VaultStateLiquidated,
	},
	VaultStateRepaid: {
		VaultStateActive, // New mint or deposit
	},
	VaultStateLiquidated: {
		VaultStateActive,
	},
}

// CanTransitionTo validates state transitions
func (vs VaultState) CanTransitionTo(next VaultState) bool {
	for _, allowed := range vaultTransitions[vs] {
		if next == allowed {
			return true
		}
	}
	return false
}

// UserVault is one owner's collateral and debt position.
// Amounts are base units of the collateral and debt assets.
type UserVault struct {
	Address            address.Address
	Owner              uuid.UUID
	CollateralAmount   int64
	DebtAmount         int64
	LastInterestUpdate int64 // Unix seconds
	State              VaultState
	CreatedAt          int64
	Version            int64
}

// NewVault creates an uninitialized vault that starts accruing at createdAt.
func NewVault(addr address.Address, owner uuid.UUID, createdAt int64) *UserVault {
	return &UserVault{
		Address:            addr,
		Owner:              owner,
		LastInterestUpdate: createdAt,
		State:              VaultStateUninitialized,
		CreatedAt:          createdAt,
	}
}

func (v *UserVault) Clone() *UserVault {
	c := *v
	return &c
}

// IsEmpty reports a vault with neither collateral nor debt.
func (v *UserVault) IsEmpty() bool {
	return v.CollateralAmount == 0 && v.DebtAmount == 0
}

// Transition moves the vault to next. Staying in the same terminal state is a no-op.
func (v *UserVault) Transition(next VaultState) error {
	if v.State == next && next != VaultStateActive {
		return nil
	}
	if !v.State.CanTransitionTo(next) {
		return fmt.Errorf("invalid vault transition: %s -> %s", v.State, next)
	}
	v.State = next
	return nil
}

// Validate checks the amount invariants.
func (v *UserVault) Validate() error {
	if v.CollateralAmount < 0 {
		return fmt.Errorf("vault %s: negative collateral %d", v.Owner, v.CollateralAmount)
	}
	if v.DebtAmount < 0 {
		return fmt.Errorf("vault %s: negative debt %d", v.Owner, v.DebtAmount)
	}
	return nil
}
