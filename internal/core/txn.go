package core

import (
	"sort"

	"CDPLedger/internal/address"
	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
)

// AssetLedger is the balance system the engines move value through.
// *ledger.Tx satisfies it.
type AssetLedger interface {
	Balance(key ledger.AccountKey) int64
	Mint(asset string, to ledger.AccountKey, amount int64, authority ledger.Identity, jt ledger.JournalType) error
	Burn(asset string, from ledger.AccountKey, amount int64, authority ledger.Identity, jt ledger.JournalType) error
	Transfer(asset string, from, to ledger.AccountKey, amount int64, authority ledger.Identity, jt ledger.JournalType) error
	Batch() *ledger.Batch
}

// Receipt describes the outcome of one applied command.
type Receipt struct {
	Sequence       int64
	EventType      event.EventType
	IdempotencyKey string
	StateHash      [32]byte
	Duplicate      bool

	Config *state.ProtocolConfig // After the command; nil before initialize
	Vault  *state.UserVault      // Vault the command targeted, after the command

	InterestAccrued int64
	DebtMinted      int64
	DebtBurned      int64
	CollateralIn    int64
	CollateralOut   int64 // Released to the owner
	Seized          int64 // Paid to the liquidator
	Surplus         int64 // Returned to the owner after full liquidation
	BadDebt         int64
	VaultsAccrued   int // Vaults checkpointed by a rate change
}

// txn holds working copies for one command. Nothing in it is visible to the
// stores until commit.
type txn struct {
	now         int64
	ledger      AssetLedger
	config      *state.ProtocolConfig
	vaults      map[uuid.UUID]*state.UserVault
	store       *state.VaultStore
	receipt     *Receipt
	authorities []ledger.AssetAuthority
}

func (t *txn) requireConfig() (*state.ProtocolConfig, error) {
	if t.config == nil {
		return nil, cdperr.ErrProtocolNotInitialized
	}
	return t.config, nil
}

// vault returns a working copy of an existing vault.
func (t *txn) vault(owner uuid.UUID) (*state.UserVault, bool) {
	if v, ok := t.vaults[owner]; ok {
		return v, true
	}
	stored, ok := t.store.Get(owner)
	if !ok {
		return nil, false
	}
	v := stored.Clone()
	t.vaults[owner] = v
	return v, true
}

// vaultOrCreate returns a working copy, creating an Uninitialized vault on first use.
func (t *txn) vaultOrCreate(owner uuid.UUID, addr address.Address) *state.UserVault {
	if v, ok := t.vault(owner); ok {
		return v
	}
	v := state.NewVault(addr, owner, t.now)
	t.vaults[owner] = v
	return v
}

// touched returns the working vaults ordered by owner.
func (t *txn) touched() []*state.UserVault {
	out := make([]*state.UserVault, 0, len(t.vaults))
	for _, v := range t.vaults {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Owner.String() < out[j].Owner.String()
	})
	return out
}
