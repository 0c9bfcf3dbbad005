package core

import (
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/state"
)

// SnapshotState holds the serializable in-memory state for restore.
// persistence.SnapshotData is its JSON form.
type SnapshotState struct {
	Sequence        int64 // Last applied sequence
	StateHash       [32]byte
	Config          *state.ProtocolConfig // nil before initialize
	Vaults          []*state.UserVault
	Balances        map[ledger.AccountKey]int64
	Authorities     []ledger.AssetAuthority
	SequenceState   []PartitionSequence
	IdempotencyKeys []string // Oldest first
}

// CreateSnapshotState captures the current in-memory state for persistence.
// Must be called from the core goroutine.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	snap := &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Balances:        c.balanceTracker.Snapshot(),
		Authorities:     c.journalGen.Authorities(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
	if cfg, err := c.configs.Get(); err == nil {
		snap.Config = cfg.Clone()
	}
	for _, v := range c.vaults.All() {
		snap.Vaults = append(snap.Vaults, v.Clone())
	}
	return snap
}

// RestoreFromSnapshot replaces the core's in-memory state. Replay continues
// from snap.Sequence+1.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)

	c.balanceTracker.Restore(snap.Balances)
	c.journalGen.RestoreAuthorities(snap.Authorities)
	c.sequenceValidator.RestorePartitions(snap.SequenceState)

	c.configs = state.NewConfigStore()
	if snap.Config != nil {
		c.configs.Put(snap.Config.Clone())
	}

	c.vaults = state.NewVaultStore()
	for _, v := range snap.Vaults {
		c.vaults.Put(v.Clone())
	}

	c.idempotency.WarmFromKeys(snap.IdempotencyKeys)

	if c.metrics != nil {
		c.metrics.CoreSequence.Set(float64(snap.Sequence))
		for _, s := range []state.VaultState{
			state.VaultStateUninitialized,
			state.VaultStateActive,
			state.VaultStateRepaid,
			state.VaultStateLiquidated,
		} {
			c.metrics.VaultsByState.WithLabelValues(s.String()).Set(0)
		}
		for s, n := range c.vaults.CountByState() {
			c.metrics.VaultsByState.WithLabelValues(s.String()).Set(float64(n))
		}
		if snap.Config != nil {
			c.metrics.TotalDebt.Set(float64(snap.Config.TotalDebt))
			c.metrics.TotalCollateral.Set(float64(snap.Config.TotalCollateral))
			c.metrics.BadDebt.Set(float64(snap.Config.BadDebt))
		}
	}

	c.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("vaults", len(snap.Vaults)).
		Int("accounts", len(snap.Balances)).
		Msg("state restored from snapshot")
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.WarmFromKeys(keys)
}
