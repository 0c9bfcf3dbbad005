package state

import (
	"sort"

	"github.com/google/uuid"
)

// VaultStore holds every vault keyed by owner.
// Not thread-safe — only accessed from the single-threaded deterministic core.
type VaultStore struct {
	vaults map[uuid.UUID]*UserVault
}

func NewVaultStore() *VaultStore {
	return &VaultStore{
		vaults: make(map[uuid.UUID]*UserVault),
	}
}

func (s *VaultStore) Get(owner uuid.UUID) (*UserVault, bool) {
	v, ok := s.vaults[owner]
	return v, ok
}

func (s *VaultStore) Put(v *UserVault) {
	s.vaults[v.Owner] = v
}

func (s *VaultStore) Len() int {
	return len(s.vaults)
}

// All returns vaults ordered by owner for deterministic iteration.
func (s *VaultStore) All() []*UserVault {
	out := make([]*UserVault, 0, len(s.vaults))
	for _, v := range s.vaults {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Owner.String() < out[j].Owner.String()
	})
	return out
}

// CountByState returns vault counts per lifecycle state.
func (s *VaultStore) CountByState() map[VaultState]int {
	counts := make(map[VaultState]int, 4)
	for _, v := range s.vaults {
		counts[v.State]++
	}
	return counts
}
