// Package address derives deterministic record addresses from seed strings,
// owner identities and a program id. The same inputs always yield the same address.
package address

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

const (
	SeedProtocolConfig  = "protocol_config"
	SeedVault           = "vault"
	SeedCollateralVault = "collateral_vault"
)

type Address [32]byte

var Zero Address

// Derive hashes length-prefixed seeds followed by the program id.
func Derive(programID string, seeds ...[]byte) Address {
	h := sha256.New()
	var lenBuf [4]byte
	for _, s := range seeds {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		h.Write(lenBuf[:])
		h.Write(s)
	}
	h.Write([]byte(programID))

	var a Address
	copy(a[:], h.Sum(nil))
	return a
}

// ConfigAddress is the singleton ProtocolConfig address.
func ConfigAddress(programID string) Address {
	return Derive(programID, []byte(SeedProtocolConfig))
}

// VaultAddress is the per-owner vault address under a config.
func VaultAddress(programID string, owner uuid.UUID, config Address) Address {
	return Derive(programID, []byte(SeedVault), owner[:], config[:])
}

// CollateralVaultAddress is the protocol-owned account holding all deposited collateral.
func CollateralVaultAddress(programID string, config Address) Address {
	return Derive(programID, []byte(SeedCollateralVault), config[:])
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

func (a Address) IsZero() bool {
	return a == Zero
}

func Parse(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("parse address: %w", err)
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("parse address: want %d bytes, got %d", len(a), len(b))
	}
	copy(a[:], b)
	return a, nil
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
