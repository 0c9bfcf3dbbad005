package ledger

import (
	"encoding/hex"
	"fmt"
	"strings"

	"CDPLedger/internal/address"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeProtocol
	AccountScopeSystem
	AccountScopeExternal
)

func (s AccountScope) String() string {
	switch s {
	case AccountScopeUser:
		return "user"
	case AccountScopeProtocol:
		return "protocol"
	case AccountScopeSystem:
		return "system"
	case AccountScopeExternal:
		return "external"
	default:
		return "unknown"
	}
}

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// Protocol sub-types
	SubTypeCollateralVault

	// System sub-types
	SubTypeIssuance // Counterparty of every mint and burn

	// External sub-types
	SubTypeExternalDeposits
)

var subTypeNames = map[AccountSubType]string{
	SubTypeWallet:           "wallet",
	SubTypeCollateralVault:  "collateral_vault",
	SubTypeIssuance:         "issuance",
	SubTypeExternalDeposits: "deposits",
}

func (t AccountSubType) String() string {
	if name, ok := subTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Identity is the owner of an account and the authority that may debit it.
type Identity struct {
	Scope    AccountScope
	EntityID [32]byte
}

func UserIdentity(userID uuid.UUID) Identity {
	var id Identity
	id.Scope = AccountScopeUser
	copy(id.EntityID[:], userID[:])
	return id
}

func ProtocolIdentity(addr address.Address) Identity {
	return Identity{Scope: AccountScopeProtocol, EntityID: addr}
}

var (
	SystemIdentity   = Identity{Scope: AccountScopeSystem}
	ExternalIdentity = Identity{Scope: AccountScopeExternal}
)

// UserID returns the uuid of a user identity.
func (id Identity) UserID() uuid.UUID {
	var u uuid.UUID
	copy(u[:], id.EntityID[:16])
	return u
}

func (id Identity) String() string {
	switch id.Scope {
	case AccountScopeUser:
		return "user:" + id.UserID().String()
	case AccountScopeProtocol:
		return "protocol:" + hex.EncodeToString(id.EntityID[:])
	default:
		return id.Scope.String()
	}
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Identity
	SubType AccountSubType
	Asset   string
}

// NewUserAccountKey creates a key for a user's wallet balance
func NewUserAccountKey(userID uuid.UUID, asset string) AccountKey {
	return AccountKey{Identity: UserIdentity(userID), SubType: SubTypeWallet, Asset: asset}
}

// NewProtocolAccountKey creates a key for a protocol-owned account
func NewProtocolAccountKey(addr address.Address, subType AccountSubType, asset string) AccountKey {
	return AccountKey{Identity: ProtocolIdentity(addr), SubType: subType, Asset: asset}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{Identity: SystemIdentity, SubType: subType, Asset: asset}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{Identity: ExternalIdentity, SubType: subType, Asset: asset}
}

// MayGoNegative reports whether the account is a boundary account whose balance
// mirrors value held outside the ledger.
func (k AccountKey) MayGoNegative() bool {
	return k.Scope == AccountScopeSystem || k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", k.UserID(), k.SubType, k.Asset)
	case AccountScopeProtocol:
		return fmt.Sprintf("protocol:%s:%s:%s", hex.EncodeToString(k.EntityID[:]), k.SubType, k.Asset)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.SubType, k.Asset)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.SubType, k.Asset)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	var key AccountKey

	subType := func(name string) (AccountSubType, error) {
		for t, n := range subTypeNames {
			if n == name {
				return t, nil
			}
		}
		return 0, fmt.Errorf("unknown sub-type %q in %q", name, path)
	}

	switch {
	case len(parts) == 4 && parts[0] == "user":
		uid, err := uuid.Parse(parts[1])
		if err != nil {
			return key, fmt.Errorf("bad user id in %q: %w", path, err)
		}
		st, err := subType(parts[2])
		if err != nil {
			return key, err
		}
		return AccountKey{Identity: UserIdentity(uid), SubType: st, Asset: parts[3]}, nil

	case len(parts) == 4 && parts[0] == "protocol":
		addr, err := address.Parse(parts[1])
		if err != nil {
			return key, fmt.Errorf("bad protocol address in %q: %w", path, err)
		}
		st, err := subType(parts[2])
		if err != nil {
			return key, err
		}
		return NewProtocolAccountKey(addr, st, parts[3]), nil

	case len(parts) == 3 && (parts[0] == "system" || parts[0] == "external"):
		st, err := subType(parts[1])
		if err != nil {
			return key, err
		}
		if parts[0] == "system" {
			return NewSystemAccountKey(st, parts[2]), nil
		}
		return NewExternalAccountKey(st, parts[2]), nil
	}

	return key, fmt.Errorf("malformed account path %q", path)
}
