package event

import (
	"fmt"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeInitializeProtocol
	EventTypeUpdateConfig
	EventTypeAssetDeposited
	EventTypeDepositCollateral
	EventTypeMintDebt
	EventTypeRedeemDebt
	EventTypeWithdrawCollateral
	EventTypeAccrueInterest
	EventTypeLiquidateVault
)

var eventTypeNames = map[EventType]string{
	EventTypeInitializeProtocol: "InitializeProtocol",
	EventTypeUpdateConfig:       "UpdateConfig",
	EventTypeAssetDeposited:     "AssetDeposited",
	EventTypeDepositCollateral:  "DepositCollateral",
	EventTypeMintDebt:           "MintDebt",
	EventTypeRedeemDebt:         "RedeemDebt",
	EventTypeWithdrawCollateral: "WithdrawCollateral",
	EventTypeAccrueInterest:     "AccrueInterest",
	EventTypeLiquidateVault:     "LiquidateVault",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

func ParseEventType(s string) (EventType, error) {
	for et, name := range eventTypeNames {
		if name == s {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type: %s", s)
}

// AllEventTypes lists every command type in declaration order.
func AllEventTypes() []EventType {
	return []EventType{
		EventTypeInitializeProtocol,
		EventTypeUpdateConfig,
		EventTypeAssetDeposited,
		EventTypeDepositCollateral,
		EventTypeMintDebt,
		EventTypeRedeemDebt,
		EventTypeWithdrawCollateral,
		EventTypeAccrueInterest,
		EventTypeLiquidateVault,
	}
}

// EventEnvelope wraps every applied command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Ordering partition of the producer
	Partition string

	// Command timestamp (unix seconds, NOT wall-clock)
	Timestamp int64

	// Upstream sequence for ordering validation (0 = unsequenced)
	SourceSequence int64

	// Wire JSON of the command, re-parsed on replay
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all command payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Partition returns the ordering partition of the producer
	Partition() string

	// SourceSequence returns upstream ordering key (0 = unsequenced)
	SourceSequence() int64

	// Time returns the command timestamp in unix seconds
	Time() int64
}

// Priced is implemented by commands that evaluate collateral at a price.
type Priced interface {
	Event
	GetPrice() int64
	SetPrice(price int64)
}
