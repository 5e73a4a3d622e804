package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeMintExecuted
	EventTypeRedemptionExecuted
	EventTypePriceUpdated
	EventTypeCircuitBreakerTriggered
	EventTypeCircuitBreakerReset
	EventTypeOraclePaused
	EventTypeOracleUnpaused
	EventTypeVaultPaused
	EventTypeVaultUnpaused
	EventTypeParametersUpdated
	EventTypeOracleConfigUpdated
	EventTypeOracleUpdated
	EventTypeFeesWithdrawn
	EventTypeTokenRecovered
	EventTypeRoleGranted
	EventTypeRoleRevoked
)

// Envelope wraps every event in the log
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key of the originating operation
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Operation acceptance timestamp
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType
}

func (et EventType) String() string {
	switch et {
	case EventTypeMintExecuted:
		return "MintExecuted"
	case EventTypeRedemptionExecuted:
		return "RedemptionExecuted"
	case EventTypePriceUpdated:
		return "PriceUpdated"
	case EventTypeCircuitBreakerTriggered:
		return "CircuitBreakerTriggered"
	case EventTypeCircuitBreakerReset:
		return "CircuitBreakerReset"
	case EventTypeOraclePaused:
		return "OraclePaused"
	case EventTypeOracleUnpaused:
		return "OracleUnpaused"
	case EventTypeVaultPaused:
		return "VaultPaused"
	case EventTypeVaultUnpaused:
		return "VaultUnpaused"
	case EventTypeParametersUpdated:
		return "ParametersUpdated"
	case EventTypeOracleConfigUpdated:
		return "OracleConfigUpdated"
	case EventTypeOracleUpdated:
		return "OracleUpdated"
	case EventTypeFeesWithdrawn:
		return "FeesWithdrawn"
	case EventTypeTokenRecovered:
		return "TokenRecovered"
	case EventTypeRoleGranted:
		return "RoleGranted"
	case EventTypeRoleRevoked:
		return "RoleRevoked"
	default:
		return "Unknown"
	}
}
