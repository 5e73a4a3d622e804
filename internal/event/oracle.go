package event

import "github.com/google/uuid"

type PriceUpdated struct {
	OperationID uuid.UUID `json:"operation_id"`
	Price       string    `json:"price"`
	EurUsd      string    `json:"eur_usd"`
	UsdcUsd     string    `json:"usdc_usd"`
	Fallback    bool      `json:"fallback"`
}

func (e *PriceUpdated) IdempotencyKey() string { return e.OperationID.String() }
func (e *PriceUpdated) EventType() EventType   { return EventTypePriceUpdated }

type CircuitBreakerTriggered struct {
	OperationID   uuid.UUID `json:"operation_id"`
	Caller        string    `json:"caller"`
	LastGoodPrice string    `json:"last_good_price"`
}

func (e *CircuitBreakerTriggered) IdempotencyKey() string { return e.OperationID.String() }
func (e *CircuitBreakerTriggered) EventType() EventType   { return EventTypeCircuitBreakerTriggered }

type CircuitBreakerReset struct {
	OperationID uuid.UUID `json:"operation_id"`
	Caller      string    `json:"caller"`
}

func (e *CircuitBreakerReset) IdempotencyKey() string { return e.OperationID.String() }
func (e *CircuitBreakerReset) EventType() EventType   { return EventTypeCircuitBreakerReset }

type OraclePaused struct {
	OperationID uuid.UUID `json:"operation_id"`
	Caller      string    `json:"caller"`
}

func (e *OraclePaused) IdempotencyKey() string { return e.OperationID.String() }
func (e *OraclePaused) EventType() EventType   { return EventTypeOraclePaused }

type OracleUnpaused struct {
	OperationID uuid.UUID `json:"operation_id"`
	Caller      string    `json:"caller"`
}

func (e *OracleUnpaused) IdempotencyKey() string { return e.OperationID.String() }
func (e *OracleUnpaused) EventType() EventType   { return EventTypeOracleUnpaused }

// OracleConfigUpdated covers bounds, tolerance and feed identity changes.
type OracleConfigUpdated struct {
	OperationID   uuid.UUID `json:"operation_id"`
	Caller        string    `json:"caller"`
	MinPrice      string    `json:"min_price,omitempty"`
	MaxPrice      string    `json:"max_price,omitempty"`
	ToleranceBps  uint64    `json:"tolerance_bps,omitempty"`
	EurUsdFeedID  string    `json:"eur_usd_feed_id,omitempty"`
	UsdcUsdFeedID string    `json:"usdc_usd_feed_id,omitempty"`
}

func (e *OracleConfigUpdated) IdempotencyKey() string { return e.OperationID.String() }
func (e *OracleConfigUpdated) EventType() EventType   { return EventTypeOracleConfigUpdated }
