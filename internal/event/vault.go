package event

import "github.com/google/uuid"

// Amounts are 18-decimal fixed-point values serialized as decimal strings
// so payloads survive JSON round trips without precision loss.

type MintExecuted struct {
	OperationID  uuid.UUID `json:"operation_id"`
	Caller       string    `json:"caller"`
	ReserveIn    string    `json:"reserve_in"`
	GrossOut     string    `json:"gross_out"`
	Fee          string    `json:"fee"`
	NetOut       string    `json:"net_out"`
	Price        string    `json:"price"`
	LedgerBatch  string    `json:"ledger_batch"`
}

func (e *MintExecuted) IdempotencyKey() string { return e.OperationID.String() }
func (e *MintExecuted) EventType() EventType   { return EventTypeMintExecuted }

type RedemptionExecuted struct {
	OperationID uuid.UUID `json:"operation_id"`
	Caller      string    `json:"caller"`
	SyntheticIn string    `json:"synthetic_in"`
	GrossOut    string    `json:"gross_out"`
	Fee         string    `json:"fee"`
	NetOut      string    `json:"net_out"`
	Price       string    `json:"price"`
	LedgerBatch string    `json:"ledger_batch"`
}

func (e *RedemptionExecuted) IdempotencyKey() string { return e.OperationID.String() }
func (e *RedemptionExecuted) EventType() EventType   { return EventTypeRedemptionExecuted }

type ParametersUpdated struct {
	OperationID      uuid.UUID `json:"operation_id"`
	Caller           string    `json:"caller"`
	MintFeeBps       uint64    `json:"mint_fee_bps"`
	RedemptionFeeBps uint64    `json:"redemption_fee_bps"`
}

func (e *ParametersUpdated) IdempotencyKey() string { return e.OperationID.String() }
func (e *ParametersUpdated) EventType() EventType   { return EventTypeParametersUpdated }

type OracleUpdated struct {
	OperationID   uuid.UUID `json:"operation_id"`
	Caller        string    `json:"caller"`
	OracleAddress string    `json:"oracle_address"`
}

func (e *OracleUpdated) IdempotencyKey() string { return e.OperationID.String() }
func (e *OracleUpdated) EventType() EventType   { return EventTypeOracleUpdated }

type FeesWithdrawn struct {
	OperationID uuid.UUID `json:"operation_id"`
	Caller      string    `json:"caller"`
	To          string    `json:"to"`
	Amount      string    `json:"amount"`
}

func (e *FeesWithdrawn) IdempotencyKey() string { return e.OperationID.String() }
func (e *FeesWithdrawn) EventType() EventType   { return EventTypeFeesWithdrawn }

type TokenRecovered struct {
	OperationID uuid.UUID `json:"operation_id"`
	Caller      string    `json:"caller"`
	Component   string    `json:"component"`
	Asset       string    `json:"asset"`
	Amount      string    `json:"amount"`
}

func (e *TokenRecovered) IdempotencyKey() string { return e.OperationID.String() }
func (e *TokenRecovered) EventType() EventType   { return EventTypeTokenRecovered }

type VaultPaused struct {
	OperationID uuid.UUID `json:"operation_id"`
	Caller      string    `json:"caller"`
}

func (e *VaultPaused) IdempotencyKey() string { return e.OperationID.String() }
func (e *VaultPaused) EventType() EventType   { return EventTypeVaultPaused }

type VaultUnpaused struct {
	OperationID uuid.UUID `json:"operation_id"`
	Caller      string    `json:"caller"`
}

func (e *VaultUnpaused) IdempotencyKey() string { return e.OperationID.String() }
func (e *VaultUnpaused) EventType() EventType   { return EventTypeVaultUnpaused }
