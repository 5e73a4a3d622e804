package query

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PriceHistoryResponse is one validated oracle sample from the price
// history projection. EurUsd and UsdcUsd are nil for fallback samples,
// where the breaker served the last good price without reading feeds.
type PriceHistoryResponse struct {
	Sequence     int64     `json:"sequence"`
	Price        string    `json:"price"`
	EurUsd       *string   `json:"eur_usd,omitempty"`
	UsdcUsd      *string   `json:"usdc_usd,omitempty"`
	Fallback     bool      `json:"fallback"`
	RecordedAt   time.Time `json:"recorded_at"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// OperationHistoryResponse is one committed mint or redemption.
type OperationHistoryResponse struct {
	Sequence     int64     `json:"sequence"`
	OperationID  uuid.UUID `json:"operation_id"`
	OpType       string    `json:"op_type"`
	Caller       string    `json:"caller"`
	AmountIn     string    `json:"amount_in"`
	AmountOut    string    `json:"amount_out"`
	Fee          string    `json:"fee"`
	Price        string    `json:"price"`
	RecordedAt   time.Time `json:"recorded_at"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// EventRecord is one entry from the canonical event log.
type EventRecord struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// JournalEntry is one double-entry row from the journal table.
type JournalEntry struct {
	JournalID     string    `json:"journal_id"`
	BatchID       string    `json:"batch_id"`
	EventRef      string    `json:"event_ref"`
	Sequence      int64     `json:"sequence"`
	DebitAccount  string    `json:"debit_account"`
	CreditAccount string    `json:"credit_account"`
	Asset         string    `json:"asset"`
	Amount        string    `json:"amount"`
	JournalType   int32     `json:"journal_type"`
	Timestamp     time.Time `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	LatestSequence   int64             `json:"latest_sequence"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	NegativeAccounts []NegativeAccount `json:"negative_accounts,omitempty"`
}

// NegativeAccount is an internal account whose replayed journal
// balance went below zero. Only external accounts may be negative.
type NegativeAccount struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}
