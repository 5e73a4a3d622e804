// Package oracle turns raw external price observations into a single
// trusted, bounded EUR/USDC price. Raw readings pass staleness, bounds and
// depeg validation before they can move the served price; a tripped circuit
// breaker switches serving to the cached last-known-good value.
package oracle

import (
	"time"

	"github.com/holiman/uint256"
)

// PriceObservation is one raw reading from an external feed. Ephemeral,
// produced per query, never persisted.
type PriceObservation struct {
	Value     *uint256.Int
	Timestamp time.Time
	SourceID  string
}

// FeedSource supplies raw observations by feed id. The production
// implementation is the NATS-backed cache in internal/ingestion.
type FeedSource interface {
	Read(feedID string) (PriceObservation, error)
}
