// Package ingestion feeds the oracle from NATS JetStream. Upstream
// aggregators publish price ticks per feed; the subscriber parses and
// sequences them into the FeedCache the oracle reads from.
package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"qeuro/internal/fixedpoint"
)

// Observation is a parsed price tick.
type Observation struct {
	FeedID    string
	Price     *uint256.Int
	Sequence  int64
	Source    string
	Timestamp time.Time
}

// tickJSON is the wire format published by upstream aggregators. Prices are
// decimal strings; timestamps are microseconds since epoch.
type tickJSON struct {
	FeedID      string `json:"feed_id"`
	Price       string `json:"price"`
	Sequence    int64  `json:"sequence"`
	Source      string `json:"source"`
	TimestampUs int64  `json:"timestamp_us"`
}

// ParseObservation converts a raw tick into an Observation.
func ParseObservation(data []byte) (Observation, error) {
	var j tickJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Observation{}, fmt.Errorf("parse tick: %w", err)
	}
	if j.FeedID == "" {
		return Observation{}, fmt.Errorf("parse tick: empty feed_id")
	}
	if j.Sequence <= 0 {
		return Observation{}, fmt.Errorf("parse tick: sequence %d must be positive", j.Sequence)
	}
	if j.TimestampUs <= 0 {
		return Observation{}, fmt.Errorf("parse tick: timestamp_us %d must be positive", j.TimestampUs)
	}

	price, err := fixedpoint.FromDecimalString(j.Price)
	if err != nil {
		return Observation{}, fmt.Errorf("parse price %q: %w", j.Price, err)
	}
	if price.IsZero() {
		return Observation{}, fmt.Errorf("parse tick: zero price")
	}

	return Observation{
		FeedID:    j.FeedID,
		Price:     price,
		Sequence:  j.Sequence,
		Source:    j.Source,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}
