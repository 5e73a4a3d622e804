package ingestion

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"qeuro/internal/observability"
	"qeuro/internal/oracle"
)

// FeedCache holds the latest observation per feed and implements
// oracle.FeedSource. Price sequences tolerate gaps: a missed tick means the
// cache is briefly older, not wrong. Stale and duplicate ticks are dropped
// so a NATS redelivery can never rewind a feed.
type FeedCache struct {
	log     zerolog.Logger
	metrics *observability.Metrics

	mu      sync.RWMutex
	latest  map[string]oracle.PriceObservation
	nextSeq map[string]int64
}

func NewFeedCache(log zerolog.Logger, metrics *observability.Metrics) *FeedCache {
	return &FeedCache{
		log:     log.With().Str("component", "feedcache").Logger(),
		metrics: metrics,
		latest:  make(map[string]oracle.PriceObservation),
		nextSeq: make(map[string]int64),
	}
}

// Apply stores an observation. Returns false when the tick is stale or a
// duplicate and was dropped.
func (c *FeedCache) Apply(obs Observation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	expected := c.nextSeq[obs.FeedID]
	if obs.Sequence < expected {
		c.log.Debug().
			Str("feed", obs.FeedID).
			Int64("sequence", obs.Sequence).
			Int64("expected", expected).
			Msg("stale tick dropped")
		return false
	}
	if expected != 0 && obs.Sequence > expected {
		if c.metrics != nil {
			c.metrics.FeedSequenceGaps.WithLabelValues(obs.FeedID).Inc()
		}
		c.log.Warn().
			Str("feed", obs.FeedID).
			Int64("expected", expected).
			Int64("got", obs.Sequence).
			Msg("feed sequence gap, accepting tick")
	}
	c.nextSeq[obs.FeedID] = obs.Sequence + 1

	c.latest[obs.FeedID] = oracle.PriceObservation{
		Value:     obs.Price,
		Timestamp: obs.Timestamp,
		SourceID:  obs.Source,
	}

	if c.metrics != nil {
		c.metrics.FeedObservations.WithLabelValues(obs.FeedID).Inc()
		c.metrics.FeedLastTimestamp.WithLabelValues(obs.FeedID).Set(float64(obs.Timestamp.Unix()))
	}
	return true
}

// Read returns the newest observation for a feed. The oracle does its own
// staleness check against the observation timestamp.
func (c *FeedCache) Read(feedID string) (oracle.PriceObservation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	obs, ok := c.latest[feedID]
	if !ok {
		return oracle.PriceObservation{}, fmt.Errorf("no observation for feed %q", feedID)
	}
	return obs, nil
}

// NextSequence returns the next expected sequence for a feed. Zero means
// no tick has been seen.
func (c *FeedCache) NextSequence(feedID string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nextSeq[feedID]
}
