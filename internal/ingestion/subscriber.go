package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"qeuro/internal/observability"
)

// FeedStreamName is the JetStream stream carrying upstream price ticks.
const FeedStreamName = "QEURO_FEEDS"

// FeedSubjectPrefix is the subject root for price ticks. Aggregators publish
// to qeuro.feeds.{feed_id}.{source}.
const FeedSubjectPrefix = "qeuro.feeds"

// Subscriber consumes price ticks from JetStream into a FeedCache.
// Consumers use explicit ACK; the ACK happens after the tick is stored so a
// crash between delivery and store causes a redelivery, which the cache
// deduplicates by sequence.
type Subscriber struct {
	log       zerolog.Logger
	metrics   *observability.Metrics
	js        jetstream.JetStream
	cache     *FeedCache
	consumers []jetstream.ConsumeContext
}

func NewSubscriber(log zerolog.Logger, metrics *observability.Metrics, js jetstream.JetStream, cache *FeedCache) *Subscriber {
	return &Subscriber{
		log:     log.With().Str("component", "feed_subscriber").Logger(),
		metrics: metrics,
		js:      js,
		cache:   cache,
	}
}

// Subscribe creates a durable consumer per feed and starts delivery.
func (s *Subscriber) Subscribe(ctx context.Context, feedIDs []string) error {
	for _, feedID := range feedIDs {
		feedID := feedID
		consumer, err := s.js.CreateOrUpdateConsumer(ctx, FeedStreamName, jetstream.ConsumerConfig{
			Durable:       fmt.Sprintf("oracle-%s", feedID),
			FilterSubject: fmt.Sprintf("%s.%s.>", FeedSubjectPrefix, feedID),
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer for %s: %w", feedID, err)
		}

		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			obs, perr := ParseObservation(msg.Data())
			if perr != nil {
				if s.metrics != nil {
					s.metrics.FeedParseFailures.WithLabelValues(feedID).Inc()
				}
				s.log.Warn().Str("feed", feedID).Err(perr).Msg("malformed tick terminated")
				// A malformed tick never becomes valid on redelivery.
				_ = msg.Term()
				return
			}
			s.cache.Apply(obs)
			_ = msg.Ack()
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", feedID, err)
		}

		s.consumers = append(s.consumers, cc)
		s.log.Info().Str("feed", feedID).Msg("subscribed to feed")
	}
	return nil
}

// Stop stops all consumers.
func (s *Subscriber) Stop() {
	for _, cc := range s.consumers {
		cc.Stop()
	}
	s.log.Info().Msg("feed subscribers stopped")
}

// EnsureStreams creates the feed and outbound streams if missing.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      FeedStreamName,
			Subjects:  []string{FeedSubjectPrefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      OutboundStreamName,
			Subjects:  []string{OutboundSubjectPrefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(log zerolog.Logger, url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
