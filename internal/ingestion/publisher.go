package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"qeuro/internal/event"
	"qeuro/internal/observability"
)

// OutboundStreamName is the JetStream stream for committed protocol events.
const OutboundStreamName = "QEURO_LEDGER_EVENTS"

// OutboundSubjectPrefix roots the outbound subjects. Events publish to
// qeuro.ledger.events.{event_type}.
const OutboundSubjectPrefix = "qeuro.ledger.events"

// OutboundPublisher drains the engine's projection channel to JetStream for
// downstream consumers. Publishing is best effort; the event log in
// Postgres is the source of truth and consumers can backfill from it.
type OutboundPublisher struct {
	log     zerolog.Logger
	metrics *observability.Metrics
	js      jetstream.JetStream
	input   <-chan event.Envelope
}

// outboundJSON is the published wire format.
type outboundJSON struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
}

func NewOutboundPublisher(log zerolog.Logger, metrics *observability.Metrics, js jetstream.JetStream, input <-chan event.Envelope) *OutboundPublisher {
	return &OutboundPublisher{
		log:     log.With().Str("component", "publisher").Logger(),
		metrics: metrics,
		js:      js,
		input:   input,
	}
}

// Run publishes envelopes until ctx is cancelled or the input closes.
func (p *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-p.input:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, env); err != nil {
				if p.metrics != nil {
					p.metrics.PublishDrops.Inc()
				}
				p.log.Warn().Int64("sequence", env.Sequence).Err(err).Msg("outbound publish failed")
			}
		}
	}
}

func (p *OutboundPublisher) publish(ctx context.Context, env event.Envelope) error {
	body, err := json.Marshal(outboundJSON{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Timestamp:      env.Timestamp,
		Payload:        env.Payload,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", OutboundSubjectPrefix, env.EventType)
	_, err = p.js.Publish(ctx, subject, body)
	return err
}
