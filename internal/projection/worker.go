// Package projection maintains the read models: price history and
// operation history tables derived from the event stream. Projections are
// eventually consistent and rebuildable from the event log, so the input
// channel is lossy.
package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"qeuro/internal/event"
)

// Worker updates projection tables from committed events.
type Worker struct {
	log     zerolog.Logger
	db      *sql.DB
	input   <-chan event.Envelope
	lastSeq int64
}

func NewWorker(log zerolog.Logger, db *sql.DB, input <-chan event.Envelope) *Worker {
	return &Worker{
		log:   log.With().Str("component", "projection").Logger(),
		db:    db,
		input: input,
	}
}

// Run consumes envelopes until ctx is cancelled. Failures are logged and
// skipped; a rebuild recovers any gap.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-w.input:
			if !ok {
				return nil
			}
			if err := w.apply(ctx, env); err != nil {
				w.log.Warn().Int64("sequence", env.Sequence).Err(err).Msg("projection update failed")
			}
			w.lastSeq = env.Sequence
		}
	}
}

func (w *Worker) apply(ctx context.Context, env event.Envelope) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	switch env.EventType {
	case event.EventTypePriceUpdated:
		if err := w.applyPrice(ctx, tx, env); err != nil {
			return fmt.Errorf("price history: %w", err)
		}
	case event.EventTypeMintExecuted:
		if err := w.applyMint(ctx, tx, env); err != nil {
			return fmt.Errorf("operation history: %w", err)
		}
	case event.EventTypeRedemptionExecuted:
		if err := w.applyRedemption(ctx, tx, env); err != nil {
			return fmt.Errorf("operation history: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, env.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (w *Worker) applyPrice(ctx context.Context, tx *sql.Tx, env event.Envelope) error {
	var p event.PriceUpdated
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.price_history (sequence, price, eur_usd, usdc_usd, fallback, recorded_at)
		VALUES ($1, $2, NULLIF($3, '')::NUMERIC, NULLIF($4, '')::NUMERIC, $5, $6)
		ON CONFLICT (sequence) DO NOTHING
	`, env.Sequence, p.Price, p.EurUsd, p.UsdcUsd, p.Fallback, env.Timestamp)
	return err
}

func (w *Worker) applyMint(ctx context.Context, tx *sql.Tx, env event.Envelope) error {
	var m event.MintExecuted
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.operation_history
			(sequence, operation_id, op_type, caller, amount_in, amount_out, fee, price, recorded_at)
		VALUES ($1, $2, 'mint', $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sequence) DO NOTHING
	`, env.Sequence, m.OperationID, m.Caller, m.ReserveIn, m.NetOut, m.Fee, m.Price, env.Timestamp)
	return err
}

func (w *Worker) applyRedemption(ctx context.Context, tx *sql.Tx, env event.Envelope) error {
	var r event.RedemptionExecuted
	if err := json.Unmarshal(env.Payload, &r); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.operation_history
			(sequence, operation_id, op_type, caller, amount_in, amount_out, fee, price, recorded_at)
		VALUES ($1, $2, 'redeem', $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sequence) DO NOTHING
	`, env.Sequence, r.OperationID, r.Caller, r.SyntheticIn, r.NetOut, r.Fee, r.Price, env.Timestamp)
	return err
}

// Rebuild truncates and repopulates the projection tables from the event
// log. Used after a lossy gap or a schema change.
func Rebuild(ctx context.Context, log zerolog.Logger, db *sql.DB) error {
	statements := []string{
		`TRUNCATE projections.price_history`,
		`TRUNCATE projections.operation_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.price_history (sequence, price, eur_usd, usdc_usd, fallback, recorded_at)
		SELECT
			sequence,
			(payload->>'price')::NUMERIC,
			NULLIF(payload->>'eur_usd', '')::NUMERIC,
			NULLIF(payload->>'usdc_usd', '')::NUMERIC,
			COALESCE((payload->>'fallback')::BOOLEAN, FALSE),
			timestamp
		FROM qeuro_log.events
		WHERE event_type = 'PriceUpdated'
		ON CONFLICT (sequence) DO NOTHING
	`); err != nil {
		return fmt.Errorf("rebuild price history: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.operation_history
			(sequence, operation_id, op_type, caller, amount_in, amount_out, fee, price, recorded_at)
		SELECT
			sequence,
			(payload->>'operation_id')::UUID,
			CASE event_type WHEN 'MintExecuted' THEN 'mint' ELSE 'redeem' END,
			payload->>'caller',
			COALESCE(payload->>'reserve_in', payload->>'synthetic_in')::NUMERIC,
			(payload->>'net_out')::NUMERIC,
			(payload->>'fee')::NUMERIC,
			(payload->>'price')::NUMERIC,
			timestamp
		FROM qeuro_log.events
		WHERE event_type IN ('MintExecuted', 'RedemptionExecuted')
		ON CONFLICT (sequence) DO NOTHING
	`); err != nil {
		return fmt.Errorf("rebuild operation history: %w", err)
	}

	log.Info().Msg("projection rebuild complete")
	return nil
}
