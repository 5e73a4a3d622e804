package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"qeuro/internal/core"
	"qeuro/internal/observability"
)

// Worker drains the engine's persist channel and batch-writes to Postgres.
// The engine blocks when this worker falls behind, so no committed
// operation can outrun the event log.
type Worker struct {
	log          zerolog.Logger
	metrics      *observability.Metrics
	writer       *EventLogWriter
	input        <-chan core.Output
	batchSize    int
	flushTimeout time.Duration
}

func NewWorker(log zerolog.Logger, metrics *observability.Metrics, db *sql.DB, input <-chan core.Output, batchSize int, flushTimeout time.Duration) *Worker {
	if batchSize <= 0 {
		batchSize = 256
	}
	if flushTimeout <= 0 {
		flushTimeout = 50 * time.Millisecond
	}
	return &Worker{
		log:          log.With().Str("component", "persistence").Logger(),
		metrics:      metrics,
		writer:       NewEventLogWriter(db),
		input:        input,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
	}
}

// Run batches incoming outputs and flushes when the batch fills or the
// flush timeout fires. On shutdown the remaining batch is flushed with a
// background context so it is not lost.
func (w *Worker) Run(ctx context.Context) error {
	events := make([]EventRow, 0, w.batchSize)
	journals := make([]JournalRow, 0, w.batchSize*4)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(events) > 0 {
				if err := w.flush(context.Background(), events, journals); err != nil {
					w.log.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case out, ok := <-w.input:
			if !ok {
				if len(events) > 0 {
					if err := w.flush(context.Background(), events, journals); err != nil {
						w.log.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			ev, js := RowsFromOutput(out)
			events = append(events, ev)
			journals = append(journals, js...)

			if len(events) >= w.batchSize {
				w.flushWithRetry(ctx, events, journals)
				events = events[:0]
				journals = journals[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(events) > 0 {
				w.flushWithRetry(ctx, events, journals)
				events = events[:0]
				journals = journals[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or the context is cancelled. The worker never drops a batch; on cancel it
// makes one last attempt with a background context.
func (w *Worker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if w.metrics != nil {
				w.metrics.PersistRetries.Inc()
			}
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), events, journals); err != nil {
					w.log.Error().Err(err).Msg("shutdown flush failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := w.flush(ctx, events, journals); err == nil {
			if attempt > 0 {
				w.log.Info().Int("attempts", attempt).Msg("persistence flush recovered")
			}
			return
		}
	}
}

func (w *Worker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()

	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, tx, events); err != nil {
		w.countError("write_events")
		return err
	}
	if err := w.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		w.countError("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		w.countError("tx_commit")
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDuration.Observe(time.Since(start).Seconds())
		w.metrics.EventsPersisted.Add(float64(len(events)))
		w.metrics.JournalsPersisted.Add(float64(len(journals)))
		if len(events) > 0 {
			w.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		}
	}
	return nil
}

func (w *Worker) countError(kind string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
