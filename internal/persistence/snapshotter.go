package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"qeuro/internal/core"
	"qeuro/internal/observability"
)

// Snapshotter captures periodic recovery images from the engine. A
// snapshot counts for recovery only once its state hash has been checked
// against the persisted event at the same sequence; until the persistence
// worker catches up it stays unverified and the previous snapshot remains
// the recovery point.
type Snapshotter struct {
	log     zerolog.Logger
	metrics *observability.Metrics
	engine  *core.Engine
	mgr     *SnapshotManager

	interval time.Duration
	lastSeq  int64
}

func NewSnapshotter(log zerolog.Logger, metrics *observability.Metrics, engine *core.Engine, mgr *SnapshotManager, interval time.Duration) *Snapshotter {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Snapshotter{
		log:      log.With().Str("component", "snapshotter").Logger(),
		metrics:  metrics,
		engine:   engine,
		mgr:      mgr,
		interval: interval,
	}
}

// Run takes snapshots on a fixed interval until ctx is cancelled.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.TakeSnapshot(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log.Warn().Err(err).Msg("snapshot failed")
			}
		}
	}
}

// TakeSnapshot captures, saves and verifies one snapshot. A repeat call
// at an unchanged sequence returns the previous image without writing.
func (s *Snapshotter) TakeSnapshot(ctx context.Context) (*SnapshotData, error) {
	state, err := s.engine.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture state: %w", err)
	}
	snap := FromEngineState(state, time.Now().UTC())
	if state.Sequence == s.lastSeq && s.lastSeq != 0 {
		return snap, nil
	}

	if err := s.mgr.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	s.lastSeq = state.Sequence

	if err := s.verify(ctx, snap); err != nil {
		s.log.Warn().Int64("sequence", snap.Sequence).Err(err).Msg("snapshot left unverified")
	} else if s.metrics != nil {
		s.metrics.SnapshotsTaken.Inc()
		s.metrics.SnapshotLastSequence.Set(float64(snap.Sequence))
	}

	s.log.Info().Int64("sequence", snap.Sequence).Msg("snapshot taken")
	return snap, nil
}

// verify checks the snapshot hash against the event log tip it claims.
// At sequence zero there is no event; the genesis image verifies as-is.
func (s *Snapshotter) verify(ctx context.Context, snap *SnapshotData) error {
	if snap.Sequence > 0 {
		var persisted []byte
		err := s.mgr.db.QueryRowContext(ctx, `
			SELECT state_hash FROM qeuro_log.events WHERE sequence = $1
		`, snap.Sequence).Scan(&persisted)
		if err == sql.ErrNoRows {
			return fmt.Errorf("event %d not yet persisted", snap.Sequence)
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(persisted, snap.StateHash) {
			return fmt.Errorf("state hash mismatch at sequence %d", snap.Sequence)
		}
	}
	return s.mgr.MarkVerified(ctx, snap.Sequence)
}
