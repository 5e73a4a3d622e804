package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"qeuro/internal/core"
)

// snapshotFormatVersion identifies the JSON layout of SnapshotData.
const snapshotFormatVersion = 1

// SnapshotManager saves and loads recovery snapshots. A snapshot carries
// the ledger balances, the hash chain tip and recent idempotency keys;
// operational configuration is re-established at boot from the config
// file, not from the snapshot.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serialized snapshot. Balances map account paths to
// 18-decimal integer strings.
type SnapshotData struct {
	Sequence        int64             `json:"sequence"`
	StateHash       []byte            `json:"state_hash"`
	Balances        map[string]string `json:"balances"`
	IdempotencyKeys []string          `json:"idempotency_keys"`
	CreatedAt       time.Time         `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// FromEngineState converts the engine's snapshot into the storable form.
func FromEngineState(s *core.SnapshotState, at time.Time) *SnapshotData {
	balances := make(map[string]string, len(s.Balances))
	for path, v := range s.Balances {
		balances[path] = v.String()
	}
	return &SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       append([]byte(nil), s.StateHash[:]...),
		Balances:        balances,
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       at,
	}
}

// ToEngineState converts a loaded snapshot back for RestoreFromSnapshot.
func (s *SnapshotData) ToEngineState() (*core.SnapshotState, error) {
	if len(s.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot state hash has %d bytes, want 32", len(s.StateHash))
	}
	balances := make(map[string]*big.Int, len(s.Balances))
	for path, str := range s.Balances {
		v, ok := new(big.Int).SetString(str, 10)
		if !ok {
			return nil, fmt.Errorf("snapshot balance %s=%q is not an integer", path, str)
		}
		balances[path] = v
	}

	out := &core.SnapshotState{
		Sequence:        s.Sequence,
		Balances:        balances,
		IdempotencyKeys: s.IdempotencyKeys,
	}
	copy(out.StateHash[:], s.StateHash)
	return out, nil
}

// SaveSnapshot persists a snapshot. One row per sequence; re-saving the
// same sequence overwrites.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO qeuro_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash, snapshotFormatVersion, len(data), snap.CreatedAt)
	return err
}

// LoadLatestSnapshot returns the newest verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM qeuro_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified flags a snapshot after its hash has been checked against
// the event log.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE qeuro_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom pages events for replay, starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, payload, state_hash, prev_hash, timestamp
		FROM qeuro_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest durable sequence, zero when the
// log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM qeuro_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
