package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/rs/zerolog"

	"qeuro/internal/core"
)

// Recover rebuilds the engine state for a restart. It starts from the
// newest verified snapshot (or genesis on a cold start) and replays the
// journal rows committed after it, so acknowledged operations survive a
// crash between snapshots.
func Recover(ctx context.Context, log zerolog.Logger, db *sql.DB, mgr *SnapshotManager) (*core.SnapshotState, error) {
	base := &core.SnapshotState{
		Sequence:  0,
		StateHash: core.GenesisHash(),
		Balances:  make(map[string]*big.Int),
	}

	snap, err := mgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		base, err = snap.ToEngineState()
		if err != nil {
			return nil, fmt.Errorf("decode snapshot at %d: %w", snap.Sequence, err)
		}
	}

	head, err := mgr.GetLatestSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("read log head: %w", err)
	}
	if head < base.Sequence {
		return nil, fmt.Errorf("snapshot sequence %d is ahead of event log head %d", base.Sequence, head)
	}
	if head == base.Sequence {
		log.Info().Int64("sequence", head).Msg("no events past snapshot, recovery is trivial")
		return base, nil
	}

	from := base.Sequence
	replayed, err := replayJournal(ctx, db, base.Balances, from, head)
	if err != nil {
		return nil, err
	}

	keys, err := gapIdempotencyKeys(ctx, db, from, head)
	if err != nil {
		return nil, err
	}
	base.IdempotencyKeys = append(base.IdempotencyKeys, keys...)

	tip, err := stateHashAt(ctx, db, head)
	if err != nil {
		return nil, err
	}
	base.StateHash = tip
	base.Sequence = head

	log.Info().
		Int64("from", from).
		Int64("to", head).
		Int("journal_rows", replayed).
		Int("operations", len(keys)).
		Msg("journal replayed past snapshot")
	return base, nil
}

// replayJournal applies journal rows for (from, to] onto balances in
// sequence order. Debits add, credits subtract, matching the live
// ledger's posting rules.
func replayJournal(ctx context.Context, db *sql.DB, balances map[string]*big.Int, from, to int64) (int, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, debit_account, credit_account, amount::TEXT
		FROM qeuro_log.journal
		WHERE sequence > $1 AND sequence <= $2
		ORDER BY sequence ASC, journal_id ASC
	`, from, to)
	if err != nil {
		return 0, fmt.Errorf("load journal: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var (
			seq           int64
			debit, credit string
			amountStr     string
		)
		if err := rows.Scan(&seq, &debit, &credit, &amountStr); err != nil {
			return 0, err
		}
		amount, ok := new(big.Int).SetString(amountStr, 10)
		if !ok {
			return 0, fmt.Errorf("journal amount %q at sequence %d is not an integer", amountStr, seq)
		}
		post(balances, debit, amount)
		post(balances, credit, new(big.Int).Neg(amount))
		count++
	}
	return count, rows.Err()
}

func post(balances map[string]*big.Int, account string, delta *big.Int) {
	cur, ok := balances[account]
	if !ok {
		cur = new(big.Int)
	}
	balances[account] = new(big.Int).Add(cur, delta)
}

// gapIdempotencyKeys collects the operation IDs committed in (from, to]
// so the warmed LRU rejects their replays without a database round trip.
func gapIdempotencyKeys(ctx context.Context, db *sql.DB, from, to int64) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT idempotency_key FROM qeuro_log.events
		WHERE sequence > $1 AND sequence <= $2
		ORDER BY sequence ASC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("load idempotency keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func stateHashAt(ctx context.Context, db *sql.DB, sequence int64) ([32]byte, error) {
	var out [32]byte
	var raw []byte
	err := db.QueryRowContext(ctx, `
		SELECT state_hash FROM qeuro_log.events WHERE sequence = $1
	`, sequence).Scan(&raw)
	if err != nil {
		return out, fmt.Errorf("load state hash at %d: %w", sequence, err)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("state hash at %d has %d bytes, want %d", sequence, len(raw), len(out))
	}
	copy(out[:], raw)
	return out, nil
}
