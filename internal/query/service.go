package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
)

// QueryService provides read-only access to the event log and the
// projection tables. All projection responses include as_of_sequence,
// the last event the projection worker has applied, so callers can
// reason about freshness relative to the engine sequence.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetPriceHistory returns validated oracle samples, newest first.
// Supports cursor-based pagination via beforeSequence.
func (qs *QueryService) GetPriceHistory(
	ctx context.Context,
	limit int,
	beforeSequence *int64,
) ([]PriceHistoryResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT sequence, price::TEXT, eur_usd::TEXT, usdc_usd::TEXT, fallback, recorded_at
		FROM projections.price_history
	`
	args := []interface{}{}
	argIdx := 1

	if beforeSequence != nil {
		query += fmt.Sprintf(" WHERE sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []PriceHistoryResponse
	for rows.Next() {
		var s PriceHistoryResponse
		s.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&s.Sequence, &s.Price, &s.EurUsd, &s.UsdcUsd, &s.Fallback, &s.RecordedAt,
		); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}

	return samples, rows.Err()
}

// GetOperationHistory returns committed mints and redemptions, newest
// first, optionally filtered by caller address.
func (qs *QueryService) GetOperationHistory(
	ctx context.Context,
	caller *string,
	limit int,
	beforeSequence *int64,
) ([]OperationHistoryResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT sequence, operation_id, op_type, caller,
		       amount_in::TEXT, amount_out::TEXT, fee::TEXT, price::TEXT, recorded_at
		FROM projections.operation_history
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if caller != nil {
		query += fmt.Sprintf(" AND caller = $%d", argIdx)
		args = append(args, *caller)
		argIdx++
	}

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []OperationHistoryResponse
	for rows.Next() {
		var o OperationHistoryResponse
		o.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&o.Sequence, &o.OperationID, &o.OpType, &o.Caller,
			&o.AmountIn, &o.AmountOut, &o.Fee, &o.Price, &o.RecordedAt,
		); err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}

	return ops, rows.Err()
}

// GetEvents returns committed events in sequence order starting at
// fromSequence. Hashes are hex-encoded for transport.
func (qs *QueryService) GetEvents(
	ctx context.Context,
	fromSequence int64,
	limit int,
) ([]EventRecord, error) {
	rows, err := qs.db.QueryContext(ctx, `
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

	var events []EventRecord
	for rows.Next() {
		var e EventRecord
		var stateHash, prevHash []byte
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Payload,
			&stateHash, &prevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.StateHash = hex.EncodeToString(stateHash)
		e.PrevHash = hex.EncodeToString(prevHash)
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetJournalByBatch returns the double-entry rows committed under one
// batch, including the compensating reversal when the batch was undone.
func (qs *QueryService) GetJournalByBatch(
	ctx context.Context,
	batchID string,
) ([]JournalEntry, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::TEXT, journal_type, timestamp
		FROM qeuro_log.journal
		WHERE batch_id = $1
		ORDER BY journal_id
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetJournalByAccount returns journal rows touching an account path,
// newest first, with cursor-based pagination.
func (qs *QueryService) GetJournalByAccount(
	ctx context.Context,
	accountPath string,
	limit int,
	beforeSequence *int64,
) ([]JournalEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::TEXT, journal_type, timestamp
		FROM qeuro_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []interface{}{accountPath}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the event log and
// the zero-sum invariant of the journal.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM qeuro_log.events
	`).Scan(&report.LatestSequence); err != nil {
		return nil, err
	}

	// Each event's prev_hash must equal the previous event's state_hash.
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM qeuro_log.events e1
		JOIN qeuro_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Replay the journal per account. Debits add, credits subtract,
	// and only external accounts may run negative.
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT account, asset, SUM(delta)::TEXT AS balance FROM (
			SELECT debit_account AS account, asset, amount AS delta FROM qeuro_log.journal
			UNION ALL
			SELECT credit_account AS account, asset, -amount AS delta FROM qeuro_log.journal
		) flows
		WHERE account NOT LIKE '%:external'
		GROUP BY account, asset
		HAVING SUM(delta) < 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var n NegativeAccount
		if err := balanceRows.Scan(&n.Account, &n.Asset, &n.Balance); err != nil {
			return nil, err
		}
		report.NegativeAccounts = append(report.NegativeAccounts, n)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.NegativeAccounts) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
