package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresIdempotencyChecker is the cold tier of operation deduplication,
// backed by the event log. Operation IDs are UUIDs, so the lookup keys on
// idempotency_key alone.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate reports whether an operation with this key already committed.
// The op kind is accepted for interface compatibility with the in-memory
// tier but not used in the query.
func (pic *PostgresIdempotencyChecker) IsDuplicate(_ string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1 FROM qeuro_log.events WHERE idempotency_key = $1 LIMIT 1
	`, idempotencyKey).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
