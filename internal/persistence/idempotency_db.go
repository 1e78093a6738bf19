package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresDedupeChecker implements the cold tier of operation dedup by
// probing the event log.
type PostgresDedupeChecker struct {
	db *sql.DB
}

func NewPostgresDedupeChecker(db *sql.DB) *PostgresDedupeChecker {
	return &PostgresDedupeChecker{
		db: db,
	}
}

// IsDuplicate checks if the operation exists in the Postgres event log
func (pc *PostgresDedupeChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1
        FROM event_log.events
        WHERE event_type = $1 AND idempotency_key = $2
        LIMIT 1
    `

	var exists int
	err := pc.db.QueryRowContext(ctx, query, eventType, idempotencyKey).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
