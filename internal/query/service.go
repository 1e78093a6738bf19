package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// QueryService provides read-only access to the durable event log.
// Market and account state itself is served from the in-memory core;
// this service covers history and audit queries, which only the
// database can answer. All responses carry as_of_sequence so callers
// can reason about freshness.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// LatestSequence returns the highest sequence persisted so far.
func (qs *QueryService) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := qs.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// GetAccountHistory returns applied operations touching an account,
// newest first, with cursor-based pagination on sequence. An account
// appears either as the actor or as the borrower of a liquidation.
func (qs *QueryService) GetAccountHistory(
	ctx context.Context,
	account uuid.UUID,
	marketID *string,
	limit int,
	beforeSequence *int64,
) ([]AccountEvent, error) {
	asOfSeq, err := qs.LatestSequence(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT sequence, event_type, market_id, receipt, timestamp
		FROM event_log.events
		WHERE (receipt->>'account' = $1 OR receipt->>'borrower' = $1)
	`
	args := []interface{}{account.String()}
	argIdx := 2

	if marketID != nil {
		query += fmt.Sprintf(" AND market_id = $%d", argIdx)
		args = append(args, *marketID)
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

	var events []AccountEvent
	for rows.Next() {
		var e AccountEvent
		e.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.MarketID, &e.Receipt, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetMarketEvents returns the event log filtered to one market,
// newest first.
func (qs *QueryService) GetMarketEvents(
	ctx context.Context,
	marketID string,
	limit int,
	beforeSequence *int64,
) ([]EventRecord, error) {
	query := `
		SELECT sequence, event_type, idempotency_key, market_id, payload,
		       receipt, state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE market_id = $1
	`
	args := []interface{}{marketID}
	argIdx := 2

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

	var records []EventRecord
	for rows.Next() {
		rec, err := scanEventRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}

	return records, rows.Err()
}

// GetEvent returns one event by sequence, or nil if absent.
func (qs *QueryService) GetEvent(ctx context.Context, sequence int64) (*EventRecord, error) {
	row := qs.db.QueryRowContext(ctx, `
		SELECT sequence, event_type, idempotency_key, market_id, payload,
		       receipt, state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence = $1
	`, sequence)

	rec, err := scanEventRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// VerifyIntegrity sweeps the event log for hash-chain breaks and
// sequence gaps. Each event's prev_hash must equal the state_hash of
// the event one sequence earlier.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	err := qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(sequence) - MIN(sequence) + 1 - COUNT(*), 0)
		FROM event_log.events
	`).Scan(&report.CheckedEvents, &report.SequenceGaps)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
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

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.SequenceGaps == 0
	return report, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEventRecord(row rowScanner) (*EventRecord, error) {
	var rec EventRecord
	var stateHash, prevHash []byte
	if err := row.Scan(
		&rec.Sequence, &rec.EventType, &rec.IdempotencyKey, &rec.MarketID,
		&rec.Payload, &rec.Receipt, &stateHash, &prevHash,
		&rec.Timestamp, &rec.SourceSequence,
	); err != nil {
		return nil, err
	}
	rec.StateHash = hex.EncodeToString(stateHash)
	rec.PrevHash = hex.EncodeToString(prevHash)
	return &rec, nil
}
