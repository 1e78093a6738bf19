package query

import (
	"encoding/json"
	"time"
)

// EventRecord is one row of the durable event log, as served to API
// clients. Hashes are hex-encoded; Payload and Receipt are passed
// through verbatim as JSON.
type EventRecord struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketID       *string         `json:"market_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Receipt        json.RawMessage `json:"receipt,omitempty"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
	SourceSequence int64           `json:"source_sequence"`
}

// AccountEvent is a single operation touching an account, extracted
// from event receipts. Amounts are decimal strings in 18-decimal
// fixed point.
type AccountEvent struct {
	Sequence     int64           `json:"sequence"`
	EventType    string          `json:"event_type"`
	MarketID     *string         `json:"market_id,omitempty"`
	Receipt      json.RawMessage `json:"receipt"`
	Timestamp    time.Time       `json:"timestamp"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// IntegrityReport is the result of a hash-chain verification sweep
// over the event log.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	CheckedEvents   int64   `json:"checked_events"`
	SequenceGaps    int64   `json:"sequence_gaps"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
}
