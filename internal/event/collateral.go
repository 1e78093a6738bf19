package event

import (
	"time"

	"github.com/google/uuid"
)

// EnterMarket opts the account's deposits in a market into its collateral set.
type EnterMarket struct {
	OpID      uuid.UUID
	Account   uuid.UUID
	Market    string
	Sequence  int64
	Timestamp time.Time
}

func (e *EnterMarket) IdempotencyKey() string {
	return e.OpID.String()
}

func (e *EnterMarket) EventType() EventType {
	return EventTypeEnterMarket
}

func (e *EnterMarket) MarketID() *string {
	m := e.Market
	return &m
}

func (e *EnterMarket) SourceSequence() int64 {
	return e.Sequence
}

// ExitMarket opts a market's deposits back out of the collateral set.
// Rejected while the account owes debt there or would be left in shortfall.
type ExitMarket struct {
	OpID      uuid.UUID
	Account   uuid.UUID
	Market    string
	Sequence  int64
	Timestamp time.Time
}

func (e *ExitMarket) IdempotencyKey() string {
	return e.OpID.String()
}

func (e *ExitMarket) EventType() EventType {
	return EventTypeExitMarket
}

func (e *ExitMarket) MarketID() *string {
	m := e.Market
	return &m
}

func (e *ExitMarket) SourceSequence() int64 {
	return e.Sequence
}
