package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// DepositFloating supplies into the variable-rate vault for shares.
type DepositFloating struct {
	OpID      uuid.UUID
	Account   uuid.UUID
	Market    string
	Assets    *uint256.Int
	Sequence  int64
	Timestamp time.Time
}

func (d *DepositFloating) IdempotencyKey() string {
	return d.OpID.String()
}

func (d *DepositFloating) EventType() EventType {
	return EventTypeDepositFloating
}

func (d *DepositFloating) MarketID() *string {
	m := d.Market
	return &m
}

func (d *DepositFloating) SourceSequence() int64 {
	return d.Sequence
}

// WithdrawFloating redeems variable-rate vault shares for underlying.
type WithdrawFloating struct {
	OpID      uuid.UUID
	Account   uuid.UUID
	Market    string
	Shares    *uint256.Int
	Sequence  int64
	Timestamp time.Time
}

func (w *WithdrawFloating) IdempotencyKey() string {
	return w.OpID.String()
}

func (w *WithdrawFloating) EventType() EventType {
	return EventTypeWithdrawFloating
}

func (w *WithdrawFloating) MarketID() *string {
	m := w.Market
	return &m
}

func (w *WithdrawFloating) SourceSequence() int64 {
	return w.Sequence
}
