package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// DepositAtMaturity lends into one fixed-rate pool.
// Idempotency key: op_id (UUID from the upstream gateway).
type DepositAtMaturity struct {
	OpID      uuid.UUID // Idempotency key
	Account   uuid.UUID
	Market    string
	Maturity  int64        // Pool maturity, unix seconds
	Assets    *uint256.Int // Underlying amount, 18 decimals
	MinAssets *uint256.Int // Slippage floor on principal+fee
	Sequence  int64        // Source sequence from the gateway
	Timestamp time.Time    // Versioned input timestamp (NOT wall-clock)
}

func (d *DepositAtMaturity) IdempotencyKey() string {
	return d.OpID.String()
}

func (d *DepositAtMaturity) EventType() EventType {
	return EventTypeDepositAtMaturity
}

func (d *DepositAtMaturity) MarketID() *string {
	m := d.Market
	return &m
}

func (d *DepositAtMaturity) SourceSequence() int64 {
	return d.Sequence
}

// WithdrawAtMaturity exits a fixed-rate deposit, early or at face value.
type WithdrawAtMaturity struct {
	OpID      uuid.UUID
	Account   uuid.UUID
	Market    string
	Maturity  int64
	Assets    *uint256.Int // Position amount to give up (principal+fee)
	MinAssets *uint256.Int // Slippage floor on cash received
	Sequence  int64
	Timestamp time.Time
}

func (w *WithdrawAtMaturity) IdempotencyKey() string {
	return w.OpID.String()
}

func (w *WithdrawAtMaturity) EventType() EventType {
	return EventTypeWithdrawAtMaturity
}

func (w *WithdrawAtMaturity) MarketID() *string {
	m := w.Market
	return &m
}

func (w *WithdrawAtMaturity) SourceSequence() int64 {
	return w.Sequence
}

// BorrowAtMaturity takes a fixed-rate loan from one pool.
type BorrowAtMaturity struct {
	OpID      uuid.UUID
	Account   uuid.UUID
	Market    string
	Maturity  int64
	Assets    *uint256.Int // Principal borrowed
	MaxAssets *uint256.Int // Slippage ceiling on principal+fee owed
	Sequence  int64
	Timestamp time.Time
}

func (b *BorrowAtMaturity) IdempotencyKey() string {
	return b.OpID.String()
}

func (b *BorrowAtMaturity) EventType() EventType {
	return EventTypeBorrowAtMaturity
}

func (b *BorrowAtMaturity) MarketID() *string {
	m := b.Market
	return &m
}

func (b *BorrowAtMaturity) SourceSequence() int64 {
	return b.Sequence
}

// RepayAtMaturity settles part or all of a fixed-rate borrow.
type RepayAtMaturity struct {
	OpID      uuid.UUID
	Account   uuid.UUID
	Market    string
	Maturity  int64
	Assets    *uint256.Int // Position amount to settle (principal+fee)
	MaxAssets *uint256.Int // Ceiling on cash actually charged
	Sequence  int64
	Timestamp time.Time
}

func (r *RepayAtMaturity) IdempotencyKey() string {
	return r.OpID.String()
}

func (r *RepayAtMaturity) EventType() EventType {
	return EventTypeRepayAtMaturity
}

func (r *RepayAtMaturity) MarketID() *string {
	m := r.Market
	return &m
}

func (r *RepayAtMaturity) SourceSequence() int64 {
	return r.Sequence
}
