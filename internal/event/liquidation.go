package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Liquidate repays an undercollateralized borrower's debt in one market and
// seizes collateral from another (possibly the same one).
// Idempotency key: op_id (UUID from the liquidation bot).
type Liquidate struct {
	OpID        uuid.UUID // Idempotency key
	Liquidator  uuid.UUID
	Borrower    uuid.UUID
	RepayMarket string
	SeizeMarket string
	MaxAssets   *uint256.Int // Ceiling on debt repaid, pre close-factor clamp
	Sequence    int64
	Timestamp   time.Time
}

func (l *Liquidate) IdempotencyKey() string {
	return l.OpID.String()
}

func (l *Liquidate) EventType() EventType {
	return EventTypeLiquidate
}

func (l *Liquidate) MarketID() *string {
	m := l.RepayMarket
	return &m
}

func (l *Liquidate) SourceSequence() int64 {
	return l.Sequence
}
