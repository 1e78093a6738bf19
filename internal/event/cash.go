package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// CashDeposit credits an account's wallet once the upstream custody
// gateway confirms the underlying asset has arrived. The wallet funds
// subsequent deposit and repay operations.
type CashDeposit struct {
	OpID      uuid.UUID
	Account   uuid.UUID
	Market    string
	Assets    *uint256.Int
	Sequence  int64
	Timestamp time.Time
}

func (c *CashDeposit) IdempotencyKey() string {
	return c.OpID.String()
}

func (c *CashDeposit) EventType() EventType {
	return EventTypeCashDeposit
}

func (c *CashDeposit) MarketID() *string {
	m := c.Market
	return &m
}

func (c *CashDeposit) SourceSequence() int64 {
	return c.Sequence
}

// CashWithdraw debits an account's wallet when custody pays the
// underlying asset back out.
type CashWithdraw struct {
	OpID      uuid.UUID
	Account   uuid.UUID
	Market    string
	Assets    *uint256.Int
	Sequence  int64
	Timestamp time.Time
}

func (c *CashWithdraw) IdempotencyKey() string {
	return c.OpID.String()
}

func (c *CashWithdraw) EventType() EventType {
	return EventTypeCashWithdraw
}

func (c *CashWithdraw) MarketID() *string {
	m := c.Market
	return &m
}

func (c *CashWithdraw) SourceSequence() int64 {
	return c.Sequence
}
