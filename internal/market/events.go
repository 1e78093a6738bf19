package market

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// EventType tags a market state transition.
type EventType int32

const (
	EventDeposit EventType = iota
	EventWithdraw
	EventDepositAtMaturity
	EventWithdrawAtMaturity
	EventBorrowAtMaturity
	EventRepayAtMaturity
	EventLiquidate
	EventSeize
	EventEarningsAccrued
)

func (t EventType) String() string {
	switch t {
	case EventDeposit:
		return "Deposit"
	case EventWithdraw:
		return "Withdraw"
	case EventDepositAtMaturity:
		return "DepositAtMaturity"
	case EventWithdrawAtMaturity:
		return "WithdrawAtMaturity"
	case EventBorrowAtMaturity:
		return "BorrowAtMaturity"
	case EventRepayAtMaturity:
		return "RepayAtMaturity"
	case EventLiquidate:
		return "Liquidate"
	case EventSeize:
		return "Seize"
	case EventEarningsAccrued:
		return "EarningsAccrued"
	default:
		return "Unknown"
	}
}

// Event carries enough fields to reconstruct a state transition externally.
// Caller is the second actor where one exists (liquidator, seize
// beneficiary).
type Event struct {
	Type      EventType
	Account   uuid.UUID
	Caller    uuid.UUID
	Maturity  int64
	Assets    *uint256.Int
	Shares    *uint256.Int
	Fee       *uint256.Int
	Timestamp int64
}

// EventSink receives every market state transition, in order.
type EventSink interface {
	Record(marketSymbol string, ev Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Record(string, Event) {}

func (m *Market) record(ev Event) {
	if ev.Assets == nil {
		ev.Assets = new(uint256.Int)
	}
	if ev.Shares == nil {
		ev.Shares = new(uint256.Int)
	}
	if ev.Fee == nil {
		ev.Fee = new(uint256.Int)
	}
	if m.staging {
		m.staged = append(m.staged, ev)
		return
	}
	m.sink.Record(m.cfg.Symbol, ev)
}
