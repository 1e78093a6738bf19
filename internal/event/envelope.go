package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDepositAtMaturity
	EventTypeWithdrawAtMaturity
	EventTypeBorrowAtMaturity
	EventTypeRepayAtMaturity
	EventTypeDepositFloating
	EventTypeWithdrawFloating
	EventTypeEnterMarket
	EventTypeExitMarket
	EventTypeLiquidate
	EventTypePriceUpdate
	EventTypeRiskParamUpdate
	EventTypeCashDeposit
	EventTypeCashWithdraw
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Market context (nullable for global events)
	MarketID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context (nil for global events)
	MarketID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeDepositAtMaturity:
		return "DepositAtMaturity"
	case EventTypeWithdrawAtMaturity:
		return "WithdrawAtMaturity"
	case EventTypeBorrowAtMaturity:
		return "BorrowAtMaturity"
	case EventTypeRepayAtMaturity:
		return "RepayAtMaturity"
	case EventTypeDepositFloating:
		return "DepositFloating"
	case EventTypeWithdrawFloating:
		return "WithdrawFloating"
	case EventTypeEnterMarket:
		return "EnterMarket"
	case EventTypeExitMarket:
		return "ExitMarket"
	case EventTypeLiquidate:
		return "Liquidate"
	case EventTypePriceUpdate:
		return "PriceUpdate"
	case EventTypeRiskParamUpdate:
		return "RiskParamUpdate"
	case EventTypeCashDeposit:
		return "CashDeposit"
	case EventTypeCashWithdraw:
		return "CashWithdraw"
	default:
		return "Unknown"
	}
}

// EventTypeFromString maps a stored discriminator back to its enum
// value, used when reloading the event log.
func EventTypeFromString(s string) EventType {
	switch s {
	case "DepositAtMaturity":
		return EventTypeDepositAtMaturity
	case "WithdrawAtMaturity":
		return EventTypeWithdrawAtMaturity
	case "BorrowAtMaturity":
		return EventTypeBorrowAtMaturity
	case "RepayAtMaturity":
		return EventTypeRepayAtMaturity
	case "DepositFloating":
		return EventTypeDepositFloating
	case "WithdrawFloating":
		return EventTypeWithdrawFloating
	case "EnterMarket":
		return EventTypeEnterMarket
	case "ExitMarket":
		return EventTypeExitMarket
	case "Liquidate":
		return EventTypeLiquidate
	case "PriceUpdate":
		return EventTypePriceUpdate
	case "RiskParamUpdate":
		return EventTypeRiskParamUpdate
	case "CashDeposit":
		return EventTypeCashDeposit
	case "CashWithdraw":
		return EventTypeCashWithdraw
	default:
		return EventTypeUnknown
	}
}
