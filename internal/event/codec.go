package event

import (
	"encoding/json"
	"fmt"
)

// MarshalPayload serializes a typed event for the event log.
func MarshalPayload(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// UnmarshalPayload reconstructs a typed event from a logged payload.
// Used by the startup replay to feed the engine from the event log.
func UnmarshalPayload(et EventType, data []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeDepositAtMaturity:
		evt = &DepositAtMaturity{}
	case EventTypeWithdrawAtMaturity:
		evt = &WithdrawAtMaturity{}
	case EventTypeBorrowAtMaturity:
		evt = &BorrowAtMaturity{}
	case EventTypeRepayAtMaturity:
		evt = &RepayAtMaturity{}
	case EventTypeDepositFloating:
		evt = &DepositFloating{}
	case EventTypeWithdrawFloating:
		evt = &WithdrawFloating{}
	case EventTypeEnterMarket:
		evt = &EnterMarket{}
	case EventTypeExitMarket:
		evt = &ExitMarket{}
	case EventTypeLiquidate:
		evt = &Liquidate{}
	case EventTypePriceUpdate:
		evt = &PriceUpdate{}
	case EventTypeRiskParamUpdate:
		evt = &RiskParamUpdate{}
	case EventTypeCashDeposit:
		evt = &CashDeposit{}
	case EventTypeCashWithdraw:
		evt = &CashWithdraw{}
	default:
		return nil, fmt.Errorf("unknown event type: %v", et)
	}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", et, err)
	}
	return evt, nil
}
