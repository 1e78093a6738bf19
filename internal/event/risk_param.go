package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// RiskParamUpdate changes one market's risk parameters. Zero-value fields
// leave the current parameter untouched.
type RiskParamUpdate struct {
	OpID         uuid.UUID // Idempotency key
	Market       string
	AdjustFactor *uint256.Int // nil = unchanged
	BorrowCap    *uint256.Int // nil = unchanged
	Sequence     int64
	Timestamp    time.Time
}

func (r *RiskParamUpdate) IdempotencyKey() string {
	return r.OpID.String()
}

func (r *RiskParamUpdate) EventType() EventType {
	return EventTypeRiskParamUpdate
}

func (r *RiskParamUpdate) MarketID() *string {
	m := r.Market
	return &m
}

func (r *RiskParamUpdate) SourceSequence() int64 {
	return r.Sequence
}
