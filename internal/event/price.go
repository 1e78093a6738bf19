package event

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

// PriceUpdate carries a fresh USD quote for one market's underlying.
// Idempotency key: market + price_sequence (no upstream UUID).
type PriceUpdate struct {
	Market        string
	Price         *uint256.Int // WAD USD per underlying unit
	PriceSequence int64
	Timestamp     time.Time
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("price:%s:%d", p.Market, p.PriceSequence)
}

func (p *PriceUpdate) EventType() EventType {
	return EventTypePriceUpdate
}

func (p *PriceUpdate) MarketID() *string {
	m := p.Market
	return &m
}

func (p *PriceUpdate) SourceSequence() int64 {
	return p.PriceSequence
}
