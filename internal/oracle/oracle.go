// Package oracle defines the price-feed contract the risk engine consumes.
// Prices are 18-decimal USD per whole unit of the asset. The feed only
// reports; positivity and staleness are enforced by the caller, which knows
// its own tolerance.
package oracle

import (
	"github.com/holiman/uint256"
)

// Quote is one asset's price observation.
type Quote struct {
	Price     *uint256.Int
	UpdatedAt int64
}

// Feed resolves an asset symbol to its latest quote.
type Feed interface {
	Quote(symbol string) (Quote, bool)
}

// MemoryFeed is the in-memory feed fed by PriceUpdate operations.
type MemoryFeed struct {
	quotes map[string]Quote
}

// NewMemoryFeed returns an empty feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{quotes: make(map[string]Quote)}
}

// Set records a quote for symbol.
func (f *MemoryFeed) Set(symbol string, price *uint256.Int, updatedAt int64) {
	f.quotes[symbol] = Quote{Price: new(uint256.Int).Set(price), UpdatedAt: updatedAt}
}

// Quote returns the latest quote for symbol.
func (f *MemoryFeed) Quote(symbol string) (Quote, bool) {
	q, ok := f.quotes[symbol]
	return q, ok
}
