package market

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"termlend/internal/fixmath"
)

// ErrInsufficientBalance is returned by the ledger adapter when a transfer
// exceeds the holder's cash balance.
var ErrInsufficientBalance = errors.New("market: insufficient cash balance")

// LedgerAsset is an in-memory cash ledger implementing AssetAdapter. The
// real token lives outside the protocol core; this adapter is the
// simulation-grade stand-in used by the service and tests. TransferFee
// models fee-on-transfer tokens: the market must book the net amount.
type LedgerAsset struct {
	symbol   string
	balances map[uuid.UUID]*uint256.Int

	// TransferFee is the WAD fraction withheld on every TransferIn.
	TransferFee *uint256.Int
}

// NewLedgerAsset creates an empty cash ledger for symbol.
func NewLedgerAsset(symbol string) *LedgerAsset {
	return &LedgerAsset{
		symbol:      symbol,
		balances:    make(map[uuid.UUID]*uint256.Int),
		TransferFee: new(uint256.Int),
	}
}

// Mint credits amount to a holder, used to fund test and simulation
// accounts.
func (a *LedgerAsset) Mint(holder uuid.UUID, amount *uint256.Int) {
	a.balances[holder] = fixmath.Add(a.BalanceOf(holder), amount)
}

// Burn debits amount from a holder, used when custody pays cash back
// out of the system.
func (a *LedgerAsset) Burn(holder uuid.UUID, amount *uint256.Int) error {
	held := a.BalanceOf(holder)
	if amount.Gt(held) {
		return fmt.Errorf("%w: %s has %s, burns %s", ErrInsufficientBalance, holder, held, amount)
	}
	a.balances[holder] = fixmath.Sub(held, amount)
	return nil
}

// BalanceOf returns the holder's cash balance.
func (a *LedgerAsset) BalanceOf(holder uuid.UUID) *uint256.Int {
	if b, ok := a.balances[holder]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

// TransferIn moves amount from the holder into the protocol and returns
// the amount actually received after any transfer fee.
func (a *LedgerAsset) TransferIn(from uuid.UUID, amount *uint256.Int) (*uint256.Int, error) {
	held := a.BalanceOf(from)
	if amount.Gt(held) {
		return nil, fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from, held, amount)
	}
	a.balances[from] = fixmath.Sub(held, amount)
	received := fixmath.Sub(amount, fixmath.MulWadDown(amount, a.TransferFee))
	return received, nil
}

// TransferOut moves amount from the protocol to the holder.
func (a *LedgerAsset) TransferOut(to uuid.UUID, amount *uint256.Int) error {
	a.balances[to] = fixmath.Add(a.BalanceOf(to), amount)
	return nil
}
