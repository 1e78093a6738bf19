package market

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"termlend/internal/fixmath"
)

// FixedPosition is one account's principal and fee at one maturity, on
// either the deposit or the borrow side.
type FixedPosition struct {
	Principal *uint256.Int
	Fee       *uint256.Int
}

// Total returns principal + fee.
func (p *FixedPosition) Total() *uint256.Int {
	return fixmath.Add(p.Principal, p.Fee)
}

// PrincipalShare splits assets into its principal component, proportional
// to the position's principal/total ratio, rounding the principal share
// down (the fee share, owed to the protocol side, rounds up).
func (p *FixedPosition) PrincipalShare(assets *uint256.Int) *uint256.Int {
	total := p.Total()
	if total.IsZero() {
		return new(uint256.Int)
	}
	return fixmath.MulDivDown(assets, p.Principal, total)
}

// Reduce shrinks the position by assets, split proportionally between
// principal and fee. Returns the principal portion removed.
func (p *FixedPosition) Reduce(assets *uint256.Int) *uint256.Int {
	principal := p.PrincipalShare(assets)
	fee := fixmath.Sub(assets, principal)
	p.Principal = fixmath.SubClamp(p.Principal, principal)
	p.Fee = fixmath.SubClamp(p.Fee, fee)
	return principal
}

func (p *FixedPosition) clone() *FixedPosition {
	return &FixedPosition{
		Principal: new(uint256.Int).Set(p.Principal),
		Fee:       new(uint256.Int).Set(p.Fee),
	}
}

// FixedDepositOf returns the account's deposit position at maturityTs.
func (m *Market) FixedDepositOf(account uuid.UUID, maturityTs int64) (*FixedPosition, bool) {
	p, ok := m.fixedDeposits[positionKey{account, maturityTs}]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

// FixedBorrowOf returns the account's borrow position at maturityTs.
func (m *Market) FixedBorrowOf(account uuid.UUID, maturityTs int64) (*FixedPosition, bool) {
	p, ok := m.fixedBorrows[positionKey{account, maturityTs}]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

// borrowDebtAt returns the account's debt at one maturity including the
// overdue penalty as of now. Penalties round up.
func (m *Market) borrowDebtAt(account uuid.UUID, maturityTs, now int64) *uint256.Int {
	p, ok := m.fixedBorrows[positionKey{account, maturityTs}]
	if !ok {
		return new(uint256.Int)
	}
	debt := p.Total()
	if now > maturityTs {
		debt = fixmath.Add(debt, m.penaltyOn(debt, maturityTs, now))
	}
	return debt
}

// penaltyOn is the overdue penalty on assets: assets * penaltyRate *
// secondsOverdue, rounded up.
func (m *Market) penaltyOn(assets *uint256.Int, maturityTs, now int64) *uint256.Int {
	if now <= maturityTs {
		return new(uint256.Int)
	}
	rate := new(uint256.Int).Mul(m.cfg.PenaltyRate, fixmath.U(uint64(now-maturityTs)))
	return fixmath.MulWadUp(assets, rate)
}

// AccountSnapshot returns the account's total deposit value and debt value
// in this market, in underlying units: floating shares at the current
// exchange rate plus fixed deposits at face value, against fixed borrows
// with accrued penalties. This is the auditor's read-only contract.
func (m *Market) AccountSnapshot(account uuid.UUID, now int64) (depositAssets, debtAssets *uint256.Int) {
	depositAssets = m.convertToAssets(m.SharesOf(account), now)
	debtAssets = new(uint256.Int)

	for key, p := range m.fixedDeposits {
		if key.account == account {
			depositAssets = fixmath.Add(depositAssets, p.Total())
		}
	}
	for _, mat := range m.borrowedMaturities[account] {
		debtAssets = fixmath.Add(debtAssets, m.borrowDebtAt(account, mat, now))
	}
	return depositAssets, debtAssets
}

// TotalDebtOf returns the account's fixed debt in this market with
// penalties as of now.
func (m *Market) TotalDebtOf(account uuid.UUID, now int64) *uint256.Int {
	total := new(uint256.Int)
	for _, mat := range m.borrowedMaturities[account] {
		total = fixmath.Add(total, m.borrowDebtAt(account, mat, now))
	}
	return total
}
