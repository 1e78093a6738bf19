package market

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"termlend/internal/fixmath"
)

// Liquidate repays part of an under-collateralized borrower's fixed debt in
// this market and seizes collateral from seizeMarket. The requested
// maxRepayAssets is clamped by the risk engine to the close factor; the
// liquidator funds the clamped amount up front and is refunded whatever the
// debt walk does not consume. When seizeMarket is this market the seize
// takes the internal path and never re-enters the public guarded entry.
//
// Returns (repaid debt assets, seized collateral assets).
func (m *Market) Liquidate(liquidator, borrower uuid.UUID, maxRepayAssets *uint256.Int, seizeMarket *Market, now int64) (*uint256.Int, *uint256.Int, error) {
	if err := m.enter(); err != nil {
		return nil, nil, err
	}
	defer m.exit()

	if maxRepayAssets.IsZero() {
		return nil, nil, ErrZeroAmount
	}
	clamped, err := m.gate.LiquidateAllowed(liquidator, borrower, m, seizeMarket, maxRepayAssets, now)
	if err != nil {
		return nil, nil, err
	}
	if clamped.IsZero() {
		return nil, nil, fmt.Errorf("%w: nothing to repay", ErrZeroAmount)
	}

	// Fund the walk up front so every later step is internal bookkeeping.
	received, err := m.asset.TransferIn(liquidator, clamped)
	if err != nil {
		return nil, nil, fmt.Errorf("market %s: transfer in: %w", m.cfg.Symbol, err)
	}
	if received.Lt(clamped) {
		m.refund(liquidator, received)
		return nil, nil, fmt.Errorf("%w: got %s, need %s", ErrShortTransfer, received, clamped)
	}

	// The repay walk and the seize commit or fail as one unit: state runs
	// against a snapshot and sink events are held back until the whole
	// flow succeeds, so a failed seize cannot leave repays behind.
	repaySnap := m.snapshot()
	var seizeSnap *marketSnapshot
	if seizeMarket != m {
		seizeSnap = seizeMarket.snapshot()
	}
	m.staging = true

	repaidAssets, seizeAssets, err := m.liquidateWalk(liquidator, borrower, clamped, seizeMarket, now)
	if err != nil {
		m.restore(repaySnap)
		if seizeSnap != nil {
			seizeMarket.restore(seizeSnap)
		}
		m.staged = nil
		m.staging = false
		m.refund(liquidator, clamped)
		return nil, nil, err
	}

	m.staging = false
	for _, ev := range m.staged {
		m.sink.Record(m.cfg.Symbol, ev)
	}
	m.staged = nil
	m.refund(liquidator, fixmath.Sub(clamped, repaidAssets))

	m.record(Event{Type: EventLiquidate, Account: borrower, Caller: liquidator,
		Assets: repaidAssets, Timestamp: now})
	return repaidAssets, seizeAssets, nil
}

// liquidateWalk is the staged portion of a liquidation: the ascending
// walk over the borrower's maturities followed by the collateral seize.
// The caller rolls the market back if it fails.
func (m *Market) liquidateWalk(liquidator, borrower uuid.UUID, clamped *uint256.Int, seizeMarket *Market, now int64) (*uint256.Int, *uint256.Int, error) {
	// Walk the sparse maturity set ascending, oldest (and most penalized)
	// debt first.
	remaining := new(uint256.Int).Set(clamped)
	for _, mat := range m.BorrowedMaturities(borrower) {
		if remaining.IsZero() {
			break
		}
		pos, ok := m.fixedBorrows[positionKey{borrower, mat}]
		if !ok {
			continue
		}
		debtHere := m.borrowDebtAt(borrower, mat, now)

		var request *uint256.Int
		if !debtHere.Gt(remaining) {
			request = pos.Total()
		} else {
			// Partial: scale the face amount so the charged total
			// (face + penalty) stays within the remaining budget.
			request = fixmath.MulDivDown(remaining, pos.Total(), debtHere)
		}
		if request.IsZero() {
			continue
		}
		actual, err := m.repayInternal(borrower, mat, request, nil, now, false)
		if err != nil {
			return nil, nil, fmt.Errorf("liquidation repay at %d: %w", mat, err)
		}
		remaining = fixmath.SubClamp(remaining, actual)
	}

	repaidAssets := fixmath.Sub(clamped, remaining)
	if repaidAssets.IsZero() {
		return nil, nil, fmt.Errorf("%w: borrower has no repayable debt", ErrNoPosition)
	}

	seizeAssets, err := m.gate.SeizeAmount(m, seizeMarket, repaidAssets, now)
	if err != nil {
		return nil, nil, err
	}
	if seizeMarket == m {
		err = m.seizeInternal(liquidator, borrower, seizeAssets, now)
	} else {
		err = seizeMarket.Seize(liquidator, borrower, seizeAssets, now)
	}
	if err != nil {
		return nil, nil, err
	}
	return repaidAssets, seizeAssets, nil
}

// Seize is the public cross-market seize entry point, guarded against
// re-entrancy. Same-market liquidations bypass it via seizeInternal.
func (m *Market) Seize(liquidator, borrower uuid.UUID, assets *uint256.Int, now int64) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.exit()
	return m.seizeInternal(liquidator, borrower, assets, now)
}

// seizeInternal burns the borrower's floating shares to free assets,
// routes the protocol fee to the earnings accumulator, and pays the
// liquidator the remainder. Fails if the borrower's floating balance
// cannot cover the seize.
func (m *Market) seizeInternal(liquidator, borrower uuid.UUID, assets *uint256.Int, now int64) error {
	if assets.IsZero() {
		return ErrZeroAmount
	}
	m.accrueAccumulator(now)
	m.accruePoolEarnings(now)

	totalAssets := m.TotalAssets(now)
	if totalAssets.IsZero() || m.totalShares.IsZero() {
		return fmt.Errorf("%w: empty floating pool", ErrInsufficientShares)
	}
	sharesToBurn := fixmath.MulDivUp(assets, m.totalShares, totalAssets)
	held := m.SharesOf(borrower)
	if sharesToBurn.Gt(held) {
		return fmt.Errorf("%w: seize needs %s shares, borrower holds %s",
			ErrInsufficientShares, sharesToBurn, held)
	}
	if fixmath.SubClamp(m.floatingAssets, assets).Lt(m.floatingDebt) {
		return fmt.Errorf("market %s: seize %s would break solvency", m.cfg.Symbol, assets)
	}

	fee := fixmath.MulWadUp(assets, m.cfg.SeizeFeeRate)
	payout := fixmath.Sub(assets, fee)

	m.totalShares = fixmath.Sub(m.totalShares, sharesToBurn)
	m.shares[borrower] = fixmath.Sub(held, sharesToBurn)
	if m.shares[borrower].IsZero() {
		delete(m.shares, borrower)
	}
	m.floatingAssets = fixmath.Sub(m.floatingAssets, assets)
	m.earningsAccumulator = fixmath.Add(m.earningsAccumulator, fee)

	if err := m.asset.TransferOut(liquidator, payout); err != nil {
		return fmt.Errorf("market %s: transfer out: %w", m.cfg.Symbol, err)
	}
	m.record(Event{Type: EventSeize, Account: borrower, Caller: liquidator,
		Assets: assets, Shares: sharesToBurn, Fee: fee, Timestamp: now})
	return nil
}
