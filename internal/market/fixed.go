package market

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"termlend/internal/fixmath"
	"termlend/internal/maturity"
	"termlend/internal/pool"
	"termlend/internal/ratemodel"
)

// utilizations derives the three utilization ratios from the market's
// aggregates, with target standing in for its pool's committed state:
//
//	totalSupplied = floatingAssets + Σ pool.Supplied
//	uGlobal   = Σ pool.Borrowed / totalSupplied
//	uFixed    = target.Borrowed / totalSupplied
//	uFloating = floatingDebt / floatingAssets
//
// With these definitions uFixed <= uGlobal always holds and the per-pool
// natural utilization uGlobal/maxPools is directly comparable to uFixed.
func (m *Market) utilizations(target *pool.FixedPool, floatingDebt *uint256.Int) (uFixed, uFloating, uGlobal *uint256.Int, err error) {
	totalSupplied := new(uint256.Int).Set(m.floatingAssets)
	totalBorrowed := new(uint256.Int)
	for mat, p := range m.pools {
		if mat == target.Maturity {
			p = target
		}
		totalSupplied = fixmath.Add(totalSupplied, p.Supplied)
		totalBorrowed = fixmath.Add(totalBorrowed, p.Borrowed)
	}
	if _, ok := m.pools[target.Maturity]; !ok {
		totalSupplied = fixmath.Add(totalSupplied, target.Supplied)
		totalBorrowed = fixmath.Add(totalBorrowed, target.Borrowed)
	}

	if totalSupplied.IsZero() {
		return nil, nil, nil, fmt.Errorf("%w: no supply in market %s", ratemodel.ErrUtilizationExceeded, m.cfg.Symbol)
	}
	uGlobal = fixmath.DivWadDown(totalBorrowed, totalSupplied)
	uFixed = fixmath.DivWadDown(target.Borrowed, totalSupplied)
	uFloating = new(uint256.Int)
	if !m.floatingAssets.IsZero() {
		uFloating = fixmath.DivWadDown(floatingDebt, m.floatingAssets)
	}
	return uFixed, uFloating, uGlobal, nil
}

// backstopHeadroom is the floating liquidity still available to fund fixed
// pools without breaking solvency.
func (m *Market) backstopHeadroom() *uint256.Int {
	return fixmath.SubClamp(m.floatingAssets, m.floatingDebt)
}

// DepositAtMaturity supplies assets to the fixed pool at maturityTs. The
// depositor is credited a share of the pool's unassigned earnings
// proportional to the backstop debt the deposit displaces; the resulting
// position (principal + fee) must meet minAssetsRequired or the whole call
// fails and the transfer is refunded. Returns the position total.
func (m *Market) DepositAtMaturity(account uuid.UUID, maturityTs int64, amount, minAssetsRequired *uint256.Int, now int64) (*uint256.Int, error) {
	if err := m.enter(); err != nil {
		return nil, err
	}
	defer m.exit()

	if amount.IsZero() {
		return nil, ErrZeroAmount
	}
	if err := maturity.RequireState(now, maturityTs, m.cfg.MaxFuturePools, maturity.Valid); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoolState, err)
	}

	received, err := m.asset.TransferIn(account, amount)
	if err != nil {
		return nil, fmt.Errorf("market %s: transfer in: %w", m.cfg.Symbol, err)
	}
	if received.IsZero() {
		return nil, ErrZeroAmount
	}

	clone := m.poolAt(maturityTs, now).Clone()
	swept := clone.AccrueEarnings(now)
	feeCredit, backstopReleased, err := clone.Deposit(received)
	if err != nil {
		m.refund(account, received)
		return nil, err
	}
	positionAssets := fixmath.Add(received, feeCredit)
	if minAssetsRequired != nil && positionAssets.Lt(minAssetsRequired) {
		m.refund(account, received)
		return nil, fmt.Errorf("%w: deposit yields %s, need %s", ErrSlippage, positionAssets, minAssetsRequired)
	}

	m.pools[maturityTs] = clone
	m.floatingAssets = fixmath.Add(m.floatingAssets, swept)
	m.floatingDebt = fixmath.Sub(m.floatingDebt, backstopReleased)
	m.addFixedDeposit(account, maturityTs, received, feeCredit)
	m.accrueAccumulator(now)

	m.record(Event{Type: EventDepositAtMaturity, Account: account, Maturity: maturityTs,
		Assets: received, Fee: feeCredit, Timestamp: now})
	return positionAssets, nil
}

// BorrowAtMaturity borrows amount against the fixed pool at maturityTs.
// The fee is the fixed-rate curve evaluated at the post-borrow utilization,
// applied over the time to maturity; principal+fee must not exceed
// maxAssetsAllowed. The uncovered principal draws on the floating backstop.
// Returns the position total (principal + fee).
func (m *Market) BorrowAtMaturity(account uuid.UUID, maturityTs int64, amount, maxAssetsAllowed *uint256.Int, now int64) (*uint256.Int, error) {
	if err := m.enter(); err != nil {
		return nil, err
	}
	defer m.exit()

	if amount.IsZero() {
		return nil, ErrZeroAmount
	}
	if err := maturity.RequireState(now, maturityTs, m.cfg.MaxFuturePools, maturity.Valid); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoolState, err)
	}

	clone := m.poolAt(maturityTs, now).Clone()
	backstopDelta, err := clone.Borrow(amount, m.backstopHeadroom())
	if err != nil {
		return nil, err
	}
	debtAfter := fixmath.Add(m.floatingDebt, backstopDelta)

	uFixed, uFloating, uGlobal, err := m.utilizations(clone, debtAfter)
	if err != nil {
		return nil, err
	}
	rate, err := m.model.FixedRate(maturityTs, m.cfg.MaxFuturePools, uFixed, uFloating, uGlobal, now)
	if err != nil {
		return nil, err
	}
	fee := ratemodel.FeeFor(amount, rate, maturityTs-now)
	positionAssets := fixmath.Add(amount, fee)
	if maxAssetsAllowed != nil && positionAssets.Gt(maxAssetsAllowed) {
		return nil, fmt.Errorf("%w: borrow costs %s, cap %s", ErrSlippage, positionAssets, maxAssetsAllowed)
	}

	if err := m.gate.ValidateBorrow(account, m, positionAssets, now); err != nil {
		return nil, err
	}

	swept := clone.AddFee(now, fee)

	m.pools[maturityTs] = clone
	m.floatingDebt = debtAfter
	m.floatingAssets = fixmath.Add(m.floatingAssets, swept)
	m.addFixedBorrow(account, maturityTs, amount, fee)
	m.sortedInsert(account, maturityTs)
	m.accrueAccumulator(now)

	if err := m.asset.TransferOut(account, amount); err != nil {
		return nil, fmt.Errorf("market %s: transfer out: %w", m.cfg.Symbol, err)
	}
	m.record(Event{Type: EventBorrowAtMaturity, Account: account, Maturity: maturityTs,
		Assets: amount, Fee: fee, Timestamp: now})
	return positionAssets, nil
}

// WithdrawAtMaturity redeems up to positionAssets of a fixed deposit. At or
// after maturity the position redeems at face value. Before maturity the
// exit is discounted at the current fixed rate over the remaining time,
// never below the principal share; the forfeited value returns to the
// pool's unassigned earnings. Returns the redeemed assets.
func (m *Market) WithdrawAtMaturity(account uuid.UUID, maturityTs int64, positionAssets, minAssetsRequired *uint256.Int, now int64) (*uint256.Int, error) {
	if err := m.enter(); err != nil {
		return nil, err
	}
	defer m.exit()

	if positionAssets.IsZero() {
		return nil, ErrZeroAmount
	}
	if err := maturity.RequireMaturedOrValid(now, maturityTs, m.cfg.MaxFuturePools); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoolState, err)
	}
	key := positionKey{account, maturityTs}
	pos, ok := m.fixedDeposits[key]
	if !ok {
		return nil, fmt.Errorf("%w: deposit %s at %d", ErrNoPosition, account, maturityTs)
	}
	positionAssets = fixmath.Min(positionAssets, pos.Total())

	clone := m.pools[maturityTs].Clone()
	swept := clone.AccrueEarnings(now)
	principalShare := pos.PrincipalShare(positionAssets)

	redeem := new(uint256.Int).Set(positionAssets)
	if now < maturityTs {
		uFixed, uFloating, uGlobal, err := m.utilizations(clone, m.floatingDebt)
		if err != nil {
			return nil, err
		}
		rate, err := m.model.FixedRate(maturityTs, m.cfg.MaxFuturePools, uFixed, uFloating, uGlobal, now)
		if err != nil {
			return nil, err
		}
		// redeem = assets / (1 + rate * dt / year), floored, but never
		// below the principal share.
		factor := fixmath.MulDivDown(rate, fixmath.U(uint64(maturityTs-now)), fixmath.U(uint64(ratemodel.SecondsPerYear)))
		redeem = fixmath.MulDivDown(positionAssets, fixmath.Wad, fixmath.Add(fixmath.Wad, factor))
		redeem = fixmath.Max(redeem, principalShare)
	}
	forfeited := fixmath.Sub(positionAssets, redeem)

	backstopDelta, err := clone.Withdraw(principalShare, m.backstopHeadroom())
	if err != nil {
		return nil, err
	}
	if !forfeited.IsZero() {
		clone.AddFee(now, forfeited)
	}

	if minAssetsRequired != nil && redeem.Lt(minAssetsRequired) {
		return nil, fmt.Errorf("%w: withdraw yields %s, need %s", ErrSlippage, redeem, minAssetsRequired)
	}
	if err := m.gate.ValidateShortfall(account, m, redeem, now); err != nil {
		return nil, err
	}

	m.pools[maturityTs] = clone
	m.floatingDebt = fixmath.Add(m.floatingDebt, backstopDelta)
	m.floatingAssets = fixmath.Add(m.floatingAssets, swept)
	pos.Reduce(positionAssets)
	if pos.Total().IsZero() {
		delete(m.fixedDeposits, key)
	}
	m.accrueAccumulator(now)

	if err := m.asset.TransferOut(account, redeem); err != nil {
		return nil, fmt.Errorf("market %s: transfer out: %w", m.cfg.Symbol, err)
	}
	m.record(Event{Type: EventWithdrawAtMaturity, Account: account, Maturity: maturityTs,
		Assets: redeem, Fee: forfeited, Timestamp: now})
	return redeem, nil
}

// RepayAtMaturity repays up to positionAssets of the account's fixed debt
// at maturityTs. Early repayment earns a discount from the pool's
// unassigned earnings; overdue repayment accrues the per-second penalty,
// which flows to the earnings accumulator. The total charged must not
// exceed maxAssetsAllowed. Repaying is never valuation-gated. Returns the
// actual assets charged.
func (m *Market) RepayAtMaturity(account uuid.UUID, maturityTs int64, positionAssets, maxAssetsAllowed *uint256.Int, now int64) (*uint256.Int, error) {
	if err := m.enter(); err != nil {
		return nil, err
	}
	defer m.exit()

	actualRepay, err := m.repayInternal(account, maturityTs, positionAssets, maxAssetsAllowed, now, true)
	if err != nil {
		return nil, err
	}
	return actualRepay, nil
}

// repayInternal is the no-guard repay primitive shared by RepayAtMaturity
// and the liquidation walk. When transfer is true the repayer funds the
// call; liquidation transfers once for the whole walk instead.
func (m *Market) repayInternal(account uuid.UUID, maturityTs int64, positionAssets, maxAssetsAllowed *uint256.Int, now int64, transfer bool) (*uint256.Int, error) {
	if positionAssets.IsZero() {
		return nil, ErrZeroAmount
	}
	if err := maturity.RequireMaturedOrValid(now, maturityTs, m.cfg.MaxFuturePools); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoolState, err)
	}
	key := positionKey{account, maturityTs}
	pos, ok := m.fixedBorrows[key]
	if !ok {
		return nil, fmt.Errorf("%w: borrow %s at %d", ErrNoPosition, account, maturityTs)
	}
	positionAssets = fixmath.Min(positionAssets, pos.Total())

	clone := m.pools[maturityTs].Clone()
	swept := clone.AccrueEarnings(now)
	principalShare := pos.PrincipalShare(positionAssets)

	discount := new(uint256.Int)
	if now < maturityTs {
		discount = clone.EarningsShare(principalShare)
		clone.RemoveFee(discount)
	}
	penalty := m.penaltyOn(positionAssets, maturityTs, now)

	actualRepay := fixmath.Add(fixmath.Sub(positionAssets, discount), penalty)
	if maxAssetsAllowed != nil && actualRepay.Gt(maxAssetsAllowed) {
		return nil, fmt.Errorf("%w: repay costs %s, cap %s", ErrSlippage, actualRepay, maxAssetsAllowed)
	}

	backstopRepaid, err := clone.Repay(principalShare)
	if err != nil {
		return nil, err
	}

	if transfer {
		received, err := m.asset.TransferIn(account, actualRepay)
		if err != nil {
			return nil, fmt.Errorf("market %s: transfer in: %w", m.cfg.Symbol, err)
		}
		if received.Lt(actualRepay) {
			m.refund(account, received)
			return nil, fmt.Errorf("%w: got %s, need %s", ErrShortTransfer, received, actualRepay)
		}
	}

	m.pools[maturityTs] = clone
	m.floatingDebt = fixmath.Sub(m.floatingDebt, backstopRepaid)
	m.floatingAssets = fixmath.Add(m.floatingAssets, swept)
	// Settle the accumulator's pending release before the penalty lands in
	// it; the penalty starts its own smoothing window at now.
	m.accrueAccumulator(now)
	if !penalty.IsZero() {
		m.earningsAccumulator = fixmath.Add(m.earningsAccumulator, penalty)
	}
	pos.Reduce(positionAssets)
	if pos.Total().IsZero() {
		delete(m.fixedBorrows, key)
		m.sortedRemove(account, maturityTs)
	}

	m.record(Event{Type: EventRepayAtMaturity, Account: account, Maturity: maturityTs,
		Assets: actualRepay, Fee: discount, Timestamp: now})
	return actualRepay, nil
}

func (m *Market) addFixedDeposit(account uuid.UUID, maturityTs int64, principal, fee *uint256.Int) {
	key := positionKey{account, maturityTs}
	pos, ok := m.fixedDeposits[key]
	if !ok {
		pos = &FixedPosition{Principal: new(uint256.Int), Fee: new(uint256.Int)}
		m.fixedDeposits[key] = pos
	}
	pos.Principal = fixmath.Add(pos.Principal, principal)
	pos.Fee = fixmath.Add(pos.Fee, fee)
}

func (m *Market) addFixedBorrow(account uuid.UUID, maturityTs int64, principal, fee *uint256.Int) {
	key := positionKey{account, maturityTs}
	pos, ok := m.fixedBorrows[key]
	if !ok {
		pos = &FixedPosition{Principal: new(uint256.Int), Fee: new(uint256.Int)}
		m.fixedBorrows[key] = pos
	}
	pos.Principal = fixmath.Add(pos.Principal, principal)
	pos.Fee = fixmath.Add(pos.Fee, fee)
}

// refund best-effort returns a received transfer after a failed
// validation. A refund failure is logged, not propagated: the original
// error is the caller's actionable condition.
func (m *Market) refund(account uuid.UUID, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	if err := m.asset.TransferOut(account, amount); err != nil {
		m.log.Error().Err(err).Str("account", account.String()).
			Str("amount", amount.String()).Msg("refund failed")
	}
}
