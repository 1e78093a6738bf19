// Package pool implements the per-maturity fixed-pool accounting state
// machine: supplied and borrowed principal, the portion of borrows funded
// by the floating backstop, and the linear accrual of unassigned borrower
// fees into realized backstop earnings.
//
// The pool aggregates carry principal only. Fees are tracked per account
// in the market layer's positions and sit in UnassignedEarnings until
// swept, so Borrowed plus the outstanding fee sides equals the face debt
// due at maturity.
//
// Every mutating method validates before it mutates, so a returned error
// means the pool is unchanged.
package pool

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"termlend/internal/fixmath"
)

var (
	// ErrZeroAmount rejects zero-amount mutations up front rather than
	// letting them silently no-op.
	ErrZeroAmount = errors.New("pool: zero amount")

	// ErrInsufficientProtocolLiquidity is returned when a borrow or
	// withdraw needs more backstop funding than the floating pool can
	// provide.
	ErrInsufficientProtocolLiquidity = errors.New("pool: insufficient protocol liquidity")

	// ErrInsufficientSupply is returned when a withdraw exceeds the pool's
	// supplied balance, or a repay exceeds its borrowed balance.
	ErrInsufficientSupply = errors.New("pool: amount exceeds pool balance")
)

// FixedPool is the accounting state of one maturity in one market.
// The backstop invariant BackstopSupplied == max(Borrowed - Supplied, 0)
// holds after every operation.
type FixedPool struct {
	// Maturity is the pool's discrete timestamp, a multiple of
	// maturity.Interval.
	Maturity int64

	// Borrowed is the total principal owed by fixed borrowers at
	// maturity, excluding their fees.
	Borrowed *uint256.Int

	// Supplied is the total principal owed to fixed depositors at
	// maturity, excluding their fee credits.
	Supplied *uint256.Int

	// BackstopSupplied is the portion of Borrowed funded by the floating
	// pool instead of fixed depositors.
	BackstopSupplied *uint256.Int

	// UnassignedEarnings are borrower fees not yet attributed to the
	// backstop or to a depositor's discount.
	UnassignedEarnings *uint256.Int

	// LastAccrual is the last time UnassignedEarnings was swept. Always
	// <= Maturity; once equal, UnassignedEarnings is zero.
	LastAccrual int64
}

// New returns an empty pool for the given maturity, with accrual starting
// at the moment the pool is first touched.
func New(maturityTs, now int64) *FixedPool {
	last := now
	if last > maturityTs {
		last = maturityTs
	}
	return &FixedPool{
		Maturity:           maturityTs,
		Borrowed:           new(uint256.Int),
		Supplied:           new(uint256.Int),
		BackstopSupplied:   new(uint256.Int),
		UnassignedEarnings: new(uint256.Int),
		LastAccrual:        last,
	}
}

// AccrueEarnings sweeps the share of UnassignedEarnings earned since
// LastAccrual into realized backstop earnings and returns it:
//
//	realized = unassigned * (now - last) / (maturity - last)  (floor)
//
// At or past maturity everything remaining is swept and LastAccrual pins to
// Maturity. The caller routes the returned amount to the floating pool.
func (p *FixedPool) AccrueEarnings(now int64) *uint256.Int {
	if p.LastAccrual >= p.Maturity {
		return new(uint256.Int)
	}
	if now >= p.Maturity {
		swept := p.UnassignedEarnings
		p.UnassignedEarnings = new(uint256.Int)
		p.LastAccrual = p.Maturity
		return swept
	}
	if now <= p.LastAccrual {
		return new(uint256.Int)
	}
	elapsed := fixmath.U(uint64(now - p.LastAccrual))
	remaining := fixmath.U(uint64(p.Maturity - p.LastAccrual))
	swept := fixmath.MulDivDown(p.UnassignedEarnings, elapsed, remaining)
	p.UnassignedEarnings = fixmath.Sub(p.UnassignedEarnings, swept)
	p.LastAccrual = now
	return swept
}

// AddFee accrues pending earnings, then adds fee to UnassignedEarnings.
// Returns the swept (realized) earnings for the caller to route.
func (p *FixedPool) AddFee(now int64, fee *uint256.Int) *uint256.Int {
	swept := p.AccrueEarnings(now)
	p.UnassignedEarnings = fixmath.Add(p.UnassignedEarnings, fee)
	return swept
}

// RemoveFee deducts fee from UnassignedEarnings, used when earnings are
// attributed to a depositor's discount or an early repayer.
func (p *FixedPool) RemoveFee(fee *uint256.Int) {
	p.UnassignedEarnings = fixmath.Sub(p.UnassignedEarnings, fee)
}

// Borrow adds amount to Borrowed, drawing the uncovered excess from the
// floating backstop. The draw is bounded by maxBackstop; exceeding it fails
// with ErrInsufficientProtocolLiquidity and leaves the pool untouched.
// Returns the backstop delta.
func (p *FixedPool) Borrow(amount, maxBackstop *uint256.Int) (*uint256.Int, error) {
	if amount.IsZero() {
		return nil, ErrZeroAmount
	}
	newBorrowed := fixmath.Add(p.Borrowed, amount)
	newBackstop := fixmath.SubClamp(newBorrowed, p.Supplied)
	delta := fixmath.Sub(newBackstop, p.BackstopSupplied)
	if delta.Gt(maxBackstop) {
		return nil, fmt.Errorf("%w: need %s from backstop, have %s",
			ErrInsufficientProtocolLiquidity, delta, maxBackstop)
	}
	p.Borrowed = newBorrowed
	p.BackstopSupplied = newBackstop
	return delta, nil
}

// Deposit adds amount to Supplied and credits the depositor a share of
// UnassignedEarnings proportional to the backstop debt the deposit
// displaces:
//
//	credit = unassigned * min(amount, backstop) / backstop  (floor)
//
// Returns the fee credit and the backstop debt released by the deposit.
func (p *FixedPool) Deposit(amount *uint256.Int) (feeCredit, backstopReleased *uint256.Int, err error) {
	if amount.IsZero() {
		return nil, nil, ErrZeroAmount
	}
	feeCredit = new(uint256.Int)
	if !p.BackstopSupplied.IsZero() {
		covered := fixmath.Min(amount, p.BackstopSupplied)
		feeCredit = fixmath.MulDivDown(p.UnassignedEarnings, covered, p.BackstopSupplied)
		p.UnassignedEarnings = fixmath.Sub(p.UnassignedEarnings, feeCredit)
	}
	p.Supplied = fixmath.Add(p.Supplied, amount)
	newBackstop := fixmath.SubClamp(p.Borrowed, p.Supplied)
	backstopReleased = fixmath.Sub(p.BackstopSupplied, newBackstop)
	p.BackstopSupplied = newBackstop
	return feeCredit, backstopReleased, nil
}

// Withdraw removes amount from Supplied. If the remaining supply no longer
// covers Borrowed, the uncovered portion shifts onto the backstop, bounded
// by maxBackstop. Returns the backstop delta drawn.
func (p *FixedPool) Withdraw(amount, maxBackstop *uint256.Int) (*uint256.Int, error) {
	if amount.IsZero() {
		return nil, ErrZeroAmount
	}
	if amount.Gt(p.Supplied) {
		return nil, fmt.Errorf("%w: withdraw %s, supplied %s", ErrInsufficientSupply, amount, p.Supplied)
	}
	newSupplied := fixmath.Sub(p.Supplied, amount)
	newBackstop := fixmath.SubClamp(p.Borrowed, newSupplied)
	delta := fixmath.Sub(newBackstop, p.BackstopSupplied)
	if delta.Gt(maxBackstop) {
		return nil, fmt.Errorf("%w: need %s from backstop, have %s",
			ErrInsufficientProtocolLiquidity, delta, maxBackstop)
	}
	p.Supplied = newSupplied
	p.BackstopSupplied = newBackstop
	return delta, nil
}

// Repay removes amount from Borrowed. The repayment retires backstop debt
// first; the caller routes the returned backstopRepaid back to the floating
// pool. Depositor obligations (Supplied) remain owed at maturity.
func (p *FixedPool) Repay(amount *uint256.Int) (backstopRepaid *uint256.Int, err error) {
	if amount.IsZero() {
		return nil, ErrZeroAmount
	}
	if amount.Gt(p.Borrowed) {
		return nil, fmt.Errorf("%w: repay %s, borrowed %s", ErrInsufficientSupply, amount, p.Borrowed)
	}
	newBorrowed := fixmath.Sub(p.Borrowed, amount)
	newBackstop := fixmath.SubClamp(newBorrowed, p.Supplied)
	backstopRepaid = fixmath.Sub(p.BackstopSupplied, newBackstop)
	p.Borrowed = newBorrowed
	p.BackstopSupplied = newBackstop
	return backstopRepaid, nil
}

// EarningsShare returns the proportional share of UnassignedEarnings that
// the given amount of backstop-displacing principal is entitled to, without
// mutating the pool. Shares round down.
func (p *FixedPool) EarningsShare(amount *uint256.Int) *uint256.Int {
	if p.BackstopSupplied.IsZero() || p.UnassignedEarnings.IsZero() {
		return new(uint256.Int)
	}
	covered := fixmath.Min(amount, p.BackstopSupplied)
	return fixmath.MulDivDown(p.UnassignedEarnings, covered, p.BackstopSupplied)
}

// CheckInvariants verifies the pool's structural invariants. A violation is
// an implementation bug, not a runtime condition.
func (p *FixedPool) CheckInvariants() error {
	want := fixmath.SubClamp(p.Borrowed, p.Supplied)
	if !p.BackstopSupplied.Eq(want) {
		return fmt.Errorf("pool %d: backstop %s != max(borrowed-supplied, 0) %s",
			p.Maturity, p.BackstopSupplied, want)
	}
	if p.LastAccrual > p.Maturity {
		return fmt.Errorf("pool %d: lastAccrual %d past maturity", p.Maturity, p.LastAccrual)
	}
	if p.LastAccrual == p.Maturity && !p.UnassignedEarnings.IsZero() {
		return fmt.Errorf("pool %d: unswept earnings %s at maturity", p.Maturity, p.UnassignedEarnings)
	}
	return nil
}

// Clone returns a deep copy, used for all-or-nothing rollback in callers
// that mutate multiple pools.
func (p *FixedPool) Clone() *FixedPool {
	return &FixedPool{
		Maturity:           p.Maturity,
		Borrowed:           new(uint256.Int).Set(p.Borrowed),
		Supplied:           new(uint256.Int).Set(p.Supplied),
		BackstopSupplied:   new(uint256.Int).Set(p.BackstopSupplied),
		UnassignedEarnings: new(uint256.Int).Set(p.UnassignedEarnings),
		LastAccrual:        p.LastAccrual,
	}
}
