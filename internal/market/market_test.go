package market

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"termlend/internal/fixmath"
	"termlend/internal/maturity"
	"termlend/internal/pool"
	"termlend/internal/ratemodel"
	"termlend/internal/testutil"
)

const testNow = int64(1_700_006_400)

// stubGate approves everything unless an error is injected. SeizeAmount
// applies a flat 5% incentive.
type stubGate struct {
	borrowErr    error
	shortfallErr error
	liquidateErr error
}

func (g stubGate) ValidateBorrow(uuid.UUID, *Market, *uint256.Int, int64) error { return g.borrowErr }

func (g stubGate) ValidateShortfall(uuid.UUID, *Market, *uint256.Int, int64) error {
	return g.shortfallErr
}

func (g stubGate) LiquidateAllowed(_, _ uuid.UUID, _, _ *Market, maxRepay *uint256.Int, _ int64) (*uint256.Int, error) {
	if g.liquidateErr != nil {
		return nil, g.liquidateErr
	}
	return new(uint256.Int).Set(maxRepay), nil
}

func (g stubGate) SeizeAmount(_, _ *Market, repaid *uint256.Int, _ int64) (*uint256.Int, error) {
	return fixmath.MulWadDown(repaid, testutil.WadFrac(105, 100)), nil
}

func newTestMarket(t *testing.T, gate Gate) (*Market, *LedgerAsset) {
	t.Helper()
	model, err := ratemodel.New(ratemodel.DefaultParams())
	if err != nil {
		t.Fatalf("ratemodel.New: %v", err)
	}
	asset := NewLedgerAsset("WETH")
	m, err := New(Config{
		Symbol:         "WETH",
		Decimals:       18,
		MaxFuturePools: 3,
		PenaltyRate:    testutil.WadFrac(1, 1_000_000),
		SmoothFactor:   testutil.Wad(2),
		SeizeFeeRate:   testutil.WadFrac(1, 10),
	}, model, asset, zerolog.Nop(), NopSink{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if gate == nil {
		gate = stubGate{}
	}
	m.SetGate(gate)
	return m, asset
}

func fundedAccount(t *testing.T, asset *LedgerAsset, units uint64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	asset.Mint(id, testutil.Wad(units))
	return id
}

func checkInvariants(t *testing.T, m *Market) {
	t.Helper()
	if err := m.CheckInvariants(); err != nil {
		t.Fatalf("invariant violated: %v", err)
	}
}

func TestFloatingDepositWithdrawRoundTrip(t *testing.T) {
	m, asset := newTestMarket(t, nil)
	alice := fundedAccount(t, asset, 1000)

	minted, err := m.Deposit(alice, testutil.Wad(600), testNow)
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if !minted.Eq(testutil.Wad(600)) {
		t.Errorf("first deposit mints 1:1: got %s, want %s", minted, testutil.Wad(600))
	}
	if got := asset.BalanceOf(alice); !got.Eq(testutil.Wad(400)) {
		t.Errorf("wallet after deposit: got %s, want %s", got, testutil.Wad(400))
	}

	assets, err := m.Withdraw(alice, minted, testNow)
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if !assets.Eq(testutil.Wad(600)) {
		t.Errorf("withdraw: got %s, want %s", assets, testutil.Wad(600))
	}
	if got := asset.BalanceOf(alice); !got.Eq(testutil.Wad(1000)) {
		t.Errorf("wallet after round trip: got %s, want %s", got, testutil.Wad(1000))
	}
	if !m.SharesOf(alice).IsZero() {
		t.Errorf("shares after full withdraw: got %s, want 0", m.SharesOf(alice))
	}
	checkInvariants(t, m)
}

func TestDepositErrors(t *testing.T) {
	m, asset := newTestMarket(t, nil)
	alice := fundedAccount(t, asset, 10)

	if _, err := m.Deposit(alice, uint256.NewInt(0), testNow); !errors.Is(err, ErrZeroAmount) {
		t.Errorf("zero deposit: got %v, want ErrZeroAmount", err)
	}
	if _, err := m.Deposit(alice, testutil.Wad(100), testNow); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("unfunded deposit: got %v, want ErrInsufficientBalance", err)
	}
}

func TestWithdrawExceedsShares(t *testing.T) {
	m, asset := newTestMarket(t, nil)
	alice := fundedAccount(t, asset, 100)
	if _, err := m.Deposit(alice, testutil.Wad(100), testNow); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	_, err := m.Withdraw(alice, testutil.Wad(200), testNow)
	if !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("got %v, want ErrInsufficientShares", err)
	}
}

func TestBorrowAtMaturity(t *testing.T) {
	m, asset := newTestMarket(t, nil)
	lender := fundedAccount(t, asset, 1000)
	borrower := uuid.New()
	mat := maturity.Active(testNow, 3)[1]

	if _, err := m.Deposit(lender, testutil.Wad(1000), testNow); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	position, err := m.BorrowAtMaturity(borrower, mat, testutil.Wad(100), nil, testNow)
	if err != nil {
		t.Fatalf("BorrowAtMaturity: %v", err)
	}
	if !position.Gt(testutil.Wad(100)) {
		t.Errorf("position %s should exceed principal by the fee", position)
	}
	if got := asset.BalanceOf(borrower); !got.Eq(testutil.Wad(100)) {
		t.Errorf("borrower received: got %s, want %s", got, testutil.Wad(100))
	}
	if !m.FloatingDebt().Eq(testutil.Wad(100)) {
		t.Errorf("floating debt: got %s, want %s", m.FloatingDebt(), testutil.Wad(100))
	}

	pos, ok := m.FixedBorrowOf(borrower, mat)
	if !ok {
		t.Fatal("borrow position missing")
	}
	if !pos.Principal.Eq(testutil.Wad(100)) {
		t.Errorf("position principal: got %s, want %s", pos.Principal, testutil.Wad(100))
	}
	if !pos.Total().Eq(position) {
		t.Errorf("position total: got %s, want %s", pos.Total(), position)
	}
	if mats := m.BorrowedMaturities(borrower); len(mats) != 1 || mats[0] != mat {
		t.Errorf("borrowed maturities: got %v, want [%d]", mats, mat)
	}
	checkInvariants(t, m)
}

func TestBorrowSlippageBound(t *testing.T) {
	m, asset := newTestMarket(t, nil)
	lender := fundedAccount(t, asset, 1000)
	mat := maturity.Active(testNow, 3)[1]
	if _, err := m.Deposit(lender, testutil.Wad(1000), testNow); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	// A cap at exactly the principal can never cover principal+fee.
	_, err := m.BorrowAtMaturity(uuid.New(), mat, testutil.Wad(100), testutil.Wad(100), testNow)
	if !errors.Is(err, ErrSlippage) {
		t.Fatalf("got %v, want ErrSlippage", err)
	}
	if !m.FloatingDebt().IsZero() {
		t.Errorf("floating debt after failed borrow: got %s, want 0", m.FloatingDebt())
	}
}

func TestBorrowGateDenied(t *testing.T) {
	gateErr := errors.New("insufficient collateral")
	m, asset := newTestMarket(t, stubGate{borrowErr: gateErr})
	lender := fundedAccount(t, asset, 1000)
	mat := maturity.Active(testNow, 3)[1]
	if _, err := m.Deposit(lender, testutil.Wad(1000), testNow); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	_, err := m.BorrowAtMaturity(uuid.New(), mat, testutil.Wad(100), nil, testNow)
	if !errors.Is(err, gateErr) {
		t.Fatalf("got %v, want gate error", err)
	}
	if !m.FloatingDebt().IsZero() {
		t.Errorf("floating debt after denied borrow: got %s, want 0", m.FloatingDebt())
	}
	checkInvariants(t, m)
}

func TestBorrowExceedsBackstop(t *testing.T) {
	m, asset := newTestMarket(t, nil)
	lender := fundedAccount(t, asset, 100)
	mat := maturity.Active(testNow, 3)[1]
	if _, err := m.Deposit(lender, testutil.Wad(100), testNow); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	_, err := m.BorrowAtMaturity(uuid.New(), mat, testutil.Wad(500), nil, testNow)
	if !errors.Is(err, pool.ErrInsufficientProtocolLiquidity) {
		t.Fatalf("got %v, want ErrInsufficientProtocolLiquidity", err)
	}
}

func TestBorrowRejectsInactiveMaturity(t *testing.T) {
	m, asset := newTestMarket(t, nil)
	lender := fundedAccount(t, asset, 1000)
	if _, err := m.Deposit(lender, testutil.Wad(1000), testNow); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	active := maturity.Active(testNow, 3)
	beyond := active[len(active)-1] + maturity.Interval
	_, err := m.BorrowAtMaturity(uuid.New(), beyond, testutil.Wad(10), nil, testNow)
	if !errors.Is(err, ErrPoolState) {
		t.Fatalf("got %v, want ErrPoolState", err)
	}
}

func TestFixedDepositDisplacesBackstop(t *testing.T) {
	m, asset := newTestMarket(t, nil)
	lender := fundedAccount(t, asset, 1000)
	depositor := fundedAccount(t, asset, 500)
	mat := maturity.Active(testNow, 3)[1]

	if _, err := m.Deposit(lender, testutil.Wad(1000), testNow); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := m.BorrowAtMaturity(uuid.New(), mat, testutil.Wad(100), nil, testNow); err != nil {
		t.Fatalf("BorrowAtMaturity: %v", err)
	}
	debtBefore := m.FloatingDebt()

	// Covering half the backstop earns half the pool's unassigned fees.
	position, err := m.DepositAtMaturity(depositor, mat, testutil.Wad(50), nil, testNow)
	if err != nil {
		t.Fatalf("DepositAtMaturity: %v", err)
	}
	if !position.Gt(testutil.Wad(50)) {
		t.Errorf("position %s should exceed principal by the fee credit", position)
	}
	wantDebt := fixmath.Sub(debtBefore, testutil.Wad(50))
	if !m.FloatingDebt().Eq(wantDebt) {
		t.Errorf("floating debt: got %s, want %s", m.FloatingDebt(), wantDebt)
	}
	checkInvariants(t, m)
}

func TestFixedDepositSlippage(t *testing.T) {
	m, asset := newTestMarket(t, nil)
	depositor := fundedAccount(t, asset, 100)
	mat := maturity.Active(testNow, 3)[1]
	before := asset.BalanceOf(depositor)

	// An empty pool credits no fee, so the position equals the principal
	// and any higher bound fails. The transfer must be refunded.
	_, err := m.DepositAtMaturity(depositor, mat, testutil.Wad(50), testutil.Wad(51), testNow)
	if !errors.Is(err, ErrSlippage) {
		t.Fatalf("got %v, want ErrSlippage", err)
	}
	if got := asset.BalanceOf(depositor); !got.Eq(before) {
		t.Errorf("wallet after refund: got %s, want %s", got, before)
	}
}

func TestWithdrawAtMaturityAfterMaturity(t *testing.T) {
	m, asset := newTestMarket(t, nil)
	depositor := fundedAccount(t, asset, 100)
	mat := maturity.Active(testNow, 3)[0]

	position, err := m.DepositAtMaturity(depositor, mat, testutil.Wad(100), nil, testNow)
	if err != nil {
		t.Fatalf("DepositAtMaturity: %v", err)
	}

	// Past maturity the position redeems at face value.
	redeemed, err := m.WithdrawAtMaturity(depositor, mat, position, nil, mat+3600)
	if err != nil {
		t.Fatalf("WithdrawAtMaturity: %v", err)
	}
	if !redeemed.Eq(position) {
		t.Errorf("matured redeem: got %s, want face %s", redeemed, position)
	}
	if _, ok := m.FixedDepositOf(depositor, mat); ok {
		t.Error("deposit position should be cleared")
	}
	checkInvariants(t, m)
}

func TestWithdrawAtMaturityEarlyIsDiscounted(t *testing.T) {
	m, asset := newTestMarket(t, nil)
	lender := fundedAccount(t, asset, 1000)
	depositor := fundedAccount(t, asset, 500)
	mat := maturity.Active(testNow, 3)[1]

	if _, err := m.Deposit(lender, testutil.Wad(1000), testNow); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := m.BorrowAtMaturity(uuid.New(), mat, testutil.Wad(100), nil, testNow); err != nil {
		t.Fatalf("BorrowAtMaturity: %v", err)
	}
	position, err := m.DepositAtMaturity(depositor, mat, testutil.Wad(50), nil, testNow)
	if err != nil {
		t.Fatalf("DepositAtMaturity: %v", err)
	}

	// The position carries a fee credit, so an immediate exit gives up
	// part of it but never dips below the principal.
	redeemed, err := m.WithdrawAtMaturity(depositor, mat, position, nil, testNow+3600)
	if err != nil {
		t.Fatalf("WithdrawAtMaturity: %v", err)
	}
	if !redeemed.Lt(position) {
		t.Errorf("early redeem %s should be below face %s", redeemed, position)
	}
	if redeemed.Lt(testutil.Wad(50)) {
		t.Errorf("early redeem %s fell below principal %s", redeemed, testutil.Wad(50))
	}
	checkInvariants(t, m)
}

func TestWithdrawAtMaturityNoPosition(t *testing.T) {
	m, _ := newTestMarket(t, nil)
	mat := maturity.Active(testNow, 3)[0]

	_, err := m.WithdrawAtMaturity(uuid.New(), mat, testutil.Wad(10), nil, testNow)
	if !errors.Is(err, ErrNoPosition) {
		t.Fatalf("got %v, want ErrNoPosition", err)
	}
}

func TestRepayImmediatelyCostsPrincipal(t *testing.T) {
	m, asset := newTestMarket(t, nil)
	lender := fundedAccount(t, asset, 1000)
	borrower := fundedAccount(t, asset, 500)
	mat := maturity.Active(testNow, 3)[1]

	if _, err := m.Deposit(lender, testutil.Wad(1000), testNow); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	position, err := m.BorrowAtMaturity(borrower, mat, testutil.Wad(100), nil, testNow)
	if err != nil {
		t.Fatalf("BorrowAtMaturity: %v", err)
	}

	// Repaying in the same instant earns the full fee back as a discount:
	// the pool's unassigned earnings are exactly this borrow's fee.
	repaid, err := m.RepayAtMaturity(borrower, mat, position, nil, testNow)
	if err != nil {
		t.Fatalf("RepayAtMaturity: %v", err)
	}
	if !repaid.Eq(testutil.Wad(100)) {
		t.Errorf("immediate repay: got %s, want principal %s", repaid, testutil.Wad(100))
	}
	if _, ok := m.FixedBorrowOf(borrower, mat); ok {
		t.Error("borrow position should be cleared")
	}
	if len(m.BorrowedMaturities(borrower)) != 0 {
		t.Errorf("borrowed maturities not cleared: %v", m.BorrowedMaturities(borrower))
	}
	if !m.FloatingDebt().IsZero() {
		t.Errorf("floating debt after full repay: got %s, want 0", m.FloatingDebt())
	}
	checkInvariants(t, m)
}

func TestRepayOverdueChargesPenalty(t *testing.T) {
	m, asset := newTestMarket(t, nil)
	lender := fundedAccount(t, asset, 1000)
	borrower := fundedAccount(t, asset, 500)
	mat := maturity.Active(testNow, 3)[0]

	if _, err := m.Deposit(lender, testutil.Wad(1000), testNow); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	position, err := m.BorrowAtMaturity(borrower, mat, testutil.Wad(100), nil, testNow)
	if err != nil {
		t.Fatalf("BorrowAtMaturity: %v", err)
	}

	overdue := mat + 86_400
	accBefore := m.EarningsAccumulator()

	repaid, err := m.RepayAtMaturity(borrower, mat, position, nil, overdue)
	if err != nil {
		t.Fatalf("RepayAtMaturity: %v", err)
	}
	perSecond := testutil.WadFrac(1, 1_000_000)
	penalty := fixmath.MulWadUp(position, new(uint256.Int).Mul(perSecond, fixmath.U(86_400)))
	want := fixmath.Add(position, penalty)
	if !repaid.Eq(want) {
		t.Errorf("overdue repay: got %s, want %s", repaid, want)
	}
	accDelta := fixmath.Sub(m.EarningsAccumulator(), accBefore)
	if !accDelta.Eq(penalty) {
		t.Errorf("penalty routed to accumulator: got %s, want %s", accDelta, penalty)
	}
	checkInvariants(t, m)
}

func TestRepaySlippageBound(t *testing.T) {
	m, asset := newTestMarket(t, nil)
	lender := fundedAccount(t, asset, 1000)
	borrower := fundedAccount(t, asset, 500)
	mat := maturity.Active(testNow, 3)[0]

	if _, err := m.Deposit(lender, testutil.Wad(1000), testNow); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	position, err := m.BorrowAtMaturity(borrower, mat, testutil.Wad(100), nil, testNow)
	if err != nil {
		t.Fatalf("BorrowAtMaturity: %v", err)
	}

	_, err = m.RepayAtMaturity(borrower, mat, position, testutil.Wad(50), mat+86_400)
	if !errors.Is(err, ErrSlippage) {
		t.Fatalf("got %v, want ErrSlippage", err)
	}
}

func TestFloatingWithdrawBlockedBySolvency(t *testing.T) {
	m, asset := newTestMarket(t, nil)
	lender := fundedAccount(t, asset, 1000)
	mat := maturity.Active(testNow, 3)[1]

	if _, err := m.Deposit(lender, testutil.Wad(1000), testNow); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := m.BorrowAtMaturity(uuid.New(), mat, testutil.Wad(400), nil, testNow); err != nil {
		t.Fatalf("BorrowAtMaturity: %v", err)
	}

	// The floating pool backs 400 of fixed debt; draining it below that
	// must fail.
	_, err := m.Withdraw(lender, testutil.Wad(700), testNow)
	if !errors.Is(err, pool.ErrInsufficientProtocolLiquidity) {
		t.Fatalf("got %v, want ErrInsufficientProtocolLiquidity", err)
	}
	checkInvariants(t, m)
}

func TestWithdrawRealizesPendingPoolEarnings(t *testing.T) {
	m, asset := newTestMarket(t, nil)
	floatingLender := fundedAccount(t, asset, 50)
	fixedLender := fundedAccount(t, asset, 100)
	borrower := fundedAccount(t, asset, 500)
	mat := maturity.Active(testNow, 3)[1]

	if _, err := m.Deposit(floatingLender, testutil.Wad(50), testNow); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := m.DepositAtMaturity(fixedLender, mat, testutil.Wad(100), nil, testNow); err != nil {
		t.Fatalf("DepositAtMaturity: %v", err)
	}
	position, err := m.BorrowAtMaturity(borrower, mat, testutil.Wad(80), nil, testNow)
	if err != nil {
		t.Fatalf("BorrowAtMaturity: %v", err)
	}
	fee := fixmath.Sub(position, testutil.Wad(80))

	// The borrow is fully funded by the fixed deposit, so the floating
	// balance is still the bare 50 while the vault's value includes three
	// days of the accrued borrow fee. A full exit must realize that
	// accrual into the floating balance, not pay out more than it holds.
	later := testNow + 3*86_400
	assets, err := m.Withdraw(floatingLender, m.SharesOf(floatingLender), later)
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	swept := fixmath.MulDivDown(fee, fixmath.U(uint64(3*86_400)), fixmath.U(uint64(mat-testNow)))
	want := fixmath.Add(testutil.Wad(50), swept)
	if !assets.Eq(want) {
		t.Errorf("withdraw: got %s, want %s", assets, want)
	}
	if !assets.Gt(testutil.Wad(50)) {
		t.Errorf("withdraw %s should exceed the bare deposit", assets)
	}
	if !m.FloatingAssets().IsZero() {
		t.Errorf("floating assets after full exit: got %s, want 0", m.FloatingAssets())
	}
	checkInvariants(t, m)
}

// reentrantAsset re-enters the market from inside TransferIn.
type reentrantAsset struct {
	m       *Market
	account uuid.UUID
}

func (a *reentrantAsset) TransferIn(uuid.UUID, *uint256.Int) (*uint256.Int, error) {
	_, err := a.m.Deposit(a.account, testutil.Wad(1), testNow)
	return nil, err
}

func (a *reentrantAsset) TransferOut(uuid.UUID, *uint256.Int) error { return nil }

func TestReentrancyGuard(t *testing.T) {
	model, err := ratemodel.New(ratemodel.DefaultParams())
	if err != nil {
		t.Fatalf("ratemodel.New: %v", err)
	}
	adapter := &reentrantAsset{account: uuid.New()}
	m, err := New(Config{
		Symbol:         "WETH",
		Decimals:       18,
		MaxFuturePools: 3,
		PenaltyRate:    testutil.WadFrac(1, 1_000_000),
		SmoothFactor:   testutil.Wad(2),
		SeizeFeeRate:   testutil.WadFrac(1, 10),
	}, model, adapter, zerolog.Nop(), NopSink{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.SetGate(stubGate{})
	adapter.m = m

	_, err = m.Deposit(adapter.account, testutil.Wad(10), testNow)
	if !errors.Is(err, ErrReentrancy) {
		t.Fatalf("got %v, want ErrReentrancy", err)
	}
}

func TestSeize(t *testing.T) {
	m, asset := newTestMarket(t, nil)
	borrower := fundedAccount(t, asset, 500)
	liquidator := uuid.New()

	if _, err := m.Deposit(borrower, testutil.Wad(500), testNow); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	if err := m.Seize(liquidator, borrower, testutil.Wad(100), testNow); err != nil {
		t.Fatalf("Seize: %v", err)
	}

	// 10% protocol fee on the seized assets, remainder to the liquidator.
	fee := fixmath.MulWadUp(testutil.Wad(100), testutil.WadFrac(1, 10))
	payout := fixmath.Sub(testutil.Wad(100), fee)
	if got := asset.BalanceOf(liquidator); !got.Eq(payout) {
		t.Errorf("liquidator payout: got %s, want %s", got, payout)
	}
	if !m.EarningsAccumulator().Eq(fee) {
		t.Errorf("protocol fee: got %s, want %s", m.EarningsAccumulator(), fee)
	}
	if got := m.SharesOf(borrower); !got.Eq(testutil.Wad(400)) {
		t.Errorf("borrower shares: got %s, want %s", got, testutil.Wad(400))
	}
	checkInvariants(t, m)
}

func TestSeizeExceedsShares(t *testing.T) {
	m, asset := newTestMarket(t, nil)
	borrower := fundedAccount(t, asset, 50)
	if _, err := m.Deposit(borrower, testutil.Wad(50), testNow); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	err := m.Seize(uuid.New(), borrower, testutil.Wad(100), testNow)
	if !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("got %v, want ErrInsufficientShares", err)
	}
}

func TestLiquidateSameMarket(t *testing.T) {
	m, asset := newTestMarket(t, nil)
	lender := fundedAccount(t, asset, 1000)
	borrower := fundedAccount(t, asset, 500)
	liquidator := fundedAccount(t, asset, 200)
	mat := maturity.Active(testNow, 3)[1]

	if _, err := m.Deposit(lender, testutil.Wad(1000), testNow); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := m.Deposit(borrower, testutil.Wad(500), testNow); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := m.BorrowAtMaturity(borrower, mat, testutil.Wad(100), nil, testNow); err != nil {
		t.Fatalf("BorrowAtMaturity: %v", err)
	}

	repaid, seized, err := m.Liquidate(liquidator, borrower, testutil.Wad(200), m, testNow)
	if err != nil {
		t.Fatalf("Liquidate: %v", err)
	}
	// The immediate-repay discount returns the full fee, so the walk
	// consumes exactly the principal; the 5% incentive sets the seize.
	if !repaid.Eq(testutil.Wad(100)) {
		t.Errorf("repaid: got %s, want %s", repaid, testutil.Wad(100))
	}
	if !seized.Eq(testutil.Wad(105)) {
		t.Errorf("seized: got %s, want %s", seized, testutil.Wad(105))
	}
	if len(m.BorrowedMaturities(borrower)) != 0 {
		t.Errorf("borrower debt not cleared: %v", m.BorrowedMaturities(borrower))
	}
	if !m.FloatingDebt().IsZero() {
		t.Errorf("floating debt: got %s, want 0", m.FloatingDebt())
	}

	// Liquidator funded 200, consumed 100, got the unspent half back plus
	// the seized collateral minus the 10% protocol fee.
	fee := fixmath.MulWadUp(seized, testutil.WadFrac(1, 10))
	want := fixmath.Add(testutil.Wad(100), fixmath.Sub(seized, fee))
	if got := asset.BalanceOf(liquidator); !got.Eq(want) {
		t.Errorf("liquidator balance: got %s, want %s", got, want)
	}
	checkInvariants(t, m)
}

func TestLiquidateGateDenied(t *testing.T) {
	gateErr := errors.New("borrower is healthy")
	m, asset := newTestMarket(t, stubGate{liquidateErr: gateErr})
	liquidator := fundedAccount(t, asset, 100)

	_, _, err := m.Liquidate(liquidator, uuid.New(), testutil.Wad(100), m, testNow)
	if !errors.Is(err, gateErr) {
		t.Fatalf("got %v, want gate error", err)
	}
	if got := asset.BalanceOf(liquidator); !got.Eq(testutil.Wad(100)) {
		t.Errorf("liquidator balance: got %s, want untouched %s", got, testutil.Wad(100))
	}
}

func TestLiquidateRollsBackWhenSeizeFails(t *testing.T) {
	model, err := ratemodel.New(ratemodel.DefaultParams())
	if err != nil {
		t.Fatalf("ratemodel.New: %v", err)
	}
	asset := NewLedgerAsset("WETH")
	sink := &recordingSink{}
	m, err := New(Config{
		Symbol:         "WETH",
		Decimals:       18,
		MaxFuturePools: 3,
		PenaltyRate:    testutil.WadFrac(1, 1_000_000),
		SmoothFactor:   testutil.Wad(2),
		SeizeFeeRate:   testutil.WadFrac(1, 10),
	}, model, asset, zerolog.Nop(), sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.SetGate(stubGate{})

	lender := fundedAccount(t, asset, 1000)
	borrower := fundedAccount(t, asset, 500)
	liquidator := fundedAccount(t, asset, 200)
	mat := maturity.Active(testNow, 3)[1]

	if _, err := m.Deposit(lender, testutil.Wad(1000), testNow); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := m.BorrowAtMaturity(borrower, mat, testutil.Wad(100), nil, testNow); err != nil {
		t.Fatalf("BorrowAtMaturity: %v", err)
	}
	debtBefore := m.TotalDebtOf(borrower, testNow)
	floatingDebtBefore := m.FloatingDebt()
	eventsBefore := len(sink.events)

	// The borrower holds no floating shares, so the seize step cannot be
	// satisfied; the repays the walk already made must not survive.
	_, _, err = m.Liquidate(liquidator, borrower, testutil.Wad(200), m, testNow)
	if !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("got %v, want ErrInsufficientShares", err)
	}
	if got := m.TotalDebtOf(borrower, testNow); !got.Eq(debtBefore) {
		t.Errorf("borrower debt after failed liquidation: got %s, want %s", got, debtBefore)
	}
	if got := m.FloatingDebt(); !got.Eq(floatingDebtBefore) {
		t.Errorf("floating debt: got %s, want %s", got, floatingDebtBefore)
	}
	if got := asset.BalanceOf(liquidator); !got.Eq(testutil.Wad(200)) {
		t.Errorf("liquidator cash: got %s, want refunded %s", got, testutil.Wad(200))
	}
	if len(sink.events) != eventsBefore {
		t.Errorf("failed liquidation emitted %d events", len(sink.events)-eventsBefore)
	}
	checkInvariants(t, m)
}

func TestAccountSnapshot(t *testing.T) {
	m, asset := newTestMarket(t, nil)
	lender := fundedAccount(t, asset, 1000)
	borrower := fundedAccount(t, asset, 500)
	mat := maturity.Active(testNow, 3)[1]

	if _, err := m.Deposit(lender, testutil.Wad(1000), testNow); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := m.Deposit(borrower, testutil.Wad(500), testNow); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	position, err := m.BorrowAtMaturity(borrower, mat, testutil.Wad(100), nil, testNow)
	if err != nil {
		t.Fatalf("BorrowAtMaturity: %v", err)
	}

	deposits, debt := m.AccountSnapshot(borrower, testNow)
	if !deposits.Eq(testutil.Wad(500)) {
		t.Errorf("deposit value: got %s, want %s", deposits, testutil.Wad(500))
	}
	if !debt.Eq(position) {
		t.Errorf("debt value: got %s, want %s", debt, position)
	}

	// Past maturity the debt grows by the penalty.
	_, overdue := m.AccountSnapshot(borrower, mat+86_400)
	if !overdue.Gt(position) {
		t.Errorf("overdue debt %s should exceed face %s", overdue, position)
	}
}

func TestEventSinkReceivesTransitions(t *testing.T) {
	model, err := ratemodel.New(ratemodel.DefaultParams())
	if err != nil {
		t.Fatalf("ratemodel.New: %v", err)
	}
	asset := NewLedgerAsset("WETH")
	sink := &recordingSink{}
	m, err := New(Config{
		Symbol:         "WETH",
		Decimals:       18,
		MaxFuturePools: 3,
		PenaltyRate:    testutil.WadFrac(1, 1_000_000),
		SmoothFactor:   testutil.Wad(2),
		SeizeFeeRate:   testutil.WadFrac(1, 10),
	}, model, asset, zerolog.Nop(), sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.SetGate(stubGate{})

	alice := fundedAccount(t, asset, 100)
	if _, err := m.Deposit(alice, testutil.Wad(100), testNow); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := m.Withdraw(alice, testutil.Wad(40), testNow); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	want := []EventType{EventDeposit, EventWithdraw}
	if len(sink.events) != len(want) {
		t.Fatalf("recorded %d events, want %d", len(sink.events), len(want))
	}
	for i, ev := range sink.events {
		if ev.Type != want[i] {
			t.Errorf("event %d: got %s, want %s", i, ev.Type, want[i])
		}
	}
}

type recordingSink struct {
	events []Event
}

func (s *recordingSink) Record(_ string, ev Event) { s.events = append(s.events, ev) }
