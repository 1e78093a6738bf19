// Package market orchestrates one underlying asset: its fixed maturity
// pools, the floating backstop vault with share-based accounting, the
// smoothed earnings accumulator, and the liquidation/seize flow.
//
// All amounts are 18-decimal fixed point regardless of the underlying
// token's native decimals; adapters normalize at the boundary. Every public
// mutating method takes the operation timestamp as a versioned input — the
// market never reads the wall clock.
package market

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"termlend/internal/fixmath"
	"termlend/internal/maturity"
	"termlend/internal/pool"
	"termlend/internal/ratemodel"
)

var (
	// ErrZeroAmount rejects zero-amount operations.
	ErrZeroAmount = errors.New("market: zero amount")

	// ErrSlippage is returned when the resulting assets violate the
	// caller's min/max bound.
	ErrSlippage = errors.New("market: slippage bound violated")

	// ErrPoolState is returned when the target maturity is not in the
	// lifecycle state the operation requires.
	ErrPoolState = errors.New("market: pool not in required state")

	// ErrNoPosition is returned when the account holds no position at the
	// target maturity.
	ErrNoPosition = errors.New("market: no position at maturity")

	// ErrInsufficientShares is returned when a seize or withdraw exceeds
	// the account's floating-pool balance.
	ErrInsufficientShares = errors.New("market: insufficient floating balance")

	// ErrShortTransfer is returned when the asset adapter delivered less
	// than the exact amount an operation requires.
	ErrShortTransfer = errors.New("market: transfer delivered less than required")

	// ErrReentrancy means a guarded entry point was re-entered mid
	// mutation. This is an implementation bug, never a normal condition.
	ErrReentrancy = errors.New("market: reentrant call")
)

// Gate is the risk engine's hook into every collateral-sensitive operation.
// Implemented by auditor.Auditor; defined here so the market package does
// not depend on the auditor package.
type Gate interface {
	// ValidateBorrow fails unless the account can take on the new debt
	// (liquidity check + borrow cap).
	ValidateBorrow(borrower uuid.UUID, m *Market, assets *uint256.Int, now int64) error

	// ValidateShortfall fails unless the account can give up the
	// collateral being withdrawn.
	ValidateShortfall(account uuid.UUID, m *Market, withdrawAssets *uint256.Int, now int64) error

	// LiquidateAllowed fails unless borrower is liquidatable by liquidator
	// in this market pair; returns maxRepay clamped to the close factor.
	LiquidateAllowed(liquidator, borrower uuid.UUID, repayMarket, seizeMarket *Market, maxRepay *uint256.Int, now int64) (*uint256.Int, error)

	// SeizeAmount converts repaid debt into collateral-market units,
	// including the liquidation incentive.
	SeizeAmount(repayMarket, seizeMarket *Market, repaidAssets *uint256.Int, now int64) (*uint256.Int, error)
}

// AssetAdapter is the underlying fungible-token transfer primitive. It may
// be fee-on-transfer: TransferIn reports the amount actually received, and
// the market books that amount, never the requested one.
type AssetAdapter interface {
	TransferIn(from uuid.UUID, amount *uint256.Int) (*uint256.Int, error)
	TransferOut(to uuid.UUID, amount *uint256.Int) error
}

// Config is a market's immutable-per-deployment configuration.
type Config struct {
	Symbol         string
	Decimals       uint8
	MaxFuturePools int

	// PenaltyRate is the per-second WAD rate charged on overdue fixed debt.
	PenaltyRate *uint256.Int

	// SmoothFactor controls the accumulator release window.
	SmoothFactor *uint256.Int

	// SeizeFeeRate is the protocol's WAD share of seized collateral.
	SeizeFeeRate *uint256.Int
}

// Market is one underlying asset's full lending state. It is mutated only
// by the engine's single goroutine; the guard flag exists to catch
// re-entrant composition bugs (liquidate re-entering seize), not to
// synchronize threads.
type Market struct {
	cfg   Config
	model *ratemodel.Model
	asset AssetAdapter
	gate  Gate
	log   zerolog.Logger
	sink  EventSink

	floatingAssets      *uint256.Int
	floatingDebt        *uint256.Int
	totalShares         *uint256.Int
	earningsAccumulator *uint256.Int
	lastAccumulator     int64

	pools map[int64]*pool.FixedPool

	shares             map[uuid.UUID]*uint256.Int
	fixedDeposits      map[positionKey]*FixedPosition
	fixedBorrows       map[positionKey]*FixedPosition
	borrowedMaturities map[uuid.UUID][]int64

	guard bool

	// staging holds back sink events while a multi-step operation runs
	// against a snapshot; they flush only once the whole unit commits.
	staging bool
	staged  []Event
}

type positionKey struct {
	account  uuid.UUID
	maturity int64
}

// New creates a market. The gate is wired afterwards via SetGate because
// the auditor and its markets reference each other through the registry.
func New(cfg Config, model *ratemodel.Model, asset AssetAdapter, log zerolog.Logger, sink EventSink) (*Market, error) {
	if cfg.MaxFuturePools <= 0 {
		return nil, fmt.Errorf("market %s: maxFuturePools must be positive", cfg.Symbol)
	}
	if cfg.PenaltyRate == nil || cfg.SmoothFactor == nil || cfg.SeizeFeeRate == nil {
		return nil, fmt.Errorf("market %s: nil rate parameter", cfg.Symbol)
	}
	if cfg.SeizeFeeRate.Gt(fixmath.Wad) {
		return nil, fmt.Errorf("market %s: seize fee above 1.0", cfg.Symbol)
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &Market{
		cfg:                 cfg,
		model:               model,
		asset:               asset,
		log:                 log.With().Str("market", cfg.Symbol).Logger(),
		sink:                sink,
		floatingAssets:      new(uint256.Int),
		floatingDebt:        new(uint256.Int),
		totalShares:         new(uint256.Int),
		earningsAccumulator: new(uint256.Int),
		pools:               make(map[int64]*pool.FixedPool),
		shares:              make(map[uuid.UUID]*uint256.Int),
		fixedDeposits:       make(map[positionKey]*FixedPosition),
		fixedBorrows:        make(map[positionKey]*FixedPosition),
		borrowedMaturities:  make(map[uuid.UUID][]int64),
	}, nil
}

// SetGate wires the risk engine. Must be called before any borrow,
// withdraw or liquidation.
func (m *Market) SetGate(g Gate) { m.gate = g }

// Symbol returns the underlying asset symbol.
func (m *Market) Symbol() string { return m.cfg.Symbol }

// Asset returns the underlying cash adapter.
func (m *Market) Asset() AssetAdapter { return m.asset }

// Decimals returns the underlying token's native decimals.
func (m *Market) Decimals() uint8 { return m.cfg.Decimals }

// MaxFuturePools returns the active-window length.
func (m *Market) MaxFuturePools() int { return m.cfg.MaxFuturePools }

// PenaltyRate returns the per-second overdue penalty rate.
func (m *Market) PenaltyRate() *uint256.Int { return new(uint256.Int).Set(m.cfg.PenaltyRate) }

// SetPenaltyRate updates the overdue penalty rate (admin surface).
func (m *Market) SetPenaltyRate(r *uint256.Int) { m.cfg.PenaltyRate = new(uint256.Int).Set(r) }

func (m *Market) enter() error {
	if m.guard {
		return ErrReentrancy
	}
	m.guard = true
	return nil
}

func (m *Market) exit() { m.guard = false }

// poolAt returns the pool for maturityTs, creating it lazily.
func (m *Market) poolAt(maturityTs, now int64) *pool.FixedPool {
	p, ok := m.pools[maturityTs]
	if !ok {
		p = pool.New(maturityTs, now)
		m.pools[maturityTs] = p
	}
	return p
}

// Pool returns a read-only copy of the pool state at maturityTs, if it has
// ever been touched.
func (m *Market) Pool(maturityTs int64) (*pool.FixedPool, bool) {
	p, ok := m.pools[maturityTs]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// FuturePools returns the active maturity timestamps as seen from now.
func (m *Market) FuturePools(now int64) []int64 {
	return maturity.Active(now, m.cfg.MaxFuturePools)
}

// PoolMaturities returns every touched pool's maturity, ascending.
func (m *Market) PoolMaturities() []int64 {
	out := make([]int64, 0, len(m.pools))
	for ts := range m.pools {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FloatingAssets returns the floating pool balance.
func (m *Market) FloatingAssets() *uint256.Int { return new(uint256.Int).Set(m.floatingAssets) }

// FloatingDebt returns the aggregate backstop debt across pools.
func (m *Market) FloatingDebt() *uint256.Int { return new(uint256.Int).Set(m.floatingDebt) }

// EarningsAccumulator returns the undistributed earnings reserve.
func (m *Market) EarningsAccumulator() *uint256.Int {
	return new(uint256.Int).Set(m.earningsAccumulator)
}

// SharesOf returns the account's floating vault shares.
func (m *Market) SharesOf(account uuid.UUID) *uint256.Int {
	if s, ok := m.shares[account]; ok {
		return new(uint256.Int).Set(s)
	}
	return new(uint256.Int)
}

// TotalShares returns the vault's outstanding shares.
func (m *Market) TotalShares() *uint256.Int { return new(uint256.Int).Set(m.totalShares) }

// accumulatorRelease computes the smoothed pending release without
// mutating: acc * elapsed / (elapsed + smoothFactor * window).
func (m *Market) accumulatorRelease(now int64) *uint256.Int {
	if m.earningsAccumulator.IsZero() || now <= m.lastAccumulator {
		return new(uint256.Int)
	}
	elapsed := fixmath.WadOf(uint64(now - m.lastAccumulator))
	window := fixmath.WadOf(uint64(int64(m.cfg.MaxFuturePools) * maturity.Interval))
	den := fixmath.Add(elapsed, fixmath.MulWadDown(m.cfg.SmoothFactor, window))
	return fixmath.MulDivDown(m.earningsAccumulator, elapsed, den)
}

// accrueAccumulator moves the pending release into floating assets.
func (m *Market) accrueAccumulator(now int64) {
	release := m.accumulatorRelease(now)
	if !release.IsZero() {
		m.earningsAccumulator = fixmath.Sub(m.earningsAccumulator, release)
		m.floatingAssets = fixmath.Add(m.floatingAssets, release)
	}
	if now > m.lastAccumulator {
		m.lastAccumulator = now
	}
}

// accruePoolEarnings realizes each active pool's accrued unassigned
// earnings into the floating balance. Any operation that pays assets out
// against shares must run this first, so the payout is never valued
// against earnings the pools have not yet released.
func (m *Market) accruePoolEarnings(now int64) {
	for _, mat := range maturity.Active(now, m.cfg.MaxFuturePools) {
		p, ok := m.pools[mat]
		if !ok {
			continue
		}
		if swept := p.AccrueEarnings(now); !swept.IsZero() {
			m.floatingAssets = fixmath.Add(m.floatingAssets, swept)
		}
	}
}

// TotalAssets values the floating vault: the floating balance, the
// time-weighted share of every active pool's unassigned earnings (so value
// does not jump at maturity boundaries), and the pending accumulator
// release.
func (m *Market) TotalAssets(now int64) *uint256.Int {
	total := new(uint256.Int).Set(m.floatingAssets)
	for _, mat := range maturity.Active(now, m.cfg.MaxFuturePools) {
		p, ok := m.pools[mat]
		if !ok || p.UnassignedEarnings.IsZero() || now <= p.LastAccrual {
			continue
		}
		var accrued *uint256.Int
		if now >= p.Maturity {
			accrued = new(uint256.Int).Set(p.UnassignedEarnings)
		} else {
			elapsed := fixmath.U(uint64(now - p.LastAccrual))
			remaining := fixmath.U(uint64(p.Maturity - p.LastAccrual))
			accrued = fixmath.MulDivDown(p.UnassignedEarnings, elapsed, remaining)
		}
		total = fixmath.Add(total, accrued)
	}
	return fixmath.Add(total, m.accumulatorRelease(now))
}

// convertToShares converts assets into vault shares, rounding down.
func (m *Market) convertToShares(assets *uint256.Int, now int64) *uint256.Int {
	if m.totalShares.IsZero() {
		return new(uint256.Int).Set(assets)
	}
	return fixmath.MulDivDown(assets, m.totalShares, m.TotalAssets(now))
}

// convertToAssets converts vault shares into assets, rounding down.
func (m *Market) convertToAssets(shares *uint256.Int, now int64) *uint256.Int {
	if m.totalShares.IsZero() {
		return new(uint256.Int).Set(shares)
	}
	return fixmath.MulDivDown(shares, m.TotalAssets(now), m.totalShares)
}

// Deposit supplies assets to the floating pool, minting shares at the
// current exchange rate. The booked amount is what the adapter actually
// delivered.
func (m *Market) Deposit(account uuid.UUID, assets *uint256.Int, now int64) (*uint256.Int, error) {
	if err := m.enter(); err != nil {
		return nil, err
	}
	defer m.exit()

	if assets.IsZero() {
		return nil, ErrZeroAmount
	}
	received, err := m.asset.TransferIn(account, assets)
	if err != nil {
		return nil, fmt.Errorf("market %s: transfer in: %w", m.cfg.Symbol, err)
	}
	if received.IsZero() {
		return nil, ErrZeroAmount
	}

	m.accrueAccumulator(now)
	minted := m.convertToShares(received, now)
	m.floatingAssets = fixmath.Add(m.floatingAssets, received)
	m.totalShares = fixmath.Add(m.totalShares, minted)
	m.shares[account] = fixmath.Add(m.SharesOf(account), minted)

	m.record(Event{Type: EventDeposit, Account: account, Assets: received, Shares: minted, Timestamp: now})
	return minted, nil
}

// Withdraw burns shares from the floating pool and transfers out the
// corresponding assets, subject to the solvency invariant and the
// collateral gate.
func (m *Market) Withdraw(account uuid.UUID, shares *uint256.Int, now int64) (*uint256.Int, error) {
	if err := m.enter(); err != nil {
		return nil, err
	}
	defer m.exit()

	if shares.IsZero() {
		return nil, ErrZeroAmount
	}
	held := m.SharesOf(account)
	if shares.Gt(held) {
		return nil, fmt.Errorf("%w: burn %s, held %s", ErrInsufficientShares, shares, held)
	}

	m.accrueAccumulator(now)
	m.accruePoolEarnings(now)
	assets := m.convertToAssets(shares, now)

	// Solvency: the floating pool may not shrink below its backstop debt.
	remaining := fixmath.SubClamp(m.floatingAssets, assets)
	if remaining.Lt(m.floatingDebt) {
		return nil, fmt.Errorf("%w: withdraw %s would leave %s against debt %s",
			pool.ErrInsufficientProtocolLiquidity, assets, remaining, m.floatingDebt)
	}
	if err := m.gate.ValidateShortfall(account, m, assets, now); err != nil {
		return nil, err
	}

	m.totalShares = fixmath.Sub(m.totalShares, shares)
	m.shares[account] = fixmath.Sub(held, shares)
	if m.shares[account].IsZero() {
		delete(m.shares, account)
	}
	m.floatingAssets = fixmath.Sub(m.floatingAssets, assets)

	if err := m.asset.TransferOut(account, assets); err != nil {
		return nil, fmt.Errorf("market %s: transfer out: %w", m.cfg.Symbol, err)
	}
	m.record(Event{Type: EventWithdraw, Account: account, Assets: assets, Shares: shares, Timestamp: now})
	return assets, nil
}

// TotalFixedBorrowed sums Borrowed across every touched pool, the basis of
// the borrow-cap check.
func (m *Market) TotalFixedBorrowed() *uint256.Int {
	total := new(uint256.Int)
	for _, p := range m.pools {
		total = fixmath.Add(total, p.Borrowed)
	}
	return total
}

// CheckInvariants verifies solvency and per-pool backstop coverage, and
// that floatingDebt equals the sum of pool backstops. Run by the engine
// after every mutating operation.
func (m *Market) CheckInvariants() error {
	if m.floatingAssets.Lt(m.floatingDebt) {
		return fmt.Errorf("market %s: floating assets %s below debt %s",
			m.cfg.Symbol, m.floatingAssets, m.floatingDebt)
	}
	sum := new(uint256.Int)
	for _, p := range m.pools {
		if err := p.CheckInvariants(); err != nil {
			return fmt.Errorf("market %s: %w", m.cfg.Symbol, err)
		}
		sum = fixmath.Add(sum, p.BackstopSupplied)
	}
	if !sum.Eq(m.floatingDebt) {
		return fmt.Errorf("market %s: floating debt %s != pool backstop sum %s",
			m.cfg.Symbol, m.floatingDebt, sum)
	}
	return nil
}

// marketSnapshot is a deep copy of the mutable protocol state, taken so a
// multi-step operation can roll back as a unit.
type marketSnapshot struct {
	floatingAssets      *uint256.Int
	floatingDebt        *uint256.Int
	totalShares         *uint256.Int
	earningsAccumulator *uint256.Int
	lastAccumulator     int64
	pools               map[int64]*pool.FixedPool
	shares              map[uuid.UUID]*uint256.Int
	fixedDeposits       map[positionKey]*FixedPosition
	fixedBorrows        map[positionKey]*FixedPosition
	borrowedMaturities  map[uuid.UUID][]int64
}

func (m *Market) snapshot() *marketSnapshot {
	s := &marketSnapshot{
		floatingAssets:      new(uint256.Int).Set(m.floatingAssets),
		floatingDebt:        new(uint256.Int).Set(m.floatingDebt),
		totalShares:         new(uint256.Int).Set(m.totalShares),
		earningsAccumulator: new(uint256.Int).Set(m.earningsAccumulator),
		lastAccumulator:     m.lastAccumulator,
		pools:               make(map[int64]*pool.FixedPool, len(m.pools)),
		shares:              make(map[uuid.UUID]*uint256.Int, len(m.shares)),
		fixedDeposits:       make(map[positionKey]*FixedPosition, len(m.fixedDeposits)),
		fixedBorrows:        make(map[positionKey]*FixedPosition, len(m.fixedBorrows)),
		borrowedMaturities:  make(map[uuid.UUID][]int64, len(m.borrowedMaturities)),
	}
	for k, v := range m.pools {
		s.pools[k] = v.Clone()
	}
	for k, v := range m.shares {
		s.shares[k] = new(uint256.Int).Set(v)
	}
	for k, v := range m.fixedDeposits {
		s.fixedDeposits[k] = v.clone()
	}
	for k, v := range m.fixedBorrows {
		s.fixedBorrows[k] = v.clone()
	}
	for k, v := range m.borrowedMaturities {
		ms := make([]int64, len(v))
		copy(ms, v)
		s.borrowedMaturities[k] = ms
	}
	return s
}

// restore rewinds the market to a snapshot.
func (m *Market) restore(s *marketSnapshot) {
	m.floatingAssets = s.floatingAssets
	m.floatingDebt = s.floatingDebt
	m.totalShares = s.totalShares
	m.earningsAccumulator = s.earningsAccumulator
	m.lastAccumulator = s.lastAccumulator
	m.pools = s.pools
	m.shares = s.shares
	m.fixedDeposits = s.fixedDeposits
	m.fixedBorrows = s.fixedBorrows
	m.borrowedMaturities = s.borrowedMaturities
}

// sortedInsert adds mat to the account's borrowed-maturity set.
func (m *Market) sortedInsert(account uuid.UUID, mat int64) {
	ms := m.borrowedMaturities[account]
	i := sort.Search(len(ms), func(i int) bool { return ms[i] >= mat })
	if i < len(ms) && ms[i] == mat {
		return
	}
	ms = append(ms, 0)
	copy(ms[i+1:], ms[i:])
	ms[i] = mat
	m.borrowedMaturities[account] = ms
}

// sortedRemove drops mat from the account's borrowed-maturity set.
func (m *Market) sortedRemove(account uuid.UUID, mat int64) {
	ms := m.borrowedMaturities[account]
	i := sort.Search(len(ms), func(i int) bool { return ms[i] >= mat })
	if i >= len(ms) || ms[i] != mat {
		return
	}
	ms = append(ms[:i], ms[i+1:]...)
	if len(ms) == 0 {
		delete(m.borrowedMaturities, account)
	} else {
		m.borrowedMaturities[account] = ms
	}
}

// BorrowedMaturities returns the account's active borrowed maturities,
// ascending.
func (m *Market) BorrowedMaturities(account uuid.UUID) []int64 {
	ms := m.borrowedMaturities[account]
	out := make([]int64, len(ms))
	copy(out, ms)
	return out
}
