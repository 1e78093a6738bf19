// Package auditor is the cross-market risk engine: it owns the market
// registry, tracks which markets each account uses as collateral, computes
// account liquidity across markets and maturities, and gates every
// collateral-sensitive operation. It implements market.Gate.
//
// All valuations convert underlying amounts to 18-decimal USD through the
// price feed; a stale or non-positive quote halts the valuation-dependent
// operation unconditionally.
package auditor

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"termlend/internal/fixmath"
	"termlend/internal/market"
	"termlend/internal/oracle"
)

var (
	// ErrMarketNotListed is returned for markets outside the registry.
	ErrMarketNotListed = errors.New("auditor: market not listed")

	// ErrAlreadyListed is returned when a market is enabled twice.
	ErrAlreadyListed = errors.New("auditor: market already listed")

	// ErrNotEntered is returned when exiting a market never entered.
	ErrNotEntered = errors.New("auditor: market not entered")

	// ErrInsufficientLiquidity means the account's risk-adjusted
	// collateral cannot support the operation.
	ErrInsufficientLiquidity = errors.New("auditor: insufficient account liquidity")

	// ErrBorrowCapReached means the market's total-borrow cap is hit.
	ErrBorrowCapReached = errors.New("auditor: borrow cap reached")

	// ErrPriceError means the price feed returned a stale, missing or
	// non-positive quote; no valuation can proceed.
	ErrPriceError = errors.New("auditor: invalid or stale price")

	// ErrSelfLiquidation rejects a borrower liquidating themselves.
	ErrSelfLiquidation = errors.New("auditor: liquidator is borrower")

	// ErrHealthyPosition rejects liquidating an account with no shortfall.
	ErrHealthyPosition = errors.New("auditor: borrower has no shortfall")

	// ErrOutstandingDebt rejects exiting a market with debt in it.
	ErrOutstandingDebt = errors.New("auditor: outstanding debt in market")

	// ErrInvalidParameter rejects out-of-range risk parameters.
	ErrInvalidParameter = errors.New("auditor: invalid risk parameter")
)

// Close-factor and incentive bounds, shared with the admin setters.
var (
	closeFactorMin          = uint256.NewInt(50_000_000_000_000_000)  // 0.05
	closeFactorMax          = uint256.NewInt(900_000_000_000_000_000) // 0.9
	liquidationIncentiveMax = uint256.NewInt(900_000_000_000_000_000) // 0.9
)

// MarketParams are one market's risk parameters.
type MarketParams struct {
	// AdjustFactor discounts deposit value for risk, in (0, 1].
	AdjustFactor *uint256.Int

	// BorrowCap bounds the market's total fixed borrows. Zero = no cap.
	BorrowCap *uint256.Int
}

// Config are the auditor's protocol-wide parameters.
type Config struct {
	// CloseFactor is the max fraction of total debt one liquidation call
	// may repay, in [0.05, 0.9].
	CloseFactor *uint256.Int

	// LiquidationIncentive is the liquidator's bonus on seized
	// collateral, in (0, 0.9].
	LiquidationIncentive *uint256.Int

	// MaxPriceDelay is the quote staleness tolerance in seconds.
	MaxPriceDelay int64
}

type listing struct {
	mkt    *market.Market
	params MarketParams
}

// Auditor is the risk engine. Markets are held by stable index; per-account
// membership is a bitmask over those indices, so the registry serializes
// without pointer cycles.
type Auditor struct {
	cfg      Config
	feed     oracle.Feed
	log      zerolog.Logger
	listings []listing
	byMarket map[*market.Market]int
	entered  map[uuid.UUID]uint64
}

// New validates the config and returns an empty registry.
func New(cfg Config, feed oracle.Feed, log zerolog.Logger) (*Auditor, error) {
	if cfg.CloseFactor == nil || cfg.CloseFactor.Lt(closeFactorMin) || cfg.CloseFactor.Gt(closeFactorMax) {
		return nil, fmt.Errorf("%w: close factor %v", ErrInvalidParameter, cfg.CloseFactor)
	}
	if cfg.LiquidationIncentive == nil || cfg.LiquidationIncentive.IsZero() ||
		cfg.LiquidationIncentive.Gt(liquidationIncentiveMax) {
		return nil, fmt.Errorf("%w: liquidation incentive %v", ErrInvalidParameter, cfg.LiquidationIncentive)
	}
	if cfg.MaxPriceDelay <= 0 {
		return nil, fmt.Errorf("%w: max price delay %d", ErrInvalidParameter, cfg.MaxPriceDelay)
	}
	return &Auditor{
		cfg:      cfg,
		feed:     feed,
		log:      log.With().Str("component", "auditor").Logger(),
		byMarket: make(map[*market.Market]int),
		entered:  make(map[uuid.UUID]uint64),
	}, nil
}

// ListMarket adds a market to the registry with its risk parameters and
// wires the auditor in as its gate. The index is stable for the protocol's
// lifetime.
func (a *Auditor) ListMarket(m *market.Market, params MarketParams) (int, error) {
	if _, ok := a.byMarket[m]; ok {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyListed, m.Symbol())
	}
	if len(a.listings) >= 64 {
		return 0, fmt.Errorf("%w: registry full", ErrInvalidParameter)
	}
	if err := validateParams(params); err != nil {
		return 0, err
	}
	idx := len(a.listings)
	a.listings = append(a.listings, listing{mkt: m, params: params})
	a.byMarket[m] = idx
	m.SetGate(a)
	a.log.Info().Str("symbol", m.Symbol()).Int("index", idx).Msg("market listed")
	return idx, nil
}

func validateParams(p MarketParams) error {
	if p.AdjustFactor == nil || p.AdjustFactor.IsZero() || p.AdjustFactor.Gt(fixmath.Wad) {
		return fmt.Errorf("%w: adjust factor %v", ErrInvalidParameter, p.AdjustFactor)
	}
	if p.BorrowCap == nil {
		return fmt.Errorf("%w: nil borrow cap", ErrInvalidParameter)
	}
	return nil
}

// Markets returns the registry in index order.
func (a *Auditor) Markets() []*market.Market {
	out := make([]*market.Market, len(a.listings))
	for i, l := range a.listings {
		out[i] = l.mkt
	}
	return out
}

// MarketBySymbol resolves a listed market by its underlying symbol.
func (a *Auditor) MarketBySymbol(symbol string) (*market.Market, bool) {
	for _, l := range a.listings {
		if l.mkt.Symbol() == symbol {
			return l.mkt, true
		}
	}
	return nil, false
}

// Params returns a market's risk parameters.
func (a *Auditor) Params(m *market.Market) (MarketParams, error) {
	idx, ok := a.byMarket[m]
	if !ok {
		return MarketParams{}, fmt.Errorf("%w: %s", ErrMarketNotListed, m.Symbol())
	}
	return a.listings[idx].params, nil
}

// SetAdjustFactor updates a market's risk adjustment (admin surface).
func (a *Auditor) SetAdjustFactor(m *market.Market, f *uint256.Int) error {
	idx, ok := a.byMarket[m]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotListed, m.Symbol())
	}
	p := a.listings[idx].params
	p.AdjustFactor = new(uint256.Int).Set(f)
	if err := validateParams(p); err != nil {
		return err
	}
	a.listings[idx].params = p
	return nil
}

// SetBorrowCap updates a market's total-borrow cap; zero removes the cap.
func (a *Auditor) SetBorrowCap(m *market.Market, cap *uint256.Int) error {
	idx, ok := a.byMarket[m]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotListed, m.Symbol())
	}
	a.listings[idx].params.BorrowCap = new(uint256.Int).Set(cap)
	return nil
}

// SetMaxPriceDelay updates the quote staleness tolerance in seconds.
func (a *Auditor) SetMaxPriceDelay(seconds int64) error {
	if seconds <= 0 {
		return fmt.Errorf("%w: max price delay %d", ErrInvalidParameter, seconds)
	}
	a.cfg.MaxPriceDelay = seconds
	return nil
}

// MaxPriceDelay returns the quote staleness tolerance in seconds.
func (a *Auditor) MaxPriceDelay() int64 {
	return a.cfg.MaxPriceDelay
}

// EnterMarket marks a market's deposits as collateral for the account.
// Entering twice is a no-op.
func (a *Auditor) EnterMarket(account uuid.UUID, m *market.Market) error {
	idx, ok := a.byMarket[m]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotListed, m.Symbol())
	}
	a.entered[account] |= 1 << uint(idx)
	return nil
}

// ExitMarket removes a market from the account's collateral set. Fails if
// the account still owes debt there or if pulling the collateral would
// leave a shortfall.
func (a *Auditor) ExitMarket(account uuid.UUID, m *market.Market, now int64) error {
	idx, ok := a.byMarket[m]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotListed, m.Symbol())
	}
	mask := a.entered[account]
	if mask&(1<<uint(idx)) == 0 {
		return fmt.Errorf("%w: %s", ErrNotEntered, m.Symbol())
	}
	deposit, debt := m.AccountSnapshot(account, now)
	if !debt.IsZero() {
		return fmt.Errorf("%w: %s owes %s in %s", ErrOutstandingDebt, account, debt, m.Symbol())
	}
	if _, shortfall, err := a.AccountLiquidity(account, m, deposit, new(uint256.Int), now); err != nil {
		return err
	} else if !shortfall.IsZero() {
		return fmt.Errorf("%w: exit leaves shortfall %s", ErrInsufficientLiquidity, shortfall)
	}
	a.entered[account] = mask &^ (1 << uint(idx))
	return nil
}

// Entered reports whether the account uses the market as collateral.
func (a *Auditor) Entered(account uuid.UUID, m *market.Market) bool {
	idx, ok := a.byMarket[m]
	if !ok {
		return false
	}
	return a.entered[account]&(1<<uint(idx)) != 0
}

// quoteUSD fetches and validates a symbol's price: present, positive, and
// no older than MaxPriceDelay.
func (a *Auditor) quoteUSD(symbol string, now int64) (*uint256.Int, error) {
	q, ok := a.feed.Quote(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: no quote for %s", ErrPriceError, symbol)
	}
	if q.Price == nil || q.Price.IsZero() {
		return nil, fmt.Errorf("%w: non-positive price for %s", ErrPriceError, symbol)
	}
	if q.UpdatedAt < now-a.cfg.MaxPriceDelay {
		return nil, fmt.Errorf("%w: %s quote from %d, now %d", ErrPriceError, symbol, q.UpdatedAt, now)
	}
	return q.Price, nil
}

// AccountLiquidity aggregates the account's risk-adjusted collateral and
// debt across entered markets, in WAD USD. If simMarket is non-nil, a
// hypothetical withdraw (collateral leaving, scaled by the adjust factor)
// and borrow (new debt) in that market are included. Deposit values round
// down, debt values round up.
func (a *Auditor) AccountLiquidity(account uuid.UUID, simMarket *market.Market, simWithdraw, simBorrow *uint256.Int, now int64) (surplus, shortfall *uint256.Int, err error) {
	sumCollateral := new(uint256.Int)
	sumDebt := new(uint256.Int)
	mask := a.entered[account]

	for idx, l := range a.listings {
		inspecting := l.mkt == simMarket
		if mask&(1<<uint(idx)) == 0 && !inspecting {
			continue
		}
		price, err := a.quoteUSD(l.mkt.Symbol(), now)
		if err != nil {
			return nil, nil, err
		}

		deposit, debt := l.mkt.AccountSnapshot(account, now)
		if mask&(1<<uint(idx)) != 0 {
			value := fixmath.MulWadDown(fixmath.MulWadDown(deposit, price), l.params.AdjustFactor)
			sumCollateral = fixmath.Add(sumCollateral, value)
		}
		sumDebt = fixmath.Add(sumDebt, fixmath.MulWadUp(debt, price))

		if inspecting {
			if simWithdraw != nil && !simWithdraw.IsZero() {
				value := fixmath.MulWadUp(fixmath.MulWadUp(simWithdraw, price), l.params.AdjustFactor)
				sumDebt = fixmath.Add(sumDebt, value)
			}
			if simBorrow != nil && !simBorrow.IsZero() {
				sumDebt = fixmath.Add(sumDebt, fixmath.MulWadUp(simBorrow, price))
			}
		}
	}

	if sumDebt.Gt(sumCollateral) {
		return new(uint256.Int), fixmath.Sub(sumDebt, sumCollateral), nil
	}
	return fixmath.Sub(sumCollateral, sumDebt), new(uint256.Int), nil
}

// ValidateBorrow gates every borrow: the market must be listed, the borrow
// cap respected, and the account's liquidity sufficient for the new debt.
// Borrowing implicitly enters the market so the new debt is always visible
// to future liquidity checks.
func (a *Auditor) ValidateBorrow(borrower uuid.UUID, m *market.Market, assets *uint256.Int, now int64) error {
	idx, ok := a.byMarket[m]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotListed, m.Symbol())
	}
	params := a.listings[idx].params
	if !params.BorrowCap.IsZero() {
		total := fixmath.Add(m.TotalFixedBorrowed(), assets)
		if total.Gt(params.BorrowCap) {
			return fmt.Errorf("%w: %s would reach %s, cap %s",
				ErrBorrowCapReached, m.Symbol(), total, params.BorrowCap)
		}
	}
	a.entered[borrower] |= 1 << uint(idx)

	_, shortfall, err := a.AccountLiquidity(borrower, m, new(uint256.Int), assets, now)
	if err != nil {
		return err
	}
	if !shortfall.IsZero() {
		return fmt.Errorf("%w: borrow leaves shortfall %s USD", ErrInsufficientLiquidity, shortfall)
	}
	return nil
}

// ValidateShortfall gates collateral withdrawals. Withdrawing from a
// market the account never entered is free; otherwise the hypothetical
// withdraw must not create a shortfall.
func (a *Auditor) ValidateShortfall(account uuid.UUID, m *market.Market, withdrawAssets *uint256.Int, now int64) error {
	if _, ok := a.byMarket[m]; !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotListed, m.Symbol())
	}
	if !a.Entered(account, m) {
		return nil
	}
	_, shortfall, err := a.AccountLiquidity(account, m, withdrawAssets, new(uint256.Int), now)
	if err != nil {
		return err
	}
	if !shortfall.IsZero() {
		return fmt.Errorf("%w: withdraw leaves shortfall %s USD", ErrInsufficientLiquidity, shortfall)
	}
	return nil
}

// LiquidateAllowed gates a liquidation: distinct parties, both markets
// listed, borrower in shortfall. Returns maxRepay clamped to
// closeFactor * totalDebt (floored — the clamp protects the borrower).
func (a *Auditor) LiquidateAllowed(liquidator, borrower uuid.UUID, repayMarket, seizeMarket *market.Market, maxRepay *uint256.Int, now int64) (*uint256.Int, error) {
	if liquidator == borrower {
		return nil, ErrSelfLiquidation
	}
	if _, ok := a.byMarket[repayMarket]; !ok {
		return nil, fmt.Errorf("%w: repay market %s", ErrMarketNotListed, repayMarket.Symbol())
	}
	if _, ok := a.byMarket[seizeMarket]; !ok {
		return nil, fmt.Errorf("%w: seize market %s", ErrMarketNotListed, seizeMarket.Symbol())
	}
	_, shortfall, err := a.AccountLiquidity(borrower, nil, nil, nil, now)
	if err != nil {
		return nil, err
	}
	if shortfall.IsZero() {
		return nil, ErrHealthyPosition
	}

	totalDebt := repayMarket.TotalDebtOf(borrower, now)
	maxClose := fixmath.MulWadDown(a.cfg.CloseFactor, totalDebt)
	return fixmath.Min(maxRepay, maxClose), nil
}

// SeizeAmount converts repaid debt into collateral units with the
// liquidation incentive:
//
//	seize = repaid * priceRepay / priceSeize * (1 + incentive)
//
// floored — the liquidator's credit rounds down.
func (a *Auditor) SeizeAmount(repayMarket, seizeMarket *market.Market, repaidAssets *uint256.Int, now int64) (*uint256.Int, error) {
	priceRepay, err := a.quoteUSD(repayMarket.Symbol(), now)
	if err != nil {
		return nil, err
	}
	priceSeize, err := a.quoteUSD(seizeMarket.Symbol(), now)
	if err != nil {
		return nil, err
	}
	usd := fixmath.MulWadDown(repaidAssets, priceRepay)
	base := fixmath.DivWadDown(usd, priceSeize)
	return fixmath.MulWadDown(base, fixmath.Add(fixmath.Wad, a.cfg.LiquidationIncentive)), nil
}
