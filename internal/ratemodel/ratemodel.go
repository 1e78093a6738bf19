// Package ratemodel maps pool utilization to borrow rates.
//
// The model is the sigmoid-generation design: an asymptotic curve over
// floating utilization, scaled by a sigmoid growth factor over global
// utilization, with a maturity-dependent spread for fixed pools. Rates are
// annualized 18-decimal fixed point. The exact arithmetic, including every
// rounding direction, is part of the model's contract: two implementations
// must agree bit for bit.
package ratemodel

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"termlend/internal/fixmath"
	"termlend/internal/maturity"
)

// SecondsPerYear is the annualization basis for all rates.
const SecondsPerYear int64 = 365 * 24 * 60 * 60

var (
	// ErrUtilizationExceeded is returned when utilization inputs are out of
	// the curve's domain: global >= 1, floating above global, fixed above
	// global, or floating at/above the curve asymptote.
	ErrUtilizationExceeded = errors.New("ratemodel: utilization exceeded")

	// ErrAlreadyMatured is returned when a fixed rate is requested for a
	// maturity that has already passed.
	ErrAlreadyMatured = errors.New("ratemodel: already matured")
)

// Params are the immutable curve parameters, all 18-decimal fixed point.
type Params struct {
	// CurveA is the numerator of the asymptotic term A / (Umax - u).
	CurveA *uint256.Int
	// CurveB is the constant rate offset.
	CurveB *uint256.Int
	// MaxUtilization is the curve asymptote Umax, >= 1.0.
	MaxUtilization *uint256.Int
	// GrowthSpeed scales the sigmoid penalty on global utilization.
	GrowthSpeed *uint256.Int
	// SpreadFactor scales the fixed-pool duration/concentration spread.
	SpreadFactor *uint256.Int
	// MaxRate caps the floating borrow rate.
	MaxRate *uint256.Int
}

// DefaultParams returns the reference parameter set used in tests and the
// default market configuration.
func DefaultParams() Params {
	return Params{
		CurveA:         uint256.NewInt(15_000_000_000_000_000),     // 0.015
		CurveB:         uint256.NewInt(20_000_000_000_000_000),     // 0.02
		MaxUtilization: uint256.NewInt(1_100_000_000_000_000_000),  // 1.1
		GrowthSpeed:    uint256.NewInt(1_100_000_000_000_000_000),  // 1.1
		SpreadFactor:   uint256.NewInt(200_000_000_000_000_000),    // 0.2
		MaxRate:        uint256.NewInt(0).Mul(fixmath.Wad, uint256.NewInt(10)), // 1000% APR
	}
}

// Model evaluates the borrow-rate curves for one market.
type Model struct {
	params Params
}

// New validates params and probes the curve at representative utilizations.
// A misconfigured curve (non-monotonic, out of domain at zero, asymptote
// below one) is rejected at construction rather than at first borrow.
func New(params Params) (*Model, error) {
	if params.MaxUtilization == nil || params.MaxUtilization.Lt(fixmath.Wad) {
		return nil, fmt.Errorf("ratemodel: max utilization %v below 1.0", params.MaxUtilization)
	}
	if params.CurveA == nil || params.CurveA.IsZero() {
		return nil, errors.New("ratemodel: curve A must be positive")
	}
	if params.CurveB == nil || params.GrowthSpeed == nil || params.SpreadFactor == nil || params.MaxRate == nil {
		return nil, errors.New("ratemodel: nil parameter")
	}

	m := &Model{params: params}

	// Probe u in {0, 1/4, 1/2, 3/4, 0.99} with uGlobal == uFloating and
	// require non-decreasing rates.
	probes := []*uint256.Int{
		uint256.NewInt(0),
		uint256.NewInt(250_000_000_000_000_000),
		uint256.NewInt(500_000_000_000_000_000),
		uint256.NewInt(750_000_000_000_000_000),
		uint256.NewInt(990_000_000_000_000_000),
	}
	prev := uint256.NewInt(0)
	for _, u := range probes {
		r, err := m.FloatingRate(u, u)
		if err != nil {
			return nil, fmt.Errorf("ratemodel: self-check at u=%s: %w", u, err)
		}
		if r.Lt(prev) {
			return nil, fmt.Errorf("ratemodel: self-check: rate decreased at u=%s", u)
		}
		prev = r
	}
	return m, nil
}

// Params returns a copy of the model's parameters.
func (m *Model) Params() Params { return m.params }

// BaseRate is the instantaneous borrow rate at the given floating and
// global utilizations:
//
//	base(uF, uG) = (A / (Umax - uF) + B) * (1 + growthSpeed * sigmoid(uG))
//
// The curve term and sigmoid round down; the final scale rounds up, in the
// protocol's favor.
func (m *Model) BaseRate(uFloating, uGlobal *uint256.Int) (*uint256.Int, error) {
	if !uGlobal.Lt(fixmath.Wad) {
		return nil, fmt.Errorf("%w: global %s >= 1", ErrUtilizationExceeded, uGlobal)
	}
	if uFloating.Gt(uGlobal) {
		return nil, fmt.Errorf("%w: floating %s above global %s", ErrUtilizationExceeded, uFloating, uGlobal)
	}
	if !uFloating.Lt(m.params.MaxUtilization) {
		return nil, fmt.Errorf("%w: floating %s at asymptote", ErrUtilizationExceeded, uFloating)
	}

	gap := fixmath.Sub(m.params.MaxUtilization, uFloating)
	curve := fixmath.Add(fixmath.DivWadDown(m.params.CurveA, gap), m.params.CurveB)

	growth := fixmath.Add(fixmath.Wad, fixmath.MulWadDown(m.params.GrowthSpeed, sigmoid(uGlobal)))
	return fixmath.MulWadUp(curve, growth), nil
}

// FloatingRate is BaseRate capped at MaxRate.
func (m *Model) FloatingRate(uFloating, uGlobal *uint256.Int) (*uint256.Int, error) {
	base, err := m.BaseRate(uFloating, uGlobal)
	if err != nil {
		return nil, err
	}
	return fixmath.Min(base, m.params.MaxRate), nil
}

// FixedRate is the rate charged for a discrete fixed-pool borrow:
//
//	fixed = base * (1 + spreadFactor * maturityFactor * ratio)
//
// where maturityFactor = (maturity - now) / (maxPools * interval), so the
// farthest active pool carries the full spread (duration risk), and
// ratio = uFixed / (uGlobal / maxPools) measures how concentrated borrowing
// is in this one pool relative to an even spread across all active pools.
// When the pool has no fixed borrows yet the floating rate applies.
func (m *Model) FixedRate(maturityTs int64, maxPools int, uFixed, uFloating, uGlobal *uint256.Int, now int64) (*uint256.Int, error) {
	if now >= maturityTs {
		return nil, fmt.Errorf("%w: maturity %d, now %d", ErrAlreadyMatured, maturityTs, now)
	}
	if uFixed.IsZero() {
		return m.FloatingRate(uFloating, uGlobal)
	}
	if uFixed.Gt(uGlobal) {
		return nil, fmt.Errorf("%w: fixed %s above global %s", ErrUtilizationExceeded, uFixed, uGlobal)
	}

	base, err := m.BaseRate(uFloating, uGlobal)
	if err != nil {
		return nil, err
	}

	window := int64(maxPools) * maturity.Interval
	mf := fixmath.MulDivDown(fixmath.Wad, fixmath.U(uint64(maturityTs-now)), fixmath.U(uint64(window)))
	mf = fixmath.Min(mf, fixmath.Wad)

	natural := fixmath.MulDivDown(uGlobal, fixmath.Wad, new(uint256.Int).Mul(fixmath.Wad, fixmath.U(uint64(maxPools))))
	if natural.IsZero() {
		natural = fixmath.U(1)
	}
	ratio := fixmath.DivWadDown(uFixed, natural)

	spread := fixmath.Add(fixmath.Wad, fixmath.MulWadDown(m.params.SpreadFactor, fixmath.MulWadDown(mf, ratio)))
	return fixmath.MulWadUp(base, spread), nil
}

// FeeFor converts an annualized rate into the fee owed on amount over the
// given horizon: ceil(amount * rate * seconds / year). Fees round up, in the
// protocol's favor.
func FeeFor(amount, rate *uint256.Int, seconds int64) *uint256.Int {
	if seconds <= 0 {
		return new(uint256.Int)
	}
	num := new(uint256.Int).Mul(rate, fixmath.U(uint64(seconds)))
	den := new(uint256.Int).Mul(fixmath.Wad, fixmath.U(uint64(SecondsPerYear)))
	return fixmath.MulDivUp(amount, num, den)
}

// sigmoid maps [0,1) onto [0,1): u^2 / (u^2 + (1-u)^2). Smooth, 0 at 0,
// 1/2 at 1/2, approaching 1 near full utilization.
func sigmoid(u *uint256.Int) *uint256.Int {
	if u.IsZero() {
		return new(uint256.Int)
	}
	u2 := fixmath.MulWadDown(u, u)
	inv := fixmath.Sub(fixmath.Wad, u)
	inv2 := fixmath.MulWadDown(inv, inv)
	den := fixmath.Add(u2, inv2)
	if den.IsZero() {
		return new(uint256.Int)
	}
	return fixmath.DivWadDown(u2, den)
}
