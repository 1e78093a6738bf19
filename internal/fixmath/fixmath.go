// Package fixmath implements 18-decimal fixed-point arithmetic on 256-bit
// unsigned integers. Every multiply-then-divide names its rounding direction
// at the call site: Down truncates toward zero, Up rounds away from zero.
//
// Overflow past 256 bits and division by zero panic. Protocol amounts live
// far below 2^256 / 1e18, so either condition means a corrupted state or an
// implementation bug, never a recoverable runtime error.
package fixmath

import (
	"fmt"

	"github.com/holiman/uint256"
)

// WadDecimals is the fixed-point precision shared by all protocol amounts,
// rates and factors.
const WadDecimals = 18

// Wad is 10^18, the fixed-point one.
var Wad = uint256.NewInt(1e18)

// U wraps a uint64 as a uint256.
func U(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// WadOf returns n * 10^18.
func WadOf(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), Wad)
}

// MulWadDown returns floor(a * b / 1e18).
func MulWadDown(a, b *uint256.Int) *uint256.Int {
	return MulDivDown(a, b, Wad)
}

// MulWadUp returns ceil(a * b / 1e18).
func MulWadUp(a, b *uint256.Int) *uint256.Int {
	return MulDivUp(a, b, Wad)
}

// DivWadDown returns floor(a * 1e18 / b).
func DivWadDown(a, b *uint256.Int) *uint256.Int {
	return MulDivDown(a, Wad, b)
}

// DivWadUp returns ceil(a * 1e18 / b).
func DivWadUp(a, b *uint256.Int) *uint256.Int {
	return MulDivUp(a, Wad, b)
}

// MulDivDown returns floor(a * b / d) computed at full 512-bit
// intermediate precision.
func MulDivDown(a, b, d *uint256.Int) *uint256.Int {
	if d.IsZero() {
		panic("fixmath: division by zero")
	}
	z, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow {
		panic(fmt.Sprintf("fixmath: mulDiv overflow: %s * %s / %s", a, b, d))
	}
	return z
}

// MulDivUp returns ceil(a * b / d) computed at full 512-bit
// intermediate precision.
func MulDivUp(a, b, d *uint256.Int) *uint256.Int {
	z := MulDivDown(a, b, d)
	rem := new(uint256.Int).MulMod(a, b, d)
	if !rem.IsZero() {
		if _, overflow := z.AddOverflow(z, uint256.NewInt(1)); overflow {
			panic("fixmath: mulDivUp overflow")
		}
	}
	return z
}

// Add returns a + b, panicking on 256-bit overflow.
func Add(a, b *uint256.Int) *uint256.Int {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		panic(fmt.Sprintf("fixmath: add overflow: %s + %s", a, b))
	}
	return z
}

// Sub returns a - b, panicking on underflow.
func Sub(a, b *uint256.Int) *uint256.Int {
	z, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		panic(fmt.Sprintf("fixmath: sub underflow: %s - %s", a, b))
	}
	return z
}

// SubClamp returns a - b, or zero when b > a.
func SubClamp(a, b *uint256.Int) *uint256.Int {
	if b.Gt(a) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

// Min returns the smaller of a and b (a fresh value, not an alias).
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}

// Max returns the larger of a and b (a fresh value, not an alias).
func Max(a, b *uint256.Int) *uint256.Int {
	if a.Gt(b) {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}
