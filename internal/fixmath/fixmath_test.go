package fixmath

import (
	"testing"

	"github.com/holiman/uint256"
)

func TestMulWadRounding(t *testing.T) {
	// 1.5 * 1.5 = 2.25 exactly, both directions agree
	a := uint256.NewInt(1_500_000_000_000_000_000)
	want := uint256.NewInt(2_250_000_000_000_000_000)

	if got := MulWadDown(a, a); !got.Eq(want) {
		t.Errorf("MulWadDown(1.5, 1.5) = %s, want %s", got, want)
	}
	if got := MulWadUp(a, a); !got.Eq(want) {
		t.Errorf("MulWadUp(1.5, 1.5) = %s, want %s", got, want)
	}

	// 1 wei * (1/3) truncates down, rounds up to 1
	third := uint256.NewInt(333_333_333_333_333_333)
	one := uint256.NewInt(1)
	if got := MulWadDown(one, third); !got.IsZero() {
		t.Errorf("MulWadDown(1, 1/3) = %s, want 0", got)
	}
	if got := MulWadUp(one, third); !got.Eq(one) {
		t.Errorf("MulWadUp(1, 1/3) = %s, want 1", got)
	}
}

func TestDivWadRounding(t *testing.T) {
	// 1 / 3 with explicit directions
	one := WadOf(1)
	three := WadOf(3)

	down := DivWadDown(one, three)
	up := DivWadUp(one, three)

	if !up.Eq(Add(down, uint256.NewInt(1))) {
		t.Errorf("DivWadUp(1, 3) = %s, want DivWadDown + 1 = %s", up, Add(down, uint256.NewInt(1)))
	}

	// Exact division: both directions agree
	six := WadOf(6)
	if got := DivWadDown(six, three); !got.Eq(WadOf(2)) {
		t.Errorf("DivWadDown(6, 3) = %s, want 2e18", got)
	}
	if got := DivWadUp(six, three); !got.Eq(WadOf(2)) {
		t.Errorf("DivWadUp(6, 3) = %s, want 2e18", got)
	}
}

func TestMulDivFullPrecision(t *testing.T) {
	// a * b overflows 256 bits but a * b / d does not: requires the
	// 512-bit intermediate.
	a := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	b := new(uint256.Int).Lsh(uint256.NewInt(1), 100)
	d := new(uint256.Int).Lsh(uint256.NewInt(1), 120)
	want := new(uint256.Int).Lsh(uint256.NewInt(1), 180)

	if got := MulDivDown(a, b, d); !got.Eq(want) {
		t.Errorf("MulDivDown(2^200, 2^100, 2^120) = %s, want 2^180", got)
	}
}

func TestMulDivOverflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("MulDivDown did not panic on overflow")
		}
	}()
	max := new(uint256.Int).SetAllOne()
	MulDivDown(max, max, uint256.NewInt(1))
}

func TestDivByZeroPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("MulDivDown did not panic on zero divisor")
		}
	}()
	MulDivDown(WadOf(1), WadOf(1), new(uint256.Int))
}

func TestSubUnderflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Sub did not panic on underflow")
		}
	}()
	Sub(uint256.NewInt(1), uint256.NewInt(2))
}

func TestSubClamp(t *testing.T) {
	if got := SubClamp(uint256.NewInt(1), uint256.NewInt(2)); !got.IsZero() {
		t.Errorf("SubClamp(1, 2) = %s, want 0", got)
	}
	if got := SubClamp(uint256.NewInt(5), uint256.NewInt(2)); !got.Eq(uint256.NewInt(3)) {
		t.Errorf("SubClamp(5, 2) = %s, want 3", got)
	}
}

func TestMinMaxReturnFreshValues(t *testing.T) {
	a := uint256.NewInt(1)
	b := uint256.NewInt(2)

	m := Min(a, b)
	if !m.Eq(a) {
		t.Fatalf("Min(1, 2) = %s, want 1", m)
	}
	m.SetUint64(99)
	if !a.Eq(uint256.NewInt(1)) {
		t.Error("Min aliased its argument")
	}

	x := Max(a, b)
	if !x.Eq(b) {
		t.Fatalf("Max(1, 2) = %s, want 2", x)
	}
	x.SetUint64(99)
	if !b.Eq(uint256.NewInt(2)) {
		t.Error("Max aliased its argument")
	}
}
