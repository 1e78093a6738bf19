// Package maturity maps wall-clock time onto the discrete weekly grid of
// fixed-pool maturities and classifies a maturity's lifecycle state.
package maturity

import "fmt"

// Interval is the spacing between consecutive maturities, in seconds.
const Interval int64 = 7 * 24 * 60 * 60

// PoolState classifies a maturity relative to a point in time.
type PoolState int32

const (
	// Invalid: not a multiple of Interval, or zero.
	Invalid PoolState = iota
	// Matured: the maturity lies in the past.
	Matured
	// Valid: open for deposits and borrows.
	Valid
	// NotReady: beyond the active window of maxFuturePools maturities.
	NotReady
)

func (s PoolState) String() string {
	switch s {
	case Invalid:
		return "Invalid"
	case Matured:
		return "Matured"
	case Valid:
		return "Valid"
	case NotReady:
		return "NotReady"
	default:
		return "Unknown"
	}
}

// State classifies maturity as seen from now. The active window spans the
// maxFuturePools interval boundaries after floor(now/Interval)*Interval.
func State(now, maturityTs int64, maxFuturePools int) PoolState {
	if maturityTs <= 0 || maturityTs%Interval != 0 {
		return Invalid
	}
	if maturityTs < now {
		return Matured
	}
	if maturityTs > (now/Interval)*Interval+int64(maxFuturePools)*Interval {
		return NotReady
	}
	return Valid
}

// Active returns the maxFuturePools maturities strictly after now, ascending.
func Active(now int64, maxFuturePools int) []int64 {
	out := make([]int64, 0, maxFuturePools)
	next := (now/Interval)*Interval + Interval
	for i := 0; i < maxFuturePools; i++ {
		out = append(out, next+int64(i)*Interval)
	}
	return out
}

// RequireState returns an error unless maturityTs is in want as seen from now.
func RequireState(now, maturityTs int64, maxFuturePools int, want PoolState) error {
	got := State(now, maturityTs, maxFuturePools)
	if got != want {
		return fmt.Errorf("maturity %d is %s, need %s", maturityTs, got, want)
	}
	return nil
}

// RequireMaturedOrValid allows withdraw/repay against a pool that is either
// still open (early exit) or already matured.
func RequireMaturedOrValid(now, maturityTs int64, maxFuturePools int) error {
	got := State(now, maturityTs, maxFuturePools)
	if got != Matured && got != Valid {
		return fmt.Errorf("maturity %d is %s, need Matured or Valid", maturityTs, got)
	}
	return nil
}
