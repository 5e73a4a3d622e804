package fixedpoint

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"qeuro/internal/protocol"
)

// All protocol amounts and prices are 18-decimal fixed-point values carried
// in uint256.Int (matching the reserve/synthetic token decimals). Rounding
// direction is always explicit at call sites: divisions that produce a
// user-facing payout round down, divisions that produce a fee round up, so
// fee + payout never exceeds the gross amount.

const Decimals = 18

// BpsDenominator is the basis-point scale: 10_000 bps = 100%.
const BpsDenominator = 10_000

// One is 10^18, the unit value. Treat as read-only.
var One = uint256.MustFromDecimal("1000000000000000000")

var bpsDenom = uint256.NewInt(BpsDenominator)

type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
)

// MulDiv computes a * b / denom in 512-bit intermediate precision with the
// given rounding. denom must be non-zero. Inputs whose quotient does not fit
// 256 bits are rejected, never truncated.
func MulDiv(a, b, denom *uint256.Int, rounding RoundingMode) (*uint256.Int, error) {
	if denom.IsZero() {
		panic("fixedpoint: division by zero")
	}

	quo, overflow := new(uint256.Int).MulDivOverflow(a, b, denom)
	if overflow {
		return nil, fmt.Errorf("%w: %s * %s / %s exceeds 256 bits",
			protocol.ErrAmountOverflow, a.Dec(), b.Dec(), denom.Dec())
	}
	if rounding == RoundUp {
		// MulMod keeps the full 512-bit product, so the remainder is exact
		// even when a*b alone would not fit 256 bits.
		rem := new(uint256.Int).MulMod(a, b, denom)
		if !rem.IsZero() {
			if _, carry := quo.AddOverflow(quo, uint256.NewInt(1)); carry {
				return nil, fmt.Errorf("%w: rounded quotient exceeds 256 bits", protocol.ErrAmountOverflow)
			}
		}
	}
	return quo, nil
}

// Mul18 computes a * b / 1e18 with explicit rounding.
func Mul18(a, b *uint256.Int, rounding RoundingMode) (*uint256.Int, error) {
	return MulDiv(a, b, One, rounding)
}

// Div18 computes a * 1e18 / b with explicit rounding.
func Div18(a, b *uint256.Int, rounding RoundingMode) (*uint256.Int, error) {
	return MulDiv(a, One, b, rounding)
}

// ApplyBps computes amount * bps / 10_000 with explicit rounding.
func ApplyBps(amount *uint256.Int, bps uint64, rounding RoundingMode) (*uint256.Int, error) {
	return MulDiv(amount, uint256.NewInt(bps), bpsDenom, rounding)
}

// FromDecimalString parses a human-readable decimal amount ("1.10", "1000")
// into an 18-decimal fixed-point value. At most 18 fractional digits.
func FromDecimalString(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "." || strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("invalid amount %q", s)
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if len(frac) > Decimals {
		return nil, fmt.Errorf("amount %q exceeds %d decimal places", s, Decimals)
	}
	if whole == "" {
		whole = "0"
	}
	// Right-pad the fractional part to 18 digits.
	frac += strings.Repeat("0", Decimals-len(frac))

	v, err := uint256.FromDecimal(whole + frac)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}

// Format renders an 18-decimal fixed-point value as a decimal string with
// trailing zeros trimmed ("1.1", "1000").
func Format(v *uint256.Int) string {
	quo := new(uint256.Int)
	rem := new(uint256.Int)
	quo.DivMod(v, One, rem)

	if rem.IsZero() {
		return quo.Dec()
	}

	frac := fmt.Sprintf("%018s", rem.Dec())
	frac = strings.TrimRight(frac, "0")
	return quo.Dec() + "." + frac
}
