package fixedpoint_test

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"qeuro/internal/fixedpoint"
	"qeuro/internal/protocol"
)

func amt(t *testing.T, s string) *uint256.Int {
	t.Helper()
	v, err := fixedpoint.FromDecimalString(s)
	if err != nil {
		t.Fatalf("FromDecimalString(%q): %v", s, err)
	}
	return v
}

func mul18(t *testing.T, a, b *uint256.Int, mode fixedpoint.RoundingMode) *uint256.Int {
	t.Helper()
	v, err := fixedpoint.Mul18(a, b, mode)
	if err != nil {
		t.Fatalf("Mul18: %v", err)
	}
	return v
}

func div18(t *testing.T, a, b *uint256.Int, mode fixedpoint.RoundingMode) *uint256.Int {
	t.Helper()
	v, err := fixedpoint.Div18(a, b, mode)
	if err != nil {
		t.Fatalf("Div18: %v", err)
	}
	return v
}

func applyBps(t *testing.T, amount *uint256.Int, bps uint64, mode fixedpoint.RoundingMode) *uint256.Int {
	t.Helper()
	v, err := fixedpoint.ApplyBps(amount, bps, mode)
	if err != nil {
		t.Fatalf("ApplyBps: %v", err)
	}
	return v
}

// ============================================================
// Multiplication and division
// ============================================================

func TestMul18(t *testing.T) {
	// 1000 * 1.10 = 1100
	got := mul18(t, amt(t, "1000"), amt(t, "1.10"), fixedpoint.RoundDown)
	if want := amt(t, "1100"); !got.Eq(want) {
		t.Fatalf("Mul18 = %s, want %s", fixedpoint.Format(got), fixedpoint.Format(want))
	}
}

func TestDiv18Rounding(t *testing.T) {
	// 1 / 3 = 0.333... rounds differently per mode.
	down := div18(t, amt(t, "1"), amt(t, "3"), fixedpoint.RoundDown)
	up := div18(t, amt(t, "1"), amt(t, "3"), fixedpoint.RoundUp)

	diff := new(uint256.Int).Sub(up, down)
	if !diff.Eq(uint256.NewInt(1)) {
		t.Fatalf("expected up - down = 1 wei, got %s", diff.Dec())
	}
	if want := uint256.MustFromDecimal("333333333333333333"); !down.Eq(want) {
		t.Fatalf("Div18 round-down = %s, want %s", down.Dec(), want.Dec())
	}
}

func TestDiv18Exact(t *testing.T) {
	// Exact division must not be bumped by round-up.
	down := div18(t, amt(t, "10"), amt(t, "2"), fixedpoint.RoundDown)
	up := div18(t, amt(t, "10"), amt(t, "2"), fixedpoint.RoundUp)
	if !down.Eq(up) {
		t.Fatalf("exact division differs by mode: down=%s up=%s", down.Dec(), up.Dec())
	}
	if want := amt(t, "5"); !down.Eq(want) {
		t.Fatalf("Div18 = %s, want 5", fixedpoint.Format(down))
	}
}

func TestMulDivZeroDenominator(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on zero denominator")
		}
	}()
	fixedpoint.MulDiv(amt(t, "1"), amt(t, "1"), uint256.NewInt(0), fixedpoint.RoundDown)
}

// ============================================================
// Wide intermediates
// ============================================================

func TestMul18WideIntermediateIsExact(t *testing.T) {
	// 2^200 * 1.10: the raw 512-bit product does not fit 256 bits but the
	// quotient does, so the result must be exact, not reduced mod 2^256.
	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	got := mul18(t, huge, amt(t, "1.10"), fixedpoint.RoundDown)

	want := new(uint256.Int).Mul(huge, uint256.NewInt(11))
	want.Div(want, uint256.NewInt(10))
	if !got.Eq(want) {
		t.Fatalf("Mul18(2^200, 1.10) = %s, want %s", got.Dec(), want.Dec())
	}
}

func TestMulDivRejectsOversizedQuotient(t *testing.T) {
	// 2^250 * 2^250 / 1e18 is roughly 2^440: no representable answer exists.
	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 250)
	if _, err := fixedpoint.Mul18(huge, huge, fixedpoint.RoundDown); !errors.Is(err, protocol.ErrAmountOverflow) {
		t.Fatalf("Mul18 oversized quotient: got %v, want amount overflow", err)
	}
	if _, err := fixedpoint.Div18(huge, uint256.NewInt(1), fixedpoint.RoundUp); !errors.Is(err, protocol.ErrAmountOverflow) {
		t.Fatalf("Div18 oversized quotient: got %v, want amount overflow", err)
	}
}

// ============================================================
// Basis points
// ============================================================

func TestApplyBps(t *testing.T) {
	// 1100 * 10 bps = 1.1, exact in both modes.
	fee := applyBps(t, amt(t, "1100"), 10, fixedpoint.RoundUp)
	if want := amt(t, "1.1"); !fee.Eq(want) {
		t.Fatalf("ApplyBps = %s, want 1.1", fixedpoint.Format(fee))
	}
}

func TestApplyBpsRoundsUp(t *testing.T) {
	// 1 wei * 1 bps = 0.0001 wei, rounds up to 1 wei.
	fee := applyBps(t, uint256.NewInt(1), 1, fixedpoint.RoundUp)
	if !fee.Eq(uint256.NewInt(1)) {
		t.Fatalf("ApplyBps round-up = %s, want 1", fee.Dec())
	}
	floor := applyBps(t, uint256.NewInt(1), 1, fixedpoint.RoundDown)
	if !floor.IsZero() {
		t.Fatalf("ApplyBps round-down = %s, want 0", floor.Dec())
	}
}

// ============================================================
// Parsing and formatting
// ============================================================

func TestFromDecimalString(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0", "0"},
		{"1", "1000000000000000000"},
		{"1.10", "1100000000000000000"},
		{"0.975", "975000000000000000"},
		{"1098.9", "1098900000000000000000"},
		{".5", "500000000000000000"},
	}
	for _, c := range cases {
		got, err := fixedpoint.FromDecimalString(c.in)
		if err != nil {
			t.Fatalf("FromDecimalString(%q): %v", c.in, err)
		}
		if want := uint256.MustFromDecimal(c.want); !got.Eq(want) {
			t.Fatalf("FromDecimalString(%q) = %s, want %s", c.in, got.Dec(), c.want)
		}
	}
}

func TestFromDecimalStringRejects(t *testing.T) {
	for _, in := range []string{"", ".", "-1", "1.2.3", "abc", "1.1234567890123456789"} {
		if _, err := fixedpoint.FromDecimalString(in); err == nil {
			t.Fatalf("FromDecimalString(%q): expected error", in)
		}
	}
}

func TestFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"0", "1", "1.1", "1098.9", "0.975", "1000"} {
		v := amt(t, s)
		got := fixedpoint.Format(v)
		back := amt(t, got)
		if !back.Eq(v) {
			t.Fatalf("Format round-trip %q -> %q -> %s", s, got, back.Dec())
		}
	}
}
