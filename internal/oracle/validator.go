package oracle

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"qeuro/internal/fixedpoint"
	"qeuro/internal/protocol"
)

// validator applies the sanity checks that gate a raw observation pair
// before it may become the served price. Checks run in a fixed order:
// staleness, EUR/USD bounds, USDC/USD deviation. Any rejection fails the
// whole query; a bad reading never reaches lastGoodPrice.
type validator struct {
	minPrice     *uint256.Int
	maxPrice     *uint256.Int
	toleranceBps uint64
	staleAfter   time.Duration
}

// Validate derives the trusted EUR/USDC price from the two observations or
// rejects them. Division rounds down so the derived price never overstates
// the value of a reserve deposit.
func (v validator) Validate(eurUsd, usdcUsd PriceObservation, now time.Time) (*uint256.Int, error) {
	for _, obs := range []PriceObservation{eurUsd, usdcUsd} {
		if age := now.Sub(obs.Timestamp); age > v.staleAfter {
			return nil, fmt.Errorf("%w: feed %s is %s old (limit %s)",
				protocol.ErrStalePrice, obs.SourceID, age.Truncate(time.Second), v.staleAfter)
		}
	}

	if eurUsd.Value.Lt(v.minPrice) || eurUsd.Value.Gt(v.maxPrice) {
		return nil, fmt.Errorf("%w: EUR/USD %s outside [%s, %s]",
			protocol.ErrPriceOutOfBounds,
			fixedpoint.Format(eurUsd.Value), fixedpoint.Format(v.minPrice), fixedpoint.Format(v.maxPrice))
	}

	if err := v.checkUsdcPeg(usdcUsd.Value); err != nil {
		return nil, err
	}

	if usdcUsd.Value.IsZero() {
		return nil, fmt.Errorf("%w: USDC/USD is zero", protocol.ErrPriceOutOfBounds)
	}
	derived, err := fixedpoint.Div18(eurUsd.Value, usdcUsd.Value, fixedpoint.RoundDown)
	if err != nil {
		return nil, fmt.Errorf("%w: deriving EUR/USDC: %v", protocol.ErrPriceOutOfBounds, err)
	}
	return derived, nil
}

// checkUsdcPeg compares |usdcUsd - 1.0| against the tolerance without any
// rounding loss: tolerance * 1e18 / 10000 is exact in integers (1e18 is a
// multiple of 10000), and the deviation is compared as-is so an arbitrarily
// large reading cannot wrap.
func (v validator) checkUsdcPeg(usdcUsd *uint256.Int) error {
	deviation := new(uint256.Int)
	if usdcUsd.Lt(fixedpoint.One) {
		deviation.Sub(fixedpoint.One, usdcUsd)
	} else {
		deviation.Sub(usdcUsd, fixedpoint.One)
	}

	threshold := new(uint256.Int).Mul(uint256.NewInt(v.toleranceBps), fixedpoint.One)
	threshold.Div(threshold, uint256.NewInt(fixedpoint.BpsDenominator))
	if deviation.Gt(threshold) {
		return fmt.Errorf("%w: USDC/USD %s deviates beyond %d bps",
			protocol.ErrUsdcDepeg, fixedpoint.Format(usdcUsd), v.toleranceBps)
	}
	return nil
}
