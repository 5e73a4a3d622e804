package protocol

import "errors"

// Error taxonomy for the mint/redeem/price path.
// Every rejection is terminal for the current operation and carries exactly
// one of these sentinels so callers can assert on WHY an operation failed,
// not merely that it failed. Wrap with fmt.Errorf("...: %w", err) for context.
var (
	ErrAlreadyInitialized = errors.New("already initialized")
	ErrZeroAddress        = errors.New("zero address")
	ErrZeroAmount         = errors.New("zero amount")
	ErrUnauthorized       = errors.New("unauthorized")

	ErrStalePrice       = errors.New("stale price")
	ErrPriceOutOfBounds = errors.New("price out of bounds")
	ErrUsdcDepeg        = errors.New("usdc depeg")
	ErrOraclePaused     = errors.New("oracle paused")

	ErrVaultPaused          = errors.New("vault paused")
	ErrSlippageExceeded     = errors.New("slippage exceeded")
	ErrInsufficientReserves = errors.New("insufficient reserves")

	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrInvalidFee           = errors.New("invalid fee")
	ErrAmountOverflow       = errors.New("amount overflow")

	ErrCannotRecoverManagedAsset = errors.New("cannot recover managed asset")
	ErrIncompatibleDecimals      = errors.New("incompatible decimals")
	ErrReentrancyDetected        = errors.New("reentrancy detected")
)

// Kind returns the stable string identifier for an error, used in API
// responses and metrics labels. Unrecognized errors map to "internal".
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyInitialized):
		return "AlreadyInitialized"
	case errors.Is(err, ErrZeroAddress):
		return "ZeroAddress"
	case errors.Is(err, ErrZeroAmount):
		return "ZeroAmount"
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, ErrStalePrice):
		return "StalePrice"
	case errors.Is(err, ErrPriceOutOfBounds):
		return "PriceOutOfBounds"
	case errors.Is(err, ErrUsdcDepeg):
		return "UsdcDepeg"
	case errors.Is(err, ErrOraclePaused):
		return "OraclePaused"
	case errors.Is(err, ErrVaultPaused):
		return "VaultPaused"
	case errors.Is(err, ErrSlippageExceeded):
		return "SlippageExceeded"
	case errors.Is(err, ErrInsufficientReserves):
		return "InsufficientReserves"
	case errors.Is(err, ErrInvalidConfiguration):
		return "InvalidConfiguration"
	case errors.Is(err, ErrInvalidFee):
		return "InvalidFee"
	case errors.Is(err, ErrAmountOverflow):
		return "AmountOverflow"
	case errors.Is(err, ErrCannotRecoverManagedAsset):
		return "CannotRecoverManagedAsset"
	case errors.Is(err, ErrIncompatibleDecimals):
		return "IncompatibleDecimals"
	case errors.Is(err, ErrReentrancyDetected):
		return "ReentrancyDetected"
	default:
		return "internal"
	}
}
