package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"qeuro/internal/roles"
	"qeuro/internal/token"
	"qeuro/internal/vault"
)

// Operation is a state mutation submitted to the engine loop. The
// OperationID doubles as the idempotency key: resubmitting the same ID is
// acknowledged without applying anything.
type Operation interface {
	Kind() string
	ID() uuid.UUID
}

// Component selects the target of a recovery operation.
type Component string

const (
	ComponentVault  Component = "vault"
	ComponentOracle Component = "oracle"
)

type MintOp struct {
	OperationID     uuid.UUID
	Caller          common.Address
	ReserveAmount   *uint256.Int
	MinSyntheticOut *uint256.Int
}

func (o MintOp) Kind() string  { return "mint" }
func (o MintOp) ID() uuid.UUID { return o.OperationID }

type RedeemOp struct {
	OperationID     uuid.UUID
	Caller          common.Address
	SyntheticAmount *uint256.Int
	MinReserveOut   *uint256.Int
}

func (o RedeemOp) Kind() string  { return "redeem" }
func (o RedeemOp) ID() uuid.UUID { return o.OperationID }

// RefreshPriceOp samples the oracle and records the result in the event
// log. The ingestion scheduler submits one per tick; API consumers read
// prices through queries, not through this op.
type RefreshPriceOp struct {
	OperationID uuid.UUID
}

func (o RefreshPriceOp) Kind() string  { return "refresh_price" }
func (o RefreshPriceOp) ID() uuid.UUID { return o.OperationID }

type UpdateParametersOp struct {
	OperationID      uuid.UUID
	Caller           common.Address
	MintFeeBps       uint64
	RedemptionFeeBps uint64
}

func (o UpdateParametersOp) Kind() string  { return "update_parameters" }
func (o UpdateParametersOp) ID() uuid.UUID { return o.OperationID }

type UpdateOracleOp struct {
	OperationID   uuid.UUID
	Caller        common.Address
	OracleAddress common.Address
	Source        vault.PriceSource
}

func (o UpdateOracleOp) Kind() string  { return "update_oracle" }
func (o UpdateOracleOp) ID() uuid.UUID { return o.OperationID }

type WithdrawFeesOp struct {
	OperationID uuid.UUID
	Caller      common.Address
	To          common.Address
}

func (o WithdrawFeesOp) Kind() string  { return "withdraw_fees" }
func (o WithdrawFeesOp) ID() uuid.UUID { return o.OperationID }

type PauseVaultOp struct {
	OperationID uuid.UUID
	Caller      common.Address
}

func (o PauseVaultOp) Kind() string  { return "pause_vault" }
func (o PauseVaultOp) ID() uuid.UUID { return o.OperationID }

type UnpauseVaultOp struct {
	OperationID uuid.UUID
	Caller      common.Address
}

func (o UnpauseVaultOp) Kind() string  { return "unpause_vault" }
func (o UnpauseVaultOp) ID() uuid.UUID { return o.OperationID }

type PauseOracleOp struct {
	OperationID uuid.UUID
	Caller      common.Address
}

func (o PauseOracleOp) Kind() string  { return "pause_oracle" }
func (o PauseOracleOp) ID() uuid.UUID { return o.OperationID }

type UnpauseOracleOp struct {
	OperationID uuid.UUID
	Caller      common.Address
}

func (o UnpauseOracleOp) Kind() string  { return "unpause_oracle" }
func (o UnpauseOracleOp) ID() uuid.UUID { return o.OperationID }

type TriggerCircuitBreakerOp struct {
	OperationID uuid.UUID
	Caller      common.Address
}

func (o TriggerCircuitBreakerOp) Kind() string  { return "trigger_circuit_breaker" }
func (o TriggerCircuitBreakerOp) ID() uuid.UUID { return o.OperationID }

type ResetCircuitBreakerOp struct {
	OperationID uuid.UUID
	Caller      common.Address
}

func (o ResetCircuitBreakerOp) Kind() string  { return "reset_circuit_breaker" }
func (o ResetCircuitBreakerOp) ID() uuid.UUID { return o.OperationID }

type UpdatePriceBoundsOp struct {
	OperationID uuid.UUID
	Caller      common.Address
	MinPrice    *uint256.Int
	MaxPrice    *uint256.Int
}

func (o UpdatePriceBoundsOp) Kind() string  { return "update_price_bounds" }
func (o UpdatePriceBoundsOp) ID() uuid.UUID { return o.OperationID }

type UpdateUsdcToleranceOp struct {
	OperationID  uuid.UUID
	Caller       common.Address
	ToleranceBps uint64
}

func (o UpdateUsdcToleranceOp) Kind() string  { return "update_usdc_tolerance" }
func (o UpdateUsdcToleranceOp) ID() uuid.UUID { return o.OperationID }

type UpdatePriceFeedsOp struct {
	OperationID   uuid.UUID
	Caller        common.Address
	FeedAddress   common.Address
	EurUsdFeedID  string
	UsdcUsdFeedID string
}

func (o UpdatePriceFeedsOp) Kind() string  { return "update_price_feeds" }
func (o UpdatePriceFeedsOp) ID() uuid.UUID { return o.OperationID }

type GrantRoleOp struct {
	OperationID uuid.UUID
	Caller      common.Address
	Role        roles.Role
	Grantee     common.Address
}

func (o GrantRoleOp) Kind() string  { return "grant_role" }
func (o GrantRoleOp) ID() uuid.UUID { return o.OperationID }

type RevokeRoleOp struct {
	OperationID uuid.UUID
	Caller      common.Address
	Role        roles.Role
	Revokee     common.Address
}

func (o RevokeRoleOp) Kind() string  { return "revoke_role" }
func (o RevokeRoleOp) ID() uuid.UUID { return o.OperationID }

type RecoverTokenOp struct {
	OperationID uuid.UUID
	Caller      common.Address
	Component   Component
	Asset       token.Asset
	Amount      *uint256.Int
}

func (o RecoverTokenOp) Kind() string  { return "recover_token" }
func (o RecoverTokenOp) ID() uuid.UUID { return o.OperationID }

type RecoverNativeOp struct {
	OperationID uuid.UUID
	Caller      common.Address
	Component   Component
}

func (o RecoverNativeOp) Kind() string  { return "recover_native" }
func (o RecoverNativeOp) ID() uuid.UUID { return o.OperationID }
