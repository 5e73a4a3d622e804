// Package vault implements the collateralized mint/redeem engine. Every
// operation prices reserve against synthetic via the oracle, books the
// movement as a balanced journal batch in the CollateralLedger and then
// drives the external token transfers.
package vault

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"qeuro/internal/fixedpoint"
	"qeuro/internal/protocol"
	"qeuro/internal/roles"
	"qeuro/internal/token"
)

// MaxFeeBps is the hard ceiling on mint and redemption fees (5%).
const MaxFeeBps = 500

// Default fees applied at initialization (0.10%).
const (
	DefaultMintFeeBps       = 10
	DefaultRedemptionFeeBps = 10
)

// PriceSource is the oracle capability the vault consumes.
type PriceSource interface {
	GetPrice() (*uint256.Int, error)
}

// Quote is a read-only projection of a mint or redeem outcome, computed
// with the same rounding as the mutating path.
type Quote struct {
	Price     *uint256.Int
	NetAmount *uint256.Int
	Fee       *uint256.Int
}

// MintResult describes a committed mint.
type MintResult struct {
	BatchID      uuid.UUID
	Caller       common.Address
	ReserveIn    *uint256.Int
	GrossOut     *uint256.Int
	Fee          *uint256.Int // synthetic units
	FeeReserve   *uint256.Int // reserve units booked to the fee account
	NetOut       *uint256.Int
	Price        *uint256.Int
}

// RedeemResult describes a committed redemption.
type RedeemResult struct {
	BatchID     uuid.UUID
	Caller      common.Address
	SyntheticIn *uint256.Int
	GrossOut    *uint256.Int
	Fee         *uint256.Int // reserve units
	NetOut      *uint256.Int
	Price       *uint256.Int
}

// Metrics is the read-only aggregate view.
type Metrics struct {
	TotalReserveHeld     *uint256.Int
	TotalSyntheticMinted *uint256.Int
	AccumulatedFees      *uint256.Int
	MintFeeBps           uint64
	RedemptionFeeBps     uint64
	Paused               bool
	OracleAddress        common.Address
}

// Vault is the mint/redeem engine. Mutations are serialized by the engine
// loop; the entry latch exists to catch reentrant calls from the external
// token ledger, not to arbitrate between goroutines.
type Vault struct {
	log      zerolog.Logger
	roles    *roles.Registry
	addr     common.Address
	treasury common.Address
	native   *token.NativeLedger
	clock    func() time.Time

	entry sync.Mutex // reentrancy latch

	mu               sync.RWMutex
	initialized      bool
	paused           bool
	mintFeeBps       uint64
	redemptionFeeBps uint64
	oracleAddr       common.Address
	price            PriceSource
	synthetic        token.Synthetic
	reserve          token.Asset
	ledger           *CollateralLedger
}

func New(log zerolog.Logger, reg *roles.Registry, native *token.NativeLedger, addr, treasury common.Address) *Vault {
	return &Vault{
		log:      log.With().Str("component", "vault").Logger(),
		roles:    reg,
		addr:     addr,
		treasury: treasury,
		native:   native,
		clock:    time.Now,
		ledger:   NewCollateralLedger(),
	}
}

// SetClock overrides the time source. Test hook.
func (v *Vault) SetClock(clock func() time.Time) { v.clock = clock }

func (v *Vault) Address() common.Address { return v.addr }

// Ledger exposes the collateral ledger for state hashing and persistence.
func (v *Vault) Ledger() *CollateralLedger { return v.ledger }

// Initialize binds the vault to its synthetic token, reserve asset and
// oracle, and applies the default fees. One-time.
func (v *Vault) Initialize(synthetic token.Synthetic, reserve token.Asset, oracleAddr common.Address, price PriceSource) error {
	if synthetic == nil || reserve == nil || price == nil {
		return protocol.ErrZeroAddress
	}
	if synthetic.Address() == (common.Address{}) || reserve.Address() == (common.Address{}) || oracleAddr == (common.Address{}) {
		return protocol.ErrZeroAddress
	}
	if synthetic.Decimals() != fixedpoint.Decimals || reserve.Decimals() != fixedpoint.Decimals {
		return fmt.Errorf("%w: synthetic=%d reserve=%d, want %d",
			protocol.ErrIncompatibleDecimals, synthetic.Decimals(), reserve.Decimals(), fixedpoint.Decimals)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.initialized {
		return protocol.ErrAlreadyInitialized
	}
	v.synthetic = synthetic
	v.reserve = reserve
	v.oracleAddr = oracleAddr
	v.price = price
	v.mintFeeBps = DefaultMintFeeBps
	v.redemptionFeeBps = DefaultRedemptionFeeBps
	v.initialized = true

	v.log.Info().
		Str("synthetic", synthetic.Address().Hex()).
		Str("reserve", reserve.Address().Hex()).
		Str("oracle", oracleAddr.Hex()).
		Msg("vault initialized")
	return nil
}

// Mint deposits reserveAmount of the reserve asset and issues the net
// synthetic amount to caller. The transfer-in is confirmed before any state
// is mutated and before the external mint call; the entry latch is held for
// the whole operation.
func (v *Vault) Mint(caller common.Address, reserveAmount, minSyntheticOut *uint256.Int) (*MintResult, error) {
	if !v.entry.TryLock() {
		return nil, protocol.ErrReentrancyDetected
	}
	defer v.entry.Unlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkOperational(caller); err != nil {
		return nil, err
	}
	if reserveAmount == nil || reserveAmount.IsZero() {
		return nil, protocol.ErrZeroAmount
	}

	price, err := v.price.GetPrice()
	if err != nil {
		return nil, err
	}

	gross, fee, net, err := mintAmounts(reserveAmount, price, v.mintFeeBps)
	if err != nil {
		return nil, err
	}
	if net.IsZero() {
		return nil, fmt.Errorf("%w: deposit too small to issue synthetic", protocol.ErrZeroAmount)
	}
	if minSyntheticOut != nil && net.Lt(minSyntheticOut) {
		return nil, fmt.Errorf("%w: net %s below minimum %s",
			protocol.ErrSlippageExceeded, fixedpoint.Format(net), fixedpoint.Format(minSyntheticOut))
	}

	// The fee is charged in synthetic units; its reserve-unit equivalent
	// stays in the fee account so held reserve backs only the net issue.
	feeReserve, err := fixedpoint.Div18(fee, price, fixedpoint.RoundDown)
	if err != nil {
		return nil, err
	}

	if err := v.reserve.Transfer(caller, v.addr, reserveAmount); err != nil {
		return nil, fmt.Errorf("reserve transfer-in: %w", err)
	}

	batch := NewMintBatch(uuid.NewString(), reserveAmount, feeReserve, net, v.clock())
	if err := v.ledger.ApplyBatch(batch); err != nil {
		if rerr := v.reserve.Transfer(v.addr, caller, reserveAmount); rerr != nil {
			return nil, fmt.Errorf("ledger apply: %v; refund failed: %w", err, rerr)
		}
		return nil, fmt.Errorf("ledger apply: %w", err)
	}

	if err := v.synthetic.Mint(caller, net); err != nil {
		if rerr := v.ledger.ApplyBatch(reversed(batch)); rerr != nil {
			return nil, fmt.Errorf("synthetic mint: %v; ledger rollback failed: %w", err, rerr)
		}
		if rerr := v.reserve.Transfer(v.addr, caller, reserveAmount); rerr != nil {
			return nil, fmt.Errorf("synthetic mint: %v; refund failed: %w", err, rerr)
		}
		return nil, fmt.Errorf("synthetic mint: %w", err)
	}

	v.log.Info().
		Str("caller", caller.Hex()).
		Str("reserve_in", fixedpoint.Format(reserveAmount)).
		Str("net_out", fixedpoint.Format(net)).
		Str("fee", fixedpoint.Format(fee)).
		Str("price", fixedpoint.Format(price)).
		Msg("mint executed")

	return &MintResult{
		BatchID:    batch.BatchID,
		Caller:     caller,
		ReserveIn:  new(uint256.Int).Set(reserveAmount),
		GrossOut:   gross,
		Fee:        fee,
		FeeReserve: feeReserve,
		NetOut:     net,
		Price:      price,
	}, nil
}

// Redeem burns syntheticAmount from caller and pays out the net reserve.
// The burn happens first; the payout transfer is last.
func (v *Vault) Redeem(caller common.Address, syntheticAmount, minReserveOut *uint256.Int) (*RedeemResult, error) {
	if !v.entry.TryLock() {
		return nil, protocol.ErrReentrancyDetected
	}
	defer v.entry.Unlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.checkOperational(caller); err != nil {
		return nil, err
	}
	if syntheticAmount == nil || syntheticAmount.IsZero() {
		return nil, protocol.ErrZeroAmount
	}

	price, err := v.price.GetPrice()
	if err != nil {
		return nil, err
	}

	gross, fee, net, err := redeemAmounts(syntheticAmount, price, v.redemptionFeeBps)
	if err != nil {
		return nil, err
	}
	if minReserveOut != nil && net.Lt(minReserveOut) {
		return nil, fmt.Errorf("%w: net %s below minimum %s",
			protocol.ErrSlippageExceeded, fixedpoint.Format(net), fixedpoint.Format(minReserveOut))
	}
	if gross.Gt(v.ledger.TotalReserveHeld()) {
		return nil, fmt.Errorf("%w: need %s, held %s",
			protocol.ErrInsufficientReserves, fixedpoint.Format(gross), fixedpoint.Format(v.ledger.TotalReserveHeld()))
	}

	if err := v.synthetic.Burn(caller, syntheticAmount); err != nil {
		return nil, fmt.Errorf("synthetic burn: %w", err)
	}

	batch := NewRedeemBatch(uuid.NewString(), syntheticAmount, fee, net, v.clock())
	if err := v.ledger.ApplyBatch(batch); err != nil {
		if rerr := v.synthetic.Mint(caller, syntheticAmount); rerr != nil {
			return nil, fmt.Errorf("ledger apply: %v; reissue failed: %w", err, rerr)
		}
		return nil, fmt.Errorf("ledger apply: %w", err)
	}

	if !net.IsZero() {
		if err := v.reserve.Transfer(v.addr, caller, net); err != nil {
			if rerr := v.ledger.ApplyBatch(reversed(batch)); rerr != nil {
				return nil, fmt.Errorf("reserve payout: %v; ledger rollback failed: %w", err, rerr)
			}
			if rerr := v.synthetic.Mint(caller, syntheticAmount); rerr != nil {
				return nil, fmt.Errorf("reserve payout: %v; reissue failed: %w", err, rerr)
			}
			return nil, fmt.Errorf("reserve payout: %w", err)
		}
	}

	v.log.Info().
		Str("caller", caller.Hex()).
		Str("synthetic_in", fixedpoint.Format(syntheticAmount)).
		Str("net_out", fixedpoint.Format(net)).
		Str("fee", fixedpoint.Format(fee)).
		Str("price", fixedpoint.Format(price)).
		Msg("redemption executed")

	return &RedeemResult{
		BatchID:     batch.BatchID,
		Caller:      caller,
		SyntheticIn: new(uint256.Int).Set(syntheticAmount),
		GrossOut:    gross,
		Fee:         fee,
		NetOut:      net,
		Price:       price,
	}, nil
}

// CalculateMintAmount quotes a mint without executing it.
func (v *Vault) CalculateMintAmount(reserveAmount *uint256.Int) (*Quote, error) {
	if reserveAmount == nil || reserveAmount.IsZero() {
		return nil, protocol.ErrZeroAmount
	}
	price, mintBps, _, err := v.feeView()
	if err != nil {
		return nil, err
	}
	_, fee, net, err := mintAmounts(reserveAmount, price, mintBps)
	if err != nil {
		return nil, err
	}
	return &Quote{Price: price, NetAmount: net, Fee: fee}, nil
}

// CalculateRedeemAmount quotes a redemption without executing it.
func (v *Vault) CalculateRedeemAmount(syntheticAmount *uint256.Int) (*Quote, error) {
	if syntheticAmount == nil || syntheticAmount.IsZero() {
		return nil, protocol.ErrZeroAmount
	}
	price, _, redeemBps, err := v.feeView()
	if err != nil {
		return nil, err
	}
	_, fee, net, err := redeemAmounts(syntheticAmount, price, redeemBps)
	if err != nil {
		return nil, err
	}
	return &Quote{Price: price, NetAmount: net, Fee: fee}, nil
}

func (v *Vault) feeView() (*uint256.Int, uint64, uint64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.initialized {
		return nil, 0, 0, fmt.Errorf("%w: vault not initialized", protocol.ErrInvalidConfiguration)
	}
	price, err := v.price.GetPrice()
	if err != nil {
		return nil, 0, 0, err
	}
	return price, v.mintFeeBps, v.redemptionFeeBps, nil
}

// UpdateParameters replaces the fee configuration. Governance-only.
func (v *Vault) UpdateParameters(caller common.Address, mintFeeBps, redemptionFeeBps uint64) error {
	if err := v.roles.Require(caller, roles.Governance); err != nil {
		return err
	}
	if mintFeeBps > MaxFeeBps || redemptionFeeBps > MaxFeeBps {
		return fmt.Errorf("%w: fees %d/%d exceed ceiling %d bps",
			protocol.ErrInvalidFee, mintFeeBps, redemptionFeeBps, MaxFeeBps)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.mintFeeBps = mintFeeBps
	v.redemptionFeeBps = redemptionFeeBps

	v.log.Info().
		Uint64("mint_fee_bps", mintFeeBps).
		Uint64("redemption_fee_bps", redemptionFeeBps).
		Msg("fee parameters updated")
	return nil
}

// UpdateOracle repoints the vault at a new price source. Governance-only.
func (v *Vault) UpdateOracle(caller common.Address, oracleAddr common.Address, price PriceSource) error {
	if err := v.roles.Require(caller, roles.Governance); err != nil {
		return err
	}
	if oracleAddr == (common.Address{}) || price == nil {
		return protocol.ErrZeroAddress
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.oracleAddr = oracleAddr
	v.price = price

	v.log.Info().Str("oracle", oracleAddr.Hex()).Msg("oracle updated")
	return nil
}

// WithdrawProtocolFees drains the accumulated fee balance to the given
// address. Governance-only. Never draws from reserve held against
// outstanding synthetic supply.
func (v *Vault) WithdrawProtocolFees(caller, to common.Address) (*uint256.Int, error) {
	if err := v.roles.Require(caller, roles.Governance); err != nil {
		return nil, err
	}
	if to == (common.Address{}) {
		return nil, protocol.ErrZeroAddress
	}

	if !v.entry.TryLock() {
		return nil, protocol.ErrReentrancyDetected
	}
	defer v.entry.Unlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	fees := v.ledger.AccumulatedFees()
	if fees.IsZero() {
		return nil, protocol.ErrZeroAmount
	}

	batch := NewFeeWithdrawalBatch(uuid.NewString(), fees, v.clock())
	if err := v.ledger.ApplyBatch(batch); err != nil {
		return nil, fmt.Errorf("ledger apply: %w", err)
	}
	if err := v.reserve.Transfer(v.addr, to, fees); err != nil {
		if rerr := v.ledger.ApplyBatch(reversed(batch)); rerr != nil {
			return nil, fmt.Errorf("fee transfer: %v; ledger rollback failed: %w", err, rerr)
		}
		return nil, fmt.Errorf("fee transfer: %w", err)
	}

	v.log.Info().
		Str("to", to.Hex()).
		Str("amount", fixedpoint.Format(fees)).
		Msg("protocol fees withdrawn")
	return fees, nil
}

// Pause stops mint and redemption. Emergency-only.
func (v *Vault) Pause(caller common.Address) error {
	if err := v.roles.Require(caller, roles.Emergency); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.paused {
		v.paused = true
		v.log.Warn().Msg("vault paused")
	}
	return nil
}

// Unpause resumes mint and redemption. Emergency-only.
func (v *Vault) Unpause(caller common.Address) error {
	if err := v.roles.Require(caller, roles.Emergency); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.paused {
		v.paused = false
		v.log.Info().Msg("vault unpaused")
	}
	return nil
}

// Paused reports the pause latch.
func (v *Vault) Paused() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.paused
}

// RecoverToken sweeps a stray token balance to the treasury. Admin-only.
// The managed reserve asset and synthetic token cannot be recovered;
// allowing that would bypass the ledger's accounting.
func (v *Vault) RecoverToken(caller common.Address, asset token.Asset, amount *uint256.Int) error {
	if err := v.roles.Require(caller, roles.DefaultAdmin); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return protocol.ErrZeroAmount
	}

	// Latch before touching v.mu: a reentrant call from a token callback
	// must fail fast here, not block on a lock the outer operation holds.
	if !v.entry.TryLock() {
		return protocol.ErrReentrancyDetected
	}
	defer v.entry.Unlock()

	v.mu.RLock()
	managed := v.initialized && (asset.Address() == v.reserve.Address() || asset.Address() == v.synthetic.Address())
	v.mu.RUnlock()
	if managed {
		return fmt.Errorf("%w: %s", protocol.ErrCannotRecoverManagedAsset, asset.Address().Hex())
	}

	return asset.Transfer(v.addr, v.treasury, amount)
}

// RecoverNative sweeps the vault's native balance to the treasury.
// Admin-only.
func (v *Vault) RecoverNative(caller common.Address) error {
	if err := v.roles.Require(caller, roles.DefaultAdmin); err != nil {
		return err
	}
	bal := v.native.BalanceOf(v.addr)
	if bal.IsZero() {
		return protocol.ErrZeroAmount
	}
	return v.native.Transfer(v.addr, v.treasury, bal)
}

// Metrics returns the aggregate vault view.
func (v *Vault) Metrics() Metrics {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return Metrics{
		TotalReserveHeld:     v.ledger.TotalReserveHeld(),
		TotalSyntheticMinted: v.ledger.TotalSyntheticMinted(),
		AccumulatedFees:      v.ledger.AccumulatedFees(),
		MintFeeBps:           v.mintFeeBps,
		RedemptionFeeBps:     v.redemptionFeeBps,
		Paused:               v.paused,
		OracleAddress:        v.oracleAddr,
	}
}

// checkOperational assumes v.mu is held.
func (v *Vault) checkOperational(caller common.Address) error {
	if !v.initialized {
		return fmt.Errorf("%w: vault not initialized", protocol.ErrInvalidConfiguration)
	}
	if v.paused {
		return protocol.ErrVaultPaused
	}
	if caller == (common.Address{}) {
		return protocol.ErrZeroAddress
	}
	return nil
}

// mintAmounts computes (gross, fee, net) synthetic for a reserve deposit.
// gross = reserve * price; fee rounds up; net = gross - fee.
func mintAmounts(reserveAmount, price *uint256.Int, feeBps uint64) (gross, fee, net *uint256.Int, err error) {
	gross, err = fixedpoint.Mul18(reserveAmount, price, fixedpoint.RoundDown)
	if err != nil {
		return nil, nil, nil, err
	}
	fee, err = fixedpoint.ApplyBps(gross, feeBps, fixedpoint.RoundUp)
	if err != nil {
		return nil, nil, nil, err
	}
	net = new(uint256.Int).Sub(gross, fee)
	return gross, fee, net, nil
}

// redeemAmounts computes (gross, fee, net) reserve for a synthetic
// redemption. gross = synthetic / price rounds down; fee rounds up.
func redeemAmounts(syntheticAmount, price *uint256.Int, feeBps uint64) (gross, fee, net *uint256.Int, err error) {
	gross, err = fixedpoint.Div18(syntheticAmount, price, fixedpoint.RoundDown)
	if err != nil {
		return nil, nil, nil, err
	}
	fee, err = fixedpoint.ApplyBps(gross, feeBps, fixedpoint.RoundUp)
	if err != nil {
		return nil, nil, nil, err
	}
	net = new(uint256.Int).Sub(gross, fee)
	return gross, fee, net, nil
}

// reversed flips every journal in a batch, restoring the pre-batch state
// when applied. Used only on compensation paths.
func reversed(b *Batch) *Batch {
	batchID := uuid.New()
	out := &Batch{
		BatchID:   batchID,
		EventRef:  b.EventRef + ":reversal",
		Timestamp: b.Timestamp,
		Journals:  make([]Journal, 0, len(b.Journals)),
	}
	for _, j := range b.Journals {
		out.Journals = append(out.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      out.EventRef,
			DebitAccount:  j.CreditAccount,
			CreditAccount: j.DebitAccount,
			Asset:         j.Asset,
			Amount:        new(big.Int).Set(j.Amount),
			JournalType:   j.JournalType,
			Timestamp:     j.Timestamp,
		})
	}
	return out
}
