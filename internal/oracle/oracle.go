package oracle

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"qeuro/internal/fixedpoint"
	"qeuro/internal/protocol"
	"qeuro/internal/roles"
	"qeuro/internal/token"
)

// MaxToleranceBps caps the configurable USDC depeg tolerance.
const MaxToleranceBps = 1000

// DefaultStaleness is the maximum acceptable observation age.
const DefaultStaleness = time.Hour

// Default EUR/USD sanity bounds, 18-decimal.
var (
	DefaultMinPrice = uint256.MustFromDecimal("500000000000000000")  // 0.50
	DefaultMaxPrice = uint256.MustFromDecimal("2000000000000000000") // 2.00
)

// DefaultToleranceBps is the default USDC depeg tolerance (2%).
const DefaultToleranceBps = 200

// Config is the manager-mutable oracle configuration.
type Config struct {
	MinPrice      *uint256.Int
	MaxPrice      *uint256.Int
	ToleranceBps  uint64
	StaleAfter    time.Duration
	FeedAddress   common.Address
	EurUsdFeedID  string
	UsdcUsdFeedID string
}

// Snapshot is the read-only view served to metrics consumers.
type Snapshot struct {
	Config                Config
	CircuitBreakerTripped bool
	Paused                bool
	LastGoodPrice         *uint256.Int
	LastGoodAt            time.Time
}

// Oracle composes the feed reader, validator and circuit breaker into one
// queryable price source. Configuration changes and breaker flips go
// through the engine loop; GetPrice takes the lock itself because a
// successful query advances lastGoodPrice.
type Oracle struct {
	log   zerolog.Logger
	roles *roles.Registry
	addr  common.Address
	clock func() time.Time

	feeds  FeedSource
	native *token.NativeLedger

	mu          sync.RWMutex
	initialized bool
	paused      bool
	breaker     circuitBreaker
	cfg         Config
	treasury    common.Address
	lastGood    *uint256.Int
	lastGoodAt  time.Time
}

func New(log zerolog.Logger, reg *roles.Registry, feeds FeedSource, native *token.NativeLedger, addr common.Address) *Oracle {
	return &Oracle{
		log:    log.With().Str("component", "oracle").Logger(),
		roles:  reg,
		addr:   addr,
		clock:  time.Now,
		feeds:  feeds,
		native: native,
	}
}

// SetClock overrides the time source. Test hook.
func (o *Oracle) SetClock(clock func() time.Time) { o.clock = clock }

func (o *Oracle) Address() common.Address { return o.addr }

// Initialize sets the default bounds, records the feed identities and seeds
// lastGoodPrice with one validated fetch. One-time; fails entirely (leaving
// the oracle uninitialized) if the seed fetch is rejected, so callers retry.
func (o *Oracle) Initialize(feedAddress common.Address, eurUsdFeedID, usdcUsdFeedID string, treasury common.Address) error {
	if feedAddress == (common.Address{}) || treasury == (common.Address{}) {
		return protocol.ErrZeroAddress
	}
	if eurUsdFeedID == "" || usdcUsdFeedID == "" {
		return fmt.Errorf("%w: empty feed id", protocol.ErrInvalidConfiguration)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.initialized {
		return protocol.ErrAlreadyInitialized
	}

	cfg := Config{
		MinPrice:      new(uint256.Int).Set(DefaultMinPrice),
		MaxPrice:      new(uint256.Int).Set(DefaultMaxPrice),
		ToleranceBps:  DefaultToleranceBps,
		StaleAfter:    DefaultStaleness,
		FeedAddress:   feedAddress,
		EurUsdFeedID:  eurUsdFeedID,
		UsdcUsdFeedID: usdcUsdFeedID,
	}

	price, _, _, at, err := o.fetchValidated(cfg)
	if err != nil {
		return fmt.Errorf("seed price fetch: %w", err)
	}

	o.cfg = cfg
	o.treasury = treasury
	o.lastGood = price
	o.lastGoodAt = at
	o.initialized = true

	o.log.Info().
		Str("eur_usd_feed", eurUsdFeedID).
		Str("usdc_usd_feed", usdcUsdFeedID).
		Str("seed_price", fixedpoint.Format(price)).
		Msg("oracle initialized")
	return nil
}

// GetPrice is the sole read path all consumers use. Paused means no price
// at all, including fallback. A tripped breaker serves lastGoodPrice
// without touching the feeds. Otherwise the raw pair is validated and, on
// success, becomes the new lastGoodPrice. Rejections fail the call; they
// never silently fall back.
func (o *Oracle) GetPrice() (*uint256.Int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.initialized {
		return nil, fmt.Errorf("%w: oracle not initialized", protocol.ErrInvalidConfiguration)
	}
	if o.paused {
		return nil, protocol.ErrOraclePaused
	}
	if o.breaker.Tripped() {
		return new(uint256.Int).Set(o.lastGood), nil
	}

	price, _, _, at, err := o.fetchValidated(o.cfg)
	if err != nil {
		return nil, err
	}

	o.lastGood = price
	o.lastGoodAt = at
	return new(uint256.Int).Set(price), nil
}

// Sample is GetPrice plus provenance: the raw feed legs when the price came
// from a live read, and the fallback flag when it came from the circuit
// breaker. The price history projection records samples.
type Sample struct {
	Price    *uint256.Int
	EurUsd   *uint256.Int
	UsdcUsd  *uint256.Int
	Fallback bool
	At       time.Time
}

// SamplePrice reads the price with the same semantics as GetPrice and
// returns the full sample.
func (o *Oracle) SamplePrice() (*Sample, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.initialized {
		return nil, fmt.Errorf("%w: oracle not initialized", protocol.ErrInvalidConfiguration)
	}
	if o.paused {
		return nil, protocol.ErrOraclePaused
	}
	if o.breaker.Tripped() {
		return &Sample{
			Price:    new(uint256.Int).Set(o.lastGood),
			Fallback: true,
			At:       o.lastGoodAt,
		}, nil
	}

	price, eurUsd, usdcUsd, at, err := o.fetchValidated(o.cfg)
	if err != nil {
		return nil, err
	}

	o.lastGood = price
	o.lastGoodAt = at
	return &Sample{
		Price:   new(uint256.Int).Set(price),
		EurUsd:  eurUsd,
		UsdcUsd: usdcUsd,
		At:      at,
	}, nil
}

func (o *Oracle) fetchValidated(cfg Config) (price, eurUsd, usdcUsd *uint256.Int, at time.Time, err error) {
	eurObs, err := o.feeds.Read(cfg.EurUsdFeedID)
	if err != nil {
		return nil, nil, nil, time.Time{}, fmt.Errorf("read %s: %w", cfg.EurUsdFeedID, err)
	}
	usdcObs, err := o.feeds.Read(cfg.UsdcUsdFeedID)
	if err != nil {
		return nil, nil, nil, time.Time{}, fmt.Errorf("read %s: %w", cfg.UsdcUsdFeedID, err)
	}

	now := o.clock()
	v := validator{
		minPrice:     cfg.MinPrice,
		maxPrice:     cfg.MaxPrice,
		toleranceBps: cfg.ToleranceBps,
		staleAfter:   cfg.StaleAfter,
	}
	price, err = v.Validate(eurObs, usdcObs, now)
	if err != nil {
		return nil, nil, nil, time.Time{}, err
	}
	return price, new(uint256.Int).Set(eurObs.Value), new(uint256.Int).Set(usdcObs.Value), now, nil
}

// UpdatePriceBounds replaces the EUR/USD sanity bounds. Manager-only.
func (o *Oracle) UpdatePriceBounds(caller common.Address, minPrice, maxPrice *uint256.Int) error {
	if err := o.roles.Require(caller, roles.OracleManager); err != nil {
		return err
	}
	if minPrice == nil || maxPrice == nil || minPrice.IsZero() || !minPrice.Lt(maxPrice) {
		return fmt.Errorf("%w: require 0 < minPrice < maxPrice", protocol.ErrInvalidConfiguration)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg.MinPrice = new(uint256.Int).Set(minPrice)
	o.cfg.MaxPrice = new(uint256.Int).Set(maxPrice)

	o.log.Info().
		Str("min_price", fixedpoint.Format(minPrice)).
		Str("max_price", fixedpoint.Format(maxPrice)).
		Msg("price bounds updated")
	return nil
}

// UpdateUsdcTolerance replaces the depeg tolerance. Manager-only.
func (o *Oracle) UpdateUsdcTolerance(caller common.Address, bps uint64) error {
	if err := o.roles.Require(caller, roles.OracleManager); err != nil {
		return err
	}
	if bps == 0 || bps > MaxToleranceBps {
		return fmt.Errorf("%w: tolerance %d bps outside (0, %d]", protocol.ErrInvalidConfiguration, bps, MaxToleranceBps)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg.ToleranceBps = bps

	o.log.Info().Uint64("tolerance_bps", bps).Msg("usdc tolerance updated")
	return nil
}

// UpdatePriceFeeds repoints the oracle at new feed identities. Manager-only.
func (o *Oracle) UpdatePriceFeeds(caller common.Address, feedAddress common.Address, eurUsdFeedID, usdcUsdFeedID string) error {
	if err := o.roles.Require(caller, roles.OracleManager); err != nil {
		return err
	}
	if feedAddress == (common.Address{}) {
		return protocol.ErrZeroAddress
	}
	if eurUsdFeedID == "" || usdcUsdFeedID == "" {
		return fmt.Errorf("%w: empty feed id", protocol.ErrInvalidConfiguration)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg.FeedAddress = feedAddress
	o.cfg.EurUsdFeedID = eurUsdFeedID
	o.cfg.UsdcUsdFeedID = usdcUsdFeedID

	o.log.Info().
		Str("eur_usd_feed", eurUsdFeedID).
		Str("usdc_usd_feed", usdcUsdFeedID).
		Msg("price feeds updated")
	return nil
}

// TriggerCircuitBreaker engages fallback mode. Manager-only, idempotent.
func (o *Oracle) TriggerCircuitBreaker(caller common.Address) error {
	if err := o.roles.Require(caller, roles.OracleManager); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.breaker.Trip() {
		o.log.Warn().Str("last_good_price", fixedpoint.Format(o.lastGood)).Msg("circuit breaker triggered")
	}
	return nil
}

// ResetCircuitBreaker returns to live validation. Manager-only, idempotent.
func (o *Oracle) ResetCircuitBreaker(caller common.Address) error {
	if err := o.roles.Require(caller, roles.OracleManager); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.breaker.Reset() {
		o.log.Info().Msg("circuit breaker reset")
	}
	return nil
}

// Pause stops all price serving, including fallback. Emergency-only.
func (o *Oracle) Pause(caller common.Address) error {
	if err := o.roles.Require(caller, roles.Emergency); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.paused {
		o.paused = true
		o.log.Warn().Msg("oracle paused")
	}
	return nil
}

// Unpause resumes price serving. Emergency-only.
func (o *Oracle) Unpause(caller common.Address) error {
	if err := o.roles.Require(caller, roles.Emergency); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.paused {
		o.paused = false
		o.log.Info().Msg("oracle unpaused")
	}
	return nil
}

// RecoverToken sweeps a stray token balance to the treasury. Admin-only.
// The oracle manages no token balances of its own, so any asset may be
// recovered.
func (o *Oracle) RecoverToken(caller common.Address, asset token.Asset, amount *uint256.Int) error {
	if err := o.roles.Require(caller, roles.DefaultAdmin); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return protocol.ErrZeroAmount
	}
	return asset.Transfer(o.addr, o.treasuryAddr(), amount)
}

// RecoverNative sweeps the oracle's native balance to the treasury.
// Admin-only.
func (o *Oracle) RecoverNative(caller common.Address) error {
	if err := o.roles.Require(caller, roles.DefaultAdmin); err != nil {
		return err
	}
	bal := o.native.BalanceOf(o.addr)
	if bal.IsZero() {
		return protocol.ErrZeroAmount
	}
	return o.native.Transfer(o.addr, o.treasuryAddr(), bal)
}

func (o *Oracle) treasuryAddr() common.Address {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.treasury
}

// Snapshot returns the current config and serving state.
func (o *Oracle) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	snap := Snapshot{
		Config:                o.cfg,
		CircuitBreakerTripped: o.breaker.Tripped(),
		Paused:                o.paused,
		LastGoodAt:            o.lastGoodAt,
	}
	if o.cfg.MinPrice != nil {
		snap.Config.MinPrice = new(uint256.Int).Set(o.cfg.MinPrice)
		snap.Config.MaxPrice = new(uint256.Int).Set(o.cfg.MaxPrice)
	}
	if o.lastGood != nil {
		snap.LastGoodPrice = new(uint256.Int).Set(o.lastGood)
	}
	return snap
}
