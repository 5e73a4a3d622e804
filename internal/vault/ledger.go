package vault

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Account namespaces. Reserve and synthetic value move only within their
// own namespace, so each batch balances to zero per asset.
type Asset string

const (
	AssetReserve   Asset = "reserve"
	AssetSynthetic Asset = "synthetic"
)

// AccountSubType names the purpose of a ledger account.
type AccountSubType uint8

const (
	// Reserve sub-types
	SubTypeHeld AccountSubType = iota
	SubTypeFees

	// Synthetic sub-types
	SubTypeIssued

	// Boundary account absorbing inflows/outflows in both namespaces
	SubTypeExternal
)

// AccountKey identifies one ledger account.
type AccountKey struct {
	Asset   Asset
	SubType AccountSubType
}

func (k AccountKey) AccountPath() string {
	return fmt.Sprintf("%s:%s", k.Asset, k.subTypeName())
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeHeld:
		return "held"
	case SubTypeFees:
		return "fees"
	case SubTypeIssued:
		return "issued"
	case SubTypeExternal:
		return "external"
	default:
		return "unknown"
	}
}

// JournalType represents the purpose of a journal entry.
type JournalType int32

const (
	JournalTypeReserveDeposit JournalType = iota
	JournalTypeMintFee
	JournalTypeSyntheticIssue
	JournalTypeSyntheticBurn
	JournalTypeRedemptionFee
	JournalTypeReservePayout
	JournalTypeFeeWithdrawal
)

// Journal is a single double-entry transfer. Amount is always positive; the
// debit account's balance increases and the credit account's decreases.
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string
	DebitAccount  AccountKey
	CreditAccount AccountKey
	Asset         Asset
	Amount        *big.Int
	JournalType   JournalType
	Timestamp     int64
}

// Batch groups the journal entries of one vault operation. Each entry is a
// balanced transfer by construction, so the batch is zero-sum per asset.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Timestamp int64
	Journals  []Journal
}

func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}
	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s crosses asset namespaces", j.JournalID)
		}
	}
	return nil
}

// CollateralLedger tracks aggregate reserve holdings, synthetic supply
// issued through the vault and accumulated protocol fees as a zero-sum
// double-entry ledger. The external boundary accounts absorb inflows and
// outflows and are the only accounts allowed to go negative.
type CollateralLedger struct {
	mu       sync.RWMutex
	balances map[AccountKey]*big.Int
	applied  int64
	pending  []*Batch
}

func NewCollateralLedger() *CollateralLedger {
	return &CollateralLedger{balances: make(map[AccountKey]*big.Int)}
}

// ApplyBatch validates and applies all journals atomically. Managed
// accounts (held, fees, issued) must stay non-negative; a violating batch
// is rejected with no partial effect.
func (l *CollateralLedger) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	staged := make(map[AccountKey]*big.Int, len(batch.Journals)*2)
	get := func(k AccountKey) *big.Int {
		if v, ok := staged[k]; ok {
			return v
		}
		v := new(big.Int)
		if cur, ok := l.balances[k]; ok {
			v.Set(cur)
		}
		staged[k] = v
		return v
	}

	for _, j := range batch.Journals {
		get(j.DebitAccount).Add(get(j.DebitAccount), j.Amount)
		get(j.CreditAccount).Sub(get(j.CreditAccount), j.Amount)
	}

	for key, bal := range staged {
		if key.SubType != SubTypeExternal && bal.Sign() < 0 {
			return fmt.Errorf("batch %s drives %s negative: %s", batch.BatchID, key.AccountPath(), bal)
		}
	}

	for key, bal := range staged {
		l.balances[key] = bal
	}
	l.applied++
	l.pending = append(l.pending, batch)
	return nil
}

// TakeApplied drains the batches applied since the last call. The engine
// collects them after each operation to hand journal rows to persistence.
func (l *CollateralLedger) TakeApplied() []*Batch {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.pending
	l.pending = nil
	return out
}

func (l *CollateralLedger) balance(key AccountKey) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if v, ok := l.balances[key]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// TotalReserveHeld is the reserve backing outstanding synthetic supply.
// Fee balances are excluded.
func (l *CollateralLedger) TotalReserveHeld() *uint256.Int {
	return toUint256(l.balance(AccountKey{AssetReserve, SubTypeHeld}))
}

// AccumulatedFees is the protocol fee balance, in reserve units.
func (l *CollateralLedger) AccumulatedFees() *uint256.Int {
	return toUint256(l.balance(AccountKey{AssetReserve, SubTypeFees}))
}

// TotalSyntheticMinted is the synthetic supply issued through the vault.
func (l *CollateralLedger) TotalSyntheticMinted() *uint256.Int {
	return toUint256(l.balance(AccountKey{AssetSynthetic, SubTypeIssued}))
}

// AppliedBatches is the count of committed batches.
func (l *CollateralLedger) AppliedBatches() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.applied
}

// ValidateZeroSum verifies each asset namespace sums to zero.
func (l *CollateralLedger) ValidateZeroSum() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	totals := make(map[Asset]*big.Int)
	for key, bal := range l.balances {
		if _, ok := totals[key.Asset]; !ok {
			totals[key.Asset] = new(big.Int)
		}
		totals[key.Asset].Add(totals[key.Asset], bal)
	}
	for asset, total := range totals {
		if total.Sign() != 0 {
			return fmt.Errorf("asset %s is non-zero-sum: %s", asset, total)
		}
	}
	return nil
}

// Snapshot returns all balances keyed by account path, sorted iteration
// order left to the caller. Used for state hashing and persistence.
func (l *CollateralLedger) Snapshot() map[string]*big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]*big.Int, len(l.balances))
	for key, bal := range l.balances {
		out[key.AccountPath()] = new(big.Int).Set(bal)
	}
	return out
}

// Restore replaces all balances from a snapshot keyed by account path.
func (l *CollateralLedger) Restore(snapshot map[string]*big.Int) error {
	byPath := make(map[string]AccountKey)
	for _, key := range []AccountKey{
		{AssetReserve, SubTypeHeld},
		{AssetReserve, SubTypeFees},
		{AssetReserve, SubTypeExternal},
		{AssetSynthetic, SubTypeIssued},
		{AssetSynthetic, SubTypeExternal},
	} {
		byPath[key.AccountPath()] = key
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	balances := make(map[AccountKey]*big.Int, len(snapshot))
	for path, bal := range snapshot {
		key, ok := byPath[path]
		if !ok {
			return fmt.Errorf("unknown account %q in snapshot", path)
		}
		balances[key] = new(big.Int).Set(bal)
	}
	l.balances = balances
	return nil
}

// SortedPaths returns the snapshot's account paths in deterministic order.
func SortedPaths(snapshot map[string]*big.Int) []string {
	paths := make([]string, 0, len(snapshot))
	for p := range snapshot {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func toUint256(v *big.Int) *uint256.Int {
	u, overflow := uint256.FromBig(v)
	if overflow || v.Sign() < 0 {
		// Managed accounts are kept non-negative by ApplyBatch.
		return uint256.NewInt(0)
	}
	return u
}

// ============================================================
// Batch generators
// ============================================================

// NewMintBatch records a mint: reserveIn enters held, feeReserve is carved
// out of held into fees, and netSynthetic is issued to the caller.
func NewMintBatch(eventRef string, reserveIn, feeReserve, netSynthetic *uint256.Int, at time.Time) *Batch {
	batchID := uuid.New()
	ts := at.UnixMicro()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Timestamp: ts,
		Journals:  make([]Journal, 0, 3),
	}

	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      eventRef,
		DebitAccount:  AccountKey{AssetReserve, SubTypeHeld},
		CreditAccount: AccountKey{AssetReserve, SubTypeExternal},
		Asset:         AssetReserve,
		Amount:        reserveIn.ToBig(),
		JournalType:   JournalTypeReserveDeposit,
		Timestamp:     ts,
	})

	if !feeReserve.IsZero() {
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      eventRef,
			DebitAccount:  AccountKey{AssetReserve, SubTypeFees},
			CreditAccount: AccountKey{AssetReserve, SubTypeHeld},
			Asset:         AssetReserve,
			Amount:        feeReserve.ToBig(),
			JournalType:   JournalTypeMintFee,
			Timestamp:     ts,
		})
	}

	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      eventRef,
		DebitAccount:  AccountKey{AssetSynthetic, SubTypeIssued},
		CreditAccount: AccountKey{AssetSynthetic, SubTypeExternal},
		Asset:         AssetSynthetic,
		Amount:        netSynthetic.ToBig(),
		JournalType:   JournalTypeSyntheticIssue,
		Timestamp:     ts,
	})

	return batch
}

// NewRedeemBatch records a redemption: syntheticIn is retired, feeReserve
// moves from held to fees and netReserve leaves held to the caller.
func NewRedeemBatch(eventRef string, syntheticIn, feeReserve, netReserve *uint256.Int, at time.Time) *Batch {
	batchID := uuid.New()
	ts := at.UnixMicro()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Timestamp: ts,
		Journals:  make([]Journal, 0, 3),
	}

	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		EventRef:      eventRef,
		DebitAccount:  AccountKey{AssetSynthetic, SubTypeExternal},
		CreditAccount: AccountKey{AssetSynthetic, SubTypeIssued},
		Asset:         AssetSynthetic,
		Amount:        syntheticIn.ToBig(),
		JournalType:   JournalTypeSyntheticBurn,
		Timestamp:     ts,
	})

	if !feeReserve.IsZero() {
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      eventRef,
			DebitAccount:  AccountKey{AssetReserve, SubTypeFees},
			CreditAccount: AccountKey{AssetReserve, SubTypeHeld},
			Asset:         AssetReserve,
			Amount:        feeReserve.ToBig(),
			JournalType:   JournalTypeRedemptionFee,
			Timestamp:     ts,
		})
	}

	if !netReserve.IsZero() {
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      eventRef,
			DebitAccount:  AccountKey{AssetReserve, SubTypeExternal},
			CreditAccount: AccountKey{AssetReserve, SubTypeHeld},
			Asset:         AssetReserve,
			Amount:        netReserve.ToBig(),
			JournalType:   JournalTypeReservePayout,
			Timestamp:     ts,
		})
	}

	return batch
}

// NewFeeWithdrawalBatch drains the fee account to the external boundary.
func NewFeeWithdrawalBatch(eventRef string, amount *uint256.Int, at time.Time) *Batch {
	batchID := uuid.New()
	ts := at.UnixMicro()

	return &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Timestamp: ts,
		Journals: []Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      eventRef,
			DebitAccount:  AccountKey{AssetReserve, SubTypeExternal},
			CreditAccount: AccountKey{AssetReserve, SubTypeFees},
			Asset:         AssetReserve,
			Amount:        amount.ToBig(),
			JournalType:   JournalTypeFeeWithdrawal,
			Timestamp:     ts,
		}},
	}
}
