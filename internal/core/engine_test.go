package core_test

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"qeuro/internal/core"
	"qeuro/internal/event"
	"qeuro/internal/fixedpoint"
	"qeuro/internal/oracle"
	"qeuro/internal/protocol"
	"qeuro/internal/roles"
	"qeuro/internal/token"
	"qeuro/internal/vault"
)

var (
	admin      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	user       = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	stranger   = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	treasury   = common.HexToAddress("0x00000000000000000000000000000000000000d4")
	vaultAddr  = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	oracleAddr = common.HexToAddress("0x00000000000000000000000000000000000000f6")
	feedAddr   = common.HexToAddress("0x0000000000000000000000000000000000000077")
	qeuroAddr  = common.HexToAddress("0x0000000000000000000000000000000000000011")
	usdcAddr   = common.HexToAddress("0x0000000000000000000000000000000000000022")
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubFeeds struct {
	obs map[string]oracle.PriceObservation
}

func (s *stubFeeds) Read(feedID string) (oracle.PriceObservation, error) {
	obs, ok := s.obs[feedID]
	if !ok {
		return oracle.PriceObservation{}, errors.New("unknown feed")
	}
	return obs, nil
}

type fixture struct {
	engine *core.Engine
	vault  *vault.Vault
	oracle *oracle.Oracle
	roles  *roles.Registry
	qeuro  *token.Token
	usdc   *token.Token
	cancel context.CancelFunc
}

func mustAmt(t *testing.T, s string) *uint256.Int {
	t.Helper()
	v, err := fixedpoint.FromDecimalString(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg, err := roles.NewRegistry(admin)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	native := token.NewNativeLedger()
	qeuro := token.New(qeuroAddr, "QEURO", 18)
	usdc := token.New(usdcAddr, "USDC", 18)

	feeds := &stubFeeds{obs: map[string]oracle.PriceObservation{
		"eurusd":  {Value: mustAmt(t, "1.10"), Timestamp: testNow, SourceID: "test"},
		"usdcusd": {Value: mustAmt(t, "1"), Timestamp: testNow, SourceID: "test"},
	}}

	o := oracle.New(zerolog.Nop(), reg, feeds, native, oracleAddr)
	o.SetClock(func() time.Time { return testNow })
	if err := o.Initialize(feedAddr, "eurusd", "usdcusd", treasury); err != nil {
		t.Fatalf("oracle Initialize: %v", err)
	}

	v := vault.New(zerolog.Nop(), reg, native, vaultAddr, treasury)
	v.SetClock(func() time.Time { return testNow })
	if err := v.Initialize(qeuro, usdc, oracleAddr, o); err != nil {
		t.Fatalf("vault Initialize: %v", err)
	}
	if err := usdc.Mint(user, mustAmt(t, "1000000")); err != nil {
		t.Fatalf("fund user: %v", err)
	}

	eng := core.NewEngine(zerolog.Nop(), core.Config{
		Vault:       v,
		Oracle:      o,
		Roles:       reg,
		Idempotency: core.NewIdempotencyChecker(128, nil),
	})
	eng.SetClock(func() time.Time { return testNow })

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = eng.Run(ctx) }()
	t.Cleanup(cancel)

	return &fixture{engine: eng, vault: v, oracle: o, roles: reg, qeuro: qeuro, usdc: usdc, cancel: cancel}
}

func (f *fixture) submit(t *testing.T, op core.Operation) core.Result {
	t.Helper()
	res, err := f.engine.Submit(context.Background(), op)
	if err != nil {
		t.Fatalf("Submit %s: %v", op.Kind(), err)
	}
	return res
}

// ============================================================
// Commit path
// ============================================================

func TestMintCommitsAndEmitsEnvelope(t *testing.T) {
	f := newFixture(t)

	op := core.MintOp{OperationID: uuid.New(), Caller: user, ReserveAmount: mustAmt(t, "1000")}
	res := f.submit(t, op)
	if res.Err != nil {
		t.Fatalf("mint rejected: %v", res.Err)
	}
	if res.Sequence != 1 {
		t.Fatalf("sequence = %d, want 1", res.Sequence)
	}

	mr, ok := res.Value.(*vault.MintResult)
	if !ok {
		t.Fatalf("result value is %T, want *vault.MintResult", res.Value)
	}
	if mr.NetOut.Cmp(mustAmt(t, "1098.9")) != 0 {
		t.Fatalf("net out = %s, want 1098.9", fixedpoint.Format(mr.NetOut))
	}

	out := <-f.engine.PersistOutput()
	env := out.Envelope
	if env.Sequence != 1 {
		t.Fatalf("envelope sequence = %d, want 1", env.Sequence)
	}
	if env.EventType != event.EventTypeMintExecuted {
		t.Fatalf("event type = %s, want MintExecuted", env.EventType)
	}
	if len(out.Batches) != 1 || out.Batches[0].BatchID != mr.BatchID {
		t.Fatalf("output carries %d batches, want the mint batch", len(out.Batches))
	}
	genesis := sha256.Sum256([]byte(core.GenesisHashSeed))
	if env.PrevHash != genesis {
		t.Fatal("first envelope does not chain from genesis")
	}

	var payload event.MintExecuted
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.NetOut != "1098.9" || payload.Price != "1.1" {
		t.Fatalf("payload = %+v", payload)
	}
	if payload.OperationID != op.OperationID {
		t.Fatal("payload carries wrong operation id")
	}
}

func TestHashChainLinks(t *testing.T) {
	f := newFixture(t)

	f.submit(t, core.MintOp{OperationID: uuid.New(), Caller: user, ReserveAmount: mustAmt(t, "100")})
	f.submit(t, core.RedeemOp{OperationID: uuid.New(), Caller: user, SyntheticAmount: mustAmt(t, "50")})

	first := (<-f.engine.PersistOutput()).Envelope
	second := (<-f.engine.PersistOutput()).Envelope
	if second.PrevHash != first.StateHash {
		t.Fatal("second envelope does not chain from the first")
	}
	if second.Sequence != first.Sequence+1 {
		t.Fatalf("sequences %d, %d are not contiguous", first.Sequence, second.Sequence)
	}
}

func TestProjectionReceivesSameEnvelope(t *testing.T) {
	f := newFixture(t)

	f.submit(t, core.MintOp{OperationID: uuid.New(), Caller: user, ReserveAmount: mustAmt(t, "10")})

	persisted := (<-f.engine.PersistOutput()).Envelope
	projected := <-f.engine.ProjectionOutput()
	if persisted.Sequence != projected.Sequence || persisted.StateHash != projected.StateHash {
		t.Fatal("projection envelope differs from persisted envelope")
	}
}

// ============================================================
// Rejections and duplicates
// ============================================================

func TestRejectionAssignsNoSequence(t *testing.T) {
	f := newFixture(t)

	res := f.submit(t, core.MintOp{OperationID: uuid.New(), Caller: user, ReserveAmount: uint256.NewInt(0)})
	if !errors.Is(res.Err, protocol.ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount, got %v", res.Err)
	}
	if res.Sequence != 0 {
		t.Fatalf("rejection consumed sequence %d", res.Sequence)
	}

	select {
	case out := <-f.engine.PersistOutput():
		t.Fatalf("rejection emitted envelope %s", out.Envelope.EventType)
	default:
	}
}

func TestDuplicateOperationSkipped(t *testing.T) {
	f := newFixture(t)

	op := core.MintOp{OperationID: uuid.New(), Caller: user, ReserveAmount: mustAmt(t, "1000")}
	first := f.submit(t, op)
	if first.Err != nil {
		t.Fatalf("first mint rejected: %v", first.Err)
	}
	heldAfterFirst := f.vault.Ledger().TotalReserveHeld()

	second := f.submit(t, op)
	if !second.Duplicate {
		t.Fatal("resubmission was not flagged duplicate")
	}
	if second.Err != nil || second.Sequence != 0 {
		t.Fatalf("duplicate result = %+v", second)
	}
	if f.vault.Ledger().TotalReserveHeld().Cmp(heldAfterFirst) != 0 {
		t.Fatal("duplicate mutated vault state")
	}
}

// ============================================================
// Governance and emergency operations
// ============================================================

func TestUpdateParametersRequiresGovernance(t *testing.T) {
	f := newFixture(t)

	res := f.submit(t, core.UpdateParametersOp{OperationID: uuid.New(), Caller: stranger, MintFeeBps: 50, RedemptionFeeBps: 50})
	if !errors.Is(res.Err, protocol.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", res.Err)
	}

	res = f.submit(t, core.UpdateParametersOp{OperationID: uuid.New(), Caller: admin, MintFeeBps: 50, RedemptionFeeBps: 50})
	if res.Err != nil {
		t.Fatalf("governance update rejected: %v", res.Err)
	}
	if m := f.vault.Metrics(); m.MintFeeBps != 50 || m.RedemptionFeeBps != 50 {
		t.Fatalf("fees = %d/%d, want 50/50", m.MintFeeBps, m.RedemptionFeeBps)
	}
}

func TestPauseVaultBlocksMint(t *testing.T) {
	f := newFixture(t)

	if res := f.submit(t, core.PauseVaultOp{OperationID: uuid.New(), Caller: admin}); res.Err != nil {
		t.Fatalf("pause rejected: %v", res.Err)
	}

	res := f.submit(t, core.MintOp{OperationID: uuid.New(), Caller: user, ReserveAmount: mustAmt(t, "10")})
	if !errors.Is(res.Err, protocol.ErrVaultPaused) {
		t.Fatalf("expected ErrVaultPaused, got %v", res.Err)
	}

	if res := f.submit(t, core.UnpauseVaultOp{OperationID: uuid.New(), Caller: admin}); res.Err != nil {
		t.Fatalf("unpause rejected: %v", res.Err)
	}
	if res := f.submit(t, core.MintOp{OperationID: uuid.New(), Caller: user, ReserveAmount: mustAmt(t, "10")}); res.Err != nil {
		t.Fatalf("mint after unpause rejected: %v", res.Err)
	}
}

func TestGrantRoleThroughEngine(t *testing.T) {
	f := newFixture(t)

	res := f.submit(t, core.GrantRoleOp{OperationID: uuid.New(), Caller: admin, Role: roles.OracleManager, Grantee: user})
	if res.Err != nil {
		t.Fatalf("grant rejected: %v", res.Err)
	}
	if !f.roles.Has(user, roles.OracleManager) {
		t.Fatal("grant did not take effect")
	}

	res = f.submit(t, core.TriggerCircuitBreakerOp{OperationID: uuid.New(), Caller: user})
	if res.Err != nil {
		t.Fatalf("breaker trigger by new manager rejected: %v", res.Err)
	}
}

// ============================================================
// Price refresh
// ============================================================

func TestRefreshPriceEmitsSample(t *testing.T) {
	f := newFixture(t)

	res := f.submit(t, core.RefreshPriceOp{OperationID: uuid.New()})
	if res.Err != nil {
		t.Fatalf("refresh rejected: %v", res.Err)
	}
	sample := res.Value.(*oracle.Sample)
	if sample.Fallback {
		t.Fatal("live sample flagged as fallback")
	}
	if sample.Price.Cmp(mustAmt(t, "1.1")) != 0 {
		t.Fatalf("price = %s, want 1.1", fixedpoint.Format(sample.Price))
	}

	env := (<-f.engine.PersistOutput()).Envelope
	var payload event.PriceUpdated
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Price != "1.1" || payload.EurUsd != "1.1" || payload.UsdcUsd != "1" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestRefreshPriceFallbackAfterTrip(t *testing.T) {
	f := newFixture(t)

	if res := f.submit(t, core.TriggerCircuitBreakerOp{OperationID: uuid.New(), Caller: admin}); res.Err != nil {
		t.Fatalf("trip rejected: %v", res.Err)
	}

	res := f.submit(t, core.RefreshPriceOp{OperationID: uuid.New()})
	if res.Err != nil {
		t.Fatalf("refresh rejected: %v", res.Err)
	}
	sample := res.Value.(*oracle.Sample)
	if !sample.Fallback {
		t.Fatal("sample after trip not flagged as fallback")
	}
}

// ============================================================
// Snapshot and restore
// ============================================================

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	f := newFixture(t)

	mintID := uuid.New()
	f.submit(t, core.MintOp{OperationID: mintID, Caller: user, ReserveAmount: mustAmt(t, "1000")})
	lastEnv := (<-f.engine.PersistOutput()).Envelope

	// Stop the loop before touching engine state directly.
	f.cancel()
	<-f.engine.Done()
	if _, err := f.engine.Submit(context.Background(), core.RefreshPriceOp{OperationID: uuid.New()}); !errors.Is(err, core.ErrEngineStopped) {
		t.Fatalf("expected ErrEngineStopped, got %v", err)
	}

	snap := f.engine.CreateSnapshotState()
	if snap.Sequence != 1 {
		t.Fatalf("snapshot sequence = %d, want 1", snap.Sequence)
	}
	if snap.StateHash != lastEnv.StateHash {
		t.Fatal("snapshot hash does not match last envelope")
	}

	// Rebuild a fresh stack and rewind it to the snapshot.
	g := newFixture(t)
	if err := g.engine.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("RestoreFromSnapshot: %v", err)
	}
	if g.vault.Ledger().TotalReserveHeld().Cmp(f.vault.Ledger().TotalReserveHeld()) != 0 {
		t.Fatal("restored reserve differs from source")
	}

	dup := g.submit(t, core.MintOp{OperationID: mintID, Caller: user, ReserveAmount: mustAmt(t, "1000")})
	if !dup.Duplicate {
		t.Fatal("operation from before the snapshot was not deduplicated")
	}

	res := g.submit(t, core.RefreshPriceOp{OperationID: uuid.New()})
	if res.Err != nil {
		t.Fatalf("refresh after restore rejected: %v", res.Err)
	}
	if res.Sequence != snap.Sequence+1 {
		t.Fatalf("sequence after restore = %d, want %d", res.Sequence, snap.Sequence+1)
	}
	env := (<-g.engine.PersistOutput()).Envelope
	if env.PrevHash != snap.StateHash {
		t.Fatal("restored chain does not continue from snapshot hash")
	}
}
