package vault_test

import (
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"qeuro/internal/fixedpoint"
	"qeuro/internal/vault"
)

func mustAmt(s string) *uint256.Int {
	v, err := fixedpoint.FromDecimalString(s)
	if err != nil {
		panic(err)
	}
	return v
}

var batchAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// ============================================================
// Batch application
// ============================================================

func TestMintBatchAggregates(t *testing.T) {
	l := vault.NewCollateralLedger()

	batch := vault.NewMintBatch("op-1", mustAmt("1000"), mustAmt("1"), mustAmt("1098.9"), batchAt)
	if err := l.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	if got := l.TotalReserveHeld(); !got.Eq(mustAmt("999")) {
		t.Fatalf("held = %s, want 999", fixedpoint.Format(got))
	}
	if got := l.AccumulatedFees(); !got.Eq(mustAmt("1")) {
		t.Fatalf("fees = %s, want 1", fixedpoint.Format(got))
	}
	if got := l.TotalSyntheticMinted(); !got.Eq(mustAmt("1098.9")) {
		t.Fatalf("issued = %s, want 1098.9", fixedpoint.Format(got))
	}
	if err := l.ValidateZeroSum(); err != nil {
		t.Fatalf("ValidateZeroSum: %v", err)
	}
}

func TestRedeemBatchAggregates(t *testing.T) {
	l := vault.NewCollateralLedger()

	if err := l.ApplyBatch(vault.NewMintBatch("op-1", mustAmt("1000"), mustAmt("1"), mustAmt("1098.9"), batchAt)); err != nil {
		t.Fatalf("mint batch: %v", err)
	}
	if err := l.ApplyBatch(vault.NewRedeemBatch("op-2", mustAmt("550"), mustAmt("0.5"), mustAmt("499.5"), batchAt)); err != nil {
		t.Fatalf("redeem batch: %v", err)
	}

	if got := l.TotalReserveHeld(); !got.Eq(mustAmt("499")) {
		t.Fatalf("held = %s, want 499", fixedpoint.Format(got))
	}
	if got := l.AccumulatedFees(); !got.Eq(mustAmt("1.5")) {
		t.Fatalf("fees = %s, want 1.5", fixedpoint.Format(got))
	}
	if got := l.TotalSyntheticMinted(); !got.Eq(mustAmt("548.9")) {
		t.Fatalf("issued = %s, want 548.9", fixedpoint.Format(got))
	}
	if err := l.ValidateZeroSum(); err != nil {
		t.Fatalf("ValidateZeroSum: %v", err)
	}
}

func TestFeeWithdrawalBatch(t *testing.T) {
	l := vault.NewCollateralLedger()

	if err := l.ApplyBatch(vault.NewMintBatch("op-1", mustAmt("1000"), mustAmt("2"), mustAmt("1097"), batchAt)); err != nil {
		t.Fatalf("mint batch: %v", err)
	}
	if err := l.ApplyBatch(vault.NewFeeWithdrawalBatch("op-2", mustAmt("2"), batchAt)); err != nil {
		t.Fatalf("fee withdrawal batch: %v", err)
	}

	if got := l.AccumulatedFees(); !got.IsZero() {
		t.Fatalf("fees = %s, want 0", fixedpoint.Format(got))
	}
	if got := l.TotalReserveHeld(); !got.Eq(mustAmt("998")) {
		t.Fatalf("held = %s, want 998", fixedpoint.Format(got))
	}
}

// ============================================================
// Validation
// ============================================================

func TestBatchRejectedWhenManagedAccountGoesNegative(t *testing.T) {
	l := vault.NewCollateralLedger()

	// Redeeming against an empty ledger would drive held and issued negative.
	err := l.ApplyBatch(vault.NewRedeemBatch("op-1", mustAmt("10"), mustAmt("0.1"), mustAmt("9"), batchAt))
	if err == nil {
		t.Fatal("expected rejection")
	}

	// No partial effect.
	if got := l.TotalReserveHeld(); !got.IsZero() {
		t.Fatalf("held = %s after rejected batch, want 0", fixedpoint.Format(got))
	}
	if l.AppliedBatches() != 0 {
		t.Fatalf("applied = %d, want 0", l.AppliedBatches())
	}
}

func TestBatchValidation(t *testing.T) {
	l := vault.NewCollateralLedger()

	empty := &vault.Batch{BatchID: uuid.New(), EventRef: "op-1"}
	if err := l.ApplyBatch(empty); err == nil {
		t.Fatal("expected empty batch rejection")
	}

	batchID := uuid.New()
	selfTransfer := &vault.Batch{
		BatchID:  batchID,
		EventRef: "op-2",
		Journals: []vault.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      "op-2",
			DebitAccount:  vault.AccountKey{Asset: vault.AssetReserve, SubType: vault.SubTypeHeld},
			CreditAccount: vault.AccountKey{Asset: vault.AssetReserve, SubType: vault.SubTypeHeld},
			Asset:         vault.AssetReserve,
			Amount:        big.NewInt(1),
		}},
	}
	if err := l.ApplyBatch(selfTransfer); err == nil {
		t.Fatal("expected self-transfer rejection")
	}
}

// ============================================================
// Snapshot / restore
// ============================================================

func TestSnapshotRestore(t *testing.T) {
	l := vault.NewCollateralLedger()
	if err := l.ApplyBatch(vault.NewMintBatch("op-1", mustAmt("1000"), mustAmt("1"), mustAmt("1098.9"), batchAt)); err != nil {
		t.Fatalf("mint batch: %v", err)
	}

	snap := l.Snapshot()

	restored := vault.NewCollateralLedger()
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := restored.TotalReserveHeld(); !got.Eq(l.TotalReserveHeld()) {
		t.Fatalf("held after restore = %s", fixedpoint.Format(got))
	}
	if got := restored.TotalSyntheticMinted(); !got.Eq(l.TotalSyntheticMinted()) {
		t.Fatalf("issued after restore = %s", fixedpoint.Format(got))
	}
	if err := restored.ValidateZeroSum(); err != nil {
		t.Fatalf("ValidateZeroSum after restore: %v", err)
	}

	if err := restored.Restore(map[string]*big.Int{"reserve:bogus": big.NewInt(1)}); err == nil {
		t.Fatal("expected unknown account rejection")
	}
}
