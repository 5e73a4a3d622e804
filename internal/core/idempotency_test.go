package core_test

import (
	"errors"
	"testing"

	"qeuro/internal/core"
)

type stubDB struct {
	keys map[string]bool
	err  error
}

func (s *stubDB) IsDuplicate(_, key string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.keys[key], nil
}

func TestIdempotencyLRUHit(t *testing.T) {
	ic := core.NewIdempotencyChecker(4, nil)

	if dup, _ := ic.IsDuplicate("mint", "op-1"); dup {
		t.Fatal("fresh key reported duplicate")
	}
	ic.MarkProcessed("op-1")

	dup, tier := ic.IsDuplicate("mint", "op-1")
	if !dup || tier != "lru" {
		t.Fatalf("dup=%v tier=%q, want lru hit", dup, tier)
	}
	// Operation IDs are globally unique; a replay under any op kind is
	// still the same operation.
	if dup, _ := ic.IsDuplicate("redeem", "op-1"); !dup {
		t.Fatal("replayed key under another op kind not reported duplicate")
	}
}

func TestIdempotencyEviction(t *testing.T) {
	ic := core.NewIdempotencyChecker(2, nil)
	ic.MarkProcessed("a")
	ic.MarkProcessed("b")
	ic.MarkProcessed("c") // evicts a

	if dup, _ := ic.IsDuplicate("mint", "a"); dup {
		t.Fatal("evicted key still reported duplicate")
	}
	if dup, _ := ic.IsDuplicate("mint", "c"); !dup {
		t.Fatal("resident key not reported duplicate")
	}
}

func TestIdempotencyDBTier(t *testing.T) {
	db := &stubDB{keys: map[string]bool{"old": true}}
	ic := core.NewIdempotencyChecker(4, db)

	dup, tier := ic.IsDuplicate("mint", "old")
	if !dup || tier != "db" {
		t.Fatalf("dup=%v tier=%q, want db hit", dup, tier)
	}

	// The hit is promoted into the LRU.
	dup, tier = ic.IsDuplicate("mint", "old")
	if !dup || tier != "lru" {
		t.Fatalf("dup=%v tier=%q, want promoted lru hit", dup, tier)
	}
}

func TestIdempotencyDBErrorAssumesNew(t *testing.T) {
	ic := core.NewIdempotencyChecker(4, &stubDB{err: errors.New("connection refused")})
	if dup, _ := ic.IsDuplicate("mint", "x"); dup {
		t.Fatal("db error must not block processing")
	}
}

func TestIdempotencyWarmRestoresKeys(t *testing.T) {
	ic := core.NewIdempotencyChecker(4, nil)
	ic.MarkProcessed("a")
	ic.MarkProcessed("b")

	restored := core.NewIdempotencyChecker(4, nil)
	restored.Warm(ic.Keys())

	if dup, _ := restored.IsDuplicate("mint", "a"); !dup {
		t.Fatal("warmed key not recognized")
	}
	if dup, _ := restored.IsDuplicate("redeem", "b"); !dup {
		t.Fatal("warmed key not recognized")
	}
}
