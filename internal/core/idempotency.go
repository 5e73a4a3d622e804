package core

import (
	"container/list"
)

// IdempotencyChecker implements two-tier operation deduplication: an
// in-memory LRU on the hot path backed by a Postgres lookup on the cold
// path. Not thread-safe beyond the single-threaded engine loop.
type IdempotencyChecker struct {
	lru       *idempotencyLRU
	dbChecker DBIdempotencyChecker

	duplicatesLRU int64
	duplicatesDB  int64
	tier2Errors   int64
}

// DBIdempotencyChecker is the interface for the Postgres dedup lookup.
type DBIdempotencyChecker interface {
	IsDuplicate(opKind string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       newIdempotencyLRU(capacity),
		dbChecker: dbChecker,
	}
}

// IsDuplicate checks whether the operation has already been processed and
// reports which tier detected it ("lru" or "db", empty when new).
// Operation IDs are globally unique, so the key stands alone; opKind is
// forwarded for the DB tier's benefit only.
func (ic *IdempotencyChecker) IsDuplicate(opKind, idempotencyKey string) (bool, string) {
	if ic.lru.Contains(idempotencyKey) {
		ic.duplicatesLRU++
		return true, "lru"
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(opKind, idempotencyKey)
		if err != nil {
			// A DB issue must not block operation processing; assume new.
			ic.tier2Errors++
			return false, ""
		}
		if isDup {
			ic.duplicatesDB++
			ic.lru.Add(idempotencyKey)
			return true, "db"
		}
	}
	return false, ""
}

// MarkProcessed adds the key to the LRU after successful processing.
func (ic *IdempotencyChecker) MarkProcessed(idempotencyKey string) {
	ic.lru.Add(idempotencyKey)
}

// Warm preloads keys, typically from a snapshot or the event log.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, key := range keys {
		ic.lru.Add(key)
	}
}

// Keys returns all cached keys, newest first.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.Keys()
}

// Duplicates returns (lru, db) hit counts.
func (ic *IdempotencyChecker) Duplicates() (int64, int64) {
	return ic.duplicatesLRU, ic.duplicatesDB
}

// --- LRU Implementation ---

type idempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
}

type lruEntry struct {
	key string
}

func newIdempotencyLRU(capacity int) *idempotencyLRU {
	return &idempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *idempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *idempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		oldest := lru.lruList.Back()
		if oldest != nil {
			lru.lruList.Remove(oldest)
			delete(lru.cache, oldest.Value.(*lruEntry).key)
		}
	}
}

// Keys returns all keys, most recently used first.
func (lru *idempotencyLRU) Keys() []string {
	keys := make([]string, 0, lru.lruList.Len())
	for elem := lru.lruList.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*lruEntry).key)
	}
	return keys
}
