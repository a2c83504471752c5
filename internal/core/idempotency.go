package core

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DedupTier names which tier answered an idempotency lookup.
type DedupTier uint8

const (
	TierMiss DedupTier = iota
	TierLRU
	TierPostgres
	// TierError means the Postgres tier failed and the operation was treated as new.
	TierError
)

func (t DedupTier) String() string {
	switch t {
	case TierLRU:
		return "lru"
	case TierPostgres:
		return "postgres"
	case TierError:
		return "error"
	default:
		return "miss"
	}
}

// DBIdempotencyChecker is the Postgres-backed second tier.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker deduplicates operations by (type, key): a bounded LRU
// of recent keys in front of the event log.
type IdempotencyChecker struct {
	recent    *lru.Cache[string, struct{}]
	dbChecker DBIdempotencyChecker
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	if capacity <= 0 {
		capacity = 1
	}
	cache, err := lru.New[string, struct{}](capacity)
	if err != nil {
		panic(fmt.Sprintf("FATAL: idempotency lru: %v", err))
	}
	return &IdempotencyChecker{recent: cache, dbChecker: dbChecker}
}

// CompositeKey is the LRU key for an operation type and idempotency key.
func CompositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// Lookup reports whether the operation was already committed and which tier
// said so. A Postgres hit is promoted into the LRU.
func (ic *IdempotencyChecker) Lookup(eventType, idempotencyKey string) (bool, DedupTier) {
	key := CompositeKey(eventType, idempotencyKey)
	if ic.recent.Contains(key) {
		return true, TierLRU
	}
	if ic.dbChecker == nil {
		return false, TierMiss
	}

	dup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
	if err != nil {
		// a failing DB must not stall the core
		return false, TierError
	}
	if dup {
		ic.recent.Add(key, struct{}{})
		return true, TierPostgres
	}
	return false, TierMiss
}

func (ic *IdempotencyChecker) MarkProcessed(eventType, idempotencyKey string) {
	ic.recent.Add(CompositeKey(eventType, idempotencyKey), struct{}{})
}

// WarmFromKeys loads composite keys, oldest first.
func (ic *IdempotencyChecker) WarmFromKeys(keys []string) {
	for _, key := range keys {
		ic.recent.Add(key, struct{}{})
	}
}

// Keys returns composite keys from oldest to newest.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.recent.Keys()
}

func (ic *IdempotencyChecker) Size() int {
	return ic.recent.Len()
}
