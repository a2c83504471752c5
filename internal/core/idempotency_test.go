package core

import (
	"errors"
	"testing"
)

type stubDB struct {
	known map[string]bool
	err   error
	calls int
}

func (s *stubDB) IsDuplicate(eventType, key string) (bool, error) {
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	return s.known[CompositeKey(eventType, key)], nil
}

func TestIdempotencyChecker_Tiers(t *testing.T) {
	db := &stubDB{known: map[string]bool{"DepositMargin:old": true}}
	ic := NewIdempotencyChecker(2, db)

	if dup, tier := ic.Lookup("DepositMargin", "new"); dup || tier != TierMiss {
		t.Fatalf("fresh key: dup=%v tier=%v", dup, tier)
	}

	if dup, tier := ic.Lookup("DepositMargin", "old"); !dup || tier != TierPostgres {
		t.Fatalf("logged key: dup=%v tier=%v", dup, tier)
	}
	calls := db.calls
	if dup, tier := ic.Lookup("DepositMargin", "old"); !dup || tier != TierLRU {
		t.Fatalf("promoted key: dup=%v tier=%v", dup, tier)
	}
	if db.calls != calls {
		t.Fatal("LRU hit must not reach Postgres")
	}

	ic.MarkProcessed("OpenPosition", "k1")
	if dup, tier := ic.Lookup("OpenPosition", "k1"); !dup || tier != TierLRU {
		t.Fatalf("marked key: dup=%v tier=%v", dup, tier)
	}
}

func TestIdempotencyChecker_DBErrorTreatedAsNew(t *testing.T) {
	ic := NewIdempotencyChecker(4, &stubDB{err: errors.New("connection refused")})
	if dup, tier := ic.Lookup("DepositMargin", "x"); dup || tier != TierError {
		t.Fatalf("dup=%v tier=%v", dup, tier)
	}
}

func TestIdempotencyChecker_WarmKeepsOrder(t *testing.T) {
	ic := NewIdempotencyChecker(2, nil)
	ic.WarmFromKeys([]string{"a:1", "a:2", "a:3"})

	keys := ic.Keys()
	if len(keys) != 2 || keys[0] != "a:2" || keys[1] != "a:3" {
		t.Fatalf("expected newest two keys oldest first, got %v", keys)
	}
}
