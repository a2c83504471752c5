package core

import (
	"errors"
	"testing"
)

func TestPartitionCursors_Check(t *testing.T) {
	pc := NewPartitionCursors()

	if err := pc.Check("api", 0, false); err != nil {
		t.Fatalf("first in order: %v", err)
	}
	err := pc.Check("api", 3, false)
	var seqErr *SequenceError
	if !errors.As(err, &seqErr) || !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("expected gap, got %v", err)
	}
	if seqErr.Expected != 1 || seqErr.Got != 3 || seqErr.Partition != "api" {
		t.Fatalf("unexpected error detail %+v", seqErr)
	}
	if err := pc.Check("api", 0, false); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected out-of-order, got %v", err)
	}
	if err := pc.Check("api", 0, true); err != nil {
		t.Fatalf("redelivered duplicate should pass: %v", err)
	}
	if got := pc.Next("api"); got != 1 {
		t.Fatalf("cursor moved on rejected input: %d", got)
	}
	if got := pc.Next("nats"); got != 0 {
		t.Fatalf("partitions must be independent, got %d", got)
	}
}

func TestPartitionCursors_CheckPrice(t *testing.T) {
	pc := NewPartitionCursors()

	if !pc.CheckPrice("price:BTC-USD", 5) {
		t.Fatal("skip-ahead price should be accepted")
	}
	if pc.CheckPrice("price:BTC-USD", 5) {
		t.Fatal("repeated price sequence should be stale")
	}
	if !pc.CheckPrice("price:BTC-USD", 6) {
		t.Fatal("next price sequence should be accepted")
	}

	all := pc.All()
	all["price:BTC-USD"] = 0
	if pc.Next("price:BTC-USD") != 7 {
		t.Fatal("All must return a copy")
	}
}
