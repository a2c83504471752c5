package core

import (
	"errors"
	"fmt"
)

var (
	ErrSequenceGap      = errors.New("sequence gap")
	ErrOutOfOrder       = errors.New("out-of-order operation")
	ErrUnknownOperation = errors.New("unknown operation")
)

// SequenceError reports where a partition's source sequence broke.
type SequenceError struct {
	Kind      error
	Partition string
	Expected  int64
	Got       int64
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("%v: partition=%s, expected=%d, got=%d", e.Kind, e.Partition, e.Expected, e.Got)
}

func (e *SequenceError) Unwrap() error { return e.Kind }

// PartitionCursors tracks the next expected source sequence of every
// ingestion partition. Only the core goroutine touches it.
type PartitionCursors struct {
	next map[string]int64
}

func NewPartitionCursors() *PartitionCursors {
	return &PartitionCursors{next: make(map[string]int64)}
}

// Check enforces gap-free, in-order delivery for a command partition.
// A redelivered duplicate behind the cursor passes so it can be answered
// with its original receipt.
func (pc *PartitionCursors) Check(partition string, sourceSequence int64, isDuplicate bool) error {
	expected := pc.next[partition]
	switch {
	case sourceSequence == expected:
		pc.next[partition] = expected + 1
		return nil
	case sourceSequence < expected && isDuplicate:
		return nil
	case sourceSequence < expected:
		return &SequenceError{Kind: ErrOutOfOrder, Partition: partition, Expected: expected, Got: sourceSequence}
	default:
		return &SequenceError{Kind: ErrSequenceGap, Partition: partition, Expected: expected, Got: sourceSequence}
	}
}

// CheckPrice advances a price feed partition. Price feeds may skip ahead;
// anything behind the cursor is stale and reports false.
func (pc *PartitionCursors) CheckPrice(partition string, sequence int64) bool {
	if sequence < pc.next[partition] {
		return false
	}
	pc.next[partition] = sequence + 1
	return true
}

// Seed positions a partition cursor, used by snapshot restore and replay.
func (pc *PartitionCursors) Seed(partition string, next int64) {
	pc.next[partition] = next
}

func (pc *PartitionCursors) Next(partition string) int64 {
	return pc.next[partition]
}

// All returns a copy of every cursor.
func (pc *PartitionCursors) All() map[string]int64 {
	out := make(map[string]int64, len(pc.next))
	for k, v := range pc.next {
		out[k] = v
	}
	return out
}
