package event

import (
	"fmt"

	"github.com/google/uuid"
)

// EvaluateMarginCall re-evaluates one position against a supplied price
type EvaluateMarginCall struct {
	Header
	TraderID     uuid.UUID
	PositionID   uint64
	CurrentPrice int64 // Fixed-point: price scale
}

func (e *EvaluateMarginCall) EventType() EventType {
	return EventTypeEvaluateMarginCall
}

// MarkPriceUpdate represents a mark price update for an asset pair.
// Ordered per pair by PriceSequence; gaps are tolerated.
type MarkPriceUpdate struct {
	AssetPair     string
	MarkPrice     int64 // Fixed-point: price scale
	PriceSequence int64 // Monotonic per pair
}

func (m *MarkPriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", m.AssetPair, m.PriceSequence)
}

func (m *MarkPriceUpdate) EventType() EventType {
	return EventTypeMarkPriceUpdate
}

func (m *MarkPriceUpdate) Partition() string {
	return "price:" + m.AssetPair
}

func (m *MarkPriceUpdate) SourceSequence() int64 {
	return m.PriceSequence
}
