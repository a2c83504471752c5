package state

import (
	"MarginLedger/internal/event"

	"github.com/google/uuid"
)

// PositionStatus tracks a position's lifecycle
type PositionStatus int32

const (
	PositionStatusOpen PositionStatus = iota
	PositionStatusClosed
	PositionStatusLiquidated
)

func (ps PositionStatus) String() string {
	switch ps {
	case PositionStatusOpen:
		return "Open"
	case PositionStatusClosed:
		return "Closed"
	case PositionStatusLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions. Closed and Liquidated are terminal.
func (ps PositionStatus) CanTransitionTo(next PositionStatus) bool {
	validTransitions := map[PositionStatus][]PositionStatus{
		PositionStatusOpen: {
			PositionStatusClosed,
			PositionStatusLiquidated,
		},
	}

	allowed, ok := validTransitions[ps]
	if !ok {
		return false
	}

	for _, allowedState := range allowed {
		if next == allowedState {
			return true
		}
	}

	return false
}

// Position is a leveraged position. Only Status and ClosedAt change after
// creation.
type Position struct {
	Owner            uuid.UUID
	PositionID       uint64
	AssetPair        string
	Side             event.Side
	EntryPrice       int64 // Fixed-point: price scale
	Leverage         int64
	MarginUsed       int64 // Fixed-point: quote scale
	LiquidationPrice int64 // Fixed-point: price scale
	OpenedAt         int64 // height
	ClosedAt         int64 // height, 0 while open
	Status           PositionStatus
}

func (p *Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

func (p *Position) IsLong() bool {
	return p.Side == event.SideLong
}

// Key returns the store key for this position
func (p *Position) Key() PositionKey {
	return PositionKey{Owner: p.Owner, PositionID: p.PositionID}
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	// owner (16 bytes UUID binary)
	buf = append(buf, p.Owner[:]...)

	buf = appendInt64LE(buf, int64(p.PositionID))

	// asset_pair (length-prefixed)
	buf = append(buf, byte(len(p.AssetPair)))
	buf = append(buf, []byte(p.AssetPair)...)

	buf = append(buf, byte(p.Side))
	buf = appendInt64LE(buf, p.EntryPrice)
	buf = appendInt64LE(buf, p.Leverage)
	buf = appendInt64LE(buf, p.MarginUsed)
	buf = appendInt64LE(buf, p.LiquidationPrice)
	buf = appendInt64LE(buf, p.OpenedAt)
	buf = appendInt64LE(buf, p.ClosedAt)
	buf = append(buf, byte(p.Status))

	return buf
}
