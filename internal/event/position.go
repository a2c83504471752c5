package event

import (
	"fmt"

	"github.com/google/uuid"
)

// Side represents position direction
type Side int32

const (
	SideUnknown Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "unknown"
	}
}

// ParseSide accepts "long"/"short" (also "buy"/"sell").
func ParseSide(s string) (Side, error) {
	switch s {
	case "long", "buy", "LONG", "Long":
		return SideLong, nil
	case "short", "sell", "SHORT", "Short":
		return SideShort, nil
	default:
		return SideUnknown, fmt.Errorf("invalid side: %q", s)
	}
}

// OpenPosition locks margin into a new leveraged position
type OpenPosition struct {
	Header
	TraderID     uuid.UUID
	AssetPair    string
	Side         Side
	EntryPrice   int64 // Fixed-point: price scale
	Leverage     int64
	MarginAmount int64 // Fixed-point: quote scale
}

func (o *OpenPosition) EventType() EventType {
	return EventTypeOpenPosition
}

// ClosePosition returns a position's locked margin to the trader
type ClosePosition struct {
	Header
	TraderID   uuid.UUID
	PositionID uint64
}

func (c *ClosePosition) EventType() EventType {
	return EventTypeClosePosition
}

// LiquidatePosition forfeits a position's margin to the insurance fund
type LiquidatePosition struct {
	Header
	OperatorID uuid.UUID
	TraderID   uuid.UUID
	PositionID uint64
}

func (l *LiquidatePosition) EventType() EventType {
	return EventTypeLiquidatePosition
}
