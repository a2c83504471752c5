package event

import (
	"fmt"

	"github.com/google/uuid"
)

// EventType discriminator for operation payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeRegisterUser
	EventTypeVerifyUser
	EventTypeSetUserActive
	EventTypeDepositMargin
	EventTypeWithdrawMargin
	EventTypeOpenPosition
	EventTypeClosePosition
	EventTypeLiquidatePosition
	EventTypeEvaluateMarginCall
	EventTypeMarkPriceUpdate
	EventTypeSetAdmin
	EventTypeUpdateLiquidationRules
)

var eventTypeNames = map[EventType]string{
	EventTypeRegisterUser:           "RegisterUser",
	EventTypeVerifyUser:             "VerifyUser",
	EventTypeSetUserActive:          "SetUserActive",
	EventTypeDepositMargin:          "DepositMargin",
	EventTypeWithdrawMargin:         "WithdrawMargin",
	EventTypeOpenPosition:           "OpenPosition",
	EventTypeClosePosition:          "ClosePosition",
	EventTypeLiquidatePosition:      "LiquidatePosition",
	EventTypeEvaluateMarginCall:     "EvaluateMarginCall",
	EventTypeMarkPriceUpdate:        "MarkPriceUpdate",
	EventTypeSetAdmin:               "SetAdmin",
	EventTypeUpdateLiquidationRules: "UpdateLiquidationRules",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(name string) (EventType, error) {
	for et, n := range eventTypeNames {
		if n == name {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", name)
}

// AllEventTypes lists every known operation type in enum order.
func AllEventTypes() []EventType {
	types := make([]EventType, 0, len(eventTypeNames))
	for et := EventTypeRegisterUser; et <= EventTypeUpdateLiquidationRules; et++ {
		types = append(types, et)
	}
	return types
}

// EventEnvelope wraps every committed operation in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core. Doubles as the ledger height.
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	// Ordering partition the source sequence belongs to
	Partition string

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded operation, filled in by the shell before persisting
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all operation payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Partition returns the ordering partition for SourceSequence
	Partition() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

// Stampable events accept a source sequence from the sequencer when the
// submitter did not supply one.
type Stampable interface {
	Event
	NeedsStamp() bool
	StampSequence(seq int64)
}

// Origins of operations. Each origin is its own ordering partition.
const (
	OriginAPI  = "api"
	OriginNATS = "nats"
)

// Header carries the fields every ordered operation shares.
type Header struct {
	OpID     uuid.UUID // Idempotency key
	Origin   string
	Sequence int64
	Stamped  bool
}

func (h *Header) IdempotencyKey() string {
	return h.OpID.String()
}

func (h *Header) Partition() string {
	origin := h.Origin
	if origin == "" {
		origin = OriginAPI
	}
	return "origin:" + origin
}

func (h *Header) SourceSequence() int64 {
	return h.Sequence
}

// NeedsStamp reports whether the dispatcher must assign the sequence.
func (h *Header) NeedsStamp() bool {
	return !h.Stamped && (h.Origin == "" || h.Origin == OriginAPI)
}

func (h *Header) StampSequence(seq int64) {
	h.Sequence = seq
	h.Stamped = true
}

// NewHeader builds an API-origin header with a fresh op id.
func NewHeader() Header {
	return Header{OpID: uuid.New(), Origin: OriginAPI}
}
