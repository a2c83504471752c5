package core

import (
	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
)

// CoreOutput is emitted once per committed operation. A rejected operation
// from an upstream-sequenced partition emits only Cursor, on the persist
// channel, so the partition position survives a restart.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Op       event.Event
	Batch    *ledger.Batch
	Effects  *Effects
	Cursor   *CursorAdvance
}

// CursorAdvance records that a partition moved past a source sequence
// without committing anything.
type CursorAdvance struct {
	Partition string
	Next      int64
}

// Receipt is the synchronous result of ProcessEvent. Only the fields that
// apply to the operation type are set.
type Receipt struct {
	Sequence  int64 // height of the commit; -1 when nothing was committed
	EventType event.EventType
	StateHash [32]byte

	// Duplicate is set when the idempotency key was already processed.
	Duplicate bool
	// Stale is set for mark prices at or below the pair's latest sequence.
	Stale bool

	AvailableMargin  int64 // deposit, withdraw
	PositionID       uint64
	LiquidationPrice int64 // open
	MarginReleased   int64 // close
	MarginForfeited  int64 // liquidate
	MarginCall       *state.MarginCall
	Position         *state.Position
	User             *state.User
}

func noopReceipt(et event.EventType) *Receipt {
	return &Receipt{Sequence: -1, EventType: et}
}

// AccountView joins a trading account with its ledger balances
type AccountView struct {
	Owner              uuid.UUID
	TotalBalance       int64
	AvailableMargin    int64
	ReservedMargin     int64
	OpenPositionsCount int64
	LastActivity       int64
	NextPositionID     uint64
}

// CanonicalBytes returns deterministic serialization for hashing
func (a AccountView) CanonicalBytes() []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, a.Owner[:]...)
	buf = appendInt64LE(buf, a.TotalBalance)
	buf = appendInt64LE(buf, a.AvailableMargin)
	buf = appendInt64LE(buf, a.ReservedMargin)
	buf = appendInt64LE(buf, a.OpenPositionsCount)
	buf = appendInt64LE(buf, a.LastActivity)
	buf = appendInt64LE(buf, int64(a.NextPositionID))
	return buf
}

// MarkPriceView is the stored mark price for one asset pair
type MarkPriceView struct {
	AssetPair string
	state.MarkPriceState
}

// Effects are value copies of every entity an operation wrote. Projection
// and notification consumers read them off other goroutines.
type Effects struct {
	Users       []state.User
	Accounts    []AccountView
	Positions   []state.Position
	MarginCalls []state.MarginCall
	Aggregates  *state.GlobalAggregates
	Admin       *uuid.UUID
	Rules       *state.LiquidationRules
	MarkPrice   *MarkPriceView
	// InsuranceFund is the fund balance after a liquidation
	InsuranceFund *int64
}

// IsEmpty reports whether the operation touched no entity
func (e *Effects) IsEmpty() bool {
	return len(e.Users) == 0 && len(e.Accounts) == 0 && len(e.Positions) == 0 &&
		len(e.MarginCalls) == 0 && e.Aggregates == nil && e.Admin == nil &&
		e.Rules == nil && e.MarkPrice == nil && e.InsuranceFund == nil
}

// canonicalBytes serializes the effects in field order for the state digest
func (e *Effects) canonicalBytes() []byte {
	var buf []byte
	for i := range e.Users {
		buf = append(buf, 'U')
		buf = append(buf, e.Users[i].CanonicalBytes()...)
	}
	for _, a := range e.Accounts {
		buf = append(buf, 'A')
		buf = append(buf, a.CanonicalBytes()...)
	}
	for i := range e.Positions {
		buf = append(buf, 'P')
		buf = append(buf, e.Positions[i].CanonicalBytes()...)
	}
	for i := range e.MarginCalls {
		buf = append(buf, 'M')
		buf = append(buf, e.MarginCalls[i].CanonicalBytes()...)
	}
	if e.Aggregates != nil {
		buf = append(buf, 'G')
		buf = append(buf, e.Aggregates.CanonicalBytes()...)
	}
	if e.Admin != nil {
		buf = append(buf, 'D')
		buf = append(buf, e.Admin[:]...)
	}
	if e.Rules != nil {
		buf = append(buf, 'R')
		buf = append(buf, e.Rules.CanonicalBytes()...)
	}
	if e.MarkPrice != nil {
		buf = append(buf, 'K', byte(len(e.MarkPrice.AssetPair)))
		buf = append(buf, []byte(e.MarkPrice.AssetPair)...)
		buf = appendInt64LE(buf, e.MarkPrice.Price)
		buf = appendInt64LE(buf, e.MarkPrice.PriceSequence)
	}
	return buf
}
