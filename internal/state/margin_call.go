package state

import (
	"sort"

	"github.com/google/uuid"
)

// MarginCall is the single per-trader record, overwritten on every evaluation
type MarginCall struct {
	Owner                 uuid.UUID
	PositionID            uint64
	IsMarginCall          bool
	CallTime              int64 // height of the evaluation
	RequiredMarginDeposit int64 // Fixed-point: quote scale
}

// MarginCallMonitor tracks margin calls by trader
type MarginCallMonitor struct {
	calls map[uuid.UUID]*MarginCall
}

func NewMarginCallMonitor() *MarginCallMonitor {
	return &MarginCallMonitor{calls: make(map[uuid.UUID]*MarginCall)}
}

func (m *MarginCallMonitor) Get(owner uuid.UUID) (*MarginCall, bool) {
	mc, ok := m.calls[owner]
	return mc, ok
}

// Record overwrites the trader's record with an evaluation result
func (m *MarginCallMonitor) Record(owner uuid.UUID, positionID uint64, report HealthReport, height int64) *MarginCall {
	mc := &MarginCall{
		Owner:        owner,
		PositionID:   positionID,
		IsMarginCall: report.AtRisk,
		CallTime:     height,
	}
	if report.AtRisk {
		mc.RequiredMarginDeposit = report.RequiredMarginDeposit
	}
	m.calls[owner] = mc
	return mc
}

// ClearForPosition clears an active call raised for the given position.
// Returns the updated record, or nil when nothing changed.
func (m *MarginCallMonitor) ClearForPosition(owner uuid.UUID, positionID uint64, height int64) *MarginCall {
	mc := m.calls[owner]
	if mc == nil || !mc.IsMarginCall || mc.PositionID != positionID {
		return nil
	}
	cleared := &MarginCall{
		Owner:      owner,
		PositionID: positionID,
		CallTime:   height,
	}
	m.calls[owner] = cleared
	return cleared
}

func (m *MarginCallMonitor) Put(mc *MarginCall) {
	m.calls[mc.Owner] = mc
}

// All returns records ordered by owner
func (m *MarginCallMonitor) All() []*MarginCall {
	result := make([]*MarginCall, 0, len(m.calls))
	for _, mc := range m.calls {
		result = append(result, mc)
	}
	sortMarginCalls(result)
	return result
}

// CountActive returns how many traders are under an active margin call
func (m *MarginCallMonitor) CountActive() int {
	n := 0
	for _, mc := range m.calls {
		if mc.IsMarginCall {
			n++
		}
	}
	return n
}

// CanonicalBytes returns deterministic serialization for hashing
func (mc *MarginCall) CanonicalBytes() []byte {
	buf := make([]byte, 0, 49)
	buf = append(buf, mc.Owner[:]...)
	buf = appendInt64LE(buf, int64(mc.PositionID))
	buf = append(buf, boolByte(mc.IsMarginCall))
	buf = appendInt64LE(buf, mc.CallTime)
	buf = appendInt64LE(buf, mc.RequiredMarginDeposit)
	return buf
}

func sortMarginCalls(calls []*MarginCall) {
	sort.Slice(calls, func(i, j int) bool {
		return lessUUID(calls[i].Owner, calls[j].Owner)
	})
}
