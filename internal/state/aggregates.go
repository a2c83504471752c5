package state

import "fmt"

// GlobalAggregates are updated in the same commit as the entity writes
type GlobalAggregates struct {
	TotalOpenPositions int64
	TotalMarginLocked  int64 // Fixed-point: quote scale
}

func (g *GlobalAggregates) PositionOpened(margin int64) {
	g.TotalOpenPositions++
	g.TotalMarginLocked += margin
}

func (g *GlobalAggregates) PositionEnded(margin int64) {
	g.TotalOpenPositions--
	g.TotalMarginLocked -= margin
}

// Recompute derives the aggregates from scratch
func Recompute(positions *PositionStore) GlobalAggregates {
	var g GlobalAggregates
	for _, pos := range positions.All() {
		if pos.IsOpen() {
			g.PositionOpened(pos.MarginUsed)
		}
	}
	return g
}

// CheckConsistency verifies the aggregates against the positions and the
// account counters.
func (g GlobalAggregates) CheckConsistency(positions *PositionStore, accounts *AccountBook) error {
	derived := Recompute(positions)
	if derived != g {
		return fmt.Errorf("aggregate drift: have %+v, derived %+v", g, derived)
	}

	var counted int64
	for _, acct := range accounts.All() {
		open := int64(len(positions.OpenByOwner(acct.Owner)))
		if acct.OpenPositionsCount != open {
			return fmt.Errorf("account %s open_positions_count %d, actual %d", acct.Owner, acct.OpenPositionsCount, open)
		}
		counted += acct.OpenPositionsCount
	}
	if counted != g.TotalOpenPositions {
		return fmt.Errorf("total_open_positions %d, sum of accounts %d", g.TotalOpenPositions, counted)
	}
	return nil
}

// CanonicalBytes returns deterministic serialization for hashing
func (g GlobalAggregates) CanonicalBytes() []byte {
	buf := make([]byte, 0, 16)
	buf = appendInt64LE(buf, g.TotalOpenPositions)
	return appendInt64LE(buf, g.TotalMarginLocked)
}
