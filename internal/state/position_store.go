package state

import (
	"sort"

	"github.com/google/uuid"
)

// PositionKey identifies a position: ids are scoped per trader
type PositionKey struct {
	Owner      uuid.UUID
	PositionID uint64
}

// MarkPriceState tracks latest mark price per asset pair
type MarkPriceState struct {
	Price         int64
	PriceSequence int64
	Height        int64
}

// PositionStore holds every position ever opened plus the latest mark prices
type PositionStore struct {
	positions  map[PositionKey]*Position
	markPrices map[string]*MarkPriceState
}

func NewPositionStore() *PositionStore {
	return &PositionStore{
		positions:  make(map[PositionKey]*Position),
		markPrices: make(map[string]*MarkPriceState),
	}
}

// Get returns the position or nil
func (ps *PositionStore) Get(owner uuid.UUID, positionID uint64) *Position {
	return ps.positions[PositionKey{Owner: owner, PositionID: positionID}]
}

// Put inserts or replaces a position
func (ps *PositionStore) Put(pos *Position) {
	ps.positions[pos.Key()] = pos
}

// All returns every position ordered by (owner, id)
func (ps *PositionStore) All() []*Position {
	result := make([]*Position, 0, len(ps.positions))
	for _, pos := range ps.positions {
		result = append(result, pos)
	}
	sortPositions(result)
	return result
}

// OpenByPair returns Open positions on an asset pair, ordered by (owner, id)
func (ps *PositionStore) OpenByPair(assetPair string) []*Position {
	var result []*Position
	for _, pos := range ps.positions {
		if pos.IsOpen() && pos.AssetPair == assetPair {
			result = append(result, pos)
		}
	}
	sortPositions(result)
	return result
}

// OpenByOwner returns a trader's Open positions ordered by id
func (ps *PositionStore) OpenByOwner(owner uuid.UUID) []*Position {
	var result []*Position
	for key, pos := range ps.positions {
		if key.Owner == owner && pos.IsOpen() {
			result = append(result, pos)
		}
	}
	sortPositions(result)
	return result
}

// UpdateMarkPrice stores a mark price. Stale or duplicate sequences are
// ignored and reported as not applied; gaps are accepted.
func (ps *PositionStore) UpdateMarkPrice(assetPair string, price, sequence, height int64) bool {
	current := ps.markPrices[assetPair]
	if current != nil && sequence <= current.PriceSequence {
		return false
	}

	ps.markPrices[assetPair] = &MarkPriceState{
		Price:         price,
		PriceSequence: sequence,
		Height:        height,
	}
	return true
}

// GetMarkPrice returns current mark price for an asset pair
func (ps *PositionStore) GetMarkPrice(assetPair string) (int64, bool) {
	mp := ps.markPrices[assetPair]
	if mp == nil {
		return 0, false
	}
	return mp.Price, true
}

// MarkPrices returns a copy of the mark price table
func (ps *PositionStore) MarkPrices() map[string]MarkPriceState {
	result := make(map[string]MarkPriceState, len(ps.markPrices))
	for pair, mp := range ps.markPrices {
		result[pair] = *mp
	}
	return result
}

// SetMarkPrice restores a mark price without sequence checks
func (ps *PositionStore) SetMarkPrice(assetPair string, mp MarkPriceState) {
	ps.markPrices[assetPair] = &mp
}

func sortPositions(positions []*Position) {
	sort.Slice(positions, func(i, j int) bool {
		a, b := positions[i], positions[j]
		if a.Owner != b.Owner {
			return lessUUID(a.Owner, b.Owner)
		}
		return a.PositionID < b.PositionID
	})
}
