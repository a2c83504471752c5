package persistence

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/state"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// snapshotFormatVersion 1: JSON-encoded SnapshotData
const snapshotFormatVersion = 1

// SnapshotManager handles creating and loading state snapshots for recovery.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the persisted form of core.SnapshotState. Balances are
// keyed by account path.
type SnapshotData struct {
	Sequence        int64                           `json:"sequence"`
	StateHash       []byte                          `json:"state_hash"`
	Balances        map[string]int64                `json:"balances"`
	Users           []state.User                    `json:"users"`
	Accounts        []state.TradingAccount          `json:"accounts"`
	Positions       []state.Position                `json:"positions"`
	MarginCalls     []state.MarginCall              `json:"margin_calls"`
	Aggregates      state.GlobalAggregates          `json:"aggregates"`
	AdminID         uuid.UUID                       `json:"admin_id"`
	Rules           state.LiquidationRules          `json:"rules"`
	MarkPrices      map[string]state.MarkPriceState `json:"mark_prices"`
	SequenceState   map[string]int64                `json:"sequence_state"`
	IdempotencyKeys []string                        `json:"idempotency_keys"`
	CreatedAt       time.Time                       `json:"created_at"`
}

// SnapshotFromState converts core state into its persisted form
func SnapshotFromState(s *core.SnapshotState, createdAt time.Time) *SnapshotData {
	balances := make(map[string]int64, len(s.Balances))
	for key, v := range s.Balances {
		if v != 0 {
			balances[key.AccountPath()] = v
		}
	}
	hash := s.StateHash
	return &SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       hash[:],
		Balances:        balances,
		Users:           s.Users,
		Accounts:        s.Accounts,
		Positions:       s.Positions,
		MarginCalls:     s.MarginCalls,
		Aggregates:      s.Aggregates,
		AdminID:         s.AdminID,
		Rules:           s.Rules,
		MarkPrices:      s.MarkPrices,
		SequenceState:   s.SequenceState,
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       createdAt,
	}
}

// ToState converts a persisted snapshot back into core state
func (d *SnapshotData) ToState() (*core.SnapshotState, error) {
	if len(d.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", d.Sequence, len(d.StateHash))
	}

	balances := make(map[ledger.AccountKey]int64, len(d.Balances))
	for path, v := range d.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", d.Sequence, err)
		}
		balances[key] = v
	}

	s := &core.SnapshotState{
		Sequence:        d.Sequence,
		Balances:        balances,
		Users:           d.Users,
		Accounts:        d.Accounts,
		Positions:       d.Positions,
		MarginCalls:     d.MarginCalls,
		Aggregates:      d.Aggregates,
		AdminID:         d.AdminID,
		Rules:           d.Rules,
		MarkPrices:      d.MarkPrices,
		SequenceState:   d.SequenceState,
		IdempotencyKeys: d.IdempotencyKeys,
	}
	copy(s.StateHash[:], d.StateHash)
	return s, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. Returns the encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash, snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent snapshot, or nil on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, snapshotFormatVersion)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// VerifyAgainstLog checks the snapshot's hash against the event log entry at
// the same sequence and marks it verified. A snapshot at sequence 0 has no
// log entry and is trivially valid.
func (sm *SnapshotManager) VerifyAgainstLog(ctx context.Context, snap *SnapshotData) error {
	if snap.Sequence == 0 {
		return nil
	}

	var logged []byte
	err := sm.db.QueryRowContext(ctx,
		`SELECT state_hash FROM event_log.events WHERE sequence = $1`, snap.Sequence,
	).Scan(&logged)
	if err != nil {
		return fmt.Errorf("load state hash at %d: %w", snap.Sequence, err)
	}
	if !bytes.Equal(logged, snap.StateHash) {
		return fmt.Errorf("snapshot %d hash %x does not match event log %x", snap.Sequence, snap.StateHash, logged)
	}

	_, err = sm.db.ExecContext(ctx,
		`UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1`, snap.Sequence)
	return err
}

// LoadEventsFrom loads up to limit events starting at fromSequence, in order.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, partition_key, source_sequence,
		       payload, state_hash, prev_hash, created_at
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Partition, &e.SourceSequence,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// LoadCursors returns the stored partition cursors keyed by partition.
func (sm *SnapshotManager) LoadCursors(ctx context.Context) (map[string]int64, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT partition_key, next_sequence FROM event_log.partition_cursors
	`)
	if err != nil {
		return nil, fmt.Errorf("load cursors: %w", err)
	}
	defer rows.Close()

	cursors := make(map[string]int64)
	for rows.Next() {
		var partition string
		var next int64
		if err := rows.Scan(&partition, &next); err != nil {
			return nil, err
		}
		cursors[partition] = next
	}
	return cursors, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// PruneSnapshots keeps the newest keep snapshots.
func (sm *SnapshotManager) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		DELETE FROM event_log.snapshots
		WHERE sequence NOT IN (
			SELECT sequence FROM event_log.snapshots ORDER BY sequence DESC LIMIT $1
		)
	`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
