package persistence_test

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/persistence"
	"MarginLedger/internal/testutil"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashOf(b byte) []byte { return bytes.Repeat([]byte{b}, 32) }

func TestEventLogWriter_RoundTrip(t *testing.T) {
	db := testutil.SetupTestDB(t)
	pool := testutil.SetupTestPool(t)
	ctx := context.Background()

	writer := persistence.NewEventLogWriter(pool)
	events := []persistence.EventRow{
		{Sequence: 1, EventType: "DepositMargin", IdempotencyKey: "op-1", Partition: "api", SourceSequence: 1,
			Payload: []byte(`{"amount":"5"}`), StateHash: hashOf(1), PrevHash: hashOf(0), Timestamp: time.Now().UTC()},
		{Sequence: 2, EventType: "WithdrawMargin", IdempotencyKey: "op-2", Partition: "api", SourceSequence: 2,
			Payload: []byte(`{"amount":"1"}`), StateHash: hashOf(2), PrevHash: hashOf(1), Timestamp: time.Now().UTC()},
	}
	journals := []persistence.JournalRow{{
		JournalID: uuid.NewString(), BatchID: uuid.NewString(), EventRef: "op-1", Sequence: 1,
		DebitAccount: "user:x:collateral:USDC", CreditAccount: "external:deposits:USDC",
		AssetID: 2, Amount: 5_000_000, JournalType: "Deposit",
	}}

	require.NoError(t, writer.WriteBatch(ctx, events, journals, nil))
	// A retried batch is absorbed by ON CONFLICT DO NOTHING.
	require.NoError(t, writer.WriteBatch(ctx, events, journals, nil))

	snaps := persistence.NewSnapshotManager(db)
	loaded, err := snaps.LoadEventsFrom(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "WithdrawMargin", loaded[1].EventType)
	assert.Equal(t, hashOf(2), loaded[1].StateHash)

	latest, err := snaps.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate("DepositMargin", "op-1")
	require.NoError(t, err)
	assert.True(t, dup)
	dup, err = checker.IsDuplicate("DepositMargin", "op-9")
	require.NoError(t, err)
	assert.False(t, dup)

	keys, err := checker.RecentKeys(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{
		core.CompositeKey("DepositMargin", "op-1"),
		core.CompositeKey("WithdrawMargin", "op-2"),
	}, keys)
}

func TestSnapshotManager_SaveVerifyLoad(t *testing.T) {
	db := testutil.SetupTestDB(t)
	pool := testutil.SetupTestPool(t)
	ctx := context.Background()

	snaps := persistence.NewSnapshotManager(db)
	none, err := snaps.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, persistence.NewEventLogWriter(pool).WriteBatch(ctx, []persistence.EventRow{{
		Sequence: 1, EventType: "SetAdmin", IdempotencyKey: "op-1", Partition: "api", SourceSequence: 1,
		Payload: []byte(`{}`), StateHash: hashOf(7), PrevHash: hashOf(0), Timestamp: time.Now().UTC(),
	}}, nil, nil))

	snap := &persistence.SnapshotData{Sequence: 1, StateHash: hashOf(7), Balances: map[string]int64{}, CreatedAt: time.Now().UTC()}
	size, err := snaps.SaveSnapshot(ctx, snap)
	require.NoError(t, err)
	assert.Positive(t, size)
	require.NoError(t, snaps.VerifyAgainstLog(ctx, snap))

	bad := &persistence.SnapshotData{Sequence: 1, StateHash: hashOf(8)}
	assert.Error(t, snaps.VerifyAgainstLog(ctx, bad))

	got, err := snaps.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.Sequence)
	assert.Equal(t, hashOf(7), got.StateHash)
}

func TestEventLogWriter_CursorsOnlyMoveForward(t *testing.T) {
	db := testutil.SetupTestDB(t)
	pool := testutil.SetupTestPool(t)
	ctx := context.Background()

	writer := persistence.NewEventLogWriter(pool)
	require.NoError(t, writer.WriteBatch(ctx, nil, nil, []persistence.CursorRow{{Partition: "origin:nats", NextSequence: 5}}))
	require.NoError(t, writer.WriteBatch(ctx, nil, nil, []persistence.CursorRow{{Partition: "origin:nats", NextSequence: 3}}))

	cursors, err := persistence.NewSnapshotManager(db).LoadCursors(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"origin:nats": 5}, cursors)
}
