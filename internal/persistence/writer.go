package persistence

import (
	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Partition      string
	SourceSequence int64
	Payload        []byte // JSON wire form of the operation
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       int16
	Amount        int64
	JournalType   string
}

// CursorRow represents a row in event_log.partition_cursors
type CursorRow struct {
	Partition    string
	NextSequence int64
}

// PersistOutput is one committed operation in row form, or a bare cursor
// advance when Cursor is set.
type PersistOutput struct {
	EventRow    EventRow
	JournalRows []JournalRow
	Cursor      *CursorRow
}

// NewPersistOutput converts a committed envelope and its batch into rows.
// The envelope payload must already be encoded.
func NewPersistOutput(env *event.EventEnvelope, batch *ledger.Batch, ts time.Time) PersistOutput {
	out := PersistOutput{
		EventRow: EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Partition:      env.Partition,
			SourceSequence: env.SourceSequence,
			Payload:        env.Payload,
			StateHash:      env.StateHash[:],
			PrevHash:       env.PrevHash[:],
			Timestamp:      ts,
		},
	}
	if batch == nil {
		return out
	}
	for _, j := range batch.Journals {
		out.JournalRows = append(out.JournalRows, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			AssetID:       int16(j.AssetID),
			Amount:        j.Amount,
			JournalType:   j.JournalType.String(),
		})
	}
	return out
}

var (
	eventColumns = []string{
		"sequence", "event_type", "idempotency_key", "partition_key", "source_sequence",
		"payload", "state_hash", "prev_hash", "created_at",
	}
	journalColumns = []string{
		"journal_id", "batch_id", "event_ref", "sequence",
		"debit_account", "credit_account", "asset_id", "amount", "journal_type",
	}
)

// EventLogWriter bulk-loads events and journals with the COPY protocol.
// COPY cannot skip conflicts, so rows land in transaction-scoped staging
// tables and are merged with ON CONFLICT DO NOTHING. A batch retried after
// an unacknowledged commit is therefore harmless.
type EventLogWriter struct {
	pool *pgxpool.Pool
}

func NewEventLogWriter(pool *pgxpool.Pool) *EventLogWriter {
	return &EventLogWriter{pool: pool}
}

// WriteBatch writes events, their journals and cursor advances in one
// transaction.
func (w *EventLogWriter) WriteBatch(ctx context.Context, events []EventRow, journals []JournalRow, cursors []CursorRow) error {
	if len(events) == 0 && len(cursors) == 0 {
		return nil
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if len(events) > 0 {
		if err := copyEvents(ctx, tx, events); err != nil {
			return err
		}
		if err := copyJournals(ctx, tx, journals); err != nil {
			return err
		}
	}
	if err := upsertCursors(ctx, tx, cursors); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func copyEvents(ctx context.Context, tx pgx.Tx, events []EventRow) error {
	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE events_staging
			(LIKE event_log.events INCLUDING DEFAULTS) ON COMMIT DROP
	`); err != nil {
		return fmt.Errorf("create events staging: %w", err)
	}

	_, err := tx.CopyFrom(ctx, pgx.Identifier{"events_staging"}, eventColumns,
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			e := events[i]
			return []any{
				e.Sequence, e.EventType, e.IdempotencyKey, e.Partition, e.SourceSequence,
				e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy events: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO event_log.events
		SELECT * FROM events_staging
		ON CONFLICT (sequence) DO NOTHING
	`); err != nil {
		return fmt.Errorf("merge events: %w", err)
	}
	return nil
}

func copyJournals(ctx context.Context, tx pgx.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE journal_staging
			(LIKE event_log.journal INCLUDING DEFAULTS) ON COMMIT DROP
	`); err != nil {
		return fmt.Errorf("create journal staging: %w", err)
	}

	_, err := tx.CopyFrom(ctx, pgx.Identifier{"journal_staging"}, journalColumns,
		pgx.CopyFromSlice(len(journals), func(i int) ([]any, error) {
			j := journals[i]
			return []any{
				j.JournalID, j.BatchID, j.EventRef, j.Sequence,
				j.DebitAccount, j.CreditAccount, j.AssetID, j.Amount, j.JournalType,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy journals: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO event_log.journal
		SELECT * FROM journal_staging
		ON CONFLICT (journal_id) DO NOTHING
	`); err != nil {
		return fmt.Errorf("merge journals: %w", err)
	}
	return nil
}

// upsertCursors only ever moves a stored cursor forward.
func upsertCursors(ctx context.Context, tx pgx.Tx, cursors []CursorRow) error {
	if len(cursors) == 0 {
		return nil
	}

	b := &pgx.Batch{}
	for _, c := range cursors {
		b.Queue(`
			INSERT INTO event_log.partition_cursors (partition_key, next_sequence)
			VALUES ($1, $2)
			ON CONFLICT (partition_key) DO UPDATE
			SET next_sequence = GREATEST(event_log.partition_cursors.next_sequence, EXCLUDED.next_sequence),
			    updated_at = NOW()
		`, c.Partition, c.NextSequence)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("upsert cursors: %w", err)
	}
	return nil
}
