package persistence

import (
	"MarginLedger/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// BatchWriter persists a batch of events, journals and cursor advances
// atomically
type BatchWriter interface {
	WriteBatch(ctx context.Context, events []EventRow, journals []JournalRow, cursors []CursorRow) error
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends to this channel with blocking sends, so a slow worker stalls
// the core instead of losing events.
type PersistenceWorker struct {
	writer       BatchWriter
	inputChan    <-chan PersistOutput
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	// onFlushed is called with the last sequence of every written batch
	onFlushed func(lastSequence int64)
}

func NewPersistenceWorker(
	writer BatchWriter,
	inputChan <-chan PersistOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		writer:       writer,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       logger,
	}
}

// OnFlushed registers a callback run after each successful flush
func (pw *PersistenceWorker) OnFlushed(fn func(lastSequence int64)) {
	pw.onFlushed = fn
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires. Returns once the input channel is closed and
// drained, or ctx is cancelled.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	eventBatch := make([]EventRow, 0, pw.batchSize)
	journalBatch := make([]JournalRow, 0, pw.batchSize*2)
	pendingCursors := make(map[string]int64)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context, reason string) {
		if len(eventBatch) == 0 && len(pendingCursors) == 0 {
			return
		}
		cursors := make([]CursorRow, 0, len(pendingCursors))
		for partition, next := range pendingCursors {
			cursors = append(cursors, CursorRow{Partition: partition, NextSequence: next})
		}
		if err := pw.flushWithRetry(ctx, eventBatch, journalBatch, cursors); err != nil {
			pw.logger.Error().Err(err).Str("reason", reason).Int("events", len(eventBatch)).Msg("flush failed")
		}
		eventBatch = eventBatch[:0]
		journalBatch = journalBatch[:0]
		clear(pendingCursors)
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background(), "shutdown")
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background(), "closed")
				return nil
			}

			if output.Cursor != nil {
				if output.Cursor.NextSequence > pendingCursors[output.Cursor.Partition] {
					pendingCursors[output.Cursor.Partition] = output.Cursor.NextSequence
				}
			} else {
				eventBatch = append(eventBatch, output.EventRow)
				journalBatch = append(journalBatch, output.JournalRows...)
			}

			if len(eventBatch)+len(pendingCursors) >= pw.batchSize {
				flush(ctx, "full")
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx, "timeout")
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// Events are never dropped: on cancellation one last attempt is made with a
// background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow, cursors []CursorRow) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), events, journals, cursors); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pw.maxBackoff {
				backoff = pw.maxBackoff
			}
		}

		err := pw.flush(ctx, events, journals, cursors)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Error().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, journals []JournalRow, cursors []CursorRow) error {
	start := time.Now()

	if err := pw.writer.WriteBatch(ctx, events, journals, cursors); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write_batch").Inc()
		}
		return err
	}
	if len(events) == 0 {
		return nil
	}

	last := events[len(events)-1].Sequence
	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(last))
	}
	if pw.onFlushed != nil {
		pw.onFlushed(last)
	}
	return nil
}
