package main

import (
	"MarginLedger/internal/config"
	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/persistence"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

const (
	replayBatchSize = 1000
	snapshotsKept   = 3
)

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

// recoverCore builds a core from the latest verified snapshot and replays
// the event log tail on top of it. A snapshot that disagrees with the log
// is ignored and the whole log is replayed.
func recoverCore(
	ctx context.Context,
	cfg config.Config,
	db *sql.DB,
	persistChan, projectionChan chan<- core.CoreOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*core.DeterministicCore, error) {
	admin, err := cfg.Admin()
	if err != nil {
		return nil, err
	}
	rules, err := cfg.Rules()
	if err != nil {
		return nil, err
	}

	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	c := core.NewDeterministicCore(core.Config{
		AdminID:             admin,
		Rules:               rules,
		IdempotencyCapacity: cfg.IdempotencyLRUCapacity,
	}, persistChan, projectionChan, dbChecker, metrics)

	snapMgr := persistence.NewSnapshotManager(db)
	restored := restoreSnapshot(ctx, c, snapMgr, logger)
	if !restored {
		logger.Info().Msg("no usable snapshot, cold start from sequence 1")
	}

	start := time.Now()
	replayed, err := replayEventLog(ctx, c, snapMgr)
	if err != nil {
		return nil, err
	}
	if metrics != nil {
		metrics.ReplayEventsTotal.Add(float64(replayed))
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	cursors, err := snapMgr.LoadCursors(ctx)
	if err != nil {
		return nil, fmt.Errorf("load partition cursors: %w", err)
	}
	c.SeedCursors(cursors)

	logger.Info().
		Int64("replayed", replayed).
		Int("stored_cursors", len(cursors)).
		Int64("next_sequence", c.GetSequence()).
		Dur("took", time.Since(start)).
		Msg("event log replayed")

	if !restored {
		keys, err := dbChecker.RecentKeys(ctx, cfg.IdempotencyLRUCapacity)
		if err != nil {
			logger.Warn().Err(err).Msg("LRU warm-up failed")
		} else {
			c.WarmLRU(keys)
		}
	}

	if err := c.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("recovered state: %w", err)
	}
	return c, nil
}

func restoreSnapshot(ctx context.Context, c *core.DeterministicCore, snapMgr *persistence.SnapshotManager, logger zerolog.Logger) bool {
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load snapshot")
		return false
	}
	if snap == nil {
		return false
	}
	if err := snapMgr.VerifyAgainstLog(ctx, snap); err != nil {
		logger.Warn().Err(err).Int64("sequence", snap.Sequence).Msg("snapshot rejected")
		return false
	}

	st, err := snap.ToState()
	if err != nil {
		logger.Warn().Err(err).Int64("sequence", snap.Sequence).Msg("snapshot rejected")
		return false
	}
	c.RestoreFromSnapshot(st)
	logger.Info().Int64("sequence", snap.Sequence).Int("idempotency_keys", len(st.IdempotencyKeys)).Msg("restored from snapshot")
	return true
}

// replayEventLog re-applies every logged operation after the core's current
// height. Each replayed operation must reproduce its logged sequence and
// state hash.
func replayEventLog(ctx context.Context, c *core.DeterministicCore, snapMgr *persistence.SnapshotManager) (int64, error) {
	var total int64
	from := c.GetSequence()

	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return total, fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			return total, nil
		}

		for _, row := range rows {
			et, err := event.ParseEventType(row.EventType)
			if err != nil {
				return total, fmt.Errorf("replay %d: %w", row.Sequence, err)
			}
			op, err := ingestion.DecodeOp(et, row.Payload)
			if err != nil {
				return total, fmt.Errorf("replay %d: %w", row.Sequence, err)
			}
			receipt, err := c.ProcessReplayed(op)
			if err != nil {
				return total, fmt.Errorf("replay %d (%s): %w", row.Sequence, row.EventType, err)
			}
			if receipt.Sequence != row.Sequence {
				return total, fmt.Errorf("replay %d committed at %d", row.Sequence, receipt.Sequence)
			}
			if !bytes.Equal(receipt.StateHash[:], row.StateHash) {
				return total, fmt.Errorf("replay %d: state hash diverged from event log", row.Sequence)
			}
			total++
		}
		from = rows[len(rows)-1].Sequence + 1
	}
}

// saveSnapshot persists a captured state and prunes old snapshots.
func saveSnapshot(ctx context.Context, st *core.SnapshotState, snapMgr *persistence.SnapshotManager, metrics *observability.Metrics, logger zerolog.Logger) error {
	start := time.Now()
	size, err := snapMgr.SaveSnapshot(ctx, persistence.SnapshotFromState(st, time.Now().UTC()))
	if err != nil {
		return err
	}
	if _, err := snapMgr.PruneSnapshots(ctx, snapshotsKept); err != nil {
		logger.Warn().Err(err).Msg("snapshot prune failed")
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(st.Sequence))
	}
	logger.Info().Int64("sequence", st.Sequence).Int("bytes", size).Msg("snapshot saved")
	return nil
}
