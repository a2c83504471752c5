package main

import (
	"MarginLedger/internal/config"
	"MarginLedger/internal/core"
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/persistence"
	"MarginLedger/internal/projection"
	"MarginLedger/internal/query"
	"MarginLedger/internal/server"
	"MarginLedger/internal/stream"
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	inboundChanSize  = 4096
	publishChanSize  = 4096
	dispatchQueue    = 4096
	snapshotCheck    = 10 * time.Second
	drainTimeout     = 30 * time.Second
	persistPollEvery = 50 * time.Millisecond
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Recover state and serve gRPC, HTTP and NATS traffic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config: %w", err)
			}
			return serve(cfg, observability.NewLogger("main"))
		},
	}
}

func serve(cfg config.Config, logger zerolog.Logger) error {
	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := openDB(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(db, persistence.MigrationSource(cfg.MigrationsDir), observability.NewLogger("migrator"))
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()
	health.AddProbe("postgres", db.PingContext)
	health.AddProbe("postgres_pool", pool.Ping)

	// --- Recovery ---
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	c, err := recoverCore(ctx, cfg, db, persistCoreChan, projectionCoreChan, metrics, logger)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if err := catchUpProjections(ctx, db, c, logger); err != nil {
		return err
	}

	// --- NATS ---
	natsLogger := observability.NewLogger("nats")
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, natsLogger)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	health.AddProbe("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats %s", nc.Status())
		}
		return nil
	})
	if err := ingestion.EnsureStreams(ctx, js, natsLogger); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, natsLogger); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}

	// --- Query side ---
	queryService := query.NewQueryService(db, metrics)
	var reader query.Reader = queryService
	listeners := []projection.Listener{}

	if rdb := connectRedis(ctx, cfg.RedisURL, logger); rdb != nil {
		defer rdb.Close()
		health.AddProbe("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		cached := query.NewCachedQueryService(queryService, rdb, cfg.CacheTTL, metrics, observability.NewLogger("cache"))
		reader = cached
		listeners = append(listeners, cached)
	}

	hub := stream.NewHub(metrics, observability.NewLogger("stream"))
	defer hub.Close()
	listeners = append(listeners, hub)

	// --- Core goroutine ---
	dispatcher := core.NewDispatcher(c, dispatchQueue, observability.NewLogger("dispatcher"), metrics)
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(ctx)
	}()

	// --- Output pipeline ---
	// The pipeline outlives ctx so committed operations drain to Postgres
	// after the dispatcher stops.
	pipeCtx, cancelPipe := context.WithCancel(context.Background())
	defer cancelPipe()

	persistChan := make(chan persistence.PersistOutput, cfg.PersistChanSize)
	publishChan := make(chan ingestion.PublishableEvent, publishChanSize)

	var persisted atomic.Int64
	persisted.Store(c.GetSequence() - 1)

	persistWorker := persistence.NewPersistenceWorker(
		persistence.NewEventLogWriter(pool),
		persistChan,
		cfg.PersistBatchSize,
		cfg.PersistFlushTimeout,
		metrics,
		observability.NewLogger("persistence"),
	)
	persistWorker.OnFlushed(func(last int64) { persisted.Store(last) })
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		_ = persistWorker.Run(pipeCtx)
	}()

	go bridgeOutputs(persistCoreChan, persistChan, publishChan, metrics, logger)

	publisher := ingestion.NewOutboundPublisher(js, publishChan, natsLogger)
	go func() { _ = publisher.Run(pipeCtx) }()

	projWorker := projection.NewProjectionWorker(db, projectionCoreChan, metrics, observability.NewLogger("projection"), listeners...)
	go func() { _ = projWorker.Run(pipeCtx) }()

	// --- Inbound ---
	rawChan := make(chan ingestion.RawEvent, inboundChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, natsLogger)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	defer subscriber.Stop()
	router := ingestion.NewRouter(dispatcher, rawChan, observability.NewLogger("router"))
	go router.Run(ctx)

	// --- Servers ---
	svcLogger := observability.NewLogger("server")
	svc := server.NewMarginService(dispatcher, reader, queryService, svcLogger)
	gatewayMux, err := server.NewGatewayMux(svc, hub, svcLogger)
	if err != nil {
		return err
	}
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, svc, svcLogger)
	gateway := server.NewHTTPGateway(cfg.HTTPAddr, gatewayMux, svcLogger)
	ops := server.NewOpsServer(cfg.OpsAddr, server.NewOpsRouter(health, nil), svcLogger)

	errChan := make(chan error, 3)
	go func() { errChan <- grpcServer.Start(ctx) }()
	go func() { errChan <- gateway.Start(ctx) }()
	go func() { errChan <- ops.Start(ctx) }()

	go runPeriodicSnapshots(ctx, dispatcher, persistence.NewSnapshotManager(db), cfg.SnapshotInterval, &persisted, metrics, logger)

	grpcServer.SetServing(true)
	health.SetReady(true)
	logger.Info().
		Int64("next_sequence", c.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("ops", cfg.OpsAddr).
		Msg("MarginLedger ready")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errChan:
		if err != nil {
			logger.Error().Err(err).Msg("server failed, shutting down")
		}
	}

	// --- Graceful shutdown ---
	health.SetReady(false)
	grpcServer.SetServing(false)
	stop()
	<-dispatcherDone

	// The core no longer emits; drain the pipeline.
	close(persistCoreChan)
	close(projectionCoreChan)

	select {
	case <-persistDone:
	case <-time.After(drainTimeout):
		logger.Error().Msg("persistence drain timed out, skipping final snapshot")
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := saveSnapshot(shutdownCtx, c.CreateSnapshotState(), persistence.NewSnapshotManager(db), metrics, logger); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	}

	logger.Info().Msg("MarginLedger shutdown complete")
	return nil
}

func connectRedis(ctx context.Context, url string, logger zerolog.Logger) *redis.Client {
	if url == "" {
		logger.Info().Msg("MARGIN_REDIS_URL empty, query cache disabled")
		return nil
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		logger.Warn().Err(err).Msg("invalid MARGIN_REDIS_URL, query cache disabled")
		return nil
	}
	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable, query cache disabled")
		rdb.Close()
		return nil
	}
	logger.Info().Msg("Redis query cache enabled")
	return rdb
}

// catchUpProjections rebuilds the projection tables when they trail the
// recovered core, which happens after dropped projection updates or a crash.
func catchUpProjections(ctx context.Context, db *sql.DB, c *core.DeterministicCore, logger zerolog.Logger) error {
	watermark, err := projection.Watermark(ctx, db)
	if err != nil {
		return fmt.Errorf("projection watermark: %w", err)
	}
	head := c.GetSequence() - 1
	if watermark >= head {
		return nil
	}
	logger.Info().Int64("watermark", watermark).Int64("head", head).Msg("projections behind, rebuilding")
	return projection.RebuildProjections(ctx, db, c.ProjectionSeed(), observability.NewLogger("projection"))
}

// bridgeOutputs encodes committed operations for the event log and the
// outbound stream. It returns once in is closed.
func bridgeOutputs(
	in <-chan core.CoreOutput,
	persistOut chan<- persistence.PersistOutput,
	publishOut chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	defer close(persistOut)
	defer close(publishOut)

	for out := range in {
		if out.Cursor != nil {
			persistOut <- persistence.PersistOutput{Cursor: &persistence.CursorRow{
				Partition:    out.Cursor.Partition,
				NextSequence: out.Cursor.Next,
			}}
			continue
		}

		payload, err := ingestion.EncodeOp(out.Op)
		if err != nil {
			// a committed operation that cannot be logged breaks replay
			logger.Fatal().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("encode committed operation")
		}
		env := *out.Envelope
		env.Payload = payload
		now := time.Now().UTC()

		persistOut <- persistence.NewPersistOutput(&env, out.Batch, now)

		select {
		case publishOut <- ingestion.PublishableEvent{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Payload:        payload,
			StateHash:      ingestion.HashHex(env.StateHash),
			PrevHash:       ingestion.HashHex(env.PrevHash),
			Timestamp:      now,
		}:
		default:
			if metrics != nil {
				metrics.PublishDrops.Inc()
			}
		}

		if metrics != nil {
			metrics.SetChannelMetrics("persist", len(persistOut), cap(persistOut))
			metrics.SetChannelMetrics("publish", len(publishOut), cap(publishOut))
		}
	}
}

// runPeriodicSnapshots snapshots every interval committed operations. A
// snapshot is written only once the event log holds its sequence, so it
// always verifies against the log on restart.
func runPeriodicSnapshots(
	ctx context.Context,
	dispatcher *core.Dispatcher,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	persisted *atomic.Int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	if interval <= 0 {
		interval = 100_000
	}
	lastSnapshot := persisted.Load()

	ticker := time.NewTicker(snapshotCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if persisted.Load()-lastSnapshot < interval {
			continue
		}

		var st *core.SnapshotState
		if err := dispatcher.Do(ctx, func(c *core.DeterministicCore) { st = c.CreateSnapshotState() }); err != nil {
			return
		}
		for persisted.Load() < st.Sequence {
			select {
			case <-ctx.Done():
				return
			case <-time.After(persistPollEvery):
			}
		}
		if err := saveSnapshot(ctx, st, snapMgr, metrics, logger); err != nil {
			logger.Warn().Err(err).Msg("periodic snapshot failed")
			continue
		}
		lastSnapshot = st.Sequence
	}
}
