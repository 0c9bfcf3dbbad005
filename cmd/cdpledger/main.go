package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"CDPLedger/internal/config"
	"CDPLedger/internal/core"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/projection"
	"CDPLedger/internal/query"
	"CDPLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

const (
	rawEventChanSize = 4096
	publishChanSize  = 4096
	replayPageSize   = 1000
	drainTimeout     = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (default $"+config.EnvConfigPath+")")
	flag.Parse()

	logger := observability.NewLogger("cdpledger")
	if err := run(*configPath, logger); err != nil {
		logger.Fatal().Err(err).Msg("cdpledger stopped")
	}
	logger.Info().Msg("shutdown complete")
}

func run(configPath string, logger zerolog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info().Str("program_id", cfg.ProgramID).Msg("CDPLedger starting")
	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	startTime := time.Now()
	metrics := observability.NewMetrics(nil)
	healthChecker := observability.NewHealthChecker()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("postgres connected")
	healthChecker.AddCheck("postgres", db.PingContext)

	if err := persistence.NewMigrator(db, cfg.MigrationsDir).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Str("dir", cfg.MigrationsDir).Msg("migrations applied")

	// --- Core ---
	// Persist is drained with blocking sends; projection drops when full.
	corePersistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	coreProjectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	deterministicCore := core.NewDeterministicCore(core.CoreConfig{
		ProgramID:           cfg.ProgramID,
		IdempotencyCapacity: cfg.IdempotencyLRUCapacity,
		DBChecker:           persistence.NewPostgresIdempotencyChecker(db, 50*time.Millisecond),
		Metrics:             metrics,
		Logger:              logger,
		BootstrapAdmin:      cfg.BootstrapAdminID(),
	}, corePersistChan, coreProjectionChan)

	snapMgr := persistence.NewSnapshotManager(db)
	if err := recoverCore(ctx, deterministicCore, snapMgr, metrics, logger); err != nil {
		return err
	}

	prices := oracle.NewCache(cfg.OracleMaxAge, metrics)
	runner := core.NewRunner(deterministicCore, cfg.RunnerQueueSize, prices, logger)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		return fmt.Errorf("ensure inbound streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}

	rawEventChan := make(chan ingestion.RawEvent, rawEventChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawEventChan)
	router := ingestion.NewRouter(runner, prices, metrics)

	// --- Workers ---
	persistOut := make(chan persistence.CoreOutput, cfg.PersistChanSize)
	projectionOut := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)
	publishOut := make(chan ingestion.PublishableEvent, publishChanSize)

	persistWorker := persistence.NewPersistenceWorker(db, persistOut, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	projectionStore := projection.NewPostgresStore(db)
	projectionWorker := projection.NewProjectionWorker(projectionStore, projectionOut, metrics)
	publisher := ingestion.NewOutboundPublisher(js, publishOut)
	healthChecker.AddCheck("projection", projectionWorker.Check)

	// --- API ---
	apiServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Runner:        runner,
		Live:          query.NewLiveService(runner, prices),
		Queries:       query.NewQueryService(db),
		AdminIngest:   ingestion.NewAdminIngestService(runner, prices),
		Snapshots:     snapMgr,
		Projections:   projectionStore,
		ProgramID:     cfg.ProgramID,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		RateLimit: server.RateLimit{
			RequestsPerSecond: cfg.APIRequestsPerSecond,
			Burst:             cfg.APIBurst,
		},
		StartTime: startTime,
		Logger:    logger,
	})

	// Workers outlive the ingress context so the tail of the core output is
	// flushed before exit.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	errChan := make(chan error, 16)
	var workers sync.WaitGroup
	goWorker := func(name string, fn func() error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	goWorker("persistence worker", func() error { return persistWorker.Run(workerCtx) })
	goWorker("projection worker", func() error { return projectionWorker.Run(workerCtx) })
	goWorker("outbound publisher", func() error { return publisher.Run(workerCtx) })
	goWorker("persist bridge", func() error {
		bridgePersistOutputs(workerCtx, corePersistChan, persistOut, publishOut, metrics)
		return nil
	})
	goWorker("projection bridge", func() error {
		projection.Bridge(workerCtx, coreProjectionChan, projectionOut, metrics)
		return nil
	})

	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("core runner: %w", err)
		}
	}()

	var ingress sync.WaitGroup
	goIngress := func(name string, fn func() error) {
		ingress.Add(1)
		go func() {
			defer ingress.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	goIngress("ingestion router", func() error {
		router.Run(ctx, rawEventChan)
		return nil
	})
	goIngress("grpc server", func() error { return apiServer.StartGRPC(ctx) })
	goIngress("http gateway", func() error { return apiServer.StartHTTPGateway(ctx) })
	goIngress("ops server", func() error {
		return server.ServeOps(ctx, cfg.OpsAddr, server.NewOpsRouter(healthChecker, nil), logger)
	})
	goIngress("periodic snapshots", func() error {
		runPeriodicSnapshots(ctx, runner, snapMgr, cfg.SnapshotInterval, metrics, logger)
		return nil
	})
	goIngress("channel metrics", func() error {
		reportChannelMetrics(ctx, metrics, map[string]func() (int, int){
			"core_persist":    func() (int, int) { return len(corePersistChan), cap(corePersistChan) },
			"core_projection": func() (int, int) { return len(coreProjectionChan), cap(coreProjectionChan) },
			"persist":         func() (int, int) { return len(persistOut), cap(persistOut) },
			"projection":      func() (int, int) { return len(projectionOut), cap(projectionOut) },
			"publish":         func() (int, int) { return len(publishOut), cap(publishOut) },
			"raw_events":      func() (int, int) { return len(rawEventChan), cap(rawEventChan) },
		})
		return nil
	})

	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		cancel()
		return fmt.Errorf("nats subscribe: %w", err)
	}

	healthChecker.SetReady(true)
	apiServer.SetServing(true)
	logger.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("ops", cfg.OpsAddr).
		Int64("sequence", deterministicCore.GetSequence()).
		Msg("CDPLedger ready")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	healthChecker.SetReady(false)
	apiServer.SetServing(false)
	cancel()
	subscriber.Stop()
	ingress.Wait()
	<-runnerDone

	// The runner has exited, so nothing else writes to the core channels.
	close(corePersistChan)
	close(coreProjectionChan)

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		logger.Warn().Dur("timeout", drainTimeout).Msg("workers did not drain in time")
		stopWorkers()
		<-drained
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer shutdownCancel()
	if err := takeSnapshot(shutdownCtx, deterministicCore.CreateSnapshotState(), snapMgr, metrics, logger); err != nil {
		logger.Warn().Err(err).Msg("final snapshot failed")
	} else if _, err := snapMgr.VerifyPending(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("verify final snapshot failed")
	}

	return runErr
}

// --- Recovery ---

// recoverCore restores the newest verified snapshot (if any) and replays the
// event log past it. Every replayed state hash must match the logged one.
func recoverCore(
	ctx context.Context,
	deterministicCore *core.DeterministicCore,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) error {
	start := time.Now()

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	fromSequence := int64(1)
	if snap != nil {
		coreState, err := snap.ToCoreState()
		if err != nil {
			return fmt.Errorf("decode snapshot %d: %w", snap.Sequence, err)
		}
		deterministicCore.RestoreFromSnapshot(coreState)
		fromSequence = snap.Sequence + 1
	} else {
		logger.Info().Msg("no snapshot found, cold start from event log")
	}

	replayed, err := replayEventsFromLog(ctx, snapMgr, deterministicCore, fromSequence, logger)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	if metrics != nil {
		metrics.ReplayEventsTotal.Add(float64(replayed))
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	logger.Info().
		Int64("replayed", replayed).
		Int64("sequence", deterministicCore.GetSequence()).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return nil
}

// replayEventsFromLog re-applies logged commands starting at fromSequence.
// Replay does not re-persist and fails on any state hash divergence.
func replayEventsFromLog(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	deterministicCore *core.DeterministicCore,
	fromSequence int64,
	logger zerolog.Logger,
) (int64, error) {
	var total int64

	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, fromSequence, replayPageSize)
		if err != nil {
			return total, fmt.Errorf("load events from seq %d: %w", fromSequence, err)
		}
		if len(rows) == 0 {
			return total, nil
		}

		for _, row := range rows {
			evt, err := row.DecodeEvent()
			if err != nil {
				return total, err
			}
			if _, err := deterministicCore.ReplayEvent(evt); err != nil {
				return total, fmt.Errorf("replay seq %d (%s): %w", row.Sequence, row.EventType, err)
			}

			want, err := row.StateHashArray()
			if err != nil {
				return total, err
			}
			if got := deterministicCore.GetStateHash(); got != want {
				return total, fmt.Errorf("state hash mismatch at seq %d: log=%x replay=%x", row.Sequence, want, got)
			}
			total++
		}

		fromSequence = rows[len(rows)-1].Sequence + 1
		logger.Debug().Int64("next", fromSequence).Int64("replayed", total).Msg("replay page applied")
	}
}

// --- Bridges ---

// bridgePersistOutputs converts core outputs for the persistence worker with
// a blocking send, and forwards each one to the outbound publisher without
// blocking.
func bridgePersistOutputs(
	ctx context.Context,
	in <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	publishOut chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
) {
	defer close(persistOut)
	defer close(publishOut)

	for {
		select {
		case <-ctx.Done():
			return
		case output, ok := <-in:
			if !ok {
				return
			}

			select {
			case persistOut <- persistence.NewCoreOutput(output):
			case <-ctx.Done():
				return
			}

			select {
			case publishOut <- ingestion.NewPublishableEvent(output):
			default:
				if metrics != nil {
					metrics.ProjectionDrops.WithLabelValues("publish").Inc()
				}
			}
		}
	}
}

// --- Snapshots ---

// runPeriodicSnapshots takes a snapshot every interval applied commands and
// verifies earlier snapshots once their sequence has been persisted.
func runPeriodicSnapshots(
	ctx context.Context,
	runner *core.Runner,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	if interval <= 0 {
		logger.Info().Msg("periodic snapshots disabled")
		return
	}

	var lastSnapshotSeq int64
	if err := runner.Read(ctx, func(c *core.DeterministicCore) {
		lastSnapshotSeq = c.GetSequence()
	}); err != nil {
		return
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := snapMgr.VerifyPending(ctx); err != nil {
				logger.Warn().Err(err).Msg("verify snapshots failed")
			} else if n > 0 {
				logger.Info().Int64("verified", n).Msg("snapshots verified")
			}

			snap, err := runner.Snapshot(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Warn().Err(err).Msg("capture snapshot failed")
				}
				continue
			}
			if snap.Sequence-lastSnapshotSeq < interval {
				continue
			}
			if err := takeSnapshot(ctx, snap, snapMgr, metrics, logger); err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastSnapshotSeq = snap.Sequence
		}
	}
}

// takeSnapshot persists a captured core state. It stays unverified until the
// event at its sequence is in the log.
func takeSnapshot(
	ctx context.Context,
	snap *core.SnapshotState,
	snapMgr *persistence.SnapshotManager,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) error {
	if snap.Sequence <= 0 {
		return nil
	}
	start := time.Now()

	size, err := snapMgr.SaveSnapshot(ctx, persistence.NewSnapshotData(snap, time.Now()))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	logger.Info().Int64("sequence", snap.Sequence).Int("bytes", size).Msg("snapshot saved")
	return nil
}

// reportChannelMetrics samples channel depth once a second.
func reportChannelMetrics(ctx context.Context, metrics *observability.Metrics, channels map[string]func() (int, int)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, sample := range channels {
				size, capacity := sample()
				metrics.SetChannelMetrics(name, size, capacity)
			}
		}
	}
}
