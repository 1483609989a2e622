package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"LevLedger/internal/config"
	"LevLedger/internal/core"
	"LevLedger/internal/event"
	"LevLedger/internal/ingestion"
	"LevLedger/internal/observability"
	"LevLedger/internal/persistence"
	"LevLedger/internal/projection"
	"LevLedger/internal/query"
	"LevLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	logger := observability.NewLogger("main")
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("levledger exited")
	}
}

func run(logger zerolog.Logger) error {
	cfg := config.Load()
	logger.Info().Str("instances", cfg.InstancesFile).Msg("levledger starting")
	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(sigCtx); err != nil {
		return err
	}
	if err := persistence.NewMigrator(db, cfg.MigrationsDir).Up(sigCtx); err != nil {
		return err
	}
	logger.Info().Msg("postgres connected, migrations applied")

	// --- World ---
	inst, err := config.LoadInstances(cfg.InstancesFile)
	if err != nil {
		return err
	}
	comps, err := inst.Build()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()
	health.Register("postgres", db.PingContext)

	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	deterministicCore, err := core.NewDeterministicCore(0, comps,
		persistCoreChan, projectionCoreChan,
		persistence.NewPostgresIdempotencyChecker(db), metrics, cfg.IdempotencyLRUCapacity)
	if err != nil {
		return err
	}

	// --- Recovery ---
	snapMgr := persistence.NewSnapshotManager(db)
	from, err := restore(sigCtx, snapMgr, deterministicCore, logger)
	if err != nil {
		return err
	}
	if _, err := replay(sigCtx, snapMgr, deterministicCore, from, metrics, logger); err != nil {
		return err
	}
	if err := deterministicCore.VerifyConservation(); err != nil {
		return err
	}

	// --- Pipeline: bridge, persistence, projections, publisher ---
	// The pipeline outlives the ingest side so everything the core emitted
	// is durable before the final snapshot.
	pipeCtx, cancelPipe := context.WithCancel(context.Background())
	defer cancelPipe()
	var pipe sync.WaitGroup
	goRun := func(wg *sync.WaitGroup, name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("worker", name).Msg("worker stopped")
				stop()
			}
		}()
	}

	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := ingestion.EnsureStreams(sigCtx, js); err != nil {
		return err
	}
	if err := ingestion.EnsureOutboundStream(sigCtx, js); err != nil {
		return err
	}

	persistWorkerChan := make(chan persistence.CoreOutput, cfg.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)
	committedChan := make(chan persistence.CoreOutput, cfg.PersistChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.InboundChanSize)

	br := &bridge{
		persistIn:     persistCoreChan,
		projectionIn:  projectionCoreChan,
		persistOut:    persistWorkerChan,
		projectionOut: projectionWorkerChan,
		metrics:       metrics,
		logger:        observability.NewLogger("bridge"),
	}
	goRun(&pipe, "bridge", func() error { br.run(pipeCtx); return nil })

	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	persistWorker.OnCommitted(committedChan)
	goRun(&pipe, "persistence", func() error { return persistWorker.Run(pipeCtx) })

	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, metrics)
	goRun(&pipe, "projection", func() error { return projWorker.Run(pipeCtx) })

	goRun(&pipe, "committed", func() error {
		forwardCommitted(pipeCtx, committedChan, publishChan, observability.NewLogger("publisher"))
		return nil
	})
	publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics)
	goRun(&pipe, "publisher", func() error { return publisher.Run(pipeCtx) })

	// --- Ingest side: NATS, gRPC, core loop ---
	ingestCtx, cancelIngest := context.WithCancel(sigCtx)
	defer cancelIngest()
	var ingest sync.WaitGroup

	inbound := make(chan event.Event, cfg.InboundChanSize)
	coreDone := make(chan struct{})
	saves := make(chan *core.SnapshotState, 1)
	loop := newCoreLoop(deterministicCore, inbound, saves, cfg.SnapshotInterval, observability.NewLogger("core"))
	snaps := &snapshotter{
		loop:    loop,
		mgr:     snapMgr,
		keep:    cfg.SnapshotsToKeep,
		metrics: metrics,
		logger:  observability.NewLogger("snapshot"),
	}

	ingest.Add(1)
	go func() {
		defer ingest.Done()
		defer close(coreDone)
		loop.run(ingestCtx)
	}()
	goRun(&ingest, "snapshot-writer", func() error { snaps.runWriter(ingestCtx, saves); return nil })

	rawChan := make(chan ingestion.RawEvent, cfg.InboundChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan)
	if err := subscriber.Subscribe(ingestCtx, ingestion.DefaultSubjects()); err != nil {
		return err
	}
	shell := ingestion.NewShell(ingestion.DefaultSubjects(), inbound, metrics)
	goRun(&ingest, "nats-shell", func() error { return shell.Run(ingestCtx, rawChan) })

	queryService := query.NewQueryService(db, deterministicCore, metrics)
	srv := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		DB:            db,
		QueryService:  queryService,
		IngestService: ingestion.NewGRPCIngestService(inbound, coreDone),
		SnapshotMgr:   snapMgr,
		Snapshotter:   snaps,
		HealthChecker: health,
		Metrics:       metrics,
		StartTime:     time.Now(),
	})
	goRun(&ingest, "grpc", func() error { return srv.StartGRPC(ingestCtx) })
	goRun(&ingest, "http", func() error { return srv.StartHTTPGateway(ingestCtx) })
	goRun(&ingest, "metrics", func() error { return serveMetrics(ingestCtx, cfg.MetricsAddr) })
	goRun(&ingest, "channel-metrics", func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ingestCtx.Done():
				return nil
			case <-ticker.C:
				metrics.SetChannelMetrics("inbound", len(inbound), cap(inbound))
				metrics.SetChannelMetrics("persist", len(persistCoreChan), cap(persistCoreChan))
				metrics.SetChannelMetrics("projection", len(projectionCoreChan), cap(projectionCoreChan))
			}
		}
	})

	health.SetReady(true)
	srv.SetServing(true)
	logger.Info().
		Int64("sequence", deterministicCore.GetSequence()).
		Str("grpc", cfg.GRPCAddr).Str("http", cfg.HTTPAddr).Str("metrics", cfg.MetricsAddr).
		Msg("levledger ready")

	<-sigCtx.Done()
	logger.Info().Msg("shutting down")

	// Stop intake, then let the core loop finish the command in hand.
	health.SetReady(false)
	srv.SetServing(false)
	subscriber.Stop()
	cancelIngest()
	ingest.Wait()

	// The core goroutine is gone; drain the pipeline so the log is complete.
	close(persistCoreChan)
	close(projectionCoreChan)
	drained := make(chan struct{})
	go func() {
		pipe.Wait()
		close(drained)
	}()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	final := deterministicCore.CreateSnapshotState()
	if final.Sequence >= 0 {
		if err := snaps.save(shutdownCtx, final); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		} else if err := snaps.verify(shutdownCtx, final.Sequence); err != nil {
			logger.Warn().Err(err).Msg("final snapshot left unverified")
		}
	}

	cancelPipe()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("pipeline did not drain before timeout")
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
