package main

import (
	"ApolloLedger/internal/config"
	"ApolloLedger/internal/core"
	"ApolloLedger/internal/evidence"
	"ApolloLedger/internal/ingestion"
	"ApolloLedger/internal/observability"
	"ApolloLedger/internal/persistence"
	"ApolloLedger/internal/projection"
	"ApolloLedger/internal/query"
	"ApolloLedger/internal/server"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger: ingestion, engine, persistence, projections and APIs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), config.FromContext(cmd.Context()))
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	log := newLogger(cfg, programName)
	log.Info().Msg("ApolloLedger starting")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := openDB(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info().Msg("postgres connected")

	if err := persistence.NewMigrator(db, persistence.DefaultMigrations(), newLogger(cfg, "migrate")).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	health := observability.NewHealthChecker()
	health.RegisterCheck("postgres", db.PingContext)

	// --- Channels ---
	// persist blocks the engine (backpressure); projection and publish drop
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	publishChan := make(chan core.CoreOutput, cfg.PublishChanSize)

	// --- Engine + recovery ---
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	engine := core.NewEngine(0, persistChan, projectionChan, dbChecker, metrics, newLogger(cfg, "core"))
	engine.SetClock(time.Now)

	snapMgr := persistence.NewSnapshotManager(db)
	if err := snapMgr.Recover(ctx, engine, cfg.ReplayPageSize, metrics, newLogger(cfg, "recovery")); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	keys, err := dbChecker.RecentKeys(ctx, cfg.IdempotencyWarmKeys)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load recent idempotency keys")
	} else if len(keys) > 0 {
		engine.WarmLRU(keys)
		log.Info().Int("keys", len(keys)).Msg("idempotency cache warmed")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, newLogger(cfg, "nats"))
	if err != nil {
		return err
	}
	defer nc.Close()
	health.RegisterCheck("nats", func(context.Context) error {
		if nc.Status() != nats.CONNECTED {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	})
	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		return err
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		return err
	}

	// --- Evidence store (optional) ---
	var store *evidence.Store
	if cfg.Evidence.Bucket != "" {
		store, err = evidence.NewS3Store(ctx, evidence.S3Config{
			Region:     cfg.Evidence.Region,
			Bucket:     cfg.Evidence.Bucket,
			Endpoint:   cfg.Evidence.Endpoint,
			PresignTTL: cfg.Evidence.PresignTTL,
		}, metrics)
		if err != nil {
			return fmt.Errorf("evidence store: %w", err)
		}
		log.Info().Str("bucket", cfg.Evidence.Bucket).Msg("evidence store enabled")
	}

	// Workers downstream of the engine drain their channels on shutdown,
	// so they run on their own context.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	errChan := make(chan error, 8)

	var persistWG, downstreamWG sync.WaitGroup
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, newLogger(cfg, "persistence"))
	persistWorker.PublishTo(publishChan)
	persistWG.Add(1)
	go func() {
		defer persistWG.Done()
		if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics, newLogger(cfg, "projection"))
	publisher := ingestion.NewOutboundPublisher(js, publishChan, newLogger(cfg, "publisher"))
	for name, run := range map[string]func(context.Context) error{
		"projection worker":  projWorker.Run,
		"outbound publisher": publisher.Run,
	} {
		downstreamWG.Add(1)
		go func() {
			defer downstreamWG.Done()
			if err := run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	snapshotter := persistence.NewSnapshotter(snapMgr, engine, cfg.SnapshotInterval, cfg.SnapshotMinEvents, metrics, newLogger(cfg, "snapshot"))
	go snapshotter.Run(ctx)

	// --- Ingress: NATS commands, gRPC, HTTP ---
	var ingressWG sync.WaitGroup

	rawChan := make(chan ingestion.RawEvent, 4096)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, newLogger(cfg, "ingestion"))
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return err
	}
	dispatcher := ingestion.NewDispatcher(engine, rawChan, cfg.IngestWorkers, metrics, newLogger(cfg, "dispatcher"))

	queries := query.NewQueryService(db, engine)
	svc := server.NewService(engine, queries, store, newLogger(cfg, "service"))
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, svc, health, metrics, newLogger(cfg, "server"))

	for name, run := range map[string]func(context.Context) error{
		"dispatcher":   dispatcher.Run,
		"grpc server":  grpcServer.StartGRPC,
		"http gateway": grpcServer.StartHTTPGateway,
	} {
		ingressWG.Add(1)
		go func() {
			defer ingressWG.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	go serveMetrics(ctx, cfg.MetricsAddr, errChan)
	go reportChannels(ctx, metrics, map[string]chan core.CoreOutput{
		"persist":    persistChan,
		"projection": projectionChan,
		"publish":    publishChan,
	})

	grpcServer.SetServing(true)
	health.SetReady(true)
	log.Info().
		Int64("sequence", engine.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("ApolloLedger ready")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errChan:
		log.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop ingress first so nothing executes while the channels close.
	health.SetReady(false)
	stop()
	subscriber.Stop()
	ingressWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	go func() {
		<-shutdownCtx.Done()
		cancelWorkers()
	}()

	close(persistChan)
	close(projectionChan)
	persistWG.Wait()
	close(publishChan)
	downstreamWG.Wait()

	if err := finalSnapshot(shutdownCtx, engine, snapMgr); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	} else {
		log.Info().Int64("sequence", engine.GetSequence()-1).Msg("final snapshot saved")
	}

	log.Info().Msg("ApolloLedger shutdown complete")
	return runErr
}

// finalSnapshot saves and immediately verifies a snapshot; every output has
// been flushed by now, so the log already covers it.
func finalSnapshot(ctx context.Context, engine *core.Engine, snapMgr *persistence.SnapshotManager) error {
	if engine.GetSequence() == 0 {
		return nil
	}
	snap := persistence.NewSnapshotData(engine.CreateSnapshotState(), time.Now().UTC())
	if _, err := snapMgr.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	ok, err := snapMgr.VerifySnapshot(ctx, snap.Sequence)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("snapshot %d not covered by the event log", snap.Sequence)
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, errChan chan<- error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errChan <- fmt.Errorf("metrics server: %w", err)
	}
}

func reportChannels(ctx context.Context, metrics *observability.Metrics, chans map[string]chan core.CoreOutput) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, ch := range chans {
				metrics.SetChannelMetrics(name, len(ch), cap(ch))
			}
		}
	}
}
