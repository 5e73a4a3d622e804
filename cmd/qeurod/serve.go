package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"qeuro/internal/config"
	"qeuro/internal/core"
	"qeuro/internal/event"
	"qeuro/internal/ingestion"
	"qeuro/internal/observability"
	"qeuro/internal/oracle"
	"qeuro/internal/persistence"
	"qeuro/internal/projection"
	"qeuro/internal/protocol"
	"qeuro/internal/query"
	"qeuro/internal/roles"
	"qeuro/internal/server"
	"qeuro/internal/token"
	"qeuro/internal/vault"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ledger daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		return serve(cmd, cfg)
	},
}

func serve(cmd *cobra.Command, cfg *config.Config) error {
	log := observability.NewLogger("main")
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres carries the event log, journal, snapshots and projections.
	db, err := openPostgres(cmd, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info().Msg("postgres connected")

	if err := persistence.NewMigrator(log, db, cfg.MigrationsDir).Up(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	nc, js, err := ingestion.ConnectNATS(log, cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	feedCache := ingestion.NewFeedCache(log, metrics)
	subscriber := ingestion.NewSubscriber(log, metrics, js, feedCache)
	if err := subscriber.Subscribe(ctx, []string{cfg.EurUsdFeedID, cfg.UsdcUsdFeedID}); err != nil {
		return fmt.Errorf("subscribe feeds: %w", err)
	}

	// Protocol components. Registry roles and vault/oracle parameters are
	// re-established from configuration; balances come from recovery.
	reg, err := roles.NewRegistry(cfg.Admin())
	if err != nil {
		return fmt.Errorf("roles: %w", err)
	}

	native := token.NewNativeLedger()
	qeuro := token.New(cfg.Synthetic(), "QEURO", 18)
	usdc := token.New(cfg.Reserve(), "USDC", 18)

	o := oracle.New(log, reg, feedCache, native, cfg.Oracle())
	if err := seedOracle(ctx, log, o, cfg.Feed(), cfg.EurUsdFeedID, cfg.UsdcUsdFeedID, cfg.Treasury()); err != nil {
		return fmt.Errorf("oracle init: %w", err)
	}

	v := vault.New(log, reg, native, cfg.Vault(), cfg.Treasury())
	if err := v.Initialize(qeuro, usdc, cfg.Oracle(), o); err != nil {
		return fmt.Errorf("vault init: %w", err)
	}

	idempotency := core.NewIdempotencyChecker(
		cfg.IdempotencyLRUCapacity,
		persistence.NewPostgresIdempotencyChecker(db),
	)

	engine := core.NewEngine(log, core.Config{
		Vault:            v,
		Oracle:           o,
		Roles:            reg,
		Metrics:          metrics,
		Idempotency:      idempotency,
		SubmitBuffer:     cfg.SubmitBuffer,
		PersistBuffer:    cfg.PersistBuffer,
		ProjectionBuffer: cfg.ProjectionBuffer,
	})

	// Recovery: newest verified snapshot plus journal replay to the log head.
	snapMgr := persistence.NewSnapshotManager(db)
	state, err := persistence.Recover(ctx, log, db, snapMgr)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if state.Sequence > 0 {
		if err := engine.RestoreFromSnapshot(state); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}

	// The projection stream fans out to the read-model worker and the
	// outbound publisher. Both sides are lossy on backpressure; the event
	// log stays the source of truth.
	projCh := make(chan event.Envelope, cfg.ProjectionBuffer)
	publishCh := make(chan event.Envelope, cfg.ProjectionBuffer)
	go func() {
		for env := range engine.ProjectionOutput() {
			select {
			case projCh <- env:
			default:
				metrics.ProjectionDrops.Inc()
			}
			select {
			case publishCh <- env:
			default:
				metrics.PublishDrops.Inc()
			}
		}
	}()

	persistWorker := persistence.NewWorker(log, metrics, db, engine.PersistOutput(), cfg.PersistBatchSize, cfg.PersistFlushTimeout)
	projWorker := projection.NewWorker(log, db, projCh)
	publisher := ingestion.NewOutboundPublisher(log, metrics, js, publishCh)
	refresher := ingestion.NewPriceRefresher(log, engine, cfg.RefreshInterval)
	snapshotter := persistence.NewSnapshotter(log, metrics, engine, snapMgr, cfg.SnapshotInterval)

	httpSrv := server.NewHTTPServer(log, cfg.HTTPAddr, server.Deps{
		Engine:      engine,
		Vault:       v,
		Oracle:      o,
		Roles:       reg,
		Query:       query.NewQueryService(db),
		Snapshotter: snapshotter,
		DB:          db,
		Tokens: map[string]token.Asset{
			qeuro.Symbol(): qeuro,
			usdc.Symbol():  usdc,
		},
		Health:  health,
		Metrics: metrics,
	})
	grpcSrv := server.NewGRPCServer(log, cfg.GRPCAddr)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 8)
	start := func(name string, run func(context.Context) error) {
		go func() {
			if err := run(runCtx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	start("engine", engine.Run)
	start("persistence worker", persistWorker.Run)
	start("projection worker", projWorker.Run)
	start("outbound publisher", publisher.Run)
	start("price refresher", refresher.Run)
	start("snapshotter", snapshotter.Run)
	start("http server", httpSrv.Start)
	start("grpc server", grpcSrv.Start)

	health.SetReady(true)
	grpcSrv.SetServing(true)
	log.Info().
		Int64("sequence", state.Sequence).
		Str("http", cfg.HTTPAddr).
		Str("grpc", cfg.GRPCAddr).
		Msg("qeurod ready")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("worker failed, shutting down")
	}

	// Stop intake first, snapshot while the engine and persistence worker
	// are still alive, then tear the rest down.
	health.SetReady(false)
	grpcSrv.SetServing(false)
	subscriber.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if snap, err := snapshotter.TakeSnapshot(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("final snapshot failed")
	} else if snap != nil {
		log.Info().Int64("sequence", snap.Sequence).Msg("final snapshot saved")
	}

	cancel()
	select {
	case <-engine.Done():
	case <-shutdownCtx.Done():
	}

	log.Info().Msg("qeurod stopped")
	return runErr
}

// oracleSeedBackoff is the delay between seed fetch attempts. Test hook.
var oracleSeedBackoff = time.Second

const oracleSeedAttempts = 60

// seedOracle initializes the oracle, retrying the seed fetch with a short
// backoff. At cold start the feed cache is empty until the first ticks
// arrive over NATS, and Initialize refuses to complete without a validated
// price. Configuration errors are not retried.
func seedOracle(ctx context.Context, log zerolog.Logger, o *oracle.Oracle, feed common.Address, eurUsdFeedID, usdcUsdFeedID string, treasury common.Address) error {
	var err error
	for attempt := 1; attempt <= oracleSeedAttempts; attempt++ {
		err = o.Initialize(feed, eurUsdFeedID, usdcUsdFeedID, treasury)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, protocol.ErrZeroAddress),
			errors.Is(err, protocol.ErrInvalidConfiguration),
			errors.Is(err, protocol.ErrAlreadyInitialized):
			return err
		}

		log.Warn().Err(err).Int("attempt", attempt).Msg("oracle seed fetch failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(oracleSeedBackoff):
		}
	}
	return err
}
