package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"InvoiceLedger/internal/ingestion"
	"InvoiceLedger/internal/ledger"
	"InvoiceLedger/internal/lifecycle"
	"InvoiceLedger/internal/observability"
	"InvoiceLedger/internal/persistence"
	"InvoiceLedger/internal/query"
	"InvoiceLedger/internal/reconcile"
	"InvoiceLedger/internal/scheduler"
	"InvoiceLedger/internal/server"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// runServe starts every long-running part of the ledger and blocks until
// ctx is cancelled or one of them fails.
//
// Shutdown runs in two phases: the ingestion side (servers, NATS, watcher,
// dispatcher, scheduler) stops first, then the audit worker drains what the
// last applied events emitted.
func runServe(ctx context.Context, rt *runtimeEnv) error {
	cfg, logger, metrics := rt.cfg, rt.logger, rt.metrics
	health := observability.NewHealthChecker()

	// --- Database ---
	db, err := persistence.Open(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	health.AddCheck("database", db.PingContext)

	applied, err := persistence.NewMigrator(db, persistence.Migrations(), module(logger, "migrator")).Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Str("driver", cfg.DBDriver).Int("applied", applied).Msg("database ready")

	store := persistence.NewSQLStore(db)
	clock := lifecycle.SystemClock{}
	resolver := lifecycle.NewResolver(clock, cfg.GracePeriod)

	fundingLedger := ledger.NewFundingLedger(store, ledger.Options{
		Clock:       clock,
		GracePeriod: cfg.GracePeriod,
		Policy:      cfg.Policy(),
		Logger:      module(logger, "ledger"),
	})

	// --- Emitters ---
	auditWriter := persistence.NewAuditWriter(db)
	auditWorker := persistence.NewAuditWorker(auditWriter, cfg.AuditQueueSize, cfg.AuditBatchSize, cfg.AuditFlushTimeout, metrics, module(logger, "audit"))
	emitters := reconcile.MultiEmitter{auditWorker}

	var nats *natsSide
	if cfg.NATSURL != "" {
		nats, err = connectNATS(ctx, cfg.NATSURL, module(logger, "nats"))
		if err != nil {
			return err
		}
		defer nats.close()
		health.AddCheck("nats", nats.check)
		emitters = append(emitters, ingestion.NewOutboundPublisher(nats.js, metrics, module(logger, "publisher")))
	}
	emitters = append(emitters, reconcile.LogEmitter{Logger: module(logger, "events")})

	// --- Reconciliation ---
	rec := reconcile.NewReconciler(fundingLedger, emitters, metrics, module(logger, "reconcile"), reconcile.Config{
		Hold:          cfg.HoldPolicy(),
		LRUCapacity:   cfg.IdempotencyLRUCapacity,
		ReorderWindow: cfg.ReorderWindow,
		Parked:        store,
	})
	parked, err := rec.RestoreParked(ctx)
	if err != nil {
		return err
	}
	logger.Info().Int("events", parked).Msg("parking lot restored")
	recent, err := store.RecentAppliedTxHashes(ctx, cfg.IdempotencyWarmSize)
	if err != nil {
		return fmt.Errorf("warm idempotency cache: %w", err)
	}
	rec.WarmIdempotency(recent)
	logger.Info().Int("keys", len(recent)).Msg("idempotency cache warmed")

	dispatcher := reconcile.NewDispatcher(rec, cfg.Shards, cfg.ShardQueueSize, metrics, module(logger, "dispatcher"))

	// --- API ---
	api := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Queries:       query.NewQueryService(store, resolver, metrics),
		Commands:      rec,
		Injector:      ingestion.NewManualIngestService(dispatcher),
		Audit:         auditWriter,
		HealthChecker: health,
		Metrics:       metrics,
		Gatherer:      rt.registry,
	}, module(logger, "server"))

	// --- Scheduler ---
	jobs, err := scheduler.NewManager(metrics, module(logger, "scheduler"))
	if err != nil {
		return err
	}

	scheduled := []scheduler.Job{
		scheduler.NewParkingSweepJob(rec, cfg.SweepInterval),
		scheduler.NewOverdueScanJob(store, resolver, cfg.OverdueInterval, metrics, module(logger, "overdue")),
	}
	if cfg.Policy() == ledger.RepaymentWindowDueDate {
		scheduled = append(scheduled, scheduler.NewRepaymentWindowJob(rec, store, clock, cfg.WindowInterval, module(logger, "window")))
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, job := range scheduled {
		if err := jobs.Register(gctx, job); err != nil {
			return err
		}
	}

	var watcher *ingestion.ChainWatcher
	if cfg.Chain.RPCURL != "" {
		w, closeClient, err := newChainWatcher(ctx, rt, dispatcher)
		if err != nil {
			return err
		}
		defer closeClient()
		watcher = w
	}

	var rawEvents chan ingestion.RawEvent
	if nats != nil {
		rawEvents = make(chan ingestion.RawEvent, cfg.ShardQueueSize)
		subscriber := ingestion.NewNATSSubscriber(nats.js, rawEvents, module(logger, "subscriber"))
		if err := subscriber.Subscribe(gctx, ingestion.DefaultSubjects()); err != nil {
			subscriber.Stop()
			return fmt.Errorf("nats subscribe: %w", err)
		}
		defer subscriber.Stop()
	}

	// Everything below runs until shutdown.
	auditCtx, stopAudit := context.WithCancel(context.WithoutCancel(ctx))
	defer stopAudit()
	auditDone := make(chan error, 1)
	go func() { auditDone <- auditWorker.Run(auditCtx) }()

	g.Go(func() error { return dispatcher.Run(gctx) })
	if rawEvents != nil {
		g.Go(func() error {
			return ingestion.Forward(gctx, rawEvents, dispatcher, rec, metrics, module(logger, "ingest"))
		})
	}
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	jobs.Start()

	g.Go(func() error { return api.StartGRPC(gctx) })
	g.Go(func() error { return api.StartHTTPGateway(gctx) })

	health.SetReady(true)
	logger.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("policy", cfg.Policy().String()).
		Bool("nats", nats != nil).
		Bool("chain_watcher", cfg.Chain.RPCURL != "").
		Msg("invoice ledger ready")

	<-gctx.Done()
	health.SetReady(false)
	logger.Info().Msg("shutting down")

	if err := jobs.Stop(); err != nil {
		logger.Warn().Err(err).Msg("scheduler shutdown failed")
	}
	runErr := g.Wait()

	stopAudit()
	select {
	case err := <-auditDone:
		if err != nil {
			logger.Error().Err(err).Msg("audit worker stopped with error")
		}
	case <-time.After(cfg.ShutdownTimeout):
		logger.Error().Dur("timeout", cfg.ShutdownTimeout).Msg("audit worker did not drain in time")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

func newChainWatcher(ctx context.Context, rt *runtimeEnv, sink ingestion.Submitter) (*ingestion.ChainWatcher, func(), error) {
	client, err := ethclient.DialContext(ctx, rt.cfg.Chain.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	watcher, err := ingestion.NewChainWatcher(client, sink, ingestion.WatcherConfig{
		Contract:      common.HexToAddress(rt.cfg.Chain.Contract),
		StartBlock:    rt.cfg.Chain.StartBlock,
		Confirmations: rt.cfg.Chain.Confirmations,
		BatchSize:     rt.cfg.Chain.BatchSize,
		PollInterval:  rt.cfg.Chain.PollInterval,
	}, rt.metrics, module(rt.logger, "chain_watcher"))
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return watcher, client.Close, nil
}

func module(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("module", name).Logger()
}
