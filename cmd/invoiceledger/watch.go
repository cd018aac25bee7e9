package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"InvoiceLedger/internal/config"
	"InvoiceLedger/internal/ingestion"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// runWatch runs the chain watcher alone and publishes every confirmed log
// onto the inbound NATS subjects, where serving instances consume it.
func runWatch(ctx context.Context, rt *runtimeEnv) error {
	cfg, logger := rt.cfg, rt.logger
	if cfg.Chain.RPCURL == "" {
		return fmt.Errorf("%sCHAIN_RPC_URL is required for watch", config.Prefix)
	}
	if cfg.NATSURL == "" {
		return fmt.Errorf("%sNATS_URL is required for watch", config.Prefix)
	}

	nats, err := connectNATS(ctx, cfg.NATSURL, module(logger, "nats"))
	if err != nil {
		return err
	}
	defer nats.close()

	watcher, closeClient, err := newChainWatcher(ctx, rt, ingestion.NewChainPublisher(nats.js, module(logger, "chain_publisher")))
	if err != nil {
		return err
	}
	defer closeClient()

	metricsServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	logger.Info().
		Str("contract", cfg.Chain.Contract).
		Uint64("start_block", cfg.Chain.StartBlock).
		Msg("chain watcher started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Uint64("next_block", watcher.Next()).Msg("chain watcher stopped")
	return nil
}
