package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"InvoiceLedger/internal/config"
	"InvoiceLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "invoiceledger",
		Short:        "Invoice lifecycle and funding settlement ledger",
		Version:      Version,
		SilenceUsage: true,
		RunE:         func(cmd *cobra.Command, _ []string) error { return withRuntime(cmd, runServe) },
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the ledger: ingestion, reconciliation, scheduler and the gRPC/HTTP API",
		RunE:  func(cmd *cobra.Command, _ []string) error { return withRuntime(cmd, runServe) },
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Run only the chain watcher, mirroring escrow logs onto NATS",
		RunE:  func(cmd *cobra.Command, _ []string) error { return withRuntime(cmd, runWatch) },
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runtimeEnv is what every command starts from.
type runtimeEnv struct {
	cfg      config.Config
	logger   zerolog.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
}

func withRuntime(cmd *cobra.Command, run func(ctx context.Context, rt *runtimeEnv) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := observability.NewLogger("invoiceledger", cfg.LogSink())

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := observability.SetupTracing(ctx, "invoiceledger", cfg.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn().Err(err).Msg("tracer shutdown failed")
			}
		}()
	}

	rt := &runtimeEnv{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  observability.NewMetrics(registry),
	}
	return run(ctx, rt)
}
