package main

import (
	"context"
	"errors"
	"fmt"

	"InvoiceLedger/internal/ingestion"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

type natsSide struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger zerolog.Logger
}

// connectNATS connects and makes sure the inbound and outbound streams exist.
func connectNATS(ctx context.Context, url string, logger zerolog.Logger) (*natsSide, error) {
	nc, js, err := ingestion.ConnectNATS(url, logger)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure inbound streams: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure outbound stream: %w", err)
	}
	logger.Info().Str("url", nc.ConnectedUrlRedacted()).Msg("NATS connected")
	return &natsSide{nc: nc, js: js, logger: logger}, nil
}

func (n *natsSide) check(context.Context) error {
	if !n.nc.IsConnected() {
		return errors.New("nats disconnected")
	}
	return nil
}

// close flushes pending publishes before closing the connection.
func (n *natsSide) close() {
	if err := n.nc.Drain(); err != nil {
		n.logger.Warn().Err(err).Msg("NATS drain failed")
		n.nc.Close()
	}
}
