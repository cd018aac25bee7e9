package ingestion

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"InvoiceLedger/internal/event"
	fpmath "InvoiceLedger/internal/math"
	"InvoiceLedger/internal/observability"
	"InvoiceLedger/internal/reconcile"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// InvoiceEscrowABI lists the escrow contract events the watcher decodes.
// Amounts are emitted in the stablecoin's minor units.
const InvoiceEscrowABI = `[
  {"type":"event","name":"InvoiceMinted","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"issuer","type":"address","indexed":true},
    {"name":"invoiceId","type":"bytes16","indexed":false},
    {"name":"faceValue","type":"uint256","indexed":false}]},
  {"type":"event","name":"InvoiceFunded","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"investor","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"RepaymentDeposited","anonymous":false,"inputs":[
    {"name":"tokenId","type":"uint256","indexed":true},
    {"name":"payer","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]}
]`

var ErrUndecodableLog = errors.New("undecodable contract log")

// LogSource is the subset of *ethclient.Client the watcher reads from.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

type WatcherConfig struct {
	Contract      common.Address
	StartBlock    uint64
	Confirmations uint64
	BatchSize     uint64
	PollInterval  time.Duration
}

// ChainWatcher polls the escrow contract for confirmed logs, decodes them
// into chain events, and submits them in causal order. The cursor lives in
// memory; after a restart the watcher replays from StartBlock and the
// reconciler drops what it has already applied.
type ChainWatcher struct {
	src     LogSource
	sink    Submitter
	abi     abi.ABI
	cfg     WatcherConfig
	metrics *observability.Metrics
	logger  zerolog.Logger

	next   uint64
	topics map[common.Hash]string
}

func NewChainWatcher(src LogSource, sink Submitter, cfg WatcherConfig, metrics *observability.Metrics, logger zerolog.Logger) (*ChainWatcher, error) {
	parsed, err := abi.JSON(strings.NewReader(InvoiceEscrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 12 * time.Second
	}

	topics := make(map[common.Hash]string, len(parsed.Events))
	for name, ev := range parsed.Events {
		topics[ev.ID] = name
	}

	return &ChainWatcher{
		src:     src,
		sink:    sink,
		abi:     parsed,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		next:    cfg.StartBlock,
		topics:  topics,
	}, nil
}

// Next returns the first block not yet scanned.
func (w *ChainWatcher) Next() uint64 { return w.next }

// Run polls until ctx is cancelled.
func (w *ChainWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info().
		Str("contract", w.cfg.Contract.Hex()).
		Uint64("from_block", w.next).
		Msg("chain watcher started")

	for {
		if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn().Err(err).Uint64("next_block", w.next).Msg("chain poll failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll scans at most one batch of confirmed blocks and returns how many
// events it submitted. The cursor advances only when every log in the
// batch was submitted.
func (w *ChainWatcher) Poll(ctx context.Context) (int, error) {
	head, err := w.src.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	if head < w.cfg.Confirmations {
		return 0, nil
	}
	safe := head - w.cfg.Confirmations
	if safe < w.next {
		w.setLag(0)
		return 0, nil
	}
	to := w.next + w.cfg.BatchSize - 1
	if to > safe {
		to = safe
	}

	ids := make([]common.Hash, 0, len(w.topics))
	for id := range w.topics {
		ids = append(ids, id)
	}
	logs, err := w.src.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(w.next),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{w.cfg.Contract},
		Topics:    [][]common.Hash{ids},
	})
	if err != nil {
		return 0, fmt.Errorf("filter logs %d-%d: %w", w.next, to, err)
	}
	if w.metrics != nil {
		w.metrics.ChainLogsFetched.Add(float64(len(logs)))
	}

	blockTimes := make(map[uint64]time.Time)
	events := make([]event.Event, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		bt, err := w.blockTime(ctx, blockTimes, lg.BlockNumber)
		if err != nil {
			return 0, err
		}
		evt, err := w.Decode(lg, bt)
		if err != nil {
			w.logger.Error().Err(err).
				Str("tx_hash", lg.TxHash.Hex()).
				Uint64("block", lg.BlockNumber).
				Msg("skipping contract log")
			continue
		}
		events = append(events, evt)
	}
	event.SortByPosition(events)

	for _, evt := range events {
		evt := evt
		err := w.sink.Submit(ctx, evt, func(outcome reconcile.Outcome, err error) {
			if outcome == 0 && err != nil {
				w.logger.Error().Err(err).Str("tx_hash", evt.IdempotencyKey()).Msg("watched event not applied")
			}
		})
		if err != nil {
			return 0, fmt.Errorf("submit %s: %w", evt.IdempotencyKey(), err)
		}
	}

	w.next = to + 1
	w.setLag(head - to)
	return len(events), nil
}

// Decode turns one escrow contract log into a chain event.
func (w *ChainWatcher) Decode(lg types.Log, blockTime time.Time) (event.Event, error) {
	if len(lg.Topics) < 3 {
		return nil, fmt.Errorf("%d topics: %w", len(lg.Topics), ErrUndecodableLog)
	}
	name, ok := w.topics[lg.Topics[0]]
	if !ok {
		return nil, fmt.Errorf("topic %s: %w", lg.Topics[0].Hex(), ErrUndecodableLog)
	}

	values, err := w.abi.Unpack(name, lg.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %v: %w", name, err, ErrUndecodableLog)
	}

	meta := event.Meta{
		TxHash: strings.ToLower(lg.TxHash.Hex()),
		Token:  new(big.Int).SetBytes(lg.Topics[1].Bytes()).String(),
		Actor:  strings.ToLower(common.BytesToAddress(lg.Topics[2].Bytes()).Hex()),
		Chain: event.ChainPosition{
			BlockNumber: lg.BlockNumber,
			TxIndex:     uint32(lg.TxIndex),
			LogIndex:    uint32(lg.Index),
		},
		BlockTime: blockTime,
	}

	switch name {
	case "InvoiceMinted":
		if len(values) != 2 {
			return nil, fmt.Errorf("%s has %d values: %w", name, len(values), ErrUndecodableLog)
		}
		ref, ok := values[0].([16]byte)
		if !ok {
			return nil, fmt.Errorf("invoiceId is %T: %w", values[0], ErrUndecodableLog)
		}
		if meta.Amount, err = toAmount(values[1]); err != nil {
			return nil, err
		}
		return &event.Minted{Meta: meta, InvoiceID: uuid.UUID(ref)}, nil

	case "InvoiceFunded", "RepaymentDeposited":
		if len(values) != 1 {
			return nil, fmt.Errorf("%s has %d values: %w", name, len(values), ErrUndecodableLog)
		}
		if meta.Amount, err = toAmount(values[0]); err != nil {
			return nil, err
		}
		if name == "InvoiceFunded" {
			return &event.Funded{Meta: meta}, nil
		}
		return &event.RepaymentDeposited{Meta: meta}, nil
	}
	return nil, fmt.Errorf("event %s: %w", name, ErrUndecodableLog)
}

func (w *ChainWatcher) blockTime(ctx context.Context, cache map[uint64]time.Time, number uint64) (time.Time, error) {
	if t, ok := cache[number]; ok {
		return t, nil
	}
	header, err := w.src.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, fmt.Errorf("header %d: %w", number, err)
	}
	t := time.Unix(int64(header.Time), 0).UTC()
	cache[number] = t
	return t, nil
}

func (w *ChainWatcher) setLag(blocks uint64) {
	if w.metrics != nil {
		w.metrics.ChainHeadLag.Set(float64(blocks))
	}
}

func toAmount(v interface{}) (fpmath.Amount, error) {
	n, ok := v.(*big.Int)
	if !ok {
		return 0, fmt.Errorf("amount is %T: %w", v, ErrUndecodableLog)
	}
	if !n.IsInt64() {
		return 0, fmt.Errorf("amount %s: %w", n, fpmath.ErrOverflow)
	}
	return fpmath.Amount(n.Int64()), nil
}
