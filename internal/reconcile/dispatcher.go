package reconcile

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"InvoiceLedger/internal/event"
	"InvoiceLedger/internal/observability"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var ErrDispatcherClosed = errors.New("dispatcher shutting down")

// Applier is the part of Reconciler the dispatcher drives.
type Applier interface {
	Apply(ctx context.Context, evt event.Event) (Outcome, error)
}

// DoneFunc reports the outcome of a submitted event. It is called exactly
// once, from the shard goroutine.
type DoneFunc func(Outcome, error)

type job struct {
	evt  event.Event
	done DoneFunc
}

// Dispatcher fans events out to shards keyed by token id. Events of one
// token keep their submission order; different tokens run in parallel.
//
// On shutdown the event in flight on each shard finishes on a detached
// context, and queued events are handed back with ErrDispatcherClosed.
type Dispatcher struct {
	applier Applier
	shards  []chan job
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	stopped chan struct{}
	sealed  chan struct{}
}

func NewDispatcher(applier Applier, shards, queueSize int, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	if shards <= 0 {
		shards = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &Dispatcher{
		applier: applier,
		shards:  make([]chan job, shards),
		metrics: metrics,
		logger:  logger,
		stopped: make(chan struct{}),
		sealed:  make(chan struct{}),
	}
	for i := range d.shards {
		d.shards[i] = make(chan job, queueSize)
	}
	return d
}

// Submit queues evt on its token's shard. It blocks while the shard is full.
func (d *Dispatcher) Submit(ctx context.Context, evt event.Event, done DoneFunc) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	idx := d.shardFor(evt.TokenID())
	select {
	case d.shards[idx] <- job{evt: evt, done: done}:
		d.setDepth(idx)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopped:
		return ErrDispatcherClosed
	}
}

// Run processes events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		close(d.stopped)

		// Wait for in-progress Submits to leave before sealing the queues
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.sealed)
		return nil
	})

	for i := range d.shards {
		idx := i
		g.Go(func() error {
			d.runShard(gctx, idx)
			return nil
		})
	}

	err := g.Wait()
	d.logger.Info().Int("shards", len(d.shards)).Msg("dispatcher stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) runShard(ctx context.Context, idx int) {
	ch := d.shards[idx]
	for {
		// Checked first so a ready queue cannot outrun shutdown
		if ctx.Err() != nil {
			<-d.sealed
			d.rejectQueued(idx)
			return
		}

		select {
		case <-ctx.Done():
		case j := <-ch:
			d.setDepth(idx)
			outcome, err := d.applier.Apply(context.WithoutCancel(ctx), j.evt)
			if j.done != nil {
				j.done(outcome, err)
			}
		}
	}
}

func (d *Dispatcher) rejectQueued(idx int) {
	ch := d.shards[idx]
	n := 0
	for {
		select {
		case j := <-ch:
			n++
			if j.done != nil {
				j.done(0, ErrDispatcherClosed)
			}
		default:
			if n > 0 {
				d.logger.Info().Int("shard", idx).Int("returned", n).Msg("queued events returned on shutdown")
			}
			d.setDepth(idx)
			return
		}
	}
}

func (d *Dispatcher) shardFor(token string) int {
	return int(xxhash.Sum64String(token) % uint64(len(d.shards)))
}

func (d *Dispatcher) setDepth(idx int) {
	if d.metrics != nil {
		d.metrics.ShardQueueDepth.WithLabelValues(strconv.Itoa(idx)).Set(float64(len(d.shards[idx])))
	}
}
