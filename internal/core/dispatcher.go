package core

import (
	"MarginLedger/internal/event"
	"MarginLedger/internal/observability"
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrDispatcherStopped is returned to submitters once Run has exited.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Reply carries the outcome of one submission
type Reply struct {
	Receipt *Receipt
	Err     error
}

// Submission is one unit of work for the core goroutine: either an operation
// or a read/maintenance function.
type Submission struct {
	Op       event.Event
	Fn       func(*DeterministicCore)
	Reply    chan Reply
	Enqueued time.Time
}

// Dispatcher owns the core. It is the only goroutine that touches it and is
// therefore the total-order sequencer for API and NATS submissions alike.
type Dispatcher struct {
	core    *DeterministicCore
	in      chan Submission
	done    chan struct{}
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewDispatcher(
	core *DeterministicCore,
	queueSize int,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Dispatcher{
		core:    core,
		in:      make(chan Submission, queueSize),
		done:    make(chan struct{}),
		logger:  logger,
		metrics: metrics,
	}
}

// Submit enqueues an operation and waits for its receipt.
func (d *Dispatcher) Submit(ctx context.Context, op event.Event) (*Receipt, error) {
	reply, err := d.enqueue(ctx, Submission{Op: op})
	if err != nil {
		return nil, err
	}
	return reply.Receipt, reply.Err
}

// Do runs fn on the core goroutine and waits for it to return.
func (d *Dispatcher) Do(ctx context.Context, fn func(*DeterministicCore)) error {
	reply, err := d.enqueue(ctx, Submission{Fn: fn})
	if err != nil {
		return err
	}
	return reply.Err
}

func (d *Dispatcher) enqueue(ctx context.Context, sub Submission) (Reply, error) {
	sub.Reply = make(chan Reply, 1)
	sub.Enqueued = time.Now()

	select {
	case d.in <- sub:
	case <-d.done:
		return Reply{}, ErrDispatcherStopped
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}

	// Once enqueued the operation will be processed; only the wait is
	// abandoned on cancellation.
	select {
	case reply := <-sub.Reply:
		return reply, nil
	case <-d.done:
		return Reply{}, ErrDispatcherStopped
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Run processes submissions until ctx is cancelled. Submissions already
// queued at cancellation are drained first.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)

	for {
		select {
		case <-ctx.Done():
			d.drain()
			d.logger.Info().Int64("sequence", d.core.GetSequence()).Msg("dispatcher stopped")
			return
		case sub := <-d.in:
			d.handle(sub)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case sub := <-d.in:
			d.handle(sub)
		default:
			return
		}
	}
}

func (d *Dispatcher) handle(sub Submission) {
	if d.metrics != nil {
		d.metrics.DispatchQueueWait.Observe(time.Since(sub.Enqueued).Seconds())
		d.metrics.SetChannelMetrics("dispatch", len(d.in), cap(d.in))
	}

	if sub.Fn != nil {
		sub.Fn(d.core)
		sub.Reply <- Reply{}
		return
	}

	d.core.StampIfNeeded(sub.Op)
	receipt, err := d.core.ProcessEvent(sub.Op)

	evt := d.logger.Debug()
	if err != nil {
		evt = d.logger.Info().Err(err)
	}
	evt.Str("op_type", sub.Op.EventType().String()).
		Str("idempotency_key", sub.Op.IdempotencyKey()).
		Str("partition", sub.Op.Partition()).
		Int64("source_seq", sub.Op.SourceSequence()).
		Msg("operation dispatched")

	sub.Reply <- Reply{Receipt: receipt, Err: err}
}
