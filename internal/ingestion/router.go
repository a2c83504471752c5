package ingestion

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Submitter is the dispatcher's submission surface
type Submitter interface {
	Submit(ctx context.Context, op event.Event) (*core.Receipt, error)
}

// Router decodes raw NATS operations and submits them in arrival order.
//
// Ack policy:
//   - malformed payload: Term, redelivery cannot help
//   - sequence gap or shutdown: Nak, the message is retried
//   - committed, duplicate or rejected by the engine: Ack
type Router struct {
	submitter Submitter
	input     <-chan RawEvent
	logger    zerolog.Logger
}

func NewRouter(submitter Submitter, input <-chan RawEvent, logger zerolog.Logger) *Router {
	return &Router{submitter: submitter, input: input, logger: logger}
}

// Run routes until ctx is cancelled or the input channel closes.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-r.input:
			if !ok {
				return
			}
			r.Route(ctx, raw)
		}
	}
}

// Route handles a single raw operation
func (r *Router) Route(ctx context.Context, raw RawEvent) {
	op, err := ParseRawEvent(raw, raw.EventType)
	if err != nil {
		r.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed operation")
		call(raw.TermFunc)
		return
	}

	receipt, err := r.submitter.Submit(ctx, op)
	switch {
	case err == nil:
		if receipt != nil && receipt.Duplicate {
			r.logger.Debug().Str("idempotency_key", op.IdempotencyKey()).Msg("duplicate operation")
		}
		call(raw.AckFunc)

	case errors.Is(err, core.ErrSequenceGap),
		errors.Is(err, core.ErrDispatcherStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		r.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("operation deferred")
		call(raw.NakFunc)

	default:
		r.logger.Info().Err(err).
			Str("op_type", raw.EventType).
			Str("idempotency_key", op.IdempotencyKey()).
			Msg("operation rejected")
		call(raw.AckFunc)
	}
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
