package ingestion_test

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/ingestion"
	"MarginLedger/internal/state"
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubmitter struct {
	receipt *core.Receipt
	err     error
	got     []event.Event
}

func (f *fakeSubmitter) Submit(_ context.Context, op event.Event) (*core.Receipt, error) {
	f.got = append(f.got, op)
	return f.receipt, f.err
}

type ackRecorder struct {
	acked, naked, termed int
}

func (a *ackRecorder) wire(raw ingestion.RawEvent) ingestion.RawEvent {
	raw.AckFunc = func() { a.acked++ }
	raw.NakFunc = func() { a.naked++ }
	raw.TermFunc = func() { a.termed++ }
	return raw
}

func depositRaw(t *testing.T) ingestion.RawEvent {
	return rawFromJSON(t, "DepositMargin", map[string]interface{}{
		"op_id":     opID,
		"sequence":  0,
		"trader_id": traderS,
		"amount":    "10",
	})
}

func TestRouter_AckPolicy(t *testing.T) {
	cases := []struct {
		name                 string
		err                  error
		acked, naked, termed int
	}{
		{"committed", nil, 1, 0, 0},
		{"rejected", fmt.Errorf("deposit: %w", state.ErrNotAuthorized), 1, 0, 0},
		{"out of order", fmt.Errorf("sequence validation failed: %w", core.ErrOutOfOrder), 1, 0, 0},
		{"gap", fmt.Errorf("sequence validation failed: %w", core.ErrSequenceGap), 0, 1, 0},
		{"stopped", core.ErrDispatcherStopped, 0, 1, 0},
		{"cancelled", context.Canceled, 0, 1, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := &fakeSubmitter{receipt: &core.Receipt{Sequence: 1}, err: tc.err}
			rec := &ackRecorder{}
			router := ingestion.NewRouter(sub, nil, zerolog.Nop())

			router.Route(context.Background(), rec.wire(depositRaw(t)))

			require.Len(t, sub.got, 1)
			assert.Equal(t, tc.acked, rec.acked)
			assert.Equal(t, tc.naked, rec.naked)
			assert.Equal(t, tc.termed, rec.termed)
		})
	}
}

func TestRouter_MalformedIsTerminated(t *testing.T) {
	sub := &fakeSubmitter{}
	rec := &ackRecorder{}
	router := ingestion.NewRouter(sub, nil, zerolog.Nop())

	raw := rawFromJSON(t, "DepositMargin", map[string]interface{}{"op_id": "garbage"})
	router.Route(context.Background(), rec.wire(raw))

	assert.Empty(t, sub.got)
	assert.Equal(t, 1, rec.termed)
	assert.Zero(t, rec.acked)
}

func TestRouter_RunStopsWhenInputCloses(t *testing.T) {
	sub := &fakeSubmitter{receipt: &core.Receipt{}}
	in := make(chan ingestion.RawEvent, 2)
	in <- depositRaw(t)
	in <- depositRaw(t)
	close(in)

	ingestion.NewRouter(sub, in, zerolog.Nop()).Run(context.Background())
	assert.Len(t, sub.got, 2)
}

func TestDefaultSubjects_CoverEveryOperation(t *testing.T) {
	subjects := ingestion.DefaultSubjects()
	require.Len(t, subjects, len(event.AllEventTypes()))
	for _, s := range subjects {
		assert.Equal(t, "margin.ops."+s.EventType, s.Subject)
		assert.Equal(t, ingestion.OpsStream, s.StreamName)
	}
}
