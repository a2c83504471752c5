package stream

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/state"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifications_MarginCall(t *testing.T) {
	owner := uuid.New()
	out := core.CoreOutput{
		Envelope: &event.EventEnvelope{Sequence: 9, EventType: event.EventTypeEvaluateMarginCall},
		Effects: &core.Effects{MarginCalls: []state.MarginCall{{
			Owner:                 owner,
			PositionID:            1,
			IsMarginCall:          true,
			RequiredMarginDeposit: 2_500_000,
		}}},
	}

	msgs := Notifications(out)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeMarginCall, msgs[0].Type)
	assert.Equal(t, int64(9), msgs[0].Sequence)
	assert.Equal(t, owner.String(), msgs[0].Owner)
	assert.Equal(t, "2.500000", msgs[0].RequiredMargin)
}

func TestNotifications_MarginCallCleared(t *testing.T) {
	out := core.CoreOutput{
		Envelope: &event.EventEnvelope{Sequence: 3, EventType: event.EventTypeEvaluateMarginCall},
		Effects:  &core.Effects{MarginCalls: []state.MarginCall{{Owner: uuid.New(), PositionID: 1}}},
	}

	msgs := Notifications(out)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeMarginCallCleared, msgs[0].Type)
	assert.Empty(t, msgs[0].RequiredMargin)
}

func TestNotifications_Liquidation(t *testing.T) {
	owner := uuid.New()
	out := core.CoreOutput{
		Envelope: &event.EventEnvelope{Sequence: 12, EventType: event.EventTypeLiquidatePosition},
		Effects: &core.Effects{
			Positions: []state.Position{{
				Owner:      owner,
				PositionID: 4,
				AssetPair:  "BTC-USD",
				MarginUsed: 1_000_000,
				Status:     state.PositionStatusLiquidated,
			}},
			MarginCalls: []state.MarginCall{{Owner: owner, PositionID: 4}},
		},
	}

	msgs := Notifications(out)
	require.Len(t, msgs, 2)
	assert.Equal(t, TypeLiquidation, msgs[0].Type)
	assert.Equal(t, uint64(4), msgs[0].PositionID)
	assert.Equal(t, "BTC-USD", msgs[0].AssetPair)
	assert.Equal(t, "1.000000", msgs[0].Forfeited)
	assert.Equal(t, TypeMarginCallCleared, msgs[1].Type)
}

func TestNotifications_OtherOutputsAreSilent(t *testing.T) {
	out := core.CoreOutput{
		Envelope: &event.EventEnvelope{Sequence: 2, EventType: event.EventTypeOpenPosition},
		Effects:  &core.Effects{Positions: []state.Position{{Owner: uuid.New(), PositionID: 1}}},
	}
	assert.Empty(t, Notifications(out))
	assert.Empty(t, Notifications(core.CoreOutput{}))
}

func TestHub_DeliversToClient(t *testing.T) {
	hub := NewHub(observability.NewMetricsWith(prometheus.NewRegistry()), zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	owner := uuid.New()
	hub.OutputApplied(context.Background(), core.CoreOutput{
		Envelope: &event.EventEnvelope{Sequence: 5, EventType: event.EventTypeEvaluateMarginCall},
		Effects: &core.Effects{MarginCalls: []state.MarginCall{{
			Owner: owner, PositionID: 1, IsMarginCall: true, RequiredMarginDeposit: 1,
		}}},
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var n Notification
	require.NoError(t, json.Unmarshal(data, &n))
	assert.Equal(t, TypeMarginCall, n.Type)
	assert.Equal(t, owner.String(), n.Owner)
	assert.Equal(t, int64(5), n.Sequence)
}

func TestHub_DropsWhenClientBufferFull(t *testing.T) {
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	hub := NewHub(metrics, zerolog.Nop())

	// Registered directly so nothing drains the buffer.
	c := &client{send: make(chan []byte, 1)}
	hub.clients[c] = struct{}{}

	hub.Broadcast(Notification{Type: TypeMarginCall})
	hub.Broadcast(Notification{Type: TypeMarginCall})

	assert.Len(t, c.send, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.NotificationDrops))
}
