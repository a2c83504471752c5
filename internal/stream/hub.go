// Package stream pushes margin call and liquidation notifications to
// WebSocket clients.
package stream

import (
	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/observability"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	clientSendSize = 64
)

// Notification types
const (
	TypeMarginCall        = "margin_call"
	TypeMarginCallCleared = "margin_call_cleared"
	TypeLiquidation       = "liquidation"
)

// Notification is one JSON message sent to clients.
type Notification struct {
	Type           string `json:"type"`
	Sequence       int64  `json:"sequence"`
	Owner          string `json:"owner"`
	PositionID     uint64 `json:"position_id"`
	AssetPair      string `json:"asset_pair,omitempty"`
	RequiredMargin string `json:"required_margin,omitempty"`
	Forfeited      string `json:"forfeited,omitempty"`
}

// Notifications derives the messages a committed output produces.
func Notifications(out core.CoreOutput) []Notification {
	if out.Envelope == nil || out.Effects == nil {
		return nil
	}
	seq := out.Envelope.Sequence

	var msgs []Notification
	if out.Envelope.EventType == event.EventTypeLiquidatePosition {
		for _, p := range out.Effects.Positions {
			msgs = append(msgs, Notification{
				Type:       TypeLiquidation,
				Sequence:   seq,
				Owner:      p.Owner.String(),
				PositionID: p.PositionID,
				AssetPair:  p.AssetPair,
				Forfeited:  fpmath.FormatFixed(p.MarginUsed, fpmath.QuoteConfig),
			})
		}
	}
	for _, mc := range out.Effects.MarginCalls {
		n := Notification{
			Type:       TypeMarginCallCleared,
			Sequence:   seq,
			Owner:      mc.Owner.String(),
			PositionID: mc.PositionID,
		}
		if mc.IsMarginCall {
			n.Type = TypeMarginCall
			n.RequiredMargin = fpmath.FormatFixed(mc.RequiredMarginDeposit, fpmath.QuoteConfig)
		}
		msgs = append(msgs, n)
	}
	return msgs
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks connected clients and fans notifications out to them. A
// client whose buffer is full misses the message rather than stalling
// the hub.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	upgrader websocket.Upgrader
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewHub(metrics *observability.Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		metrics: metrics,
		logger:  logger,
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// OutputApplied broadcasts the notifications of a committed output.
func (h *Hub) OutputApplied(_ context.Context, out core.CoreOutput) {
	for _, n := range Notifications(out) {
		h.Broadcast(n)
	}
}

// Broadcast queues a notification for every client.
func (h *Hub) Broadcast(n Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			if h.metrics != nil {
				h.metrics.NotificationDrops.Inc()
			}
		}
	}
}

// ServeHTTP upgrades the request and streams notifications until the
// client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientSendSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Int("total", total).Msg("ws client connected")

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// readPump discards client input and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
