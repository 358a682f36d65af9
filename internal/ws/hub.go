// Package ws pushes canonical events to websocket clients and accepts
// command submissions over the same connection. Every outbound message
// is a {type, ...} envelope; telemetry rides type "data".
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snarg/rack-engine/internal/bus"
	"github.com/snarg/rack-engine/internal/command"
	"github.com/snarg/rack-engine/internal/event"
)

const (
	pingInterval   = 30 * time.Second
	pongTimeout    = 60 * time.Second
	writeTimeout   = 10 * time.Second
	maxInboundSize = 64 * 1024
	sendBufferSize = 64

	timeLayout = "2006-01-02T15:04:05.000Z"
)

// envelope is the wire shape of every outbound message.
type envelope struct {
	Type      string           `json:"type"`
	Data      *event.Canonical `json:"data,omitempty"`
	Timestamp string           `json:"timestamp,omitempty"`
	CommandID string           `json:"commandId,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// inbound is the accepted client message shape. Only type "command"
// has any effect.
type inbound struct {
	Type        string          `json:"type"`
	DeviceID    string          `json:"deviceId"`
	DeviceType  string          `json:"deviceType"`
	MessageType string          `json:"messageType"`
	Payload     command.Payload `json:"payload"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans canonical events out to connected clients. Slow clients
// lose frames rather than stall the pipeline.
type Hub struct {
	bus      *bus.Bus
	log      zerolog.Logger
	upgrader websocket.Upgrader
	http     *http.Server
	now      func() time.Time

	mu      sync.RWMutex
	clients map[*client]struct{}

	unsub func()
}

func NewHub(b *bus.Bus, addr string, log zerolog.Logger) *Hub {
	h := &Hub{
		bus: b,
		log: log.With().Str("component", "ws").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now:     time.Now,
		clients: make(map[*client]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.ServeWS)
	h.http = &http.Server{Addr: addr, Handler: mux}
	return h
}

// Register subscribes the hub to normalized events. The returned
// cancel detaches it again.
func (h *Hub) Register() func() {
	h.unsub = h.bus.Subscribe(bus.DataNormalized, "ws", h.handle)
	return h.unsub
}

func (h *Hub) handle(msg any) error {
	ce, ok := msg.(event.Canonical)
	if !ok {
		return nil
	}
	h.Broadcast(ce)
	return nil
}

// Broadcast marshals one data envelope and queues it on every client.
func (h *Hub) Broadcast(ce event.Canonical) {
	frame, err := json.Marshal(envelope{
		Type:      "data",
		Data:      &ce,
		Timestamp: h.now().UTC().Format(timeLayout),
	})
	if err != nil {
		h.log.Error().Err(err).Msg("marshal broadcast frame")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			h.log.Warn().Str("device_id", ce.DeviceID).Msg("client send buffer full, frame dropped")
		}
	}
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades one HTTP request and attaches the client. The
// connected and ready envelopes are queued before any data frame can
// arrive.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBufferSize)}
	c.enqueue(envelope{Type: "connected"})
	c.enqueue(envelope{Type: "ready"})

	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Info().Str("remote", r.RemoteAddr).Int("clients", total).Msg("client attached")

	go c.writePump()
	c.readPump()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, present := h.clients[c]
	if present {
		delete(h.clients, c)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	if present {
		h.log.Info().Int("clients", total).Msg("client detached")
	}
}

// Start serves until Shutdown. A closed listener is a clean exit.
func (h *Hub) Start() error {
	h.log.Info().Str("addr", h.http.Addr).Msg("websocket server starting")
	err := h.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown detaches from the bus, stops the listener, and closes every
// client connection.
func (h *Hub) Shutdown(ctx context.Context) error {
	if h.unsub != nil {
		h.unsub()
	}
	err := h.http.Shutdown(ctx)

	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	return err
}

// ── Client pumps ─────────────────────────────────────────────────────

func (c *client) enqueue(env envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

// writePump owns all writes on the connection: queued frames and
// keepalive pings. It exits when the send channel closes or a write
// fails.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client messages until the connection drops, then
// detaches the client.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInboundSize)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.log.Warn().Err(err).Msg("client read error")
			}
			return
		}
		if msg.Type != "command" {
			continue
		}
		c.handleCommand(msg)
	}
}

// handleCommand validates and republishes one inbound command, then
// acknowledges it. Validation failures go back to the sender instead
// of the error channel.
func (c *client) handleCommand(msg inbound) {
	req, err := command.BuildRequest(msg.DeviceID, event.DeviceType(msg.DeviceType), msg.MessageType, msg.Payload)
	if err != nil {
		c.enqueue(envelope{Type: "error", Error: err.Error()})
		return
	}
	c.hub.bus.Publish(bus.CommandRequest, req)
	c.enqueue(envelope{Type: "command_ack", CommandID: req.CommandID})
}
