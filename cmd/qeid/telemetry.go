package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// Telemetry WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
// Messages are JSON text frames with an envelope: {type, ts, data}.
//   - "telemetry_init"   latest Sample, sent once on connect
//   - "telemetry"        Sample, coalesced latest-wins
//   - "counter_reset"    no data
//   - "counter_written"  {pulses}
//
// Slow clients are disconnected when their send buffer fills.
// ============================================================================

type wsCounterWrittenData struct {
	Pulses int64 `json:"pulses"`
}

// wsOutboundEvent is a typed event ready to be wrapped in an envelope.
type wsOutboundEvent struct {
	Type string
	Data any
	At   time.Time // zero means now
}

// envelope is the wire format for WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

func (ev wsOutboundEvent) marshal() ([]byte, error) {
	ts := ev.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return json.Marshal(envelope{Type: ev.Type, Ts: &ts, Data: ev.Data})
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size. Zero means 32.
	SendBuf int

	// BroadcastBuf is the hub inbound queue size. Zero means 128.
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled, then disconnects all clients.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Debug("ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("ws hub stopping (context canceled)")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			// Collect slow clients first, remove them after unlocking.
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.closeSend()
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		// Closing send tells writePump to exit.
		c.closeSend()

		h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

// Clients returns the number of registered clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// BroadcastBytes enqueues a serialized frame for broadcast. It never blocks;
// if the hub queue is full the frame is dropped.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// telemetryCoalesceWindow is the longest a burst of telemetry samples is held
// back (latest wins) before it is broadcast.
const telemetryCoalesceWindow = 50 * time.Millisecond

// closeStatus extracts the websocket close code and text when present.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logExit(pump, cause string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Info("ws "+pump+" exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Info("ws "+pump+" exiting ("+cause+")", "remote_addr", c.remoteAddr, "error", err)
}

// writePump writes queued frames and keepalive pings until send is closed
// or a write fails.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", "write error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", "ping error", err)
				return
			}
		}
	}
}

// readPump discards inbound frames to detect disconnects, then unregisters.
func (c *Client) readPump(ctx context.Context) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("readPump", "read error", err)
			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
	}
}

// ============================================================================
// HTTP handler
// ============================================================================

type Server struct {
	logger *slog.Logger
	hub    *Hub

	// latest provides the telemetry_init payload.
	latest func() Sample
}

type ServerConfig struct {
	Hub HubConfig
}

// NewServer constructs the telemetry server. Register it on a mux, then run
// hub.Run(ctx) and RunBroadcaster.
func NewServer(logger *slog.Logger, latest func() Sample, cfg ServerConfig) *Server {
	return &Server{
		logger: logger,
		hub:    NewHub(logger, cfg.Hub),
		latest: latest,
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Register registers the WS handler on mux.
func (s *Server) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleTelemetryWS)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleTelemetryWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)

	// Queue the init frame before registering so it precedes any broadcast.
	if s.latest != nil {
		sample := s.latest()
		msg, err := wsOutboundEvent{Type: "telemetry_init", Data: sample, At: sample.At}.marshal()
		if err == nil {
			client.send <- msg
		} else {
			s.logger.Warn("ws telemetry_init marshal failed", "error", err)
		}
	}

	s.hub.register <- client

	// The pumps outlive the request; net/http cancels r.Context() when the
	// handler returns.
	go client.writePump(context.Background())
	go client.readPump(context.Background())
}

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster converts daemon broadcasts into frames for the hub.
// Telemetry samples are flushed at most once per telemetryCoalesceWindow,
// latest wins. Counter events flush any pending sample first so clients see
// them in order.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan Broadcast, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	var pending *wsOutboundEvent
	var timer *time.Timer
	var timerCh <-chan time.Time

	send := func(ev wsOutboundEvent) {
		msg, err := ev.marshal()
		if err != nil {
			logger.Warn("ws broadcaster marshal failed", "error", err, "type", ev.Type)
			return
		}
		hub.BroadcastBytes(msg)
	}

	flushPending := func() {
		if pending == nil {
			return
		}
		send(*pending)
		pending = nil
	}

	stopTimer := func() {
		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
		timerCh = nil
	}

	for {
		select {
		case <-ctx.Done():
			flushPending()
			stopTimer()
			return

		case <-timerCh:
			flushPending()
			stopTimer()

		case b, ok := <-src:
			if !ok {
				flushPending()
				stopTimer()
				logger.Info("ws broadcaster stopping (source ended)")
				return
			}

			ev, ok := convertBroadcast(b)
			if !ok {
				continue
			}

			if ev.Type == "telemetry" {
				pending = &ev
				if timer == nil {
					timer = time.NewTimer(telemetryCoalesceWindow)
					timerCh = timer.C
				}
				continue
			}

			flushPending()
			stopTimer()
			send(ev)
		}
	}
}

func convertBroadcast(b Broadcast) (wsOutboundEvent, bool) {
	switch ev := b.(type) {
	case BroadcastTelemetry:
		return wsOutboundEvent{Type: "telemetry", Data: ev.Sample, At: ev.Sample.At}, true

	case BroadcastCounterReset:
		return wsOutboundEvent{Type: "counter_reset", At: ev.At}, true

	case BroadcastCounterWritten:
		return wsOutboundEvent{
			Type: "counter_written",
			Data: wsCounterWrittenData{Pulses: ev.Pulses},
			At:   ev.At,
		}, true

	default:
		return wsOutboundEvent{}, false
	}
}
