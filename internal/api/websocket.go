package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/powertime-core/internal/infrastructure/config"
	"github.com/nerrad567/powertime-core/internal/infrastructure/logging"
	"github.com/nerrad567/powertime-core/internal/plugin"
)

// Message types exchanged on /ws.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Events pushed by the hub. Subscribing to EventAll receives both.
const (
	EventChannelSwitched    = "channel.switched"
	EventPluginStateChanged = "plugin.state_changed"
	EventAll                = "*"
)

// wsSendBufferSize is the number of events queued per client before new
// ones are dropped.
const wsSendBufferSize = 256

// noRelay marks events that are not about a single relay channel.
const noRelay = -1

// ChannelSwitchedPayload is the payload of channel.switched.
type ChannelSwitchedPayload struct {
	Channel  int       `json:"channel"`
	On       bool      `json:"on"`
	Port     string    `json:"port"`
	Local    int       `json:"local_index"`
	Register uint8     `json:"register"`
	Source   string    `json:"source"`
	At       time.Time `json:"at"`
}

// PluginStateChangedPayload is the payload of plugin.state_changed.
type PluginStateChangedPayload struct {
	From     string    `json:"from"`
	To       string    `json:"to"`
	Channels int       `json:"channels"`
	At       time.Time `json:"at"`
}

// WSMessage is the envelope of every WebSocket message.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload selects events. Relays optionally narrows
// channel.switched to the listed relay channels, so a billing station can
// follow only its own outlets.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
	Relays   []int    `json:"relays,omitempty"`
}

// wsInbound is a client message with its payload left undecoded.
type wsInbound struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

const (
	defaultWSMaxMessageSize = 8192
	defaultWSPingInterval   = 30 * time.Second
	defaultWSPongTimeout    = 10 * time.Second
)

func withWSDefaults(cfg config.WebSocketConfig) config.WebSocketConfig {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultWSMaxMessageSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultWSPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultWSPongTimeout
	}
	return cfg
}

// Hub fans plugin events out to WebSocket clients.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}

	dropped atomic.Uint64
}

// WSClient is one connected client.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// subject is the token subject, empty when auth is disabled.
	subject string

	mu            sync.RWMutex
	subscriptions map[string]struct{}
	relays        map[int]struct{}
	closed        bool
}

// NewHub creates a hub. Zero settings take their defaults.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     withWSDefaults(cfg),
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
		if c.conn != nil {
			c.conn.Close() //nolint:errcheck // Shutting down
		}
	}
}

// Register adds a client.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "subject", c.subject, "clients", n)
}

// Unregister removes a client and closes its queue. Safe to call twice.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.close()
		h.logger.Debug("websocket client disconnected", "subject", c.subject, "clients", n)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many events were discarded for slow clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Broadcast pushes an event to every client subscribed to eventType.
func (h *Hub) Broadcast(eventType string, payload any) {
	h.broadcast(eventType, noRelay, payload)
}

func (h *Hub) broadcast(eventType string, relayChannel int, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding websocket event", "event", eventType, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.wants(eventType, relayChannel) && !c.enqueue(data) {
			h.dropped.Add(1)
		}
	}
}

// SwitchListener returns a plugin switch listener that pushes
// channel.switched.
func (h *Hub) SwitchListener() func(plugin.SwitchEvent) {
	return func(ev plugin.SwitchEvent) {
		h.broadcast(EventChannelSwitched, ev.Channel, ChannelSwitchedPayload{
			Channel:  ev.Channel,
			On:       ev.Enabled,
			Port:     ev.Device,
			Local:    ev.Local,
			Register: ev.Register,
			Source:   ev.Origin,
			At:       ev.At.UTC(),
		})
	}
}

// StateListener returns a plugin state listener that pushes
// plugin.state_changed.
func (h *Hub) StateListener() func(plugin.StateChange) {
	return func(sc plugin.StateChange) {
		h.Broadcast(EventPluginStateChanged, PluginStateChangedPayload{
			From:     sc.From.String(),
			To:       sc.To.String(),
			Channels: sc.Channels,
			At:       sc.At.UTC(),
		})
	}
}

// handleWebSocket upgrades the request. authMiddleware has already run.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "request_id", requestID(r))
		return
	}

	c := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}
	if claims := claimsFromContext(r.Context()); claims != nil {
		c.subject = claims.Subject
	}
	s.hub.Register(c)

	go c.writeLoop(s.hub.cfg)
	go c.readLoop(s.hub.cfg)
}

// readLoop handles client messages until the connection fails. Any message
// from the client extends the read deadline, as a pong does.
func (c *WSClient) readLoop(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close() //nolint:errcheck // Connection is finished
	}()

	deadline := cfg.PingInterval + cfg.PongTimeout
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(deadline)) }

	c.conn.SetReadLimit(cfg.MaxMessageSize)
	extend() //nolint:errcheck // A failed deadline surfaces on the next read
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read failed", "subject", c.subject, "error", err)
			}
			return
		}
		extend() //nolint:errcheck // A failed deadline surfaces on the next read
		c.dispatch(data)
	}
}

// writeLoop drains the send queue and pings the client.
func (c *WSClient) writeLoop(cfg config.WebSocketConfig) {
	ping := time.NewTicker(cfg.PingInterval)
	defer func() {
		ping.Stop()
		c.conn.Close() //nolint:errcheck // Connection is finished
	}()

	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(cfg.PongTimeout)) //nolint:errcheck // Write reports the failure
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				write(websocket.CloseMessage, nil) //nolint:errcheck // Closing anyway
				return
			}
			if write(websocket.TextMessage, data) != nil {
				return
			}
		case <-ping.C:
			if write(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

func (c *WSClient) dispatch(data []byte) {
	var in wsInbound
	if err := json.Unmarshal(data, &in); err != nil {
		c.reply("", WSTypeError, map[string]string{"message": "invalid JSON message"})
		return
	}

	switch in.Type {
	case WSTypePing:
		c.reply(in.ID, WSTypePong, nil)
	case WSTypeSubscribe, WSTypeUnsubscribe:
		var sub WSSubscribePayload
		if len(in.Payload) == 0 || json.Unmarshal(in.Payload, &sub) != nil {
			c.reply(in.ID, WSTypeError, map[string]string{"message": "invalid " + in.Type + " payload"})
			return
		}
		if in.Type == WSTypeSubscribe {
			c.subscribe(sub)
			c.hub.logger.Debug("websocket subscribe", "subject", c.subject, "events", sub.Channels, "relays", sub.Relays)
			c.reply(in.ID, WSTypeResponse, map[string]any{"subscribed": sub.Channels, "relays": sub.Relays})
		} else {
			c.unsubscribe(sub)
			c.reply(in.ID, WSTypeResponse, map[string]any{"unsubscribed": sub.Channels})
		}
	default:
		c.reply(in.ID, WSTypeError, map[string]string{"message": "unknown message type: " + in.Type})
	}
}

func (c *WSClient) subscribe(sub WSSubscribePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range sub.Channels {
		c.subscriptions[ev] = struct{}{}
	}
	if len(sub.Relays) > 0 {
		if c.relays == nil {
			c.relays = make(map[int]struct{}, len(sub.Relays))
		}
		for _, ch := range sub.Relays {
			c.relays[ch] = struct{}{}
		}
	}
}

func (c *WSClient) unsubscribe(sub WSSubscribePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range sub.Channels {
		delete(c.subscriptions, ev)
	}
	for _, ch := range sub.Relays {
		delete(c.relays, ch)
	}
	if len(c.relays) == 0 {
		c.relays = nil
	}
}

// wants reports whether an event should reach the client. A nil relay
// filter matches every relay channel.
func (c *WSClient) wants(eventType string, relayChannel int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, byType := c.subscriptions[eventType]
	_, all := c.subscriptions[EventAll]
	if !byType && !all {
		return false
	}
	if relayChannel == noRelay || c.relays == nil {
		return true
	}
	_, ok := c.relays[relayChannel]
	return ok
}

// enqueue queues data without blocking. It reports false when the queue is
// full; data for a closed client is discarded silently.
func (c *WSClient) enqueue(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *WSClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.enqueue(data)
}
