package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/onecta-bridge/internal/bridges/onecta"
	"github.com/nerrad567/onecta-bridge/internal/infrastructure/logging"
)

// Device state feed.
//
// A client follows a set of devices, given as ?devices=living,office on
// connect (default: all). It receives the current state of each followed
// device immediately and then a device.state_changed event per change.
//
//	→ {"type":"subscribe","id":"1","devices":["office"]}
//	→ {"type":"unsubscribe","id":"2","devices":["living"]}
//	→ {"type":"ping","id":"3"}

// Message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// EventDeviceStateChanged carries an onecta.StateMessage.
const EventDeviceStateChanged = "device.state_changed"

const (
	wsSendBuffer   = 64
	wsWriteWait    = 10 * time.Second
	wsDefaultPing  = 30 * time.Second
	wsDefaultPong  = 10 * time.Second
	wsAllDevices   = "*"
	wsDevicesParam = "devices"
)

// WSMessage is a server-to-client message.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSRequest is a client-to-server message.
type WSRequest struct {
	Type    string   `json:"type"`
	ID      string   `json:"id,omitempty"`
	Devices []string `json:"devices,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are governed by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub tracks feed clients. A client's send channel is only written or
// closed with the hub lock held, so a departing client is never sent to.
type Hub struct {
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	devices map[string]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish sends a state change to the clients following its device.
func (h *Hub) Publish(msg onecta.StateMessage) {
	data, err := json.Marshal(stateEvent(msg))
	if err != nil {
		h.logger.Error("encoding state event", "device", msg.Device, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.follows(msg.Device) {
			h.queue(c, data)
		}
	}
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// deliver queues data for one client if it is still connected.
func (h *Hub) deliver(c *wsClient, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; ok {
		h.queue(c, data)
	}
}

// queue must be called with h.mu held.
func (h *Hub) queue(c *wsClient, data []byte) {
	select {
	case c.send <- data:
	default:
		h.logger.Debug("websocket client too slow, message dropped")
	}
}

func (c *wsClient) follows(device string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, all := c.devices[wsAllDevices]
	_, one := c.devices[device]
	return all || one
}

func (c *wsClient) follow(ids []string) {
	c.mu.Lock()
	for _, id := range ids {
		c.devices[id] = struct{}{}
	}
	c.mu.Unlock()
}

func (c *wsClient) unfollow(ids []string) {
	c.mu.Lock()
	for _, id := range ids {
		delete(c.devices, id)
	}
	c.mu.Unlock()
}

func stateEvent(msg onecta.StateMessage) WSMessage {
	return WSMessage{
		Type:      WSTypeEvent,
		EventType: EventDeviceStateChanged,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   msg,
	}
}

// handleWebSocket upgrades the connection after checking the requested
// devices exist.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get(wsDevicesParam), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if unknown := s.unknownDevice(ids); unknown != "" {
		writeNotFound(w, "unknown device: "+unknown)
		return
	}
	if len(ids) == 0 {
		ids = []string{wsAllDevices}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		conn:    conn,
		send:    make(chan []byte, wsSendBuffer),
		devices: make(map[string]struct{}),
	}
	c.follow(ids)
	if !s.hub.register(c) {
		conn.Close()
		return
	}
	s.logger.Debug("websocket client connected", "devices", ids, "clients", s.hub.ClientCount())

	// Queued before the read pump starts so snapshots precede any reply.
	s.sendStates(c, ids)

	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) unknownDevice(ids []string) string {
	for _, id := range ids {
		if id == wsAllDevices {
			continue
		}
		if _, err := s.bridge.Device(id); err != nil {
			return id
		}
	}
	return ""
}

// sendStates queues the current state of every device matched by ids.
func (s *Server) sendStates(c *wsClient, ids []string) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	now := time.Now().UTC()
	for _, d := range s.bridge.Devices() {
		if !want[wsAllDevices] && !want[d.ID()] {
			continue
		}
		data, err := json.Marshal(stateEvent(d.Snapshot().StateMessage(now)))
		if err != nil {
			continue
		}
		s.hub.deliver(c, data)
	}
}

func (s *Server) wsTimings() (ping, wait time.Duration) {
	ping = time.Duration(s.wsCfg.PingInterval) * time.Second
	if ping <= 0 {
		ping = wsDefaultPing
	}
	pong := time.Duration(s.wsCfg.PongTimeout) * time.Second
	if pong <= 0 {
		pong = wsDefaultPong
	}
	return ping, ping + pong
}

func (s *Server) readPump(c *wsClient) {
	defer func() {
		s.hub.unregister(c)
		c.conn.Close()
		s.logger.Debug("websocket client disconnected", "clients", s.hub.ClientCount())
	}()

	_, wait := s.wsTimings()
	if s.wsCfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(s.wsCfg.MaxMessageSize))
	}
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(wait)) }
	_ = extend("") //nolint:errcheck // a failed deadline surfaces as a read error
	c.conn.SetPongHandler(extend)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		// Application messages count as liveness too.
		_ = extend("") //nolint:errcheck // see above
		s.handleWSRequest(c, data)
	}
}

func (s *Server) writePump(c *wsClient) {
	ping, _ := s.wsTimings()
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck // write reports it
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // closing anyway
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck // write reports it
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWSRequest(c *wsClient, data []byte) {
	var req WSRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.reply(c, "", WSTypeError, wsError("invalid JSON message"))
		return
	}

	switch req.Type {
	case WSTypeSubscribe:
		if len(req.Devices) == 0 {
			s.reply(c, req.ID, WSTypeError, wsError("devices is required"))
			return
		}
		if unknown := s.unknownDevice(req.Devices); unknown != "" {
			s.reply(c, req.ID, WSTypeError, wsError("unknown device: "+unknown))
			return
		}
		c.follow(req.Devices)
		s.reply(c, req.ID, WSTypeResponse, map[string]any{"subscribed": req.Devices})
		s.sendStates(c, req.Devices)
	case WSTypeUnsubscribe:
		c.unfollow(req.Devices)
		s.reply(c, req.ID, WSTypeResponse, map[string]any{"unsubscribed": req.Devices})
	case WSTypePing:
		s.reply(c, req.ID, WSTypePong, nil)
	default:
		s.reply(c, req.ID, WSTypeError, wsError("unknown message type: "+req.Type))
	}
}

func (s *Server) reply(c *wsClient, id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	s.hub.deliver(c, data)
}

func wsError(message string) map[string]string {
	return map[string]string{"message": message}
}
