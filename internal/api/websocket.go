package api

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"flock-sim/internal/sim"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// MaxWSConnectionsTotal is the maximum number of WebSocket connections allowed
	MaxWSConnectionsTotal = 500

	// MaxWSConnectionsPerIP is the maximum WebSocket connections per IP
	MaxWSConnectionsPerIP = 10

	wsSendBuffer   = 8
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadLimit    = 4096
)

// Wire formats for snapshot frames.
const (
	FormatJSON    = "json"    // text frames
	FormatMsgpack = "msgpack" // binary frames
)

// wsEnvelope wraps every pushed message.
type wsEnvelope struct {
	Event string      `json:"event" msgpack:"event"`
	Data  interface{} `json:"data" msgpack:"data"`
}

// wsClient tracks a WebSocket connection with its source IP and format
type wsClient struct {
	conn   *websocket.Conn
	ip     string
	format string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// WebSocketHub manages all WebSocket connections with DoS protection.
// Each client has its own bounded send queue; a client that falls behind
// misses frames instead of stalling the others.
type WebSocketHub struct {
	mu       sync.RWMutex
	clients  map[*wsClient]struct{}
	upgrader websocket.Upgrader

	// Connection limiting per IP
	wsLimiter *WebSocketRateLimiter

	stopOnce sync.Once
	stop     chan struct{}
}

// NewWebSocketHub creates a new hub with connection limiting. origins are
// CORS-style patterns, nil for localhost only.
func NewWebSocketHub(origins []string) *WebSocketHub {
	policy := NewOriginPolicy(origins)
	h := &WebSocketHub{
		clients:   make(map[*wsClient]struct{}),
		wsLimiter: NewWebSocketRateLimiter(MaxWSConnectionsPerIP),
		stop:      make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if policy.Allowed(origin) {
				return true
			}
			log.Printf("⚠️ WebSocket connection rejected from origin: %s", origin)
			RecordConnectionRejected("origin")
			return false
		},
	}
	return h
}

// ClientCount returns the number of connected clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WebSocketHub) register(c *wsClient) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	UpdateWSConnections(len(h.clients))
	return len(h.clients)
}

func (h *WebSocketHub) unregister(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		h.wsLimiter.Release(c.ip)
	}
	count := len(h.clients)
	h.mu.Unlock()

	c.close()
	if ok {
		log.Printf("📱 Client disconnected (%d remaining)", count)
		UpdateWSConnections(count)
	}
}

// Broadcast encodes an event once per wire format in use and queues it to
// every client.
func (h *WebSocketHub) Broadcast(event string, data interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}

	env := wsEnvelope{Event: event, Data: data}
	frames := make(map[string][]byte, 2)
	sent := make(map[string]int, 2)
	for c := range h.clients {
		frame, ok := frames[c.format]
		if !ok {
			var err error
			frame, err = encodeFrame(c.format, env)
			if err != nil {
				log.Printf("⚠️ Failed to encode %s frame: %v", c.format, err)
				return
			}
			frames[c.format] = frame
		}
		select {
		case c.send <- frame:
			sent[c.format]++
		default:
			// Slow consumer, drop this frame for it (backpressure)
		}
	}
	for format, n := range sent {
		IncrementWSMessages(format, n)
	}
}

func encodeFrame(format string, env wsEnvelope) ([]byte, error) {
	if format == FormatMsgpack {
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.SetCustomStructTag("json")
		if err := enc.Encode(env); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return json.Marshal(env)
}

// SnapshotSource is what the broadcast loop reads from.
type SnapshotSource interface {
	GetSnapshot() *sim.Snapshot
	GetEventLogStats() sim.EventLogStats
}

// StartBroadcastLoop pushes the latest snapshot hz times per second until
// Close. Unchanged snapshots are not resent.
func (h *WebSocketHub) StartBroadcastLoop(src SnapshotSource, hz int) {
	if hz <= 0 {
		hz = 10
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))

	go func() {
		defer ticker.Stop()
		var lastSeq uint64
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
			}

			UpdateEventLogStats(src.GetEventLogStats())
			if h.ClientCount() == 0 {
				continue
			}
			snap := src.GetSnapshot()
			if snap.Sequence == lastSeq {
				continue
			}
			lastSeq = snap.Sequence
			h.Broadcast("flock:state", snap)
		}
	}()
}

// Close stops the broadcast loop and disconnects every client.
func (h *WebSocketHub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.unregister(c)
	}
}

// HandleWebSocket handles incoming WebSocket connections with DoS protection.
// ?format=msgpack selects binary msgpack frames; the default is JSON text.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := GetClientIP(r)

	format := r.URL.Query().Get("format")
	switch format {
	case "", FormatJSON:
		format = FormatJSON
	case FormatMsgpack:
	default:
		writeError(w, "unknown format "+format, http.StatusBadRequest)
		return
	}

	if total := h.ClientCount(); total >= MaxWSConnectionsTotal {
		log.Printf("⚠️ WebSocket connection rejected: total limit reached (%d)", total)
		RecordConnectionRejected("ws_total_limit")
		writeError(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	if !h.wsLimiter.Allow(ip) {
		log.Printf("⚠️ WebSocket connection rejected from %s: per-IP limit reached", ip)
		RecordConnectionRejected("ws_ip_limit")
		writeError(w, "Too many connections from your IP", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		h.wsLimiter.Release(ip)
		return
	}

	c := &wsClient{
		conn:   conn,
		ip:     ip,
		format: format,
		send:   make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
	}
	count := h.register(c)
	log.Printf("📱 Client connected from %s as %s (%d total)", ip, format, count)

	go h.writePump(c)
	go h.readPump(c)
}

func (h *WebSocketHub) writePump(c *wsClient) {
	ping := time.NewTicker(wsPingInterval)
	defer func() {
		ping.Stop()
		h.unregister(c)
	}()

	msgType := websocket.TextMessage
	if c.format == FormatMsgpack {
		msgType = websocket.BinaryMessage
	}

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(msgType, frame); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages and detects disconnects.
func (h *WebSocketHub) readPump(c *wsClient) {
	defer h.unregister(c)

	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(2 * wsPingInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * wsPingInterval))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
