// FILE: hub.go
// Package stream – WebSocket fan-out of engine events.
//
// Hub reads the engine's event queue and writes every event, as JSON
// {"type","time","data"}, to each connected client. Each client has its own
// buffered send queue; a client whose queue is full is dropped so a slow
// browser never stalls the others or the engine.
package stream

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chidi150c/scalper/internal/engine"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

type client struct {
	id     string
	send   chan engine.Event
	once   sync.Once
	closed chan struct{}
}

func (c *client) close() { c.once.Do(func() { close(c.closed) }) }

// Hub tracks connected clients.
type Hub struct {
	log      zerolog.Logger
	buffer   int
	origins  []string
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub returns a hub with a per-client queue of buffer events. An empty
// origins list accepts any Origin.
func NewHub(log zerolog.Logger, buffer int, origins ...string) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	h := &Hub{
		log:     log.With().Str("component", "stream").Logger(),
		buffer:  buffer,
		origins: origins,
		clients: make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096, CheckOrigin: h.checkOrigin}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if OriginAllowed(h.origins, origin) {
		return true
	}
	h.log.Warn().Str("origin", origin).Msg("websocket origin rejected")
	return false
}

// OriginAllowed reports whether origin (scheme://host) is on the list. "*"
// allows any origin.
func OriginAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	o := u.Scheme + "://" + u.Host
	for _, a := range allowed {
		if strings.TrimSuffix(a, "/") == o {
			return true
		}
	}
	return false
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run pumps events to clients until ctx ends or events closes.
func (h *Hub) Run(ctx context.Context, events <-chan engine.Event) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case ev, ok := <-events:
			if !ok {
				h.closeAll()
				return nil
			}
			h.Broadcast(ev)
		}
	}
}

// Broadcast queues ev for every client, dropping clients that cannot keep up.
func (h *Hub) Broadcast(ev engine.Event) {
	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		h.log.Warn().Str("client", c.id).Msg("slow websocket client dropped")
		h.remove(c)
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info().Str("client", c.id).Int("clients", n).Msg("websocket client connected")
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.close()
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams events until either side leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{id: uuid.NewString(), send: make(chan engine.Event, h.buffer), closed: make(chan struct{})}
	h.add(c)
	go h.readPump(conn, c)
	h.writePump(conn, c)
	h.remove(c)
	conn.Close()
	h.log.Info().Str("client", c.id).Msg("websocket client disconnected")
}

func (h *Hub) writePump(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case ev := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Debug().Err(err).Str("client", c.id).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services pongs and close frames; clients never send commands here.
func (h *Hub) readPump(conn *websocket.Conn, c *client) {
	defer c.close()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("client", c.id).Msg("websocket read failed")
			}
			return
		}
	}
}
