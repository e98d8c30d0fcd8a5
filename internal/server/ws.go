package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ocx/bridge/internal/identity"
	"github.com/ocx/bridge/internal/task"
)

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second // time allowed to write a frame

	wsPayloadLimit = 1 << 20
	wsSendBuffer   = 16
)

// wsEnvelope is both the inbound and outbound message shape.
type wsEnvelope struct {
	Type    string          `json:"type"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsHub tracks open connections and enforces the connection cap.
type wsHub struct {
	s        *Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

// wsConn is one authenticated socket. All writes go through the send
// channel into a single write-pump goroutine; reads stay on the handler
// goroutine.
type wsConn struct {
	id       string
	hub      *wsHub
	sock     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	identity identity.Identity
	ip       string
	limiter  *rate.Limiter

	mu    sync.Mutex
	tasks map[string]struct{} // ids with a push registered to this conn
}

func newWSHub(s *Server) *wsHub {
	h := &wsHub{s: s, conns: make(map[*wsConn]struct{})}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *wsHub) checkOrigin(r *http.Request) bool {
	allowed := h.s.cfg.WebSocket.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range allowed {
		if o == origin {
			return true
		}
	}
	return false
}

func (h *wsHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *wsHub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if h.count() >= h.s.cfg.WebSocket.MaxConns {
		h.s.writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "connection limit reached")
		return
	}
	res, err := h.s.auth.AtHandshake(r)
	if err != nil {
		h.s.metrics.AuthTotal.WithLabelValues("handshake", "rejected").Inc()
		h.s.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "websocket authentication failed")
		return
	}
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	perMinute := h.s.cfg.WebSocket.MessageRate
	if perMinute <= 0 {
		perMinute = 10
	}
	c := &wsConn{
		id:       uuid.NewString(),
		hub:      h,
		sock:     sock,
		send:     make(chan []byte, wsSendBuffer),
		done:     make(chan struct{}),
		identity: res.Identity,
		ip:       clientIP(r),
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		tasks:    make(map[string]struct{}),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.s.metrics.WSConnections.Inc()
	h.s.logger.Info("websocket connected", "conn_id", c.id, "identity", res.Identity.ID, "ip", c.ip)

	go c.writePump()
	go c.readPump()
}

// closeAll shuts every connection down, for server shutdown.
func (h *wsHub) closeAll() {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.sock.Close()

		c.mu.Lock()
		ids := make([]string, 0, len(c.tasks))
		for id := range c.tasks {
			ids = append(ids, id)
		}
		c.mu.Unlock()
		for _, id := range ids {
			c.hub.s.registry.DropPush(id)
		}

		c.hub.mu.Lock()
		delete(c.hub.conns, c)
		c.hub.mu.Unlock()
		c.hub.s.metrics.WSConnections.Dec()
		c.hub.s.logger.Info("websocket disconnected", "conn_id", c.id, "identity", c.identity.ID)
	})
}

// enqueue serializes v into the send buffer without blocking; a full
// buffer drops the message rather than stalling the caller.
func (c *wsConn) enqueue(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	case <-c.done:
	default:
		c.hub.s.logger.Warn("websocket send buffer full, dropping message", "identity", c.identity.ID)
	}
}

func (c *wsConn) sendError(code, message string) {
	c.enqueue(wsEnvelope{Type: "error", Code: code, Message: message})
}

// writePump owns every write on the socket: queued messages, keepalive
// pings, and the close frame.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case raw := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			c.sock.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump owns every read. Task submissions run through the same engine
// gates as REST; results come back through the registry's push channel.
func (c *wsConn) readPump() {
	defer c.close()

	c.sock.SetReadLimit(wsPayloadLimit)
	c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.s.logger.Warn("websocket read failed", "identity", c.identity.ID, "error", err)
			}
			return
		}
		if !c.limiter.Allow() {
			c.hub.s.metrics.RateLimitDenials.WithLabelValues("ws").Inc()
			c.sendError("RATE_LIMITED", "message rate limit exceeded")
			continue
		}

		var env wsEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendError("VALIDATION_ERROR", "message is not valid JSON")
			continue
		}
		switch env.Type {
		case "task":
			c.handleTask(env.Payload)
		default:
			c.sendError("VALIDATION_ERROR", "unknown message type")
		}
	}
}

func (c *wsConn) handleTask(payload json.RawMessage) {
	var sub task.Submission
	if err := json.Unmarshal(payload, &sub); err != nil {
		c.sendError("VALIDATION_ERROR", "task payload is not valid")
		return
	}
	t, serr := c.hub.s.engine.Submit(sub, c.identity, c.ip)
	if serr != nil {
		c.sendError(serr.Code, serr.Message)
		return
	}

	c.mu.Lock()
	c.tasks[t.ID] = struct{}{}
	c.mu.Unlock()

	c.enqueue(wsEnvelope{Type: "accepted", Payload: mustJSON(map[string]string{"taskId": t.ID})})
	c.hub.s.registry.SetPush(t.ID, func(res task.Result) {
		c.mu.Lock()
		delete(c.tasks, t.ID)
		c.mu.Unlock()
		c.enqueue(wsEnvelope{Type: "result", Payload: mustJSON(res)})
	})
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
