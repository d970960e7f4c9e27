package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"fno-trading-engine/internal/events"
)

const (
	// clientQueueSize bounds each client's send buffer. A slow reader sheds
	// droppable events past this; critical/urgent events close the
	// connection instead of being dropped.
	clientQueueSize = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is enforced by the CORS layer; the hub takes any
	// upgraded connection.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage is one frame on the live channel.
type wsMessage struct {
	data     []byte
	severity events.Severity
}

// WSClient is one live-channel consumer.
type WSClient struct {
	conn *websocket.Conn
	hub  *Hub

	mu      sync.Mutex
	queue   []wsMessage
	dropped uint64
	closed  bool

	wake      chan struct{}
	closeChan chan struct{}
}

// dropNotice tells a client how many events were shed since its last frame.
type dropNotice struct {
	Type    string `json:"type"`
	Dropped uint64 `json:"dropped"`
}

// enqueue applies the severity-aware drop policy. Returns false when an
// undroppable event cannot be delivered, which terminates the client.
func (c *WSClient) enqueue(m wsMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}

	if len(c.queue) >= clientQueueSize {
		shed := -1
		for i, q := range c.queue {
			if q.severity.Droppable() {
				shed = i
				break
			}
		}
		switch {
		case shed >= 0:
			c.queue = append(c.queue[:shed], c.queue[shed+1:]...)
			c.dropped++
		case m.severity.Droppable():
			c.dropped++
			return true
		default:
			// Queue full of undroppable frames and another arrives: the
			// reader is dead weight. Close rather than lose an urgent event.
			return false
		}
	}

	c.queue = append(c.queue, m)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

func (c *WSClient) dequeue() (wsMessage, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return wsMessage{}, 0, false
	}
	m := c.queue[0]
	c.queue = c.queue[1:]
	dropped := c.dropped
	c.dropped = 0
	return m, dropped, true
}

func (c *WSClient) close() {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if !already {
		close(c.closeChan)
	}
}

// writePump drains the queue to the socket, prefixing a drop notice whenever
// events were shed since the previous frame.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.wake:
			for {
				m, dropped, ok := c.dequeue()
				if !ok {
					break
				}
				if dropped > 0 {
					notice, _ := json.Marshal(dropNotice{Type: "DROPPED", Dropped: dropped})
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, notice); err != nil {
						return
					}
				}
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, m.data); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeChan:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump discards inbound frames and keeps the pong deadline fresh.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Hub fans bus events out to WebSocket clients.
type Hub struct {
	log zerolog.Logger

	mu      sync.Mutex
	clients map[*WSClient]bool
	sub     *events.Subscription
	done    chan struct{}
	once    sync.Once
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:     log.With().Str("component", "ws-hub").Logger(),
		clients: make(map[*WSClient]bool),
		done:    make(chan struct{}),
	}
}

// Attach starts broadcasting a bus subscription to all clients.
func (h *Hub) Attach(sub *events.Subscription) {
	h.sub = sub
	go h.run()
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			return
		case e, ok := <-h.sub.C():
			if !ok {
				return
			}
			h.broadcast(e)
		}
	}
}

func (h *Hub) broadcast(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.log.Error().Err(err).Msg("event marshal failed")
		return
	}
	m := wsMessage{data: data, severity: e.Severity}

	h.mu.Lock()
	for client := range h.clients {
		if !client.enqueue(m) {
			h.log.Warn().Msg("closing client stalled on undroppable event")
			delete(h.clients, client)
			client.close()
		}
	}
	h.mu.Unlock()
}

func (h *Hub) register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *Hub) unregister(c *WSClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close detaches from the bus and disconnects every client.
func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.done)
		if h.sub != nil {
			h.sub.Close()
		}
		h.mu.Lock()
		for client := range h.clients {
			client.close()
		}
		h.clients = make(map[*WSClient]bool)
		h.mu.Unlock()
	})
}

// handleWebSocket upgrades the connection and joins the hub.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &WSClient{
		conn:      conn,
		hub:       s.hub,
		wake:      make(chan struct{}, 1),
		closeChan: make(chan struct{}),
	}
	s.hub.register(client)

	go client.writePump()
	go client.readPump()
}
