// Package events broadcasts fan-out lifecycle events to WebSocket
// subscribers so operators can watch rollout behavior live. Events carry
// identifiers and states only, never turn content.
package events

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// EventType classifies each pipeline event.
type EventType string

const (
	// TypeCommitted is emitted after a canonical write succeeds.
	TypeCommitted EventType = "turn_committed"

	// TypeFanoutResult is emitted once per adapter write, initial or retried.
	TypeFanoutResult EventType = "fanout_result"

	// TypeRetriesExhausted is emitted when the sweeper abandons a write.
	TypeRetriesExhausted EventType = "retries_exhausted"

	// TypeRolloutChanged is emitted when a config reload changes the mode.
	TypeRolloutChanged EventType = "rollout_changed"
)

// Event is one broadcast message.
type Event struct {
	Type        EventType `json:"type"`
	At          time.Time `json:"at"`
	SessionID   string    `json:"session_id,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Adapter     string    `json:"adapter,omitempty"`
	Outcome     string    `json:"outcome,omitempty"`
	Mode        string    `json:"mode,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

// NewEvent timestamps an event.
func NewEvent(t EventType) Event {
	return Event{Type: t, At: time.Now()}
}

// clientConn abstracts a subscriber so tests can inject fakes.
type clientConn interface {
	sendChannel() chan []byte
	closeConn()
}

// Hub fans events out to all connected subscribers. Slow subscribers are
// dropped rather than allowed to backpressure the pipeline.
type Hub struct {
	clients    map[clientConn]bool
	broadcast  chan Event
	register   chan clientConn
	unregister chan clientConn
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewHub creates a hub. Call Run in a goroutine and Stop on shutdown.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[clientConn]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan clientConn),
		unregister: make(chan clientConn),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run processes registrations and broadcasts until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("events: subscriber connected (total: %d)", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.sendChannel())
			}
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("events: subscriber disconnected (total: %d)", count)

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				log.Printf("events: marshal failed: %v", err)
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.sendChannel() <- data:
				default:
					// Subscriber too slow, drop it.
					close(client.sendChannel())
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop shuts down the hub and disconnects all subscribers.
func (h *Hub) Stop() {
	h.cancel()
	h.mu.Lock()
	for client := range h.clients {
		close(client.sendChannel())
		client.closeConn()
	}
	h.clients = make(map[clientConn]bool)
	h.mu.Unlock()
}

// Publish queues an event for broadcast. Never blocks; drops when the
// broadcast channel is full.
func (h *Hub) Publish(event Event) {
	select {
	case h.broadcast <- event:
	default:
		log.Printf("events: broadcast channel full, dropping %s", event.Type)
	}
}

// client is a live WebSocket subscriber.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func (c *client) sendChannel() chan []byte { return c.send }

func (c *client) closeConn() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

// ServeHTTP upgrades the request and streams events until disconnect.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("events: upgrade failed: %v", err)
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, 256)}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *client) writePump() {
	defer func() {
		c.hub.unregisterClient(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for message := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, message)
		cancel()
		if err != nil {
			return
		}
	}
}

// readPump drains client messages to detect disconnects.
func (c *client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		if _, _, err := c.conn.Read(context.Background()); err != nil {
			return
		}
	}
}

func (h *Hub) unregisterClient(c clientConn) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}
