package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/phuslu/log"
)

// Ingestion event types
const (
	IngestStarted   = "ingest.started"
	IngestSkipped   = "ingest.skipped"
	IngestPersisted = "ingest.persisted"
	IngestIndexed   = "ingest.indexed"
	IngestFailed    = "ingest.failed"
	IngestRelocated = "ingest.relocated"
)

// Event is one progress notification sent to subscribers
type Event struct {
	Type      string    `json:"type"`
	File      string    `json:"file"`
	Reference string    `json:"reference,omitempty"`
	BookID    string    `json:"book_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// Hub fans events out to every connected subscriber. Slow subscribers are
// dropped rather than allowed to block publishers.
type Hub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	mu         sync.RWMutex

	done     chan struct{}
	stopOnce sync.Once
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// Start begins the hub event loop
func (h *Hub) Start() {
	go func() {
		for {
			select {
			case <-h.done:
				return
			case c := <-h.register:
				h.mu.Lock()
				h.clients[c] = struct{}{}
				n := len(h.clients)
				h.mu.Unlock()
				log.Debug().Str("client", c.ID).Int("subscribers", n).Msg("updates subscriber joined")
			case c := <-h.unregister:
				h.remove(c)
			case msg := <-h.broadcast:
				h.fanOut(msg)
			}
		}
	}()
	log.Info().Msg("event hub started")
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.Send)
	log.Debug().Str("client", c.ID).Int("subscribers", len(h.clients)).Msg("updates subscriber left")
}

func (h *Hub) fanOut(msg []byte) {
	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.Send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		log.Warn().Str("client", c.ID).Msg("updates subscriber buffer full, closing")
		h.remove(c)
	}
}

// Publish queues ev for every subscriber. It never blocks: when the hub is
// saturated or stopped the event is dropped.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("type", ev.Type).Msg("failed to encode event")
		return
	}
	select {
	case <-h.done:
	case h.broadcast <- msg:
	default:
		log.Warn().Str("type", ev.Type).Msg("event hub saturated, dropping event")
	}
}

// Subscribers returns the number of connected clients
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribe registers a client with the given buffer size. The client's
// Send channel is closed when it is unsubscribed or the hub shuts down.
func (h *Hub) Subscribe(id string, buffer int) (*Client, bool) {
	c := &Client{ID: id, Send: make(chan []byte, buffer), hub: h}
	select {
	case h.register <- c:
		return c, true
	case <-h.done:
		return nil, false
	}
}

// Unsubscribe removes the client; calling it twice is harmless
func (h *Hub) Unsubscribe(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Shutdown stops the loop and closes every subscriber
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		defer h.mu.Unlock()
		for c := range h.clients {
			close(c.Send)
		}
		h.clients = make(map[*Client]struct{})
		log.Info().Msg("event hub shutdown complete")
	})
}

// Client is one subscriber
type Client struct {
	ID   string
	Send chan []byte
	hub  *Hub
}
