package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/orrn/labelpress/internal/events"
)

// Hub fans queue events out to connected websocket clients.
type Hub struct {
	clients map[*Client]bool

	register chan *Client

	unregister chan *Client

	broadcast chan events.Event

	done chan struct{}
	mu   sync.Mutex
	log  zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan events.Event, 256),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "websocket").Logger(),
	}
}

// Run serves the hub until ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.log.Debug().Str("remote", c.remote).Msg("client connected")
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case e := <-h.broadcast:
			h.fanOut(e)
		}
	}
}

func (h *Hub) fanOut(e events.Event) {
	msg, err := json.Marshal(Message{Type: TypeEvent, Event: &e})
	if err != nil {
		h.log.Warn().Err(err).Str("event", string(e.Type)).Msg("failed to encode event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(e) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			// slow client
			close(c.send)
			delete(h.clients, c)
		}
	}
}

// Broadcast queues e for delivery. It returns once the hub has stopped.
func (h *Hub) Broadcast(e events.Event) {
	select {
	case h.broadcast <- e:
	case <-h.done:
	}
}

// Publish lets the hub stand in as an events.Publisher.
func (h *Hub) Publish(e events.Event) { h.Broadcast(e) }

// Consume forwards everything read from ch until it closes or the hub stops.
func (h *Hub) Consume(ch <-chan events.Event) {
	go func() {
		for {
			select {
			case <-h.done:
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				h.Broadcast(e)
			}
		}
	}()
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
