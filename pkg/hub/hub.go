package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/teslashibe/go-fiducial/internal/log"
	"github.com/teslashibe/go-fiducial/pkg/protocol"
)

// ErrDropped is returned when a message did not fit in the broadcast queue.
var ErrDropped = errors.New("hub: broadcast queue full, message dropped")

// broadcastBuffer is how many messages may queue before Broadcast drops.
const broadcastBuffer = 256

// Hub maintains the set of active clients and broadcasts messages to them
type Hub struct {
	// Topic name, used for logging and routing
	name string

	// Registered clients
	clients map[*Client]bool

	// Inbound messages to broadcast
	broadcast chan Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	// Guards clients for ClientCount
	mu sync.RWMutex

	running atomic.Bool
	sent    atomic.Uint64
	dropped atomic.Uint64

	logger *slog.Logger
}

// New creates a new Hub for one topic
func New(name string) *Hub {
	return &Hub{
		name:       name,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     log.Component("hub").With("topic", name),
	}
}

// Name returns the topic the hub serves.
func (h *Hub) Name() string {
	return h.name
}

// SetLogger replaces the hub's logger. Call before Run.
func (h *Hub) SetLogger(logger *slog.Logger) {
	if logger != nil {
		h.logger = logger.With("topic", h.name)
	}
}

// Run starts the hub's main loop and returns when ctx is done.
// This should be called in a goroutine, once.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer func() {
		h.running.Store(false)
		h.closeAll()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", "clients", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", "clients", count)

		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

func (h *Hub) fanOut(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- message:
			h.sent.Add(1)
		default:
			// Slow client: its buffer is full, drop it
			close(client.send)
			delete(h.clients, client)
			h.logger.Warn("dropped slow client", "clients", len(h.clients))
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// Broadcast queues a message for all connected clients. It never blocks and
// reports false when the message was dropped.
func (h *Hub) Broadcast(msg Message) bool {
	select {
	case h.broadcast <- msg:
		return true
	default:
		h.dropped.Add(1)
		h.logger.Warn("broadcast channel full, dropping message")
		return false
	}
}

// BroadcastMessage encodes and broadcasts a protocol envelope. It returns
// ErrDropped when the broadcast queue is full.
func (h *Hub) BroadcastMessage(msg *protocol.Message) error {
	m, err := FromProtocol(msg)
	if err != nil {
		return err
	}
	if !h.Broadcast(m) {
		return fmt.Errorf("%w: topic %s", ErrDropped, h.name)
	}
	return nil
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// IsRunning returns whether the hub is running
func (h *Hub) IsRunning() bool {
	return h.running.Load()
}

// Stats is a snapshot of hub counters.
type Stats struct {
	Topic   string `json:"topic"`
	Clients int    `json:"clients"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// Stats returns the hub's counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Topic:   h.name,
		Clients: h.ClientCount(),
		Sent:    h.sent.Load(),
		Dropped: h.dropped.Load(),
	}
}
