package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/xelth-com/ecosyncgo/internal/logger"
)

// Event types pushed to UI clients
const (
	EventPendingCount = "PENDING_COUNT"
	EventConnectivity = "CONNECTIVITY"
	EventSyncResult   = "SYNC_RESULT"
)

// Event is one message pushed to every listener
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub maintains the set of active listeners and broadcasts events
type Hub struct {
	// Registered clients: ClientID -> Client
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	stop       chan struct{}

	// latest holds the last event of each type so new listeners start current
	latest map[string][]byte

	mu sync.RWMutex
}

// NewHub creates a new Hub instance
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 64),
		stop:       make(chan struct{}),
		latest:     make(map[string][]byte),
	}
}

// Run starts the hub's main loop; it returns after Stop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			snapshot := make([][]byte, 0, len(h.latest))
			for _, msg := range h.latest {
				snapshot = append(snapshot, msg)
			}
			h.mu.Unlock()
			for _, msg := range snapshot {
				client.trySend(msg)
			}
			logger.Component("websocket").WithField("client", client.ID).Debug("Listener connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
				logger.Component("websocket").WithField("client", client.ID).Debug("Listener disconnected")
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				client.trySend(msg)
			}
			h.mu.RUnlock()

		case <-h.stop:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop ends Run and disconnects every listener
func (h *Hub) Stop() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
}

// Broadcast sends an event to every listener. It never blocks the caller.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	msg, err := json.Marshal(Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()})
	if err != nil {
		logger.Component("websocket").WithError(err).Warn("Failed to encode event")
		return
	}

	h.mu.Lock()
	h.latest[eventType] = msg
	h.mu.Unlock()

	select {
	case h.broadcast <- msg:
	default:
		logger.Component("websocket").WithField("type", eventType).Warn("Broadcast buffer full, dropping event")
	}
}

// ClientCount returns the number of connected listeners
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
