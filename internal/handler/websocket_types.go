// internal/handler/websocket_types.go
package handler

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sensor-reader/internal/model"
)

// Client represents a live feed subscriber
type Client struct {
	ID          string          `json:"id"`
	Connection  *websocket.Conn `json:"-"`
	Send        chan []byte     `json:"-"`
	UserAgent   string          `json:"user_agent"`
	RemoteAddr  string          `json:"remote_addr"`
	ConnectedAt time.Time       `json:"connected_at"`

	mu     sync.RWMutex
	topics map[model.EventType]bool
}

// Wants reports whether the client receives events of type t. A client with
// no subscriptions receives everything.
func (c *Client) Wants(t model.EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.topics) == 0 || c.topics[t]
}

// Subscribe adds t to the client's topics
func (c *Client) Subscribe(t model.EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.topics == nil {
		c.topics = make(map[model.EventType]bool)
	}
	c.topics[t] = true
}

// Unsubscribe removes t from the client's topics
func (c *Client) Unsubscribe(t model.EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.topics, t)
}

// WebSocketMessage represents a WebSocket message
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ClientRegistry tracks connected live feed clients
type ClientRegistry struct {
	clients map[string]*Client
	mutex   sync.RWMutex
}

// NewClientRegistry creates an empty registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client)}
}

// Register adds a client
func (r *ClientRegistry) Register(client *Client) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.clients[client.ID] = client
}

// Unregister removes a client and closes its send channel. It is safe to
// call more than once.
func (r *ClientRegistry) Unregister(client *Client) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.clients[client.ID]; ok {
		delete(r.clients, client.ID)
		close(client.Send)
	}
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.clients)
}

// Broadcast queues payload for every client that wants events of type t.
// Clients whose buffers are full miss the message. It returns the number
// of clients the payload was queued for.
func (r *ClientRegistry) Broadcast(t model.EventType, payload []byte) int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	sent := 0
	for _, client := range r.clients {
		if !client.Wants(t) {
			continue
		}
		select {
		case client.Send <- payload:
			sent++
		default:
		}
	}
	return sent
}

// SendTo queues payload for one registered client
func (r *ClientRegistry) SendTo(client *Client, payload []byte) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if _, ok := r.clients[client.ID]; !ok {
		return false
	}
	select {
	case client.Send <- payload:
		return true
	default:
		return false
	}
}

// CloseAll unregisters every client
func (r *ClientRegistry) CloseAll() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for id, client := range r.clients {
		delete(r.clients, id)
		close(client.Send)
	}
}

// GetStats returns connection statistics
func (r *ClientRegistry) GetStats() *ConnectionStats {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := &ConnectionStats{
		TotalConnections: len(r.clients),
		Clients:          make([]*Client, 0, len(r.clients)),
	}
	for _, client := range r.clients {
		stats.Clients = append(stats.Clients, client)
	}
	sort.Slice(stats.Clients, func(i, j int) bool {
		return stats.Clients[i].ConnectedAt.Before(stats.Clients[j].ConnectedAt)
	})
	return stats
}

// ConnectionStats represents connection statistics
type ConnectionStats struct {
	TotalConnections int       `json:"total_connections"`
	Clients          []*Client `json:"clients"`
}
