// Package broadcast delivers arena events to the connected clients of a
// single user. Delivery is best-effort and at-least-once: a client that
// misses events reconciles from the authoritative session read.
package broadcast

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Event kinds pushed to clients.
const (
	EventArenaStarted    = "arena-started"
	EventDepositRecorded = "deposit-recorded"
	EventSessionEnded    = "session-ended"
)

// Event is one message addressed to a user's live connections.
type Event struct {
	Kind    string `json:"event"`
	Payload any    `json:"payload"`
}

// clientBuffer bounds how far a slow connection may lag before events are
// dropped on it. Dropped events are recovered by polling the session state.
const clientBuffer = 32

// Client is one live connection. The transport layer drains Events and
// writes them to the wire; the hub never blocks on a slow client.
type Client struct {
	ID     string
	UserID string
	Events chan Event

	closeOnce sync.Once
}

// Close closes the client's event channel. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Events)
	})
}

// Hub fans events out to clients keyed by user id. Zero, one, or many
// connections per user are all fine; publishing to a user with no
// connections is a no-op. Construct with NewHub and inject it; there is no
// package-level instance.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client // client id -> client
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

// Register adds a connection for the user and returns its client handle.
func (h *Hub) Register(userID string) *Client {
	c := &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		Events: make(chan Event, clientBuffer),
	}

	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()

	log.Debug().Str("user_id", userID).Str("client_id", c.ID).Msg("Client registered")
	return c
}

// Unregister removes a connection and closes its channel.
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
	}
	h.mu.Unlock()

	if ok {
		c.Close()
	}
}

// Publish sends an event to every live connection of the user. Within one
// user's stream events are delivered to each connection in publish order;
// a full buffer drops the event for that connection only. Publish never
// blocks, so callers may invoke it inline on the hot path.
func (h *Hub) Publish(userID, kind string, payload any) {
	ev := Event{Kind: kind, Payload: payload}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.UserID != userID {
			continue
		}
		select {
		case c.Events <- ev:
		default:
			log.Warn().
				Str("user_id", userID).
				Str("client_id", c.ID).
				Str("event", kind).
				Msg("Client buffer full, event dropped")
		}
	}
}

// ClientCount returns the number of live connections across all users.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// UserConnectionCount returns the number of live connections for one user.
func (h *Hub) UserConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if c.UserID == userID {
			n++
		}
	}
	return n
}

// CloseAll disconnects every client, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}
