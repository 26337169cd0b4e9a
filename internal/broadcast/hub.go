// Package broadcast delivers job progress events to websocket subscribers.
// Each job identifier names a room; publishing to a room reaches only the
// clients currently subscribed to it. This is a live channel, not a log:
// a subscriber that joins late never sees past events.
package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Publisher is the write side of the hub. Background work holds this
// interface so tests can capture events in-process.
type Publisher interface {
	Publish(jobID, event string, payload any)
}

// Event is the wire form delivered to subscribers.
type Event struct {
	Event   string    `json:"event"`
	JobID   string    `json:"job_id"`
	Payload any       `json:"payload,omitempty"`
	TS      time.Time `json:"ts"`
}

// Hub owns the subscription table, the single piece of shared mutable state
// in the core. Safe for concurrent subscribe/publish.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]bool
	rooms    map[string]map[*Client]bool
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHub builds an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[*Client]bool),
		rooms:   make(map[string]map[*Client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Publish sends an event to every current subscriber of jobID. It never
// blocks: a subscriber whose buffer is full is dropped rather than allowed
// to stall the publisher or other rooms.
func (h *Hub) Publish(jobID, event string, payload any) {
	data, err := json.Marshal(Event{
		Event:   event,
		JobID:   jobID,
		Payload: payload,
		TS:      time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error("marshal broadcast event failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	var slow []*Client
	h.mu.RLock()
	for client := range h.rooms[jobID] {
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("dropping slow subscriber",
			zap.String("job_id", jobID),
			zap.String("conn_id", client.id),
		)
		h.remove(client)
	}
}

// ack confirms a subscription change on the client's own stream. It holds the
// read lock and checks liveness first: remove closes the send channel under
// the write lock, so a client already dropped (e.g. as slow) is skipped
// instead of panicking on a closed channel.
func (h *Hub) ack(client *Client, event, jobID string) {
	data, err := json.Marshal(Event{Event: event, JobID: jobID, TS: time.Now().UTC()})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[client] {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// SubscriberCount reports the current size of a job's room.
func (h *Hub) SubscriberCount(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[jobID])
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
}

func (h *Hub) subscribe(client *Client, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[client] {
		return
	}
	room, ok := h.rooms[jobID]
	if !ok {
		room = make(map[*Client]bool)
		h.rooms[jobID] = room
	}
	room[client] = true
	client.jobs[jobID] = true
}

func (h *Hub) unsubscribe(client *Client, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(client, jobID)
}

// remove takes a client out of every room and closes its send channel.
// Idempotent: the clients set guards the single close.
func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[client] {
		return
	}
	delete(h.clients, client)
	for jobID := range client.jobs {
		h.detachLocked(client, jobID)
	}
	close(client.send)
}

func (h *Hub) detachLocked(client *Client, jobID string) {
	if room, ok := h.rooms[jobID]; ok {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, jobID)
		}
	}
	delete(client.jobs, jobID)
}
