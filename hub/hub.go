package hub

import (
	"io"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/ericbjones/clean-invaders/domain"
)

// Client is one live connection. Send must be safe to call from any
// goroutine.
type Client interface {
	ID() string
	Send(payload []byte) error
}

// Hub keeps the set of connected clients and fans payloads out to them.
// Payloads are opaque.
type Hub struct {
	log *log.Logger

	mu      sync.RWMutex
	clients map[Client]struct{}
	closed  bool
}

func New(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{log: logger, clients: make(map[Client]struct{})}
}

// Register adds c. Registering twice is a no-op and registering on a
// closed hub is ignored.
func (h *Hub) Register(c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.clients[c] = struct{}{}
	h.log.WithFields(log.Fields{"client": c.ID(), "clients": len(h.clients)}).Debug("client connected")
}

// Unregister removes c. Unknown clients are ignored.
func (h *Hub) Unregister(c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.log.WithFields(log.Fields{"client": c.ID(), "clients": len(h.clients)}).Debug("client disconnected")
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends payload to every registered client except sender, which
// may be nil. It returns the number of successful deliveries. A client whose
// Send fails is unregistered and skipped.
func (h *Hub) Broadcast(sender Client, payload []byte) int {
	h.mu.RLock()
	recipients := make([]Client, 0, len(h.clients))
	for c := range h.clients {
		if sender != nil && c == sender {
			continue
		}
		recipients = append(recipients, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range recipients {
		if err := c.Send(payload); err != nil {
			h.log.WithError(&domain.ConnectionError{Client: c.ID(), Err: err}).Debug("dropping client")
			h.Unregister(c)
			continue
		}
		delivered++
	}
	return delivered
}

// Close unregisters every client, closing those that implement io.Closer.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[Client]struct{})
	h.closed = true
	h.mu.Unlock()

	for c := range clients {
		if cl, ok := c.(io.Closer); ok {
			if err := cl.Close(); err != nil {
				h.log.WithError(&domain.ConnectionError{Client: c.ID(), Err: err}).Debug("close client")
			}
		}
	}
}
