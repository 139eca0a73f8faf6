package websocket

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/forksd/forksd/internal/common/logger"
	"github.com/forksd/forksd/internal/events"
	"github.com/forksd/forksd/internal/events/bus"
	"github.com/forksd/forksd/internal/terminal"
)

// maxConnections bounds concurrent WebSocket clients.
const maxConnections = 100

// TerminalManager is the PTY surface the gateway routes client messages to.
type TerminalManager interface {
	Attach(id string, sub terminal.Subscriber) error
	Detach(id, subscriberID string) error
	DetachAll(subscriberID string)
	Write(id string, data []byte) error
	Resize(id string, cols, rows int) error
}

// Hub tracks connected clients and fans bus events out to them. Each event
// is serialized once, not per client.
type Hub struct {
	logger    *logger.Logger
	terminals TerminalManager

	mu      sync.RWMutex
	clients map[string]*Client

	busSub bus.Subscription
}

// NewHub builds a Hub subscribed to the domain event channel.
func NewHub(eventBus bus.Bus, terminals TerminalManager, log *logger.Logger) (*Hub, error) {
	h := &Hub{
		logger:    log,
		terminals: terminals,
		clients:   make(map[string]*Client),
	}
	sub, err := eventBus.Subscribe(events.ChannelAgent, h.broadcast)
	if err != nil {
		return nil, err
	}
	h.busSub = sub
	return h, nil
}

func (h *Hub) broadcast(ev events.AgentEvent) {
	payload, err := json.Marshal(events.NewEnvelope(ev))
	if err != nil {
		h.logger.Error("failed to serialize event", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.EnqueueAgentEvent(ev, payload)
	}
}

// tryRegister admits a client unless the connection cap is reached.
func (h *Hub) tryRegister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= maxConnections {
		return false
	}
	h.clients[c.id] = c
	return true
}

// ConnectionCount returns the number of connected clients.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	h.terminals.DetachAll(c.id)
}

// Close detaches from the bus and drops every client.
func (h *Hub) Close() {
	if h.busSub != nil {
		h.busSub.Unsubscribe()
	}
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
