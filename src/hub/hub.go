package hub

import (
	"sync"

	"github.com/rs/zerolog"
)

// Hub tracks every live bridge of a coordinator and the groups they joined.
type Hub struct {
	clients map[string]*Client
	groups  map[string]map[string]bool // group -> set of client IDs
	cursor  map[string]int             // group -> round-robin position

	register   chan *Client
	unregister chan *Client

	onConnect []func(string)
	onDisconn []func(string)

	mu     sync.RWMutex
	logger zerolog.Logger
	done   chan struct{}
	stop   sync.Once
}

// New creates a new Hub instance.
func New(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		groups:     make(map[string]map[string]bool),
		cursor:     make(map[string]int),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With().Str("component", "hub").Logger(),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop. Call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case <-h.done:
			return
		}
	}
}

// Stop halts the hub event loop and ends every registered bridge.
func (h *Hub) Stop() {
	h.stop.Do(func() { close(h.done) })
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.Bridge.End("hub stopped")
	}
}

// Register adds a client and returns once the event loop recorded it. The
// client unregisters itself when its bridge ends.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Bridge.End("hub stopped")
		return
	}
	select {
	case <-c.registered:
	case <-h.done:
	}
	c.Bridge.OnEnd(func(error) { go h.Unregister(c) })
}

// Unregister queues a client for removal.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	close(c.registered)

	h.logger.Info().
		Str("client_id", c.ID).
		Str("role", string(c.Bridge.Role())).
		Str("transport", c.Transport).
		Msg("client registered")

	for _, cb := range h.connectCallbacks() {
		cb(c.ID)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)

	for g, members := range h.groups {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.groups, g)
			delete(h.cursor, g)
		}
	}
	h.mu.Unlock()

	c.Bridge.End("unregistered")
	h.logger.Info().Str("client_id", c.ID).Msg("client unregistered")

	for _, cb := range h.disconnectCallbacks() {
		cb(c.ID)
	}
}

func (h *Hub) connectCallbacks() []func(string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append(([]func(string))(nil), h.onConnect...)
}

func (h *Hub) disconnectCallbacks() []func(string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append(([]func(string))(nil), h.onDisconn...)
}
