package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/orchestra-mcp/rpc/src/bridge"
	"github.com/orchestra-mcp/rpc/src/types"
)

// Client is a bridge registered with the hub.
type Client struct {
	ID        string
	Bridge    *bridge.Bridge
	Transport string

	connectedAt time.Time
	registered  chan struct{}
	groups      map[string]bool
	mu          sync.RWMutex
}

// NewClient wraps b, which was bound by the named transport.
func NewClient(b *bridge.Bridge, transport string) *Client {
	return &Client{
		ID:          b.ID(),
		Bridge:      b,
		Transport:   transport,
		connectedAt: time.Now(),
		registered:  make(chan struct{}),
		groups:      make(map[string]bool),
	}
}

// Info returns metadata about this client.
func (c *Client) Info() types.ClientInfo {
	c.mu.RLock()
	groups := make([]string, 0, len(c.groups))
	for g := range c.groups {
		groups = append(groups, g)
	}
	c.mu.RUnlock()
	sort.Strings(groups)

	return types.ClientInfo{
		ID:            c.ID,
		Role:          string(c.Bridge.Role()),
		Transport:     c.Transport,
		ConnectedAt:   c.connectedAt,
		Subscriptions: c.Bridge.Subscriptions(),
		Groups:        groups,
		Alive:         c.Bridge.Alive(),
	}
}

func (c *Client) addGroup(group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[group] = true
}

func (c *Client) removeGroup(group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.groups, group)
}
