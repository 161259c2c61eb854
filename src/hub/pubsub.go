package hub

import (
	"context"
	"sort"

	"github.com/orchestra-mcp/rpc/src/bridge"
)

// Join adds a client to a group.
func (h *Hub) Join(group, clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[clientID]
	if !ok {
		return false
	}
	if h.groups[group] == nil {
		h.groups[group] = make(map[string]bool)
	}
	h.groups[group][clientID] = true
	c.addGroup(group)
	return true
}

// Leave removes a client from a group.
func (h *Hub) Leave(group, clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.groups[group]
	if !ok {
		return false
	}
	delete(members, clientID)
	if len(members) == 0 {
		delete(h.groups, group)
		delete(h.cursor, group)
	}
	if c, ok := h.clients[clientID]; ok {
		c.removeGroup(group)
	}
	return true
}

// members returns the live clients of group sorted by ID, or every client
// when group is empty.
func (h *Hub) members(group string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Client
	if group == "" {
		for _, c := range h.clients {
			out = append(out, c)
		}
	} else {
		for id := range h.groups[group] {
			if c, ok := h.clients[id]; ok {
				out = append(out, c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Next returns the group's clients in round-robin order, or nil when the
// group is empty.
func (h *Hub) Next(group string) *Client {
	members := h.members(group)
	if len(members) == 0 {
		return nil
	}
	h.mu.Lock()
	i := h.cursor[group] % len(members)
	h.cursor[group] = i + 1
	h.mu.Unlock()
	return members[i]
}

// Broadcast sends param as a fire-and-forget request to every client of
// group (every client when group is empty) whose peer subscribes to the
// event. It returns the number of clients the request went to.
func Broadcast[P, R any](ctx context.Context, h *Hub, group string, def bridge.Def[P, R], param P) int {
	sent := 0
	for _, c := range h.members(group) {
		ev := def.On(c.Bridge)
		if !ev.HasSubscribers() {
			continue
		}
		if err := ev.Send(ctx, param); err != nil {
			h.logger.Warn().Err(err).Str("client_id", c.ID).Str("event", def.Name()).Msg("broadcast send failed")
			continue
		}
		sent++
	}
	return sent
}
