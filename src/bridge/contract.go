package bridge

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// HeartbeatEvent is the reserved liveness event present in every contract.
const HeartbeatEvent = "heartbeat"

// EventSpec describes one event of a contract.
type EventSpec struct {
	Name      string
	Direction Direction
	Serial    bool
	Unique    bool
}

// EventOption tweaks an EventSpec at definition time.
type EventOption func(*EventSpec)

// Serial makes incoming requests for the event run one at a time, in
// arrival order, and runs its handlers sequentially.
func Serial() EventOption { return func(s *EventSpec) { s.Serial = true } }

// Unique limits the event to a single local subscriber.
func Unique() EventOption { return func(s *EventSpec) { s.Unique = true } }

type eventFactory func(b *Bridge, spec EventSpec) wireEvent

// Contract is the set of events two bridges agree on. Define every event
// before constructing the first bridge; the contract is sealed afterwards.
type Contract struct {
	mu        sync.Mutex
	sealed    bool
	specs     map[string]EventSpec
	factories map[string]eventFactory
	order     []string
}

// Def is a typed handle on an event of a contract.
type Def[P, R any] struct {
	contract *Contract
	name     string
}

// NewContract creates a contract holding only the reserved heartbeat event.
func NewContract() *Contract {
	c := &Contract{
		specs:     make(map[string]EventSpec),
		factories: make(map[string]eventFactory),
	}
	define[struct{}, struct{}](c, EventSpec{Name: HeartbeatEvent, Direction: Bidirectional})
	return c
}

// ServerEvent defines an event handled by the server and called by the client.
func ServerEvent[P, R any](c *Contract, name string, opts ...EventOption) Def[P, R] {
	return defineNamed[P, R](c, name, ClientToServer, opts)
}

// ClientEvent defines an event handled by the client and called by the server.
func ClientEvent[P, R any](c *Contract, name string, opts ...EventOption) Def[P, R] {
	return defineNamed[P, R](c, name, ServerToClient, opts)
}

// SharedEvent defines an event either side may call and handle.
func SharedEvent[P, R any](c *Contract, name string, opts ...EventOption) Def[P, R] {
	return defineNamed[P, R](c, name, Bidirectional, opts)
}

func defineNamed[P, R any](c *Contract, name string, d Direction, opts []EventOption) Def[P, R] {
	if name == HeartbeatEvent {
		panic(fmt.Sprintf("bridge: event name %q is reserved", name))
	}
	spec := EventSpec{Name: name, Direction: d}
	for _, o := range opts {
		o(&spec)
	}
	return define[P, R](c, spec)
}

func define[P, R any](c *Contract, spec EventSpec) Def[P, R] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		panic(fmt.Sprintf("bridge: cannot define %q on a contract already in use", spec.Name))
	}
	if spec.Name == "" {
		panic("bridge: event name is required")
	}
	if _, ok := c.specs[spec.Name]; ok {
		panic(fmt.Sprintf("bridge: event %q defined twice", spec.Name))
	}
	c.specs[spec.Name] = spec
	c.order = append(c.order, spec.Name)
	c.factories[spec.Name] = func(b *Bridge, spec EventSpec) wireEvent {
		return newBridgeEvent[P, R](b, spec)
	}
	return Def[P, R]{contract: c, name: spec.Name}
}

// Specs returns the contract's events sorted by name.
func (c *Contract) Specs() []EventSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EventSpec, 0, len(c.specs))
	for _, s := range c.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Contract) instantiate(b *Bridge) map[string]wireEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true
	events := make(map[string]wireEvent, len(c.order))
	for _, name := range c.order {
		events[name] = c.factories[name](b, c.specs[name])
	}
	return events
}

// Name returns the event name.
func (d Def[P, R]) Name() string { return d.name }

// On returns the bridge's instance of the event. It panics when b was built
// from a different contract.
func (d Def[P, R]) On(b *Bridge) *BridgeEvent[P, R] {
	if b.contract != d.contract {
		panic(fmt.Sprintf("bridge: event %q does not belong to this bridge's contract", d.name))
	}
	return b.events[d.name].(*BridgeEvent[P, R])
}

// Call is shorthand for d.On(b).Call.
func (d Def[P, R]) Call(ctx context.Context, b *Bridge, param P, opts ...CallOption) (R, error) {
	return d.On(b).Call(ctx, param, opts...)
}

// Send is shorthand for d.On(b).Send.
func (d Def[P, R]) Send(ctx context.Context, b *Bridge, param P) error {
	return d.On(b).Send(ctx, param)
}

func heartbeatOn(b *Bridge) *BridgeEvent[struct{}, struct{}] {
	return b.events[HeartbeatEvent].(*BridgeEvent[struct{}, struct{}])
}
