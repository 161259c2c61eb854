// Package bridge implements one endpoint of an RPC connection: a set of
// named, directional events instantiated from a Contract, the handshake and
// heartbeat protocols, request/response correlation and the connection
// lifecycle. Transports feed it decoded messages through HandleMessage (or
// raw frames through HandleBytes) and receive outgoing messages through the
// Transport they were built with.
package bridge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/rpc/src/codec"
	"github.com/orchestra-mcp/rpc/src/metrics"
	"github.com/orchestra-mcp/rpc/src/resources"
	"github.com/orchestra-mcp/rpc/src/types"
)

// Transport transmits outgoing protocol messages to the peer.
type Transport interface {
	Transmit(msg *types.Message) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(msg *types.Message) error

func (f TransportFunc) Transmit(msg *types.Message) error { return f(msg) }

// Options configure a Bridge.
type Options struct {
	Logger zerolog.Logger
	// Codec decodes payloads of incoming messages and is used by HandleBytes
	// and stream transports. Defaults to JSON.
	Codec codec.Codec
	// Resources, when set, receives the bridge so a process shutdown ends it.
	Resources resources.Registrar
}

// HandshakeOptions configure Handshake.
type HandshakeOptions struct {
	// Timeout bounds the wait for the peer's handshake. Zero waits until ctx
	// is done or the bridge ends.
	Timeout time.Duration
	// Second skips the initial announcement and only answers the peer.
	Second bool
}

type endHook struct {
	fn      func(error)
	removed bool
}

// Bridge is one endpoint of an RPC connection.
type Bridge struct {
	id        string
	role      Role
	contract  *Contract
	events    map[string]wireEvent
	serial    map[string]*serialQueue
	transport Transport
	codec     codec.Codec
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	lastID     atomic.Uint64
	handshakes chan bool

	// sendMu orders routing and transmission of outgoing messages.
	sendMu sync.Mutex

	mu               sync.Mutex
	alive            bool
	err              error
	ready            bool
	handshakeStarted bool
	remote           map[string]struct{}
	queue            []*types.Message
	priority         map[uint64]struct{}
	deferred         []*types.Message
	endHooks         []*endHook
	errTransports    map[string]ErrorTransport
	heartbeatTimer   *time.Timer
}

// New builds a bridge for role from contract. Outgoing messages go to
// transport; incoming ones must be passed to HandleMessage or HandleBytes.
func New(role Role, contract *Contract, transport Transport, opts Options) (*Bridge, error) {
	if !role.valid() {
		return nil, fmt.Errorf("bridge: unknown role %q", role)
	}
	if contract == nil || transport == nil {
		return nil, fmt.Errorf("bridge: contract and transport are required")
	}
	if opts.Codec == nil {
		opts.Codec = codec.JSON{}
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		id:            id,
		role:          role,
		contract:      contract,
		serial:        make(map[string]*serialQueue),
		transport:     transport,
		codec:         opts.Codec,
		logger:        opts.Logger.With().Str("component", "bridge").Str("bridge_id", id).Str("role", string(role)).Logger(),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		handshakes:    make(chan bool, 1),
		alive:         true,
		remote:        make(map[string]struct{}),
		priority:      make(map[uint64]struct{}),
		errTransports: make(map[string]ErrorTransport),
	}
	b.events = contract.instantiate(b)
	for name, ev := range b.events {
		if ev.spec().Serial {
			b.serial[name] = &serialQueue{}
		}
	}

	if _, err := heartbeatOn(b).Subscribe(func(context.Context, struct{}) (struct{}, error) {
		return struct{}{}, nil
	}); err != nil {
		return nil, fmt.Errorf("bridge: heartbeat subscription: %w", err)
	}

	if opts.Resources != nil {
		unregister := opts.Resources.Register("bridge "+id, func() error {
			b.End("process shutdown")
			return nil
		})
		b.OnEnd(func(error) { unregister() })
	}
	return b, nil
}

// ID returns the bridge's unique id.
func (b *Bridge) ID() string { return b.id }

// Role returns the side this bridge speaks for.
func (b *Bridge) Role() Role { return b.role }

// Codec returns the codec used for incoming payloads.
func (b *Bridge) Codec() codec.Codec { return b.codec }

// Contract returns the contract the bridge was built from.
func (b *Bridge) Contract() *Contract { return b.contract }

// Context is canceled when the bridge ends. Request handlers receive it.
func (b *Bridge) Context() context.Context { return b.ctx }

// Done is closed when the bridge ends.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Alive reports whether the bridge has not ended.
func (b *Bridge) Alive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.alive
}

// Err returns the terminal error, or nil while alive.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Ready reports whether the handshake completed.
func (b *Bridge) Ready() bool { return b.isReady() }

func (b *Bridge) isReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

func (b *Bridge) aliveErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.alive {
		return b.err
	}
	return nil
}

func (b *Bridge) nextID() uint64 { return b.lastID.Add(1) }

// Subscriptions returns the event names the peer last announced, sorted.
func (b *Bridge) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.remote))
	for name := range b.remote {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LocalSubscriptions returns the event names with a local subscriber, sorted.
func (b *Bridge) LocalSubscriptions() []string {
	var out []string
	for name, ev := range b.events {
		if ev.hasLocalSubscribers() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (b *Bridge) remoteHas(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.remote[name]
	return ok
}

func (b *Bridge) setRemote(names []string) {
	remote := make(map[string]struct{}, len(names))
	for _, n := range names {
		remote[n] = struct{}{}
	}
	b.mu.Lock()
	b.remote = remote
	b.mu.Unlock()
}

func (b *Bridge) announceSubscriptions() {
	b.mu.Lock()
	skip := !b.alive || !b.handshakeStarted
	b.mu.Unlock()
	if skip {
		return
	}
	msg := &types.Message{Type: types.TypeSubscriptions, Names: b.LocalSubscriptions()}
	if err := b.sendMessage(msg); err != nil {
		b.logger.Debug().Err(err).Msg("subscription announcement not sent")
	}
}

// Handshake announces the local subscriptions and waits for the peer's
// handshake. A timeout or a done ctx ends the bridge, since a handshake
// cannot be retried. Calling it a second time ends the bridge with
// ErrDuplicateHandshake.
func (b *Bridge) Handshake(ctx context.Context, opts HandshakeOptions) error {
	b.mu.Lock()
	if !b.alive {
		err := b.err
		b.mu.Unlock()
		return err
	}
	if b.handshakeStarted {
		b.mu.Unlock()
		return b.EndWithError(ErrDuplicateHandshake)
	}
	b.handshakeStarted = true
	b.mu.Unlock()

	if !opts.Second {
		if err := b.sendHandshake(true); err != nil {
			return err
		}
	}

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		t := time.NewTimer(opts.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	var first bool
	select {
	case first = <-b.handshakes:
	case <-timeout:
		return b.EndWithError(fmt.Errorf("handshake after %s: %w", opts.Timeout, ErrTimeout))
	case <-ctx.Done():
		return b.EndWithError(fmt.Errorf("handshake: %w", ctx.Err()))
	case <-b.done:
		return b.Err()
	}

	// Both sides may have announced before the other was listening; answer
	// once so the peer sees a handshake after it became ready.
	if first {
		if err := b.sendHandshake(false); err != nil {
			return err
		}
	}

	b.sendMu.Lock()
	b.mu.Lock()
	b.ready = true
	queued := b.queue
	b.queue = nil
	var out []*types.Message
	for _, m := range queued {
		out = append(out, b.route(m)...)
	}
	b.mu.Unlock()
	err := b.deliver(out)
	b.sendMu.Unlock()
	if err != nil {
		return b.transmitFailed(err)
	}
	b.logger.Debug().Int("flushed", len(out)).Strs("remote", b.Subscriptions()).Msg("handshake complete")
	return nil
}

func (b *Bridge) sendHandshake(first bool) error {
	return b.sendMessage(&types.Message{
		Type:          types.TypeHandshake,
		First:         first,
		Subscriptions: b.LocalSubscriptions(),
	})
}

// sendMessage queues msg until the handshake completed, applies response
// prioritization and transmits.
func (b *Bridge) sendMessage(msg *types.Message) error {
	b.sendMu.Lock()
	b.mu.Lock()
	if !b.alive {
		err := b.err
		b.mu.Unlock()
		b.sendMu.Unlock()
		return err
	}
	if !b.ready && msg.Type != types.TypeHandshake {
		b.queue = append(b.queue, msg)
		b.mu.Unlock()
		b.sendMu.Unlock()
		return nil
	}
	out := b.route(msg)
	b.mu.Unlock()
	err := b.deliver(out)
	b.sendMu.Unlock()
	if err != nil {
		return b.transmitFailed(err)
	}
	return nil
}

// route returns the messages to transmit now for msg. While responses to
// priority requests are outstanding, other responses are deferred; they
// follow in their original order once the last priority response went out.
// Must hold b.mu.
func (b *Bridge) route(msg *types.Message) []*types.Message {
	if msg.Type != types.TypeResponse {
		return []*types.Message{msg}
	}
	if _, ok := b.priority[msg.ID]; ok {
		delete(b.priority, msg.ID)
		if len(b.priority) > 0 {
			return []*types.Message{msg}
		}
		out := append([]*types.Message{msg}, b.deferred...)
		b.deferred = nil
		return out
	}
	if len(b.priority) > 0 {
		b.deferred = append(b.deferred, msg)
		return nil
	}
	return []*types.Message{msg}
}

// deliver transmits msgs in order. Must hold b.sendMu.
func (b *Bridge) deliver(msgs []*types.Message) error {
	for _, m := range msgs {
		if err := b.transport.Transmit(m); err != nil {
			return fmt.Errorf("transmit %s: %w", m.Type, err)
		}
		metrics.RecordMessage("out", string(m.Type))
	}
	return nil
}

func (b *Bridge) transmitFailed(err error) error {
	b.EndWithError(err)
	return err
}

// HandleBytes decodes one frame with the bridge's codec and handles it.
// Undecodable frames end the bridge.
func (b *Bridge) HandleBytes(data []byte) {
	msg, err := b.codec.Decode(data)
	if err != nil {
		b.EndWithError(fmt.Errorf("%w: decode %s frame: %v", ErrProtocol, b.codec.Name(), err))
		return
	}
	b.HandleMessage(msg)
}

// HandleMessage processes a message received from the peer. Protocol
// violations end the bridge. Messages arriving after the end are dropped.
func (b *Bridge) HandleMessage(msg *types.Message) {
	if !b.Alive() {
		b.logger.Debug().Str("type", string(msg.Type)).Msg("message after end dropped")
		return
	}
	metrics.RecordMessage("in", string(msg.Type))
	if err := b.handle(msg); err != nil {
		b.EndWithError(err)
	}
}

func (b *Bridge) handle(msg *types.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	switch msg.Type {
	case types.TypeHandshake:
		b.setRemote(msg.Subscriptions)
		if !b.isReady() {
			select {
			case b.handshakes <- msg.First:
			default:
			}
		}
		return nil
	case types.TypeSubscriptions:
		b.setRemote(msg.Names)
		return nil
	case types.TypeRequest:
		ev, ok := b.events[msg.Event]
		if !ok {
			return fmt.Errorf("%w: request for %q", ErrUnknownEvent, msg.Event)
		}
		b.dispatchRequest(ev, msg)
		return nil
	case types.TypeResponse:
		ev, ok := b.events[msg.Event]
		if !ok {
			return fmt.Errorf("%w: response for %q", ErrUnknownEvent, msg.Event)
		}
		ev.dispatchResponse(msg)
		return nil
	default:
		return fmt.Errorf("%w: unhandled message type %q", ErrProtocol, msg.Type)
	}
}

func (b *Bridge) dispatchRequest(ev wireEvent, msg *types.Message) {
	spec := ev.spec()
	if msg.ID != 0 && msg.Priority {
		b.mu.Lock()
		b.priority[msg.ID] = struct{}{}
		b.mu.Unlock()
	}

	run := func() {
		var (
			value any
			err   error
		)
		if b.role.canHandle(spec.Direction) {
			value, err = ev.dispatchRequest(b.ctx, msg)
		} else {
			err = &DirectionError{Event: spec.Name, Role: b.role, Direction: spec.Direction, Op: "handle"}
		}
		if msg.ID == 0 {
			if err != nil {
				b.logger.Warn().Err(err).Str("event", spec.Name).Msg("fire-and-forget request failed")
			}
			return
		}
		resp := &types.Message{
			Type:           types.TypeResponse,
			ID:             msg.ID,
			Event:          spec.Name,
			ResponseStatus: types.StatusSuccess,
			Value:          value,
		}
		if err != nil {
			resp = b.BuildErrorResponse(msg.ID, spec.Name, err)
		}
		if serr := b.sendMessage(resp); serr != nil {
			b.logger.Debug().Err(serr).Str("event", spec.Name).Uint64("id", msg.ID).Msg("response not sent")
		}
	}

	if q, ok := b.serial[spec.Name]; ok {
		q.push(run)
		return
	}
	go run()
}

// OnEnd registers fn to run synchronously when the bridge ends. When the
// bridge already ended fn runs immediately. The returned func removes fn.
func (b *Bridge) OnEnd(fn func(err error)) (remove func()) {
	b.mu.Lock()
	if !b.alive {
		err := b.err
		b.mu.Unlock()
		fn(err)
		return func() {}
	}
	h := &endHook{fn: fn}
	b.endHooks = append(b.endHooks, h)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		h.removed = true
		b.mu.Unlock()
	}
}

// Unsubscriber is satisfied by *event.Subscription.
type Unsubscriber interface {
	Unsubscribe()
}

// AttachEndSubscriptionRemoval unsubscribes sub when the bridge ends.
func (b *Bridge) AttachEndSubscriptionRemoval(sub Unsubscriber) {
	b.OnEnd(func(error) { sub.Unsubscribe() })
}

// End ends the bridge with an *EndedError carrying reason. It returns the
// terminal error, which is the first one if the bridge already ended.
func (b *Bridge) End(reason string) error {
	return b.EndWithError(&EndedError{Reason: reason})
}

// EndWithError ends the bridge with err as terminal error. Pending calls
// are rejected, local subscriptions cleared and end hooks run once.
func (b *Bridge) EndWithError(err error) error {
	if err == nil {
		err = &EndedError{}
	}
	b.mu.Lock()
	if !b.alive {
		terminal := b.err
		b.mu.Unlock()
		return terminal
	}
	b.alive = false
	b.err = err
	timer := b.heartbeatTimer
	b.heartbeatTimer = nil
	hooks := b.endHooks
	b.endHooks = nil
	b.queue = nil
	b.deferred = nil
	b.priority = make(map[uint64]struct{})
	b.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	for _, ev := range b.events {
		ev.rejectAll(err)
		ev.clear()
	}
	b.cancel()
	close(b.done)
	metrics.RecordBridgeEnded(string(b.role))
	b.logger.Info().Err(err).Msg("bridge ended")

	for _, h := range hooks {
		b.mu.Lock()
		removed := h.removed
		b.mu.Unlock()
		if !removed {
			h.fn(err)
		}
	}
	return err
}
