package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/orchestra-mcp/rpc/src/event"
	"github.com/orchestra-mcp/rpc/src/metrics"
	"github.com/orchestra-mcp/rpc/src/types"
)

// wireEvent is the type-erased view the bridge keeps of each BridgeEvent.
type wireEvent interface {
	spec() EventSpec
	hasLocalSubscribers() bool
	dispatchRequest(ctx context.Context, msg *types.Message) (any, error)
	dispatchResponse(msg *types.Message)
	rejectAll(err error)
	clear()
}

// CallOption configures a single Call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout    time.Duration
	hasTimeout bool
	priority   bool
}

// WithTimeout rejects the call with ErrTimeout when no response arrived
// within d. A zero d times out on the first scheduling opportunity.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
		o.hasTimeout = true
	}
}

// WithPriority asks the peer to send this call's response ahead of other
// queued responses.
func WithPriority() CallOption {
	return func(o *callOptions) { o.priority = true }
}

type callResult[R any] struct {
	value R
	err   error
}

// BridgeEvent is an Event bound to a Bridge. Local subscribers handle
// requests from the peer; Call and Send go over the wire.
type BridgeEvent[P, R any] struct {
	local *event.Event[P, R]

	bridge *Bridge
	es     EventSpec

	mu      sync.Mutex
	pending map[uint64]chan callResult[R]
}

func newBridgeEvent[P, R any](b *Bridge, spec EventSpec) wireEvent {
	e := &BridgeEvent[P, R]{
		bridge:  b,
		es:      spec,
		pending: make(map[uint64]chan callResult[R]),
	}
	e.local = event.New[P, R](event.Options{
		Name:                 spec.Name,
		Serial:               spec.Serial,
		Unique:               spec.Unique,
		OnSubscriptionChange: b.announceSubscriptions,
		Logger:               b.logger,
	})
	return e
}

func (e *BridgeEvent[P, R]) spec() EventSpec { return e.es }

// Direction returns the declared direction of the event.
func (e *BridgeEvent[P, R]) Direction() Direction { return e.es.Direction }

func (e *BridgeEvent[P, R]) checkCall(op string) error {
	if !e.bridge.role.canCall(e.es.Direction) {
		return &DirectionError{Event: e.es.Name, Role: e.bridge.role, Direction: e.es.Direction, Op: op}
	}
	return nil
}

// Subscribe registers a local handler for requests from the peer. It fails
// with a *DirectionError when this side may not handle the event.
func (e *BridgeEvent[P, R]) Subscribe(h event.Handler[P, R], opts ...event.SubscribeOption) (*event.Subscription, error) {
	if !e.bridge.role.canHandle(e.es.Direction) {
		return nil, &DirectionError{Event: e.es.Name, Role: e.bridge.role, Direction: e.es.Direction, Op: "subscribe"}
	}
	if err := e.bridge.aliveErr(); err != nil {
		return nil, err
	}
	return e.local.Subscribe(h, opts...)
}

// Wait blocks until the peer's next request for this event and returns its
// parameter, answering that request with ret. It is subject to the same
// direction rules as Subscribe.
func (e *BridgeEvent[P, R]) Wait(ctx context.Context, ret R, timeout time.Duration) (P, error) {
	var zero P
	if !e.bridge.role.canHandle(e.es.Direction) {
		return zero, &DirectionError{Event: e.es.Name, Role: e.bridge.role, Direction: e.es.Direction, Op: "wait"}
	}
	if err := e.bridge.aliveErr(); err != nil {
		return zero, err
	}
	return e.local.Wait(ctx, ret, timeout)
}

// Name returns the event name.
func (e *BridgeEvent[P, R]) Name() string { return e.es.Name }

// SubscriberCount returns the number of local handlers.
func (e *BridgeEvent[P, R]) SubscriberCount() int { return e.local.SubscriberCount() }

// HasSubscribers reports whether the peer last announced a subscriber for
// this event.
func (e *BridgeEvent[P, R]) HasSubscribers() bool {
	return e.bridge.remoteHas(e.es.Name)
}

func (e *BridgeEvent[P, R]) hasLocalSubscribers() bool { return e.local.HasSubscriptions() }

// PendingCount returns the number of calls awaiting a response.
func (e *BridgeEvent[P, R]) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Send transmits a fire-and-forget request. It is a no-op while the peer has
// no subscriber for the event, which includes every send made before the
// handshake completed.
func (e *BridgeEvent[P, R]) Send(ctx context.Context, param P) error {
	if err := e.checkCall("send"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.bridge.aliveErr(); err != nil {
		return err
	}
	if !e.HasSubscribers() {
		return nil
	}
	return e.bridge.sendMessage(&types.Message{Type: types.TypeRequest, Event: e.es.Name, Param: param})
}

// Call sends a request and waits for the peer's response. It settles
// exactly once: with the response, ErrTimeout, ctx's error, or the bridge's
// terminal error.
func (e *BridgeEvent[P, R]) Call(ctx context.Context, param P, opts ...CallOption) (R, error) {
	var zero R
	var co callOptions
	for _, o := range opts {
		o(&co)
	}
	if err := e.checkCall("call"); err != nil {
		return zero, err
	}
	if err := e.bridge.aliveErr(); err != nil {
		return zero, err
	}

	id := e.bridge.nextID()
	ch := make(chan callResult[R], 1)
	e.mu.Lock()
	e.pending[id] = ch
	e.mu.Unlock()

	start := time.Now()
	ret, err := e.await(ctx, id, ch, co, param)
	e.record(start, err)
	return ret, err
}

func (e *BridgeEvent[P, R]) await(ctx context.Context, id uint64, ch chan callResult[R], co callOptions, param P) (R, error) {
	var zero R
	msg := &types.Message{Type: types.TypeRequest, ID: id, Event: e.es.Name, Param: param, Priority: co.priority}
	if err := e.bridge.sendMessage(msg); err != nil {
		if e.take(id) != nil {
			return zero, err
		}
		r := <-ch
		return r.value, r.err
	}

	var timeout <-chan time.Time
	if co.hasTimeout {
		t := time.NewTimer(co.timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case r := <-ch:
		return r.value, r.err
	case <-timeout:
		if e.take(id) == nil {
			r := <-ch
			return r.value, r.err
		}
		return zero, fmt.Errorf("call %s #%d after %s: %w", e.es.Name, id, co.timeout, ErrTimeout)
	case <-ctx.Done():
		if e.take(id) == nil {
			r := <-ch
			return r.value, r.err
		}
		return zero, ctx.Err()
	}
}

func (e *BridgeEvent[P, R]) record(start time.Time, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = "canceled"
	case !e.bridge.Alive():
		outcome = "ended"
	default:
		outcome = "error"
	}
	metrics.RecordCall(e.es.Name, outcome)
	metrics.ObserveCallDuration(e.es.Name, time.Since(start))
}

// take removes and returns the pending channel for id, or nil when the call
// was already settled.
func (e *BridgeEvent[P, R]) take(id uint64) chan callResult[R] {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.pending[id]
	if !ok {
		return nil
	}
	delete(e.pending, id)
	return ch
}

func (e *BridgeEvent[P, R]) dispatchRequest(ctx context.Context, msg *types.Message) (any, error) {
	param, err := decodePayload[P](msg.Param, e.bridge.codec)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", e.es.Name, err)
	}
	if msg.ID == 0 {
		_, _, err := e.local.CallOptional(ctx, param)
		return nil, err
	}
	return e.local.Call(ctx, param)
}

func (e *BridgeEvent[P, R]) dispatchResponse(msg *types.Message) {
	ch := e.take(msg.ID)
	if ch == nil {
		e.bridge.logger.Debug().Str("event", e.es.Name).Uint64("id", msg.ID).Msg("response for settled call dropped")
		return
	}
	var r callResult[R]
	switch msg.ResponseStatus {
	case types.StatusSuccess:
		r.value, r.err = decodePayload[R](msg.Value, e.bridge.codec)
		if r.err != nil {
			r.err = fmt.Errorf("event %s: decode response: %w", e.es.Name, r.err)
		}
	case types.StatusError:
		r.err = e.bridge.HydrateError(msg)
	}
	ch <- r
}

func (e *BridgeEvent[P, R]) rejectAll(err error) {
	e.mu.Lock()
	pending := e.pending
	e.pending = make(map[uint64]chan callResult[R])
	e.mu.Unlock()
	for _, ch := range pending {
		ch <- callResult[R]{err: err}
	}
}

func (e *BridgeEvent[P, R]) clear() { e.local.Clear() }
