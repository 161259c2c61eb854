// Package event implements a local publish/subscribe primitive with one root
// subscriber and any number of secondary subscribers. Fire-and-forget
// broadcast goes to every subscriber; correlated calls return the root
// subscriber's result.
package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrNoSubscription is returned when a call requires a root subscriber and none exists.
	ErrNoSubscription = errors.New("no subscription")
	// ErrUnique is returned when subscribing to a unique event that already has a subscriber.
	ErrUnique = errors.New("event only allows a single subscriber")
	// ErrTimeout is returned when a wait or call exceeds its deadline.
	ErrTimeout = errors.New("timed out")
)

// Handler processes a single event invocation.
type Handler[P, R any] func(ctx context.Context, param P) (R, error)

// Options configure an Event.
type Options struct {
	Name string
	// Serial runs the root handler and then each secondary handler in
	// registration order, awaiting each one.
	Serial bool
	// Unique rejects a second subscriber.
	Unique bool
	// OnSubscriptionChange runs after a handler is added or removed.
	// It does not run for Clear.
	OnSubscriptionChange func()
	Logger               zerolog.Logger
}

type subscriber[P, R any] struct {
	id      uint64
	handler Handler[P, R]
}

// Event is a named publish/subscribe point.
type Event[P, R any] struct {
	name     string
	serial   bool
	unique   bool
	onChange func()
	logger   zerolog.Logger

	mu        sync.Mutex
	nextID    uint64
	root      *subscriber[P, R]
	secondary []*subscriber[P, R]
}

// New creates an Event.
func New[P, R any](opts Options) *Event[P, R] {
	return &Event[P, R]{
		name:     opts.Name,
		serial:   opts.Serial,
		unique:   opts.Unique,
		onChange: opts.OnSubscriptionChange,
		logger:   opts.Logger,
	}
}

// Name returns the event name.
func (e *Event[P, R]) Name() string { return e.name }

// Serial reports whether handlers run one after another.
func (e *Event[P, R]) Serial() bool { return e.serial }

// SubscribeOption tweaks a single Subscribe call.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	makeRoot bool
}

// MakeRoot demotes the current root subscriber and installs the new handler as root.
func MakeRoot() SubscribeOption {
	return func(o *subscribeOptions) { o.makeRoot = true }
}

// Subscribe registers handler. The first handler becomes the root subscriber.
func (e *Event[P, R]) Subscribe(handler Handler[P, R], opts ...SubscribeOption) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("event %s: nil handler", e.name)
	}
	var so subscribeOptions
	for _, o := range opts {
		o(&so)
	}

	e.mu.Lock()
	if e.unique && (e.root != nil || len(e.secondary) > 0) {
		e.mu.Unlock()
		return nil, fmt.Errorf("event %s: %w", e.name, ErrUnique)
	}
	e.nextID++
	sub := &subscriber[P, R]{id: e.nextID, handler: handler}
	switch {
	case e.root == nil:
		e.root = sub
	case so.makeRoot:
		e.secondary = append([]*subscriber[P, R]{e.root}, e.secondary...)
		e.root = sub
	default:
		e.secondary = append(e.secondary, sub)
	}
	e.mu.Unlock()

	e.changed()
	return &Subscription{release: func() { e.remove(sub.id) }}, nil
}

func (e *Event[P, R]) remove(id uint64) {
	e.mu.Lock()
	removed := false
	if e.root != nil && e.root.id == id {
		e.root = nil
		if len(e.secondary) > 0 {
			e.root = e.secondary[0]
			e.secondary = e.secondary[1:]
		}
		removed = true
	} else {
		for i, s := range e.secondary {
			if s.id == id {
				e.secondary = append(e.secondary[:i:i], e.secondary[i+1:]...)
				removed = true
				break
			}
		}
	}
	e.mu.Unlock()
	if removed {
		e.changed()
	}
}

func (e *Event[P, R]) changed() {
	if e.onChange != nil {
		e.onChange()
	}
}

// HasSubscriptions reports whether at least one handler is registered.
func (e *Event[P, R]) HasSubscriptions() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.root != nil
}

// SubscriberCount returns the number of registered handlers.
func (e *Event[P, R]) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.root == nil {
		return 0
	}
	return 1 + len(e.secondary)
}

// Clear removes every handler without running OnSubscriptionChange.
func (e *Event[P, R]) Clear() {
	e.mu.Lock()
	e.root = nil
	e.secondary = nil
	e.mu.Unlock()
}

func (e *Event[P, R]) snapshot() (*subscriber[P, R], []*subscriber[P, R]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.root, append([]*subscriber[P, R](nil), e.secondary...)
}

// Send dispatches param to every handler without waiting for results.
// Without a root handler it fails only when required is true.
func (e *Event[P, R]) Send(ctx context.Context, param P, required bool) error {
	root, rest := e.snapshot()
	if root == nil {
		if required {
			return fmt.Errorf("event %s: %w", e.name, ErrNoSubscription)
		}
		return nil
	}
	for _, s := range append([]*subscriber[P, R]{root}, rest...) {
		go func(s *subscriber[P, R]) {
			if _, err := invoke(ctx, s.handler, param); err != nil {
				e.logger.Warn().Err(err).Str("event", e.name).Msg("send handler failed")
			}
		}(s)
	}
	return nil
}

// Call dispatches param to every handler and returns the root handler's result.
func (e *Event[P, R]) Call(ctx context.Context, param P) (R, error) {
	ret, ok, err := e.CallOptional(ctx, param)
	if err == nil && !ok {
		err = fmt.Errorf("event %s: %w", e.name, ErrNoSubscription)
	}
	return ret, err
}

// CallOptional is Call that reports false instead of failing when no root
// handler exists.
func (e *Event[P, R]) CallOptional(ctx context.Context, param P) (R, bool, error) {
	var zero R
	root, rest := e.snapshot()
	if root == nil {
		return zero, false, nil
	}

	if e.serial {
		ret, err := invoke(ctx, root.handler, param)
		if err != nil {
			return zero, true, err
		}
		for _, s := range rest {
			if _, err := invoke(ctx, s.handler, param); err != nil {
				return zero, true, err
			}
		}
		return ret, true, nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(rest))
	for i, s := range rest {
		wg.Add(1)
		go func(i int, s *subscriber[P, R]) {
			defer wg.Done()
			_, errs[i] = invoke(ctx, s.handler, param)
		}(i, s)
	}
	ret, err := invoke(ctx, root.handler, param)
	wg.Wait()
	if err != nil {
		return zero, true, err
	}
	for _, err := range errs {
		if err != nil {
			return zero, true, err
		}
	}
	return ret, true, nil
}

// Wait blocks until the next invocation of the event and returns its
// parameter. The one-shot subscription answers that invocation with ret.
// A timeout <= 0 waits until ctx is done.
func (e *Event[P, R]) Wait(ctx context.Context, ret R, timeout time.Duration) (P, error) {
	var zero P
	got := make(chan P, 1)
	var once sync.Once
	var (
		subMu sync.Mutex
		sub   *Subscription
	)

	subMu.Lock()
	s, err := e.Subscribe(func(_ context.Context, param P) (R, error) {
		once.Do(func() {
			got <- param
			subMu.Lock()
			self := sub
			subMu.Unlock()
			go self.Unsubscribe()
		})
		return ret, nil
	})
	sub = s
	subMu.Unlock()
	if err != nil {
		return zero, err
	}
	defer sub.Unsubscribe()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case p := <-got:
		return p, nil
	case <-timer:
		return zero, fmt.Errorf("event %s: wait: %w", e.name, ErrTimeout)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func invoke[P, R any](ctx context.Context, h Handler[P, R], param P) (ret R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, param)
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	once    sync.Once
	release func()
}

// Unsubscribe removes the handler. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}
