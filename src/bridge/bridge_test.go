package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-mcp/rpc/src/codec"
	"github.com/orchestra-mcp/rpc/src/resources"
	"github.com/orchestra-mcp/rpc/src/types"
)

// wire delivers messages to *peer, through cd when set.
func wire(t *testing.T, peer **Bridge, cd codec.Codec) Transport {
	return TransportFunc(func(msg *types.Message) error {
		if cd == nil {
			(*peer).HandleMessage(msg)
			return nil
		}
		data, err := cd.Encode(msg)
		if err != nil {
			t.Errorf("encode %s: %v", msg.Type, err)
			return err
		}
		(*peer).HandleBytes(data)
		return nil
	})
}

func pair(t *testing.T, c *Contract, cd codec.Codec) (server, client *Bridge) {
	t.Helper()
	var err error
	server, err = New(RoleServer, c, wire(t, &client, cd), Options{Codec: cd})
	require.NoError(t, err)
	client, err = New(RoleClient, c, wire(t, &server, cd), Options{Codec: cd})
	require.NoError(t, err)
	t.Cleanup(func() {
		server.End("test done")
		client.End("test done")
	})
	return server, client
}

func handshake(t *testing.T, bs ...*Bridge) {
	t.Helper()
	errs := make(chan error, len(bs))
	for _, b := range bs {
		go func(b *Bridge) {
			errs <- b.Handshake(context.Background(), HandshakeOptions{Timeout: time.Second})
		}(b)
	}
	for range bs {
		require.NoError(t, <-errs)
	}
}

// recorder is a transport that keeps every transmitted message.
type recorder struct {
	mu   sync.Mutex
	msgs []*types.Message
	fail error
}

func (r *recorder) Transmit(msg *types.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) ofType(mt types.MessageType) []*types.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Message
	for _, m := range r.msgs {
		if m.Type == mt {
			out = append(out, m)
		}
	}
	return out
}

// readyBridge returns a bridge whose handshake completed against a silent peer.
func readyBridge(t *testing.T, role Role, c *Contract, peerSubs ...string) (*Bridge, *recorder) {
	t.Helper()
	rec := &recorder{}
	b, err := New(role, c, rec, Options{})
	require.NoError(t, err)
	b.HandleMessage(&types.Message{Type: types.TypeHandshake, Subscriptions: peerSubs})
	require.NoError(t, b.Handshake(context.Background(), HandshakeOptions{Timeout: time.Second}))
	t.Cleanup(func() { b.End("test done") })
	return b, rec
}

func TestGreetEndToEnd(t *testing.T) {
	for _, tc := range []struct {
		name  string
		codec codec.Codec
	}{
		{"loopback", nil},
		{"json", codec.JSON{}},
		{"msgpack", codec.Msgpack{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := NewContract()
			greet := SharedEvent[string, string](c, "greet")
			server, client := pair(t, c, tc.codec)
			handshake(t, server, client)

			assert.Equal(t, []string{HeartbeatEvent}, client.Subscriptions())
			assert.False(t, greet.On(client).HasSubscribers())

			_, err := greet.On(server).Subscribe(func(_ context.Context, name string) (string, error) {
				return "Hello, " + name, nil
			})
			require.NoError(t, err)
			require.Eventually(t, greet.On(client).HasSubscribers, time.Second, 5*time.Millisecond)
			assert.Equal(t, []string{"greet", HeartbeatEvent}, client.Subscriptions())

			got, err := greet.Call(context.Background(), client, "foo")
			require.NoError(t, err)
			assert.Equal(t, "Hello, foo", got)
			assert.Zero(t, greet.On(client).PendingCount())
		})
	}
}

func TestSharedEventBothWays(t *testing.T) {
	c := NewContract()
	double := SharedEvent[int, int](c, "double")
	server, client := pair(t, c, codec.JSON{})
	for _, b := range []*Bridge{server, client} {
		_, err := double.On(b).Subscribe(func(_ context.Context, n int) (int, error) { return 2 * n, nil })
		require.NoError(t, err)
	}
	handshake(t, server, client)

	v, err := double.Call(context.Background(), client, 4)
	require.NoError(t, err)
	assert.Equal(t, 8, v)
	v, err = double.Call(context.Background(), server, 5)
	require.NoError(t, err)
	assert.Equal(t, 10, v)
}

func TestCallsBeforeHandshakeAreQueued(t *testing.T) {
	c := NewContract()
	status := ServerEvent[struct{}, string](c, "status")
	server, client := pair(t, c, nil)
	_, err := status.On(server).Subscribe(func(context.Context, struct{}) (string, error) { return "ok", nil })
	require.NoError(t, err)

	result := make(chan string, 1)
	go func() {
		v, err := status.Call(context.Background(), client, struct{}{})
		assert.NoError(t, err)
		result <- v
	}()
	require.Eventually(t, func() bool { return status.On(client).PendingCount() == 1 }, time.Second, time.Millisecond)

	select {
	case <-result:
		t.Fatal("call resolved before handshake")
	case <-time.After(20 * time.Millisecond):
	}

	handshake(t, server, client)
	select {
	case v := <-result:
		assert.Equal(t, "ok", v)
	case <-time.After(time.Second):
		t.Fatal("queued call never resolved")
	}
}

func TestDirectionEnforced(t *testing.T) {
	c := NewContract()
	notify := ClientEvent[string, struct{}](c, "notify")
	status := ServerEvent[struct{}, string](c, "status")
	client, rec := readyBridge(t, RoleClient, c, "notify", "status")

	_, err := notify.Call(context.Background(), client, "x")
	var de *DirectionError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "call", de.Op)
	assert.ErrorIs(t, notify.Send(context.Background(), client, "x"), ErrDirection)
	_, err = status.On(client).Subscribe(func(context.Context, struct{}) (string, error) { return "", nil })
	assert.ErrorIs(t, err, ErrDirection)
	assert.Empty(t, rec.ofType(types.TypeRequest))

	self, err := New(RoleServerClient, c, &recorder{}, Options{})
	require.NoError(t, err)
	defer self.End("done")
	_, err = status.Call(context.Background(), self, struct{}{})
	assert.ErrorIs(t, err, ErrDirection)
}

func TestIncomingRequestForWrongSideGetsErrorResponse(t *testing.T) {
	c := NewContract()
	ClientEvent[string, string](c, "notify")
	server, rec := readyBridge(t, RoleServer, c)

	server.HandleMessage(&types.Message{Type: types.TypeRequest, ID: 7, Event: "notify", Param: "x"})
	require.Eventually(t, func() bool { return len(rec.ofType(types.TypeResponse)) == 1 }, time.Second, time.Millisecond)
	resp := rec.ofType(types.TypeResponse)[0]
	assert.Equal(t, types.StatusError, resp.ResponseStatus)
	assert.True(t, server.Alive())
}

func TestSendSkipsWithoutRemoteSubscribers(t *testing.T) {
	c := NewContract()
	logEv := ServerEvent[string, struct{}](c, "log")
	client, rec := readyBridge(t, RoleClient, c)

	require.NoError(t, logEv.Send(context.Background(), client, "dropped"))
	assert.Empty(t, rec.ofType(types.TypeRequest))

	client.HandleMessage(&types.Message{Type: types.TypeSubscriptions, Names: []string{"log"}})
	require.NoError(t, logEv.Send(context.Background(), client, "sent"))
	reqs := rec.ofType(types.TypeRequest)
	require.Len(t, reqs, 1)
	assert.Zero(t, reqs[0].ID)
	assert.Equal(t, "sent", reqs[0].Param)
}

func TestSubscriptionChangesAreAnnounced(t *testing.T) {
	c := NewContract()
	status := ServerEvent[struct{}, string](c, "status")
	server, rec := readyBridge(t, RoleServer, c)

	sub, err := status.On(server).Subscribe(func(context.Context, struct{}) (string, error) { return "", nil })
	require.NoError(t, err)
	sub.Unsubscribe()
	sub.Unsubscribe()

	anns := rec.ofType(types.TypeSubscriptions)
	require.Len(t, anns, 2)
	assert.Equal(t, []string{HeartbeatEvent, "status"}, anns[0].Names)
	assert.Equal(t, []string{HeartbeatEvent}, anns[1].Names)
}

func TestCallTimeoutDoesNotLeak(t *testing.T) {
	c := NewContract()
	slow := ServerEvent[string, string](c, "slow")
	server, client := pair(t, c, nil)
	release := make(chan struct{})
	_, err := slow.On(server).Subscribe(func(_ context.Context, p string) (string, error) {
		<-release
		return p, nil
	})
	require.NoError(t, err)
	handshake(t, server, client)

	_, err = slow.Call(context.Background(), client, "x", WithTimeout(0))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Zero(t, slow.On(client).PendingCount())

	close(release)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, client.Alive())
	assert.Zero(t, slow.On(client).PendingCount())
}

func TestCallCanceledByContext(t *testing.T) {
	c := NewContract()
	slow := ServerEvent[string, string](c, "slow")
	client, _ := readyBridge(t, RoleClient, c, "slow")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := slow.Call(ctx, client, "x")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, slow.On(client).PendingCount())
}

func TestPriorityResponsesGoFirst(t *testing.T) {
	c := NewContract()
	work := ServerEvent[string, string](c, "work")
	server, rec := readyBridge(t, RoleServer, c)

	gates := map[string]chan struct{}{"r1": make(chan struct{}), "r2": make(chan struct{}), "r3": make(chan struct{})}
	var finished atomic.Int32
	_, err := work.On(server).Subscribe(func(_ context.Context, p string) (string, error) {
		<-gates[p]
		defer finished.Add(1)
		return p, nil
	})
	require.NoError(t, err)

	server.HandleMessage(&types.Message{Type: types.TypeRequest, ID: 1, Event: "work", Param: "r1"})
	server.HandleMessage(&types.Message{Type: types.TypeRequest, ID: 2, Event: "work", Param: "r2", Priority: true})
	server.HandleMessage(&types.Message{Type: types.TypeRequest, ID: 3, Event: "work", Param: "r3"})

	deferred := func() int {
		server.mu.Lock()
		defer server.mu.Unlock()
		return len(server.deferred)
	}
	close(gates["r1"])
	require.Eventually(t, func() bool { return deferred() == 1 }, time.Second, time.Millisecond)
	close(gates["r3"])
	require.Eventually(t, func() bool { return deferred() == 2 }, time.Second, time.Millisecond)
	assert.Empty(t, rec.ofType(types.TypeResponse))

	close(gates["r2"])
	require.Eventually(t, func() bool { return len(rec.ofType(types.TypeResponse)) == 3 }, time.Second, time.Millisecond)
	var order []uint64
	for _, m := range rec.ofType(types.TypeResponse) {
		order = append(order, m.ID)
	}
	assert.Equal(t, []uint64{2, 1, 3}, order)
}

func TestSerialEventKeepsArrivalOrder(t *testing.T) {
	c := NewContract()
	appendEv := ServerEvent[int, struct{}](c, "append", Serial())
	server, rec := readyBridge(t, RoleServer, c)

	var mu sync.Mutex
	var seen []int
	_, err := appendEv.On(server).Subscribe(func(_ context.Context, n int) (struct{}, error) {
		time.Sleep(time.Duration(5-n) * time.Millisecond)
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
		return struct{}{}, nil
	})
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		server.HandleMessage(&types.Message{Type: types.TypeRequest, ID: uint64(i), Event: "append", Param: i})
	}
	require.Eventually(t, func() bool { return len(rec.ofType(types.TypeResponse)) == 5 }, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, seen)
}

type quotaError struct {
	Limit int
}

func (e *quotaError) Error() string     { return fmt.Sprintf("quota of %d exceeded", e.Limit) }
func (e *quotaError) ErrorName() string { return "QuotaError" }

func quotaTransport() ErrorTransport {
	return ErrorTransport{
		Serialize: func(err error) (any, error) {
			var qe *quotaError
			if !errors.As(err, &qe) {
				return nil, fmt.Errorf("not a quota error")
			}
			return map[string]int{"limit": qe.Limit}, nil
		},
		Hydrate: func(_ StructuredError, meta Payload) error {
			var m map[string]int
			if err := meta.Decode(&m); err != nil {
				return nil
			}
			return &quotaError{Limit: m["limit"]}
		},
	}
}

func TestErrorTransportRoundTrip(t *testing.T) {
	c := NewContract()
	reserve := ServerEvent[int, string](c, "reserve")
	server, client := pair(t, c, codec.JSON{})
	server.AddErrorTransport("QuotaError", quotaTransport())
	client.AddErrorTransport("QuotaError", quotaTransport())
	_, err := reserve.On(server).Subscribe(func(_ context.Context, n int) (string, error) {
		if n > 3 {
			return "", &quotaError{Limit: 3}
		}
		if n < 0 {
			return "", errors.New("negative reservation")
		}
		return "reserved", nil
	})
	require.NoError(t, err)
	handshake(t, server, client)

	_, err = reserve.Call(context.Background(), client, 10)
	var qe *quotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 3, qe.Limit)

	_, err = reserve.Call(context.Background(), client, -1)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "Error", re.Name)
	assert.Equal(t, "negative reservation", re.Message)

	assert.True(t, server.Alive())
	assert.True(t, client.Alive())
}

func TestBuildAndHydrateWithoutWire(t *testing.T) {
	b, _ := readyBridge(t, RoleServer, NewContract())
	b.AddErrorTransport("QuotaError", quotaTransport())

	msg := b.BuildErrorResponse(4, "reserve", &quotaError{Limit: 9})
	assert.Equal(t, types.StatusError, msg.ResponseStatus)
	assert.Equal(t, &quotaError{Limit: 9}, b.HydrateError(msg))

	msg = b.BuildErrorResponse(5, "reserve", &RemoteError{Name: "Other", Message: "boom", Stack: []string{"a.go:1"}})
	err := b.HydrateError(msg)
	assert.Equal(t, &RemoteError{Name: "Other", Message: "boom", Stack: []string{"a.go:1"}}, err)
}

func TestEndIsIdempotentAndRejectsPending(t *testing.T) {
	c := NewContract()
	slow := ServerEvent[string, string](c, "slow")
	client, _ := readyBridge(t, RoleClient, c, "slow")

	var fired atomic.Int32
	client.OnEnd(func(error) { fired.Add(1) })

	errs := make(chan error, 1)
	go func() {
		_, err := slow.Call(context.Background(), client, "x")
		errs <- err
	}()
	require.Eventually(t, func() bool { return slow.On(client).PendingCount() == 1 }, time.Second, time.Millisecond)

	first := client.End("closing")
	second := client.End("again")
	assert.Same(t, first, second)
	assert.ErrorIs(t, first, ErrEnded)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, first, client.Err())
	assert.False(t, client.Alive())

	select {
	case err := <-errs:
		assert.Same(t, first, err)
	case <-time.After(time.Second):
		t.Fatal("pending call not rejected")
	}
	_, err := slow.Call(context.Background(), client, "y")
	assert.Same(t, first, err)
	assert.Same(t, first, slow.Send(context.Background(), client, "y"))
	assert.Empty(t, client.LocalSubscriptions())

	select {
	case <-client.Done():
	default:
		t.Fatal("done not closed")
	}
	assert.Error(t, client.Context().Err())

	var late error
	client.OnEnd(func(err error) { late = err })
	assert.Same(t, first, late)
}

func TestTransmitFailureEndsBridge(t *testing.T) {
	c := NewContract()
	status := ServerEvent[struct{}, string](c, "status")
	client, rec := readyBridge(t, RoleClient, c, "status")
	rec.mu.Lock()
	rec.fail = errors.New("broken pipe")
	rec.mu.Unlock()

	_, err := status.Call(context.Background(), client, struct{}{})
	assert.ErrorContains(t, err, "broken pipe")
	assert.False(t, client.Alive())
	assert.ErrorContains(t, client.Err(), "broken pipe")
}

func TestProtocolErrorsEndBridge(t *testing.T) {
	t.Run("malformed bytes", func(t *testing.T) {
		b, _ := readyBridge(t, RoleServer, NewContract())
		b.HandleBytes([]byte("{not json"))
		assert.ErrorIs(t, b.Err(), ErrProtocol)
	})
	t.Run("unknown event", func(t *testing.T) {
		b, _ := readyBridge(t, RoleServer, NewContract())
		b.HandleMessage(&types.Message{Type: types.TypeRequest, ID: 1, Event: "nope"})
		assert.ErrorIs(t, b.Err(), ErrUnknownEvent)
	})
	t.Run("unknown type", func(t *testing.T) {
		b, _ := readyBridge(t, RoleServer, NewContract())
		b.HandleMessage(&types.Message{Type: "gossip"})
		assert.ErrorIs(t, b.Err(), ErrProtocol)
	})
	t.Run("duplicate handshake", func(t *testing.T) {
		b, _ := readyBridge(t, RoleServer, NewContract())
		err := b.Handshake(context.Background(), HandshakeOptions{})
		assert.ErrorIs(t, err, ErrDuplicateHandshake)
		assert.False(t, b.Alive())
	})
}

func TestHandlerErrorOnFireAndForgetKeepsBridge(t *testing.T) {
	c := NewContract()
	logEv := ServerEvent[string, struct{}](c, "log")
	server, rec := readyBridge(t, RoleServer, c)
	called := make(chan struct{})
	_, err := logEv.On(server).Subscribe(func(context.Context, string) (struct{}, error) {
		close(called)
		return struct{}{}, errors.New("disk full")
	})
	require.NoError(t, err)

	server.HandleMessage(&types.Message{Type: types.TypeRequest, Event: "log", Param: "x"})
	<-called
	time.Sleep(10 * time.Millisecond)
	assert.True(t, server.Alive())
	assert.Empty(t, rec.ofType(types.TypeResponse))
}

func TestHandshakeTimeout(t *testing.T) {
	b, err := New(RoleClient, NewContract(), &recorder{}, Options{})
	require.NoError(t, err)
	defer b.End("done")
	err = b.Handshake(context.Background(), HandshakeOptions{Timeout: 10 * time.Millisecond})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, b.Ready())
	assert.False(t, b.Alive())
	assert.Equal(t, err, b.Err())
}

func TestHandshakeCanceledEndsBridge(t *testing.T) {
	c := NewContract()
	status := ServerEvent[struct{}, string](c, "status")
	b, err := New(RoleClient, c, &recorder{}, Options{})
	require.NoError(t, err)

	calls := make(chan error, 1)
	go func() {
		_, err := status.Call(context.Background(), b, struct{}{})
		calls <- err
	}()
	require.Eventually(t, func() bool { return status.On(b).PendingCount() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = b.Handshake(ctx, HandshakeOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, b.Alive())

	select {
	case err := <-calls:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("queued call not rejected")
	}
}

func TestWaitFollowsDirection(t *testing.T) {
	c := NewContract()
	status := ServerEvent[struct{}, string](c, "status")
	client, rec := readyBridge(t, RoleClient, c)
	announced := len(rec.ofType(types.TypeSubscriptions))

	_, err := status.On(client).Wait(context.Background(), "ok", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrDirection)
	assert.Zero(t, status.On(client).SubscriberCount())
	assert.NotContains(t, client.LocalSubscriptions(), "status")
	assert.Len(t, rec.ofType(types.TypeSubscriptions), announced)
}

func TestWaitAnswersPeerRequest(t *testing.T) {
	c := NewContract()
	status := ServerEvent[struct{}, string](c, "status")
	server, client := pair(t, c, nil)
	handshake(t, server, client)

	got := make(chan error, 1)
	go func() {
		_, err := status.On(server).Wait(context.Background(), "waited", time.Second)
		got <- err
	}()
	require.Eventually(t, func() bool { return status.On(client).HasSubscribers() }, time.Second, time.Millisecond)

	v, err := status.Call(context.Background(), client, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, "waited", v)
	require.NoError(t, <-got)
}

func TestSendBeforeHandshakeIsDropped(t *testing.T) {
	c := NewContract()
	logEv := ServerEvent[string, struct{}](c, "log")
	server, client := pair(t, c, nil)
	received := make(chan string, 2)
	_, err := logEv.On(server).Subscribe(func(_ context.Context, s string) (struct{}, error) {
		received <- s
		return struct{}{}, nil
	})
	require.NoError(t, err)

	require.NoError(t, logEv.Send(context.Background(), client, "early"))
	handshake(t, server, client)
	require.NoError(t, logEv.Send(context.Background(), client, "late"))

	assert.Equal(t, "late", <-received)
	select {
	case s := <-received:
		t.Fatalf("unexpected delivery %q", s)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSecondHandshakeOnlyAnswers(t *testing.T) {
	rec := &recorder{}
	b, err := New(RoleServer, NewContract(), rec, Options{})
	require.NoError(t, err)
	defer b.End("done")

	done := make(chan error, 1)
	go func() { done <- b.Handshake(context.Background(), HandshakeOptions{Second: true, Timeout: time.Second}) }()
	time.Sleep(5 * time.Millisecond)
	assert.Empty(t, rec.ofType(types.TypeHandshake))

	b.HandleMessage(&types.Message{Type: types.TypeHandshake, First: true, Subscriptions: []string{HeartbeatEvent}})
	require.NoError(t, <-done)
	hs := rec.ofType(types.TypeHandshake)
	require.Len(t, hs, 1)
	assert.False(t, hs[0].First)
	assert.Equal(t, []string{HeartbeatEvent}, hs[0].Subscriptions)
}

func TestHeartbeatMissCallsOnExceeded(t *testing.T) {
	b, _ := readyBridge(t, RoleClient, NewContract(), HeartbeatEvent)
	missed := make(chan struct{}, 4)
	b.MonitorHeartbeat(10*time.Millisecond, func() {
		select {
		case missed <- struct{}{}:
		default:
		}
	})

	select {
	case <-missed:
	case <-time.After(time.Second):
		t.Fatal("heartbeat miss not reported")
	}
	b.End("peer gone")
	b.mu.Lock()
	assert.Nil(t, b.heartbeatTimer)
	b.mu.Unlock()
}

func TestHeartbeatAnsweredByPeer(t *testing.T) {
	server, client := pair(t, NewContract(), codec.Msgpack{})
	handshake(t, server, client)
	var misses atomic.Int32
	client.MonitorHeartbeat(50*time.Millisecond, func() { misses.Add(1) })
	time.Sleep(160 * time.Millisecond)
	assert.Zero(t, misses.Load())
}

func TestSelfLoopIsNeverMonitored(t *testing.T) {
	b, err := New(RoleServerClient, NewContract(), &recorder{}, Options{})
	require.NoError(t, err)
	defer b.End("done")
	b.MonitorHeartbeat(time.Millisecond, func() { t.Error("self loop monitored") })
	b.mu.Lock()
	assert.Nil(t, b.heartbeatTimer)
	b.mu.Unlock()
}

type countingSub struct{ n atomic.Int32 }

func (c *countingSub) Unsubscribe() { c.n.Add(1) }

func TestAttachEndSubscriptionRemoval(t *testing.T) {
	b, _ := readyBridge(t, RoleServer, NewContract())
	sub := &countingSub{}
	b.AttachEndSubscriptionRemoval(sub)
	b.End("bye")
	b.End("bye")
	assert.Equal(t, int32(1), sub.n.Load())
}

func TestResourcesShutdownEndsBridge(t *testing.T) {
	reg := resources.NewRegistry(zerolog.Nop())
	b, err := New(RoleClient, NewContract(), &recorder{}, Options{Resources: reg})
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())

	require.NoError(t, reg.Close())
	assert.ErrorIs(t, b.Err(), ErrEnded)

	reg2 := resources.NewRegistry(zerolog.Nop())
	b2, err := New(RoleClient, NewContract(), &recorder{}, Options{Resources: reg2})
	require.NoError(t, err)
	b2.End("done")
	assert.Zero(t, reg2.Len())
}

func TestContractRules(t *testing.T) {
	c := NewContract()
	SharedEvent[string, string](c, "greet")
	assert.Panics(t, func() { SharedEvent[string, string](c, "greet") })
	assert.Panics(t, func() { ServerEvent[struct{}, struct{}](c, HeartbeatEvent) })
	assert.Panics(t, func() { ClientEvent[int, int](c, "") })

	b, err := New(RoleServer, c, &recorder{}, Options{})
	require.NoError(t, err)
	defer b.End("done")
	assert.Panics(t, func() { ServerEvent[int, int](c, "late") })

	other := SharedEvent[string, string](NewContract(), "greet")
	assert.Panics(t, func() { other.On(b) })

	names := make([]string, 0)
	for _, s := range c.Specs() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"greet", HeartbeatEvent}, names)
}

func TestErrorName(t *testing.T) {
	assert.Equal(t, "QuotaError", ErrorName(&quotaError{}))
	assert.Equal(t, "QuotaError", ErrorName(fmt.Errorf("wrapped: %w", &quotaError{})))
	assert.Equal(t, "Error", ErrorName(errors.New("plain")))
	assert.Equal(t, "DirectionError", ErrorName(&DirectionError{}))
}
