package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestra-mcp/rpc/src/bridge"
)

type testContract struct {
	*bridge.Contract
	greet bridge.Def[string, string]
}

func newTestContract() testContract {
	c := bridge.NewContract()
	return testContract{Contract: c, greet: bridge.SharedEvent[string, string](c, "greet")}
}

func (tc testContract) serve(t *testing.T, b *bridge.Bridge) {
	t.Helper()
	_, err := tc.greet.On(b).Subscribe(func(_ context.Context, name string) (string, error) {
		return "Hello, " + name, nil
	})
	require.NoError(t, err)
}

func handshakeAll(t *testing.T, bs ...*bridge.Bridge) {
	t.Helper()
	errs := make(chan error, len(bs))
	for _, b := range bs {
		go func(b *bridge.Bridge) {
			errs <- b.Handshake(context.Background(), bridge.HandshakeOptions{Timeout: 5 * time.Second})
		}(b)
	}
	for range bs {
		require.NoError(t, <-errs)
	}
}

// assertGreets serves greet on server and calls it from client.
func assertGreets(t *testing.T, tc testContract, server, client *bridge.Bridge) {
	t.Helper()
	tc.serve(t, server)
	handshakeAll(t, server, client)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := tc.greet.Call(ctx, client, "foo")
	require.NoError(t, err)
	require.Equal(t, "Hello, foo", got)
}

func waitEnded(t *testing.T, b *bridge.Bridge) {
	t.Helper()
	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not end")
	}
}
