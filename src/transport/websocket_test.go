package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-mcp/rpc/src/bridge"
)

func TestWebSocketBridges(t *testing.T) {
	tc := newTestContract()
	accepted := make(chan *bridge.Bridge, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		b, err := WebSocket(conn, bridge.RoleServer, tc.Contract, Options{})
		if err != nil {
			t.Errorf("bind: %v", err)
			return
		}
		accepted <- b
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := DialWebSocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), tc.Contract, Options{})
	require.NoError(t, err)

	var server *bridge.Bridge
	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
	}

	assertGreets(t, tc, server, client)

	client.End("bye")
	waitEnded(t, server)
}
