package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/orchestra-mcp/rpc/src/bridge"
)

const wsCloseWait = time.Second

// wsConn adapts a web socket to types.Conn. One binary frame carries one
// protocol message.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, fmt.Errorf("%w: %v", ErrClosed, err)
			}
			return nil, err
		}
		if mt == websocket.BinaryMessage || mt == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bridge ended"),
		time.Now().Add(wsCloseWait))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// WebSocket binds a bridge to an established web socket connection.
func WebSocket(conn *websocket.Conn, role bridge.Role, contract *bridge.Contract, opts Options) (*bridge.Bridge, error) {
	return bindMessages("websocket", &wsConn{conn: conn}, role, contract, opts)
}

// DialWebSocket connects to url and binds a client bridge to it.
func DialWebSocket(ctx context.Context, url string, contract *bridge.Contract, opts Options) (*bridge.Bridge, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	b, err := WebSocket(conn, bridge.RoleClient, contract, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}
