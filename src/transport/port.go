package transport

import (
	"io"
	"sync"

	"github.com/orchestra-mcp/rpc/src/bridge"
)

// portBuffer is the number of messages a port holds before writes block.
const portBuffer = 64

// Port is one end of an in-process message channel, used to talk to
// workers running as goroutines. It implements types.Conn.
type Port struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
	peer   *Port
}

// Ports returns the two connected ends of a new channel.
func Ports() (*Port, *Port) {
	ab := make(chan []byte, portBuffer)
	ba := make(chan []byte, portBuffer)
	a := &Port{in: ba, out: ab, closed: make(chan struct{})}
	b := &Port{in: ab, out: ba, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// WriteMessage hands a copy of data to the other end.
func (p *Port) WriteMessage(data []byte) error {
	msg := append([]byte(nil), data...)
	select {
	case <-p.closed:
		return ErrClosed
	case <-p.peer.closed:
		return ErrClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-p.peer.closed:
		return ErrClosed
	}
}

// ReadMessage returns the next message. It returns io.EOF once either end
// closed and no message is left.
func (p *Port) ReadMessage() ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.closed:
		return nil, io.EOF
	case <-p.peer.closed:
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return nil, io.EOF
		}
	}
}

// Close closes this end. The other end reads the remaining messages, then
// io.EOF.
func (p *Port) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// PortBridge binds a bridge to one end of a port pair.
func PortBridge(p *Port, role bridge.Role, contract *bridge.Contract, opts Options) (*bridge.Bridge, error) {
	return bindMessages("port", p, role, contract, opts)
}
