// Package transport binds bridges to concrete channels: length-prefixed
// byte streams (sockets, QUIC streams, child process pipes), message
// oriented connections (web sockets, in-process ports, Redis pub/sub) and
// direct loopback.
//
// Every adapter closes its channel from the bridge's end hook and ends the
// bridge when the channel fails or is closed by the peer.
package transport

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/rpc/src/bridge"
	"github.com/orchestra-mcp/rpc/src/codec"
	"github.com/orchestra-mcp/rpc/src/resources"
)

// ErrClosed is returned when writing to a closed channel.
var ErrClosed = errors.New("transport closed")

// Options configure a transport-bound bridge.
type Options struct {
	Logger    zerolog.Logger
	Codec     codec.Codec
	Resources resources.Registrar
	// MaxFrameSize bounds a single stream frame. Zero means DefaultMaxFrameSize.
	MaxFrameSize int
}

func (o Options) codec() codec.Codec {
	if o.Codec == nil {
		return codec.JSON{}
	}
	return o.Codec
}

func (o Options) bridge() bridge.Options {
	return bridge.Options{Logger: o.Logger, Codec: o.codec(), Resources: o.Resources}
}

func (o Options) maxFrame() int {
	if o.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return o.MaxFrameSize
}
