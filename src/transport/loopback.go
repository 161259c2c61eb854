package transport

import (
	"github.com/orchestra-mcp/rpc/src/bridge"
	"github.com/orchestra-mcp/rpc/src/types"
)

// Loopback returns a server and a client bridge wired directly to each
// other. Messages are handed over as Go values without encoding. Ending
// either bridge ends the other.
func Loopback(contract *bridge.Contract, opts Options) (server, client *bridge.Bridge, err error) {
	bopts := opts.bridge()
	server, err = bridge.New(bridge.RoleServer, contract, deliverTo(&client), bopts)
	if err != nil {
		return nil, nil, err
	}
	client, err = bridge.New(bridge.RoleClient, contract, deliverTo(&server), bopts)
	if err != nil {
		server.End("loopback setup failed")
		return nil, nil, err
	}
	server.OnEnd(func(error) { client.End("loopback peer ended") })
	client.OnEnd(func(error) { server.End("loopback peer ended") })
	return server, client, nil
}

// SelfLoop returns a single server&client bridge whose messages come back to
// itself. Only shared events can be called and handled on it.
func SelfLoop(contract *bridge.Contract, opts Options) (*bridge.Bridge, error) {
	var self *bridge.Bridge
	b, err := bridge.New(bridge.RoleServerClient, contract, deliverTo(&self), opts.bridge())
	if err != nil {
		return nil, err
	}
	self = b
	return b, nil
}

func deliverTo(peer **bridge.Bridge) bridge.Transport {
	return bridge.TransportFunc(func(msg *types.Message) error {
		if *peer == nil {
			return ErrClosed
		}
		(*peer).HandleMessage(msg)
		return nil
	})
}
