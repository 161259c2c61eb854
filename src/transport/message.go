package transport

import (
	"github.com/orchestra-mcp/rpc/src/bridge"
	"github.com/orchestra-mcp/rpc/src/types"
)

// Messages binds a bridge to a message-oriented connection where each
// WriteMessage/ReadMessage carries exactly one encoded protocol message.
func Messages(conn types.Conn, role bridge.Role, contract *bridge.Contract, opts Options) (*bridge.Bridge, error) {
	return bindMessages("messages", conn, role, contract, opts)
}

func bindMessages(name string, conn types.Conn, role bridge.Role, contract *bridge.Contract, opts Options) (*bridge.Bridge, error) {
	cd := opts.codec()
	logger := opts.Logger.With().Str("component", "transport").Str("transport", name).Logger()

	b, err := bridge.New(role, contract, bridge.TransportFunc(func(msg *types.Message) error {
		data, err := cd.Encode(msg)
		if err != nil {
			return err
		}
		return conn.WriteMessage(data)
	}), opts.bridge())
	if err != nil {
		return nil, err
	}

	b.OnEnd(func(error) {
		if err := conn.Close(); err != nil {
			logger.Debug().Err(err).Msg("close after end")
		}
	})

	go func() {
		for {
			data, err := conn.ReadMessage()
			if err != nil {
				endOnReadError(b, name, err)
				return
			}
			b.HandleBytes(data)
		}
	}()
	return b, nil
}
