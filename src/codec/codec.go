// Package codec turns protocol messages into bytes and back.
//
// Payload fields (Param, Value, Metadata) are left in their encoded form on
// decode; the receiving event unpacks them into its own parameter or return
// type with Unpack.
package codec

import (
	"fmt"
	"strings"

	"github.com/orchestra-mcp/rpc/src/types"
)

// Codec encodes and decodes protocol messages.
type Codec interface {
	Name() string
	Encode(msg *types.Message) ([]byte, error)
	Decode(data []byte) (*types.Message, error)
	// Unpack decodes payload into dst when payload is still in this codec's
	// encoded form. It reports false for plain Go values.
	Unpack(payload any, dst any) (bool, error)
}

// ByName returns the codec registered under name ("json" or "msgpack").
func ByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSON{}, nil
	case "msgpack":
		return Msgpack{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
