package codec

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/orchestra-mcp/rpc/src/types"
)

// Msgpack encodes messages with MessagePack.
type Msgpack struct{}

type msgpackMessage struct {
	Type           types.MessageType    `msgpack:"type"`
	First          bool                 `msgpack:"first,omitempty"`
	Subscriptions  []string             `msgpack:"subscriptions,omitempty"`
	Names          []string             `msgpack:"names,omitempty"`
	ID             uint64               `msgpack:"id,omitempty"`
	Event          string               `msgpack:"event,omitempty"`
	Param          msgpack.RawMessage   `msgpack:"param,omitempty"`
	Priority       bool                 `msgpack:"priority,omitempty"`
	ResponseStatus types.ResponseStatus `msgpack:"responseStatus,omitempty"`
	Value          msgpack.RawMessage   `msgpack:"value,omitempty"`
	Metadata       msgpack.RawMessage   `msgpack:"metadata,omitempty"`
}

func (Msgpack) Name() string { return "msgpack" }

func (Msgpack) Encode(msg *types.Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	out := msgpackMessage{Type: msg.Type}
	switch msg.Type {
	case types.TypeHandshake:
		out.First = msg.First
		out.Subscriptions = msg.Subscriptions
	case types.TypeSubscriptions:
		out.Names = msg.Names
	case types.TypeRequest:
		param, err := rawMsgpack(msg.Param)
		if err != nil {
			return nil, fmt.Errorf("encode param: %w", err)
		}
		out.ID, out.Event, out.Param, out.Priority = msg.ID, msg.Event, param, msg.Priority
	case types.TypeResponse:
		value, err := rawMsgpack(msg.Value)
		if err != nil {
			return nil, fmt.Errorf("encode value: %w", err)
		}
		meta, err := rawMsgpack(msg.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		out.ID, out.Event, out.ResponseStatus, out.Value, out.Metadata = msg.ID, msg.Event, msg.ResponseStatus, value, meta
	}
	return msgpack.Marshal(&out)
}

func (Msgpack) Decode(data []byte) (*types.Message, error) {
	var in msgpackMessage
	if err := msgpack.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	msg := &types.Message{
		Type:           in.Type,
		First:          in.First,
		Subscriptions:  in.Subscriptions,
		Names:          in.Names,
		ID:             in.ID,
		Event:          in.Event,
		Priority:       in.Priority,
		ResponseStatus: in.ResponseStatus,
	}
	if len(in.Param) > 0 {
		msg.Param = in.Param
	}
	if len(in.Value) > 0 {
		msg.Value = in.Value
	}
	if len(in.Metadata) > 0 {
		msg.Metadata = in.Metadata
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (Msgpack) Unpack(payload any, dst any) (bool, error) {
	raw, ok := payload.(msgpack.RawMessage)
	if !ok {
		return false, nil
	}
	return true, msgpack.Unmarshal(raw, dst)
}

func rawMsgpack(v any) (msgpack.RawMessage, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case msgpack.RawMessage:
		return v, nil
	default:
		return msgpack.Marshal(v)
	}
}
