package codec

import (
	"encoding/json"
	"fmt"

	"github.com/orchestra-mcp/rpc/src/types"
)

// JSON encodes messages as JSON objects.
type JSON struct{}

type jsonMessage struct {
	Type           types.MessageType    `json:"type"`
	First          bool                 `json:"first,omitempty"`
	Subscriptions  []string             `json:"subscriptions,omitempty"`
	Names          []string             `json:"names,omitempty"`
	ID             uint64               `json:"id,omitempty"`
	Event          string               `json:"event,omitempty"`
	Param          json.RawMessage      `json:"param,omitempty"`
	Priority       bool                 `json:"priority,omitempty"`
	ResponseStatus types.ResponseStatus `json:"responseStatus,omitempty"`
	Value          json.RawMessage      `json:"value,omitempty"`
	Metadata       json.RawMessage      `json:"metadata,omitempty"`
}

func (JSON) Name() string { return "json" }

func (JSON) Encode(msg *types.Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	out := jsonMessage{Type: msg.Type}
	switch msg.Type {
	case types.TypeHandshake:
		out.First = msg.First
		out.Subscriptions = msg.Subscriptions
	case types.TypeSubscriptions:
		out.Names = msg.Names
	case types.TypeRequest:
		param, err := rawJSON(msg.Param)
		if err != nil {
			return nil, fmt.Errorf("encode param: %w", err)
		}
		out.ID, out.Event, out.Param, out.Priority = msg.ID, msg.Event, param, msg.Priority
	case types.TypeResponse:
		value, err := rawJSON(msg.Value)
		if err != nil {
			return nil, fmt.Errorf("encode value: %w", err)
		}
		meta, err := rawJSON(msg.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		out.ID, out.Event, out.ResponseStatus, out.Value, out.Metadata = msg.ID, msg.Event, msg.ResponseStatus, value, meta
	}
	return json.Marshal(out)
}

func (JSON) Decode(data []byte) (*types.Message, error) {
	var in jsonMessage
	if err := json.Unmarshal(data, &in); err != nil {
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

func (JSON) Unpack(payload any, dst any) (bool, error) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func rawJSON(v any) (json.RawMessage, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}
