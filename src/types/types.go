package types

import (
	"fmt"
	"time"
)

// MessageType tags the protocol message union.
type MessageType string

const (
	TypeHandshake     MessageType = "handshake"
	TypeSubscriptions MessageType = "subscriptions"
	TypeRequest       MessageType = "request"
	TypeResponse      MessageType = "response"
)

// ResponseStatus reports whether a response carries a value or an error.
type ResponseStatus string

const (
	StatusSuccess ResponseStatus = "success"
	StatusError   ResponseStatus = "error"
)

// Message is a protocol message exchanged between two bridges.
//
// Which fields are meaningful depends on Type:
//
//	handshake:     First, Subscriptions
//	subscriptions: Names
//	request:       ID (0 for fire-and-forget), Event, Param, Priority
//	response:      ID, Event, ResponseStatus, Value, Metadata
//
// Param, Value and Metadata hold either plain Go values (loopback) or the
// still-encoded form produced by a codec.
type Message struct {
	Type MessageType

	First         bool
	Subscriptions []string
	Names         []string

	ID             uint64
	Event          string
	Param          any
	Priority       bool
	ResponseStatus ResponseStatus
	Value          any
	Metadata       any
}

// Validate checks that the message is one of the known kinds and carries the
// fields that kind requires.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeHandshake, TypeSubscriptions:
		return nil
	case TypeRequest:
		if m.Event == "" {
			return fmt.Errorf("request without event name")
		}
		return nil
	case TypeResponse:
		if m.Event == "" || m.ID == 0 {
			return fmt.Errorf("response without event name or id")
		}
		if m.ResponseStatus != StatusSuccess && m.ResponseStatus != StatusError {
			return fmt.Errorf("response with unknown status %q", m.ResponseStatus)
		}
		return nil
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
}

// ClientInfo holds metadata about a connected bridge.
type ClientInfo struct {
	ID            string    `json:"id"`
	Role          string    `json:"role"`
	Transport     string    `json:"transport"`
	ConnectedAt   time.Time `json:"connected_at"`
	Subscriptions []string  `json:"subscriptions"`
	Groups        []string  `json:"groups,omitempty"`
	Alive         bool      `json:"alive"`
}

// Conn abstracts a message-oriented connection for testability.
// Each WriteMessage call carries exactly one encoded protocol message.
type Conn interface {
	WriteMessage(data []byte) error
	ReadMessage() ([]byte, error)
	Close() error
}
