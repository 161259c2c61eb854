package bridge

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/orchestra-mcp/rpc/src/codec"
	"github.com/orchestra-mcp/rpc/src/event"
	"github.com/orchestra-mcp/rpc/src/types"
)

var (
	// ErrTimeout is returned when a call or handshake exceeds its deadline.
	ErrTimeout = event.ErrTimeout
	// ErrNoSubscription is returned by the handling side when nothing is subscribed.
	ErrNoSubscription = event.ErrNoSubscription
	// ErrDirection is matched by every *DirectionError.
	ErrDirection = errors.New("event direction violated")
	// ErrEnded is matched by every *EndedError.
	ErrEnded = errors.New("bridge ended")
	// ErrDuplicateHandshake is returned when Handshake runs twice on one bridge.
	ErrDuplicateHandshake = errors.New("handshake already performed")
	// ErrUnknownEvent is a protocol error for messages naming an undefined event.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrProtocol wraps malformed or unexpected incoming messages.
	ErrProtocol = errors.New("protocol error")
)

// DirectionError reports an event used from the side its direction forbids.
type DirectionError struct {
	Event     string
	Role      Role
	Direction Direction
	Op        string
}

func (e *DirectionError) Error() string {
	return fmt.Sprintf("bridge: %s %q from %s violates direction %s", e.Op, e.Event, e.Role, e.Direction)
}

func (e *DirectionError) Is(target error) bool { return target == ErrDirection }

// EndedError is the terminal error of a bridge ended with End.
type EndedError struct {
	Reason string
}

func (e *EndedError) Error() string {
	if e.Reason == "" {
		return "bridge ended"
	}
	return "bridge ended: " + e.Reason
}

func (e *EndedError) Is(target error) bool { return target == ErrEnded }

// StructuredError is the wire form of an error.
type StructuredError struct {
	Name    string   `json:"name" msgpack:"name"`
	Message string   `json:"message" msgpack:"message"`
	Stack   []string `json:"stack,omitempty" msgpack:"stack,omitempty"`
}

// RemoteError is an error hydrated from the peer without a registered transport.
type RemoteError struct {
	Name    string
	Message string
	Stack   []string
}

func (e *RemoteError) Error() string { return e.Message }

// ErrorName returns the name the error had on the remote side.
func (e *RemoteError) ErrorName() string { return e.Name }

// Frames returns the remote stack frames.
func (e *RemoteError) Frames() []string { return e.Stack }

// ErrorName returns the name used to key err in the error-transport
// registry: the result of an ErrorName method anywhere in its chain,
// otherwise the Go type name. Plain errors from the errors and fmt packages
// are named "Error".
func ErrorName(err error) string {
	var named interface{ ErrorName() string }
	if errors.As(err, &named) {
		return named.ErrorName()
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" || t.PkgPath() == "errors" || t.PkgPath() == "fmt" {
		return "Error"
	}
	return t.Name()
}

func framesOf(err error) []string {
	var f interface{ Frames() []string }
	if errors.As(err, &f) {
		return f.Frames()
	}
	return nil
}

// Payload is a value received from the peer that may still be encoded.
type Payload struct {
	raw   any
	codec codec.Codec
}

// NewPayload wraps raw for decoding with c. It is mostly useful in tests.
func NewPayload(raw any, c codec.Codec) Payload { return Payload{raw: raw, codec: c} }

// IsZero reports whether the peer sent no value.
func (p Payload) IsZero() bool { return p.raw == nil }

// Decode stores the payload into dst, which must be a non-nil pointer.
func (p Payload) Decode(dst any) error {
	if p.raw == nil {
		return nil
	}
	if p.codec != nil {
		handled, err := p.codec.Unpack(p.raw, dst)
		if handled {
			return err
		}
	}
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Pointer || dv.IsNil() {
		return fmt.Errorf("decode payload: destination must be a non-nil pointer")
	}
	sv := reflect.ValueOf(p.raw)
	target := dv.Elem()
	if !sv.Type().AssignableTo(target.Type()) {
		if sv.Type().ConvertibleTo(target.Type()) && sv.Kind() == target.Kind() {
			target.Set(sv.Convert(target.Type()))
			return nil
		}
		return fmt.Errorf("decode payload: cannot use %s as %s", sv.Type(), target.Type())
	}
	target.Set(sv)
	return nil
}

func decodePayload[T any](raw any, c codec.Codec) (T, error) {
	var out T
	err := Payload{raw: raw, codec: c}.Decode(&out)
	return out, err
}

// ErrorTransport preserves a specific error type across the wire.
type ErrorTransport struct {
	// Serialize returns extra metadata for err.
	Serialize func(err error) (any, error)
	// Hydrate rebuilds the error from its structured form and metadata.
	Hydrate func(se StructuredError, meta Payload) error
}

// AddErrorTransport registers t for errors whose ErrorName is name.
func (b *Bridge) AddErrorTransport(name string, t ErrorTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errTransports[name] = t
}

func (b *Bridge) errorTransport(name string) (ErrorTransport, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.errTransports[name]
	return t, ok
}

// BuildErrorResponse builds the error response for request id of event.
func (b *Bridge) BuildErrorResponse(id uint64, eventName string, err error) *types.Message {
	se := StructuredError{Name: ErrorName(err), Message: err.Error(), Stack: framesOf(err)}
	msg := &types.Message{
		Type:           types.TypeResponse,
		ID:             id,
		Event:          eventName,
		ResponseStatus: types.StatusError,
		Value:          se,
	}
	if t, ok := b.errorTransport(se.Name); ok && t.Serialize != nil {
		meta, serr := t.Serialize(err)
		if serr != nil {
			b.logger.Warn().Err(serr).Str("error_name", se.Name).Msg("error transport serialize failed")
		} else {
			msg.Metadata = meta
		}
	}
	return msg
}

// HydrateError rebuilds the error carried by an error response.
func (b *Bridge) HydrateError(msg *types.Message) error {
	se, err := decodePayload[StructuredError](msg.Value, b.codec)
	if err != nil {
		return fmt.Errorf("%w: undecodable error response: %v", ErrProtocol, err)
	}
	if t, ok := b.errorTransport(se.Name); ok && t.Hydrate != nil {
		if herr := t.Hydrate(se, Payload{raw: msg.Metadata, codec: b.codec}); herr != nil {
			return herr
		}
	}
	return &RemoteError{Name: se.Name, Message: se.Message, Stack: se.Stack}
}
