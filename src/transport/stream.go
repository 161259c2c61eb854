package transport

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/orchestra-mcp/rpc/src/bridge"
	"github.com/orchestra-mcp/rpc/src/metrics"
	"github.com/orchestra-mcp/rpc/src/types"
)

// DefaultMaxFrameSize bounds a single stream frame.
const DefaultMaxFrameSize = 64 << 20

// maxPrefixDigits covers any length up to the int64 range.
const maxPrefixDigits = 19

var (
	// ErrBadFrame is returned for a length prefix that is not a decimal number.
	ErrBadFrame = errors.New("malformed frame prefix")
	// ErrFrameTooLarge is returned for frames above the configured maximum.
	ErrFrameTooLarge = errors.New("frame too large")
)

// AppendFrame appends payload framed as "<decimal length>:<payload>".
func AppendFrame(dst, payload []byte) []byte {
	dst = strconv.AppendInt(dst, int64(len(payload)), 10)
	dst = append(dst, ':')
	return append(dst, payload...)
}

// FrameDecoder reassembles frames from an arbitrarily split byte stream.
type FrameDecoder struct {
	buf []byte
	max int
}

// NewFrameDecoder returns a decoder rejecting frames above max bytes.
func NewFrameDecoder(max int) *FrameDecoder {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	return &FrameDecoder{max: max}
}

// Write buffers p and returns every frame completed by it. After an error
// the decoder must be discarded.
func (d *FrameDecoder) Write(p []byte) ([][]byte, error) {
	d.buf = append(d.buf, p...)
	var frames [][]byte
	for {
		frame, n, err := d.next()
		if err != nil {
			return frames, err
		}
		if n == 0 {
			break
		}
		frames = append(frames, frame)
		d.buf = d.buf[n:]
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames, nil
}

// Buffered returns the number of bytes of incomplete frames held.
func (d *FrameDecoder) Buffered() int { return len(d.buf) }

func (d *FrameDecoder) next() ([]byte, int, error) {
	size := 0
	for i, c := range d.buf {
		if c == ':' {
			if i == 0 {
				return nil, 0, fmt.Errorf("%w: empty length", ErrBadFrame)
			}
			end := i + 1 + size
			if len(d.buf) < end {
				return nil, 0, nil
			}
			frame := make([]byte, size)
			copy(frame, d.buf[i+1:end])
			return frame, end, nil
		}
		if c < '0' || c > '9' {
			return nil, 0, fmt.Errorf("%w: unexpected byte %q", ErrBadFrame, c)
		}
		if i >= maxPrefixDigits {
			return nil, 0, fmt.Errorf("%w: length prefix too long", ErrBadFrame)
		}
		size = size*10 + int(c-'0')
		if size > d.max {
			return nil, 0, fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, size, d.max)
		}
	}
	return nil, 0, nil
}

// Stream binds a bridge to a byte stream using length-prefixed framing.
// The stream is closed when the bridge ends.
func Stream(rwc io.ReadWriteCloser, role bridge.Role, contract *bridge.Contract, opts Options) (*bridge.Bridge, error) {
	return bindStream("stream", rwc, role, contract, opts)
}

func bindStream(name string, rwc io.ReadWriteCloser, role bridge.Role, contract *bridge.Contract, opts Options) (*bridge.Bridge, error) {
	cd := opts.codec()
	logger := opts.Logger.With().Str("component", "transport").Str("transport", name).Logger()

	var writeMu sync.Mutex
	var frame []byte
	b, err := bridge.New(role, contract, bridge.TransportFunc(func(msg *types.Message) error {
		data, err := cd.Encode(msg)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		frame = AppendFrame(frame[:0], data)
		_, err = rwc.Write(frame)
		return err
	}), opts.bridge())
	if err != nil {
		return nil, err
	}

	b.OnEnd(func(error) {
		if err := rwc.Close(); err != nil {
			logger.Debug().Err(err).Msg("close after end")
		}
	})

	go readStream(name, rwc, b, NewFrameDecoder(opts.maxFrame()))
	return b, nil
}

func readStream(name string, r io.Reader, b *bridge.Bridge, dec *FrameDecoder) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			frames, ferr := dec.Write(buf[:n])
			for _, f := range frames {
				b.HandleBytes(f)
			}
			if ferr != nil {
				metrics.RecordFrameRejected(name)
				b.EndWithError(fmt.Errorf("%w: %v", bridge.ErrProtocol, ferr))
				return
			}
		}
		if err != nil {
			endOnReadError(b, name, err)
			return
		}
	}
}

func endOnReadError(b *bridge.Bridge, name string, err error) {
	if !b.Alive() {
		return
	}
	if errors.Is(err, io.EOF) || errors.Is(err, ErrClosed) {
		b.End(name + " closed by peer")
		return
	}
	b.EndWithError(fmt.Errorf("%s read: %w", name, err))
}
