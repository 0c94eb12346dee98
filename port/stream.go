package port

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// Default maximum frame size (3.5 MB). Transfer buffers count against it.
const DefaultMaxFrame int = 3_670_016

// Hard limit on frame size (16 MB)
const MaxFrameHardLimit int = 16_777_216

// Limits bounds what a stream channel accepts and emits.
type Limits struct {
	MaxFrame int `mapstructure:"max_frame"`
}

// DefaultLimits returns the default stream limits.
func DefaultLimits() Limits {
	return Limits{MaxFrame: DefaultMaxFrame}
}

// FrameReader reads length-prefixed CBOR envelopes from a stream.
type FrameReader struct {
	reader io.Reader
	limits Limits
}

// NewFrameReader creates a new FrameReader
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{reader: r, limits: DefaultLimits()}
}

// SetLimits updates the reader's limits
func (fr *FrameReader) SetLimits(limits Limits) {
	fr.limits = limits
}

// ReadEnvelope reads one envelope. An oversized or undecodable frame is
// consumed and reported as ErrMalformed; the stream stays usable.
func (fr *FrameReader) ReadEnvelope() (*Envelope, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(fr.reader, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])

	if int(length) > MaxFrameHardLimit {
		return nil, fmt.Errorf("frame size %d exceeds hard limit %d", length, MaxFrameHardLimit)
	}
	if int(length) > fr.limits.MaxFrame {
		if _, err := io.CopyN(io.Discard, fr.reader, int64(length)); err != nil {
			return nil, err
		}
		return nil, malformed("frame size %d exceeds max_frame limit %d", length, fr.limits.MaxFrame)
	}

	frameBuf := make([]byte, length)
	if _, err := io.ReadFull(fr.reader, frameBuf); err != nil {
		return nil, err
	}
	return DecodeEnvelope(frameBuf)
}

// FrameWriter writes length-prefixed CBOR envelopes to a stream. It is safe
// for concurrent use.
type FrameWriter struct {
	mu     sync.Mutex
	writer io.Writer
	limits Limits
}

// NewFrameWriter creates a new FrameWriter
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{writer: w, limits: DefaultLimits()}
}

// SetLimits updates the writer's limits
func (fw *FrameWriter) SetLimits(limits Limits) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.limits = limits
}

// WriteEnvelope writes a single envelope.
func (fw *FrameWriter) WriteEnvelope(env *Envelope) error {
	frameBuf, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if len(frameBuf) > fw.limits.MaxFrame {
		return fmt.Errorf("encoded frame size %d exceeds max_frame limit %d", len(frameBuf), fw.limits.MaxFrame)
	}

	// length prefix and body go out in one write so frames never interleave
	out := make([]byte, 4+len(frameBuf))
	binary.BigEndian.PutUint32(out[:4], uint32(len(frameBuf)))
	copy(out[4:], frameBuf)
	_, err = fw.writer.Write(out)
	return err
}

// StreamChannel carries envelopes over a byte stream, such as a worker's
// stdin/stdout pair or a socket.
type StreamChannel struct {
	reader *FrameReader
	writer *FrameWriter
	closer io.Closer

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewStreamChannel wraps r and w. closer, when non-nil, is closed by Close.
func NewStreamChannel(r io.Reader, w io.Writer, closer io.Closer) *StreamChannel {
	return &StreamChannel{
		reader: NewFrameReader(r),
		writer: NewFrameWriter(w),
		closer: closer,
		closed: make(chan struct{}),
	}
}

// SetLimits applies limits to both directions.
func (c *StreamChannel) SetLimits(limits Limits) {
	c.reader.SetLimits(limits)
	c.writer.SetLimits(limits)
}

func (c *StreamChannel) Send(env *Envelope) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	if err := c.writer.WriteEnvelope(env); err != nil {
		return fmt.Errorf("stream send: %w", err)
	}
	return nil
}

func (c *StreamChannel) Recv() (*Envelope, error) {
	env, err := c.reader.ReadEnvelope()
	if err != nil {
		select {
		case <-c.closed:
			return nil, io.EOF
		default:
		}
		return nil, err
	}
	return env, nil
}

func (c *StreamChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.closer != nil {
			c.closeErr = c.closer.Close()
		}
	})
	return c.closeErr
}
