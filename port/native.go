package port

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// MaxNativeMessageSize is the browser's limit for messages sent to a native host.
const MaxNativeMessageSize = 1024 * 1024

// NativeChannel speaks the browser native messaging framing: a 4-byte
// little-endian length followed by a JSON envelope.
type NativeChannel struct {
	reader io.Reader
	mu     sync.Mutex
	writer io.Writer
	closer io.Closer

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewNativeChannel wraps the stdio pair handed to a native messaging host.
func NewNativeChannel(r io.Reader, w io.Writer, closer io.Closer) *NativeChannel {
	return &NativeChannel{reader: r, writer: w, closer: closer, closed: make(chan struct{})}
}

func (c *NativeChannel) Send(env *Envelope) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	body, err := EncodeEnvelopeJSON(env)
	if err != nil {
		return err
	}
	if len(body) > MaxNativeMessageSize {
		return fmt.Errorf("native message too large: %d bytes (max %d)", len(body), MaxNativeMessageSize)
	}
	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.writer.Write(out)
	return err
}

func (c *NativeChannel) Recv() (*Envelope, error) {
	var length uint32
	if err := binary.Read(c.reader, binary.LittleEndian, &length); err != nil {
		select {
		case <-c.closed:
			return nil, io.EOF
		default:
		}
		return nil, err
	}
	if length > MaxNativeMessageSize {
		if _, err := io.CopyN(io.Discard, c.reader, int64(length)); err != nil {
			return nil, err
		}
		return nil, malformed("native message too large: %d bytes (max %d)", length, MaxNativeMessageSize)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, err
	}
	return DecodeEnvelopeJSON(body)
}

func (c *NativeChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.closer != nil {
			c.closeErr = c.closer.Close()
		}
	})
	return c.closeErr
}
