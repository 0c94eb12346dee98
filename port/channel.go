package port

import (
	"io"
	"sync"
)

// Channel is a bidirectional, ordered envelope pipe. Send must be safe for
// concurrent use; Recv is called from a single goroutine.
type Channel interface {
	// Send posts an envelope to the peer. Returns ErrChannelClosed after Close.
	Send(env *Envelope) error
	// Recv blocks for the next envelope. Returns io.EOF once the channel is
	// closed, or an ErrMalformed error for a message that could not be decoded.
	Recv() (*Envelope, error)
	// Close closes both directions. Safe to call more than once.
	Close() error
}

// NewMessageChannel returns the two entangled ends of an in-memory channel.
// Envelopes are handed over as-is (args are already encoded) and transfer
// buffers are moved, not copied. Closing either end closes both.
func NewMessageChannel() (Channel, Channel) {
	link := &memLink{done: make(chan struct{})}
	ab := newMemQueue()
	ba := newMemQueue()
	return &memChannel{link: link, in: ba, out: ab}, &memChannel{link: link, in: ab, out: ba}
}

type memLink struct {
	once sync.Once
	done chan struct{}
}

type memQueue struct {
	mu     sync.Mutex
	items  []*Envelope
	notify chan struct{}
}

func newMemQueue() *memQueue {
	return &memQueue{notify: make(chan struct{}, 1)}
}

func (q *memQueue) push(env *Envelope) {
	q.mu.Lock()
	q.items = append(q.items, env)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *memQueue) pop() (*Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	env := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return env, true
}

type memChannel struct {
	link *memLink
	in   *memQueue
	out  *memQueue
}

func (c *memChannel) Send(env *Envelope) error {
	select {
	case <-c.link.done:
		return ErrChannelClosed
	default:
	}
	c.out.push(env)
	return nil
}

func (c *memChannel) Recv() (*Envelope, error) {
	for {
		select {
		case <-c.link.done:
			return nil, io.EOF
		default:
		}
		if env, ok := c.in.pop(); ok {
			return env, nil
		}
		select {
		case <-c.in.notify:
		case <-c.link.done:
			return nil, io.EOF
		}
	}
}

func (c *memChannel) Close() error {
	c.link.once.Do(func() { close(c.link.done) })
	return nil
}
