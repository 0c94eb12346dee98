package port

import (
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsWriteWait  = 10 * time.Second
)

// WebSocketChannel carries CBOR envelopes as binary websocket messages and
// keeps the connection alive with pings.
type WebSocketChannel struct {
	conn *websocket.Conn
	mu   sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebSocketChannel takes ownership of conn.
func NewWebSocketChannel(conn *websocket.Conn) *WebSocketChannel {
	c := &WebSocketChannel{conn: conn, closed: make(chan struct{})}
	conn.SetReadLimit(int64(DefaultMaxFrame))
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go c.pingLoop()
	return c
}

func (c *WebSocketChannel) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *WebSocketChannel) Send(env *Envelope) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	data, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *WebSocketChannel) Recv() (*Envelope, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		select {
		case <-c.closed:
			return nil, io.EOF
		default:
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	if msgType != websocket.BinaryMessage {
		return nil, malformed("unexpected websocket message type %d", msgType)
	}
	return DecodeEnvelope(data)
}

func (c *WebSocketChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}
