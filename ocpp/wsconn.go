package ocppserver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnectionClosed is returned by Send once the socket is gone.
var ErrConnectionClosed = errors.New("connection closed")

const writeWait = 10 * time.Second

type writeRequest struct {
	data []byte
	done chan error
}

// wsConnection serializes writes to a gorilla socket. gorilla allows one
// concurrent writer, so every frame goes through the writer goroutine.
type wsConnection struct {
	conn   *websocket.Conn
	id     string // token used for IP admission
	remote string

	writes chan writeRequest
	closed chan struct{}
	once   sync.Once
}

func newWSConnection(conn *websocket.Conn, id, remote string) *wsConnection {
	c := &wsConnection{
		conn:   conn,
		id:     id,
		remote: remote,
		writes: make(chan writeRequest),
		closed: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *wsConnection) writeLoop() {
	for {
		select {
		case req := <-c.writes:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.TextMessage, req.data)
			req.done <- err
			if err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Send hands the frame to the writer and waits until it has been written.
func (c *wsConnection) Send(ctx context.Context, frame []byte) error {
	req := writeRequest{data: frame, done: make(chan error, 1)}
	select {
	case c.writes <- req:
	case <-c.closed:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the socket. Safe to call more than once.
func (c *wsConnection) Close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}
