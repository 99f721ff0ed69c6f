package messages

import (
	"net"
	"time"
)

// WebSocketPath is the HTTP path of the WebSocket transport
const WebSocketPath = "/meeting"

// Conn frames Messages over a transport connection.
//
// Establishing a Conn is the second phase of connection setup: the transport is connected first, then both
// directions of the codec are set up before any frame is written or read. Neither side writes a stream preamble, so
// the order in which the two peers reach this phase does not matter.
//
// Reads and writes may run concurrently with each other, but concurrent writers must be serialized by the caller.
type Conn struct {
	conn net.Conn
	r    *Reader
	w    *Writer
}

func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn: conn,
		w:    NewWriter(conn),
		r:    NewReader(conn),
	}
}

func (c *Conn) ReadMessage() (Message, error) {
	return c.r.ReadMessage()
}

func (c *Conn) WriteMessage(m Message) error {
	return c.w.WriteMessage(m)
}

// WriteMessageTimeout writes one frame and fails if the transport does not accept it within timeout. A zero timeout
// means no deadline.
func (c *Conn) WriteMessageTimeout(m Message, timeout time.Duration) error {
	if timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer func() {
			_ = c.conn.SetWriteDeadline(time.Time{})
		}()
	}
	return c.w.WriteMessage(m)
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) Close() error {
	return c.conn.Close()
}
