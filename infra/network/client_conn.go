package network

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/phuhao00/pandarpc/infra/protocol"
)

// FrameSink receives every frame read off a client connection. The client
// multiplexer routes them to pending calls by request ID.
type FrameSink func(frame *protocol.Frame)

// ClientConn is one framed connection to a server. Writers are serialized;
// a single reader goroutine delivers inbound frames to the sink. After any
// transport error the connection reports unhealthy and the pool closes it.
type ClientConn struct {
	conn         net.Conn
	maxFrameSize uint32

	writeMu sync.Mutex
	broken  atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
}

// Dial opens a framed client connection and starts its read loop. Frames
// are delivered to sink until the connection fails or closes.
func Dial(ctx context.Context, addr string, maxFrameSize uint32, sink FrameSink) (*ClientConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	c := NewClientConn(conn, maxFrameSize)
	go c.readLoop(sink)
	return c, nil
}

// NewClientConn wraps an established connection without starting the read
// loop; callers own it, which keeps in-memory pipes testable.
func NewClientConn(conn net.Conn, maxFrameSize uint32) *ClientConn {
	return &ClientConn{
		conn:         conn,
		maxFrameSize: maxFrameSize,
		done:         make(chan struct{}),
	}
}

// WriteFrame encodes and writes one frame. Any write error marks the
// connection broken.
func (c *ClientConn) WriteFrame(frame *protocol.Frame) error {
	data, err := protocol.EncodeFrame(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return net.ErrClosed
	}
	if _, err := c.conn.Write(data); err != nil {
		c.broken.Store(true)
		return fmt.Errorf("write to %s failed: %w", c.conn.RemoteAddr(), err)
	}
	return nil
}

// readLoop decodes frames until the stream ends. Exported for callers that
// construct via NewClientConn.
func (c *ClientConn) ReadLoop(sink FrameSink) { c.readLoop(sink) }

func (c *ClientConn) readLoop(sink FrameSink) {
	defer close(c.done)
	for {
		frame, err := protocol.DecodeFrame(c.conn, c.maxFrameSize)
		if err != nil {
			if !c.closed.Load() {
				logrus.Debugf("read loop on %s ended: %v", c.conn.RemoteAddr(), err)
				c.broken.Store(true)
			}
			return
		}
		sink(frame)
	}
}

// Healthy reports whether the connection is usable for another request.
func (c *ClientConn) Healthy() bool {
	return !c.broken.Load() && !c.closed.Load()
}

// RemoteAddr returns the peer address.
func (c *ClientConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// Done is closed when the read loop exits.
func (c *ClientConn) Done() <-chan struct{} { return c.done }

// Close tears the connection down. Idempotent.
func (c *ClientConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}
