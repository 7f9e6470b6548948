package transport

import (
	"context"
	"net"
	"time"
)

// deadlineConn is the subset of net.Conn (and quic streams) needed to bound
// each call with its own deadline.
type deadlineConn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// streamConn applies a fresh deadline before every Read and Write
type streamConn struct {
	conn    deadlineConn
	name    string
	opts    Options
	closeFn func() error
}

func (c *streamConn) Read(p []byte) (int, error) {
	if c.opts.ReadTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout)); err != nil {
			return 0, err
		}
	}
	return c.conn.Read(p)
}

func (c *streamConn) Write(p []byte) (int, error) {
	if c.opts.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return 0, err
		}
	}
	return c.conn.Write(p)
}

func (c *streamConn) Close() error {
	err := c.conn.Close()
	if c.closeFn != nil {
		if cerr := c.closeFn(); err == nil {
			err = cerr
		}
	}
	return err
}

func (c *streamConn) String() string { return c.name }

// DialTCP connects to addr with Nagle disabled when opts.NoDelay is set.
// net.Conn already allows a concurrent reader and writer, so the same
// connection backs both directions.
func DialTCP(ctx context.Context, addr string, opts Options) (Transport, error) {
	d := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewConn(conn, opts)
}

// NewConn wraps an already connected socket
func NewConn(conn net.Conn, opts Options) (Transport, error) {
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(opts.NoDelay); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return &streamConn{
		conn: conn,
		name: "tcp:" + conn.RemoteAddr().String(),
		opts: opts,
	}, nil
}
