// Package client is a minimal driver for the echo server: it opens a
// connection, writes bytes, and reads the reply. It exists for the CLI and
// for tests; it carries no invariants of its own.
package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// DefaultTimeout bounds each round trip when no explicit timeout is set.
const DefaultTimeout = 5 * time.Second

// Client wraps one connection to an echo server.
type Client struct {
	conn    net.Conn
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds every Send and Recv call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Dial connects to an echo server at addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", addr, err)
	}
	c := &Client{conn: conn, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Send writes payload and reads back exactly len(payload) echoed bytes.
func (c *Client) Send(payload []byte) ([]byte, error) {
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	if _, err := c.conn.Write(payload); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	reply := make([]byte, len(payload))
	if _, err := io.ReadFull(c.conn, reply); err != nil {
		return nil, fmt.Errorf("read echo: %w", err)
	}
	return reply, nil
}

// Recv reads one chunk of at most max bytes, e.g. a shutdown notice.
func (c *Client) Recv(max int) ([]byte, error) {
	if max <= 0 {
		max = 1024
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	buf := make([]byte, max)
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
