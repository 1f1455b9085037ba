package echo

import (
	"net"
	"sync/atomic"
	"time"
)

// stubConn is a controllable net.Conn for exercising error paths that are
// awkward to produce with a real pipe.
type stubConn struct {
	readErr  error
	writeErr error
	closed   atomic.Bool
	closeCh  chan struct{}
}

func newStubConn() *stubConn {
	return &stubConn{closeCh: make(chan struct{})}
}

func (c *stubConn) Read(p []byte) (int, error) {
	if c.readErr != nil {
		return 0, c.readErr
	}
	<-c.closeCh
	return 0, net.ErrClosed
}

func (c *stubConn) Write(p []byte) (int, error) {
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return len(p), nil
}

func (c *stubConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.closeCh)
	}
	return nil
}

func (c *stubConn) LocalAddr() net.Addr                { return stubAddr("local") }
func (c *stubConn) RemoteAddr() net.Addr               { return stubAddr("remote") }
func (c *stubConn) SetDeadline(t time.Time) error      { return nil }
func (c *stubConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *stubConn) SetWriteDeadline(t time.Time) error { return nil }

type stubAddr string

func (a stubAddr) Network() string { return "stub" }
func (a stubAddr) String() string  { return string(a) }
