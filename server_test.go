package echod

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/echod/client"
)

func startTestServer(t *testing.T, cfg Config) (*Server, string, chan error) {
	t.Helper()
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- srv.Start()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.WaitUntilReady(ctx); err != nil {
		t.Fatalf("server never became ready: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, srv.ListenerAddr().String(), done
}

func waitStart(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("serve did not return")
		return nil
	}
}

func TestBindFailureIsFatal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	srv, err := NewServer(Config{Listen: ln.Addr().String()})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if err := srv.Start(); err == nil {
		t.Fatalf("expected bind failure on occupied address")
	}
}

func TestRejectsUnknownListenProto(t *testing.T) {
	if _, err := NewServer(Config{ListenProto: "udp"}); err == nil {
		t.Fatalf("expected validation error for udp")
	}
}

// Scenario B: one round trip within the timeout window.
func TestSingleRoundTrip(t *testing.T) {
	_, addr, _ := startTestServer(t, Config{})

	c, err := client.Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	reply, err := c.Send([]byte("hello"))
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if string(reply) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", reply)
	}
}

// Scenario A: two clients echo, then shutdown drains cleanly with no loss.
func TestEchoThenGracefulShutdown(t *testing.T) {
	srv, addr, done := startTestServer(t, Config{})

	payloads := [][]byte{
		bytes.Repeat([]byte("a"), 512),
		bytes.Repeat([]byte("b"), 768),
	}
	for i, payload := range payloads {
		c, err := client.Dial(context.Background(), addr)
		if err != nil {
			t.Fatalf("client %d dial failed: %v", i, err)
		}
		reply, err := c.Send(payload)
		if err != nil {
			t.Fatalf("client %d send failed: %v", i, err)
		}
		if !bytes.Equal(reply, payload) {
			t.Fatalf("client %d echo mismatch", i)
		}
		if err := c.Close(); err != nil {
			t.Fatalf("client %d close failed: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if err := waitStart(t, done); err != nil {
		t.Fatalf("serve returned error: %v", err)
	}
}

// Scenario C: shutdown with zero outstanding connections returns promptly.
func TestShutdownWithNoConnections(t *testing.T) {
	srv, _, done := startTestServer(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if err := waitStart(t, done); err != nil {
		t.Fatalf("serve returned error: %v", err)
	}
}

// Scenario D: an idle connection receives the shutdown notice and the
// handler still counts as a clean exit.
func TestIdleConnectionGetsShutdownNotice(t *testing.T) {
	srv, addr, done := startTestServer(t, Config{})

	c, err := client.Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	// Make sure the handler is subscribed before the signal fires.
	waitFor(t, 2*time.Second, 5*time.Millisecond, func() bool {
		return srv.tasks.Active() == 1
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	notice, err := c.Recv(256)
	if err != nil {
		t.Fatalf("reading notice failed: %v", err)
	}
	if !strings.Contains(string(notice), strings.TrimSpace(DefaultShutdownNotice)) {
		t.Fatalf("unexpected notice %q", notice)
	}
	if err := waitStart(t, done); err != nil {
		t.Fatalf("serve returned error: %v", err)
	}
}

// Scenario E: a write timeout terminates one connection while another keeps
// echoing, and the drain still completes.
func TestWriteTimeoutIsLocalToOneConnection(t *testing.T) {
	srv, addr, done := startTestServer(t, Config{WriteTimeout: 100 * time.Millisecond})

	// Non-reading peer: keep stuffing bytes until the server's echo write
	// stalls on a full socket buffer and times out.
	stall, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("stall dial failed: %v", err)
	}
	defer stall.Close()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		chunk := bytes.Repeat([]byte("x"), 64*1024)
		_ = stall.SetWriteDeadline(time.Now().Add(10 * time.Second))
		for i := 0; i < 256; i++ {
			if _, err := stall.Write(chunk); err != nil {
				return
			}
		}
	}()

	// A concurrent well-behaved connection is unaffected.
	c, err := client.Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()
	for i := 0; i < 10; i++ {
		reply, err := c.Send([]byte("still here"))
		if err != nil {
			t.Fatalf("round trip %d failed: %v", i, err)
		}
		if string(reply) != "still here" {
			t.Fatalf("round trip %d mismatch: %q", i, reply)
		}
	}

	// The stalled handler must terminate on its own via the write timeout.
	waitFor(t, 15*time.Second, 10*time.Millisecond, func() bool {
		return srv.tasks.Active() <= 1
	})
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if err := waitStart(t, done); err != nil {
		t.Fatalf("serve returned error: %v", err)
	}
}

// P1: connection attempts after shutdown are not accepted.
func TestNoAcceptAfterShutdown(t *testing.T) {
	srv, addr, done := startTestServer(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if err := waitStart(t, done); err != nil {
		t.Fatalf("serve returned error: %v", err)
	}

	if conn, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		conn.Close()
		t.Fatalf("connection succeeded after shutdown")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	srv, _, done := startTestServer(t, Config{})

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := srv.Shutdown(ctx)
		cancel()
		if err != nil {
			t.Fatalf("shutdown %d failed: %v", i, err)
		}
	}
	if err := waitStart(t, done); err != nil {
		t.Fatalf("serve returned error: %v", err)
	}
}

func waitFor(t *testing.T, timeout, interval time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if fn() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(interval)
	}
}

func TestShutdownBeforeStartClosesStream(t *testing.T) {
	srv, err := NewServer(Config{Listen: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	// No receivers exist yet; Shutdown must still leave a durable stop mark.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	err = srv.Shutdown(ctx)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline waiting for a server that never started, got %v", err)
	}

	// A subsequent Start observes the closed stream and drains immediately.
	done := make(chan error, 1)
	go func() {
		done <- srv.Start()
	}()
	if err := waitStart(t, done); err != nil {
		t.Fatalf("serve returned error: %v", err)
	}
}
