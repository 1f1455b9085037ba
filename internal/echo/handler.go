// Package echo implements the per-connection handler. A handler exclusively
// owns one accepted connection from accept to close: it races reads against
// the shutdown broadcast, writes every chunk back verbatim under a write
// deadline, and releases the connection exactly once on every exit path.
package echo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"pkt.systems/echod/internal/logfields"
	"pkt.systems/echod/internal/shutdown"
	"pkt.systems/pslog"
)

// ErrWriteTimeout reports an echo write that did not complete within the
// configured bound. It terminates the connection it occurred on, nothing
// else.
var ErrWriteTimeout = errors.New("echo: write timeout")

const (
	// DefaultReadBufferSize is the per-connection read chunk size.
	DefaultReadBufferSize = 1024
	// DefaultWriteTimeout bounds each echo write.
	DefaultWriteTimeout = 2 * time.Second
	// DefaultShutdownNotice is written best-effort when shutdown interrupts
	// an idle connection.
	DefaultShutdownNotice = "server shutting down\n"
)

// HandlerConfig controls one handler. Zero values fall back to the package
// defaults.
type HandlerConfig struct {
	ReadBufferSize int
	WriteTimeout   time.Duration
	ShutdownNotice []byte
}

func (c *HandlerConfig) applyDefaults() {
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ShutdownNotice == nil {
		c.ShutdownNotice = []byte(DefaultShutdownNotice)
	}
}

// Handler serves a single connection. Construct with NewHandler; Serve may
// be called once.
type Handler struct {
	id     string
	conn   net.Conn
	rx     *shutdown.Receiver
	cfg    HandlerConfig
	logger pslog.Logger
	echoed uint64
}

// NewHandler wraps conn with a handler that observes rx for shutdown. The
// handler takes ownership of both: the connection is closed and the receiver
// dropped when Serve returns.
func NewHandler(conn net.Conn, rx *shutdown.Receiver, cfg HandlerConfig, logger pslog.Logger) *Handler {
	cfg.applyDefaults()
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	id := uuid.NewString()
	logger = logfields.WithSubsystem(logger, logfields.Subsystem("server", "conn")).
		With("conn", id, "remote", remoteAddress(conn))
	return &Handler{
		id:     id,
		conn:   conn,
		rx:     rx,
		cfg:    cfg,
		logger: logger,
	}
}

// ID returns the handler's connection identifier.
func (h *Handler) ID() string { return h.id }

type readResult struct {
	data []byte
	err  error
}

// Serve echoes until the peer closes, shutdown is observed, or a
// connection-local error occurs. EOF is success. All shutdown outcomes
// (received, lagged, closed) end the handler identically: one best-effort
// notice write, then a successful exit.
func (h *Handler) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer h.close()
	defer cancel()
	if h.rx != nil {
		defer h.rx.Drop()
	}

	shutdownCh := make(chan shutdown.Result, 1)
	if h.rx != nil {
		go func() {
			res, err := h.rx.Recv(ctx)
			if err != nil {
				return
			}
			shutdownCh <- res
		}()
	}

	reads := make(chan readResult)
	resume := make(chan struct{})
	go h.readLoop(ctx, reads, resume)

	for {
		select {
		case res := <-shutdownCh:
			h.logger.Debug("echod.conn.shutdown", "outcome", res.Outcome.String(), "missed", res.Missed)
			// The connection is closing regardless; a failed notice write is
			// not an error.
			_ = h.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			_, _ = h.conn.Write(h.cfg.ShutdownNotice)
			return nil

		case rr := <-reads:
			if len(rr.data) > 0 {
				if err := h.echo(rr.data); err != nil {
					return err
				}
			}
			if rr.err != nil {
				if errors.Is(rr.err, io.EOF) {
					h.logger.Debug("echod.conn.eof")
					return nil
				}
				return fmt.Errorf("read failed: %w", rr.err)
			}
			select {
			case resume <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// readLoop feeds chunks to Serve one at a time, reusing a single buffer. It
// waits for Serve to consume each chunk before reading again and exits when
// the connection errors or ctx ends (the deferred close in Serve unblocks a
// pending Read).
func (h *Handler) readLoop(ctx context.Context, out chan<- readResult, resume <-chan struct{}) {
	buf := make([]byte, h.cfg.ReadBufferSize)
	for {
		n, err := h.conn.Read(buf)
		rr := readResult{err: err}
		if n > 0 {
			rr.data = buf[:n]
		}
		select {
		case out <- rr:
		case <-ctx.Done():
			return
		}
		if rr.err != nil {
			return
		}
		select {
		case <-resume:
		case <-ctx.Done():
			return
		}
	}
}

// echo writes p back to the peer within the configured write timeout.
func (h *Handler) echo(p []byte) error {
	if err := h.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := h.conn.Write(p); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return fmt.Errorf("%w after %s", ErrWriteTimeout, h.cfg.WriteTimeout)
		}
		return fmt.Errorf("write failed: %w", err)
	}
	h.echoed += uint64(len(p))
	return nil
}

func (h *Handler) close() {
	if err := h.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		h.logger.Debug("echod.conn.close_error", "error", err)
	}
	h.logger.Info("echod.conn.closed", "echoed", humanize.Bytes(h.echoed))
}

func remoteAddress(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	remote := conn.RemoteAddr()
	if remote == nil {
		return ""
	}
	return remote.String()
}
