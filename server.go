package echod

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"pkt.systems/echod/internal/echo"
	"pkt.systems/echod/internal/logfields"
	"pkt.systems/echod/internal/shutdown"
	"pkt.systems/echod/internal/supervisor"
	"pkt.systems/pslog"
)

// Server accepts connections and serves them until shutdown, then drains.
// The shutdown broadcaster is the only state shared with handler tasks; each
// connection is exclusively owned by its handler.
type Server struct {
	cfg         Config
	logger      pslog.Logger
	broadcaster *shutdown.Broadcaster
	tasks       *supervisor.Set

	mu       sync.Mutex
	listener net.Listener

	shutdownOnce sync.Once
	readyOnce    sync.Once
	readyCh      chan struct{}
	doneCh       chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger pslog.Logger
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// NewServer constructs an echo server according to cfg.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Server{
		cfg:         cfg,
		logger:      logger,
		broadcaster: shutdown.NewBroadcaster(cfg.BroadcastCapacity),
		tasks:       supervisor.NewSet(),
		readyCh:     make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// Start binds the configured address and serves until shutdown is observed,
// then joins every outstanding connection task before returning. A bind
// failure is the only fatal startup error; accept failures are logged and
// the loop continues.
func (s *Server) Start() error {
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("bind %s %q: %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	defer close(s.doneCh)

	logger := logfields.WithSubsystem(s.logger, "server.accept")
	logger.Info("listening", "network", s.cfg.ListenProto, "address", ln.Addr().String())
	s.signalReady()

	rx := s.broadcaster.Subscribe()
	defer rx.Drop()

	loopCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	accepts := make(chan acceptResult)
	go func() {
		for {
			conn, err := ln.Accept()
			select {
			case accepts <- acceptResult{conn: conn, err: err}:
			case <-loopCtx.Done():
				// The race was lost to shutdown; this connection was never
				// admitted and must not leak.
				if conn != nil {
					_ = conn.Close()
				}
				return
			}
			if err != nil && errors.Is(err, net.ErrClosed) {
				return
			}
		}
	}()

	shutdownCh := make(chan shutdown.Result, 1)
	go func() {
		res, err := rx.Recv(loopCtx)
		if err != nil {
			return
		}
		shutdownCh <- res
	}()

accepting:
	for {
		select {
		case res := <-shutdownCh:
			switch res.Outcome {
			case shutdown.Lagged:
				logger.Warn("echod.accept.shutdown", "outcome", res.Outcome.String(), "missed", res.Missed)
			default:
				logger.Info("echod.accept.shutdown", "outcome", res.Outcome.String())
			}
			break accepting
		case ar := <-accepts:
			if ar.err != nil {
				// A single failed accept is never fatal.
				logger.Warn("echod.accept.error", "error", ar.err)
				continue
			}
			s.admit(ar.conn, rx)
		}
	}

	_ = ln.Close()
	cancel()

	return s.drain()
}

// admit hands an accepted connection to its own handler task with a private
// shutdown subscription.
func (s *Server) admit(conn net.Conn, rx *shutdown.Receiver) {
	h := echo.NewHandler(conn, rx.Resubscribe(), echo.HandlerConfig{
		ReadBufferSize: s.cfg.ReadBufferSize,
		WriteTimeout:   s.cfg.WriteTimeout,
		ShutdownNotice: []byte(s.cfg.ShutdownNotice),
	}, s.logger)
	logfields.WithSubsystem(s.logger, "server.accept").
		Info("echod.accept.connection", "conn", h.ID(), "remote", conn.RemoteAddr().String())
	s.tasks.Go(h.ID(), func() error {
		return h.Serve(context.Background())
	})
}

// drain joins every outstanding connection task. Task-level failures,
// including panics, are logged and never escalate.
func (s *Server) drain() error {
	logger := logfields.WithSubsystem(s.logger, "server.drain")
	logger.Info("echod.drain.begin", "tasks", s.tasks.Len())
	for {
		res, err := s.tasks.JoinNext(context.Background())
		if errors.Is(err, supervisor.ErrEmpty) {
			break
		}
		if err != nil {
			return fmt.Errorf("join connection task: %w", err)
		}
		if res.Err != nil {
			logger.Warn("echod.conn.failed", "conn", res.Label, "error", res.Err)
		}
	}
	logger.Info("echod.drain.complete")
	return nil
}

// Shutdown publishes the stop signal exactly once and waits for Start to
// finish draining. Calling it again only waits. It is the sole cancellation
// path; nothing is interrupted forcibly.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		n, err := s.broadcaster.Send()
		if err != nil {
			// Nothing subscribed yet; close the stream so late subscribers
			// still observe shutdown.
			s.broadcaster.Close()
			return
		}
		logfields.WithSubsystem(s.logger, "server").Debug("echod.shutdown.sent", "receivers", n)
	})
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound address, or nil before Start binds.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
