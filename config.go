package echod

import (
	"fmt"
	"time"

	"pkt.systems/echod/internal/echo"
	"pkt.systems/echod/internal/shutdown"
)

const (
	// DefaultListen is the TCP endpoint served when none is configured.
	DefaultListen = "127.0.0.1:3011"
	// DefaultListenProto controls the listen network when none is configured.
	DefaultListenProto = "tcp"
	// DefaultWriteTimeout bounds each echo write; exceeding it terminates
	// only the connection it occurred on.
	DefaultWriteTimeout = echo.DefaultWriteTimeout
	// DefaultReadBufferSize is the per-connection read chunk size.
	DefaultReadBufferSize = echo.DefaultReadBufferSize
	// DefaultBroadcastCapacity bounds the shutdown coordinator's pending
	// window; it only affects lag detection, not correctness.
	DefaultBroadcastCapacity = shutdown.DefaultCapacity
	// DefaultShutdownNotice is the best-effort farewell written to idle
	// connections when shutdown fires.
	DefaultShutdownNotice = echo.DefaultShutdownNotice
	// DefaultConfigFileName is the config file the CLI looks for.
	DefaultConfigFileName = "echod.yaml"
)

// Config holds the server configuration.
type Config struct {
	// Listen is the bind address, e.g. "127.0.0.1:3011".
	Listen string
	// ListenProto is the listen network (tcp, tcp4, tcp6).
	ListenProto string
	// WriteTimeout bounds each echo write.
	WriteTimeout time.Duration
	// ReadBufferSize is the chunk size connections read into.
	ReadBufferSize int
	// BroadcastCapacity sizes the shutdown coordinator's pending window.
	BroadcastCapacity int
	// ShutdownNotice is written best-effort when shutdown interrupts a
	// connection.
	ShutdownNotice string
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.BroadcastCapacity <= 0 {
		c.BroadcastCapacity = DefaultBroadcastCapacity
	}
	if c.ShutdownNotice == "" {
		c.ShutdownNotice = DefaultShutdownNotice
	}
}

// Validate reports configuration errors that would otherwise only surface at
// bind time.
func (c Config) Validate() error {
	switch c.ListenProto {
	case "", "tcp", "tcp4", "tcp6":
	default:
		return fmt.Errorf("unsupported listen protocol %q", c.ListenProto)
	}
	return nil
}
