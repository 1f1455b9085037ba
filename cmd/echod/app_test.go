package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"pkt.systems/pslog"
)

func TestServerConfigDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	_ = newRootCommand(pslog.NoopLogger())

	cfg, err := serverConfigFromViper()
	if err != nil {
		t.Fatalf("config resolution failed: %v", err)
	}
	if cfg.Listen != "127.0.0.1:3011" {
		t.Fatalf("unexpected default listen %q", cfg.Listen)
	}
	if cfg.WriteTimeout != 2*time.Second {
		t.Fatalf("unexpected default write timeout %s", cfg.WriteTimeout)
	}
	if cfg.ReadBufferSize != 1024 {
		t.Fatalf("unexpected default read buffer %d", cfg.ReadBufferSize)
	}
}

func TestServerConfigFromFlags(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	cmd := newRootCommand(pslog.NoopLogger())
	err := cmd.ParseFlags([]string{
		"--listen", "127.0.0.1:9999",
		"--write-timeout", "250ms",
		"--read-buffer", "4KiB",
		"--broadcast-capacity", "8",
	})
	if err != nil {
		t.Fatalf("flag parsing failed: %v", err)
	}

	cfg, err := serverConfigFromViper()
	if err != nil {
		t.Fatalf("config resolution failed: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9999" {
		t.Fatalf("unexpected listen %q", cfg.Listen)
	}
	if cfg.WriteTimeout != 250*time.Millisecond {
		t.Fatalf("unexpected write timeout %s", cfg.WriteTimeout)
	}
	if cfg.ReadBufferSize != 4096 {
		t.Fatalf("unexpected read buffer %d", cfg.ReadBufferSize)
	}
	if cfg.BroadcastCapacity != 8 {
		t.Fatalf("unexpected broadcast capacity %d", cfg.BroadcastCapacity)
	}
}

func TestServerConfigFromEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("ECHOD_LISTEN", "127.0.0.1:4444")
	_ = newRootCommand(pslog.NoopLogger())

	cfg, err := serverConfigFromViper()
	if err != nil {
		t.Fatalf("config resolution failed: %v", err)
	}
	if cfg.Listen != "127.0.0.1:4444" {
		t.Fatalf("env override not applied, got %q", cfg.Listen)
	}
}

func TestServerConfigRejectsBadReadBuffer(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	cmd := newRootCommand(pslog.NoopLogger())
	if err := cmd.ParseFlags([]string{"--read-buffer", "lots"}); err != nil {
		t.Fatalf("flag parsing failed: %v", err)
	}
	if _, err := serverConfigFromViper(); err == nil {
		t.Fatalf("expected error for unparseable read-buffer")
	}
}

func TestSchedLabInterleaving(t *testing.T) {
	var buf bytes.Buffer
	out := &lockedWriter{w: &buf}
	runLoopers(out, "single", 2, time.Millisecond, time.Sleep)

	output := buf.String()
	for _, want := range []string{"task 0 iteration 1", "task 1 iteration 1", "task 2 iteration 1"} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %q in output:\n%s", want, output)
		}
	}
}
