package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/echod"
	"pkt.systems/echod/internal/logfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("ECHOD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "echod")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			logfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "echod",
		Short: "Connection-oriented echo server with cooperative graceful shutdown",
		Long: `echod binds a TCP address, echoes every byte it reads back to the peer,
and shuts down cooperatively: SIGINT/SIGTERM is translated into exactly one
broadcast send, after which no new connections are admitted and every
in-flight connection is allowed to finish.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfigFile(); err != nil {
				return err
			}
			cfg, err := serverConfigFromViper()
			if err != nil {
				return err
			}

			logger := baseLogger
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := logfields.WithSubsystem(logger, "cli.root")

			server, err := echod.NewServer(cfg, echod.WithLogger(logger))
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			go func() {
				<-ctx.Done()
				// One signal becomes exactly one shutdown send; the server
				// itself never watches signals.
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			return server.Start()
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file")

	flags := cmd.Flags()
	flags.String("listen", echod.DefaultListen, "listen address")
	flags.String("listen-proto", echod.DefaultListenProto, "listen network (tcp, tcp4, tcp6)")
	flags.Duration("write-timeout", echod.DefaultWriteTimeout, "per-write echo timeout; exceeding it terminates only that connection")
	flags.String("read-buffer", fmt.Sprintf("%d", echod.DefaultReadBufferSize), "per-connection read buffer size (accepts 4096, 4KiB, ...)")
	flags.Int("broadcast-capacity", echod.DefaultBroadcastCapacity, "pending window of the shutdown broadcast")
	flags.String("shutdown-notice", echod.DefaultShutdownNotice, "best-effort notice written to connections on shutdown")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	mustBind := func(flagSet *pflag.FlagSet, name string) {
		if err := viper.BindPFlag(name, flagSet.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
	for _, name := range []string{
		"listen",
		"listen-proto",
		"write-timeout",
		"read-buffer",
		"broadcast-capacity",
		"shutdown-notice",
		"log-level",
	} {
		mustBind(flags, name)
	}
	mustBind(persistentFlags, "config")
	viper.SetEnvPrefix("ECHOD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	cmd.AddCommand(newSendCommand())
	cmd.AddCommand(newSchedLabCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func loadConfigFile() error {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	if cfgPath == "" {
		return nil
	}
	viper.SetConfigFile(cfgPath)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %q: %w", cfgPath, err)
	}
	return nil
}

func serverConfigFromViper() (echod.Config, error) {
	cfg := echod.Config{
		Listen:            viper.GetString("listen"),
		ListenProto:       viper.GetString("listen-proto"),
		WriteTimeout:      viper.GetDuration("write-timeout"),
		BroadcastCapacity: viper.GetInt("broadcast-capacity"),
		ShutdownNotice:    viper.GetString("shutdown-notice"),
	}
	if raw := strings.TrimSpace(viper.GetString("read-buffer")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return echod.Config{}, fmt.Errorf("invalid read-buffer %q: %w", raw, err)
		}
		if size > math.MaxInt32 {
			return echod.Config{}, fmt.Errorf("read-buffer %q too large", raw)
		}
		cfg.ReadBufferSize = int(size)
	}
	return cfg, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
