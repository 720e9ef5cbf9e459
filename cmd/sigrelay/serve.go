package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/philsphicas/sigrelay/internal/relay"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the signalling relay",
		Long: `Accept WebSocket connections from the producer (client_id=gstreamer)
and the consumer (client_id=browser) and forward every message from one
to whichever connection currently holds the other role.

A reconnecting peer replaces the previous connection for its role.
Messages sent while the other role is absent are dropped.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("listen", relay.DefaultAddr, "address to listen on (env SIGRELAY_LISTEN_ADDR)")
	cmd.Flags().StringSlice("origin", nil, "additional browser origin host patterns allowed to connect (e.g. app.example.com, *.example.com)")
	cmd.Flags().Int64("max-message-size", relay.DefaultMaxMessageSize, "maximum size of a single message in bytes")
	cmd.Flags().Int("max-connections", 0, "max concurrent peer sockets, including displaced ones (0 = unlimited)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	listen := stringFlagOrEnv(cmd, "listen", "SIGRELAY_LISTEN_ADDR")
	origins, _ := cmd.Flags().GetStringSlice("origin")
	maxMessageSize, _ := cmd.Flags().GetInt64("max-message-size")
	maxConn, _ := cmd.Flags().GetInt("max-connections")
	if maxConn < 0 {
		return fmt.Errorf("--max-connections must be >= 0, got %d", maxConn)
	}

	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := relay.Config{
		Addr:           listen,
		OriginPatterns: origins,
		MaxMessageSize: maxMessageSize,
		MaxConnections: maxConn,
		Logger:         logger,
	}
	var err error
	if cfg.Metrics, err = resolveMetrics(ctx, cmd, logger); err != nil {
		return err
	}

	return relay.ListenAndServe(ctx, cfg)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
