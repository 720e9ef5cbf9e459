package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/philsphicas/sigrelay/internal/peer"
	"github.com/philsphicas/sigrelay/internal/relay"
	"github.com/spf13/cobra"
)

func peerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Join a relay as a peer and exchange messages over stdin/stdout",
		Long: `Connect to the relay under the given role, send each line of stdin as
one message and print each received message on its own line. Exits when
stdin is exhausted or the relay closes the connection.

Example:
  sigrelay peer --role browser --server ws://localhost:8888`,
		Args: cobra.NoArgs,
		RunE: runPeer,
	}

	cmd.Flags().String("server", peer.DefaultServer, "relay URL (env SIGRELAY_SERVER)")
	cmd.Flags().String("role", "", fmt.Sprintf("role to join as (%s or %s)", relay.ConsumerLabel, relay.ProducerLabel))
	cmd.Flags().Duration("dial-timeout", 30*time.Second, "total time to keep retrying the relay dial (0 = single attempt)")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func runPeer(cmd *cobra.Command, args []string) error {
	server := stringFlagOrEnv(cmd, "server", "SIGRELAY_SERVER")
	role, _ := cmd.Flags().GetString("role")
	dialTimeout, _ := cmd.Flags().GetDuration("dial-timeout")
	if dialTimeout < 0 {
		return fmt.Errorf("--dial-timeout must be >= 0, got %s", dialTimeout)
	}

	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ws, err := peer.DialWithTimeout(ctx, server, role, dialTimeout, nil, logger)
	if err != nil {
		return err
	}
	logger.Info("joined relay", "server", server, "role", role)
	return peer.Pump(ctx, ws, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
}
