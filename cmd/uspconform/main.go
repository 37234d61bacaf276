package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/usp/internal/conformance"
	"github.com/iudanet/usp/internal/transport"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "uspconform",
		Short:        "Protocol conformance checker for usp peers",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		target      string
		token       string
		kind        string
		nodeID      string
		collections []string
		timeout     time.Duration
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the conformance suite against a peer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelInfo
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			ctx, cancel := cmd.Context(), func() {}
			if timeout > 0 {
				ctx, cancel = context.WithTimeout(ctx, timeout)
			}
			defer cancel()

			conn, err := dial(ctx, kind, target)
			if err != nil {
				return err
			}
			defer func() {
				if err := conn.Close(); err != nil {
					logger.Warn("Failed to close connection", "error", err)
				}
			}()

			suite := conformance.New(conformance.Config{
				NodeID:      nodeID,
				AuthToken:   token,
				Collections: collections,
			}, logger)

			report := suite.Run(ctx, conn)
			report.Render(cmd.OutOrStdout())

			if !report.Passed() {
				return fmt.Errorf("peer %s failed conformance", target)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "http://localhost:8080", "Base URL of the peer under test")
	cmd.Flags().StringVar(&token, "token", "", "Auth token presented during handshakes")
	cmd.Flags().StringVar(&kind, "transport", "http", "Transport to test over: http or ws")
	cmd.Flags().StringVar(&nodeID, "node-id", "", "Probe node id (default: random per run)")
	cmd.Flags().StringSliceVar(&collections, "collections", nil, "Collections the probe syncs")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Overall run timeout (0 = none)")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Log each check as it runs")
	return cmd
}

func dial(ctx context.Context, kind, target string) (transport.Conn, error) {
	switch kind {
	case "http":
		return transport.NewHTTPConn(target), nil
	case "ws":
		wsURL := strings.Replace(target, "http", "ws", 1) + "/api/v1/ws"
		return transport.DialWS(ctx, wsURL)
	default:
		return nil, fmt.Errorf("unknown transport %q, want http or ws", kind)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "uspconform\nVersion:    %s\nBuild Date: %s\nGit Commit: %s\n",
				Version, BuildDate, GitCommit)
		},
	}
}
