// Command filesystem serves the filesystem tools over stdio or SSE, restricted to the
// directories given as arguments.
//
//	filesystem [--transport stdio://stdout-stdin | sse://127.0.0.1:8080] DIR...
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/cobra"

	"github.com/TangGee/mcpkit"
	"github.com/TangGee/mcpkit/servers/filesystem"
)

type config struct {
	Transport string `env:"MCP_TRANSPORT,default=stdio://stdout-stdin"`
	Debug     bool   `env:"MCP_DEBUG"`
}

func main() {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		fmt.Fprintln(os.Stderr, "failed to decode environment:", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:          "filesystem DIR...",
		Short:        "Serve filesystem tools over MCP",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, args)
		},
	}
	rootCmd.Flags().StringVarP(&cfg.Transport, "transport", "t", cfg.Transport,
		"Transport selector, stdio://stdout-stdin or sse://host:port")
	rootCmd.Flags().BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, roots []string) error {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	fs, err := filesystem.NewServer(roots, filesystem.WithLogger(logger))
	if err != nil {
		return err
	}

	metrics := mcp.NewMetrics()
	srv := mcp.NewServer(mcp.Info{Name: "filesystem", Version: "1.0.0"},
		mcp.WithInstructions("Allowed directories: "+strings.Join(fs.AllowedDirectories(), ", ")),
		mcp.WithServerLogger(logger),
		mcp.WithServerMetrics(metrics),
		mcp.WithServerPingInterval(30*time.Second),
	)
	if err := fs.Register(srv); err != nil {
		return err
	}

	errs := make(chan error, 1)
	switch u, err := url.Parse(cfg.Transport); {
	case err != nil:
		return fmt.Errorf("invalid transport %q: %w", cfg.Transport, err)
	case strings.EqualFold(u.Scheme, "sse"):
		sse, err := mcp.ListenSSE(u.Host, mcp.WithSSEServerLogger(logger), mcp.WithSSEServerMetrics(metrics))
		if err != nil {
			return err
		}
		defer sse.Close()
		logger.Info("serving over SSE", slog.String("addr", sse.Addr().String()))
		go func() { errs <- srv.Serve(context.Background(), sse) }()
	case strings.EqualFold(u.Scheme, "stdio"):
		st, err := mcp.DialTransport(ctx, cfg.Transport)
		if err != nil {
			return err
		}
		go func() { errs <- srv.ServeTransport(context.Background(), st) }()
	default:
		return fmt.Errorf("%w: filesystem serves stdio or sse, got %q", mcp.ErrInvalidArgument, cfg.Transport)
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errs
}
