package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TangGee/mcpkit"
	"github.com/TangGee/mcpkit/servers/everything"
	"github.com/TangGee/mcpkit/servers/memory"
)

type options struct {
	addr       string
	memoryFile string
	logLevel   string
}

func main() {
	var opts options
	cmd := &cobra.Command{
		Use:   "everything",
		Short: "Serve the everything test server over SSE and drive it from an interactive client",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, os.Stdin, os.Stdout)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "127.0.0.1:8080", "address the SSE server listens on")
	cmd.Flags().StringVar(&opts.memoryFile, "memory", "",
		"also serve the knowledge graph tools, stored in this JSON Lines file")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "server log level")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, in io.Reader, out io.Writer) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	metrics := mcp.NewMetrics()

	ev := everything.NewServer(everything.WithLogger(logger))
	defer ev.Close()

	srvOptions := append(ev.ServerOptions(),
		mcp.WithServerLogger(logger),
		mcp.WithServerMetrics(metrics),
		mcp.WithServerPingInterval(30*time.Second),
	)
	srv := mcp.NewServer(mcp.Info{Name: "everything", Version: "1.0.0"}, srvOptions...)
	if err := ev.Register(srv); err != nil {
		return err
	}
	if opts.memoryFile != "" {
		mem, err := memory.NewServer(opts.memoryFile, memory.WithLogger(logger))
		if err != nil {
			return err
		}
		if err := mem.Register(srv); err != nil {
			return err
		}
	}

	sse, err := mcp.ListenSSE(opts.addr,
		mcp.WithSSEServerLogger(logger),
		mcp.WithSSEServerMetrics(metrics))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	addr := sse.Addr().String()
	logger.Info("server started", slog.String("addr", addr))

	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(context.Background(), sse)
	}()

	t, err := mcp.DialTransport(ctx, "sse://"+addr)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Type help for the list of commands.")
	runErr := newClient(t, out).run(ctx, in)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shut down server", slog.String("err", err.Error()))
	}
	if err := sse.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shut down SSE listener", slog.String("err", err.Error()))
	}
	if err := <-served; err != nil {
		logger.Warn("server stopped", slog.String("err", err.Error()))
	}
	return runErr
}
