package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/TangGee/mcpkit"
)

// dial connects to the calculator named by target. A stdio target starts the server as a
// child process and talks to it over its standard streams.
func dial(ctx context.Context, target string, logger *slog.Logger) (mcp.Transport, func() error, error) {
	if !strings.HasPrefix(strings.ToLower(target), "stdio://") {
		t, err := mcp.DialTransport(ctx, target)
		if err != nil {
			return nil, nil, err
		}
		return t, func() error { return nil }, nil
	}

	self, err := os.Executable()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to locate executable: %w", err)
	}
	cmd := exec.CommandContext(ctx, self, "server", "--transport", target)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start server process: %w", err)
	}

	t := mcp.NewStdIO(stdout, stdin, mcp.WithStdIOLogger(logger))
	wait := func() error {
		_ = stdin.Close()
		return cmd.Wait()
	}
	return t, wait, nil
}

func runClient(ctx context.Context, cfg config, logger *slog.Logger, out io.Writer) error {
	t, wait, err := dial(ctx, cfg.Transport, logger)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", cfg.Transport, err)
	}

	cli := mcp.NewClient(mcp.Info{Name: "calculator-client", Version: "1.0.0"}, t,
		mcp.WithClientLogger(logger),
		mcp.WithRequireServerCapabilities(mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{}}),
	)
	defer func() {
		_ = cli.Close()
		if err := wait(); err != nil {
			logger.Warn("server process exited with error", slog.String("err", err.Error()))
		}
	}()

	if err := cli.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	info := cli.ServerInfo()
	fmt.Fprintf(out, "connected to %s %s (protocol %s)\n", info.Name, info.Version, cli.ProtocolVersion())
	if instructions := cli.Instructions(); instructions != "" {
		fmt.Fprintf(out, "instructions: %s\n", instructions)
	}

	if err := printTools(ctx, cli, out); err != nil {
		return err
	}
	if err := calculate(ctx, cli, out); err != nil {
		return err
	}
	if cli.ResourceServerSupported() {
		return printResources(ctx, cli, out)
	}
	return nil
}

func printTools(ctx context.Context, cli *mcp.Client, out io.Writer) error {
	res, err := cli.ListTools(ctx, mcp.ListToolsParams{})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "tools:")
	for _, tool := range res.Tools {
		fmt.Fprintf(out, "  %s: %s\n", tool.Name, tool.Description)
	}
	return nil
}

func calculate(ctx context.Context, cli *mcp.Client, out io.Writer) error {
	for _, op := range []string{"add", "sub", "mult", "div"} {
		res, err := mcp.CallRemote[float64](ctx, cli, op, operands{A: 84, B: 2})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s(84, 2) = %g\n", op, res)
	}

	// Tool failures come back as results, not as protocol errors.
	_, err := mcp.CallRemote[float64](ctx, cli, "div", operands{A: 1, B: 0})
	var toolErr *mcp.ToolError
	if !errors.As(err, &toolErr) {
		return fmt.Errorf("expected a tool error from div by zero, got %w", err)
	}
	fmt.Fprintf(out, "div(1, 0) failed: %s\n", toolErr.Message)

	echo := mcp.BindTool[echoArgs, string](cli, "echo")
	msg, err := echo(ctx, echoArgs{Message: "ping"})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "echo: %s\n", msg)

	hello, err := mcp.CallRemote[string](ctx, cli, "hello_unicode", helloArgs{Name: "世界", Greeting: "Привет,"})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "hello_unicode: %s\n", hello)

	categories, err := mcp.CallRemoteNoArgs[[]string](ctx, cli, "list_emoji_categories")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "list_emoji_categories: %s\n", strings.Join(categories, ", "))
	return nil
}

func printResources(ctx context.Context, cli *mcp.Client, out io.Writer) error {
	list, err := cli.ListResources(ctx, mcp.ListResourcesParams{})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "resources:")
	for _, res := range list.Resources {
		read, err := cli.ReadResource(ctx, mcp.ReadResourceParams{URI: res.URI})
		if err != nil {
			return err
		}
		for _, c := range read.Contents {
			text := c.Text
			if c.Blob != "" {
				text = fmt.Sprintf("<%d base64 bytes>", len(c.Blob))
			}
			fmt.Fprintf(out, "  %s: %s\n", res.URI, text)
		}
	}
	return nil
}
