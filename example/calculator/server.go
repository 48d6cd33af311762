package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/TangGee/mcpkit"
)

type operands struct {
	A float64 `json:"a" jsonschema:"description=First operand"`
	B float64 `json:"b" jsonschema:"description=Second operand"`
}

type echoArgs struct {
	Message string `json:"message" jsonschema:"description=Message to echo back"`
}

type helloArgs struct {
	Name     string `json:"name" jsonschema:"description=Who to greet"`
	Greeting string `json:"greeting" jsonschema:"description=Greeting to use, in any script"`
}

var emojiCategories = []string{
	"😀 Smileys & Emotion", "👋 People & Body", "🐶 Animals & Nature",
	"🍎 Food & Drink", "⚽ Activities", "🌍 Travel & Places",
	"💡 Objects", "❤️ Symbols", "🚩 Flags",
}

type calcServer struct {
	logger  *slog.Logger
	metrics *mcp.Metrics
}

func (c calcServer) tools() []mcp.ToolDefinition {
	pure := mcp.WithToolAnnotations(mcp.ToolAnnotations{
		ReadOnlyHint:   boolPtr(true),
		IdempotentHint: boolPtr(true),
	})

	return []mcp.ToolDefinition{
		mcp.NewTool("add", "Adds two numbers", func(_ context.Context, p operands) (float64, error) {
			return p.A + p.B, nil
		}, pure),
		mcp.NewTool("sub", "Subtracts b from a", func(_ context.Context, p operands) (float64, error) {
			return p.A - p.B, nil
		}, pure),
		mcp.NewTool("mult", "Multiplies two numbers", func(_ context.Context, p operands) (float64, error) {
			return p.A * p.B, nil
		}, pure),
		mcp.NewTool("div", "Divides a by b", func(_ context.Context, p operands) (float64, error) {
			if p.B == 0 {
				return 0, errors.New("division by zero")
			}
			return p.A / p.B, nil
		}, pure),
		mcp.NewTool("echo", "Echoes the message back", func(_ context.Context, p echoArgs) (string, error) {
			return p.Message, nil
		}, pure),
		mcp.NewTool("hello_unicode",
			"🌟 A tool that uses various Unicode characters in its description: á é í ó ú ñ 漢字 🎉",
			func(_ context.Context, p helloArgs) (string, error) {
				return p.Greeting + " " + p.Name, nil
			}, pure),
	}
}

func (c calcServer) resources(m manifest) ([]mcp.ResourceDefinition, error) {
	defs := []mcp.ResourceDefinition{
		mcp.TextResource("calc://about", "about", "text/plain",
			"A calculator exposing add, sub, mult and div over MCP."),
		mcp.DynamicResource(mcp.Resource{
			URI:         "calc://time",
			Name:        "time",
			Description: "Current server time",
			MimeType:    "text/plain",
		}, func(context.Context, *mcp.ParamsMeta) ([]mcp.ResourceContents, error) {
			return []mcp.ResourceContents{{
				URI:      "calc://time",
				MimeType: "text/plain",
				Text:     time.Now().UTC().Format(time.RFC3339),
			}}, nil
		}),
	}

	for _, res := range m.Resources {
		if res.File != "" {
			def, err := mcp.FileResource(res.File, res.Name, res.Description, res.URI)
			if err != nil {
				return nil, fmt.Errorf("failed to define file resource %s: %w", res.URI, err)
			}
			defs = append(defs, def)
			continue
		}
		defs = append(defs, mcp.StaticResource(mcp.Resource{
			URI:         res.URI,
			Name:        res.Name,
			Description: res.Description,
			MimeType:    res.MimeType,
		}, mcp.ResourceContents{MimeType: res.MimeType, Text: res.Text}))
	}
	return defs, nil
}

func (c calcServer) newServer(m manifest) (*mcp.Server, error) {
	srv := mcp.NewServer(mcp.Info{Name: "calculator", Version: "1.0.0"},
		mcp.WithInstructions("Use add, sub, mult and div for arithmetic."),
		mcp.WithServerLogger(c.logger),
		mcp.WithServerMetrics(c.metrics),
		mcp.WithServerPingInterval(30*time.Second),
		mcp.WithServerOnClientConnected(func(id string, info mcp.Info) {
			c.logger.Info("client connected",
				slog.String("sessionID", id),
				slog.String("client", info.Name))
		}),
		mcp.WithServerOnClientDisconnected(func(id string) {
			c.logger.Info("client disconnected", slog.String("sessionID", id))
		}),
	)

	if err := srv.AddTools(c.tools()...); err != nil {
		return nil, err
	}
	if !srv.RegisterTool("list_emoji_categories", "🎨 Tool that returns a list of emoji categories",
		func() []string { return emojiCategories }) {
		return nil, errors.New("failed to register list_emoji_categories")
	}
	defs, err := c.resources(m)
	if err != nil {
		return nil, err
	}
	if err := srv.AddResources(defs...); err != nil {
		return nil, err
	}
	return srv, nil
}

// listen opens the server transport for target. SSE listeners also expose the metrics.
func (c calcServer) listen(target string) (mcp.ServerTransport, error) {
	if strings.HasPrefix(strings.ToLower(target), "sse://") {
		u, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", mcp.ErrInvalidArgument, err)
		}
		return mcp.ListenSSE(u.Host,
			mcp.WithSSEServerLogger(c.logger),
			mcp.WithSSEServerMetrics(c.metrics))
	}
	return mcp.ListenTransport(target)
}

func runServer(ctx context.Context, cfg config, logger *slog.Logger) error {
	var m manifest
	if cfg.Manifest != "" {
		var err error
		if m, err = loadManifest(cfg.Manifest); err != nil {
			return err
		}
	}

	c := calcServer{logger: logger, metrics: mcp.NewMetrics()}
	srv, err := c.newServer(m)
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	st, err := c.listen(cfg.Transport)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Transport, err)
	}
	logger.Info("serving", slog.String("transport", cfg.Transport))

	errs := make(chan error, 1)
	go func() {
		// A stdio server has exactly one peer, it exits once that session ends.
		if stdio, ok := st.(*mcp.StdIO); ok {
			errs <- srv.ServeTransport(context.Background(), stdio)
			return
		}
		errs <- srv.Serve(context.Background(), st)
	}()

	select {
	case err := <-errs:
		_ = st.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	_ = st.Close()
	return <-errs
}

func boolPtr(b bool) *bool {
	return &b
}
