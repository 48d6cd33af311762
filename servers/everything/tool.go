package everything

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/TangGee/mcpkit"
)

// EchoArgs is an argument struct for the echo tool.
type EchoArgs struct {
	Message string `json:"message" jsonschema:"description=Message to echo"`
}

// AddArgs is an argument struct for the add tool.
type AddArgs struct {
	A float64 `json:"a" jsonschema:"description=First number"`
	B float64 `json:"b" jsonschema:"description=Second number"`
}

// LongRunningOperationArgs is an argument struct for the longRunningOperation tool.
type LongRunningOperationArgs struct {
	Duration float64 `json:"duration,omitempty" jsonschema:"description=Duration of the operation in seconds,default=10"`
	Steps    int     `json:"steps,omitempty" jsonschema:"description=Number of steps in the operation,default=5"`
}

// SampleLLMArgs is an argument struct for the sampleLLM tool.
type SampleLLMArgs struct {
	Prompt    string `json:"prompt" jsonschema:"description=The prompt to send to the LLM"`
	MaxTokens int    `json:"maxTokens,omitempty" jsonschema:"description=Maximum number of tokens to generate,default=100"`
}

// AnnotatedMessageArgs is an argument struct for the annotatedMessage tool.
type AnnotatedMessageArgs struct {
	MessageType  string `json:"messageType" jsonschema:"enum=error,enum=success,enum=debug"`
	IncludeImage bool   `json:"includeImage,omitempty"`
}

var errNoSession = errors.New("no client session")

// tinyImage is a 2x2 PNG.
var tinyImage = func() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 0xff, A: 0xff})
	img.Set(1, 0, color.RGBA{G: 0xff, A: 0xff})
	img.Set(0, 1, color.RGBA{B: 0xff, A: 0xff})
	img.Set(1, 1, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}()

// Tools returns the tool definitions of the test server.
func (s *Server) Tools() []mcp.ToolDefinition {
	readOnly := mcp.WithToolAnnotations(mcp.ToolAnnotations{ReadOnlyHint: boolPtr(true)})
	return []mcp.ToolDefinition{
		mcp.NewTool("echo", "Echoes back the input", s.echo, readOnly),
		mcp.NewTool("add", "Adds two numbers", s.add, readOnly),
		mcp.NewTool("longRunningOperation", "Demonstrates a long running operation with progress updates",
			s.longRunningOperation),
		mcp.NewTool("printEnv",
			"Prints all environment variables, helpful for debugging MCP server configuration",
			s.printEnv, readOnly),
		mcp.NewTool("sampleLLM", "Samples from an LLM using MCP's sampling feature", s.sampleLLM,
			mcp.WithToolAnnotations(mcp.ToolAnnotations{OpenWorldHint: boolPtr(true)})),
		mcp.NewTool("getTinyImage", "Returns a tiny PNG image", s.getTinyImage, readOnly),
		mcp.NewTool("annotatedMessage",
			"Demonstrates how annotations can be used to provide metadata about content",
			s.annotatedMessage, readOnly),
	}
}

func (s *Server) echo(_ context.Context, args EchoArgs) (string, error) {
	return "Echo: " + args.Message, nil
}

func (s *Server) add(_ context.Context, args AddArgs) (string, error) {
	return fmt.Sprintf("The sum of %g and %g is %g.", args.A, args.B, args.A+args.B), nil
}

func (s *Server) longRunningOperation(ctx context.Context, args LongRunningOperationArgs) (string, error) {
	if args.Duration <= 0 {
		args.Duration = 10
	}
	if args.Steps <= 0 {
		args.Steps = 5
	}
	step := time.Duration(args.Duration / float64(args.Steps) * float64(time.Second))

	timer := time.NewTimer(step)
	defer timer.Stop()
	for i := 1; i <= args.Steps; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.done:
			return "", errors.New("server closed")
		case <-timer.C:
		}
		if err := mcp.ReportProgress(ctx, float64(i), float64(args.Steps)); err != nil {
			s.logger.Warn("failed to report progress", slog.String("err", err.Error()))
		}
		timer.Reset(step)
	}

	return fmt.Sprintf("Long running operation completed. Duration: %g seconds, Steps: %d.",
		args.Duration, args.Steps), nil
}

func (s *Server) printEnv(context.Context, struct{}) (string, error) {
	return "Environment variables:\n" + strings.Join(os.Environ(), "\n"), nil
}

func (s *Server) sampleLLM(ctx context.Context, args SampleLLMArgs) (string, error) {
	sess := mcp.SessionFromContext(ctx)
	if sess == nil {
		return "", errNoSession
	}
	if args.MaxTokens <= 0 {
		args.MaxTokens = 100
	}

	res, err := sess.CreateSampleMessage(ctx, mcp.SamplingParams{
		Messages: []mcp.SamplingMessage{{
			Role: mcp.RoleUser,
			Content: mcp.SamplingContent{
				Type: mcp.ContentTypeText,
				Text: "Resource sampleLLM context: " + args.Prompt,
			},
		}},
		SystemPrompts: "You are a helpful assistant.",
		MaxTokens:     args.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to sample: %w", err)
	}
	return "LLM sampling result: " + res.Content.Text, nil
}

func (s *Server) getTinyImage(context.Context, struct{}) ([]mcp.Content, error) {
	return []mcp.Content{
		mcp.TextContent("This is a tiny image:"),
		mcp.ImageContent(tinyImage, "image/png"),
		mcp.TextContent("The image above is a 2x2 PNG."),
	}, nil
}

func (s *Server) annotatedMessage(_ context.Context, args AnnotatedMessageArgs) ([]mcp.Content, error) {
	var msg mcp.Content
	switch args.MessageType {
	case "error":
		msg = mcp.TextContent("Error: Operation failed")
		msg.Annotations = &mcp.Annotations{
			Audience: []mcp.Role{mcp.RoleUser, mcp.RoleAssistant},
			Priority: 1.0,
		}
	case "success":
		msg = mcp.TextContent("Operation completed successfully")
		msg.Annotations = &mcp.Annotations{Audience: []mcp.Role{mcp.RoleUser}, Priority: 0.7}
	case "debug":
		msg = mcp.TextContent("Debug: Cache hit ratio 0.95, latency 150ms")
		msg.Annotations = &mcp.Annotations{Audience: []mcp.Role{mcp.RoleAssistant}, Priority: 0.3}
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", mcp.ErrInvalidArgument, args.MessageType)
	}

	contents := []mcp.Content{msg}
	if args.IncludeImage {
		img := mcp.ImageContent(tinyImage, "image/png")
		img.Annotations = &mcp.Annotations{Audience: []mcp.Role{mcp.RoleUser}, Priority: 0.5}
		contents = append(contents, img)
	}
	return contents, nil
}

func boolPtr(b bool) *bool {
	return &b
}
