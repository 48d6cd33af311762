package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TangGee/mcpkit"
)

const exitCommand = "exit"

const helpText = `Commands:
  prompts                          list prompts
  prompt NAME [KEY=VALUE...]       get a prompt
  complete PROMPT ARG PREFIX       complete a prompt argument
  resources                        list resources
  templates                        list resource templates
  read URI                         read a resource
  subscribe URI                    subscribe to a resource
  unsubscribe URI                  unsubscribe from a resource
  tools                            list tools
  call NAME [JSON]                 call a tool with progress reporting
  level LEVEL                      set the server log level
  notifications                    show received resource updates
  logs                             show received log messages
  help                             show this text
  exit                             quit`

// client is an interactive client of the everything server. It answers sampling requests
// itself and keeps the notifications and logs it receives until they are shown.
type client struct {
	cli *mcp.Client
	out io.Writer

	mu            sync.Mutex
	notifications []string
	logs          []string
}

func newClient(t mcp.Transport, out io.Writer) *client {
	c := &client{out: out}
	c.cli = mcp.NewClient(mcp.Info{Name: "everything-client", Version: "1.0"}, t,
		mcp.WithClientPingInterval(10*time.Second),
		mcp.WithSamplingHandler(c),
		mcp.WithResourceSubscribedWatcher(c),
		mcp.WithProgressListener(c),
		mcp.WithLogReceiver(c),
	)
	return c
}

func (c *client) CreateSampleMessage(_ context.Context, params mcp.SamplingParams) (mcp.SamplingResult, error) {
	var prompt string
	if len(params.Messages) > 0 {
		prompt = params.Messages[0].Content.Text
	}
	return mcp.SamplingResult{
		Role: mcp.RoleAssistant,
		Content: mcp.SamplingContent{
			Type: mcp.ContentTypeText,
			Text: fmt.Sprintf("This is a sample message from external LLM for prompt %q with max tokens %d",
				prompt, params.MaxTokens),
		},
		Model:      "ai-overlord-1.0",
		StopReason: "finished",
	}, nil
}

func (c *client) OnResourceSubscribedChanged(uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifications = append(c.notifications,
		fmt.Sprintf("Update for resource %s received at %s", uri, time.Now().Format(time.RFC3339)))
}

func (c *client) OnProgress(params mcp.ProgressParams) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "Progress: %g/%g\n", params.Progress, params.Total)
}

func (c *client) OnLog(params mcp.LogParams) {
	var data struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(params.Data, &data); err != nil {
		data.Message = string(params.Data)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, fmt.Sprintf("%s [%s] %s: %s",
		time.Now().Format(time.RFC3339), params.Level, params.Logger, data.Message))
}

func (c *client) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// run connects and executes the commands read from in, one per line, until exit, the end
// of in or the end of ctx.
func (c *client) run(ctx context.Context, in io.Reader) error {
	if err := c.cli.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer c.cli.Close()

	info := c.cli.ServerInfo()
	c.printf("Connected to %s %s\n", info.Name, info.Version)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		c.printf("> ")
		var line string
		select {
		case <-ctx.Done():
			return nil
		case <-c.cli.Done():
			return c.cli.Err()
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		if line == exitCommand {
			return nil
		}
		if line == "" {
			continue
		}
		if err := c.execute(ctx, line); err != nil {
			c.printf("error: %v\n", err)
		}
	}
}

func (c *client) execute(ctx context.Context, line string) error {
	cmd, rest, _ := strings.Cut(line, " ")
	args := strings.Fields(rest)

	switch cmd {
	case "help":
		c.printf("%s\n", helpText)
		return nil
	case "prompts":
		return c.listPrompts(ctx)
	case "prompt":
		return c.getPrompt(ctx, args)
	case "complete":
		return c.complete(ctx, args)
	case "resources":
		return c.listResources(ctx)
	case "templates":
		return c.listTemplates(ctx)
	case "read":
		return c.readResource(ctx, args)
	case "subscribe":
		return c.subscribe(ctx, args, true)
	case "unsubscribe":
		return c.subscribe(ctx, args, false)
	case "tools":
		return c.listTools(ctx)
	case "call":
		return c.callTool(ctx, args, rest)
	case "level":
		return c.setLevel(ctx, args)
	case "notifications":
		c.mu.Lock()
		defer c.mu.Unlock()
		printAll(c.out, "notifications", c.notifications)
		return nil
	case "logs":
		c.mu.Lock()
		defer c.mu.Unlock()
		printAll(c.out, "logs", c.logs)
		return nil
	default:
		return fmt.Errorf("unknown command %q, type help for the list", cmd)
	}
}

func printAll(out io.Writer, what string, lines []string) {
	if len(lines) == 0 {
		fmt.Fprintf(out, "No %s yet\n", what)
		return
	}
	for _, l := range lines {
		fmt.Fprintln(out, l)
	}
}

func needArgs(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

func (c *client) listPrompts(ctx context.Context) error {
	res, err := c.cli.ListPrompts(ctx, mcp.ListPromptsParams{})
	if err != nil {
		return err
	}
	for _, p := range res.Prompts {
		var names []string
		for _, a := range p.Arguments {
			name := a.Name
			if a.Required {
				name += "*"
			}
			names = append(names, name)
		}
		c.printf("%s(%s): %s\n", p.Name, strings.Join(names, ", "), p.Description)
	}
	return nil
}

func (c *client) getPrompt(ctx context.Context, args []string) error {
	if err := needArgs(args, 1, "prompt NAME [KEY=VALUE...]"); err != nil {
		return err
	}
	params := mcp.GetPromptParams{Name: args[0], Arguments: map[string]string{}}
	for _, kv := range args[1:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("argument %q is not KEY=VALUE", kv)
		}
		params.Arguments[k] = v
	}

	res, err := c.cli.GetPrompt(ctx, params)
	if err != nil {
		return err
	}
	for _, msg := range res.Messages {
		c.printf("[%s] %s\n", msg.Role, describeContent(msg.Content))
	}
	return nil
}

func (c *client) complete(ctx context.Context, args []string) error {
	if err := needArgs(args, 2, "complete PROMPT ARG [PREFIX]"); err != nil {
		return err
	}
	var prefix string
	if len(args) > 2 {
		prefix = args[2]
	}
	res, err := c.cli.CompletesPrompt(ctx, mcp.CompletesCompletionParams{
		Ref:      mcp.CompletionRef{Type: mcp.CompletionRefPrompt, Name: args[0]},
		Argument: mcp.CompletionArgument{Name: args[1], Value: prefix},
	})
	if err != nil {
		return err
	}
	c.printf("%s\n", strings.Join(res.Completion.Values, " "))
	return nil
}

func (c *client) listResources(ctx context.Context) error {
	res, err := c.cli.ListResources(ctx, mcp.ListResourcesParams{})
	if err != nil {
		return err
	}
	for _, r := range res.Resources {
		c.printf("%s %s (%s)\n", r.URI, r.Name, r.MimeType)
	}
	return nil
}

func (c *client) listTemplates(ctx context.Context) error {
	res, err := c.cli.ListResourceTemplates(ctx, mcp.ListResourceTemplatesParams{})
	if err != nil {
		return err
	}
	for _, t := range res.Templates {
		c.printf("%s %s\n", t.URITemplate, t.Name)
	}
	return nil
}

func (c *client) readResource(ctx context.Context, args []string) error {
	if err := needArgs(args, 1, "read URI"); err != nil {
		return err
	}
	res, err := c.cli.ReadResource(ctx, mcp.ReadResourceParams{URI: args[0]})
	if err != nil {
		return err
	}
	if len(res.Contents) == 0 {
		c.printf("%s: no contents\n", args[0])
	}
	for _, rc := range res.Contents {
		if rc.Blob != "" {
			c.printf("%s (%s): %d bytes of base64\n", rc.URI, rc.MimeType, len(rc.Blob))
			continue
		}
		c.printf("%s (%s): %s\n", rc.URI, rc.MimeType, rc.Text)
	}
	return nil
}

func (c *client) subscribe(ctx context.Context, args []string, subscribe bool) error {
	if err := needArgs(args, 1, "subscribe URI"); err != nil {
		return err
	}
	if subscribe {
		if err := c.cli.SubscribeResource(ctx, mcp.SubscribeResourceParams{URI: args[0]}); err != nil {
			return err
		}
		c.printf("Subscribed to %s\n", args[0])
		return nil
	}
	if err := c.cli.UnsubscribeResource(ctx, mcp.UnsubscribeResourceParams{URI: args[0]}); err != nil {
		return err
	}
	c.printf("Unsubscribed from %s\n", args[0])
	return nil
}

func (c *client) listTools(ctx context.Context) error {
	res, err := c.cli.ListTools(ctx, mcp.ListToolsParams{})
	if err != nil {
		return err
	}
	for _, t := range res.Tools {
		c.printf("%s: %s\n", t.Name, t.Description)
	}
	return nil
}

func (c *client) callTool(ctx context.Context, args []string, rest string) error {
	if err := needArgs(args, 1, "call NAME [JSON]"); err != nil {
		return err
	}
	params := mcp.CallToolParams{Name: args[0]}
	if raw := strings.TrimSpace(strings.TrimPrefix(rest, args[0])); raw != "" {
		if !json.Valid([]byte(raw)) {
			return errors.New("tool arguments must be a JSON object")
		}
		params.Arguments = json.RawMessage(raw)
	}
	token := mcp.NewRequestID(uuid.New().String())
	params.Meta = &mcp.ParamsMeta{ProgressToken: &token}

	res, err := c.cli.CallTool(ctx, params)
	if err != nil {
		return err
	}
	if res.IsError {
		msg := "unknown error"
		if res.Metadata != nil && res.Metadata.Error != "" {
			msg = res.Metadata.Error
		}
		return fmt.Errorf("tool %s failed: %s", params.Name, msg)
	}
	for _, content := range res.Content {
		c.printf("%s\n", describeContent(content))
	}
	return nil
}

func (c *client) setLevel(ctx context.Context, args []string) error {
	if err := needArgs(args, 1, "level LEVEL"); err != nil {
		return err
	}
	var level mcp.LogLevel
	if err := json.Unmarshal([]byte(fmt.Sprintf("%q", args[0])), &level); err != nil {
		return err
	}
	if err := c.cli.SetLogLevel(ctx, level); err != nil {
		return err
	}
	c.printf("Log level set to %s\n", level)
	return nil
}

func describeContent(content mcp.Content) string {
	switch content.Type {
	case mcp.ContentTypeText:
		return content.Text
	case mcp.ContentTypeImage, mcp.ContentTypeAudio:
		return fmt.Sprintf("<%s %s, %d bytes of base64>", content.Type, content.MimeType, len(content.Data))
	case mcp.ContentTypeResource:
		if content.Resource == nil {
			return "<resource>"
		}
		return fmt.Sprintf("<resource %s>", content.Resource.URI)
	default:
		return fmt.Sprintf("<%s>", content.Type)
	}
}
