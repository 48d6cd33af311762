package everything_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TangGee/mcpkit"
	"github.com/TangGee/mcpkit/servers/everything"
)

type recorder struct {
	mu       sync.Mutex
	progress []mcp.ProgressParams
	logs     chan mcp.LogParams
	updates  chan string
}

func newRecorder() *recorder {
	return &recorder{
		logs:    make(chan mcp.LogParams, 64),
		updates: make(chan string, 64),
	}
}

func (r *recorder) OnProgress(params mcp.ProgressParams) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, params)
}

func (r *recorder) OnLog(params mcp.LogParams) {
	select {
	case r.logs <- params:
	default:
	}
}

func (r *recorder) OnResourceSubscribedChanged(uri string) {
	select {
	case r.updates <- uri:
	default:
	}
}

func (r *recorder) progressUpdates() []mcp.ProgressParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mcp.ProgressParams(nil), r.progress...)
}

type echoSampler struct{}

func (echoSampler) CreateSampleMessage(_ context.Context, params mcp.SamplingParams) (mcp.SamplingResult, error) {
	return mcp.SamplingResult{
		Role:    mcp.RoleAssistant,
		Content: mcp.SamplingContent{Type: mcp.ContentTypeText, Text: "sampled " + params.Messages[0].Content.Text},
		Model:   "echo",
	}, nil
}

func setup(t *testing.T, options ...everything.Option) (*mcp.Client, *recorder) {
	t.Helper()

	ev := everything.NewServer(options...)
	srv := mcp.NewServer(mcp.Info{Name: "everything", Version: "1.0.0"}, ev.ServerOptions()...)
	require.NoError(t, ev.Register(srv))

	serverSide, clientSide := net.Pipe()
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = srv.ServeTransport(context.Background(), mcp.NewStreamTransport(serverSide, "everything-session"))
	}()

	rec := newRecorder()
	cli := mcp.NewClient(mcp.Info{Name: "everything-client", Version: "1.0.0"},
		mcp.NewStreamTransport(clientSide, "everything-session"),
		mcp.WithProgressListener(rec),
		mcp.WithLogReceiver(rec),
		mcp.WithResourceSubscribedWatcher(rec),
		mcp.WithSamplingHandler(echoSampler{}))

	t.Cleanup(func() {
		ev.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Shutdown(ctx))
		_ = cli.Close()
		<-served
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cli.Connect(ctx))
	return cli, rec
}

func TestTools(t *testing.T) {
	cli, rec := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tools, err := cli.ListTools(ctx, mcp.ListToolsParams{})
	require.NoError(t, err)
	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"echo", "add", "longRunningOperation", "printEnv", "sampleLLM", "getTinyImage", "annotatedMessage",
	}, names)

	echo, err := mcp.CallRemote[string](ctx, cli, "echo", everything.EchoArgs{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Echo: hi", echo)

	sum, err := mcp.CallRemote[string](ctx, cli, "add", everything.AddArgs{A: 1.5, B: 2})
	require.NoError(t, err)
	assert.Equal(t, "The sum of 1.5 and 2 is 3.5.", sum)

	sampled, err := mcp.CallRemote[string](ctx, cli, "sampleLLM", everything.SampleLLMArgs{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "LLM sampling result: sampled Resource sampleLLM context: hello", sampled)

	t.Run("progress", func(t *testing.T) {
		args, err := json.Marshal(everything.LongRunningOperationArgs{Duration: 0.05, Steps: 3})
		require.NoError(t, err)
		token := mcp.NewRequestID("op-1")
		res, err := cli.CallTool(ctx, mcp.CallToolParams{
			Name:      "longRunningOperation",
			Arguments: args,
			Meta:      &mcp.ParamsMeta{ProgressToken: &token},
		})
		require.NoError(t, err)
		require.False(t, res.IsError)
		assert.Contains(t, res.Content[0].Text, "Steps: 3")

		assert.Eventually(t, func() bool { return len(rec.progressUpdates()) == 3 }, 2*time.Second, 10*time.Millisecond)
		updates := rec.progressUpdates()
		for i, p := range updates {
			assert.Equal(t, token, p.ProgressToken)
			assert.Equal(t, float64(i+1), p.Progress)
			assert.Equal(t, float64(3), p.Total)
		}
	})

	t.Run("image", func(t *testing.T) {
		res, err := cli.CallTool(ctx, mcp.CallToolParams{Name: "getTinyImage"})
		require.NoError(t, err)
		require.Len(t, res.Content, 3)
		img := res.Content[1]
		assert.Equal(t, mcp.ContentTypeImage, img.Type)
		assert.Equal(t, "image/png", img.MimeType)
		data, err := base64.StdEncoding.DecodeString(img.Data)
		require.NoError(t, err)
		assert.Equal(t, "\x89PNG", string(data[:4]))
	})

	t.Run("annotations", func(t *testing.T) {
		args, err := json.Marshal(everything.AnnotatedMessageArgs{MessageType: "error", IncludeImage: true})
		require.NoError(t, err)
		res, err := cli.CallTool(ctx, mcp.CallToolParams{Name: "annotatedMessage", Arguments: args})
		require.NoError(t, err)
		require.Len(t, res.Content, 2)
		require.NotNil(t, res.Content[0].Annotations)
		assert.Equal(t, 1.0, res.Content[0].Annotations.Priority)
		assert.Equal(t, mcp.ContentTypeImage, res.Content[1].Type)

		args, err = json.Marshal(everything.AnnotatedMessageArgs{MessageType: "bogus"})
		require.NoError(t, err)
		res, err = cli.CallTool(ctx, mcp.CallToolParams{Name: "annotatedMessage", Arguments: args})
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})
}

func TestResources(t *testing.T) {
	cli, _ := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	list, err := cli.ListResources(ctx, mcp.ListResourcesParams{})
	require.NoError(t, err)
	assert.Len(t, list.Resources, 100)

	odd, err := cli.ReadResource(ctx, mcp.ReadResourceParams{URI: "test://static/resource/1"})
	require.NoError(t, err)
	require.Len(t, odd.Contents, 1)
	assert.Equal(t, "Resource 1: This is a plain text resource", odd.Contents[0].Text)

	even, err := cli.ReadResource(ctx, mcp.ReadResourceParams{URI: "test://static/resource/2"})
	require.NoError(t, err)
	require.Len(t, even.Contents, 1)
	blob, err := base64.StdEncoding.DecodeString(even.Contents[0].Blob)
	require.NoError(t, err)
	assert.Equal(t, "Resource 2: This is a base64 blob", string(blob))

	templates, err := cli.ListResourceTemplates(ctx, mcp.ListResourceTemplatesParams{})
	require.NoError(t, err)
	require.Len(t, templates.Templates, 1)
	assert.Equal(t, "test://static/resource/{id}", templates.Templates[0].URITemplate)

	completed, err := cli.CompletesResourceTemplate(ctx, mcp.CompletesCompletionParams{
		Ref:      mcp.CompletionRef{Type: mcp.CompletionRefResource, URI: "test://static/resource/{id}"},
		Argument: mcp.CompletionArgument{Name: "id", Value: "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "10", "11", "12", "13", "14", "15", "16", "17", "18"}, completed.Completion.Values)
	assert.True(t, completed.Completion.HasMore)
	assert.Equal(t, 12, completed.Completion.Total)
}

func TestResourceUpdates(t *testing.T) {
	cli, rec := setup(t, everything.WithUpdateInterval(10*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, cli.SubscribeResource(ctx, mcp.SubscribeResourceParams{URI: "test://static/resource/3"}))
	select {
	case uri := <-rec.updates:
		assert.Equal(t, "test://static/resource/3", uri)
	case <-ctx.Done():
		t.Fatal("no update for the subscribed resource")
	}
}

func TestLogs(t *testing.T) {
	cli, rec := setup(t, everything.WithLogInterval(10*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, cli.SetLogLevel(ctx, mcp.LogLevelDebug))
	select {
	case msg := <-rec.logs:
		assert.Equal(t, "everything", msg.Logger)
		var data map[string]string
		require.NoError(t, json.Unmarshal(msg.Data, &data))
		assert.Equal(t, msg.Level.String()+"-level message", data["message"])
	case <-ctx.Done():
		t.Fatal("no log message received")
	}
}

func TestPrompts(t *testing.T) {
	cli, _ := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.True(t, cli.PromptServerSupported())
	list, err := cli.ListPrompts(ctx, mcp.ListPromptsParams{})
	require.NoError(t, err)
	assert.Len(t, list.Prompts, 3)

	simple, err := cli.GetPrompt(ctx, mcp.GetPromptParams{Name: "simple_prompt"})
	require.NoError(t, err)
	require.Len(t, simple.Messages, 1)
	assert.Equal(t, mcp.RoleUser, simple.Messages[0].Role)

	complexPrompt, err := cli.GetPrompt(ctx, mcp.GetPromptParams{
		Name:      "complex_prompt",
		Arguments: map[string]string{"temperature": "0.7", "style": "formal"},
	})
	require.NoError(t, err)
	require.Len(t, complexPrompt.Messages, 3)
	assert.Contains(t, complexPrompt.Messages[0].Content.Text, "temperature=0.7, style=formal")
	assert.Equal(t, mcp.ContentTypeImage, complexPrompt.Messages[2].Content.Type)

	embedded, err := cli.GetPrompt(ctx, mcp.GetPromptParams{
		Name:      "resource_prompt",
		Arguments: map[string]string{"resourceId": "5"},
	})
	require.NoError(t, err)
	require.Len(t, embedded.Messages, 2)
	require.NotNil(t, embedded.Messages[1].Content.Resource)
	assert.Equal(t, "test://static/resource/5", embedded.Messages[1].Content.Resource.URI)

	_, err = cli.GetPrompt(ctx, mcp.GetPromptParams{Name: "complex_prompt"})
	assert.Error(t, err)
	_, err = cli.GetPrompt(ctx, mcp.GetPromptParams{Name: "missing"})
	assert.Error(t, err)

	styles, err := cli.CompletesPrompt(ctx, mcp.CompletesCompletionParams{
		Ref:      mcp.CompletionRef{Type: mcp.CompletionRefPrompt, Name: "complex_prompt"},
		Argument: mcp.CompletionArgument{Name: "style", Value: "f"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"formal", "friendly"}, styles.Completion.Values)
}
