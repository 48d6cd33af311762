package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TangGee/mcpkit"
	"github.com/TangGee/mcpkit/servers/everything"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestClientScript(t *testing.T) {
	ev := everything.NewServer()
	srv := mcp.NewServer(mcp.Info{Name: "everything", Version: "1.0.0"}, ev.ServerOptions()...)
	require.NoError(t, ev.Register(srv))

	serverSide, clientSide := net.Pipe()
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = srv.ServeTransport(context.Background(), mcp.NewStreamTransport(serverSide, "script"))
	}()
	t.Cleanup(func() {
		ev.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Shutdown(ctx))
		<-served
	})

	script := strings.Join([]string{
		"help",
		"tools",
		`call add {"a": 2, "b": 3}`,
		`call longRunningOperation {"duration": 0.03, "steps": 3}`,
		`call sampleLLM {"prompt": "hi", "maxTokens": 7}`,
		"call getTinyImage",
		`call annotatedMessage {"messageType": "nope"}`,
		"read test://static/resource/1",
		"prompt complex_prompt temperature=0.5 style=casual",
		"complete complex_prompt temperature 0.",
		"subscribe test://static/resource/2",
		"level warning",
		"notifications",
		"bogus",
		"exit",
		"tools",
	}, "\n")

	out := &syncBuffer{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := newClient(mcp.NewStreamTransport(clientSide, "script"), out)
	require.NoError(t, c.run(ctx, strings.NewReader(script)))

	got := out.String()
	for _, want := range []string{
		"Connected to everything 1.0.0",
		"Commands:",
		"longRunningOperation: Demonstrates a long running operation",
		"The sum of 2 and 3 is 5.",
		"Progress: 3/3",
		"Long running operation completed.",
		`LLM sampling result: This is a sample message from external LLM for prompt "Resource sampleLLM context: hi" with max tokens 7`,
		"<image image/png,",
		"error: tool annotatedMessage failed:",
		"test://static/resource/1 (text/plain): Resource 1: This is a plain text resource",
		"[user] This is a complex prompt with arguments: temperature=0.5, style=casual",
		"0.5 0.7",
		"Subscribed to test://static/resource/2",
		"Log level set to warning",
		"No notifications yet",
		`error: unknown command "bogus"`,
	} {
		assert.Contains(t, got, want)
	}
	assert.Equal(t, 1, strings.Count(got, "longRunningOperation: "), "commands after exit must not run")
}
