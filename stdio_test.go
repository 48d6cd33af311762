package mcp_test

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/TangGee/mcpkit"
)

func newStdIOPair(t *testing.T) (*mcp.StdIO, *mcp.StdIO) {
	t.Helper()

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	server := mcp.NewStdIO(serverReader, serverWriter)
	client := mcp.NewStdIO(clientReader, clientWriter)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
		_ = clientWriter.Close()
		_ = serverWriter.Close()
	})
	return server, client
}

func TestStdIOBidirectionalFrames(t *testing.T) {
	server, client := newStdIOPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted, err := server.Accept(ctx)
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}
	if accepted != server {
		t.Fatal("expected Accept to yield the transport itself")
	}
	if err := client.Start(ctx); err != nil {
		t.Fatalf("failed to start client: %v", err)
	}

	frames := []string{
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		`[{"jsonrpc":"2.0","method":"notifications/initialized"}]`,
	}
	for _, frame := range frames {
		go func(frame string) { _ = client.Send(ctx, []byte(frame)) }(frame)
		got, err := server.Recv(ctx)
		if err != nil {
			t.Fatalf("failed to receive: %v", err)
		}
		if string(got) != frame {
			t.Errorf("got %s, want %s", got, frame)
		}
	}

	reply := `{"jsonrpc":"2.0","id":1,"result":{}}`
	go func() { _ = server.Send(ctx, []byte(reply)) }()
	got, err := client.Recv(ctx)
	if err != nil {
		t.Fatalf("failed to receive reply: %v", err)
	}
	if string(got) != reply {
		t.Errorf("got %s, want %s", got, reply)
	}
}

func TestStdIOSendCompactsMultilineFrames(t *testing.T) {
	reader, writer := io.Pipe()
	transport := mcp.NewStdIO(strings.NewReader(""), writer)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := transport.Start(ctx); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	t.Cleanup(func() { _ = transport.Close() })

	go func() {
		_ = transport.Send(ctx, []byte("{\n  \"jsonrpc\": \"2.0\",\n  \"method\": \"ping\"\n}"))
	}()

	line, err := bufio.NewReader(reader).ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read line: %v", err)
	}
	if line != `{"jsonrpc":"2.0","method":"ping"}`+"\n" {
		t.Errorf("got %q, want one compact line", line)
	}
}

func TestStdIOExitLine(t *testing.T) {
	input := strings.Join([]string{
		"",
		"not json at all",
		`{"jsonrpc":"2.0","method":"ping","id":1}`,
		"exit",
		`{"jsonrpc":"2.0","method":"ping","id":2}`,
	}, "\n")
	transport := mcp.NewStdIO(strings.NewReader(input), io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := transport.Start(ctx); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	t.Cleanup(func() { _ = transport.Close() })

	frame, err := transport.Recv(ctx)
	if err != nil {
		t.Fatalf("failed to receive: %v", err)
	}
	if !strings.Contains(string(frame), `"id":1`) {
		t.Errorf("unexpected frame %s", frame)
	}

	for i := 0; i < 2; i++ {
		if _, err := transport.Recv(ctx); !errors.Is(err, mcp.ErrCanceled) {
			t.Fatalf("expected ErrCanceled after exit, got %v", err)
		}
	}
	if transport.Connected() {
		t.Error("transport still reports connected after exit")
	}
}

func TestStdIOEndOfInput(t *testing.T) {
	transport := mcp.NewStdIO(strings.NewReader(`{"jsonrpc":"2.0","method":"ping"}`), io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := transport.Start(ctx); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	t.Cleanup(func() { _ = transport.Close() })

	// A final line without a newline is still a frame.
	if _, err := transport.Recv(ctx); err != nil {
		t.Fatalf("failed to receive last frame: %v", err)
	}
	if _, err := transport.Recv(ctx); !errors.Is(err, mcp.ErrCanceled) || !errors.Is(err, io.EOF) {
		t.Errorf("expected a graceful end of stream, got %v", err)
	}
}

func TestStdIOLifecycleErrors(t *testing.T) {
	transport := mcp.NewStdIO(strings.NewReader(""), io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := transport.Send(ctx, []byte(`{}`)); !errors.Is(err, mcp.ErrNotInitialized) {
		t.Errorf("send before start: expected ErrNotInitialized, got %v", err)
	}
	if _, err := transport.Recv(ctx); !errors.Is(err, mcp.ErrNotInitialized) {
		t.Errorf("recv before start: expected ErrNotInitialized, got %v", err)
	}

	if _, err := transport.Accept(ctx); err != nil {
		t.Fatalf("failed to accept: %v", err)
	}
	second := make(chan error, 1)
	go func() {
		_, err := transport.Accept(ctx)
		second <- err
	}()

	if err := transport.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
	if err := transport.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}

	select {
	case err := <-second:
		if !errors.Is(err, mcp.ErrCanceled) {
			t.Errorf("expected the second accept to end with ErrCanceled, got %v", err)
		}
	case <-ctx.Done():
		t.Fatal("second accept did not return after close")
	}
	if err := transport.Send(ctx, []byte(`{}`)); !errors.Is(err, mcp.ErrNotInitialized) {
		t.Errorf("send after close: expected ErrNotInitialized, got %v", err)
	}
}

func TestStdIORecvAfterCloseWithoutStart(t *testing.T) {
	transport := mcp.NewStdIO(strings.NewReader(""), io.Discard)
	if err := transport.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := transport.Recv(ctx); !errors.Is(err, mcp.ErrCanceled) {
		t.Errorf("expected ErrCanceled, got %v", err)
	}
}

func TestServerOverStdIO(t *testing.T) {
	server, client := newStdIOPair(t)
	srv := newCalcServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serveErrs := make(chan error, 1)
	go func() { serveErrs <- srv.Serve(ctx, server) }()

	cli := mcp.NewClient(mcp.Info{Name: "stdio-client", Version: "1"}, client)
	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	sum, err := mcp.CallRemote[int](ctx, cli, "add", calcArgs{A: 13, B: 22})
	if err != nil {
		t.Fatalf("failed to call add: %v", err)
	}
	if sum != 35 {
		t.Errorf("got %d, want 35", sum)
	}

	if err := server.Close(); err != nil {
		t.Fatalf("failed to close server transport: %v", err)
	}
	select {
	case err := <-serveErrs:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-ctx.Done():
		t.Fatal("serve did not return after the transport closed")
	}
}
