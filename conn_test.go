package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/TangGee/mcpkit"
)

func newConnPair(t *testing.T, serverOptions, clientOptions []mcp.ConnOption) (*mcp.Conn, *mcp.Conn) {
	t.Helper()

	serverSide, clientSide := net.Pipe()
	server := mcp.NewConn(mcp.NewStreamTransport(serverSide, "server"), serverOptions...)
	client := mcp.NewConn(mcp.NewStreamTransport(clientSide, "client"), clientOptions...)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = server.Serve(ctx) }()
	go func() { _ = client.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		_ = client.Close()
		_ = server.Close()
	})
	return server, client
}

func TestConnCall(t *testing.T) {
	echo := func(_ context.Context, req *mcp.Request) (any, error) {
		return req.Params, nil
	}
	_, client := newConnPair(t, []mcp.ConnOption{mcp.WithMethodHandler("echo", echo)}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out map[string]int
	if err := client.Call(ctx, "echo", map[string]int{"x": 1}, &out); err != nil {
		t.Fatalf("failed to call echo: %v", err)
	}
	if out["x"] != 1 {
		t.Errorf("got %v, want x=1", out)
	}

	if err := client.Call(ctx, mcp.MethodPing, nil, nil); err != nil {
		t.Errorf("failed to ping: %v", err)
	}
}

func TestConnErrorResponses(t *testing.T) {
	handlers := []mcp.ConnOption{
		mcp.WithMethodHandler("invalid", func(context.Context, *mcp.Request) (any, error) {
			return nil, mcp.JSONRPCError{Code: -32602, Message: "bad params"}
		}),
		mcp.WithMethodHandler("broken", func(context.Context, *mcp.Request) (any, error) {
			return nil, errors.New("disk on fire")
		}),
		mcp.WithMethodHandler("panics", func(context.Context, *mcp.Request) (any, error) {
			panic("oops")
		}),
	}
	_, client := newConnPair(t, handlers, nil)

	type testCase struct {
		method   string
		wantCode int
		wantMsg  string
	}
	testCases := []testCase{
		{method: "nope", wantCode: -32601, wantMsg: "Method not found: nope"},
		{method: "invalid", wantCode: -32602, wantMsg: "bad params"},
		{method: "broken", wantCode: -32603, wantMsg: "disk on fire"},
		{method: "panics", wantCode: -32603, wantMsg: "oops"},
	}

	for _, tc := range testCases {
		t.Run(tc.method, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			err := client.Call(ctx, tc.method, nil, nil)
			var jsonErr mcp.JSONRPCError
			if !errors.As(err, &jsonErr) {
				t.Fatalf("expected a JSONRPCError, got %v", err)
			}
			if jsonErr.Code != tc.wantCode {
				t.Errorf("got code %d, want %d", jsonErr.Code, tc.wantCode)
			}
			if !strings.Contains(jsonErr.Message, tc.wantMsg) {
				t.Errorf("got message %q, want it to contain %q", jsonErr.Message, tc.wantMsg)
			}
		})
	}
}

func TestConnCancelOneOfTwoCalls(t *testing.T) {
	slowStarted := make(chan struct{})
	slowCancelled := make(chan struct{})
	releaseFast := make(chan struct{})

	handlers := []mcp.ConnOption{
		mcp.WithMethodHandler("slow", func(ctx context.Context, _ *mcp.Request) (any, error) {
			close(slowStarted)
			<-ctx.Done()
			close(slowCancelled)
			return nil, ctx.Err()
		}),
		mcp.WithMethodHandler("fast", func(context.Context, *mcp.Request) (any, error) {
			<-releaseFast
			return "done", nil
		}),
	}
	_, client := newConnPair(t, handlers, nil)

	slowCtx, cancelSlow := context.WithCancel(context.Background())
	defer cancelSlow()
	slowErrs := make(chan error, 1)
	go func() { slowErrs <- client.Call(slowCtx, "slow", nil, nil) }()

	fastCtx, cancelFast := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFast()
	fastResults := make(chan string, 1)
	fastErrs := make(chan error, 1)
	go func() {
		var out string
		err := client.Call(fastCtx, "fast", nil, &out)
		fastErrs <- err
		fastResults <- out
	}()

	select {
	case <-slowStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("slow handler never started")
	}
	cancelSlow()

	select {
	case err := <-slowErrs:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected the slow call to be cancelled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("slow call did not return after cancellation")
	}
	select {
	case <-slowCancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("slow handler did not observe the cancellation")
	}

	close(releaseFast)
	if err := <-fastErrs; err != nil {
		t.Fatalf("fast call failed: %v", err)
	}
	if got := <-fastResults; got != "done" {
		t.Errorf("got %q, want done", got)
	}
}

func TestConnUnknownCancellationIsIgnored(t *testing.T) {
	_, client := newConnPair(t, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, params := range []string{`{"requestId":999}`, `{"requestId":"ghost","reason":"gone"}`, `{}`} {
		if err := client.Notify(ctx, mcp.MethodNotificationsCancelled, json.RawMessage(params)); err != nil {
			t.Fatalf("failed to send cancellation: %v", err)
		}
	}
	if err := client.Notify(ctx, "notifications/unknown", nil); err != nil {
		t.Fatalf("failed to send unknown notification: %v", err)
	}
	if err := client.Call(ctx, mcp.MethodPing, nil, nil); err != nil {
		t.Errorf("connection unusable after unknown cancellations: %v", err)
	}
}

func TestConnNotificationHandler(t *testing.T) {
	received := make(chan string, 1)
	handler := func(_ context.Context, req *mcp.Request) {
		received <- string(req.Params)
	}
	_, client := newConnPair(t, []mcp.ConnOption{mcp.WithNotificationHandler("notes/new", handler)}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Notify(ctx, "notes/new", map[string]string{"text": "hi"}); err != nil {
		t.Fatalf("failed to notify: %v", err)
	}
	select {
	case got := <-received:
		if got != `{"text":"hi"}` {
			t.Errorf("got params %s", got)
		}
	case <-ctx.Done():
		t.Fatal("notification was not delivered")
	}
}

func TestConnPreservesRequestIDType(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	server := mcp.NewConn(mcp.NewStreamTransport(serverSide, "server"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = server.Serve(ctx) }()
	t.Cleanup(func() { _ = server.Close() })

	raw := mcp.NewStreamTransport(clientSide, "raw")
	if err := raw.Start(ctx); err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}
	t.Cleanup(func() { _ = raw.Close() })

	for _, id := range []string{`"abc"`, `7`} {
		req := `{"jsonrpc":"2.0","id":` + id + `,"method":"ping"}`
		if err := raw.Send(ctx, []byte(req)); err != nil {
			t.Fatalf("failed to send: %v", err)
		}
		frame, err := raw.Recv(ctx)
		if err != nil {
			t.Fatalf("failed to receive: %v", err)
		}
		var res struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(frame, &res); err != nil {
			t.Fatalf("invalid response %s: %v", frame, err)
		}
		if string(res.ID) != id {
			t.Errorf("got id %s, want %s", res.ID, id)
		}
	}
}

func TestConnDoesNotAnswerResponsesOrNotifications(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	server := mcp.NewConn(mcp.NewStreamTransport(serverSide, "server"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = server.Serve(ctx) }()
	t.Cleanup(func() { _ = server.Close() })

	raw := mcp.NewStreamTransport(clientSide, "raw")
	if err := raw.Start(ctx); err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}
	t.Cleanup(func() { _ = raw.Close() })

	unanswered := []string{
		`{"jsonrpc":"2.0","error":{"code":-32600,"message":"invalid JSON-RPC envelope"}}`,
		`{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`,
		`{"jsonrpc":"1.0","method":"x"}`,
		`{"jsonrpc":"1.0","id":3,"result":{}}`,
		`{"jsonrpc":"2.0"}`,
	}
	for _, msg := range unanswered {
		if err := raw.Send(ctx, []byte(msg)); err != nil {
			t.Fatalf("failed to send %s: %v", msg, err)
		}
	}

	// The first frame back must answer this request, proving nothing above got a reply.
	if err := raw.Send(ctx, []byte(`{"jsonrpc":"1.0","id":5,"method":"ping"}`)); err != nil {
		t.Fatalf("failed to send: %v", err)
	}
	frame, err := raw.Recv(ctx)
	if err != nil {
		t.Fatalf("failed to receive: %v", err)
	}
	var res mcp.JSONRPCMessage
	if err := json.Unmarshal(frame, &res); err != nil {
		t.Fatalf("invalid response %s: %v", frame, err)
	}
	if res.ID == nil || res.ID.String() != "5" {
		t.Fatalf("got %s, want the answer to request 5", frame)
	}
	if res.Error == nil || res.Error.Code != -32600 {
		t.Errorf("got %s, want an invalid request error", frame)
	}

	if err := raw.Send(ctx, []byte(`{"jsonrpc":"2.0","id":6,"method":"ping"}`)); err != nil {
		t.Fatalf("failed to send: %v", err)
	}
	frame, err = raw.Recv(ctx)
	if err != nil {
		t.Fatalf("failed to receive: %v", err)
	}
	var pong mcp.JSONRPCMessage
	if err := json.Unmarshal(frame, &pong); err != nil {
		t.Fatalf("invalid response %s: %v", frame, err)
	}
	if pong.ID == nil || pong.ID.String() != "6" || pong.Error != nil {
		t.Errorf("got %s, want a ping result for request 6", frame)
	}
}

func TestConnCloseFailsPendingCalls(t *testing.T) {
	block := func(ctx context.Context, _ *mcp.Request) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, client := newConnPair(t, []mcp.ConnOption{mcp.WithMethodHandler("block", block)}, nil)

	errs := make(chan error, 1)
	go func() { errs <- client.Call(context.Background(), "block", nil, nil) }()

	time.Sleep(50 * time.Millisecond)
	if err := client.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	select {
	case err := <-errs:
		if !errors.Is(err, mcp.ErrConnClosed) {
			t.Errorf("expected ErrConnClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call did not fail on close")
	}
	if client.State() != mcp.StateClosed {
		t.Errorf("got state %d, want closed", client.State())
	}
}

func TestReportProgress(t *testing.T) {
	progress := make(chan mcp.ProgressParams, 2)

	work := func(ctx context.Context, _ *mcp.Request) (any, error) {
		if err := mcp.ReportProgress(ctx, 50, 100); err != nil {
			return nil, err
		}
		return "finished", nil
	}
	onProgress := func(_ context.Context, req *mcp.Request) {
		var p mcp.ProgressParams
		if err := json.Unmarshal(req.Params, &p); err == nil {
			progress <- p
		}
	}
	_, client := newConnPair(t,
		[]mcp.ConnOption{mcp.WithMethodHandler("work", work)},
		[]mcp.ConnOption{mcp.WithNotificationHandler(mcp.MethodNotificationsProgress, onProgress)},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	params := json.RawMessage(`{"_meta":{"progressToken":"tok-1"}}`)
	if err := client.Call(ctx, "work", params, nil); err != nil {
		t.Fatalf("failed to call: %v", err)
	}
	select {
	case p := <-progress:
		if p.ProgressToken != mcp.NewRequestID("tok-1") || p.Progress != 50 || p.Total != 100 {
			t.Errorf("unexpected progress %+v", p)
		}
	case <-ctx.Done():
		t.Fatal("no progress notification received")
	}

	// Without a token nothing is reported.
	if err := client.Call(ctx, "work", nil, nil); err != nil {
		t.Fatalf("failed to call: %v", err)
	}
	select {
	case p := <-progress:
		t.Errorf("unexpected progress without a token: %+v", p)
	case <-time.After(100 * time.Millisecond):
	}
}
