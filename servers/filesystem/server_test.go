package filesystem_test

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TangGee/mcpkit"
	"github.com/TangGee/mcpkit/servers/filesystem"
)

func TestServerOverMCP(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to resolve temp dir: %v", err)
	}

	fs, err := filesystem.NewServer([]string{root})
	if err != nil {
		t.Fatalf("Failed to create filesystem tools: %v", err)
	}
	srv := mcp.NewServer(mcp.Info{Name: "filesystem", Version: "1.0.0"})
	if err := fs.Register(srv); err != nil {
		t.Fatalf("Failed to register tools: %v", err)
	}

	serverSide, clientSide := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = srv.ServeTransport(ctx, mcp.NewStreamTransport(serverSide, "fs-session"))
	}()
	defer func() {
		_ = srv.Shutdown(context.Background())
		<-served
	}()

	cli := mcp.NewClient(mcp.Info{Name: "fs-client", Version: "1.0.0"},
		mcp.NewStreamTransport(clientSide, "fs-session"))
	defer cli.Close()
	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	tools, err := cli.ListTools(ctx, mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("Failed to list tools: %v", err)
	}
	if len(tools.Tools) != len(fs.Tools()) {
		t.Errorf("Expected %d tools, got %d", len(fs.Tools()), len(tools.Tools))
	}

	path := filepath.Join(root, "hello.txt")
	if _, err := mcp.CallRemote[string](ctx, cli, "write_file", filesystem.WriteFileArgs{
		Path:    path,
		Content: "hello",
	}); err != nil {
		t.Fatalf("write_file failed: %v", err)
	}

	content, err := mcp.CallRemote[string](ctx, cli, "read_file", filesystem.ReadFileArgs{Path: path})
	if err != nil {
		t.Fatalf("read_file failed: %v", err)
	}
	if content != "hello" {
		t.Errorf("Expected %q, got %q", "hello", content)
	}

	info, err := mcp.CallRemote[filesystem.FileInfo](ctx, cli, "get_file_info", filesystem.GetFileInfoArgs{Path: path})
	if err != nil {
		t.Fatalf("get_file_info failed: %v", err)
	}
	if info.Size != 5 || info.IsDirectory || info.Path != path {
		t.Errorf("Unexpected file info %+v", info)
	}

	listing, err := mcp.CallRemote[[]string](ctx, cli, "list_directory", filesystem.ListDirectoryArgs{Path: root})
	if err != nil {
		t.Fatalf("list_directory failed: %v", err)
	}
	if len(listing) != 1 || listing[0] != "[FILE] hello.txt" {
		t.Errorf("Unexpected listing %v", listing)
	}

	outside := filepath.Join(t.TempDir(), "x.txt")
	if err := os.WriteFile(outside, []byte("x"), 0o600); err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}
	_, err = mcp.CallRemote[string](ctx, cli, "read_file", filesystem.ReadFileArgs{Path: outside})
	var toolErr *mcp.ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("Expected a tool error for a path outside the roots, got %v", err)
	}
	if toolErr.Tool != "read_file" || toolErr.Message == "" {
		t.Errorf("Unexpected tool error %+v", toolErr)
	}
}
