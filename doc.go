// Package mcp implements the Model Context Protocol (MCP), the JSON-RPC 2.0 based protocol by
// which a client discovers and invokes tools exposed by a server and reads its resources.
//
// The package is organised in layers:
//
//   - Transport moves framed JSON messages. StdIO, StreamTransport and the SSE server and
//     client bindings implement it, and DialTransport and ListenTransport pick a binding from
//     a selector such as "stdio://stdout-stdin", "sse://127.0.0.1:8080" or "tcp://:9000".
//   - Conn runs one JSON-RPC connection: it correlates requests with responses, dispatches
//     incoming requests to handlers and routes notifications/cancelled to the handler it names.
//   - Server and Client compose a Conn with the MCP method table, the initialize handshake and
//     capability negotiation.
//
// A minimal server registers typed tools and serves a transport:
//
//	type addParams struct {
//		A int `json:"a"`
//		B int `json:"b"`
//	}
//
//	srv := mcp.NewServer(mcp.Info{Name: "calculator", Version: "1.0"})
//	err := srv.AddTools(mcp.NewTool("add", "Adds two numbers",
//		func(_ context.Context, p addParams) (int, error) {
//			return p.A + p.B, nil
//		}))
//	...
//	err = srv.ServeTransport(ctx, mcp.NewStdIO(os.Stdin, os.Stdout))
//
// Tool results are converted into content items with EncodeContent: a struct yields one item per
// field, a slice one item per element and a scalar a single text item. Clients reverse the
// conversion with CallRemote:
//
//	cli := mcp.NewClient(mcp.Info{Name: "calc-client", Version: "1.0"}, transport)
//	if err := cli.Connect(ctx); err != nil {
//		...
//	}
//	sum, err := mcp.CallRemote[int](ctx, cli, "add", addParams{A: 13, B: 22})
//
// A tool that fails never fails the request: the result carries isError, empty content and the
// error text in its metadata, which CallRemote returns as a *ToolError.
package mcp
