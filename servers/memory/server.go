// Package memory provides MCP tools for a persistent knowledge graph of entities, relations
// and observations, stored in a JSON Lines file.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/TangGee/mcpkit"
)

// GraphURI is the URI of the resource holding the whole graph as JSON.
const GraphURI = "memory://graph"

// Server is the knowledge graph tool set.
type Server struct {
	store  *store
	logger *slog.Logger

	// notify reports graph changes to the mcp.Server the tools are registered on.
	notify func(uri string)
}

// Option configures a Server.
type Option func(*Server)

// NewServer creates a knowledge graph backed by the file at path. The file is created on the
// first write; its directory must exist.
func NewServer(path string, options ...Option) (*Server, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve memory file %s: %w", path, err)
	}
	info, err := os.Stat(filepath.Dir(abs))
	if err != nil {
		return nil, fmt.Errorf("failed to stat memory directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("memory directory %s is not a directory", filepath.Dir(abs))
	}

	s := &Server{
		store:  &store{path: abs},
		logger: slog.Default(),
		notify: func(string) {},
	}
	for _, opt := range options {
		opt(s)
	}

	if _, err := s.store.read(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithLogger sets the logger of the tool set.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "mcpkit"),
			slog.String("component", "memory"),
		)
	}
}

// Register adds the memory tools and the graph resource to srv. Subscribers of the graph
// resource are notified on every change.
func (s *Server) Register(srv *mcp.Server) error {
	s.notify = srv.NotifyResourceUpdated

	if err := srv.AddTools(s.Tools()...); err != nil {
		return fmt.Errorf("failed to register memory tools: %w", err)
	}
	graph := mcp.DynamicResource(mcp.Resource{
		URI:         GraphURI,
		Name:        "knowledge graph",
		Description: "The whole knowledge graph",
		MimeType:    "application/json",
	}, s.readGraphResource)
	if err := srv.AddResources(graph); err != nil {
		return fmt.Errorf("failed to register memory resource: %w", err)
	}
	return nil
}

func (s *Server) readGraphResource(context.Context, *mcp.ParamsMeta) ([]mcp.ResourceContents, error) {
	graph, err := s.store.read()
	if err != nil {
		return nil, err
	}
	bs, err := json.MarshalIndent(graph, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{{URI: GraphURI, MimeType: "application/json", Text: string(bs)}}, nil
}

func (s *Server) changed(tool string) {
	s.logger.Debug("knowledge graph changed", slog.String("tool", tool))
	s.notify(GraphURI)
}
