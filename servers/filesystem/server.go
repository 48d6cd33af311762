// Package filesystem provides MCP tools for working with the local filesystem. Every tool is
// restricted to a set of allowed directories; paths resolving outside them, symlinks
// included, fail with a tool error.
package filesystem

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/TangGee/mcpkit"
)

// Server is the filesystem tool set. It holds the allowed directories and produces the tool
// definitions that operate on them; register them on an mcp.Server with Register.
type Server struct {
	roots  []string
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

const searchConcurrency = 50

// NewServer creates a filesystem tool set that provides access to files under the given root
// directories.
//
// Each root must exist and be a directory. Roots are stored as absolute paths with symlinks
// resolved, so later containment checks compare like with like.
func NewServer(roots []string, options ...Option) (*Server, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("at least one allowed directory is required")
	}

	s := &Server{logger: slog.Default()}
	for _, opt := range options {
		opt(s)
	}

	for _, root := range roots {
		expanded, err := expandHome(root)
		if err != nil {
			return nil, err
		}
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve root directory %s: %w", root, err)
		}
		resolved, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return nil, fmt.Errorf("failed to stat root directory: %w", err)
		}
		info, err := os.Stat(resolved)
		if err != nil {
			return nil, fmt.Errorf("failed to stat root directory: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("root directory is not a directory: %s", root)
		}
		s.roots = append(s.roots, filepath.Clean(resolved))
	}

	return s, nil
}

// WithLogger sets the logger of the tool set.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "mcpkit"),
			slog.String("component", "filesystem"),
		)
	}
}

// AllowedDirectories returns the resolved root directories.
func (s *Server) AllowedDirectories() []string {
	return append([]string(nil), s.roots...)
}

// Register adds every filesystem tool to srv.
func (s *Server) Register(srv *mcp.Server) error {
	if err := srv.AddTools(s.Tools()...); err != nil {
		return fmt.Errorf("failed to register filesystem tools: %w", err)
	}
	return nil
}
