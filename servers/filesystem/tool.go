package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/TangGee/mcpkit"
)

// Tools returns the definitions of every filesystem tool, bound to s.
func (s *Server) Tools() []mcp.ToolDefinition {
	readOnly := mcp.WithToolAnnotations(mcp.ToolAnnotations{ReadOnlyHint: boolPtr(true)})
	destructive := mcp.WithToolAnnotations(mcp.ToolAnnotations{DestructiveHint: boolPtr(true)})

	return []mcp.ToolDefinition{
		mcp.NewTool("read_file", `Read the complete contents of a file from the file system.
Use this tool when you need to examine the contents of a single file.
Only works within allowed directories.`, s.readFile, readOnly),
		mcp.NewTool("read_multiple_files", `Read the contents of multiple files simultaneously.
Each file's content is returned as its own item prefixed with its path.
Failed reads for individual files won't stop the entire operation.
Only works within allowed directories.`, s.readMultipleFiles, readOnly),
		mcp.NewTool("write_file", `Create a new file or completely overwrite an existing file with new content.
Use with caution as it will overwrite existing files without warning.
Only works within allowed directories.`, s.writeFile, destructive),
		mcp.NewTool("edit_file", `Make line-based edits to a text file. Each edit replaces the first match
of oldText with newText; indentation differences are tolerated. Returns a git-style diff
showing the changes made. Set dryRun to preview the diff without writing.
Only works within allowed directories.`, s.editFile, destructive),
		mcp.NewTool("create_directory", `Create a new directory or ensure a directory exists. Can create multiple
nested directories in one operation. If the directory already exists, this operation
succeeds silently. Only works within allowed directories.`, s.createDirectory),
		mcp.NewTool("list_directory", `Get a detailed listing of all files and directories in a specified path.
Results distinguish between files and directories with [FILE] and [DIR] prefixes.
Only works within allowed directories.`, s.listDirectory, readOnly),
		mcp.NewTool("directory_tree", `Get a recursive tree view of files and directories as a JSON structure.
Each entry includes 'name', 'type' (file/directory) and 'children' for non-empty directories.
Only works within allowed directories.`, s.directoryTree, readOnly),
		mcp.NewTool("move_file", `Move or rename files and directories. If the destination exists, the
operation fails. Both source and destination must be within allowed directories.`, s.moveFile, destructive),
		mcp.NewTool("search_files", `Recursively search for files and directories whose name contains a pattern.
The search is case-insensitive and returns full paths to all matching items.
Paths matching one of the exclude globs are skipped. Only searches within allowed directories.`,
			s.searchFiles, readOnly),
		mcp.NewTool("get_file_info", `Retrieve metadata about a file or directory: size, last modified time,
type and permissions, without reading the content. Only works within allowed directories.`,
			s.getFileInfo, readOnly),
		mcp.NewTool("list_allowed_directories", `Returns the list of directories that this server is allowed to access.`,
			s.listAllowedDirectories, readOnly),
	}
}

func (s *Server) readFile(_ context.Context, args ReadFileArgs) (string, error) {
	path, err := s.resolvePath(args.Path)
	if err != nil {
		return "", s.denied("read_file", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat file with path %s: %w", args.Path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("path %s is a directory, not a file", args.Path)
	}

	bs, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file with path %s: %w", args.Path, err)
	}
	return string(bs), nil
}

func (s *Server) readMultipleFiles(ctx context.Context, args ReadMultipleFilesArgs) ([]string, error) {
	if len(args.Paths) == 0 {
		return nil, errors.New("paths must not be empty")
	}

	results := make([]string, 0, len(args.Paths))
	for _, p := range args.Paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, err := s.readFile(ctx, ReadFileArgs{Path: p})
		if err != nil {
			results = append(results, fmt.Sprintf("%s: Error - %s", p, err))
			continue
		}
		results = append(results, fmt.Sprintf("%s:\n%s", p, content))
	}
	return results, nil
}

func (s *Server) writeFile(_ context.Context, args WriteFileArgs) (string, error) {
	path, err := s.resolvePath(args.Path)
	if err != nil {
		return "", s.denied("write_file", err)
	}

	if err := os.WriteFile(path, []byte(args.Content), 0o600); err != nil {
		return "", fmt.Errorf("failed to write file with path %s: %w", args.Path, err)
	}
	return fmt.Sprintf("Successfully wrote to %s", args.Path), nil
}

func (s *Server) editFile(_ context.Context, args EditFileArgs) (string, error) {
	if len(args.Edits) == 0 {
		return "", errors.New("edits must not be empty")
	}
	path, err := s.resolvePath(args.Path)
	if err != nil {
		return "", s.denied("edit_file", err)
	}
	return applyFileEdits(path, args.Edits, args.DryRun)
}

func (s *Server) createDirectory(_ context.Context, args CreateDirectoryArgs) (string, error) {
	path, err := s.resolvePath(args.Path)
	if err != nil {
		// MkdirAll may need several missing levels, check the requested path itself.
		if errors.Is(err, errAccessDenied) {
			return "", s.denied("create_directory", err)
		}
		path, err = s.resolveMissing(args.Path)
		if err != nil {
			return "", s.denied("create_directory", err)
		}
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory with path %s: %w", args.Path, err)
	}
	return fmt.Sprintf("Successfully created directory %s", args.Path), nil
}

func (s *Server) listDirectory(_ context.Context, args ListDirectoryArgs) ([]string, error) {
	path, err := s.resolvePath(args.Path)
	if err != nil {
		return nil, s.denied("list_directory", err)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory with path %s: %w", args.Path, err)
	}

	result := make([]string, 0, len(entries))
	for _, entry := range entries {
		prefix := "[FILE] "
		if entry.IsDir() {
			prefix = "[DIR] "
		}
		result = append(result, prefix+entry.Name())
	}
	return result, nil
}

func (s *Server) directoryTree(ctx context.Context, args DirectoryTreeArgs) (string, error) {
	path, err := s.resolvePath(args.Path)
	if err != nil {
		return "", s.denied("directory_tree", err)
	}

	tree, err := s.buildTree(ctx, path)
	if err != nil {
		return "", err
	}
	bs, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode tree: %w", err)
	}
	return string(bs), nil
}

func (s *Server) moveFile(_ context.Context, args MoveFileArgs) (string, error) {
	source, err := s.resolvePath(args.Source)
	if err != nil {
		return "", s.denied("move_file", err)
	}
	destination, err := s.resolvePath(args.Destination)
	if err != nil {
		return "", s.denied("move_file", err)
	}

	if _, err := os.Lstat(destination); err == nil {
		return "", fmt.Errorf("destination %s already exists", args.Destination)
	}
	if err := os.Rename(source, destination); err != nil {
		return "", fmt.Errorf("failed to move %s to %s: %w", args.Source, args.Destination, err)
	}
	return fmt.Sprintf("Successfully moved %s to %s", args.Source, args.Destination), nil
}

func (s *Server) searchFiles(ctx context.Context, args SearchFilesArgs) ([]string, error) {
	if args.Pattern == "" {
		return nil, errors.New("pattern must not be empty")
	}
	root, err := s.resolvePath(args.Path)
	if err != nil {
		return nil, s.denied("search_files", err)
	}
	excludes, err := compileExcludes(args.Exclude)
	if err != nil {
		return nil, err
	}

	results := s.searchFilesWithPattern(ctx, root, args.Pattern, excludes)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return []string{"No matches found"}, nil
	}
	return results, nil
}

func (s *Server) getFileInfo(_ context.Context, args GetFileInfoArgs) (FileInfo, error) {
	path, err := s.resolvePath(args.Path)
	if err != nil {
		return FileInfo{}, s.denied("get_file_info", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("failed to stat file with path %s: %w", args.Path, err)
	}
	return FileInfo{
		Path:        path,
		Size:        info.Size(),
		Modified:    info.ModTime().UTC(),
		IsDirectory: info.IsDir(),
		Permissions: fmt.Sprintf("%o", info.Mode().Perm()),
	}, nil
}

func (s *Server) listAllowedDirectories(context.Context, struct{}) (string, error) {
	return "Allowed directories:\n" + strings.Join(s.roots, "\n"), nil
}

// resolveMissing validates a path whose parents may not exist yet by walking up to the first
// existing ancestor.
func (s *Server) resolveMissing(requested string) (string, error) {
	path, err := expandHome(filepath.FromSlash(requested))
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.roots[0], path)
	}
	path = filepath.Clean(path)

	var missing []string
	for dir := path; ; {
		parent := filepath.Dir(dir)
		missing = append([]string{filepath.Base(dir)}, missing...)
		if parent == dir {
			return "", fmt.Errorf("no existing ancestor for %s", requested)
		}
		resolved, err := s.resolvePath(parent)
		if err == nil {
			return filepath.Join(append([]string{resolved}, missing...)...), nil
		}
		if errors.Is(err, errAccessDenied) {
			return "", err
		}
		dir = parent
	}
}

func (s *Server) denied(tool string, err error) error {
	if errors.Is(err, errAccessDenied) {
		s.logger.Warn("rejected path outside allowed directories",
			slog.String("tool", tool),
			slog.String("err", err.Error()))
	}
	return err
}

func boolPtr(b bool) *bool {
	return &b
}
