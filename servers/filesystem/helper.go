package filesystem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// errAccessDenied marks paths that resolve outside every allowed directory.
var errAccessDenied = errors.New("access denied")

// resolvePath turns a requested path into an absolute, symlink-free path inside one of the
// allowed roots. Relative paths are taken relative to the first root. A path that does not
// exist yet is accepted when its parent directory resolves inside a root.
func (s *Server) resolvePath(requested string) (string, error) {
	expanded, err := expandHome(filepath.FromSlash(requested))
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(expanded) {
		expanded = filepath.Join(s.roots[0], expanded)
	}
	absolute := filepath.Clean(expanded)

	if !s.allowed(absolute) {
		return "", fmt.Errorf("%w: path %s outside allowed directories %s",
			errAccessDenied, requested, strings.Join(s.roots, ", "))
	}

	realPath, err := filepath.EvalSymlinks(absolute)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}

		parent := filepath.Dir(absolute)
		realParent, err := filepath.EvalSymlinks(parent)
		if err != nil {
			if os.IsNotExist(err) {
				return "", fmt.Errorf("parent directory %s does not exist", parent)
			}
			return "", err
		}
		if !s.allowed(realParent) {
			return "", fmt.Errorf("%w: parent directory %s outside allowed directories", errAccessDenied, parent)
		}
		return filepath.Join(realParent, filepath.Base(absolute)), nil
	}

	if !s.allowed(realPath) {
		return "", fmt.Errorf("%w: symlink target %s outside allowed directories", errAccessDenied, realPath)
	}
	return realPath, nil
}

func (s *Server) allowed(path string) bool {
	for _, root := range s.roots {
		if isSubpath(path, root) {
			return true
		}
	}
	return false
}

func isSubpath(path, base string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != ".."
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to expand home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

func normalizeLineEndings(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

func createUnifiedDiff(originalContent, newContent, path string) string {
	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(normalizeLineEndings(originalContent), normalizeLineEndings(newContent), true)
	patches := dmp.PatchMake(diffs)

	var diff strings.Builder
	fmt.Fprintf(&diff, "--- %s (original)\n", path)
	fmt.Fprintf(&diff, "+++ %s (modified)\n", path)
	diff.WriteString(dmp.PatchToText(patches))

	return diff.String()
}

func applyFileEdits(path string, edits []EditOperation, dryRun bool) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	modified, err := applyEdits(string(content), edits)
	if err != nil {
		return "", err
	}

	diff := formatDiffOutput(createUnifiedDiff(string(content), modified, path))
	if dryRun {
		return diff, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat file: %w", err)
	}
	if err := os.WriteFile(path, []byte(modified), info.Mode().Perm()); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return diff, nil
}

func applyEdits(content string, edits []EditOperation) (string, error) {
	modified := normalizeLineEndings(content)

	for _, edit := range edits {
		oldText := normalizeLineEndings(edit.OldText)
		newText := normalizeLineEndings(edit.NewText)
		if oldText == "" {
			return "", errors.New("edit has an empty oldText")
		}

		if strings.Contains(modified, oldText) {
			modified = strings.Replace(modified, oldText, newText, 1)
			continue
		}

		// Fall back to a match that ignores indentation, line by line.
		replaced, found := tryLineByLineMatch(modified, oldText, newText)
		if !found {
			return "", fmt.Errorf("could not find exact match for edit:\n%s", edit.OldText)
		}
		modified = replaced
	}

	return modified, nil
}

func tryLineByLineMatch(content, oldText, newText string) (string, bool) {
	oldLines := strings.Split(oldText, "\n")
	contentLines := strings.Split(content, "\n")

	for i := 0; i <= len(contentLines)-len(oldLines); i++ {
		if isMatchingBlock(contentLines[i:i+len(oldLines)], oldLines) {
			return replaceMatchingBlock(contentLines, i, oldLines, newText), true
		}
	}
	return content, false
}

func isMatchingBlock(block, oldLines []string) bool {
	for j, oldLine := range oldLines {
		if strings.TrimSpace(oldLine) != strings.TrimSpace(block[j]) {
			return false
		}
	}
	return true
}

func replaceMatchingBlock(contentLines []string, start int, oldLines []string, newText string) string {
	indent := leadingWhitespace(contentLines[start])
	newLines := reindent(indent, oldLines, strings.Split(newText, "\n"))

	result := make([]string, 0, len(contentLines)-len(oldLines)+len(newLines))
	result = append(result, contentLines[:start]...)
	result = append(result, newLines...)
	result = append(result, contentLines[start+len(oldLines):]...)
	return strings.Join(result, "\n")
}

// reindent shifts newLines so the first line takes the indentation of the matched block and
// later lines keep their indentation relative to the replaced text.
func reindent(indent string, oldLines, newLines []string) []string {
	result := make([]string, 0, len(newLines))

	for j, line := range newLines {
		if j == 0 {
			result = append(result, indent+strings.TrimLeft(line, " \t"))
			continue
		}
		if strings.TrimSpace(line) == "" {
			result = append(result, indent)
			continue
		}

		oldIndent := ""
		if j < len(oldLines) {
			oldIndent = leadingWhitespace(oldLines[j])
		}
		relative := max(0, len(leadingWhitespace(line))-len(oldIndent))
		result = append(result, indent+strings.Repeat(" ", relative)+strings.TrimLeft(line, " \t"))
	}

	return result
}

func formatDiffOutput(diff string) string {
	fence := "```"
	for strings.Contains(diff, fence) {
		fence += "`"
	}
	return fmt.Sprintf("%sdiff\n%s%s\n\n", fence, diff, fence)
}

func leadingWhitespace(s string) string {
	return s[:len(s)-len(strings.TrimLeft(s, " \t"))]
}

func (s *Server) buildTree(ctx context.Context, dir string) ([]treeEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	result := make([]treeEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Name() == ".git" {
			continue
		}

		e := treeEntry{Name: entry.Name(), Type: "file"}
		if entry.IsDir() {
			e.Type = "directory"
			sub, err := s.resolvePath(filepath.Join(dir, entry.Name()))
			if err != nil {
				// Symlinked directories pointing outside the roots are listed but not entered.
				result = append(result, e)
				continue
			}
			children, err := s.buildTree(ctx, sub)
			if err != nil {
				return nil, fmt.Errorf("failed to build subtree for %s: %w", sub, err)
			}
			e.Children = children
		}
		result = append(result, e)
	}

	return result, nil
}

// compileExcludes compiles exclude patterns matched against slash-separated paths relative to
// the search root. A pattern matches at any depth.
func compileExcludes(patterns []string) ([]glob.Glob, error) {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.Trim(filepath.ToSlash(pattern), "/")
		if pattern == "" {
			continue
		}
		g, err := glob.Compile("{"+pattern+",**/"+pattern+"}", '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
		compiled = append(compiled, g)
	}
	return compiled, nil
}

// searchFilesWithPattern walks root concurrently and returns the paths whose base name contains
// pattern, ignoring case. Excluded directories are not descended into.
func (s *Server) searchFilesWithPattern(ctx context.Context, root, pattern string, excludes []glob.Glob) []string {
	var (
		results []string
		mu      sync.Mutex
		wg      sync.WaitGroup
	)
	semaphore := make(chan struct{}, searchConcurrency)
	needle := strings.ToLower(pattern)

	var search func(dir string)
	search = func(dir string) {
		defer wg.Done()

		select {
		case semaphore <- struct{}{}:
		case <-ctx.Done():
			return
		}
		entries, err := os.ReadDir(dir)
		<-semaphore
		if err != nil {
			s.logger.Debug("skipping unreadable directory", slog.String("dir", dir), slog.String("err", err.Error()))
			return
		}

		for _, entry := range entries {
			full := filepath.Join(dir, entry.Name())

			rel, err := filepath.Rel(root, full)
			if err != nil || excluded(filepath.ToSlash(rel), excludes) {
				continue
			}
			if _, err := s.resolvePath(full); err != nil {
				continue
			}

			if strings.Contains(strings.ToLower(entry.Name()), needle) {
				mu.Lock()
				results = append(results, full)
				mu.Unlock()
			}
			if entry.IsDir() {
				wg.Add(1)
				go search(full)
			}
		}
	}

	wg.Add(1)
	search(root)
	wg.Wait()

	return results
}

func excluded(rel string, excludes []glob.Glob) bool {
	for _, g := range excludes {
		if g.Match(rel) {
			return true
		}
	}
	return false
}
