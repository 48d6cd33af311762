package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestReadFile(t *testing.T) {
	s, root := newTestServer(t)
	ctx := context.Background()

	testFile := writeTestFile(t, root, "test.txt", "test content")

	got, err := s.readFile(ctx, ReadFileArgs{Path: testFile})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got != "test content" {
		t.Errorf("Expected content 'test content', got %q", got)
	}

	// Relative paths resolve against the first allowed directory.
	got, err = s.readFile(ctx, ReadFileArgs{Path: "test.txt"})
	if err != nil {
		t.Fatalf("Expected no error for relative path, got %v", err)
	}
	if got != "test content" {
		t.Errorf("Expected content 'test content', got %q", got)
	}

	if _, err := s.readFile(ctx, ReadFileArgs{Path: "nonexistent.txt"}); err == nil {
		t.Error("Expected error for non-existent file, got none")
	}
	if _, err := s.readFile(ctx, ReadFileArgs{Path: root}); err == nil {
		t.Error("Expected error when reading a directory, got none")
	}
}

func TestAccessDenied(t *testing.T) {
	s, root := newTestServer(t)
	ctx := context.Background()

	outside := t.TempDir()
	secret := writeTestFile(t, outside, "secret.txt", "secret")

	tests := []struct {
		name string
		call func(t *testing.T) error
	}{
		{"read outside", func(t *testing.T) error {
			_, err := s.readFile(ctx, ReadFileArgs{Path: secret})
			return err
		}},
		{"dot-dot escape", func(t *testing.T) error {
			_, err := s.readFile(ctx, ReadFileArgs{Path: filepath.Join(root, "..", filepath.Base(outside), "secret.txt")})
			return err
		}},
		{"write outside", func(t *testing.T) error {
			_, err := s.writeFile(ctx, WriteFileArgs{Path: filepath.Join(outside, "new.txt"), Content: "x"})
			return err
		}},
		{"list outside", func(t *testing.T) error {
			_, err := s.listDirectory(ctx, ListDirectoryArgs{Path: outside})
			return err
		}},
		{"move outside", func(t *testing.T) error {
			src := writeTestFile(t, root, "inside.txt", "x")
			_, err := s.moveFile(ctx, MoveFileArgs{Source: src, Destination: filepath.Join(outside, "moved.txt")})
			return err
		}},
		{"create outside", func(t *testing.T) error {
			_, err := s.createDirectory(ctx, CreateDirectoryArgs{Path: filepath.Join(outside, "a", "b")})
			return err
		}},
		{"symlink escape", func(t *testing.T) error {
			link := filepath.Join(root, "link.txt")
			if err := os.Symlink(secret, link); err != nil {
				t.Skipf("symlinks unavailable: %v", err)
			}
			_, err := s.readFile(ctx, ReadFileArgs{Path: link})
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(t); !errors.Is(err, errAccessDenied) {
				t.Errorf("Expected access denied, got %v", err)
			}
		})
	}

	if _, err := os.Stat(filepath.Join(outside, "new.txt")); !os.IsNotExist(err) {
		t.Error("Expected no file written outside the allowed directories")
	}
}

func TestWriteFile(t *testing.T) {
	s, root := newTestServer(t)

	testFile := filepath.Join(root, "write_test.txt")
	if _, err := s.writeFile(context.Background(), WriteFileArgs{Path: testFile, Content: "test content"}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	content, err := os.ReadFile(testFile)
	if err != nil {
		t.Fatalf("Failed to read written file: %v", err)
	}
	if string(content) != "test content" {
		t.Errorf("Expected content 'test content', got %q", content)
	}

	if _, err := s.writeFile(context.Background(), WriteFileArgs{
		Path:    filepath.Join(root, "missing", "file.txt"),
		Content: "x",
	}); err == nil {
		t.Error("Expected error when the parent directory does not exist")
	}
}

func TestListDirectory(t *testing.T) {
	s, root := newTestServer(t)

	writeTestFile(t, root, "file1.txt", "test")
	writeTestFile(t, root, "file2.txt", "test")
	for _, dir := range []string{"dir1", "dir2"} {
		if err := os.Mkdir(filepath.Join(root, dir), 0o700); err != nil {
			t.Fatalf("Failed to create test directory: %v", err)
		}
	}

	got, err := s.listDirectory(context.Background(), ListDirectoryArgs{Path: root})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	want := []string{"[DIR] dir1", "[DIR] dir2", "[FILE] file1.txt", "[FILE] file2.txt"}
	sort.Strings(got)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("listing mismatch (-want +got):\n%s", diff)
	}
}

func TestReadMultipleFiles(t *testing.T) {
	s, root := newTestServer(t)

	first := writeTestFile(t, root, "file1.txt", "content1")
	second := writeTestFile(t, root, "file2.txt", "content2")
	missing := filepath.Join(root, "missing.txt")

	got, err := s.readMultipleFiles(context.Background(), ReadMultipleFilesArgs{
		Paths: []string{first, missing, second},
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(got))
	}
	if got[0] != first+":\ncontent1" {
		t.Errorf("Unexpected first result %q", got[0])
	}
	if !strings.HasPrefix(got[1], missing+": Error - ") {
		t.Errorf("Expected an error entry for the missing file, got %q", got[1])
	}
	if got[2] != second+":\ncontent2" {
		t.Errorf("Unexpected third result %q", got[2])
	}

	if _, err := s.readMultipleFiles(context.Background(), ReadMultipleFilesArgs{}); err == nil {
		t.Error("Expected error for empty paths")
	}
}

func TestEditFile(t *testing.T) {
	s, root := newTestServer(t)
	ctx := context.Background()

	testFile := writeTestFile(t, root, "edit.txt", "line one\nline two\nline three\n")
	edits := []EditOperation{{OldText: "line two", NewText: "line 2"}}

	diff, err := s.editFile(ctx, EditFileArgs{Path: testFile, Edits: edits, DryRun: true})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !strings.HasPrefix(diff, "```diff\n") {
		t.Errorf("Expected a fenced diff, got %q", diff)
	}
	if !strings.Contains(diff, "-two") || !strings.Contains(diff, "+2") {
		t.Errorf("Expected the diff to show the edit, got %q", diff)
	}
	if content := readTestFile(t, testFile); content != "line one\nline two\nline three\n" {
		t.Errorf("Dry run modified the file: %q", content)
	}

	if _, err := s.editFile(ctx, EditFileArgs{Path: testFile, Edits: edits}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if content := readTestFile(t, testFile); content != "line one\nline 2\nline three\n" {
		t.Errorf("Unexpected content after edit: %q", content)
	}

	_, err = s.editFile(ctx, EditFileArgs{Path: testFile, Edits: []EditOperation{{OldText: "absent", NewText: "x"}}})
	if err == nil {
		t.Error("Expected error for text that does not occur")
	}
	if _, err := s.editFile(ctx, EditFileArgs{Path: testFile}); err == nil {
		t.Error("Expected error for empty edits")
	}
}

func TestApplyEditsIgnoresIndentation(t *testing.T) {
	content := "func main() {\n\tif ok {\n\t\tfmt.Println(\"a\")\n\t}\n}\n"
	edits := []EditOperation{{
		OldText: "if ok {\n    fmt.Println(\"a\")\n}",
		NewText: "if ok {\n    fmt.Println(\"b\")\n}",
	}}

	got, err := applyEdits(content, edits)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	want := "func main() {\n\tif ok {\n\tfmt.Println(\"b\")\n\t}\n}\n"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyEditsNormalizesLineEndings(t *testing.T) {
	got, err := applyEdits("a\r\nb\r\nc", []EditOperation{{OldText: "b\nc", NewText: "x"}})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got != "a\nx" {
		t.Errorf("Expected %q, got %q", "a\nx", got)
	}

	if _, err := applyEdits("abc", []EditOperation{{OldText: "", NewText: "x"}}); err == nil {
		t.Error("Expected error for empty oldText")
	}
}

func TestCreateDirectory(t *testing.T) {
	s, root := newTestServer(t)

	nested := filepath.Join(root, "a", "b", "c")
	if _, err := s.createDirectory(context.Background(), CreateDirectoryArgs{Path: nested}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	info, err := os.Stat(nested)
	if err != nil {
		t.Fatalf("Directory was not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("Created path is not a directory")
	}

	// Existing directories succeed silently.
	if _, err := s.createDirectory(context.Background(), CreateDirectoryArgs{Path: nested}); err != nil {
		t.Errorf("Expected no error for existing directory, got %v", err)
	}
}

func TestDirectoryTree(t *testing.T) {
	s, root := newTestServer(t)

	writeTestFile(t, root, "top.txt", "x")
	if err := os.MkdirAll(filepath.Join(root, "sub", "empty"), 0o700); err != nil {
		t.Fatalf("Failed to create directories: %v", err)
	}
	writeTestFile(t, filepath.Join(root, "sub"), "inner.txt", "x")
	if err := os.Mkdir(filepath.Join(root, ".git"), 0o700); err != nil {
		t.Fatalf("Failed to create .git: %v", err)
	}

	out, err := s.directoryTree(context.Background(), DirectoryTreeArgs{Path: root})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	var got []treeEntry
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("Tree is not valid JSON: %v", err)
	}
	want := []treeEntry{
		{Name: "sub", Type: "directory", Children: []treeEntry{
			{Name: "empty", Type: "directory"},
			{Name: "inner.txt", Type: "file"},
		}},
		{Name: "top.txt", Type: "file"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}
}

func TestMoveFile(t *testing.T) {
	s, root := newTestServer(t)
	ctx := context.Background()

	source := writeTestFile(t, root, "source.txt", "payload")
	destination := filepath.Join(root, "destination.txt")

	if _, err := s.moveFile(ctx, MoveFileArgs{Source: source, Destination: destination}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if _, err := os.Stat(source); !os.IsNotExist(err) {
		t.Error("Source file still exists")
	}
	if content := readTestFile(t, destination); content != "payload" {
		t.Errorf("Unexpected destination content %q", content)
	}

	other := writeTestFile(t, root, "other.txt", "other")
	if _, err := s.moveFile(ctx, MoveFileArgs{Source: other, Destination: destination}); err == nil {
		t.Error("Expected error when the destination exists")
	}
	if content := readTestFile(t, destination); content != "payload" {
		t.Errorf("Destination was overwritten: %q", content)
	}
}

func TestSearchFiles(t *testing.T) {
	s, root := newTestServer(t)
	ctx := context.Background()

	for _, dir := range []string{"src", "node_modules/pkg", "docs"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o700); err != nil {
			t.Fatalf("Failed to create directory: %v", err)
		}
	}
	writeTestFile(t, root, "src/Report.go", "x")
	writeTestFile(t, root, "docs/report.md", "x")
	writeTestFile(t, root, "node_modules/pkg/report.js", "x")
	writeTestFile(t, root, "src/main.go", "x")

	got, err := s.searchFiles(ctx, SearchFilesArgs{Path: root, Pattern: "REPORT"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	sort.Strings(got)
	want := []string{
		filepath.Join(root, "docs", "report.md"),
		filepath.Join(root, "node_modules", "pkg", "report.js"),
		filepath.Join(root, "src", "Report.go"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("search mismatch (-want +got):\n%s", diff)
	}

	got, err = s.searchFiles(ctx, SearchFilesArgs{
		Path:    root,
		Pattern: "report",
		Exclude: []string{"node_modules", "*.md"},
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if diff := cmp.Diff([]string{filepath.Join(root, "src", "Report.go")}, got); diff != "" {
		t.Errorf("search with excludes mismatch (-want +got):\n%s", diff)
	}

	got, err = s.searchFiles(ctx, SearchFilesArgs{Path: root, Pattern: "nothing-like-this"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if diff := cmp.Diff([]string{"No matches found"}, got); diff != "" {
		t.Errorf("empty search mismatch (-want +got):\n%s", diff)
	}
}

func TestGetFileInfo(t *testing.T) {
	s, root := newTestServer(t)

	testFile := writeTestFile(t, root, "info.txt", "12345")
	if err := os.Chmod(testFile, 0o640); err != nil {
		t.Fatalf("Failed to chmod: %v", err)
	}

	before := time.Now().Add(-time.Minute)
	info, err := s.getFileInfo(context.Background(), GetFileInfoArgs{Path: testFile})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if info.Size != 5 {
		t.Errorf("Expected size 5, got %d", info.Size)
	}
	if info.IsDirectory {
		t.Error("Expected a file, got a directory")
	}
	if info.Permissions != "640" {
		t.Errorf("Expected permissions 640, got %s", info.Permissions)
	}
	if info.Modified.Before(before) {
		t.Errorf("Unexpected modification time %v", info.Modified)
	}

	dirInfo, err := s.getFileInfo(context.Background(), GetFileInfoArgs{Path: root})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !dirInfo.IsDirectory {
		t.Error("Expected a directory")
	}
}

func TestListAllowedDirectories(t *testing.T) {
	s, root := newTestServer(t)

	got, err := s.listAllowedDirectories(context.Background(), struct{}{})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got != "Allowed directories:\n"+root {
		t.Errorf("Unexpected result %q", got)
	}
}

func TestNewServerValidatesRoots(t *testing.T) {
	if _, err := NewServer(nil); err == nil {
		t.Error("Expected error without roots")
	}
	if _, err := NewServer([]string{filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("Expected error for a missing root")
	}
	file := writeTestFile(t, t.TempDir(), "file.txt", "x")
	if _, err := NewServer([]string{file}); err == nil {
		t.Error("Expected error for a root that is a file")
	}
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to resolve temp dir: %v", err)
	}
	s, err := NewServer([]string{root})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s, root
}

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	return path
}

func readTestFile(t *testing.T, path string) string {
	t.Helper()

	bs, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	return string(bs)
}
