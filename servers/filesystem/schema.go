package filesystem

import "time"

// ReadFileArgs is an argument struct for the read_file tool.
type ReadFileArgs struct {
	Path string `json:"path" jsonschema:"description=Path of the file to read"`
}

// ReadMultipleFilesArgs is an argument struct for the read_multiple_files tool.
type ReadMultipleFilesArgs struct {
	Paths []string `json:"paths" jsonschema:"description=Paths of the files to read"`
}

// WriteFileArgs is an argument struct for the write_file tool.
type WriteFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// EditFileArgs is an argument struct for the edit_file tool.
type EditFileArgs struct {
	Path   string          `json:"path"`
	Edits  []EditOperation `json:"edits"`
	DryRun bool            `json:"dryRun,omitempty" jsonschema:"description=Preview the diff without writing"`
}

// EditOperation replaces the first occurrence of OldText with NewText.
type EditOperation struct {
	OldText string `json:"oldText" jsonschema:"description=Text to search for"`
	NewText string `json:"newText" jsonschema:"description=Text to replace with"`
}

// CreateDirectoryArgs is an argument struct for the create_directory tool.
type CreateDirectoryArgs struct {
	Path string `json:"path"`
}

// ListDirectoryArgs is an argument struct for the list_directory tool.
type ListDirectoryArgs struct {
	Path string `json:"path"`
}

// DirectoryTreeArgs is an argument struct for the directory_tree tool.
type DirectoryTreeArgs struct {
	Path string `json:"path"`
}

// MoveFileArgs is an argument struct for the move_file tool.
type MoveFileArgs struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// SearchFilesArgs is an argument struct for the search_files tool.
type SearchFilesArgs struct {
	Path    string   `json:"path"`
	Pattern string   `json:"pattern" jsonschema:"description=Case-insensitive substring of the names to find"`
	Exclude []string `json:"excludePatterns,omitempty" jsonschema:"description=Glob patterns of paths to skip"`
}

// GetFileInfoArgs is an argument struct for the get_file_info tool.
type GetFileInfoArgs struct {
	Path string `json:"path"`
}

// FileInfo is the result of the get_file_info tool. Each field travels as its own content item,
// so clients can decode it back with mcp.CallRemote.
type FileInfo struct {
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	Modified    time.Time `json:"modified"`
	IsDirectory bool      `json:"isDirectory"`
	Permissions string    `json:"permissions"`
}

type treeEntry struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	Children []treeEntry `json:"children,omitempty"`
}
