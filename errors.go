package mcp

import (
	"errors"
	"fmt"
)

// Transport errors. Every Transport implementation reports failures with one of these, possibly
// wrapped, so callers can branch with errors.Is.
var (
	// ErrNotInitialized is returned when a transport is used before Start or after Close.
	ErrNotInitialized = errors.New("transport not initialized")
	// ErrCanceled is returned by operations that were interrupted by Cancel or Close, and by Recv
	// when the peer ended the stream gracefully.
	ErrCanceled = errors.New("transport canceled")
	// ErrTransportIO wraps failures of the underlying reader, writer or connection.
	ErrTransportIO = errors.New("transport i/o failure")
	// ErrInvalidArgument is returned for malformed transport targets and URLs.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Engine and registry errors.
var (
	// ErrConnClosed fails calls that were pending when their connection went away.
	ErrConnClosed = errors.New("connection closed")
	// ErrCapabilityNotSupported is returned by the client when the server did not advertise the
	// capability a method needs.
	ErrCapabilityNotSupported = errors.New("capability not supported by server")
	// ErrToolNotFound is reported in the metadata of calls to unregistered tools.
	ErrToolNotFound = errors.New("tool not found")
	// ErrDuplicateTool is returned when a tool name is already registered.
	ErrDuplicateTool = errors.New("tool already registered")
	// ErrDuplicateResource is returned when a resource URI is already registered.
	ErrDuplicateResource = errors.New("resource already registered")
)

// ToolError is returned by CallRemote and friends when the server answered a tools/call with
// isError set.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("tool %s failed", e.Tool)
	}
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}

func ioError(err error) error {
	return fmt.Errorf("%w: %w", ErrTransportIO, err)
}
