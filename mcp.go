package mcp

import (
	"context"
	"iter"
)

// Server interfaces

// PromptServer defines the interface for serving prompts. Without one, the server answers
// prompts/list with an empty list and prompts/get with an empty prompt.
type PromptServer interface {
	// ListPrompts returns a paginated list of available prompts.
	// Returns error if operation fails or context is cancelled.
	ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptResult, error)

	// GetPrompt retrieves a specific prompt template by name with the given arguments.
	// Returns error if prompt not found, arguments are invalid, or context is cancelled.
	GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error)

	// CompletesPrompt provides completion suggestions for a prompt argument.
	CompletesPrompt(ctx context.Context, params CompletesCompletionParams) (CompletionResult, error)
}

// ResourceTemplateCompleter provides completion suggestions for resource template arguments.
type ResourceTemplateCompleter interface {
	CompletesResourceTemplate(ctx context.Context, params CompletesCompletionParams) (CompletionResult, error)
}

// RootsListWatcher receives notifications when a client's root list changes. The session
// can be used to fetch the new list with ListRoots.
type RootsListWatcher interface {
	// OnRootsListChanged is called when the client notifies that its root list has changed.
	OnRootsListChanged(session *ServerSession)
}

// Client interfaces

// RootsListHandler answers roots/list requests from the server.
type RootsListHandler interface {
	// RootsList returns the list of available root resources.
	// Returns error if operation fails or context is cancelled.
	RootsList(ctx context.Context) (RootList, error)
}

// RootsListUpdater provides an interface for monitoring changes to the available roots list.
// Every value emitted makes the client send notifications/roots/list_changed.
type RootsListUpdater interface {
	// RootsListUpdates returns an iterator that emits notifications when the root list changes.
	RootsListUpdates() iter.Seq[struct{}]
}

// SamplingHandler provides an interface for generating AI model responses based on conversation history.
// It answers sampling/createMessage requests from the server.
type SamplingHandler interface {
	// CreateSampleMessage generates a response message based on the provided conversation history and parameters.
	// Returns error if model selection fails, generation fails, token limit is exceeded, or context is cancelled.
	CreateSampleMessage(ctx context.Context, params SamplingParams) (SamplingResult, error)
}

// PromptListWatcher provides an interface for receiving notifications when the server's prompt list changes.
type PromptListWatcher interface {
	// OnPromptListChanged is called when the server notifies that its prompt list has changed.
	OnPromptListChanged()
}

// ResourceListWatcher provides an interface for receiving notifications when the server's resource list changes.
type ResourceListWatcher interface {
	// OnResourceListChanged is called when the server notifies that its resource list has changed.
	OnResourceListChanged()
}

// ResourceSubscribedWatcher provides an interface for receiving notifications when a subscribed resource changes.
type ResourceSubscribedWatcher interface {
	// OnResourceSubscribedChanged is called when the server notifies that a subscribed resource has changed.
	OnResourceSubscribedChanged(uri string)
}

// ToolListWatcher provides an interface for receiving notifications when the server's tool list changes.
type ToolListWatcher interface {
	// OnToolListChanged is called when the server notifies that its tool list has changed.
	OnToolListChanged()
}

// ProgressListener provides an interface for receiving progress updates on long-running operations.
type ProgressListener interface {
	// OnProgress is called when a progress update is received for an operation.
	OnProgress(params ProgressParams)
}

// LogReceiver provides an interface for receiving log messages from the server.
type LogReceiver interface {
	// OnLog is called when a log message is received from the server.
	OnLog(params LogParams)
}
