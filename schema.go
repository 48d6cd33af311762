package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID identifies a JSON-RPC request. The protocol allows either a string or an integer, and
// a response must echo the id with the same JSON type it was received with, so RequestID keeps
// track of which form it carries.
type RequestID struct {
	value   string
	numeric bool
}

// JSONRPCMessage represents a JSON-RPC 2.0 message used for communication in the MCP protocol.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs, nil for notifications
	ID *RequestID `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or custom codes outside the reserved range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	// Should be limited to a concise single sentence.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// ListPromptsParams contains parameters for listing available prompts.
type ListPromptsParams struct {
	// Cursor is an optional pagination cursor from previous ListPrompts call.
	// Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`

	// Meta contains optional metadata including progressToken for tracking operation progress.
	Meta *ParamsMeta `json:"_meta,omitempty"`
}

// ListPromptResult represents a paginated list of prompts returned by ListPrompts.
// NextCursor can be used to retrieve the next page of results.
type ListPromptResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// GetPromptParams contains parameters for retrieving a specific prompt.
type GetPromptParams struct {
	// Name is the unique identifier of the prompt to retrieve
	Name string `json:"name"`

	// Arguments is a map of argument name-value pairs
	// Must satisfy required arguments defined in prompt's Arguments field
	Arguments map[string]string `json:"arguments,omitempty"`

	Meta *ParamsMeta `json:"_meta,omitempty"`
}

// GetPromptResult represents the result of a prompt request.
type GetPromptResult struct {
	Messages    []PromptMessage `json:"messages"`
	Description string          `json:"description,omitempty"`
}

// ListResourcesParams contains parameters for listing available resources.
type ListResourcesParams struct {
	Cursor string      `json:"cursor,omitempty"`
	Meta   *ParamsMeta `json:"_meta,omitempty"`
}

// ListResourcesResult represents a paginated list of resources returned by ListResources.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ReadResourceParams contains parameters for retrieving a specific resource.
type ReadResourceParams struct {
	// URI is the unique identifier of the resource to retrieve.
	URI string `json:"uri"`

	// Meta is handed to dynamic resource generators untouched.
	Meta *ParamsMeta `json:"_meta,omitempty"`
}

// ReadResourceResult represents the result of a read resource request. Contents is empty, never
// absent, when the requested URI is unknown.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// ListResourceTemplatesParams contains parameters for listing available resource templates.
type ListResourceTemplatesParams struct {
	Cursor string      `json:"cursor,omitempty"`
	Meta   *ParamsMeta `json:"_meta,omitempty"`
}

// ListResourceTemplatesResult represents the result of a list resource templates request.
type ListResourceTemplatesResult struct {
	Templates  []ResourceTemplate `json:"resourceTemplates"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

// SubscribeResourceParams contains parameters for subscribing to a resource.
type SubscribeResourceParams struct {
	// URI is the unique identifier of the resource to subscribe to.
	// Must match URI used in ReadResource calls.
	URI string `json:"uri"`
}

// UnsubscribeResourceParams contains parameters for unsubscribing from a resource.
type UnsubscribeResourceParams struct {
	URI string `json:"uri"`
}

// ListToolsParams contains parameters for listing available tools.
type ListToolsParams struct {
	Cursor string      `json:"cursor,omitempty"`
	Meta   *ParamsMeta `json:"_meta,omitempty"`
}

// ListToolsResult represents a paginated list of tools returned by ListTools.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs
	// Must satisfy required arguments defined in tool's InputSchema field
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// Meta contains optional metadata including progressToken for tracking operation progress.
	Meta *ParamsMeta `json:"_meta,omitempty"`
}

// CallToolResult represents the outcome of a tool invocation via CallTool.
//
// A failed call carries an empty Content, IsError set and the failure reason in Metadata.Error.
// Metadata is filled by the server for every call regardless of the outcome.
type CallToolResult struct {
	Content  []Content         `json:"content"`
	IsError  bool              `json:"isError"`
	Metadata *ToolCallMetadata `json:"metadata,omitempty"`
}

// ToolCallMetadata carries diagnostic information about a single tool execution.
type ToolCallMetadata struct {
	ExecutionTimeMs int64         `json:"executionTimeMs"`
	ResourceUsage   ResourceUsage `json:"resourceUsage"`
	Error           string        `json:"error,omitempty"`
}

// ResourceUsage is the resident memory snapshot taken after a tool execution, formatted as "<N>KB".
type ResourceUsage struct {
	Memory string `json:"memory"`
}

// RootList represents a collection of root resources in the system.
type RootList struct {
	Roots []Root `json:"roots"`
}

// LogParams represents the parameters for a log message.
type LogParams struct {
	// Level indicates the severity level of the message.
	Level LogLevel `json:"level"`
	// Logger identifies the source/component that generated the message.
	Logger string `json:"logger,omitempty"`
	// Data contains the message content and any structured metadata.
	Data json.RawMessage `json:"data"`
}

// SetLogLevelParams carries the minimum level requested by logging/setLevel.
type SetLogLevelParams struct {
	Level LogLevel `json:"level"`
}

// ServerCapabilities represents server capabilities. A nil field means the capability is not
// advertised.
type ServerCapabilities struct {
	Experimental map[string]any         `json:"experimental,omitempty"`
	Logging      *LoggingCapability     `json:"logging,omitempty"`
	Completions  *CompletionsCapability `json:"completions,omitempty"`
	Prompts      *PromptsCapability     `json:"prompts,omitempty"`
	Resources    *ResourcesCapability   `json:"resources,omitempty"`
	Tools        *ToolsCapability       `json:"tools,omitempty"`
}

// ClientCapabilities represents client capabilities.
type ClientCapabilities struct {
	Experimental map[string]any      `json:"experimental,omitempty"`
	Roots        *RootsCapability    `json:"roots,omitempty"`
	Sampling     *SamplingCapability `json:"sampling,omitempty"`
}

// PromptsCapability represents prompts-specific capabilities.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability represents resources-specific capabilities.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability represents logging-specific capabilities.
type LoggingCapability struct{}

// CompletionsCapability represents argument completion capabilities.
type CompletionsCapability struct{}

// RootsCapability represents roots-specific capabilities.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability represents sampling-specific capabilities.
type SamplingCapability struct{}

// Info contains metadata about a server or client instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Prompt defines a template for generating prompts with optional arguments.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument defines a single argument that can be passed to a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptMessage represents a message in a prompt.
type PromptMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// Role represents the role in a conversation (user or assistant).
type Role string

// Content is a tagged union of the content kinds a tool result or prompt message can carry.
// Type selects which of the remaining fields are meaningful:
//   - ContentTypeText: Text
//   - ContentTypeImage, ContentTypeAudio: Data (base64) and MimeType
//   - ContentTypeResource: Resource
type Content struct {
	Type        ContentType  `json:"type"`
	Annotations *Annotations `json:"annotations,omitempty"`

	Text string `json:"text,omitempty"`

	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	Resource *ResourceContents `json:"resource,omitempty"`
}

// MarshalJSON implements json.Marshaler. Text items always carry a text member, even an
// empty one.
func (c Content) MarshalJSON() ([]byte, error) {
	type content Content
	if c.Type != ContentTypeText {
		return json.Marshal(content(c))
	}
	return json.Marshal(struct {
		content
		Text string `json:"text"`
	}{content(c), c.Text})
}

// Annotations represents the annotations for a message. The client can use annotations
// to inform how objects are used or displayed.
type Annotations struct {
	// Audience describes who the intended customer of this object or data is.
	Audience []Role `json:"audience,omitempty"`
	// Priority describes how important this data is for operating the server, from 0 (optional)
	// to 1 (effectively required).
	Priority float64 `json:"priority,omitempty"`
}

// ContentType represents the type of content in messages.
type ContentType string

// ResourceContents represents either text or blob resource contents.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// CompletesCompletionParams contains parameters for requesting completion suggestions.
type CompletesCompletionParams struct {
	// Ref identifies what is being completed (e.g. prompt, resource template)
	Ref CompletionRef `json:"ref"`
	// Argument specifies which argument needs completion suggestions
	Argument CompletionArgument `json:"argument"`
}

// CompletionResult contains the response data for a completion request.
type CompletionResult struct {
	Completion Completion `json:"completion"`
}

// Completion lists the suggested values for a completion request.
type Completion struct {
	Values  []string `json:"values"`
	HasMore bool     `json:"hasMore,omitempty"`
	Total   int      `json:"total,omitempty"`
}

// CompletionRef identifies what is being completed in a completion request.
// Type must be one of:
//   - "ref/prompt": Completing a prompt argument, Name field must be set to prompt name
//   - "ref/resource": Completing a resource template argument, URI field must be set to template URI
type CompletionRef struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	URI  string `json:"uri,omitempty"`
}

// CompletionArgument defines the argument name and the partial value to complete.
type CompletionArgument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Resource describes a content resource exposed by a server. URI is the identity key.
type Resource struct {
	Annotations *Annotations      `json:"annotations,omitempty"`
	URI         string            `json:"uri"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	MimeType    string            `json:"mimeType,omitempty"`
	Metadata    *ResourceMetadata `json:"metadata,omitempty"`
}

// ResourceMetadata describes the backing of a resource, such as {type: "file", size: 42}.
type ResourceMetadata struct {
	Type string `json:"type,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// ResourceTemplate defines a template for generating resource URIs.
type ResourceTemplate struct {
	Annotations *Annotations `json:"annotations,omitempty"`
	URITemplate string       `json:"uriTemplate"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	MimeType    string       `json:"mimeType,omitempty"`
}

// Tool defines a callable tool with its input schema.
// InputSchema defines the expected format of arguments for CallTool.
type Tool struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	InputSchema json.RawMessage  `json:"inputSchema"`
	Annotations *ToolAnnotations `json:"annotations,omitempty"`
}

// ToolAnnotations are hints describing a tool's behaviour. They are advisory only; clients must
// not rely on them for safety decisions from untrusted servers.
type ToolAnnotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    *bool  `json:"readOnlyHint,omitempty"`
	DestructiveHint *bool  `json:"destructiveHint,omitempty"`
	IdempotentHint  *bool  `json:"idempotentHint,omitempty"`
	OpenWorldHint   *bool  `json:"openWorldHint,omitempty"`
}

// Root represents a root directory or file that the server can operate on.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// LogLevel represents the severity level of log messages. It travels on the wire as its
// lower-case name.
type LogLevel int

// ProgressParams represents the progress status of a long-running operation.
type ProgressParams struct {
	// ProgressToken is the token the requester put in the request's _meta.
	ProgressToken RequestID `json:"progressToken"`
	// Progress represents the current progress value
	Progress float64 `json:"progress"`
	// Total represents the expected final value when known.
	Total float64 `json:"total,omitempty"`
}

// ParamsMeta contains optional metadata that can be included with request parameters.
type ParamsMeta struct {
	// ProgressToken uniquely identifies an operation for progress tracking.
	ProgressToken *RequestID `json:"progressToken,omitempty"`
}

// SamplingParams defines the parameters of a sampling/createMessage request.
type SamplingParams struct {
	Messages         []SamplingMessage        `json:"messages"`
	ModelPreferences SamplingModelPreferences `json:"modelPreferences"`
	SystemPrompts    string                   `json:"systemPrompts,omitempty"`
	MaxTokens        int                      `json:"maxTokens"`
}

// SamplingMessage represents a message in the sampling conversation history.
type SamplingMessage struct {
	Role    Role            `json:"role"`
	Content SamplingContent `json:"content"`
}

// SamplingContent represents the content of a sampling message. Either Text or Data is
// populated based on Type.
type SamplingContent struct {
	Type     ContentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	Data     string      `json:"data,omitempty"`
	MimeType string      `json:"mimeType,omitempty"`
}

// SamplingModelPreferences defines preferences for model selection and behavior.
type SamplingModelPreferences struct {
	Hints []struct {
		Name string `json:"name"`
	} `json:"hints,omitempty"`
	CostPriority         float64 `json:"costPriority,omitempty"`
	SpeedPriority        float64 `json:"speedPriority,omitempty"`
	IntelligencePriority float64 `json:"intelligencePriority,omitempty"`
}

// SamplingResult represents the output of a sampling operation.
type SamplingResult struct {
	Role       Role            `json:"role"`
	Content    SamplingContent `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stopReason,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type notificationsCancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

type notificationsResourcesUpdatedParams struct {
	URI string `json:"uri"`
}

// Role represents the role in a conversation (user or assistant).
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentType represents the type of content in messages.
const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeAudio    ContentType = "audio"
	ContentTypeResource ContentType = "resource"
)

// LogLevel represents the severity level of log messages.
const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelNotice
	LogLevelWarning
	LogLevelError
	LogLevelCritical
	LogLevelAlert
	LogLevelEmergency
)

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// ProtocolVersion is the MCP revision negotiated during initialize.
	ProtocolVersion = "2024-11-05"

	// MethodInitialize is the method name of the handshake request.
	MethodInitialize = "initialize"
	// MethodPing is the method name of the liveness check, answered by both roles.
	MethodPing = "ping"

	// MethodPromptsList is the method name for retrieving a list of available prompts.
	MethodPromptsList = "prompts/list"
	// MethodPromptsGet is the method name for retrieving a specific prompt by identifier.
	MethodPromptsGet = "prompts/get"

	// MethodResourcesList is the method name for listing available resources.
	MethodResourcesList = "resources/list"
	// MethodResourcesRead is the method name for reading the content of a specific resource.
	MethodResourcesRead = "resources/read"
	// MethodResourcesTemplatesList is the method name for listing available resource templates.
	MethodResourcesTemplatesList = "resources/templates/list"
	// MethodResourcesSubscribe is the method name for subscribing to resource updates.
	MethodResourcesSubscribe = "resources/subscribe"
	// MethodResourcesUnsubscribe is the method name for unsubscribing from resource updates.
	MethodResourcesUnsubscribe = "resources/unsubscribe"

	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	// MethodRootsList is the method name for retrieving a list of root resources.
	MethodRootsList = "roots/list"
	// MethodSamplingCreateMessage is the method name for creating a new sampling message.
	MethodSamplingCreateMessage = "sampling/createMessage"

	// MethodCompletionComplete is the method name for requesting completion suggestions.
	MethodCompletionComplete = "completion/complete"

	// MethodLoggingSetLevel is the method name for setting the minimum severity level for emitted log messages.
	MethodLoggingSetLevel = "logging/setLevel"

	// MethodNotificationsInitialized is sent by the client once it has processed the initialize result.
	MethodNotificationsInitialized = "notifications/initialized"
	// MethodNotificationsCancelled asks the peer to stop working on one request.
	MethodNotificationsCancelled = "notifications/cancelled"
	// MethodNotificationsProgress carries progress for a request that supplied a progress token.
	MethodNotificationsProgress = "notifications/progress"
	// MethodNotificationsMessage carries a server log message.
	MethodNotificationsMessage = "notifications/message"
	// MethodNotificationsPromptsListChanged tells the client to refresh its prompt list.
	MethodNotificationsPromptsListChanged = "notifications/prompts/list_changed"
	// MethodNotificationsResourcesListChanged tells the client to refresh its resource list.
	MethodNotificationsResourcesListChanged = "notifications/resources/list_changed"
	// MethodNotificationsResourcesUpdated tells a subscribed client that a resource changed.
	MethodNotificationsResourcesUpdated = "notifications/resources/updated"
	// MethodNotificationsToolsListChanged tells the client to refresh its tool list.
	MethodNotificationsToolsListChanged = "notifications/tools/list_changed"
	// MethodNotificationsRootsListChanged tells the server to refresh the client's roots.
	MethodNotificationsRootsListChanged = "notifications/roots/list_changed"

	// CompletionRefPrompt is used in CompletionRef.Type for prompt argument completion.
	CompletionRefPrompt = "ref/prompt"
	// CompletionRefResource is used in CompletionRef.Type for resource template argument completion.
	CompletionRefResource = "ref/resource"

	userCancelledReason = "User requested cancellation"

	jsonRPCParseErrorCode     = -32700
	jsonRPCInvalidRequestCode = -32600
	jsonRPCMethodNotFoundCode = -32601
	jsonRPCInvalidParamsCode  = -32602
	jsonRPCInternalErrorCode  = -32603
)

var logLevelNames = [...]string{
	"debug", "info", "notice", "warning", "error", "critical", "alert", "emergency",
}

// NewRequestID returns a string request id.
func NewRequestID(s string) RequestID {
	return RequestID{value: s}
}

// NewNumericRequestID returns an integer request id.
func NewNumericRequestID(n int64) RequestID {
	return RequestID{value: strconv.FormatInt(n, 10), numeric: true}
}

// IsZero reports whether the id is unset.
func (r RequestID) IsZero() bool {
	return r.value == "" && !r.numeric
}

// IsNumeric reports whether the id travels as a JSON number.
func (r RequestID) IsNumeric() bool {
	return r.numeric
}

func (r RequestID) String() string {
	return r.value
}

// key distinguishes 1 from "1" when ids are used as map keys.
func (r RequestID) key() string {
	if r.numeric {
		return "n:" + r.value
	}
	return "s:" + r.value
}

// UnmarshalJSON implements json.Unmarshaler accepting a string, an integer or null.
func (r *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = RequestID{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = RequestID{value: s}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", data, err)
	}
	// Non-integral numbers are kept verbatim so they can be echoed back.
	*r = RequestID{value: n.String(), numeric: true}
	return nil
}

// MarshalJSON implements json.Marshaler keeping the id's original JSON type.
func (r RequestID) MarshalJSON() ([]byte, error) {
	if r.numeric {
		return []byte(r.value), nil
	}
	return json.Marshal(r.value)
}

func (l LogLevel) String() string {
	if l < 0 || int(l) >= len(logLevelNames) {
		return "unknown"
	}
	return logLevelNames[l]
}

// MarshalJSON implements json.Marshaler.
func (l LogLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *LogLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for i, name := range logLevelNames {
		if name == s {
			*l = LogLevel(i)
			return nil
		}
	}
	return fmt.Errorf("unknown log level %q", s)
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}
