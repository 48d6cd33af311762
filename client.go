package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client implements a Model Context Protocol (MCP) client over one Transport.
//
// Connect runs the initialize handshake. Every operation afterwards checks the capability the
// server advertised and fails with ErrCapabilityNotSupported when it is missing, without a
// round trip.
type Client struct {
	info         Info
	capabilities ClientCapabilities
	conn         *Conn

	requiredServerCapabilities ServerCapabilities

	rootsListHandler RootsListHandler
	rootsListUpdater RootsListUpdater
	samplingHandler  SamplingHandler

	promptListWatcher         PromptListWatcher
	resourceListWatcher       ResourceListWatcher
	resourceSubscribedWatcher ResourceSubscribedWatcher
	toolListWatcher           ToolListWatcher
	progressListener          ProgressListener
	logReceiver               LogReceiver

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int

	logger  *slog.Logger
	metrics *Metrics

	mu                 sync.RWMutex
	serverInfo         Info
	serverCapabilities ServerCapabilities
	instructions       string
	protocolVersion    string

	connectOnce sync.Once
	closeOnce   sync.Once
	cancel      context.CancelFunc
}

var (
	defaultClientPingTimeout          = 30 * time.Second
	defaultClientPingTimeoutThreshold = 3
)

// NewClient creates a new Model Context Protocol (MCP) client talking over transport. The
// transport is owned by the client from now on and closed by Close.
func NewClient(info Info, transport Transport, options ...ClientOption) *Client {
	c := &Client{
		info:   info,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.pingTimeout == 0 {
		c.pingTimeout = defaultClientPingTimeout
	}
	if c.pingTimeoutThreshold == 0 {
		c.pingTimeoutThreshold = defaultClientPingTimeoutThreshold
	}

	if c.rootsListHandler != nil {
		c.capabilities.Roots = &RootsCapability{}
		if c.rootsListUpdater != nil {
			c.capabilities.Roots.ListChanged = true
		}
	}
	if c.samplingHandler != nil {
		c.capabilities.Sampling = &SamplingCapability{}
	}

	connOptions := []ConnOption{
		WithMethodHandler(MethodRootsList, c.handleListRoots),
		WithMethodHandler(MethodSamplingCreateMessage, c.handleSampling),
		WithNotificationHandler(MethodNotificationsPromptsListChanged, c.handlePromptListChanged),
		WithNotificationHandler(MethodNotificationsResourcesListChanged, c.handleResourceListChanged),
		WithNotificationHandler(MethodNotificationsResourcesUpdated, c.handleResourceUpdated),
		WithNotificationHandler(MethodNotificationsToolsListChanged, c.handleToolListChanged),
		WithNotificationHandler(MethodNotificationsProgress, c.handleProgress),
		WithNotificationHandler(MethodNotificationsMessage, c.handleLog),
		WithConnLogger(c.logger),
	}
	if c.metrics != nil {
		connOptions = append(connOptions, withRequestObserver(c.metrics))
	}
	c.conn = NewConn(transport, connOptions...)

	return c
}

// WithRootsListHandler sets the roots list handler for the client.
func WithRootsListHandler(handler RootsListHandler) ClientOption {
	return func(c *Client) {
		c.rootsListHandler = handler
	}
}

// WithRootsListUpdater sets the roots list updater for the client.
func WithRootsListUpdater(updater RootsListUpdater) ClientOption {
	return func(c *Client) {
		c.rootsListUpdater = updater
	}
}

// WithSamplingHandler sets the sampling handler for the client.
func WithSamplingHandler(handler SamplingHandler) ClientOption {
	return func(c *Client) {
		c.samplingHandler = handler
	}
}

// WithPromptListWatcher sets the prompt list watcher for the client.
func WithPromptListWatcher(watcher PromptListWatcher) ClientOption {
	return func(c *Client) {
		c.promptListWatcher = watcher
	}
}

// WithResourceListWatcher sets the resource list watcher for the client.
func WithResourceListWatcher(watcher ResourceListWatcher) ClientOption {
	return func(c *Client) {
		c.resourceListWatcher = watcher
	}
}

// WithResourceSubscribedWatcher sets the resource subscribe watcher for the client.
func WithResourceSubscribedWatcher(watcher ResourceSubscribedWatcher) ClientOption {
	return func(c *Client) {
		c.resourceSubscribedWatcher = watcher
	}
}

// WithToolListWatcher sets the tool list watcher for the client.
func WithToolListWatcher(watcher ToolListWatcher) ClientOption {
	return func(c *Client) {
		c.toolListWatcher = watcher
	}
}

// WithProgressListener sets the progress listener for the client.
func WithProgressListener(listener ProgressListener) ClientOption {
	return func(c *Client) {
		c.progressListener = listener
	}
}

// WithLogReceiver sets the log receiver for the client.
func WithLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceiver = receiver
	}
}

// WithRequireServerCapabilities makes Connect fail unless the server advertises the
// non-nil capabilities of caps.
func WithRequireServerCapabilities(caps ServerCapabilities) ClientOption {
	return func(c *Client) {
		c.requiredServerCapabilities = caps
	}
}

// WithClientPingInterval enables keepalive pings to the server at the given interval.
func WithClientPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// WithClientPingTimeout sets the timeout of each keepalive ping.
func WithClientPingTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.pingTimeout = timeout
	}
}

// WithClientPingTimeoutThreshold sets the number of consecutive failed pings after which
// the client closes the connection.
func WithClientPingTimeoutThreshold(threshold int) ClientOption {
	return func(c *Client) {
		c.pingTimeoutThreshold = threshold
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "mcpkit"),
			slog.String("component", "client"),
		)
	}
}

// WithClientMetrics records request metrics for the client's outgoing and incoming requests.
func WithClientMetrics(m *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// Connect starts the connection and performs the initialize handshake. The connection keeps
// running after ctx is done; it lasts until Close or until the server goes away.
func (c *Client) Connect(ctx context.Context) error {
	err := errors.New("client already connected")
	c.connectOnce.Do(func() {
		err = c.connect(ctx)
	})
	return err
}

func (c *Client) connect(ctx context.Context) error {
	serveCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go func() {
		if err := c.conn.Serve(serveCtx); err != nil {
			c.logger.Warn("connection to server ended", slog.String("err", err.Error()))
		}
	}()

	c.conn.advance(StateInitializing, StateUninitialized)

	var res initializeResult
	err := c.conn.Call(ctx, MethodInitialize, initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	}, &res)
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("failed to initialize: %w", err)
	}
	if res.ProtocolVersion != ProtocolVersion {
		c.logger.Warn("server answered with another protocol version",
			slog.String("requested", ProtocolVersion),
			slog.String("answered", res.ProtocolVersion))
	}
	if err := checkServerCapabilities(c.requiredServerCapabilities, res.Capabilities); err != nil {
		_ = c.Close()
		return err
	}

	c.mu.Lock()
	c.serverInfo = res.ServerInfo
	c.serverCapabilities = res.Capabilities
	c.instructions = res.Instructions
	c.protocolVersion = res.ProtocolVersion
	c.mu.Unlock()

	if err := c.conn.Notify(ctx, MethodNotificationsInitialized, nil); err != nil {
		_ = c.Close()
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}
	c.conn.advance(StateReady, StateInitializing)

	if c.rootsListUpdater != nil {
		go c.listenListRootUpdates()
	}
	if c.pingInterval > 0 {
		go c.keepAlive()
	}

	c.logger.Info("connected to server",
		slog.String("server", res.ServerInfo.Name),
		slog.String("version", res.ServerInfo.Version))
	return nil
}

func checkServerCapabilities(required, got ServerCapabilities) error {
	var missing string
	switch {
	case required.Prompts != nil && got.Prompts == nil:
		missing = "prompts"
	case required.Resources != nil && got.Resources == nil:
		missing = "resources"
	case required.Resources != nil && required.Resources.Subscribe && !got.Resources.Subscribe:
		missing = "resources.subscribe"
	case required.Tools != nil && got.Tools == nil:
		missing = "tools"
	case required.Logging != nil && got.Logging == nil:
		missing = "logging"
	case required.Completions != nil && got.Completions == nil:
		missing = "completions"
	default:
		return nil
	}
	return fmt.Errorf("%w: server does not support %s", ErrCapabilityNotSupported, missing)
}

// Close ends the connection. Pending calls fail with ErrConnClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
		if c.cancel != nil {
			c.cancel()
		}
	})
	return nil
}

// Done is closed once the connection to the server has ended.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Done()
}

// Err returns why the connection ended, nil while it is running or after a graceful end.
func (c *Client) Err() error {
	return c.conn.Err()
}

// ServerInfo returns the server's info.
func (c *Client) ServerInfo() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ServerCapabilities returns the capabilities the server advertised.
func (c *Client) ServerCapabilities() ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverCapabilities
}

// ProtocolVersion returns the protocol revision the server answered with.
func (c *Client) ProtocolVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.protocolVersion
}

// Instructions returns the usage instructions the server sent during initialization.
func (c *Client) Instructions() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instructions
}

// PromptServerSupported returns true if the server supports prompt management.
func (c *Client) PromptServerSupported() bool {
	return c.ServerCapabilities().Prompts != nil
}

// ResourceServerSupported returns true if the server supports resource management.
func (c *Client) ResourceServerSupported() bool {
	return c.ServerCapabilities().Resources != nil
}

// ToolServerSupported returns true if the server supports tool management.
func (c *Client) ToolServerSupported() bool {
	return c.ServerCapabilities().Tools != nil
}

// LoggingServerSupported returns true if the server supports logging.
func (c *Client) LoggingServerSupported() bool {
	return c.ServerCapabilities().Logging != nil
}

func (c *Client) ready(capability string, supported func(ServerCapabilities) bool) error {
	if c.conn.State() != StateReady {
		return ErrNotInitialized
	}
	if supported != nil && !supported(c.ServerCapabilities()) {
		return fmt.Errorf("%w: %s", ErrCapabilityNotSupported, capability)
	}
	return nil
}

func hasPrompts(caps ServerCapabilities) bool     { return caps.Prompts != nil }
func hasResources(caps ServerCapabilities) bool   { return caps.Resources != nil }
func hasTools(caps ServerCapabilities) bool       { return caps.Tools != nil }
func hasLogging(caps ServerCapabilities) bool     { return caps.Logging != nil }
func hasCompletions(caps ServerCapabilities) bool { return caps.Completions != nil }

func hasSubscribe(caps ServerCapabilities) bool {
	return caps.Resources != nil && caps.Resources.Subscribe
}

// ListPrompts retrieves a paginated list of available prompts from the server.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptResult, error) {
	if err := c.ready("prompts", hasPrompts); err != nil {
		return ListPromptResult{}, err
	}
	var res ListPromptResult
	if err := c.conn.Call(ctx, MethodPromptsList, params, &res); err != nil {
		return ListPromptResult{}, fmt.Errorf("failed to list prompts: %w", err)
	}
	return res, nil
}

// GetPrompt retrieves a specific prompt by name with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	if err := c.ready("prompts", hasPrompts); err != nil {
		return GetPromptResult{}, err
	}
	var res GetPromptResult
	if err := c.conn.Call(ctx, MethodPromptsGet, params, &res); err != nil {
		return GetPromptResult{}, fmt.Errorf("failed to get prompt: %w", err)
	}
	return res, nil
}

// CompletesPrompt requests completion suggestions for a prompt argument.
func (c *Client) CompletesPrompt(ctx context.Context, params CompletesCompletionParams) (CompletionResult, error) {
	if err := c.ready("completions", hasCompletions); err != nil {
		return CompletionResult{}, err
	}
	params.Ref.Type = CompletionRefPrompt
	return c.complete(ctx, params)
}

// CompletesResourceTemplate requests completion suggestions for a resource template argument.
func (c *Client) CompletesResourceTemplate(
	ctx context.Context,
	params CompletesCompletionParams,
) (CompletionResult, error) {
	if err := c.ready("completions", hasCompletions); err != nil {
		return CompletionResult{}, err
	}
	params.Ref.Type = CompletionRefResource
	return c.complete(ctx, params)
}

// Complete requests completion suggestions for the argument of the prompt or resource
// template named by params.Ref.
func (c *Client) Complete(ctx context.Context, params CompletesCompletionParams) (CompletionResult, error) {
	if err := c.ready("completions", hasCompletions); err != nil {
		return CompletionResult{}, err
	}
	if params.Ref.Type != CompletionRefPrompt && params.Ref.Type != CompletionRefResource {
		return CompletionResult{}, fmt.Errorf("%w: unknown completion ref %q", ErrInvalidArgument, params.Ref.Type)
	}
	return c.complete(ctx, params)
}

func (c *Client) complete(ctx context.Context, params CompletesCompletionParams) (CompletionResult, error) {
	var res CompletionResult
	if err := c.conn.Call(ctx, MethodCompletionComplete, params, &res); err != nil {
		return CompletionResult{}, fmt.Errorf("failed to complete %s: %w", params.Ref.Type, err)
	}
	return res, nil
}

// ListResources retrieves a paginated list of available resources from the server.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	if err := c.ready("resources", hasResources); err != nil {
		return ListResourcesResult{}, err
	}
	var res ListResourcesResult
	if err := c.conn.Call(ctx, MethodResourcesList, params, &res); err != nil {
		return ListResourcesResult{}, fmt.Errorf("failed to list resources: %w", err)
	}
	return res, nil
}

// ReadResource retrieves the contents of a resource.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	if err := c.ready("resources", hasResources); err != nil {
		return ReadResourceResult{}, err
	}
	var res ReadResourceResult
	if err := c.conn.Call(ctx, MethodResourcesRead, params, &res); err != nil {
		return ReadResourceResult{}, fmt.Errorf("failed to read resource: %w", err)
	}
	return res, nil
}

// ListResourceTemplates retrieves the resource templates of the server.
func (c *Client) ListResourceTemplates(
	ctx context.Context,
	params ListResourceTemplatesParams,
) (ListResourceTemplatesResult, error) {
	if err := c.ready("resources", hasResources); err != nil {
		return ListResourceTemplatesResult{}, err
	}
	var res ListResourceTemplatesResult
	if err := c.conn.Call(ctx, MethodResourcesTemplatesList, params, &res); err != nil {
		return ListResourceTemplatesResult{}, fmt.Errorf("failed to list resource templates: %w", err)
	}
	return res, nil
}

// SubscribeResource asks to be notified of updates to a resource. Updates reach the
// ResourceSubscribedWatcher.
func (c *Client) SubscribeResource(ctx context.Context, params SubscribeResourceParams) error {
	if err := c.ready("resources.subscribe", hasSubscribe); err != nil {
		return err
	}
	if err := c.conn.Call(ctx, MethodResourcesSubscribe, params, nil); err != nil {
		return fmt.Errorf("failed to subscribe resource: %w", err)
	}
	return nil
}

// UnsubscribeResource stops updates to a resource.
func (c *Client) UnsubscribeResource(ctx context.Context, params UnsubscribeResourceParams) error {
	if err := c.ready("resources.subscribe", hasSubscribe); err != nil {
		return err
	}
	if err := c.conn.Call(ctx, MethodResourcesUnsubscribe, params, nil); err != nil {
		return fmt.Errorf("failed to unsubscribe resource: %w", err)
	}
	return nil
}

// ListTools retrieves the tools of the server.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if err := c.ready("tools", hasTools); err != nil {
		return ListToolsResult{}, err
	}
	var res ListToolsResult
	if err := c.conn.Call(ctx, MethodToolsList, params, &res); err != nil {
		return ListToolsResult{}, fmt.Errorf("failed to list tools: %w", err)
	}
	return res, nil
}

// CallTool executes a tool on the server. A tool that failed is not an error here: the
// result has IsError set, see CallRemote for a call that turns it into a *ToolError.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if err := c.ready("tools", hasTools); err != nil {
		return CallToolResult{}, err
	}
	var res CallToolResult
	if err := c.conn.Call(ctx, MethodToolsCall, params, &res); err != nil {
		return CallToolResult{}, fmt.Errorf("failed to call tool %s: %w", params.Name, err)
	}
	return res, nil
}

// SetLogLevel configures the minimum level of log messages the server sends.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	if err := c.ready("logging", hasLogging); err != nil {
		return err
	}
	if err := c.conn.Call(ctx, MethodLoggingSetLevel, SetLogLevelParams{Level: level}, nil); err != nil {
		return fmt.Errorf("failed to set log level: %w", err)
	}
	return nil
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Call(ctx, MethodPing, nil, nil)
}

// CallRemote calls a tool with args, marshaled as the call's arguments, and decodes the
// content of the result into R with DecodeContent. A result with isError set is returned as
// a *ToolError.
func CallRemote[R any](ctx context.Context, c *Client, name string, args any) (R, error) {
	var zero R

	var raw json.RawMessage
	if args != nil {
		bs, err := json.Marshal(args)
		if err != nil {
			return zero, fmt.Errorf("%w: failed to marshal arguments: %w", ErrInvalidArgument, err)
		}
		raw = bs
	}

	res, err := c.CallTool(ctx, CallToolParams{Name: name, Arguments: raw})
	if err != nil {
		return zero, err
	}
	if res.IsError {
		return zero, toolError(name, res)
	}

	var out R
	if err := DecodeContent(res.Content, &out); err != nil {
		return zero, fmt.Errorf("failed to decode result of tool %s: %w", name, err)
	}
	return out, nil
}

// CallRemoteNoArgs calls a tool that takes no arguments.
func CallRemoteNoArgs[R any](ctx context.Context, c *Client, name string) (R, error) {
	return CallRemote[R](ctx, c, name, nil)
}

// BindTool returns a function calling the remote tool name, so that a remote tool reads like
// a local function.
func BindTool[P, R any](c *Client, name string) func(ctx context.Context, params P) (R, error) {
	return func(ctx context.Context, params P) (R, error) {
		return CallRemote[R](ctx, c, name, params)
	}
}

func toolError(name string, res CallToolResult) *ToolError {
	te := &ToolError{Tool: name}
	if res.Metadata != nil {
		te.Message = res.Metadata.Error
	}
	if te.Message == "" {
		for _, content := range res.Content {
			if content.Type == ContentTypeText {
				te.Message = content.Text
				break
			}
		}
	}
	return te
}

func (c *Client) handleListRoots(ctx context.Context, _ *Request) (any, error) {
	if c.rootsListHandler == nil {
		return nil, JSONRPCError{Code: jsonRPCMethodNotFoundCode, Message: "roots are not supported"}
	}
	roots, err := c.rootsListHandler.RootsList(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list roots: %w", err)
	}
	return roots, nil
}

func (c *Client) handleSampling(ctx context.Context, req *Request) (any, error) {
	if c.samplingHandler == nil {
		return nil, JSONRPCError{Code: jsonRPCMethodNotFoundCode, Message: "sampling is not supported"}
	}
	var params SamplingParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	res, err := c.samplingHandler.CreateSampleMessage(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create sample message: %w", err)
	}
	return res, nil
}

// Notification handlers run on the connection's loop, so watchers are called in their own
// goroutines.

func (c *Client) handlePromptListChanged(context.Context, *Request) {
	if c.promptListWatcher != nil {
		go c.promptListWatcher.OnPromptListChanged()
	}
}

func (c *Client) handleResourceListChanged(context.Context, *Request) {
	if c.resourceListWatcher != nil {
		go c.resourceListWatcher.OnResourceListChanged()
	}
}

func (c *Client) handleResourceUpdated(_ context.Context, req *Request) {
	if c.resourceSubscribedWatcher == nil {
		return
	}
	var params notificationsResourcesUpdatedParams
	if err := decodeParams(req, &params); err != nil {
		c.logger.Warn("invalid resource update", slog.String("err", err.Error()))
		return
	}
	go c.resourceSubscribedWatcher.OnResourceSubscribedChanged(params.URI)
}

func (c *Client) handleToolListChanged(context.Context, *Request) {
	if c.toolListWatcher != nil {
		go c.toolListWatcher.OnToolListChanged()
	}
}

func (c *Client) handleProgress(_ context.Context, req *Request) {
	if c.progressListener == nil {
		return
	}
	var params ProgressParams
	if err := decodeParams(req, &params); err != nil {
		c.logger.Warn("invalid progress notification", slog.String("err", err.Error()))
		return
	}
	go c.progressListener.OnProgress(params)
}

func (c *Client) handleLog(_ context.Context, req *Request) {
	if c.logReceiver == nil {
		return
	}
	var params LogParams
	if err := decodeParams(req, &params); err != nil {
		c.logger.Warn("invalid log notification", slog.String("err", err.Error()))
		return
	}
	go c.logReceiver.OnLog(params)
}

func (c *Client) listenListRootUpdates() {
	for range c.rootsListUpdater.RootsListUpdates() {
		select {
		case <-c.conn.Done():
			return
		default:
		}
		if err := c.conn.Notify(context.Background(), MethodNotificationsRootsListChanged, nil); err != nil {
			c.logger.Error("failed to send roots list changed notification", slog.String("err", err.Error()))
			if errors.Is(err, ErrConnClosed) {
				return
			}
		}
	}
}

func (c *Client) keepAlive() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	failedPings := 0
	for {
		select {
		case <-c.conn.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.pingTimeout)
		err := c.Ping(ctx)
		cancel()
		if err == nil {
			failedPings = 0
			continue
		}

		failedPings++
		c.logger.Warn("failed to ping server", slog.Int("failed", failedPings), slog.String("err", err.Error()))
		if failedPings > c.pingTimeoutThreshold {
			c.logger.Error("too many pings failed, closing connection")
			_ = c.Close()
			return
		}
	}
}
