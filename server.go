package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements a Model Context Protocol (MCP) server. It owns the tool and resource
// registries and serves every connection accepted from a ServerTransport with its own
// protocol Conn, so independent clients never share protocol state.
//
// Every protocol method has a default handler, so a minimal server only registers tools.
// Handlers can be replaced with WithServerMethodHandler.
type Server struct {
	info Info

	mu                         sync.RWMutex
	instructions               string
	capabilities               *ServerCapabilities
	requiredClientCapabilities ClientCapabilities

	requireRootsListClient bool
	requireSamplingClient  bool

	tools     *toolRegistry
	resources *resourceRegistry

	promptServer      PromptServer
	resourceCompleter ResourceTemplateCompleter
	rootsListWatcher  RootsListWatcher
	methodHandlers    map[string]MethodHandler

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	logger  *slog.Logger
	metrics *Metrics

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	sessionsWaitGroup sync.WaitGroup

	broadcastOnce       sync.Once
	broadcasts          chan serverBroadcast
	addedSessions       chan *ServerSession
	removedSessions     chan string
	subscriptionChanges chan subscriptionChange

	serving   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	closed    chan struct{}
}

// ServerSession is the server side of one client connection.
type ServerSession struct {
	server *Server
	conn   *Conn
	logger *slog.Logger

	mu         sync.RWMutex
	clientInfo Info
	clientCaps ClientCapabilities

	logLevel atomic.Int32
	outbox   chan serverBroadcast
}

type serverBroadcast struct {
	method string
	params any
	// level is set for log messages, which only reach sessions asking for that level.
	level *LogLevel
}

type subscriptionChange struct {
	sessID    string
	uri       string
	subscribe bool
}

type sessionContextKey struct{}

var (
	defaultServerPingTimeout          = 30 * time.Second
	defaultServerPingTimeoutThreshold = 3
	defaultServerSendTimeout          = 30 * time.Second
	defaultSessionLogLevel            = LogLevelInfo
	sessionOutboxSize                 = 64
)

// NewServer creates a new Model Context Protocol (MCP) server with the specified configuration.
func NewServer(info Info, options ...ServerOption) *Server {
	s := &Server{
		info:                info,
		logger:              slog.Default(),
		tools:               newToolRegistry(),
		methodHandlers:      make(map[string]MethodHandler),
		broadcasts:          make(chan serverBroadcast, 10),
		addedSessions:       make(chan *ServerSession),
		removedSessions:     make(chan string),
		subscriptionChanges: make(chan subscriptionChange),
		done:                make(chan struct{}),
		closed:              make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.pingTimeout == 0 {
		s.pingTimeout = defaultServerPingTimeout
	}
	if s.pingTimeoutThreshold == 0 {
		s.pingTimeoutThreshold = defaultServerPingTimeoutThreshold
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}
	s.tools.logger = s.logger
	s.resources = newResourceRegistry(s.logger)

	if s.requireRootsListClient {
		s.requiredClientCapabilities.Roots = &RootsCapability{}
		if s.rootsListWatcher != nil {
			s.requiredClientCapabilities.Roots.ListChanged = true
		}
	}
	if s.requireSamplingClient {
		s.requiredClientCapabilities.Sampling = &SamplingCapability{}
	}

	return s
}

// WithRequireRootsListClient returns a ServerOption that requires the client to support roots list capability.
func WithRequireRootsListClient() ServerOption {
	return func(s *Server) {
		s.requireRootsListClient = true
	}
}

// WithRequireSamplingClient returns a ServerOption that requires the client to support sampling capability.
func WithRequireSamplingClient() ServerOption {
	return func(s *Server) {
		s.requireSamplingClient = true
	}
}

// WithPromptServer returns a ServerOption that configures the prompt server implementation.
func WithPromptServer(srv PromptServer) ServerOption {
	return func(s *Server) {
		s.promptServer = srv
	}
}

// WithResourceTemplateCompleter configures completion of resource template arguments.
func WithResourceTemplateCompleter(completer ResourceTemplateCompleter) ServerOption {
	return func(s *Server) {
		s.resourceCompleter = completer
	}
}

// WithRootsListWatcher returns a ServerOption that configures the roots list watcher implementation.
func WithRootsListWatcher(watcher RootsListWatcher) ServerOption {
	return func(s *Server) {
		s.rootsListWatcher = watcher
	}
}

// WithServerMethodHandler replaces the handler of a protocol method for every session.
func WithServerMethodHandler(method string, h MethodHandler) ServerOption {
	return func(s *Server) {
		s.methodHandlers[method] = h
	}
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerCapabilities replaces the advertised capabilities. By default they are derived
// from the server's configuration.
func WithServerCapabilities(caps ServerCapabilities) ServerOption {
	return func(s *Server) {
		s.capabilities = &caps
	}
}

// WithServerPingInterval enables keepalive pings to every client at the given interval.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerPingTimeout returns a ServerOption that configures the server's ping timeout.
func WithServerPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = timeout
	}
}

// WithServerPingTimeoutThreshold sets the ping timeout threshold for the server.
// If the number of consecutive ping timeouts exceeds the threshold, the server will close the session.
func WithServerPingTimeoutThreshold(threshold int) ServerOption {
	return func(s *Server) {
		s.pingTimeoutThreshold = threshold
	}
}

// WithServerSendTimeout returns a ServerOption that configures the timeout of notifications sent
// to clients.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnClientConnected sets the callback for when a client completes initialization.
// The callback's parameter is the ID and Info of the client.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a client disconnects.
// The callback's parameter is the ID of the client.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "mcpkit"),
			slog.String("component", "server"),
		)
	}
}

// WithServerMetrics records request and tool execution metrics.
func WithServerMetrics(m *Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// SessionFromContext returns the session a server handler is serving, nil elsewhere.
func SessionFromContext(ctx context.Context) *ServerSession {
	sess, _ := ctx.Value(sessionContextKey{}).(*ServerSession)
	return sess
}

// SetInstructions sets the instructions sent to clients that initialize afterwards.
func (s *Server) SetInstructions(instructions string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instructions = instructions
}

// SetCapabilities replaces the capabilities advertised to clients that initialize afterwards.
func (s *Server) SetCapabilities(caps ServerCapabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capabilities = &caps
}

// Capabilities returns the capabilities advertised during initialization.
func (s *Server) Capabilities() ServerCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.capabilities != nil {
		return *s.capabilities
	}
	caps := ServerCapabilities{
		Logging:   &LoggingCapability{},
		Tools:     &ToolsCapability{ListChanged: true},
		Resources: &ResourcesCapability{Subscribe: true, ListChanged: true},
	}
	if s.promptServer != nil {
		caps.Prompts = &PromptsCapability{}
	}
	if s.promptServer != nil || s.resourceCompleter != nil {
		caps.Completions = &CompletionsCapability{}
	}
	return caps
}

// AddTools registers tools. It stops at the first name already taken, returning an error
// wrapping ErrDuplicateTool; the tool registered first under that name stays active.
func (s *Server) AddTools(defs ...ToolDefinition) error {
	for _, def := range defs {
		if err := s.tools.add(def); err != nil {
			return err
		}
	}
	s.notifyListChanged(MethodNotificationsToolsListChanged)
	return nil
}

// RegisterTool defines a tool from a plain function with NewToolFunc and registers it. It
// reports whether the tool was registered; failures are logged.
func (s *Server) RegisterTool(name, description string, fn any, options ...ToolOption) bool {
	def, err := NewToolFunc(name, description, fn, options...)
	if err == nil {
		err = s.AddTools(def)
	}
	if err != nil {
		s.logger.Warn("failed to register tool", slog.String("tool", name), slog.String("err", err.Error()))
		return false
	}
	return true
}

// RemoveTool unregisters a tool, reporting whether it was registered.
func (s *Server) RemoveTool(name string) bool {
	if !s.tools.remove(name) {
		return false
	}
	s.notifyListChanged(MethodNotificationsToolsListChanged)
	return true
}

// Tools returns the descriptors of the registered tools in registration order.
func (s *Server) Tools() []Tool {
	return s.tools.list()
}

// AddResources registers resources. It stops at the first URI already taken, returning an
// error wrapping ErrDuplicateResource.
func (s *Server) AddResources(defs ...ResourceDefinition) error {
	for _, def := range defs {
		if err := s.resources.add(def); err != nil {
			return err
		}
	}
	s.notifyListChanged(MethodNotificationsResourcesListChanged)
	return nil
}

// AddResourceTemplates registers resource templates.
func (s *Server) AddResourceTemplates(defs ...ResourceTemplateDefinition) error {
	for _, def := range defs {
		if err := s.resources.addTemplate(def); err != nil {
			return err
		}
	}
	s.notifyListChanged(MethodNotificationsResourcesListChanged)
	return nil
}

// RegisterResourceTemplate defines a resource template with NewResourceTemplate and registers
// it. It reports whether the template is valid and was registered.
func (s *Server) RegisterResourceTemplate(tmpl ResourceTemplate, handler ResourceTemplateHandler) bool {
	def, err := NewResourceTemplate(tmpl, handler)
	if err == nil {
		err = s.AddResourceTemplates(def)
	}
	if err != nil {
		s.logger.Warn("failed to register resource template",
			slog.String("template", tmpl.URITemplate),
			slog.String("err", err.Error()))
		return false
	}
	return true
}

// RegisterFileResource registers the local file at path as a resource, see FileResource. It
// reports whether the file exists and the resource was registered.
func (s *Server) RegisterFileResource(path, name, description, uri string) bool {
	def, err := FileResource(path, name, description, uri)
	if err == nil {
		err = s.AddResources(def)
	}
	if err != nil {
		s.logger.Warn("failed to register file resource", slog.String("path", path), slog.String("err", err.Error()))
		return false
	}
	return true
}

// RemoveResource unregisters a resource, reporting whether it was registered.
func (s *Server) RemoveResource(uri string) bool {
	if !s.resources.remove(uri) {
		return false
	}
	s.notifyListChanged(MethodNotificationsResourcesListChanged)
	return true
}

// Resources returns the descriptors of the registered resources in registration order.
func (s *Server) Resources() []Resource {
	return s.resources.list()
}

// Log sends a notifications/message to every initialized session whose log level admits
// params.Level.
func (s *Server) Log(ctx context.Context, params LogParams) error {
	level := params.Level
	return s.queueBroadcast(ctx, serverBroadcast{
		method: MethodNotificationsMessage,
		params: params,
		level:  &level,
	})
}

// NotifyResourceUpdated sends notifications/resources/updated to the sessions subscribed to uri.
// Writes to file resources are reported without calling it.
func (s *Server) NotifyResourceUpdated(uri string) {
	if !s.serving.Load() {
		return
	}
	select {
	case s.resources.updates <- uri:
	case <-s.done:
	}
}

// Serve accepts connections from transport and serves each in its own goroutine until
// transport stops accepting, ctx is done or the server is shut down. A transport that
// stops accepting because it was closed ends Serve with a nil error.
func (s *Server) Serve(ctx context.Context, transport ServerTransport) error {
	s.startBroadcast()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		t, err := transport.Accept(ctx)
		if err != nil {
			switch {
			case errors.Is(err, ErrCanceled):
				return nil
			case ctx.Err() != nil:
				select {
				case <-s.done:
					return nil
				default:
					return ctx.Err()
				}
			default:
				return fmt.Errorf("failed to accept connection: %w", err)
			}
		}

		s.sessionsWaitGroup.Add(1)
		go func() {
			defer s.sessionsWaitGroup.Done()
			if err := s.serveSession(ctx, t); err != nil {
				s.logger.Warn("session ended with error", slog.String("err", err.Error()))
			}
		}()
	}
}

// ServeTransport serves a single connection and blocks until it ends. A graceful end of stream
// returns nil.
func (s *Server) ServeTransport(ctx context.Context, t Transport) error {
	s.startBroadcast()

	s.sessionsWaitGroup.Add(1)
	defer s.sessionsWaitGroup.Done()
	return s.serveSession(ctx, t)
}

// Shutdown closes every session and stops the server. It does not close the ServerTransport
// given to Serve, which belongs to the caller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	sessionsDone := make(chan struct{})
	go func() {
		s.sessionsWaitGroup.Wait()
		close(sessionsDone)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for sessions: %w", ctx.Err())
	case <-sessionsDone:
	}

	if s.serving.Load() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to stop broadcaster: %w", ctx.Err())
		case <-s.closed:
		}
	}

	return s.resources.Close()
}

func (s *Server) startBroadcast() {
	s.broadcastOnce.Do(func() {
		s.serving.Store(true)
		go s.broadcast()
	})
}

func (s *Server) serveSession(ctx context.Context, t Transport) error {
	sess := s.newSession(t)

	select {
	case s.addedSessions <- sess:
	case <-s.done:
		_ = t.Close()
		return nil
	}
	defer func() {
		select {
		case s.removedSessions <- sess.ID():
		case <-s.done:
		}
		if s.onClientDisconnected != nil {
			s.onClientDisconnected(sess.ID())
		}
	}()

	go func() {
		select {
		case <-s.done:
			_ = sess.conn.Close()
		case <-sess.conn.Done():
		}
	}()
	if s.pingInterval > 0 {
		go sess.keepAlive()
	}
	go sess.deliver()

	sess.logger.Debug("serving session")
	return sess.conn.Serve(ctx)
}

func (s *Server) newSession(t Transport) *ServerSession {
	sess := &ServerSession{server: s, outbox: make(chan serverBroadcast, sessionOutboxSize)}
	sess.logLevel.Store(int32(defaultSessionLogLevel))

	methods := map[string]MethodHandler{
		MethodInitialize:             sess.handleInitialize,
		MethodToolsList:              s.handleListTools,
		MethodToolsCall:              s.handleCallTool,
		MethodResourcesList:          s.handleListResources,
		MethodResourcesTemplatesList: s.handleListResourceTemplates,
		MethodResourcesRead:          s.handleReadResource,
		MethodResourcesSubscribe:     sess.handleSubscribeResource,
		MethodResourcesUnsubscribe:   sess.handleUnsubscribeResource,
		MethodPromptsList:            s.handleListPrompts,
		MethodPromptsGet:             s.handleGetPrompt,
		MethodCompletionComplete:     s.handleComplete,
		MethodLoggingSetLevel:        sess.handleSetLogLevel,
	}
	for method, h := range s.methodHandlers {
		methods[method] = h
	}

	options := []ConnOption{
		WithNotificationHandler(MethodNotificationsInitialized, sess.handleInitialized),
		WithNotificationHandler(MethodNotificationsRootsListChanged, sess.handleRootsListChanged),
	}
	if s.metrics != nil {
		options = append(options, withRequestObserver(s.metrics))
	}
	for method, h := range methods {
		options = append(options, WithMethodHandler(method, sess.bind(h)))
	}

	sess.conn = NewConn(t, options...)
	sess.logger = s.logger.With(slog.String("sessionID", sess.conn.ID()))
	sess.conn.logger = sess.logger
	return sess
}

// broadcast owns the session map and the resource subscriptions.
func (s *Server) broadcast() {
	defer close(s.closed)

	sessions := make(map[string]*ServerSession)
	subscriptions := make(map[string]map[string]struct{})

	for {
		select {
		case <-s.done:
			return
		case sess := <-s.addedSessions:
			sessions[sess.ID()] = sess
		case sessID := <-s.removedSessions:
			delete(sessions, sessID)
			for uri, subs := range subscriptions {
				delete(subs, sessID)
				if len(subs) == 0 {
					delete(subscriptions, uri)
				}
			}
		case c := <-s.subscriptionChanges:
			subs, ok := subscriptions[c.uri]
			if c.subscribe {
				if !ok {
					subs = make(map[string]struct{})
					subscriptions[c.uri] = subs
				}
				subs[c.sessID] = struct{}{}
				continue
			}
			delete(subs, c.sessID)
			if ok && len(subs) == 0 {
				delete(subscriptions, c.uri)
			}
		case uri := <-s.resources.updates:
			params := notificationsResourcesUpdatedParams{URI: uri}
			for sessID := range subscriptions[uri] {
				if sess, ok := sessions[sessID]; ok {
					s.send(sess, MethodNotificationsResourcesUpdated, params)
				}
			}
		case msg := <-s.broadcasts:
			for _, sess := range sessions {
				if msg.level != nil && *msg.level < sess.LogLevel() {
					continue
				}
				s.send(sess, msg.method, msg.params)
			}
		}
	}
}

// send queues a notification on the session's outbox. It never blocks: a session whose
// outbox is full loses the notification.
func (s *Server) send(sess *ServerSession, method string, params any) {
	if sess.conn.State() != StateReady {
		return
	}
	select {
	case sess.outbox <- serverBroadcast{method: method, params: params}:
	default:
		sess.logger.Warn("dropping notification, session outbox is full", slog.String("method", method))
	}
}

// deliver writes the session's queued notifications until the connection ends.
func (sess *ServerSession) deliver() {
	for {
		var msg serverBroadcast
		select {
		case <-sess.conn.Done():
			return
		case msg = <-sess.outbox:
		}
		ctx, cancel := context.WithTimeout(context.Background(), sess.server.sendTimeout)
		err := sess.conn.Notify(ctx, msg.method, msg.params)
		cancel()
		if err != nil {
			sess.logger.Error("failed to send notification",
				slog.String("method", msg.method),
				slog.String("err", err.Error()))
		}
	}
}

func (s *Server) queueBroadcast(ctx context.Context, msg serverBroadcast) error {
	if !s.serving.Load() {
		return nil
	}
	select {
	case s.broadcasts <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	}
}

func (s *Server) notifyListChanged(method string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()
	if err := s.queueBroadcast(ctx, serverBroadcast{method: method}); err != nil {
		s.logger.Warn("failed to queue list change", slog.String("method", method), slog.String("err", err.Error()))
	}
}

func (s *Server) handleListTools(_ context.Context, req *Request) (any, error) {
	var params ListToolsParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	return ListToolsResult{Tools: s.tools.list()}, nil
}

func (s *Server) handleCallTool(ctx context.Context, req *Request) (any, error) {
	var params CallToolParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	res := s.tools.call(ctx, params, s.metrics)
	if res.IsError {
		s.logger.Info("tool call failed",
			slog.String("tool", params.Name),
			slog.String("err", res.Metadata.Error))
	}
	return res, nil
}

func (s *Server) handleListResources(_ context.Context, req *Request) (any, error) {
	var params ListResourcesParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	return ListResourcesResult{Resources: s.resources.list()}, nil
}

func (s *Server) handleListResourceTemplates(_ context.Context, req *Request) (any, error) {
	var params ListResourceTemplatesParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	return ListResourceTemplatesResult{Templates: s.resources.listTemplates()}, nil
}

func (s *Server) handleReadResource(ctx context.Context, req *Request) (any, error) {
	var params ReadResourceParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	res, err := s.resources.read(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to read resource %s: %w", params.URI, err)
	}
	return res, nil
}

func (s *Server) handleListPrompts(ctx context.Context, req *Request) (any, error) {
	var params ListPromptsParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if s.promptServer == nil {
		return ListPromptResult{Prompts: []Prompt{}}, nil
	}
	res, err := s.promptServer.ListPrompts(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	return res, nil
}

func (s *Server) handleGetPrompt(ctx context.Context, req *Request) (any, error) {
	var params GetPromptParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if s.promptServer == nil {
		return GetPromptResult{Messages: []PromptMessage{}}, nil
	}
	res, err := s.promptServer.GetPrompt(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt: %w", err)
	}
	return res, nil
}

func (s *Server) handleComplete(ctx context.Context, req *Request) (any, error) {
	var params CompletesCompletionParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}

	var (
		res CompletionResult
		err error
	)
	switch {
	case params.Ref.Type == CompletionRefPrompt && s.promptServer != nil:
		res, err = s.promptServer.CompletesPrompt(ctx, params)
	case params.Ref.Type == CompletionRefResource && s.resourceCompleter != nil:
		res, err = s.resourceCompleter.CompletesResourceTemplate(ctx, params)
	default:
		res = CompletionResult{Completion: Completion{Values: []string{}}}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to complete %s: %w", params.Ref.Type, err)
	}
	return res, nil
}

// ID returns the session identifier.
func (s *ServerSession) ID() string {
	return s.conn.ID()
}

// ClientInfo returns the client's name and version, zero before initialization.
func (s *ServerSession) ClientInfo() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientInfo
}

// ClientCapabilities returns the capabilities the client advertised.
func (s *ServerSession) ClientCapabilities() ClientCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientCaps
}

// LogLevel returns the minimum level of log messages sent to this session.
func (s *ServerSession) LogLevel() LogLevel {
	return LogLevel(s.logLevel.Load())
}

// Conn returns the protocol connection of the session.
func (s *ServerSession) Conn() *Conn {
	return s.conn
}

// ListRoots asks the client for its roots.
func (s *ServerSession) ListRoots(ctx context.Context) (RootList, error) {
	if s.ClientCapabilities().Roots == nil {
		return RootList{}, fmt.Errorf("%w: roots", ErrCapabilityNotSupported)
	}
	var res RootList
	if err := s.conn.Call(ctx, MethodRootsList, struct{}{}, &res); err != nil {
		return RootList{}, err
	}
	return res, nil
}

// CreateSampleMessage asks the client to sample a message from its model.
func (s *ServerSession) CreateSampleMessage(ctx context.Context, params SamplingParams) (SamplingResult, error) {
	if s.ClientCapabilities().Sampling == nil {
		return SamplingResult{}, fmt.Errorf("%w: sampling", ErrCapabilityNotSupported)
	}
	var res SamplingResult
	if err := s.conn.Call(ctx, MethodSamplingCreateMessage, params, &res); err != nil {
		return SamplingResult{}, err
	}
	return res, nil
}

// Ping checks that the client is responsive.
func (s *ServerSession) Ping(ctx context.Context) error {
	return s.conn.Call(ctx, MethodPing, nil, nil)
}

// Log sends a log message to this session if its log level admits it.
func (s *ServerSession) Log(ctx context.Context, params LogParams) error {
	if params.Level < s.LogLevel() {
		return nil
	}
	return s.conn.Notify(ctx, MethodNotificationsMessage, params)
}

// bind makes the session reachable from handlers through SessionFromContext.
func (s *ServerSession) bind(h MethodHandler) MethodHandler {
	return func(ctx context.Context, req *Request) (any, error) {
		return h(context.WithValue(ctx, sessionContextKey{}, s), req)
	}
}

func (s *ServerSession) handleInitialize(_ context.Context, req *Request) (any, error) {
	var params initializeParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}

	required := s.server.requiredClientCapabilities
	if required.Roots != nil {
		if params.Capabilities.Roots == nil {
			return nil, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: "insufficient client capabilities: missing required capability 'roots'",
			}
		}
		if required.Roots.ListChanged && !params.Capabilities.Roots.ListChanged {
			return nil, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: "insufficient client capabilities: missing required capability 'roots.listChanged'",
			}
		}
	}
	if required.Sampling != nil && params.Capabilities.Sampling == nil {
		return nil, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: "insufficient client capabilities: missing required capability 'sampling'",
		}
	}

	if !s.conn.advance(StateInitializing, StateUninitialized) {
		s.logger.Warn("repeated initialize request", slog.Int("state", int(s.conn.State())))
	}
	if params.ProtocolVersion != ProtocolVersion {
		s.logger.Info("client asked for another protocol version",
			slog.String("requested", params.ProtocolVersion),
			slog.String("offered", ProtocolVersion))
	}

	s.mu.Lock()
	s.clientInfo = params.ClientInfo
	s.clientCaps = params.Capabilities
	s.mu.Unlock()

	s.server.mu.RLock()
	instructions := s.server.instructions
	s.server.mu.RUnlock()

	return initializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    s.server.Capabilities(),
		ServerInfo:      s.server.info,
		Instructions:    instructions,
	}, nil
}

func (s *ServerSession) handleInitialized(context.Context, *Request) {
	if !s.conn.advance(StateReady, StateInitializing) {
		s.logger.Warn("initialized notification before initialize")
		return
	}
	info := s.ClientInfo()
	s.logger.Info("client initialized", slog.String("client", info.Name), slog.String("version", info.Version))
	if s.server.onClientConnected != nil {
		go s.server.onClientConnected(s.ID(), info)
	}
}

func (s *ServerSession) handleRootsListChanged(context.Context, *Request) {
	if s.server.rootsListWatcher != nil {
		go s.server.rootsListWatcher.OnRootsListChanged(s)
	}
}

func (s *ServerSession) handleSubscribeResource(ctx context.Context, req *Request) (any, error) {
	var params SubscribeResourceParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	return struct{}{}, s.changeSubscription(ctx, params.URI, true)
}

func (s *ServerSession) handleUnsubscribeResource(ctx context.Context, req *Request) (any, error) {
	var params UnsubscribeResourceParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	return struct{}{}, s.changeSubscription(ctx, params.URI, false)
}

func (s *ServerSession) changeSubscription(ctx context.Context, uri string, subscribe bool) error {
	if uri == "" {
		return JSONRPCError{Code: jsonRPCInvalidParamsCode, Message: "missing resource uri"}
	}
	select {
	case s.server.subscriptionChanges <- subscriptionChange{sessID: s.ID(), uri: uri, subscribe: subscribe}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.server.done:
		return ErrConnClosed
	}
}

func (s *ServerSession) handleSetLogLevel(_ context.Context, req *Request) (any, error) {
	var params SetLogLevelParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	s.logLevel.Store(int32(params.Level))
	return struct{}{}, nil
}

// keepAlive pings the client and closes the session once too many pings in a row failed.
func (s *ServerSession) keepAlive() {
	ticker := time.NewTicker(s.server.pingInterval)
	defer ticker.Stop()

	failedPings := 0
	for {
		select {
		case <-s.conn.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.server.pingTimeout)
		err := s.Ping(ctx)
		cancel()
		if err == nil {
			failedPings = 0
			continue
		}

		failedPings++
		s.logger.Warn("failed to ping client", slog.Int("failed", failedPings), slog.String("err", err.Error()))
		if failedPings > s.server.pingTimeoutThreshold {
			s.logger.Warn("too many pings failed, closing session")
			_ = s.conn.Close()
			return
		}
	}
}
