package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) server transport. Every
// GET on the SSE handler opens a new session whose server-to-client frames are streamed as
// "message" events, while the client posts its frames to the message handler with the
// session id it received in the initial "endpoint" event.
//
// The handlers can be mounted on any HTTP router; ListenSSE mounts them on a dedicated
// listener under /sse and /message. Sessions are surfaced to the caller through Accept.
//
// Instances should be created using NewSSEServer or ListenSSE and shut down using Close.
type SSEServer struct {
	messageURL     string
	logger         *slog.Logger
	maxMessageSize int64
	retry          time.Duration
	metrics        *Metrics

	httpServer *http.Server
	listener   net.Listener

	sessions         chan *sseServerSession
	addedSessions    chan *sseServerSession
	removedSessions  chan string
	receivedMessages chan sseSessionMessage

	closeOnce sync.Once
	done      chan struct{}
	closed    chan struct{}
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// SSEClient implements a Server-Sent Events (SSE) client transport. Server frames arrive over a
// long-lived GET stream, client frames are POSTed to the endpoint the server advertises.
// Instances should be created using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int

	messageURL atomic.Pointer[string]
	started    atomic.Bool
	closed     atomic.Bool

	startOnce  sync.Once
	cancelOnce sync.Once
	startErr   error
	cancelGET  context.CancelFunc

	frames     chan []byte
	ready      chan error
	readErr    error
	readClosed chan struct{}
	done       chan struct{}
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseServerSession struct {
	id     string
	logger *slog.Logger

	sendMsgs     chan sseServerSessionSendMsg
	receivedMsgs chan []byte

	started    atomic.Bool
	closed     atomic.Bool
	cancelOnce sync.Once
	done       chan struct{}
}

type sseSessionMessage struct {
	sessID string
	frame  []byte
	found  chan bool
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan error
}

var (
	jsonMediaType = contenttype.NewMediaType("application/json")

	defaultSSEMaxMessageSize int64 = 4 << 20
)

// NewSSEServer creates and initializes a new SSE server whose clients post their messages to
// messageURL. The server is operational upon creation and must be closed using Close.
func NewSSEServer(messageURL string, options ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		messageURL:       messageURL,
		logger:           slog.Default(),
		maxMessageSize:   defaultSSEMaxMessageSize,
		sessions:         make(chan *sseServerSession, 5),
		addedSessions:    make(chan *sseServerSession),
		removedSessions:  make(chan string),
		receivedMessages: make(chan sseSessionMessage),
		done:             make(chan struct{}),
		closed:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	go s.routeMessages()

	return s
}

// ListenSSE binds addr and serves the SSE handler on /sse and the message handler on /message.
func ListenSSE(addr string, options ...SSEServerOption) (*SSEServer, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, ioError(err)
	}

	s := NewSSEServer(fmt.Sprintf("http://%s/message", l.Addr().String()), options...)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.metrics.instrument("/sse", s.HandleSSE()))
	mux.Handle("/message", s.metrics.instrument("/message", s.HandleMessage()))
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	s.listener = l
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("SSE listener stopped", slog.String("err", err.Error()))
		}
	}()

	return s, nil
}

// WithSSEServerLogger sets the logger for the SSE server.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(
			slog.String("package", "mcpkit"),
			slog.String("component", "sse-server"),
		)
	}
}

// WithSSEServerMaxMessageSize limits the size of a POSTed message body.
func WithSSEServerMaxMessageSize(size int64) SSEServerOption {
	return func(s *SSEServer) {
		s.maxMessageSize = size
	}
}

// WithSSEServerRetry sets the reconnection delay advertised with the endpoint event.
func WithSSEServerRetry(retry time.Duration) SSEServerOption {
	return func(s *SSEServer) {
		s.retry = retry
	}
}

// WithSSEServerMetrics records HTTP metrics for the handlers mounted by ListenSSE and exposes
// them on /metrics.
func WithSSEServerMetrics(m *Metrics) SSEServerOption {
	return func(s *SSEServer) {
		s.metrics = m
	}
}

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used. The client must be started before use.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
		frames:     make(chan []byte),
		ready:      make(chan error, 1),
		readClosed: make(chan struct{}),
		done:       make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can be received
// from the server. If the payload size exceeds this limit, the error will be logged and
// the client will be disconnected.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger for the SSE client.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger.With(
			slog.String("package", "mcpkit"),
			slog.String("component", "sse-client"),
		)
	}
}

// Addr returns the bound address when the server was created with ListenSSE, nil otherwise.
func (s *SSEServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Accept implements ServerTransport, yielding one Transport per SSE connection.
func (s *SSEServer) Accept(ctx context.Context) (Transport, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrCanceled
	case sess := <-s.sessions:
		return sess, nil
	}
}

// Close implements ServerTransport.
func (s *SSEServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown gracefully shuts down the SSE server by terminating all active client
// connections and cleaning up internal resources. This method blocks until shutdown
// is complete.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			// Open SSE streams never finish on their own, force them.
			_ = s.httpServer.Close()
		}
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// routeMessages owns the session map; handlers reach sessions only through its channels.
func (s *SSEServer) routeMessages() {
	defer close(s.closed)

	sessionsMap := make(map[string]*sseServerSession)

	for {
		select {
		case <-s.done:
			for _, sess := range sessionsMap {
				sess.Cancel()
			}
			return
		case sess := <-s.addedSessions:
			sessionsMap[sess.id] = sess
		case sessID := <-s.removedSessions:
			delete(sessionsMap, sessID)
		case msg := <-s.receivedMessages:
			sess, ok := sessionsMap[msg.sessID]
			if !ok {
				msg.found <- false
				continue
			}
			msg.found <- true
			// Hand the frame over without blocking the router on a slow session.
			go sess.deliver(msg.frame)
		}
	}
}

// HandleSSE returns an http.Handler for managing SSE connections over GET requests.
// The handler upgrades HTTP connections to SSE, assigns unique session IDs, and
// provides clients with their message endpoints. The connection remains active until
// either the client disconnects or the server closes.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		sseSess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		// Use the type "endpoint" to tell the client where to post its messages.
		msg := sse.Message{
			Type:  sse.Type("endpoint"),
			Retry: s.retry,
		}
		msg.AppendData(fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID))
		if err := sseSess.Send(&msg); err != nil {
			s.logger.Error("failed to write SSE endpoint", slog.String("err", err.Error()))
			return
		}
		if err := sseSess.Flush(); err != nil {
			s.logger.Error("failed to flush SSE endpoint", slog.String("err", err.Error()))
			return
		}

		sess := &sseServerSession{
			id:           sessID,
			logger:       s.logger.With(slog.String("sessionID", sessID)),
			sendMsgs:     make(chan sseServerSessionSendMsg),
			receivedMsgs: make(chan []byte),
			done:         make(chan struct{}),
		}

		select {
		case <-s.done:
			return
		case s.addedSessions <- sess:
		}
		defer func() {
			select {
			case s.removedSessions <- sessID:
			case <-s.done:
			}
		}()

		select {
		case <-s.done:
			return
		case <-r.Context().Done():
			return
		case s.sessions <- sess:
		}

		// Every write to this stream happens on the handler goroutine.
		for {
			select {
			case sm := <-sess.sendMsgs:
				err := sseSess.Send(sm.msg)
				if err == nil {
					err = sseSess.Flush()
				}
				if err != nil {
					sess.logger.Warn("failed to send message", slog.String("err", err.Error()))
				}
				sm.errs <- err
			case <-r.Context().Done():
				sess.Cancel()
				return
			case <-sess.done:
				return
			case <-s.done:
				sess.Cancel()
				return
			}
		}
	})
}

// HandleMessage returns an http.Handler for processing client messages sent via POST
// requests. The handler expects a sessionID query parameter and a JSON body; the body is
// routed untouched to its session and answered with 202 Accepted.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			s.logger.Warn("missing sessionID query parameter")
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			s.logger.Warn("unsupported content type", slog.String("contentType", r.Header.Get("Content-Type")))
			http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, s.maxMessageSize+1))
		if err != nil {
			s.logger.Warn("failed to read message", slog.String("err", err.Error()))
			http.Error(w, "failed to read message", http.StatusBadRequest)
			return
		}
		if int64(len(body)) > s.maxMessageSize {
			http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
			return
		}
		body = bytes.TrimSpace(body)
		if len(body) == 0 {
			http.Error(w, "empty message", http.StatusBadRequest)
			return
		}

		msg := sseSessionMessage{sessID: sessID, frame: body, found: make(chan bool, 1)}
		select {
		case <-s.done:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		case s.receivedMessages <- msg:
		}

		if !<-msg.found {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

func (s *sseServerSession) ID() string { return s.id }

func (s *sseServerSession) Start(context.Context) error {
	if s.closed.Load() {
		return ErrNotInitialized
	}
	s.started.Store(true)
	return nil
}

func (s *sseServerSession) Recv(ctx context.Context) ([]byte, error) {
	if !s.started.Load() {
		return nil, ErrNotInitialized
	}
	select {
	case <-s.done:
		return nil, ErrCanceled
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	case f := <-s.receivedMsgs:
		return f, nil
	}
}

func (s *sseServerSession) Send(ctx context.Context, frame []byte) error {
	if !s.started.Load() || s.closed.Load() {
		return ErrNotInitialized
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(frame))

	errs := make(chan error, 1)

	// Queue the message for the handler goroutine that owns the response writer.
	select {
	case s.sendMsgs <- sseServerSessionSendMsg{msg: sseMsg, errs: errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrCanceled
	}

	select {
	case err := <-errs:
		if err != nil {
			return ioError(err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrCanceled
	}
}

func (s *sseServerSession) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.done)
	})
}

func (s *sseServerSession) Close() error {
	s.closed.Store(true)
	s.Cancel()
	return nil
}

func (s *sseServerSession) Connected() bool {
	return s.started.Load() && !s.closed.Load()
}

func (s *sseServerSession) deliver(frame []byte) {
	select {
	case s.receivedMsgs <- frame:
	case <-s.done:
		s.logger.Warn("dropping message for closed session")
	}
}

// ID returns the session id assigned by the server, empty before Start.
func (s *SSEClient) ID() string {
	p := s.messageURL.Load()
	if p == nil {
		return ""
	}
	u, err := url.Parse(*p)
	if err != nil {
		return ""
	}
	return u.Query().Get("sessionID")
}

// Start implements Transport. It opens the SSE stream and blocks until the server advertised
// its message endpoint.
func (s *SSEClient) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrNotInitialized
	}
	s.startOnce.Do(func() {
		s.startErr = s.start(ctx)
		if s.startErr == nil {
			s.started.Store(true)
		}
	})
	return s.startErr
}

func (s *SSEClient) start(ctx context.Context) error {
	// The stream outlives Start's context, it is bound to the transport instead.
	streamCtx, cancel := context.WithCancel(context.Background())
	s.cancelGET = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: failed to create request: %w", ErrInvalidArgument, err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		return ioError(fmt.Errorf("failed to connect to SSE server: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return ioError(fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	go s.listenSSEMessages(resp.Body)

	select {
	case err := <-s.ready:
		if err != nil {
			cancel()
			return err
		}
		return nil
	case <-ctx.Done():
		cancel()
		return fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	case <-s.readClosed:
		cancel()
		return s.readErr
	}
}

// Recv implements Transport.
func (s *SSEClient) Recv(ctx context.Context) ([]byte, error) {
	if !s.started.Load() {
		return nil, ErrNotInitialized
	}
	select {
	case <-s.done:
		return nil, ErrCanceled
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	case <-s.readClosed:
		return nil, s.readErr
	case f := <-s.frames:
		return f, nil
	}
}

// Send transmits a frame to the server through an HTTP POST request.
func (s *SSEClient) Send(ctx context.Context, frame []byte) error {
	if !s.started.Load() || s.closed.Load() {
		return ErrNotInitialized
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *s.messageURL.Load(), bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return ioError(fmt.Errorf("failed to send message: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return ioError(fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	return nil
}

// Cancel implements Transport.
func (s *SSEClient) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.done)
		if s.cancelGET != nil {
			s.cancelGET()
		}
	})
}

// Close implements Transport.
func (s *SSEClient) Close() error {
	s.closed.Store(true)
	s.Cancel()
	return nil
}

// Connected implements Transport.
func (s *SSEClient) Connected() bool {
	return s.started.Load() && !s.closed.Load()
}

func (s *SSEClient) listenSSEMessages(body io.ReadCloser) {
	defer func() {
		body.Close()
		close(s.readClosed)
	}()

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	s.readErr = fmt.Errorf("%w: %w", ErrCanceled, io.EOF)

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			select {
			case <-s.done:
				s.readErr = ErrCanceled
			default:
				if !errors.Is(err, context.Canceled) {
					s.logger.Error("failed to read SSE message", slog.String("err", err.Error()))
				}
				s.readErr = ioError(err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			endpoint, err := s.resolveEndpoint(ev.Data)
			if err != nil {
				select {
				case s.ready <- err:
				default:
				}
				return
			}
			s.messageURL.Store(&endpoint)
			select {
			case s.ready <- nil:
			default:
			}
		case "message", "":
			// Messages before the endpoint would have nowhere to be answered.
			if s.messageURL.Load() == nil {
				s.logger.Error("received message before endpoint URL")
				continue
			}
			select {
			case s.frames <- []byte(ev.Data):
			case <-s.done:
				s.readErr = ErrCanceled
				return
			}
		default:
			s.logger.Warn("unhandled event type", slog.String("type", ev.Type))
		}
	}
}

func (s *SSEClient) resolveEndpoint(data string) (string, error) {
	base, err := url.Parse(s.connectURL)
	if err != nil {
		return "", fmt.Errorf("%w: parse connect URL: %w", ErrInvalidArgument, err)
	}
	ref, err := url.Parse(data)
	if err != nil {
		return "", fmt.Errorf("%w: parse endpoint URL: %w", ErrInvalidArgument, err)
	}
	if ref.String() == "" {
		return "", fmt.Errorf("%w: empty endpoint URL", ErrInvalidArgument)
	}
	return base.ResolveReference(ref).String(), nil
}

func dialSSE(_ context.Context, u *url.URL) (Transport, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("%w: sse target needs host:port", ErrInvalidArgument)
	}
	path := u.Path
	if path == "" || path == "/" {
		path = "/sse"
	}
	connect := url.URL{Scheme: "http", Host: u.Host, Path: path}
	return NewSSEClient(connect.String(), nil), nil
}

func listenSSE(u *url.URL) (ServerTransport, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("%w: sse target needs host:port", ErrInvalidArgument)
	}
	return ListenSSE(u.Host)
}
