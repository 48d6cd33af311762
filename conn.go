package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ConnState is the lifecycle state of a connection.
type ConnState int32

// Connection states. A connection only moves forward, and any state may jump to StateClosed.
const (
	StateUninitialized ConnState = iota
	StateInitializing
	StateReady
	StateClosed
)

// MethodHandler answers a request. The returned value is marshaled as the result. Returning a
// JSONRPCError sends it as the error response; any other error becomes an internal error.
type MethodHandler func(ctx context.Context, req *Request) (any, error)

// NotificationHandler consumes a notification. It runs on the connection's event loop, so it
// must return quickly and must not call back into the connection synchronously.
type NotificationHandler func(ctx context.Context, req *Request)

// Request is an incoming request or notification as seen by handlers.
type Request struct {
	Conn   *Conn
	ID     RequestID
	Method string
	Params json.RawMessage
}

// ConnOption represents the options for a Conn.
type ConnOption func(*Conn)

// Conn is one JSON-RPC connection over a Transport. It owns the method table, correlates
// outgoing requests with their responses and routes cancellation to in-flight handlers.
//
// All bookkeeping (pending outgoing calls and in-flight incoming requests) is owned by the
// goroutine running Serve; other goroutines reach it only through channels.
type Conn struct {
	transport Transport
	id        string
	logger    *slog.Logger
	observer  requestObserver

	methods       map[string]MethodHandler
	notifications map[string]NotificationHandler

	state  atomic.Int32
	nextID atomic.Int64

	pendingCalls     chan pendingCall
	droppedCalls     chan string
	finishedRequests chan string

	serving   atomic.Bool
	closeOnce sync.Once
	finish    sync.Once
	closing   chan struct{}
	done      chan struct{}
	err       error
}

type pendingCall struct {
	key     string
	results chan JSONRPCMessage
}

type requestObserver interface {
	requestStarted(method string)
	requestFinished(method string, since time.Time, err error)
}

type requestContextKey struct{}

var errInvalidEnvelope = errors.New("invalid JSON-RPC envelope")

// NewConn creates a connection over transport. The method table is fixed here: handlers
// registered through WithMethodHandler and WithNotificationHandler, plus a built-in ping.
// Serve must be running for calls to make progress.
func NewConn(transport Transport, options ...ConnOption) *Conn {
	c := &Conn{
		transport:        transport,
		logger:           slog.Default(),
		methods:          make(map[string]MethodHandler),
		notifications:    make(map[string]NotificationHandler),
		pendingCalls:     make(chan pendingCall),
		droppedCalls:     make(chan string),
		finishedRequests: make(chan string),
		closing:          make(chan struct{}),
		done:             make(chan struct{}),
	}
	if ider, ok := transport.(interface{ ID() string }); ok {
		c.id = ider.ID()
	}
	if c.id == "" {
		c.id = uuid.New().String()
	}

	c.methods[MethodPing] = func(context.Context, *Request) (any, error) {
		return struct{}{}, nil
	}

	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithConnLogger sets the logger for the connection.
func WithConnLogger(logger *slog.Logger) ConnOption {
	return func(c *Conn) {
		c.logger = logger
	}
}

// WithMethodHandler registers the handler answering requests for method, replacing any
// built-in handler.
func WithMethodHandler(method string, h MethodHandler) ConnOption {
	return func(c *Conn) {
		c.methods[method] = h
	}
}

// WithNotificationHandler registers the handler consuming notifications for method.
func WithNotificationHandler(method string, h NotificationHandler) ConnOption {
	return func(c *Conn) {
		c.notifications[method] = h
	}
}

func withRequestObserver(o requestObserver) ConnOption {
	return func(c *Conn) {
		c.observer = o
	}
}

// RequestFromContext returns the request a handler is serving, nil outside handlers.
func RequestFromContext(ctx context.Context) *Request {
	req, _ := ctx.Value(requestContextKey{}).(*Request)
	return req
}

// ReportProgress sends notifications/progress for the request served by ctx. It does nothing
// when the requester did not supply a progress token.
func ReportProgress(ctx context.Context, progress, total float64) error {
	req := RequestFromContext(ctx)
	if req == nil {
		return nil
	}
	var p struct {
		Meta *ParamsMeta `json:"_meta"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil
		}
	}
	if p.Meta == nil || p.Meta.ProgressToken == nil {
		return nil
	}
	return req.Conn.Notify(ctx, MethodNotificationsProgress, ProgressParams{
		ProgressToken: *p.Meta.ProgressToken,
		Progress:      progress,
		Total:         total,
	})
}

// ID returns the session identifier of the connection.
func (c *Conn) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// advance moves the state forward from one of the given states. It reports whether the
// transition happened.
func (c *Conn) advance(to ConnState, from ...ConnState) bool {
	for _, f := range from {
		if c.state.CompareAndSwap(int32(f), int32(to)) {
			return true
		}
	}
	return false
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection shut down, nil for a graceful end of stream.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close shuts the connection down. Pending calls fail with ErrConnClosed.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
	})
	if c.serving.Load() {
		<-c.done
		return nil
	}
	c.shutdown(nil)
	return nil
}

// Serve starts the transport and runs the event loop until the stream ends, ctx is done or
// Close is called. A graceful end of stream returns nil.
func (c *Conn) Serve(ctx context.Context) error {
	if !c.serving.CompareAndSwap(false, true) {
		return errors.New("connection is already being served")
	}

	if err := c.transport.Start(ctx); err != nil {
		c.shutdown(err)
		return fmt.Errorf("failed to start transport: %w", err)
	}

	baseCtx, baseCancel := context.WithCancel(ctx)
	defer baseCancel()

	frames := make(chan []byte)
	readErrs := make(chan error, 1)
	go c.readFrames(baseCtx, frames, readErrs)

	// pending maps our outgoing request ids to their result slots, inflight maps the peer's
	// request ids to the cancellation of their handler.
	pending := make(map[string]chan JSONRPCMessage)
	inflight := make(map[string]context.CancelFunc)

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		case <-c.closing:
			break loop
		case rErr := <-readErrs:
			if !errors.Is(rErr, ErrCanceled) {
				err = rErr
				c.logger.Warn("connection read failed", slog.String("err", rErr.Error()))
			}
			break loop
		case frame := <-frames:
			c.handleFrame(baseCtx, frame, pending, inflight)
		case p := <-c.pendingCalls:
			pending[p.key] = p.results
		case key := <-c.droppedCalls:
			delete(pending, key)
		case key := <-c.finishedRequests:
			if cancel, ok := inflight[key]; ok {
				cancel()
				delete(inflight, key)
			}
		}
	}

	for _, cancel := range inflight {
		cancel()
	}
	c.shutdown(err)
	return err
}

func (c *Conn) shutdown(err error) {
	c.finish.Do(func() {
		c.state.Store(int32(StateClosed))
		c.err = err
		c.transport.Cancel()
		if cErr := c.transport.Close(); cErr != nil {
			c.logger.Warn("failed to close transport", slog.String("err", cErr.Error()))
		}
		close(c.done)
	})
}

func (c *Conn) readFrames(ctx context.Context, frames chan<- []byte, errs chan<- error) {
	for {
		frame, err := c.transport.Recv(ctx)
		if err != nil {
			errs <- err
			return
		}
		select {
		case frames <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conn) handleFrame(
	ctx context.Context,
	frame []byte,
	pending map[string]chan JSONRPCMessage,
	inflight map[string]context.CancelFunc,
) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil || len(batch) == 0 {
			c.replyError(nil, jsonRPCParseErrorCode, "Parse error")
			return
		}
		for _, item := range batch {
			c.handleMessage(ctx, item, pending, inflight)
		}
		return
	}
	c.handleMessage(ctx, trimmed, pending, inflight)
}

func (c *Conn) handleMessage(
	ctx context.Context,
	raw []byte,
	pending map[string]chan JSONRPCMessage,
	inflight map[string]context.CancelFunc,
) {
	var msg JSONRPCMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.logger.Info("failed to decode message", slog.String("err", err.Error()))
		c.replyError(nil, jsonRPCParseErrorCode, "Parse error")
		return
	}
	// Only requests are ever answered; invalid responses and notifications are dropped.
	if msg.JSONRPC != JSONRPCVersion {
		if msg.Method != "" && msg.ID != nil {
			c.replyError(msg.ID, jsonRPCInvalidRequestCode, errInvalidEnvelope.Error())
			return
		}
		c.logger.Info("dropping invalid message", slog.String("jsonrpc", msg.JSONRPC))
		return
	}

	switch {
	case msg.Method == "" && msg.ID != nil:
		// A response to one of our calls.
		results, ok := pending[msg.ID.key()]
		if !ok {
			c.logger.Debug("dropping response to unknown request", slog.String("id", msg.ID.String()))
			return
		}
		delete(pending, msg.ID.key())
		results <- msg
	case msg.Method == "":
		if msg.Error != nil {
			c.logger.Info("dropping error response without id",
				slog.Int("code", msg.Error.Code),
				slog.String("message", msg.Error.Message))
			return
		}
		c.logger.Info("dropping message without method or id")
	case msg.ID == nil:
		c.handleNotification(ctx, msg, inflight)
	default:
		c.handleRequest(ctx, msg, inflight)
	}
}

func (c *Conn) handleNotification(ctx context.Context, msg JSONRPCMessage, inflight map[string]context.CancelFunc) {
	req := &Request{Conn: c, Method: msg.Method, Params: msg.Params}

	if msg.Method == MethodNotificationsCancelled {
		var params notificationsCancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Debug("ignoring malformed cancellation", slog.String("err", err.Error()))
			return
		}
		// Cancellation is advisory: unknown or finished requests are ignored.
		if cancel, ok := inflight[params.RequestID.key()]; ok {
			c.logger.Debug("cancelling request",
				slog.String("id", params.RequestID.String()),
				slog.String("reason", params.Reason))
			cancel()
		}
	}

	h, ok := c.notifications[msg.Method]
	if !ok {
		return
	}
	h(context.WithValue(ctx, requestContextKey{}, req), req)
}

func (c *Conn) handleRequest(ctx context.Context, msg JSONRPCMessage, inflight map[string]context.CancelFunc) {
	h, ok := c.methods[msg.Method]
	if !ok {
		c.replyError(msg.ID, jsonRPCMethodNotFoundCode, fmt.Sprintf("Method not found: %s", msg.Method))
		return
	}

	key := msg.ID.key()
	if _, dup := inflight[key]; dup {
		c.replyError(msg.ID, jsonRPCInvalidRequestCode, "duplicate request id")
		return
	}

	req := &Request{Conn: c, ID: *msg.ID, Method: msg.Method, Params: msg.Params}
	reqCtx, cancel := context.WithCancel(context.WithValue(ctx, requestContextKey{}, req))
	inflight[key] = cancel

	go c.runHandler(reqCtx, h, req, key)
}

func (c *Conn) runHandler(ctx context.Context, h MethodHandler, req *Request, key string) {
	defer func() {
		select {
		case c.finishedRequests <- key:
		case <-c.done:
		}
	}()

	start := time.Now()
	if c.observer != nil {
		c.observer.requestStarted(req.Method)
	}

	result, err := c.invoke(ctx, h, req)

	if c.observer != nil {
		c.observer.requestFinished(req.Method, start, err)
	}

	resMsg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      &req.ID,
	}
	if err != nil {
		var jsonErr JSONRPCError
		if !errors.As(err, &jsonErr) {
			jsonErr = JSONRPCError{Code: jsonRPCInternalErrorCode, Message: err.Error()}
		}
		c.logger.Info("request failed",
			slog.String("method", req.Method),
			slog.String("err", err.Error()))
		resMsg.Error = &jsonErr
	} else {
		if result == nil {
			result = struct{}{}
		}
		resBs, mErr := json.Marshal(result)
		if mErr != nil {
			resMsg.Error = &JSONRPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: fmt.Sprintf("failed to marshal result: %s", mErr.Error()),
			}
		} else {
			resMsg.Result = resBs
		}
	}

	// The handler's context may already be cancelled; the response still goes out.
	sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.send(sendCtx, resMsg); err != nil {
		c.logger.Error("failed to send result", slog.String("method", req.Method), slog.String("err", err.Error()))
	}
}

func (c *Conn) invoke(ctx context.Context, h MethodHandler, req *Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked",
				slog.String("method", req.Method),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = JSONRPCError{Code: jsonRPCInternalErrorCode, Message: fmt.Sprintf("internal error: %v", r)}
		}
	}()
	return h(ctx, req)
}

// Call sends a request and blocks until its response arrives, ctx is done or the connection
// closes. On ctx cancellation the peer is sent notifications/cancelled for the request.
// result may be nil when the caller does not need the response body.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	paramsBs, err := marshalParams(params)
	if err != nil {
		return err
	}

	id := NewNumericRequestID(c.nextID.Add(1))
	call := pendingCall{key: id.key(), results: make(chan JSONRPCMessage, 1)}

	// Registration happens before sending so the response can never overtake it.
	select {
	case c.pendingCalls <- call:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closedErr()
	}

	if err := c.send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      &id,
		Method:  method,
		Params:  paramsBs,
	}); err != nil {
		c.dropCall(call.key)
		return err
	}

	select {
	case msg := <-call.results:
		if msg.Error != nil {
			return *msg.Error
		}
		if result == nil || len(msg.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(msg.Result, result); err != nil {
			return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		c.dropCall(call.key)
		c.notifyCancelled(id, ctx.Err())
		return ctx.Err()
	case <-c.done:
		return c.closedErr()
	}
}

// Notify sends a notification.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	paramsBs, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	})
}

func (c *Conn) notifyCancelled(id RequestID, cause error) {
	reason := userCancelledReason
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "Request timed out"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Notify(ctx, MethodNotificationsCancelled, notificationsCancelledParams{
		RequestID: id,
		Reason:    reason,
	}); err != nil {
		c.logger.Debug("failed to send cancellation", slog.String("err", err.Error()))
	}
}

func (c *Conn) dropCall(key string) {
	select {
	case c.droppedCalls <- key:
	case <-c.done:
	}
}

func (c *Conn) closedErr() error {
	if c.err != nil {
		return fmt.Errorf("%w: %w", ErrConnClosed, c.err)
	}
	return ErrConnClosed
}

func (c *Conn) send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.transport.Send(ctx, msgBs)
}

func (c *Conn) replyError(id *RequestID, code int, message string) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.send(ctx, msg); err != nil {
			c.logger.Error("failed to send error", slog.String("err", err.Error()))
		}
	}()
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	bs, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return bs, nil
}

func decodeParams(req *Request, v any) error {
	if len(req.Params) == 0 || bytes.Equal(req.Params, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		}
	}
	return nil
}
