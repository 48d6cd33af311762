package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
)

// StreamTransport sends and receives frames directly on a duplex byte stream such as a console
// handle or a TCP connection. Frames are written back to back without delimiters; the reader
// splits the stream on JSON document boundaries.
type StreamTransport struct {
	conn   io.ReadWriteCloser
	id     string
	logger *slog.Logger

	started atomic.Bool
	closed  atomic.Bool

	startOnce  sync.Once
	cancelOnce sync.Once
	closeOnce  sync.Once

	frames     chan json.RawMessage
	writes     chan queuedFrame
	readErr    error
	readClosed chan struct{}
	done       chan struct{}
}

// StreamListener accepts TCP connections and yields a StreamTransport for each.
type StreamListener struct {
	listener net.Listener
	logger   *slog.Logger
}

// NewStreamTransport wraps conn. The id is used to tell sessions apart in logs; an empty id
// falls back to the remote address when conn is a net.Conn.
func NewStreamTransport(conn io.ReadWriteCloser, id string) *StreamTransport {
	if id == "" {
		if nc, ok := conn.(net.Conn); ok && nc.RemoteAddr() != nil {
			id = nc.RemoteAddr().String()
		}
	}
	return &StreamTransport{
		conn:       conn,
		id:         id,
		logger:     slog.Default(),
		frames:     make(chan json.RawMessage),
		writes:     make(chan queuedFrame),
		readClosed: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// NewStreamListener returns a StreamListener accepting connections on l.
func NewStreamListener(l net.Listener) *StreamListener {
	return &StreamListener{
		listener: l,
		logger:   slog.Default(),
	}
}

// ID returns the session identifier of this transport.
func (s *StreamTransport) ID() string {
	return s.id
}

// Start implements Transport.
func (s *StreamTransport) Start(_ context.Context) error {
	if s.closed.Load() {
		return ErrNotInitialized
	}
	s.startOnce.Do(func() {
		go s.readFrames()
		go s.writeFrames()
		s.started.Store(true)
	})
	return nil
}

// Recv implements Transport.
func (s *StreamTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-s.done:
		return nil, ErrCanceled
	default:
	}
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

// Send implements Transport. A frame given up on when ctx ends may still be written later.
func (s *StreamTransport) Send(ctx context.Context, frame []byte) error {
	if !s.started.Load() || s.closed.Load() {
		return ErrNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	w := queuedFrame{msg: frame, errs: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrCanceled
	case s.writes <- w:
	}

	select {
	case err := <-w.errs:
		if err != nil {
			s.logger.Error("failed to write frame", slog.String("err", err.Error()))
			return ioError(err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrCanceled
	}
}

// Cancel implements Transport.
func (s *StreamTransport) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.done)
	})
}

// Close implements Transport, closing the underlying stream.
func (s *StreamTransport) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.Cancel()
		err = s.conn.Close()
	})
	return err
}

// Connected implements Transport.
func (s *StreamTransport) Connected() bool {
	return s.started.Load() && !s.closed.Load()
}

func (s *StreamTransport) readFrames() {
	defer close(s.readClosed)

	decoder := json.NewDecoder(s.conn)
	for {
		var frame json.RawMessage
		if err := decoder.Decode(&frame); err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				s.readErr = fmt.Errorf("%w: %w", ErrCanceled, io.EOF)
			default:
				var syntaxErr *json.SyntaxError
				if errors.As(err, &syntaxErr) {
					s.logger.Error("stream is not valid JSON", slog.String("err", err.Error()))
				}
				s.readErr = ioError(err)
			}
			return
		}
		select {
		case <-s.done:
			s.readErr = ErrCanceled
			return
		case s.frames <- frame:
		}
	}
}

// writeFrames serializes writes. A peer that stops reading blocks only this goroutine until
// Close closes the stream.
func (s *StreamTransport) writeFrames() {
	for {
		var w queuedFrame
		select {
		case <-s.done:
			return
		case w = <-s.writes:
		}
		_, err := s.conn.Write(w.msg)
		w.errs <- err
	}
}

// Accept implements ServerTransport.
func (l *StreamListener) Accept(ctx context.Context) (Transport, error) {
	type acceptResult struct {
		conn net.Conn
		err  error
	}
	results := make(chan acceptResult, 1)
	go func() {
		conn, err := l.listener.Accept()
		results <- acceptResult{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-results:
		if res.err != nil {
			if errors.Is(res.err, net.ErrClosed) {
				return nil, ErrCanceled
			}
			return nil, ioError(res.err)
		}
		l.logger.Debug("accepted stream connection", slog.String("remote", res.conn.RemoteAddr().String()))
		return NewStreamTransport(res.conn, ""), nil
	}
}

// Addr returns the listening address.
func (l *StreamListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close implements ServerTransport.
func (l *StreamListener) Close() error {
	return l.listener.Close()
}

func dialStream(ctx context.Context, u *url.URL) (Transport, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("%w: tcp target needs host:port", ErrInvalidArgument)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return nil, ioError(err)
	}
	return NewStreamTransport(conn, ""), nil
}

func listenStream(u *url.URL) (ServerTransport, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("%w: tcp target needs host:port", ErrInvalidArgument)
	}
	l, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, ioError(err)
	}
	return NewStreamListener(l), nil
}
