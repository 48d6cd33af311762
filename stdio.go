package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// StdIO implements a newline-delimited transport over an io.Reader/io.Writer pair, typically
// the process's standard input and output. Every frame is written as one line; every non-empty
// received line is one frame.
//
// A received line that holds no '{' or '[' but contains the token "exit" ends the stream: Recv
// reports ErrCanceled, which callers treat as a graceful end of input.
//
// StdIO is usable both as a client Transport and as a ServerTransport yielding a single session
// (itself). Instances should be created using NewStdIO.
type StdIO struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	started atomic.Bool
	closed  atomic.Bool
	exited  atomic.Bool
	accepts atomic.Int32

	startOnce  sync.Once
	cancelOnce sync.Once

	lines         chan string
	writeMessages chan queuedFrame
	readErr       error
	readClosed    chan struct{}
	writeClosed   chan struct{}
	done          chan struct{}
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

type queuedFrame struct {
	msg  []byte
	errs chan error
}

// NewStdIO creates a new StdIO transport configured with the provided reader and writer. The
// transport must be started before use.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) *StdIO {
	s := &StdIO{
		id:            uuid.New().String(),
		reader:        reader,
		writer:        writer,
		logger:        slog.Default(),
		lines:         make(chan string),
		writeMessages: make(chan queuedFrame),
		readClosed:    make(chan struct{}),
		writeClosed:   make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithStdIOLogger sets the logger for the StdIO transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger.With(
			slog.String("package", "mcpkit"),
			slog.String("component", "stdio"),
		)
	}
}

// ID returns the session identifier of this transport.
func (s *StdIO) ID() string {
	return s.id
}

// Start implements Transport by spawning the reader and writer goroutines.
func (s *StdIO) Start(_ context.Context) error {
	if s.closed.Load() {
		return ErrNotInitialized
	}
	s.startOnce.Do(func() {
		go s.readLines()
		go s.processWriteMessages()
		s.started.Store(true)
	})
	return nil
}

// Accept implements ServerTransport. The first call starts and returns the transport itself,
// later calls block until the transport is closed.
func (s *StdIO) Accept(ctx context.Context) (Transport, error) {
	if s.accepts.Add(1) == 1 {
		if err := s.Start(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrCanceled
	}
}

// Recv implements Transport.
func (s *StdIO) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-s.done:
		return nil, ErrCanceled
	default:
	}
	if !s.started.Load() {
		return nil, ErrNotInitialized
	}
	for {
		if s.exited.Load() {
			return nil, ErrCanceled
		}

		var line string
		select {
		case <-s.done:
			return nil, ErrCanceled
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
		case <-s.readClosed:
			return nil, s.readErr
		case line = <-s.lines:
		}

		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !strings.ContainsAny(line, "{[") {
			if strings.Contains(line, "exit") {
				s.exited.Store(true)
				return nil, ErrCanceled
			}
			s.logger.Warn("discarding non-JSON line", slog.String("line", line))
			continue
		}
		return []byte(line), nil
	}
}

// Send implements Transport. The frame is written as a single line.
func (s *StdIO) Send(ctx context.Context, frame []byte) error {
	if !s.started.Load() || s.closed.Load() {
		return ErrNotInitialized
	}

	msg := frame
	if bytes.ContainsAny(msg, "\r\n") {
		var buf bytes.Buffer
		if err := json.Compact(&buf, msg); err != nil {
			return fmt.Errorf("failed to compact frame: %w", err)
		}
		msg = buf.Bytes()
	}
	msg = append(append(make([]byte, 0, len(msg)+1), msg...), '\n')

	ioMsg := queuedFrame{
		msg:  msg,
		errs: make(chan error, 1),
	}

	// Queue the message for the writer goroutine so concurrent senders never interleave lines.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrNotInitialized
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("failed to write message", slog.String("err", err.Error()))
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
func (s *StdIO) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.done)
	})
}

// Close implements Transport and ServerTransport. The underlying reader and writer are not
// closed, they belong to the caller.
func (s *StdIO) Close() error {
	s.closed.Store(true)
	s.Cancel()
	if s.started.Load() {
		<-s.writeClosed
	}
	return nil
}

// Connected implements Transport.
func (s *StdIO) Connected() bool {
	return s.started.Load() && !s.closed.Load() && !s.exited.Load()
}

func (s *StdIO) readLines() {
	defer close(s.readClosed)

	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(s.reader)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			select {
			case <-s.done:
				s.readErr = ErrCanceled
				return
			case s.lines <- line:
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				s.readErr = fmt.Errorf("%w: %w", ErrCanceled, io.EOF)
				return
			}
			s.logger.Error("failed to read message", slog.String("err", err.Error()))
			s.readErr = ioError(err)
			return
		}
	}
}

func (s *StdIO) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg queuedFrame
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)
		msg.errs <- err
	}
}

func stdIOFromSelector(u *url.URL) (*StdIO, error) {
	sel := u.Host + u.Path
	var (
		reader io.Reader
		writer io.Writer
	)
	if strings.Contains(sel, "stdin") {
		reader = os.Stdin
	}
	switch {
	case strings.Contains(sel, "stdout"):
		writer = os.Stdout
	case strings.Contains(sel, "stderr"):
		writer = os.Stderr
	}
	if reader == nil || writer == nil {
		return nil, fmt.Errorf("%w: stdio selector %q must name stdin and stdout or stderr", ErrInvalidArgument, sel)
	}
	return NewStdIO(reader, writer), nil
}

func dialStdIO(_ context.Context, u *url.URL) (Transport, error) {
	return stdIOFromSelector(u)
}

func listenStdIO(u *url.URL) (ServerTransport, error) {
	return stdIOFromSelector(u)
}
