// Package everything provides a server that exercises every feature of the protocol: tools with
// progress, sampling and images, a catalogue of a hundred resources with a template and
// completions, prompts, resource update notifications and log messages. It is meant for
// testing clients, not for production use.
package everything

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/TangGee/mcpkit"
)

// Server holds the catalogue and the background tasks that simulate resource updates and log
// messages.
type Server struct {
	logger         *slog.Logger
	updateInterval time.Duration
	logInterval    time.Duration

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

const (
	resourceCount = 100
	loggerName    = "everything"
)

// NewServer creates the test server. Call Close when finished to stop the background tasks
// started by Register.
func NewServer(options ...Option) *Server {
	s := &Server{
		logger:         slog.Default(),
		updateInterval: 10 * time.Second,
		logInterval:    15 * time.Second,
		done:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithLogger sets the logger of the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "mcpkit"),
			slog.String("component", "everything"),
		)
	}
}

// WithUpdateInterval sets how often a subscribed resource is reported as updated.
func WithUpdateInterval(interval time.Duration) Option {
	return func(s *Server) {
		s.updateInterval = interval
	}
}

// WithLogInterval sets how often a log message is sent to the clients.
func WithLogInterval(interval time.Duration) Option {
	return func(s *Server) {
		s.logInterval = interval
	}
}

// ServerOptions returns the options wiring the prompts and the resource template completions
// into an mcp.Server. Pass them to mcp.NewServer before calling Register.
func (s *Server) ServerOptions() []mcp.ServerOption {
	return []mcp.ServerOption{
		mcp.WithPromptServer(s),
		mcp.WithResourceTemplateCompleter(s),
	}
}

// Register adds the tools, resources and resource template to srv and starts the simulated
// updates and log messages.
func (s *Server) Register(srv *mcp.Server) error {
	if err := srv.AddTools(s.Tools()...); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}
	if err := srv.AddResources(staticResources()...); err != nil {
		return fmt.Errorf("failed to register resources: %w", err)
	}
	tmpl, err := resourceTemplate()
	if err != nil {
		return err
	}
	if err := srv.AddResourceTemplates(tmpl); err != nil {
		return fmt.Errorf("failed to register resource template: %w", err)
	}

	s.startOnce.Do(func() {
		s.wg.Add(2)
		go s.simulateResourceUpdates(srv)
		go s.simulateLogs(srv)
	})
	return nil
}

// Close stops the background tasks.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// simulateResourceUpdates reports one resource of the catalogue as updated on every tick. Only
// the sessions subscribed to it are notified.
func (s *Server) simulateResourceUpdates(srv *mcp.Server) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.updateInterval)
	defer ticker.Stop()

	for n := 0; ; n = (n + 1) % resourceCount {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		srv.NotifyResourceUpdated(resourceURI(n + 1))
	}
}

var simulatedLevels = []mcp.LogLevel{
	mcp.LogLevelDebug,
	mcp.LogLevelInfo,
	mcp.LogLevelNotice,
	mcp.LogLevelWarning,
	mcp.LogLevelError,
	mcp.LogLevelCritical,
	mcp.LogLevelAlert,
	mcp.LogLevelEmergency,
}

func (s *Server) simulateLogs(srv *mcp.Server) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.logInterval)
	defer ticker.Stop()

	for n := 0; ; n = (n + 1) % len(simulatedLevels) {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		level := simulatedLevels[n]
		data, _ := json.Marshal(map[string]string{"message": fmt.Sprintf("%s-level message", level)})
		ctx, cancel := context.WithTimeout(context.Background(), s.logInterval)
		err := srv.Log(ctx, mcp.LogParams{Level: level, Logger: loggerName, Data: data})
		cancel()
		if err != nil {
			s.logger.Debug("failed to send simulated log", slog.String("err", err.Error()))
		}
	}
}
