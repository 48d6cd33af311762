package mcp

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Transport is a bidirectional stream of framed JSON-RPC messages between two peers. A frame is
// one complete JSON document, the transport never looks inside it.
//
// Implementations must follow the same rules:
//   - Start is called once before Recv and Send.
//   - Recv after Cancel or Close returns an error wrapping ErrCanceled. A graceful end of the
//     stream is reported the same way.
//   - Send before Start or after Close returns an error wrapping ErrNotInitialized.
//   - Cancel and Close are idempotent. Cancel unblocks pending Recv and Send calls.
type Transport interface {
	// Start prepares the transport for use.
	Start(ctx context.Context) error

	// Recv blocks until the next frame arrives.
	Recv(ctx context.Context) ([]byte, error)

	// Send writes one frame to the peer.
	Send(ctx context.Context, frame []byte) error

	// Cancel interrupts pending operations without releasing the underlying handles.
	Cancel()

	// Close releases the underlying handles.
	Close() error

	// Connected reports whether the transport has been started and not yet closed.
	Connected() bool
}

// ServerTransport accepts incoming peers, yielding one Transport per client.
type ServerTransport interface {
	// Accept blocks until a new client arrives. It returns an error wrapping ErrCanceled once
	// the server transport is closed.
	Accept(ctx context.Context) (Transport, error)

	// Close stops accepting new clients. Transports already accepted are left to their owners.
	Close() error
}

// TransportDialer builds a client Transport from a parsed selector.
type TransportDialer func(ctx context.Context, target *url.URL) (Transport, error)

// TransportListener builds a ServerTransport from a parsed selector.
type TransportListener func(target *url.URL) (ServerTransport, error)

type transportScheme struct {
	dial   TransportDialer
	listen TransportListener
}

var (
	transportSchemesMu sync.RWMutex
	transportSchemes   = map[string]transportScheme{
		"stdio": {dial: dialStdIO, listen: listenStdIO},
		"sse":   {dial: dialSSE, listen: listenSSE},
		"tcp":   {dial: dialStream, listen: listenStream},
	}
)

// RegisterTransportScheme binds a selector scheme such as "ws" to its constructors. Either
// constructor may be nil when the scheme only supports one role. Registering an existing
// scheme replaces it.
func RegisterTransportScheme(scheme string, dial TransportDialer, listen TransportListener) {
	transportSchemesMu.Lock()
	defer transportSchemesMu.Unlock()

	transportSchemes[strings.ToLower(scheme)] = transportScheme{dial: dial, listen: listen}
}

// TransportSchemes lists the registered selector schemes in sorted order.
func TransportSchemes() []string {
	transportSchemesMu.RLock()
	defer transportSchemesMu.RUnlock()

	schemes := make([]string, 0, len(transportSchemes))
	for s := range transportSchemes {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}

// DialTransport returns a client Transport for a selector such as "stdio://stdout-stdin",
// "sse://127.0.0.1:8080" or "tcp://127.0.0.1:9000". The returned transport is not started.
func DialTransport(ctx context.Context, target string) (Transport, error) {
	u, ts, err := lookupTransportScheme(target)
	if err != nil {
		return nil, err
	}
	if ts.dial == nil {
		return nil, fmt.Errorf("%w: scheme %q cannot dial", ErrInvalidArgument, u.Scheme)
	}
	return ts.dial(ctx, u)
}

// ListenTransport returns a ServerTransport bound to the selector.
func ListenTransport(target string) (ServerTransport, error) {
	u, ts, err := lookupTransportScheme(target)
	if err != nil {
		return nil, err
	}
	if ts.listen == nil {
		return nil, fmt.Errorf("%w: scheme %q cannot listen", ErrInvalidArgument, u.Scheme)
	}
	return ts.listen(u)
}

func lookupTransportScheme(target string) (*url.URL, transportScheme, error) {
	if !strings.Contains(target, "://") {
		return nil, transportScheme{}, fmt.Errorf("%w: transport target %q has no scheme", ErrInvalidArgument, target)
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, transportScheme{}, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	transportSchemesMu.RLock()
	ts, ok := transportSchemes[strings.ToLower(u.Scheme)]
	transportSchemesMu.RUnlock()
	if !ok {
		return nil, transportScheme{}, fmt.Errorf("%w: unknown transport scheme %q", ErrInvalidArgument, u.Scheme)
	}
	return u, ts, nil
}
