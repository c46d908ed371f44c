package agent

import (
	"github.com/coresible/go-connect-agent/agent/internal/proxyconn"
	"github.com/coresible/go-connect-agent/agent/internal/surrogate"
)

// Re-export types from internal packages for external use: internals stay
// free to change shape while callers depend on stable aliases here.

type (
	// Stream is the net.Conn handed back by CreateConnection. It is ready
	// to use immediately, even while the CONNECT exchange and TLS
	// handshake behind it are still in flight.
	Stream = surrogate.Stream

	// StreamState tags where a Stream currently sits in its lifecycle.
	StreamState = surrogate.State

	// RefusedError is returned when the upstream proxy answers CONNECT
	// with a non-200 status.
	RefusedError = proxyconn.RefusedError
)

const (
	StreamPending   = surrogate.Pending
	StreamConnected = surrogate.Connected
	StreamFailed    = surrogate.Failed
	StreamClosed    = surrogate.Closed
)
