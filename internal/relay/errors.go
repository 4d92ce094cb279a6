package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrRetriesExhausted is wrapped by the ConnectError that ends the engine
	// when a bounded retry budget runs out.
	ErrRetriesExhausted = errors.New("relay: connect retries exhausted")

	// ErrAlreadyStarted is returned by Start on an engine that was started before.
	ErrAlreadyStarted = errors.New("relay: engine already started")

	// ErrAckTimeout is reported when the destination does not acknowledge a
	// record within the configured timeout.
	ErrAckTimeout = errors.New("relay: acknowledgment timed out")

	// ErrSinkClosed is returned by sinks asked to publish after Close.
	ErrSinkClosed = errors.New("relay: sink closed")
)

// ConnectError reports a failed attempt to open an endpoint.
type ConnectError struct {
	Endpoint Endpoint
	Attempt  int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s (attempt %d): %v", e.Endpoint, e.Attempt, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ConnectionLostError wraps the cause reported by a Source when an
// established connection drops.
type ConnectionLostError struct {
	Err error
}

func (e *ConnectionLostError) Error() string {
	return fmt.Sprintf("source connection lost: %v", e.Err)
}

func (e *ConnectionLostError) Unwrap() error { return e.Err }

// PublishError reports a record the destination rejected or failed to
// acknowledge.
type PublishError struct {
	Key     string
	Attempt int
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish key %q (attempt %d): %v", e.Key, e.Attempt, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
