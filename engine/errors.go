package engine

import "errors"

// Sentinel errors covering the taxonomy the lifecycle manager, queue, and
// tool invoker surface to callers. Each maps to one row of the error
// handling table: reject-caller errors are returned directly, surfaced
// errors reach the client as an InboundEvent of kind EventError carrying
// the error message.
var (
	// ErrInvalidSession covers an unknown or already-inactive session ID.
	ErrInvalidSession = errors.New("engine: invalid or inactive session")

	// ErrQueueClosed covers an enqueue attempt on a session that has
	// already gone inactive; the event is silently dropped.
	ErrQueueClosed = errors.New("engine: queue closed")

	// ErrUpstreamValidation covers the remote service rejecting the event
	// sequence (malformed or out-of-order events).
	ErrUpstreamValidation = errors.New("engine: upstream rejected event sequence")

	// ErrUpstreamTransient covers a stream-level failure once the response
	// has started (network reset, decode failure, timeout).
	ErrUpstreamTransient = errors.New("engine: upstream stream failed")

	// ErrToolFailure covers a tool invocation that could not produce a
	// result, including an unsupported tool name.
	ErrToolFailure = errors.New("engine: tool invocation failed")

	// ErrUnsupportedTool names a tool outside the closed set the invoker
	// implements.
	ErrUnsupportedTool = errors.New("engine: unsupported tool")

	// ErrIdleTimeout marks a session force-closed by the idle sweeper.
	ErrIdleTimeout = errors.New("engine: session idle timeout")

	// ErrTeardownTimeout marks a session whose ordered teardown did not
	// complete within its budget and was force-closed instead.
	ErrTeardownTimeout = errors.New("engine: teardown timeout")

	// ErrInitiationTimeout marks a session whose opening handshake did not
	// reach the remote service within the bounded window.
	ErrInitiationTimeout = errors.New("engine: session initiation timeout")
)
