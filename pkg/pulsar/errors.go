package pulsar

import "errors"

// Sentinel errors shared across the consumer packages.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when using a connection that is closed or was never opened.
	ErrNotConnected = errors.New("pulsar: connection not open")

	// ErrConnectFailed wraps transport failures while opening a connection.
	ErrConnectFailed = errors.New("pulsar: connect failed")

	// ErrReconnectExhausted is returned once the reconnection attempt budget is used up.
	// It is the only fatal outcome for a consumer.
	ErrReconnectExhausted = errors.New("pulsar: reconnection attempts exhausted")

	// ErrInvalidMessage is returned for frames that cannot be routed.
	ErrInvalidMessage = errors.New("pulsar: invalid message")

	// ErrQueueFull is returned when a request cannot be admitted.
	ErrQueueFull = errors.New("pulsar: consumer queue is full")

	// ErrPoolClosed is returned by a producer pool or worker pool after Close.
	ErrPoolClosed = errors.New("pulsar: pool closed")

	// ErrMissingResponseTopic is returned when replying to a message without a responseTopic.
	ErrMissingResponseTopic = errors.New("pulsar: message has no response topic")

	// ErrAckFailed is returned when the broker answers a send with a non-ok result.
	ErrAckFailed = errors.New("pulsar: broker rejected message")
)
