package domain

import "errors"

// Error classes shared by the federation packages. Callers wrap them with
// fmt.Errorf and classify with errors.Is.
var (
	// ErrProtocol marks a malformed or unparseable document.
	ErrProtocol = errors.New("protocol error")

	// ErrTrust marks a signature failure or a claimed handle that does not
	// match the transport-level sender.
	ErrTrust = errors.New("trust error")

	// ErrUnknownMessageType is returned when no handler matches a document.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrDiscovery marks a network or remote-format failure while resolving
	// an identity. It is retryable.
	ErrDiscovery = errors.New("discovery error")

	// ErrValidation marks a handler precondition failure, such as a missing
	// parent post.
	ErrValidation = errors.New("validation error")

	// ErrNotFound is returned by stores when a lookup matches nothing.
	ErrNotFound = errors.New("not found")

	// ErrNotSupported is returned when generating a message type this node
	// only accepts.
	ErrNotSupported = errors.New("not supported")
)

// IsTerminal reports whether err means the message can never be processed,
// as opposed to a failure that may go away on retry.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrProtocol) ||
		errors.Is(err, ErrTrust) ||
		errors.Is(err, ErrUnknownMessageType) ||
		errors.Is(err, ErrValidation)
}
