package chatclient

import "github.com/pkg/errors"

var (
	// ErrPayloadTooLarge marks a fallback request the backend rejected for
	// size. It is surfaced as a specific user-visible notice and never retried.
	ErrPayloadTooLarge = errors.New("message too large")

	// ErrChannelClosed is returned by channel writes when no live channel is
	// open. The sender reacts by issuing the HTTP fallback request.
	ErrChannelClosed = errors.New("channel is not open")

	// ErrEngineClosed is returned by engine operations after Close.
	ErrEngineClosed = errors.New("engine is closed")
)
