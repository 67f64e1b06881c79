package service

import "errors"

var (
	// ErrTimeout is returned to a caller whose request was not answered
	// within its domain's default (or explicitly supplied) timeout. It
	// invalidates only that request, never the calling process.
	ErrTimeout = errors.New("service: request timed out waiting for reply")

	// ErrUnknownReply marks a reply whose RequestID matches no pending
	// slot — either a duplicate, a very late reply past timeout, or a
	// service bug. It is counted, not surfaced to any caller.
	ErrUnknownReply = errors.New("service: reply references unknown request id")

	// ErrServiceUnavailable is returned when Call is attempted on a stub
	// whose channel has been closed (the service crashed and has not yet
	// been revived by the restart supervisor).
	ErrServiceUnavailable = errors.New("service: backing channel unavailable")

	// ErrCancelled is returned to a caller whose pending request was
	// cancelled by process termination while it waited for a reply. Unlike
	// a timeout it can fire on a request with no deadline at all (device
	// IRQ-notify).
	ErrCancelled = errors.New("service: request cancelled by process termination")
)
