package service

import (
	"errors"

	"github.com/splax-s/splax/internal/constants"
)

// FastPathMaxPayload bounds how large a payload may ride the lock-free fast
// path; anything larger goes through Stub.Call's general channel path.
const FastPathMaxPayload = constants.FastPathMaxPayload

// ErrFastPathFull names the condition FastRing.TrySend reports by returning
// false (the ring has no free slot); TrySend itself returns no error, and
// callers fall back to Stub.Call.
var ErrFastPathFull = errors.New("service: fast-path ring full")

// FastMessage is one entry on the lock-free fast path: a small, fixed-size
// payload plus just enough header to correlate a reply (RequestID, Tag).
// Semantics are identical to the general Envelope path — this is a
// performance specialization, never a different protocol.
type FastMessage struct {
	RequestID uint64
	Tag       OpTag
	Payload   [FastPathMaxPayload]byte
	Len       uint8
}

// FastRing is a lock-free single-producer/single-consumer ring used to
// bypass Stub.Call's channel hop for small, latency-critical messages.
type FastRing interface {
	TrySend(m FastMessage) bool
	TryRecv() (FastMessage, bool)
	Close() error
}

// NewFastRing creates a fast-path ring with room for entries messages.
// Built with the giouring build tag, it is backed by an io_uring instance
// used purely as a wake/doorbell signal around the same lock-free array;
// without the tag, a portable pure-Go ring provides identical semantics at
// the cost of a busier poll loop instead of a blocking wait.
func NewFastRing(entries uint32) (FastRing, error) {
	return newPlatformRing(entries)
}
