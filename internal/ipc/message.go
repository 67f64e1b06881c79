// Package ipc implements bounded, FIFO, unicast channels between processes,
// with zero-copy shared-memory references and at-most-one capability
// transfer per message.
package ipc

import (
	"errors"

	"github.com/google/uuid"

	"github.com/splax-s/splax/internal/capability"
	"github.com/splax-s/splax/internal/constants"
)

// ErrMessageTooLarge is returned when an inline payload exceeds
// constants.MaxInlineMessageSize. Payloads larger than that must be sent by
// SharedRef instead.
var ErrMessageTooLarge = errors.New("ipc: inline payload exceeds maximum size")

// SharedRef is a zero-copy reference to a region of physical memory. Holding
// a SharedRef does not by itself authorize access to it: RegionCap names the
// capability the sender is asserting grants access over [PhysAddr, PhysAddr+
// Size), and Mutable says whether the share needs write as well as read —
// Send verifies this before the reference is ever queued.
type SharedRef struct {
	PhysAddr  uint64
	Size      uint64
	RegionCap uuid.UUID
	Mutable   bool
}

// ProcessID aliases the capability package's process identifier so ipc
// doesn't need its own incompatible type.
type ProcessID = capability.ProcessID

// Message is one unit of channel traffic: either an inline payload or a
// shared-memory reference, never both, plus at most one transferred
// capability.
type Message struct {
	Sender     ProcessID
	Seq        uint64
	Inline     []byte
	Shared     *SharedRef
	Capability *capability.Token
}

// Validate checks size constraints before a message is accepted into a
// channel's ring.
func (m *Message) Validate() error {
	if m.Shared == nil && len(m.Inline) > constants.MaxInlineMessageSize {
		return ErrMessageTooLarge
	}
	return nil
}
