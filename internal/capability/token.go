// Package capability implements the unforgeable-token capability system:
// minting, granting, checking, delegating, and revoking access to kernel
// resources.
package capability

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Permission is a bitmask of operations a token authorizes.
type Permission uint32

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermExecute
	PermGrant  // may delegate a subset of its own permissions
	PermRevoke // may revoke descendants of its own subtree
)

// Subset reports whether p contains only bits present in other.
func (p Permission) Subset(other Permission) bool {
	return p&^other == 0
}

// ProcessID identifies a process as the owner of a token.
type ProcessID uint64

// ResourceRef names the kernel object a token authorizes access to. It is
// opaque to the capability system itself; memory, ipc, and sched each mint
// resource references in their own namespace.
type ResourceRef struct {
	Kind string
	ID   uint64
}

// TokenIndex is an arena index into a Table, used instead of pointers so the
// capability graph is a forest by construction: a child only ever stores its
// parent's index, never a pointer cycle.
type TokenIndex uint32

var (
	ErrInvalidToken            = errors.New("capability: invalid or unknown token")
	ErrRevoked                 = errors.New("capability: token has been revoked")
	ErrInsufficientPermission  = errors.New("capability: requested permission exceeds grant")
	ErrDelegationDepthExceeded = errors.New("capability: delegation depth exceeded")
)

// Token is a capability: an unforgeable 128-bit identifier bound to a
// resource, a permission set, an owning process, and a position in the
// delegation forest.
type Token struct {
	ID          uuid.UUID
	Owner       ProcessID
	Resource    ResourceRef
	Permissions Permission
	Parent      *TokenIndex
	Depth       uint8
	Revoked     bool
	Expiry      time.Time // zero value means no expiry
}

func (t *Token) expired(now time.Time) bool {
	return !t.Expiry.IsZero() && now.After(t.Expiry)
}
