package capability

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax-s/splax/internal/constants"
)

type tokenSlot struct {
	token    Token
	children []TokenIndex
	live     bool
}

// Table is the arena-indexed capability forest. One RWMutex guards the whole
// arena: checks take the read lock, grant/revoke/delegate take the write
// lock. Per-shard locking was considered and rejected — revocation must see
// a consistent view of the whole subtree it is cutting, and the table is not
// on anyone's hot allocation path the way the frame bitmap or heap are.
type Table struct {
	mu    sync.RWMutex
	slots []tokenSlot
	byID  map[uuid.UUID]TokenIndex
	audit *AuditLog
	hooks Hooks
	nowFn func() time.Time
}

// Hooks receives notification of table operations, used by the kernel to
// feed its metrics. Install before the table sees traffic; callbacks run
// inline on the operation path and must be fast and non-blocking.
type Hooks struct {
	Check  func(allowed bool)
	Grant  func()
	Revoke func()
}

// SetHooks installs the table's operation hooks.
func (t *Table) SetHooks(h Hooks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = h
}

// NewTable creates an empty capability table. audit may be nil to disable
// logging (tests construct tables this way).
func NewTable(audit *AuditLog) *Table {
	return &Table{
		byID:  make(map[uuid.UUID]TokenIndex),
		audit: audit,
		nowFn: time.Now,
	}
}

func (t *Table) record(op Op, actor ProcessID, tokenID uuid.UUID, resource ResourceRef, outcome Outcome) {
	if t.audit == nil {
		return
	}
	t.audit.Append(Record{
		Timestamp:   t.nowFn(),
		Op:          op,
		Actor:       actor,
		TokenID:     tokenID,
		Resource:    resource,
		Outcome:     outcome,
	})
}

// MintRoot creates a new root token with no parent, owned by owner, over
// resource, with the given permissions. Roots are how a subsystem seeds
// authority for a freshly created object (a new channel, a new memory
// region) before any delegation happens. The returned token is a copy; the
// table retains the canonical record, so a later Transfer or Revoke is not
// reflected in it.
func (t *Table) MintRoot(owner ProcessID, resource ResourceRef, perms Permission) *Token {
	t.mu.Lock()
	defer t.mu.Unlock()

	tok := Token{
		ID:          uuid.New(),
		Owner:       owner,
		Resource:    resource,
		Permissions: perms,
		Parent:      nil,
		Depth:       0,
	}
	idx := TokenIndex(len(t.slots))
	t.slots = append(t.slots, tokenSlot{token: tok, live: true})
	t.byID[tok.ID] = idx

	t.record(OpMint, owner, tok.ID, resource, OutcomeAllowed)
	return &tok
}

// Grant creates a child token delegated from parentID, owned by newOwner,
// with a subset of the parent's permissions. The child's depth is the
// parent's depth + 1; depths beyond MaxDelegationDepth are rejected. As
// with MintRoot, the returned token is a copy of the table's record.
func (t *Table) Grant(actor ProcessID, parentID uuid.UUID, newOwner ProcessID, perms Permission) (*Token, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pIdx, ok := t.byID[parentID]
	if !ok || !t.slots[pIdx].live {
		return nil, ErrInvalidToken
	}
	parent := &t.slots[pIdx].token
	if parent.Revoked {
		t.record(OpGrant, actor, parentID, parent.Resource, OutcomeDenied)
		return nil, ErrRevoked
	}
	if !perms.Subset(parent.Permissions) {
		t.record(OpGrant, actor, parentID, parent.Resource, OutcomeDenied)
		return nil, ErrInsufficientPermission
	}
	if parent.Depth+1 > constants.MaxDelegationDepth {
		t.record(OpGrant, actor, parentID, parent.Resource, OutcomeDenied)
		return nil, ErrDelegationDepthExceeded
	}

	child := Token{
		ID:          uuid.New(),
		Owner:       newOwner,
		Resource:    parent.Resource,
		Permissions: perms,
		Parent:      &pIdx,
		Depth:       parent.Depth + 1,
	}
	idx := TokenIndex(len(t.slots))
	t.slots = append(t.slots, tokenSlot{token: child, live: true})
	t.byID[child.ID] = idx
	t.slots[pIdx].children = append(t.slots[pIdx].children, idx)

	t.record(OpGrant, actor, child.ID, child.Resource, OutcomeAllowed)
	if t.hooks.Grant != nil {
		t.hooks.Grant()
	}
	return &child, nil
}

// Delegate is Grant under the name the syscall surface uses; it is the same
// operation, exposed a second time so call sites can use whichever name
// reads better (minting a fresh subordinate vs. handing off existing
// authority to a peer).
func (t *Table) Delegate(actor ProcessID, parentID uuid.UUID, newOwner ProcessID, perms Permission) (*Token, error) {
	return t.Grant(actor, parentID, newOwner, perms)
}

// Check verifies that tokenID is live, unexpired, and authorizes all bits in
// required, on behalf of actor. It additionally walks the ancestor chain
// confirming none of them are revoked, a redundant check against the eager
// revoke in Revoke: eager revocation should make this walk always pass, but
// the walk costs little relative to a map lookup and removes the eager sweep
// as a single point of failure. Every outcome, allowed or denied, is
// appended to the audit log; checks are the most frequent audited
// operation.
func (t *Table) Check(actor ProcessID, tokenID uuid.UUID, required Permission) error {
	t.mu.RLock()
	err := t.checkLocked(tokenID, required)
	resource, haveResource := ResourceRef{}, false
	if idx, ok := t.byID[tokenID]; ok {
		resource, haveResource = t.slots[idx].token.Resource, true
	}
	hook := t.hooks.Check
	t.mu.RUnlock()

	outcome := OutcomeAllowed
	if err != nil {
		outcome = OutcomeDenied
	}
	if !haveResource {
		resource = ResourceRef{}
	}
	t.record(OpCheck, actor, tokenID, resource, outcome)
	if hook != nil {
		hook(err == nil)
	}
	return err
}

// checkLocked is Check's lookup/validation body, run under t.mu.RLock.
func (t *Table) checkLocked(tokenID uuid.UUID, required Permission) error {
	idx, ok := t.byID[tokenID]
	if !ok || !t.slots[idx].live {
		return ErrInvalidToken
	}
	tok := &t.slots[idx].token
	if tok.Revoked || tok.expired(t.nowFn()) {
		return ErrRevoked
	}
	if !required.Subset(tok.Permissions) {
		return ErrInsufficientPermission
	}

	for p := tok.Parent; p != nil; {
		ancestor := &t.slots[*p].token
		if ancestor.Revoked {
			return ErrRevoked
		}
		p = ancestor.Parent
	}
	return nil
}

// Revoke cuts tokenID and its entire subtree from the forest: every
// descendant is flagged Revoked atomically under the table's write lock, so
// no concurrent Check ever observes a half-revoked subtree.
func (t *Table) Revoke(actor ProcessID, tokenID uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.byID[tokenID]
	if !ok || !t.slots[idx].live {
		return ErrInvalidToken
	}

	var walk func(i TokenIndex)
	walk = func(i TokenIndex) {
		t.slots[i].token.Revoked = true
		for _, c := range t.slots[i].children {
			walk(c)
		}
	}
	walk(idx)

	t.record(OpRevoke, actor, tokenID, t.slots[idx].token.Resource, OutcomeAllowed)
	if t.hooks.Revoke != nil {
		t.hooks.Revoke()
	}
	return nil
}

// Transfer reassigns tokenID to newOwner, used when a capability rides an
// IPC message: on a successful receive the token moves to the receiving
// process and vanishes from the sender's view in the same step. Returns a
// copy of the token as the new owner now holds it.
func (t *Table) Transfer(tokenID uuid.UUID, newOwner ProcessID) (Token, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.byID[tokenID]
	if !ok || !t.slots[idx].live {
		return Token{}, ErrInvalidToken
	}
	tok := &t.slots[idx].token
	if tok.Revoked {
		return Token{}, ErrRevoked
	}
	tok.Owner = newOwner
	t.record(OpDelegate, newOwner, tok.ID, tok.Resource, OutcomeAllowed)
	return *tok, nil
}

// Lookup returns a copy of the token for inspection (audit tooling, tests).
func (t *Table) Lookup(tokenID uuid.UUID) (Token, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.byID[tokenID]
	if !ok {
		return Token{}, false
	}
	return t.slots[idx].token, true
}
