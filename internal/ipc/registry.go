package ipc

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/splax-s/splax/internal/capability"
	"github.com/splax-s/splax/internal/constants"
)

var (
	// ErrChannelNotFound is returned by registry lookups for an unknown ID.
	ErrChannelNotFound = errors.New("ipc: channel not found")
	// ErrTooManyChannels is returned when the registry is at capacity.
	ErrTooManyChannels = errors.New("ipc: channel table full")
)

// Registry owns every channel's lifecycle: creation, lookup, and closing.
type Registry struct {
	mu       sync.RWMutex
	channels map[ChannelID]*Channel
	nextID   atomic.Uint64
	capTable *capability.Table
	hooks    Hooks
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[ChannelID]*Channel)}
}

// SetCapTable installs the capability table every channel created after
// this call will use to authorize shared-memory payloads (see
// Channel.SetCapTable). Channels created before this call are unaffected.
func (r *Registry) SetCapTable(t *capability.Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capTable = t
}

// SetHooks installs the traffic hooks every channel created after this call
// will carry (see Channel.SetHooks). Channels created before this call are
// unaffected.
func (r *Registry) SetHooks(h Hooks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = h
}

// CreateChannel allocates a new channel between sender and receiver with the
// default ring capacity.
func (r *Registry) CreateChannel(sender, receiver ProcessID) (*Channel, error) {
	return r.CreateChannelWithCapacity(sender, receiver, 0)
}

// CreateChannelWithCapacity allocates a new channel with an explicit ring
// capacity; capacity <= 0 means "use the default."
func (r *Registry) CreateChannelWithCapacity(sender, receiver ProcessID, capacity int) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.channels) >= constants.MaxChannels {
		return nil, ErrTooManyChannels
	}

	id := ChannelID(r.nextID.Add(1))
	var ch *Channel
	if capacity > 0 {
		ch = NewChannelWithCapacity(id, sender, receiver, capacity)
	} else {
		ch = NewChannel(id, sender, receiver)
	}
	if r.capTable != nil {
		ch.SetCapTable(r.capTable)
	}
	ch.SetHooks(r.hooks)
	r.channels[id] = ch
	return ch, nil
}

// Lookup returns the channel for id, if it exists.
func (r *Registry) Lookup(id ChannelID) (*Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	if !ok {
		return nil, ErrChannelNotFound
	}
	return ch, nil
}

// Close closes and forgets the channel with the given ID.
func (r *Registry) Close(id ChannelID) error {
	r.mu.Lock()
	ch, ok := r.channels[id]
	if ok {
		delete(r.channels, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrChannelNotFound
	}
	ch.Close()
	return nil
}

// CloseAllOwnedBy closes every channel where pid is the sender or receiver,
// used by process termination to cut off a dying process's IPC surface.
func (r *Registry) CloseAllOwnedBy(pid ProcessID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.channels {
		if ch.Sender == pid || ch.Receiver == pid {
			ch.Close()
			delete(r.channels, id)
		}
	}
}
