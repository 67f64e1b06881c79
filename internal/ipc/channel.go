package ipc

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/splax-s/splax/internal/capability"
	"github.com/splax-s/splax/internal/constants"
)

var (
	ErrBufferFull      = errors.New("ipc: channel buffer full")
	ErrChannelClosed   = errors.New("ipc: channel closed")
	ErrNotAuthorized   = errors.New("ipc: caller is not this channel's sender or receiver")
	ErrRateLimited     = errors.New("ipc: send rate limit exceeded, retry later")
)

// ChannelID identifies a channel within a Registry.
type ChannelID uint64

// Stats is a point-in-time snapshot of a channel's traffic counters.
type Stats struct {
	Sent         uint64
	Received     uint64
	BufferFulls  uint64
	Depth        int
	Capacity     int
	Closed       bool
}

// Channel is a bounded, FIFO, unicast pipe between exactly one sender and
// one receiver process. Send never blocks: a full ring returns ErrBufferFull
// immediately so the caller decides whether and how to retry.
type Channel struct {
	ID       ChannelID
	Sender   ProcessID
	Receiver ProcessID

	mu       sync.Mutex
	ring     []Message
	head     int
	size     int
	capacity int
	closed   bool
	waiters  []chan struct{}

	seq         atomic.Uint64
	sentCount   atomic.Uint64
	recvCount   atomic.Uint64
	fullCount   atomic.Uint64

	limiter  *rate.Limiter
	capTable *capability.Table
	hooks    Hooks
}

// Hooks receives notification of channel traffic, used by the kernel to
// feed its metrics. Install before the channel sees traffic; callbacks run
// inline under the channel lock and must be fast and non-blocking.
type Hooks struct {
	Send    func(ok bool) // ok=false means the ring was full
	Receive func()
}

// NewChannel creates a channel with the default ring capacity.
func NewChannel(id ChannelID, sender, receiver ProcessID) *Channel {
	return NewChannelWithCapacity(id, sender, receiver, constants.DefaultChannelCapacity)
}

// NewChannelWithCapacity creates a channel with an explicit ring size.
func NewChannelWithCapacity(id ChannelID, sender, receiver ProcessID, capacity int) *Channel {
	return &Channel{
		ID:       id,
		Sender:   sender,
		Receiver: receiver,
		ring:     make([]Message, capacity),
		capacity: capacity,
	}
}

// SetRateLimit installs an optional token-bucket admission limiter on Send.
// This is the caller-visible backpressure knob mentioned alongside
// ErrBufferFull: the kernel never blocks, it only ever says "not now."
func (c *Channel) SetRateLimit(r rate.Limit, burst int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limiter = rate.NewLimiter(r, burst)
}

// SetCapTable installs the capability table Send consults to authorize
// shared-memory payloads. Channels created without one (or in tests) accept
// shared references unchecked, the same way Receive skips capability
// transfer when given a nil table.
func (c *Channel) SetCapTable(t *capability.Table) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capTable = t
}

// SetHooks installs the channel's traffic hooks.
func (c *Channel) SetHooks(h Hooks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = h
}

// Send enqueues msg. It never blocks: ErrBufferFull is returned immediately
// if the ring is at capacity. At most one capability may ride on a message;
// it is only reassigned to the receiving process once Receive successfully
// dequeues it, never at Send time. A Shared payload is verified against a
// capability table (if one is installed): the send is rejected unless the
// sender holds RegionCap with at least read (and write, if Mutable) over the
// region. The reference and the right to use it are checked independently.
func (c *Channel) Send(from ProcessID, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	if from != c.Sender {
		return ErrNotAuthorized
	}
	if c.limiter != nil && !c.limiter.Allow() {
		return ErrRateLimited
	}
	if msg.Shared != nil && c.capTable != nil {
		required := capability.PermRead
		if msg.Shared.Mutable {
			required |= capability.PermWrite
		}
		if err := c.capTable.Check(from, msg.Shared.RegionCap, required); err != nil {
			return err
		}
	}
	if c.size == c.capacity {
		c.fullCount.Add(1)
		if c.hooks.Send != nil {
			c.hooks.Send(false)
		}
		return ErrBufferFull
	}

	msg.Sender = from
	msg.Seq = c.seq.Add(1)
	tail := (c.head + c.size) % c.capacity
	c.ring[tail] = msg
	c.size++
	c.sentCount.Add(1)
	if c.hooks.Send != nil {
		c.hooks.Send(true)
	}

	c.wakeOneLocked()
	return nil
}

// Receive dequeues the oldest message for `who`, who must be the channel's
// designated receiver. If the ring is empty and the channel is open, the
// caller should suspend (this is a suspension point per the concurrency
// model); Receive itself just reports ErrBufferEmpty-equivalent via the ok
// return so schedulers decide how to wait.
func (c *Channel) Receive(who ProcessID, capTable *capability.Table) (Message, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if who != c.Receiver {
		return Message{}, false, ErrNotAuthorized
	}
	if c.size == 0 {
		if c.closed {
			return Message{}, false, ErrChannelClosed
		}
		return Message{}, false, nil
	}

	msg := c.ring[c.head]
	c.ring[c.head] = Message{}
	c.head = (c.head + 1) % c.capacity
	c.size--
	c.recvCount.Add(1)
	if c.hooks.Receive != nil {
		c.hooks.Receive()
	}

	if msg.Capability != nil && capTable != nil {
		tok, err := capTable.Transfer(msg.Capability.ID, who)
		if err != nil {
			return Message{}, false, err
		}
		msg.Capability = &tok
	}
	return msg, true, nil
}

// Wait blocks (via the supplied channel-of-struct{} hand-off) until a
// message is available or the channel closes. Schedulers call this from
// within a Blocked state; it is not used by Receive directly to keep
// Receive itself non-blocking and composable with a poll loop.
func (c *Channel) Wait() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan struct{}, 1)
	if c.size > 0 || c.closed {
		ch <- struct{}{}
		return ch
	}
	c.waiters = append(c.waiters, ch)
	return ch
}

func (c *Channel) wakeOneLocked() {
	for _, w := range c.waiters {
		select {
		case w <- struct{}{}:
		default:
		}
	}
	c.waiters = c.waiters[:0]
}

// Close drains no further sends; pending messages may still be received
// until the ring empties, after which Receive reports ErrChannelClosed.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.wakeOneLocked()
}

// Stats returns a snapshot of the channel's counters.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Sent:        c.sentCount.Load(),
		Received:    c.recvCount.Load(),
		BufferFulls: c.fullCount.Load(),
		Depth:       c.size,
		Capacity:    c.capacity,
		Closed:      c.closed,
	}
}
