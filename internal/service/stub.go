package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/splax-s/splax/internal/capability"
	"github.com/splax-s/splax/internal/ipc"
	"github.com/splax-s/splax/internal/logging"
	"github.com/splax-s/splax/internal/sched"
)

// ProcessID aliases the capability package's process identifier.
type ProcessID = capability.ProcessID

// KernelPID is the process ID reserved for the kernel itself (0), the
// sender of every service request.
const KernelPID ProcessID = 0

// pendingReply is the bookkeeping kept for one in-flight request: who asked,
// when, the channel a reply is delivered on, and the cancel signal process
// termination fires so a waiter with no timeout still unblocks.
type pendingReply struct {
	caller ProcessID
	sentAt time.Time
	result chan Envelope
	cancel chan struct{}
}

// Stub is a kernel-side shim for one service domain (VFS, Socket, Device).
// It marshals a system call into an Envelope, sends it on the bound request
// channel, and blocks the caller (via the scheduler's Block/Wake, and at the
// Go level via a result channel) until a matching reply arrives or the
// domain's timeout elapses.
type Stub struct {
	Domain string

	requests *ipc.Channel // kernel -> service
	replies  *ipc.Channel // service -> kernel

	capTable *capability.Table
	sched    *sched.Scheduler
	log      *logging.Logger

	pending sync.Map // RequestID uint64 -> *pendingReply
	nextID  atomic.Uint64
	salt    uint64 // unguessable seed mixed into request IDs

	unknownReplies atomic.Uint64
	timeouts       atomic.Uint64

	onCall func(latencyNs uint64, timedOut bool)
}

// SetCallHook installs a callback observing every replied or timed-out
// Call, used by the kernel to feed its metrics. Install before the stub
// sees traffic.
func (s *Stub) SetCallHook(fn func(latencyNs uint64, timedOut bool)) {
	s.onCall = fn
}

// NewStub creates a stub for domain, bound to a request and a reply
// channel. sched and capTable may be nil in tests that only exercise
// marshalling and timeout bookkeeping.
func NewStub(domain string, requests, replies *ipc.Channel, s *sched.Scheduler, capTable *capability.Table, log *logging.Logger) *Stub {
	st := &Stub{
		Domain:   domain,
		requests: requests,
		replies:  replies,
		capTable: capTable,
		sched:    s,
		log:      log,
	}
	seed := uuid.New()
	st.salt = uint64(seed[0])<<56 | uint64(seed[1])<<48 | uint64(seed[2])<<40 | uint64(seed[3])<<32 |
		uint64(seed[4])<<24 | uint64(seed[5])<<16 | uint64(seed[6])<<8 | uint64(seed[7])
	return st
}

// mintRequestID returns a monotonically increasing ID salted with an
// unguessable per-stub seed. Monotonicity preserves request ordering for
// diagnostics; the salt keeps a caller from predicting another process's
// in-flight request IDs.
func (s *Stub) mintRequestID() uint64 {
	return s.salt + s.nextID.Add(1)
}

// Call packages tag/body as an Envelope, records a pending slot, sends it on
// the request channel, and blocks caller until a reply with the matching
// RequestID arrives or timeout elapses (timeout == 0 means wait until ctx is
// done, matching device IRQ-notify's "no timeout").
//
// If a capability table is wired and token is non-nil, the capability is
// checked for required before anything else happens: a failing check (e.g.
// a revoked token) short-circuits the call and the request is never sent.
func (s *Stub) Call(ctx context.Context, caller ProcessID, token uuid.UUID, required capability.Permission, tag OpTag, body []byte, timeout time.Duration) (Envelope, error) {
	if s.capTable != nil && token != uuid.Nil {
		if err := s.capTable.Check(caller, token, required); err != nil {
			return Envelope{}, err
		}
	}

	id := s.mintRequestID()
	env := Envelope{
		RequestID:    id,
		Tag:          tag,
		CallerPID:    uint64(caller),
		ReplyChannel: s.replies.ID,
		Body:         body,
	}

	slot := &pendingReply{
		caller: caller,
		sentAt: time.Now(),
		result: make(chan Envelope, 1),
		cancel: make(chan struct{}),
	}
	s.pending.Store(id, slot)

	if err := s.requests.Send(KernelPID, ipc.Message{Inline: env.Marshal()}); err != nil {
		s.pending.Delete(id)
		if errors.Is(err, ipc.ErrChannelClosed) {
			return Envelope{}, ErrServiceUnavailable
		}
		return Envelope{}, err
	}

	if s.sched != nil {
		_ = s.sched.Block(caller)
	}
	if s.log != nil {
		s.log.Debug("service call sent", "domain", s.Domain, "request_id", id, "tag", uint32(tag), "caller", uint64(caller))
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case reply := <-slot.result:
		if s.sched != nil {
			_ = s.sched.Wake(caller)
		}
		if s.onCall != nil {
			s.onCall(uint64(time.Since(slot.sentAt)), false)
		}
		return reply, nil
	case <-slot.cancel:
		// Cancel already removed the slot; the caller was terminated, so
		// the Wake below is a no-op, kept for the termination-raced case.
		if s.sched != nil {
			_ = s.sched.Wake(caller)
		}
		return Envelope{}, ErrCancelled
	case <-timeoutCh:
		s.pending.Delete(id)
		s.timeouts.Add(1)
		if s.sched != nil {
			_ = s.sched.Wake(caller)
		}
		if s.onCall != nil {
			s.onCall(uint64(time.Since(slot.sentAt)), true)
		}
		if s.log != nil {
			s.log.Warn("service call timed out", "domain", s.Domain, "request_id", id, "caller", uint64(caller))
		}
		return Envelope{}, ErrTimeout
	case <-ctx.Done():
		s.pending.Delete(id)
		if s.sched != nil {
			_ = s.sched.Wake(caller)
		}
		return Envelope{}, ctx.Err()
	}
}

// DrainReplies runs until ctx is cancelled or the reply channel closes,
// reading one reply Envelope at a time and delivering it to the matching
// pending slot. It is meant to run on its own goroutine per stub, supervised
// alongside the scheduler's per-CPU loops.
func (s *Stub) DrainReplies(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, ok, err := s.replies.Receive(KernelPID, s.capTable)
		if err != nil {
			return err
		}
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-s.replies.Wait():
			}
			continue
		}

		env, err := UnmarshalEnvelope(msg.Inline)
		if err != nil {
			if s.log != nil {
				s.log.Warn("discarding malformed reply", "domain", s.Domain, "error", err)
			}
			continue
		}
		s.deliver(env)
	}
}

func (s *Stub) deliver(env Envelope) {
	v, ok := s.pending.LoadAndDelete(env.RequestID)
	if !ok {
		s.unknownReplies.Add(1)
		if s.log != nil {
			s.log.Debug("discarding reply for unknown request", "domain", s.Domain, "request_id", env.RequestID)
		}
		return
	}
	slot := v.(*pendingReply)
	select {
	case slot.result <- env:
	default:
		// Call already gave up (timeout/ctx) and deleted this slot from the
		// map in the same instant deliver observed it present; the send
		// would only block a closed-out caller that's no longer receiving.
	}
}

// Cancel discards every pending slot owned by pid and fires each slot's
// cancel signal, so a caller blocked in Call — even one with no timeout,
// like a device IRQ-notify wait — returns promptly with ErrCancelled, and
// late replies for those IDs are silently dropped. Used by process
// termination.
func (s *Stub) Cancel(pid ProcessID) {
	s.pending.Range(func(key, value any) bool {
		slot := value.(*pendingReply)
		if slot.caller != pid {
			return true
		}
		// LoadAndDelete claims the slot exactly once, so a reply delivery
		// or a second Cancel racing this one never double-closes.
		if v, ok := s.pending.LoadAndDelete(key); ok {
			close(v.(*pendingReply).cancel)
		}
		return true
	})
}

// UnknownReplyCount returns the number of replies discarded for referencing
// an unrecognized (already-timed-out or never-issued) RequestID.
func (s *Stub) UnknownReplyCount() uint64 { return s.unknownReplies.Load() }

// TimeoutCount returns the number of calls that gave up waiting for a reply.
func (s *Stub) TimeoutCount() uint64 { return s.timeouts.Load() }
