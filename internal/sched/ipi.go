package sched

// IPIKind enumerates the four inter-processor interrupt kinds the
// scheduler's cross-CPU coordination can deliver.
type IPIKind int

const (
	Reschedule IPIKind = iota
	TLBShootdown
	Stop
	FunctionCall
)

// ipiMessage is what actually travels on a CPU's IPI channel. Fn is only
// populated for FunctionCall.
type ipiMessage struct {
	Kind IPIKind
	Fn   func()
}

// SendIPI posts kind to target's inbox. The target's scheduling loop drains
// all pending IPIs before it next selects a process to run, so an IPI is
// guaranteed to be observed before the receiving CPU's next schedule
// decision — the ordering guarantee the concurrency model requires.
func (s *Scheduler) SendIPI(target CPUID, kind IPIKind) {
	s.SendIPIFunc(target, kind, nil)
}

// SendIPIFunc is SendIPI with an attached function for FunctionCall IPIs.
func (s *Scheduler) SendIPIFunc(target CPUID, kind IPIKind, fn func()) {
	if int(target) >= len(s.ipiInboxes) {
		return
	}
	select {
	case s.ipiInboxes[target] <- ipiMessage{Kind: kind, Fn: fn}:
	default:
		// Inbox full: the message is dropped, whatever its kind. For a
		// Reschedule or TLBShootdown a pending one has the same effect; a
		// dropped Stop or FunctionCall is lost.
	}
}

// drainIPIs processes every IPI currently queued for cpu, returning true if
// a Stop was among them.
func (s *Scheduler) drainIPIs(cpu CPUID) (stopped bool) {
	inbox := s.ipiInboxes[cpu]
	for {
		select {
		case msg := <-inbox:
			switch msg.Kind {
			case Stop:
				stopped = true
			case FunctionCall:
				if msg.Fn != nil {
					msg.Fn()
				}
			case Reschedule, TLBShootdown:
				// No-op here: their effect is simply "the CPU will now look
				// at the run queue again," which the loop always does next.
			}
		default:
			return stopped
		}
	}
}
