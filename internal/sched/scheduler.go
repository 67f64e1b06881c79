package sched

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/splax-s/splax/internal/constants"
	"github.com/splax-s/splax/internal/logging"
)

var (
	ErrProcessNotFound  = errors.New("sched: process not found")
	ErrTooManyProcesses = errors.New("sched: process table full")
	ErrInvalidClass     = errors.New("sched: invalid scheduling class")
)

// ProcessFunc is the workload a per-CPU loop runs for the process it was
// just handed by Schedule. It is expected to respect ctx.Done(): the context
// carries a deadline equal to the process's class time slice (none for
// Realtime), which is this scheduler's stand-in for hardware preemption.
// Returning nil before the deadline without blocking or terminating the
// process means "quantum's unit of work is done," and the process goes back
// to the tail of its class's queue.
type ProcessFunc func(ctx context.Context, p *ProcessInfo) error

// Scheduler owns one RunQueue per online CPU, the process table, and the
// per-CPU IPI inboxes. It is the sole owner of every process's State: all
// transitions happen through its methods, never by a caller mutating a
// ProcessInfo directly.
type Scheduler struct {
	numCPUs int
	queues  []*RunQueue

	mu      sync.Mutex
	procs   map[ProcessID]*ProcessInfo
	current []ProcessID // current[cpu] is the running process, or 0 for none
	hasCur  []bool

	ipiInboxes []chan ipiMessage

	ticks []uint64 // per-CPU scheduler tick counter, for load-balance cadence

	hooks Hooks
	log   *logging.Logger
}

// Hooks receives notification of scheduling events, used by the kernel to
// feed its metrics. Install before RunAll; callbacks run inline on the
// scheduling path and must be fast and non-blocking.
type Hooks struct {
	ContextSwitch func()
	Migration     func()
	WorkSteal     func()
}

// SetHooks installs the scheduler's event hooks.
func (s *Scheduler) SetHooks(h Hooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = h
}

// NewScheduler creates a scheduler with numCPUs online CPUs, each starting
// with an empty run queue.
func NewScheduler(numCPUs int, log *logging.Logger) *Scheduler {
	s := &Scheduler{
		numCPUs:    numCPUs,
		queues:     make([]*RunQueue, numCPUs),
		procs:      make(map[ProcessID]*ProcessInfo),
		current:    make([]ProcessID, numCPUs),
		hasCur:     make([]bool, numCPUs),
		ipiInboxes: make([]chan ipiMessage, numCPUs),
		ticks:      make([]uint64, numCPUs),
		log:        log,
	}
	for i := 0; i < numCPUs; i++ {
		s.queues[i] = NewRunQueue(CPUID(i))
		s.ipiInboxes[i] = make(chan ipiMessage, 16)
	}
	return s
}

// NumCPUs reports how many CPUs this scheduler manages.
func (s *Scheduler) NumCPUs() int { return s.numCPUs }

// RunQueue returns the run queue owned by cpu, for inspection (tests,
// metrics).
func (s *Scheduler) RunQueue(cpu CPUID) *RunQueue { return s.queues[cpu] }

func validClass(c Class) bool { return c >= Realtime && c < numClasses }

func selectCPU(n int, mask AffinityMask, lastCPU CPUID, load func(CPUID) int64) CPUID {
	if mask.Has(lastCPU) && int(lastCPU) < n {
		return lastCPU
	}
	best := CPUID(0)
	bestLoad := int64(-1)
	found := false
	for c := 0; c < n; c++ {
		cpu := CPUID(c)
		if !mask.Has(cpu) {
			continue
		}
		l := load(cpu)
		if !found || l < bestLoad {
			bestLoad = l
			best = cpu
			found = true
		}
	}
	return best
}

// RegisterProcess adds a new process to the table in the Ready state and
// places it on the run queue selected by the standard CPU-selection policy
// (prefer last CPU in-mask, else lowest-load in-mask CPU, ties to lowest
// CpuId). affinity must be non-empty.
func (s *Scheduler) RegisterProcess(id ProcessID, class Class, priority uint8, affinity AffinityMask) (*ProcessInfo, error) {
	if !validClass(class) {
		return nil, ErrInvalidClass
	}
	s.mu.Lock()
	if len(s.procs) >= constants.MaxProcesses {
		s.mu.Unlock()
		return nil, ErrTooManyProcesses
	}
	if _, exists := s.procs[id]; exists {
		s.mu.Unlock()
		return nil, ErrProcessNotFound // re-registering an existing id is as invalid as looking one up that isn't there
	}
	p := &ProcessInfo{
		ID:       id,
		Class:    class,
		Priority: priority,
		Affinity: affinity,
	}
	p.setState(StateReady)
	s.procs[id] = p
	s.mu.Unlock()

	cpu := selectCPU(s.numCPUs, affinity, 0, func(c CPUID) int64 { return s.queues[c].Load() })
	p.LastCPU = cpu
	s.queues[cpu].PushBack(p)
	if s.log != nil {
		s.log.Debug("process registered", "pid", uint64(id), "class", class.String(), "cpu", uint32(cpu))
	}
	return p, nil
}

func (s *Scheduler) lookup(id ProcessID) (*ProcessInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		return nil, ErrProcessNotFound
	}
	return p, nil
}

// SetPriority updates a process's priority in place; it does not move the
// process within its queue (FIFO position is determined by arrival, not
// priority, per the determinism requirement — only class ordering matters).
func (s *Scheduler) SetPriority(id ProcessID, priority uint8) error {
	p, err := s.lookup(id)
	if err != nil {
		return err
	}
	if p.State() == StateReady {
		// A queued process's priority is part of its queue's load estimate.
		rq := s.queues[p.LastCPU]
		rq.mu.Lock()
		rq.load.Add(int64(priority) - int64(p.Priority))
		p.Priority = priority
		rq.mu.Unlock()
		return nil
	}
	p.Priority = priority
	return nil
}

// SetAffinity updates a process's affinity mask. It does not migrate an
// already-queued or running process; the new mask takes effect at the next
// Wake or steal/load-balance decision.
func (s *Scheduler) SetAffinity(id ProcessID, mask AffinityMask) error {
	p, err := s.lookup(id)
	if err != nil {
		return err
	}
	p.Affinity = mask
	return nil
}

// Schedule pops the front of the highest-priority non-empty lane on cpu's
// run queue, transitions it Ready -> Running, and records it as cpu's
// current process. It returns (nil, false) if cpu's queue is empty (the
// caller should consider work stealing or idling). It does not touch the IPI
// inbox; RunLoop drains pending IPIs before each call.
func (s *Scheduler) Schedule(cpu CPUID) (*ProcessInfo, bool) {
	var p *ProcessInfo
	for {
		var ok bool
		p, ok = s.queues[cpu].PopFront()
		if !ok {
			return nil, false
		}
		// A process terminated while queued (a steal racing the removal)
		// is dropped here instead of being resurrected.
		if p.State() != StateTerminated {
			break
		}
	}
	p.setState(StateRunning)
	p.LastCPU = cpu
	p.runAt = time.Now()
	p.ScheduleCount.Add(1)

	s.mu.Lock()
	s.current[cpu] = p.ID
	s.hasCur[cpu] = true
	s.mu.Unlock()

	if s.hooks.ContextSwitch != nil {
		s.hooks.ContextSwitch()
	}
	return p, true
}

func (s *Scheduler) clearCurrentIfSelf(cpu CPUID, id ProcessID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasCur[cpu] && s.current[cpu] == id {
		s.hasCur[cpu] = false
	}
}

func (s *Scheduler) accountCPUTime(p *ProcessInfo) {
	if p.runAt.IsZero() {
		return
	}
	p.CPUTime.Add(int64(time.Since(p.runAt)))
	p.runAt = time.Time{}
}

// Preempt moves cpu's current process back to the tail of its class's lane
// on the same CPU. Used on time-slice expiry.
func (s *Scheduler) Preempt(cpu CPUID) {
	s.mu.Lock()
	id, ok := s.current[cpu], s.hasCur[cpu]
	s.mu.Unlock()
	if !ok {
		return
	}
	p, err := s.lookup(id)
	if err != nil {
		return
	}
	s.accountCPUTime(p)
	p.setState(StateReady)
	s.clearCurrentIfSelf(cpu, id)
	s.queues[cpu].PushBack(p)
}

// Yield is the voluntary form of Preempt: a process gives up the remainder
// of its quantum.
func (s *Scheduler) Yield(id ProcessID) error {
	p, err := s.lookup(id)
	if err != nil {
		return err
	}
	if p.State() != StateRunning {
		return nil
	}
	s.accountCPUTime(p)
	p.setState(StateReady)
	s.clearCurrentIfSelf(p.LastCPU, id)
	s.queues[p.LastCPU].PushBack(p)
	return nil
}

// Block transitions a Running process to Blocked: IPC receive on empty,
// sleep, or a service-stub wait. A Blocked process sits in no run queue: a
// Ready process being blocked is taken off its queue first.
func (s *Scheduler) Block(id ProcessID) error {
	p, err := s.lookup(id)
	if err != nil {
		return err
	}
	s.accountCPUTime(p)
	if p.State() == StateReady {
		s.queues[p.LastCPU].Remove(p)
	}
	p.setState(StateBlocked)
	s.clearCurrentIfSelf(p.LastCPU, id)
	return nil
}

// Wake transitions a Blocked process to Ready and enqueues it on the CPU
// chosen by the standard selection policy. Waking a process that is not
// Blocked changes nothing and returns nil.
func (s *Scheduler) Wake(id ProcessID) error {
	p, err := s.lookup(id)
	if err != nil {
		return err
	}
	if p.State() != StateBlocked {
		return nil
	}
	cpu := selectCPU(s.numCPUs, p.Affinity, p.LastCPU, func(c CPUID) int64 { return s.queues[c].Load() })
	if cpu != p.LastCPU {
		p.Migrations.Add(1)
		if s.hooks.Migration != nil {
			s.hooks.Migration()
		}
	}
	p.LastCPU = cpu
	p.setState(StateReady)
	s.queues[cpu].PushBack(p)
	return nil
}

// Terminate moves a process to the absorbing Terminated state, removing it
// from whatever run queue holds it (if Ready) and clearing it as cpu's
// current process (if Running). Terminated processes are never scheduled
// again.
func (s *Scheduler) Terminate(id ProcessID) error {
	p, err := s.lookup(id)
	if err != nil {
		return err
	}
	switch p.State() {
	case StateRunning:
		s.accountCPUTime(p)
		s.clearCurrentIfSelf(p.LastCPU, id)
	case StateReady:
		s.queues[p.LastCPU].Remove(p)
	}
	p.setState(StateTerminated)

	s.mu.Lock()
	delete(s.procs, id)
	s.mu.Unlock()
	return nil
}

func sliceFor(c Class) time.Duration {
	switch c {
	case Interactive:
		return constants.InteractiveTimeSlice
	case Background:
		return constants.BackgroundTimeSlice
	default:
		return 0 // Realtime: runs until it yields, blocks, or is preempted by another Realtime arrival
	}
}

// tryStealWork makes cpu attempt to steal one process from another CPU's
// Background lane, then Interactive, never Realtime, always from the back
// of the victim's lane.
func (s *Scheduler) tryStealWork(cpu CPUID) bool {
	for c := 0; c < s.numCPUs; c++ {
		victim := CPUID(c)
		if victim == cpu {
			continue
		}
		p, ok := s.queues[victim].StealFromBack()
		if !ok {
			continue
		}
		p.Migrations.Add(1)
		p.LastCPU = cpu
		s.queues[cpu].PushBack(p)
		if s.hooks.WorkSteal != nil {
			s.hooks.WorkSteal()
		}
		if s.hooks.Migration != nil {
			s.hooks.Migration()
		}
		if s.log != nil {
			s.log.Debug("work stolen", "pid", uint64(p.ID), "from_cpu", uint32(victim), "to_cpu", uint32(cpu))
		}
		return true
	}
	return false
}

// maybeLoadBalance runs every constants.LoadBalanceTickInterval ticks on
// cpu: it computes the average load across all CPUs and, if cpu is
// under-loaded (load < average/2), pulls one task from the most-loaded CPU
// and sends that CPU a Reschedule IPI so it re-enters Schedule promptly with
// one less task queued.
func (s *Scheduler) maybeLoadBalance(cpu CPUID) {
	s.ticks[cpu]++
	if s.ticks[cpu]%constants.LoadBalanceTickInterval != 0 {
		return
	}
	var total int64
	maxLoad := int64(-1)
	maxCPU := cpu
	for c := 0; c < s.numCPUs; c++ {
		l := s.queues[c].Load()
		total += l
		if l > maxLoad {
			maxLoad = l
			maxCPU = CPUID(c)
		}
	}
	avg := total / int64(s.numCPUs)
	myLoad := s.queues[cpu].Load()
	if maxCPU == cpu || myLoad >= avg/2 {
		return
	}
	if p, ok := s.queues[maxCPU].StealFromBack(); ok {
		p.Migrations.Add(1)
		p.LastCPU = cpu
		s.queues[cpu].PushBack(p)
		if s.hooks.Migration != nil {
			s.hooks.Migration()
		}
		s.SendIPI(maxCPU, Reschedule)
	}
}

func trySetAffinity(cpu CPUID) {
	var set unix.CPUSet
	set.Zero()
	set.Set(int(cpu))
	// Best-effort: pinning is a cache-locality optimization, not a
	// correctness requirement, so a failure (container without CAP_SYS_NICE,
	// non-Linux GOOS) is silently ignored.
	_ = unix.SchedSetaffinity(0, &set)
}

// RunLoop drives cpu's scheduling loop until ctx is cancelled or a Stop IPI
// arrives: drain IPIs, Schedule (falling back to stealing, then a short
// idle sleep), run exec for the process's class time slice, account for
// slice expiry by preempting, and periodically load-balance. It is meant to
// run on its own goroutine, one per CPU, pinned with LockOSThread so each
// virtual CPU maps to one OS thread.
func (s *Scheduler) RunLoop(ctx context.Context, cpu CPUID, exec ProcessFunc) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	trySetAffinity(cpu)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if stopped := s.drainIPIs(cpu); stopped {
			return nil
		}

		p, ok := s.Schedule(cpu)
		if !ok {
			if s.tryStealWork(cpu) {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(constants.IdlePollInterval):
			}
			continue
		}

		runCtx := ctx
		var cancel context.CancelFunc
		if slice := sliceFor(p.Class); slice > 0 {
			runCtx, cancel = context.WithTimeout(ctx, slice)
		}
		err := exec(runCtx, p)
		if cancel != nil {
			cancel()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			s.Preempt(cpu)
		} else if p.State() == StateRunning {
			// exec returned without blocking or terminating the process:
			// its unit of work for this quantum is done, so it goes back to
			// the tail of its class's lane rather than keep the CPU.
			s.Preempt(cpu)
		}
		s.maybeLoadBalance(cpu)
	}
}

// RunAll launches one RunLoop goroutine per CPU under an errgroup, so the
// whole set of per-CPU loops starts and stops as one unit.
func (s *Scheduler) RunAll(ctx context.Context, exec ProcessFunc) (*errgroup.Group, context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for c := 0; c < s.numCPUs; c++ {
		cpu := CPUID(c)
		g.Go(func() error {
			return s.RunLoop(gctx, cpu, exec)
		})
	}
	return g, gctx
}

// StopAll broadcasts a Stop IPI to every CPU, used for a controlled kernel
// halt (fatal heap/frame-allocator/capability-table invariant violations).
func (s *Scheduler) StopAll() {
	for c := 0; c < s.numCPUs; c++ {
		s.SendIPI(CPUID(c), Stop)
	}
}
