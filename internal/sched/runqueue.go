package sched

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// RunQueue is one CPU's ready list: three strict-priority FIFO lanes. A
// process in a higher class is always scheduled before any process in a
// lower class; within a class, order is FIFO.
type RunQueue struct {
	CPU CPUID

	mu    sync.Mutex
	lanes [numClasses]*list.List

	nrRunning atomic.Int32
	load      atomic.Int64 // sum over queued processes of (priority + 1)
}

// NewRunQueue creates an empty run queue for the given CPU.
func NewRunQueue(cpu CPUID) *RunQueue {
	rq := &RunQueue{CPU: cpu}
	for c := range rq.lanes {
		rq.lanes[c] = list.New()
	}
	return rq
}

// PushBack enqueues p at the back of its class's lane.
func (rq *RunQueue) PushBack(p *ProcessInfo) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	rq.lanes[p.Class].PushBack(p)
	rq.nrRunning.Add(1)
	rq.load.Add(int64(p.Priority) + 1)
}

// PopFront dequeues the front of the highest-priority non-empty lane.
func (rq *RunQueue) PopFront() (*ProcessInfo, bool) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	for c := 0; c < int(numClasses); c++ {
		lane := rq.lanes[c]
		if lane.Len() == 0 {
			continue
		}
		el := lane.Front()
		lane.Remove(el)
		p := el.Value.(*ProcessInfo)
		rq.nrRunning.Add(-1)
		rq.load.Add(-(int64(p.Priority) + 1))
		return p, true
	}
	return nil, false
}

// StealFromBack removes and returns the process at the back of the lowest
// eligible lane, for work stealing by an idle peer CPU. Realtime is never a
// stealable lane; Background is preferred over Interactive.
func (rq *RunQueue) StealFromBack() (*ProcessInfo, bool) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	for _, c := range []Class{Background, Interactive} {
		lane := rq.lanes[c]
		if lane.Len() == 0 {
			continue
		}
		el := lane.Back()
		lane.Remove(el)
		p := el.Value.(*ProcessInfo)
		rq.nrRunning.Add(-1)
		rq.load.Add(-(int64(p.Priority) + 1))
		return p, true
	}
	return nil, false
}

// NRRunning returns the current queue depth across all lanes without taking
// the lock.
func (rq *RunQueue) NRRunning() int32 {
	return rq.nrRunning.Load()
}

// Load is the cheap estimate used for CPU selection and load balancing: each
// queued process contributes (priority + 1), kept as an atomic so peers can
// read it without taking the queue lock.
func (rq *RunQueue) Load() int64 {
	return rq.load.Load()
}

// Remove deletes p from its class's lane, used when a Ready (queued) process
// blocks or terminates and must stop counting toward nr_running.
func (rq *RunQueue) Remove(p *ProcessInfo) bool {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	lane := rq.lanes[p.Class]
	for el := lane.Front(); el != nil; el = el.Next() {
		if el.Value.(*ProcessInfo) == p {
			lane.Remove(el)
			rq.nrRunning.Add(-1)
			rq.load.Add(-(int64(p.Priority) + 1))
			return true
		}
	}
	return false
}
