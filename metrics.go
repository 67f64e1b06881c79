package splax

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing — the same shape a service
// stub's round-trip time or a capability check's wait time falls into.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks kernel-wide operational counters across the capability,
// IPC, scheduler, memory, and service-stub subsystems.
type Metrics struct {
	// Capability system
	CapabilityChecks      atomic.Uint64
	CapabilityDenials     atomic.Uint64
	CapabilityGrants      atomic.Uint64
	CapabilityRevocations atomic.Uint64

	// IPC
	MessagesSent        atomic.Uint64
	MessagesReceived    atomic.Uint64
	ChannelBackpressure atomic.Uint64

	// Scheduler
	ContextSwitches atomic.Uint64
	Migrations      atomic.Uint64
	WorkSteals      atomic.Uint64

	// Memory
	FrameAllocations atomic.Uint64
	FrameFailures    atomic.Uint64
	HeapAllocations  atomic.Uint64
	HeapFailures     atomic.Uint64

	// Service stubs
	ServiceCalls    atomic.Uint64
	ServiceTimeouts atomic.Uint64

	// Latency tracking, shared across call sites that report one
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Kernel lifecycle
	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordCapabilityCheck records the outcome of a Table.Check call.
func (m *Metrics) RecordCapabilityCheck(allowed bool) {
	m.CapabilityChecks.Add(1)
	if !allowed {
		m.CapabilityDenials.Add(1)
	}
}

// RecordGrant records a successful Table.Grant/Delegate.
func (m *Metrics) RecordGrant() { m.CapabilityGrants.Add(1) }

// RecordRevocation records a successful Table.Revoke.
func (m *Metrics) RecordRevocation() { m.CapabilityRevocations.Add(1) }

// RecordSend records a Channel.Send outcome.
func (m *Metrics) RecordSend(ok bool) {
	if ok {
		m.MessagesSent.Add(1)
	} else {
		m.ChannelBackpressure.Add(1)
	}
}

// RecordReceive records a successful Channel.Receive.
func (m *Metrics) RecordReceive() { m.MessagesReceived.Add(1) }

// RecordContextSwitch records one Scheduler.Schedule call returning a
// process to run.
func (m *Metrics) RecordContextSwitch() { m.ContextSwitches.Add(1) }

// RecordMigration records a process moving to a different CPU, whether by
// Wake's placement policy or work stealing.
func (m *Metrics) RecordMigration() { m.Migrations.Add(1) }

// RecordWorkSteal records a successful Scheduler.tryStealWork.
func (m *Metrics) RecordWorkSteal() { m.WorkSteals.Add(1) }

// RecordFrameAllocation records a FrameAllocator.Allocate outcome.
func (m *Metrics) RecordFrameAllocation(ok bool) {
	if ok {
		m.FrameAllocations.Add(1)
	} else {
		m.FrameFailures.Add(1)
	}
}

// RecordHeapAllocation records a Heap allocation outcome.
func (m *Metrics) RecordHeapAllocation(ok bool) {
	if ok {
		m.HeapAllocations.Add(1)
	} else {
		m.HeapFailures.Add(1)
	}
}

// RecordServiceCall records a Stub.Call outcome and its round-trip latency.
func (m *Metrics) RecordServiceCall(latencyNs uint64, timedOut bool) {
	m.ServiceCalls.Add(1)
	if timedOut {
		m.ServiceTimeouts.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the kernel as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time, non-atomic copy of Metrics' counters.
type MetricsSnapshot struct {
	CapabilityChecks      uint64
	CapabilityDenials     uint64
	CapabilityGrants      uint64
	CapabilityRevocations uint64

	MessagesSent        uint64
	MessagesReceived    uint64
	ChannelBackpressure uint64

	ContextSwitches uint64
	Migrations      uint64
	WorkSteals      uint64

	FrameAllocations uint64
	FrameFailures    uint64
	HeapAllocations  uint64
	HeapFailures     uint64

	ServiceCalls    uint64
	ServiceTimeouts uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyHistogram [numLatencyBuckets]uint64
}

// Snapshot creates a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		CapabilityChecks:      m.CapabilityChecks.Load(),
		CapabilityDenials:     m.CapabilityDenials.Load(),
		CapabilityGrants:      m.CapabilityGrants.Load(),
		CapabilityRevocations: m.CapabilityRevocations.Load(),
		MessagesSent:          m.MessagesSent.Load(),
		MessagesReceived:      m.MessagesReceived.Load(),
		ChannelBackpressure:   m.ChannelBackpressure.Load(),
		ContextSwitches:       m.ContextSwitches.Load(),
		Migrations:            m.Migrations.Load(),
		WorkSteals:            m.WorkSteals.Load(),
		FrameAllocations:      m.FrameAllocations.Load(),
		FrameFailures:         m.FrameFailures.Load(),
		HeapAllocations:       m.HeapAllocations.Load(),
		HeapFailures:          m.HeapFailures.Load(),
		ServiceCalls:          m.ServiceCalls.Load(),
		ServiceTimeouts:       m.ServiceTimeouts.Load(),
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	return snap
}

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.CapabilityChecks.Store(0)
	m.CapabilityDenials.Store(0)
	m.CapabilityGrants.Store(0)
	m.CapabilityRevocations.Store(0)
	m.MessagesSent.Store(0)
	m.MessagesReceived.Store(0)
	m.ChannelBackpressure.Store(0)
	m.ContextSwitches.Store(0)
	m.Migrations.Store(0)
	m.WorkSteals.Store(0)
	m.FrameAllocations.Store(0)
	m.FrameFailures.Store(0)
	m.HeapAllocations.Store(0)
	m.HeapFailures.Store(0)
	m.ServiceCalls.Store(0)
	m.ServiceTimeouts.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection across subsystems. Boot
// installs one (the built-in Metrics by default) into every subsystem's
// operation hooks, so each check, send, schedule, and allocation flows
// through it.
type Observer interface {
	ObserveCapabilityCheck(allowed bool)
	ObserveGrant()
	ObserveRevocation()
	ObserveSend(ok bool)
	ObserveReceive()
	ObserveContextSwitch()
	ObserveMigration()
	ObserveWorkSteal()
	ObserveFrameAllocation(ok bool)
	ObserveHeapAllocation(ok bool)
	ObserveServiceCall(latencyNs uint64, timedOut bool)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveCapabilityCheck(bool)     {}
func (NoOpObserver) ObserveGrant()                   {}
func (NoOpObserver) ObserveRevocation()              {}
func (NoOpObserver) ObserveSend(bool)                {}
func (NoOpObserver) ObserveReceive()                 {}
func (NoOpObserver) ObserveContextSwitch()           {}
func (NoOpObserver) ObserveMigration()               {}
func (NoOpObserver) ObserveWorkSteal()               {}
func (NoOpObserver) ObserveFrameAllocation(bool)     {}
func (NoOpObserver) ObserveHeapAllocation(bool)      {}
func (NoOpObserver) ObserveServiceCall(uint64, bool) {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCapabilityCheck(allowed bool) {
	o.metrics.RecordCapabilityCheck(allowed)
}

func (o *MetricsObserver) ObserveGrant() {
	o.metrics.RecordGrant()
}

func (o *MetricsObserver) ObserveRevocation() {
	o.metrics.RecordRevocation()
}

func (o *MetricsObserver) ObserveSend(ok bool) {
	o.metrics.RecordSend(ok)
}

func (o *MetricsObserver) ObserveReceive() {
	o.metrics.RecordReceive()
}

func (o *MetricsObserver) ObserveContextSwitch() {
	o.metrics.RecordContextSwitch()
}

func (o *MetricsObserver) ObserveMigration() {
	o.metrics.RecordMigration()
}

func (o *MetricsObserver) ObserveWorkSteal() {
	o.metrics.RecordWorkSteal()
}

func (o *MetricsObserver) ObserveFrameAllocation(ok bool) {
	o.metrics.RecordFrameAllocation(ok)
}

func (o *MetricsObserver) ObserveHeapAllocation(ok bool) {
	o.metrics.RecordHeapAllocation(ok)
}

func (o *MetricsObserver) ObserveServiceCall(latencyNs uint64, timedOut bool) {
	o.metrics.RecordServiceCall(latencyNs, timedOut)
}

// Compile-time interface checks
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
