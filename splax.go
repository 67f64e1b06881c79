package splax

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/splax-s/splax/internal/bootcfg"
	"github.com/splax-s/splax/internal/capability"
	"github.com/splax-s/splax/internal/constants"
	"github.com/splax-s/splax/internal/ipc"
	"github.com/splax-s/splax/internal/logging"
	"github.com/splax-s/splax/internal/memory"
	"github.com/splax-s/splax/internal/sched"
	"github.com/splax-s/splax/internal/service"
)

// Kernel aggregates every subsystem behind one boot/run/shutdown lifecycle:
// the frame allocator and kernel heap, the capability table and its audit
// log, the IPC channel registry, the SMP scheduler, and the service stubs
// talking to userspace VFS/socket/device services.
type Kernel struct {
	Config   bootcfg.Config
	Frames   *memory.FrameAllocator
	Heap     *memory.Heap
	Caps     *capability.Table
	Audit    *capability.AuditLog
	Channels *ipc.Registry
	Sched    *sched.Scheduler
	Metrics  *Metrics
	Observer Observer

	// Root is the kernel's own root capability over the whole machine,
	// minted once at Boot. Every other token in the system descends from a
	// root the kernel minted through Caps.
	Root *capability.Token

	// Phys is the byte-addressable backing the facade's frame operations
	// zero freshly allocated frames in, sized by the boot descriptor's
	// phys_backing_bytes tunable (nil unless that is positive).
	Phys *memory.PhysMem

	stubs     map[string]*service.Stub
	log       *logging.Logger
	lock      *bootcfg.BootLock
	auditSink io.Writer

	group  *errgroup.Group
	cancel context.CancelFunc
}

// ServiceBinding names one userspace service domain and the channel pair a
// Stub for it should be wired to (kernel -> service requests, service ->
// kernel replies).
type ServiceBinding struct {
	Domain   string
	Requests *ipc.Channel
	Replies  *ipc.Channel
}

// BootParams collects the inputs that determine how a Kernel is built: the
// boot descriptor (memory map and tunables), an optional lock file path
// guarding against two instances double-booting the same backing arena, and
// the service domains to wire stubs for.
type BootParams struct {
	Config   bootcfg.Config
	LockPath string // empty disables the boot lock
	Services []ServiceBinding
}

// Options carries the ambient collaborators a boot may override.
type Options struct {
	Context  context.Context
	Logger   *logging.Logger
	Observer Observer
	// Exec is the workload a scheduled process runs for its quantum. If
	// nil, a process completes its slice immediately every time it is
	// scheduled (a kernel booted with no workload assigned yet).
	Exec sched.ProcessFunc
	// AuditSink, if non-nil, receives the compressed audit record stream
	// when Shutdown flushes the ring.
	AuditSink io.Writer
}

func defaultExec(ctx context.Context, p *sched.ProcessInfo) error { return nil }

// Boot constructs a Kernel from params, then starts its per-CPU scheduler
// loops and every configured service stub's reply-drain loop. Shutdown stops
// everything Boot started.
func Boot(ctx context.Context, params BootParams, options *Options) (*Kernel, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}
	log := options.Logger
	if log == nil {
		log = logging.Default()
	}
	exec := options.Exec
	if exec == nil {
		exec = defaultExec
	}

	var bl *bootcfg.BootLock
	if params.LockPath != "" {
		l, err := bootcfg.AcquireBootLock(params.LockPath)
		if err != nil {
			return nil, WrapError("Boot", err)
		}
		bl = l
	}

	cfg := params.Config
	if len(cfg.MemoryMap) == 0 {
		cfg = bootcfg.Default()
	}

	frames := memory.NewFrameAllocator(cfg.UsableBytes() / constants.FrameSize)
	for _, region := range cfg.MemoryMap {
		startFrame := region.Base / constants.FrameSize
		count := region.Length / constants.FrameSize
		if region.Tag == bootcfg.RegionUsable {
			frames.AddFreeRegion(startFrame, count)
		}
	}
	if cfg.KernelLoadLength > 0 {
		frames.ReserveRegion(cfg.KernelLoadBase/constants.FrameSize, cfg.KernelLoadLength/constants.FrameSize)
	}

	heap, err := memory.NewHeap()
	if err != nil {
		if bl != nil {
			bl.Release()
		}
		return nil, WrapError("Boot", err)
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = options.Observer
	}

	audit := capability.NewAuditLog()
	caps := capability.NewTable(audit)
	caps.SetHooks(capability.Hooks{
		Check:  observer.ObserveCapabilityCheck,
		Grant:  observer.ObserveGrant,
		Revoke: observer.ObserveRevocation,
	})
	root := caps.MintRoot(0, capability.ResourceRef{Kind: "kernel", ID: 0},
		capability.PermRead|capability.PermWrite|capability.PermExecute|capability.PermGrant|capability.PermRevoke)
	if cfg.RootCapabilitySeed != "" {
		log.Debug("root capability seed consumed from boot descriptor")
	}
	channels := ipc.NewRegistry()
	channels.SetCapTable(caps)
	channels.SetHooks(ipc.Hooks{
		Send:    observer.ObserveSend,
		Receive: observer.ObserveReceive,
	})
	scheduler := sched.NewScheduler(cfg.Tunables.NumCPUs, log)
	scheduler.SetHooks(sched.Hooks{
		ContextSwitch: observer.ObserveContextSwitch,
		Migration:     observer.ObserveMigration,
		WorkSteal:     observer.ObserveWorkSteal,
	})

	var phys *memory.PhysMem
	if cfg.Tunables.PhysBackingBytes > 0 {
		phys = memory.NewPhysMem(cfg.Tunables.PhysBackingBytes)
	}

	stubs := make(map[string]*service.Stub, len(params.Services))
	for _, b := range params.Services {
		st := service.NewStub(b.Domain, b.Requests, b.Replies, scheduler, caps, log)
		st.SetCallHook(observer.ObserveServiceCall)
		stubs[b.Domain] = st
	}

	k := &Kernel{
		Config:    cfg,
		Frames:    frames,
		Heap:      heap,
		Caps:      caps,
		Audit:     audit,
		Channels:  channels,
		Sched:     scheduler,
		Metrics:   metrics,
		Observer:  observer,
		Root:      root,
		Phys:      phys,
		stubs:     stubs,
		log:       log,
		lock:      bl,
		auditSink: options.AuditSink,
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	schedGroup, _ := scheduler.RunAll(gctx, exec)
	g.Go(schedGroup.Wait)
	for _, stub := range stubs {
		stub := stub
		g.Go(func() error {
			return stub.DrainReplies(gctx)
		})
	}
	k.group = g
	k.cancel = cancel

	log.Info("kernel booted", "cpus", cfg.Tunables.NumCPUs, "services", len(stubs))
	return k, nil
}

// Service returns the stub bound to domain, or nil if none was configured
// at Boot.
func (k *Kernel) Service(domain string) *service.Stub {
	return k.stubs[domain]
}

// AllocFrame allocates one physical frame and zeroes its backing (when the
// frame falls inside Phys) before handing it out, so no data leaks between
// owners.
func (k *Kernel) AllocFrame() (memory.FrameID, error) {
	f, err := k.Frames.Allocate()
	k.Observer.ObserveFrameAllocation(err == nil)
	if err != nil {
		return 0, WrapError("AllocFrame", err)
	}
	if k.Phys != nil {
		k.Phys.ZeroFrame(f.PhysAddr())
	}
	return f, nil
}

// AllocFramesContiguous is AllocFrame for a run of n consecutive frames.
func (k *Kernel) AllocFramesContiguous(n uint64) (memory.FrameID, error) {
	f, err := k.Frames.AllocateContiguous(n)
	k.Observer.ObserveFrameAllocation(err == nil)
	if err != nil {
		return 0, WrapError("AllocFramesContiguous", err)
	}
	if k.Phys != nil {
		for i := uint64(0); i < n; i++ {
			k.Phys.ZeroFrame((f + memory.FrameID(i)).PhysAddr())
		}
	}
	return f, nil
}

// FreeFrame releases a frame allocated through the facade.
func (k *Kernel) FreeFrame(f memory.FrameID) error {
	if err := k.Frames.Free(f); err != nil {
		return WrapError("FreeFrame", err)
	}
	return nil
}

// FreeFramesContiguous releases a contiguous run allocated through the
// facade.
func (k *Kernel) FreeFramesContiguous(f memory.FrameID, n uint64) error {
	if err := k.Frames.FreeContiguous(f, n); err != nil {
		return WrapError("FreeFramesContiguous", err)
	}
	return nil
}

// AllocBytes allocates from the kernel heap.
func (k *Kernel) AllocBytes(size int) ([]byte, error) {
	p, err := k.Heap.Alloc(size)
	k.Observer.ObserveHeapAllocation(err == nil)
	if err != nil {
		return nil, WrapError("AllocBytes", err)
	}
	return p, nil
}

// FreeBytes returns a heap allocation.
func (k *Kernel) FreeBytes(p []byte) {
	k.Heap.Free(p)
}

// TerminateProcess tears down everything a process owns: it is removed from
// the scheduler, its pending service-stub requests are cancelled so late
// replies are discarded, and every channel it is an endpoint of is closed so
// its peers observe ChannelClosed instead of hanging.
func (k *Kernel) TerminateProcess(pid capability.ProcessID) error {
	if err := k.Sched.Terminate(sched.ProcessID(pid)); err != nil {
		return WrapError("TerminateProcess", err)
	}
	for _, stub := range k.stubs {
		stub.Cancel(pid)
	}
	k.Channels.CloseAllOwnedBy(pid)
	return nil
}

// Shutdown halts every per-CPU scheduler loop and stub reply-drain loop
// started by Boot, waits for them to exit, and releases the boot lock (if
// one was taken).
func Shutdown(ctx context.Context, k *Kernel) error {
	if k == nil {
		return nil
	}
	if k.cancel != nil {
		k.cancel()
	}
	k.Sched.StopAll()

	var waitErr error
	if k.group != nil {
		waitErr = k.group.Wait()
	}
	k.Channels.CloseAllOwnedBy(service.KernelPID)

	if k.auditSink != nil {
		if err := k.Audit.Flush(k.auditSink); err != nil && waitErr == nil {
			waitErr = err
		}
	}
	k.Metrics.Stop()

	if k.lock != nil {
		if err := k.lock.Release(); err != nil {
			if waitErr == nil {
				waitErr = err
			}
		}
	}

	if k.log != nil {
		k.log.Info("kernel shutdown complete")
	}
	if waitErr != nil {
		return WrapError("Shutdown", waitErr)
	}
	return nil
}
