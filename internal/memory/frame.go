package memory

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/splax-s/splax/internal/constants"
)

var (
	// ErrZeroFrames is returned when a caller asks for zero frames.
	ErrZeroFrames = errors.New("memory: zero frames requested")
	// ErrOutOfMemory is returned when no free frames satisfy a request.
	ErrOutOfMemory = errors.New("memory: out of physical memory")
	// ErrFragmentedMemory is returned when enough frames are free in total
	// but no contiguous run of the requested length exists.
	ErrFragmentedMemory = errors.New("memory: no contiguous run available")
	// ErrInvalidAddress is returned for a frame index outside the managed
	// range, or a free of a frame that is not currently allocated.
	ErrInvalidAddress = errors.New("memory: address outside managed range or not allocated")
	// ErrAlreadyAllocated is returned by AllocateAt when the requested frame
	// is not free.
	ErrAlreadyAllocated = errors.New("memory: frame already allocated")
)

// FrameID identifies a physical frame by index, not address; PhysAddr
// converts to a byte address.
type FrameID uint64

// PhysAddr returns the physical byte address of a frame.
func (f FrameID) PhysAddr() uint64 {
	return uint64(f) * constants.FrameSize
}

// FrameAllocator is a single global bitmap allocator. One bit per frame; set
// means free. A rotating hint avoids always rescanning from frame 0, so
// allocation pressure spreads across the bitmap instead of pinning to low
// addresses.
type FrameAllocator struct {
	mu        sync.Mutex
	bits      []uint64 // one bit per frame, 1 = free
	numFrames uint64
	hint      uint64
	free      atomic.Int64
}

// NewFrameAllocator creates an allocator with no free regions; callers must
// add usable regions with AddFreeRegion before allocating (mirroring how a
// boot-time memory map is walked region by region).
func NewFrameAllocator(numFrames uint64) *FrameAllocator {
	if numFrames > constants.MaxFrames {
		numFrames = constants.MaxFrames
	}
	words := (numFrames + 63) / 64
	return &FrameAllocator{
		bits:      make([]uint64, words),
		numFrames: numFrames,
	}
}

func (a *FrameAllocator) setFree(f uint64, free bool) {
	word, bit := f/64, f%64
	if free {
		a.bits[word] |= 1 << bit
	} else {
		a.bits[word] &^= 1 << bit
	}
}

func (a *FrameAllocator) isFree(f uint64) bool {
	word, bit := f/64, f%64
	return a.bits[word]&(1<<bit) != 0
}

// AddFreeRegion marks [startFrame, startFrame+count) as free and available
// for allocation.
func (a *FrameAllocator) AddFreeRegion(startFrame, count uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for f := startFrame; f < startFrame+count && f < a.numFrames; f++ {
		if !a.isFree(f) {
			a.setFree(f, true)
			a.free.Add(1)
		}
	}
}

// ReserveRegion marks [startFrame, startFrame+count) as permanently
// unavailable (kernel image, MMIO, ACPI tables).
func (a *FrameAllocator) ReserveRegion(startFrame, count uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for f := startFrame; f < startFrame+count && f < a.numFrames; f++ {
		if a.isFree(f) {
			a.setFree(f, false)
			a.free.Add(-1)
		}
	}
}

// Allocate returns a single free frame, advancing the rotating hint past it.
func (a *FrameAllocator) Allocate() (FrameID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.findFree(a.hint)
	if !ok {
		return 0, ErrOutOfMemory
	}
	a.setFree(f, false)
	a.free.Add(-1)
	a.hint = (f + 1) % a.numFrames
	return FrameID(f), nil
}

// findFree scans starting at start, wrapping once.
func (a *FrameAllocator) findFree(start uint64) (uint64, bool) {
	for i := uint64(0); i < a.numFrames; i++ {
		f := (start + i) % a.numFrames
		if a.isFree(f) {
			return f, true
		}
	}
	return 0, false
}

// AllocateContiguous returns the first frame of a run of n contiguous free
// frames. Returns ErrFragmentedMemory (not ErrOutOfMemory) when free frames
// exist but none form a long enough run.
func (a *FrameAllocator) AllocateContiguous(n uint64) (FrameID, error) {
	if n == 0 {
		return 0, ErrZeroFrames
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if uint64(a.free.Load()) < n {
		return 0, ErrOutOfMemory
	}

	run := uint64(0)
	var runStart uint64
	for f := uint64(0); f < a.numFrames; f++ {
		if a.isFree(f) {
			if run == 0 {
				runStart = f
			}
			run++
			if run == n {
				for i := uint64(0); i < n; i++ {
					a.setFree(runStart+i, false)
				}
				a.free.Add(-int64(n))
				a.hint = (runStart + n) % a.numFrames
				return FrameID(runStart), nil
			}
		} else {
			run = 0
		}
	}
	return 0, ErrFragmentedMemory
}

// AllocateAt claims the specific frame f, used for fixed placements (an MMIO
// shadow, a DMA window a device insists on).
func (a *FrameAllocator) AllocateAt(f FrameID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint64(f) >= a.numFrames {
		return ErrInvalidAddress
	}
	if !a.isFree(uint64(f)) {
		return ErrAlreadyAllocated
	}
	a.setFree(uint64(f), false)
	a.free.Add(-1)
	return nil
}

// Free releases a single frame back to the pool. Freeing an out-of-range or
// not-allocated frame returns ErrInvalidAddress; the bitmap is untouched.
func (a *FrameAllocator) Free(f FrameID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint64(f) >= a.numFrames || a.isFree(uint64(f)) {
		return ErrInvalidAddress
	}
	a.setFree(uint64(f), true)
	a.free.Add(1)
	return nil
}

// FreeContiguous releases n frames starting at f. The whole run is validated
// before any frame is freed, so a bad run frees nothing.
func (a *FrameAllocator) FreeContiguous(f FrameID, n uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := uint64(0); i < n; i++ {
		idx := uint64(f) + i
		if idx >= a.numFrames || a.isFree(idx) {
			return ErrInvalidAddress
		}
	}
	for i := uint64(0); i < n; i++ {
		a.setFree(uint64(f)+i, true)
		a.free.Add(1)
	}
	return nil
}

// FreeCount returns the number of currently free frames without taking the
// allocator lock.
func (a *FrameAllocator) FreeCount() int64 {
	return a.free.Load()
}

// AllocateN allocates n frames one at a time, unwinding on failure. Frames
// need not be contiguous; callers wanting a contiguous run use
// AllocateContiguous instead.
func (a *FrameAllocator) AllocateN(n uint64) ([]FrameID, error) {
	if n == 0 {
		return nil, ErrZeroFrames
	}
	frames := make([]FrameID, 0, n)
	for i := uint64(0); i < n; i++ {
		f, err := a.Allocate()
		if err != nil {
			for _, done := range frames {
				a.Free(done)
			}
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}
