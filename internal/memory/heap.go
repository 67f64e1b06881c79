package memory

import (
	"errors"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/splax-s/splax/internal/constants"
)

var (
	// ErrHeapOutOfMemory is returned when the kernel heap arena cannot
	// satisfy an allocation. The heap never panics on this path; callers
	// decide how to react to a failed kernel-internal allocation.
	ErrHeapOutOfMemory = errors.New("memory: kernel heap exhausted")
	// ErrInvalidAlignment is returned by AllocAligned for an alignment that
	// is not a power of two.
	ErrInvalidAlignment = errors.New("memory: alignment must be a power of two")
)

type heapBlock struct {
	size  int
	free  bool
	prev  *heapBlock
	next  *heapBlock
	start int // offset into arena
}

// Heap is a fixed-size arena tracked by one address-ordered, doubly-linked
// list of all blocks (free and used), with first-fit placement,
// alignment-aware splitting, and eager coalescing on free.
// The arena is mmap'd anonymous memory, standing in for a BSS-resident
// kernel heap.
type Heap struct {
	mu     sync.Mutex
	arena  []byte
	blocks *heapBlock // head of the full block list (free and used), in address order
	byAddr map[int]*heapBlock
}

// NewHeap creates a heap of constants.KernelHeapSize bytes.
func NewHeap() (*Heap, error) {
	arena, err := unix.Mmap(-1, 0, constants.KernelHeapSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	h := &Heap{
		arena:  arena,
		byAddr: make(map[int]*heapBlock),
	}
	root := &heapBlock{size: len(arena), free: true, start: 0}
	h.blocks = root
	h.byAddr[0] = root
	return h, nil
}

func align(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

// Alloc returns a slice of at least size bytes backed by the arena, or
// ErrHeapOutOfMemory. Never panics.
func (h *Heap) Alloc(size int) ([]byte, error) {
	return h.AllocAligned(size, constants.HeapAlignment)
}

// AllocAligned is Alloc with an explicit arena-offset alignment, used for
// structures whose placement matters (DMA descriptors, page tables).
// alignment must be a power of two; values below the heap's minimum are
// rounded up to it. First-fit: a block whose aligned interior fits the
// request is carved into pad / allocation / remainder, pad and remainder
// staying on the free list.
func (h *Heap) AllocAligned(size, alignment int) ([]byte, error) {
	if size <= 0 {
		return nil, ErrZeroFrames
	}
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return nil, ErrInvalidAlignment
	}
	if alignment < constants.HeapAlignment {
		alignment = constants.HeapAlignment
	}
	need := align(size, constants.HeapAlignment)

	h.mu.Lock()
	defer h.mu.Unlock()

	for b := h.blocks; b != nil; b = b.next {
		if !b.free {
			continue
		}
		// Block starts are always multiples of the heap's minimum alignment,
		// so pad is either zero or itself a valid free block size.
		pad := align(b.start, alignment) - b.start
		if b.size < pad+need {
			continue
		}
		if pad > 0 {
			h.split(b, pad)
			b = b.next
		}
		if b.size-need >= constants.HeapAlignment {
			h.split(b, need)
		}
		b.free = false
		return h.arena[b.start : b.start+size : b.start+need], nil
	}
	return nil, ErrHeapOutOfMemory
}

// split shrinks block b to its first `need` bytes, inserting the remainder as
// a new free block immediately after it. b's own free flag is left as is.
func (h *Heap) split(b *heapBlock, need int) {
	remainderStart := b.start + need
	remainder := &heapBlock{
		size:  b.size - need,
		free:  true,
		start: remainderStart,
		prev:  b,
		next:  b.next,
	}
	if b.next != nil {
		b.next.prev = remainder
	}
	b.next = remainder
	b.size = need
	h.byAddr[remainderStart] = remainder
}

// offsetOf returns p's byte offset into the arena.
func (h *Heap) offsetOf(p []byte) int {
	return int(uintptr(unsafe.Pointer(&p[0])) - uintptr(unsafe.Pointer(&h.arena[0])))
}

// Free returns a previously allocated slice to the heap, coalescing with
// adjacent free neighbors eagerly.
func (h *Heap) Free(p []byte) {
	if len(p) == 0 {
		return
	}
	start := h.offsetOf(p)

	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.byAddr[start]
	if !ok || b.free {
		return
	}
	b.free = true

	if b.next != nil && b.next.free {
		h.mergeNext(b)
	}
	if b.prev != nil && b.prev.free {
		h.mergeNext(b.prev)
	}
}

// mergeNext absorbs b.next into b. Caller holds h.mu.
func (h *Heap) mergeNext(b *heapBlock) {
	n := b.next
	if n == nil {
		return
	}
	b.size += n.size
	b.next = n.next
	if n.next != nil {
		n.next.prev = b
	}
	delete(h.byAddr, n.start)
}

// Close releases the mmap'd arena.
func (h *Heap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.arena == nil {
		return nil
	}
	err := unix.Munmap(h.arena)
	h.arena = nil
	return err
}

// FreeBytes returns the total bytes currently unallocated in the heap.
func (h *Heap) FreeBytes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for b := h.blocks; b != nil; b = b.next {
		if b.free {
			total += b.size
		}
	}
	return total
}
