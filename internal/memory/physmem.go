// Package memory implements the physical frame allocator and the kernel
// heap.
package memory

import (
	"sync"

	"github.com/splax-s/splax/internal/constants"
)

// PhysMem is a sharded-lock simulation of the low end of the physical
// address space. The kernel facade zeroes freshly allocated frames in it
// before they are handed to a new owner. Real hardware needs no such type; this stands in for it,
// sharded the same way a RAM-backed block device shards its address space
// for parallel access from multiple CPUs.
type PhysMem struct {
	data   []byte
	shards []sync.RWMutex
}

// ShardSize is the granularity of independent locks across the physical
// address space; chosen to exceed FrameSize so a single-frame op never spans
// more than two shards.
const ShardSize = 64 * 1024

// NewPhysMem allocates size bytes of backing storage, sharded for
// parallel CPU access.
func NewPhysMem(size int64) *PhysMem {
	numShards := (size + ShardSize - 1) / ShardSize
	if numShards < 1 {
		numShards = 1
	}
	return &PhysMem{
		data:   make([]byte, size),
		shards: make([]sync.RWMutex, numShards),
	}
}

func (m *PhysMem) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

// ZeroFrame zeroes the frame at the given physical address. Frame allocators
// must zero a frame before it is handed to a new owner so no data leaks
// across processes.
func (m *PhysMem) ZeroFrame(physAddr uint64) {
	off := int64(physAddr)
	length := int64(constants.FrameSize)
	if off+length > int64(len(m.data)) {
		length = int64(len(m.data)) - off
	}
	if length <= 0 {
		return
	}
	start, end := m.shardRange(off, length)
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	for i := off; i < off+length; i++ {
		m.data[i] = 0
	}
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
}

// ReadAt copies from the physical address space, honoring shard locks.
func (m *PhysMem) ReadAt(p []byte, physAddr uint64) int {
	off := int64(physAddr)
	if off >= int64(len(m.data)) {
		return 0
	}
	available := int64(len(m.data)) - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].RLock()
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	for i := start; i <= end; i++ {
		m.shards[i].RUnlock()
	}
	return n
}

// WriteAt copies into the physical address space, honoring shard locks.
func (m *PhysMem) WriteAt(p []byte, physAddr uint64) int {
	off := int64(physAddr)
	if off >= int64(len(m.data)) {
		return 0
	}
	available := int64(len(m.data)) - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	start, end := m.shardRange(off, int64(len(p)))
	for i := start; i <= end; i++ {
		m.shards[i].Lock()
	}
	n := copy(m.data[off:off+int64(len(p))], p)
	for i := start; i <= end; i++ {
		m.shards[i].Unlock()
	}
	return n
}

// Size returns the backing size in bytes.
func (m *PhysMem) Size() int64 {
	return int64(len(m.data))
}
