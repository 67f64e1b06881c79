package memory

import "sync"

// Buffer size thresholds for the scratch-buffer pool kernel-internal copy
// paths stage transient data through (the audit log flushes its record
// stream via a scratch buffer, for one). Bucketed by power-of-two size to
// keep sync.Pool churn low under bursty workloads.
const (
	size4k  = 4 * 1024
	size16k = 16 * 1024
	size64k = 64 * 1024
)

var scratchPool = struct {
	pool4k  sync.Pool
	pool16k sync.Pool
	pool64k sync.Pool
}{
	pool4k:  sync.Pool{New: func() any { b := make([]byte, size4k); return &b }},
	pool16k: sync.Pool{New: func() any { b := make([]byte, size16k); return &b }},
	pool64k: sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
}

// GetScratch returns a pooled buffer of at least the requested size. Callers
// must call PutScratch when done. Requests above 64 KiB get a fresh, unpooled
// buffer.
func GetScratch(size int) []byte {
	switch {
	case size <= size4k:
		return (*scratchPool.pool4k.Get().(*[]byte))[:size]
	case size <= size16k:
		return (*scratchPool.pool16k.Get().(*[]byte))[:size]
	default:
		if size > size64k {
			return make([]byte, size)
		}
		return (*scratchPool.pool64k.Get().(*[]byte))[:size]
	}
}

// PutScratch returns a buffer to the pool it was drawn from, determined by
// its capacity.
func PutScratch(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size4k:
		scratchPool.pool4k.Put(&buf)
	case size16k:
		scratchPool.pool16k.Put(&buf)
	case size64k:
		scratchPool.pool64k.Put(&buf)
	}
}
