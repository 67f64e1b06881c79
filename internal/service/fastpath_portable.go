//go:build !giouring
// +build !giouring

package service

import "sync/atomic"

// newPlatformRing is the portable fast-path backend: a fixed-size array ring
// with atomic write/read cursors. It gives up giouring's blocking-wait
// doorbell for a plain busy-poll TryRecv, which is what every caller of this
// interface already does (Stub's general path, unlike this one, is the
// blocking path).
func newPlatformRing(entries uint32) (FastRing, error) {
	return newPortableRing(entries), nil
}

type portableRing struct {
	buf  []FastMessage
	mask uint64

	writeIdx atomic.Uint64
	readIdx  atomic.Uint64
}

func newPortableRing(entries uint32) *portableRing {
	size := nextPowerOfTwo(entries)
	return &portableRing{
		buf:  make([]FastMessage, size),
		mask: uint64(size - 1),
	}
}

func nextPowerOfTwo(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}

func (r *portableRing) TrySend(m FastMessage) bool {
	w := r.writeIdx.Load()
	read := r.readIdx.Load()
	if w-read >= uint64(len(r.buf)) {
		return false
	}
	r.buf[w&r.mask] = m
	r.writeIdx.Store(w + 1)
	return true
}

func (r *portableRing) TryRecv() (FastMessage, bool) {
	read := r.readIdx.Load()
	w := r.writeIdx.Load()
	if read == w {
		return FastMessage{}, false
	}
	m := r.buf[read&r.mask]
	r.readIdx.Store(read + 1)
	return m, true
}

func (r *portableRing) Close() error { return nil }
