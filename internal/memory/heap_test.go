package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeapAllocFree(t *testing.T) {
	h, err := NewHeap()
	require.NoError(t, err)
	defer h.Close()

	before := h.FreeBytes()
	buf, err := h.Alloc(128)
	require.NoError(t, err)
	assert.Len(t, buf, 128)
	assert.Less(t, h.FreeBytes(), before)

	h.Free(buf)
	assert.Equal(t, before, h.FreeBytes())
}

func TestHeapCoalescesOnFree(t *testing.T) {
	h, err := NewHeap()
	require.NoError(t, err)
	defer h.Close()

	before := h.FreeBytes()

	a, err := h.Alloc(64)
	require.NoError(t, err)
	b, err := h.Alloc(64)
	require.NoError(t, err)
	c, err := h.Alloc(64)
	require.NoError(t, err)

	h.Free(a)
	h.Free(c)
	h.Free(b)

	assert.Equal(t, before, h.FreeBytes())
}

func TestHeapAllocAligned(t *testing.T) {
	h, err := NewHeap()
	require.NoError(t, err)
	defer h.Close()

	// Disturb the arena so the next aligned allocation needs a pad block.
	_, err = h.Alloc(48)
	require.NoError(t, err)

	buf, err := h.AllocAligned(100, 256)
	require.NoError(t, err)
	off := h.offsetOf(buf)
	assert.Zero(t, off%256, "allocation at offset %d is not 256-aligned", off)

	_, err = h.AllocAligned(16, 3)
	assert.ErrorIs(t, err, ErrInvalidAlignment)
}

func TestHeapExhaustionNeverPanics(t *testing.T) {
	h, err := NewHeap()
	require.NoError(t, err)
	defer h.Close()

	var bufs [][]byte
	var lastErr error
	for i := 0; i < 1<<20; i++ {
		buf, err := h.Alloc(64)
		if err != nil {
			lastErr = err
			break
		}
		bufs = append(bufs, buf)
	}
	assert.ErrorIs(t, lastErr, ErrHeapOutOfMemory)

	for _, b := range bufs {
		h.Free(b)
	}
}
