package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFastRingSendRecvFIFO(t *testing.T) {
	r, err := NewFastRing(4)
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 3; i++ {
		m := FastMessage{RequestID: uint64(i), Tag: TagDeviceIoctl, Len: 1}
		m.Payload[0] = byte(i)
		require.True(t, r.TrySend(m))
	}

	for i := 0; i < 3; i++ {
		m, ok := r.TryRecv()
		require.True(t, ok)
		assert.Equal(t, uint64(i), m.RequestID)
	}
	_, ok := r.TryRecv()
	assert.False(t, ok)
}

func TestFastRingFullReturnsFalse(t *testing.T) {
	r, err := NewFastRing(2)
	require.NoError(t, err)
	defer r.Close()

	sent := 0
	for i := 0; i < 10; i++ {
		if r.TrySend(FastMessage{RequestID: uint64(i)}) {
			sent++
		}
	}
	assert.LessOrEqual(t, sent, 2)
	assert.Greater(t, sent, 0)
}

func TestNextPowerOfTwo(t *testing.T) {
	cases := map[uint32]uint32{0: 1, 1: 1, 2: 2, 3: 4, 5: 8, 256: 256, 257: 512}
	for in, want := range cases {
		assert.Equal(t, want, nextPowerOfTwo(in))
	}
}
