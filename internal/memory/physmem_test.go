package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhysMemReadWrite(t *testing.T) {
	pm := NewPhysMem(1 << 20)

	in := []byte("splax")
	n := pm.WriteAt(in, 4096)
	assert.Equal(t, len(in), n)

	out := make([]byte, len(in))
	n = pm.ReadAt(out, 4096)
	assert.Equal(t, len(in), n)
	assert.Equal(t, in, out)
}

func TestPhysMemZeroFrame(t *testing.T) {
	pm := NewPhysMem(1 << 20)
	pm.WriteAt([]byte{1, 2, 3, 4}, 8192)

	pm.ZeroFrame(8192)

	out := make([]byte, 4)
	pm.ReadAt(out, 8192)
	assert.Equal(t, []byte{0, 0, 0, 0}, out)
}
