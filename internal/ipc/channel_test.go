package ipc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax-s/splax/internal/capability"
	"github.com/splax-s/splax/internal/constants"
)

func TestChannelFIFOOrdering(t *testing.T) {
	ch := NewChannel(1, 10, 20)

	for i := 0; i < 5; i++ {
		require.NoError(t, ch.Send(10, Message{Inline: []byte{byte(i)}}))
	}

	for i := 0; i < 5; i++ {
		msg, ok, err := ch.Receive(20, nil)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte{byte(i)}, msg.Inline)
		assert.EqualValues(t, i+1, msg.Seq)
	}
}

func TestChannelBackpressure(t *testing.T) {
	ch := NewChannelWithCapacity(1, 10, 20, 2)

	require.NoError(t, ch.Send(10, Message{Inline: []byte("a")}))
	require.NoError(t, ch.Send(10, Message{Inline: []byte("b")}))

	err := ch.Send(10, Message{Inline: []byte("c")})
	assert.ErrorIs(t, err, ErrBufferFull)

	stats := ch.Stats()
	assert.EqualValues(t, 1, stats.BufferFulls)
}

func TestChannelUnicastEnforcement(t *testing.T) {
	ch := NewChannel(1, 10, 20)

	err := ch.Send(99, Message{Inline: []byte("x")})
	assert.ErrorIs(t, err, ErrNotAuthorized)

	require.NoError(t, ch.Send(10, Message{Inline: []byte("x")}))
	_, _, err = ch.Receive(99, nil)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestChannelCloseDrainsThenRejects(t *testing.T) {
	ch := NewChannel(1, 10, 20)
	require.NoError(t, ch.Send(10, Message{Inline: []byte("last")}))
	ch.Close()

	msg, ok, err := ch.Receive(20, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("last"), msg.Inline)

	_, _, err = ch.Receive(20, nil)
	assert.ErrorIs(t, err, ErrChannelClosed)

	err = ch.Send(10, Message{Inline: []byte("too late")})
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestChannelRejectsOversizedInlinePayload(t *testing.T) {
	ch := NewChannel(1, 10, 20)
	big := make([]byte, constants.MaxInlineMessageSize+1)
	err := ch.Send(10, Message{Inline: big})
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestChannelSharedRefRequiresRegionCapability(t *testing.T) {
	caps := capability.NewTable(nil)
	ch := NewChannel(1, 10, 20)
	ch.SetCapTable(caps)

	region := caps.MintRoot(10, capability.ResourceRef{Kind: "frame", ID: 1}, capability.PermRead)

	err := ch.Send(10, Message{Shared: &SharedRef{PhysAddr: 0x1000, Size: 4096, RegionCap: region.ID}})
	require.NoError(t, err)

	msg, ok, err := ch.Receive(20, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(0x1000), msg.Shared.PhysAddr)
}

func TestChannelSharedRefRejectsWriteWithoutPermission(t *testing.T) {
	caps := capability.NewTable(nil)
	ch := NewChannel(1, 10, 20)
	ch.SetCapTable(caps)

	region := caps.MintRoot(10, capability.ResourceRef{Kind: "frame", ID: 1}, capability.PermRead)

	err := ch.Send(10, Message{Shared: &SharedRef{PhysAddr: 0x1000, Size: 4096, RegionCap: region.ID, Mutable: true}})
	assert.ErrorIs(t, err, capability.ErrInsufficientPermission)
}

func TestChannelSharedRefRejectsRevokedCapability(t *testing.T) {
	caps := capability.NewTable(nil)
	ch := NewChannel(1, 10, 20)
	ch.SetCapTable(caps)

	region := caps.MintRoot(10, capability.ResourceRef{Kind: "frame", ID: 1}, capability.PermRead)
	require.NoError(t, caps.Revoke(10, region.ID))

	err := ch.Send(10, Message{Shared: &SharedRef{PhysAddr: 0x1000, Size: 4096, RegionCap: region.ID}})
	assert.ErrorIs(t, err, capability.ErrRevoked)
}
