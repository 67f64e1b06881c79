//go:build integration

// Package integration exercises a fully booted Kernel end to end: the
// per-CPU scheduler loops and a service stub's reply-drain loop actually
// running on their own goroutines, talking across real IPC channels.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax-s/splax"
	"github.com/splax-s/splax/internal/bootcfg"
	"github.com/splax-s/splax/internal/capability"
	"github.com/splax-s/splax/internal/ipc"
	"github.com/splax-s/splax/internal/sched"
	"github.com/splax-s/splax/internal/service"
)

func TestKernelBootRunShutdown(t *testing.T) {
	cfg := bootcfg.Default()
	cfg.Tunables.NumCPUs = 2

	ctx := context.Background()
	k, err := splax.Boot(ctx, splax.BootParams{Config: cfg}, nil)
	require.NoError(t, err)
	require.NotNil(t, k)

	all := sched.AllCPUs(2)
	_, err = k.Sched.RegisterProcess(1, sched.Background, 0, all)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.NoError(t, splax.Shutdown(context.Background(), k))
}

func TestServiceCallRoundTripViaMockService(t *testing.T) {
	cfg := bootcfg.Default()
	cfg.Tunables.NumCPUs = 1

	channels := ipc.NewRegistry()
	requests, err := channels.CreateChannel(service.KernelPID, 100)
	require.NoError(t, err)
	replies, err := channels.CreateChannel(100, service.KernelPID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	k, err := splax.Boot(ctx, splax.BootParams{
		Config: cfg,
		Services: []splax.ServiceBinding{
			{Domain: "vfs", Requests: requests, Replies: replies},
		},
	}, nil)
	require.NoError(t, err)
	defer splax.Shutdown(context.Background(), k)

	mock := splax.NewMockService("vfs", 100, requests, replies, k.Caps)
	go mock.Run(ctx)

	all := sched.AllCPUs(1)
	_, err = k.Sched.RegisterProcess(1, sched.Interactive, 0, all)
	require.NoError(t, err)

	stub := k.Service("vfs")
	require.NotNil(t, stub)

	env, err := stub.Call(ctx, 1, uuid.Nil, 0, service.TagVFSOpen, []byte("/x"), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, service.ReplyOk, env.Tag)

	require.Len(t, mock.Seen(), 1)
	assert.Equal(t, service.TagVFSOpen, mock.Seen()[0].Tag)
}

func TestServiceCallRevokedCapabilityNeverReachesService(t *testing.T) {
	cfg := bootcfg.Default()
	cfg.Tunables.NumCPUs = 1

	channels := ipc.NewRegistry()
	requests, err := channels.CreateChannel(service.KernelPID, 100)
	require.NoError(t, err)
	replies, err := channels.CreateChannel(100, service.KernelPID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	k, err := splax.Boot(ctx, splax.BootParams{
		Config: cfg,
		Services: []splax.ServiceBinding{
			{Domain: "vfs", Requests: requests, Replies: replies},
		},
	}, nil)
	require.NoError(t, err)
	defer splax.Shutdown(context.Background(), k)

	mock := splax.NewMockService("vfs", 100, requests, replies, k.Caps)
	go mock.Run(ctx)

	root := k.Caps.MintRoot(1, capability.ResourceRef{Kind: "vfs", ID: 1}, capability.PermRead)
	require.NoError(t, k.Caps.Revoke(1, root.ID))

	stub := k.Service("vfs")
	require.NotNil(t, stub)

	_, err = stub.Call(ctx, 1, root.ID, capability.PermRead, service.TagVFSOpen, []byte("/x"), time.Second)
	assert.ErrorIs(t, err, capability.ErrRevoked)
	assert.Empty(t, mock.Seen())
}

func TestServiceStubTimeoutScenario(t *testing.T) {
	channels := ipc.NewRegistry()
	requests, err := channels.CreateChannel(service.KernelPID, 100)
	require.NoError(t, err)
	replies, err := channels.CreateChannel(100, service.KernelPID)
	require.NoError(t, err)

	stub := service.NewStub("vfs", requests, replies, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stub.DrainReplies(ctx)

	// No service ever drains `requests`, so the call must time out. A real
	// 5s DefaultVFSTimeout would be honored by a live kernel; the test uses
	// a much shorter one to stay fast.
	_, err = stub.Call(context.Background(), 1, uuid.Nil, 0, service.TagVFSOpen, []byte("/x"), 20*time.Millisecond)
	assert.ErrorIs(t, err, service.ErrTimeout)

	// A late reply for that (now-discarded) request increments the
	// unknown-reply counter rather than surfacing anywhere.
	msg, ok, err := requests.Receive(100, nil)
	require.NoError(t, err)
	require.True(t, ok)
	req, err := service.UnmarshalEnvelope(msg.Inline)
	require.NoError(t, err)
	late := service.Envelope{RequestID: req.RequestID, Tag: service.ReplyOk}
	require.NoError(t, replies.Send(100, ipc.Message{Inline: late.Marshal()}))

	assert.Eventually(t, func() bool {
		return stub.UnknownReplyCount() == 1
	}, time.Second, 5*time.Millisecond)
}
