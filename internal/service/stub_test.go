package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax-s/splax/internal/capability"
	"github.com/splax-s/splax/internal/ipc"
)

const servicePID = ProcessID(100)

func newTestStub(t *testing.T) (*Stub, *ipc.Channel, *ipc.Channel) {
	t.Helper()
	requests := ipc.NewChannel(1, KernelPID, servicePID)
	replies := ipc.NewChannel(2, servicePID, KernelPID)
	return NewStub("vfs", requests, replies, nil, nil, nil), requests, replies
}

// fakeService waits (up to a second) for one request on requests, drains it
// and replies with ReplyOk,
// standing in for a userspace service for test purposes.
func fakeService(t *testing.T, requests, replies *ipc.Channel) {
	t.Helper()
	select {
	case <-requests.Wait():
	case <-time.After(time.Second):
	}
	msg, ok, err := requests.Receive(servicePID, nil)
	require.NoError(t, err)
	require.True(t, ok)
	req, err := UnmarshalEnvelope(msg.Inline)
	require.NoError(t, err)

	reply := Envelope{RequestID: req.RequestID, Tag: ReplyOk, Body: []byte("ok")}
	require.NoError(t, replies.Send(servicePID, ipc.Message{Inline: reply.Marshal()}))
}

func TestStubCallReceivesMatchingReply(t *testing.T) {
	stub, requests, replies := newTestStub(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = stub.DrainReplies(ctx)
	}()

	done := make(chan struct{})
	var result Envelope
	var callErr error
	go func() {
		result, callErr = stub.Call(context.Background(), 7, uuid.Nil, 0, TagVFSOpen, []byte("/x"), 2*time.Second)
		close(done)
	}()

	fakeService(t, requests, replies)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Call did not return after reply was sent")
	}
	require.NoError(t, callErr)
	assert.Equal(t, ReplyOk, result.Tag)
	assert.Equal(t, []byte("ok"), result.Body)
}

func TestStubCallTimesOutAndDiscardsLateReply(t *testing.T) {
	stub, requests, replies := newTestStub(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = stub.DrainReplies(ctx)
	}()

	_, err := stub.Call(context.Background(), 7, uuid.Nil, 0, TagVFSOpen, []byte("/x"), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, uint64(1), stub.TimeoutCount())

	// A reply now arrives after the caller already gave up.
	fakeService(t, requests, replies)
	require.Eventually(t, func() bool {
		return stub.UnknownReplyCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestStubCallRevokedTokenNeverSendsRequest(t *testing.T) {
	requests := ipc.NewChannel(1, KernelPID, servicePID)
	replies := ipc.NewChannel(2, servicePID, KernelPID)
	caps := capability.NewTable(nil)
	stub := NewStub("vfs", requests, replies, nil, caps, nil)

	root := caps.MintRoot(7, capability.ResourceRef{Kind: "vfs", ID: 1}, capability.PermRead)
	require.NoError(t, caps.Revoke(7, root.ID))

	_, err := stub.Call(context.Background(), 7, root.ID, capability.PermRead, TagVFSOpen, []byte("/x"), time.Second)
	assert.ErrorIs(t, err, capability.ErrRevoked)

	// The request must never have reached the service: a non-blocking
	// receive on the request channel should find nothing queued.
	_, ok, err := requests.Receive(servicePID, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStubCancelDropsPendingSlotsForProcess(t *testing.T) {
	stub, _, _ := newTestStub(t)
	id := stub.mintRequestID()
	stub.pending.Store(id, &pendingReply{
		caller: 5,
		result: make(chan Envelope, 1),
		cancel: make(chan struct{}),
	})

	stub.Cancel(5)

	_, ok := stub.pending.Load(id)
	assert.False(t, ok)
}

func TestStubCancelUnblocksNoTimeoutCall(t *testing.T) {
	stub, _, _ := newTestStub(t)

	// timeout == 0 models a device IRQ-notify wait: no deadline at all, so
	// only the cancel signal can unblock the caller.
	done := make(chan error, 1)
	go func() {
		_, err := stub.Call(context.Background(), 5, uuid.Nil, 0, TagDeviceIrqNotify, nil, 0)
		done <- err
	}()

	require.Eventually(t, func() bool {
		pending := 0
		stub.pending.Range(func(any, any) bool { pending++; return true })
		return pending == 1
	}, time.Second, time.Millisecond)

	stub.Cancel(5)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("Call with no timeout was not unblocked by Cancel")
	}
}
