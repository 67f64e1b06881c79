package sched

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerStrictClassPriority(t *testing.T) {
	s := NewScheduler(1, nil)
	rt, err := s.RegisterProcess(1, Realtime, 0, AllCPUs(1))
	require.NoError(t, err)
	ia, err := s.RegisterProcess(2, Interactive, 0, AllCPUs(1))
	require.NoError(t, err)
	bg, err := s.RegisterProcess(3, Background, 0, AllCPUs(1))
	require.NoError(t, err)

	p, ok := s.Schedule(0)
	require.True(t, ok)
	assert.Equal(t, rt.ID, p.ID)
	require.NoError(t, s.Block(rt.ID))

	p, ok = s.Schedule(0)
	require.True(t, ok)
	assert.Equal(t, ia.ID, p.ID)
	require.NoError(t, s.Block(ia.ID))

	p, ok = s.Schedule(0)
	require.True(t, ok)
	assert.Equal(t, bg.ID, p.ID)
}

func TestSchedulerFIFOWithinClass(t *testing.T) {
	s := NewScheduler(1, nil)
	a, _ := s.RegisterProcess(1, Background, 0, AllCPUs(1))
	b, _ := s.RegisterProcess(2, Background, 0, AllCPUs(1))

	p, _ := s.Schedule(0)
	assert.Equal(t, a.ID, p.ID)
	require.NoError(t, s.Block(a.ID))
	p, _ = s.Schedule(0)
	assert.Equal(t, b.ID, p.ID)
}

func TestSchedulerBlockWakeRoundTrip(t *testing.T) {
	s := NewScheduler(2, nil)
	p, err := s.RegisterProcess(1, Interactive, 0, AllCPUs(2))
	require.NoError(t, err)

	got, ok := s.Schedule(p.LastCPU)
	require.True(t, ok)
	assert.Equal(t, StateRunning, got.State())

	require.NoError(t, s.Block(p.ID))
	assert.Equal(t, StateBlocked, p.State())

	require.NoError(t, s.Wake(p.ID))
	assert.Equal(t, StateReady, p.State())

	got, ok = s.Schedule(p.LastCPU)
	require.True(t, ok)
	assert.Equal(t, p.ID, got.ID)
}

func TestSchedulerTerminateRemovesFromQueue(t *testing.T) {
	s := NewScheduler(1, nil)
	p, _ := s.RegisterProcess(1, Background, 0, AllCPUs(1))
	require.NoError(t, s.Terminate(p.ID))

	_, ok := s.Schedule(0)
	assert.False(t, ok, "terminated process must not appear in any run queue")

	err := s.Wake(p.ID)
	assert.ErrorIs(t, err, ErrProcessNotFound)
}

func TestSchedulerYieldRequeuesAtTail(t *testing.T) {
	s := NewScheduler(1, nil)
	a, _ := s.RegisterProcess(1, Background, 0, AllCPUs(1))
	b, _ := s.RegisterProcess(2, Background, 0, AllCPUs(1))

	p, _ := s.Schedule(0) // a
	require.Equal(t, a.ID, p.ID)
	require.NoError(t, s.Yield(a.ID))

	p, _ = s.Schedule(0) // b, since a yielded to the tail
	assert.Equal(t, b.ID, p.ID)
	p, _ = s.Schedule(0) // a again
	assert.Equal(t, a.ID, p.ID)
}

func TestSchedulerWorkStealingPrefersBackgroundNeverRealtime(t *testing.T) {
	s := NewScheduler(2, nil)
	rt, _ := s.RegisterProcess(1, Realtime, 0, AllCPUs(1))   // forced onto CPU 0
	bg, _ := s.RegisterProcess(2, Background, 0, AllCPUs(1)) // also CPU 0

	stolen := s.tryStealWork(1)
	require.True(t, stolen)

	p, ok := s.Schedule(1)
	require.True(t, ok)
	assert.Equal(t, bg.ID, p.ID, "background work steals before realtime ever would")
	assert.Equal(t, uint64(1), p.Migrations.Load())

	// Realtime must still be schedulable back on CPU 0, never stolen.
	p, ok = s.Schedule(0)
	require.True(t, ok)
	assert.Equal(t, rt.ID, p.ID)
}

func TestSchedulerCPUSelectionPrefersLastCPUInMask(t *testing.T) {
	mask := AffinityMask(0b101) // CPUs 0 and 2
	cpu := selectCPU(4, mask, 2, func(CPUID) int64 { return 0 })
	assert.Equal(t, CPUID(2), cpu)

	cpu = selectCPU(4, mask, 1, func(c CPUID) int64 {
		if c == 0 {
			return 5
		}
		return 1
	})
	assert.Equal(t, CPUID(2), cpu, "last CPU not in mask falls back to lowest load in mask")
}

func TestSchedulerRunLoopPreemptsOnSliceExpiry(t *testing.T) {
	s := NewScheduler(1, nil)
	p, _ := s.RegisterProcess(1, Interactive, 0, AllCPUs(1))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	var runs int
	exec := func(ctx context.Context, proc *ProcessInfo) error {
		runs++
		if proc.ID == p.ID && runs >= 2 {
			cancel()
		}
		<-ctx.Done()
		return ctx.Err()
	}

	err := s.RunLoop(ctx, 0, exec)
	assert.True(t, err == nil || errors.Is(err, context.Canceled))
	assert.GreaterOrEqual(t, runs, 1)
}

func TestSchedulerRegisterRejectsInvalidClass(t *testing.T) {
	s := NewScheduler(1, nil)
	_, err := s.RegisterProcess(1, Class(99), 0, AllCPUs(1))
	assert.ErrorIs(t, err, ErrInvalidClass)
}

func TestSchedulerIPIStopHaltsRunLoop(t *testing.T) {
	s := NewScheduler(1, nil)
	s.RegisterProcess(1, Background, 0, AllCPUs(1))
	s.SendIPI(0, Stop)

	done := make(chan error, 1)
	go func() {
		done <- s.RunLoop(context.Background(), 0, func(ctx context.Context, p *ProcessInfo) error {
			return nil
		})
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunLoop did not observe Stop IPI")
	}
}
