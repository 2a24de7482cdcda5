package xfer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsScheduledProcess(t *testing.T) {
	sched := NewScheduler(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	done := make(chan struct{})
	sched.Schedule(ProcessFunc(func() bool {
		close(done)
		return true
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled process never ran")
	}
}

func TestSchedulerFiresTimerAfterDeadline(t *testing.T) {
	sched := NewScheduler(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	fired := make(chan struct{})
	timer := NewTimer(func() { close(fired) })
	sched.StartTimer(timer, 20*time.Millisecond)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestSchedulerStoppedTimerNeverFires(t *testing.T) {
	sched := NewScheduler(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	fired := false
	timer := NewTimer(func() { fired = true })
	sched.StartTimer(timer, 20*time.Millisecond)
	timer.Stop()

	// Give the scheduler time to pass the deadline, then confirm the
	// stopped timer's callback never ran.
	settle := make(chan struct{})
	sched.Schedule(ProcessFunc(func() bool { close(settle); return true }))
	<-settle
	time.Sleep(50 * time.Millisecond)
	require.False(t, fired)
}

func TestSchedulerRunReturnsOnContextCancel(t *testing.T) {
	sched := NewScheduler(4)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- sched.Run(ctx) }()
	cancel()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
