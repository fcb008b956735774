package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitReturnsTrueOnElapsedInterval(t *testing.T) {
	require.True(t, Wait(context.Background(), time.Millisecond))
}

func TestWaitReturnsFalseOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.False(t, Wait(ctx, time.Hour))
}

func TestLoopStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ticks int32
	done := make(chan struct{})
	go func() {
		Loop(ctx, "test", time.Millisecond, nil, func(ctx context.Context) error {
			atomic.AddInt32(&ticks, 1)
			return nil
		})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
	require.True(t, atomic.LoadInt32(&ticks) > 0)
}

func TestLoopContinuesAfterTickError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var ticks int32
	go Loop(ctx, "test", time.Millisecond, nil, func(ctx context.Context) error {
		n := atomic.AddInt32(&ticks, 1)
		if n == 1 {
			return context.DeadlineExceeded
		}
		return nil
	})
	time.Sleep(20 * time.Millisecond)
	require.True(t, atomic.LoadInt32(&ticks) > 1, "an error from one tick must not stop subsequent ticks")
}
