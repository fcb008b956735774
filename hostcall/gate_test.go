package hostcall

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lightning-goats/cl-hive-sub002/errs"
	"github.com/stretchr/testify/require"
)

func TestCallSerializesConcurrentAccess(t *testing.T) {
	g := NewGate(1000, 10)
	var mu sync.Mutex
	inside := 0
	maxInside := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Call(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxInside, "only one call may run inside the gate at a time")
}

func TestCallTimesOutWhenGateHeld(t *testing.T) {
	g := NewGate(1000, 10)
	g.AcquireTimeout = 20 * time.Millisecond

	release := make(chan struct{})
	go func() {
		_ = g.Call(context.Background(), func(ctx context.Context) error {
			<-release
			return nil
		})
	}()
	time.Sleep(5 * time.Millisecond)

	err := g.Call(context.Background(), func(ctx context.Context) error { return nil })
	require.True(t, errors.Is(err, errs.Timeout))
	close(release)
}
