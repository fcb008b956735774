package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightning-goats/cl-hive-sub002/errs"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	failNext  int
	applyErr  error
	calls     int
}

func (f *fakeBackend) ApplyFeePolicy(ctx context.Context, p FeePolicy) error {
	f.calls++
	if f.failNext > 0 {
		f.failNext--
		return errors.New("boom")
	}
	return f.applyErr
}

func (f *fakeBackend) RequestRebalance(ctx context.Context, r RebalanceRequest) error { return nil }
func (f *fakeBackend) GetStatus(ctx context.Context) (Status, error)                  { return Status{Healthy: true}, nil }

func TestBreakerTripsAfterThreeFailures(t *testing.T) {
	b := NewBreaker()
	require.Equal(t, "closed", b.State())
	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, "closed", b.State())
	b.RecordFailure()
	require.Equal(t, "open", b.State())
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	now := time.Now()
	b := NewBreaker()
	b.NowFn = func() time.Time { return now }
	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure()
	}
	require.Equal(t, "open", b.State())
	require.False(t, b.Allow())

	b.NowFn = func() time.Time { return now.Add(61 * time.Second) }
	require.Equal(t, "half_open", b.State())
	require.True(t, b.Allow(), "exactly one probe should be allowed")
	require.False(t, b.Allow(), "a second concurrent probe must be rejected")
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker()
	b.NowFn = func() time.Time { return now }
	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure()
	}
	b.NowFn = func() time.Time { return now.Add(61 * time.Second) }
	require.True(t, b.Allow())
	b.RecordFailure()
	require.Equal(t, "open", b.State())
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	now := time.Now()
	b := NewBreaker()
	b.NowFn = func() time.Time { return now }
	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure()
	}
	b.NowFn = func() time.Time { return now.Add(61 * time.Second) }
	require.True(t, b.Allow())
	b.RecordSuccess()
	require.Equal(t, "closed", b.State())
}

func TestBridgeRejectsWhenOpen(t *testing.T) {
	backend := &fakeBackend{failNext: DefaultFailureThreshold}
	bridge := NewBridge(backend)
	ctx := context.Background()
	for i := 0; i < DefaultFailureThreshold; i++ {
		_ = bridge.ApplyFeePolicy(ctx, FeePolicy{ChannelID: "c1"})
	}
	err := bridge.ApplyFeePolicy(ctx, FeePolicy{ChannelID: "c1"})
	require.True(t, errors.Is(err, errs.ExecutorUnavailable))
	require.Equal(t, DefaultFailureThreshold, backend.calls, "no call should reach the backend once open")
}
