// Package hostcall serializes every outbound call to the host process
// behind a single acquisition-timeout lock, preventing the host-side
// reentrancy hazard spec §4.10 calls out.
package hostcall

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lightning-goats/cl-hive-sub002/errs"
)

// DefaultAcquireTimeout bounds how long a caller waits for the gate before
// giving up rather than piling up blocked workers behind a wedged host.
const DefaultAcquireTimeout = 10 * time.Second

// Gate serializes host RPCs through a single mutex with a bounded
// acquisition wait, additionally throttled to a steady-state rate so a
// burst of background loops waking at once cannot overwhelm the host.
type Gate struct {
	mu             chan struct{} // 1-buffered channel used as a try-lock
	limiter        *rate.Limiter
	AcquireTimeout time.Duration
}

// NewGate builds a Gate allowing ratePerSec steady-state host calls with
// burst headroom.
func NewGate(ratePerSec float64, burst int) *Gate {
	return &Gate{
		mu:      make(chan struct{}, 1),
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
}

func (g *Gate) timeout() time.Duration {
	if g.AcquireTimeout <= 0 {
		return DefaultAcquireTimeout
	}
	return g.AcquireTimeout
}

// Call runs fn with exclusive access to the host, bounded by both the
// acquisition timeout and the steady-state rate limiter. It returns
// errs.Timeout if the gate could not be acquired in time.
func (g *Gate) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	acquireCtx, cancel := context.WithTimeout(ctx, g.timeout())
	defer cancel()

	select {
	case g.mu <- struct{}{}:
	case <-acquireCtx.Done():
		return fmt.Errorf("%w: could not acquire host call gate", errs.Timeout)
	}
	defer func() { <-g.mu }()

	if err := g.limiter.Wait(acquireCtx); err != nil {
		return fmt.Errorf("%w: host call rate limiter: %v", errs.Timeout, err)
	}
	return fn(ctx)
}
