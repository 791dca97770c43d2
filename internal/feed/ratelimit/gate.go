// Package ratelimit paces outbound calls to the search feed.
//
// All discovery-stage requests, across every worker, pass through one shared
// gate enforcing a minimum inter-request interval. The in-process gate is
// only correct for a single worker process; deployments with multiple worker
// processes must use the store-backed gate.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/jvilhena/vigia/internal/metrics"
)

// Local is a process-local gate built on a token bucket with burst 1, which
// degenerates to a strict minimum interval between requests.
type Local struct {
	limiter *rate.Limiter
}

// NewLocal builds a Local gate with the given minimum inter-request interval.
func NewLocal(interval time.Duration) *Local {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Local{
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Wait blocks until the next request slot opens or the context ends.
func (g *Local) Wait(ctx context.Context) error {
	start := time.Now()
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate gate wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateGateDelay(d)
	}
	return nil
}
