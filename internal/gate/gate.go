// Package gate implements the dual-semaphore concurrency control that
// bounds upstream requests per worker process.
package gate

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate names used in metrics and logs.
const (
	NameDirect  = "no_proxy"
	NameProxied = "proxy"
)

// Gate holds two bounded semaphores: a scarce one for direct (no proxy)
// requests and a wider one for proxied requests. A task acquires exactly
// one, chosen after proxy resolution and before request issue.
type Gate struct {
	direct  *semaphore.Weighted
	proxied *semaphore.Weighted

	directOut  atomic.Int64
	proxiedOut atomic.Int64
}

// New builds a Gate with the given permit capacities.
func New(directPermits, proxiedPermits int) (*Gate, error) {
	if directPermits <= 0 || proxiedPermits <= 0 {
		return nil, fmt.Errorf("gate permits must be > 0 (got %d/%d)", directPermits, proxiedPermits)
	}
	return &Gate{
		direct:  semaphore.NewWeighted(int64(directPermits)),
		proxied: semaphore.NewWeighted(int64(proxiedPermits)),
	}, nil
}

// Acquire blocks until a permit of the matching gate is available or the
// context finishes. The returned release func is idempotent and must be
// called on every exit path.
func (g *Gate) Acquire(ctx context.Context, proxied bool) (func(), error) {
	sem := g.direct
	out := &g.directOut
	if proxied {
		sem = g.proxied
		out = &g.proxiedOut
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	out.Add(1)

	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			out.Add(-1)
			sem.Release(1)
		}
	}, nil
}

// Outstanding returns the permits currently held on each gate.
func (g *Gate) Outstanding() (direct, proxied int64) {
	return g.directOut.Load(), g.proxiedOut.Load()
}
