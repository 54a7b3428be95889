// Package permit implements a counting concurrency gate with FIFO hand-off.
package permit

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool hands out a fixed number of permits. A caller that cannot get a
// permit waits; released permits go to the longest-waiting caller first.
type Pool struct {
	sem  *semaphore.Weighted
	size int

	mu   sync.Mutex
	held int
}

// New creates a pool with n permits. n below 1 is treated as 1.
func New(n int) *Pool {
	if n < 1 {
		n = 1
	}
	return &Pool{
		sem:  semaphore.NewWeighted(int64(n)),
		size: n,
	}
}

// Acquire blocks until a permit is available or ctx is done.
// The only error it returns is the context's.
func (p *Pool) Acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.mu.Lock()
	p.held++
	p.mu.Unlock()
	return nil
}

// Release returns a permit. Waiters are served in arrival order.
// Releasing a permit that was never acquired is a programming error and
// panics, as semaphore.Weighted does.
func (p *Pool) Release() {
	p.mu.Lock()
	if p.held == 0 {
		p.mu.Unlock()
		panic("permit: release without matching acquire")
	}
	p.held--
	p.mu.Unlock()
	p.sem.Release(1)
}

// Available reports how many permits are currently free.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size - p.held
}

// Size reports the pool capacity.
func (p *Pool) Size() int {
	return p.size
}
