// Package workpool bounds the number of blocking engine calls (key
// generation, signing, hashing) running at once.
package workpool

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Pool is a bounded executor.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// New returns a pool running at most size jobs; size <= 0 means GOMAXPROCS.
func New(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size reports the pool capacity.
func (p *Pool) Size() int { return p.size }

// Do runs fn once a slot is free. Waiting for a slot honours ctx; once fn
// has started it runs to completion and Do returns its error.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}

