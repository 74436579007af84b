// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package syncutil rebuilds the lifecycle primitives the teacher's
// pkg/kademlia.Kademlia borrows from storj.io/storj/internal/sync2
// (WorkGroup, Fence, Cycle) from their call-site contract, since that
// package's source was not part of the retrieval this repo was built from.
package syncutil

import (
	"context"
	"sync"
	"time"
)

// WorkGroup gates the start of new operations against a later Close, and
// lets Close wait for every already-started operation to finish. It is the
// admission-control primitive the receive loop and every in-flight
// find/put use to guarantee Close doesn't return while work is still
// touching torn-down state.
type WorkGroup struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// Start registers one unit of work. It returns false (and registers
// nothing) if Close has already been called.
func (g *WorkGroup) Start() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.wg.Add(1)
	return true
}

// Done marks one unit of work, previously admitted by Start, as finished.
func (g *WorkGroup) Done() {
	g.wg.Done()
}

// Close prevents any further Start from succeeding. It does not block;
// call Wait afterward to block until in-flight work drains.
func (g *WorkGroup) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
}

// Wait blocks until every admitted unit of work has called Done.
func (g *WorkGroup) Wait() {
	g.wg.Wait()
}

// Fence is a one-shot readiness signal: Release is idempotent, Wait blocks
// until the first Release.
type Fence struct {
	once sync.Once
	ch   chan struct{}
	init sync.Once
}

func (f *Fence) lazyInit() {
	f.init.Do(func() {
		f.ch = make(chan struct{})
	})
}

// Release signals the fence. Calling it more than once is a no-op.
func (f *Fence) Release() {
	f.lazyInit()
	f.once.Do(func() { close(f.ch) })
}

// Wait blocks until Release has been called at least once.
func (f *Fence) Wait() {
	f.lazyInit()
	<-f.ch
}

// Cycle runs fn periodically until its context is cancelled. The interval
// must be set with SetInterval before Run.
type Cycle struct {
	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// SetInterval configures the period between fn invocations.
func (c *Cycle) SetInterval(d time.Duration) {
	c.interval = d
}

// Run invokes fn once per interval until ctx is cancelled, Stop is called,
// or fn returns an error. It returns the context's error, nil if stopped
// via Stop, or fn's error.
func (c *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.stop == nil {
		c.stop = make(chan struct{})
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}
		}
	}
}

// Stop makes a running Run return without waiting for the next tick (once
// any fn call in progress has finished); a Run started after Stop returns
// immediately.
func (c *Cycle) Stop() {
	c.stopOnce.Do(func() {
		if c.stop == nil {
			c.stop = make(chan struct{})
		}
		close(c.stop)
	})
}
