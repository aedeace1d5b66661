// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package worker provides the bounded-concurrency pool the orchestrator
// runs task instances on.
package worker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

const (
	// DefaultQueueDepth bounds the submission queue when the config does
	// not set one.
	DefaultQueueDepth = 64
)

// Runnable is one unit of work. The pool imposes no semantics beyond
// running it on some worker goroutine.
type Runnable func()

// Pool runs submissions on a fixed number of worker goroutines behind a
// bounded queue. Submission never blocks: when the queue is full the
// submission is rejected and the caller decides what to do.
type Pool struct {
	logger     hclog.Logger
	maxWorkers int

	queue chan Runnable

	mu      sync.Mutex
	started bool
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	active atomic.Int64
}

// NewPool sizes a pool. maxWorkers must be at least 1; queueDepth of 0
// gets the default.
func NewPool(logger hclog.Logger, maxWorkers, queueDepth int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Pool{
		logger:     logger.Named("worker_pool"),
		maxWorkers: maxWorkers,
		queue:      make(chan Runnable, queueDepth),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Debug("pool started", "workers", p.maxWorkers, "queue_depth", cap(p.queue))
}

// TrySubmit enqueues the runnable if the pool is accepting and the queue
// has room. It never blocks.
func (p *Pool) TrySubmit(r Runnable) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	select {
	case p.queue <- r:
		metrics.IncrCounter([]string{"taskforge", "worker", "accepted"}, 1)
		return true
	default:
		metrics.IncrCounter([]string{"taskforge", "worker", "rejected"}, 1)
		return false
	}
}

// Shutdown stops accepting work, lets running submissions finish, and
// waits up to the timeout for the workers to drain. Queued submissions
// that never started are dropped.
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	close(p.stopCh)
	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker pool did not drain within %s (%d active)", timeout, p.active.Load())
	}
}

// Active returns the number of runnables currently executing.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// QueueLen returns the number of queued, not yet started submissions.
func (p *Pool) QueueLen() int {
	return len(p.queue)
}

// MaxWorkers returns the pool's concurrency bound.
func (p *Pool) MaxWorkers() int {
	return p.maxWorkers
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case r := <-p.queue:
			p.active.Add(1)
			metrics.SetGauge([]string{"taskforge", "worker", "active"}, float32(p.active.Load()))
			p.runOne(n, r)
			p.active.Add(-1)
		}
	}
}

// runOne isolates panics so a misbehaving executor cannot take down the
// worker goroutine.
func (p *Pool) runOne(n int, r Runnable) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("runnable panicked", "worker", n, "panic", rec)
			metrics.IncrCounter([]string{"taskforge", "worker", "panic"}, 1)
		}
	}()
	r()
}
