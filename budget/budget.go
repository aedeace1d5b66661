// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package budget tracks named resource pools and hands out count-based
// reservations to running tasks.
package budget

import (
	"fmt"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/taskforge/structs"
)

// Conventional pool names. Totals are configurable; these are the defaults
// a fresh budget starts with.
const (
	ResourceCPU     = "cpu"     // percent
	ResourceMemory  = "memory"  // MB
	ResourceDisk    = "disk"    // MB
	ResourceNetwork = "network" // MB/s
	ResourceGPU     = "gpu"     // count
)

// DefaultTotals returns the conventional pool set.
func DefaultTotals() map[string]float64 {
	return map[string]float64{
		ResourceCPU:     100,
		ResourceMemory:  8192,
		ResourceDisk:    10240,
		ResourceNetwork: 100,
		ResourceGPU:     0,
	}
}

// pool is a single named resource with per-task reservations.
type pool struct {
	total     float64
	allocated map[string]float64 // task ID -> amount
}

func (p *pool) used() float64 {
	var sum float64
	for _, v := range p.allocated {
		sum += v
	}
	return sum
}

// Budget tracks all resource pools under one lock. Allocations are
// all-or-nothing across the named resources of a request.
type Budget struct {
	logger hclog.Logger

	mu    sync.Mutex
	pools map[string]*pool

	// unknownSeen counts requests naming resources with no pool. They are
	// ignored for allocation but logged for operators.
	unknownSeen int
}

// New creates a budget over the given totals. Nil totals gets the default
// pool set.
func New(logger hclog.Logger, totals map[string]float64) *Budget {
	if totals == nil {
		totals = DefaultTotals()
	}
	b := &Budget{
		logger: logger.Named("budget"),
		pools:  make(map[string]*pool, len(totals)),
	}
	for name, total := range totals {
		b.pools[name] = &pool{total: total, allocated: make(map[string]float64)}
	}
	return b
}

// CanAllocate returns whether every named resource has enough headroom for
// the request. Unknown resource names are ignored.
func (b *Budget) CanAllocate(reqs map[string]float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canAllocateLocked(reqs)
}

func (b *Budget) canAllocateLocked(reqs map[string]float64) bool {
	for name, amount := range reqs {
		p, ok := b.pools[name]
		if !ok {
			b.noteUnknownLocked(name)
			continue
		}
		if p.total-p.used() < amount {
			return false
		}
	}
	return true
}

// Allocate reserves every named resource for the task or none of them.
// A second reservation for the same (task, resource) pair is rejected.
func (b *Budget) Allocate(taskID string, reqs map[string]float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for name := range reqs {
		if p, ok := b.pools[name]; ok {
			if _, dup := p.allocated[taskID]; dup {
				return fmt.Errorf("task %q already holds resource %q", taskID, name)
			}
		}
	}

	if !b.canAllocateLocked(reqs) {
		metrics.IncrCounter([]string{"taskforge", "budget", "insufficient"}, 1)
		return structs.ErrInsufficientResources
	}

	for name, amount := range reqs {
		p, ok := b.pools[name]
		if !ok {
			continue
		}
		p.allocated[taskID] = amount
	}
	metrics.IncrCounter([]string{"taskforge", "budget", "allocate"}, 1)
	return nil
}

// Release frees every reservation held by the task. Releasing a task that
// holds nothing is a no-op, so the call is safe on every exit path.
func (b *Budget) Release(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	released := false
	for _, p := range b.pools {
		if _, ok := p.allocated[taskID]; ok {
			delete(p.allocated, taskID)
			released = true
		}
	}
	if released {
		metrics.IncrCounter([]string{"taskforge", "budget", "release"}, 1)
	}
}

// PoolStatus is a point-in-time view of one pool.
type PoolStatus struct {
	Total       float64 `json:"total"`
	Allocated   float64 `json:"allocated"`
	Available   float64 `json:"available"`
	Utilization float64 `json:"utilization"`
}

// Status snapshots every pool.
func (b *Budget) Status() map[string]PoolStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]PoolStatus, len(b.pools))
	for name, p := range b.pools {
		used := p.used()
		s := PoolStatus{
			Total:     p.total,
			Allocated: used,
			Available: p.total - used,
		}
		if p.total > 0 {
			s.Utilization = used / p.total
		}
		out[name] = s
	}
	return out
}

// Holdings returns the amounts currently reserved by the task, for audit
// output.
func (b *Budget) Holdings(taskID string) map[string]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]float64)
	for name, p := range b.pools {
		if amount, ok := p.allocated[taskID]; ok {
			out[name] = amount
		}
	}
	return out
}

func (b *Budget) noteUnknownLocked(name string) {
	b.unknownSeen++
	b.logger.Warn("ignoring unknown resource in request", "resource", name)
	metrics.IncrCounter([]string{"taskforge", "budget", "unknown_resource"}, 1)
}
