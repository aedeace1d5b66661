// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package clock abstracts the time source so the scheduler, retry tracker
// and retention policy can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source injected into every time-dependent component.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that fires once the duration elapses.
	After(d time.Duration) <-chan time.Time
}

// Wall is the real wall clock.
type Wall struct{}

// New returns the wall clock.
func New() Clock {
	return Wall{}
}

func (Wall) Now() time.Time {
	return time.Now()
}

func (Wall) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Fake is a manually advanced clock for tests. Advancing the clock fires
// every timer whose deadline has been reached.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at time.Time
	ch chan time.Time
}

// NewFake returns a fake clock pinned at the given time.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{at: f.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		t.ch <- f.now
		return t.ch
	}
	f.timers = append(f.timers, t)
	return t.ch
}

// Advance moves the clock forward and fires any timers that come due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)

	remaining := f.timers[:0]
	for _, t := range f.timers {
		if !t.at.After(f.now) {
			t.ch <- f.now
		} else {
			remaining = append(remaining, t)
		}
	}
	f.timers = remaining
}

// Set jumps the clock to an absolute time, firing due timers.
func (f *Fake) Set(now time.Time) {
	f.mu.Lock()
	d := now.Sub(f.now)
	f.mu.Unlock()
	if d > 0 {
		f.Advance(d)
	}
}
