// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package fence provides the shared/exclusive barrier that separates
// filesystem calls reading catalog state from the writer that swaps in
// a new catalog revision. Readers wrap their catalog-facing critical
// section in Enter/Leave; the remount committer calls Block, performs
// the swap, and calls Unblock. This is the only mechanism that
// guarantees a filesystem call observes a single catalog revision
// end-to-end.
package fence

import (
	"sync/atomic"
	"time"
)

// pollInterval is how long a blocked Enter or a draining Block sleeps
// between checks.
const pollInterval = 100 * time.Millisecond

// Fence is the barrier. The zero value is ready to use.
//
// The implementation is deliberately two atomics and a poll rather
// than a sync.RWMutex: readers must never block each other, Enter
// must be wait-free in the steady state, and the writer tolerates
// 100 ms granularity because a remount is an infrequent, multi-second
// event.
type Fence struct {
	readers atomic.Int64
	blocked atomic.Bool

	sleep func(time.Duration)
}

// New returns a Fence. sleep overrides the poll sleep for tests; nil
// uses time.Sleep.
func New(sleep func(time.Duration)) *Fence {
	f := &Fence{sleep: sleep}
	if f.sleep == nil {
		f.sleep = time.Sleep
	}
	return f
}

// Enter begins a read-side critical section. While a writer holds the
// fence, Enter spins with a 100 ms sleep until the writer finishes.
func (f *Fence) Enter() {
	for {
		f.readers.Add(1)
		if !f.blocked.Load() {
			return
		}
		// A writer is active or about to swap: back out and wait.
		f.readers.Add(-1)
		for f.blocked.Load() {
			f.sleep(pollInterval)
		}
	}
}

// Leave ends a read-side critical section.
func (f *Fence) Leave() {
	f.readers.Add(-1)
}

// Block stops new readers from entering and waits until all current
// readers have left. Only one writer may hold the fence at a time;
// the remount state machine's critical-section flag guarantees that.
func (f *Fence) Block() {
	f.blocked.Store(true)
	for f.readers.Load() > 0 {
		f.sleep(pollInterval)
	}
}

// Unblock releases the fence and lets readers enter again.
func (f *Fence) Unblock() {
	f.blocked.Store(false)
}

// Readers returns the current reader count. Diagnostic only.
func (f *Fence) Readers() int64 {
	return f.readers.Load()
}
