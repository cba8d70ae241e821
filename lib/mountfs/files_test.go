// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

package mountfs

import (
	"testing"
	"time"

	"github.com/cvmfs-contrib/gocvmfs/lib/catalog"
)

// manualClock advances only when told and records sleeps instead of
// blocking, so backoff sequences can be asserted synchronously.
type manualClock struct {
	now   time.Time
	slept []time.Duration
}

func (c *manualClock) Now() time.Time { return c.now }
func (c *manualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)
	return ch
}
func (c *manualClock) Sleep(d time.Duration) { c.slept = append(c.slept, d) }

func TestBackoffDoublesWithinWindow(t *testing.T) {
	clk := &manualClock{now: time.Unix(1700000000, 0)}
	b := newIOBackoff(clk)

	b.throttle()
	first := b.currentDelay()
	if first < backoffInitialFloor || first >= backoffInitialFloor+backoffInitialSpan {
		t.Fatalf("initial delay %v outside [2ms, 33ms)", first)
	}

	// Failures in quick succession double the delay.
	clk.now = clk.now.Add(time.Second)
	b.throttle()
	if got := b.currentDelay(); got != 2*first {
		t.Errorf("second delay = %v, want %v", got, 2*first)
	}

	// The delay saturates at the ceiling.
	for i := 0; i < 12; i++ {
		clk.now = clk.now.Add(time.Second)
		b.throttle()
	}
	if got := b.currentDelay(); got != backoffCeiling {
		t.Errorf("saturated delay = %v, want %v", got, backoffCeiling)
	}

	if len(clk.slept) != 14 {
		t.Errorf("throttle slept %d times, want every failure", len(clk.slept))
	}
}

func TestBackoffResetsAfterQuietPeriod(t *testing.T) {
	clk := &manualClock{now: time.Unix(1700000000, 0)}
	b := newIOBackoff(clk)

	// Drive the delay well past the initial range.
	for i := 0; i < 8; i++ {
		b.throttle()
		clk.now = clk.now.Add(time.Second)
	}
	if grown := b.currentDelay(); grown < backoffInitialFloor+backoffInitialSpan {
		t.Fatalf("delay %v did not grow past the initial range", grown)
	}

	// Ten quiet seconds reset the sequence to a fresh random start.
	clk.now = clk.now.Add(backoffResetAfter + time.Second)
	b.throttle()
	if got := b.currentDelay(); got >= backoffInitialFloor+backoffInitialSpan {
		t.Errorf("delay %v did not reset after quiet period", got)
	}
}

func TestFindChunk(t *testing.T) {
	chunks := []catalog.Chunk{
		{Offset: 0, Size: 100},
		{Offset: 100, Size: 100},
		{Offset: 200, Size: 50},
	}

	cases := []struct {
		offset int64
		want   int
	}{
		{0, 0},
		{99, 0},
		{100, 1},
		{199, 1},
		{200, 2},
		{249, 2},
		{250, -1},
		{1000, -1},
	}
	for _, c := range cases {
		if got := findChunk(chunks, c.offset); got != c.want {
			t.Errorf("findChunk(%d) = %d, want %d", c.offset, got, c.want)
		}
	}

	if got := findChunk(nil, 0); got != -1 {
		t.Errorf("findChunk on empty list = %d, want -1", got)
	}
}

func TestHandleEncoding(t *testing.T) {
	for _, id := range []uint64{1, 2, 1 << 40} {
		whole := encodeHandle(id, handleClassWhole)
		chunk := encodeHandle(id, handleClassChunk)
		if whole == chunk {
			t.Errorf("handle classes collide for id %d", id)
		}
		if handleID(whole) != id || handleID(chunk) != id {
			t.Errorf("handle id round trip failed for %d", id)
		}
		if handleClass(whole) != handleClassWhole || handleClass(chunk) != handleClassChunk {
			t.Errorf("handle class round trip failed for %d", id)
		}
	}
}
