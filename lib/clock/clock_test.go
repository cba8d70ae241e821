// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"

	"github.com/cvmfs-contrib/gocvmfs/lib/testutil"
)

func TestFakeNowAndAdvance(t *testing.T) {
	start := time.Unix(1700000000, 0)
	f := NewFake(start)

	if !f.Now().Equal(start) {
		t.Errorf("Now = %v, want %v", f.Now(), start)
	}
	f.Advance(90 * time.Second)
	if !f.Now().Equal(start.Add(90 * time.Second)) {
		t.Errorf("Now after Advance = %v", f.Now())
	}
}

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	f := NewFake(time.Unix(1700000000, 0))

	ch := f.After(time.Minute)
	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	// Advancing short of the deadline does not fire.
	f.Advance(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired too early")
	default:
	}

	f.Advance(30 * time.Second)
	fired := testutil.RequireReceive(t, ch, time.Second, "waiting for fake timer")
	if !fired.Equal(f.Now()) {
		t.Errorf("timer fired with %v, want %v", fired, f.Now())
	}
}

func TestFakeAfterImmediate(t *testing.T) {
	f := NewFake(time.Unix(1700000000, 0))
	testutil.RequireReceive(t, f.After(0), time.Second, "zero-duration After")
}

func TestFakeSleepBlocksUntilAdvance(t *testing.T) {
	f := NewFake(time.Unix(1700000000, 0))

	done := make(chan struct{})
	go func() {
		f.Sleep(time.Minute)
		close(done)
	}()

	// Wait until the sleeper has parked on the fake clock.
	testutil.Eventually(t, time.Second, func() bool {
		return f.WaiterCount() == 1
	}, "sleeper parked")

	f.Advance(time.Minute)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sleeper did not wake after Advance")
	}
}

func TestRealClockBasics(t *testing.T) {
	c := Real()
	before := c.Now()
	c.Sleep(time.Millisecond)
	if !c.Now().After(before) {
		t.Error("real clock did not advance across Sleep")
	}
}
