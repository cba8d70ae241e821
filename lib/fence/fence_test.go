// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

package fence

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestReadersDoNotBlockEachOther(t *testing.T) {
	f := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Enter()
			defer f.Leave()
			time.Sleep(time.Millisecond)
		}()
	}
	wg.Wait()

	if got := f.Readers(); got != 0 {
		t.Errorf("Readers = %d after all left, want 0", got)
	}
}

func TestBlockDrainsReaders(t *testing.T) {
	// A one-microsecond sleep keeps the test fast while preserving the
	// spin structure.
	f := New(func(time.Duration) { time.Sleep(time.Microsecond) })

	readerInside := make(chan struct{})
	releaseReader := make(chan struct{})
	go func() {
		f.Enter()
		close(readerInside)
		<-releaseReader
		f.Leave()
	}()
	<-readerInside

	var swapped atomic.Bool
	blockDone := make(chan struct{})
	go func() {
		f.Block()
		swapped.Store(true)
		f.Unblock()
		close(blockDone)
	}()

	// The writer must not finish while the reader is inside.
	time.Sleep(10 * time.Millisecond)
	if swapped.Load() {
		t.Fatal("Block returned while a reader was inside")
	}

	close(releaseReader)
	<-blockDone
	if !swapped.Load() {
		t.Fatal("Block never completed")
	}
}

func TestEnterWaitsWhileBlocked(t *testing.T) {
	f := New(func(time.Duration) { time.Sleep(time.Microsecond) })

	f.Block()

	entered := make(chan struct{})
	go func() {
		f.Enter()
		close(entered)
	}()

	select {
	case <-entered:
		t.Fatal("Enter succeeded while fence was blocked")
	case <-time.After(10 * time.Millisecond):
	}

	f.Unblock()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("Enter did not resume after Unblock")
	}
	f.Leave()
}

func TestReaderSeesOneRevision(t *testing.T) {
	f := New(func(time.Duration) { time.Sleep(time.Microsecond) })

	var revision atomic.Int64
	revision.Store(1)

	stop := make(chan struct{})
	var violations atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				f.Enter()
				before := revision.Load()
				time.Sleep(time.Microsecond)
				after := revision.Load()
				f.Leave()
				if before != after {
					violations.Add(1)
				}
			}
		}()
	}

	for swap := 0; swap < 20; swap++ {
		f.Block()
		revision.Add(1)
		f.Unblock()
	}
	close(stop)
	wg.Wait()

	if violations.Load() > 0 {
		t.Errorf("%d readers observed a revision change inside the fence", violations.Load())
	}
}
