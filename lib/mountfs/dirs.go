// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

package mountfs

import (
	"sync"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// dirSnapshot is one materialized directory listing: the full entry
// sequence the kernel pages through. Built once at opendir with the
// inodes fixed to their live values; readdir slices it by offset, so
// a revision swap mid-listing cannot produce a mixed view.
type dirSnapshot struct {
	path    string
	entries []fuse.DirEntry
}

// dirTable maps opendir handles to snapshots. Handles are
// monotonically assigned and never reused within a process lifetime,
// which keeps hand-over simple: the successor continues from the
// saved next value.
type dirTable struct {
	mu   sync.Mutex
	next uint64
	open map[uint64]*dirSnapshot
}

func newDirTable() *dirTable {
	return &dirTable{next: 1, open: make(map[uint64]*dirSnapshot)}
}

func (t *dirTable) add(snapshot *dirSnapshot) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.open[id] = snapshot
	return id
}

func (t *dirTable) get(id uint64) (*dirSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	snapshot, ok := t.open[id]
	return snapshot, ok
}

func (t *dirTable) remove(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.open[id]; !ok {
		return false
	}
	delete(t.open, id)
	return true
}

func (t *dirTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}
