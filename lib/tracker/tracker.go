// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracker keeps inode numbers meaningful across catalog
// reloads. The kernel holds inodes for as long as it likes and tells
// us when it is done with them (forget); the catalogs underneath swap
// whole inode ranges on every revision. The inode tracker bridges the
// two lifetimes with a reference-counted bidirectional inode-path
// map, and the metadata caches in front of the catalog manager patch
// their hits with the tracker's live inodes.
package tracker

import (
	"sync"
)

// InodeTracker is the reference-counted bidirectional map between
// kernel-visible inodes and repository paths.
//
// VfsGet runs on every successful lookup (the kernel acquired one
// reference); VfsPut runs on forget (the kernel dropped n
// references). An entry whose count reaches zero is removed, so a
// later lookup of the same path may issue a fresh inode.
type InodeTracker struct {
	mu      sync.Mutex
	byInode map[uint64]*trackerEntry
	byPath  map[string]*trackerEntry
}

type trackerEntry struct {
	inode      uint64
	path       string
	references uint32
}

// NewInodeTracker returns an empty tracker.
func NewInodeTracker() *InodeTracker {
	return &InodeTracker{
		byInode: make(map[uint64]*trackerEntry),
		byPath:  make(map[string]*trackerEntry),
	}
}

// VfsGet records that the kernel acquired a reference on inode for
// path. If the path is already tracked under a different inode (a
// pre-reload inode the kernel still holds), the existing association
// wins and its count is incremented; the caller should reuse the
// returned inode.
func (t *InodeTracker) VfsGet(inode uint64, path string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byPath[path]; ok {
		existing.references++
		return existing.inode
	}

	entry := &trackerEntry{inode: inode, path: path, references: 1}
	t.byInode[inode] = entry
	t.byPath[path] = entry
	return inode
}

// VfsPut drops n kernel references from inode. When the count reaches
// zero the entry is removed and the function reports true, which the
// front-end uses to invalidate the metadata caches for that inode.
func (t *InodeTracker) VfsPut(inode uint64, n uint32) (dropped bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.byInode[inode]
	if !ok {
		return false
	}
	if entry.references > n {
		entry.references -= n
		return false
	}
	delete(t.byInode, inode)
	delete(t.byPath, entry.path)
	return true
}

// FindPath returns the path tracked for inode.
func (t *InodeTracker) FindPath(inode uint64) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.byInode[inode]
	if !ok {
		return "", false
	}
	return entry.path, true
}

// FindInode returns the inode tracked for path. Lookups reuse it so
// the same path keeps its inode across a catalog reload for as long
// as the kernel holds references.
func (t *InodeTracker) FindInode(path string) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.byPath[path]
	if !ok {
		return 0, false
	}
	return entry.inode, true
}

// Len returns the number of tracked inodes.
func (t *InodeTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byInode)
}

// TrackedEntry is one row of a hand-over snapshot.
type TrackedEntry struct {
	Inode      uint64 `cbor:"inode"`
	Path       string `cbor:"path"`
	References uint32 `cbor:"references"`
}

// Snapshot exports the tracker state for hand-over.
func (t *InodeTracker) Snapshot() []TrackedEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := make([]TrackedEntry, 0, len(t.byInode))
	for _, entry := range t.byInode {
		entries = append(entries, TrackedEntry{
			Inode:      entry.inode,
			Path:       entry.path,
			References: entry.references,
		})
	}
	return entries
}

// Restore replaces the tracker state from a hand-over snapshot.
func (t *InodeTracker) Restore(entries []TrackedEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.byInode = make(map[uint64]*trackerEntry, len(entries))
	t.byPath = make(map[string]*trackerEntry, len(entries))
	for _, snapshot := range entries {
		entry := &trackerEntry{
			inode:      snapshot.Inode,
			path:       snapshot.Path,
			references: snapshot.References,
		}
		t.byInode[entry.inode] = entry
		t.byPath[entry.path] = entry
	}
}
