// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import "sync/atomic"

// InodeAnnotation is a bijective transform on inode numbers that
// varies with the catalog revision. Raw inodes stay below 2^32 for
// any realistic catalog tree, so XOR-ing the generation into the high
// half keeps the transform invertible while guaranteeing that inodes
// issued under different revisions never collide with each other.
type InodeAnnotation struct {
	generation atomic.Uint64
}

// Annotate transforms a raw inode into its kernel-visible form.
func (a *InodeAnnotation) Annotate(inode uint64) uint64 {
	return inode ^ (a.generation.Load() << 32)
}

// Strip reverts Annotate for the current generation.
func (a *InodeAnnotation) Strip(inode uint64) uint64 {
	return inode ^ (a.generation.Load() << 32)
}

// Generation returns the current generation counter.
func (a *InodeAnnotation) Generation() uint64 {
	return a.generation.Load()
}

// SetGeneration installs a generation, used when restoring hand-over
// state so the successor continues the predecessor's numbering.
func (a *InodeAnnotation) SetGeneration(generation uint64) {
	a.generation.Store(generation)
}

// Bump increments the generation. Called at every catalog revision
// swap, before the new tree issues any inode.
func (a *InodeAnnotation) Bump() {
	a.generation.Add(1)
}
