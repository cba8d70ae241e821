// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache implements the local content stores. A cache backend
// holds verified, decompressed copies of repository objects addressed
// by content digest; the tiered backend composes a fast upper store
// with a shared or networked lower store.
//
// Insertion is transactional: content streams into a transaction
// file and becomes observable only at commit, so a crashed or failed
// download never leaves a partial object behind a valid digest name.
package cache

import (
	"errors"
	"os"

	"github.com/cvmfs-contrib/gocvmfs/lib/digest"
)

// ErrNotFound is returned by Open when the object is not resident.
var ErrNotFound = errors.New("object not in cache")

// ErrNoSpace is returned when an insert cannot fit under the quota.
var ErrNoSpace = errors.New("no space in cache")

// Object names a blessed cache object: a digest whose content has
// been (or will be, at commit time) verified, plus bookkeeping the
// quota manager records.
type Object struct {
	Hash digest.Digest

	// Description is the logical path, kept for operator-facing
	// quota listings.
	Description string

	// Pinned exempts the object from LRU eviction. Catalogs are
	// pinned; file content is not.
	Pinned bool
}

// Txn is an in-flight insertion. Content is written (or Reset and
// rewritten), then either committed or aborted. OpenFromTxn is valid
// only after Commit.
type Txn interface {
	// Write appends content to the transaction.
	Write(p []byte) (int, error)

	// Reset discards everything written so far, keeping the
	// transaction open. Used when a download restarts on a failover
	// host.
	Reset() error

	// Abort discards the transaction.
	Abort() error

	// Commit atomically publishes the content under the object's
	// digest.
	Commit() error

	// OpenFromTxn opens the just-committed object.
	OpenFromTxn() (*os.File, error)

	// Size returns the number of bytes written so far.
	Size() int64
}

// Backend is the store contract shared by the POSIX and tiered
// implementations.
type Backend interface {
	// Open returns a read handle on a resident object, or
	// ErrNotFound.
	Open(object Object) (*os.File, error)

	// StartTxn begins inserting an object. sizeHint is the expected
	// content size, -1 if unknown. The POSIX backend does not use it:
	// quota admission happens at Commit with the bytes actually
	// written.
	StartTxn(object Object, sizeHint int64) (Txn, error)

	// ReadOnly reports whether inserts are possible. A read-only
	// lower layer is legal; a read-only upper layer is not.
	ReadOnly() bool
}

// Counters is implemented by quota managers that account cache
// residency. A nil Counters on a backend disables accounting
// (CVMFS_QUOTA_LIMIT=0 bypass mode).
type Counters interface {
	// OnInsert records a committed object of the given size. It
	// returns ErrNoSpace if the object cannot be admitted.
	OnInsert(object Object, size int64) error

	// OnOpen records a cache hit for LRU recency.
	OnOpen(hash digest.Digest)
}
