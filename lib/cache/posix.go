// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// PosixBackend stores objects as plain files sharded into 256
// two-hex-digit subdirectories under a cache root. Transactions are
// temp files in the txn/ subdirectory, published by rename — atomic
// on POSIX filesystems, which is what makes a half-written download
// invisible.
type PosixBackend struct {
	root     string
	readOnly bool
	counters Counters
	logger   *slog.Logger
}

// PosixOptions configures a PosixBackend.
type PosixOptions struct {
	// Root is the cache directory. It must have been prepared with
	// CreateLayout (or be an already-populated cache).
	Root string

	// ReadOnly disables inserts. Used for a shared lower layer
	// mounted read-only.
	ReadOnly bool

	// Counters is the quota accounting hook; nil disables
	// accounting.
	Counters Counters

	// Logger receives diagnostics. Nil discards.
	Logger *slog.Logger
}

// NewPosix returns a backend over an existing cache directory.
func NewPosix(options PosixOptions) *PosixBackend {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PosixBackend{
		root:     options.Root,
		readOnly: options.ReadOnly,
		counters: options.Counters,
		logger:   logger,
	}
}

// Root returns the cache root directory.
func (b *PosixBackend) Root() string { return b.root }

// ReadOnly implements Backend.
func (b *PosixBackend) ReadOnly() bool { return b.readOnly }

// Open implements Backend.
func (b *PosixBackend) Open(object Object) (*os.File, error) {
	file, err := os.Open(object.Hash.CachePath(b.root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening cached object %s: %w", object.Hash, err)
	}
	if b.counters != nil {
		b.counters.OnOpen(object.Hash)
	}
	return file, nil
}

// StartTxn implements Backend.
func (b *PosixBackend) StartTxn(object Object, sizeHint int64) (Txn, error) {
	if b.readOnly {
		return nil, fmt.Errorf("cache at %s is read-only", b.root)
	}

	txnDir := filepath.Join(b.root, "txn")
	file, err := os.CreateTemp(txnDir, "fetch.*")
	if err != nil {
		return nil, fmt.Errorf("creating cache transaction: %w", err)
	}

	return &posixTxn{
		backend: b,
		object:  object,
		file:    file,
	}, nil
}

type posixTxn struct {
	backend   *PosixBackend
	object    Object
	file      *os.File
	written   int64
	committed bool
	finalPath string
}

func (t *posixTxn) Write(p []byte) (int, error) {
	n, err := t.file.Write(p)
	t.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("writing cache transaction: %w", err)
	}
	return n, nil
}

func (t *posixTxn) Reset() error {
	if err := t.file.Truncate(0); err != nil {
		return fmt.Errorf("resetting cache transaction: %w", err)
	}
	if _, err := t.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("resetting cache transaction: %w", err)
	}
	t.written = 0
	return nil
}

func (t *posixTxn) Abort() error {
	name := t.file.Name()
	t.file.Close()
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("aborting cache transaction: %w", err)
	}
	return nil
}

func (t *posixTxn) Commit() error {
	// Quota admission first: a rejected object never becomes
	// observable.
	if t.backend.counters != nil {
		if err := t.backend.counters.OnInsert(t.object, t.written); err != nil {
			t.Abort()
			return err
		}
	}

	if err := t.file.Sync(); err != nil {
		t.Abort()
		return fmt.Errorf("syncing cache transaction: %w", err)
	}
	name := t.file.Name()
	if err := t.file.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("closing cache transaction: %w", err)
	}

	finalPath := t.object.Hash.CachePath(t.backend.root)
	if err := os.Rename(name, finalPath); err != nil {
		os.Remove(name)
		return fmt.Errorf("publishing cached object %s: %w", t.object.Hash, err)
	}
	t.finalPath = finalPath
	t.committed = true
	return nil
}

func (t *posixTxn) OpenFromTxn() (*os.File, error) {
	if !t.committed {
		return nil, fmt.Errorf("transaction for %s not committed", t.object.Hash)
	}
	file, err := os.Open(t.finalPath)
	if err != nil {
		return nil, fmt.Errorf("opening committed object %s: %w", t.object.Hash, err)
	}
	return file, nil
}

func (t *posixTxn) Size() int64 { return t.written }
