// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Well-known names inside a cache root.
const (
	// SentinelName marks a directory as a cache root, guarding
	// against wiping an arbitrary directory during rebuilds.
	SentinelName = ".cvmfscache"

	// txnDirName holds in-flight transaction files.
	txnDirName = "txn"

	// QuotaDBName is the LRU bookkeeping database.
	QuotaDBName = "cachedb"
)

// LockName returns the lock file name for a repository.
func LockName(fqrn string) string { return "lock." + fqrn }

// RunningName returns the unclean-shutdown sentinel name for a
// repository.
func RunningName(fqrn string) string { return "running." + fqrn }

// CreateLayout prepares a cache root: the 256 shard directories
// 00..ff, the txn directory, and the sentinel file. Idempotent over
// an existing cache.
func CreateLayout(root string) error {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return fmt.Errorf("creating cache root: %w", err)
	}

	sentinel := filepath.Join(root, SentinelName)
	if _, err := os.Stat(sentinel); os.IsNotExist(err) {
		// Refuse to adopt a non-empty directory that is not a cache:
		// the rebuild path deletes files here.
		entries, err := os.ReadDir(root)
		if err != nil {
			return fmt.Errorf("inspecting cache root: %w", err)
		}
		if len(entries) > 0 {
			return fmt.Errorf("directory %s is not empty and carries no %s sentinel", root, SentinelName)
		}
		if err := os.WriteFile(sentinel, nil, 0o600); err != nil {
			return fmt.Errorf("creating cache sentinel: %w", err)
		}
	}

	for shard := 0; shard < 256; shard++ {
		dir := filepath.Join(root, fmt.Sprintf("%02x", shard))
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating cache shard %02x: %w", shard, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, txnDirName), 0o700); err != nil {
		return fmt.Errorf("creating transaction directory: %w", err)
	}
	return nil
}

// Lock takes the per-repository flock, preventing two clients from
// sharing one unshared cache. The returned file must stay open for
// the lifetime of the mount; Close releases the lock.
func Lock(root, fqrn string) (*os.File, error) {
	path := filepath.Join(root, LockName(fqrn))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening cache lock: %w", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		return nil, fmt.Errorf("cache at %s is locked by another process: %w", root, err)
	}
	return file, nil
}

// MarkRunning creates the running sentinel and reports whether the
// previous process shut down uncleanly (the sentinel already
// existed). An unclean predecessor triggers a quota database rebuild.
func MarkRunning(root, fqrn string) (uncleanShutdown bool, err error) {
	path := filepath.Join(root, RunningName(fqrn))
	if _, statErr := os.Stat(path); statErr == nil {
		return true, nil
	}
	if writeErr := os.WriteFile(path, nil, 0o600); writeErr != nil {
		return false, fmt.Errorf("creating running sentinel: %w", writeErr)
	}
	return false, nil
}

// MarkClean removes the running sentinel at clean shutdown.
func MarkClean(root, fqrn string) error {
	if err := os.Remove(filepath.Join(root, RunningName(fqrn))); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing running sentinel: %w", err)
	}
	return nil
}
