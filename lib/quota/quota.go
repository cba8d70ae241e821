// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package quota bounds the upper cache with an LRU policy. Residency
// is tracked in a small SQLite database keyed by content digest; each
// access bumps a monotonic sequence number, and when the total size
// crosses the capacity, the least recently used unpinned objects are
// evicted until the total falls to the cleanup target. Pinned objects
// (catalogs) are never evicted.
//
// The database is bookkeeping, not truth: the cache directory is.
// If the database is corrupt, fails its integrity check, or the
// previous process died without shutting down cleanly, the manager
// discards it and rebuilds it by scanning the cache directory. The
// rebuild is announced with a single operator-visible log line.
package quota

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/cvmfs-contrib/gocvmfs/lib/cache"
	"github.com/cvmfs-contrib/gocvmfs/lib/digest"
	"github.com/cvmfs-contrib/gocvmfs/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_state (
	digest TEXT PRIMARY KEY,
	size INTEGER NOT NULL,
	acseq INTEGER NOT NULL,
	pinned INTEGER NOT NULL DEFAULT 0,
	description TEXT
);
CREATE INDEX IF NOT EXISTS idx_cache_state_acseq ON cache_state (acseq);
CREATE TABLE IF NOT EXISTS properties (key TEXT PRIMARY KEY, value TEXT);
`

// Manager owns the LRU database for one cache directory.
//
// The sequence counter and the cached totals live in memory under an
// internal mutex, so no read-modify-write SQL is needed. The mutex is
// held only around those updates; the SQL statements run outside it.
type Manager struct {
	pool     *sqlitepool.Writable
	root     string
	capacity int64
	logger   *slog.Logger

	mu        sync.Mutex
	totalSize int64
	pinned    int64
	sequence  int64
}

// Options configures a Manager.
type Options struct {
	// CacheRoot is the cache directory the manager accounts for. The
	// database lives inside it.
	CacheRoot string

	// CapacityBytes is the eviction threshold. Values <= 0 disable
	// eviction (unmanaged mode): the manager still tracks usage so
	// operators can inspect it, but never deletes.
	CapacityBytes int64

	// RebuildRequired forces a rebuild regardless of database state,
	// used when the running sentinel reported an unclean shutdown.
	RebuildRequired bool

	// Logger receives the rebuild signal and eviction diagnostics.
	// Nil discards.
	Logger *slog.Logger
}

// Open opens (or rebuilds) the quota database.
func Open(options Options) (*Manager, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	m := &Manager{
		root:     options.CacheRoot,
		capacity: options.CapacityBytes,
		logger:   logger,
	}

	dbPath := filepath.Join(options.CacheRoot, cache.QuotaDBName)

	needRebuild := options.RebuildRequired
	if !needRebuild {
		healthy, err := m.tryOpen(dbPath)
		if err != nil {
			return nil, err
		}
		needRebuild = !healthy
	}

	if needRebuild {
		if m.pool != nil {
			m.pool.Close()
			m.pool = nil
		}
		if err := m.rebuild(dbPath); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// tryOpen opens an existing database and verifies it. Returns false
// (no error) when the database is corrupt and must be rebuilt.
func (m *Manager) tryOpen(dbPath string) (healthy bool, err error) {
	pool, err := sqlitepool.OpenWritable(sqlitepool.WritableConfig{
		Path:   dbPath,
		Logger: m.logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		// An unopenable file is corruption, not a fatal error.
		m.logger.Warn("cache database unusable", "path", dbPath, "error", err)
		return false, nil
	}

	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return false, nil
	}

	ok := integrityCheck(conn) && m.loadTotals(conn) == nil
	pool.Put(conn)

	if !ok {
		pool.Close()
		return false, nil
	}
	m.pool = pool
	return true, nil
}

// integrityCheck runs SQLite's integrity check and probes every
// column the manager binds.
func integrityCheck(conn *sqlite.Conn) bool {
	verdict := ""
	err := sqlitex.Execute(conn, "PRAGMA integrity_check(10)", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if verdict == "" {
				verdict = stmt.ColumnText(0)
			}
			return nil
		},
	})
	if err != nil || verdict != "ok" {
		return false
	}

	err = sqlitex.Execute(conn,
		"SELECT digest, size, acseq, pinned, description FROM cache_state LIMIT 1", nil)
	return err == nil
}

// loadTotals initializes the in-memory totals and sequence counter.
func (m *Manager) loadTotals(conn *sqlite.Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalSize, m.pinned, m.sequence = 0, 0, 0
	return sqlitex.Execute(conn,
		"SELECT COALESCE(SUM(size), 0), COALESCE(SUM(size * pinned), 0), COALESCE(MAX(acseq), 0) FROM cache_state",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				m.totalSize = stmt.ColumnInt64(0)
				m.pinned = stmt.ColumnInt64(1)
				m.sequence = stmt.ColumnInt64(2)
				return nil
			},
		})
}

// rebuild discards the database and reconstructs it from the cache
// directory: every resident content-addressed file contributes one
// unpinned row.
func (m *Manager) rebuild(dbPath string) error {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		os.Remove(dbPath + suffix)
	}

	pool, err := sqlitepool.OpenWritable(sqlitepool.WritableConfig{
		Path:   dbPath,
		Logger: m.logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return fmt.Errorf("quota: recreating database: %w", err)
	}
	m.pool = pool

	conn, err := pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("quota: rebuild: %w", err)
	}
	defer pool.Put(conn)

	var total int64
	var count int64
	err = filepath.WalkDir(m.root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil || entry.IsDir() {
			return walkErr
		}
		shard := filepath.Base(filepath.Dir(path))
		if len(shard) != 2 {
			return nil
		}
		hash, parseErr := digest.FromHex(shard + entry.Name())
		if parseErr != nil {
			return nil
		}
		info, statErr := entry.Info()
		if statErr != nil {
			return nil
		}

		count++
		total += info.Size()
		m.mu.Lock()
		m.sequence++
		sequence := m.sequence
		m.mu.Unlock()

		return sqlitex.Execute(conn,
			"INSERT OR REPLACE INTO cache_state (digest, size, acseq, pinned, description) VALUES (?, ?, ?, 0, '')",
			&sqlitex.ExecOptions{Args: []any{hash.Hex(), info.Size(), sequence}})
	})
	if err != nil {
		return fmt.Errorf("quota: scanning cache directory: %w", err)
	}

	m.mu.Lock()
	m.totalSize = total
	m.pinned = 0
	m.mu.Unlock()

	m.logger.Warn("automatic rebuild of the cache database",
		"cache", m.root,
		"objects", count,
		"bytes", total,
	)
	return nil
}

// Close closes the database.
func (m *Manager) Close() error {
	if m.pool == nil {
		return nil
	}
	return m.pool.Close()
}

// managed reports whether eviction is active.
func (m *Manager) managed() bool { return m.capacity > 0 }

// cleanupTarget is the size cleanup shrinks to: three quarters of
// capacity, so a burst of inserts does not evict on every object.
func (m *Manager) cleanupTarget() int64 { return m.capacity * 3 / 4 }

// Insert records a committed object. If the insert pushes the total
// over capacity, least-recently-used unpinned objects are evicted
// down to the cleanup target. Returns cache.ErrNoSpace if the object
// can never fit (larger than capacity minus pinned bytes).
func (m *Manager) Insert(hash digest.Digest, size int64, description string, pinned bool) error {
	if m.managed() && size > m.capacity-m.pinnedBytes() {
		return cache.ErrNoSpace
	}

	conn, err := m.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer m.pool.Put(conn)

	m.mu.Lock()
	m.sequence++
	sequence := m.sequence
	m.mu.Unlock()

	pinnedValue := 0
	if pinned {
		pinnedValue = 1
	}
	err = sqlitex.Execute(conn,
		"INSERT OR REPLACE INTO cache_state (digest, size, acseq, pinned, description) VALUES (?, ?, ?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{hash.Hex(), size, sequence, pinnedValue, description}})
	if err != nil {
		return fmt.Errorf("quota: insert: %w", err)
	}

	m.mu.Lock()
	m.totalSize += size
	if pinned {
		m.pinned += size
	}
	overCapacity := m.managed() && m.totalSize > m.capacity
	m.mu.Unlock()

	if overCapacity {
		return m.cleanupLocked(conn, m.cleanupTarget())
	}
	return nil
}

// Touch refreshes an object's recency.
func (m *Manager) Touch(hash digest.Digest) error {
	conn, err := m.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer m.pool.Put(conn)

	m.mu.Lock()
	m.sequence++
	sequence := m.sequence
	m.mu.Unlock()

	err = sqlitex.Execute(conn,
		"UPDATE cache_state SET acseq = ? WHERE digest = ?",
		&sqlitex.ExecOptions{Args: []any{sequence, hash.Hex()}})
	if err != nil {
		return fmt.Errorf("quota: touch: %w", err)
	}
	return nil
}

// Pin marks an object as exempt from eviction.
func (m *Manager) Pin(hash digest.Digest) error {
	return m.setPinned(hash, true)
}

// Unpin clears the eviction exemption.
func (m *Manager) Unpin(hash digest.Digest) error {
	return m.setPinned(hash, false)
}

func (m *Manager) setPinned(hash digest.Digest, pinned bool) error {
	conn, err := m.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer m.pool.Put(conn)

	var size int64
	var wasPinned bool
	found := false
	err = sqlitex.Execute(conn,
		"SELECT size, pinned FROM cache_state WHERE digest = ?",
		&sqlitex.ExecOptions{
			Args: []any{hash.Hex()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				size = stmt.ColumnInt64(0)
				wasPinned = stmt.ColumnInt64(1) != 0
				found = true
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("quota: pin lookup: %w", err)
	}
	if !found || wasPinned == pinned {
		return nil
	}

	pinnedValue := 0
	if pinned {
		pinnedValue = 1
	}
	err = sqlitex.Execute(conn,
		"UPDATE cache_state SET pinned = ? WHERE digest = ?",
		&sqlitex.ExecOptions{Args: []any{pinnedValue, hash.Hex()}})
	if err != nil {
		return fmt.Errorf("quota: pin update: %w", err)
	}

	m.mu.Lock()
	if pinned {
		m.pinned += size
	} else {
		m.pinned -= size
	}
	m.mu.Unlock()
	return nil
}

// Remove deletes an object's accounting row and its cache file.
func (m *Manager) Remove(hash digest.Digest) error {
	conn, err := m.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer m.pool.Put(conn)
	return m.removeRow(conn, hash.Hex())
}

func (m *Manager) removeRow(conn *sqlite.Conn, hexDigest string) error {
	var size int64
	var pinned bool
	found := false
	err := sqlitex.Execute(conn,
		"SELECT size, pinned FROM cache_state WHERE digest = ?",
		&sqlitex.ExecOptions{
			Args: []any{hexDigest},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				size = stmt.ColumnInt64(0)
				pinned = stmt.ColumnInt64(1) != 0
				found = true
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("quota: remove lookup: %w", err)
	}
	if !found {
		return nil
	}

	err = sqlitex.Execute(conn, "DELETE FROM cache_state WHERE digest = ?",
		&sqlitex.ExecOptions{Args: []any{hexDigest}})
	if err != nil {
		return fmt.Errorf("quota: remove: %w", err)
	}

	hash, parseErr := digest.FromHex(hexDigest)
	if parseErr == nil {
		os.Remove(hash.CachePath(m.root))
	}

	m.mu.Lock()
	m.totalSize -= size
	if pinned {
		m.pinned -= size
	}
	m.mu.Unlock()
	return nil
}

// Cleanup evicts least-recently-used unpinned objects until the
// total size is at most target.
func (m *Manager) Cleanup(target int64) error {
	conn, err := m.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer m.pool.Put(conn)
	return m.cleanupLocked(conn, target)
}

func (m *Manager) cleanupLocked(conn *sqlite.Conn, target int64) error {
	for m.GetSize() > target {
		var victim string
		err := sqlitex.Execute(conn,
			"SELECT digest FROM cache_state WHERE pinned = 0 ORDER BY acseq ASC LIMIT 1",
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					victim = stmt.ColumnText(0)
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("quota: selecting eviction victim: %w", err)
		}
		if victim == "" {
			// Everything left is pinned.
			if m.GetSize() > m.capacity {
				return cache.ErrNoSpace
			}
			return nil
		}

		m.logger.Debug("evicting cache object", "digest", victim)
		if err := m.removeRow(conn, victim); err != nil {
			return err
		}
	}
	return nil
}

// GetSize returns the accounted total size in bytes.
func (m *Manager) GetSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalSize
}

// GetCapacity returns the configured capacity in bytes.
func (m *Manager) GetCapacity() int64 { return m.capacity }

func (m *Manager) pinnedBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pinned
}

// ListPinned returns the digests of pinned objects, for diagnostics.
func (m *Manager) ListPinned() ([]string, error) {
	conn, err := m.pool.Take(context.Background())
	if err != nil {
		return nil, err
	}
	defer m.pool.Put(conn)

	var pinned []string
	err = sqlitex.Execute(conn,
		"SELECT digest FROM cache_state WHERE pinned = 1 ORDER BY digest",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				pinned = append(pinned, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("quota: listing pinned: %w", err)
	}
	return pinned, nil
}

// OnInsert implements cache.Counters.
func (m *Manager) OnInsert(object cache.Object, size int64) error {
	return m.Insert(object.Hash, size, object.Description, object.Pinned)
}

// OnOpen implements cache.Counters.
func (m *Manager) OnOpen(hash digest.Digest) {
	if err := m.Touch(hash); err != nil {
		m.logger.Debug("quota touch failed", "digest", hash.Hex(), "error", err)
	}
}
