// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the two kinds of SQLite databases the
// client touches, with the pragmas each one needs.
//
// Catalog databases are immutable content-addressed files: they are
// written once by the publisher, verified by digest, and never change
// on disk. They open read-only with query_only set, and a single
// connection suffices because each catalog serializes statement use
// under its own mutex anyway.
//
// The quota database (the LRU bookkeeping of the local cache) is the
// one read-write database. It opens with WAL journaling and NORMAL
// synchronous: transactions survive a process crash, and losing the
// last transactions to an OS crash is acceptable because the database
// can always be rebuilt from a scan of the cache directory.
//
// The package exposes zombiezen's types directly. Callers write SQL
// and use sqlitex.Execute; there is no query-builder layer.
package sqlitepool

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ReadOnly opens a single read-only connection to an immutable
// database file. The caller owns serialization of the connection.
func ReadOnly(path string) (*sqlite.Conn, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadOnly)
	if err != nil {
		return nil, fmt.Errorf("opening %s read-only: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA query_only=ON",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA cache_size=-4096",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s on %s: %w", pragma, path, err)
		}
	}
	return conn, nil
}

// WritableConfig holds the parameters for opening a read-write pool.
type WritableConfig struct {
	// Path is the database file. Created if absent.
	Path string

	// PoolSize is the number of connections. Defaults to 2: the quota
	// manager has one writer goroutine and occasional readers.
	PoolSize int

	// Logger receives open/close messages. Nil discards.
	Logger *slog.Logger

	// OnConnect runs once per connection after the standard pragmas.
	// Schema creation belongs here.
	OnConnect func(conn *sqlite.Conn) error
}

// Writable is a fixed-size pool of read-write connections.
type Writable struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// OpenWritable opens the pool and applies WAL pragmas to every
// connection. The caller must Close the pool.
func OpenWritable(cfg WritableConfig) (*Writable, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitepool: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 2
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			pragmas := []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA busy_timeout=5000",
				"PRAGMA temp_store=MEMORY",
			}
			for _, pragma := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
				}
			}
			if cfg.OnConnect != nil {
				if err := cfg.OnConnect(conn); err != nil {
					return fmt.Errorf("sqlitepool: OnConnect: %w", err)
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", cfg.Path, err)
	}

	logger.Debug("sqlite pool opened", "path", cfg.Path, "pool_size", poolSize)

	return &Writable{inner: inner, logger: logger, path: cfg.Path}, nil
}

// Take borrows a connection; the caller must Put it back.
func (w *Writable) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := w.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: take: %w", err)
	}
	return conn, nil
}

// Put returns a borrowed connection. Safe with nil.
func (w *Writable) Put(conn *sqlite.Conn) {
	w.inner.Put(conn)
}

// Close closes all connections, blocking until borrowed ones return.
func (w *Writable) Close() error {
	if err := w.inner.Close(); err != nil {
		return fmt.Errorf("sqlitepool: closing %s: %w", w.path, err)
	}
	w.logger.Debug("sqlite pool closed", "path", w.path)
	return nil
}
