// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package mountfs is the filesystem front-end: it translates kernel
// filesystem calls into catalog lookups and content fetches, owns the
// open-file and directory-handle state, runs the remount state
// machine, and serializes hand-over snapshots.
//
// The package implements go-fuse's raw protocol rather than the
// high-level node API: inode numbers come from the catalogs and must
// survive revision swaps and kernel forget cycles, so the inode
// lifetime bookkeeping stays in our hands.
package mountfs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/cvmfs-contrib/gocvmfs/lib/catalog"
	"github.com/cvmfs-contrib/gocvmfs/lib/clock"
	"github.com/cvmfs-contrib/gocvmfs/lib/digest"
	"github.com/cvmfs-contrib/gocvmfs/lib/download"
	"github.com/cvmfs-contrib/gocvmfs/lib/fence"
	"github.com/cvmfs-contrib/gocvmfs/lib/quota"
	"github.com/cvmfs-contrib/gocvmfs/lib/tracker"
)

// Version is the client version reported by the user.version xattr.
const Version = "0.9.0"

// reservedFds is the number of file descriptors kept back for
// internal use (catalog databases, the quota database, sockets).
const reservedFds = 512

// defaultMaxOpenFiles caps kernel-visible handles when the options do
// not set a limit.
const defaultMaxOpenFiles = 8192

// maxPathLength bounds repository paths; longer paths cannot exist in
// a catalog.
const maxPathLength = 256

// ContentFetcher is the slice of the fetcher the engine consumes.
type ContentFetcher interface {
	Fetch(ctx context.Context, hash digest.Digest, description string, suffix digest.Suffix, sizeHint int64, pinned bool) (*os.File, error)
}

// Options configures an Engine.
type Options struct {
	// FQRN is the fully qualified repository name.
	FQRN string

	// Catalogs is the mounted catalog manager.
	Catalogs *catalog.Manager

	// Fetcher resolves content digests to local files.
	Fetcher ContentFetcher

	// Download provides transfer statistics and host/proxy state for
	// the runtime xattrs. Optional.
	Download *download.Manager

	// Quota provides cache occupancy for statfs. Optional.
	Quota *quota.Manager

	// MemcacheBytes sizes the metadata caches.
	MemcacheBytes int64

	// MaxOpenFiles caps kernel-visible file and directory handles.
	// Zero uses the default.
	MaxOpenFiles int64

	// KcacheTimeout is the kernel dentry/attribute cache lifetime.
	// Negative disables kernel caching entirely.
	KcacheTimeout time.Duration

	// MaxTTL bounds the catalog TTL from above; zero defers to the
	// catalog.
	MaxTTL time.Duration

	// DisableAutoUpdate keeps the mounted revision forever: the TTL
	// timer never fires and no remount cycle runs.
	DisableAutoUpdate bool

	// Clock drives the TTL timer, drain-out deadline, and backoff.
	// Nil uses the real clock.
	Clock clock.Clock

	// Logger receives diagnostics. Nil discards.
	Logger *slog.Logger
}

// Engine holds all mutable front-end state. It is constructed once at
// mount time and handed to the FUSE server; the filesystem callbacks
// live on it.
type Engine struct {
	fuse.RawFileSystem

	fqrn     string
	catalogs *catalog.Manager
	fetcher  ContentFetcher
	download *download.Manager
	quota    *quota.Manager
	clock    clock.Clock
	logger   *slog.Logger

	tracker *tracker.InodeTracker
	caches  *tracker.MetaCaches
	fence   *fence.Fence

	files  *fileTable
	chunks *chunkTables
	dirs   *dirTable

	backoff *ioBackoff

	maxOpenFiles  int64
	kcacheTimeout time.Duration
	maxTTL        time.Duration
	autoUpdate    bool

	openFiles atomic.Int64
	openDirs  atomic.Int64

	// Counters surfaced through xattrs.
	numFileOpens int64 // atomic
	numDirOpens  int64 // atomic
	numIOErrors  int64 // atomic

	startedAt time.Time
	rootInode uint64

	remount *remountMachine
}

// New builds an Engine. The catalog manager must already be mounted
// at its root.
func New(options Options) (*Engine, error) {
	if options.Catalogs == nil {
		return nil, fmt.Errorf("mountfs: catalog manager is required")
	}
	if options.Fetcher == nil {
		return nil, fmt.Errorf("mountfs: fetcher is required")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if options.MaxOpenFiles <= 0 {
		options.MaxOpenFiles = defaultMaxOpenFiles
	}
	if options.MemcacheBytes <= 0 {
		options.MemcacheBytes = 16 * 1024 * 1024
	}
	kcacheTimeout := options.KcacheTimeout
	if kcacheTimeout < 0 {
		kcacheTimeout = 0
	}

	rootInode, err := options.Catalogs.GetRootInode()
	if err != nil {
		return nil, fmt.Errorf("mountfs: %w", err)
	}

	e := &Engine{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		fqrn:          options.FQRN,
		catalogs:      options.Catalogs,
		fetcher:       options.Fetcher,
		download:      options.Download,
		quota:         options.Quota,
		clock:         options.Clock,
		logger:        options.Logger,
		tracker:       tracker.NewInodeTracker(),
		caches:        tracker.NewMetaCaches(options.MemcacheBytes),
		fence:         fence.New(options.Clock.Sleep),
		files:         newFileTable(),
		chunks:        newChunkTables(),
		dirs:          newDirTable(),
		maxOpenFiles:  options.MaxOpenFiles - reservedFds,
		kcacheTimeout: kcacheTimeout,
		maxTTL:        options.MaxTTL,
		autoUpdate:    !options.DisableAutoUpdate,
		startedAt:     options.Clock.Now(),
		rootInode:     rootInode,
	}
	if e.maxOpenFiles <= 0 {
		e.maxOpenFiles = options.MaxOpenFiles
	}
	e.backoff = newIOBackoff(options.Clock)
	e.remount = newRemountMachine(e)
	return e, nil
}

// Start launches the TTL expiration timer. Stop with Shutdown.
func (e *Engine) Start() {
	if !e.autoUpdate {
		e.logger.Info("auto update disabled, staying on the mounted revision")
		return
	}
	e.remount.start()
}

// Shutdown stops background work. It does not unmount.
func (e *Engine) Shutdown() {
	e.remount.stop()
}

// EnterMaintenance puts the engine into maintenance mode ahead of a
// process hand-over: the TTL timer is disabled and the kernel cache
// timeout is forced to zero so the kernel stops serving cached
// entries.
func (e *Engine) EnterMaintenance() {
	e.remount.enterMaintenance()
}

// resolvePath maps a kernel inode to a repository path. The kernel
// names the root FUSE_ROOT_ID regardless of our numbering.
func (e *Engine) resolvePath(inode uint64) (string, bool) {
	if inode == fuse.FUSE_ROOT_ID || inode == e.rootInode {
		return "", true
	}
	if path, ok := e.caches.LookupPath(inode); ok {
		return path, true
	}
	return e.tracker.FindPath(inode)
}

// lookupEntry resolves an inode to its directory entry, consulting
// the metadata caches before the catalogs.
func (e *Engine) lookupEntry(inode uint64) (catalog.DirectoryEntry, bool) {
	if entry, ok := e.caches.LookupEntry(inode); ok {
		entry.Inode = inode
		return entry, true
	}

	path, ok := e.resolvePath(inode)
	if !ok {
		return catalog.DirectoryEntry{}, false
	}
	result, err := e.catalogs.Lookup(context.Background(), path, catalog.LookupSole)
	if err != nil {
		return catalog.DirectoryEntry{}, false
	}

	entry := result.Entry
	entry.Inode = inode
	e.caches.InsertEntry(inode, entry)
	e.caches.InsertPath(inode, path)
	return entry, true
}

// effectiveKcacheTimeout is zero during drain-out and maintenance so
// the kernel drops its dentry and attribute caches.
func (e *Engine) effectiveKcacheTimeout() time.Duration {
	if e.remount.draining() || e.remount.maintenance() {
		return 0
	}
	return e.kcacheTimeout
}

// fillAttr populates a kernel attr from a directory entry.
func (e *Engine) fillAttr(entry *catalog.DirectoryEntry, attr *fuse.Attr) {
	inode := entry.Inode
	if inode == e.rootInode {
		inode = fuse.FUSE_ROOT_ID
	}
	attr.Ino = inode
	attr.Size = uint64(entry.Size)
	attr.Blocks = (uint64(entry.Size) + 511) / 512
	attr.Blksize = 4096
	attr.Mode = entry.StatMode()
	attr.Nlink = entry.Linkcount
	attr.Mtime = uint64(entry.Mtime)
	attr.Ctime = uint64(entry.Mtime)
	attr.Atime = uint64(entry.Mtime)
	attr.Owner.Uid = entry.UID
	attr.Owner.Gid = entry.GID
}
