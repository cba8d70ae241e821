// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cvmfs-contrib/gocvmfs/lib/cache"
	"github.com/cvmfs-contrib/gocvmfs/lib/digest"
	"github.com/cvmfs-contrib/gocvmfs/lib/manifest"
	"github.com/cvmfs-contrib/gocvmfs/lib/params"
)

// initialInodeOffset keeps the first issued inodes clear of the
// kernel-reserved low numbers (FUSE_ROOT_ID is 1).
const initialInodeOffset = 255

// ErrNotFound is returned by Lookup for paths that exist in no
// catalog along the descent. The front-end turns it into a negative
// cache entry and ENOENT.
var ErrNotFound = errors.New("no such catalog entry")

// ErrNoSpace is returned by a Source when the local cache cannot hold
// a catalog. The remount state machine treats it differently from a
// network failure. It aliases the cache layer's sentinel so a
// source can surface quota rejections unwrapped.
var ErrNoSpace = cache.ErrNoSpace

// LoadResult is the outcome of a Remount call.
type LoadResult int

const (
	// LoadUpToDate: the published root catalog equals the mounted one.
	LoadUpToDate LoadResult = iota

	// LoadNew: a new revision was found (dry run) or installed.
	LoadNew

	// LoadFail: the manifest or catalog could not be fetched or
	// verified.
	LoadFail

	// LoadNoSpace: the new catalog does not fit into the cache.
	LoadNoSpace
)

// String returns the result name for logs.
func (r LoadResult) String() string {
	switch r {
	case LoadUpToDate:
		return "up-to-date"
	case LoadNew:
		return "new-revision"
	case LoadFail:
		return "fail"
	case LoadNoSpace:
		return "no-space"
	default:
		return "unknown"
	}
}

// Source fetches manifests and catalog databases. The fetcher
// implements it on top of the tiered cache and the download manager;
// tests implement it over fixture files.
type Source interface {
	// Manifest returns the current, verified root descriptor.
	Manifest(ctx context.Context) (*manifest.Manifest, error)

	// Catalog stages the catalog object with the given digest and
	// returns a local path to the decompressed SQLite file. The file
	// must stay valid until released by digest (pinned in the cache).
	Catalog(ctx context.Context, hash digest.Digest, mountpoint string) (string, error)
}

// LookupMode selects how much context Lookup returns.
type LookupMode int

const (
	// LookupSole returns the entry alone.
	LookupSole LookupMode = iota

	// LookupFull also resolves the parent entry.
	LookupFull
)

// LookupResult is the outcome of a successful Lookup.
type LookupResult struct {
	Entry  DirectoryEntry
	Parent DirectoryEntry

	// HasParent is false for the repository root (which has no
	// parent) and for LookupSole calls.
	HasParent bool

	// Transition reports that the entry is a nested catalog
	// mountpoint.
	Transition bool
}

// Manager is the lazily-populated tree of catalogs rooted at the
// manifest's root catalog. It hands out directory entries with
// assigned inodes and performs atomic revision swaps.
//
// The manager does not serialize against revision swaps itself: the
// remount fence guarantees that no Lookup overlaps a Remount(apply).
// The internal mutex only protects tree growth (attaching nested
// catalogs) against concurrent lookups.
type Manager struct {
	source Source
	logger *slog.Logger

	annotation *InodeAnnotation
	uidMap     *params.OwnerMap
	gidMap     *params.OwnerMap

	mu              sync.Mutex
	root            *Catalog
	nextInodeOffset uint64
	offline         bool

	// staged* hold the dry-run result between the drain-out and
	// apply phases of a remount.
	stagedPath     string
	stagedManifest *manifest.Manifest

	// loadedCount tracks attached catalogs for the nclg xattr.
	loadedCount int
}

// NewManager creates a manager over the given source. Call MountRoot
// before any lookup.
func NewManager(source Source, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		source:          source,
		logger:          logger,
		annotation:      &InodeAnnotation{},
		nextInodeOffset: initialInodeOffset,
	}
}

// SetOwnerMaps installs static uid/gid remappings. Must be called
// before MountRoot.
func (m *Manager) SetOwnerMaps(uidMap, gidMap *params.OwnerMap) {
	m.uidMap = uidMap
	m.gidMap = gidMap
}

// Annotation returns the inode annotation, shared with the hand-over
// state.
func (m *Manager) Annotation() *InodeAnnotation {
	return m.annotation
}

// MountRoot fetches the manifest and mounts the root catalog.
func (m *Manager) MountRoot(ctx context.Context) error {
	mf, err := m.source.Manifest(ctx)
	if err != nil {
		return fmt.Errorf("mounting root catalog: %w", err)
	}
	localPath, err := m.source.Catalog(ctx, mf.CatalogHash, "")
	if err != nil {
		return fmt.Errorf("mounting root catalog: %w", err)
	}

	root, err := m.attach(localPath, "", mf.CatalogHash, nil)
	if err != nil {
		return fmt.Errorf("mounting root catalog: %w", err)
	}

	m.mu.Lock()
	m.root = root
	m.mu.Unlock()

	m.logger.Info("mounted root catalog",
		"revision", root.Revision(),
		"hash", mf.CatalogHash.Hex(),
		"ttl", root.TTL(),
	)
	return nil
}

// attach opens a staged catalog database, assigns it a fresh disjoint
// inode range, and links it under parent (nil for the root).
func (m *Manager) attach(localPath, mountpoint string, hash digest.Digest, parent *Catalog) (*Catalog, error) {
	c, err := Open(localPath, mountpoint, hash)
	if err != nil {
		return nil, err
	}
	c.annotation = m.annotation
	c.uidMap = m.uidMap
	c.gidMap = m.gidMap

	m.mu.Lock()
	c.setInodeRange(m.nextInodeOffset)
	m.nextInodeOffset += c.maxRowID + 1
	m.loadedCount++
	m.mu.Unlock()

	if parent != nil {
		// The child's own root entry must report the inode of the
		// parent's mountpoint entry.
		parentEntry, found, err := parent.LookupHash(digest.HashPath(mountpoint))
		if err != nil {
			c.Close()
			return nil, err
		}
		if found {
			c.setTransition(parentEntry.Inode)
		}

		c.parent = parent
		parent.mu.Lock()
		parent.children[mountpoint] = c
		parent.mu.Unlock()
	}

	return c, nil
}

// findCatalog returns the deepest loaded catalog whose mountpoint is
// a prefix of path.
func (m *Manager) findCatalog(path string) *Catalog {
	m.mu.Lock()
	current := m.root
	m.mu.Unlock()

	for {
		descended := false
		current.mu.Lock()
		for mountpoint, child := range current.children {
			if path == mountpoint || strings.HasPrefix(path, mountpoint+"/") {
				current.mu.Unlock()
				current = child
				descended = true
				break
			}
		}
		if !descended {
			current.mu.Unlock()
			return current
		}
	}
}

// ensureMounted loads every nested catalog between the deepest loaded
// one and path. In offline mode the descent stops at loaded catalogs.
func (m *Manager) ensureMounted(ctx context.Context, path string) error {
	for {
		current := m.findCatalog(path)

		// Candidate mountpoints are the prefixes of path strictly
		// below the current catalog's mountpoint.
		reference, found, err := m.findNestedAlong(current, path)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}

		m.mu.Lock()
		offline := m.offline
		m.mu.Unlock()
		if offline {
			// Serve loaded catalogs only; unloaded subtrees do not
			// exist while offline.
			return ErrNotFound
		}

		localPath, err := m.source.Catalog(ctx, reference.Hash, reference.Path)
		if err != nil {
			if errors.Is(err, ErrNoSpace) {
				return err
			}
			m.setOffline(true)
			m.logger.Warn("entering offline mode, nested catalog unreachable",
				"mountpoint", reference.Path,
				"error", err,
			)
			return ErrNotFound
		}
		m.setOffline(false)

		if _, err := m.attach(localPath, reference.Path, reference.Hash, current); err != nil {
			return err
		}
		m.logger.Debug("attached nested catalog", "mountpoint", reference.Path)
	}
}

// findNestedAlong searches current's nested-catalog table for the
// first unloaded mountpoint that lies on the way to path.
func (m *Manager) findNestedAlong(current *Catalog, path string) (NestedReference, bool, error) {
	base := current.Mountpoint()
	relative := strings.TrimPrefix(path, base)
	if relative == "" {
		return NestedReference{}, false, nil
	}

	// Build candidate mountpoints: base + each successive component.
	candidate := base
	for _, component := range strings.Split(strings.TrimPrefix(relative, "/"), "/") {
		if component == "" {
			continue
		}
		candidate = candidate + "/" + component

		current.mu.Lock()
		_, loaded := current.children[candidate]
		current.mu.Unlock()
		if loaded {
			continue
		}

		reference, found, err := current.FindNested(candidate)
		if err != nil {
			return NestedReference{}, false, err
		}
		if found {
			return reference, true, nil
		}
	}
	return NestedReference{}, false, nil
}

// Lookup resolves path to a directory entry, descending into nested
// catalogs on demand. Mode LookupFull also resolves the parent entry.
func (m *Manager) Lookup(ctx context.Context, path string, mode LookupMode) (LookupResult, error) {
	if err := m.ensureMounted(ctx, path); err != nil {
		if errors.Is(err, ErrNotFound) {
			return LookupResult{}, ErrNotFound
		}
		return LookupResult{}, err
	}

	c := m.findCatalog(path)
	entry, found, err := c.LookupHash(digest.HashPath(path))
	if err != nil {
		return LookupResult{}, err
	}
	if !found {
		return LookupResult{}, ErrNotFound
	}

	result := LookupResult{
		Entry:      entry,
		Transition: entry.NestedMountpoint || entry.NestedRoot,
	}

	if mode == LookupFull && path != "" {
		parentPath := parentOf(path)
		parentCatalog := m.findCatalog(parentPath)
		parentEntry, parentFound, err := parentCatalog.LookupHash(digest.HashPath(parentPath))
		if err != nil {
			return LookupResult{}, err
		}
		if parentFound {
			result.Parent = parentEntry
			result.HasParent = true
			result.Entry.ParentInode = parentEntry.Inode
		}
	}

	return result, nil
}

// parentOf returns the parent path; the parent of a top-level entry
// is the root path "".
func parentOf(path string) string {
	slash := strings.LastIndexByte(path, '/')
	if slash <= 0 {
		return ""
	}
	return path[:slash]
}

// ListingStat returns the entries of the directory at path, suitable
// for building a kernel directory buffer.
func (m *Manager) ListingStat(ctx context.Context, path string) ([]DirectoryEntry, error) {
	if err := m.ensureMounted(ctx, path); err != nil {
		return nil, err
	}
	c := m.findCatalog(path)
	return c.Listing(digest.HashPath(path))
}

// ListFileChunks returns the chunk list of a chunked regular file.
func (m *Manager) ListFileChunks(ctx context.Context, path string) ([]Chunk, error) {
	if err := m.ensureMounted(ctx, path); err != nil {
		return nil, err
	}
	c := m.findCatalog(path)
	chunks, err := c.Chunks(digest.HashPath(path))
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no chunks recorded for %s", path)
	}
	return chunks, nil
}

// GetRootInode returns the inode of the repository root directory.
func (m *Manager) GetRootInode() (uint64, error) {
	m.mu.Lock()
	root := m.root
	m.mu.Unlock()
	if root == nil {
		return 0, fmt.Errorf("root catalog not mounted")
	}
	entry, found, err := root.LookupHash(digest.HashPath(""))
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("root catalog has no root entry")
	}
	return entry.Inode, nil
}

// Revision returns the mounted revision.
func (m *Manager) Revision() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.root == nil {
		return 0
	}
	return m.root.Revision()
}

// TTL returns the mounted root catalog's TTL in seconds.
func (m *Manager) TTL() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.root == nil {
		return defaultTTL
	}
	return m.root.TTL()
}

// RootHash returns the mounted root catalog digest.
func (m *Manager) RootHash() digest.Digest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.root == nil {
		return digest.Digest{}
	}
	return m.root.Hash()
}

// LoadedCatalogs returns the number of attached catalogs.
func (m *Manager) LoadedCatalogs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadedCount
}

// Offline reports whether the manager is serving loaded catalogs
// only.
func (m *Manager) Offline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offline
}

func (m *Manager) setOffline(offline bool) {
	m.mu.Lock()
	m.offline = offline
	m.mu.Unlock()
}

// Remount checks for and installs a new catalog revision.
//
// With dryRun, the manifest is fetched and the new root catalog is
// staged in the cache; no mounted state changes. The caller drains
// its caches, acquires the remount fence exclusively, and calls
// Remount again with dryRun false to swap the root. Unloaded nested
// catalogs under the new root are reloaded lazily on demand.
func (m *Manager) Remount(ctx context.Context, dryRun bool) LoadResult {
	if dryRun {
		return m.remountStage(ctx)
	}
	return m.remountApply()
}

func (m *Manager) remountStage(ctx context.Context) LoadResult {
	mf, err := m.source.Manifest(ctx)
	if err != nil {
		m.logger.Warn("remount: manifest fetch failed", "error", err)
		m.setOffline(true)
		return LoadFail
	}

	m.mu.Lock()
	current := m.root
	m.mu.Unlock()
	if current != nil && mf.CatalogHash.Equal(current.Hash()) {
		m.setOffline(false)
		return LoadUpToDate
	}

	localPath, err := m.source.Catalog(ctx, mf.CatalogHash, "")
	if err != nil {
		if errors.Is(err, ErrNoSpace) {
			m.logger.Warn("remount: new root catalog does not fit in cache")
			return LoadNoSpace
		}
		m.logger.Warn("remount: root catalog fetch failed", "error", err)
		m.setOffline(true)
		return LoadFail
	}
	m.setOffline(false)

	m.mu.Lock()
	m.stagedPath = localPath
	m.stagedManifest = mf
	m.mu.Unlock()
	return LoadNew
}

func (m *Manager) remountApply() LoadResult {
	m.mu.Lock()
	stagedPath, mf := m.stagedPath, m.stagedManifest
	m.stagedPath, m.stagedManifest = "", nil
	oldRoot := m.root
	m.mu.Unlock()

	if mf == nil {
		// Nothing staged: the TTL fired but the dry run never
		// succeeded.
		return LoadFail
	}

	// New revision, new inode generation: inodes issued under the new
	// root must not collide with stale ones the kernel still holds.
	m.annotation.Bump()

	newRoot, err := m.attach(stagedPath, "", mf.CatalogHash, nil)
	if err != nil {
		m.logger.Warn("remount: opening staged root failed", "error", err)
		return LoadFail
	}

	m.mu.Lock()
	m.root = newRoot
	m.loadedCount = 1
	m.mu.Unlock()

	if oldRoot != nil {
		detach(oldRoot)
	}

	m.logger.Info("switched to catalog revision",
		"revision", newRoot.Revision(),
		"hash", mf.CatalogHash.Hex(),
	)
	return LoadNew
}

// detach closes a catalog subtree top-down. The parent releases its
// children before closing itself so the non-owning back edges never
// dangle.
func detach(c *Catalog) {
	c.mu.Lock()
	children := c.children
	c.children = make(map[string]*Catalog)
	c.mu.Unlock()

	for _, child := range children {
		child.parent = nil
		detach(child)
	}
	c.Close()
}
