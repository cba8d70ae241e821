// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package catalog implements the metadata side of the client: single
// immutable SQLite catalog databases and the lazily-loaded tree of
// nested catalogs the manager grows out of them.
//
// A catalog maps MD5 path hashes to directory entries, symlink
// targets, chunk lists, and references to child catalogs. Catalogs
// are content-addressed and verified before they are opened, so the
// database file itself is trusted once it is on disk. SQLite
// statement handles are single-threaded; every query on a catalog
// runs under that catalog's mutex.
package catalog

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/cvmfs-contrib/gocvmfs/lib/digest"
	"github.com/cvmfs-contrib/gocvmfs/lib/params"
	"github.com/cvmfs-contrib/gocvmfs/lib/sqlitepool"
)

// defaultTTL is applied when a catalog carries no TTL property.
const defaultTTL = 900

// legacySchemaThreshold is the schema version below which statistics
// counters are not materialized and must be derived by aggregation.
const legacySchemaThreshold = 2.1

// Catalog is one open, immutable catalog database. All fields except
// the hardlink map and the nested-catalog links are fixed once the
// manager has attached the catalog.
type Catalog struct {
	// mountpoint is the repository path this catalog serves, "" for
	// the root catalog.
	mountpoint string

	// hash is the content digest the database was fetched by.
	hash digest.Digest

	dbPath string
	conn   *sqlite.Conn

	// mu serializes statement use and guards the mutable maps.
	mu sync.Mutex

	// inodeOffset is the start of this catalog's inode range; an
	// entry's inode is rowid + inodeOffset.
	inodeOffset uint64

	// maxRowID bounds the inode range: [offset, offset+maxRowID+1).
	maxRowID uint64

	// hardlinkInodes maps a hardlink group id to the inode chosen for
	// the whole group (the first member materialized).
	hardlinkInodes map[uint32]uint64

	// nestedRootInode, when nonzero, replaces the inode of this
	// catalog's own root entry so that the transition entry agrees
	// with the parent catalog. Set at attach time.
	nestedRootInode uint64

	// mountpointHash identifies the root entry rows that need the
	// transition fix-up.
	mountpointHash digest.PathHash

	parent   *Catalog
	children map[string]*Catalog

	annotation *InodeAnnotation
	uidMap     *params.OwnerMap
	gidMap     *params.OwnerMap

	// Properties read at open time.
	schemaVersion    float64
	ttl              uint64
	revision         uint64
	rootPrefix       string
	previousRevision string
}

// Open opens a catalog database file. mountpoint is the repository
// path the catalog serves; hash is the digest it was fetched by.
// The returned catalog has a dummy inode range until the manager
// attaches it with setInodeRange.
func Open(dbPath, mountpoint string, hash digest.Digest) (*Catalog, error) {
	conn, err := sqlitepool.ReadOnly(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening catalog %s: %w", mountpoint, err)
	}

	c := &Catalog{
		mountpoint:     mountpoint,
		hash:           hash,
		dbPath:         dbPath,
		conn:           conn,
		hardlinkInodes: make(map[uint32]uint64),
		children:       make(map[string]*Catalog),
		mountpointHash: digest.HashPath(mountpoint),
	}

	if err := c.readProperties(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("catalog %s: %w", mountpoint, err)
	}
	if err := c.readMaxRowID(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("catalog %s: %w", mountpoint, err)
	}

	// The root prefix recorded by the publisher must match the
	// mountpoint the catalog is attached at.
	if c.rootPrefix != "" && c.rootPrefix != mountpoint {
		conn.Close()
		return nil, fmt.Errorf("catalog root prefix %q does not match mountpoint %q",
			c.rootPrefix, mountpoint)
	}

	return c, nil
}

func (c *Catalog) readProperties() error {
	properties := make(map[string]string)
	err := sqlitex.Execute(c.conn, "SELECT key, value FROM properties", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			properties[stmt.ColumnText(0)] = stmt.ColumnText(1)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("reading properties: %w", err)
	}

	c.ttl = defaultTTL
	if raw, ok := properties["TTL"]; ok {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("bad TTL property %q", raw)
		}
		c.ttl = parsed
	}
	if raw, ok := properties["revision"]; ok {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("bad revision property %q", raw)
		}
		c.revision = parsed
	}
	if raw, ok := properties["schema"]; ok {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("bad schema property %q", raw)
		}
		c.schemaVersion = parsed
	}
	c.rootPrefix = properties["root_prefix"]
	c.previousRevision = properties["previous_revision"]
	return nil
}

func (c *Catalog) readMaxRowID() error {
	err := sqlitex.Execute(c.conn, "SELECT COALESCE(MAX(rowid), 0) FROM catalog", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			c.maxRowID = uint64(stmt.ColumnInt64(0))
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("reading max row id: %w", err)
	}
	return nil
}

// Close closes the database connection. The manager closes catalogs
// top-down when a tree is torn down; children are closed by their
// owner before the parent.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return fmt.Errorf("closing catalog %s: %w", c.mountpoint, err)
	}
	return nil
}

// Mountpoint returns the repository path this catalog serves.
func (c *Catalog) Mountpoint() string { return c.mountpoint }

// Hash returns the content digest the catalog was fetched by.
func (c *Catalog) Hash() digest.Digest { return c.hash }

// TTL returns the catalog's time-to-live in seconds.
func (c *Catalog) TTL() uint64 { return c.ttl }

// Revision returns the publication revision.
func (c *Catalog) Revision() uint64 { return c.revision }

// PreviousRevision returns the hex digest of the previous root
// catalog, empty if the catalog is the first revision.
func (c *Catalog) PreviousRevision() string { return c.previousRevision }

// SchemaVersion returns the catalog schema version.
func (c *Catalog) SchemaVersion() float64 { return c.schemaVersion }

// InodeRange returns the half-open inode range [offset, end) owned by
// this catalog.
func (c *Catalog) InodeRange() (offset, end uint64) {
	return c.inodeOffset, c.inodeOffset + c.maxRowID + 1
}

// setInodeRange is called by the manager when the catalog is attached
// to the tree.
func (c *Catalog) setInodeRange(offset uint64) {
	c.inodeOffset = offset
}

// setTransition records the inode of the parent catalog's mountpoint
// entry; rows flagged as this catalog's own root report that inode.
func (c *Catalog) setTransition(parentInode uint64) {
	c.nestedRootInode = parentInode
}

// entryColumns is the column list shared by the lookup and listing
// statements; scanEntry depends on this exact order.
const entryColumns = "rowid, hash, size, mode, mtime, flags, name, symlink, uid, gid, hardlinks"

// scanEntry converts the current statement row into a DirectoryEntry
// and assigns its inode. Caller holds c.mu.
func (c *Catalog) scanEntry(stmt *sqlite.Stmt) DirectoryEntry {
	rowID := uint64(stmt.ColumnInt64(0))

	hashBytes := make([]byte, stmt.ColumnLen(1))
	stmt.ColumnBytes(1, hashBytes)

	flags := stmt.ColumnInt64(5)
	hardlinks := uint64(stmt.ColumnInt64(10))
	hardlinkGroup := uint32(hardlinks >> 32)
	linkcount := uint32(hardlinks & 0xffffffff)
	if linkcount == 0 {
		linkcount = 1
	}

	entry := DirectoryEntry{
		Name:             stmt.ColumnText(6),
		Size:             stmt.ColumnInt64(2),
		Mode:             uint32(stmt.ColumnInt64(3)),
		Mtime:            stmt.ColumnInt64(4),
		UID:              c.uidMap.Map(uint32(stmt.ColumnInt64(8))),
		GID:              c.gidMap.Map(uint32(stmt.ColumnInt64(9))),
		HardlinkGroup:    hardlinkGroup,
		Linkcount:        linkcount,
		Chunked:          flags&flagChunked != 0,
		NestedMountpoint: flags&flagNestedMountpoint != 0,
		NestedRoot:       flags&flagNestedRoot != 0,
	}

	switch {
	case flags&flagDir != 0:
		entry.Kind = KindDirectory
	case flags&flagSymlink != 0:
		entry.Kind = KindSymlink
		entry.Symlink = expandSymlink(stmt.ColumnText(7))
	default:
		entry.Kind = KindRegular
		if len(hashBytes) > 0 {
			if parsed, err := digest.FromBytes(algorithmForWidth(len(hashBytes)), hashBytes); err == nil {
				entry.Checksum = parsed
			}
		}
	}

	entry.Inode = c.assignInode(rowID, hardlinkGroup)

	// Mountpoint transition fix-up: the root entry of a nested
	// catalog reports the inode of the parent catalog's entry for the
	// same directory, so getattr after lookup agrees across the
	// transition.
	if entry.NestedRoot && c.nestedRootInode != 0 {
		entry.Inode = c.nestedRootInode
	}

	return entry
}

// algorithmForWidth maps a raw digest width to its algorithm. Catalog
// blobs do not carry an algorithm tag; the width is unambiguous.
func algorithmForWidth(width int) digest.Algorithm {
	if width == 32 {
		return digest.BLAKE3
	}
	return digest.SHA1
}

// assignInode computes rowid+offset, canonicalizes hardlink groups to
// their first materialized member, and applies the revision
// annotation. Caller holds c.mu.
func (c *Catalog) assignInode(rowID uint64, hardlinkGroup uint32) uint64 {
	inode := rowID + c.inodeOffset

	if hardlinkGroup > 0 {
		if canonical, ok := c.hardlinkInodes[hardlinkGroup]; ok {
			inode = canonical
		} else {
			c.hardlinkInodes[hardlinkGroup] = inode
		}
	}

	if c.annotation != nil {
		inode = c.annotation.Annotate(inode)
	}
	return inode
}

// expandSymlink substitutes $(VAR) occurrences in a symlink target
// with environment values; unset variables expand to the empty
// string. Publishers use this for targets that depend on the client
// host, e.g. $(OSG_APP).
func expandSymlink(target string) string {
	if !strings.Contains(target, "$(") {
		return target
	}
	var out strings.Builder
	for {
		start := strings.Index(target, "$(")
		if start < 0 {
			out.WriteString(target)
			return out.String()
		}
		end := strings.Index(target[start:], ")")
		if end < 0 {
			out.WriteString(target)
			return out.String()
		}
		out.WriteString(target[:start])
		out.WriteString(os.Getenv(target[start+2 : start+end]))
		target = target[start+end+1:]
	}
}

// LookupHash finds the entry with the given path hash.
func (c *Catalog) LookupHash(hash digest.PathHash) (DirectoryEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var entry DirectoryEntry
	found := false
	err := sqlitex.Execute(c.conn,
		"SELECT "+entryColumns+" FROM catalog WHERE md5path_1 = ? AND md5path_2 = ?",
		&sqlitex.ExecOptions{
			Args: []any{hash.L1, hash.L2},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entry = c.scanEntry(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return DirectoryEntry{}, false, fmt.Errorf("catalog %s: lookup: %w", c.mountpoint, err)
	}
	return entry, found, nil
}

// Listing returns the entries whose parent has the given path hash,
// ordered by name for stable directory listings.
func (c *Catalog) Listing(parentHash digest.PathHash) ([]DirectoryEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var entries []DirectoryEntry
	err := sqlitex.Execute(c.conn,
		"SELECT "+entryColumns+" FROM catalog WHERE parent_1 = ? AND parent_2 = ? ORDER BY name",
		&sqlitex.ExecOptions{
			Args: []any{parentHash.L1, parentHash.L2},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, c.scanEntry(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("catalog %s: listing: %w", c.mountpoint, err)
	}
	return entries, nil
}

// Chunks returns the chunk list of a chunked regular file, ordered by
// offset.
func (c *Catalog) Chunks(hash digest.PathHash) ([]Chunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var chunks []Chunk
	err := sqlitex.Execute(c.conn,
		"SELECT offset, size, hash FROM chunks WHERE md5path_1 = ? AND md5path_2 = ? ORDER BY offset",
		&sqlitex.ExecOptions{
			Args: []any{hash.L1, hash.L2},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				hashBytes := make([]byte, stmt.ColumnLen(2))
				stmt.ColumnBytes(2, hashBytes)
				chunkHash, err := digest.FromBytes(algorithmForWidth(len(hashBytes)), hashBytes)
				if err != nil {
					return fmt.Errorf("bad chunk hash: %w", err)
				}
				chunks = append(chunks, Chunk{
					Offset: stmt.ColumnInt64(0),
					Size:   stmt.ColumnInt64(1),
					Hash:   chunkHash,
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("catalog %s: chunks: %w", c.mountpoint, err)
	}
	return chunks, nil
}

// NestedReference is a child catalog reference recorded in this
// catalog.
type NestedReference struct {
	Path string
	Hash digest.Digest
}

// FindNested returns the child catalog reference for the given
// mountpoint path, if recorded.
func (c *Catalog) FindNested(mountpoint string) (NestedReference, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var reference NestedReference
	found := false
	err := sqlitex.Execute(c.conn,
		"SELECT path, sha1 FROM nested_catalogs WHERE path = ?",
		&sqlitex.ExecOptions{
			Args: []any{mountpoint},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				parsed, err := digest.FromHex(stmt.ColumnText(1))
				if err != nil {
					return fmt.Errorf("bad nested catalog hash: %w", err)
				}
				reference = NestedReference{Path: stmt.ColumnText(0), Hash: parsed}
				found = true
				return nil
			},
		})
	if err != nil {
		return NestedReference{}, false, fmt.Errorf("catalog %s: nested lookup: %w", c.mountpoint, err)
	}
	return reference, found, nil
}

// ListNested returns all child catalog references.
func (c *Catalog) ListNested() ([]NestedReference, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var references []NestedReference
	err := sqlitex.Execute(c.conn,
		"SELECT path, sha1 FROM nested_catalogs ORDER BY path",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				parsed, err := digest.FromHex(stmt.ColumnText(1))
				if err != nil {
					return fmt.Errorf("bad nested catalog hash: %w", err)
				}
				references = append(references, NestedReference{
					Path: stmt.ColumnText(0),
					Hash: parsed,
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("catalog %s: nested listing: %w", c.mountpoint, err)
	}
	return references, nil
}

// EntryCount returns the number of regular entries in this catalog.
// Modern schemas read the statistics table; legacy schemas count the
// catalog rows flagged as regular files.
func (c *Catalog) EntryCount() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.schemaVersion >= legacySchemaThreshold {
		var count uint64
		found := false
		err := sqlitex.Execute(c.conn,
			"SELECT value FROM statistics WHERE counter = 'self_regular'",
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					count = uint64(stmt.ColumnInt64(0))
					found = true
					return nil
				},
			})
		if err == nil && found {
			return count, nil
		}
		// Fall through to counting when the table is absent.
	}

	var count uint64
	err := sqlitex.Execute(c.conn, "SELECT COUNT(*) FROM catalog WHERE (flags & ?) != 0", &sqlitex.ExecOptions{
		Args: []any{flagFile},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = uint64(stmt.ColumnInt64(0))
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("catalog %s: counting entries: %w", c.mountpoint, err)
	}
	return count, nil
}
