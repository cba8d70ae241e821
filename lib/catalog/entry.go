// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"syscall"

	"github.com/cvmfs-contrib/gocvmfs/lib/digest"
)

// Entry flag bits as stored in the catalog's flags column. Wire
// constants.
const (
	flagDir              = 0x01
	flagNestedMountpoint = 0x02
	flagFile             = 0x04
	flagSymlink          = 0x08
	flagNestedRoot       = 0x20
	flagChunked          = 0x40
)

// EntryKind classifies a directory entry.
type EntryKind uint8

const (
	// KindRegular is a plain file addressed by a content digest.
	KindRegular EntryKind = iota

	// KindDirectory is a directory.
	KindDirectory

	// KindSymlink is a symbolic link.
	KindSymlink

	// KindNegative marks a cached "no such entry" result. Negative
	// entries exist only inside the metadata caches, never in a
	// catalog.
	KindNegative
)

// DirectoryEntry is one row of a catalog, plus the inode assigned at
// read time. Entries are values; they are copied freely between the
// catalog layer, the metadata caches, and the filesystem front-end.
type DirectoryEntry struct {
	Name    string
	Kind    EntryKind
	Size    int64
	Mtime   int64
	Mode    uint32
	UID     uint32
	GID     uint32
	Symlink string

	// Checksum is the content digest for regular files; null for
	// directories and symlinks.
	Checksum digest.Digest

	// HardlinkGroup is the catalog-wide hardlink set id, 0 if the
	// entry is not hardlinked.
	HardlinkGroup uint32

	// Linkcount is the number of hardlinks in the group (1 for
	// unlinked entries, subdirectory count for directories).
	Linkcount uint32

	// Chunked marks a regular file stored as a list of chunks.
	Chunked bool

	// NestedMountpoint marks the directory under which a nested
	// catalog is mounted, as seen from the parent catalog.
	NestedMountpoint bool

	// NestedRoot marks the root entry of a nested catalog, as seen
	// from inside that catalog.
	NestedRoot bool

	// Inode is the kernel-visible inode number, assigned when the
	// entry is read from a catalog. Not stored.
	Inode uint64

	// ParentInode is the inode of the containing directory, filled
	// by the front-end.
	ParentInode uint64
}

// IsNegative reports whether the entry is a cached negative result.
func (e *DirectoryEntry) IsNegative() bool {
	return e.Kind == KindNegative
}

// StatMode returns the full mode bits including the file type.
func (e *DirectoryEntry) StatMode() uint32 {
	switch e.Kind {
	case KindDirectory:
		return syscall.S_IFDIR | (e.Mode &^ syscall.S_IFMT)
	case KindSymlink:
		return syscall.S_IFLNK | 0o777
	default:
		return syscall.S_IFREG | (e.Mode &^ syscall.S_IFMT)
	}
}

// NegativeEntry returns the entry stored in the md5path cache for a
// path that does not exist.
func NegativeEntry() DirectoryEntry {
	return DirectoryEntry{Kind: KindNegative}
}

// Chunk is one piece of a chunked regular file. Offsets of the chunk
// list are strictly increasing and cover [0, file size) contiguously.
type Chunk struct {
	Offset int64
	Size   int64
	Hash   digest.Digest
}
