// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

package mountfs

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/cvmfs-contrib/gocvmfs/lib/catalog"
	"github.com/cvmfs-contrib/gocvmfs/lib/digest"
)

func (e *Engine) String() string { return "gocvmfs" }

// Lookup resolves one name under a parent directory. This is the hot
// path: metadata caches first, catalogs second, and every step inside
// the remount fence so the call sees a single revision.
func (e *Engine) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	e.remount.check()
	e.fence.Enter()
	defer e.fence.Leave()

	parentPath, ok := e.resolvePath(header.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	path := parentPath + "/" + name
	if len(path) > maxPathLength {
		return fuse.ENOENT
	}
	pathHash := digest.HashPath(path)

	var entry catalog.DirectoryEntry
	if cached, ok := e.caches.LookupMd5(pathHash); ok {
		if cached.IsNegative() {
			return fuse.ENOENT
		}
		entry = cached
	} else {
		result, err := e.catalogs.Lookup(context.Background(), path, catalog.LookupFull)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				e.caches.InsertNegative(pathHash)
				return fuse.ENOENT
			}
			e.logger.Warn("lookup failed", "path", path, "error", err)
			return fuse.EIO
		}
		entry = result.Entry
		e.caches.InsertMd5(pathHash, entry)
	}

	// The tracker owns the kernel-visible inode: if the kernel still
	// holds this path under an older inode, keep serving that one.
	inode := e.tracker.VfsGet(entry.Inode, path)
	entry.Inode = inode

	e.caches.InsertEntry(inode, entry)
	e.caches.InsertPath(inode, path)

	out.NodeId = inode
	out.Generation = e.catalogs.Annotation().Generation()
	e.fillAttr(&entry, &out.Attr)
	out.Attr.Ino = inode
	timeout := e.effectiveKcacheTimeout()
	out.SetEntryTimeout(timeout)
	out.SetAttrTimeout(timeout)
	return fuse.OK
}

// Forget drops kernel references. Entries whose count reaches zero
// leave the tracker and are invalidated in the metadata caches, so a
// stale inode can never be served after the kernel forgot it.
func (e *Engine) Forget(nodeid, nlookup uint64) {
	if nodeid == fuse.FUSE_ROOT_ID {
		return
	}
	if dropped := e.tracker.VfsPut(nodeid, uint32(nlookup)); dropped {
		e.caches.ForgetInode(nodeid)
	}
}

// GetAttr returns the attributes for an inode the kernel already
// holds.
func (e *Engine) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	e.remount.check()
	e.fence.Enter()
	defer e.fence.Leave()

	entry, ok := e.lookupEntry(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	e.fillAttr(&entry, &out.Attr)
	out.SetTimeout(e.effectiveKcacheTimeout())
	return fuse.OK
}

// Readlink returns a symlink target.
func (e *Engine) Readlink(cancel <-chan struct{}, header *fuse.InHeader) ([]byte, fuse.Status) {
	e.fence.Enter()
	defer e.fence.Leave()

	entry, ok := e.lookupEntry(header.NodeId)
	if !ok {
		return nil, fuse.ENOENT
	}
	if entry.Kind != catalog.KindSymlink {
		return nil, fuse.EINVAL
	}
	return []byte(entry.Symlink), fuse.OK
}

// Open opens a regular file: whole files get a cache file descriptor
// immediately; chunked files get a handle whose chunks are fetched
// lazily at read time.
func (e *Engine) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	e.fence.Enter()
	defer e.fence.Leave()

	if input.Flags&syscall.O_EXCL != 0 {
		return fuse.Status(syscall.EEXIST)
	}
	if status := checkPlatformOpenFlags(input.Flags); status != fuse.OK {
		return status
	}

	entry, ok := e.lookupEntry(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	if entry.Kind == catalog.KindDirectory {
		return fuse.EISDIR
	}
	if entry.Kind != catalog.KindRegular {
		return fuse.EINVAL
	}

	path, _ := e.resolvePath(input.NodeId)

	// Hard cap on kernel-visible handles, reserving headroom for
	// internal descriptors.
	if e.openFiles.Add(1) > e.maxOpenFiles {
		e.openFiles.Add(-1)
		e.logger.Warn("open file limit reached", "path", path)
		return fuse.Status(syscall.EMFILE)
	}

	if entry.Chunked {
		chunks, err := e.catalogs.ListFileChunks(context.Background(), path)
		if err != nil {
			e.openFiles.Add(-1)
			e.logger.Warn("chunk list unavailable", "path", path, "error", err)
			return fuse.EIO
		}
		id := e.chunks.open(input.NodeId, path, entry.Size, chunks)
		out.Fh = encodeHandle(id, handleClassChunk)
		out.OpenFlags = fuse.FOPEN_KEEP_CACHE
		atomic.AddInt64(&e.numFileOpens, 1)
		return fuse.OK
	}

	file, err := e.fetcher.Fetch(context.Background(), entry.Checksum, path, digest.SuffixNone, entry.Size, false)
	if err != nil {
		e.openFiles.Add(-1)
		atomic.AddInt64(&e.numIOErrors, 1)
		e.backoff.throttle()
		e.logger.Warn("open failed", "path", path, "error", err)
		return fuse.EIO
	}

	id := e.files.add(&openFile{file: file, hash: entry.Checksum, path: path})
	out.Fh = encodeHandle(id, handleClassWhole)
	out.OpenFlags = fuse.FOPEN_KEEP_CACHE
	atomic.AddInt64(&e.numFileOpens, 1)
	return fuse.OK
}

// Read serves file content from the cache.
func (e *Engine) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	if handleClass(input.Fh) == handleClassChunk {
		return e.readChunked(handleID(input.Fh), input, buf)
	}

	handle, ok := e.files.get(handleID(input.Fh))
	if !ok {
		return nil, fuse.Status(syscall.EBADF)
	}
	n, err := handle.file.ReadAt(buf[:input.Size], int64(input.Offset))
	if err != nil && err != io.EOF {
		atomic.AddInt64(&e.numIOErrors, 1)
		return nil, fuse.EIO
	}
	return fuse.ReadResultData(buf[:n]), fuse.OK
}

// readChunked satisfies a read from a chunked file, fetching and
// switching per-chunk files as the request crosses boundaries.
// Operations on one handle serialize on its stripe lock.
func (e *Engine) readChunked(id uint64, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	lock := e.chunks.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	handle, state, ok := e.chunks.get(id)
	if !ok {
		return nil, fuse.Status(syscall.EBADF)
	}

	offset := int64(input.Offset)
	want := int64(input.Size)
	if offset >= state.size {
		return fuse.ReadResultData(nil), fuse.OK
	}
	if offset+want > state.size {
		want = state.size - offset
	}

	filled := int64(0)
	for filled < want {
		position := offset + filled
		index := findChunk(state.chunks, position)
		if index < 0 {
			break
		}

		if err := e.ensureChunkOpen(handle, state, index); err != nil {
			atomic.AddInt64(&e.numIOErrors, 1)
			e.backoff.throttle()
			e.logger.Warn("chunk fetch failed",
				"path", state.path,
				"chunk", index,
				"error", err,
			)
			return nil, fuse.EIO
		}

		chunk := state.chunks[index]
		within := position - chunk.Offset
		n, err := handle.file.ReadAt(buf[filled:want], within)
		filled += int64(n)
		if err != nil && int64(n) < chunk.Size-within && filled < want {
			atomic.AddInt64(&e.numIOErrors, 1)
			return nil, fuse.EIO
		}
	}

	return fuse.ReadResultData(buf[:filled]), fuse.OK
}

// ensureChunkOpen makes handle.file point at the given chunk,
// fetching it if the handle currently holds a different one.
func (e *Engine) ensureChunkOpen(handle *chunkHandle, state *inodeChunks, index int) error {
	if handle.chunkIndex == index && handle.file != nil {
		return nil
	}
	if handle.file != nil {
		handle.file.Close()
		handle.file = nil
		handle.chunkIndex = -1
	}

	chunk := state.chunks[index]
	file, err := e.fetcher.Fetch(context.Background(), chunk.Hash,
		state.path, digest.SuffixPartial, chunk.Size, false)
	if err != nil {
		return err
	}
	handle.file = file
	handle.chunkIndex = index
	return nil
}

// Release closes a file handle.
func (e *Engine) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	if handleClass(input.Fh) == handleClassChunk {
		e.chunks.release(handleID(input.Fh))
	} else if handle, ok := e.files.remove(handleID(input.Fh)); ok {
		handle.file.Close()
	}
	e.openFiles.Add(-1)
}

// OpenDir materializes the full listing up front under one handle.
func (e *Engine) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	e.remount.check()
	e.fence.Enter()
	defer e.fence.Leave()

	path, ok := e.resolvePath(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	entry, ok := e.lookupEntry(input.NodeId)
	if !ok {
		return fuse.ENOENT
	}
	if entry.Kind != catalog.KindDirectory {
		return fuse.ENOTDIR
	}

	if e.openDirs.Add(1) > e.maxOpenFiles {
		e.openDirs.Add(-1)
		return fuse.Status(syscall.EMFILE)
	}

	listing, err := e.catalogs.ListingStat(context.Background(), path)
	if err != nil {
		e.openDirs.Add(-1)
		if errors.Is(err, catalog.ErrNotFound) {
			return fuse.ENOENT
		}
		e.logger.Warn("listing failed", "path", path, "error", err)
		return fuse.EIO
	}

	selfInode := input.NodeId
	parentInode := selfInode
	if path != "" {
		// ".." resolves through the parent catalog so the listing
		// agrees with a lookup of the parent.
		if result, err := e.catalogs.Lookup(context.Background(), path, catalog.LookupFull); err == nil && result.HasParent {
			parentInode = result.Parent.Inode
		}
	}

	entries := make([]fuse.DirEntry, 0, len(listing)+2)
	entries = append(entries,
		fuse.DirEntry{Name: ".", Mode: syscall.S_IFDIR, Ino: selfInode},
		fuse.DirEntry{Name: "..", Mode: syscall.S_IFDIR, Ino: parentInode},
	)
	for _, child := range listing {
		inode := child.Inode
		// The live inode wins when the kernel already knows this
		// path.
		if tracked, ok := e.tracker.FindInode(path + "/" + child.Name); ok {
			inode = tracked
		}
		entries = append(entries, fuse.DirEntry{
			Name: child.Name,
			Mode: child.StatMode() & syscall.S_IFMT,
			Ino:  inode,
		})
	}

	out.Fh = e.dirs.add(&dirSnapshot{path: path, entries: entries})
	atomic.AddInt64(&e.numDirOpens, 1)
	return fuse.OK
}

// ReadDir pages through a materialized listing.
func (e *Engine) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	snapshot, ok := e.dirs.get(input.Fh)
	if !ok {
		return fuse.Status(syscall.EBADF)
	}
	for i := int(input.Offset); i < len(snapshot.entries); i++ {
		if !out.AddDirEntry(snapshot.entries[i]) {
			break
		}
	}
	return fuse.OK
}

// ReadDirPlus pages through the listing without lookup payloads: the
// kernel issues explicit lookups, which keeps the tracker's reference
// counts the single source of inode lifetime.
func (e *Engine) ReadDirPlus(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	snapshot, ok := e.dirs.get(input.Fh)
	if !ok {
		return fuse.Status(syscall.EBADF)
	}
	for i := int(input.Offset); i < len(snapshot.entries); i++ {
		if out.AddDirLookupEntry(snapshot.entries[i]) == nil {
			break
		}
	}
	return fuse.OK
}

// ReleaseDir frees a listing handle.
func (e *Engine) ReleaseDir(input *fuse.ReleaseIn) {
	if e.dirs.remove(input.Fh) {
		e.openDirs.Add(-1)
	}
}

// StatFs reports cache occupancy.
func (e *Engine) StatFs(cancel <-chan struct{}, input *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	const blockSize = 4096
	out.Bsize = blockSize
	out.Frsize = blockSize
	out.NameLen = 255

	if e.quota != nil && e.quota.GetCapacity() > 0 {
		capacity := uint64(e.quota.GetCapacity())
		used := uint64(e.quota.GetSize())
		if used > capacity {
			used = capacity
		}
		out.Blocks = capacity / blockSize
		out.Bfree = (capacity - used) / blockSize
		out.Bavail = out.Bfree
	}
	return fuse.OK
}
