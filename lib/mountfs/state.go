// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

package mountfs

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/cvmfs-contrib/gocvmfs/lib/catalog"
	"github.com/cvmfs-contrib/gocvmfs/lib/codec"
	"github.com/cvmfs-contrib/gocvmfs/lib/digest"
	"github.com/cvmfs-contrib/gocvmfs/lib/tracker"
)

// Section versions. Bumped when a section's schema changes; restore
// migrates the versions it knows.
const (
	trackerStateVersion = 2
	dirStateVersion     = 1
	chunkStateVersion   = 1
	fileStateVersion    = 1
	counterStateVersion = 1
)

// handoverState is the CBOR envelope written at process replacement.
// Every section versions independently.
type handoverState struct {
	Tracker    codec.Envelope `cbor:"inode_tracker"`
	Generation uint64         `cbor:"inode_generation"`
	Dirs       codec.Envelope `cbor:"directory_handles"`
	Chunks     codec.Envelope `cbor:"chunk_tables"`
	Files      codec.Envelope `cbor:"file_handles"`
	Counters   codec.Envelope `cbor:"counters"`
}

type savedDirEntry struct {
	Name string `cbor:"name"`
	Ino  uint64 `cbor:"ino"`
	Mode uint32 `cbor:"mode"`
}

type savedDir struct {
	Path    string          `cbor:"path"`
	Entries []savedDirEntry `cbor:"entries"`
}

type savedDirs struct {
	Next    uint64              `cbor:"next"`
	Handles map[uint64]savedDir `cbor:"handles"`
}

type savedInodeChunks struct {
	Path   string       `cbor:"path"`
	Size   int64        `cbor:"size"`
	Chunks []savedChunk `cbor:"chunks"`
	Refs   int          `cbor:"refs"`
}

type savedChunk struct {
	Offset int64  `cbor:"offset"`
	Size   int64  `cbor:"size"`
	Hash   []byte `cbor:"hash"`
}

type savedChunkHandle struct {
	Inode uint64 `cbor:"inode"`
}

type savedChunks struct {
	Next    uint64                      `cbor:"next"`
	Inodes  map[uint64]savedInodeChunks `cbor:"inodes"`
	Handles map[uint64]savedChunkHandle `cbor:"handles"`
}

type savedFile struct {
	Hash []byte `cbor:"hash"`
	Path string `cbor:"path"`
}

type savedFiles struct {
	Next    uint64               `cbor:"next"`
	Handles map[uint64]savedFile `cbor:"handles"`
}

type savedCounters struct {
	OpenFiles    int64 `cbor:"open_files"`
	OpenDirs     int64 `cbor:"open_dirs"`
	NumFileOpens int64 `cbor:"num_file_opens"`
	NumDirOpens  int64 `cbor:"num_dir_opens"`
	NumIOErrors  int64 `cbor:"num_io_errors"`
}

// legacyTrackedEntry is the version-1 inode tracker row, kept so a
// successor can migrate state written by an old client.
type legacyTrackedEntry struct {
	Ino  uint64 `cbor:"ino"`
	Path string `cbor:"path"`
	Refs uint32 `cbor:"refs"`
}

// SaveState serializes the hand-over state. The engine must be in
// maintenance mode, with one kernel cache timeout elapsed, so the
// kernel holds no cached entries the successor does not know about.
func (e *Engine) SaveState(w io.Writer) error {
	if !e.remount.maintenance() {
		return fmt.Errorf("state save requires maintenance mode")
	}

	trackerSection, err := codec.Seal(trackerStateVersion, e.tracker.Snapshot())
	if err != nil {
		return err
	}

	dirsSection, err := codec.Seal(dirStateVersion, e.exportDirs())
	if err != nil {
		return err
	}

	chunksSection, err := codec.Seal(chunkStateVersion, e.exportChunks())
	if err != nil {
		return err
	}

	filesSection, err := codec.Seal(fileStateVersion, e.exportFiles())
	if err != nil {
		return err
	}

	counters := savedCounters{
		OpenFiles:    e.openFiles.Load(),
		OpenDirs:     e.openDirs.Load(),
		NumFileOpens: atomic.LoadInt64(&e.numFileOpens),
		NumDirOpens:  atomic.LoadInt64(&e.numDirOpens),
		NumIOErrors:  atomic.LoadInt64(&e.numIOErrors),
	}
	countersSection, err := codec.Seal(counterStateVersion, counters)
	if err != nil {
		return err
	}

	state := handoverState{
		Tracker:    trackerSection,
		Generation: e.catalogs.Annotation().Generation(),
		Dirs:       dirsSection,
		Chunks:     chunksSection,
		Files:      filesSection,
		Counters:   countersSection,
	}
	if err := codec.NewEncoder(w).Encode(state); err != nil {
		return fmt.Errorf("encoding hand-over state: %w", err)
	}
	return nil
}

// RestoreState loads a predecessor's hand-over state into a freshly
// constructed engine.
func (e *Engine) RestoreState(r io.Reader) error {
	var state handoverState
	if err := codec.NewDecoder(r).Decode(&state); err != nil {
		return fmt.Errorf("decoding hand-over state: %w", err)
	}

	if err := e.restoreTracker(state.Tracker); err != nil {
		return err
	}
	e.catalogs.Annotation().SetGeneration(state.Generation)

	var dirs savedDirs
	if err := state.Dirs.OpenExact(dirStateVersion, &dirs); err != nil {
		return err
	}
	e.importDirs(dirs)

	var chunks savedChunks
	if err := state.Chunks.OpenExact(chunkStateVersion, &chunks); err != nil {
		return err
	}
	if err := e.importChunks(chunks); err != nil {
		return err
	}

	var files savedFiles
	if err := state.Files.OpenExact(fileStateVersion, &files); err != nil {
		return err
	}
	if err := e.importFiles(files); err != nil {
		return err
	}

	var counters savedCounters
	if err := state.Counters.OpenExact(counterStateVersion, &counters); err != nil {
		return err
	}
	e.openFiles.Store(counters.OpenFiles)
	e.openDirs.Store(counters.OpenDirs)
	atomic.StoreInt64(&e.numFileOpens, counters.NumFileOpens)
	atomic.StoreInt64(&e.numDirOpens, counters.NumDirOpens)
	atomic.StoreInt64(&e.numIOErrors, counters.NumIOErrors)

	return nil
}

func (e *Engine) exportFiles() savedFiles {
	e.files.mu.Lock()
	defer e.files.mu.Unlock()

	saved := savedFiles{Next: e.files.next, Handles: make(map[uint64]savedFile, len(e.files.open))}
	for id, handle := range e.files.open {
		raw, _ := handle.hash.MarshalBinary()
		saved.Handles[id] = savedFile{Hash: raw, Path: handle.path}
	}
	return saved
}

// importFiles reopens whole-file handles from the cache. The content
// is resident (it was open in the predecessor), so this never goes to
// the network.
func (e *Engine) importFiles(saved savedFiles) error {
	e.files.mu.Lock()
	defer e.files.mu.Unlock()

	e.files.next = saved.Next
	e.files.open = make(map[uint64]*openFile, len(saved.Handles))
	for id, handle := range saved.Handles {
		var hash digest.Digest
		if err := hash.UnmarshalBinary(handle.Hash); err != nil {
			return fmt.Errorf("restoring file handle %d: %w", id, err)
		}
		file, err := e.fetcher.Fetch(context.Background(), hash, handle.Path, digest.SuffixNone, -1, false)
		if err != nil {
			return fmt.Errorf("reopening %s for handle %d: %w", handle.Path, id, err)
		}
		e.files.open[id] = &openFile{file: file, hash: hash, path: handle.Path}
	}
	return nil
}

// restoreTracker migrates old tracker representations to the current
// one.
func (e *Engine) restoreTracker(section codec.Envelope) error {
	switch section.Version {
	case trackerStateVersion:
		var entries []tracker.TrackedEntry
		if err := section.OpenExact(trackerStateVersion, &entries); err != nil {
			return err
		}
		e.tracker.Restore(entries)
		return nil

	case 1:
		var legacy []legacyTrackedEntry
		if err := section.OpenExact(1, &legacy); err != nil {
			return err
		}
		migrated := make([]tracker.TrackedEntry, len(legacy))
		for i, row := range legacy {
			migrated[i] = tracker.TrackedEntry{
				Inode:      row.Ino,
				Path:       row.Path,
				References: row.Refs,
			}
		}
		e.tracker.Restore(migrated)
		return nil

	default:
		return fmt.Errorf("unsupported inode tracker state version %d", section.Version)
	}
}

func (e *Engine) exportDirs() savedDirs {
	e.dirs.mu.Lock()
	defer e.dirs.mu.Unlock()

	saved := savedDirs{Next: e.dirs.next, Handles: make(map[uint64]savedDir, len(e.dirs.open))}
	for id, snapshot := range e.dirs.open {
		entries := make([]savedDirEntry, len(snapshot.entries))
		for i, entry := range snapshot.entries {
			entries[i] = savedDirEntry{Name: entry.Name, Ino: entry.Ino, Mode: entry.Mode}
		}
		saved.Handles[id] = savedDir{Path: snapshot.path, Entries: entries}
	}
	return saved
}

func (e *Engine) importDirs(saved savedDirs) {
	e.dirs.mu.Lock()
	defer e.dirs.mu.Unlock()

	e.dirs.next = saved.Next
	e.dirs.open = make(map[uint64]*dirSnapshot, len(saved.Handles))
	for id, dir := range saved.Handles {
		entries := make([]fuse.DirEntry, len(dir.Entries))
		for i, entry := range dir.Entries {
			entries[i] = fuse.DirEntry{Name: entry.Name, Ino: entry.Ino, Mode: entry.Mode}
		}
		e.dirs.open[id] = &dirSnapshot{path: dir.Path, entries: entries}
	}
}

func (e *Engine) exportChunks() savedChunks {
	e.chunks.mu.Lock()
	defer e.chunks.mu.Unlock()

	saved := savedChunks{
		Next:    e.chunks.next,
		Inodes:  make(map[uint64]savedInodeChunks, len(e.chunks.byInode)),
		Handles: make(map[uint64]savedChunkHandle, len(e.chunks.handles)),
	}
	for inode, state := range e.chunks.byInode {
		chunks := make([]savedChunk, len(state.chunks))
		for i, chunk := range state.chunks {
			raw, _ := chunk.Hash.MarshalBinary()
			chunks[i] = savedChunk{Offset: chunk.Offset, Size: chunk.Size, Hash: raw}
		}
		saved.Inodes[inode] = savedInodeChunks{
			Path:   state.path,
			Size:   state.size,
			Chunks: chunks,
			Refs:   state.refs,
		}
	}
	for id, handle := range e.chunks.handles {
		// The open chunk file stays behind; the successor re-opens
		// from the cache on its next read.
		saved.Handles[id] = savedChunkHandle{Inode: handle.inode}
	}
	return saved
}

func (e *Engine) importChunks(saved savedChunks) error {
	e.chunks.mu.Lock()
	defer e.chunks.mu.Unlock()

	e.chunks.next = saved.Next
	e.chunks.byInode = make(map[uint64]*inodeChunks, len(saved.Inodes))
	e.chunks.handles = make(map[uint64]*chunkHandle, len(saved.Handles))

	for inode, state := range saved.Inodes {
		restored := &inodeChunks{path: state.Path, size: state.Size, refs: state.Refs}
		for _, chunk := range state.Chunks {
			var hash digest.Digest
			if err := hash.UnmarshalBinary(chunk.Hash); err != nil {
				return fmt.Errorf("restoring chunk table for inode %d: %w", inode, err)
			}
			restored.chunks = append(restored.chunks, catalog.Chunk{
				Offset: chunk.Offset,
				Size:   chunk.Size,
				Hash:   hash,
			})
		}
		e.chunks.byInode[inode] = restored
	}
	for id, handle := range saved.Handles {
		e.chunks.handles[id] = &chunkHandle{inode: handle.Inode, chunkIndex: -1}
	}
	return nil
}
