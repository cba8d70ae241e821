// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

package mountfs

import (
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cvmfs-contrib/gocvmfs/lib/catalog"
	"github.com/cvmfs-contrib/gocvmfs/lib/clock"
	"github.com/cvmfs-contrib/gocvmfs/lib/digest"
)

// Kernel-facing handles encode the handle class in the low bit:
// whole-file handles are even, chunk handles odd. The reference
// implementation used the sign of the fd slot for the same purpose.
const (
	handleClassWhole = 0
	handleClassChunk = 1
)

func encodeHandle(id uint64, class uint64) uint64 { return id<<1 | class }
func handleClass(handle uint64) uint64            { return handle & 1 }
func handleID(handle uint64) uint64               { return handle >> 1 }

// openFile is one whole-file handle: the open cache file plus the
// identity needed to reopen it after a hand-over.
type openFile struct {
	file *os.File
	hash digest.Digest
	path string
}

// fileTable maps whole-file handles to open cache files.
type fileTable struct {
	mu   sync.Mutex
	next uint64
	open map[uint64]*openFile
}

func newFileTable() *fileTable {
	return &fileTable{next: 1, open: make(map[uint64]*openFile)}
}

func (t *fileTable) add(entry *openFile) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.open[id] = entry
	return id
}

func (t *fileTable) get(id uint64) (*openFile, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.open[id]
	return entry, ok
}

func (t *fileTable) remove(id uint64) (*openFile, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.open[id]
	if ok {
		delete(t.open, id)
	}
	return entry, ok
}

func (t *fileTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// chunkLockCount is the size of the chunk-handle lock stripe table.
// Operations on one handle serialize; distinct handles proceed in
// parallel unless they hash onto the same stripe.
const chunkLockCount = 128

// chunkTables is the chunked-file state: the per-inode chunk lists
// with reference counts, and the per-handle cursor (which chunk is
// open, and its file).
type chunkTables struct {
	mu      sync.Mutex
	next    uint64
	byInode map[uint64]*inodeChunks
	handles map[uint64]*chunkHandle

	locks [chunkLockCount]sync.Mutex
}

// inodeChunks is the shared chunk list of one chunked file. refs
// counts open handles; the list is freed when the last one releases.
type inodeChunks struct {
	path   string
	size   int64
	chunks []catalog.Chunk
	refs   int
}

// chunkHandle is one kernel-visible open of a chunked file. file is
// the currently open chunk, chunkIndex says which one; -1 before the
// first read and after a hand-over restore.
type chunkHandle struct {
	inode      uint64
	chunkIndex int
	file       *os.File
}

func newChunkTables() *chunkTables {
	return &chunkTables{next: 1, byInode: make(map[uint64]*inodeChunks), handles: make(map[uint64]*chunkHandle)}
}

// lockFor returns the stripe lock for a handle id.
func (t *chunkTables) lockFor(id uint64) *sync.Mutex {
	return &t.locks[id%chunkLockCount]
}

// open registers a handle for inode, installing the chunk list on
// first open.
func (t *chunkTables) open(inode uint64, path string, size int64, chunks []catalog.Chunk) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.byInode[inode]
	if !ok {
		state = &inodeChunks{path: path, size: size, chunks: chunks}
		t.byInode[inode] = state
	}
	state.refs++

	id := t.next
	t.next++
	t.handles[id] = &chunkHandle{inode: inode, chunkIndex: -1}
	return id
}

func (t *chunkTables) get(id uint64) (*chunkHandle, *inodeChunks, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	handle, ok := t.handles[id]
	if !ok {
		return nil, nil, false
	}
	return handle, t.byInode[handle.inode], true
}

// release drops a handle; when the last handle on the inode goes, the
// chunk list is freed.
func (t *chunkTables) release(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	handle, ok := t.handles[id]
	if !ok {
		return
	}
	delete(t.handles, id)
	if handle.file != nil {
		handle.file.Close()
	}

	state, ok := t.byInode[handle.inode]
	if !ok {
		return
	}
	state.refs--
	if state.refs <= 0 {
		delete(t.byInode, handle.inode)
	}
}

func (t *chunkTables) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

// findChunk returns the index of the chunk containing offset, or -1
// past the end. Offsets are strictly increasing and contiguous.
func findChunk(chunks []catalog.Chunk, offset int64) int {
	index := sort.Search(len(chunks), func(i int) bool {
		return chunks[i].Offset > offset
	}) - 1
	if index < 0 {
		return -1
	}
	if offset >= chunks[index].Offset+chunks[index].Size {
		return -1
	}
	return index
}

// I/O error backoff bounds. On repeated open failures the delay
// doubles from a random start in [2, 33) ms up to 2 s; ten quiet
// seconds reset the sequence.
const (
	backoffInitialFloor = 2 * time.Millisecond
	backoffInitialSpan  = 31 * time.Millisecond
	backoffCeiling      = 2000 * time.Millisecond
	backoffResetAfter   = 10 * time.Second
)

// ioBackoff is the denial-of-service guard on the open path: a
// client looping on a file that always fails must not hammer the
// network.
type ioBackoff struct {
	clock clock.Clock

	mu          sync.Mutex
	delay       time.Duration
	lastFailure time.Time
	rng         *rand.Rand
}

func newIOBackoff(c clock.Clock) *ioBackoff {
	return &ioBackoff{
		clock: c,
		rng:   rand.New(rand.NewSource(c.Now().UnixNano())),
	}
}

// throttle sleeps the failure-dependent delay and records the
// failure.
func (b *ioBackoff) throttle() {
	b.mu.Lock()
	now := b.clock.Now()
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > backoffResetAfter {
		b.delay = 0
	}
	if b.delay == 0 {
		b.delay = backoffInitialFloor + time.Duration(b.rng.Int63n(int64(backoffInitialSpan)))
	} else {
		b.delay *= 2
		if b.delay > backoffCeiling {
			b.delay = backoffCeiling
		}
	}
	b.lastFailure = now
	delay := b.delay
	b.mu.Unlock()

	b.clock.Sleep(delay)
}

// currentDelay exposes the delay for tests.
func (b *ioBackoff) currentDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delay
}
