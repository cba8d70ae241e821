// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

package mountfs

import (
	"bytes"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/cvmfs-contrib/gocvmfs/lib/codec"
	"github.com/cvmfs-contrib/gocvmfs/lib/tracker"
)

// newSuccessor builds a second engine over the same stack, as the
// replacement process would.
func (h *harness) newSuccessor(options Options) *Engine {
	h.t.Helper()
	options.FQRN = testFQRN
	options.Catalogs = h.catalogs
	options.Fetcher = h.fetch
	options.Download = h.download
	options.Quota = h.quota
	successor, err := New(options)
	if err != nil {
		h.t.Fatalf("building successor engine: %v", err)
	}
	return successor
}

func TestHandoverRoundTrip(t *testing.T) {
	h := newHarness(t, Options{})

	// Build up state: tracked inodes, an open whole file, an open
	// chunked file mid-read, and a directory handle.
	hello := h.lookup(fuse.FUSE_ROOT_ID, "hello")
	big := h.lookup(fuse.FUSE_ROOT_ID, "big")

	wholeFh := h.open(hello.NodeId)
	chunkFh := h.open(big.NodeId)
	h.read(chunkFh, 0, int(h.chunkSize)/2)

	dirOut := &fuse.OpenOut{}
	if status := h.engine.OpenDir(nil, &fuse.OpenIn{InHeader: fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}}, dirOut); status != fuse.OK {
		t.Fatalf("OpenDir: %v", status)
	}

	h.engine.EnterMaintenance()
	var state bytes.Buffer
	if err := h.engine.SaveState(&state); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	successor := h.newSuccessor(Options{})
	if err := successor.RestoreState(bytes.NewReader(state.Bytes())); err != nil {
		t.Fatalf("RestoreState: %v", err)
	}

	// The tracker survived: the kernel-held inodes still resolve.
	if path, ok := successor.tracker.FindPath(hello.NodeId); !ok || path != "/hello" {
		t.Errorf("successor tracker lost /hello: %q, %v", path, ok)
	}

	// Reads on the pre-handover kernel handles continue, returning
	// the same bytes the predecessor would have returned.
	buf := make([]byte, len(h.helloContent))
	result, status := successor.Read(nil, &fuse.ReadIn{Fh: wholeFh, Offset: 0, Size: uint32(len(buf))}, buf)
	if status != fuse.OK {
		t.Fatalf("Read whole file after restore: %v", status)
	}
	data, _ := result.Bytes(nil)
	if !bytes.Equal(data, h.helloContent) {
		t.Error("whole-file bytes differ after hand-over")
	}

	// Continue the chunked read mid-stream across the boundary.
	chunkBuf := make([]byte, h.chunkSize)
	result, status = successor.Read(nil, &fuse.ReadIn{
		Fh:     chunkFh,
		Offset: uint64(h.chunkSize / 2),
		Size:   uint32(h.chunkSize),
	}, chunkBuf)
	if status != fuse.OK {
		t.Fatalf("Read chunked file after restore: %v", status)
	}
	data, _ = result.Bytes(nil)
	want := append(append([]byte{}, h.chunkData[0][h.chunkSize/2:]...), h.chunkData[1][:h.chunkSize/2]...)
	if !bytes.Equal(data, want) {
		t.Error("chunked bytes differ after hand-over")
	}

	// The directory handle pages through the same listing.
	snapshot, ok := successor.dirs.get(dirOut.Fh)
	if !ok {
		t.Fatal("directory handle lost in hand-over")
	}
	if len(snapshot.entries) < 2 || snapshot.entries[0].Name != "." {
		t.Error("directory snapshot corrupted in hand-over")
	}

	// Counters carried over.
	if successor.openFiles.Load() != 2 {
		t.Errorf("open file counter = %d after restore, want 2", successor.openFiles.Load())
	}
	if successor.catalogs.Annotation().Generation() != h.catalogs.Annotation().Generation() {
		t.Error("inode generation not preserved")
	}
}

func TestSaveStateRequiresMaintenance(t *testing.T) {
	h := newHarness(t, Options{})
	var state bytes.Buffer
	if err := h.engine.SaveState(&state); err == nil {
		t.Error("SaveState succeeded outside maintenance mode")
	}
}

func TestLegacyTrackerMigration(t *testing.T) {
	h := newHarness(t, Options{})

	legacy := []legacyTrackedEntry{
		{Ino: 4242, Path: "/hello", Refs: 3},
	}
	section, err := codec.Seal(1, legacy)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if err := h.engine.restoreTracker(section); err != nil {
		t.Fatalf("restoreTracker: %v", err)
	}
	if path, ok := h.engine.tracker.FindPath(4242); !ok || path != "/hello" {
		t.Errorf("migrated entry missing: %q, %v", path, ok)
	}

	// References survived the migration: three puts drop it.
	if dropped := h.engine.tracker.VfsPut(4242, 2); dropped {
		t.Error("migrated refcount too low")
	}
	if dropped := h.engine.tracker.VfsPut(4242, 1); !dropped {
		t.Error("migrated refcount too high")
	}
}

func TestUnknownTrackerVersionRejected(t *testing.T) {
	h := newHarness(t, Options{})

	section, err := codec.Seal(99, []tracker.TrackedEntry{})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := h.engine.restoreTracker(section); err == nil {
		t.Error("restoreTracker accepted an unknown version")
	}
}
