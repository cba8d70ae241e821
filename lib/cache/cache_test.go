// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cvmfs-contrib/gocvmfs/lib/digest"
)

func newTestBackend(t *testing.T) *PosixBackend {
	t.Helper()
	root := t.TempDir()
	if err := CreateLayout(root); err != nil {
		t.Fatalf("CreateLayout: %v", err)
	}
	return NewPosix(PosixOptions{Root: root})
}

func insertObject(t *testing.T, backend Backend, content []byte) Object {
	t.Helper()
	object := Object{Hash: digest.New(digest.SHA1, content), Description: "/test"}
	txn, err := backend.StartTxn(object, int64(len(content)))
	if err != nil {
		t.Fatalf("StartTxn: %v", err)
	}
	if _, err := txn.Write(content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return object
}

func readAll(t *testing.T, file *os.File) []byte {
	t.Helper()
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		t.Fatalf("reading cached object: %v", err)
	}
	return content
}

func TestCreateLayout(t *testing.T) {
	root := t.TempDir()
	if err := CreateLayout(root); err != nil {
		t.Fatalf("CreateLayout: %v", err)
	}

	for _, name := range []string{"00", "7f", "ff", "txn", SentinelName} {
		if _, err := os.Stat(filepath.Join(root, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}

	// Idempotent.
	if err := CreateLayout(root); err != nil {
		t.Errorf("second CreateLayout: %v", err)
	}
}

func TestCreateLayoutRefusesForeignDirectory(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "precious"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := CreateLayout(root); err == nil {
		t.Error("CreateLayout adopted a non-empty foreign directory")
	}
}

func TestTxnCommitAndOpen(t *testing.T) {
	backend := newTestBackend(t)
	content := []byte("cached object content")

	object := insertObject(t, backend, content)

	file, err := backend.Open(object)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := readAll(t, file); !bytes.Equal(got, content) {
		t.Error("cached content differs")
	}
}

func TestOpenMissing(t *testing.T) {
	backend := newTestBackend(t)
	object := Object{Hash: digest.New(digest.SHA1, []byte("never inserted"))}

	if _, err := backend.Open(object); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open missing = %v, want ErrNotFound", err)
	}
}

func TestTxnAbortLeavesNothing(t *testing.T) {
	backend := newTestBackend(t)
	content := []byte("aborted content")
	object := Object{Hash: digest.New(digest.SHA1, content)}

	txn, err := backend.StartTxn(object, int64(len(content)))
	if err != nil {
		t.Fatalf("StartTxn: %v", err)
	}
	if _, err := txn.Write(content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := txn.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	if _, err := backend.Open(object); !errors.Is(err, ErrNotFound) {
		t.Error("aborted object is observable")
	}
}

func TestTxnReset(t *testing.T) {
	backend := newTestBackend(t)
	content := []byte("final content")
	object := Object{Hash: digest.New(digest.SHA1, content)}

	txn, err := backend.StartTxn(object, -1)
	if err != nil {
		t.Fatalf("StartTxn: %v", err)
	}
	if _, err := txn.Write([]byte("partial garbage from failed host")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := txn.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if txn.Size() != 0 {
		t.Errorf("Size after Reset = %d, want 0", txn.Size())
	}
	if _, err := txn.Write(content); err != nil {
		t.Fatalf("Write after Reset: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	file, err := txn.OpenFromTxn()
	if err != nil {
		t.Fatalf("OpenFromTxn: %v", err)
	}
	if got := readAll(t, file); !bytes.Equal(got, content) {
		t.Error("content after reset differs")
	}
}

// rejectingCounters denies every insert.
type rejectingCounters struct{}

func (rejectingCounters) OnInsert(Object, int64) error { return ErrNoSpace }
func (rejectingCounters) OnOpen(digest.Digest)         {}

func TestQuotaRejectionAbortsCommit(t *testing.T) {
	root := t.TempDir()
	if err := CreateLayout(root); err != nil {
		t.Fatal(err)
	}
	backend := NewPosix(PosixOptions{Root: root, Counters: rejectingCounters{}})

	content := []byte("too big")
	object := Object{Hash: digest.New(digest.SHA1, content)}
	txn, err := backend.StartTxn(object, int64(len(content)))
	if err != nil {
		t.Fatalf("StartTxn: %v", err)
	}
	txn.Write(content)
	if err := txn.Commit(); !errors.Is(err, ErrNoSpace) {
		t.Errorf("Commit = %v, want ErrNoSpace", err)
	}
	if _, err := backend.Open(object); !errors.Is(err, ErrNotFound) {
		t.Error("rejected object is observable")
	}
}

func TestTieredCopyUp(t *testing.T) {
	upper := newTestBackend(t)

	lowerRoot := t.TempDir()
	if err := CreateLayout(lowerRoot); err != nil {
		t.Fatal(err)
	}
	lowerWritable := NewPosix(PosixOptions{Root: lowerRoot})
	content := []byte("shared object")
	object := insertObject(t, lowerWritable, content)

	lower := NewPosix(PosixOptions{Root: lowerRoot, ReadOnly: true})
	tiered, err := NewTiered(upper, lower, nil)
	if err != nil {
		t.Fatalf("NewTiered: %v", err)
	}

	// First open: lower hit, promoted into upper.
	file, err := tiered.Open(object)
	if err != nil {
		t.Fatalf("tiered Open: %v", err)
	}
	if got := readAll(t, file); !bytes.Equal(got, content) {
		t.Error("promoted content differs")
	}

	// The upper layer now holds its own copy.
	upperFile, err := upper.Open(object)
	if err != nil {
		t.Fatalf("upper Open after promotion: %v", err)
	}
	readAll(t, upperFile)
}

func TestTieredMissEverywhere(t *testing.T) {
	upper := newTestBackend(t)
	lower := newTestBackend(t)
	tiered, err := NewTiered(upper, lower, nil)
	if err != nil {
		t.Fatalf("NewTiered: %v", err)
	}

	object := Object{Hash: digest.New(digest.SHA1, []byte("absent"))}
	if _, err := tiered.Open(object); !errors.Is(err, ErrNotFound) {
		t.Errorf("tiered Open = %v, want ErrNotFound", err)
	}
}

func TestTieredWriteMirrors(t *testing.T) {
	upper := newTestBackend(t)
	lower := newTestBackend(t)
	tiered, err := NewTiered(upper, lower, nil)
	if err != nil {
		t.Fatalf("NewTiered: %v", err)
	}

	content := []byte("mirrored write")
	object := insertObject(t, tiered, content)

	for name, backend := range map[string]Backend{"upper": upper, "lower": lower} {
		file, err := backend.Open(object)
		if err != nil {
			t.Errorf("%s layer missing mirrored object: %v", name, err)
			continue
		}
		readAll(t, file)
	}
}

func TestTieredWriteSkipsReadOnlyLower(t *testing.T) {
	upper := newTestBackend(t)

	lowerRoot := t.TempDir()
	if err := CreateLayout(lowerRoot); err != nil {
		t.Fatal(err)
	}
	lower := NewPosix(PosixOptions{Root: lowerRoot, ReadOnly: true})

	tiered, err := NewTiered(upper, lower, nil)
	if err != nil {
		t.Fatalf("NewTiered: %v", err)
	}

	content := []byte("upper only")
	object := insertObject(t, tiered, content)

	if _, err := upper.Open(object); err != nil {
		t.Errorf("upper layer missing object: %v", err)
	}
	if _, err := lower.Open(object); !errors.Is(err, ErrNotFound) {
		t.Error("read-only lower layer received a write")
	}
}

func TestMarkRunning(t *testing.T) {
	root := t.TempDir()

	unclean, err := MarkRunning(root, "sw.example.org")
	if err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if unclean {
		t.Error("first start reported unclean shutdown")
	}

	// Sentinel still present: the "previous" process crashed.
	unclean, err = MarkRunning(root, "sw.example.org")
	if err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if !unclean {
		t.Error("crash not detected")
	}

	if err := MarkClean(root, "sw.example.org"); err != nil {
		t.Fatalf("MarkClean: %v", err)
	}
	unclean, err = MarkRunning(root, "sw.example.org")
	if err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if unclean {
		t.Error("clean shutdown reported as unclean")
	}
}

func TestLock(t *testing.T) {
	root := t.TempDir()

	lock, err := Lock(root, "sw.example.org")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer lock.Close()

	if _, err := Lock(root, "sw.example.org"); err == nil {
		t.Error("second Lock on the same cache succeeded")
	}
}
