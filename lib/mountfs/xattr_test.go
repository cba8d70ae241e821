// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

package mountfs

import (
	"strings"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/cvmfs-contrib/gocvmfs/lib/digest"
)

// getxattr fetches an attribute with a generous buffer.
func (h *harness) getxattr(inode uint64, name string) (string, fuse.Status) {
	h.t.Helper()
	dest := make([]byte, 1024)
	size, status := h.engine.GetXAttr(nil, &fuse.InHeader{NodeId: inode}, name, dest)
	if status != fuse.OK {
		return "", status
	}
	return string(dest[:size]), fuse.OK
}

func TestXattrRuntimeValues(t *testing.T) {
	h := newHarness(t, Options{})

	value, status := h.getxattr(fuse.FUSE_ROOT_ID, "user.revision")
	if status != fuse.OK || value != "1" {
		t.Errorf("user.revision = %q (%v), want 1", value, status)
	}

	value, _ = h.getxattr(fuse.FUSE_ROOT_ID, "user.fqrn")
	if value != testFQRN {
		t.Errorf("user.fqrn = %q", value)
	}

	value, _ = h.getxattr(fuse.FUSE_ROOT_ID, "user.root_hash")
	if value != h.catalogs.RootHash().Hex() {
		t.Errorf("user.root_hash = %q", value)
	}

	value, _ = h.getxattr(fuse.FUSE_ROOT_ID, "user.nclg")
	if value != "1" {
		t.Errorf("user.nclg = %q, want 1", value)
	}

	value, _ = h.getxattr(fuse.FUSE_ROOT_ID, "user.host")
	if value != h.server.URL {
		t.Errorf("user.host = %q, want %q", value, h.server.URL)
	}

	value, _ = h.getxattr(fuse.FUSE_ROOT_ID, "user.proxy")
	if value != "DIRECT" {
		t.Errorf("user.proxy = %q, want DIRECT", value)
	}
}

func TestXattrHashes(t *testing.T) {
	h := newHarness(t, Options{})
	entry := h.lookup(fuse.FUSE_ROOT_ID, "hello")

	wantHash := digest.New(digest.SHA1, h.helloContent).Hex()
	value, status := h.getxattr(entry.NodeId, "user.hash")
	if status != fuse.OK || value != wantHash {
		t.Errorf("user.hash = %q (%v), want %q", value, status, wantHash)
	}

	// lhash re-hashes the cached artifact; for an intact cache it
	// equals the catalog hash.
	value, status = h.getxattr(entry.NodeId, "user.lhash")
	if status != fuse.OK || value != wantHash {
		t.Errorf("user.lhash = %q (%v), want %q", value, status, wantHash)
	}

	// Directories carry no content hash.
	dir := h.lookup(fuse.FUSE_ROOT_ID, "dir")
	if _, status := h.getxattr(dir.NodeId, "user.hash"); status != fuse.Status(syscall.ENODATA) {
		t.Errorf("user.hash on directory = %v, want ENODATA", status)
	}
}

func TestXattrUnknownName(t *testing.T) {
	h := newHarness(t, Options{})
	if _, status := h.getxattr(fuse.FUSE_ROOT_ID, "user.does_not_exist"); status != fuse.Status(syscall.ENODATA) {
		t.Errorf("unknown xattr = %v, want ENODATA", status)
	}
}

func TestXattrProbeAndERange(t *testing.T) {
	h := newHarness(t, Options{})

	// size==0 probes for the needed length.
	size, status := h.engine.GetXAttr(nil, &fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}, "user.fqrn", nil)
	if status != fuse.OK {
		t.Fatalf("probe: %v", status)
	}
	if size != uint32(len(testFQRN)) {
		t.Errorf("probe size = %d, want %d", size, len(testFQRN))
	}

	// A short buffer returns ERANGE with the needed length.
	short := make([]byte, 2)
	size, status = h.engine.GetXAttr(nil, &fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}, "user.fqrn", short)
	if status != fuse.ERANGE {
		t.Errorf("short buffer = %v, want ERANGE", status)
	}
	if size != uint32(len(testFQRN)) {
		t.Errorf("ERANGE size = %d, want %d", size, len(testFQRN))
	}

	// A sufficient buffer copies the value.
	exact := make([]byte, len(testFQRN))
	size, status = h.engine.GetXAttr(nil, &fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}, "user.fqrn", exact)
	if status != fuse.OK || string(exact[:size]) != testFQRN {
		t.Errorf("exact buffer = %q (%v)", exact[:size], status)
	}
}

func TestListXattr(t *testing.T) {
	h := newHarness(t, Options{})

	dest := make([]byte, 4096)
	size, status := h.engine.ListXAttr(nil, &fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}, dest)
	if status != fuse.OK {
		t.Fatalf("ListXAttr: %v", status)
	}
	names := strings.Split(strings.TrimRight(string(dest[:size]), "\x00"), "\x00")

	seen := make(map[string]bool, len(names))
	for _, name := range names {
		seen[name] = true
	}
	for _, want := range []string{"user.revision", "user.fqrn", "user.nioerr", "user.uptime"} {
		if !seen[want] {
			t.Errorf("ListXAttr missing %s", want)
		}
	}
	if seen["user.hash"] {
		t.Error("directory listing includes user.hash")
	}

	// Regular files additionally report the content hashes.
	entry := h.lookup(fuse.FUSE_ROOT_ID, "hello")
	size, status = h.engine.ListXAttr(nil, &fuse.InHeader{NodeId: entry.NodeId}, dest)
	if status != fuse.OK {
		t.Fatalf("ListXAttr on file: %v", status)
	}
	if !strings.Contains(string(dest[:size]), "user.hash") {
		t.Error("file listing missing user.hash")
	}
}
