// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

package catalog_test

import (
	"testing"

	"github.com/cvmfs-contrib/gocvmfs/lib/catalog"
	"github.com/cvmfs-contrib/gocvmfs/lib/catalog/catalogtest"
	"github.com/cvmfs-contrib/gocvmfs/lib/digest"
)

func buildSimpleCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()

	fileHash := digest.New(digest.SHA1, []byte("file content"))
	dbPath, err := catalogtest.NewBuilder("").
		SetRevision(3).
		SetTTL(120).
		AddDirectory("/dir", 0o755).
		AddFile("/dir/file", fileHash, 12, 0o644).
		AddSymlink("/dir/link", "file").
		AddFile("/zebra", fileHash, 12, 0o600).
		Build(t.TempDir())
	if err != nil {
		t.Fatalf("building catalog: %v", err)
	}

	c, err := catalog.Open(dbPath, "", digest.New(digest.SHA1, []byte("catalog")))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOpenReadsProperties(t *testing.T) {
	c := buildSimpleCatalog(t)

	if c.Revision() != 3 {
		t.Errorf("Revision = %d, want 3", c.Revision())
	}
	if c.TTL() != 120 {
		t.Errorf("TTL = %d, want 120", c.TTL())
	}
	if c.Mountpoint() != "" {
		t.Errorf("Mountpoint = %q, want root", c.Mountpoint())
	}
}

func TestLookupHash(t *testing.T) {
	c := buildSimpleCatalog(t)

	entry, found, err := c.LookupHash(digest.HashPath("/dir/file"))
	if err != nil {
		t.Fatalf("LookupHash: %v", err)
	}
	if !found {
		t.Fatal("existing path not found")
	}
	if entry.Kind != catalog.KindRegular {
		t.Errorf("Kind = %v, want regular", entry.Kind)
	}
	if entry.Name != "file" {
		t.Errorf("Name = %q, want \"file\"", entry.Name)
	}
	if entry.Size != 12 {
		t.Errorf("Size = %d, want 12", entry.Size)
	}
	if entry.Inode == 0 {
		t.Error("entry has no inode assigned")
	}

	_, found, err = c.LookupHash(digest.HashPath("/missing"))
	if err != nil {
		t.Fatalf("LookupHash: %v", err)
	}
	if found {
		t.Error("missing path reported found")
	}
}

func TestLookupSymlink(t *testing.T) {
	c := buildSimpleCatalog(t)

	entry, found, err := c.LookupHash(digest.HashPath("/dir/link"))
	if err != nil || !found {
		t.Fatalf("LookupHash: found=%v err=%v", found, err)
	}
	if entry.Kind != catalog.KindSymlink {
		t.Errorf("Kind = %v, want symlink", entry.Kind)
	}
	if entry.Symlink != "file" {
		t.Errorf("Symlink = %q, want \"file\"", entry.Symlink)
	}
}

func TestListingOrderedByName(t *testing.T) {
	c := buildSimpleCatalog(t)

	entries, err := c.Listing(digest.HashPath(""))
	if err != nil {
		t.Fatalf("Listing: %v", err)
	}
	// Root children: /dir and /zebra.
	if len(entries) != 2 {
		t.Fatalf("Listing returned %d entries, want 2", len(entries))
	}
	if entries[0].Name != "dir" || entries[1].Name != "zebra" {
		t.Errorf("listing order = [%s, %s], want [dir, zebra]",
			entries[0].Name, entries[1].Name)
	}
}

func TestInodesStableWithinCatalog(t *testing.T) {
	c := buildSimpleCatalog(t)

	first, _, err := c.LookupHash(digest.HashPath("/dir/file"))
	if err != nil {
		t.Fatalf("LookupHash: %v", err)
	}
	second, _, err := c.LookupHash(digest.HashPath("/dir/file"))
	if err != nil {
		t.Fatalf("LookupHash: %v", err)
	}
	if first.Inode != second.Inode {
		t.Errorf("repeated lookup changed inode: %d != %d", first.Inode, second.Inode)
	}
}

func TestHardlinkGroupSharesInode(t *testing.T) {
	contentHash := digest.New(digest.SHA1, []byte("shared"))
	dbPath, err := catalogtest.NewBuilder("").
		AddHardlink("/a", contentHash, 6, 7, 2).
		AddHardlink("/b", contentHash, 6, 7, 2).
		Build(t.TempDir())
	if err != nil {
		t.Fatalf("building catalog: %v", err)
	}
	c, err := catalog.Open(dbPath, "", digest.Digest{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	first, _, err := c.LookupHash(digest.HashPath("/a"))
	if err != nil {
		t.Fatalf("LookupHash /a: %v", err)
	}
	second, _, err := c.LookupHash(digest.HashPath("/b"))
	if err != nil {
		t.Fatalf("LookupHash /b: %v", err)
	}
	if first.Inode != second.Inode {
		t.Errorf("hardlink group members have distinct inodes: %d != %d",
			first.Inode, second.Inode)
	}
	if first.Linkcount != 2 {
		t.Errorf("Linkcount = %d, want 2", first.Linkcount)
	}
}

func TestChunks(t *testing.T) {
	chunk0 := digest.New(digest.SHA1, []byte("chunk0"))
	chunk1 := digest.New(digest.SHA1, []byte("chunk1"))
	dbPath, err := catalogtest.NewBuilder("").
		AddChunkedFile("/big", 2048, []catalogtest.ChunkSpec{
			{Offset: 0, Size: 1024, Hash: chunk0},
			{Offset: 1024, Size: 1024, Hash: chunk1},
		}).
		Build(t.TempDir())
	if err != nil {
		t.Fatalf("building catalog: %v", err)
	}
	c, err := catalog.Open(dbPath, "", digest.Digest{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	entry, _, err := c.LookupHash(digest.HashPath("/big"))
	if err != nil {
		t.Fatalf("LookupHash: %v", err)
	}
	if !entry.Chunked {
		t.Error("chunked flag not set")
	}

	chunks, err := c.Chunks(digest.HashPath("/big"))
	if err != nil {
		t.Fatalf("Chunks: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("Chunks returned %d, want 2", len(chunks))
	}
	if chunks[0].Offset != 0 || chunks[1].Offset != 1024 {
		t.Errorf("chunk offsets = %d, %d", chunks[0].Offset, chunks[1].Offset)
	}
	if !chunks[1].Hash.Equal(chunk1) {
		t.Error("second chunk hash mismatch")
	}
}

func TestNestedReferences(t *testing.T) {
	childHash := digest.New(digest.SHA1, []byte("child catalog"))
	dbPath, err := catalogtest.NewBuilder("").
		AddNestedMountpoint("/nested", childHash).
		Build(t.TempDir())
	if err != nil {
		t.Fatalf("building catalog: %v", err)
	}
	c, err := catalog.Open(dbPath, "", digest.Digest{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	reference, found, err := c.FindNested("/nested")
	if err != nil {
		t.Fatalf("FindNested: %v", err)
	}
	if !found {
		t.Fatal("nested reference not found")
	}
	if !reference.Hash.Equal(childHash) {
		t.Errorf("nested hash = %s, want %s", reference.Hash, childHash)
	}

	entry, _, err := c.LookupHash(digest.HashPath("/nested"))
	if err != nil {
		t.Fatalf("LookupHash: %v", err)
	}
	if !entry.NestedMountpoint {
		t.Error("mountpoint entry not flagged")
	}
}

func TestEntryCountFromStatistics(t *testing.T) {
	fileHash := digest.New(digest.SHA1, []byte("x"))
	dbPath, err := catalogtest.NewBuilder("").
		AddFile("/one", fileHash, 1, 0o644).
		AddFile("/two", fileHash, 1, 0o644).
		Build(t.TempDir())
	if err != nil {
		t.Fatalf("building catalog: %v", err)
	}
	c, err := catalog.Open(dbPath, "", digest.Digest{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	count, err := c.EntryCount()
	if err != nil {
		t.Fatalf("EntryCount: %v", err)
	}
	if count != 2 {
		t.Errorf("EntryCount = %d, want 2", count)
	}
}
