// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package catalogtest fabricates repositories for tests: catalog
// databases with the production schema, content-addressed object
// stores in the backend layout, and manifests tying them together.
// Tests serve the resulting directory with httptest.FileServer to
// get a complete repository origin.
package catalogtest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/cvmfs-contrib/gocvmfs/lib/compress"
	"github.com/cvmfs-contrib/gocvmfs/lib/digest"
	"github.com/cvmfs-contrib/gocvmfs/lib/manifest"
)

// Entry flag bits, mirroring the catalog schema.
const (
	flagDir              = 0x01
	flagNestedMountpoint = 0x02
	flagFile             = 0x04
	flagSymlink          = 0x08
	flagNestedRoot       = 0x20
	flagChunked          = 0x40
)

const schema = `
CREATE TABLE catalog (
	md5path_1 INTEGER,
	md5path_2 INTEGER,
	parent_1 INTEGER,
	parent_2 INTEGER,
	hardlinks INTEGER,
	hash BLOB,
	size INTEGER,
	mode INTEGER,
	mtime INTEGER,
	flags INTEGER,
	name TEXT,
	symlink TEXT,
	uid INTEGER,
	gid INTEGER,
	CONSTRAINT pk_catalog PRIMARY KEY (md5path_1, md5path_2)
);
CREATE TABLE chunks (
	md5path_1 INTEGER,
	md5path_2 INTEGER,
	offset INTEGER,
	size INTEGER,
	hash BLOB,
	CONSTRAINT pk_chunks PRIMARY KEY (md5path_1, md5path_2, offset)
);
CREATE TABLE nested_catalogs (path TEXT, sha1 TEXT, CONSTRAINT pk_nested_catalogs PRIMARY KEY (path));
CREATE TABLE properties (key TEXT, value TEXT, CONSTRAINT pk_properties PRIMARY KEY (key));
CREATE TABLE statistics (counter TEXT, value INTEGER, CONSTRAINT pk_statistics PRIMARY KEY (counter));
`

// row is one pending catalog row.
type row struct {
	path      string
	flags     int64
	size      int64
	mode      uint32
	mtime     int64
	uid, gid  uint32
	hash      []byte
	symlink   string
	hardlinks uint64
	chunks    []ChunkSpec
}

// ChunkSpec describes one chunk of a chunked file.
type ChunkSpec struct {
	Offset int64
	Size   int64
	Hash   digest.Digest
}

// Builder assembles one catalog database.
type Builder struct {
	rootPrefix string
	revision   uint64
	ttl        uint64
	previous   string
	rows       []row
	nested     map[string]digest.Digest
}

// NewBuilder starts a catalog serving the subtree at rootPrefix (""
// for a root catalog). The root directory entry is added
// automatically.
func NewBuilder(rootPrefix string) *Builder {
	b := &Builder{
		rootPrefix: rootPrefix,
		revision:   1,
		ttl:        900,
		nested:     make(map[string]digest.Digest),
	}
	flags := int64(flagDir)
	if rootPrefix != "" {
		flags |= flagNestedRoot
	}
	b.rows = append(b.rows, row{
		path:  rootPrefix,
		flags: flags,
		mode:  0o755,
		mtime: 1700000000,
	})
	return b
}

// SetRevision overrides the revision property.
func (b *Builder) SetRevision(revision uint64) *Builder {
	b.revision = revision
	return b
}

// SetTTL overrides the TTL property in seconds.
func (b *Builder) SetTTL(ttl uint64) *Builder {
	b.ttl = ttl
	return b
}

// SetPrevious records the previous-revision digest.
func (b *Builder) SetPrevious(hex string) *Builder {
	b.previous = hex
	return b
}

// AddDirectory adds a directory entry at path.
func (b *Builder) AddDirectory(path string, mode uint32) *Builder {
	b.rows = append(b.rows, row{path: path, flags: flagDir, mode: mode, mtime: 1700000000})
	return b
}

// AddFile adds a regular file entry with the given content digest.
func (b *Builder) AddFile(path string, contentHash digest.Digest, size int64, mode uint32) *Builder {
	b.rows = append(b.rows, row{
		path:  path,
		flags: flagFile,
		mode:  mode,
		mtime: 1700000000,
		size:  size,
		hash:  contentHash.Bytes(),
	})
	return b
}

// AddHardlink adds a regular file belonging to a hardlink group.
func (b *Builder) AddHardlink(path string, contentHash digest.Digest, size int64, group, linkcount uint32) *Builder {
	b.rows = append(b.rows, row{
		path:      path,
		flags:     flagFile,
		mode:      0o644,
		mtime:     1700000000,
		size:      size,
		hash:      contentHash.Bytes(),
		hardlinks: uint64(group)<<32 | uint64(linkcount),
	})
	return b
}

// AddSymlink adds a symlink entry.
func (b *Builder) AddSymlink(path, target string) *Builder {
	b.rows = append(b.rows, row{
		path:    path,
		flags:   flagSymlink,
		mode:    0o777,
		mtime:   1700000000,
		symlink: target,
	})
	return b
}

// AddChunkedFile adds a regular file stored as chunks. The chunk
// offsets must start at 0 and be contiguous.
func (b *Builder) AddChunkedFile(path string, size int64, chunks []ChunkSpec) *Builder {
	b.rows = append(b.rows, row{
		path:   path,
		flags:  flagFile | flagChunked,
		mode:   0o644,
		mtime:  1700000000,
		size:   size,
		chunks: chunks,
	})
	return b
}

// AddNestedMountpoint adds the directory entry for a nested catalog
// mountpoint and records the child reference.
func (b *Builder) AddNestedMountpoint(path string, childHash digest.Digest) *Builder {
	b.rows = append(b.rows, row{
		path:  path,
		flags: flagDir | flagNestedMountpoint,
		mode:  0o755,
		mtime: 1700000000,
	})
	b.nested[path] = childHash
	return b
}

// Build writes the catalog database to a new file in dir and returns
// its path.
func (b *Builder) Build(dir string) (string, error) {
	dbPath := filepath.Join(dir, fmt.Sprintf("catalog-%s-%d.db", pathToken(b.rootPrefix), b.revision))
	os.Remove(dbPath)

	conn, err := sqlite.OpenConn(dbPath, sqlite.OpenReadWrite, sqlite.OpenCreate)
	if err != nil {
		return "", fmt.Errorf("creating catalog db: %w", err)
	}
	defer conn.Close()

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return "", fmt.Errorf("creating schema: %w", err)
	}

	properties := map[string]string{
		"revision":        fmt.Sprintf("%d", b.revision),
		"TTL":             fmt.Sprintf("%d", b.ttl),
		"root_prefix":     b.rootPrefix,
		"schema":          "2.5",
		"schema_revision": "1",
	}
	if b.previous != "" {
		properties["previous_revision"] = b.previous
	}
	for key, value := range properties {
		err := sqlitex.Execute(conn, "INSERT INTO properties (key, value) VALUES (?, ?)",
			&sqlitex.ExecOptions{Args: []any{key, value}})
		if err != nil {
			return "", fmt.Errorf("writing property %s: %w", key, err)
		}
	}

	regularCount := 0
	for _, r := range b.rows {
		pathHash := digest.HashPath(r.path)
		parentHash := digest.PathHash{}
		if r.path != "" && r.path != b.rootPrefix {
			parentHash = digest.HashPath(parentOf(r.path))
		}

		err := sqlitex.Execute(conn, `INSERT INTO catalog
			(md5path_1, md5path_2, parent_1, parent_2, hardlinks, hash, size,
			 mode, mtime, flags, name, symlink, uid, gid)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				pathHash.L1, pathHash.L2, parentHash.L1, parentHash.L2,
				int64(r.hardlinks), r.hash, r.size,
				int64(r.mode), r.mtime, r.flags, baseOf(r.path), r.symlink,
				int64(r.uid), int64(r.gid),
			}})
		if err != nil {
			return "", fmt.Errorf("inserting %q: %w", r.path, err)
		}
		if r.flags&flagFile != 0 {
			regularCount++
		}

		for _, chunk := range r.chunks {
			err := sqlitex.Execute(conn, `INSERT INTO chunks
				(md5path_1, md5path_2, offset, size, hash) VALUES (?, ?, ?, ?, ?)`,
				&sqlitex.ExecOptions{Args: []any{
					pathHash.L1, pathHash.L2, chunk.Offset, chunk.Size, chunk.Hash.Bytes(),
				}})
			if err != nil {
				return "", fmt.Errorf("inserting chunk of %q: %w", r.path, err)
			}
		}
	}

	for path, childHash := range b.nested {
		err := sqlitex.Execute(conn, "INSERT INTO nested_catalogs (path, sha1) VALUES (?, ?)",
			&sqlitex.ExecOptions{Args: []any{path, childHash.Hex()}})
		if err != nil {
			return "", fmt.Errorf("inserting nested reference %q: %w", path, err)
		}
	}

	err = sqlitex.Execute(conn, "INSERT INTO statistics (counter, value) VALUES ('self_regular', ?)",
		&sqlitex.ExecOptions{Args: []any{regularCount}})
	if err != nil {
		return "", fmt.Errorf("inserting statistics: %w", err)
	}

	return dbPath, nil
}

func parentOf(path string) string {
	slash := strings.LastIndexByte(path, '/')
	if slash <= 0 {
		return ""
	}
	return path[:slash]
}

func baseOf(path string) string {
	if path == "" {
		return ""
	}
	slash := strings.LastIndexByte(path, '/')
	return path[slash+1:]
}

func pathToken(path string) string {
	if path == "" {
		return "root"
	}
	return strings.ReplaceAll(strings.TrimPrefix(path, "/"), "/", "_")
}

// Repo is an on-disk backend object store in the layout an HTTP
// origin serves: data/<xx>/<rest><suffix> plus the manifest.
type Repo struct {
	// Dir is the directory to serve.
	Dir string

	// Algorithm is the content digest algorithm.
	Algorithm digest.Algorithm

	// Compression is the object compression codec.
	Compression compress.Algorithm
}

// NewRepo creates a store under dir.
func NewRepo(dir string) *Repo {
	return &Repo{Dir: dir, Algorithm: digest.SHA1, Compression: compress.Zlib}
}

// StoreObject compresses content, stores it under its content digest,
// and returns the digest. The digest is computed over the
// uncompressed bytes, matching the client's verify-after-decompress
// order.
func (r *Repo) StoreObject(content []byte, suffix digest.Suffix) (digest.Digest, error) {
	contentHash := digest.New(r.Algorithm, content)

	compressed, err := compress.Compress(content, r.Compression)
	if err != nil {
		return digest.Digest{}, err
	}

	objectPath := filepath.Join(r.Dir, filepath.FromSlash(contentHash.ObjectPath(suffix)))
	if err := os.MkdirAll(filepath.Dir(objectPath), 0o755); err != nil {
		return digest.Digest{}, err
	}
	if err := os.WriteFile(objectPath, compressed, 0o644); err != nil {
		return digest.Digest{}, err
	}
	return contentHash, nil
}

// StoreCatalog stores a built catalog database file as a catalog
// object and returns its digest.
func (r *Repo) StoreCatalog(dbPath string) (digest.Digest, error) {
	content, err := os.ReadFile(dbPath)
	if err != nil {
		return digest.Digest{}, err
	}
	return r.StoreObject(content, digest.SuffixCatalog)
}

// PublishManifest writes the manifest naming the given root catalog.
func (r *Repo) PublishManifest(fqrn string, rootCatalog digest.Digest, revision, ttl uint64) error {
	lines := []string{
		"C" + rootCatalog.Hex(),
		"R" + digestOfEmptyPath(),
		fmt.Sprintf("T%d", 1700000000),
		fmt.Sprintf("D%d", ttl),
		fmt.Sprintf("S%d", revision),
		"N" + fqrn,
		"--",
		"fixture-signature",
	}
	return os.WriteFile(filepath.Join(r.Dir, manifest.Name),
		[]byte(strings.Join(lines, "\n")+"\n"), 0o644)
}

// digestOfEmptyPath is the hex MD5 of "", the root path.
func digestOfEmptyPath() string {
	return "d41d8cd98f00b204e9800998ecf8427e"
}
