// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"path"

	"github.com/zeebo/blake3"
)

// Algorithm identifies the hash function behind a content digest.
// The value is a wire constant: it is recorded in the repository
// manifest and selects the hex width of every object name, so changing
// an existing value breaks compatibility with published repositories.
type Algorithm uint8

const (
	// SHA1 is the 20-byte digest used by classic repositories. It is
	// the default when the manifest does not name an algorithm.
	SHA1 Algorithm = 1

	// BLAKE3 is the 32-byte digest used by newer repositories.
	BLAKE3 Algorithm = 2
)

// maxDigestSize is the widest digest any algorithm produces.
const maxDigestSize = 32

// Size returns the digest width in bytes.
func (a Algorithm) Size() int {
	switch a {
	case SHA1:
		return sha1.Size
	case BLAKE3:
		return 32
	default:
		return 0
	}
}

// String returns the lower-case algorithm name used in manifests and
// parameter files.
func (a Algorithm) String() string {
	switch a {
	case SHA1:
		return "sha1"
	case BLAKE3:
		return "blake3"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// ParseAlgorithm parses an algorithm name from a manifest or from
// CVMFS_HASH_ALGORITHM.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "sha1", "":
		return SHA1, nil
	case "blake3":
		return BLAKE3, nil
	default:
		return 0, fmt.Errorf("unknown hash algorithm: %q", name)
	}
}

// newHasher returns a fresh hash.Hash for the algorithm.
func (a Algorithm) newHasher() hash.Hash {
	switch a {
	case SHA1:
		return sha1.New()
	case BLAKE3:
		return blake3.New()
	default:
		panic("digest: hasher requested for unknown algorithm")
	}
}

// Digest is an algorithm-tagged content hash. It identifies every
// immutable artifact in a repository: catalogs, whole files, chunks,
// and history databases. The zero value is the null digest, used for
// entries that carry no content (directories, symlinks).
type Digest struct {
	Algorithm Algorithm
	value     [maxDigestSize]byte
}

// New computes the digest of data.
func New(algorithm Algorithm, data []byte) Digest {
	hasher := algorithm.newHasher()
	hasher.Write(data)
	var d Digest
	d.Algorithm = algorithm
	copy(d.value[:], hasher.Sum(nil))
	return d
}

// FromBytes constructs a digest from raw hash bytes. The length must
// match the algorithm's width.
func FromBytes(algorithm Algorithm, raw []byte) (Digest, error) {
	if len(raw) != algorithm.Size() {
		return Digest{}, fmt.Errorf("digest is %d bytes, want %d for %s",
			len(raw), algorithm.Size(), algorithm)
	}
	var d Digest
	d.Algorithm = algorithm
	copy(d.value[:], raw)
	return d, nil
}

// FromHex parses a hex digest string. The algorithm is inferred from
// the hex length: 40 characters is SHA-1, 64 is BLAKE3.
func FromHex(hexString string) (Digest, error) {
	raw, err := hex.DecodeString(hexString)
	if err != nil {
		return Digest{}, fmt.Errorf("parsing digest %q: %w", hexString, err)
	}
	switch len(raw) {
	case sha1.Size:
		return FromBytes(SHA1, raw)
	case 32:
		return FromBytes(BLAKE3, raw)
	default:
		return Digest{}, fmt.Errorf("digest %q has no known algorithm width", hexString)
	}
}

// IsNull reports whether the digest is the zero value.
func (d Digest) IsNull() bool {
	return d.Algorithm == 0
}

// Bytes returns the raw digest bytes, sized to the algorithm width.
func (d Digest) Bytes() []byte {
	return d.value[:d.Algorithm.Size()]
}

// Hex returns the lower-case hex encoding of the digest.
func (d Digest) Hex() string {
	return hex.EncodeToString(d.Bytes())
}

// String returns the hex encoding. Digests print as their object name.
func (d Digest) String() string {
	return d.Hex()
}

// Equal reports whether two digests are identical, including the
// algorithm tag.
func (d Digest) Equal(other Digest) bool {
	return d.Algorithm == other.Algorithm && d.value == other.value
}

// Suffix classifies the object behind a digest in the backend object
// namespace. Suffixed names let the server apply different cache
// policies per object class.
type Suffix string

const (
	// SuffixNone marks whole regular file data.
	SuffixNone Suffix = ""

	// SuffixCatalog marks catalog databases.
	SuffixCatalog Suffix = "C"

	// SuffixPartial marks chunks of chunked files.
	SuffixPartial Suffix = "P"

	// SuffixHistory marks tag history databases.
	SuffixHistory Suffix = "H"

	// SuffixCertificate marks publisher certificates.
	SuffixCertificate Suffix = "X"
)

// ObjectPath returns the repository-relative URL path of the object:
// "data/<first two hex chars>/<rest><suffix>".
func (d Digest) ObjectPath(suffix Suffix) string {
	hexDigest := d.Hex()
	return "data/" + hexDigest[:2] + "/" + hexDigest[2:] + string(suffix)
}

// CachePath returns the local cache file path of the object under the
// given cache root, sharded by the first two hex characters.
func (d Digest) CachePath(cacheRoot string) string {
	hexDigest := d.Hex()
	return path.Join(cacheRoot, hexDigest[:2], hexDigest[2:])
}

// PathHash is the MD5 of a full repository path, split into the two
// signed little-endian 64-bit halves stored in the catalog's
// md5path_1 and md5path_2 columns. Path hashes key every catalog
// lookup; they are never used to address content.
type PathHash struct {
	L1 int64
	L2 int64
}

// HashPath computes the path hash of a repository path. The path must
// be the full path from the repository root ("" for the root itself,
// "/a/b" otherwise); it is hashed bytewise without normalization.
func HashPath(repositoryPath string) PathHash {
	sum := md5.Sum([]byte(repositoryPath))
	return PathHash{
		L1: int64(binary.LittleEndian.Uint64(sum[0:8])),
		L2: int64(binary.LittleEndian.Uint64(sum[8:16])),
	}
}

// Writer computes a digest over everything written through it.
// Used to verify downloads as they stream into the cache.
type Writer struct {
	algorithm Algorithm
	hasher    hash.Hash
	sink      io.Writer
	written   int64
}

// NewWriter returns a Writer that forwards to sink while hashing.
// A nil sink hashes without forwarding.
func NewWriter(algorithm Algorithm, sink io.Writer) *Writer {
	return &Writer{
		algorithm: algorithm,
		hasher:    algorithm.newHasher(),
		sink:      sink,
	}
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.sink != nil {
		n, err := w.sink.Write(p)
		w.hasher.Write(p[:n])
		w.written += int64(n)
		if err != nil {
			return n, err
		}
		return n, nil
	}
	w.hasher.Write(p)
	w.written += int64(len(p))
	return len(p), nil
}

// Sum returns the digest of all bytes written so far.
func (w *Writer) Sum() Digest {
	var d Digest
	d.Algorithm = w.algorithm
	copy(d.value[:], w.hasher.Sum(nil))
	return d
}

// Written returns the number of bytes hashed: those accepted by the
// sink, or every byte written when the sink is nil.
func (w *Writer) Written() int64 {
	return w.written
}

// MarshalBinary encodes the digest as the algorithm tag followed by
// the raw digest bytes. Used by the CBOR hand-over snapshots.
func (d Digest) MarshalBinary() ([]byte, error) {
	if d.IsNull() {
		return []byte{0}, nil
	}
	out := make([]byte, 1+d.Algorithm.Size())
	out[0] = byte(d.Algorithm)
	copy(out[1:], d.Bytes())
	return out, nil
}

// UnmarshalBinary decodes the MarshalBinary form.
func (d *Digest) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty digest encoding")
	}
	if data[0] == 0 {
		*d = Digest{}
		return nil
	}
	parsed, err := FromBytes(Algorithm(data[0]), data[1:])
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
