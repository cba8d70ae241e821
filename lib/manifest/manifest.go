// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest parses the signed root descriptor of a repository
// (the .cvmfspublished file). The manifest names the root catalog
// digest, the publication revision, and the catalog TTL; it is the
// anchor every catalog load descends from.
//
// Signature verification is deliberately an interface. The client
// treats it as an oracle: a Verifier accepts or rejects the raw
// manifest bytes, and everything downstream trusts digests only.
package manifest

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"

	"github.com/cvmfs-contrib/gocvmfs/lib/digest"
)

// Name is the well-known repository-relative path of the manifest.
const Name = ".cvmfspublished"

// Manifest is the parsed root descriptor.
type Manifest struct {
	// CatalogHash is the content digest of the root catalog.
	CatalogHash digest.Digest

	// CatalogSize is the decompressed size of the root catalog in
	// bytes, 0 when the publisher did not record it.
	CatalogSize int64

	// RootPathHash is the MD5 of the root path (the hash of "").
	RootPathHash string

	// CertificateHash addresses the publisher certificate.
	CertificateHash digest.Digest

	// HistoryHash addresses the tag history database; null if the
	// repository has none.
	HistoryHash digest.Digest

	// Timestamp is the publication time in Unix seconds.
	Timestamp int64

	// TTL is the root catalog time-to-live in seconds, 0 when the
	// manifest does not override the catalog's own TTL.
	TTL uint64

	// Revision is the monotonic publication counter.
	Revision uint64

	// Name is the fully qualified repository name.
	Name string
}

// Parse reads the line-oriented manifest format. Each line is a
// single uppercase tag byte followed by its value; "--" terminates
// the descriptor, and everything after it belongs to the signature.
// Unknown tags are skipped so newer publishers stay readable.
func Parse(raw []byte) (*Manifest, error) {
	m := &Manifest{}
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	sawCatalog := false

	for scanner.Scan() {
		line := scanner.Text()
		if line == "--" {
			break
		}
		if len(line) < 2 {
			return nil, fmt.Errorf("manifest: malformed line %q", line)
		}
		tag, value := line[0], line[1:]

		var err error
		switch tag {
		case 'C':
			m.CatalogHash, err = digest.FromHex(value)
			sawCatalog = err == nil
		case 'B':
			m.CatalogSize, err = strconv.ParseInt(value, 10, 64)
		case 'R':
			m.RootPathHash = value
		case 'X':
			m.CertificateHash, err = digest.FromHex(value)
		case 'H':
			m.HistoryHash, err = digest.FromHex(value)
		case 'T':
			m.Timestamp, err = strconv.ParseInt(value, 10, 64)
		case 'D':
			m.TTL, err = strconv.ParseUint(value, 10, 64)
		case 'S':
			m.Revision, err = strconv.ParseUint(value, 10, 64)
		case 'N':
			m.Name = value
		default:
			// Unknown tag: ignore.
		}
		if err != nil {
			return nil, fmt.Errorf("manifest: tag %c: %w", tag, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	if !sawCatalog {
		return nil, fmt.Errorf("manifest: missing root catalog digest")
	}
	return m, nil
}

// Verifier decides whether a raw manifest is trusted for a
// repository. Implementations carry the signature machinery; the
// client core only consumes the verdict.
type Verifier interface {
	// Verify returns nil if the manifest bytes are trusted for fqrn.
	Verify(fqrn string, raw []byte) error
}

// AcceptAll trusts every manifest. Used with CVMFS_IGNORE_SIGNATURE
// and in tests.
type AcceptAll struct{}

// Verify implements Verifier.
func (AcceptAll) Verify(string, []byte) error { return nil }

// PinnedRoot trusts only manifests whose root catalog digest equals
// the pinned one. Used with CVMFS_ROOT_HASH, where the operator
// vouches for a specific revision out of band.
type PinnedRoot struct {
	Hash digest.Digest
}

// Verify implements Verifier.
func (p PinnedRoot) Verify(fqrn string, raw []byte) error {
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	if !parsed.CatalogHash.Equal(p.Hash) {
		return fmt.Errorf("manifest for %s names root %s, pinned to %s",
			fqrn, parsed.CatalogHash, p.Hash)
	}
	return nil
}
