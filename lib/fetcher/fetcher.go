// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package fetcher turns a content digest into a verified local file.
// The read path is cache-first: a resident object is served directly;
// a miss opens a cache transaction, streams the download through the
// decompressor and a digest computation, and commits only if the
// computed digest equals the requested one. Nothing unverified ever
// becomes observable in the cache.
//
// Concurrent requests for the same digest collapse onto a single
// download; followers wait for the leader's commit and then open the
// cache.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/cvmfs-contrib/gocvmfs/lib/cache"
	"github.com/cvmfs-contrib/gocvmfs/lib/compress"
	"github.com/cvmfs-contrib/gocvmfs/lib/digest"
	"github.com/cvmfs-contrib/gocvmfs/lib/download"
	"github.com/cvmfs-contrib/gocvmfs/lib/manifest"
)

// maxManifestSize bounds the manifest download; a descriptor is a few
// hundred bytes.
const maxManifestSize = 64 * 1024

// ErrVerification is wrapped by errors returned for digest
// mismatches. A verification failure is permanent for that digest:
// retrying the same object would re-download the same bytes.
var ErrVerification = errors.New("digest verification failed")

// Observer receives fetch lifecycle events. Observers must not
// block; they run on the fetching goroutine.
type Observer interface {
	FetchBegan(hash digest.Digest, description string)
	FetchCompleted(hash digest.Digest, size int64)
	FetchFailed(hash digest.Digest, err error)
}

// Options configures a Fetcher.
type Options struct {
	// Cache is the content store, usually the tiered backend.
	Cache cache.Backend

	// Download executes HTTP transfers.
	Download *download.Manager

	// Compression is the repository's object codec.
	Compression compress.Algorithm

	// FQRN is the fully qualified repository name, used for manifest
	// verification.
	FQRN string

	// Verifier is the manifest trust oracle.
	Verifier manifest.Verifier

	// Logger receives diagnostics. Nil discards.
	Logger *slog.Logger
}

// Fetcher resolves digests to local files.
type Fetcher struct {
	cache       cache.Backend
	download    *download.Manager
	compression compress.Algorithm
	fqrn        string
	verifier    manifest.Verifier
	logger      *slog.Logger

	mu        sync.Mutex
	inflight  map[string]chan struct{}
	observers []Observer
}

// New validates options and returns a Fetcher.
func New(options Options) (*Fetcher, error) {
	if options.Cache == nil {
		return nil, fmt.Errorf("fetcher: cache is required")
	}
	if options.Download == nil {
		return nil, fmt.Errorf("fetcher: download manager is required")
	}
	if options.Verifier == nil {
		options.Verifier = manifest.AcceptAll{}
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	return &Fetcher{
		cache:       options.Cache,
		download:    options.Download,
		compression: options.Compression,
		fqrn:        options.FQRN,
		verifier:    options.Verifier,
		logger:      options.Logger,
		inflight:    make(map[string]chan struct{}),
	}, nil
}

// AddObserver registers a fetch observer.
func (f *Fetcher) AddObserver(observer Observer) {
	f.mu.Lock()
	f.observers = append(f.observers, observer)
	f.mu.Unlock()
}

func (f *Fetcher) notifyBegan(hash digest.Digest, description string) {
	f.mu.Lock()
	observers := f.observers
	f.mu.Unlock()
	for _, observer := range observers {
		observer.FetchBegan(hash, description)
	}
}

func (f *Fetcher) notifyCompleted(hash digest.Digest, size int64) {
	f.mu.Lock()
	observers := f.observers
	f.mu.Unlock()
	for _, observer := range observers {
		observer.FetchCompleted(hash, size)
	}
}

func (f *Fetcher) notifyFailed(hash digest.Digest, err error) {
	f.mu.Lock()
	observers := f.observers
	f.mu.Unlock()
	for _, observer := range observers {
		observer.FetchFailed(hash, err)
	}
}

// Fetch returns a read handle on the verified, decompressed object.
// description is the logical path, recorded for quota listings and
// logs. pinned exempts the object from eviction (catalogs).
func (f *Fetcher) Fetch(ctx context.Context, hash digest.Digest, description string, suffix digest.Suffix, sizeHint int64, pinned bool) (*os.File, error) {
	object := cache.Object{Hash: hash, Description: description, Pinned: pinned}

	for {
		file, err := f.cache.Open(object)
		if err == nil {
			return file, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			return nil, err
		}

		// Miss: become the leader for this digest or wait for one.
		f.mu.Lock()
		waiter, someoneFetching := f.inflight[hash.Hex()]
		if !someoneFetching {
			waiter = make(chan struct{})
			f.inflight[hash.Hex()] = waiter
		}
		f.mu.Unlock()

		if someoneFetching {
			select {
			case <-waiter:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			// The leader finished (or failed); re-check the cache.
			// A failed leader leaves the object absent, and this
			// follower becomes the next leader.
			continue
		}

		file, err = f.fetchMiss(ctx, object, suffix, sizeHint)

		f.mu.Lock()
		delete(f.inflight, hash.Hex())
		f.mu.Unlock()
		close(waiter)

		return file, err
	}
}

// fetchMiss downloads, verifies, and inserts one object.
func (f *Fetcher) fetchMiss(ctx context.Context, object cache.Object, suffix digest.Suffix, sizeHint int64) (*os.File, error) {
	f.notifyBegan(object.Hash, object.Description)

	txn, err := f.cache.StartTxn(object, sizeHint)
	if err != nil {
		f.notifyFailed(object.Hash, err)
		return nil, err
	}

	objectPath := object.Hash.ObjectPath(suffix)
	err = f.download.Fetch(ctx, objectPath, func(body io.Reader) error {
		// A retried attempt starts the object over.
		if txn.Size() > 0 {
			if resetErr := txn.Reset(); resetErr != nil {
				return resetErr
			}
		}

		decompressor, err := compress.NewReader(body, f.compression)
		if err != nil {
			return err
		}
		defer decompressor.Close()

		verifyingWriter := digest.NewWriter(object.Hash.Algorithm, txn)
		if _, err := io.Copy(verifyingWriter, decompressor); err != nil {
			return err
		}

		if computed := verifyingWriter.Sum(); !computed.Equal(object.Hash) {
			return fmt.Errorf("%w: %s: got %s, want %s",
				ErrVerification, object.Description, computed, object.Hash)
		}
		return nil
	})
	if err != nil {
		txn.Abort()
		f.notifyFailed(object.Hash, err)
		return nil, err
	}

	size := txn.Size()
	if err := txn.Commit(); err != nil {
		f.notifyFailed(object.Hash, err)
		return nil, err
	}

	file, err := txn.OpenFromTxn()
	if err != nil {
		f.notifyFailed(object.Hash, err)
		return nil, err
	}

	f.logger.Debug("fetched object",
		"hash", object.Hash.Hex(),
		"path", object.Description,
		"bytes", size,
	)
	f.notifyCompleted(object.Hash, size)
	return file, nil
}

// Manifest implements catalog.Source: it downloads the current root
// descriptor, runs it through the verifier, and parses it.
func (f *Fetcher) Manifest(ctx context.Context) (*manifest.Manifest, error) {
	var raw bytes.Buffer
	err := f.download.Fetch(ctx, manifest.Name, func(body io.Reader) error {
		raw.Reset()
		_, copyErr := io.Copy(&raw, io.LimitReader(body, maxManifestSize))
		return copyErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetching manifest: %w", err)
	}

	if err := f.verifier.Verify(f.fqrn, raw.Bytes()); err != nil {
		return nil, fmt.Errorf("manifest rejected: %w", err)
	}
	return manifest.Parse(raw.Bytes())
}

// Catalog implements catalog.Source: it stages a catalog object
// (pinned, so eviction cannot pull a mounted catalog out from under
// the manager) and returns the local path of the database file.
func (f *Fetcher) Catalog(ctx context.Context, hash digest.Digest, mountpoint string) (string, error) {
	description := "catalog at " + mountpoint
	if mountpoint == "" {
		description = "root catalog"
	}

	file, err := f.Fetch(ctx, hash, description, digest.SuffixCatalog, -1, true)
	if err != nil {
		return "", err
	}
	localPath := file.Name()
	file.Close()
	return localPath, nil
}
