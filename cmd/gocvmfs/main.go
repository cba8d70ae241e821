// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

// gocvmfs mounts a content-addressed repository read-only over HTTP:
//
//	gocvmfs [flags] <fqrn> <mountpoint>
//
// Configuration comes from --config files (key=value or YAML by
// extension) and -o KEY=VALUE overrides, using the CVMFS_* parameter
// names.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"log/slog"

	flag "github.com/spf13/pflag"

	"github.com/cvmfs-contrib/gocvmfs/lib/cache"
	"github.com/cvmfs-contrib/gocvmfs/lib/catalog"
	"github.com/cvmfs-contrib/gocvmfs/lib/compress"
	"github.com/cvmfs-contrib/gocvmfs/lib/digest"
	"github.com/cvmfs-contrib/gocvmfs/lib/download"
	"github.com/cvmfs-contrib/gocvmfs/lib/fetcher"
	"github.com/cvmfs-contrib/gocvmfs/lib/manifest"
	"github.com/cvmfs-contrib/gocvmfs/lib/mountfs"
	"github.com/cvmfs-contrib/gocvmfs/lib/params"
	"github.com/cvmfs-contrib/gocvmfs/lib/quota"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gocvmfs: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFiles []string
		overrides   []string
		foreground  bool
		allowOther  bool
		debug       bool
	)
	flag.StringArrayVar(&configFiles, "config", nil, "parameter file (repeatable; key=value or YAML)")
	flag.StringArrayVarP(&overrides, "option", "o", nil, "parameter override KEY=VALUE (repeatable)")
	flag.BoolVarP(&foreground, "foreground", "f", false, "stay in the foreground (always on; accepted for mount helper compatibility)")
	flag.BoolVar(&allowOther, "allow-other", false, "permit access by other users")
	flag.BoolVar(&debug, "debug", false, "verbose logging and FUSE protocol tracing")
	flag.Parse()

	// The process never daemonizes itself; a supervisor or automount
	// helper owns backgrounding. The flag exists so fstab-style option
	// lists written for the classic client keep working.
	_ = foreground

	if flag.NArg() != 2 {
		return fmt.Errorf("usage: gocvmfs [flags] <fqrn> <mountpoint>")
	}
	fqrn, mountpoint := flag.Arg(0), flag.Arg(1)

	p := params.New()
	for _, file := range configFiles {
		if err := p.LoadFile(file); err != nil {
			return err
		}
	}
	for _, override := range overrides {
		key, value, found := strings.Cut(override, "=")
		if !found {
			return fmt.Errorf("option %q: expected KEY=VALUE", override)
		}
		p.Set(key, value)
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	var logSink io.Writer = os.Stderr
	if tracefile := p.GetString(params.KeyTracefile, ""); tracefile != "" {
		traceSink, err := os.OpenFile(tracefile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening trace file: %w", err)
		}
		defer traceSink.Close()
		logSink = io.MultiWriter(os.Stderr, traceSink)
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(logSink, &slog.HandlerOptions{Level: level}))

	engine, server, cleanup, err := buildAndMount(fqrn, mountpoint, p, allowOther, debug, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// Unmount on SIGINT/SIGTERM; otherwise serve until the kernel
	// unmounts us.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		logger.Info("signal received, unmounting", "fqrn", fqrn)
		server.Unmount()
	}()

	server.Wait()
	engine.Shutdown()
	return nil
}

// buildAndMount assembles the client stack bottom-up: cache, quota,
// download, fetcher, catalogs, engine, kernel mount.
func buildAndMount(fqrn, mountpoint string, p *params.Params, allowOther, debug bool, logger *slog.Logger) (*mountfs.Engine, unmounter, func(), error) {
	cacheBase := p.GetString(params.KeyCacheBase, params.DefaultCacheBase)
	cacheRoot := filepath.Join(cacheBase, fqrn)
	sharedCache, err := p.GetBool(params.KeySharedCache, false)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := cache.CreateLayout(cacheRoot); err != nil {
		return nil, nil, nil, err
	}
	lock, err := cache.Lock(cacheRoot, fqrn)
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() {
		cache.MarkClean(cacheRoot, fqrn)
		lock.Close()
	}

	uncleanShutdown, err := cache.MarkRunning(cacheRoot, fqrn)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	if uncleanShutdown {
		logger.Warn("previous instance did not shut down cleanly", "cache", cacheRoot)
	}

	quotaLimitMiB, err := p.GetInt(params.KeyQuotaLimit, params.DefaultQuotaLimitMiB)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	var quotaManager *quota.Manager
	var counters cache.Counters
	if quotaLimitMiB != 0 {
		// -1 keeps accounting without eviction; 0 bypasses entirely.
		capacity := quotaLimitMiB * 1024 * 1024
		quotaManager, err = quota.Open(quota.Options{
			CacheRoot:       cacheRoot,
			CapacityBytes:   capacity,
			RebuildRequired: uncleanShutdown,
			Logger:          logger,
		})
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		counters = quotaManager
		previousCleanup := cleanup
		cleanup = func() {
			quotaManager.Close()
			previousCleanup()
		}
	}

	var backend cache.Backend = cache.NewPosix(cache.PosixOptions{
		Root:     cacheRoot,
		Counters: counters,
		Logger:   logger,
	})

	// A shared cache base acts as the lower layer: reads promote
	// into the per-repository cache, writes mirror into the shared
	// one for sibling mounts.
	if sharedCache {
		sharedRoot := filepath.Join(cacheBase, "shared")
		if err := cache.CreateLayout(sharedRoot); err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		lower := cache.NewPosix(cache.PosixOptions{Root: sharedRoot, Logger: logger})
		backend, err = cache.NewTiered(backend, lower, logger)
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
	}

	hosts := p.ServerURLs(fqrn)
	if len(hosts) == 0 {
		cleanup()
		return nil, nil, nil, fmt.Errorf("%s is not configured", params.KeyServerURL)
	}

	timeout, err := p.GetSeconds(params.KeyTimeout, params.DefaultTimeout)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	timeoutDirect, err := p.GetSeconds(params.KeyTimeoutDirect, params.DefaultTimeout)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	maxRetries, err := p.GetInt(params.KeyMaxRetries, params.DefaultMaxRetries)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	backoffInit, err := p.GetSeconds(params.KeyBackoffInit, params.DefaultBackoffInit)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	backoffMax, err := p.GetSeconds(params.KeyBackoffMax, params.DefaultBackoffMax)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	hostReset, err := p.GetSeconds(params.KeyHostResetAfter, params.DefaultResetAfter)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	proxyReset, err := p.GetSeconds(params.KeyProxyResetAfter, params.DefaultResetAfter)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	downloadManager, err := download.NewManager(download.Options{
		Hosts:           hosts,
		ProxyGroups:     p.ProxyGroups(),
		Timeout:         timeout,
		TimeoutDirect:   timeoutDirect,
		MaxRetries:      int(maxRetries),
		BackoffInit:     backoffInit,
		BackoffMax:      backoffMax,
		HostResetAfter:  hostReset,
		ProxyResetAfter: proxyReset,
		DNSServer:       p.GetString(params.KeyDNSServer, ""),
		Logger:          logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	verifier, err := buildVerifier(p, logger)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	compression, err := compress.ParseAlgorithm(p.GetString(params.KeyCompression, ""))
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	// Digest algorithms are inferred per object from the catalog, but
	// a configured name must at least be one we know.
	if _, err := digest.ParseAlgorithm(p.GetString(params.KeyHashAlgorithm, "")); err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	contentFetcher, err := fetcher.New(fetcher.Options{
		Cache:       backend,
		Download:    downloadManager,
		Compression: compression,
		FQRN:        fqrn,
		Verifier:    verifier,
		Logger:      logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	catalogs := catalog.NewManager(contentFetcher, logger)

	uidMap, err := params.LoadOwnerMap(p.GetString(params.KeyUIDMap, ""))
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	gidMap, err := params.LoadOwnerMap(p.GetString(params.KeyGIDMap, ""))
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	catalogs.SetOwnerMaps(uidMap, gidMap)

	mountCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := catalogs.MountRoot(mountCtx); err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	memcache, err := p.GetInt(params.KeyMemcacheSize, params.DefaultMemcacheSize)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	kcacheSeconds, err := p.GetInt(params.KeyKcacheTimeout, int64(params.DefaultKcacheTimeout/time.Second))
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	maxTTLMinutes, err := p.GetInt(params.KeyMaxTTL, 0)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	autoUpdate, err := p.GetBool(params.KeyAutoUpdate, true)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	engine, err := mountfs.New(mountfs.Options{
		FQRN:              fqrn,
		Catalogs:          catalogs,
		Fetcher:           contentFetcher,
		Download:          downloadManager,
		Quota:             quotaManager,
		MemcacheBytes:     memcache,
		KcacheTimeout:     time.Duration(kcacheSeconds) * time.Second,
		MaxTTL:            time.Duration(maxTTLMinutes) * time.Minute,
		DisableAutoUpdate: !autoUpdate,
		Logger:            logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	server, err := mountfs.Mount(engine, mountfs.MountOptions{
		Mountpoint: mountpoint,
		AllowOther: allowOther,
		Debug:      debug,
	})
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	return engine, server, cleanup, nil
}

// unmounter is the slice of *fuse.Server main consumes.
type unmounter interface {
	Wait()
	Unmount() error
}

// buildVerifier selects the manifest trust policy from the
// parameters. The full signature chain lives outside the client; a
// pinned root hash or an explicit signature waiver are the in-tree
// policies.
func buildVerifier(p *params.Params, logger *slog.Logger) (manifest.Verifier, error) {
	if rootHash := p.GetString(params.KeyRootHash, ""); rootHash != "" {
		pinned, err := digest.FromHex(rootHash)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", params.KeyRootHash, err)
		}
		return manifest.PinnedRoot{Hash: pinned}, nil
	}

	ignore, err := p.GetBool(params.KeyIgnoreSignature, false)
	if err != nil {
		return nil, err
	}
	if !ignore {
		logger.Warn("no signature backend configured, accepting manifests unverified")
	}
	return manifest.AcceptAll{}, nil
}
