// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

package mountfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/cvmfs-contrib/gocvmfs/lib/catalog"
	"github.com/cvmfs-contrib/gocvmfs/lib/digest"
)

// listedXattrs is the fixed set every inode reports; user.hash and
// user.lhash are appended for regular files carrying a digest.
var listedXattrs = []string{
	"user.pid",
	"user.version",
	"user.revision",
	"user.root_hash",
	"user.expires",
	"user.maxfd",
	"user.usedfd",
	"user.useddirp",
	"user.nioerr",
	"user.host",
	"user.proxy",
	"user.uptime",
	"user.nclg",
	"user.nopen",
	"user.ndiropen",
	"user.ndownload",
	"user.timeout",
	"user.timeout_direct",
	"user.rx",
	"user.speed",
	"user.fqrn",
}

// GetXAttr serves the virtual attributes exposing runtime state.
func (e *Engine) GetXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string, dest []byte) (uint32, fuse.Status) {
	e.fence.Enter()
	defer e.fence.Leave()

	entry, ok := e.lookupEntry(header.NodeId)
	if !ok {
		return 0, fuse.ENOENT
	}

	value, ok := e.xattrValue(&entry, attr)
	if !ok {
		return 0, fuse.Status(syscall.ENODATA)
	}

	// size==0 probes for the needed buffer; a short buffer is the
	// caller's problem to grow.
	if len(dest) == 0 {
		return uint32(len(value)), fuse.OK
	}
	if len(dest) < len(value) {
		return uint32(len(value)), fuse.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), fuse.OK
}

// ListXAttr reports the attribute names available on an inode.
func (e *Engine) ListXAttr(cancel <-chan struct{}, header *fuse.InHeader, dest []byte) (uint32, fuse.Status) {
	e.fence.Enter()
	defer e.fence.Leave()

	entry, ok := e.lookupEntry(header.NodeId)
	if !ok {
		return 0, fuse.ENOENT
	}

	names := listedXattrs
	if entry.Kind == catalog.KindRegular && !entry.Checksum.IsNull() {
		names = append(append([]string{}, names...), "user.hash", "user.lhash")
	}

	var builder strings.Builder
	for _, name := range names {
		builder.WriteString(name)
		builder.WriteByte(0)
	}
	listing := builder.String()

	if len(dest) == 0 {
		return uint32(len(listing)), fuse.OK
	}
	if len(dest) < len(listing) {
		return uint32(len(listing)), fuse.ERANGE
	}
	copy(dest, listing)
	return uint32(len(listing)), fuse.OK
}

// xattrValue computes one attribute value.
func (e *Engine) xattrValue(entry *catalog.DirectoryEntry, attr string) (string, bool) {
	switch attr {
	case "user.pid":
		return fmt.Sprintf("%d", os.Getpid()), true
	case "user.version":
		return Version, true
	case "user.revision":
		return fmt.Sprintf("%d", e.catalogs.Revision()), true
	case "user.root_hash":
		return e.catalogs.RootHash().Hex(), true
	case "user.expires":
		remaining := e.remount.expiresAt().Sub(e.clock.Now())
		if remaining < 0 {
			remaining = 0
		}
		return fmt.Sprintf("%d", int64(remaining.Minutes())), true
	case "user.maxfd":
		return fmt.Sprintf("%d", e.maxOpenFiles), true
	case "user.usedfd":
		return fmt.Sprintf("%d", e.openFiles.Load()), true
	case "user.useddirp":
		return fmt.Sprintf("%d", e.openDirs.Load()), true
	case "user.nioerr":
		return fmt.Sprintf("%d", atomic.LoadInt64(&e.numIOErrors)), true
	case "user.host":
		if e.download == nil {
			return "", true
		}
		return e.download.ActiveHost(), true
	case "user.proxy":
		if e.download == nil {
			return "DIRECT", true
		}
		if proxy := e.download.ActiveProxy(); proxy != "" {
			return proxy, true
		}
		return "DIRECT", true
	case "user.uptime":
		return fmt.Sprintf("%d", int64(e.clock.Now().Sub(e.startedAt).Minutes())), true
	case "user.nclg":
		return fmt.Sprintf("%d", e.catalogs.LoadedCatalogs()), true
	case "user.nopen":
		return fmt.Sprintf("%d", atomic.LoadInt64(&e.numFileOpens)), true
	case "user.ndiropen":
		return fmt.Sprintf("%d", atomic.LoadInt64(&e.numDirOpens)), true
	case "user.ndownload":
		if e.download == nil {
			return "0", true
		}
		return fmt.Sprintf("%d", e.download.Downloads()), true
	case "user.timeout":
		if e.download == nil {
			return "0", true
		}
		proxied, _ := e.download.Timeouts()
		return fmt.Sprintf("%d", proxied), true
	case "user.timeout_direct":
		if e.download == nil {
			return "0", true
		}
		_, direct := e.download.Timeouts()
		return fmt.Sprintf("%d", direct), true
	case "user.rx":
		if e.download == nil {
			return "0", true
		}
		return fmt.Sprintf("%d", e.download.BytesTransferred()/1024), true
	case "user.speed":
		if e.download == nil {
			return "0", true
		}
		return fmt.Sprintf("%d", e.download.LastSpeed()/1024), true
	case "user.fqrn":
		return e.fqrn, true
	case "user.hash":
		if entry.Kind != catalog.KindRegular || entry.Checksum.IsNull() {
			return "", false
		}
		return entry.Checksum.Hex(), true
	case "user.lhash":
		if entry.Kind != catalog.KindRegular || entry.Checksum.IsNull() {
			return "", false
		}
		return e.localHash(entry)
	default:
		return "", false
	}
}

// localHash re-hashes the cached artifact, exposing cache corruption
// that the verified fetch would only catch on re-download.
func (e *Engine) localHash(entry *catalog.DirectoryEntry) (string, bool) {
	path, _ := e.resolvePath(entry.Inode)
	file, err := e.fetcher.Fetch(context.Background(), entry.Checksum, path, digest.SuffixNone, entry.Size, false)
	if err != nil {
		return "", false
	}
	defer file.Close()

	writer := digest.NewWriter(entry.Checksum.Algorithm, nil)
	if _, err := io.Copy(writer, file); err != nil {
		return "", false
	}
	return writer.Sum().Hex(), true
}
