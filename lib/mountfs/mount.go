// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

package mountfs

import (
	"fmt"
	"os"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// MountOptions configures the kernel-facing side of a mount.
type MountOptions struct {
	// Mountpoint is the directory to mount on. Created if absent.
	Mountpoint string

	// AllowOther permits other users to access the mount; requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Debug enables go-fuse protocol tracing.
	Debug bool
}

// Mount attaches the engine to the kernel and starts serving. The
// returned server's Wait blocks until unmount; call Unmount for a
// clean shutdown.
func Mount(engine *Engine, options MountOptions) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	server, err := fuse.NewServer(engine, options.Mountpoint, &fuse.MountOptions{
		FsName:     "cvmfs2",
		Name:       engine.fqrn,
		AllowOther: options.AllowOther,
		Debug:      options.Debug,
		Options:    []string{"ro", "nodev", "nosuid"},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting %s at %s: %w", engine.fqrn, options.Mountpoint, err)
	}

	engine.Start()
	go server.Serve()
	if err := server.WaitMount(); err != nil {
		engine.Shutdown()
		return nil, fmt.Errorf("waiting for mount of %s: %w", engine.fqrn, err)
	}

	engine.logger.Info("repository mounted",
		"fqrn", engine.fqrn,
		"mountpoint", options.Mountpoint,
		"revision", engine.catalogs.Revision(),
	)
	return server, nil
}
