// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin

package mountfs

import (
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// checkPlatformOpenFlags rejects Darwin's open-time file locking
// flags: a read-only filesystem has nothing to lock against.
func checkPlatformOpenFlags(flags uint32) fuse.Status {
	if flags&(syscall.O_SHLOCK|syscall.O_EXLOCK) != 0 {
		return fuse.Status(syscall.EOPNOTSUPP)
	}
	return fuse.OK
}
