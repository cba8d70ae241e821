// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !darwin

package mountfs

import "github.com/hanwen/go-fuse/v2/fuse"

// checkPlatformOpenFlags is a no-op outside Darwin; O_SHLOCK and
// O_EXLOCK do not exist elsewhere.
func checkPlatformOpenFlags(uint32) fuse.Status {
	return fuse.OK
}
