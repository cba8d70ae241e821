// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// copyUpBufferSize is the buffer used to stream an object from the
// lower to the upper layer.
const copyUpBufferSize = 64 * 1024

// TieredBackend layers a fast upper store over a shared or networked
// lower store. Reads check the upper layer first and promote lower
// hits by copy-on-read; writes go to both layers unless the lower is
// read-only. Commit succeeds iff the upper commit succeeds: once the
// object is observable in the upper layer, a lower-layer failure only
// costs future sharing, so it is logged and swallowed.
type TieredBackend struct {
	upper  Backend
	lower  Backend
	logger *slog.Logger
}

// NewTiered composes upper and lower. The upper layer must be
// writable.
func NewTiered(upper, lower Backend, logger *slog.Logger) (*TieredBackend, error) {
	if upper.ReadOnly() {
		return nil, fmt.Errorf("tiered cache: upper layer must be writable")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TieredBackend{upper: upper, lower: lower, logger: logger}, nil
}

// ReadOnly implements Backend. The tiered cache is writable by
// construction.
func (b *TieredBackend) ReadOnly() bool { return false }

// Open implements Backend: upper first, then lower with atomic
// promotion into the upper layer.
func (b *TieredBackend) Open(object Object) (*os.File, error) {
	upperFile, upperErr := b.upper.Open(object)
	if upperErr == nil {
		return upperFile, nil
	}

	lowerFile, lowerErr := b.lower.Open(object)
	if lowerErr != nil {
		// Report the upper layer's verdict; the lower layer is an
		// opportunistic extension.
		return nil, upperErr
	}
	defer lowerFile.Close()

	promoted, err := b.promote(object, lowerFile)
	if err != nil {
		b.logger.Warn("copy-up into upper cache failed",
			"object", object.Hash.Hex(),
			"error", err,
		)
		return nil, upperErr
	}
	return promoted, nil
}

// promote streams the lower layer's copy into an upper-layer
// transaction and returns a handle on the committed upper copy.
func (b *TieredBackend) promote(object Object, lowerFile *os.File) (*os.File, error) {
	info, err := lowerFile.Stat()
	if err != nil {
		return nil, fmt.Errorf("sizing lower copy: %w", err)
	}

	txn, err := b.upper.StartTxn(object, info.Size())
	if err != nil {
		return nil, err
	}

	buffer := make([]byte, copyUpBufferSize)
	if _, err := io.CopyBuffer(txn, lowerFile, buffer); err != nil {
		txn.Abort()
		return nil, fmt.Errorf("streaming lower copy: %w", err)
	}
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	return txn.OpenFromTxn()
}

// StartTxn implements Backend: the write is mirrored to the lower
// layer when it accepts writes.
func (b *TieredBackend) StartTxn(object Object, sizeHint int64) (Txn, error) {
	upperTxn, err := b.upper.StartTxn(object, sizeHint)
	if err != nil {
		return nil, err
	}

	var lowerTxn Txn
	if !b.lower.ReadOnly() {
		lowerTxn, err = b.lower.StartTxn(object, sizeHint)
		if err != nil {
			b.logger.Warn("lower cache transaction failed, writing upper only",
				"object", object.Hash.Hex(),
				"error", err,
			)
			lowerTxn = nil
		}
	}

	return &tieredTxn{upper: upperTxn, lower: lowerTxn, logger: b.logger, object: object}, nil
}

type tieredTxn struct {
	upper  Txn
	lower  Txn
	logger *slog.Logger
	object Object
}

func (t *tieredTxn) Write(p []byte) (int, error) {
	n, err := t.upper.Write(p)
	if err != nil {
		return n, err
	}
	if t.lower != nil {
		if _, lowerErr := t.lower.Write(p); lowerErr != nil {
			t.dropLower("write", lowerErr)
		}
	}
	return n, nil
}

func (t *tieredTxn) Reset() error {
	if t.lower != nil {
		if err := t.lower.Reset(); err != nil {
			t.dropLower("reset", err)
		}
	}
	return t.upper.Reset()
}

func (t *tieredTxn) Abort() error {
	if t.lower != nil {
		t.lower.Abort()
		t.lower = nil
	}
	return t.upper.Abort()
}

func (t *tieredTxn) Commit() error {
	if err := t.upper.Commit(); err != nil {
		if t.lower != nil {
			t.lower.Abort()
			t.lower = nil
		}
		return err
	}
	if t.lower != nil {
		if err := t.lower.Commit(); err != nil {
			t.dropLower("commit", err)
		}
	}
	return nil
}

func (t *tieredTxn) OpenFromTxn() (*os.File, error) {
	return t.upper.OpenFromTxn()
}

func (t *tieredTxn) Size() int64 {
	return t.upper.Size()
}

// dropLower abandons the lower-layer mirror after a failure. The
// upper layer carries the object either way.
func (t *tieredTxn) dropLower(operation string, err error) {
	t.logger.Warn("lower cache "+operation+" failed, continuing with upper only",
		"object", t.object.Hash.Hex(),
		"error", err,
	)
	t.lower.Abort()
	t.lower = nil
}
