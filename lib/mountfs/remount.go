// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

package mountfs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cvmfs-contrib/gocvmfs/lib/catalog"
)

// shortTermTTL is installed when a catalog reload fails, so the
// client re-checks soon instead of waiting a full TTL.
const shortTermTTL = 180 * time.Second

// drainoutSafetyMargin pads the drain-out deadline past the kernel
// cache timeout.
const drainoutSafetyMargin = time.Second

// remountMachine drives the catalog revision lifecycle:
//
//	steady --TTL expired, new revision staged--> drainout
//	drainout --deadline passed--> apply --> steady
//
// In drainout the metadata caches are paused and dropped and the
// kernel cache timeouts are reported as zero; once the wall clock
// passes the deadline (one kernel cache timeout plus a margin, so
// the kernel has discarded its dentries), the fence is taken
// exclusively and the new root catalog is swapped in.
//
// maintenance is terminal: entered before a process hand-over, it
// stops the TTL timer and keeps kernel caching off.
type remountMachine struct {
	engine *Engine

	drainoutMode    atomic.Bool
	maintenanceMode atomic.Bool
	expired         atomic.Bool
	criticalSection atomic.Bool

	// Unix nanoseconds; zero when unset.
	drainoutDeadline atomic.Int64
	validUntil       atomic.Int64

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newRemountMachine(engine *Engine) *remountMachine {
	m := &remountMachine{
		engine: engine,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	m.armTimer(m.effectiveTTL())
	return m
}

func (m *remountMachine) draining() bool    { return m.drainoutMode.Load() }
func (m *remountMachine) maintenance() bool { return m.maintenanceMode.Load() }

// expiresAt returns when the mounted catalogs stop being considered
// fresh, for the user.expires xattr.
func (m *remountMachine) expiresAt() time.Time {
	return time.Unix(0, m.validUntil.Load())
}

// effectiveTTL is the catalog TTL bounded by the configured maximum.
func (m *remountMachine) effectiveTTL() time.Duration {
	catalogTTL := time.Duration(m.engine.catalogs.TTL()) * time.Second
	if m.engine.maxTTL > 0 && m.engine.maxTTL < catalogTTL {
		return m.engine.maxTTL
	}
	return catalogTTL
}

// armTimer schedules the next TTL expiration.
func (m *remountMachine) armTimer(ttl time.Duration) {
	m.validUntil.Store(m.engine.clock.Now().Add(ttl).UnixNano())
}

// start launches the expiration loop, the portable replacement for
// the reference client's SIGALRM handler: a goroutine watches the
// validity deadline and flips the expired flag; progress happens on
// the next filesystem call (or here, when the mount is idle).
func (m *remountMachine) start() {
	m.started.Store(true)
	go func() {
		defer close(m.doneCh)
		for {
			now := m.engine.clock.Now().UnixNano()
			sleep := time.Duration(m.validUntil.Load() - now)
			if sleep < time.Second {
				sleep = time.Second
			}
			select {
			case <-m.stopCh:
				return
			case <-m.engine.clock.After(sleep):
			}
			if m.maintenanceMode.Load() {
				return
			}
			if m.engine.clock.Now().UnixNano() >= m.validUntil.Load() {
				m.expired.Store(true)
				m.check()
			}
		}
	}()
}

func (m *remountMachine) stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	if m.started.Load() {
		<-m.doneCh
	}
}

// enterMaintenance disables the TTL machinery for hand-over.
func (m *remountMachine) enterMaintenance() {
	m.maintenanceMode.Store(true)
	m.engine.logger.Info("entering maintenance mode, draining kernel caches")
}

// check runs at the start of every lookup and getattr: it finishes a
// pending drain-out if its deadline passed, and starts a new remount
// cycle if the TTL fired.
func (m *remountMachine) check() {
	if m.maintenanceMode.Load() {
		return
	}
	m.finish()

	if m.expired.CompareAndSwap(true, false) {
		m.engine.logger.Debug("catalog TTL expired, probing for a new revision")
		result := m.begin()
		switch result {
		case catalog.LoadFail, catalog.LoadNoSpace:
			m.armTimer(shortTermTTL)
		case catalog.LoadUpToDate:
			m.armTimer(m.effectiveTTL())
		}
		// LoadNew: drain-out is in progress; finish() re-arms.
	}
}

// begin stages a new revision if one exists and enters drain-out.
func (m *remountMachine) begin() catalog.LoadResult {
	result := m.engine.catalogs.Remount(context.Background(), true)
	if result != catalog.LoadNew {
		return result
	}

	m.engine.logger.Debug("new catalog revision available, draining out meta-data caches")
	m.engine.caches.Pause()
	m.engine.caches.Drop()

	deadline := m.engine.clock.Now()
	if m.engine.kcacheTimeout > 0 {
		// The kernel keeps serving cached dentries for one timeout;
		// only after that is every lookup guaranteed to reach us
		// again. A zero kernel timeout short-circuits the wait.
		deadline = deadline.Add(m.engine.kcacheTimeout + drainoutSafetyMargin)
	}
	m.drainoutDeadline.Store(deadline.UnixNano())
	m.drainoutMode.Store(true)
	return result
}

// finish applies a staged revision once the drain-out deadline has
// passed.
func (m *remountMachine) finish() {
	if !m.criticalSection.CompareAndSwap(false, true) {
		return
	}
	defer m.criticalSection.Store(false)

	if !m.drainoutMode.Load() {
		return
	}
	if m.engine.clock.Now().UnixNano() < m.drainoutDeadline.Load() {
		return
	}

	m.engine.logger.Debug("caches drained out, applying new catalog revision")

	// All in-flight filesystem calls leave the catalog code before
	// the swap; new ones wait at the fence.
	m.engine.fence.Block()
	result := m.engine.catalogs.Remount(context.Background(), false)
	m.engine.fence.Unblock()

	m.engine.caches.Resume()
	m.drainoutMode.Store(false)

	if result == catalog.LoadFail || result == catalog.LoadNoSpace || m.engine.catalogs.Offline() {
		m.engine.logger.Warn("catalog reload failed, applying short term TTL",
			"result", result.String())
		m.armTimer(shortTermTTL)
		return
	}

	m.engine.logger.Info("switched to catalog revision",
		"revision", m.engine.catalogs.Revision())
	m.armTimer(m.effectiveTTL())
}
