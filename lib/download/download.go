// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package download is the fetch-by-URL primitive. It knows nothing
// about digests or caches: given a repository-relative object path it
// finds a working (host, proxy) pair, applies the proxied or direct
// timeout, retries with exponential backoff, and streams the response
// body to the caller.
//
// Hosts and proxies are ordered preference lists. A failure demotes
// the current proxy (within its failover group, then across groups)
// and, once the proxies are exhausted, the current host. After a
// quiet reset interval the preferred ordering is restored, so a
// recovered primary stratum or proxy is picked up without a remount.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cvmfs-contrib/gocvmfs/lib/clock"
)

// Options configures a Manager.
type Options struct {
	// Hosts are the origin base URLs, in preference order. Required.
	Hosts []string

	// ProxyGroups are failover groups of proxy URLs; an empty member
	// string means a direct connection. Defaults to a single direct
	// group.
	ProxyGroups [][]string

	// Timeout applies to proxied requests, TimeoutDirect to direct
	// ones.
	Timeout       time.Duration
	TimeoutDirect time.Duration

	// MaxRetries is the number of additional attempts after the
	// first failure.
	MaxRetries int

	// BackoffInit and BackoffMax bound the exponential backoff
	// between attempts.
	BackoffInit time.Duration
	BackoffMax  time.Duration

	// HostResetAfter and ProxyResetAfter restore the preferred
	// ordering after a quiet interval. Zero disables the reset.
	HostResetAfter  time.Duration
	ProxyResetAfter time.Duration

	// DNSServer overrides the system resolver with the given server
	// (host or host:port).
	DNSServer string

	// Clock drives backoff sleeps and reset intervals. Nil uses the
	// real clock.
	Clock clock.Clock

	// Logger receives failover diagnostics. Nil discards.
	Logger *slog.Logger
}

// Manager executes downloads.
type Manager struct {
	options Options
	clock   clock.Clock
	logger  *slog.Logger

	mu             sync.Mutex
	hostIndex      int
	proxyGroup     int
	proxyMember    int
	hostDemotedAt  time.Time
	proxyDemotedAt time.Time

	proxiedClient map[string]*http.Client
	directClient  *http.Client

	downloads        atomic.Int64
	bytesTransferred atomic.Int64
	lastSpeedBps     atomic.Int64
}

// NewManager validates options and builds the HTTP clients.
func NewManager(options Options) (*Manager, error) {
	if len(options.Hosts) == 0 {
		return nil, fmt.Errorf("download: at least one host is required")
	}
	if len(options.ProxyGroups) == 0 {
		options.ProxyGroups = [][]string{{""}}
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}

	m := &Manager{
		options:       options,
		clock:         options.Clock,
		logger:        options.Logger,
		proxiedClient: make(map[string]*http.Client),
	}

	dialer := &net.Dialer{}
	if options.DNSServer != "" {
		server := options.DNSServer
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
		dialer.Resolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, server)
			},
		}
	}

	m.directClient = &http.Client{
		Timeout: options.TimeoutDirect,
		Transport: &http.Transport{
			DialContext: dialer.DialContext,
		},
	}
	for _, group := range options.ProxyGroups {
		for _, member := range group {
			if member == "" {
				continue
			}
			proxyURL, err := url.Parse(member)
			if err != nil {
				return nil, fmt.Errorf("download: bad proxy %q: %w", member, err)
			}
			m.proxiedClient[member] = &http.Client{
				Timeout: options.Timeout,
				Transport: &http.Transport{
					Proxy:       http.ProxyURL(proxyURL),
					DialContext: dialer.DialContext,
				},
			}
		}
	}

	return m, nil
}

// transportError marks failures eligible for retry and failover.
type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// IsTransport reports whether an error from Fetch was a transport
// failure (as opposed to the consume callback rejecting the
// content).
func IsTransport(err error) bool {
	var te *transportError
	return errors.As(err, &te)
}

// countingReader counts bytes and remembers read failures so the
// manager can distinguish a broken transfer from a consumer error.
type countingReader struct {
	inner     io.Reader
	bytes     int64
	transport bool
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	r.bytes += int64(n)
	if err != nil && err != io.EOF {
		r.transport = true
	}
	return n, err
}

// Fetch downloads objectPath and hands the response body to consume.
// On transport failure (connect, timeout, HTTP 5xx, broken body) the
// transfer is retried on the next (host, proxy) pair with exponential
// backoff; consume is invoked again from the beginning for each
// attempt. An error returned by consume that is not caused by the
// body aborts the transfer permanently.
func (m *Manager) Fetch(ctx context.Context, objectPath string, consume func(io.Reader) error) error {
	m.maybeReset()

	backoff := m.options.BackoffInit
	attempts := m.options.MaxRetries + 1

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			m.clock.Sleep(backoff)
			backoff *= 2
			if backoff > m.options.BackoffMax {
				backoff = m.options.BackoffMax
			}
		}

		host, proxy := m.current()
		err := m.fetchOnce(ctx, host, proxy, objectPath, consume)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransport(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("download %s: %w", objectPath, ctx.Err())
		}

		m.logger.Warn("download attempt failed",
			"object", objectPath,
			"host", host,
			"proxy", proxy,
			"error", err,
		)
		m.failover()
	}
	return fmt.Errorf("download %s: retries exhausted: %w", objectPath, lastErr)
}

func (m *Manager) fetchOnce(ctx context.Context, host, proxy, objectPath string, consume func(io.Reader) error) error {
	requestURL := host + "/" + objectPath

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", requestURL, err)
	}
	request.Header.Set("Connection", "close")

	client := m.directClient
	if proxy != "" {
		client = m.proxiedClient[proxy]
	}

	started := m.clock.Now()
	response, err := client.Do(request)
	if err != nil {
		return &transportError{fmt.Errorf("requesting %s: %w", requestURL, err)}
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return &transportError{fmt.Errorf("requesting %s: HTTP %d", requestURL, response.StatusCode)}
	}

	body := &countingReader{inner: response.Body}
	consumeErr := consume(body)

	m.downloads.Add(1)
	m.bytesTransferred.Add(body.bytes)
	if elapsed := m.clock.Now().Sub(started); elapsed > 0 {
		m.lastSpeedBps.Store(body.bytes * int64(time.Second) / int64(elapsed))
	}

	if consumeErr != nil {
		if body.transport {
			return &transportError{fmt.Errorf("reading %s: %w", requestURL, consumeErr)}
		}
		return consumeErr
	}
	return nil
}

// current returns the active (host, proxy) pair.
func (m *Manager) current() (host, proxy string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	host = m.options.Hosts[m.hostIndex]
	group := m.options.ProxyGroups[m.proxyGroup]
	proxy = group[m.proxyMember]
	return host, proxy
}

// failover demotes the current proxy, then the current host once all
// proxies failed.
func (m *Manager) failover() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()

	group := m.options.ProxyGroups[m.proxyGroup]
	m.proxyMember++
	m.proxyDemotedAt = now
	if m.proxyMember < len(group) {
		return
	}
	m.proxyMember = 0
	m.proxyGroup++
	if m.proxyGroup < len(m.options.ProxyGroups) {
		return
	}
	m.proxyGroup = 0

	m.hostIndex = (m.hostIndex + 1) % len(m.options.Hosts)
	m.hostDemotedAt = now
}

// maybeReset restores preferred host and proxy ordering after the
// configured quiet intervals.
func (m *Manager) maybeReset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if m.options.ProxyResetAfter > 0 && (m.proxyGroup != 0 || m.proxyMember != 0) {
		if now.Sub(m.proxyDemotedAt) >= m.options.ProxyResetAfter {
			m.proxyGroup, m.proxyMember = 0, 0
		}
	}
	if m.options.HostResetAfter > 0 && m.hostIndex != 0 {
		if now.Sub(m.hostDemotedAt) >= m.options.HostResetAfter {
			m.hostIndex = 0
		}
	}
}

// ActiveHost returns the currently preferred host URL.
func (m *Manager) ActiveHost() string {
	host, _ := m.current()
	return host
}

// ActiveProxy returns the currently preferred proxy URL, empty for
// direct connections.
func (m *Manager) ActiveProxy() string {
	_, proxy := m.current()
	return proxy
}

// Downloads returns the number of completed transfer attempts.
func (m *Manager) Downloads() int64 { return m.downloads.Load() }

// BytesTransferred returns the total bytes read from response bodies.
func (m *Manager) BytesTransferred() int64 { return m.bytesTransferred.Load() }

// LastSpeed returns the transfer rate of the most recent download in
// bytes per second.
func (m *Manager) LastSpeed() int64 { return m.lastSpeedBps.Load() }

// Timeouts returns the proxied and direct timeouts in seconds, for
// the runtime xattrs.
func (m *Manager) Timeouts() (proxied, direct uint64) {
	return uint64(m.options.Timeout / time.Second), uint64(m.options.TimeoutDirect / time.Second)
}
