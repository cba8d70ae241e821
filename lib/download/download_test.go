// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

package download

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fetchAll(t *testing.T, m *Manager, objectPath string) ([]byte, error) {
	t.Helper()
	var out bytes.Buffer
	err := m.Fetch(context.Background(), objectPath, func(body io.Reader) error {
		out.Reset()
		_, copyErr := io.Copy(&out, body)
		return copyErr
	})
	return out.Bytes(), err
}

func newManager(t *testing.T, options Options) *Manager {
	t.Helper()
	if options.TimeoutDirect == 0 {
		options.TimeoutDirect = 5 * time.Second
	}
	if options.Timeout == 0 {
		options.Timeout = 5 * time.Second
	}
	m, err := NewManager(options)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestFetchSuccess(t *testing.T) {
	content := []byte("object body")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data/ab/cdef" {
			http.NotFound(w, r)
			return
		}
		w.Write(content)
	}))
	defer server.Close()

	m := newManager(t, Options{Hosts: []string{server.URL}})
	got, err := fetchAll(t, m, "data/ab/cdef")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("fetched content differs")
	}
	if m.Downloads() != 1 {
		t.Errorf("Downloads = %d, want 1", m.Downloads())
	}
	if m.BytesTransferred() != int64(len(content)) {
		t.Errorf("BytesTransferred = %d, want %d", m.BytesTransferred(), len(content))
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "transient", http.StatusInternalServerError)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer server.Close()

	m := newManager(t, Options{
		Hosts:       []string{server.URL},
		MaxRetries:  2,
		BackoffInit: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	})
	got, err := fetchAll(t, m, "object")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != "recovered" {
		t.Errorf("content = %q", got)
	}
	if calls.Load() != 2 {
		t.Errorf("server saw %d calls, want 2", calls.Load())
	}
}

func TestHostFailover(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer dead.Close()

	alive := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("from mirror"))
	}))
	defer alive.Close()

	m := newManager(t, Options{
		Hosts:       []string{dead.URL, alive.URL},
		MaxRetries:  1,
		BackoffInit: time.Millisecond,
		BackoffMax:  time.Millisecond,
	})
	got, err := fetchAll(t, m, "object")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != "from mirror" {
		t.Errorf("content = %q", got)
	}
	if m.ActiveHost() != alive.URL {
		t.Errorf("ActiveHost = %q, want the mirror", m.ActiveHost())
	}
}

func TestRetriesExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "permanently down", http.StatusBadGateway)
	}))
	defer server.Close()

	m := newManager(t, Options{
		Hosts:       []string{server.URL},
		MaxRetries:  1,
		BackoffInit: time.Millisecond,
		BackoffMax:  time.Millisecond,
	})
	_, err := fetchAll(t, m, "object")
	if err == nil {
		t.Fatal("Fetch succeeded against a dead server")
	}
	if !IsTransport(err) {
		t.Errorf("error not marked as transport failure: %v", err)
	}
}

func TestConsumerErrorIsPermanent(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("content"))
	}))
	defer server.Close()

	rejected := errors.New("digest mismatch")
	m := newManager(t, Options{
		Hosts:       []string{server.URL},
		MaxRetries:  3,
		BackoffInit: time.Millisecond,
		BackoffMax:  time.Millisecond,
	})
	err := m.Fetch(context.Background(), "object", func(body io.Reader) error {
		io.Copy(io.Discard, body)
		return rejected
	})
	if !errors.Is(err, rejected) {
		t.Fatalf("Fetch = %v, want consumer error", err)
	}
	if calls.Load() != 1 {
		t.Errorf("consumer error was retried: %d calls", calls.Load())
	}
}

func TestUnreachableHostFailsWithinTimeout(t *testing.T) {
	// Reserved TEST-NET-1 address: connections hang until timeout.
	m := newManager(t, Options{
		Hosts:         []string{"http://192.0.2.1"},
		TimeoutDirect: 200 * time.Millisecond,
		Timeout:       200 * time.Millisecond,
		BackoffInit:   time.Millisecond,
		BackoffMax:    time.Millisecond,
	})

	started := time.Now()
	_, err := fetchAll(t, m, "object")
	elapsed := time.Since(started)

	if err == nil {
		t.Fatal("Fetch to unreachable host succeeded")
	}
	if elapsed > 2*time.Second {
		t.Errorf("Fetch took %v, want bounded by the timeout envelope", elapsed)
	}
}

func TestProxyFailoverWithinGroup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("via direct"))
	}))
	defer server.Close()

	// First proxy member is a dead address; the second is DIRECT.
	m := newManager(t, Options{
		Hosts:       []string{server.URL},
		ProxyGroups: [][]string{{"http://192.0.2.1:3128", ""}},
		Timeout:     200 * time.Millisecond,
		MaxRetries:  1,
		BackoffInit: time.Millisecond,
		BackoffMax:  time.Millisecond,
	})

	got, err := fetchAll(t, m, "object")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != "via direct" {
		t.Errorf("content = %q", got)
	}
	if m.ActiveProxy() != "" {
		t.Errorf("ActiveProxy = %q, want direct", m.ActiveProxy())
	}
}
