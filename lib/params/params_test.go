// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

package params

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoadKeyValueFile(t *testing.T) {
	path := writeFile(t, "default.conf", `
# repository defaults
CVMFS_SERVER_URL="http://cvmfs-stratum-one.cern.ch/cvmfs/@fqrn@"
export CVMFS_TIMEOUT=5
CVMFS_HTTP_PROXY='DIRECT'
CVMFS_UNKNOWN_FUTURE_KEY=whatever
`)

	p := New()
	if err := p.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if got := p.GetString(KeyServerURL, ""); got != "http://cvmfs-stratum-one.cern.ch/cvmfs/@fqrn@" {
		t.Errorf("server url = %q", got)
	}
	timeout, err := p.GetSeconds(KeyTimeout, DefaultTimeout)
	if err != nil {
		t.Fatalf("GetSeconds: %v", err)
	}
	if timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", timeout)
	}
	// Unknown keys are kept, not rejected.
	if _, ok := p.Get("CVMFS_UNKNOWN_FUTURE_KEY"); !ok {
		t.Error("unknown key was dropped")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeFile(t, "client.yaml", `
CVMFS_TIMEOUT: "3"
CVMFS_QUOTA_LIMIT: "4096"
`)

	p := New()
	if err := p.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	quota, err := p.GetInt(KeyQuotaLimit, -1)
	if err != nil {
		t.Fatalf("GetInt: %v", err)
	}
	if quota != 4096 {
		t.Errorf("quota = %d, want 4096", quota)
	}
}

func TestLaterSourcesOverride(t *testing.T) {
	base := writeFile(t, "base.conf", "CVMFS_TIMEOUT=2\n")
	override := writeFile(t, "site.conf", "CVMFS_TIMEOUT=9\n")

	p := New()
	if err := p.LoadFile(base); err != nil {
		t.Fatalf("LoadFile base: %v", err)
	}
	if err := p.LoadFile(override); err != nil {
		t.Fatalf("LoadFile override: %v", err)
	}
	timeout, _ := p.GetSeconds(KeyTimeout, 0)
	if timeout != 9*time.Second {
		t.Errorf("timeout = %v, want 9s", timeout)
	}
}

func TestMalformedNumberIsAnError(t *testing.T) {
	p := New()
	p.Set(KeyMaxRetries, "many")
	if _, err := p.GetInt(KeyMaxRetries, 1); err == nil {
		t.Error("GetInt accepted a non-numeric value")
	}
}

func TestSubstituteURL(t *testing.T) {
	got := SubstituteURL("http://host/cvmfs/@fqrn@", "atlas.cern.ch")
	if got != "http://host/cvmfs/atlas.cern.ch" {
		t.Errorf("fqrn substitution = %q", got)
	}
	got = SubstituteURL("http://host/@org@/data", "atlas.cern.ch")
	if got != "http://host/atlas/data" {
		t.Errorf("org substitution = %q", got)
	}
}

func TestServerURLs(t *testing.T) {
	p := New()
	p.Set(KeyServerURL, "http://a/cvmfs/@fqrn@;http://b/cvmfs/@fqrn@/")
	got := p.ServerURLs("sw.example.org")
	want := []string{"http://a/cvmfs/sw.example.org", "http://b/cvmfs/sw.example.org"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ServerURLs = %v, want %v", got, want)
	}
}

func TestProxyGroups(t *testing.T) {
	p := New()
	p.Set(KeyHTTPProxy, "http://p1:3128|http://p2:3128;DIRECT")
	groups := p.ProxyGroups()
	want := [][]string{{"http://p1:3128", "http://p2:3128"}, {""}}
	if !reflect.DeepEqual(groups, want) {
		t.Errorf("ProxyGroups = %v, want %v", groups, want)
	}
}

func TestOwnerMap(t *testing.T) {
	path := writeFile(t, "uid.map", "123 1000\n# comment\n* 65534\n")
	ownerMap, err := LoadOwnerMap(path)
	if err != nil {
		t.Fatalf("LoadOwnerMap: %v", err)
	}
	if got := ownerMap.Map(123); got != 1000 {
		t.Errorf("Map(123) = %d, want 1000", got)
	}
	if got := ownerMap.Map(7); got != 65534 {
		t.Errorf("Map(7) = %d, want wildcard 65534", got)
	}

	var identity *OwnerMap
	if got := identity.Map(42); got != 42 {
		t.Errorf("identity Map(42) = %d", got)
	}
}
