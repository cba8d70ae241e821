// Copyright 2026 The gocvmfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package params owns the client parameter surface. Parameters are
// the CVMFS_* keys recognized by the classic client; they arrive from
// key=value configuration files, YAML configuration files, and
// explicit overrides, applied in that order with later sources
// winning. Unknown keys are kept but ignored, so one configuration
// file can serve several client versions.
package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Well-known parameter keys. The string values are the configuration
// surface and must not change.
const (
	KeyMemcacheSize    = "CVMFS_MEMCACHE_SIZE"
	KeyTimeout         = "CVMFS_TIMEOUT"
	KeyTimeoutDirect   = "CVMFS_TIMEOUT_DIRECT"
	KeyProxyResetAfter = "CVMFS_PROXY_RESET_AFTER"
	KeyHostResetAfter  = "CVMFS_HOST_RESET_AFTER"
	KeyMaxRetries      = "CVMFS_MAX_RETRIES"
	KeyBackoffInit     = "CVMFS_BACKOFF_INIT"
	KeyBackoffMax      = "CVMFS_BACKOFF_MAX"
	KeyMaxTTL          = "CVMFS_MAX_TTL"
	KeyKcacheTimeout   = "CVMFS_KCACHE_TIMEOUT"
	KeyQuotaLimit      = "CVMFS_QUOTA_LIMIT"
	KeyServerURL       = "CVMFS_SERVER_URL"
	KeyHTTPProxy       = "CVMFS_HTTP_PROXY"
	KeyDNSServer       = "CVMFS_DNS_SERVER"
	KeyKeysDir         = "CVMFS_KEYS_DIR"
	KeyPublicKey       = "CVMFS_PUBLIC_KEY"
	KeyRootHash        = "CVMFS_ROOT_HASH"
	KeyRepositoryTag   = "CVMFS_REPOSITORY_TAG"
	KeyNFSSource       = "CVMFS_NFS_SOURCE"
	KeyNFSShared       = "CVMFS_NFS_SHARED"
	KeyIgnoreSignature = "CVMFS_IGNORE_SIGNATURE"
	KeyAutoUpdate      = "CVMFS_AUTO_UPDATE"
	KeyCacheBase       = "CVMFS_CACHE_BASE"
	KeySharedCache     = "CVMFS_SHARED_CACHE"
	KeyUIDMap          = "CVMFS_UID_MAP"
	KeyGIDMap          = "CVMFS_GID_MAP"
	KeyTracefile       = "CVMFS_TRACEFILE"
	KeyHashAlgorithm   = "CVMFS_HASH_ALGORITHM"
	KeyCompression     = "CVMFS_COMPRESSION"
)

// Defaults of the reference client.
const (
	DefaultMemcacheSize  = 16 * 1024 * 1024
	DefaultTimeout       = 2 * time.Second
	DefaultResetAfter    = 1800 * time.Second
	DefaultMaxRetries    = 1
	DefaultBackoffInit   = 2 * time.Second
	DefaultBackoffMax    = 10 * time.Second
	DefaultKcacheTimeout = 60 * time.Second
	DefaultQuotaLimitMiB = 1024
	DefaultCacheBase     = "/var/lib/cvmfs"
)

// Params is a key/value set with typed accessors.
type Params struct {
	values map[string]string
}

// New returns an empty parameter set.
func New() *Params {
	return &Params{values: make(map[string]string)}
}

// Set stores a key. Later Sets override earlier ones.
func (p *Params) Set(key, value string) {
	p.values[key] = value
}

// Get returns the raw value and whether the key is set.
func (p *Params) Get(key string) (string, bool) {
	value, ok := p.values[key]
	return value, ok
}

// GetString returns the value or fallback when unset.
func (p *Params) GetString(key, fallback string) string {
	if value, ok := p.values[key]; ok {
		return value
	}
	return fallback
}

// GetInt returns the value parsed as int64 or fallback when unset.
// A malformed value is an error: a typo in a numeric parameter must
// not silently become a default.
func (p *Params) GetInt(key string, fallback int64) (int64, error) {
	value, ok := p.values[key]
	if !ok || value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parameter %s: %q is not an integer", key, value)
	}
	return parsed, nil
}

// GetBool interprets yes/no/on/off/true/false/1/0, or fallback when
// unset.
func (p *Params) GetBool(key string, fallback bool) (bool, error) {
	value, ok := p.values[key]
	if !ok || value == "" {
		return fallback, nil
	}
	switch strings.ToLower(value) {
	case "yes", "on", "true", "1":
		return true, nil
	case "no", "off", "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("parameter %s: %q is not a boolean", key, value)
	}
}

// GetSeconds returns a duration given in whole seconds.
func (p *Params) GetSeconds(key string, fallback time.Duration) (time.Duration, error) {
	seconds, err := p.GetInt(key, int64(fallback/time.Second))
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds) * time.Second, nil
}

// LoadFile merges a configuration file into the set. Files ending in
// .yaml or .yml parse as a flat YAML mapping; everything else parses
// as key=value lines with '#' comments and optional single or double
// quotes around the value.
func (p *Params) LoadFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading parameter file: %w", err)
	}

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		return p.mergeYAML(content, path)
	}
	return p.mergeKeyValue(content, path)
}

func (p *Params) mergeYAML(content []byte, path string) error {
	parsed := make(map[string]string)
	if err := yaml.Unmarshal(content, &parsed); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	for key, value := range parsed {
		p.values[key] = value
	}
	return nil
}

func (p *Params) mergeKeyValue(content []byte, path string) error {
	for lineNumber, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Tolerate "export KEY=VALUE" so /etc/cvmfs snippets written
		// for shell sourcing keep working.
		line = strings.TrimPrefix(line, "export ")

		equals := strings.IndexByte(line, '=')
		if equals <= 0 {
			return fmt.Errorf("%s:%d: expected KEY=VALUE", path, lineNumber+1)
		}

		key := strings.TrimSpace(line[:equals])
		value := strings.TrimSpace(line[equals+1:])
		value = unquote(value)

		p.values[key] = value
	}
	return nil
}

// unquote strips one level of matching single or double quotes.
func unquote(value string) string {
	if len(value) >= 2 {
		first, last := value[0], value[len(value)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return value[1 : len(value)-1]
		}
	}
	return value
}

// SubstituteURL expands @org@ and @fqrn@ in a server URL template.
// The org is the first dot-separated label of the fully qualified
// repository name.
func SubstituteURL(urlTemplate, fqrn string) string {
	org := fqrn
	if dot := strings.IndexByte(fqrn, '.'); dot > 0 {
		org = fqrn[:dot]
	}
	substituted := strings.ReplaceAll(urlTemplate, "@org@", org)
	return strings.ReplaceAll(substituted, "@fqrn@", fqrn)
}

// ServerURLs splits CVMFS_SERVER_URL into its host list, applying
// substitution. Hosts are separated by ';' or ','.
func (p *Params) ServerURLs(fqrn string) []string {
	raw := p.GetString(KeyServerURL, "")
	if raw == "" {
		return nil
	}
	split := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ';' || r == ','
	})
	urls := make([]string, 0, len(split))
	for _, entry := range split {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		urls = append(urls, strings.TrimSuffix(SubstituteURL(entry, fqrn), "/"))
	}
	return urls
}

// ProxyGroups splits CVMFS_HTTP_PROXY into failover groups. Groups
// are separated by ';', members within a group by '|'. "DIRECT" (in
// any case) yields an empty member meaning no proxy.
func (p *Params) ProxyGroups() [][]string {
	raw := p.GetString(KeyHTTPProxy, "DIRECT")
	var groups [][]string
	for _, groupSpec := range strings.Split(raw, ";") {
		groupSpec = strings.TrimSpace(groupSpec)
		if groupSpec == "" {
			continue
		}
		var members []string
		for _, member := range strings.Split(groupSpec, "|") {
			member = strings.TrimSpace(member)
			if strings.EqualFold(member, "DIRECT") {
				member = ""
			}
			members = append(members, member)
		}
		groups = append(groups, members)
	}
	return groups
}

// OwnerMap is a static uid or gid remapping loaded from a map file
// with one "from to" pair per line. A line "* to" maps every id not
// matched by an explicit pair.
type OwnerMap struct {
	pairs    map[uint32]uint32
	wildcard *uint32
}

// LoadOwnerMap parses a map file. An empty path returns the identity
// map (nil), which Map treats as no remapping.
func LoadOwnerMap(path string) (*OwnerMap, error) {
	if path == "" {
		return nil, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading owner map: %w", err)
	}

	ownerMap := &OwnerMap{pairs: make(map[uint32]uint32)}
	for lineNumber, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%s:%d: expected 'from to'", path, lineNumber+1)
		}
		to, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: bad target id %q", path, lineNumber+1, fields[1])
		}
		if fields[0] == "*" {
			target := uint32(to)
			ownerMap.wildcard = &target
			continue
		}
		from, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: bad source id %q", path, lineNumber+1, fields[0])
		}
		ownerMap.pairs[uint32(from)] = uint32(to)
	}
	return ownerMap, nil
}

// Map applies the remapping. A nil receiver is the identity.
func (m *OwnerMap) Map(id uint32) uint32 {
	if m == nil {
		return id
	}
	if mapped, ok := m.pairs[id]; ok {
		return mapped
	}
	if m.wildcard != nil {
		return *m.wildcard
	}
	return id
}
