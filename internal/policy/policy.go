// Package policy implements the allow-list a Worker Spawner and Action
// Dispatcher check before letting an agent's requested tool or outbound URL
// through (§4.5, §4.6): which tool names a spawned worker may declare, and
// which external hosts a worker is allowed to reach. The daemon loads one
// Policy from policy.yaml at startup; nothing in this process mutates it at
// runtime, so Policy is an immutable value rather than a live, reloadable
// store.
package policy

import (
	"fmt"
	"hash/fnv"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Checker is the narrow allow-list surface consumers need: a worker's tool
// request (AllowCapability) and a worker's outbound URL (AllowHTTPURL).
// PolicyVersion feeds the startup log line so an operator can tell which
// policy snapshot a running daemon loaded.
type Checker interface {
	AllowHTTPURL(raw string) bool
	AllowCapability(capability string) bool
	PolicyVersion() string
}

// Policy is the on-disk allow-list (§4.6 step 1): which tool names a worker
// may request and which domains a worker subprocess may reach over HTTP.
type Policy struct {
	AllowDomains      []string `yaml:"allow_domains"`
	AllowCapabilities []string `yaml:"allow_capabilities"`
	AllowLoopback     bool     `yaml:"allow_loopback"`
}

func Default() Policy {
	return Policy{}
}

// knownCapabilities is the fixed vocabulary of tool names a worker's Task
// may declare (§5); an unrecognized name in policy.yaml fails to load
// rather than silently granting a typo'd capability.
var knownCapabilities = map[string]struct{}{
	"acp.read":               {},
	"acp.mutate":             {},
	"tools.web_search":       {},
	"tools.read_url":         {},
	"tools.read_file":        {},
	"tools.write_file":       {},
	"tools.exec":             {},
	"tools.spawn_task":       {},
	"tools.delegate_task":    {},
	"tools.send_message":     {},
	"tools.read_messages":    {},
	"tools.memory_read":      {},
	"tools.memory_write":     {},
	"tools.send_alert":       {},
	"tools.image_generation": {},
	"tools.price_comparison": {},
}

func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// AllowHTTPURL reports whether a worker subprocess may fetch raw (§4.6 step
// 5). This is the operator-configurable allow-list layer; the Worker
// Spawner additionally enforces a hardcoded domain blocklist that this
// policy cannot override in the other direction — an explicitly allowed
// domain here can clear a blocklist hit, but nothing here widens the
// blocklist.
func (p Policy) AllowHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if isBlockedHost(host, p.AllowLoopback) {
		return false
	}
	for _, domain := range p.AllowDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func isBlockedHost(host string, allowLoopback bool) bool {
	if host == "localhost" {
		return !allowLoopback
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false // Not an IP address (e.g. a hostname).
	}
	if allowLoopback && ip.IsLoopback() {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// AllowCapability reports whether a worker's requested tool name is in the
// parent agent's allow-list (§4.6 step 1). Called once per tool name in
// SpawnRequest.Task.Tools before a worker is ever launched.
func (p Policy) AllowCapability(capability string) bool {
	capability = strings.ToLower(strings.TrimSpace(capability))
	if capability == "" {
		return false
	}
	for _, allowed := range p.AllowCapabilities {
		if strings.ToLower(strings.TrimSpace(allowed)) == capability {
			return true
		}
	}
	return false
}

// PolicyVersion is a stable fingerprint of the loaded policy, logged at
// startup so an operator can confirm which allow-list a running daemon is
// enforcing without diffing the file by hand.
func (p Policy) PolicyVersion() string {
	h := fnv.New64a()
	for _, v := range p.AllowDomains {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range p.AllowCapabilities {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	if p.AllowLoopback {
		_, _ = h.Write([]byte("allow_loopback=true|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func (p Policy) validate() error {
	for _, capName := range p.AllowCapabilities {
		capability := strings.ToLower(strings.TrimSpace(capName))
		if capability == "" {
			continue
		}
		if _, ok := knownCapabilities[capability]; !ok {
			return fmt.Errorf("unknown capability %q", capName)
		}
	}
	return nil
}
