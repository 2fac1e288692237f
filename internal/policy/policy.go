package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// defaultGroups are the five well-known actor cohorts baked into every
// policy file, per the spec's open question about group extensibility: the
// set is a configurable registry with these five as built-in defaults, and
// anything outside the registry is rejected at ingress.
var defaultGroups = []string{"main", "developer", "security", "revops", "product"}

// Config is the serializable policy document: the group registry and the
// strict-mode switch, reloadable without a process restart.
type Config struct {
	Strict bool     `yaml:"strict"`
	Groups []string `yaml:"groups"`
}

// Default returns the policy in effect when no file is configured: the five
// built-in groups, strict mode off.
func Default() Config {
	return Config{
		Strict: false,
		Groups: append([]string(nil), defaultGroups...),
	}
}

// Load reads a YAML policy file. A missing path or empty file yields
// Default(). The group list is normalized (lowercased, deduplicated) and
// always contains the five built-in groups even if the file omits them.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse policy: %w", err)
	}
	c.normalize()
	return c, nil
}

func (c *Config) normalize() {
	seen := make(map[string]struct{}, len(c.Groups)+len(defaultGroups))
	var out []string
	for _, g := range defaultGroups {
		seen[g] = struct{}{}
		out = append(out, g)
	}
	for _, g := range c.Groups {
		g = strings.ToLower(strings.TrimSpace(g))
		if g == "" {
			continue
		}
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	c.Groups = out
}

// IsKnownGroup reports whether group is in the registry (case-insensitive).
func (c Config) IsKnownGroup(group string) bool {
	group = strings.ToLower(strings.TrimSpace(group))
	for _, g := range c.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Version derives a short, deterministic fingerprint of the policy document.
// The governance engine injects this into every task's metadata.policy_version
// field so activity history can be correlated with the policy in force at the
// time of a decision.
func (c Config) Version() string {
	h := fnv.New64a()
	_, _ = h.Write([]byte("strict=" + strconv.FormatBool(c.Strict) + "|"))
	for _, g := range c.Groups {
		_, _ = h.Write([]byte(g + "|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

// LivePolicy wraps a Config with thread-safe mutation and optional
// persistence, so the HTTP surface and a background fsnotify watcher can
// swap the active policy without restarting the process.
type LivePolicy struct {
	mu   sync.RWMutex
	data Config
	path string
}

// NewLivePolicy creates a LivePolicy from an initial snapshot. If path is
// non-empty, mutations made through AddGroup persist back to that file.
func NewLivePolicy(initial Config, path string) *LivePolicy {
	initial.normalize()
	return &LivePolicy{data: initial, path: path}
}

// Snapshot returns a copy of the current policy.
func (lp *LivePolicy) Snapshot() Config {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.Groups = append([]string(nil), lp.data.Groups...)
	return cp
}

// Strict reports whether strict-mode validators are engaged.
func (lp *LivePolicy) Strict() bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.Strict
}

// IsKnownGroup is the thread-safe registry check used at runtime.
func (lp *LivePolicy) IsKnownGroup(group string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.IsKnownGroup(group)
}

// Version is the thread-safe fingerprint used at runtime.
func (lp *LivePolicy) Version() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.Version()
}

// Reload replaces the policy data from a fresh snapshot.
func (lp *LivePolicy) Reload(c Config) {
	c.normalize()
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = c
}

// AddGroup extends the registry at runtime and persists the change, for
// admin tooling that wants to register a new cohort without hand-editing
// the policy file.
func (lp *LivePolicy) AddGroup(group string) error {
	group = strings.ToLower(strings.TrimSpace(group))
	if group == "" {
		return fmt.Errorf("empty group")
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.data.IsKnownGroup(group) {
		return nil
	}
	lp.data.Groups = append(lp.data.Groups, group)
	return lp.persist()
}

// ReloadFromFile updates the live policy only when the incoming file parses.
// On error, the previous policy remains in effect — a malformed edit to the
// policy file must never take the process down or blank the registry.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	c, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(c)
	return nil
}

func (lp *LivePolicy) persist() error {
	if lp.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&lp.data)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(lp.path, out, 0o644)
}
