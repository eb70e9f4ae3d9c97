package env

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Env composes the environment handed to spawned targets: the daemon's own
// environment, then global overrides, then per-target entries.
type Env struct {
	mu     sync.RWMutex
	global map[string]string
	base   map[string]string // nil until first use; then a snapshot of os.Environ
}

func New() *Env {
	return &Env{global: make(map[string]string)}
}

// FromOS re-snapshots the daemon environment as the base layer.
func (e *Env) FromOS() {
	base := toMap(os.Environ())
	e.mu.Lock()
	e.base = base
	e.mu.Unlock()
}

// Set sets a global variable.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.mu.Lock()
	e.global[k] = v
	e.mu.Unlock()
}

func (e *Env) Unset(k string) {
	e.mu.Lock()
	delete(e.global, k)
	e.mu.Unlock()
}

// SetAll merges kvs ("K=V") into the global layer.
func (e *Env) SetAll(kvs []string) error {
	m, err := ParseKV(kvs)
	if err != nil {
		return err
	}
	e.mu.Lock()
	for k, v := range m {
		e.global[k] = v
	}
	e.mu.Unlock()
	return nil
}

// Global returns the global layer as sorted "K=V" entries.
func (e *Env) Global() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return toSlice(e.global)
}

// Merge returns the final environment for a target, sorted by key.
// Values may reference other variables as ${VAR} or $VAR; references are
// resolved one level deep against the merged map.
func (e *Env) Merge(perTarget []string) []string {
	e.mu.RLock()
	base := e.base
	e.mu.RUnlock()
	if base == nil {
		e.FromOS()
		e.mu.RLock()
		base = e.base
		e.mu.RUnlock()
	}

	m := make(map[string]string, len(base)+len(perTarget))
	for k, v := range base {
		m[k] = v
	}
	e.mu.RLock()
	for k, v := range e.global {
		m[k] = v
	}
	e.mu.RUnlock()
	for k, v := range toMap(perTarget) {
		m[k] = v
	}

	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.Expand(v, func(ref string) string { return m[ref] })
	}
	return toSlice(out)
}

// ParseKV parses "K=V" entries. An entry without '=' or with an empty key is an error.
func ParseKV(kvs []string) (map[string]string, error) {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			return nil, fmt.Errorf("invalid env entry %q: want KEY=VALUE", kv)
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m, nil
}

// toMap is the lenient variant of ParseKV used for OS and target entries.
func toMap(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func toSlice(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
