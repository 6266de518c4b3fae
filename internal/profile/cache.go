package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Cache is the local name to weight mirror of the store, persisted as YAML.
// It is advisory: the store is authoritative and Manager.Sync rebuilds it.
type Cache struct {
	mu      sync.RWMutex
	path    string
	weights map[string]int
}

type cacheFile struct {
	Speakers map[string]int `yaml:"speakers"`
}

// OpenCache loads path if it exists. An empty path keeps the cache in memory only.
func OpenCache(path string) (*Cache, error) {
	c := &Cache{path: path, weights: make(map[string]int)}
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read profile cache: %w", err)
	}
	var f cacheFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse profile cache %s: %w", path, err)
	}
	for name, w := range f.Speakers {
		c.weights[name] = w
	}
	return c, nil
}

func (c *Cache) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.weights[name]
	return ok
}

func (c *Cache) Set(name string, weight int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.weights[name] = weight
	return c.saveLocked()
}

func (c *Cache) Remove(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.weights, name)
	return c.saveLocked()
}

// Replace swaps the whole cache for weights.
func (c *Cache) Replace(weights map[string]int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.weights = make(map[string]int, len(weights))
	for name, w := range weights {
		c.weights[name] = w
	}
	return c.saveLocked()
}

// Snapshot returns the cached profiles sorted by name.
func (c *Cache) Snapshot() []Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Summary, 0, len(c.weights))
	for name, w := range c.weights {
		out = append(out, Summary{Name: name, Weight: w})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Cache) saveLocked() error {
	if c.path == "" {
		return nil
	}
	data, err := yaml.Marshal(cacheFile{Speakers: c.weights})
	if err != nil {
		return fmt.Errorf("encode profile cache: %w", err)
	}
	if dir := filepath.Dir(c.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create profile cache dir: %w", err)
		}
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write profile cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace profile cache: %w", err)
	}
	return nil
}
