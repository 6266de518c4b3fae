package profile

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"

	"github.com/antoniostano/voxtail/internal/apperr"
)

const lockStripes = 64

// Manager applies blended updates to the store and keeps the cache in step.
type Manager struct {
	store  Store
	cache  *Cache
	cfg    BlendConfig
	logger *slog.Logger

	// OnBlend, when set, observes every successful update.
	OnBlend func(mode BlendMode)

	stripes [lockStripes]sync.Mutex
}

func NewManager(store Store, cache *Cache, cfg BlendConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache, _ = OpenCache("")
	}
	return &Manager{store: store, cache: cache, cfg: cfg, logger: logger}
}

// NormalizeName trims a profile name and rejects empty input.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.Validation("name is required")
	}
	return name, nil
}

func (m *Manager) lockFor(name string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return &m.stripes[h.Sum32()%lockStripes]
}

// AddSample blends sample into the named profile with the given weight and returns
// the new cumulative weight. Updates to the same name are serialized in-process only.
func (m *Manager) AddSample(ctx context.Context, name string, sample []float32, weight int) (int, error) {
	name, err := NormalizeName(name)
	if err != nil {
		return 0, err
	}
	if len(sample) == 0 {
		return 0, fmt.Errorf("add sample for %q: empty embedding", name)
	}

	mu := m.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	existing, ok, err := m.store.Fetch(ctx, name)
	if err != nil {
		return 0, err
	}
	var prev *Profile
	if ok {
		prev = &existing
	}
	blended, err := Blend(prev, sample, weight, m.cfg)
	if err != nil {
		return 0, fmt.Errorf("blend profile %q: %w", name, err)
	}
	if err := m.store.Upsert(ctx, Profile{Name: name, Embedding: blended.Embedding, Weight: blended.Weight}); err != nil {
		return 0, err
	}
	if err := m.cache.Set(name, blended.Weight); err != nil {
		m.logger.Warn("profile cache update failed", "name", name, "error", err)
	}
	if m.OnBlend != nil {
		m.OnBlend(blended.Mode)
	}
	m.logger.Info("profile updated", "name", name, "mode", blended.Mode, "weight", blended.Weight)
	return blended.Weight, nil
}

// Delete removes a profile. Names unknown to both cache and store are NotFound.
func (m *Manager) Delete(ctx context.Context, name string) error {
	name, err := NormalizeName(name)
	if err != nil {
		return err
	}
	if !m.cache.Has(name) {
		if _, ok, err := m.store.Fetch(ctx, name); err != nil {
			return err
		} else if !ok {
			return apperr.NotFound("speaker", name)
		}
	}

	mu := m.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	if err := m.store.Delete(ctx, name); err != nil {
		return err
	}
	if err := m.cache.Remove(name); err != nil {
		m.logger.Warn("profile cache update failed", "name", name, "error", err)
	}
	m.logger.Info("profile deleted", "name", name)
	return nil
}

// List returns the cached profiles.
func (m *Manager) List() []Summary {
	return m.cache.Snapshot()
}

// Sync rebuilds the cache from the store.
func (m *Manager) Sync(ctx context.Context) ([]Summary, error) {
	all, err := m.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.cache.Replace(all); err != nil {
		return nil, err
	}
	return m.cache.Snapshot(), nil
}

// QueryTopK delegates to the store.
func (m *Manager) QueryTopK(ctx context.Context, vec []float32, k int) ([]Candidate, error) {
	return m.store.QueryTopK(ctx, vec, k)
}
