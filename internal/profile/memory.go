package profile

import (
	"context"
	"sync"
)

// MemoryStore keeps profiles in process and ranks them by brute-force cosine.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]Profile)}
}

func (s *MemoryStore) Fetch(_ context.Context, name string) (Profile, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[name]
	if !ok {
		return Profile{}, false, nil
	}
	return cloneProfile(p), true, nil
}

func (s *MemoryStore) Upsert(_ context.Context, p Profile) error {
	s.mu.Lock()
	s.profiles[p.Name] = cloneProfile(p)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	delete(s.profiles, name)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) QueryTopK(_ context.Context, vec []float32, k int) ([]Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vectors := make(map[string][]float32, len(s.profiles))
	for name, p := range s.profiles {
		vectors[name] = p.Embedding
	}
	return rankTopK(vec, vectors, k), nil
}

func (s *MemoryStore) ListAll(_ context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.profiles))
	for name, p := range s.profiles {
		out[name] = p.Weight
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneProfile(p Profile) Profile {
	emb := make([]float32, len(p.Embedding))
	copy(emb, p.Embedding)
	p.Embedding = emb
	return p
}
