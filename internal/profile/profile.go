// Package profile stores voice profiles and blends new samples into them.
package profile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Sample weights used by callers of AddSample.
const (
	WeightDedicated     = 2
	WeightReinforcement = 1
)

var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Profile is a stored per-person voice fingerprint.
type Profile struct {
	Name      string
	Embedding []float32
	Weight    int
}

// Candidate is one similarity hit. Score is cosine similarity remapped to [0,1].
type Candidate struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Summary is a name and its cumulative sample weight.
type Summary struct {
	Name   string `json:"name"`
	Weight int    `json:"weight"`
}

// Store persists profiles and answers top-k similarity queries.
// Implementations must be safe for concurrent use.
type Store interface {
	Fetch(ctx context.Context, name string) (Profile, bool, error)
	Upsert(ctx context.Context, p Profile) error
	Delete(ctx context.Context, name string) error
	QueryTopK(ctx context.Context, vec []float32, k int) ([]Candidate, error)
	ListAll(ctx context.Context) (map[string]int, error)
	Close() error
}

// BlendMode names the rule that produced a blended profile.
type BlendMode string

const (
	BlendInitial  BlendMode = "initial"
	BlendWeighted BlendMode = "weighted"
	BlendEMA      BlendMode = "ema"
)

type BlendConfig struct {
	UseEMA        bool
	Alpha         float64
	EMAMinSamples int
}

func DefaultBlendConfig() BlendConfig {
	return BlendConfig{UseEMA: true, Alpha: 0.3, EMAMinSamples: 4}
}

type Blended struct {
	Embedding []float32
	Weight    int
	Mode      BlendMode
}

// Blend merges sample into existing. A nil existing profile makes sample the profile
// verbatim. Young profiles take a weight-proportional average; once the stored weight
// reaches EMAMinSamples the update becomes an exponential moving average. Vectors are
// not normalized.
func Blend(existing *Profile, sample []float32, weight int, cfg BlendConfig) (Blended, error) {
	if weight <= 0 {
		return Blended{}, fmt.Errorf("sample weight must be positive, got %d", weight)
	}
	if existing == nil {
		out := make([]float32, len(sample))
		copy(out, sample)
		return Blended{Embedding: out, Weight: weight, Mode: BlendInitial}, nil
	}
	if len(existing.Embedding) != len(sample) {
		return Blended{}, fmt.Errorf("%w: stored %d, sample %d", ErrDimensionMismatch, len(existing.Embedding), len(sample))
	}

	oldWeight := existing.Weight
	if oldWeight < 1 {
		oldWeight = 1
	}
	total := oldWeight + weight
	out := make([]float32, len(sample))

	if cfg.UseEMA && oldWeight >= cfg.EMAMinSamples {
		a := cfg.Alpha
		for i := range sample {
			out[i] = float32((1-a)*float64(existing.Embedding[i]) + a*float64(sample[i]))
		}
		return Blended{Embedding: out, Weight: total, Mode: BlendEMA}, nil
	}

	for i := range sample {
		out[i] = float32((float64(existing.Embedding[i])*float64(oldWeight) + float64(sample[i])*float64(weight)) / float64(total))
	}
	return Blended{Embedding: out, Weight: total, Mode: BlendWeighted}, nil
}

// CosineSimilarity returns the cosine of the angle between a and b in [-1,1].
// Zero-norm or mismatched vectors yield -1.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return -1
	}
	c := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(-1, math.Min(1, c))
}

// RemapScore maps a cosine similarity in [-1,1] to [0,1].
func RemapScore(cos float64) float64 {
	return (cos + 1) / 2
}

// rankTopK scores every profile against vec and keeps the best k.
func rankTopK(vec []float32, profiles map[string][]float32, k int) []Candidate {
	if k <= 0 || len(profiles) == 0 {
		return nil
	}
	out := make([]Candidate, 0, len(profiles))
	for name, emb := range profiles {
		out = append(out, Candidate{Name: name, Score: RemapScore(CosineSimilarity(vec, emb))})
	}
	sortCandidates(out)
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func sortCandidates(c []Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].Score != c[j].Score {
			return c[i].Score > c[j].Score
		}
		return c[i].Name < c[j].Name
	})
}
