package match

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antoniostano/voxtail/internal/profile"
)

// fixedQuerier answers by the first vector component, which tests use as a speaker index.
type fixedQuerier struct {
	hits map[int][]profile.Candidate
	err  error
}

func (q fixedQuerier) QueryTopK(_ context.Context, vec []float32, k int) ([]profile.Candidate, error) {
	if q.err != nil {
		return nil, q.err
	}
	out := q.hits[int(vec[0])]
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func cands(pairs ...any) []profile.Candidate {
	var out []profile.Candidate
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, profile.Candidate{Name: pairs[i].(string), Score: pairs[i+1].(float64)})
	}
	return out
}

func runMatch(t *testing.T, hits map[string][]profile.Candidate) map[string]*Result {
	t.Helper()
	q := fixedQuerier{hits: map[int][]profile.Candidate{}}
	emb := map[string][]float32{}
	i := 0
	for label, c := range hits {
		q.hits[i] = c
		emb[label] = []float32{float32(i)}
		i++
	}
	m := NewMatcher(DefaultConfig(), q, nil)
	got, err := m.Match(context.Background(), emb)
	require.NoError(t, err)
	return got
}

func TestClassifyTiers(t *testing.T) {
	m := NewMatcher(DefaultConfig(), nil, nil)

	require.Equal(t, ConfidenceLow, m.Classify("A", nil).Confidence)
	require.Equal(t, ConfidenceHigh, m.Classify("A", cands("alice", 0.80)).Confidence)
	require.Equal(t, ConfidenceHigh, m.Classify("A", cands("alice", 0.80, "bob", 0.60)).Confidence)
	require.Equal(t, ConfidenceMedium, m.Classify("A", cands("alice", 0.80, "bob", 0.75)).Confidence)
	require.Equal(t, ConfidenceLow, m.Classify("A", cands("alice", 0.54)).Confidence)

	r := m.Classify("A", cands("alice", 0.9, "bob", 0.7))
	require.InDelta(t, 0.2, r.Margin, 1e-9)
	require.InDelta(t, 0.9, r.TopScore, 1e-9)
}

func TestMatchTwoSpeakersCompeteForOneName(t *testing.T) {
	got := runMatch(t, map[string][]profile.Candidate{
		"A": cands("Alice", 0.80, "Bob", 0.54),
		"B": cands("Alice", 0.80, "Carol", 0.50),
	})

	winners := 0
	for _, label := range []string{"A", "B"} {
		r := got[label]
		if r.AssignedName == "Alice" {
			winners++
			require.Equal(t, ConfidenceHigh, r.Confidence)
		} else {
			require.Equal(t, ConfidenceLow, r.Confidence)
			require.Empty(t, r.AssignedName)
		}
	}
	require.Equal(t, 1, winners)
}

func TestMatchThirdSpeakerKeepsItsOwnName(t *testing.T) {
	got := runMatch(t, map[string][]profile.Candidate{
		"A": cands("Alice", 0.80, "Bob", 0.60),
		"B": cands("Alice", 0.80, "Bob", 0.50),
		"C": cands("Bob", 0.95, "Alice", 0.30),
	})

	require.Equal(t, "Bob", got["C"].AssignedName)
	require.Equal(t, ConfidenceHigh, got["C"].Confidence)
	require.True(t, (got["A"].AssignedName == "Alice") != (got["B"].AssignedName == "Alice"))

	loser := got["A"]
	if loser.AssignedName == "Alice" {
		loser = got["B"]
	}
	require.Equal(t, ConfidenceLow, loser.Confidence)
	require.Empty(t, loser.AssignedName)
}

func TestMatchGlobalOptimumBeatsGreedy(t *testing.T) {
	// Greedy would give Alice to A (0.90) and leave B without a name.
	got := runMatch(t, map[string][]profile.Candidate{
		"A": cands("Alice", 0.90, "Bob", 0.78),
		"B": cands("Alice", 0.88, "Dan", 0.40),
	})
	require.Equal(t, "Bob", got["A"].AssignedName)
	require.Equal(t, "Alice", got["B"].AssignedName)
}

func TestMatchMediumWinnerIsOnlySuggested(t *testing.T) {
	got := runMatch(t, map[string][]profile.Candidate{
		"A": cands("Alice", 0.70, "Bob", 0.66),
	})
	r := got["A"]
	require.Equal(t, ConfidenceMedium, r.Confidence)
	require.Empty(t, r.AssignedName)
	require.Equal(t, "Alice", r.SuggestedName)
	require.True(t, r.Pending())
}

func TestMatchLowNeverAssigned(t *testing.T) {
	got := runMatch(t, map[string][]profile.Candidate{
		"A": cands("Alice", 0.50, "Bob", 0.20),
		"B": {},
	})
	for _, r := range got {
		require.Equal(t, ConfidenceLow, r.Confidence)
		require.Empty(t, r.AssignedName)
		require.True(t, r.NeedsNaming())
	}
}

func TestMatchQuerierError(t *testing.T) {
	m := NewMatcher(DefaultConfig(), fixedQuerier{err: errors.New("store down")}, nil)
	_, err := m.Match(context.Background(), map[string][]float32{"A": {0}})
	require.ErrorContains(t, err, "store down")
}

func TestMatchAssignmentConsistencyRandomized(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	names := []string{"ana", "ben", "cy", "dee", "eli"}
	cfg := DefaultConfig()

	for iter := 0; iter < 300; iter++ {
		hits := map[string][]profile.Candidate{}
		speakers := 1 + rng.IntN(6)
		for s := 0; s < speakers; s++ {
			perm := rng.Perm(len(names))
			var c []profile.Candidate
			score := 0.3 + rng.Float64()*0.7
			for _, idx := range perm[:1+rng.IntN(cfg.TopK)] {
				c = append(c, profile.Candidate{Name: names[idx], Score: score})
				score -= rng.Float64() * 0.2
			}
			hits[fmt.Sprintf("S%d", s)] = c
		}

		initial := map[string]Confidence{}
		m := NewMatcher(cfg, nil, nil)
		for label, c := range hits {
			initial[label] = m.Classify(label, c).Confidence
		}

		got := runMatch(t, hits)
		seen := map[string]string{}
		for label, r := range got {
			name := r.AssignedName
			if name == "" {
				name = r.SuggestedName
			}
			if name == "" {
				continue
			}
			require.NotEqual(t, ConfidenceLow, r.Confidence)
			require.NotEqual(t, ConfidenceLow, initial[label], "LOW speaker %s was upgraded", label)
			require.Equal(t, initial[label], r.Confidence, "tier must not be recomputed")
			if prev, dup := seen[name]; dup {
				t.Fatalf("name %q assigned to both %s and %s", name, prev, label)
			}
			seen[name] = label

			var score float64
			for _, c := range r.Candidates {
				if c.Name == name {
					score = math.Max(score, c.Score)
				}
			}
			require.GreaterOrEqual(t, score, cfg.MinThreshold)
		}
	}
}
