// Package match turns per-speaker similarity hits into one conflict-free,
// confidence-tiered assignment of profile names for a recording.
package match

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/antoniostano/voxtail/internal/profile"
)

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Result is the outcome for one in-recording speaker.
type Result struct {
	Speaker    string              `json:"meeting_speaker_id"`
	Confidence Confidence          `json:"confidence"`
	Candidates []profile.Candidate `json:"candidates"`
	TopScore   float64             `json:"top_score"`
	Margin     float64             `json:"margin"`
	// AssignedName is set only on HIGH speakers that won the global assignment.
	AssignedName string `json:"assigned_name,omitempty"`
	// SuggestedName is the name a MEDIUM speaker won; it still needs confirmation.
	SuggestedName string `json:"suggested_name,omitempty"`
}

func (r *Result) NeedsConfirmation() bool { return r.Confidence == ConfidenceMedium }
func (r *Result) NeedsNaming() bool       { return r.Confidence == ConfidenceLow }

// Pending reports whether the speaker needs user action.
func (r *Result) Pending() bool {
	switch r.Confidence {
	case ConfidenceHigh:
		return false
	case ConfidenceMedium, ConfidenceLow:
		return true
	default:
		return true
	}
}

func (r *Result) demote() {
	r.Confidence = ConfidenceLow
	r.AssignedName = ""
	r.SuggestedName = ""
}

type Config struct {
	MinThreshold float64
	MinMargin    float64
	TopK         int
}

func DefaultConfig() Config {
	return Config{MinThreshold: 0.55, MinMargin: 0.10, TopK: 3}
}

// Querier returns the k most similar stored profiles, best first.
type Querier interface {
	QueryTopK(ctx context.Context, vec []float32, k int) ([]profile.Candidate, error)
}

type Matcher struct {
	cfg     Config
	querier Querier
	logger  *slog.Logger
}

func NewMatcher(cfg Config, querier Querier, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{cfg: cfg, querier: querier, logger: logger}
}

// Classify tiers a ranked candidate list.
func (m *Matcher) Classify(speaker string, candidates []profile.Candidate) *Result {
	r := &Result{Speaker: speaker, Candidates: candidates, Confidence: ConfidenceLow}
	if len(candidates) == 0 {
		return r
	}
	top := candidates[0].Score
	second := 0.0
	if len(candidates) > 1 {
		second = candidates[1].Score
	}
	r.TopScore = top
	r.Margin = top - second

	switch {
	case top >= m.cfg.MinThreshold && r.Margin >= m.cfg.MinMargin:
		r.Confidence = ConfidenceHigh
	case top >= m.cfg.MinThreshold:
		r.Confidence = ConfidenceMedium
	}
	return r
}

// Match queries candidates for every speaker and resolves them globally so that no
// profile name is given to two speakers.
func (m *Matcher) Match(ctx context.Context, embeddings map[string][]float32) (map[string]*Result, error) {
	labels := make([]string, 0, len(embeddings))
	for label := range embeddings {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	results := make(map[string]*Result, len(labels))
	for _, label := range labels {
		candidates, err := m.querier.QueryTopK(ctx, embeddings[label], m.cfg.TopK)
		if err != nil {
			return nil, fmt.Errorf("query candidates for speaker %s: %w", label, err)
		}
		results[label] = m.Classify(label, candidates)
	}

	m.Resolve(labels, results)
	return results, nil
}

// Resolve runs the global assignment over the non-LOW speakers in results.
// labels fixes the row order so the outcome is deterministic.
func (m *Matcher) Resolve(labels []string, results map[string]*Result) {
	var rows []string
	for _, label := range labels {
		if r := results[label]; r != nil && r.Confidence != ConfidenceLow {
			rows = append(rows, label)
		}
	}
	if len(rows) == 0 {
		return
	}

	best := make(map[[2]string]float64)
	nameSet := make(map[string]struct{})
	for _, label := range rows {
		for _, c := range results[label].Candidates {
			if c.Score < m.cfg.MinThreshold {
				continue
			}
			key := [2]string{label, c.Name}
			if c.Score > best[key] {
				best[key] = c.Score
			}
			nameSet[c.Name] = struct{}{}
		}
	}
	names := make([]string, 0, len(nameSet))
	for name := range nameSet {
		names = append(names, name)
	}
	sort.Strings(names)

	// Square matrix; padded cells cost 1 (score 0).
	n := max(len(rows), len(names))
	cost := make([][]float64, n)
	for i := range cost {
		cost[i] = make([]float64, n)
		for j := range cost[i] {
			cost[i][j] = 1
			if i < len(rows) && j < len(names) {
				if s, ok := best[[2]string{rows[i], names[j]}]; ok {
					cost[i][j] = 1 - s
				}
			}
		}
	}

	assignment := solveAssignment(cost)
	claimed := make(map[string]bool)
	assigned := 0
	for i, label := range rows {
		r := results[label]
		j := assignment[i]
		if j >= len(names) {
			r.demote()
			continue
		}
		name := names[j]
		score := best[[2]string{label, name}]
		if score < m.cfg.MinThreshold || claimed[name] {
			r.demote()
			continue
		}
		claimed[name] = true
		assigned++
		switch r.Confidence {
		case ConfidenceHigh:
			r.AssignedName = name
		case ConfidenceMedium:
			r.SuggestedName = name
		case ConfidenceLow:
		}
	}

	m.logger.Debug("competitive assignment", "speakers", len(rows), "names", len(names), "assigned", assigned)
}
