package observability

import (
	"cmp"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// p95 budgets per pipeline stage, in milliseconds. Transcription dominates and
// scales with recording length, so its budget is loose.
var stageBudgetsMS = map[string]float64{
	StageTranscribe: 60000,
	StageConvert:    3000,
	StageAnalyze:    20000,
	StageMatch:      500,
	StageTotal:      90000,
}

// StageStats summarizes recent latencies of one identification stage.
type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverBudget  bool    `json:"over_budget,omitempty"`
}

// Indicator counts a notable outcome, such as an empty transcript.
type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// latencyRing holds the last cap(values) samples of one stage.
type latencyRing struct {
	values []float64
	pos    int
	count  int
	last   float64
}

func (r *latencyRing) add(ms float64) {
	r.values[r.pos] = ms
	r.pos = (r.pos + 1) % len(r.values)
	r.count = min(r.count+1, len(r.values))
	r.last = ms
}

func (r *latencyRing) stats(stage string) StageStats {
	sorted := slices.Clone(r.values[:r.count])
	slices.Sort(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	st := StageStats{
		Stage:       stage,
		Samples:     r.count,
		LastMS:      round2(r.last),
		AvgMS:       round2(sum / float64(r.count)),
		P50MS:       round2(quantile(sorted, 0.50)),
		P95MS:       round2(quantile(sorted, 0.95)),
		P99MS:       round2(quantile(sorted, 0.99)),
		TargetP95MS: stageBudgetsMS[stage],
	}
	st.OverBudget = st.TargetP95MS > 0 && st.P95MS > st.TargetP95MS
	return st
}

// StageWindow keeps recent stage latencies and indicator counts for the
// /v1/perf/stages endpoint. The Prometheus histogram holds the full history.
type StageWindow struct {
	mu         sync.Mutex
	size       int
	rings      map[string]*latencyRing
	indicators map[string]int
}

func NewStageWindow(size int) *StageWindow {
	if size <= 0 {
		size = 256
	}
	return &StageWindow{
		size:       size,
		rings:      make(map[string]*latencyRing),
		indicators: make(map[string]int),
	}
}

func (w *StageWindow) Observe(stage string, ms float64) {
	if w == nil || stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &latencyRing{values: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.add(ms)
}

func (w *StageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

// Snapshot returns stages and indicators sorted by name.
func (w *StageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.rings)),
	}
	for stage, r := range w.rings {
		if r.count > 0 {
			snap.Stages = append(snap.Stages, r.stats(stage))
		}
	}
	slices.SortFunc(snap.Stages, func(a, b StageStats) int { return cmp.Compare(a.Stage, b.Stage) })

	for name, n := range w.indicators {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: n})
	}
	slices.SortFunc(snap.Indicators, func(a, b Indicator) int { return cmp.Compare(a.Name, b.Name) })
	return snap
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[n-1]
	}
	pos := q * float64(n-1)
	lo := int(pos)
	if lo+1 >= n {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
