package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/voxtail/internal/apperr"
	"github.com/antoniostano/voxtail/internal/summary"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(Options{AudioDir: t.TempDir(), TTL: time.Hour})
	m.now = clock.Now
	return m, clock
}

// newSession writes the session's audio files and returns it with the given pending labels.
func newSession(t *testing.T, m *Manager, labels []string, pending ...string) *Session {
	t.Helper()
	id := m.NewID()
	s := &Session{
		ID:           id,
		AudioPath:    m.WAVPath(id),
		OriginalPath: m.UploadPath(id, ".m4a"),
		Speakers:     map[string]*Speaker{},
		Pending:      map[string]bool{},
		Handled:      map[string]bool{},
	}
	for _, l := range labels {
		s.Speakers[l] = &Speaker{Label: l}
	}
	for _, l := range pending {
		s.Pending[l] = true
	}
	for _, p := range []string{s.AudioPath, s.OriginalPath, m.ClipPath(id, labels[0])} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}
	if err := m.Save(s); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return s
}

func filesLeft(t *testing.T, m *Manager, id string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(m.AudioDir(), id+"*"))
	if err != nil {
		t.Fatalf("Glob() error = %v", err)
	}
	return matches
}

func TestResolveWaitsForSummaryThenCloses(t *testing.T) {
	m, _ := newTestManager(t)
	s := newSession(t, m, []string{"A", "B", "C"}, "B", "C")

	closed, err := m.Resolve(s.ID, "B", "Bob")
	if err != nil {
		t.Fatalf("Resolve(B) error = %v", err)
	}
	if closed {
		t.Fatalf("Resolve(B) closed = true, want false")
	}
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != StatePartiallyResolved {
		t.Fatalf("State = %q, want %q", got.State, StatePartiallyResolved)
	}
	if got.Speakers["B"].AssignedName != "Bob" {
		t.Fatalf("AssignedName = %q, want Bob", got.Speakers["B"].AssignedName)
	}

	closed, err = m.Resolve(s.ID, "C", "")
	if err != nil {
		t.Fatalf("Resolve(C) error = %v", err)
	}
	if closed {
		t.Fatalf("Resolve(C) closed = true, want false without summary")
	}
	got, _ = m.Get(s.ID)
	if got.State != StateAwaitingSummary {
		t.Fatalf("State = %q, want %q", got.State, StateAwaitingSummary)
	}

	closed, err = m.AttachSummary(s.ID, summary.Summary{ExecutiveSummary: "done"})
	if err != nil {
		t.Fatalf("AttachSummary() error = %v", err)
	}
	if !closed {
		t.Fatalf("AttachSummary() closed = false, want true")
	}
	if _, err := m.Get(s.ID); !apperr.IsNotFound(err) {
		t.Fatalf("Get() after close error = %v, want not found", err)
	}
	if left := filesLeft(t, m, s.ID); len(left) != 0 {
		t.Fatalf("files left after close: %v", left)
	}
}

func TestResolveClosesImmediatelyWhenSummaryCached(t *testing.T) {
	m, _ := newTestManager(t)
	s := newSession(t, m, []string{"A"}, "A")

	if _, err := m.AttachSummary(s.ID, summary.Summary{ExecutiveSummary: "early"}); err != nil {
		t.Fatalf("AttachSummary() error = %v", err)
	}
	closed, err := m.Resolve(s.ID, "A", "Ann")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !closed {
		t.Fatalf("Resolve() closed = false, want true")
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestResolveWithNoPendingNeverAutoCloses(t *testing.T) {
	m, _ := newTestManager(t)
	s := newSession(t, m, []string{"A"})
	if _, err := m.AttachSummary(s.ID, summary.Summary{}); err != nil {
		t.Fatalf("AttachSummary() error = %v", err)
	}
	closed, err := m.Resolve(s.ID, "A", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if closed {
		t.Fatalf("Resolve() closed = true, want false")
	}
}

func TestResolveUnknownSpeaker(t *testing.T) {
	m, _ := newTestManager(t)
	s := newSession(t, m, []string{"A"}, "A")
	_, err := m.Resolve(s.ID, "Z", "")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("Resolve(Z) error = %v, want not found", err)
	}
	if _, err := m.Resolve("missing", "A", ""); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("Resolve(missing) error = %v, want not found", err)
	}
}

func TestConcurrentResolveClosesOnce(t *testing.T) {
	m, _ := newTestManager(t)
	labels := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	s := newSession(t, m, labels, labels...)
	if _, err := m.AttachSummary(s.ID, summary.Summary{}); err != nil {
		t.Fatalf("AttachSummary() error = %v", err)
	}

	var closes int
	var mu sync.Mutex
	m.SetEventHook(func(ev Event) {
		if ev.Type == EventClosed {
			mu.Lock()
			closes++
			mu.Unlock()
		}
	})

	var wg sync.WaitGroup
	for _, l := range labels {
		wg.Add(2)
		for i := 0; i < 2; i++ {
			go func(label string) {
				defer wg.Done()
				_, _ = m.Resolve(s.ID, label, "")
			}(l)
		}
	}
	wg.Wait()

	if closes != 1 {
		t.Fatalf("close events = %d, want 1", closes)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestSweepExpiredRemovesOldSessions(t *testing.T) {
	m, clock := newTestManager(t)
	old := newSession(t, m, []string{"A"}, "A")
	clock.Advance(30 * time.Minute)
	fresh := newSession(t, m, []string{"A"}, "A")
	clock.Advance(31 * time.Minute)

	if n := m.SweepExpired(); n != 1 {
		t.Fatalf("SweepExpired() = %d, want 1", n)
	}
	if _, err := m.Get(old.ID); !apperr.IsNotFound(err) {
		t.Fatalf("Get(old) error = %v, want not found", err)
	}
	if left := filesLeft(t, m, old.ID); len(left) != 0 {
		t.Fatalf("files left for expired session: %v", left)
	}
	if _, err := m.Get(fresh.ID); err != nil {
		t.Fatalf("Get(fresh) error = %v", err)
	}
}

func TestGetExpiredSessionReportsExpired(t *testing.T) {
	m, clock := newTestManager(t)
	s := newSession(t, m, []string{"A"}, "A")
	clock.Advance(2 * time.Hour)

	_, err := m.Get(s.ID)
	if !apperr.Is(err, apperr.KindExpired) {
		t.Fatalf("Get() error = %v, want expired", err)
	}
	if !apperr.IsNotFound(err) {
		t.Fatalf("expired error should surface as not found")
	}
	if left := filesLeft(t, m, s.ID); len(left) != 0 {
		t.Fatalf("files left for expired session: %v", left)
	}
}

func TestSupersedePreviousClosesLastSession(t *testing.T) {
	m, _ := newTestManager(t)
	first := newSession(t, m, []string{"A"}, "A")

	next := m.NewID()
	if !m.SupersedePrevious(next) {
		t.Fatalf("SupersedePrevious() = false, want true")
	}
	if _, err := m.Get(first.ID); !apperr.IsNotFound(err) {
		t.Fatalf("Get(first) error = %v, want not found", err)
	}
	if m.SupersedePrevious(next) {
		t.Fatalf("second SupersedePrevious() = true, want false")
	}
}

func TestCloseIsIdempotentAndBestEffort(t *testing.T) {
	m, _ := newTestManager(t)
	s := newSession(t, m, []string{"A"}, "A")
	if err := os.Remove(s.OriginalPath); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	if !m.Close(s.ID) {
		t.Fatalf("Close() = false, want true")
	}
	if m.Close(s.ID) {
		t.Fatalf("second Close() = true, want false")
	}
	if left := filesLeft(t, m, s.ID); len(left) != 0 {
		t.Fatalf("files left after close: %v", left)
	}
}

func TestSubscribeReceivesLifecycleUntilClose(t *testing.T) {
	m, _ := newTestManager(t)
	s := newSession(t, m, []string{"A"}, "A")

	events, cancel, err := m.Subscribe(s.ID)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancel()

	if _, err := m.Resolve(s.ID, "A", "Ann"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if _, err := m.AttachSummary(s.ID, summary.Summary{}); err != nil {
		t.Fatalf("AttachSummary() error = %v", err)
	}

	var got []EventType
	timeout := time.After(time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-events:
			if !ok {
				done = true
				break
			}
			got = append(got, ev.Type)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", got)
		}
	}
	want := []EventType{EventResolved, EventAwaitingSummary, EventSummaryAttached, EventClosed}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}

	if _, _, err := m.Subscribe(s.ID); !apperr.IsNotFound(err) {
		t.Fatalf("Subscribe() after close error = %v, want not found", err)
	}
}

func TestJanitorSweeps(t *testing.T) {
	m, clock := newTestManager(t)
	s := newSession(t, m, []string{"A"}, "A")
	clock.Advance(2 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for m.ActiveCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("janitor did not remove expired session %s", s.ID)
	}
}

func TestPrepareAudioDirWipesStaleFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "audio")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stale.wav"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	m := NewManager(Options{AudioDir: dir})
	if err := m.PrepareAudioDir(); err != nil {
		t.Fatalf("PrepareAudioDir() error = %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("audio dir has %d entries, want 0", len(entries))
	}
}
