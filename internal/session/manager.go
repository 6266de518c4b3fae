// Package session tracks the in-memory working state of processed recordings
// until every open question about them is resolved.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/voxtail/internal/apperr"
	"github.com/antoniostano/voxtail/internal/summary"
)

const subscriberBuffer = 16

type Options struct {
	AudioDir string
	TTL      time.Duration
	Logger   *slog.Logger
}

type entry struct {
	mu     sync.Mutex
	s      *Session
	closed bool
}

// Manager is the session registry. Mutations of one session are serialized on
// that session's lock; the registry lock only guards membership.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	lastID   string

	subMu       sync.Mutex
	subscribers map[string][]chan Event

	hookMu  sync.RWMutex
	onEvent func(Event)

	audioDir string
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewManager(opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.AudioDir == "" {
		opts.AudioDir = "meeting_audio_temp"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		sessions:    make(map[string]*entry),
		subscribers: make(map[string][]chan Event),
		audioDir:    opts.AudioDir,
		ttl:         opts.TTL,
		logger:      opts.Logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetEventHook registers a callback invoked for every lifecycle event.
func (m *Manager) SetEventHook(hook func(Event)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onEvent = hook
}

func (m *Manager) AudioDir() string { return m.audioDir }

// PrepareAudioDir creates the audio directory and removes files left by a previous run.
func (m *Manager) PrepareAudioDir() error {
	if err := os.MkdirAll(m.audioDir, 0o755); err != nil {
		return fmt.Errorf("create audio dir: %w", err)
	}
	entries, err := os.ReadDir(m.audioDir)
	if err != nil {
		return fmt.Errorf("read audio dir: %w", err)
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(m.audioDir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(entries) > 0 {
		m.logger.Info("removed stale audio files", "dir", m.audioDir, "count", len(entries))
	}
	return errors.Join(errs...)
}

// NewID returns a fresh session id.
func (m *Manager) NewID() string {
	return uuid.NewString()
}

// UploadPath is where the original upload for id is stored.
func (m *Manager) UploadPath(id, ext string) string {
	return filepath.Join(m.audioDir, id+"_original"+ext)
}

// WAVPath is where the converted waveform for id is stored.
func (m *Manager) WAVPath(id string) string {
	return filepath.Join(m.audioDir, id+".wav")
}

// ClipPath is where a derived speaker clip is written.
func (m *Manager) ClipPath(id, label string) string {
	return filepath.Join(m.audioDir, fmt.Sprintf("%s_%s_clip.wav", id, label))
}

// Save registers s and remembers it as the most recent session.
func (m *Manager) Save(s *Session) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("save session: missing id")
	}
	for label := range s.Handled {
		if _, ok := s.Speakers[label]; !ok {
			return fmt.Errorf("save session %s: handled label %q is not a speaker", s.ID, label)
		}
	}
	c := s.clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	c.State = StateActive

	m.mu.Lock()
	m.sessions[c.ID] = &entry{s: c}
	m.lastID = c.ID
	m.mu.Unlock()

	m.logger.Info("meeting session stored", "meeting_id", c.ID, "speakers", len(c.Speakers), "pending", len(c.Pending))
	m.publish(Event{SessionID: c.ID, Type: EventCreated, State: StateActive, At: m.now()})
	return nil
}

// SupersedePrevious force-closes the most recently saved session when it is not currentID.
func (m *Manager) SupersedePrevious(currentID string) bool {
	m.mu.RLock()
	last := m.lastID
	m.mu.RUnlock()
	if last == "" || last == currentID {
		return false
	}
	closed := m.close(last, CloseSuperseded)
	if closed {
		m.logger.Info("previous meeting session superseded", "meeting_id", last, "by", currentID)
	}
	return closed
}

func (m *Manager) lookup(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	return e, ok
}

func (m *Manager) expired(s *Session) bool {
	return m.now().Sub(s.CreatedAt) > m.ttl
}

// withSession runs fn under the session's lock. Unknown ids are NotFound, sessions past
// their TTL are closed and reported as Expired.
func (m *Manager) withSession(id string, fn func(e *entry) error) error {
	e, ok := m.lookup(id)
	if !ok {
		return apperr.NotFound("meeting session", id)
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return apperr.NotFound("meeting session", id)
	}
	if m.expired(e.s) {
		m.finalizeLocked(e, CloseExpired)
		e.mu.Unlock()
		m.afterClose(e.s, CloseExpired)
		return apperr.Expired(id)
	}
	err := fn(e)
	e.mu.Unlock()
	return err
}

// Get returns a copy of the session.
func (m *Manager) Get(id string) (*Session, error) {
	var out *Session
	err := m.withSession(id, func(e *entry) error {
		out = e.s.clone()
		return nil
	})
	return out, err
}

// Resolve records that label was confirmed or enrolled, optionally naming it. When
// every pending label is handled the session closes if a summary is cached, and
// otherwise waits for one. It reports whether the session closed.
func (m *Manager) Resolve(id, label, name string) (bool, error) {
	var (
		closed bool
		events []Event
	)
	var target *Session
	err := m.withSession(id, func(e *entry) error {
		sp, ok := e.s.Speakers[label]
		if !ok {
			return apperr.NotFound("speaker", label)
		}
		if name != "" {
			sp.AssignedName = name
		}
		e.s.Handled[label] = true
		now := m.now()

		switch {
		case len(e.s.Pending) > 0 && e.s.AllPendingHandled():
			if e.s.Summary != nil {
				m.finalizeLocked(e, CloseResolved)
				closed = true
				target = e.s
				return nil
			}
			e.s.State = StateAwaitingSummary
			events = append(events,
				Event{SessionID: id, Type: EventResolved, State: e.s.State, Speaker: label, At: now},
				Event{SessionID: id, Type: EventAwaitingSummary, State: e.s.State, At: now},
			)
		default:
			if e.s.Pending[label] {
				e.s.State = StatePartiallyResolved
			}
			events = append(events, Event{SessionID: id, Type: EventResolved, State: e.s.State, Speaker: label, At: now})
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	for _, ev := range events {
		m.publish(ev)
	}
	if closed {
		m.afterClose(target, CloseResolved)
	}
	return closed, nil
}

// AttachSummary caches sum on the session and closes it if it was only waiting for one.
func (m *Manager) AttachSummary(id string, sum summary.Summary) (bool, error) {
	var (
		closed bool
		target *Session
		state  State
	)
	err := m.withSession(id, func(e *entry) error {
		s := sum.Clone()
		e.s.Summary = &s
		if e.s.State == StateAwaitingSummary {
			m.finalizeLocked(e, CloseResolved)
			closed = true
			target = e.s
		}
		state = e.s.State
		return nil
	})
	if err != nil {
		return false, err
	}
	m.publish(Event{SessionID: id, Type: EventSummaryAttached, State: state, At: m.now()})
	if closed {
		m.afterClose(target, CloseResolved)
	}
	return closed, nil
}

// Update applies fn to the live session under its lock.
func (m *Manager) Update(id string, fn func(s *Session) error) error {
	return m.withSession(id, func(e *entry) error { return fn(e.s) })
}

// Close force-closes a session. It is idempotent and reports whether this call closed it.
func (m *Manager) Close(id string) bool {
	return m.close(id, CloseExplicit)
}

func (m *Manager) close(id string, reason CloseReason) bool {
	e, ok := m.lookup(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	m.finalizeLocked(e, reason)
	e.mu.Unlock()
	m.afterClose(e.s, reason)
	return true
}

// finalizeLocked marks e closed and drops it from the registry. Caller holds e.mu.
func (m *Manager) finalizeLocked(e *entry, reason CloseReason) {
	e.closed = true
	e.s.State = StateClosed

	m.mu.Lock()
	if cur, ok := m.sessions[e.s.ID]; ok && cur == e {
		delete(m.sessions, e.s.ID)
	}
	if m.lastID == e.s.ID {
		m.lastID = ""
	}
	m.mu.Unlock()
}

// afterClose releases files and notifies listeners once the session lock is dropped.
func (m *Manager) afterClose(s *Session, reason CloseReason) {
	if err := m.releaseFiles(s); err != nil {
		m.logger.Warn("meeting audio cleanup incomplete", "meeting_id", s.ID, "error", err)
	}
	m.logger.Info("meeting session closed", "meeting_id", s.ID, "reason", reason)
	m.publish(Event{SessionID: s.ID, Type: EventClosed, State: StateClosed, Reason: reason, At: m.now()})

	m.subMu.Lock()
	subs := m.subscribers[s.ID]
	delete(m.subscribers, s.ID)
	m.subMu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}

func (m *Manager) releaseFiles(s *Session) error {
	paths := []string{s.AudioPath, s.OriginalPath}
	clips, err := filepath.Glob(filepath.Join(m.audioDir, s.ID+"_*_clip.wav"))
	if err != nil {
		return err
	}
	paths = append(paths, clips...)
	return RemoveFiles(paths...)
}

// RemoveFiles deletes every path, skipping empty and missing ones. A failure on one
// path does not stop the rest.
func RemoveFiles(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SweepExpired closes every session older than the TTL and returns how many it closed.
func (m *Manager) SweepExpired() int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	count := 0
	for _, id := range ids {
		e, ok := m.lookup(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		if e.closed || !m.expired(e.s) {
			e.mu.Unlock()
			continue
		}
		m.finalizeLocked(e, CloseExpired)
		e.mu.Unlock()
		m.afterClose(e.s, CloseExpired)
		count++
	}
	if count > 0 {
		m.logger.Info("expired meeting sessions removed", "count", count)
	}
	return count
}

// StartJanitor sweeps expired sessions every interval until ctx is done.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SweepExpired()
			}
		}
	}()
}

// ActiveCount returns the number of open sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Subscribe streams lifecycle events for id. The channel is closed when the session
// closes or cancel is called.
func (m *Manager) Subscribe(id string) (<-chan Event, func(), error) {
	ch := make(chan Event, subscriberBuffer)

	// Checked under subMu so a concurrent close either sees this subscriber or
	// has already dropped the session from the registry.
	m.subMu.Lock()
	if _, ok := m.lookup(id); !ok {
		m.subMu.Unlock()
		return nil, nil, apperr.NotFound("meeting session", id)
	}
	m.subscribers[id] = append(m.subscribers[id], ch)
	m.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			subs := m.subscribers[id]
			for i, c := range subs {
				if c == ch {
					m.subscribers[id] = append(subs[:i], subs[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
	return ch, cancel, nil
}

func (m *Manager) publish(ev Event) {
	m.hookMu.RLock()
	hook := m.onEvent
	m.hookMu.RUnlock()
	if hook != nil {
		hook(ev)
	}

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subscribers[ev.SessionID] {
		select {
		case ch <- ev:
		default:
			m.logger.Warn("session event dropped for slow subscriber", "meeting_id", ev.SessionID, "type", ev.Type)
		}
	}
}
