package session

import (
	"slices"
	"sort"
	"time"

	"github.com/antoniostano/voxtail/internal/audio"
	"github.com/antoniostano/voxtail/internal/match"
	"github.com/antoniostano/voxtail/internal/summary"
)

// State is the lifecycle position of a recording session.
type State string

const (
	StateActive            State = "active"
	StatePartiallyResolved State = "partially_resolved"
	StateAwaitingSummary   State = "awaiting_summary"
	StateClosed            State = "closed"
)

// Utterance is one diarized turn.
type Utterance struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
}

// Span returns the utterance bounds.
func (u Utterance) Span() audio.Span { return audio.Span{StartMS: u.StartMS, EndMS: u.EndMS} }

// Speaker is an anonymous in-recording speaker label and everything known about it.
type Speaker struct {
	Label        string
	Spans        []audio.Span
	Embedding    []float32
	Match        *match.Result
	SpeechMS     int64
	LowQuality   bool
	AssignedName string
}

// Session is the working state of one processed recording.
type Session struct {
	ID           string
	AudioPath    string
	OriginalPath string
	Speakers     map[string]*Speaker
	Utterances   []Utterance
	DurationMS   int64
	Language     string
	Pending      map[string]bool
	Handled      map[string]bool
	Summary      *summary.Summary
	State        State
	CreatedAt    time.Time
}

// Labels returns the speaker labels in sorted order.
func (s *Session) Labels() []string {
	out := make([]string, 0, len(s.Speakers))
	for label := range s.Speakers {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// AllPendingHandled reports whether every pending label has been handled.
func (s *Session) AllPendingHandled() bool {
	for label := range s.Pending {
		if !s.Handled[label] {
			return false
		}
	}
	return true
}

// DisplayName is the assigned name for label, or a placeholder.
func (s *Session) DisplayName(label string) string {
	if sp, ok := s.Speakers[label]; ok && sp.AssignedName != "" {
		return sp.AssignedName
	}
	return "Unknown (" + label + ")"
}

func (s *Session) clone() *Session {
	c := *s
	c.Speakers = make(map[string]*Speaker, len(s.Speakers))
	for label, sp := range s.Speakers {
		cp := *sp
		cp.Spans = slices.Clone(sp.Spans)
		cp.Embedding = slices.Clone(sp.Embedding)
		if sp.Match != nil {
			m := *sp.Match
			m.Candidates = slices.Clone(sp.Match.Candidates)
			cp.Match = &m
		}
		c.Speakers[label] = &cp
	}
	c.Utterances = slices.Clone(s.Utterances)
	c.Pending = cloneSet(s.Pending)
	c.Handled = cloneSet(s.Handled)
	if s.Summary != nil {
		sum := s.Summary.Clone()
		c.Summary = &sum
	}
	return &c
}

func cloneSet(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		if v {
			out[k] = true
		}
	}
	return out
}

// EventType names a lifecycle transition.
type EventType string

const (
	EventCreated         EventType = "created"
	EventResolved        EventType = "resolved"
	EventAwaitingSummary EventType = "awaiting_summary"
	EventSummaryAttached EventType = "summary_attached"
	EventClosed          EventType = "closed"
)

// CloseReason explains why a session was closed.
type CloseReason string

const (
	CloseResolved   CloseReason = "resolved"
	CloseExpired    CloseReason = "expired"
	CloseSuperseded CloseReason = "superseded"
	CloseExplicit   CloseReason = "explicit"
)

// Event is published to subscribers and the event hook on every transition.
type Event struct {
	SessionID string      `json:"meeting_id"`
	Type      EventType   `json:"type"`
	State     State       `json:"state"`
	Speaker   string      `json:"speaker,omitempty"`
	Reason    CloseReason `json:"reason,omitempty"`
	At        time.Time   `json:"at"`
}
