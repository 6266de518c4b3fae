// Package summary produces structured meeting summaries from labeled transcripts.
package summary

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"
)

// MaxTranscriptChars bounds the transcript sent to the model.
const MaxTranscriptChars = 50000

var ErrEmptyTranscript = errors.New("no transcript content to summarize")

type ActionItem struct {
	Task     string `json:"task"`
	Assignee string `json:"assignee"`
}

// Summary is the structured result of summarizing a meeting.
type Summary struct {
	ExecutiveSummary string       `json:"executive_summary"`
	ActionItems      []ActionItem `json:"action_items"`
	KeyDecisions     []string     `json:"key_decisions"`
	TopicsDiscussed  []string     `json:"topics_discussed"`
}

func (s Summary) Clone() Summary {
	s.ActionItems = slices.Clone(s.ActionItems)
	s.KeyDecisions = slices.Clone(s.KeyDecisions)
	s.TopicsDiscussed = slices.Clone(s.TopicsDiscussed)
	return s
}

// Line is one transcript line with the speaker's display name.
type Line struct {
	Speaker string
	Text    string
}

// Summarizer turns a transcript into a Summary.
type Summarizer interface {
	Summarize(ctx context.Context, lines []Line, language string) (Summary, error)
}

// FormatTranscript renders lines as "Speaker: text" and truncates at MaxTranscriptChars.
// The second result reports whether truncation happened.
func FormatTranscript(lines []Line) (string, bool) {
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.Speaker)
		b.WriteString(": ")
		b.WriteString(l.Text)
	}
	text := b.String()
	if len(text) <= MaxTranscriptChars {
		return text, false
	}
	cut := MaxTranscriptChars
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "\n\n[Transcript truncated due to length...]", true
}

// Mock returns a canned summary built from the transcript.
type Mock struct{}

func (Mock) Summarize(_ context.Context, lines []Line, _ string) (Summary, error) {
	text, _ := FormatTranscript(lines)
	if strings.TrimSpace(text) == "" {
		return Summary{}, ErrEmptyTranscript
	}
	speakers := make([]string, 0)
	seen := make(map[string]bool)
	for _, l := range lines {
		if !seen[l.Speaker] {
			seen[l.Speaker] = true
			speakers = append(speakers, l.Speaker)
		}
	}
	return Summary{
		ExecutiveSummary: fmt.Sprintf("Meeting with %d participant(s): %s.", len(speakers), strings.Join(speakers, ", ")),
		ActionItems:      []ActionItem{},
		KeyDecisions:     []string{},
		TopicsDiscussed:  []string{},
	}, nil
}
