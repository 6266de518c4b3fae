package identify

import (
	"github.com/antoniostano/voxtail/internal/match"
	"github.com/antoniostano/voxtail/internal/protocol"
	"github.com/antoniostano/voxtail/internal/session"
)

// Meeting is the read view of a stored session.
type Meeting struct {
	MeetingID  string                   `json:"meeting_id"`
	State      session.State            `json:"state"`
	Speakers   []protocol.SpeakerResult `json:"speakers"`
	Pending    []string                 `json:"pending"`
	DurationMS int64                    `json:"duration_ms"`
	Language   string                   `json:"language,omitempty"`
}

func buildResult(s *session.Session) protocol.IdentifyResult {
	utterances := make([]protocol.LabeledUtterance, 0, len(s.Utterances))
	for _, u := range s.Utterances {
		utterances = append(utterances, protocol.LabeledUtterance{
			Speaker:     u.Speaker,
			DisplayName: s.DisplayName(u.Speaker),
			Text:        u.Text,
			StartMS:     u.StartMS,
			EndMS:       u.EndMS,
		})
	}
	return protocol.IdentifyResult{
		Speakers:   speakerResults(s),
		Utterances: utterances,
		DurationMS: s.DurationMS,
		Language:   s.Language,
	}
}

func buildMeeting(s *session.Session) Meeting {
	pending := make([]string, 0, len(s.Pending))
	for _, label := range s.Labels() {
		if s.Pending[label] && !s.Handled[label] {
			pending = append(pending, label)
		}
	}
	return Meeting{
		MeetingID:  s.ID,
		State:      s.State,
		Speakers:   speakerResults(s),
		Pending:    pending,
		DurationMS: s.DurationMS,
		Language:   s.Language,
	}
}

func speakerResults(s *session.Session) []protocol.SpeakerResult {
	longest := make(map[string]int64, len(s.Speakers))
	for _, u := range s.Utterances {
		if d := u.EndMS - u.StartMS; d > longest[u.Speaker] {
			longest[u.Speaker] = d
		}
	}

	out := make([]protocol.SpeakerResult, 0, len(s.Speakers))
	for _, label := range s.Labels() {
		sp := s.Speakers[label]
		r := sp.Match
		if r == nil {
			r = &match.Result{Speaker: label, Confidence: match.ConfidenceLow}
		}
		candidates := make([]protocol.Candidate, 0, len(r.Candidates))
		for _, c := range r.Candidates {
			candidates = append(candidates, protocol.Candidate{Name: c.Name, Score: c.Score})
		}
		segments := make([]protocol.Segment, 0, len(sp.Spans))
		for _, span := range sp.Spans {
			segments = append(segments, protocol.Segment{StartMS: span.StartMS, EndMS: span.EndMS})
		}
		out = append(out, protocol.SpeakerResult{
			MeetingSpeakerID:  label,
			Confidence:        string(r.Confidence),
			Candidates:        candidates,
			TopScore:          r.TopScore,
			Margin:            r.Margin,
			AssignedName:      sp.AssignedName,
			SuggestedName:     r.SuggestedName,
			NeedsConfirmation: r.NeedsConfirmation(),
			NeedsNaming:       r.NeedsNaming(),
			SpeechMS:          sp.SpeechMS,
			LowQuality:        sp.LowQuality,
			Segments:          segments,
			LongestMS:         longest[label],
		})
	}
	return out
}
