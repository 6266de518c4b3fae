package identify

import (
	"context"
	"errors"

	"github.com/antoniostano/voxtail/internal/apperr"
	"github.com/antoniostano/voxtail/internal/observability"
	"github.com/antoniostano/voxtail/internal/session"
	"github.com/antoniostano/voxtail/internal/summary"
)

// SummaryResult is a generated or cached meeting summary.
type SummaryResult struct {
	MeetingID     string          `json:"meeting_id"`
	Summary       summary.Summary `json:"summary"`
	SessionClosed bool            `json:"session_cleaned_up"`
}

func summaryName(s *session.Session, label string) string {
	if sp, ok := s.Speakers[label]; ok && sp.AssignedName != "" {
		return sp.AssignedName
	}
	return "Speaker " + label
}

// Summarize generates a summary of the meeting transcript and caches it on the
// session, which closes the session if it was only waiting for one.
func (s *Service) Summarize(ctx context.Context, id string) (SummaryResult, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return SummaryResult{}, err
	}
	if len(sess.Utterances) == 0 {
		return SummaryResult{}, apperr.Validation("no transcript available to summarize")
	}
	lines := make([]summary.Line, 0, len(sess.Utterances))
	for _, u := range sess.Utterances {
		lines = append(lines, summary.Line{Speaker: summaryName(sess, u.Speaker), Text: u.Text})
	}

	sum, err := s.summarizer.Summarize(ctx, lines, sess.Language)
	if err != nil {
		if errors.Is(err, summary.ErrEmptyTranscript) {
			return SummaryResult{}, apperr.Validation("no transcript available to summarize")
		}
		return SummaryResult{}, s.upstream(ProviderSummary, err)
	}
	closed, err := s.sessions.AttachSummary(id, sum)
	if err != nil {
		return SummaryResult{}, err
	}

	names := make([]string, 0, len(sess.Speakers))
	for _, label := range sess.Labels() {
		names = append(names, summaryName(sess, label))
	}
	s.analytics.Log(ctx, observability.EventSummaryGenerated, "meeting_id", id, "speakers", names)
	return SummaryResult{MeetingID: id, Summary: sum, SessionClosed: closed}, nil
}

// GetSummary returns the cached summary of a live session.
func (s *Service) GetSummary(id string) (SummaryResult, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return SummaryResult{}, err
	}
	if sess.Summary == nil {
		return SummaryResult{}, apperr.NotFound("summary", id)
	}
	return SummaryResult{MeetingID: id, Summary: *sess.Summary}, nil
}
