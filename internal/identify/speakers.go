package identify

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/antoniostano/voxtail/internal/apperr"
	"github.com/antoniostano/voxtail/internal/audio"
	"github.com/antoniostano/voxtail/internal/observability"
	"github.com/antoniostano/voxtail/internal/profile"
	"github.com/antoniostano/voxtail/internal/session"
)

type ConfirmResult struct {
	SpeakerID     string `json:"speaker_id"`
	Name          string `json:"confirmed_name"`
	Enrolled      bool   `json:"enrolled"`
	TotalWeight   int    `json:"total_weight,omitempty"`
	SessionClosed bool   `json:"session_cleaned_up"`
}

type EnrollResult struct {
	Name          string `json:"name"`
	TotalWeight   int    `json:"total_weight"`
	Source        string `json:"source"`
	MeetingID     string `json:"meeting_id,omitempty"`
	SpeechMS      int64  `json:"speech_ms"`
	DurationMS    int64  `json:"duration_ms,omitempty"`
	Warning       string `json:"warning,omitempty"`
	SessionClosed bool   `json:"session_cleaned_up"`
}

// GetMeeting returns the read view of a live session.
func (s *Service) GetMeeting(id string) (Meeting, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return Meeting{}, err
	}
	return buildMeeting(sess), nil
}

// CloseMeeting force-closes a session and releases its audio.
func (s *Service) CloseMeeting(id string) error {
	if !s.sessions.Close(id) {
		return apperr.NotFound("meeting session", id)
	}
	return nil
}

// Subscribe streams lifecycle events of a live session.
func (s *Service) Subscribe(id string) (<-chan session.Event, func(), error) {
	return s.sessions.Subscribe(id)
}

func speakerOf(sess *session.Session, label string) (*session.Speaker, error) {
	sp, ok := sess.Speakers[label]
	if !ok {
		return nil, apperr.NotFound("speaker", label)
	}
	return sp, nil
}

// ConfirmSpeaker names a speaker and, when asked and the speaker's audio is good
// enough, reinforces the named profile with the speaker's embedding.
func (s *Service) ConfirmSpeaker(ctx context.Context, id, label, name string, reinforce bool) (ConfirmResult, error) {
	name, err := profile.NormalizeName(name)
	if err != nil {
		return ConfirmResult{}, err
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		return ConfirmResult{}, err
	}
	sp, err := speakerOf(sess, label)
	if err != nil {
		return ConfirmResult{}, err
	}

	out := ConfirmResult{SpeakerID: label, Name: name}
	switch {
	case !reinforce:
	case sp.Embedding == nil || sp.LowQuality:
		s.logger.Info("reinforcement skipped for low speech quality", "meeting_id", id, "speaker", label, "name", name)
	default:
		weight, err := s.profiles.AddSample(ctx, name, sp.Embedding, profile.WeightReinforcement)
		if err != nil {
			return ConfirmResult{}, s.profileErr(err)
		}
		out.Enrolled = true
		out.TotalWeight = weight
		s.logger.Info("profile reinforced from meeting", "meeting_id", id, "speaker", label, "name", name, "total_weight", weight)
	}

	closed, err := s.sessions.Resolve(id, label, name)
	if err != nil {
		return ConfirmResult{}, err
	}
	out.SessionClosed = closed
	s.analytics.Log(ctx, observability.EventSpeakerConfirmed, "meeting_id", id, "reinforced", out.Enrolled)
	return out, nil
}

// EnrollFromRecording creates or reinforces a profile from a speaker's meeting audio.
func (s *Service) EnrollFromRecording(ctx context.Context, id, label, name string) (EnrollResult, error) {
	name, err := profile.NormalizeName(name)
	if err != nil {
		return EnrollResult{}, err
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		return EnrollResult{}, err
	}
	sp, err := speakerOf(sess, label)
	if err != nil {
		return EnrollResult{}, err
	}
	if sp.Embedding == nil || sp.SpeechMS < s.opts.EnrollMinSpeechMS {
		return EnrollResult{}, insufficientSpeech(label, sp.SpeechMS, s.opts.EnrollMinSpeechMS)
	}

	weight, err := s.profiles.AddSample(ctx, name, sp.Embedding, profile.WeightReinforcement)
	if err != nil {
		return EnrollResult{}, s.profileErr(err)
	}
	closed, err := s.sessions.Resolve(id, label, name)
	if err != nil {
		return EnrollResult{}, err
	}
	s.analytics.Log(ctx, observability.EventSpeakerEnrolled, "source", "meeting")
	s.logger.Info("profile enrolled from meeting", "meeting_id", id, "speaker", label, "name", name, "total_weight", weight)
	return EnrollResult{
		Name:          name,
		TotalWeight:   weight,
		Source:        "meeting",
		MeetingID:     id,
		SpeechMS:      sp.SpeechMS,
		SessionClosed: closed,
	}, nil
}

func insufficientSpeech(label string, got, need int64) error {
	e := apperr.InsufficientAudio(fmt.Sprintf(
		"insufficient speech for speaker %s (%.1fs), need at least %.1fs",
		label, float64(got)/1000, float64(need)/1000,
	))
	e.Details = map[string]any{"speech_ms": got, "required_ms": need}
	return e
}

// SpeakerClip writes a short playback clip of the speaker's longest utterance and
// returns its path. The clip is released with the session.
func (s *Service) SpeakerClip(ctx context.Context, id, label string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		return "", err
	}
	var (
		longest audio.Span
		found   bool
	)
	for _, u := range sess.Utterances {
		if u.Speaker != label {
			continue
		}
		if span := u.Span(); !found || span.DurationMS() > longest.DurationMS() {
			longest = span
			found = true
		}
	}
	if !found {
		return "", apperr.NotFound("speaker", label)
	}
	if longest.DurationMS() < s.opts.ClipMinDurationMS {
		return "", apperr.Validation("audio too short for playback")
	}

	wave, err := audio.ReadWAVFile(sess.AudioPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", apperr.NotFound("meeting audio", id)
		}
		return "", apperr.Internal(fmt.Errorf("load meeting audio: %w", err))
	}
	path := s.sessions.ClipPath(id, label)
	if err := wave.Slice(longest.Capped(s.opts.ClipMaxDurationMS)).WriteWAVFile(path); err != nil {
		return "", apperr.Internal(fmt.Errorf("write speaker clip: %w", err))
	}
	// The session may have closed while the clip was being written.
	if _, err := s.sessions.Get(id); err != nil {
		_ = session.RemoveFiles(path)
		return "", err
	}
	return path, nil
}

func (s *Service) profileErr(err error) error {
	if errors.Is(err, profile.ErrDimensionMismatch) {
		return apperr.Internal(err)
	}
	return s.upstream(ProviderProfileStore, err)
}
