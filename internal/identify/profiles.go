package identify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/antoniostano/voxtail/internal/apperr"
	"github.com/antoniostano/voxtail/internal/audio"
	"github.com/antoniostano/voxtail/internal/observability"
	"github.com/antoniostano/voxtail/internal/profile"
	"github.com/antoniostano/voxtail/internal/session"
)

// EnrollDedicated enrolls name from a sample recorded for that purpose. The sample
// carries more trust than meeting audio and is blended with a higher weight.
func (s *Service) EnrollDedicated(ctx context.Context, name, filename string, body io.Reader) (EnrollResult, error) {
	name, err := profile.NormalizeName(name)
	if err != nil {
		return EnrollResult{}, err
	}
	dir := s.sessions.AudioDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return EnrollResult{}, apperr.Internal(fmt.Errorf("create audio dir: %w", err))
	}
	upload, err := os.CreateTemp(dir, "enroll-*"+uploadExt(filename))
	if err != nil {
		return EnrollResult{}, apperr.Internal(fmt.Errorf("create enrollment upload: %w", err))
	}
	uploadPath := upload.Name()
	wavPath := strings.TrimSuffix(uploadPath, uploadExt(filename)) + "_converted.wav"
	defer func() {
		if err := session.RemoveFiles(uploadPath, wavPath); err != nil {
			s.logger.Warn("enrollment temp cleanup incomplete", "error", err)
		}
	}()

	n, err := io.Copy(upload, body)
	if cerr := upload.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return EnrollResult{}, apperr.Internal(fmt.Errorf("store enrollment upload: %w", err))
	}
	if n == 0 {
		return EnrollResult{}, apperr.Validation("audio upload is empty")
	}

	if err := s.converter.ToWAV(ctx, uploadPath, wavPath); err != nil {
		return EnrollResult{}, conversionErr("enrollment upload", err)
	}
	wave, err := audio.ReadWAVFile(wavPath)
	if err != nil {
		return EnrollResult{}, apperr.Internal(fmt.Errorf("load enrollment audio: %w", err))
	}

	raw := wave.DurationMS()
	if raw < s.opts.EnrollMinDurationMS {
		e := apperr.InsufficientAudio(fmt.Sprintf(
			"audio too short (%.1fs), need at least %.1fs",
			float64(raw)/1000, float64(s.opts.EnrollMinDurationMS)/1000,
		))
		e.Details = map[string]any{"duration_ms": raw, "required_ms": s.opts.EnrollMinDurationMS}
		return EnrollResult{}, e
	}
	speech, err := s.analyzer.SpeechDuration(ctx, wave)
	if err != nil {
		return EnrollResult{}, err
	}
	if speech < s.opts.EnrollMinSpeechMS {
		return EnrollResult{}, insufficientSpeech(name, speech, s.opts.EnrollMinSpeechMS)
	}

	vec, err := s.embedClip(ctx, wave)
	if err != nil {
		return EnrollResult{}, err
	}
	weight, err := s.profiles.AddSample(ctx, name, vec, profile.WeightDedicated)
	if err != nil {
		return EnrollResult{}, s.profileErr(err)
	}

	s.analytics.Log(ctx, observability.EventSpeakerEnrolled, "source", "dedicated")
	s.logger.Info("profile enrolled", "name", name, "total_weight", weight, "duration_ms", raw, "speech_ms", speech)
	return EnrollResult{
		Name:        name,
		TotalWeight: weight,
		Source:      "dedicated",
		SpeechMS:    speech,
		DurationMS:  raw,
		Warning:     enrollmentWarning(raw, speech),
	}, nil
}

// enrollmentWarning returns advice for samples that were accepted but are not ideal.
func enrollmentWarning(rawMS, speechMS int64) string {
	switch {
	case rawMS < advisoryMinRawMS:
		return fmt.Sprintf("sample is short (%.1fs); 10-60s of speech gives a more reliable profile", float64(rawMS)/1000)
	case rawMS > advisoryMaxRawMS:
		return fmt.Sprintf("sample is long (%.1fs); 10-60s of speech is enough", float64(rawMS)/1000)
	case speechMS < advisoryMinSpeechMS:
		return fmt.Sprintf("sample has little speech (%.1fs); record more continuous talking", float64(speechMS)/1000)
	default:
		return ""
	}
}

// ListProfiles returns the cached profile names and weights.
func (s *Service) ListProfiles() []profile.Summary {
	return s.profiles.List()
}

// DeleteProfile removes a profile from the store and the cache.
func (s *Service) DeleteProfile(ctx context.Context, name string) error {
	if err := s.profiles.Delete(ctx, name); err != nil {
		return s.profileErr(err)
	}
	return nil
}

// SyncProfiles rebuilds the cache from the store.
func (s *Service) SyncProfiles(ctx context.Context) ([]profile.Summary, error) {
	out, err := s.profiles.Sync(ctx)
	if err != nil {
		return nil, s.profileErr(err)
	}
	s.logger.Info("profile cache synced", "profiles", len(out))
	return out, nil
}

// RecordConsent logs that the user accepted a consent document.
func (s *Service) RecordConsent(ctx context.Context, kind, version string) error {
	kind, version = strings.TrimSpace(kind), strings.TrimSpace(version)
	if kind == "" || version == "" {
		return apperr.Validation("consent type and version are required")
	}
	s.analytics.Log(ctx, observability.EventConsentAccepted, "consent_type", kind, "version", version)
	return nil
}
