// Package identify runs the recording identification workflow and the speaker
// actions that follow it: confirmation, enrollment, clips and summaries.
package identify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/antoniostano/voxtail/internal/apperr"
	"github.com/antoniostano/voxtail/internal/audio"
	"github.com/antoniostano/voxtail/internal/embed"
	"github.com/antoniostano/voxtail/internal/match"
	"github.com/antoniostano/voxtail/internal/observability"
	"github.com/antoniostano/voxtail/internal/profile"
	"github.com/antoniostano/voxtail/internal/segment"
	"github.com/antoniostano/voxtail/internal/session"
	"github.com/antoniostano/voxtail/internal/summary"
	"github.com/antoniostano/voxtail/internal/transcribe"
)

// Provider names reported in upstream errors and metrics.
const (
	ProviderTranscription = "transcription"
	ProviderEmbedding     = "embedding"
	ProviderProfileStore  = "profile-store"
	ProviderSummary       = "summary"
)

// Advisory bounds for dedicated enrollment samples, in milliseconds.
const (
	advisoryMinRawMS    = 10000
	advisoryMaxRawMS    = 60000
	advisoryMinSpeechMS = 5000
)

// SpeechAnalyzer measures speech and removes silence before embedding.
type SpeechAnalyzer interface {
	audio.SpeechDetector
	StripSilence(w *audio.Waveform) *audio.Waveform
}

// Options holds worker limits and audio sufficiency floors. Durations are milliseconds.
type Options struct {
	MaxConcurrentJobs   int
	SpeakerParallelism  int
	IdentifyMinSpeechMS int64
	EnrollMinSpeechMS   int64
	EnrollMinDurationMS int64
	ClipMinDurationMS   int64
	ClipMaxDurationMS   int64
}

func DefaultOptions() Options {
	return Options{
		MaxConcurrentJobs:   2,
		SpeakerParallelism:  4,
		IdentifyMinSpeechMS: 5000,
		EnrollMinSpeechMS:   3000,
		EnrollMinDurationMS: 5000,
		ClipMinDurationMS:   2000,
		ClipMaxDurationMS:   5000,
	}
}

type Deps struct {
	Transcriber transcribe.Transcriber
	Converter   audio.Converter
	Analyzer    SpeechAnalyzer
	Selector    *segment.Selector
	Embedder    embed.Embedder
	Matcher     *match.Matcher
	Profiles    *profile.Manager
	Sessions    *session.Manager
	Summarizer  summary.Summarizer
	Metrics     *observability.Metrics
	Analytics   *observability.Analytics
	Logger      *slog.Logger
}

type Service struct {
	transcriber transcribe.Transcriber
	converter   audio.Converter
	analyzer    SpeechAnalyzer
	selector    *segment.Selector
	embedder    embed.Embedder
	matcher     *match.Matcher
	profiles    *profile.Manager
	sessions    *session.Manager
	summarizer  summary.Summarizer
	metrics     *observability.Metrics
	analytics   *observability.Analytics
	logger      *slog.Logger

	opts Options
	jobs *semaphore.Weighted
}

func New(d Deps, opts Options) (*Service, error) {
	switch {
	case d.Transcriber == nil:
		return nil, errors.New("identify: transcriber is required")
	case d.Converter == nil:
		return nil, errors.New("identify: converter is required")
	case d.Analyzer == nil:
		return nil, errors.New("identify: speech analyzer is required")
	case d.Selector == nil:
		return nil, errors.New("identify: segment selector is required")
	case d.Embedder == nil:
		return nil, errors.New("identify: embedder is required")
	case d.Matcher == nil:
		return nil, errors.New("identify: matcher is required")
	case d.Profiles == nil:
		return nil, errors.New("identify: profile manager is required")
	case d.Sessions == nil:
		return nil, errors.New("identify: session manager is required")
	case d.Summarizer == nil:
		return nil, errors.New("identify: summarizer is required")
	}
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = 1
	}
	if opts.SpeakerParallelism <= 0 {
		opts.SpeakerParallelism = 1
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{
		transcriber: d.Transcriber,
		converter:   d.Converter,
		analyzer:    d.Analyzer,
		selector:    d.Selector,
		embedder:    d.Embedder,
		matcher:     d.Matcher,
		profiles:    d.Profiles,
		sessions:    d.Sessions,
		summarizer:  d.Summarizer,
		metrics:     d.Metrics,
		analytics:   d.Analytics,
		logger:      d.Logger,
		opts:        opts,
		jobs:        semaphore.NewWeighted(int64(opts.MaxConcurrentJobs)),
	}, nil
}

// upstream wraps a provider failure. Errors that already carry a kind and
// context cancellation pass through unchanged.
func (s *Service) upstream(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if s.metrics != nil {
		s.metrics.ProviderErrors.WithLabelValues(provider).Inc()
	}
	s.logger.Error("provider call failed", "provider", provider, "error", err)
	return apperr.Upstream(provider, err)
}

// conversionErr reports input ffmpeg rejected as a validation error; every
// other conversion failure is a server fault.
func conversionErr(what string, err error) error {
	if errors.Is(err, audio.ErrUndecodable) {
		return apperr.Validation("audio could not be decoded")
	}
	return apperr.Internal(fmt.Errorf("convert %s: %w", what, err))
}

// embedClip strips silence from clip and embeds what remains.
func (s *Service) embedClip(ctx context.Context, clip *audio.Waveform) ([]float32, error) {
	vec, err := s.embedder.Embed(ctx, s.analyzer.StripSilence(clip))
	if err != nil {
		return nil, s.upstream(ProviderEmbedding, fmt.Errorf("embed clip: %w", err))
	}
	return vec, nil
}
