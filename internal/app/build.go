// Package app wires configuration into a running service graph.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/antoniostano/voxtail/internal/audio"
	"github.com/antoniostano/voxtail/internal/config"
	"github.com/antoniostano/voxtail/internal/httpapi"
	"github.com/antoniostano/voxtail/internal/identify"
	"github.com/antoniostano/voxtail/internal/match"
	"github.com/antoniostano/voxtail/internal/observability"
	"github.com/antoniostano/voxtail/internal/profile"
	"github.com/antoniostano/voxtail/internal/segment"
	"github.com/antoniostano/voxtail/internal/session"
)

// Options carries process-level collaborators. Zero values use the slog and
// Prometheus defaults.
type Options struct {
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Service   *identify.Service
	Sessions  *session.Manager
	Profiles  *profile.Manager
	Metrics   *observability.Metrics
	Providers ProviderInfo

	// Cleanup should be called on shutdown to release the profile store.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace, opts.Registerer)

	providers, err := resolveProviders(cfg, logger)
	if err != nil {
		return nil, err
	}

	profiles, closeStore, storeKind, err := OpenProfiles(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	profiles.OnBlend = func(mode profile.BlendMode) {
		metrics.ProfileUpdates.WithLabelValues(string(mode)).Inc()
	}

	// Ensure readiness reports the backends actually in use.
	cfg.ProfileStore = storeKind
	cfg.TranscribeProvider = providers.info.Transcribe
	cfg.EmbedProvider = providers.info.Embed
	cfg.SummaryProvider = providers.info.Summary

	sessions := session.NewManager(session.Options{
		AudioDir: cfg.AudioDir,
		TTL:      cfg.SessionTTL,
		Logger:   logger,
	})
	sessions.SetEventHook(func(ev session.Event) {
		metrics.SessionEvents.WithLabelValues(string(ev.Type), string(ev.Reason)).Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	vadCfg := audio.DefaultEnergyDetectorConfig()
	vadCfg.ThresholdDBFS = cfg.VADThresholdDBFS
	detector := audio.NewEnergyDetector(vadCfg)

	selector := segment.NewSelector(segment.Options{
		MinUtteranceMS:  cfg.Stitching.MinUtteranceMS,
		MaxSingleSpanMS: cfg.Stitching.MaxSingleSpanMS,
		TargetSpeechMS:  cfg.Stitching.TargetSpeechMS,
		MaxSpans:        cfg.Stitching.MaxSpans,
	}, detector, logger)

	matcher := match.NewMatcher(match.Config{
		MinThreshold: cfg.Matching.MinThreshold,
		MinMargin:    cfg.Matching.MinMargin,
		TopK:         cfg.Matching.TopK,
	}, profiles, logger)

	svc, err := identify.New(identify.Deps{
		Transcriber: providers.transcriber,
		Converter:   audio.NewFFmpegConverter(cfg.FFmpegPath),
		Analyzer:    detector,
		Selector:    selector,
		Embedder:    providers.embedder,
		Matcher:     matcher,
		Profiles:    profiles,
		Sessions:    sessions,
		Summarizer:  providers.summarizer,
		Metrics:     metrics,
		Analytics:   observability.NewAnalytics(logger),
		Logger:      logger,
	}, identify.Options{
		MaxConcurrentJobs:   cfg.MaxConcurrentJobs,
		SpeakerParallelism:  cfg.SpeakerParallelism,
		IdentifyMinSpeechMS: cfg.Quality.IdentifyMinSpeechMS,
		EnrollMinSpeechMS:   cfg.Quality.EnrollMinSpeechMS,
		EnrollMinDurationMS: cfg.Quality.EnrollMinDurationMS,
		ClipMinDurationMS:   cfg.Quality.ClipMinDurationMS,
		ClipMaxDurationMS:   cfg.Quality.ClipMaxDurationMS,
	})
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	api := httpapi.New(cfg, svc, metrics, logger)

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Service:   svc,
		Sessions:  sessions,
		Profiles:  profiles,
		Metrics:   metrics,
		Providers: providers.info,
		Cleanup:   closeStore,
	}, nil
}

// OpenProfiles opens the configured profile store and its name cache and returns
// the manager over them, a close func, and the resolved store kind.
func OpenProfiles(ctx context.Context, cfg config.Config, logger *slog.Logger) (*profile.Manager, func() error, string, error) {
	storeCfg := profile.StoreConfig{
		Kind:        cfg.ProfileStore,
		DatabaseURL: cfg.DatabaseURL,
		BadgerDir:   cfg.ProfileBadgerDir,
		Dim:         cfg.EmbedDim,
	}
	store, err := profile.NewStore(ctx, storeCfg, logger)
	if err != nil {
		return nil, nil, "", fmt.Errorf("profile store init failed: %w", err)
	}
	cache, err := profile.OpenCache(cfg.ProfileCacheFile)
	if err != nil {
		return nil, nil, "", errors.Join(fmt.Errorf("profile cache init failed: %w", err), store.Close())
	}
	manager := profile.NewManager(store, cache, profile.BlendConfig{
		UseEMA:        cfg.Blending.UseEMA,
		Alpha:         cfg.Blending.Alpha,
		EMAMinSamples: cfg.Blending.EMAMinSamples,
	}, logger)
	return manager, store.Close, storeCfg.ResolvedKind(), nil
}
