package app

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/antoniostano/voxtail/internal/config"
	"github.com/antoniostano/voxtail/internal/embed"
	"github.com/antoniostano/voxtail/internal/summary"
	"github.com/antoniostano/voxtail/internal/transcribe"
)

type providerSetup struct {
	transcriber transcribe.Transcriber
	embedder    embed.Embedder
	summarizer  summary.Summarizer
	info        ProviderInfo
}

// ProviderInfo names the backend chosen for each external concern.
type ProviderInfo struct {
	Transcribe       string
	TranscribeDetail string
	Embed            string
	EmbedDetail      string
	Summary          string
	SummaryDetail    string
}

func mode(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "auto"
	}
	return v
}

func resolveProviders(cfg config.Config, logger *slog.Logger) (providerSetup, error) {
	var setup providerSetup

	if err := resolveTranscriber(cfg, logger, &setup); err != nil {
		return providerSetup{}, err
	}
	if err := resolveEmbedder(cfg, logger, &setup); err != nil {
		return providerSetup{}, err
	}
	if err := resolveSummarizer(cfg, logger, &setup); err != nil {
		return providerSetup{}, err
	}
	return setup, nil
}

func resolveTranscriber(cfg config.Config, logger *slog.Logger, setup *providerSetup) error {
	tryAssemblyAI := func() (bool, error) {
		if strings.TrimSpace(cfg.AssemblyAIAPIKey) == "" {
			return false, nil
		}
		t, err := transcribe.NewAssemblyAI(transcribe.AssemblyAIConfig{
			APIKey:  cfg.AssemblyAIAPIKey,
			BaseURL: cfg.AssemblyAIBaseURL,
			MaxWait: cfg.AssemblyAIMaxWait,
		}, logger)
		if err != nil {
			return false, err
		}
		setup.transcriber = t
		setup.info.Transcribe = "assemblyai"
		setup.info.TranscribeDetail = "assemblyai (" + cfg.AssemblyAIBaseURL + ")"
		return true, nil
	}
	useMock := func(detail string) {
		setup.transcriber = &transcribe.Mock{}
		setup.info.Transcribe = "mock"
		setup.info.TranscribeDetail = detail
	}

	switch mode(cfg.TranscribeProvider) {
	case "assemblyai":
		ok, err := tryAssemblyAI()
		if err != nil {
			return fmt.Errorf("assemblyai transcriber init failed: %w", err)
		}
		if !ok {
			return fmt.Errorf("TRANSCRIBE_PROVIDER=assemblyai but ASSEMBLYAI_API_KEY is not set")
		}
	case "mock":
		useMock("mock")
	case "auto":
		ok, err := tryAssemblyAI()
		if err != nil {
			return fmt.Errorf("assemblyai transcriber init failed: %w", err)
		}
		if !ok {
			useMock("mock (no ASSEMBLYAI_API_KEY; every recording transcribes empty)")
		}
	default:
		return fmt.Errorf("invalid TRANSCRIBE_PROVIDER: %q (expected auto|assemblyai|mock)", cfg.TranscribeProvider)
	}
	return nil
}

func resolveEmbedder(cfg config.Config, logger *slog.Logger, setup *providerSetup) error {
	tryHTTP := func() (bool, error) {
		if strings.TrimSpace(cfg.EmbedServiceURL) == "" {
			return false, nil
		}
		e, err := embed.NewHTTPClient(cfg.EmbedServiceURL, cfg.EmbedDim, logger)
		if err != nil {
			return false, err
		}
		setup.embedder = e
		setup.info.Embed = "http"
		setup.info.EmbedDetail = fmt.Sprintf("http sidecar %s (dim %d)", cfg.EmbedServiceURL, cfg.EmbedDim)
		return true, nil
	}
	useHash := func(detail string) {
		setup.embedder = embed.Hash{Dim: cfg.EmbedDim}
		setup.info.Embed = "hash"
		setup.info.EmbedDetail = detail
	}

	switch mode(cfg.EmbedProvider) {
	case "http":
		ok, err := tryHTTP()
		if err != nil {
			return fmt.Errorf("embedding client init failed: %w", err)
		}
		if !ok {
			return fmt.Errorf("EMBED_PROVIDER=http but EMBED_SERVICE_URL is not set")
		}
	case "hash", "mock":
		useHash("hash")
	case "auto":
		ok, err := tryHTTP()
		if err != nil {
			return fmt.Errorf("embedding client init failed: %w", err)
		}
		if !ok {
			useHash("hash (no EMBED_SERVICE_URL; matches are not voice-based)")
		}
	default:
		return fmt.Errorf("invalid EMBED_PROVIDER: %q (expected auto|http|hash|mock)", cfg.EmbedProvider)
	}
	return nil
}

func resolveSummarizer(cfg config.Config, logger *slog.Logger, setup *providerSetup) error {
	tryOpenAI := func() (bool, error) {
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return false, nil
		}
		s, err := summary.NewOpenAI(summary.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
		}, logger)
		if err != nil {
			return false, err
		}
		setup.summarizer = s
		setup.info.Summary = "openai"
		setup.info.SummaryDetail = "openai " + cfg.OpenAIModel
		return true, nil
	}
	useMock := func(detail string) {
		setup.summarizer = summary.Mock{}
		setup.info.Summary = "mock"
		setup.info.SummaryDetail = detail
	}

	switch mode(cfg.SummaryProvider) {
	case "openai":
		ok, err := tryOpenAI()
		if err != nil {
			return fmt.Errorf("openai summarizer init failed: %w", err)
		}
		if !ok {
			return fmt.Errorf("SUMMARY_PROVIDER=openai but OPENAI_API_KEY is not set")
		}
	case "mock":
		useMock("mock")
	case "auto":
		ok, err := tryOpenAI()
		if err != nil {
			return fmt.Errorf("openai summarizer init failed: %w", err)
		}
		if !ok {
			useMock("mock (no OPENAI_API_KEY)")
		}
	default:
		return fmt.Errorf("invalid SUMMARY_PROVIDER: %q (expected auto|openai|mock)", cfg.SummaryProvider)
	}
	if cfg.RedactSummaries {
		setup.summarizer = summary.Redacting{Next: setup.summarizer, Logger: logger}
		setup.info.SummaryDetail += " (pii redacted)"
	}
	return nil
}
