package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the speaker identification service.
type Config struct {
	BindAddr          string
	ShutdownTimeout   time.Duration
	MetricsNamespace  string
	AllowAnyOrigin    bool
	HeartbeatInterval time.Duration

	// IdentifyJobTimeout bounds one recording's detached processing, including
	// the wait for a worker slot.
	IdentifyJobTimeout time.Duration

	LogFile  string
	LogLevel slog.Level

	AudioDir           string
	SessionTTL         time.Duration
	SessionSweepPeriod time.Duration

	Matching  MatchingConfig
	Blending  BlendingConfig
	Stitching StitchingConfig
	Quality   QualityConfig

	MaxConcurrentJobs  int
	SpeakerParallelism int

	TranscribeProvider string
	AssemblyAIAPIKey   string
	AssemblyAIBaseURL  string
	AssemblyAIMaxWait  time.Duration

	EmbedProvider   string
	EmbedServiceURL string
	EmbedDim        int

	SummaryProvider string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModel     string
	RedactSummaries bool

	ProfileStore     string
	DatabaseURL      string
	ProfileBadgerDir string
	ProfileCacheFile string

	FFmpegPath       string
	VADThresholdDBFS float64
}

// MatchingConfig tunes the competitive matcher.
type MatchingConfig struct {
	MinThreshold float64
	MinMargin    float64
	TopK         int
}

// BlendingConfig tunes profile updates.
type BlendingConfig struct {
	UseEMA        bool
	Alpha         float64
	EMAMinSamples int
}

// StitchingConfig tunes per-speaker segment selection. All values are milliseconds
// except MaxSpans.
type StitchingConfig struct {
	MinUtteranceMS  int64
	MaxSingleSpanMS int64
	TargetSpeechMS  int64
	MaxSpans        int
}

// QualityConfig holds the audio sufficiency floors, in milliseconds.
type QualityConfig struct {
	IdentifyMinSpeechMS int64
	EnrollMinSpeechMS   int64
	EnrollMinDurationMS int64
	ClipMinDurationMS   int64
	ClipMaxDurationMS   int64
}

// Defaults returns a Config populated with built-in defaults and no env overrides.
func Defaults() Config {
	return Config{
		BindAddr:           ":8080",
		ShutdownTimeout:    15 * time.Second,
		MetricsNamespace:   "voxtail",
		HeartbeatInterval:  15 * time.Second,
		LogLevel:           slog.LevelInfo,
		AudioDir:           "meeting_audio_temp",
		SessionTTL:         time.Hour,
		IdentifyJobTimeout: 20 * time.Minute,
		AssemblyAIMaxWait:  15 * time.Minute,
		SessionSweepPeriod: time.Minute,
		Matching: MatchingConfig{
			MinThreshold: 0.55,
			MinMargin:    0.10,
			TopK:         3,
		},
		Blending: BlendingConfig{
			UseEMA:        true,
			Alpha:         0.3,
			EMAMinSamples: 4,
		},
		Stitching: StitchingConfig{
			MinUtteranceMS:  2000,
			MaxSingleSpanMS: 20000,
			TargetSpeechMS:  10000,
			MaxSpans:        5,
		},
		Quality: QualityConfig{
			IdentifyMinSpeechMS: 5000,
			EnrollMinSpeechMS:   3000,
			EnrollMinDurationMS: 5000,
			ClipMinDurationMS:   2000,
			ClipMaxDurationMS:   5000,
		},
		MaxConcurrentJobs:  2,
		SpeakerParallelism: 4,
		TranscribeProvider: "auto",
		AssemblyAIBaseURL:  "https://api.assemblyai.com",
		EmbedProvider:      "auto",
		EmbedDim:           192,
		SummaryProvider:    "auto",
		OpenAIModel:        "gpt-4o-mini",
		RedactSummaries:    true,
		ProfileStore:       "auto",
		ProfileCacheFile:   "speakers.yaml",
		FFmpegPath:         "ffmpeg",
		VADThresholdDBFS:   -40,
	}
}

// Load reads environment variables on top of Defaults and validates the result.
func Load() (Config, error) {
	cfg := Defaults()

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogFile = trimmedEnv("APP_LOG_FILE")
	cfg.LogLevel = parseLogLevel(envOrDefault("APP_LOG_LEVEL", "INFO"))
	cfg.AudioDir = envOrDefault("APP_AUDIO_DIR", cfg.AudioDir)

	cfg.TranscribeProvider = strings.ToLower(envOrDefault("TRANSCRIBE_PROVIDER", cfg.TranscribeProvider))
	cfg.AssemblyAIAPIKey = trimmedEnv("ASSEMBLYAI_API_KEY")
	cfg.AssemblyAIBaseURL = envOrDefault("ASSEMBLYAI_BASE_URL", cfg.AssemblyAIBaseURL)
	cfg.EmbedProvider = strings.ToLower(envOrDefault("EMBED_PROVIDER", cfg.EmbedProvider))
	cfg.EmbedServiceURL = trimmedEnv("EMBED_SERVICE_URL")
	cfg.SummaryProvider = strings.ToLower(envOrDefault("SUMMARY_PROVIDER", cfg.SummaryProvider))
	cfg.OpenAIAPIKey = trimmedEnv("OPENAI_API_KEY")
	cfg.OpenAIBaseURL = trimmedEnv("OPENAI_BASE_URL")
	cfg.OpenAIModel = envOrDefault("OPENAI_MODEL", cfg.OpenAIModel)
	cfg.ProfileStore = strings.ToLower(envOrDefault("PROFILE_STORE", cfg.ProfileStore))
	cfg.DatabaseURL = trimmedEnv("DATABASE_URL")
	cfg.ProfileBadgerDir = trimmedEnv("PROFILE_BADGER_DIR")
	cfg.ProfileCacheFile = envOrDefault("PROFILE_CACHE_FILE", cfg.ProfileCacheFile)
	cfg.FFmpegPath = envOrDefault("FFMPEG_PATH", cfg.FFmpegPath)

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"IDENTIFY_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"IDENTIFY_JOB_TIMEOUT", &cfg.IdentifyJobTimeout},
		{"ASSEMBLYAI_MAX_WAIT", &cfg.AssemblyAIMaxWait},
		{"SESSION_TTL", &cfg.SessionTTL},
		{"SESSION_SWEEP_INTERVAL", &cfg.SessionSweepPeriod},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MATCH_TOP_K", &cfg.Matching.TopK},
		{"PROFILE_EMA_MIN_SAMPLES", &cfg.Blending.EMAMinSamples},
		{"STITCHING_MAX_SPANS", &cfg.Stitching.MaxSpans},
		{"WORKER_MAX_JOBS", &cfg.MaxConcurrentJobs},
		{"WORKER_SPEAKER_PARALLELISM", &cfg.SpeakerParallelism},
		{"EMBED_DIM", &cfg.EmbedDim},
	}
	for _, i := range ints {
		if *i.dst, err = intFromEnv(i.key, *i.dst); err != nil {
			return Config{}, err
		}
	}

	millis := []struct {
		key string
		dst *int64
	}{
		{"STITCHING_MIN_UTTERANCE_MS", &cfg.Stitching.MinUtteranceMS},
		{"STITCHING_MAX_SINGLE_MS", &cfg.Stitching.MaxSingleSpanMS},
		{"STITCHING_TARGET_SPEECH_MS", &cfg.Stitching.TargetSpeechMS},
		{"IDENTIFY_MIN_SPEECH_MS", &cfg.Quality.IdentifyMinSpeechMS},
		{"ENROLL_MIN_SPEECH_MS", &cfg.Quality.EnrollMinSpeechMS},
		{"ENROLL_MIN_DURATION_MS", &cfg.Quality.EnrollMinDurationMS},
		{"CLIP_MIN_DURATION_MS", &cfg.Quality.ClipMinDurationMS},
		{"CLIP_MAX_DURATION_MS", &cfg.Quality.ClipMaxDurationMS},
	}
	for _, m := range millis {
		n, err := intFromEnv(m.key, int(*m.dst))
		if err != nil {
			return Config{}, err
		}
		*m.dst = int64(n)
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"MATCH_MIN_THRESHOLD", &cfg.Matching.MinThreshold},
		{"MATCH_MIN_MARGIN", &cfg.Matching.MinMargin},
		{"PROFILE_EMA_ALPHA", &cfg.Blending.Alpha},
		{"VAD_THRESHOLD_DBFS", &cfg.VADThresholdDBFS},
	}
	for _, f := range floats {
		if *f.dst, err = floatFromEnv(f.key, *f.dst); err != nil {
			return Config{}, err
		}
	}

	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.RedactSummaries, err = boolFromEnv("SUMMARY_REDACT_PII", cfg.RedactSummaries); err != nil {
		return Config{}, err
	}
	if cfg.Blending.UseEMA, err = boolFromEnv("PROFILE_USE_EMA", cfg.Blending.UseEMA); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every tunable for a usable range.
func (c Config) Validate() error {
	if c.Matching.MinThreshold < 0 || c.Matching.MinThreshold > 1 {
		return fmt.Errorf("MATCH_MIN_THRESHOLD must be within [0,1]")
	}
	if c.Matching.MinMargin < 0 || c.Matching.MinMargin > 1 {
		return fmt.Errorf("MATCH_MIN_MARGIN must be within [0,1]")
	}
	if c.Matching.TopK <= 0 {
		return fmt.Errorf("MATCH_TOP_K must be positive")
	}
	if c.Blending.Alpha <= 0 || c.Blending.Alpha > 1 {
		return fmt.Errorf("PROFILE_EMA_ALPHA must be within (0,1]")
	}
	if c.Blending.EMAMinSamples <= 0 {
		return fmt.Errorf("PROFILE_EMA_MIN_SAMPLES must be positive")
	}
	if c.Stitching.MinUtteranceMS <= 0 || c.Stitching.MaxSingleSpanMS <= 0 || c.Stitching.TargetSpeechMS <= 0 {
		return fmt.Errorf("STITCHING_* durations must be positive")
	}
	if c.Stitching.MaxSingleSpanMS < c.Stitching.MinUtteranceMS {
		return fmt.Errorf("STITCHING_MAX_SINGLE_MS must be >= STITCHING_MIN_UTTERANCE_MS")
	}
	if c.Stitching.MaxSpans <= 0 {
		return fmt.Errorf("STITCHING_MAX_SPANS must be positive")
	}
	if c.Quality.ClipMaxDurationMS < c.Quality.ClipMinDurationMS {
		return fmt.Errorf("CLIP_MAX_DURATION_MS must be >= CLIP_MIN_DURATION_MS")
	}
	if c.SessionTTL < time.Minute {
		return fmt.Errorf("SESSION_TTL must be at least 1m")
	}
	if c.SessionSweepPeriod <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be positive")
	}
	if c.IdentifyJobTimeout <= 0 {
		return fmt.Errorf("IDENTIFY_JOB_TIMEOUT must be positive")
	}
	if c.AssemblyAIMaxWait <= 0 {
		return fmt.Errorf("ASSEMBLYAI_MAX_WAIT must be positive")
	}
	if c.MaxConcurrentJobs <= 0 || c.SpeakerParallelism <= 0 {
		return fmt.Errorf("WORKER_* limits must be positive")
	}
	if c.EmbedDim <= 0 {
		return fmt.Errorf("EMBED_DIM must be positive")
	}
	if strings.TrimSpace(c.AudioDir) == "" {
		return fmt.Errorf("APP_AUDIO_DIR must not be empty")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := trimmedEnv(key); v != "" {
		return v
	}
	return fallback
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
