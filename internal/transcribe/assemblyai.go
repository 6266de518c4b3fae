package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/antoniostano/voxtail/internal/reliability"
)

const providerAssemblyAI = "assemblyai"

// ErrTranscriptTimeout is returned when a transcript job is not finished within MaxWait.
var ErrTranscriptTimeout = errors.New("transcript not ready before max wait")

type AssemblyAIConfig struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	// MaxWait caps the time spent polling one job, whatever status it reports.
	MaxWait    time.Duration
	HTTPClient *http.Client
}

// AssemblyAI talks to the AssemblyAI v2 REST API: upload, create a transcript job,
// then poll it until it completes.
type AssemblyAI struct {
	apiKey  string
	baseURL string
	poll    time.Duration
	maxWait time.Duration
	client  *http.Client
	retry   reliability.Policy
	logger  *slog.Logger
}

func NewAssemblyAI(cfg AssemblyAIConfig, logger *slog.Logger) (*AssemblyAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("assemblyai transcriber requires ASSEMBLYAI_API_KEY")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.assemblyai.com"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 15 * time.Minute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AssemblyAI{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		poll:    cfg.PollInterval,
		maxWait: cfg.MaxWait,
		client:  cfg.HTTPClient,
		retry:   reliability.Policy{Attempts: 4, Base: 500 * time.Millisecond, Cap: 8 * time.Second},
		logger:  logger,
	}, nil
}

type transcriptRequest struct {
	AudioURL          string `json:"audio_url"`
	SpeakerLabels     bool   `json:"speaker_labels"`
	LanguageDetection bool   `json:"language_detection,omitempty"`
	LanguageCode      string `json:"language_code,omitempty"`
}

type transcriptResponse struct {
	ID            string      `json:"id"`
	Status        string      `json:"status"`
	Error         string      `json:"error"`
	Utterances    []Utterance `json:"utterances"`
	AudioDuration float64     `json:"audio_duration"`
	LanguageCode  string      `json:"language_code"`
}

func (a *AssemblyAI) Transcribe(ctx context.Context, path, language string) (Result, error) {
	audio, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("read audio: %w", err)
	}

	var upload struct {
		UploadURL string `json:"upload_url"`
	}
	if err := a.do(ctx, http.MethodPost, "/v2/upload", "application/octet-stream", audio, &upload); err != nil {
		return Result{}, fmt.Errorf("upload audio: %w", err)
	}

	req := transcriptRequest{AudioURL: upload.UploadURL, SpeakerLabels: true}
	if language != "" {
		req.LanguageCode = language
	} else {
		req.LanguageDetection = true
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	var job transcriptResponse
	if err := a.do(ctx, http.MethodPost, "/v2/transcript", "application/json", body, &job); err != nil {
		return Result{}, fmt.Errorf("create transcript: %w", err)
	}
	a.logger.Info("transcription started", "transcript_id", job.ID, "language", firstNonEmpty(language, "auto"))

	deadline := time.Now().Add(a.maxWait)
	for {
		switch job.Status {
		case "completed":
			lang := firstNonEmpty(job.LanguageCode, language, "unknown")
			a.logger.Info("transcription complete", "transcript_id", job.ID, "utterances", len(job.Utterances), "language", lang)
			return Result{
				Utterances: job.Utterances,
				DurationMS: int64(math.Round(job.AudioDuration * 1000)),
				Language:   lang,
			}, nil
		case "error":
			return Result{}, fmt.Errorf("transcription failed: %s", job.Error)
		case "queued", "processing":
		default:
			a.logger.Warn("unexpected transcript status", "transcript_id", job.ID, "status", job.Status)
		}
		if !time.Now().Before(deadline) {
			return Result{}, fmt.Errorf("transcript %s still %q: %w", job.ID, job.Status, ErrTranscriptTimeout)
		}
		if err := reliability.Sleep(ctx, a.poll); err != nil {
			return Result{}, err
		}
		id := job.ID
		if err := a.do(ctx, http.MethodGet, "/v2/transcript/"+id, "", nil, &job); err != nil {
			return Result{}, fmt.Errorf("poll transcript %s: %w", id, err)
		}
	}
}

func (a *AssemblyAI) do(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	return reliability.Do(ctx, a.retry, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", a.apiKey)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &reliability.StatusError{Provider: providerAssemblyAI, Code: resp.StatusCode, Body: truncate(string(data), 256)}
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
		return nil
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
